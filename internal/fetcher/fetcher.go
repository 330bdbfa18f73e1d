// Package fetcher downloads page images to disk and probes their dimensions.
package fetcher

import (
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "golang.org/x/image/webp"

	"tankobon/internal/logging"
)

// PageAsset describes one downloaded page image.
type PageAsset struct {
	SizeBytes int64  `json:"sizeBytes"`
	MimeType  string `json:"mimeType"`
	Width     int    `json:"width"`
	Height    int    `json:"height"`
}

// Fetcher downloads page images over HTTP.
type Fetcher struct {
	httpClient *http.Client
	logger     *slog.Logger
}

// Option configures a Fetcher.
type Option func(*Fetcher)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(f *Fetcher) {
		if client != nil {
			f.httpClient = client
		}
	}
}

// WithLogger attaches a logger to the fetcher.
func WithLogger(logger *slog.Logger) Option {
	return func(f *Fetcher) {
		if logger != nil {
			f.logger = logger
		}
	}
}

// New creates a page fetcher.
func New(opts ...Option) *Fetcher {
	f := &Fetcher{
		httpClient: &http.Client{Timeout: 2 * time.Minute},
		logger:     logging.NewNop(),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// FetchPage downloads pageURL into destPath. The image lands under a
// temporary name first and is renamed into place only after the body has
// been fully written, so destPath never holds a truncated file.
func (f *Fetcher) FetchPage(ctx context.Context, pageURL, destPath string) (*PageAsset, error) {
	if strings.TrimSpace(pageURL) == "" {
		return nil, errors.New("page url required")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch page: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		io.Copy(io.Discard, resp.Body)
		return nil, fmt.Errorf("fetch page: status %d for %s", resp.StatusCode, pageURL)
	}

	if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
		return nil, fmt.Errorf("create page directory: %w", err)
	}

	tmpPath := destPath + ".part"
	size, err := writeBody(tmpPath, resp.Body)
	if err != nil {
		os.Remove(tmpPath)
		return nil, err
	}

	width, height, format, err := probeImage(tmpPath)
	if err != nil {
		os.Remove(tmpPath)
		return nil, fmt.Errorf("probe %s: %w", pageURL, err)
	}

	if err := os.Rename(tmpPath, destPath); err != nil {
		os.Remove(tmpPath)
		return nil, fmt.Errorf("finalize page file: %w", err)
	}

	mime := mimeForFormat(format)
	if mime == "" {
		mime = strings.TrimSpace(strings.Split(resp.Header.Get("Content-Type"), ";")[0])
	}

	f.logger.Debug("page fetched",
		logging.String("url", pageURL),
		logging.Int64("bytes", size),
		logging.String("mime", mime))

	return &PageAsset{
		SizeBytes: size,
		MimeType:  mime,
		Width:     width,
		Height:    height,
	}, nil
}

func writeBody(path string, body io.Reader) (int64, error) {
	file, err := os.Create(path)
	if err != nil {
		return 0, fmt.Errorf("create page file: %w", err)
	}
	size, err := io.Copy(file, body)
	if err != nil {
		file.Close()
		return 0, fmt.Errorf("write page file: %w", err)
	}
	if err := file.Close(); err != nil {
		return 0, fmt.Errorf("close page file: %w", err)
	}
	return size, nil
}

func probeImage(path string) (width, height int, format string, err error) {
	file, err := os.Open(path)
	if err != nil {
		return 0, 0, "", err
	}
	defer file.Close()
	cfg, format, err := image.DecodeConfig(file)
	if err != nil {
		return 0, 0, "", err
	}
	return cfg.Width, cfg.Height, format, nil
}

func mimeForFormat(format string) string {
	switch format {
	case "jpeg":
		return "image/jpeg"
	case "png":
		return "image/png"
	case "gif":
		return "image/gif"
	case "webp":
		return "image/webp"
	default:
		return ""
	}
}

// ExtensionForMime maps a page mime type to the file extension used on disk.
func ExtensionForMime(mime string) string {
	switch strings.ToLower(strings.TrimSpace(mime)) {
	case "image/png":
		return "png"
	case "image/gif":
		return "gif"
	case "image/webp":
		return "webp"
	default:
		return "jpg"
	}
}
