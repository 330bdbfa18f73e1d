package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"
)

// Client talks to the extension gateway over HTTP.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

var _ Provider = (*Client)(nil)

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		if client != nil {
			c.httpClient = client
		}
	}
}

// WithTimeout overrides the default request timeout.
func WithTimeout(timeout time.Duration) Option {
	return func(c *Client) {
		if timeout > 0 {
			c.httpClient.Timeout = timeout
		}
	}
}

// NewClient creates a gateway client rooted at baseURL.
func NewClient(baseURL string, opts ...Option) (*Client, error) {
	baseURL = strings.TrimSpace(baseURL)
	if baseURL == "" {
		return nil, errors.New("provider base url required")
	}
	client := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(client)
	}
	return client, nil
}

// MangaDetails fetches the metadata record for one manga, chapters included.
func (c *Client) MangaDetails(ctx context.Context, extensionID, mangaID string) (*MangaDetails, error) {
	if strings.TrimSpace(mangaID) == "" {
		return nil, errors.New("manga id required")
	}
	endpoint := fmt.Sprintf("%s/extensions/%s/manga/%s",
		c.baseURL, url.PathEscape(extensionID), url.PathEscape(mangaID))

	var details MangaDetails
	if err := c.getJSON(ctx, endpoint, &details); err != nil {
		return nil, err
	}
	if strings.TrimSpace(details.Title) == "" {
		return nil, fmt.Errorf("manga %s: empty title in gateway response", mangaID)
	}
	return &details, nil
}

// ChapterPages fetches the ordered page URL list for one chapter.
func (c *Client) ChapterPages(ctx context.Context, extensionID, mangaID, chapterID string) ([]Page, error) {
	if strings.TrimSpace(chapterID) == "" {
		return nil, errors.New("chapter id required")
	}
	endpoint := fmt.Sprintf("%s/extensions/%s/manga/%s/chapters/%s/pages",
		c.baseURL, url.PathEscape(extensionID), url.PathEscape(mangaID), url.PathEscape(chapterID))

	var payload struct {
		Pages []Page `json:"pages"`
	}
	if err := c.getJSON(ctx, endpoint, &payload); err != nil {
		return nil, err
	}
	pages := payload.Pages
	sort.SliceStable(pages, func(i, j int) bool { return pages[i].Index < pages[j].Index })
	for i := range pages {
		if strings.TrimSpace(pages[i].URL) == "" {
			return nil, fmt.Errorf("chapter %s: page %d has no url", chapterID, pages[i].Index)
		}
	}
	return pages, nil
}

func (c *Client) getJSON(ctx context.Context, endpoint string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("gateway request: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		io.Copy(io.Discard, resp.Body)
		return ErrNotFound
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("gateway status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode gateway response: %w", err)
	}
	return nil
}
