package ipc

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"tankobon/internal/catalog"
	"tankobon/internal/cleanup"
	"tankobon/internal/config"
	"tankobon/internal/events"
	"tankobon/internal/logging"
	"tankobon/internal/storage"
	"tankobon/internal/worker"
)

// Server accepts controller connections on a unix socket and dispatches
// commands against the storage manager, worker, and cleanup engine.
type Server struct {
	cfg     *config.Config
	manager *storage.Manager
	worker  *worker.Worker
	engine  *cleanup.Engine
	bus     *events.Bus
	logger  *slog.Logger

	mu          sync.Mutex
	listener    net.Listener
	conns       map[*serverConn]struct{}
	unsubscribe func()
	closed      bool
	wg          sync.WaitGroup
}

type serverConn struct {
	conn net.Conn
	mu   sync.Mutex
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithServerLogger attaches a logger.
func WithServerLogger(logger *slog.Logger) ServerOption {
	return func(s *Server) {
		if logger != nil {
			s.logger = logging.WithComponent(logger, "ipc")
		}
	}
}

// NewServer creates an IPC server.
func NewServer(cfg *config.Config, manager *storage.Manager, w *worker.Worker, engine *cleanup.Engine, bus *events.Bus, opts ...ServerOption) *Server {
	s := &Server{
		cfg:     cfg,
		manager: manager,
		worker:  w,
		engine:  engine,
		bus:     bus,
		logger:  logging.NewNop(),
		conns:   make(map[*serverConn]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start binds the socket and begins accepting connections. Event envelopes
// published on the bus are pushed to every connected controller.
func (s *Server) Start() error {
	socketPath := s.cfg.SocketPath()
	if err := os.Remove(socketPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove stale socket: %w", err)
	}

	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		return fmt.Errorf("listen on socket: %w", err)
	}

	s.mu.Lock()
	s.listener = listener
	s.closed = false
	if s.bus != nil {
		s.unsubscribe = s.bus.Subscribe(func(envelope events.Envelope) {
			s.broadcast(Message{Type: TypeEvent, Event: &envelope, Timestamp: now()})
		})
	}
	s.mu.Unlock()

	s.wg.Add(1)
	go s.acceptLoop(listener)
	s.logger.Info("ipc listening", logging.String("socket", socketPath))
	return nil
}

// Close stops accepting, disconnects every controller, and removes the
// socket file.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	listener := s.listener
	unsubscribe := s.unsubscribe
	conns := make([]*serverConn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
	var err error
	if listener != nil {
		err = listener.Close()
	}
	for _, c := range conns {
		c.conn.Close()
	}
	s.wg.Wait()
	os.Remove(s.cfg.SocketPath())
	return err
}

// ReportFatal pushes an unrecoverable daemon error to every controller.
func (s *Server) ReportFatal(err error, stack string) {
	s.broadcast(Message{Type: TypeFatalError, Error: err.Error(), Stack: stack, Timestamp: now()})
}

func (s *Server) acceptLoop(listener net.Listener) {
	defer s.wg.Done()
	for {
		conn, err := listener.Accept()
		if err != nil {
			return
		}
		sc := &serverConn{conn: conn}
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			conn.Close()
			return
		}
		s.conns[sc] = struct{}{}
		s.mu.Unlock()

		s.wg.Add(1)
		go s.handleConn(sc)
	}
}

func (s *Server) handleConn(sc *serverConn) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		delete(s.conns, sc)
		s.mu.Unlock()
		sc.conn.Close()
	}()

	// A controller knows the daemon is usable once it sees ready.
	s.send(sc, Message{Type: TypeReady, Timestamp: now()})

	scanner := bufio.NewScanner(sc.conn)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var req Request
		if err := json.Unmarshal(line, &req); err != nil {
			s.send(sc, Message{Type: TypeError, Error: fmt.Sprintf("malformed request: %v", err)})
			continue
		}
		s.handleRequest(sc, req)
	}
}

func (s *Server) handleRequest(sc *serverConn, req Request) {
	result, err := s.dispatch(context.Background(), req)
	if err != nil {
		s.send(sc, Message{Type: TypeError, RequestID: req.RequestID, Command: req.Type, Error: err.Error()})
		return
	}
	raw, err := json.Marshal(result)
	if err != nil {
		s.send(sc, Message{Type: TypeError, RequestID: req.RequestID, Command: req.Type, Error: fmt.Sprintf("encode result: %v", err)})
		return
	}
	s.send(sc, Message{Type: TypeResult, RequestID: req.RequestID, Command: req.Type, Result: raw})
}

func decodePayload[T any](req Request) (T, error) {
	var payload T
	if len(req.Payload) == 0 {
		return payload, fmt.Errorf("%s: payload required", req.Type)
	}
	if err := json.Unmarshal(req.Payload, &payload); err != nil {
		return payload, fmt.Errorf("%s: bad payload: %w", req.Type, err)
	}
	return payload, nil
}

func (s *Server) dispatch(ctx context.Context, req Request) (any, error) {
	switch req.Type {
	case CmdPing:
		return WorkerStateResult{Active: s.worker.Active(), Current: s.worker.Current()}, nil

	case CmdStart:
		if err := s.worker.Start(context.Background()); err != nil {
			return nil, err
		}
		s.broadcast(Message{Type: TypeStarted, Timestamp: now()})
		return OKResult{OK: true}, nil

	case CmdStop:
		stopCtx, cancel := context.WithTimeout(ctx, time.Duration(s.cfg.IPC.StopTimeoutSecs)*time.Second)
		defer cancel()
		if err := s.worker.Stop(stopCtx); err != nil {
			return nil, err
		}
		s.broadcast(Message{Type: TypeStopped, Timestamp: now()})
		return OKResult{OK: true}, nil

	case CmdQueueChapter:
		payload, err := decodePayload[QueueChapterPayload](req)
		if err != nil {
			return nil, err
		}
		return s.manager.QueueChapterDownload(ctx, payload.MangaID, payload.ChapterID, payload.Priority)

	case CmdQueueManga:
		payload, err := decodePayload[QueueMangaPayload](req)
		if err != nil {
			return nil, err
		}
		ids, err := s.manager.QueueMangaDownload(ctx, payload.MangaID, payload.ChapterIDs, payload.Priority)
		if err != nil {
			return nil, err
		}
		return QueueMangaResult{QueueIDs: ids}, nil

	case CmdCancelDownload:
		payload, err := decodePayload[QueueIDPayload](req)
		if err != nil {
			return nil, err
		}
		if err := s.manager.CancelDownload(ctx, payload.ID); err != nil {
			return nil, err
		}
		return OKResult{OK: true}, nil

	case CmdRetryDownload:
		payload, err := decodePayload[QueueIDPayload](req)
		if err != nil {
			return nil, err
		}
		if err := s.manager.RetryDownload(ctx, payload.ID); err != nil {
			return nil, err
		}
		return OKResult{OK: true}, nil

	case CmdRetryFrozen:
		retried, err := s.manager.RetryFrozenDownloads(ctx)
		if err != nil {
			return nil, err
		}
		return RetriedResult{Retried: retried}, nil

	case CmdGetQueuedDownloads:
		var statuses []catalog.Status
		if len(req.Payload) > 0 {
			payload, err := decodePayload[QueueFilterPayload](req)
			if err != nil {
				return nil, err
			}
			for _, raw := range payload.Statuses {
				status, ok := catalog.ParseStatus(raw)
				if !ok {
					return nil, fmt.Errorf("unknown status %q", raw)
				}
				statuses = append(statuses, status)
			}
		}
		items, err := s.manager.GetQueuedDownloads(ctx, statuses...)
		if err != nil {
			return nil, err
		}
		return items, nil

	case CmdGetDownloadProgress:
		payload, err := decodePayload[QueueIDPayload](req)
		if err != nil {
			return nil, err
		}
		return s.manager.GetDownloadProgress(ctx, payload.ID)

	case CmdGetStorageStats:
		return s.manager.GetStorageStats(ctx)

	case CmdGetDownloadedManga:
		return s.manager.GetDownloadedManga(ctx)

	case CmdGetMangaMetadata:
		payload, err := decodePayload[MangaPayload](req)
		if err != nil {
			return nil, err
		}
		return s.manager.GetMangaMetadata(ctx, payload.MangaID)

	case CmdGetDownloadedChaps:
		payload, err := decodePayload[MangaPayload](req)
		if err != nil {
			return nil, err
		}
		return s.manager.GetDownloadedChapters(ctx, payload.MangaID)

	case CmdGetChapterPages:
		payload, err := decodePayload[ChapterPayload](req)
		if err != nil {
			return nil, err
		}
		return s.manager.GetChapterPages(ctx, payload.MangaID, payload.ChapterID)

	case CmdIsChapterDownloaded:
		payload, err := decodePayload[ChapterPayload](req)
		if err != nil {
			return nil, err
		}
		downloaded, err := s.manager.IsChapterDownloaded(ctx, payload.MangaID, payload.ChapterID)
		if err != nil {
			return nil, err
		}
		return DownloadedResult{Downloaded: downloaded}, nil

	case CmdDeleteChapter:
		payload, err := decodePayload[ChapterPayload](req)
		if err != nil {
			return nil, err
		}
		if err := s.manager.DeleteChapter(ctx, payload.MangaID, payload.ChapterID); err != nil {
			return nil, err
		}
		return OKResult{OK: true}, nil

	case CmdDeleteManga:
		payload, err := decodePayload[MangaPayload](req)
		if err != nil {
			return nil, err
		}
		if err := s.manager.DeleteManga(ctx, payload.MangaID); err != nil {
			return nil, err
		}
		return OKResult{OK: true}, nil

	case CmdNukeOfflineData:
		if err := s.manager.NukeOfflineData(ctx); err != nil {
			return nil, err
		}
		return OKResult{OK: true}, nil

	case CmdGetDownloadHistory:
		limit := 0
		if len(req.Payload) > 0 {
			payload, err := decodePayload[HistoryPayload](req)
			if err != nil {
				return nil, err
			}
			limit = payload.Limit
		}
		return s.manager.GetDownloadHistory(ctx, limit)

	case CmdDeleteHistoryItem:
		payload, err := decodePayload[QueueIDPayload](req)
		if err != nil {
			return nil, err
		}
		if err := s.manager.DeleteHistoryItem(ctx, payload.ID); err != nil {
			return nil, err
		}
		return OKResult{OK: true}, nil

	case CmdClearHistory:
		cleared, err := s.manager.ClearDownloadHistory(ctx)
		if err != nil {
			return nil, err
		}
		return ClearedResult{Cleared: cleared}, nil

	case CmdValidateChapterCount:
		payload, err := decodePayload[MangaPayload](req)
		if err != nil {
			return nil, err
		}
		return s.manager.ValidateMangaChapterCount(ctx, payload.MangaID)

	case CmdStartBackgroundSync:
		go func() {
			if _, err := s.manager.SyncStaleMetadata(context.Background()); err != nil && !errors.Is(err, context.Canceled) {
				s.logger.Warn("background sync failed", logging.Error(err))
			}
		}()
		return OKResult{OK: true}, nil

	case CmdGetPagePath:
		payload, err := decodePayload[PagePathPayload](req)
		if err != nil {
			return nil, err
		}
		path, err := s.manager.GetPagePath(ctx, payload.MangaID, payload.ChapterID, payload.PageIndex)
		if err != nil {
			return nil, err
		}
		return PagePathResult{Path: path}, nil

	case CmdGetMetrics:
		return s.manager.Metrics().Snapshot(), nil

	case CmdResetMetrics:
		s.manager.Metrics().Reset()
		return OKResult{OK: true}, nil

	case CmdPerformCleanup:
		return s.engine.PerformCleanup(ctx)

	default:
		return nil, fmt.Errorf("unknown command %q", req.Type)
	}
}

func (s *Server) send(sc *serverConn, msg Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		s.logger.Error("encode message failed", logging.Error(err))
		return
	}
	data = append(data, '\n')

	sc.mu.Lock()
	defer sc.mu.Unlock()
	if _, err := sc.conn.Write(data); err != nil {
		s.logger.Debug("write to controller failed", logging.Error(err))
	}
}

func (s *Server) broadcast(msg Message) {
	s.mu.Lock()
	conns := make([]*serverConn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		s.send(c, msg)
	}
}
