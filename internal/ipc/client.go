package ipc

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"tankobon/internal/config"
	"tankobon/internal/events"
	"tankobon/internal/logging"
)

// ErrClosed is returned by calls made after the connection dropped.
var ErrClosed = errors.New("ipc: connection closed")

// Client is a controller-side connection to the worker daemon.
type Client struct {
	cfg    config.IPC
	conn   net.Conn
	logger *slog.Logger

	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[string]chan Message
	ready   chan struct{}
	closed  bool

	onEvent func(events.Envelope)
	onFatal func(errMsg, stack string)
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithEventHandler registers a callback for pushed event envelopes.
func WithEventHandler(fn func(events.Envelope)) ClientOption {
	return func(c *Client) { c.onEvent = fn }
}

// WithFatalHandler registers a callback for fatal-error pushes.
func WithFatalHandler(fn func(errMsg, stack string)) ClientOption {
	return func(c *Client) { c.onFatal = fn }
}

// WithClientLogger attaches a logger.
func WithClientLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) {
		if logger != nil {
			c.logger = logging.WithComponent(logger, "ipc-client")
		}
	}
}

// Dial connects to the daemon socket.
func Dial(socketPath string, ipcCfg config.IPC, opts ...ClientOption) (*Client, error) {
	conn, err := net.Dial("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("dial daemon: %w", err)
	}
	c := &Client{
		cfg:     ipcCfg,
		conn:    conn,
		logger:  logging.NewNop(),
		pending: make(map[string]chan Message),
		ready:   make(chan struct{}),
		onEvent: func(events.Envelope) {},
		onFatal: func(string, string) {},
	}
	for _, opt := range opts {
		opt(c)
	}
	go c.readLoop()
	return c, nil
}

// Close drops the connection. Pending calls fail with ErrClosed.
func (c *Client) Close() error {
	return c.conn.Close()
}

// WaitReady blocks until the daemon announces readiness.
func (c *Client) WaitReady(ctx context.Context) error {
	timeout := time.Duration(c.cfg.ReadyTimeoutSecs) * time.Second
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-c.ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return fmt.Errorf("daemon not ready after %s", timeout)
	}
}

// timeoutFor picks the per-phase deadline for a command.
func (c *Client) timeoutFor(command string) time.Duration {
	switch command {
	case CmdStart:
		return time.Duration(c.cfg.StartTimeoutSecs) * time.Second
	case CmdStop:
		return time.Duration(c.cfg.StopTimeoutSecs) * time.Second
	default:
		return time.Duration(c.cfg.QueryTimeoutSecs) * time.Second
	}
}

// Call sends one command and decodes its result into out (which may be nil).
func (c *Client) Call(ctx context.Context, command string, payload any, out any) error {
	req := Request{Type: command, RequestID: uuid.NewString()}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encode payload: %w", err)
		}
		req.Payload = raw
	}

	ch := make(chan Message, 1)
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.pending[req.RequestID] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, req.RequestID)
		c.mu.Unlock()
	}()

	if err := c.write(req); err != nil {
		return err
	}

	timer := time.NewTimer(c.timeoutFor(command))
	defer timer.Stop()
	select {
	case msg, ok := <-ch:
		if !ok {
			return ErrClosed
		}
		if msg.Type == TypeError {
			return fmt.Errorf("%s: %s", command, msg.Error)
		}
		if out != nil && len(msg.Result) > 0 {
			if err := json.Unmarshal(msg.Result, out); err != nil {
				return fmt.Errorf("decode result: %w", err)
			}
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return fmt.Errorf("%s: timed out", command)
	}
}

func (c *Client) write(req Request) error {
	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	data = append(data, '\n')

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if _, err := c.conn.Write(data); err != nil {
		return fmt.Errorf("write request: %w", err)
	}
	return nil
}

func (c *Client) readLoop() {
	scanner := bufio.NewScanner(c.conn)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var msg Message
		if err := json.Unmarshal(line, &msg); err != nil {
			c.logger.Warn("malformed daemon message", logging.Error(err))
			continue
		}
		c.handleMessage(msg)
	}

	c.mu.Lock()
	c.closed = true
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
	c.mu.Unlock()
}

func (c *Client) handleMessage(msg Message) {
	switch msg.Type {
	case TypeReady:
		c.mu.Lock()
		select {
		case <-c.ready:
		default:
			close(c.ready)
		}
		c.mu.Unlock()
	case TypeStarted, TypeStopped:
		c.logger.Debug("daemon lifecycle", logging.String("state", msg.Type))
	case TypeEvent:
		if msg.Event != nil {
			c.onEvent(*msg.Event)
		}
	case TypeFatalError:
		c.onFatal(msg.Error, msg.Stack)
	case TypeResult, TypeError:
		c.mu.Lock()
		ch, ok := c.pending[msg.RequestID]
		c.mu.Unlock()
		if ok {
			ch <- msg
		}
	default:
		c.logger.Warn("unknown daemon message", logging.String("type", msg.Type))
	}
}
