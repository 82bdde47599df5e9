// Package listener implements the client-facing endpoint described in spec
// section 4.7: a Unix domain socket (stale-path unlink before bind) or a
// loopback TCP socket with bounded consecutive-port retry, accepting one
// submission frame per connection and replying with exactly one response
// frame before closing. Each connection is served on its own goroutine, the
// way tcplb's forwarder.Server.Serve spawns `go s.Handler.Handle(ctx, conn)`
// per accepted connection so a slow client can never stall another.
package listener

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"

	"github.com/b7s/parallited/lib/codec"
	"github.com/b7s/parallited/lib/core"
	liberrors "github.com/b7s/parallited/lib/errors"
	"github.com/b7s/parallited/lib/framing"
	"github.com/b7s/parallited/lib/slog"
)

// DefaultMaxPortAttempts bounds the loopback-TCP consecutive-port retry
// described in spec section 6.2.
const DefaultMaxPortAttempts = 128

// Dispatcher is the subset of dispatcher.Dispatcher the listener depends on.
type Dispatcher interface {
	Dispatch(ctx context.Context, s *core.Submission, replyCh chan *core.Response)
}

// Config controls how Listen binds the client-facing endpoint. Exactly one
// of SocketPath or TCPAddress should be set: SocketPath selects a Unix
// domain socket, TCPAddress a loopback TCP socket with port-retry.
type Config struct {
	SocketPath      string
	TCPAddress      string
	MaxPortAttempts int
	MaxPayloadBytes uint32
	Logger          slog.Logger
	Dispatcher      Dispatcher
}

// Listener accepts client connections and brokers each one through a
// Dispatcher.
type Listener struct {
	cfg        Config
	net        net.Listener
	socketPath string // non-empty only for a Unix socket bound by this Listener
}

// Listen binds the endpoint described by cfg. For a Unix socket, a stale
// path (one that exists but nothing is listening on) is unlinked before
// bind, per spec section 4.7.
func Listen(cfg Config) (*Listener, error) {
	if cfg.MaxPayloadBytes == 0 {
		cfg.MaxPayloadBytes = framing.DefaultMaxPayloadBytes
	}
	if cfg.SocketPath != "" {
		return listenUnix(cfg)
	}
	return listenTCP(cfg)
}

func listenUnix(cfg Config) (*Listener, error) {
	if err := unlinkStaleSocket(cfg.SocketPath); err != nil {
		return nil, err
	}
	ln, err := net.Listen("unix", cfg.SocketPath)
	if err != nil {
		return nil, fmt.Errorf("listen on unix socket %s: %w", cfg.SocketPath, err)
	}
	return &Listener{cfg: cfg, net: ln, socketPath: cfg.SocketPath}, nil
}

// unlinkStaleSocket removes cfg.SocketPath if it exists but nothing accepts
// connections on it (the previous owner died without cleaning up).
func unlinkStaleSocket(path string) error {
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("stat socket path %s: %w", path, err)
	}
	conn, err := net.Dial("unix", path)
	if err == nil {
		_ = conn.Close()
		return fmt.Errorf("socket path %s is already in use by a live listener", path)
	}
	if err := os.Remove(path); err != nil {
		return fmt.Errorf("unlink stale socket path %s: %w", path, err)
	}
	return nil
}

func listenTCP(cfg Config) (*Listener, error) {
	host, portStr, err := net.SplitHostPort(cfg.TCPAddress)
	if err != nil {
		return nil, fmt.Errorf("invalid tcp address %q: %w", cfg.TCPAddress, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, fmt.Errorf("invalid tcp port in %q: %w", cfg.TCPAddress, err)
	}
	attempts := cfg.MaxPortAttempts
	if attempts <= 0 {
		attempts = DefaultMaxPortAttempts
	}

	var lastErr error
	for i := 0; i < attempts; i++ {
		addr := net.JoinHostPort(host, strconv.Itoa(port+i))
		ln, err := net.Listen("tcp", addr)
		if err == nil {
			return &Listener{cfg: cfg, net: ln}, nil
		}
		if !strings.Contains(err.Error(), "address already in use") {
			return nil, fmt.Errorf("listen on tcp %s: %w", addr, err)
		}
		lastErr = err
	}
	return nil, fmt.Errorf("no free port found in %d attempts starting at %s: %w", attempts, cfg.TCPAddress, lastErr)
}

// Addr reports the bound address.
func (l *Listener) Addr() net.Addr {
	return l.net.Addr()
}

// Serve accepts connections until ctx is cancelled or Close is called,
// dispatching each one on its own goroutine.
func (l *Listener) Serve(ctx context.Context) error {
	for {
		conn, err := l.net.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			l.cfg.Logger.Warn(&slog.LogRecord{Msg: "listener accept error", Error: err})
			continue
		}
		go l.handleConn(ctx, conn)
	}
}

// Close stops accepting new connections. For a Unix socket, the backing
// path is also unlinked, per spec section 4.8 shutdown step 5.
func (l *Listener) Close() error {
	err := l.net.Close()
	if l.socketPath != "" {
		if rmErr := os.Remove(l.socketPath); rmErr != nil && !os.IsNotExist(rmErr) {
			if err == nil {
				err = rmErr
			}
		}
	}
	return err
}

// handleConn implements spec section 4.7: read exactly one submission
// frame, dispatch it, write exactly one response frame, close.
func (l *Listener) handleConn(ctx context.Context, conn net.Conn) {
	defer func() {
		_ = conn.Close()
	}()

	requestFrame, err := framing.ReadFrame(conn, l.cfg.MaxPayloadBytes)
	if err != nil {
		l.cfg.Logger.Warn(&slog.LogRecord{Msg: "listener: framing error reading submission", Error: err})
		return
	}

	submission, decodeErr := core.DecodeSubmission(requestFrame)
	if decodeErr != nil {
		l.cfg.Logger.Warn(&slog.LogRecord{Msg: "listener: decode error reading submission", Error: decodeErr})
		l.writeBestEffortDecodeFailure(conn, requestFrame, decodeErr)
		return
	}

	replyCh := make(chan *core.Response, 1)
	l.cfg.Dispatcher.Dispatch(ctx, submission, replyCh)
	resp := <-replyCh

	responseFrame, err := core.EncodeResponse(resp)
	if err != nil {
		l.cfg.Logger.Warn(&slog.LogRecord{Msg: "listener: failed to encode response", Error: err, TaskID: &resp.TaskID})
		return
	}
	if err := framing.WriteFrame(conn, responseFrame); err != nil {
		l.cfg.Logger.Warn(&slog.LogRecord{Msg: "listener: framing error writing response", Error: err, TaskID: &resp.TaskID})
	}
}

// writeBestEffortDecodeFailure attempts to recover a task_id from a
// malformed submission envelope well enough to reply with a synthesized
// error, per spec section 4.7's "best-effort error response if decoding
// progressed far enough to recover task_id".
func (l *Listener) writeBestEffortDecodeFailure(conn net.Conn, requestFrame []byte, decodeErr error) {
	taskID, ok := recoverTaskID(requestFrame)
	if !ok {
		return
	}
	resp := core.Failure(taskID, liberrors.Decode("malformed submission envelope", decodeErr).Error())
	responseFrame, err := core.EncodeResponse(resp)
	if err != nil {
		return
	}
	_ = framing.WriteFrame(conn, responseFrame)
}

func recoverTaskID(requestFrame []byte) (core.TaskID, bool) {
	v, _, err := codec.Decode(requestFrame)
	if err != nil {
		return "", false
	}
	m, ok := v.(map[string]any)
	if !ok {
		return "", false
	}
	id, ok := m["task_id"].(string)
	if !ok {
		return "", false
	}
	return core.TaskID(id), true
}
