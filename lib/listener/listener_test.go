package listener

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/b7s/parallited/lib/codec"
	"github.com/b7s/parallited/lib/core"
	"github.com/b7s/parallited/lib/framing"
	"github.com/b7s/parallited/lib/slog"
)

type fakeDispatcher struct {
	dispatch func(ctx context.Context, s *core.Submission, replyCh chan *core.Response)
}

func (f *fakeDispatcher) Dispatch(ctx context.Context, s *core.Submission, replyCh chan *core.Response) {
	f.dispatch(ctx, s, replyCh)
}

func echoDispatcher() *fakeDispatcher {
	return &fakeDispatcher{dispatch: func(ctx context.Context, s *core.Submission, replyCh chan *core.Response) {
		replyCh <- core.Success(s.TaskID, string(s.Payload))
	}}
}

func serveInBackground(t *testing.T, l *Listener) context.CancelFunc {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = l.Serve(ctx) }()
	return cancel
}

func submitAndRead(t *testing.T, conn net.Conn, s *core.Submission) *core.Response {
	t.Helper()
	frame, err := core.EncodeSubmission(s)
	require.NoError(t, err)
	require.NoError(t, framing.WriteFrame(conn, frame))

	respFrame, err := framing.ReadFrame(conn, framing.DefaultMaxPayloadBytes)
	require.NoError(t, err)
	resp, err := core.DecodeResponse(respFrame)
	require.NoError(t, err)
	return resp
}

func TestUnixSocket_AcceptsOneFrameInOneFrameOut(t *testing.T) {
	socketPath := filepath.Join(t.TempDir(), "test.sock")
	l, err := Listen(Config{
		SocketPath: socketPath,
		Logger:     &slog.RecordingLogger{},
		Dispatcher: echoDispatcher(),
	})
	require.NoError(t, err)
	defer l.Close()
	defer serveInBackground(t, l)()

	conn, err := net.Dial("unix", socketPath)
	require.NoError(t, err)
	defer conn.Close()

	resp := submitAndRead(t, conn, &core.Submission{Type: core.SubmitType, TaskID: core.TaskID("T1"), Payload: []byte("hello")})
	require.True(t, resp.OK)
	require.Equal(t, "hello", resp.Result)
}

func TestUnixSocket_StalePathIsUnlinkedBeforeBind(t *testing.T) {
	socketPath := filepath.Join(t.TempDir(), "stale.sock")
	require.NoError(t, os.WriteFile(socketPath, []byte("leftover"), 0o644))

	l, err := Listen(Config{SocketPath: socketPath, Logger: &slog.RecordingLogger{}, Dispatcher: echoDispatcher()})
	require.NoError(t, err)
	defer l.Close()
}

func TestUnixSocket_ExistingLiveListenerIsNotStolen(t *testing.T) {
	socketPath := filepath.Join(t.TempDir(), "live.sock")
	first, err := Listen(Config{SocketPath: socketPath, Logger: &slog.RecordingLogger{}, Dispatcher: echoDispatcher()})
	require.NoError(t, err)
	defer first.Close()

	_, err = Listen(Config{SocketPath: socketPath, Logger: &slog.RecordingLogger{}, Dispatcher: echoDispatcher()})
	require.Error(t, err)
}

func TestClose_UnlinksSocketPath(t *testing.T) {
	socketPath := filepath.Join(t.TempDir(), "cleanup.sock")
	l, err := Listen(Config{SocketPath: socketPath, Logger: &slog.RecordingLogger{}, Dispatcher: echoDispatcher()})
	require.NoError(t, err)

	require.NoError(t, l.Close())
	_, statErr := os.Stat(socketPath)
	require.True(t, os.IsNotExist(statErr))
}

func TestTCP_PortRetryOnCollision(t *testing.T) {
	blocker, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer blocker.Close()
	_, blockedPort, err := net.SplitHostPort(blocker.Addr().String())
	require.NoError(t, err)

	l, err := Listen(Config{
		TCPAddress:      "127.0.0.1:" + blockedPort,
		MaxPortAttempts: 8,
		Logger:          &slog.RecordingLogger{},
		Dispatcher:      echoDispatcher(),
	})
	require.NoError(t, err)
	defer l.Close()
	require.NotEqual(t, blocker.Addr().String(), l.Addr().String())
}

func TestTCP_ExhaustingAttemptsReturnsError(t *testing.T) {
	blocker, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer blocker.Close()
	_, blockedPort, err := net.SplitHostPort(blocker.Addr().String())
	require.NoError(t, err)

	_, err = Listen(Config{
		TCPAddress:      "127.0.0.1:" + blockedPort,
		MaxPortAttempts: 1,
		Logger:          &slog.RecordingLogger{},
		Dispatcher:      echoDispatcher(),
	})
	require.Error(t, err)
}

func TestHandleConn_FramingErrorClosesConnectionSilently(t *testing.T) {
	socketPath := filepath.Join(t.TempDir(), "bad.sock")
	l, err := Listen(Config{SocketPath: socketPath, Logger: &slog.RecordingLogger{}, Dispatcher: echoDispatcher()})
	require.NoError(t, err)
	defer l.Close()
	defer serveInBackground(t, l)()

	conn, err := net.Dial("unix", socketPath)
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte{0, 0, 0})
	require.NoError(t, err)
	_ = conn.Close()
}

func TestHandleConn_MalformedSubmissionWithRecoverableTaskIDGetsBestEffortFailure(t *testing.T) {
	socketPath := filepath.Join(t.TempDir(), "malformed.sock")
	l, err := Listen(Config{SocketPath: socketPath, Logger: &slog.RecordingLogger{}, Dispatcher: echoDispatcher()})
	require.NoError(t, err)
	defer l.Close()
	defer serveInBackground(t, l)()

	conn, err := net.Dial("unix", socketPath)
	require.NoError(t, err)
	defer conn.Close()

	// Missing the required "type" field but task_id is present and
	// recoverable, so the listener should still synthesize a failure.
	malformed, err := codec.Encode(nil, map[string]any{"task_id": "T9"})
	require.NoError(t, err)
	require.NoError(t, framing.WriteFrame(conn, malformed))

	conn.SetReadDeadline(time.Now().Add(time.Second))
	respFrame, err := framing.ReadFrame(conn, framing.DefaultMaxPayloadBytes)
	require.NoError(t, err)
	resp, err := core.DecodeResponse(respFrame)
	require.NoError(t, err)
	require.False(t, resp.OK)
	require.Equal(t, core.TaskID("T9"), resp.TaskID)
}

func TestHandleConn_MalformedSubmissionWithoutTaskIDClosesWithNoResponse(t *testing.T) {
	socketPath := filepath.Join(t.TempDir(), "notaskid.sock")
	l, err := Listen(Config{SocketPath: socketPath, Logger: &slog.RecordingLogger{}, Dispatcher: echoDispatcher()})
	require.NoError(t, err)
	defer l.Close()
	defer serveInBackground(t, l)()

	conn, err := net.Dial("unix", socketPath)
	require.NoError(t, err)
	defer conn.Close()

	malformed, err := codec.Encode(nil, map[string]any{"type": "submit"})
	require.NoError(t, err)
	require.NoError(t, framing.WriteFrame(conn, malformed))

	conn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	_, err = framing.ReadFrame(conn, framing.DefaultMaxPayloadBytes)
	require.Error(t, err)
}

func TestServe_HandlesConcurrentConnectionsIndependently(t *testing.T) {
	socketPath := filepath.Join(t.TempDir(), "concurrent.sock")
	blockFirst := make(chan struct{})
	released := make(chan struct{})
	d := &fakeDispatcher{dispatch: func(ctx context.Context, s *core.Submission, replyCh chan *core.Response) {
		if s.TaskID == "slow" {
			<-blockFirst
			close(released)
		}
		replyCh <- core.Success(s.TaskID, string(s.Payload))
	}}
	l, err := Listen(Config{SocketPath: socketPath, Logger: &slog.RecordingLogger{}, Dispatcher: d})
	require.NoError(t, err)
	defer l.Close()
	defer serveInBackground(t, l)()

	slowConn, err := net.Dial("unix", socketPath)
	require.NoError(t, err)
	defer slowConn.Close()
	frame, err := core.EncodeSubmission(&core.Submission{Type: core.SubmitType, TaskID: "slow"})
	require.NoError(t, err)
	require.NoError(t, framing.WriteFrame(slowConn, frame))

	fastConn, err := net.Dial("unix", socketPath)
	require.NoError(t, err)
	defer fastConn.Close()
	resp := submitAndRead(t, fastConn, &core.Submission{Type: core.SubmitType, TaskID: "fast", Payload: []byte("quick")})
	require.True(t, resp.OK)
	require.Equal(t, "quick", resp.Result)

	close(blockFirst)
	<-released
}
