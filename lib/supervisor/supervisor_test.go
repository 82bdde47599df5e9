package supervisor

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/b7s/parallited/lib/core"
	"github.com/b7s/parallited/lib/dispatcher"
	"github.com/b7s/parallited/lib/framing"
	"github.com/b7s/parallited/lib/listener"
	"github.com/b7s/parallited/lib/pool"
	"github.com/b7s/parallited/lib/registry"
	"github.com/b7s/parallited/lib/slog"
	"github.com/b7s/parallited/lib/worker"
)

func buildStack(t *testing.T, socketPath string) (*Supervisor, *registry.Registry, *pool.Pool) {
	t.Helper()
	logger := &slog.RecordingLogger{}

	reg := registry.New()
	p, err := pool.New(pool.Config{
		Capacity: 2,
		Logger:   logger,
		SpawnWorker: func(id core.WorkerID, generation uint64) (*worker.Process, error) {
			return worker.Spawn(id, generation, worker.Config{
				Command:         "cat",
				MaxPayloadBytes: framing.DefaultMaxPayloadBytes,
				TerminateGrace:  200 * time.Millisecond,
				KillGrace:       200 * time.Millisecond,
			})
		},
	}, 1)
	require.NoError(t, err)

	reg.OnDeadline = func(workerID core.WorkerID, bound bool) {}

	coreDispatcher := dispatcher.NewCoreDispatcher(dispatcher.Config{
		Pool:      p,
		Registry:  reg,
		Logger:    logger,
		TimeoutMs: 5000,
		FailMode:  dispatcher.FailModeContinue,
	})
	d := &dispatcher.RecoveringDispatcher{Logger: logger, Inner: coreDispatcher}

	l, err := listener.Listen(listener.Config{
		SocketPath: socketPath,
		Logger:     logger,
		Dispatcher: d,
	})
	require.NoError(t, err)

	sup := New(Config{Listener: l, Pool: p, Registry: reg, Logger: logger, DrainTimeout: time.Second})
	return sup, reg, p
}

func TestStartStop_FullRoundTripThroughTheStack(t *testing.T) {
	socketPath := filepath.Join(t.TempDir(), "sup.sock")
	sup, _, _ := buildStack(t, socketPath)

	sup.Start(context.Background())
	defer sup.Stop()

	conn, err := net.Dial("unix", socketPath)
	require.NoError(t, err)
	defer conn.Close()

	frame, err := core.EncodeSubmission(&core.Submission{Type: core.SubmitType, TaskID: "T1", Payload: []byte("ping")})
	require.NoError(t, err)
	require.NoError(t, framing.WriteFrame(conn, frame))

	respFrame, err := framing.ReadFrame(conn, framing.DefaultMaxPayloadBytes)
	require.NoError(t, err)
	resp, err := core.DecodeResponse(respFrame)
	require.NoError(t, err)
	require.True(t, resp.OK)
}

func TestStart_IsIdempotent(t *testing.T) {
	socketPath := filepath.Join(t.TempDir(), "idempotent-start.sock")
	sup, _, _ := buildStack(t, socketPath)

	sup.Start(context.Background())
	sup.Start(context.Background()) // no-op, must not panic or double-serve
	sup.Stop()
}

func TestStop_IsIdempotentAndUnlinksSocket(t *testing.T) {
	socketPath := filepath.Join(t.TempDir(), "idempotent-stop.sock")
	sup, _, _ := buildStack(t, socketPath)

	sup.Start(context.Background())
	sup.Stop()
	sup.Stop() // no-op

	_, statErr := os.Stat(socketPath)
	require.True(t, os.IsNotExist(statErr))
}

func TestStop_RefusesNewRegistrationsAndShutsDownPool(t *testing.T) {
	socketPath := filepath.Join(t.TempDir(), "drain.sock")
	sup, reg, p := buildStack(t, socketPath)

	sup.Start(context.Background())
	sup.Stop()

	require.Equal(t, 0, reg.Len())
	require.Equal(t, int64(0), p.Stats().Alive)

	_, err := reg.Register(core.TaskID("late"), 1000)
	require.Error(t, err)
}
