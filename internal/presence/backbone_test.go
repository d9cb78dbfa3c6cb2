package presence_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"

	"collab-backend/internal/presence"
)

type frameRecorder struct {
	mu     sync.Mutex
	frames []string
}

func (r *frameRecorder) handle(session string, data []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frames = append(r.frames, session+":"+string(data))
}

func (r *frameRecorder) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.frames...)
}

func TestBackbone_RoundTripBetweenProcesses(t *testing.T) {
	srv := miniredis.RunT(t)

	recA := &frameRecorder{}
	recB := &frameRecorder{}

	a, err := presence.NewBackbone(srv.Addr(), "", 0, "proc-a", recA.handle)
	require.NoError(t, err)
	defer a.Close()

	b, err := presence.NewBackbone(srv.Addr(), "", 0, "proc-b", recB.handle)
	require.NoError(t, err)
	defer b.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go a.Run(ctx)
	go b.Run(ctx)

	// Give both subscribers time to attach before publishing.
	require.Eventually(t, func() bool {
		require.NoError(t, a.Publish("triage-42", []byte(`{"type":"comment-added"}`)))
		return len(recB.snapshot()) > 0
	}, 2*time.Second, 20*time.Millisecond)

	frames := recB.snapshot()
	require.Equal(t, `triage-42:{"type":"comment-added"}`, frames[0])

	// The publisher never re-delivers its own frames.
	require.Empty(t, recA.snapshot())
}

func TestBackbone_RejectsUnreachableRedis(t *testing.T) {
	_, err := presence.NewBackbone("127.0.0.1:1", "", 0, "proc-a", func(string, []byte) {})
	require.Error(t, err)
}

func TestBackbone_RunStopsOnCancel(t *testing.T) {
	srv := miniredis.RunT(t)

	rec := &frameRecorder{}
	b, err := presence.NewBackbone(srv.Addr(), "", 0, "proc-a", rec.handle)
	require.NoError(t, err)
	defer b.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		b.Run(ctx)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop after context cancel")
	}
}
