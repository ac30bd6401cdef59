package instance

import (
	"context"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crabcity/internal/wire"
)

type fakeSink struct {
	mu   sync.Mutex
	msgs []wire.ServerMessage
}

func (f *fakeSink) Deliver(msg wire.ServerMessage) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.msgs = append(f.msgs, msg)
}

func (f *fakeSink) snapshot() []wire.ServerMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]wire.ServerMessage(nil), f.msgs...)
}

func (f *fakeSink) hasType(typ string) bool {
	for _, m := range f.snapshot() {
		if m.Type == typ {
			return true
		}
	}
	return false
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}

func spawnCat(t *testing.T) *Actor {
	t.Helper()
	a, err := Spawn(Config{ID: "inst-1", Command: "cat", Cols: 80, Rows: 24})
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = a.Kill(context.Background(), syscall.SIGKILL)
	})
	return a
}

func TestSubscribeFocusedClientReceivesOutput(t *testing.T) {
	a := spawnCat(t)
	ctx := context.Background()
	sink := &fakeSink{}

	_, err := a.Subscribe(ctx, "alice", sink, 80, 24, nil)
	require.NoError(t, err)
	require.NoError(t, a.SetFocus(ctx, "alice", true))
	require.NoError(t, a.Input(ctx, []byte("hello\n")))

	waitFor(t, 2*time.Second, func() bool { return sink.hasType(wire.TypeOutput) })

	for _, m := range sink.snapshot() {
		if m.Type == wire.TypeOutput {
			data, err := wire.UnB64(m.Data)
			require.NoError(t, err)
			assert.Contains(t, string(data), "hello")
			return
		}
	}
}

func TestUnfocusedClientDoesNotReceiveOutput(t *testing.T) {
	a := spawnCat(t)
	ctx := context.Background()
	sink := &fakeSink{}

	_, err := a.Subscribe(ctx, "bob", sink, 80, 24, nil)
	require.NoError(t, err)
	require.NoError(t, a.Input(ctx, []byte("quiet\n")))

	// Give the actor a generous window to have misbehaved if it were going
	// to, then assert it didn't.
	time.Sleep(150 * time.Millisecond)
	assert.False(t, sink.hasType(wire.TypeOutput))
}

func TestResizeRecomputesEffectiveGridAndBroadcasts(t *testing.T) {
	a := spawnCat(t)
	ctx := context.Background()
	alice := &fakeSink{}
	bob := &fakeSink{}

	_, err := a.Subscribe(ctx, "alice", alice, 100, 30, nil)
	require.NoError(t, err)
	_, err = a.Subscribe(ctx, "bob", bob, 80, 40, nil)
	require.NoError(t, err)

	waitFor(t, time.Second, func() bool { return bob.hasType(wire.TypeGridChanged) })

	var found *wire.Grid
	for _, m := range bob.snapshot() {
		if m.Type == wire.TypeGridChanged {
			found = m.Grid
		}
	}
	require.NotNil(t, found)
	assert.Equal(t, 80, found.Cols)
	assert.Equal(t, 30, found.Rows)

	require.NoError(t, a.Resize(ctx, "alice", 50, 20))
	waitFor(t, time.Second, func() bool {
		for _, m := range bob.snapshot() {
			if m.Type == wire.TypeGridChanged && m.Grid != nil && m.Grid.Cols == 50 {
				return true
			}
		}
		return false
	})
}

func TestKillTerminatesChildAndBroadcastsInstanceStopped(t *testing.T) {
	a, err := Spawn(Config{ID: "inst-2", Command: "sh", Args: []string{"-c", "sleep 30"}, Cols: 80, Rows: 24})
	require.NoError(t, err)
	ctx := context.Background()
	sink := &fakeSink{}
	_, err = a.Subscribe(ctx, "carol", sink, 80, 24, nil)
	require.NoError(t, err)

	require.NoError(t, a.Kill(ctx, syscall.SIGKILL))

	waitFor(t, 2*time.Second, func() bool { return sink.hasType(wire.TypeInstanceStopped) })
	for _, m := range sink.snapshot() {
		if m.Type == wire.TypeInstanceStopped {
			assert.NotEmpty(t, m.Signal)
		}
	}
}

func TestShutdownDrainsActor(t *testing.T) {
	a := spawnCat(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	require.NoError(t, a.Shutdown(ctx))

	select {
	case <-a.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("actor did not drain after Shutdown")
	}
}

func TestResyncReturnsBytesSinceRequestedSeq(t *testing.T) {
	a := spawnCat(t)
	ctx := context.Background()

	require.NoError(t, a.Input(ctx, []byte("0123456789")))
	waitFor(t, time.Second, func() bool {
		s, err := a.Describe(ctx)
		require.NoError(t, err)
		return s.BytesSent >= 10
	})

	data, start, end, gapLost, err := a.Resync(ctx, "dave", 0)
	require.NoError(t, err)
	assert.False(t, gapLost)
	assert.Equal(t, uint64(0), start)
	assert.True(t, end > start)
	assert.NotEmpty(t, data)
}

func TestSetFocusOnUnknownClientErrors(t *testing.T) {
	a := spawnCat(t)
	err := a.SetFocus(context.Background(), "ghost", true)
	assert.ErrorIs(t, err, ErrUnknownClient)
}

func TestDescribeReflectsCommandAndStatus(t *testing.T) {
	a := spawnCat(t)
	s, err := a.Describe(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "inst-1", s.ID)
	assert.Equal(t, "cat", s.Command)
	assert.Equal(t, "running", s.Status)
}
