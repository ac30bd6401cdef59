package multiplexer

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crabcity/internal/instance"
	"crabcity/internal/manager"
	"crabcity/internal/wire"
)

func waitForType(t *testing.T, getSession func() (wire.ServerMessage, bool), typ string, timeout time.Duration) wire.ServerMessage {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if msg, ok := getSession(); ok {
			if msg.Type == typ {
				return msg
			}
			continue
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("never saw message of type %q", typ)
	return wire.ServerMessage{}
}

func newMultiplexer(t *testing.T) *Multiplexer {
	t.Helper()
	mgr := manager.New()
	mx := New(mgr)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		mgr.ShutdownAll(ctx)
	})
	return mx
}

func TestCreateBroadcastsToAllConnectedClients(t *testing.T) {
	mx := newMultiplexer(t)
	ctx := context.Background()

	alice := mx.Connect("alice")
	bob := mx.Connect("bob")
	defer mx.Disconnect(ctx, "alice")
	defer mx.Disconnect(ctx, "bob")

	reply, err := mx.Dispatch(ctx, "alice", wire.ClientMessage{Type: wire.TypeCreate, Command: "cat"})
	require.NoError(t, err)
	assert.Nil(t, reply)

	waitForType(t, alice.TryReceive, wire.TypeInstanceCreated, time.Second)
	waitForType(t, bob.TryReceive, wire.TypeInstanceCreated, time.Second)
}

func TestSubscribeReturnsHistoryAndFocusedOutputFlows(t *testing.T) {
	mx := newMultiplexer(t)
	ctx := context.Background()

	alice := mx.Connect("alice")
	defer mx.Disconnect(ctx, "alice")

	reply, err := mx.Dispatch(ctx, "alice", wire.ClientMessage{Type: wire.TypeCreate, Command: "cat"})
	require.NoError(t, err)
	assert.Nil(t, reply)

	created := waitForType(t, alice.TryReceive, wire.TypeInstanceCreated, time.Second)
	require.NotNil(t, created.Instance)
	instanceID := created.Instance.ID

	reply, err = mx.Dispatch(ctx, "alice", wire.ClientMessage{
		Type: wire.TypeSubscribe, InstanceID: instanceID, Cols: 80, Rows: 24,
	})
	require.NoError(t, err)
	require.NotNil(t, reply)
	assert.Equal(t, wire.TypeSubscribed, reply.Type)

	reply, err = mx.Dispatch(ctx, "alice", wire.ClientMessage{
		Type: wire.TypeSetFocus, InstanceID: instanceID, Focused: true,
	})
	require.NoError(t, err)
	assert.Nil(t, reply)

	reply, err = mx.Dispatch(ctx, "alice", wire.ClientMessage{
		Type: wire.TypeInput, InstanceID: instanceID, Data: wire.B64([]byte("ping\n")),
	})
	require.NoError(t, err)
	assert.Nil(t, reply)

	out := waitForType(t, alice.TryReceive, wire.TypeOutput, 2*time.Second)
	data, err := wire.UnB64(out.Data)
	require.NoError(t, err)
	assert.Contains(t, string(data), "ping")
}

func TestFocusSwitchUnfocusesPreviousInstance(t *testing.T) {
	mx := newMultiplexer(t)
	ctx := context.Background()

	alice := mx.Connect("alice")
	defer mx.Disconnect(ctx, "alice")

	_, err := mx.Dispatch(ctx, "alice", wire.ClientMessage{Type: wire.TypeCreate, Command: "cat"})
	require.NoError(t, err)
	first := waitForType(t, alice.TryReceive, wire.TypeInstanceCreated, time.Second)

	_, err = mx.Dispatch(ctx, "alice", wire.ClientMessage{Type: wire.TypeCreate, Command: "cat"})
	require.NoError(t, err)
	second := waitForType(t, alice.TryReceive, wire.TypeInstanceCreated, time.Second)

	for _, id := range []string{first.Instance.ID, second.Instance.ID} {
		reply, err := mx.Dispatch(ctx, "alice", wire.ClientMessage{Type: wire.TypeSubscribe, InstanceID: id, Cols: 80, Rows: 24})
		require.NoError(t, err)
		require.NotNil(t, reply)
		assert.Equal(t, wire.TypeSubscribed, reply.Type)
	}

	_, err = mx.Dispatch(ctx, "alice", wire.ClientMessage{Type: wire.TypeSetFocus, InstanceID: first.Instance.ID, Focused: true})
	require.NoError(t, err)
	_, err = mx.Dispatch(ctx, "alice", wire.ClientMessage{Type: wire.TypeSetFocus, InstanceID: second.Instance.ID, Focused: true})
	require.NoError(t, err)

	// Focusing second should have unfocused first (at most one focused
	// instance per client). Input on first must not reach alice as Output.
	_, err = mx.Dispatch(ctx, "alice", wire.ClientMessage{
		Type: wire.TypeInput, InstanceID: first.Instance.ID, Data: wire.B64([]byte("x\n")),
	})
	require.NoError(t, err)
	time.Sleep(100 * time.Millisecond)
	for {
		msg, ok := alice.TryReceive()
		if !ok {
			break
		}
		if msg.Type == wire.TypeOutput {
			assert.Equal(t, second.Instance.ID, msg.InstanceID, "output from the unfocused instance should not be delivered")
		}
	}

	// Input on second (still focused) must reach alice.
	_, err = mx.Dispatch(ctx, "alice", wire.ClientMessage{
		Type: wire.TypeInput, InstanceID: second.Instance.ID, Data: wire.B64([]byte("y\n")),
	})
	require.NoError(t, err)
	out := waitForType(t, alice.TryReceive, wire.TypeOutput, time.Second)
	assert.Equal(t, second.Instance.ID, out.InstanceID)
}

func TestResyncReplaysOutputMissedWhileUnfocused(t *testing.T) {
	mx := newMultiplexer(t)
	ctx := context.Background()

	alice := mx.Connect("alice")
	defer mx.Disconnect(ctx, "alice")

	_, err := mx.Dispatch(ctx, "alice", wire.ClientMessage{Type: wire.TypeCreate, Command: "cat"})
	require.NoError(t, err)
	x := waitForType(t, alice.TryReceive, wire.TypeInstanceCreated, time.Second)

	_, err = mx.Dispatch(ctx, "alice", wire.ClientMessage{Type: wire.TypeCreate, Command: "cat"})
	require.NoError(t, err)
	y := waitForType(t, alice.TryReceive, wire.TypeInstanceCreated, time.Second)

	var lastSeenY uint64
	for _, inst := range []wire.ServerMessage{x, y} {
		reply, err := mx.Dispatch(ctx, "alice", wire.ClientMessage{
			Type: wire.TypeSubscribe, InstanceID: inst.Instance.ID, Cols: 80, Rows: 24,
		})
		require.NoError(t, err)
		require.NotNil(t, reply)
		if inst.Instance.ID == y.Instance.ID {
			lastSeenY = reply.EndSeq
		}
	}

	_, err = mx.Dispatch(ctx, "alice", wire.ClientMessage{Type: wire.TypeSetFocus, InstanceID: x.Instance.ID, Focused: true})
	require.NoError(t, err)

	// Output arrives on Y while alice is focused on X: it must not show up
	// as an unsolicited Output message.
	_, err = mx.Dispatch(ctx, "alice", wire.ClientMessage{
		Type: wire.TypeInput, InstanceID: y.Instance.ID, Data: wire.B64([]byte("missed\n")),
	})
	require.NoError(t, err)
	time.Sleep(100 * time.Millisecond)
	for {
		msg, ok := alice.TryReceive()
		if !ok {
			break
		}
		assert.NotEqual(t, wire.TypeOutput, msg.Type, "unfocused instance must not push Output")
	}

	// Switch focus to Y, then resync instead of re-subscribing to pick up
	// what was missed.
	_, err = mx.Dispatch(ctx, "alice", wire.ClientMessage{Type: wire.TypeSetFocus, InstanceID: y.Instance.ID, Focused: true})
	require.NoError(t, err)

	var resynced *wire.ServerMessage
	require.Eventually(t, func() bool {
		resynced, err = mx.Dispatch(ctx, "alice", wire.ClientMessage{
			Type: wire.TypeResync, InstanceID: y.Instance.ID, ResumeFromSeq: &lastSeenY,
		})
		require.NoError(t, err)
		require.NotNil(t, resynced)
		data, decErr := wire.UnB64(resynced.Data)
		require.NoError(t, decErr)
		return strings.Contains(string(data), "missed")
	}, 2*time.Second, 10*time.Millisecond)

	assert.Equal(t, wire.TypeResynced, resynced.Type)
	assert.Equal(t, y.Instance.ID, resynced.InstanceID)
	assert.False(t, resynced.GapLost)
}

func TestPingReturnsPong(t *testing.T) {
	mx := newMultiplexer(t)
	ctx := context.Background()
	mx.Connect("alice")
	defer mx.Disconnect(ctx, "alice")

	reply, err := mx.Dispatch(ctx, "alice", wire.ClientMessage{Type: wire.TypePing, ClientTimestamp: 42})
	require.NoError(t, err)
	require.NotNil(t, reply)
	assert.Equal(t, wire.TypePong, reply.Type)
	assert.Equal(t, int64(42), reply.ClientTimestamp)
}

func TestDisconnectUnsubscribesFromAllInstances(t *testing.T) {
	mx := newMultiplexer(t)
	ctx := context.Background()

	mx.Connect("alice")
	_, err := mx.Dispatch(ctx, "alice", wire.ClientMessage{Type: wire.TypeCreate, Command: "cat"})
	require.NoError(t, err)

	alice := mx.sessions["alice"]
	created := waitForType(t, alice.TryReceive, wire.TypeInstanceCreated, time.Second)

	reply, err := mx.Dispatch(ctx, "alice", wire.ClientMessage{Type: wire.TypeSubscribe, InstanceID: created.Instance.ID, Cols: 80, Rows: 24})
	require.NoError(t, err)
	require.NotNil(t, reply)
	assert.Equal(t, wire.TypeSubscribed, reply.Type)

	mx.Disconnect(ctx, "alice")

	mx.mu.RLock()
	_, stillConnected := mx.sessions["alice"]
	mx.mu.RUnlock()
	assert.False(t, stillConnected)

	// The instance itself no longer knows alice as a subscriber.
	act, err := mx.mgr.Get(created.Instance.ID)
	require.NoError(t, err)
	assert.ErrorIs(t, act.SetFocus(ctx, "alice", true), instance.ErrUnknownClient)
}
