// Package multiplexer implements the Multiplexer / State Manager: the
// daemon-wide switchboard that turns one client connection's
// ClientMessage stream into calls against the Instance Manager and the
// relevant Instance Actors, and fans daemon-wide lifecycle events out to
// every connected client.
//
// Package internal/api owns the actual network connections; it depends on
// this package for everything that isn't wire transport. Tests exercise
// Multiplexer directly against real Instance Actors (backed by a real
// PTY), draining each Session's queue with Session.TryReceive, with no
// network involved.
package multiplexer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"syscall"

	"crabcity/internal/manager"
	"crabcity/internal/session"
	"crabcity/internal/wire"
)

// killSignal is the signal Stop sends; it requests graceful termination,
// letting the child's own signal handling (if any) decide how to wind down.
const killSignal = syscall.SIGTERM

// Multiplexer owns the daemon-wide map of connected Client Sessions and
// dispatches their messages against a Manager.
type Multiplexer struct {
	mgr *manager.Manager

	mu       sync.RWMutex
	sessions map[string]*session.Session
}

// New creates a Multiplexer over mgr.
func New(mgr *manager.Manager) *Multiplexer {
	return &Multiplexer{mgr: mgr, sessions: make(map[string]*session.Session)}
}

// Connect registers a new Client Session and returns it so the caller
// (internal/api) can start its writer task and feed it the client's
// incoming frames.
func (mx *Multiplexer) Connect(clientID string) *session.Session {
	s := session.New(clientID)
	mx.mu.Lock()
	mx.sessions[clientID] = s
	mx.mu.Unlock()
	return s
}

// Disconnect unsubscribes a client from every instance it was subscribed
// to, closes its session, and forgets it.
func (mx *Multiplexer) Disconnect(ctx context.Context, clientID string) {
	mx.mu.Lock()
	s, ok := mx.sessions[clientID]
	delete(mx.sessions, clientID)
	mx.mu.Unlock()
	if !ok {
		return
	}

	for _, instanceID := range s.Subscriptions() {
		if act, err := mx.mgr.Get(instanceID); err == nil {
			_ = act.Unsubscribe(ctx, clientID)
		}
	}
	s.Close()
}

// Snapshot builds the initial ServerMessage a freshly connected client
// should receive: the full instance list.
func (mx *Multiplexer) Snapshot(ctx context.Context) wire.ServerMessage {
	return wire.ServerMessage{Type: wire.TypeSnapshot, Instances: mx.mgr.List(ctx)}
}

// Dispatch applies one ClientMessage for clientID and returns the direct
// reply to send back, if any. Some message types (create, e.g.) are
// answered purely through BroadcastLifecycle and return a nil reply here.
func (mx *Multiplexer) Dispatch(ctx context.Context, clientID string, msg wire.ClientMessage) (*wire.ServerMessage, error) {
	mx.mu.RLock()
	s, ok := mx.sessions[clientID]
	mx.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("multiplexer: unknown client %q", clientID)
	}

	// Every branch below makes at most a handful of mailbox-facing calls;
	// bound all of them together so a wedged actor surfaces ErrCodeBusy
	// instead of hanging the client's connection indefinitely.
	mctx, cancel := context.WithTimeout(ctx, wire.MailboxTimeout)
	defer cancel()

	switch msg.Type {
	case wire.TypePing:
		return &wire.ServerMessage{Type: wire.TypePong, ClientTimestamp: msg.ClientTimestamp}, nil

	case wire.TypeCreate:
		act, err := mx.mgr.Create(manager.CreateSpec{
			Command: msg.Command,
			Args:    msg.Args,
			Env:     msg.Env,
			Cwd:     msg.Cwd,
			Cols:    msg.Cols,
			Rows:    msg.Rows,
		})
		if err != nil {
			return errMsg(wire.ErrCodeInternal, err), nil
		}
		summary, err := act.Describe(mctx)
		if err != nil {
			return errMsg(wire.ErrCodeInternal, err), nil
		}
		mx.BroadcastLifecycle(wire.ServerMessage{Type: wire.TypeInstanceCreated, Instance: &summary})
		return nil, nil

	case wire.TypeSubscribe:
		act, err := mx.mgr.Get(msg.InstanceID)
		if err != nil {
			return errMsg(wire.ErrCodeNotFound, err), nil
		}
		result, err := act.Subscribe(mctx, clientID, s, msg.Cols, msg.Rows, msg.ResumeFromSeq)
		if err != nil {
			return errMsg(wire.ErrCodeInternal, err), nil
		}
		s.AddSubscription(act.ID())
		s.SetLastAck(act.ID(), result.EndSeq)
		return &wire.ServerMessage{
			Type:         wire.TypeSubscribed,
			InstanceID:   act.ID(),
			Instance:     &result.Summary,
			Grid:         &result.Grid,
			HistoryBytes: wire.B64(result.Data),
			Seq:          result.StartSeq,
			EndSeq:       result.EndSeq,
			GapLost:      result.GapLost,
		}, nil

	case wire.TypeResync:
		act, err := mx.mgr.Get(msg.InstanceID)
		if err != nil {
			return errMsg(wire.ErrCodeNotFound, err), nil
		}
		if msg.ResumeFromSeq == nil {
			return errMsg(wire.ErrCodeBadRequest, fmt.Errorf("resync requires resume_from_seq")), nil
		}
		data, start, end, gapLost, err := act.Resync(mctx, clientID, *msg.ResumeFromSeq)
		if err != nil {
			return errMsg(wire.ErrCodeInternal, err), nil
		}
		s.SetLastAck(act.ID(), end)
		return &wire.ServerMessage{
			Type:       wire.TypeResynced,
			InstanceID: act.ID(),
			Data:       wire.B64(data),
			Seq:        start,
			EndSeq:     end,
			GapLost:    gapLost,
		}, nil

	case wire.TypeUnsubscribe:
		act, err := mx.mgr.Get(msg.InstanceID)
		if err == nil {
			if err := act.Unsubscribe(mctx, clientID); err != nil {
				return errMsg(wire.ErrCodeInternal, err), nil
			}
		}
		s.RemoveSubscription(msg.InstanceID)
		return nil, nil

	case wire.TypeSetFocus:
		act, err := mx.mgr.Get(msg.InstanceID)
		if err != nil {
			return errMsg(wire.ErrCodeNotFound, err), nil
		}
		if msg.Focused {
			if previous := s.SetFocusedInstance(act.ID()); previous != "" && previous != act.ID() {
				if prevAct, err := mx.mgr.Get(previous); err == nil {
					_ = prevAct.SetFocus(mctx, clientID, false)
				}
			}
		} else {
			s.ClearFocusedInstance(act.ID())
		}
		if err := act.SetFocus(mctx, clientID, msg.Focused); err != nil {
			return errMsg(wire.ErrCodeInternal, err), nil
		}
		return nil, nil

	case wire.TypeInput:
		act, err := mx.mgr.Get(msg.InstanceID)
		if err != nil {
			return errMsg(wire.ErrCodeNotFound, err), nil
		}
		data, err := wire.UnB64(msg.Data)
		if err != nil {
			return errMsg(wire.ErrCodeBadRequest, err), nil
		}
		if err := act.Input(mctx, data); err != nil {
			return errMsg(wire.ErrCodeInternal, err), nil
		}
		return nil, nil

	case wire.TypeResize:
		act, err := mx.mgr.Get(msg.InstanceID)
		if err != nil {
			return errMsg(wire.ErrCodeNotFound, err), nil
		}
		if err := act.Resize(mctx, clientID, msg.Cols, msg.Rows); err != nil {
			return errMsg(wire.ErrCodeInternal, err), nil
		}
		return nil, nil

	case wire.TypeStop:
		if err := mx.mgr.Stop(mctx, msg.InstanceID, killSignal); err != nil {
			return errMsg(wire.ErrCodeNotFound, err), nil
		}
		return nil, nil

	default:
		return errMsg(wire.ErrCodeBadRequest, fmt.Errorf("unknown message type %q", msg.Type)), nil
	}
}

// BroadcastLifecycle delivers msg to every connected client regardless of
// subscription, for daemon-wide events like instance creation.
func (mx *Multiplexer) BroadcastLifecycle(msg wire.ServerMessage) {
	mx.mu.RLock()
	defer mx.mu.RUnlock()
	for _, s := range mx.sessions {
		s.Deliver(msg)
	}
}

// errMsg builds an Error ServerMessage for err. A context deadline means the
// mailbox-facing call timed out waiting on a full (wedged) actor mailbox;
// that always reports busy regardless of what the caller asked for, per
// spec.md §4.D/§7.
func errMsg(code string, err error) *wire.ServerMessage {
	if errors.Is(err, context.DeadlineExceeded) {
		code = wire.ErrCodeBusy
	}
	return &wire.ServerMessage{Type: wire.TypeError, Code: code, Message: err.Error()}
}
