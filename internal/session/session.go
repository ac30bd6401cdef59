// Package session implements the Client Session: per-connection state for
// one subscriber, including its bounded outbound queue, lag bookkeeping,
// the bookkeeping the Multiplexer needs to enforce "at most one focused
// instance per client", and the last sequence number sent per instance.
//
// A Session implements instance.Sink, so Instance Actors deliver directly
// into it without any intermediary.
package session

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"crabcity/internal/metrics"
	"crabcity/internal/wire"
)

// QueueCapacity is the bound on a client's outbound message queue
// (spec.md §5 bounded-queue-per-client fan-out).
const QueueCapacity = 256

// WriteTimeout bounds a single write to the underlying transport; a
// transport that can't keep up within this window is treated as dead.
const WriteTimeout = 30 * time.Second

// Transport is the minimal write surface Run needs. internal/api supplies
// the gorilla/websocket-backed implementation; tests can supply a fake.
type Transport interface {
	WriteMessage(msg wire.ServerMessage, timeout time.Duration) error
}

// Session holds one connected client's delivery queue and bookkeeping.
type Session struct {
	id string

	queue  chan wire.ServerMessage
	done   chan struct{}
	closed atomic.Bool

	dropMu       sync.Mutex
	dropTotal    uint64
	inLagEpisode bool

	metaMu          sync.Mutex
	subscriptions   map[string]struct{}
	focusedInstance string
	lastAck         map[string]uint64
}

// New creates a Session for the given client id.
func New(id string) *Session {
	return &Session{
		id:            id,
		queue:         make(chan wire.ServerMessage, QueueCapacity),
		done:          make(chan struct{}),
		subscriptions: make(map[string]struct{}),
		lastAck:       make(map[string]uint64),
	}
}

// ID returns the client id.
func (s *Session) ID() string { return s.id }

// Deliver implements instance.Sink. It never blocks: on a full queue it
// drops the message, counts it, and emits an OutputLagged sentinel the
// first time a lag episode begins.
func (s *Session) Deliver(msg wire.ServerMessage) {
	if s.closed.Load() {
		return
	}
	select {
	case s.queue <- msg:
		s.dropMu.Lock()
		s.inLagEpisode = false
		s.dropMu.Unlock()
		return
	default:
	}

	s.dropMu.Lock()
	s.dropTotal++
	total := s.dropTotal
	fresh := !s.inLagEpisode
	s.inLagEpisode = true
	s.dropMu.Unlock()

	metrics.Get().ClientQueueDrops.WithLabelValues(s.id).Inc()

	if fresh {
		lag := wire.ServerMessage{
			Type:       wire.TypeOutputLagged,
			InstanceID: msg.InstanceID,
			Dropped:    total,
		}
		select {
		case s.queue <- lag:
		default:
			// Queue still full; the client will find out it lagged the next
			// time something does fit, or never, if it disconnects first.
		}
	}
}

// DropTotal reports the cumulative number of messages dropped for this
// client across its lifetime.
func (s *Session) DropTotal() uint64 {
	s.dropMu.Lock()
	defer s.dropMu.Unlock()
	return s.dropTotal
}

// TryReceive pops one message from the outbound queue without blocking.
// Used by callers that want to drain a session's queue themselves instead
// of handing it to Run (tests, and any future non-network transport).
func (s *Session) TryReceive() (wire.ServerMessage, bool) {
	select {
	case msg := <-s.queue:
		return msg, true
	default:
		return wire.ServerMessage{}, false
	}
}

// Run drains the outbound queue to transport until ctx is cancelled or the
// Session is closed. It is the Session's dedicated writer task.
func (s *Session) Run(ctx context.Context, transport Transport) error {
	for {
		select {
		case msg := <-s.queue:
			if err := transport.WriteMessage(msg, WriteTimeout); err != nil {
				return err
			}
		case <-s.done:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Close marks the session closed. Safe to call more than once. It does not
// close the queue channel itself, so in-flight Deliver calls from Instance
// Actors that raced the closed check never panic on a send to a closed
// channel; they just become messages nobody drains.
func (s *Session) Close() {
	if !s.closed.CompareAndSwap(false, true) {
		return
	}
	close(s.done)
}

// AddSubscription records that this client has subscribed to instanceID.
func (s *Session) AddSubscription(instanceID string) {
	s.metaMu.Lock()
	defer s.metaMu.Unlock()
	s.subscriptions[instanceID] = struct{}{}
}

// RemoveSubscription forgets a subscription, clearing focus and the
// last-ack sequence for that instance too.
func (s *Session) RemoveSubscription(instanceID string) {
	s.metaMu.Lock()
	defer s.metaMu.Unlock()
	delete(s.subscriptions, instanceID)
	delete(s.lastAck, instanceID)
	if s.focusedInstance == instanceID {
		s.focusedInstance = ""
	}
}

// Subscriptions returns the instance ids this client is currently
// subscribed to.
func (s *Session) Subscriptions() []string {
	s.metaMu.Lock()
	defer s.metaMu.Unlock()
	out := make([]string, 0, len(s.subscriptions))
	for id := range s.subscriptions {
		out = append(out, id)
	}
	return out
}

// SetFocusedInstance records instanceID as this client's single focused
// instance and returns whatever was focused before (empty if none), so
// the caller can tell the previous instance's actor to unfocus this client.
func (s *Session) SetFocusedInstance(instanceID string) (previous string) {
	s.metaMu.Lock()
	defer s.metaMu.Unlock()
	previous = s.focusedInstance
	s.focusedInstance = instanceID
	return previous
}

// ClearFocusedInstance clears focus if instanceID is the currently
// focused one, returning whether it was.
func (s *Session) ClearFocusedInstance(instanceID string) bool {
	s.metaMu.Lock()
	defer s.metaMu.Unlock()
	if s.focusedInstance != instanceID {
		return false
	}
	s.focusedInstance = ""
	return true
}

// FocusedInstance returns the currently focused instance id, or "".
func (s *Session) FocusedInstance() string {
	s.metaMu.Lock()
	defer s.metaMu.Unlock()
	return s.focusedInstance
}

// SetLastAck records the last sequence number this client is known to have
// received for instanceID. The Multiplexer sets it from Subscribe and Resync
// replies; Resync takes its starting sequence from the client's request, not
// from this value.
func (s *Session) SetLastAck(instanceID string, seq uint64) {
	s.metaMu.Lock()
	defer s.metaMu.Unlock()
	s.lastAck[instanceID] = seq
}

// LastAck returns the last-acked sequence number for instanceID, if any.
func (s *Session) LastAck(instanceID string) (uint64, bool) {
	s.metaMu.Lock()
	defer s.metaMu.Unlock()
	seq, ok := s.lastAck[instanceID]
	return seq, ok
}
