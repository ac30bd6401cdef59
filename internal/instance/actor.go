// Package instance implements the Instance Actor: the single-writer
// goroutine that owns one PTY Handle (internal/ptyio), one Virtual
// Terminal (internal/vterm), one Viewport Registry (internal/viewport),
// and the set of clients subscribed to it. All state is touched only by
// the actor's own goroutine; every other package reaches it exclusively
// through the mailbox-backed methods below.
package instance

import (
	"context"
	"errors"
	"fmt"
	"syscall"
	"time"

	"crabcity/internal/metrics"
	"crabcity/internal/ptyio"
	"crabcity/internal/viewport"
	"crabcity/internal/vterm"
	"crabcity/internal/wire"
)

// State is the Instance's lifecycle stage.
type State int

const (
	StateSpawning State = iota
	StateRunning
	StateStopped
	StateDrained
)

func (s State) String() string {
	switch s {
	case StateSpawning:
		return "spawning"
	case StateRunning:
		return "running"
	case StateStopped:
		return "stopped"
	case StateDrained:
		return "drained"
	default:
		return "unknown"
	}
}

// Sink is the delivery surface an Instance Actor pushes frames into for one
// subscribed client. Implementations own their own outbound queue, drop
// counter, and lag-sentinel bookkeeping (internal/session.Session); Deliver
// must never block.
type Sink interface {
	Deliver(msg wire.ServerMessage)
}

// ErrActorStopped is returned by any actor method called after the actor's
// run loop has exited (state Drained).
var ErrActorStopped = errors.New("instance: actor stopped")

// ErrUnknownClient is returned by SetFocus/Unsubscribe calls naming a
// client that never subscribed.
var ErrUnknownClient = errors.New("instance: unknown client")

const (
	mailboxCapacity      = 256
	heartbeatInterval    = 100 * time.Millisecond
	heartbeatByteFlush   = 16 * 1024
	maxHistoryBytes      = wire.MaxServerFrameBytes - 4096
	shutdownEscalateWait = 5 * time.Second
)

// Config parameterizes Spawn.
type Config struct {
	ID           string
	Name         string
	Command      string
	Args         []string
	Env          map[string]string
	Cwd          string
	Cols, Rows   int
	RingCapacity int // 0 uses vterm.MinCapacity
}

// Actor is the Instance Actor. Exported methods are safe to call from any
// goroutine; they all round-trip through the mailbox.
type Actor struct {
	id        string
	name      string
	command   string
	args      []string
	cwd       string
	createdAt int64

	mailbox chan actorMsg
	done    chan struct{}

	// Fields below this line are touched only inside run().
	pty       *ptyio.Handle
	vt        *vterm.VTerm
	viewports *viewport.Registry
	clients   map[string]Sink
	focused   map[string]struct{}

	state    State
	exitCode *int
	signal   string

	bytesSinceTick uint64

	shutdownReply chan struct{}
}

// Spawn starts the child process in a new PTY and launches the actor
// goroutine. The returned Actor is in StateRunning.
func Spawn(cfg Config) (*Actor, error) {
	cols, rows := cfg.Cols, cfg.Rows
	if cols <= 0 {
		cols = viewport.DefaultCols
	}
	if rows <= 0 {
		rows = viewport.DefaultRows
	}
	capacity := cfg.RingCapacity
	if capacity <= 0 {
		capacity = vterm.MinCapacity
	}

	vt, err := vterm.New(capacity, cols, rows)
	if err != nil {
		return nil, fmt.Errorf("instance: %w", err)
	}

	h, err := ptyio.Spawn(cfg.Command, cfg.Args, cfg.Env, cfg.Cwd, cols, rows)
	if err != nil {
		return nil, err
	}

	a := &Actor{
		id:        cfg.ID,
		name:      cfg.Name,
		command:   cfg.Command,
		args:      cfg.Args,
		cwd:       cfg.Cwd,
		createdAt: time.Now().Unix(),
		mailbox:   make(chan actorMsg, mailboxCapacity),
		done:      make(chan struct{}),
		pty:       h,
		vt:        vt,
		viewports: viewport.New(),
		clients:   make(map[string]Sink),
		focused:   make(map[string]struct{}),
		state:     StateRunning,
	}
	metrics.Get().InstancesRunning.Inc()
	go a.run()
	return a, nil
}

// ID returns the instance's identifier.
func (a *Actor) ID() string { return a.id }

// Name returns the instance's (possibly empty) display name.
func (a *Actor) Name() string { return a.name }

// send delivers m to the mailbox, counting contention against the mailbox
// metric, and returns ErrActorStopped if the actor has already drained.
func (a *Actor) send(ctx context.Context, m actorMsg) error {
	select {
	case <-a.done:
		return ErrActorStopped
	default:
	}
	select {
	case a.mailbox <- m:
		return nil
	default:
	}
	metrics.Get().MailboxBusyTotal.WithLabelValues(a.id).Inc()
	select {
	case a.mailbox <- m:
		return nil
	case <-a.done:
		return ErrActorStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Subscribe registers a client, applies its requested viewport, and
// returns the current summary, grid, and requested history/resync window.
func (a *Actor) Subscribe(ctx context.Context, clientID string, sink Sink, cols, rows int, resumeFromSeq *uint64) (SubscribeResult, error) {
	reply := make(chan subscribeResult, 1)
	if err := a.send(ctx, subscribeMsg{clientID: clientID, sink: sink, cols: cols, rows: rows, resumeFromSeq: resumeFromSeq, reply: reply}); err != nil {
		return SubscribeResult{}, err
	}
	select {
	case r := <-reply:
		return r.result, r.err
	case <-ctx.Done():
		return SubscribeResult{}, ctx.Err()
	}
}

// Unsubscribe removes a client from the subscriber and focused sets.
func (a *Actor) Unsubscribe(ctx context.Context, clientID string) error {
	done := make(chan struct{})
	if err := a.send(ctx, unsubscribeMsg{clientID: clientID, done: done}); err != nil {
		return err
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SetFocus toggles a client's membership in the focused set.
func (a *Actor) SetFocus(ctx context.Context, clientID string, focused bool) error {
	reply := make(chan error, 1)
	if err := a.send(ctx, setFocusMsg{clientID: clientID, focused: focused, reply: reply}); err != nil {
		return err
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Resync returns the bytes appended since fromSeq, capped and gap-flagged
// exactly as internal/vterm.Since describes.
func (a *Actor) Resync(ctx context.Context, clientID string, fromSeq uint64) (data []byte, startSeq, endSeq uint64, gapLost bool, err error) {
	reply := make(chan resyncResult, 1)
	if err = a.send(ctx, resyncMsg{clientID: clientID, fromSeq: fromSeq, reply: reply}); err != nil {
		return nil, 0, 0, false, err
	}
	select {
	case r := <-reply:
		return r.data, r.startSeq, r.endSeq, r.gapLost, nil
	case <-ctx.Done():
		return nil, 0, 0, false, ctx.Err()
	}
}

// Input forwards bytes to the child's stdin. Fire-and-forget: the mailbox
// send is the only synchronization point.
func (a *Actor) Input(ctx context.Context, data []byte) error {
	cp := append([]byte(nil), data...)
	return a.send(ctx, inputMsg{data: cp})
}

// Resize updates one client's requested viewport and recomputes the
// instance's effective grid.
func (a *Actor) Resize(ctx context.Context, clientID string, cols, rows int) error {
	return a.send(ctx, resizeMsg{clientID: clientID, cols: cols, rows: rows})
}

// Kill signals the child process, if still running, without draining the
// actor itself.
func (a *Actor) Kill(ctx context.Context, signal syscall.Signal) error {
	return a.send(ctx, killMsg{signal: signal})
}

// Describe returns the instance's current metadata snapshot.
func (a *Actor) Describe(ctx context.Context) (wire.InstanceSummary, error) {
	reply := make(chan wire.InstanceSummary, 1)
	if err := a.send(ctx, describeMsg{reply: reply}); err != nil {
		return wire.InstanceSummary{}, err
	}
	select {
	case s := <-reply:
		return s, nil
	case <-ctx.Done():
		return wire.InstanceSummary{}, ctx.Err()
	}
}

// Shutdown requests a graceful stop: SIGTERM if running, escalating to
// SIGKILL if the child hasn't exited within the grace window, then the
// actor transitions to Drained and its goroutine returns. Safe to call
// more than once; later calls after Drained return immediately.
func (a *Actor) Shutdown(ctx context.Context) error {
	reply := make(chan struct{})
	if err := a.send(ctx, shutdownMsg{ctx: ctx, reply: reply}); err != nil {
		if errors.Is(err, ErrActorStopped) {
			return nil
		}
		return err
	}
	select {
	case <-reply:
		return nil
	case <-a.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done returns a channel closed once the actor has fully drained.
func (a *Actor) Done() <-chan struct{} { return a.done }

func (a *Actor) run() {
	chunks := a.pty.Chunks()
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	var escalateC <-chan time.Time
	var shutdownCtxDone <-chan struct{}

	for {
		select {
		case m, ok := <-a.mailbox:
			if !ok {
				a.finish()
				return
			}
			if drained := a.handle(m, &escalateC, &shutdownCtxDone); drained {
				a.finish()
				return
			}

		case chunk, ok := <-chunks:
			if !ok {
				chunks = nil
				continue
			}
			if drained := a.handleChunk(chunk); drained {
				a.finish()
				return
			}

		case <-ticker.C:
			a.emitTick()

		case <-escalateC:
			escalateC = nil
			a.pty.Kill(syscall.SIGKILL)

		case <-shutdownCtxDone:
			shutdownCtxDone = nil
			// The caller's context expired before the child exited; escalate
			// immediately rather than waiting out the rest of the grace window.
			a.pty.Kill(syscall.SIGKILL)
		}
	}
}

func (a *Actor) finish() {
	a.state = StateDrained
	_ = a.pty.Close()
	if a.shutdownReply != nil {
		close(a.shutdownReply)
		a.shutdownReply = nil
	}
	close(a.done)
}

// handle processes one mailbox message and reports whether the actor
// should drain immediately (only Shutdown on an already-stopped instance
// with no grace period left takes this path).
func (a *Actor) handle(m actorMsg, escalateC *<-chan time.Time, shutdownCtxDone *<-chan struct{}) bool {
	switch msg := m.(type) {
	case subscribeMsg:
		a.handleSubscribe(msg)

	case unsubscribeMsg:
		delete(a.clients, msg.clientID)
		delete(a.focused, msg.clientID)
		a.viewports.Remove(msg.clientID)
		a.recomputeGrid()
		close(msg.done)

	case setFocusMsg:
		if _, ok := a.clients[msg.clientID]; !ok {
			msg.reply <- ErrUnknownClient
			return false
		}
		if msg.focused {
			a.focused[msg.clientID] = struct{}{}
		} else {
			delete(a.focused, msg.clientID)
		}
		msg.reply <- nil

	case resyncMsg:
		data, start, end, gapLost := a.vt.Since(msg.fromSeq, maxHistoryBytes)
		msg.reply <- resyncResult{data: data, startSeq: start, endSeq: end, gapLost: gapLost}

	case inputMsg:
		if a.state == StateRunning {
			_, _ = a.pty.Write(msg.data)
		}

	case resizeMsg:
		if _, ok := a.clients[msg.clientID]; ok {
			a.viewports.Set(msg.clientID, msg.cols, msg.rows)
			a.recomputeGrid()
		}

	case killMsg:
		if a.state == StateRunning {
			a.pty.Kill(msg.signal)
		}

	case describeMsg:
		msg.reply <- a.summary()

	case shutdownMsg:
		if a.state != StateRunning {
			close(msg.reply)
			return true
		}
		a.pty.Kill(syscall.SIGTERM)
		a.shutdownReply = msg.reply
		*escalateC = time.After(shutdownEscalateWait)
		*shutdownCtxDone = msg.ctx.Done()
	}
	return false
}

func (a *Actor) handleSubscribe(msg subscribeMsg) {
	a.clients[msg.clientID] = msg.sink
	if msg.cols > 0 && msg.rows > 0 {
		a.viewports.Set(msg.clientID, msg.cols, msg.rows)
	}
	a.recomputeGrid()

	var data []byte
	var start, end uint64
	var gapLost bool
	if msg.resumeFromSeq != nil {
		data, start, end, gapLost = a.vt.Since(*msg.resumeFromSeq, maxHistoryBytes)
	} else {
		data, start, end = a.vt.History(maxHistoryBytes)
	}
	cols, rows := a.vt.Grid()

	msg.reply <- subscribeResult{result: SubscribeResult{
		Summary:  a.summary(),
		Grid:     wire.Grid{Cols: cols, Rows: rows},
		Data:     data,
		StartSeq: start,
		EndSeq:   end,
		GapLost:  gapLost,
	}}
}

// handleChunk processes one ptyio.Chunk and reports whether this was the
// terminal Exited chunk received while a shutdown was already pending
// (meaning the actor should drain now rather than wait for the mailbox).
func (a *Actor) handleChunk(chunk ptyio.Chunk) bool {
	if chunk.Data != nil {
		before := a.vt.TotalAppended()
		a.vt.Append(chunk.Data)
		after := a.vt.TotalAppended()
		metrics.Get().InstanceBytes.WithLabelValues(a.id).Add(float64(len(chunk.Data)))

		out := wire.ServerMessage{
			Type:       wire.TypeOutput,
			InstanceID: a.id,
			Seq:        before,
			EndSeq:     after,
			Data:       wire.B64(chunk.Data),
		}
		for clientID := range a.focused {
			if sink, ok := a.clients[clientID]; ok {
				sink.Deliver(out)
			}
		}

		a.bytesSinceTick += uint64(len(chunk.Data))
		if a.bytesSinceTick >= heartbeatByteFlush {
			a.emitTick()
		}
	}

	if chunk.Exited != nil {
		wasShuttingDown := a.shutdownReply != nil
		a.state = StateStopped
		a.exitCode = chunk.Exited.ExitCode
		a.signal = chunk.Exited.Signal
		metrics.Get().InstancesRunning.Dec()

		stopped := wire.ServerMessage{
			Type:       wire.TypeInstanceStopped,
			InstanceID: a.id,
			ExitCode:   a.exitCode,
			Signal:     a.signal,
		}
		a.broadcastAll(stopped)

		if wasShuttingDown {
			return true
		}
	}
	return false
}

func (a *Actor) emitTick() {
	if a.bytesSinceTick == 0 {
		return
	}
	a.bytesSinceTick = 0
	a.broadcastAll(wire.ServerMessage{
		Type:       wire.TypeCursorTick,
		InstanceID: a.id,
		Seq:        a.vt.TotalAppended(),
	})
}

func (a *Actor) recomputeGrid() {
	cols, rows := a.viewports.Effective()
	curCols, curRows := a.vt.Grid()
	if cols == curCols && rows == curRows {
		return
	}
	a.vt.SetGrid(cols, rows)
	if a.state == StateRunning {
		_ = a.pty.Resize(cols, rows)
	}
	a.broadcastAll(wire.ServerMessage{
		Type:       wire.TypeGridChanged,
		InstanceID: a.id,
		Grid:       &wire.Grid{Cols: cols, Rows: rows},
	})
}

func (a *Actor) broadcastAll(msg wire.ServerMessage) {
	for _, sink := range a.clients {
		sink.Deliver(msg)
	}
}

func (a *Actor) summary() wire.InstanceSummary {
	cols, rows := a.vt.Grid()
	return wire.InstanceSummary{
		ID:        a.id,
		Name:      a.name,
		Command:   a.command,
		Args:      a.args,
		Cwd:       a.cwd,
		Status:    a.state.String(),
		ExitCode:  a.exitCode,
		Signal:    a.signal,
		Cols:      cols,
		Rows:      rows,
		CreatedAt: a.createdAt,
		BytesSent: a.vt.TotalAppended(),
	}
}
