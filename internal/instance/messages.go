package instance

import (
	"context"
	"syscall"

	"crabcity/internal/wire"
)

// actorMsg is the marker interface for every value the Actor's mailbox
// accepts. The run loop type-switches on these exactly as spec'd in
// the Instance Actor's operation list: Subscribe, Unsubscribe, SetFocus,
// Resync, Input, Resize, Kill, Shutdown, plus Describe for metadata snapshots.
type actorMsg interface {
	isActorMsg()
}

type subscribeMsg struct {
	clientID      string
	sink          Sink
	cols, rows    int
	resumeFromSeq *uint64
	reply         chan subscribeResult
}

func (subscribeMsg) isActorMsg() {}

// SubscribeResult is everything a new subscriber needs to render its
// initial view: the instance's current metadata, the grid it was just
// clamped into, and the history/resync bytes it asked for.
type SubscribeResult struct {
	Summary            wire.InstanceSummary
	Grid               wire.Grid
	Data               []byte
	StartSeq, EndSeq    uint64
	GapLost            bool
}

type subscribeResult struct {
	result SubscribeResult
	err    error
}

type unsubscribeMsg struct {
	clientID string
	done     chan struct{}
}

func (unsubscribeMsg) isActorMsg() {}

type setFocusMsg struct {
	clientID string
	focused  bool
	reply    chan error
}

func (setFocusMsg) isActorMsg() {}

type resyncMsg struct {
	clientID string
	fromSeq  uint64
	reply    chan resyncResult
}

func (resyncMsg) isActorMsg() {}

type resyncResult struct {
	data               []byte
	startSeq, endSeq   uint64
	gapLost            bool
}

type inputMsg struct {
	data []byte
}

func (inputMsg) isActorMsg() {}

type resizeMsg struct {
	clientID   string
	cols, rows int
}

func (resizeMsg) isActorMsg() {}

type killMsg struct {
	signal syscall.Signal
}

func (killMsg) isActorMsg() {}

type describeMsg struct {
	reply chan wire.InstanceSummary
}

func (describeMsg) isActorMsg() {}

type shutdownMsg struct {
	ctx   context.Context
	reply chan struct{}
}

func (shutdownMsg) isActorMsg() {}
