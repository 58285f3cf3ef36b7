package transfer

import (
	"context"
	"sync"

	"github.com/opd-ai/drop/errs"
	"github.com/opd-ai/drop/storage"
	"github.com/sirupsen/logrus"
)

// CancelToken is checked by every long-running task at its suspension
// points (spec section 5): reads as closed once Cancel has been called.
type CancelToken struct {
	ch   chan struct{}
	once sync.Once
}

// NewCancelToken returns an open token.
func NewCancelToken() *CancelToken { return &CancelToken{ch: make(chan struct{})} }

// Cancel closes the token; safe to call more than once or concurrently.
func (c *CancelToken) Cancel() { c.once.Do(func() { close(c.ch) }) }

// Done returns a channel closed once Cancel has fired, for use in a select
// alongside I/O, queue waits, or timers.
func (c *CancelToken) Done() <-chan struct{} { return c.ch }

// Cancelled reports whether Cancel has already fired.
func (c *CancelToken) Cancelled() bool {
	select {
	case <-c.ch:
		return true
	default:
		return false
	}
}

// Transfer owns one transfer's coarse lifecycle (spec section 4.5):
// Pending -> Active -> {Cancelled, Failed, Completed}, the last three
// terminal. A per-transfer mutex serialises every state-log append;
// per-path byte-level actions are serialised independently by each Path's
// own mutex.
type Transfer struct {
	ID            string
	Direction     storage.Direction
	PeerPublicKey string

	store      *storage.Store
	dispatcher *Dispatcher
	cancel     *CancelToken

	mu    sync.Mutex
	state storage.TransferState
	paths map[string]*Path

	logger *logrus.Entry
}

// NewTransfer wraps a transfer already inserted into Storage (via
// InsertTransfer) with the in-memory controller the engine drives. The
// caller builds each Path with NewPath and attaches it with AddPath before
// any wire traffic arrives.
func NewTransfer(store *storage.Store, dispatcher *Dispatcher, id string, dir storage.Direction, peer string) *Transfer {
	return &Transfer{
		ID:            id,
		Direction:     dir,
		PeerPublicKey: peer,
		store:         store,
		dispatcher:    dispatcher,
		cancel:        NewCancelToken(),
		state:         storage.TransferPending,
		paths:         make(map[string]*Path),
		logger: logrus.WithFields(logrus.Fields{
			"package":     "transfer",
			"transfer_id": id,
			"direction":   dir,
		}),
	}
}

// CancelToken returns the token every path worker for this transfer checks
// at its suspension points.
func (t *Transfer) CancelToken() *CancelToken { return t.cancel }

// State returns the transfer's current coarse state.
func (t *Transfer) State() storage.TransferState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// AddPath registers a Path as belonging to this transfer, so its terminal
// transition can be counted toward the transfer's own terminal check.
func (t *Transfer) AddPath(p *Path) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.paths[p.FileID] = p
	p.transfer = t
}

// Path returns the path registered under fileID, or nil.
func (t *Transfer) Path(fileID string) *Path {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.paths[fileID]
}

// Paths returns every path registered on this transfer, for callers that
// need to act on all of them at once (e.g. pausing every in-flight path on
// an unexpected connection loss).
func (t *Transfer) Paths() []*Path {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*Path, 0, len(t.paths))
	for _, p := range t.paths {
		out = append(out, p)
	}
	return out
}

// Activate transitions Pending -> Active.
func (t *Transfer) Activate(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state.Terminal() {
		return errs.New(errs.KindBadTransferState, "transfer %s already terminal (%s)", t.ID, t.state)
	}
	if err := t.store.AppendTransferState(ctx, t.ID, storage.TransferActive, ""); err != nil {
		return err
	}
	t.state = storage.TransferActive
	return nil
}

// Cancel appends Cancelled(by_peer) and emits TransferCancelled, unless the
// transfer is already terminal (in which case it is a no-op: a cancel
// racing a just-completed transfer must not resurrect its history).
func (t *Transfer) Cancel(ctx context.Context, byPeer bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state.Terminal() {
		return nil
	}
	detail := "local"
	if byPeer {
		detail = "by_peer"
	}
	if err := t.store.AppendTransferState(ctx, t.ID, storage.TransferCancelled, detail); err != nil {
		return err
	}
	t.state = storage.TransferCancelled
	t.cancel.Cancel()
	t.dispatcher.Emit(Event{Kind: KindTransferCancelled, TransferID: t.ID, ByPeer: byPeer})
	return nil
}

// Fail appends Failed(status) and emits TransferFailed, unless the
// transfer is already terminal.
func (t *Transfer) Fail(ctx context.Context, status string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state.Terminal() {
		return nil
	}
	if err := t.store.AppendTransferState(ctx, t.ID, storage.TransferFailed, status); err != nil {
		return err
	}
	t.state = storage.TransferFailed
	t.cancel.Cancel()
	t.dispatcher.Emit(Event{Kind: KindTransferFailed, TransferID: t.ID, Status: status})
	return nil
}

// Finalize appends Completed and emits TransferFinalized. A Finalize call
// after the transfer is already terminal is an idempotent no-op, per spec
// section 4.5's rule that a host Finalized message after terminal state is
// ignored.
func (t *Transfer) Finalize(ctx context.Context, byPeer bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state.Terminal() {
		return nil
	}
	if err := t.store.AppendTransferState(ctx, t.ID, storage.TransferCompleted, ""); err != nil {
		return err
	}
	t.state = storage.TransferCompleted
	t.dispatcher.Emit(Event{Kind: KindTransferFinalized, TransferID: t.ID, ByPeer: byPeer})
	return nil
}

// pathBecameTerminal is called by a Path once its own history gains a
// terminal entry. When every registered path is now terminal, the
// transfer as a whole transitions to a terminal state: Failed if any path
// failed, otherwise Cancelled if any path was rejected, otherwise
// Completed (spec section 4.5: "When
// the last non-terminal path reaches terminal, the transfer transitions
// to a terminal state").
func (t *Transfer) pathBecameTerminal(ctx context.Context, byPeer bool) {
	t.mu.Lock()
	allTerminal := true
	anyFailed := false
	anyRejected := false
	for _, p := range t.paths {
		phase := p.LatestPhase()
		if !phase.Terminal() {
			allTerminal = false
			break
		}
		if phase == storage.PhaseFailed {
			anyFailed = true
		}
		if phase == storage.PhaseReject {
			anyRejected = true
		}
	}
	t.mu.Unlock()

	if !allTerminal {
		return
	}
	switch {
	case anyFailed:
		_ = t.Fail(ctx, "one or more files failed")
	case anyRejected:
		_ = t.Cancel(ctx, byPeer)
	default:
		_ = t.Finalize(ctx, byPeer)
	}
}
