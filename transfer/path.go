package transfer

import (
	"context"
	"sync"

	"github.com/opd-ai/drop/errs"
	"github.com/opd-ai/drop/fileio"
	"github.com/opd-ai/drop/storage"
	"github.com/sirupsen/logrus"
)

// Path owns one file entry's byte-level state machine (spec section 4.5).
// A receiver path runs Pending -> Started -> {Completed, Failed, Rejected,
// Paused}; a sender path skips Pending and starts directly at Started. A
// per-path mutex serialises every byte-level action so concurrent chunk
// delivery and a host-issued reject/cancel never interleave inconsistently.
type Path struct {
	FileID       string
	TransferID   string
	RelativePath string
	Size         uint64

	store      *storage.Store
	dispatcher *Dispatcher
	dir        storage.Direction
	transfer   *Transfer

	mu          sync.Mutex
	latestPhase storage.PathPhase
	bytes       uint64
	throttle    fileio.ProgressThrottle

	logger *logrus.Entry
}

// NewPath constructs the in-memory controller for a path already persisted
// via InsertTransfer. Callers register it on a Transfer with AddPath.
func NewPath(store *storage.Store, dispatcher *Dispatcher, dir storage.Direction, transferID, fileID, relativePath string, size uint64) *Path {
	return &Path{
		FileID:       fileID,
		TransferID:   transferID,
		RelativePath: relativePath,
		Size:         size,
		store:        store,
		dispatcher:   dispatcher,
		dir:          dir,
		logger: logrus.WithFields(logrus.Fields{
			"package":     "transfer",
			"transfer_id": transferID,
			"file_id":     fileID,
		}),
	}
}

// LatestPhase returns the path's most recent state-history phase.
func (p *Path) LatestPhase() storage.PathPhase {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.latestPhase
}

// BytesTransferred returns the path's last known cumulative byte count.
func (p *Path) BytesTransferred() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.bytes
}

// terminalErrLocked maps an already-terminal phase to the named error a
// caller's attempted action must fail with (spec section 4.5: a terminal
// file cannot be re-downloaded; the attempt fails with FileRejected /
// FileFailed / FileFinished respectively). Caller holds p.mu.
func (p *Path) terminalErrLocked() error {
	switch p.latestPhase {
	case storage.PhaseReject:
		return errs.New(errs.KindFileRejected, "path %s/%s already rejected", p.TransferID, p.FileID)
	case storage.PhaseFailed:
		return errs.New(errs.KindFileFailed, "path %s/%s already failed", p.TransferID, p.FileID)
	case storage.PhaseCompleted:
		return errs.New(errs.KindFileFinished, "path %s/%s already finished", p.TransferID, p.FileID)
	default:
		return nil
	}
}

// Pending is the receiver's download_file entry point: idempotently emits
// FilePending exactly once for a given (transfer, file) pair, records
// baseDir (creating the destination directory is left to the caller), and
// leaves the path ready for the sender's FileRequest.
// A second call on an already-pending-or-later path is a silent no-op, per
// spec section 8's idempotence property.
func (p *Path) Pending(ctx context.Context, baseDir string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.terminalErrLocked(); err != nil {
		return err
	}
	if p.latestPhase != "" {
		return nil // already pending or further along: idempotent no-op
	}

	if err := p.store.AppendPathState(ctx, p.dir, storage.PathStateEvent{
		TransferID: p.TransferID, FileID: p.FileID, Phase: storage.PhasePending, BaseDir: baseDir,
	}); err != nil {
		return err
	}
	p.latestPhase = storage.PhasePending
	p.dispatcher.Emit(Event{Kind: KindFilePending, TransferID: p.TransferID, FileID: p.FileID})
	return nil
}

// Start appends Started(offset) and emits FileStarted, valid from no prior
// history (sender) or Pending/Paused (receiver resuming).
func (p *Path) Start(ctx context.Context, offset uint64) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.terminalErrLocked(); err != nil {
		return err
	}
	if err := p.store.AppendPathState(ctx, p.dir, storage.PathStateEvent{
		TransferID: p.TransferID, FileID: p.FileID, Phase: storage.PhaseStarted, Offset: offset,
	}); err != nil {
		return err
	}
	p.latestPhase = storage.PhaseStarted
	p.bytes = offset
	p.throttle = fileio.ProgressThrottle{}
	p.dispatcher.Emit(Event{Kind: KindFileStarted, TransferID: p.TransferID, FileID: p.FileID, Offset: offset})
	return nil
}

// Progress records newly accepted bytes, persisting the cumulative counter
// and emitting a throttled FileProgress event no more than once per
// fileio.ProgressNotifyThreshold additional bytes (spec section 4.2).
func (p *Path) Progress(ctx context.Context, offset uint64) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.latestPhase != storage.PhaseStarted {
		return errs.New(errs.KindBadTransferState, "path %s/%s not in Started phase (%s)", p.TransferID, p.FileID, p.latestPhase)
	}
	if offset < p.bytes {
		return errs.New(errs.KindMismatchedSize, "path %s/%s progress went backwards: %d -> %d", p.TransferID, p.FileID, p.bytes, offset)
	}
	p.bytes = offset
	if !p.throttle.ShouldNotify(offset) {
		return nil
	}
	if err := p.store.UpdatePathBytes(ctx, p.dir, p.TransferID, p.FileID, offset); err != nil {
		return err
	}
	p.dispatcher.Emit(Event{Kind: KindFileProgress, TransferID: p.TransferID, FileID: p.FileID, Offset: offset})
	return nil
}

// Complete appends Completed(finalPath) and emits the direction-specific
// terminal success event: FileUploaded for a sender path, FileDownloaded
// (with finalPath) for a receiver path.
func (p *Path) Complete(ctx context.Context, finalPath string) error {
	p.mu.Lock()
	if err := p.terminalErrLocked(); err != nil {
		p.mu.Unlock()
		return err
	}
	if err := p.store.AppendPathState(ctx, p.dir, storage.PathStateEvent{
		TransferID: p.TransferID, FileID: p.FileID, Phase: storage.PhaseCompleted, FinalPath: finalPath,
	}); err != nil {
		p.mu.Unlock()
		return err
	}
	p.latestPhase = storage.PhaseCompleted

	kind := KindFileUploaded
	if p.dir == storage.DirectionIncoming {
		kind = KindFileDownloaded
	}
	p.dispatcher.Emit(Event{Kind: kind, TransferID: p.TransferID, FileID: p.FileID, FinalPath: finalPath})
	transfer := p.transfer
	p.mu.Unlock()

	if transfer != nil {
		transfer.pathBecameTerminal(ctx, false)
	}
	return nil
}

// Reject appends Rejected(byPeer, bytes) and emits FileRejected, unless the
// path is already terminal, in which case it is a silent no-op so at most
// one FileRejected is ever observed per path (spec section 4.5).
func (p *Path) Reject(ctx context.Context, byPeer bool, bytes uint64) error {
	p.mu.Lock()
	if p.latestPhase.Terminal() {
		p.mu.Unlock()
		return nil
	}
	if err := p.store.AppendPathState(ctx, p.dir, storage.PathStateEvent{
		TransferID: p.TransferID, FileID: p.FileID, Phase: storage.PhaseReject, ByPeer: byPeer, Bytes: bytes,
	}); err != nil {
		p.mu.Unlock()
		return err
	}
	p.latestPhase = storage.PhaseReject
	p.bytes = bytes
	p.dispatcher.Emit(Event{Kind: KindFileRejected, TransferID: p.TransferID, FileID: p.FileID, ByPeer: byPeer, Bytes: bytes})
	transfer := p.transfer
	p.mu.Unlock()

	if transfer != nil {
		transfer.pathBecameTerminal(ctx, byPeer)
	}
	return nil
}

// Fail appends Failed(status, bytes) and emits FileFailed.
func (p *Path) Fail(ctx context.Context, status string, bytes uint64) error {
	p.mu.Lock()
	if p.latestPhase.Terminal() {
		p.mu.Unlock()
		return nil
	}
	if err := p.store.AppendPathState(ctx, p.dir, storage.PathStateEvent{
		TransferID: p.TransferID, FileID: p.FileID, Phase: storage.PhaseFailed, Status: status, Bytes: bytes,
	}); err != nil {
		p.mu.Unlock()
		return err
	}
	p.latestPhase = storage.PhaseFailed
	p.bytes = bytes
	p.dispatcher.Emit(Event{Kind: KindFileFailed, TransferID: p.TransferID, FileID: p.FileID, Status: status, Bytes: bytes})
	transfer := p.transfer
	p.mu.Unlock()

	if transfer != nil {
		transfer.pathBecameTerminal(ctx, false)
	}
	return nil
}

// Pause appends Paused(bytes) -- a non-terminal phase reachable from
// Started and returnable to Started -- and emits TransferPaused, used once
// per in-flight path while a Connection is reconnecting (spec section
// 4.4) or draining at stop() (spec section 5).
func (p *Path) Pause(ctx context.Context, bytes uint64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.latestPhase.Terminal() {
		return nil
	}
	if err := p.store.AppendPathState(ctx, p.dir, storage.PathStateEvent{
		TransferID: p.TransferID, FileID: p.FileID, Phase: storage.PhasePaused, Bytes: bytes,
	}); err != nil {
		return err
	}
	p.latestPhase = storage.PhasePaused
	p.bytes = bytes
	p.dispatcher.Emit(Event{Kind: KindTransferPaused, TransferID: p.TransferID, FileID: p.FileID, Bytes: bytes})
	return nil
}

// Throttled emits FileThrottled when max_uploads_in_flight admission holds
// a sender path back from starting, carrying its last known offset.
func (p *Path) Throttled() {
	p.mu.Lock()
	offset := p.bytes
	p.mu.Unlock()
	p.dispatcher.Emit(Event{Kind: KindFileThrottled, TransferID: p.TransferID, FileID: p.FileID, Offset: offset})
}
