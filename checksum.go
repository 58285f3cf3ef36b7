package drop

import "github.com/opd-ai/drop/transfer"

// checksumHooks builds the Started/Finished emitters and the progress
// callback for one checksum pass over a file of the given total length,
// gated on Config.ChecksumEventsSizeThreshold: below that size a file
// hashes fast enough that granular progress only adds noise, so all three
// become no-ops and onProgress is nil.
func (e *Engine) checksumHooks(started, progressKind, finished transfer.Kind, transferID, fileID string, total int64) (start func(), onProgress func(hashed int64), finish func()) {
	if total < e.cfg.ChecksumEventsSizeThreshold {
		return func() {}, nil, func() {}
	}
	start = func() {
		e.dispatcher.Emit(transfer.Event{Kind: started, TransferID: transferID, FileID: fileID, Total: total})
	}
	onProgress = func(hashed int64) {
		e.dispatcher.Emit(transfer.Event{Kind: progressKind, TransferID: transferID, FileID: fileID, Hashed: hashed, Total: total})
	}
	finish = func() {
		e.dispatcher.Emit(transfer.Event{Kind: finished, TransferID: transferID, FileID: fileID, Hashed: total, Total: total})
	}
	return start, onProgress, finish
}
