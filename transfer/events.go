// Package transfer implements the per-transfer and per-file state machines
// and the event stream emitted to the host (spec section 4.5 and the
// event-model half of section 1's "core"). Every state append passes
// through storage first; the in-memory state here and the Event handed to
// the host are only ever updated after that append succeeds.
package transfer

import "time"

// Kind names one event the host's EventSink observes. Event payloads carry
// only the fields relevant to Kind; see the field comments below.
type Kind string

const (
	KindRequestQueued    Kind = "RequestQueued"
	KindRequestReceived  Kind = "RequestReceived"
	KindFilePending      Kind = "FilePending"
	KindFileStarted      Kind = "FileStarted"
	KindFileProgress     Kind = "FileProgress"
	KindFileUploaded     Kind = "FileUploaded"
	KindFileDownloaded   Kind = "FileDownloaded"
	KindFileRejected     Kind = "FileRejected"
	KindFileFailed       Kind = "FileFailed"
	KindFileThrottled    Kind = "FileThrottled"
	KindTransferPaused   Kind = "TransferPaused"
	KindTransferFinalized Kind = "TransferFinalized"
	KindTransferFailed   Kind = "TransferFailed"
	KindTransferCancelled Kind = "TransferCancelled"

	KindVerifyChecksumStarted    Kind = "VerifyChecksumStarted"
	KindVerifyChecksumProgress   Kind = "VerifyChecksumProgress"
	KindVerifyChecksumFinished   Kind = "VerifyChecksumFinished"
	KindFinalizeChecksumStarted  Kind = "FinalizeChecksumStarted"
	KindFinalizeChecksumProgress Kind = "FinalizeChecksumProgress"
	KindFinalizeChecksumFinished Kind = "FinalizeChecksumFinished"

	// KindRuntimeError reports an engine-level condition not scoped to one
	// transfer, e.g. RuntimeError(DbLost) from spec section 7.
	KindRuntimeError Kind = "RuntimeError"
)

// Event is the single typed payload delivered to EventSink.OnEvent. Not
// every field applies to every Kind; see each Kind's origin in transfer.go
// / path.go for which fields it populates.
type Event struct {
	Kind       Kind
	TransferID string
	FileID     string

	Offset    uint64 // FileStarted, FileProgress, FileThrottled
	Bytes     uint64 // FileRejected, FileFailed, TransferPaused
	FinalPath string // FileDownloaded
	ByPeer    bool   // FileRejected, TransferFinalized, TransferCancelled
	Status    string // FileFailed, TransferFailed

	Hashed int64 // VerifyChecksum*/FinalizeChecksum* progress
	Total  int64 // VerifyChecksum*/FinalizeChecksum* progress

	Err error // RuntimeError

	At time.Time
}

// EventSink is the host callback that observes the engine's event stream,
// per spec section 6. Its implementation belongs to the embedding
// application; this module only ever calls it.
type EventSink interface {
	OnEvent(Event)
}

// EventSinkFunc adapts a plain function to EventSink.
type EventSinkFunc func(Event)

// OnEvent implements EventSink.
func (f EventSinkFunc) OnEvent(e Event) { f(e) }
