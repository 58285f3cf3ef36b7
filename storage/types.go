// Package storage is the durable record of transfers and their paths: the
// relational store every externally observable event is written to before
// it is ever emitted to a host, per the engine's data-flow order storage ->
// fileio -> authproto -> connection -> transfer -> engine.
package storage

import "time"

// Direction distinguishes a transfer the local peer is receiving from one
// it is sending, since the two sides have different path-state machines
// (spec section 4.5) and therefore different state-history tables.
type Direction string

const (
	DirectionIncoming Direction = "incoming"
	DirectionOutgoing Direction = "outgoing"
)

// TransferState is the coarse lifecycle of an entire transfer, independent
// of any single path's progress.
type TransferState string

const (
	TransferPending   TransferState = "pending"
	TransferActive    TransferState = "active"
	TransferCancelled TransferState = "cancelled"
	TransferFailed    TransferState = "failed"
	TransferCompleted TransferState = "completed"
)

// Terminal reports whether no further TransferState transition is valid.
func (s TransferState) Terminal() bool {
	switch s {
	case TransferCancelled, TransferFailed, TransferCompleted:
		return true
	default:
		return false
	}
}

// PathPhase names one state-history table for a path in a given Direction.
// Incoming paths use all six; outgoing paths have no Pending phase since a
// sender never waits in a base-dir-selection state (spec section 4.5).
type PathPhase string

const (
	PhasePending   PathPhase = "pending"
	PhaseStarted   PathPhase = "started"
	PhasePaused    PathPhase = "paused"
	PhaseFailed    PathPhase = "failed"
	PhaseCompleted PathPhase = "completed"
	PhaseReject    PathPhase = "reject"
)

// Terminal reports whether no further PathPhase transition is valid for the
// path this event was appended to.
func (p PathPhase) Terminal() bool {
	switch p {
	case PhaseCompleted, PhaseFailed, PhaseReject:
		return true
	default:
		return false
	}
}

// TransferRecord is one row of the transfers table.
type TransferRecord struct {
	ID            string
	Direction     Direction
	PeerPublicKey string
	IsDeleted     bool
	CreatedAt     time.Time
}

// PathRecord is one row of the incoming_paths/outgoing_paths table, keyed
// by (TransferID, FileID).
type PathRecord struct {
	TransferID       string
	FileID           string
	RelativePath     string
	Size             uint64
	BytesTransferred uint64
	IsDeleted        bool
	CreatedAt        time.Time
}

// PathStateEvent appends one row to the state-history table selected by
// (Direction, Phase). Only the fields relevant to Phase are read; see
// schema.go for which columns each phase's table has.
type PathStateEvent struct {
	TransferID string
	FileID     string
	Phase      PathPhase

	BaseDir   string // Pending
	Offset    uint64 // Started
	Bytes     uint64 // Paused, Failed, Reject
	Status    string // Failed
	FinalPath string // Completed
	ByPeer    bool   // Reject
}

// LivePath is a path joined with its most recent state, returned by
// LoadLive for reconnect reconciliation.
type LivePath struct {
	PathRecord
	Direction   Direction
	LatestPhase PathPhase
}

// LiveTransfer is a non-terminal, non-deleted transfer with its paths, as
// loaded on reconnect so the engine can resume where it left off.
type LiveTransfer struct {
	TransferRecord
	State TransferState
	Paths []LivePath
}
