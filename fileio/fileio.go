// Package fileio implements the chunked file reader/writer, digest
// verification, and name-conflict resolution described in spec section
// 4.2: a uniform way to move bytes for a disk path or a host-resolved
// content-URI descriptor, with resumable, integrity-checked transfer.
package fileio

import (
	"crypto/sha256"
	"encoding/base64"

	"github.com/opd-ai/drop/limits"
)

// ChunkSize is the fixed payload size of one wire frame, re-exported from
// limits so callers never need to import both packages for the same
// constant.
const ChunkSize = limits.ChunkSize

// ProgressNotifyThreshold is the minimum number of additional bytes
// accepted before a new Progress event fires, throttling host
// notifications when chunks coalesce faster than ChunkSize steps.
const ProgressNotifyThreshold = limits.ProgressNotifyThreshold

// FileID computes the sender-side file id: url-safe unsigned base64
// (padding stripped) of SHA-256 of the UTF-8 bytes of the absolute path.
// Receivers treat the value as opaque and must never recompute it (spec
// section 3's invariant).
func FileID(absolutePath string) string {
	sum := sha256.Sum256([]byte(absolutePath))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// ProgressThrottle decides whether a newly accepted byte offset warrants a
// host progress notification, given the offset last reported. It is not
// safe for concurrent use; callers serialize it behind the same per-path
// mutex that serializes byte-level actions (spec section 4.5).
type ProgressThrottle struct {
	lastReported uint64
	reportedAny  bool
}

// ShouldNotify reports whether offset has advanced far enough past the
// last reported offset to justify a Progress event, and if so, records
// offset as the new baseline.
func (p *ProgressThrottle) ShouldNotify(offset uint64) bool {
	if !p.reportedAny || offset-p.lastReported >= ProgressNotifyThreshold {
		p.lastReported = offset
		p.reportedAny = true
		return true
	}
	return false
}
