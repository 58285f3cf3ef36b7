// Package limits provides centralized size and path limits for the transfer
// engine. This ensures consistent validation across FileIO, the transfer
// state machines, and the connection wire protocol.
package limits

import (
	"errors"
	"fmt"
	"unicode/utf8"
)

const (
	// ChunkSize is the fixed payload size of a binary wire frame.
	ChunkSize = 256 * 1024

	// ProgressNotifyThreshold throttles host progress notifications so they
	// fire no more than once per this many additional accepted bytes, even
	// when chunks coalesce in caches and arrive faster than ChunkSize steps.
	ProgressNotifyThreshold = 64 * 1024

	// MaxPathComponentChars is the maximum length, in UTF-8 characters, of a
	// single path component within a transfer. Components longer than this
	// fail synchronously with BadPath; the full path's length is not checked.
	MaxPathComponentChars = 250

	// DefaultChecksumEventsSizeThreshold is the default minimum file size,
	// in bytes, before FinalizeChecksumStarted/Progress/Finished and
	// VerifyChecksumStarted/Progress/Finished events are emitted. Smaller
	// files hash fast enough that granular progress is not useful.
	DefaultChecksumEventsSizeThreshold = 1024 * 1024

	// DefaultChecksumEventsGranularity is the default number of bytes hashed
	// between successive checksum progress events, for files at or above
	// the size threshold.
	DefaultChecksumEventsGranularity = 4 * 1024 * 1024

	// DefaultDirDepthLimit bounds how many directory levels a transfer may
	// recurse into when the host enumerates a directory source.
	DefaultDirDepthLimit = 32

	// DefaultTransferFileLimit bounds how many paths a single transfer may
	// contain.
	DefaultTransferFileLimit = 4096

	// MaxProcessingBuffer is the absolute maximum size of any single frame
	// payload accepted off the wire, independent of ChunkSize, as a defense
	// against a peer that lies about frame length.
	MaxProcessingBuffer = ChunkSize + 4096
)

var (
	// ErrMessageEmpty indicates an empty message or path was provided.
	ErrMessageEmpty = errors.New("empty value")

	// ErrMessageTooLarge indicates a value exceeds its maximum size.
	ErrMessageTooLarge = errors.New("value too large")

	// ErrBadPath indicates a path component is malformed: empty, containing
	// "..", or exceeding MaxPathComponentChars.
	ErrBadPath = errors.New("bad path")
)

// ValidateMessageSize validates a byte slice against the specified maximum size.
func ValidateMessageSize(message []byte, maxSize int) error {
	if len(message) == 0 {
		return ErrMessageEmpty
	}
	if len(message) > maxSize {
		return fmt.Errorf("%w: %d bytes exceeds limit of %d", ErrMessageTooLarge, len(message), maxSize)
	}
	return nil
}

// ValidateFrame validates an inbound binary wire frame payload.
func ValidateFrame(payload []byte) error {
	if len(payload) == 0 {
		return ErrMessageEmpty
	}
	if len(payload) > MaxProcessingBuffer {
		return fmt.Errorf("%w: %d bytes exceeds limit of %d", ErrMessageTooLarge, len(payload), MaxProcessingBuffer)
	}
	return nil
}

// ValidatePathComponent rejects a path component that is empty, equal to
// "..", or longer than MaxPathComponentChars UTF-8 characters.
func ValidatePathComponent(component string) error {
	if component == "" || component == "." || component == ".." {
		return fmt.Errorf("%w: %q", ErrBadPath, component)
	}
	if n := utf8.RuneCountInString(component); n > MaxPathComponentChars {
		return fmt.Errorf("%w: component is %d characters, limit is %d", ErrBadPath, n, MaxPathComponentChars)
	}
	return nil
}

// ValidateRelativePath splits a transfer-relative path on "/" and validates
// every component.
func ValidateRelativePath(relativePath string) error {
	if relativePath == "" {
		return fmt.Errorf("%w: empty relative path", ErrBadPath)
	}
	start := 0
	for i := 0; i <= len(relativePath); i++ {
		if i == len(relativePath) || relativePath[i] == '/' {
			if err := ValidatePathComponent(relativePath[start:i]); err != nil {
				return err
			}
			start = i + 1
		}
	}
	return nil
}
