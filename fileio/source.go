package fileio

import (
	"fmt"
	"io"
	"os"
)

// SourceKind tags which variant of Source a path carries, per the design
// note in spec section 9: disk path and content URI are expressed as a
// tagged union with behavior attached to each variant, not a base-class
// hierarchy.
type SourceKind uint8

const (
	// SourceDisk names a plain filesystem path the local process can
	// os.Open directly.
	SourceDisk SourceKind = iota
	// SourceContentURI names an opaque URI (e.g. an Android content://
	// URI) that only the host application can resolve to a descriptor.
	SourceContentURI
)

// Source identifies where an outgoing path's bytes come from.
type Source struct {
	Kind       SourceKind
	DiskPath   string // valid when Kind == SourceDisk
	ContentURI string // valid when Kind == SourceContentURI
}

// FdResolver is the host callback that resolves an opaque content URI to a
// readable, seekable file descriptor. Its implementation is explicitly out
// of scope (spec section 1): it is platform-specific I/O the host supplies
// (e.g. Android's ContentResolver), named here only as the interface this
// engine calls through.
type FdResolver interface {
	OnFd(contentURI string) (*os.File, error)
}

// ReadSeekCloser is the capability OpenSource guarantees regardless of
// source kind: random access for resume and re-stat, with a single Close.
type ReadSeekCloser interface {
	io.ReadSeekCloser
}

// OpenSource opens src for reading, dispatching on its Kind. A
// SourceContentURI requires a non-nil resolver; the out-of-scope host
// callback owns descriptor lifetime semantics beyond the *os.File it
// returns.
func OpenSource(src Source, resolver FdResolver) (ReadSeekCloser, error) {
	switch src.Kind {
	case SourceDisk:
		f, err := os.Open(src.DiskPath)
		if err != nil {
			return nil, fmt.Errorf("open disk source %q: %w", src.DiskPath, err)
		}
		return f, nil
	case SourceContentURI:
		if resolver == nil {
			return nil, fmt.Errorf("content uri source %q: no FdResolver configured", src.ContentURI)
		}
		f, err := resolver.OnFd(src.ContentURI)
		if err != nil {
			return nil, fmt.Errorf("resolve content uri %q: %w", src.ContentURI, err)
		}
		return f, nil
	default:
		return nil, fmt.Errorf("unknown source kind %d", src.Kind)
	}
}
