package fileio

import (
	"os"

	"github.com/opd-ai/drop/errs"
	"github.com/sirupsen/logrus"
)

// ChunkWriter is the receiver side of a path: a resumable writer that
// appends sequential chunks to a partial file at dest, enforcing that
// every write lands exactly at the current offset (bytes on the wire for
// one path arrive in offset order, per spec section 5).
type ChunkWriter struct {
	f      *os.File
	offset int64
	logger *logrus.Entry
}

// OpenChunkWriter opens (creating if absent) dest for resumable writing.
// The file's current size becomes the writer's starting offset, so callers
// resuming a partial download should have already verified that prefix's
// digest before calling this.
func OpenChunkWriter(dest string) (*ChunkWriter, error) {
	f, err := os.OpenFile(dest, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, errs.Wrap(errs.KindIoError, err, "open destination %q", dest)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, errs.Wrap(errs.KindIoError, err, "stat destination %q", dest)
	}
	return &ChunkWriter{
		f:      f,
		offset: info.Size(),
		logger: logrus.WithFields(logrus.Fields{
			"package": "fileio",
			"type":    "ChunkWriter",
			"dest":    dest,
		}),
	}, nil
}

// Offset returns the number of bytes durably written so far.
func (w *ChunkWriter) Offset() uint64 { return uint64(w.offset) }

// WriteAt appends a chunk that must start exactly at the writer's current
// offset; any other offset is a protocol violation from a misbehaving or
// confused peer.
func (w *ChunkWriter) WriteAt(offset uint64, payload []byte) error {
	if int64(offset) != w.offset {
		return errs.New(errs.KindBadTransferState, "out-of-order chunk: writer at %d, got offset %d", w.offset, offset)
	}
	n, err := w.f.WriteAt(payload, w.offset)
	if err != nil {
		return errs.Wrap(errs.KindIoError, err, "write %d bytes at offset %d", len(payload), w.offset)
	}
	w.offset += int64(n)
	return nil
}

// Truncate discards everything at and after offset, used to restart a
// resumed download from zero when the sender reports that the partial
// file's prefix digest does not match its source.
func (w *ChunkWriter) Truncate(offset uint64) error {
	if err := w.f.Truncate(int64(offset)); err != nil {
		return errs.Wrap(errs.KindIoError, err, "truncate to %d", offset)
	}
	w.offset = int64(offset)
	return nil
}

// ReaderAt exposes the underlying file for prefix-digest hashing without
// disturbing the write offset.
func (w *ChunkWriter) ReaderAt() *os.File { return w.f }

// Close releases the underlying file handle.
func (w *ChunkWriter) Close() error { return w.f.Close() }

// Remove closes and deletes the partial file, used when a rejected or
// permanently failed transfer's temp data must not linger (spec section
// 4.5's cancellation cleanup rules).
func (w *ChunkWriter) Remove(path string) error {
	w.f.Close()
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return errs.Wrap(errs.KindIoError, err, "remove %q", path)
	}
	return nil
}
