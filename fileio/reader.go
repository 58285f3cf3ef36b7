package fileio

import (
	"fmt"
	"io"
	"os"

	"github.com/opd-ai/drop/errs"
	"github.com/sirupsen/logrus"
)

// ChunkReader is the sender side of a path: a fixed-size chunked reader
// over a Source that re-stats the underlying file at every chunk boundary
// to detect modification mid-transfer (spec section 4.2).
type ChunkReader struct {
	src         ReadSeekCloser
	diskPath    string // non-empty only for SourceDisk, used for re-stat
	declaredLen int64
	offset      int64

	logger *logrus.Entry
}

// NewChunkReader opens src at the given resume offset and records the
// declared size the sender announced in the manifest, used to detect a
// size change on every subsequent chunk boundary.
func NewChunkReader(source Source, resolver FdResolver, declaredSize uint64, resumeOffset uint64) (*ChunkReader, error) {
	f, err := OpenSource(source, resolver)
	if err != nil {
		return nil, err
	}
	if resumeOffset > 0 {
		if _, err := f.Seek(int64(resumeOffset), io.SeekStart); err != nil {
			f.Close()
			return nil, fmt.Errorf("seek to resume offset %d: %w", resumeOffset, err)
		}
	}
	return &ChunkReader{
		src:         f,
		diskPath:    source.DiskPath,
		declaredLen: int64(declaredSize),
		offset:      int64(resumeOffset),
		logger: logrus.WithFields(logrus.Fields{
			"package": "fileio",
			"type":    "ChunkReader",
		}),
	}, nil
}

// Close releases the underlying descriptor.
func (c *ChunkReader) Close() error { return c.src.Close() }

// Offset returns the number of bytes read so far (== the next chunk's
// starting offset).
func (c *ChunkReader) Offset() uint64 { return uint64(c.offset) }

// checkModified re-stats the disk source (a no-op for content-URI sources,
// whose size the host resolver already committed to when it handed back
// the descriptor) and reports whether the declared size has changed.
func (c *ChunkReader) checkModified() error {
	if c.diskPath == "" {
		return nil
	}
	info, err := os.Stat(c.diskPath)
	if err != nil {
		return errs.Wrap(errs.KindIoError, err, "re-stat %q", c.diskPath)
	}
	if info.Size() != c.declaredLen {
		return errs.New(errs.KindMismatchedSize, "source %q size changed %d -> %d", c.diskPath, c.declaredLen, info.Size())
	}
	return nil
}

// Next reads the next chunk (up to ChunkSize bytes), re-stating the source
// first to catch a size change before trusting its bytes. Returns
// io.EOF once the declared size has been fully read.
func (c *ChunkReader) Next() ([]byte, error) {
	if c.offset >= c.declaredLen {
		return nil, io.EOF
	}
	if err := c.checkModified(); err != nil {
		return nil, err
	}

	want := c.declaredLen - c.offset
	if want > ChunkSize {
		want = ChunkSize
	}
	buf := make([]byte, want)
	n, err := io.ReadFull(c.src, buf)
	if err != nil && err != io.ErrUnexpectedEOF {
		return nil, errs.Wrap(errs.KindIoError, err, "read chunk at offset %d", c.offset)
	}
	if int64(n) < want {
		return nil, errs.New(errs.KindFileModified, "source shrank while reading: wanted %d bytes at offset %d, got %d", want, c.offset, n)
	}
	c.offset += int64(n)
	return buf[:n], nil
}
