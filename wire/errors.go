package wire

import "errors"

// ErrFrameCorrupt wraps every reason DecodeFrame rejects a binary frame: wrong
// length, failed checksum, or a field that overruns the buffer it was
// parsed from.
var ErrFrameCorrupt = errors.New("wire: corrupt frame")
