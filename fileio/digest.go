package fileio

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
)

// HashReader streams r through SHA-256, invoking onProgress (if non-nil)
// every time at least granularity additional bytes have been hashed. It
// backs both the resume digest protocol (hashing a receiver's partial
// bytes) and final verification (hashing the fully received file), per
// spec section 4.2; callers emit VerifyChecksum*/FinalizeChecksum* events
// around and via this call.
func HashReader(r io.Reader, granularity int64, onProgress func(hashed int64)) (string, error) {
	h := sha256.New()
	if granularity <= 0 {
		granularity = 1 << 62 // effectively disables intermediate progress
	}

	buf := make([]byte, 64*1024)
	var total, sinceReport int64
	for {
		n, err := r.Read(buf)
		if n > 0 {
			h.Write(buf[:n])
			total += int64(n)
			sinceReport += int64(n)
			if onProgress != nil && sinceReport >= granularity {
				onProgress(total)
				sinceReport = 0
			}
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", fmt.Errorf("hash reader: %w", err)
		}
	}
	if onProgress != nil && sinceReport > 0 {
		onProgress(total)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// PrefixDigest hashes exactly the first length bytes readable from r (an
// io.ReaderAt opened at offset 0), used by the receiver to report its
// running digest over its current partial bytes before a resume, per the
// ReportChecksum control message.
func PrefixDigest(r io.ReaderAt, length int64, granularity int64, onProgress func(hashed int64)) (string, error) {
	return HashReader(io.NewSectionReader(r, 0, length), granularity, onProgress)
}

// VerifyPrefix reports whether the first length bytes of source hash to
// wantHex, the digest the sender compares its own source's matching
// prefix against before deciding to resume or restart from zero.
func VerifyPrefix(source io.ReaderAt, length int64, wantHex string, granularity int64, onProgress func(hashed int64)) (bool, error) {
	got, err := PrefixDigest(source, length, granularity, onProgress)
	if err != nil {
		return false, err
	}
	return got == wantHex, nil
}
