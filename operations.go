package drop

import (
	"context"
	"encoding/hex"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/opd-ai/drop/errs"
	"github.com/opd-ai/drop/fileio"
	"github.com/opd-ai/drop/limits"
	"github.com/opd-ai/drop/storage"
	"github.com/opd-ai/drop/transfer"
	"github.com/opd-ai/drop/wire"
)

// NewTransfer is the new_transfer operation (spec section 4.6): it opens a
// path to peerAddr if none exists, hashes each outgoing file's full content
// for later receiver-side verification, persists the transfer and its
// manifest, and announces it to the peer.
func (e *Engine) NewTransfer(ctx context.Context, peerAddr string, files []OutgoingFile) (string, error) {
	if len(files) == 0 {
		return "", errs.New(errs.KindEmptyTransfer, "new_transfer requires at least one file")
	}
	for _, f := range files {
		if err := limits.ValidateRelativePath(f.RelativePath); err != nil {
			return "", errs.Wrap(errs.KindBadPath, err, "new_transfer path %q", f.RelativePath)
		}
	}

	s, err := e.dialSession(ctx, peerAddr, e.connCfg)
	if err != nil {
		return "", err
	}

	transferID := uuid.New().String()
	manifest := make([]wire.FileManifestEntry, 0, len(files))
	pathRecords := make([]storage.PathRecord, 0, len(files))

	for _, f := range files {
		digest, err := e.digestSource(f.Source)
		if err != nil {
			return "", errs.Wrap(errs.KindIoError, err, "hash outgoing file %q", f.RelativePath)
		}
		fileID := fileio.FileID(sourceIdentity(f.Source))
		manifest = append(manifest, wire.FileManifestEntry{FileID: fileID, Path: f.RelativePath, Size: f.Size, Digest: digest})
		pathRecords = append(pathRecords, storage.PathRecord{TransferID: transferID, FileID: fileID, RelativePath: f.RelativePath, Size: f.Size})
		e.setSource(transferID, fileID, f.Source)
	}

	rec := storage.TransferRecord{ID: transferID, Direction: storage.DirectionOutgoing, PeerPublicKey: hex.EncodeToString(s.conn.PeerPublicKey[:])}
	if err := e.store.InsertTransfer(ctx, rec, pathRecords); err != nil {
		return "", err
	}

	t := transfer.NewTransfer(e.store, e.dispatcher, transferID, storage.DirectionOutgoing, rec.PeerPublicKey)
	for i, f := range files {
		p := transfer.NewPath(e.store, e.dispatcher, storage.DirectionOutgoing, transferID, manifest[i].FileID, f.RelativePath, f.Size)
		t.AddPath(p)
	}

	e.mu.Lock()
	e.transfers[transferID] = t
	e.peerByTransfer[transferID] = peerAddr
	e.mu.Unlock()

	if err := t.Activate(ctx); err != nil {
		return "", err
	}
	e.dispatcher.Emit(transfer.Event{Kind: transfer.KindRequestQueued, TransferID: transferID})

	if err := s.conn.SendControl(wire.KindTransferRequest, wire.TransferRequest{ID: transferID, Files: manifest}, "transfer-request:"+transferID); err != nil {
		return transferID, err
	}
	return transferID, nil
}

// digestSource hashes an outgoing file's full content up front, so the
// manifest the receiver gets carries a real content digest rather than
// FileID, which only hashes the sender's local path (spec section 4.2).
func (e *Engine) digestSource(src fileio.Source) (string, error) {
	f, err := fileio.OpenSource(src, e.fdResolver)
	if err != nil {
		return "", err
	}
	defer f.Close()
	return fileio.HashReader(f, e.cfg.ChecksumEventsGranularity, nil)
}

// DownloadFile is the download_file operation: the host accepts one path of
// an incoming transfer, choosing baseDir as its destination directory. A
// second call emits no second FilePending, and a call for a path that is
// already Started returns nil without reopening its working file or
// signalling the sender again (spec section 8).
func (e *Engine) DownloadFile(ctx context.Context, transferID, fileID, baseDir string) error {
	t := e.lookupTransfer(transferID)
	if t == nil {
		return errs.New(errs.KindBadTransfer, "unknown transfer %s", transferID)
	}
	p := t.Path(fileID)
	if p == nil {
		return errs.New(errs.KindBadFile, "unknown file %s in transfer %s", fileID, transferID)
	}
	if p.LatestPhase() == storage.PhaseStarted {
		return nil
	}
	if err := p.Pending(ctx, baseDir); err != nil {
		return err
	}

	if err := fileModeDir(filepath.Join(e.workDir(), transferID)); err != nil {
		return errs.Wrap(errs.KindIoError, err, "create working directory for %s", transferID)
	}
	if err := fileModeDir(baseDir); err != nil {
		return errs.Wrap(errs.KindIoError, err, "create destination directory %q", baseDir)
	}
	w, err := fileio.OpenChunkWriter(e.workingPathFor(transferID, fileID))
	if err != nil {
		return err
	}
	e.setWriter(transferID, fileID, w, baseDir)

	offset := w.Offset()
	if err := p.Start(ctx, offset); err != nil {
		return err
	}

	peerAddr := e.peerFor(transferID)
	s, err := e.dialSession(ctx, peerAddr, e.connCfg)
	if err != nil {
		return err
	}

	if offset == 0 {
		return s.conn.SendControl(wire.KindFileRequest, wire.FileRequest{TransferID: transferID, FileID: fileID, Offset: 0}, "file-request:"+transferID+":"+fileID)
	}

	// Resuming a partial download: stream our own partial bytes through
	// PrefixDigest and report the running digest so the sender can verify
	// it against its source before resuming.
	total := int64(offset)
	start, onProgress, finish := e.checksumHooks(
		transfer.KindVerifyChecksumStarted, transfer.KindVerifyChecksumProgress, transfer.KindVerifyChecksumFinished,
		transferID, fileID, total,
	)
	start()
	digest, err := fileio.PrefixDigest(w.ReaderAt(), total, e.cfg.ChecksumEventsGranularity, onProgress)
	finish()
	if err != nil {
		return errs.Wrap(errs.KindIoError, err, "hash resume prefix for %s/%s", transferID, fileID)
	}
	return s.conn.SendControl(wire.KindReportChecksum, wire.ReportChecksum{TransferID: transferID, FileID: fileID, DigestPrefix: digest}, "report-checksum:"+transferID+":"+fileID)
}

// RejectFile is the reject_file operation: refuses a single path before or
// during transfer and tells the sender so it stops streaming.
func (e *Engine) RejectFile(ctx context.Context, transferID, fileID string) error {
	t := e.lookupTransfer(transferID)
	if t == nil {
		return errs.New(errs.KindBadTransfer, "unknown transfer %s", transferID)
	}
	p := t.Path(fileID)
	if p == nil {
		return errs.New(errs.KindBadFile, "unknown file %s in transfer %s", fileID, transferID)
	}
	if err := p.Reject(ctx, false, p.BytesTransferred()); err != nil {
		return err
	}
	if w := e.writerFor(transferID, fileID); w != nil {
		w.Remove(e.workingPathFor(transferID, fileID))
		e.clearIncoming(transferID, fileID)
	}

	peerAddr := e.peerFor(transferID)
	s, err := e.dialSession(ctx, peerAddr, e.connCfg)
	if err != nil {
		return err
	}
	return s.conn.SendControl(wire.KindFileReject, wire.FileReject{TransferID: transferID, FileID: fileID}, "")
}

// FinalizeTransfer is the finalize_transfer operation: the host has
// observed every path it cares about reach a terminal state and marks the
// transfer as a whole Completed. A call after the transfer is already
// terminal is an idempotent no-op (spec section 4.5).
func (e *Engine) FinalizeTransfer(ctx context.Context, transferID string) error {
	t := e.lookupTransfer(transferID)
	if t == nil {
		return errs.New(errs.KindBadTransfer, "unknown transfer %s", transferID)
	}
	return t.Finalize(ctx, false)
}

// sourceIdentity names the string fileio.FileID hashes: the disk path for a
// SourceDisk, or the content URI for a SourceContentURI, so two distinct
// sources never collide on the same FileID.
func sourceIdentity(src fileio.Source) string {
	if src.Kind == fileio.SourceContentURI {
		return src.ContentURI
	}
	return src.DiskPath
}

func (e *Engine) peerFor(transferID string) string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.peerByTransfer[transferID]
}
