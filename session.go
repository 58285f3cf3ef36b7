package drop

import (
	"context"
	"encoding/hex"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/drop/authproto"
	"github.com/opd-ai/drop/connection"
	"github.com/opd-ai/drop/crypto"
	"github.com/opd-ai/drop/errs"
	"github.com/opd-ai/drop/fileio"
	"github.com/opd-ai/drop/storage"
	"github.com/opd-ai/drop/transfer"
	"github.com/opd-ai/drop/wire"
)

// resumeDigestMismatchStatus is the FileError status the sender reports
// when the receiver's resume-prefix digest doesn't match its own matching
// prefix. The receiver answers by discarding its partial and restarting
// the path from offset zero rather than treating this as terminal.
const resumeDigestMismatchStatus = "resume digest mismatch"

// session binds one connection.Connection to the peer address it talks to,
// dispatching inbound control messages and binary frames into the
// transfer/storage operations that give them meaning. A Connection only
// knows about frames and envelopes; a session is where the wire protocol
// meets the state machines (spec sections 4.4/4.5 meeting at 4.6).
type session struct {
	engine   *Engine
	peerAddr string
	conn     *connection.Connection
	handle   uuid.UUID
	logger   *logrus.Entry
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// handleUpgrade is the http.HandlerFunc Start registers at wire.UpgradePath
// to accept an inbound Connection (spec section 4.3's responder side).
func (e *Engine) handleUpgrade(w http.ResponseWriter, r *http.Request, localKey *crypto.KeyPair, verifier *authproto.Verifier, ccfg connection.Config) {
	peerAddr := r.RemoteAddr
	s := &session{engine: e, peerAddr: peerAddr, logger: logrus.WithFields(logrus.Fields{
		"package": "drop", "role": "responder", "peer": peerAddr,
	})}

	conn, err := connection.Accept(w, r, upgrader, localKey, verifier, ccfg, e.admission, connection.Handlers{
		OnControl: s.onControl,
		OnFrame:   s.onFrame,
		OnClose:   s.onClose,
	})
	if err != nil {
		s.logger.WithError(err).Warn("inbound handshake failed")
		return
	}
	s.conn = conn
	s.handle = e.registry.Register(conn)

	e.mu.Lock()
	e.sessionsByPeer[peerAddr] = s
	e.mu.Unlock()
}

// dialSession opens an outbound Connection to addr, authenticating peerAddr
// via the KeyStore, and registers the resulting session. Used by
// NewTransfer and by the reconnect loop.
func (e *Engine) dialSession(ctx context.Context, peerAddr string, ccfg connection.Config) (*session, error) {
	e.mu.Lock()
	if existing, ok := e.sessionsByPeer[peerAddr]; ok {
		e.mu.Unlock()
		return existing, nil
	}
	localKey := e.identityKey
	e.mu.Unlock()
	if localKey == nil {
		return nil, errs.New(errs.KindBadTransferState, "engine not started")
	}
	peerPub, err := e.keys.OnPubkey(peerAddr)
	if err != nil {
		return nil, errs.Wrap(errs.KindAuthenticationFailed, err, "resolve public key for %s", peerAddr)
	}

	s := &session{engine: e, peerAddr: peerAddr, logger: logrus.WithFields(logrus.Fields{
		"package": "drop", "role": "initiator", "peer": peerAddr,
	})}
	conn, err := connection.Dial(ctx, "ws://"+peerAddr, localKey, peerPub, ccfg, e.admission, connection.Handlers{
		OnControl: s.onControl,
		OnFrame:   s.onFrame,
		OnClose:   s.onClose,
	})
	if err != nil {
		return nil, err
	}
	s.conn = conn
	s.handle = e.registry.Register(conn)

	e.mu.Lock()
	e.sessionsByPeer[peerAddr] = s
	if _, ok := e.backoffsByPeer[peerAddr]; !ok {
		e.backoffsByPeer[peerAddr] = connection.NewBackoff(ccfg, crypto.DefaultTimeProvider{})
	}
	e.mu.Unlock()
	return s, nil
}

func (s *session) onClose(err error) {
	e := s.engine
	e.mu.Lock()
	delete(e.sessionsByPeer, s.peerAddr)
	e.mu.Unlock()
	e.registry.Unregister(s.handle)
	e.admission.Forget(string(s.conn.PeerPublicKey[:]))
	if err == nil {
		return // clean local Close (e.g. Engine.Stop), not a loss to react to
	}
	s.logger.WithError(err).Warn("connection closed")
	e.handleUnexpectedClose(s.peerAddr)
}

// handleUnexpectedClose reacts to a non-clean Connection loss: every
// non-terminal path this engine was driving with peerAddr is paused, then
// -- if this engine knows how to dial peerAddr back (it originated at
// least one outbound session to it) -- a reconnect task runs the burst
// retry schedule until it succeeds or Stop cancels the engine's run
// context.
func (e *Engine) handleUnexpectedClose(peerAddr string) {
	ctx := context.Background()
	e.mu.Lock()
	var owned []*transfer.Transfer
	for id, addr := range e.peerByTransfer {
		if addr != peerAddr {
			continue
		}
		if t, ok := e.transfers[id]; ok {
			owned = append(owned, t)
		}
	}
	runCtx := e.runCtx
	backoff, canRedial := e.backoffsByPeer[peerAddr]
	e.mu.Unlock()

	for _, t := range owned {
		for _, p := range t.Paths() {
			if !p.LatestPhase().Terminal() {
				p.Pause(ctx, p.BytesTransferred())
			}
		}
	}

	if runCtx == nil || !canRedial {
		return
	}
	e.wg.Add(1)
	go e.reconnectLoop(runCtx, peerAddr, backoff)
}

// reconnectLoop steps Backoff through a burst-retry schedule against
// peerAddr: MaxAttempts dials spaced by NextDelay's doubling delay, then a
// WaitBetweenBursts pause before the next burst, repeating until a session
// is re-established or ctx is cancelled.
func (e *Engine) reconnectLoop(ctx context.Context, peerAddr string, backoff *connection.Backoff) {
	defer e.wg.Done()
	for {
		for attempt := 0; attempt < backoff.MaxAttempts(); attempt++ {
			timer := time.NewTimer(backoff.NextDelay(attempt))
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
				return
			}
			if _, err := e.dialSession(ctx, peerAddr, e.connCfg); err == nil {
				return
			}
		}
		if err := backoff.WaitBetweenBursts(ctx); err != nil {
			return
		}
	}
}

// onControl dispatches one decoded text-frame Envelope to the operation it
// names (spec section 6's control-message list).
func (s *session) onControl(env wire.Envelope) {
	ctx := context.Background()
	e := s.engine

	switch env.Kind {
	case wire.KindTransferRequest:
		var req wire.TransferRequest
		if err := wire.DecodePayload(env, &req); err != nil {
			s.logger.WithError(err).Warn("malformed TransferRequest")
			return
		}
		s.handleTransferRequest(ctx, req)

	case wire.KindTransferReject:
		var msg wire.TransferReject
		if err := wire.DecodePayload(env, &msg); err == nil {
			if t := e.lookupTransfer(msg.ID); t != nil {
				t.Cancel(ctx, true)
			}
		}

	case wire.KindTransferCancel:
		var msg wire.TransferCancel
		if err := wire.DecodePayload(env, &msg); err == nil {
			if t := e.lookupTransfer(msg.ID); t != nil {
				t.Cancel(ctx, true)
			}
		}

	case wire.KindFileRequest:
		var msg wire.FileRequest
		if err := wire.DecodePayload(env, &msg); err != nil {
			s.logger.WithError(err).Warn("malformed FileRequest")
			return
		}
		s.handleFileRequest(ctx, msg)

	case wire.KindFileReject:
		var msg wire.FileReject
		if err := wire.DecodePayload(env, &msg); err == nil {
			if p := s.path(msg.TransferID, msg.FileID); p != nil {
				p.Reject(ctx, true, p.BytesTransferred())
			}
		}

	case wire.KindFileCancel:
		var msg wire.FileCancel
		if err := wire.DecodePayload(env, &msg); err == nil {
			if p := s.path(msg.TransferID, msg.FileID); p != nil {
				p.Fail(ctx, "cancelled_by_peer", p.BytesTransferred())
			}
		}

	case wire.KindFileProgress:
		var msg wire.FileProgress
		if err := wire.DecodePayload(env, &msg); err == nil {
			if p := s.path(msg.TransferID, msg.FileID); p != nil {
				p.Progress(ctx, msg.Offset)
			}
		}

	case wire.KindFileDone:
		// The receiver already completed on reaching declared size; no
		// further action needed on either side.

	case wire.KindFileError:
		var msg wire.FileError
		if err := wire.DecodePayload(env, &msg); err == nil {
			if msg.Status == resumeDigestMismatchStatus {
				s.restartIncomingFromZero(ctx, msg.TransferID, msg.FileID)
				return
			}
			if p := s.path(msg.TransferID, msg.FileID); p != nil {
				p.Fail(ctx, msg.Status, p.BytesTransferred())
			}
		}

	case wire.KindPing:
		var msg wire.Ping
		if err := wire.DecodePayload(env, &msg); err == nil {
			s.conn.SendControl(wire.KindPong, wire.Pong{Timestamp: msg.Timestamp}, "")
		}

	case wire.KindPong:
		// Keepalive acknowledged; read deadline already renewed by the
		// transport's pump on every inbound message.

	case wire.KindReportChecksum:
		var msg wire.ReportChecksum
		if err := wire.DecodePayload(env, &msg); err == nil {
			s.handleReportChecksum(ctx, msg)
		}

	default:
		s.logger.WithField("kind", env.Kind).Warn("unknown control message")
	}
}

// path looks up fileID within transferID on the engine's in-memory table.
func (s *session) path(transferID, fileID string) *transfer.Path {
	t := s.engine.lookupTransfer(transferID)
	if t == nil {
		return nil
	}
	return t.Path(fileID)
}

// handleTransferRequest is the receiver side of a new incoming transfer:
// it persists the transfer and its manifest, builds the in-memory
// Transfer/Path controllers, and emits RequestReceived. The host must then
// call DownloadFile per path it wants to accept.
func (s *session) handleTransferRequest(ctx context.Context, req wire.TransferRequest) {
	e := s.engine
	if t := e.lookupTransfer(req.ID); t != nil {
		// Duplicate TransferRequest for an already-known transfer: per
		// spec section 4.4's single-flight rule, idempotent re-send is a
		// no-op since the manifest is presumed identical.
		return
	}

	paths := make([]storage.PathRecord, 0, len(req.Files))
	for _, f := range req.Files {
		paths = append(paths, storage.PathRecord{TransferID: req.ID, FileID: f.FileID, RelativePath: f.Path, Size: f.Size})
	}
	rec := storage.TransferRecord{ID: req.ID, Direction: storage.DirectionIncoming, PeerPublicKey: hex.EncodeToString(s.conn.PeerPublicKey[:])}
	if err := e.store.InsertTransfer(ctx, rec, paths); err != nil {
		s.logger.WithError(err).Warn("failed to persist incoming transfer")
		return
	}

	t := transfer.NewTransfer(e.store, e.dispatcher, req.ID, storage.DirectionIncoming, rec.PeerPublicKey)
	digests := make(map[string]string, len(req.Files))
	for _, f := range req.Files {
		p := transfer.NewPath(e.store, e.dispatcher, storage.DirectionIncoming, req.ID, f.FileID, f.Path, f.Size)
		t.AddPath(p)
		digests[f.FileID] = f.Digest
	}

	e.mu.Lock()
	e.transfers[req.ID] = t
	e.manifestsByID[req.ID] = &incomingManifest{digests: digests}
	e.peerByTransfer[req.ID] = s.peerAddr
	e.mu.Unlock()

	t.Activate(ctx)
	e.dispatcher.Emit(transfer.Event{Kind: transfer.KindRequestReceived, TransferID: req.ID})
}

// handleFileRequest is the sender side: the peer has called DownloadFile
// for one of our outgoing paths and is asking us to start (or resume)
// streaming it from msg.Offset.
func (s *session) handleFileRequest(ctx context.Context, msg wire.FileRequest) {
	e := s.engine
	t := e.lookupTransfer(msg.TransferID)
	if t == nil {
		s.conn.SendControl(wire.KindFileError, wire.FileError{TransferID: msg.TransferID, FileID: msg.FileID, Status: "unknown transfer"}, "")
		return
	}
	p := t.Path(msg.FileID)
	if p == nil {
		s.conn.SendControl(wire.KindFileError, wire.FileError{TransferID: msg.TransferID, FileID: msg.FileID, Status: "unknown file"}, "")
		return
	}
	s.startOutgoingPump(ctx, t, p, msg.Offset)
}

// startOutgoingPump admits an outgoing path through the upload-concurrency
// gate, starts it at offset, and launches its chunk pump. Shared by
// handleFileRequest's fresh start and handleReportChecksum's post-match
// resume, since both end up running the same sender-side path worker.
func (s *session) startOutgoingPump(ctx context.Context, t *transfer.Transfer, p *transfer.Path, offset uint64) {
	e := s.engine
	if !e.admitUpload() {
		p.Throttled()
		return
	}
	if err := p.Start(ctx, offset); err != nil {
		e.releaseUpload()
		s.logger.WithError(err).Warn("failed to start outgoing path")
		return
	}
	e.wg.Add(1)
	go s.pumpOutgoing(t, p)
}

// pumpOutgoing streams an outgoing path in ChunkSize frames until EOF,
// cancellation, or an unrecoverable error, releasing its upload admission
// slot on every exit path (spec section 5's resource-release rule).
func (s *session) pumpOutgoing(t *transfer.Transfer, p *transfer.Path) {
	e := s.engine
	defer e.wg.Done()
	defer e.releaseUpload()
	ctx := context.Background()

	src, ok := e.sourceFor(t.ID, p.FileID)
	if !ok {
		p.Fail(ctx, "source no longer available", p.BytesTransferred())
		return
	}
	reader, err := fileio.NewChunkReader(src, e.fdResolver, p.Size, p.BytesTransferred())
	if err != nil {
		p.Fail(ctx, err.Error(), p.BytesTransferred())
		return
	}
	defer reader.Close()

	tid, err := uuid.Parse(t.ID)
	if err != nil {
		p.Fail(ctx, "malformed transfer id", p.BytesTransferred())
		return
	}

	for {
		select {
		case <-t.CancelToken().Done():
			p.Pause(ctx, reader.Offset())
			return
		default:
		}

		chunk, err := reader.Next()
		if err == io.EOF {
			p.Complete(ctx, p.RelativePath)
			s.conn.SendControl(wire.KindFileDone, wire.FileDone{TransferID: t.ID, FileID: p.FileID}, "")
			return
		}
		if err != nil {
			p.Fail(ctx, err.Error(), reader.Offset())
			s.conn.SendControl(wire.KindFileError, wire.FileError{TransferID: t.ID, FileID: p.FileID, Status: err.Error()}, "")
			return
		}

		offset := reader.Offset() - uint64(len(chunk))
		if sendErr := s.conn.SendFrame(wire.Frame{TransferID: tid, FileID: p.FileID, Offset: offset, Payload: chunk}); sendErr != nil {
			p.Pause(ctx, offset)
			return
		}
		p.Progress(ctx, reader.Offset())
	}
}

// handleReportChecksum is the sender side of the resume digest protocol: it
// hashes its own source's matching prefix and compares it against the
// receiver's reported partial digest. On a match it starts streaming
// directly at the reported offset; on a mismatch it tells the receiver to
// discard its partial and restart from zero rather than failing the path
// outright.
func (s *session) handleReportChecksum(ctx context.Context, msg wire.ReportChecksum) {
	e := s.engine
	t := e.lookupTransfer(msg.TransferID)
	if t == nil {
		return
	}
	p := t.Path(msg.FileID)
	if p == nil {
		return
	}
	src, ok := e.sourceFor(msg.TransferID, msg.FileID)
	if !ok {
		return
	}
	f, err := fileio.OpenSource(src, e.fdResolver)
	if err != nil {
		return
	}
	defer f.Close()

	prefixLen := p.BytesTransferred()
	start, onProgress, finish := e.checksumHooks(
		transfer.KindVerifyChecksumStarted, transfer.KindVerifyChecksumProgress, transfer.KindVerifyChecksumFinished,
		msg.TransferID, msg.FileID, int64(prefixLen),
	)
	start()
	match, err := fileio.VerifyPrefix(f, int64(prefixLen), msg.DigestPrefix, e.cfg.ChecksumEventsGranularity, onProgress)
	finish()
	if err != nil || !match {
		s.conn.SendControl(wire.KindFileError, wire.FileError{TransferID: msg.TransferID, FileID: msg.FileID, Status: resumeDigestMismatchStatus}, "")
		return
	}
	s.startOutgoingPump(ctx, t, p, prefixLen)
}

// restartIncomingFromZero discards a partially-received file whose resume
// digest the sender rejected and re-requests it from offset zero.
func (s *session) restartIncomingFromZero(ctx context.Context, transferID, fileID string) {
	e := s.engine
	t := e.lookupTransfer(transferID)
	if t == nil {
		return
	}
	p := t.Path(fileID)
	if p == nil {
		return
	}
	w := e.writerFor(transferID, fileID)
	if w == nil {
		return
	}
	if err := w.Truncate(0); err != nil {
		p.Fail(ctx, err.Error(), p.BytesTransferred())
		return
	}
	if err := p.Start(ctx, 0); err != nil {
		s.logger.WithError(err).Warn("failed to restart path from zero")
		return
	}
	s.conn.SendControl(wire.KindFileRequest, wire.FileRequest{TransferID: transferID, FileID: fileID, Offset: 0}, "file-request:"+transferID+":"+fileID)
}

// onFrame is the receiver side: a binary data frame for one of our
// incoming paths has arrived, already decrypted by the Connection.
func (s *session) onFrame(f wire.Frame) {
	e := s.engine
	ctx := context.Background()
	tid := uuid.UUID(f.TransferID).String()

	t := e.lookupTransfer(tid)
	if t == nil {
		return
	}
	p := t.Path(f.FileID)
	if p == nil {
		return
	}

	w := e.writerFor(tid, f.FileID)
	if w == nil {
		p.Fail(ctx, "destination not open (call download_file first)", p.BytesTransferred())
		return
	}
	if err := w.WriteAt(f.Offset, f.Payload); err != nil {
		p.Fail(ctx, err.Error(), p.BytesTransferred())
		return
	}

	newOffset := w.Offset()
	p.Progress(ctx, newOffset)
	s.conn.SendControl(wire.KindFileProgress, wire.FileProgress{TransferID: tid, FileID: f.FileID, Offset: newOffset}, "")

	if newOffset >= p.Size {
		s.finishIncoming(ctx, t, p, w)
	}
}

// finishIncoming verifies the fully-received file's content digest against
// the sender's declared manifest digest, then completes the path (spec
// section 4.2's final verification rule).
func (s *session) finishIncoming(ctx context.Context, t *transfer.Transfer, p *transfer.Path, w *fileio.ChunkWriter) {
	e := s.engine
	e.mu.Lock()
	manifest := e.manifestsByID[t.ID]
	e.mu.Unlock()

	wantDigest := ""
	if manifest != nil {
		wantDigest = manifest.digests[p.FileID]
	}

	workingPath := e.workingPathFor(t.ID, p.FileID)

	if wantDigest != "" {
		total := int64(p.Size)
		start, onProgress, finish := e.checksumHooks(
			transfer.KindFinalizeChecksumStarted, transfer.KindFinalizeChecksumProgress, transfer.KindFinalizeChecksumFinished,
			t.ID, p.FileID, total,
		)
		start()
		got, err := fileio.HashReader(io.NewSectionReader(w.ReaderAt(), 0, total), e.cfg.ChecksumEventsGranularity, onProgress)
		finish()
		if err != nil || got != wantDigest {
			w.Remove(workingPath)
			e.clearIncoming(t.ID, p.FileID)
			p.Fail(ctx, "checksum mismatch", p.Size)
			s.conn.SendControl(wire.KindFileError, wire.FileError{TransferID: t.ID, FileID: p.FileID, Status: "checksum mismatch"}, "")
			return
		}
	}

	destDir := e.destDirFor(t.ID, p.FileID)
	finalPath, err := fileio.ResolveConflict(destDir, filepath.Base(p.RelativePath), nil)
	if err != nil {
		finalPath = joinPath(destDir, p.RelativePath)
	}
	w.Close()
	os.Rename(workingPath, finalPath)
	e.clearIncoming(t.ID, p.FileID)
	p.Complete(ctx, finalPath)
}

func (e *Engine) admitUpload() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.uploadInFlight >= e.cfg.MaxUploadsInFlight {
		return false
	}
	e.uploadInFlight++
	return true
}

func (e *Engine) releaseUpload() {
	e.mu.Lock()
	e.uploadInFlight--
	e.mu.Unlock()
}

// resumeLiveTransfers rebuilds the in-memory Transfer/Path controllers for
// every non-terminal transfer found in storage, so a restart continues
// exactly where the previous process left off (spec section 3's sync
// state / section 8's restart-consistency property). Sessions themselves
// are re-established lazily on next contact or network_refresh.
func (e *Engine) resumeLiveTransfers(ctx context.Context) error {
	live, err := e.store.LoadLive(ctx)
	if err != nil {
		return err
	}
	for _, lt := range live {
		t := transfer.NewTransfer(e.store, e.dispatcher, lt.ID, lt.Direction, lt.PeerPublicKey)
		for _, lp := range lt.Paths {
			p := transfer.NewPath(e.store, e.dispatcher, lp.Direction, lt.ID, lp.FileID, lp.RelativePath, lp.Size)
			t.AddPath(p)
		}
		e.transfers[lt.ID] = t
	}
	return nil
}
