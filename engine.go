// Package drop is the embeddable peer-to-peer file-transfer engine: the
// root surface a host application drives (spec section 4.6). It wires
// together storage (durable transfer/path state), fileio (chunked disk
// I/O), authproto+noise (authenticated, encrypted connections), connection
// (the WebSocket transport), and transfer (the per-transfer/per-path state
// machines and event stream) into the single Engine type below.
package drop

import (
	"context"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

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

// OutgoingFile describes one path a host offers in a new_transfer call.
// Size must be supplied by the host since a content-URI Source cannot
// always be os.Stat'd locally.
type OutgoingFile struct {
	Source       fileio.Source
	RelativePath string
	Size         uint64
}

// Stats is the supplemented host-facing accessor (SPEC_FULL PART D)
// exposing in-flight transfer, live connection and pending event counts,
// purely derived from state already tracked by transfer/connection.
type Stats struct {
	ActiveTransfers int
	LiveConnections int
	PendingEvents   int
}

type incomingManifest struct {
	digests map[string]string // fileID -> sender's declared content digest
}

// Engine is the sole process-wide object (spec section 9): Config, the
// Storage handle, a peer-session table, and the event sink. After Stop
// every task and handle is released before Start may be called again.
type Engine struct {
	cfg  Config
	keys KeyStore

	mu         sync.Mutex
	started    bool
	fdResolver fileio.FdResolver

	// runCtx/runCancel scope the engine's own running lifetime (distinct
	// from any transient ctx passed to Start/Stop), so a background
	// reconnect task knows when to stop retrying.
	runCtx    context.Context
	runCancel context.CancelFunc
	// wg tracks every background goroutine spawned while started (sender
	// chunk pumps, reconnect tasks), joined by Stop before the dispatcher
	// is closed so a pause emitted on the way out is never dropped.
	wg sync.WaitGroup

	store      *storage.Store
	dispatcher *transfer.Dispatcher
	registry   *connection.Registry
	admission  *connection.Admission
	nonces     *authproto.NonceStore
	httpServer *http.Server
	connCfg    connection.Config

	// identityKey is the engine's own copy of the host-supplied long-term
	// key, taken once on Start so dialSession never has to call back into
	// KeyStore, and wiped on Stop: the copy is ours to destroy, unlike the
	// *crypto.KeyPair KeyStore.Privkey() returned it from.
	identityKey *crypto.KeyPair

	transfers       map[string]*transfer.Transfer
	sessionsByPeer  map[string]*session // peer address -> session
	manifestsByID   map[string]*incomingManifest
	backoffsByPeer  map[string]*connection.Backoff
	uploadInFlight  int
	uploadWaitQueue []chan struct{}

	// peerByTransfer remembers which peer address owns each transfer, so a
	// path worker or control handler can find (or open) that peer's session
	// without the host repeating it on every call.
	peerByTransfer map[string]string

	// outgoingSources holds the host-supplied Source for each path of a
	// transfer this engine originated, consulted by the sender-side chunk
	// pump once the peer requests that file.
	outgoingSources map[string]map[string]fileio.Source

	// incomingWriters holds the open ChunkWriter for each path of a
	// transfer this engine is receiving, from the DownloadFile call that
	// opened it until the path reaches a terminal phase.
	incomingWriters map[string]map[string]*fileio.ChunkWriter
	// incomingBaseDirs holds the host-chosen destination directory for each
	// path accepted via DownloadFile.
	incomingBaseDirs map[string]map[string]string

	logger *logrus.Entry
}

// New builds an Engine from cfg, keys, and sink, but performs no I/O: call
// Start to open storage and begin accepting/dialing connections.
func New(cfg Config, keys KeyStore, sink transfer.EventSink) (*Engine, error) {
	if keys == nil {
		return nil, errs.New(errs.KindInvalidArgument, "keys must not be nil")
	}
	e := &Engine{
		cfg:              cfg,
		keys:             keys,
		transfers:        make(map[string]*transfer.Transfer),
		sessionsByPeer:   make(map[string]*session),
		manifestsByID:    make(map[string]*incomingManifest),
		backoffsByPeer:   make(map[string]*connection.Backoff),
		peerByTransfer:   make(map[string]string),
		outgoingSources:  make(map[string]map[string]fileio.Source),
		incomingWriters:  make(map[string]map[string]*fileio.ChunkWriter),
		incomingBaseDirs: make(map[string]map[string]string),
		logger:           logrus.WithField("package", "drop"),
	}
	e.dispatcher = transfer.NewDispatcher(fanoutSink{primary: sink, extra: cfg.AnalyticsSinks}, crypto.DefaultTimeProvider{})
	return e, nil
}

// fanoutSink delivers every event to the primary EventSink and every
// configured analytics sink (Config.AnalyticsSinks), matching spec
// section 6's plural "analytics sinks".
type fanoutSink struct {
	primary transfer.EventSink
	extra   []transfer.EventSink
}

func (f fanoutSink) OnEvent(e transfer.Event) {
	if f.primary != nil {
		f.primary.OnEvent(e)
	}
	for _, s := range f.extra {
		if s != nil {
			s.OnEvent(e)
		}
	}
}

// Start opens storage, loads live transfers for resume, and -- if
// Config.ListenAddr is non-empty -- begins accepting inbound connections.
// Calling Start twice returns BadTransferState, per spec section 4.6.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started {
		return errs.New(errs.KindBadTransferState, "engine already started")
	}

	store, err := storage.Open(e.cfg.StoragePath)
	if err != nil {
		return err
	}

	nonceDir := e.cfg.NonceStoreDir
	if nonceDir == "" {
		nonceDir, err = os.MkdirTemp("", "drop-nonces-")
		if err != nil {
			store.Close()
			return errs.Wrap(errs.KindIoError, err, "create temporary nonce directory")
		}
	}
	nonces, err := authproto.NewNonceStore(nonceDir)
	if err != nil {
		store.Close()
		return errs.Wrap(errs.KindIoError, err, "open nonce store at %q", nonceDir)
	}

	hostKey, err := e.keys.Privkey()
	if err != nil {
		store.Close()
		nonces.Close()
		return errs.Wrap(errs.KindAuthenticationFailed, err, "load local identity key")
	}
	ownCopy := *hostKey
	localKey := &ownCopy
	e.identityKey = localKey

	e.store = store
	e.nonces = nonces
	e.registry = connection.NewRegistry()
	ccfg := connection.DefaultConfig()
	ccfg.ConnectionRetries = e.cfg.ConnectionRetries
	ccfg.AutoRetryInterval = e.cfg.autoRetryInterval()
	e.admission = connection.NewAdmission(ccfg.RateLimitPerSecond, ccfg.RateLimitBurst)
	e.connCfg = ccfg

	if err := e.resumeLiveTransfers(ctx); err != nil {
		store.Close()
		nonces.Close()
		return err
	}

	e.runCtx, e.runCancel = context.WithCancel(context.Background())

	if e.cfg.ListenAddr != "" {
		verifier := &authproto.Verifier{LocalKey: localKey, Nonces: e.nonces}
		mux := http.NewServeMux()
		mux.HandleFunc(wire.UpgradePath, func(w http.ResponseWriter, r *http.Request) {
			e.handleUpgrade(w, r, localKey, verifier, ccfg)
		})
		e.httpServer = &http.Server{Addr: e.cfg.ListenAddr, Handler: mux}
		ln, lerr := net.Listen("tcp", e.cfg.ListenAddr)
		if lerr != nil {
			store.Close()
			nonces.Close()
			return errs.Wrap(errs.KindAddrInUse, lerr, "listen on %s", e.cfg.ListenAddr)
		}
		go func() {
			if serveErr := e.httpServer.Serve(ln); serveErr != nil && serveErr != http.ErrServerClosed {
				e.logger.WithError(serveErr).Error("websocket listener stopped")
			}
		}()
	}

	e.started = true
	return nil
}

// Stop cancels every in-flight transfer's tokens, closes every Connection,
// drains the event dispatcher, and releases storage. After Stop returns,
// Start may be called again (spec section 9).
func (e *Engine) Stop(ctx context.Context) error {
	e.mu.Lock()
	if !e.started {
		e.mu.Unlock()
		return errs.New(errs.KindBadTransferState, "engine not started")
	}
	httpServer := e.httpServer
	sessions := make([]*session, 0, len(e.sessionsByPeer))
	for _, s := range e.sessionsByPeer {
		sessions = append(sessions, s)
	}
	transfers := make([]*transfer.Transfer, 0, len(e.transfers))
	for _, t := range e.transfers {
		transfers = append(transfers, t)
	}
	runCancel := e.runCancel
	e.mu.Unlock()

	if httpServer != nil {
		httpServer.Shutdown(ctx)
	}
	// Cancel the engine's own run context first: every reconnect task and
	// cancel-token wait sees it immediately, rather than racing the
	// per-transfer cancels below.
	if runCancel != nil {
		runCancel()
	}
	for _, t := range transfers {
		t.CancelToken().Cancel()
	}
	for _, s := range sessions {
		s.conn.Close()
	}

	// Wait for every outgoing chunk pump and reconnect task to finish
	// before persisting Paused for incoming paths and draining the
	// dispatcher, so no in-flight event races dispatcher.Close().
	e.wg.Wait()

	for _, t := range transfers {
		if t.Direction != storage.DirectionIncoming {
			continue
		}
		for _, p := range t.Paths() {
			if p.LatestPhase() == storage.PhaseStarted {
				p.Pause(ctx, p.BytesTransferred())
			}
		}
	}

	e.dispatcher.Close()

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.nonces != nil {
		e.nonces.Close()
	}
	err := e.store.Close()
	e.started = false
	e.runCtx = nil
	e.runCancel = nil
	if e.identityKey != nil {
		_ = crypto.WipeKeyPair(e.identityKey)
		e.identityKey = nil
	}
	e.sessionsByPeer = make(map[string]*session)
	e.transfers = make(map[string]*transfer.Transfer)
	e.manifestsByID = make(map[string]*incomingManifest)
	e.backoffsByPeer = make(map[string]*connection.Backoff)
	e.peerByTransfer = make(map[string]string)
	e.outgoingSources = make(map[string]map[string]fileio.Source)
	e.incomingWriters = make(map[string]map[string]*fileio.ChunkWriter)
	e.incomingBaseDirs = make(map[string]map[string]string)
	return err
}

// SetFdResolver installs the host's content-URI file-descriptor resolver
// (spec section 6's FdResolver). Must be called before Start.
func (e *Engine) SetFdResolver(r fileio.FdResolver) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started {
		return errs.New(errs.KindBadTransferState, "set_fd_resolver after start")
	}
	e.fdResolver = r
	return nil
}

// NetworkRefresh wakes every peer session currently sleeping between
// reconnect bursts (spec sections 4.4 and 4.6).
func (e *Engine) NetworkRefresh() {
	e.mu.Lock()
	backoffs := make([]*connection.Backoff, 0, len(e.backoffsByPeer))
	for _, b := range e.backoffsByPeer {
		backoffs = append(backoffs, b)
	}
	e.mu.Unlock()
	for _, b := range backoffs {
		b.Refresh()
	}
}

// PurgeTransfers hard-deletes the named transfers regardless of state.
func (e *Engine) PurgeTransfers(ctx context.Context, ids []string) error {
	if err := e.store.Purge(ctx, ids); err != nil {
		return err
	}
	e.mu.Lock()
	for _, id := range ids {
		delete(e.transfers, id)
		delete(e.manifestsByID, id)
	}
	e.mu.Unlock()
	return nil
}

// PurgeTransfersUntil hard-deletes every transfer created before cutoff.
// includeLive defaults to false at the call site's discretion: when false,
// a non-terminal transfer is left alone even if it predates cutoff.
func (e *Engine) PurgeTransfersUntil(ctx context.Context, cutoff time.Time, includeLive bool) error {
	return e.store.PurgeUntil(ctx, cutoff, includeLive)
}

// TransfersSince returns every transfer created at or after since, for
// host-side restart reconciliation (spec section 8's transfers_since
// restart-consistency property).
func (e *Engine) TransfersSince(ctx context.Context, since time.Time) ([]storage.TransferRecord, error) {
	return e.store.TransfersSince(ctx, since)
}

// RemoveFile soft-deletes one terminal path.
func (e *Engine) RemoveFile(ctx context.Context, dir storage.Direction, transferID, fileID string) error {
	return e.store.RemoveFile(ctx, dir, transferID, fileID)
}

// Stats reports in-flight transfer counts and connection state, the
// supplemented accessor of SPEC_FULL PART D.
func (e *Engine) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return Stats{
		ActiveTransfers: len(e.transfers),
		LiveConnections: e.registry.Len(),
		PendingEvents:   e.dispatcher.Pending(),
	}
}

func (e *Engine) lookupTransfer(transferID string) *transfer.Transfer {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.transfers[transferID]
}

func (e *Engine) registerTransfer(t *transfer.Transfer) {
	e.mu.Lock()
	e.transfers[t.ID] = t
	e.mu.Unlock()
}

func fileModeDir(dir string) error {
	return os.MkdirAll(dir, 0o755)
}

func joinPath(dir, rel string) string {
	return filepath.Join(dir, filepath.FromSlash(rel))
}
