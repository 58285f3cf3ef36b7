package authproto

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/opd-ai/drop/crypto"
	"github.com/sirupsen/logrus"
)

// handshakeWindow bounds how long a nonce is remembered: the 5-minute
// maximum handshake age plus the 1-minute maximum future drift.
const handshakeWindow = 6 * time.Minute

// NonceStore provides persistent storage for handshake nonces already seen
// from each peer, so a captured handshake cannot be replayed to re-derive a
// session even across a restart of the engine.
//
// Example usage:
//
//	ns, err := authproto.NewNonceStore("/var/lib/drop/nonces")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer ns.Close()
//
//	if ns.CheckAndStore(nonce, time.Now().Unix()) {
//	    // fresh handshake, proceed
//	} else {
//	    // replay detected: AuthenticationFailed
//	}
type NonceStore struct {
	mu           sync.RWMutex
	nonces       map[[32]byte]int64 // nonce -> expiry timestamp
	saveFile     string
	stopChan     chan struct{}
	logger       *logrus.Logger
	timeProvider crypto.TimeProvider
}

// NewNonceStore creates a persistent nonce store rooted at dataDir.
func NewNonceStore(dataDir string) (*NonceStore, error) {
	return NewNonceStoreWithTimeProvider(dataDir, nil)
}

// NewNonceStoreWithTimeProvider creates a persistent nonce store with a
// custom TimeProvider. Pass nil to use the default time provider.
func NewNonceStoreWithTimeProvider(dataDir string, timeProvider crypto.TimeProvider) (*NonceStore, error) {
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, fmt.Errorf("create nonce store directory: %w", err)
	}

	if timeProvider == nil {
		timeProvider = crypto.DefaultTimeProvider{}
	}

	ns := &NonceStore{
		nonces:       make(map[[32]byte]int64),
		saveFile:     filepath.Join(dataDir, "handshake_nonces.dat"),
		stopChan:     make(chan struct{}),
		logger:       logrus.StandardLogger(),
		timeProvider: timeProvider,
	}

	if err := ns.load(); err != nil {
		ns.logger.WithError(err).Warn("could not load nonce store, starting fresh")
	}

	go ns.cleanupLoop()

	return ns, nil
}

// CheckAndStore checks whether nonce has already been seen and records it if
// not. Returns true if the nonce is new (handshake may proceed), false if a
// replay was detected (the handshake must fail with AuthenticationFailed).
func (ns *NonceStore) CheckAndStore(nonce [32]byte, timestamp int64) bool {
	ns.mu.Lock()
	defer ns.mu.Unlock()

	if _, exists := ns.nonces[nonce]; exists {
		ns.logger.WithFields(logrus.Fields{
			"nonce":     fmt.Sprintf("%x", nonce[:8]),
			"timestamp": timestamp,
		}).Warn("replay detected: handshake nonce already used")
		return false
	}

	ns.nonces[nonce] = timestamp + int64(handshakeWindow.Seconds())
	return true
}

func (ns *NonceStore) readNonceStoreFile() ([]byte, error) {
	data, err := os.ReadFile(ns.saveFile)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read nonce store: %w", err)
	}

	if len(data) < 8 {
		return nil, fmt.Errorf("corrupted nonce store: file too small")
	}

	return data, nil
}

func (ns *NonceStore) parseNonceRecord(data []byte, offset int, now int64) (nonce [32]byte, timestamp int64, valid bool) {
	copy(nonce[:], data[offset:offset+32])
	timestampUint := binary.BigEndian.Uint64(data[offset+32 : offset+40])
	timestamp, err := crypto.SafeUint64ToInt64(timestampUint)
	if err != nil {
		ns.logger.WithFields(logrus.Fields{"value": timestampUint, "error": err}).
			Warn("invalid timestamp in nonce record, skipping")
		return nonce, 0, false
	}
	return nonce, timestamp, timestamp > now
}

func (ns *NonceStore) load() error {
	data, err := ns.readNonceStoreFile()
	if err != nil {
		return err
	}
	if data == nil {
		return nil
	}

	count := binary.BigEndian.Uint64(data[0:8])
	offset := 8
	now := ns.timeProvider.Now().Unix()
	loaded := 0

	for i := uint64(0); i < count && offset+40 <= len(data); i++ {
		nonce, timestamp, valid := ns.parseNonceRecord(data, offset, now)
		if valid {
			ns.nonces[nonce] = timestamp
			loaded++
		}
		offset += 40
	}

	ns.logger.WithFields(logrus.Fields{
		"total_in_file": count,
		"loaded":        loaded,
	}).Info("nonce store loaded")

	return nil
}

func (ns *NonceStore) save() error {
	ns.mu.RLock()
	defer ns.mu.RUnlock()

	buf := make([]byte, 8+len(ns.nonces)*40)
	binary.BigEndian.PutUint64(buf[0:8], uint64(len(ns.nonces)))

	offset := 8
	for nonce, timestamp := range ns.nonces {
		copy(buf[offset:offset+32], nonce[:])
		timestampUint, err := crypto.SafeInt64ToUint64(timestamp)
		if err != nil {
			continue
		}
		binary.BigEndian.PutUint64(buf[offset+32:offset+40], timestampUint)
		offset += 40
	}

	tmpFile := ns.saveFile + ".tmp"
	if err := os.WriteFile(tmpFile, buf, 0o600); err != nil {
		return fmt.Errorf("write temporary nonce store: %w", err)
	}

	return os.Rename(tmpFile, ns.saveFile)
}

func (ns *NonceStore) cleanupLoop() {
	ticker := time.NewTicker(10 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ns.cleanup()
		case <-ns.stopChan:
			return
		}
	}
}

func (ns *NonceStore) cleanup() {
	ns.mu.Lock()
	defer ns.mu.Unlock()

	now := ns.timeProvider.Now().Unix()
	removed := 0
	for nonce, expiry := range ns.nonces {
		if expiry < now {
			delete(ns.nonces, nonce)
			removed++
		}
	}

	if removed > 0 {
		ns.logger.WithFields(logrus.Fields{
			"removed":   removed,
			"remaining": len(ns.nonces),
		}).Info("cleaned up expired handshake nonces")
	}
}

// Close stops the cleanup loop and persists final state.
func (ns *NonceStore) Close() error {
	close(ns.stopChan)
	return ns.save()
}

// Size returns the number of nonces currently tracked.
func (ns *NonceStore) Size() int {
	ns.mu.RLock()
	defer ns.mu.RUnlock()
	return len(ns.nonces)
}
