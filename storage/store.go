package storage

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/opd-ai/drop/crypto"
	"github.com/opd-ai/drop/errs"
	"github.com/sirupsen/logrus"

	_ "modernc.org/sqlite"
)

// Store is the durable handle section 4.1 calls Storage: every
// consequential action the engine takes is appended here before it is
// observed by a host callback. A single *sql.DB instance serialises writes
// through SQLite's own locking; callers do not need an external mutex.
type Store struct {
	db           *sql.DB
	logger       *logrus.Logger
	timeProvider crypto.TimeProvider
}

// Open creates or attaches to the SQLite database at path and applies the
// schema. Pass ":memory:" for an ephemeral, process-local store. Nothing in
// this module switches to such a store on its own when the database file
// fails or is lost.
func Open(path string) (*Store, error) {
	return OpenWithTimeProvider(path, crypto.DefaultTimeProvider{})
}

// OpenWithTimeProvider is Open with an injected TimeProvider, for
// deterministic created_at timestamps in tests.
func OpenWithTimeProvider(path string, tp crypto.TimeProvider) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errs.Wrap(errs.KindStorageError, err, "open sqlite database %q", path)
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite: avoid concurrent-writer lock contention

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, errs.Wrap(errs.KindStorageError, err, "apply schema to %q", path)
	}

	logger := logrus.WithFields(logrus.Fields{
		"function": "storage.Open",
		"path":     path,
	}).Logger

	return &Store{db: db, logger: logger, timeProvider: tp}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) nowMillis() int64 {
	return s.timeProvider.Now().UnixMilli()
}

func pathsTable(dir Direction) string {
	if dir == DirectionOutgoing {
		return "outgoing_paths"
	}
	return "incoming_paths"
}

func historyTable(dir Direction, phase PathPhase) (string, error) {
	prefix := "incoming_path_"
	if dir == DirectionOutgoing {
		prefix = "outgoing_path_"
		if phase == PhasePending {
			return "", fmt.Errorf("%w: outgoing paths have no pending phase", errs.ErrBadTransferState)
		}
	}
	return prefix + string(phase), nil
}

func ctxOrBackground(ctx context.Context) context.Context {
	if ctx == nil {
		return context.Background()
	}
	return ctx
}
