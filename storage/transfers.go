package storage

import (
	"context"
	"database/sql"
	"time"

	"github.com/opd-ai/drop/errs"
)

// InsertTransfer persists a new transfer and its initial path manifest in
// one transaction. Rejects an empty path set (EmptyTransfer) rather than
// writing a transfer no file will ever attach to.
func (s *Store) InsertTransfer(ctx context.Context, rec TransferRecord, paths []PathRecord) error {
	if len(paths) == 0 {
		return errs.New(errs.KindEmptyTransfer, "transfer %s has no files", rec.ID)
	}

	tx, err := s.db.BeginTx(ctxOrBackground(ctx), nil)
	if err != nil {
		return errs.Wrap(errs.KindStorageError, err, "begin insert_transfer")
	}
	defer tx.Rollback()

	now := s.nowMillis()

	if _, err := tx.Exec(
		`INSERT OR IGNORE INTO peers (public_key, created_at_ms) VALUES (?, ?)`,
		rec.PeerPublicKey, now,
	); err != nil {
		return errs.Wrap(errs.KindStorageError, err, "insert peer %s", rec.PeerPublicKey)
	}

	if _, err := tx.Exec(
		`INSERT INTO transfers (id, direction, peer_public_key, state, created_at_ms) VALUES (?, ?, ?, ?, ?)`,
		rec.ID, string(rec.Direction), rec.PeerPublicKey, string(TransferPending), now,
	); err != nil {
		return errs.Wrap(errs.KindStorageError, err, "insert transfer %s", rec.ID)
	}

	table := pathsTable(rec.Direction)
	for _, p := range paths {
		if _, err := tx.Exec(
			`INSERT INTO `+table+` (transfer_id, file_id, relative_path, size, bytes_transferred, created_at_ms)
			 VALUES (?, ?, ?, ?, 0, ?)`,
			rec.ID, p.FileID, p.RelativePath, p.Size, now,
		); err != nil {
			return errs.Wrap(errs.KindStorageError, err, "insert path %s for transfer %s", p.FileID, rec.ID)
		}
	}

	if _, err := tx.Exec(
		`INSERT INTO sync_transfer (transfer_id, local_state, updated_at_ms) VALUES (?, ?, ?)`,
		rec.ID, string(TransferPending), now,
	); err != nil {
		return errs.Wrap(errs.KindStorageError, err, "insert sync_transfer row for %s", rec.ID)
	}

	if err := tx.Commit(); err != nil {
		return errs.Wrap(errs.KindStorageError, err, "commit insert_transfer %s", rec.ID)
	}
	return nil
}

// AppendTransferState appends a new transfer-level state and updates the
// transfers row's denormalised current state, rejecting any append after a
// terminal state has already been recorded.
func (s *Store) AppendTransferState(ctx context.Context, transferID string, state TransferState, detail string) error {
	tx, err := s.db.BeginTx(ctxOrBackground(ctx), nil)
	if err != nil {
		return errs.Wrap(errs.KindStorageError, err, "begin append_transfer_state")
	}
	defer tx.Rollback()

	var current string
	err = tx.QueryRow(`SELECT state FROM transfers WHERE id = ? AND is_deleted = 0`, transferID).Scan(&current)
	if err == sql.ErrNoRows {
		return errs.New(errs.KindBadTransfer, "unknown transfer %s", transferID)
	}
	if err != nil {
		return errs.Wrap(errs.KindStorageError, err, "load transfer %s state", transferID)
	}
	if TransferState(current).Terminal() {
		return errs.New(errs.KindBadTransferState, "transfer %s already in terminal state %s", transferID, current)
	}

	now := s.nowMillis()
	if _, err := tx.Exec(
		`INSERT INTO transfer_states (transfer_id, state, detail, created_at_ms) VALUES (?, ?, ?, ?)`,
		transferID, string(state), detail, now,
	); err != nil {
		return errs.Wrap(errs.KindStorageError, err, "append transfer_states row for %s", transferID)
	}

	if _, err := tx.Exec(`UPDATE transfers SET state = ? WHERE id = ?`, string(state), transferID); err != nil {
		return errs.Wrap(errs.KindStorageError, err, "update transfers.state for %s", transferID)
	}

	if _, err := tx.Exec(
		`UPDATE sync_transfer SET local_state = ?, updated_at_ms = ? WHERE transfer_id = ?`,
		string(state), now, transferID,
	); err != nil {
		return errs.Wrap(errs.KindStorageError, err, "update sync_transfer for %s", transferID)
	}

	if err := tx.Commit(); err != nil {
		return errs.Wrap(errs.KindStorageError, err, "commit append_transfer_state %s", transferID)
	}
	return nil
}

// TransfersSince returns every non-deleted transfer created at or after
// since, ordered oldest first, for the transfers_since host operation.
func (s *Store) TransfersSince(ctx context.Context, since time.Time) ([]TransferRecord, error) {
	rows, err := s.db.QueryContext(ctxOrBackground(ctx),
		`SELECT id, direction, peer_public_key, is_deleted, created_at_ms
		 FROM transfers WHERE is_deleted = 0 AND created_at_ms >= ? ORDER BY created_at_ms ASC`,
		since.UnixMilli(),
	)
	if err != nil {
		return nil, errs.Wrap(errs.KindStorageError, err, "query transfers_since")
	}
	defer rows.Close()

	var out []TransferRecord
	for rows.Next() {
		var rec TransferRecord
		var direction string
		var isDeleted int
		var createdAtMs int64
		if err := rows.Scan(&rec.ID, &direction, &rec.PeerPublicKey, &isDeleted, &createdAtMs); err != nil {
			return nil, errs.Wrap(errs.KindStorageError, err, "scan transfers_since row")
		}
		rec.Direction = Direction(direction)
		rec.IsDeleted = isDeleted != 0
		rec.CreatedAt = time.UnixMilli(createdAtMs)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Purge hard-deletes the named transfers by id, regardless of state.
// Foreign keys cascade: paths, path state history, and sync rows scoped to
// each transfer are removed with it, per spec section 4.1's purge contract
// (distinct from the soft-delete flag RemoveFile sets on a single path).
func (s *Store) Purge(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctxOrBackground(ctx), nil)
	if err != nil {
		return errs.Wrap(errs.KindStorageError, err, "begin purge")
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`DELETE FROM transfers WHERE id = ?`)
	if err != nil {
		return errs.Wrap(errs.KindStorageError, err, "prepare purge statement")
	}
	defer stmt.Close()

	for _, id := range ids {
		if _, err := stmt.Exec(id); err != nil {
			return errs.Wrap(errs.KindStorageError, err, "purge transfer %s", id)
		}
	}
	if err := tx.Commit(); err != nil {
		return errs.Wrap(errs.KindStorageError, err, "commit purge")
	}
	return nil
}

// PurgeUntil hard-deletes every transfer created before the given time.
// When includeLive is false (the default the engine uses), a transfer whose
// current state is not yet Terminal is left alone even if it predates the
// cutoff, so a purge sweep can never pull storage out from under an active
// worker.
func (s *Store) PurgeUntil(ctx context.Context, before time.Time, includeLive bool) error {
	query := `DELETE FROM transfers WHERE created_at_ms < ?`
	args := []any{before.UnixMilli()}
	if !includeLive {
		query += ` AND state IN (?, ?, ?)`
		args = append(args, string(TransferCancelled), string(TransferFailed), string(TransferCompleted))
	}
	_, err := s.db.ExecContext(ctxOrBackground(ctx), query, args...)
	if err != nil {
		return errs.Wrap(errs.KindStorageError, err, "purge_until %s (includeLive=%v)", before, includeLive)
	}
	return nil
}

// RemoveFile soft-deletes one path within a transfer (spec section 3's
// soft-delete rule: the row stays for foreign-key integrity but is excluded
// from every subsequent query). Only a terminal path may be removed.
func (s *Store) RemoveFile(ctx context.Context, dir Direction, transferID, fileID string) error {
	tx, err := s.db.BeginTx(ctxOrBackground(ctx), nil)
	if err != nil {
		return errs.Wrap(errs.KindStorageError, err, "begin remove_file")
	}
	defer tx.Rollback()

	pathID, _, err := s.resolvePathID(tx, dir, transferID, fileID)
	if err != nil {
		return err
	}

	phase, err := s.latestPhaseLocked(tx, dir, pathID)
	if err != nil {
		return err
	}
	if phase == "" || !phase.Terminal() {
		return errs.New(errs.KindBadTransferState, "path %s/%s is not terminal (phase=%q)", transferID, fileID, phase)
	}

	if _, err := tx.Exec(`UPDATE `+pathsTable(dir)+` SET is_deleted = 1 WHERE id = ?`, pathID); err != nil {
		return errs.Wrap(errs.KindStorageError, err, "soft-delete path %s/%s", transferID, fileID)
	}
	if err := tx.Commit(); err != nil {
		return errs.Wrap(errs.KindStorageError, err, "commit remove_file")
	}
	return nil
}
