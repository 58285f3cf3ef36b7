package storage

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/opd-ai/drop/errs"
)

// resolvePathID looks up the integer primary key backing (transferID,
// fileID) in the direction's paths table; every append and byte-counter
// update is keyed off this id rather than the caller re-deriving it.
func (s *Store) resolvePathID(tx *sql.Tx, dir Direction, transferID, fileID string) (int64, uint64, error) {
	var id int64
	var bytesTransferred uint64
	table := pathsTable(dir)
	err := tx.QueryRow(
		`SELECT id, bytes_transferred FROM `+table+` WHERE transfer_id = ? AND file_id = ? AND is_deleted = 0`,
		transferID, fileID,
	).Scan(&id, &bytesTransferred)
	if err == sql.ErrNoRows {
		return 0, 0, errs.New(errs.KindBadFile, "unknown %s path %s/%s", dir, transferID, fileID)
	}
	if err != nil {
		return 0, 0, errs.Wrap(errs.KindStorageError, err, "resolve path id for %s/%s", transferID, fileID)
	}
	return id, bytesTransferred, nil
}

// AppendPathState writes one row to the state-history table selected by
// (dir, ev.Phase), enforcing that byte counters never decrease and that no
// row is appended after a path's history already holds a terminal phase.
func (s *Store) AppendPathState(ctx context.Context, dir Direction, ev PathStateEvent) error {
	table, err := historyTable(dir, ev.Phase)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctxOrBackground(ctx), nil)
	if err != nil {
		return errs.Wrap(errs.KindStorageError, err, "begin append_path_state")
	}
	defer tx.Rollback()

	pathID, currentBytes, err := s.resolvePathID(tx, dir, ev.TransferID, ev.FileID)
	if err != nil {
		return err
	}

	latestPhase, err := s.latestPhaseLocked(tx, dir, pathID)
	if err != nil {
		return err
	}
	if latestPhase != "" && latestPhase.Terminal() {
		return errs.New(errs.KindBadTransferState, "path %s/%s already terminal (%s)", ev.TransferID, ev.FileID, latestPhase)
	}

	newBytes := currentBytes
	switch ev.Phase {
	case PhasePaused, PhaseReject, PhaseFailed:
		newBytes = ev.Bytes
	}
	if newBytes < currentBytes {
		return errs.New(errs.KindMismatchedSize, "path %s/%s byte counter went backwards: %d -> %d", ev.TransferID, ev.FileID, currentBytes, newBytes)
	}

	now := s.nowMillis()
	if err := s.insertHistoryRow(tx, table, pathID, ev, now); err != nil {
		return err
	}

	if newBytes != currentBytes {
		if _, err := tx.Exec(`UPDATE `+pathsTable(dir)+` SET bytes_transferred = ? WHERE id = ?`, newBytes, pathID); err != nil {
			return errs.Wrap(errs.KindStorageError, err, "update bytes_transferred for path %s/%s", ev.TransferID, ev.FileID)
		}
	}

	syncTable := "sync_incoming_files"
	if dir == DirectionOutgoing {
		syncTable = "sync_outgoing_files"
	}
	if ev.Phase == PhaseStarted {
		if _, err := tx.Exec(
			`INSERT INTO `+syncTable+` (path_id, checkpoint_offset, updated_at_ms) VALUES (?, ?, ?)
			 ON CONFLICT(path_id) DO UPDATE SET checkpoint_offset = excluded.checkpoint_offset, updated_at_ms = excluded.updated_at_ms`,
			pathID, ev.Offset, now,
		); err != nil {
			return errs.Wrap(errs.KindStorageError, err, "update %s checkpoint", syncTable)
		}
	}
	if ev.Phase == PhasePending && dir == DirectionIncoming {
		if _, err := tx.Exec(
			`INSERT INTO sync_incoming_files (path_id, inflight_base_dir, updated_at_ms) VALUES (?, ?, ?)
			 ON CONFLICT(path_id) DO UPDATE SET inflight_base_dir = excluded.inflight_base_dir, updated_at_ms = excluded.updated_at_ms`,
			pathID, ev.BaseDir, now,
		); err != nil {
			return errs.Wrap(errs.KindStorageError, err, "update inflight_base_dir hint")
		}
	}

	if err := tx.Commit(); err != nil {
		return errs.Wrap(errs.KindStorageError, err, "commit append_path_state")
	}
	return nil
}

// UpdatePathBytes persists a new cumulative byte count for an in-progress
// (Started) path without appending a state-history row, so a throttled
// Progress notification can still be "persisted before observed" (spec
// section 4.1) without writing one history row per accepted chunk. Rejects
// a decrease, consistent with the monotonic byte-counter invariant.
func (s *Store) UpdatePathBytes(ctx context.Context, dir Direction, transferID, fileID string, bytes uint64) error {
	tx, err := s.db.BeginTx(ctxOrBackground(ctx), nil)
	if err != nil {
		return errs.Wrap(errs.KindStorageError, err, "begin update_path_bytes")
	}
	defer tx.Rollback()

	pathID, currentBytes, err := s.resolvePathID(tx, dir, transferID, fileID)
	if err != nil {
		return err
	}
	if bytes < currentBytes {
		return errs.New(errs.KindMismatchedSize, "path %s/%s byte counter went backwards: %d -> %d", transferID, fileID, currentBytes, bytes)
	}
	if bytes == currentBytes {
		return tx.Commit()
	}
	if _, err := tx.Exec(`UPDATE `+pathsTable(dir)+` SET bytes_transferred = ? WHERE id = ?`, bytes, pathID); err != nil {
		return errs.Wrap(errs.KindStorageError, err, "update bytes_transferred for path %s/%s", transferID, fileID)
	}
	return tx.Commit()
}

func (s *Store) insertHistoryRow(tx *sql.Tx, table string, pathID int64, ev PathStateEvent, now int64) error {
	var err error
	switch ev.Phase {
	case PhasePending:
		_, err = tx.Exec(`INSERT INTO `+table+` (path_id, base_dir, created_at_ms) VALUES (?, ?, ?)`, pathID, ev.BaseDir, now)
	case PhaseStarted:
		_, err = tx.Exec(`INSERT INTO `+table+` (path_id, offset, created_at_ms) VALUES (?, ?, ?)`, pathID, ev.Offset, now)
	case PhasePaused:
		_, err = tx.Exec(`INSERT INTO `+table+` (path_id, bytes, created_at_ms) VALUES (?, ?, ?)`, pathID, ev.Bytes, now)
	case PhaseFailed:
		_, err = tx.Exec(`INSERT INTO `+table+` (path_id, status, bytes, created_at_ms) VALUES (?, ?, ?, ?)`, pathID, ev.Status, ev.Bytes, now)
	case PhaseCompleted:
		_, err = tx.Exec(`INSERT INTO `+table+` (path_id, final_path, created_at_ms) VALUES (?, ?, ?)`, pathID, ev.FinalPath, now)
	case PhaseReject:
		_, err = tx.Exec(`INSERT INTO `+table+` (path_id, by_peer, bytes, created_at_ms) VALUES (?, ?, ?, ?)`, pathID, ev.ByPeer, ev.Bytes, now)
	default:
		return fmt.Errorf("%w: unknown phase %q", errs.ErrBadTransferState, ev.Phase)
	}
	if err != nil {
		return errs.Wrap(errs.KindStorageError, err, "insert %s row", table)
	}
	return nil
}

// latestPhaseLocked scans every history table for this direction and
// returns whichever has the most recent row for pathID, or "" if the path
// has no history yet (outgoing paths skip the pending table). Rows written
// within the same millisecond tie; a tie goes to the phase scanned later,
// so a terminal phase wins over the non-terminal phases before it.
func (s *Store) latestPhaseLocked(tx *sql.Tx, dir Direction, pathID int64) (PathPhase, error) {
	phases := []PathPhase{PhasePending, PhaseStarted, PhasePaused, PhaseFailed, PhaseCompleted, PhaseReject}
	if dir == DirectionOutgoing {
		phases = []PathPhase{PhaseStarted, PhasePaused, PhaseFailed, PhaseCompleted, PhaseReject}
	}

	var latestPhase PathPhase
	var latestAt int64 = -1
	for _, phase := range phases {
		table, err := historyTable(dir, phase)
		if err != nil {
			continue
		}
		var at sql.NullInt64
		err = tx.QueryRow(`SELECT MAX(created_at_ms) FROM `+table+` WHERE path_id = ?`, pathID).Scan(&at)
		if err != nil {
			return "", errs.Wrap(errs.KindStorageError, err, "scan latest %s row", table)
		}
		if at.Valid && at.Int64 >= latestAt {
			latestAt = at.Int64
			latestPhase = phase
		}
	}
	return latestPhase, nil
}

// LoadLive returns every non-deleted transfer whose TransferState is not
// yet Terminal, together with each path's latest phase, for reconnect
// reconciliation (spec section 3's sync state).
func (s *Store) LoadLive(ctx context.Context) ([]LiveTransfer, error) {
	rows, err := s.db.QueryContext(ctxOrBackground(ctx),
		`SELECT id, direction, peer_public_key, state, created_at_ms FROM transfers WHERE is_deleted = 0`,
	)
	if err != nil {
		return nil, errs.Wrap(errs.KindStorageError, err, "query load_live transfers")
	}

	type pending struct {
		rec   TransferRecord
		state TransferState
	}
	var candidates []pending
	for rows.Next() {
		var id, direction, peerKey, state string
		var createdAtMs int64
		if err := rows.Scan(&id, &direction, &peerKey, &state, &createdAtMs); err != nil {
			rows.Close()
			return nil, errs.Wrap(errs.KindStorageError, err, "scan load_live transfer row")
		}
		if TransferState(state).Terminal() {
			continue
		}
		candidates = append(candidates, pending{
			rec: TransferRecord{ID: id, Direction: Direction(direction), PeerPublicKey: peerKey},
		})
		candidates[len(candidates)-1].state = TransferState(state)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, errs.Wrap(errs.KindStorageError, err, "iterate load_live transfers")
	}
	rows.Close()

	out := make([]LiveTransfer, 0, len(candidates))
	for _, c := range candidates {
		paths, err := s.loadLivePaths(ctx, c.rec.ID, c.rec.Direction)
		if err != nil {
			return nil, err
		}
		out = append(out, LiveTransfer{TransferRecord: c.rec, State: c.state, Paths: paths})
	}
	return out, nil
}

func (s *Store) loadLivePaths(ctx context.Context, transferID string, dir Direction) ([]LivePath, error) {
	table := pathsTable(dir)
	rows, err := s.db.QueryContext(ctxOrBackground(ctx),
		`SELECT id, file_id, relative_path, size, bytes_transferred FROM `+table+` WHERE transfer_id = ? AND is_deleted = 0`,
		transferID,
	)
	if err != nil {
		return nil, errs.Wrap(errs.KindStorageError, err, "query load_live paths for %s", transferID)
	}
	defer rows.Close()

	var out []LivePath
	for rows.Next() {
		var id int64
		var p LivePath
		p.TransferID = transferID
		p.Direction = dir
		if err := rows.Scan(&id, &p.FileID, &p.RelativePath, &p.Size, &p.BytesTransferred); err != nil {
			return nil, errs.Wrap(errs.KindStorageError, err, "scan load_live path row")
		}
		tx, err := s.db.BeginTx(ctxOrBackground(ctx), &sql.TxOptions{ReadOnly: true})
		if err != nil {
			return nil, errs.Wrap(errs.KindStorageError, err, "begin read for latest phase")
		}
		phase, err := s.latestPhaseLocked(tx, dir, id)
		tx.Rollback()
		if err != nil {
			return nil, err
		}
		p.LatestPhase = phase
		out = append(out, p)
	}
	return out, rows.Err()
}
