package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// MessageMapRow is the bidirectional Matrix⇄mesh index row described in §3.
type MessageMapRow struct {
	MatrixEventID string
	MeshID        string
	RoomID        string
	Text          string
	OriginMeshnet string
	CreatedAt     time.Time
}

// StoreMessageMap upserts a row keyed by matrix_event_id (§4.5 "store").
func (s *Store) StoreMessageMap(ctx context.Context, row MessageMapRow) error {
	if row.MatrixEventID == "" || row.RoomID == "" {
		return fmt.Errorf("store message map: matrix_event_id and room_id are required")
	}

	_, err := s.db.ExecContext(ctx, `
INSERT INTO message_map (matrix_event_id, mesh_id, room_id, text, origin_meshnet, created_at)
VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT(matrix_event_id) DO UPDATE SET
	mesh_id = excluded.mesh_id,
	room_id = excluded.room_id,
	text = excluded.text,
	origin_meshnet = excluded.origin_meshnet
`, row.MatrixEventID, row.MeshID, row.RoomID, nullableText(row.Text), nullableText(row.OriginMeshnet), row.CreatedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("store message map: %w", err)
	}
	return nil
}

// ByMeshID returns the most recent row for the given mesh message ID, or
// (MessageMapRow{}, false, nil) if absent (§4.5 "by_mesh_id").
func (s *Store) ByMeshID(ctx context.Context, meshID string) (MessageMapRow, bool, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT matrix_event_id, mesh_id, room_id, text, origin_meshnet, created_at
FROM message_map
WHERE mesh_id = ?
ORDER BY rowid DESC
LIMIT 1
`, meshID)
	return scanMessageMapRow(row)
}

// ByMatrixEventID returns the row for a given Matrix event ID, or
// (MessageMapRow{}, false, nil) if absent (§4.5 "by_matrix_event_id").
func (s *Store) ByMatrixEventID(ctx context.Context, matrixEventID string) (MessageMapRow, bool, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT matrix_event_id, mesh_id, room_id, text, origin_meshnet, created_at
FROM message_map
WHERE matrix_event_id = ?
`, matrixEventID)
	return scanMessageMapRow(row)
}

// WipeMessageMap empties the table (§4.5 "wipe").
func (s *Store) WipeMessageMap(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM message_map`); err != nil {
		return fmt.Errorf("wipe message map: %w", err)
	}
	return nil
}

// PruneMessageMap deletes the oldest rows by insertion rowid until at most
// keep rows remain (§4.5 "prune", §8 boundary: "leaves exactly min(k,
// rowcount_before) rows").
func (s *Store) PruneMessageMap(ctx context.Context, keep int) error {
	if keep < 0 {
		keep = 0
	}
	_, err := s.db.ExecContext(ctx, `
DELETE FROM message_map
WHERE rowid IN (
	SELECT rowid FROM message_map
	ORDER BY rowid ASC
	LIMIT MAX(0, (SELECT COUNT(*) FROM message_map) - ?)
)
`, keep)
	if err != nil {
		return fmt.Errorf("prune message map: %w", err)
	}
	return nil
}

func scanMessageMapRow(row *sql.Row) (MessageMapRow, bool, error) {
	var (
		out       MessageMapRow
		text      sql.NullString
		meshnet   sql.NullString
		createdAt string
	)

	if err := row.Scan(&out.MatrixEventID, &out.MeshID, &out.RoomID, &text, &meshnet, &createdAt); err != nil {
		if err == sql.ErrNoRows {
			return MessageMapRow{}, false, nil
		}
		return MessageMapRow{}, false, fmt.Errorf("scan message map row: %w", err)
	}

	// §4.5: rows with missing required fields are corrupt and ignored on
	// read, with a warning left to the caller (it has the logger).
	if out.MatrixEventID == "" || out.RoomID == "" {
		return MessageMapRow{}, false, fmt.Errorf("store: corrupt message_map row (missing required field)")
	}

	out.Text = text.String
	out.OriginMeshnet = meshnet.String
	if parsed, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
		out.CreatedAt = parsed
	}

	return out, true, nil
}

func nullableText(s string) any {
	if s == "" {
		return nil
	}
	return s
}
