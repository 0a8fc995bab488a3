package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// NodeNames is the long/short name pair cached for a mesh node (§3 "Name
// cache"), upserted on every inbound packet that reports names (§4.6 step 2).
type NodeNames struct {
	LongName  string
	ShortName string
}

// UpsertNodeNames inserts or updates the cached names for a node. Either
// field may be empty without clearing the other: a partial update preserves
// whichever name was already known.
func (s *Store) UpsertNodeNames(ctx context.Context, nodeID string, names NodeNames) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO node_names (node_id, long_name, short_name, updated_at)
VALUES (?, ?, ?, ?)
ON CONFLICT(node_id) DO UPDATE SET
	long_name = CASE WHEN excluded.long_name != '' THEN excluded.long_name ELSE node_names.long_name END,
	short_name = CASE WHEN excluded.short_name != '' THEN excluded.short_name ELSE node_names.short_name END,
	updated_at = excluded.updated_at
`, nodeID, names.LongName, names.ShortName, time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("upsert node names: %w", err)
	}
	return nil
}

// LookupNodeNames returns the cached names for a node, if any (§4.9).
func (s *Store) LookupNodeNames(ctx context.Context, nodeID string) (NodeNames, bool, error) {
	var longName, shortName sql.NullString
	row := s.db.QueryRowContext(ctx, `SELECT long_name, short_name FROM node_names WHERE node_id = ?`, nodeID)
	if err := row.Scan(&longName, &shortName); err != nil {
		if err == sql.ErrNoRows {
			return NodeNames{}, false, nil
		}
		return NodeNames{}, false, fmt.Errorf("lookup node names: %w", err)
	}
	return NodeNames{LongName: longName.String, ShortName: shortName.String}, true, nil
}
