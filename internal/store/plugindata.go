package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// PluginDataRow is one (plugin_name, node_id) → opaque blob row (§3 "Plugin
// data"). Plugins own their schema within Data; the store never interprets
// it.
type PluginDataRow struct {
	NodeID    string
	Data      []byte
	UpdatedAt time.Time
}

// SetPluginData upserts the blob for (pluginName, nodeID).
func (s *Store) SetPluginData(ctx context.Context, pluginName, nodeID string, data []byte) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO plugin_data (plugin_name, node_id, data, updated_at)
VALUES (?, ?, ?, ?)
ON CONFLICT(plugin_name, node_id) DO UPDATE SET
	data = excluded.data,
	updated_at = excluded.updated_at
`, pluginName, nodeID, data, time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("set plugin data: %w", err)
	}
	return nil
}

// GetPluginData returns the blob for (pluginName, nodeID), if any.
func (s *Store) GetPluginData(ctx context.Context, pluginName, nodeID string) ([]byte, bool, error) {
	var data []byte
	row := s.db.QueryRowContext(ctx, `SELECT data FROM plugin_data WHERE plugin_name = ? AND node_id = ?`, pluginName, nodeID)
	if err := row.Scan(&data); err != nil {
		if err == sql.ErrNoRows {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("get plugin data: %w", err)
	}
	return data, true, nil
}

// ListPluginData supports cross-node queries by plugin name (§3).
func (s *Store) ListPluginData(ctx context.Context, pluginName string) ([]PluginDataRow, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT node_id, data, updated_at FROM plugin_data WHERE plugin_name = ? ORDER BY node_id
`, pluginName)
	if err != nil {
		return nil, fmt.Errorf("list plugin data: %w", err)
	}
	defer rows.Close()

	var out []PluginDataRow
	for rows.Next() {
		var (
			row       PluginDataRow
			updatedAt string
		)
		if err := rows.Scan(&row.NodeID, &row.Data, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan plugin data row: %w", err)
		}
		if parsed, err := time.Parse(time.RFC3339Nano, updatedAt); err == nil {
			row.UpdatedAt = parsed
		}
		out = append(out, row)
	}
	return out, rows.Err()
}
