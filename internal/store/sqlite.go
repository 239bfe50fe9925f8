// Package store persists published detection metadata in SQLite.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"

	_ "github.com/mattn/go-sqlite3"

	"github.com/care/detectiond/internal/types"
)

// Store wraps the SQLite connection with serialised writes
type Store struct {
	conn *sql.DB
	mu   sync.RWMutex
}

// Open creates or opens the database at path and migrates the schema
func Open(path string) (*Store, error) {
	conn, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	conn.SetMaxOpenConns(1)
	conn.SetMaxIdleConns(1)
	conn.SetConnMaxLifetime(0)

	s := &Store{conn: conn}

	if err := s.migrate(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return s, nil
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS results (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		device_id TEXT NOT NULL,
		timestamp INTEGER NOT NULL,
		image_path TEXT NOT NULL,
		meta_path TEXT NOT NULL,
		labels TEXT NOT NULL DEFAULT '',
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS detections (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		result_id INTEGER NOT NULL,
		label TEXT NOT NULL,
		confidence REAL DEFAULT 0,
		x1 INTEGER DEFAULT 0,
		y1 INTEGER DEFAULT 0,
		x2 INTEGER DEFAULT 0,
		y2 INTEGER DEFAULT 0,
		FOREIGN KEY (result_id) REFERENCES results(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_results_device ON results(device_id);
	CREATE INDEX IF NOT EXISTS idx_results_timestamp ON results(timestamp);
	CREATE INDEX IF NOT EXISTS idx_detections_label ON detections(label);
	CREATE INDEX IF NOT EXISTS idx_detections_result_id ON detections(result_id);
	`

	_, err := s.conn.Exec(schema)
	return err
}

// Record inserts a result and its detections in a single transaction
func (s *Store) Record(ctx context.Context, meta types.DetectionMeta) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO results (device_id, timestamp, image_path, meta_path, labels)
		VALUES (?, ?, ?, ?, ?)
	`, meta.DeviceID, meta.Timestamp, meta.ImagePath, meta.MetaPath, strings.Join(meta.Labels, ","))
	if err != nil {
		return 0, fmt.Errorf("failed to insert result: %w", err)
	}

	resultID, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to read result id: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO detections (result_id, label, confidence, x1, y1, x2, y2)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return 0, fmt.Errorf("failed to prepare statement: %w", err)
	}
	defer stmt.Close()

	for _, d := range meta.Detections {
		if _, err := stmt.ExecContext(ctx, resultID, d.Label, d.Confidence, d.BBox.X1, d.BBox.Y1, d.BBox.X2, d.BBox.Y2); err != nil {
			return 0, fmt.Errorf("failed to insert detection: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit: %w", err)
	}
	return resultID, nil
}

// Recent returns the latest results of a device, newest first
func (s *Store) Recent(ctx context.Context, deviceID string, limit int) ([]types.DetectionMeta, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.conn.QueryContext(ctx, `
		SELECT id, device_id, timestamp, image_path, meta_path
		FROM results WHERE device_id = ?
		ORDER BY timestamp DESC, id DESC LIMIT ?
	`, deviceID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query results: %w", err)
	}

	type row struct {
		id   int64
		meta types.DetectionMeta
	}
	var found []row
	for rows.Next() {
		var r row
		if err := rows.Scan(&r.id, &r.meta.DeviceID, &r.meta.Timestamp, &r.meta.ImagePath, &r.meta.MetaPath); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan result: %w", err)
		}
		found = append(found, r)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	out := make([]types.DetectionMeta, 0, len(found))
	for _, r := range found {
		dets, err := s.detections(ctx, r.id)
		if err != nil {
			return nil, err
		}
		out = append(out, types.NewDetectionMeta(r.meta.DeviceID, r.meta.Timestamp, r.meta.ImagePath, r.meta.MetaPath, dets))
	}
	return out, nil
}

func (s *Store) detections(ctx context.Context, resultID int64) ([]types.DetectionRecord, error) {
	rows, err := s.conn.QueryContext(ctx, `
		SELECT label, confidence, x1, y1, x2, y2
		FROM detections WHERE result_id = ? ORDER BY id
	`, resultID)
	if err != nil {
		return nil, fmt.Errorf("failed to query detections: %w", err)
	}
	defer rows.Close()

	var dets []types.DetectionRecord
	for rows.Next() {
		var d types.DetectionRecord
		if err := rows.Scan(&d.Label, &d.Confidence, &d.BBox.X1, &d.BBox.Y1, &d.BBox.X2, &d.BBox.Y2); err != nil {
			return nil, fmt.Errorf("failed to scan detection: %w", err)
		}
		dets = append(dets, d)
	}
	return dets, rows.Err()
}

// LabelCounts returns how many detections of each label were recorded since sinceMillis
func (s *Store) LabelCounts(ctx context.Context, sinceMillis int64) (map[string]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.conn.QueryContext(ctx, `
		SELECT d.label, COUNT(*)
		FROM detections d JOIN results r ON r.id = d.result_id
		WHERE r.timestamp >= ?
		GROUP BY d.label
	`, sinceMillis)
	if err != nil {
		return nil, fmt.Errorf("failed to query label counts: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var label string
		var n int
		if err := rows.Scan(&label, &n); err != nil {
			return nil, fmt.Errorf("failed to scan label count: %w", err)
		}
		counts[label] = n
	}
	return counts, rows.Err()
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.conn.Close()
}
