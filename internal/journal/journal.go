// Package journal persists per-window scoring results and the training
// history to SQLite so operators can query recent activity without
// parsing feed files.
package journal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
)

// Schema for the argosd journal.
const schema = `
CREATE TABLE IF NOT EXISTS scores (
    id              INTEGER PRIMARY KEY AUTOINCREMENT,
    node            TEXT NOT NULL,
    window_start_ns INTEGER NOT NULL,
    window_end_ns   INTEGER NOT NULL,
    events          INTEGER NOT NULL,
    score           REAL NOT NULL,
    filtered_score  REAL NOT NULL,
    threshold       REAL NOT NULL,
    alert           INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_scores_window ON scores(window_start_ns);
CREATE INDEX IF NOT EXISTS idx_scores_alert ON scores(alert, window_start_ns);

CREATE TABLE IF NOT EXISTS models (
    id              INTEGER PRIMARY KEY AUTOINCREMENT,
    created_at_ns   INTEGER NOT NULL,
    path            TEXT NOT NULL,
    gram_size       INTEGER NOT NULL,
    dimensions      INTEGER NOT NULL,
    windows         INTEGER NOT NULL,
    trees           INTEGER NOT NULL,
    digest          TEXT NOT NULL
);
`

// ScoreRow is one scored window.
type ScoreRow struct {
	ID            int64
	Node          string
	WindowStartNs int64
	WindowEndNs   int64
	Events        int64
	Score         float64
	FilteredScore float64
	Threshold     float64
	Alert         bool
}

// ModelRow records one completed training run.
type ModelRow struct {
	ID          int64
	CreatedAtNs int64
	Path        string
	GramSize    int
	Dimensions  int
	Windows     int
	Trees       int
	Digest      string
}

// Journal represents the SQLite journal.
type Journal struct {
	db *sql.DB
}

// Open opens or creates the journal database at the given path and
// applies the schema.
func Open(path string) (*Journal, error) {
	// Ensure parent directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create journal directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	return &Journal{db: db}, nil
}

// Close closes the database connection.
func (j *Journal) Close() error {
	if j.db != nil {
		return j.db.Close()
	}
	return nil
}

// Ping verifies database connectivity.
func (j *Journal) Ping(ctx context.Context) error {
	return j.db.PingContext(ctx)
}

// InsertScore inserts a scored window and returns its ID.
func (j *Journal) InsertScore(row *ScoreRow) (int64, error) {
	result, err := j.db.Exec(`
		INSERT INTO scores (node, window_start_ns, window_end_ns, events, score, filtered_score, threshold, alert)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		row.Node, row.WindowStartNs, row.WindowEndNs, row.Events, row.Score, row.FilteredScore, row.Threshold, row.Alert,
	)
	if err != nil {
		return 0, fmt.Errorf("insert score: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("get last insert id: %w", err)
	}

	return id, nil
}

// RecentScores returns the most recent scored windows, newest first.
func (j *Journal) RecentScores(limit int) ([]ScoreRow, error) {
	rows, err := j.db.Query(`
		SELECT id, node, window_start_ns, window_end_ns, events, score, filtered_score, threshold, alert
		FROM scores
		ORDER BY window_start_ns DESC
		LIMIT ?`, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query recent scores: %w", err)
	}
	defer rows.Close()

	return scanScores(rows)
}

// RecentAlerts returns the most recent alerting windows, newest first.
func (j *Journal) RecentAlerts(limit int) ([]ScoreRow, error) {
	rows, err := j.db.Query(`
		SELECT id, node, window_start_ns, window_end_ns, events, score, filtered_score, threshold, alert
		FROM scores
		WHERE alert = 1
		ORDER BY window_start_ns DESC
		LIMIT ?`, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query recent alerts: %w", err)
	}
	defer rows.Close()

	return scanScores(rows)
}

// ScoreRange returns scored windows whose start falls within the
// range, oldest first.
func (j *Journal) ScoreRange(startNs, endNs int64) ([]ScoreRow, error) {
	rows, err := j.db.Query(`
		SELECT id, node, window_start_ns, window_end_ns, events, score, filtered_score, threshold, alert
		FROM scores
		WHERE window_start_ns >= ? AND window_start_ns <= ?
		ORDER BY window_start_ns ASC`, startNs, endNs,
	)
	if err != nil {
		return nil, fmt.Errorf("query score range: %w", err)
	}
	defer rows.Close()

	return scanScores(rows)
}

// Prune deletes scored windows that started before the cutoff and
// returns the number of rows removed.
func (j *Journal) Prune(beforeNs int64) (int64, error) {
	result, err := j.db.Exec(`DELETE FROM scores WHERE window_start_ns < ?`, beforeNs)
	if err != nil {
		return 0, fmt.Errorf("prune scores: %w", err)
	}

	removed, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("get rows affected: %w", err)
	}

	return removed, nil
}

// Counts returns the total number of scored windows and how many of
// them alerted.
func (j *Journal) Counts() (scores int64, alerts int64, err error) {
	err = j.db.QueryRow(`SELECT COUNT(*), COALESCE(SUM(alert), 0) FROM scores`).Scan(&scores, &alerts)
	if err != nil {
		return 0, 0, fmt.Errorf("count scores: %w", err)
	}
	return scores, alerts, nil
}

// InsertModel records a completed training run and returns its ID.
func (j *Journal) InsertModel(row *ModelRow) (int64, error) {
	result, err := j.db.Exec(`
		INSERT INTO models (created_at_ns, path, gram_size, dimensions, windows, trees, digest)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		row.CreatedAtNs, row.Path, row.GramSize, row.Dimensions, row.Windows, row.Trees, row.Digest,
	)
	if err != nil {
		return 0, fmt.Errorf("insert model: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("get last insert id: %w", err)
	}

	return id, nil
}

// LatestModel returns the most recent training run, or nil if none.
func (j *Journal) LatestModel() (*ModelRow, error) {
	var m ModelRow

	err := j.db.QueryRow(`
		SELECT id, created_at_ns, path, gram_size, dimensions, windows, trees, digest
		FROM models
		ORDER BY created_at_ns DESC
		LIMIT 1`,
	).Scan(&m.ID, &m.CreatedAtNs, &m.Path, &m.GramSize, &m.Dimensions, &m.Windows, &m.Trees, &m.Digest)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get latest model: %w", err)
	}

	return &m, nil
}

// scanScores is a helper to scan score rows into a slice.
func scanScores(rows *sql.Rows) ([]ScoreRow, error) {
	var scores []ScoreRow

	for rows.Next() {
		var row ScoreRow
		if err := rows.Scan(&row.ID, &row.Node, &row.WindowStartNs, &row.WindowEndNs, &row.Events,
			&row.Score, &row.FilteredScore, &row.Threshold, &row.Alert); err != nil {
			return nil, fmt.Errorf("scan score: %w", err)
		}
		scores = append(scores, row)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate scores: %w", err)
	}

	return scores, nil
}
