// Package resultstore provides persistent storage for pipeline runs and
// per-sample annotations using SQLite.
package resultstore

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// RunParams records the configuration a run was executed with.
type RunParams struct {
	Reference        string  `json:"reference"`
	Query            string  `json:"query"`
	VariableFeatures int     `json:"variable_features"`
	PCADims          int     `json:"pca_dims"`
	Neighbors        int     `json:"neighbors"`
	Resolution       float64 `json:"resolution"`
	AnchorK          int     `json:"anchor_k"`
	AnchorDims       int     `json:"anchor_dims"`
	Seed             int64   `json:"seed"`
}

// Run is one completed pipeline execution.
type Run struct {
	ID            string    `json:"run_id"`
	Params        RunParams `json:"params"`
	SharedGenes   int       `json:"shared_genes"`
	AnchorCount   int       `json:"anchor_count"`
	RefSamples    int       `json:"ref_samples"`
	QuerySamples  int       `json:"query_samples"`
	Unanchored    int       `json:"unanchored"`
	CreatedAt     time.Time `json:"created_at"`
	DurationMSecs int64     `json:"duration_ms"`
}

// SampleRecord is one annotated sample of either dataset after a run.
type SampleRecord struct {
	SampleID string `json:"sample_id"`
	// Dataset is the dataset name the sample belongs to.
	Dataset string `json:"dataset"`
	// X and Y are the 2-D visualization coordinates; for spatial samples
	// SpatialX/SpatialY additionally carry the physical centroid.
	X          float64  `json:"x"`
	Y          float64  `json:"y"`
	SpatialX   *float64 `json:"spatial_x,omitempty"`
	SpatialY   *float64 `json:"spatial_y,omitempty"`
	Cluster    string   `json:"cluster,omitempty"`
	Label      string   `json:"label,omitempty"`
	Confidence float64  `json:"confidence"`
	Unanchored bool     `json:"unanchored"`
}

// Store provides persistent storage for runs using SQLite.
type Store struct {
	db *sql.DB
	mu sync.Mutex
}

// NewStore creates a new SQLite-based result store.
func NewStore(dbPath string) (*Store, error) {
	// Ensure directory exists
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory for sqlite: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}

	// Enable WAL mode for better concurrency
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate: %w", err)
	}

	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS runs (
		run_id TEXT PRIMARY KEY,
		params_json TEXT NOT NULL,
		shared_genes INTEGER DEFAULT 0,
		anchor_count INTEGER DEFAULT 0,
		ref_samples INTEGER DEFAULT 0,
		query_samples INTEGER DEFAULT 0,
		unanchored INTEGER DEFAULT 0,
		duration_ms INTEGER DEFAULT 0,
		created_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS samples (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id TEXT NOT NULL,
		sample_id TEXT NOT NULL,
		dataset TEXT NOT NULL,
		x REAL NOT NULL,
		y REAL NOT NULL,
		spatial_x REAL,
		spatial_y REAL,
		cluster TEXT DEFAULT '',
		label TEXT DEFAULT '',
		confidence REAL DEFAULT 0,
		unanchored INTEGER DEFAULT 0,
		FOREIGN KEY (run_id) REFERENCES runs(run_id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_samples_run ON samples(run_id);
	CREATE INDEX IF NOT EXISTS idx_samples_run_dataset ON samples(run_id, dataset);
	CREATE INDEX IF NOT EXISTS idx_samples_run_label ON samples(run_id, label);

	CREATE TABLE IF NOT EXISTS anchors (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id TEXT NOT NULL,
		ref_id TEXT NOT NULL,
		query_id TEXT NOT NULL,
		score REAL NOT NULL,
		FOREIGN KEY (run_id) REFERENCES runs(run_id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_anchors_run ON anchors(run_id);

	CREATE TABLE IF NOT EXISTS expression (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id TEXT NOT NULL,
		feature TEXT NOT NULL,
		sample_id TEXT NOT NULL,
		value REAL NOT NULL,
		FOREIGN KEY (run_id) REFERENCES runs(run_id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_expression_run_feature ON expression(run_id, feature);
	`
	_, err := s.db.Exec(schema)
	return err
}

// CreateRun inserts a run record.
func (s *Store) CreateRun(run *Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	paramsJSON, err := json.Marshal(run.Params)
	if err != nil {
		return fmt.Errorf("failed to marshal params: %w", err)
	}

	_, err = s.db.Exec(`
		INSERT INTO runs (run_id, params_json, shared_genes, anchor_count, ref_samples, query_samples, unanchored, duration_ms, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		run.ID,
		string(paramsJSON),
		run.SharedGenes,
		run.AnchorCount,
		run.RefSamples,
		run.QuerySamples,
		run.Unanchored,
		run.DurationMSecs,
		run.CreatedAt.Format(time.RFC3339),
	)
	return err
}

// GetRun retrieves a run by ID. Returns nil without error when absent.
func (s *Store) GetRun(runID string) (*Run, error) {
	row := s.db.QueryRow(`
		SELECT run_id, params_json, shared_genes, anchor_count, ref_samples, query_samples, unanchored, duration_ms, created_at
		FROM runs WHERE run_id = ?
	`, runID)

	run, err := scanRun(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return run, err
}

// ListRuns returns all runs, newest first.
func (s *Store) ListRuns() ([]*Run, error) {
	rows, err := s.db.Query(`
		SELECT run_id, params_json, shared_genes, anchor_count, ref_samples, query_samples, unanchored, duration_ms, created_at
		FROM runs ORDER BY created_at DESC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		run, err := scanRun(rows.Scan)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

func scanRun(scan func(...any) error) (*Run, error) {
	var run Run
	var paramsJSON, createdAtStr string
	err := scan(
		&run.ID,
		&paramsJSON,
		&run.SharedGenes,
		&run.AnchorCount,
		&run.RefSamples,
		&run.QuerySamples,
		&run.Unanchored,
		&run.DurationMSecs,
		&createdAtStr,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(paramsJSON), &run.Params); err != nil {
		return nil, fmt.Errorf("failed to unmarshal params: %w", err)
	}
	run.CreatedAt, _ = time.Parse(time.RFC3339, createdAtStr)
	return &run, nil
}

// InsertSamples inserts sample annotations in a batch transaction.
func (s *Store) InsertSamples(runID string, records []*SampleRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`
		INSERT INTO samples (run_id, sample_id, dataset, x, y, spatial_x, spatial_y, cluster, label, confidence, unanchored)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, r := range records {
		unanchored := 0
		if r.Unanchored {
			unanchored = 1
		}
		_, err := stmt.Exec(
			runID, r.SampleID, r.Dataset,
			r.X, r.Y, r.SpatialX, r.SpatialY,
			r.Cluster, r.Label, r.Confidence, unanchored,
		)
		if err != nil {
			return err
		}
	}

	return tx.Commit()
}

// QuerySamples queries sample annotations with pagination, optionally
// restricted to one dataset or one transferred label.
func (s *Store) QuerySamples(runID, dataset, label string, offset, limit int) ([]*SampleRecord, int, error) {
	where := "run_id = ?"
	args := []any{runID}
	if dataset != "" {
		where += " AND dataset = ?"
		args = append(args, dataset)
	}
	if label != "" {
		where += " AND label = ?"
		args = append(args, label)
	}

	var total int
	err := s.db.QueryRow("SELECT COUNT(*) FROM samples WHERE "+where, args...).Scan(&total)
	if err != nil {
		return nil, 0, err
	}

	query := fmt.Sprintf(`
		SELECT sample_id, dataset, x, y, spatial_x, spatial_y, cluster, label, confidence, unanchored
		FROM samples
		WHERE %s
		ORDER BY id ASC
		LIMIT ? OFFSET ?
	`, where)

	rows, err := s.db.Query(query, append(args, limit, offset)...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var records []*SampleRecord
	for rows.Next() {
		var r SampleRecord
		var unanchored int
		err := rows.Scan(
			&r.SampleID, &r.Dataset,
			&r.X, &r.Y, &r.SpatialX, &r.SpatialY,
			&r.Cluster, &r.Label, &r.Confidence, &unanchored,
		)
		if err != nil {
			return nil, 0, err
		}
		r.Unanchored = unanchored != 0
		records = append(records, &r)
	}

	return records, total, rows.Err()
}

// LabelCounts returns, per transferred label, how many query samples
// received it.
func (s *Store) LabelCounts(runID string) (map[string]int, error) {
	rows, err := s.db.Query(`
		SELECT label, COUNT(*) FROM samples
		WHERE run_id = ? AND label != ''
		GROUP BY label
	`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var label string
		var n int
		if err := rows.Scan(&label, &n); err != nil {
			return nil, err
		}
		counts[label] = n
	}
	return counts, rows.Err()
}

// AnchorRecord is one stored anchor pairing.
type AnchorRecord struct {
	RefID   string  `json:"ref_id"`
	QueryID string  `json:"query_id"`
	Score   float64 `json:"score"`
}

// InsertAnchors inserts anchor pairings in a batch transaction.
func (s *Store) InsertAnchors(runID string, anchors []*AnchorRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`
		INSERT INTO anchors (run_id, ref_id, query_id, score)
		VALUES (?, ?, ?, ?)
	`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, a := range anchors {
		if _, err := stmt.Exec(runID, a.RefID, a.QueryID, a.Score); err != nil {
			return err
		}
	}

	return tx.Commit()
}

// QueryAnchors returns a run's anchors, best-scoring first.
func (s *Store) QueryAnchors(runID string, offset, limit int) ([]*AnchorRecord, int, error) {
	var total int
	err := s.db.QueryRow("SELECT COUNT(*) FROM anchors WHERE run_id = ?", runID).Scan(&total)
	if err != nil {
		return nil, 0, err
	}

	rows, err := s.db.Query(`
		SELECT ref_id, query_id, score FROM anchors
		WHERE run_id = ?
		ORDER BY score DESC, ref_id ASC, query_id ASC
		LIMIT ? OFFSET ?
	`, runID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var anchors []*AnchorRecord
	for rows.Next() {
		var a AnchorRecord
		if err := rows.Scan(&a.RefID, &a.QueryID, &a.Score); err != nil {
			return nil, 0, err
		}
		anchors = append(anchors, &a)
	}
	return anchors, total, rows.Err()
}

// InsertExpression inserts one feature's transferred expression vector over
// the query samples in a batch transaction.
func (s *Store) InsertExpression(runID, feature string, sampleIDs []string, values []float64) error {
	if len(sampleIDs) != len(values) {
		return fmt.Errorf("expression vector for %q: %d sample ids, %d values", feature, len(sampleIDs), len(values))
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`
		INSERT INTO expression (run_id, feature, sample_id, value)
		VALUES (?, ?, ?, ?)
	`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for i, id := range sampleIDs {
		if _, err := stmt.Exec(runID, feature, id, values[i]); err != nil {
			return err
		}
	}

	return tx.Commit()
}

// ExpressionVector returns one feature's transferred values keyed by sample
// id. An empty map means the feature was not persisted for this run.
func (s *Store) ExpressionVector(runID, feature string) (map[string]float64, error) {
	rows, err := s.db.Query(`
		SELECT sample_id, value FROM expression
		WHERE run_id = ? AND feature = ?
	`, runID, feature)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	values := make(map[string]float64)
	for rows.Next() {
		var id string
		var v float64
		if err := rows.Scan(&id, &v); err != nil {
			return nil, err
		}
		values[id] = v
	}
	return values, rows.Err()
}

// ExpressionFeatures lists the features with persisted expression vectors.
func (s *Store) ExpressionFeatures(runID string) ([]string, error) {
	rows, err := s.db.Query(`
		SELECT DISTINCT feature FROM expression
		WHERE run_id = ? ORDER BY feature
	`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var features []string
	for rows.Next() {
		var f string
		if err := rows.Scan(&f); err != nil {
			return nil, err
		}
		features = append(features, f)
	}
	return features, rows.Err()
}

// DeleteRun deletes a run and its samples, anchors and expression vectors.
func (s *Store) DeleteRun(runID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Delete children first
	if _, err := s.db.Exec("DELETE FROM samples WHERE run_id = ?", runID); err != nil {
		return err
	}
	if _, err := s.db.Exec("DELETE FROM anchors WHERE run_id = ?", runID); err != nil {
		return err
	}
	if _, err := s.db.Exec("DELETE FROM expression WHERE run_id = ?", runID); err != nil {
		return err
	}
	_, err := s.db.Exec("DELETE FROM runs WHERE run_id = ?", runID)
	return err
}
