package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// Store wraps SQLite-backed persistence for jobs, solved transforms and
// written images.
type Store struct {
	DB *sql.DB // Export for direct database access
}

// New opens (or creates) the database at path and ensures schema.
func New(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// one writer at a time; workers record results concurrently
	db.SetMaxOpenConns(1)
	s := &Store{DB: db}
	if err := s.ensureSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) ensureSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS processing_jobs (
            id TEXT PRIMARY KEY,
            job_type TEXT NOT NULL,
            status TEXT NOT NULL,
            input_path TEXT,
            output_path TEXT,
            options_json TEXT,
            created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
            started_at TIMESTAMP,
            completed_at TIMESTAMP,
            error_message TEXT
        );`,
		`CREATE TABLE IF NOT EXISTS job_results (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            job_id TEXT,
            meta_json TEXT,
            created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
        );`,
		`CREATE TABLE IF NOT EXISTS solved_transforms (
            job_id TEXT NOT NULL,
            image_index INTEGER NOT NULL,
            a REAL,
            b REAL,
            dx REAL,
            dy REAL,
            points INTEGER,
            residual REAL,
            error_message TEXT,
            PRIMARY KEY (job_id, image_index)
        );`,
		`CREATE TABLE IF NOT EXISTS output_images (
            job_id TEXT NOT NULL,
            image_index INTEGER NOT NULL,
            input_path TEXT,
            output_path TEXT,
            size_bytes INTEGER,
            error_message TEXT,
            PRIMARY KEY (job_id, image_index)
        );`,
		`CREATE INDEX IF NOT EXISTS idx_job_results_job_id ON job_results(job_id);`,
	}
	for _, stmt := range stmts {
		if _, err := s.DB.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// Close closes the underlying DB.
func (s *Store) Close() error {
	if s == nil || s.DB == nil {
		return nil
	}
	return s.DB.Close()
}

// JobRecord captures persisted job info.
type JobRecord struct {
	ID          string     `json:"id"`
	JobType     string     `json:"type"`
	Status      string     `json:"status"`
	InputPath   string     `json:"input"`
	OutputPath  string     `json:"output"`
	OptionsJSON string     `json:"options,omitempty"`
	Error       string     `json:"error,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// TransformRecord is one image's solved transform.
type TransformRecord struct {
	Index    int     `json:"index"`
	A        float64 `json:"a"`
	B        float64 `json:"b"`
	DX       float64 `json:"dx"`
	DY       float64 `json:"dy"`
	Points   int     `json:"points"`
	Residual float64 `json:"residual"`
	Error    string  `json:"error,omitempty"`
}

// OutputRecord is one image written by an apply job.
type OutputRecord struct {
	Index      int    `json:"index"`
	InputPath  string `json:"input"`
	OutputPath string `json:"output"`
	Bytes      int64  `json:"bytes"`
	Error      string `json:"error,omitempty"`
}

// RecordJobQueued inserts a pending job.
func (s *Store) RecordJobQueued(rec JobRecord) error {
	if s == nil {
		return nil
	}
	_, err := s.DB.Exec(`INSERT OR REPLACE INTO processing_jobs (id, job_type, status, input_path, output_path, options_json) VALUES (?, ?, ?, ?, ?, ?);`,
		rec.ID, rec.JobType, rec.Status, rec.InputPath, rec.OutputPath, rec.OptionsJSON)
	return err
}

// RecordJobStart marks a job as running.
func (s *Store) RecordJobStart(id string) error {
	if s == nil {
		return nil
	}
	_, err := s.DB.Exec(`UPDATE processing_jobs SET status='running', started_at=CURRENT_TIMESTAMP WHERE id=?;`, id)
	return err
}

// RecordJobResult finalizes a job with status and meta.
func (s *Store) RecordJobResult(id string, status string, meta map[string]any, errMsg string) error {
	if s == nil {
		return nil
	}
	metaJSON, _ := json.Marshal(meta)
	_, err := s.DB.Exec(`UPDATE processing_jobs SET status=?, completed_at=CURRENT_TIMESTAMP, error_message=? WHERE id=?;`, status, errMsg, id)
	if err != nil {
		return err
	}
	_, err = s.DB.Exec(`INSERT INTO job_results (job_id, meta_json) VALUES (?, ?);`, id, string(metaJSON))
	return err
}

// RecordTransforms replaces the solved transforms of a job.
func (s *Store) RecordTransforms(jobID string, recs []TransformRecord) error {
	if s == nil {
		return nil
	}
	tx, err := s.DB.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.Exec(`DELETE FROM solved_transforms WHERE job_id=?;`, jobID); err != nil {
		return err
	}
	for _, r := range recs {
		_, err := tx.Exec(`INSERT INTO solved_transforms (job_id, image_index, a, b, dx, dy, points, residual, error_message) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?);`,
			jobID, r.Index, r.A, r.B, r.DX, r.DY, r.Points, r.Residual, r.Error)
		if err != nil {
			return fmt.Errorf("image %d: %w", r.Index, err)
		}
	}
	return tx.Commit()
}

// RecordOutputs replaces the written images of a job.
func (s *Store) RecordOutputs(jobID string, recs []OutputRecord) error {
	if s == nil {
		return nil
	}
	tx, err := s.DB.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.Exec(`DELETE FROM output_images WHERE job_id=?;`, jobID); err != nil {
		return err
	}
	for _, r := range recs {
		_, err := tx.Exec(`INSERT INTO output_images (job_id, image_index, input_path, output_path, size_bytes, error_message) VALUES (?, ?, ?, ?, ?, ?);`,
			jobID, r.Index, r.InputPath, r.OutputPath, r.Bytes, r.Error)
		if err != nil {
			return fmt.Errorf("image %d: %w", r.Index, err)
		}
	}
	return tx.Commit()
}

// RecentJobs returns the latest jobs up to limit.
func (s *Store) RecentJobs(limit int) ([]JobRecord, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	rows, err := s.DB.Query(`SELECT id, job_type, status, input_path, output_path, options_json, created_at, started_at, completed_at, error_message FROM processing_jobs ORDER BY created_at DESC, rowid DESC LIMIT ?;`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []JobRecord
	for rows.Next() {
		rec, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// Job fetches a single job; sql.ErrNoRows when it does not exist.
func (s *Store) Job(id string) (JobRecord, error) {
	if s == nil {
		return JobRecord{}, errors.New("store not initialized")
	}
	row := s.DB.QueryRow(`SELECT id, job_type, status, input_path, output_path, options_json, created_at, started_at, completed_at, error_message FROM processing_jobs WHERE id=?;`, id)
	return scanJob(row)
}

type scanner interface {
	Scan(dest ...any) error
}

func scanJob(sc scanner) (JobRecord, error) {
	var rec JobRecord
	var created time.Time
	var input, output, opts sql.NullString
	var started, completed sql.NullTime
	var errorMsg sql.NullString
	if err := sc.Scan(&rec.ID, &rec.JobType, &rec.Status, &input, &output, &opts, &created, &started, &completed, &errorMsg); err != nil {
		return JobRecord{}, err
	}
	rec.InputPath = input.String
	rec.OutputPath = output.String
	rec.OptionsJSON = opts.String
	rec.CreatedAt = created
	if started.Valid {
		rec.StartedAt = &started.Time
	}
	if completed.Valid {
		rec.CompletedAt = &completed.Time
	}
	if errorMsg.Valid {
		rec.Error = errorMsg.String
	}
	return rec, nil
}

// JobMeta fetches the last meta blob for a job.
func (s *Store) JobMeta(id string) (map[string]any, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	var metaJSON string
	err := s.DB.QueryRow(`SELECT meta_json FROM job_results WHERE job_id=? ORDER BY id DESC LIMIT 1;`, id).Scan(&metaJSON)
	if err != nil {
		return nil, err
	}
	var meta map[string]any
	if err := json.Unmarshal([]byte(metaJSON), &meta); err != nil {
		return nil, fmt.Errorf("unmarshal meta: %w", err)
	}
	return meta, nil
}

// Transforms lists a job's solved transforms in image order.
func (s *Store) Transforms(jobID string) ([]TransformRecord, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	rows, err := s.DB.Query(`SELECT image_index, a, b, dx, dy, points, residual, error_message FROM solved_transforms WHERE job_id=? ORDER BY image_index;`, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []TransformRecord
	for rows.Next() {
		var r TransformRecord
		var errorMsg sql.NullString
		if err := rows.Scan(&r.Index, &r.A, &r.B, &r.DX, &r.DY, &r.Points, &r.Residual, &errorMsg); err != nil {
			return nil, err
		}
		r.Error = errorMsg.String
		recs = append(recs, r)
	}
	return recs, rows.Err()
}

// Outputs lists the images an apply job wrote, in batch order.
func (s *Store) Outputs(jobID string) ([]OutputRecord, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	rows, err := s.DB.Query(`SELECT image_index, input_path, output_path, size_bytes, error_message FROM output_images WHERE job_id=? ORDER BY image_index;`, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []OutputRecord
	for rows.Next() {
		var r OutputRecord
		var input, output, errorMsg sql.NullString
		if err := rows.Scan(&r.Index, &input, &output, &r.Bytes, &errorMsg); err != nil {
			return nil, err
		}
		r.InputPath = input.String
		r.OutputPath = output.String
		r.Error = errorMsg.String
		recs = append(recs, r)
	}
	return recs, rows.Err()
}
