// Package storage persists job and stage-execution state in SQLite so a
// crash-recovered scheduler can resume from the last durable checkpoint.
package storage

import (
	"database/sql"
	"errors"
	"time"

	_ "modernc.org/sqlite"
)

// Store wraps SQLite-backed persistence for jobs, their stage executions,
// and the canonical reconstruction selected for each job.
type Store struct {
	DB *sql.DB
}

// New opens (or creates) the database at path and ensures schema.
func New(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	s := &Store{DB: db}
	if err := s.ensureSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) ensureSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS jobs (
            id TEXT PRIMARY KEY,
            input_path TEXT NOT NULL,
            quality_tag TEXT NOT NULL,
            params_hash TEXT,
            status TEXT NOT NULL,
            created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
            completed_at TIMESTAMP,
            error_message TEXT
        );`,
		`CREATE TABLE IF NOT EXISTS stage_executions (
            job_id TEXT NOT NULL,
            stage TEXT NOT NULL,
            status TEXT NOT NULL,
            progress REAL NOT NULL DEFAULT 0,
            activity TEXT,
            started_at TIMESTAMP,
            finished_at TIMESTAMP,
            failure_reason TEXT,
            artifacts_json TEXT,
            attempt INTEGER NOT NULL DEFAULT 1,
            PRIMARY KEY (job_id, stage)
        );`,
		`CREATE TABLE IF NOT EXISTS reconstructions (
            job_id TEXT PRIMARY KEY,
            num_points INTEGER NOT NULL,
            num_images INTEGER NOT NULL,
            point_cloud_path TEXT NOT NULL,
            created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
        );`,
		`CREATE INDEX IF NOT EXISTS idx_stage_executions_job_id ON stage_executions(job_id);`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status);`,
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

// JobRecord captures a job's persisted top-level state.
type JobRecord struct {
	ID           string
	InputPath    string
	QualityTag   string
	ParamsHash   string
	Status       string
	CreatedAt    time.Time
	CompletedAt  *time.Time
	ErrorMessage string
}

// StageExecutionRecord captures one stage's persisted state for one job.
type StageExecutionRecord struct {
	JobID         string
	Stage         string
	Status        string
	Progress      float64
	Activity      string
	StartedAt     *time.Time
	FinishedAt    *time.Time
	FailureReason string
	ArtifactsJSON string
	Attempt       int
}

// ReconstructionRecord records which reconstruction was selected as
// canonical for a job, and a few summary statistics about it.
type ReconstructionRecord struct {
	JobID          string
	NumPoints      int
	NumImages      int
	PointCloudPath string
}

// RecordJobQueued inserts a new job in the "queued" state.
func (s *Store) RecordJobQueued(rec JobRecord) error {
	if s == nil {
		return nil
	}
	_, err := s.DB.Exec(`INSERT OR REPLACE INTO jobs (id, input_path, quality_tag, params_hash, status) VALUES (?, ?, ?, ?, 'queued');`,
		rec.ID, rec.InputPath, rec.QualityTag, rec.ParamsHash)
	return err
}

// RecordJobStatus updates a job's top-level status, optionally with a
// terminal error message.
func (s *Store) RecordJobStatus(id, status, errMsg string) error {
	if s == nil {
		return nil
	}
	if status == "completed" || status == "failed" || status == "cancelled" {
		_, err := s.DB.Exec(`UPDATE jobs SET status=?, completed_at=CURRENT_TIMESTAMP, error_message=? WHERE id=?;`, status, errMsg, id)
		return err
	}
	_, err := s.DB.Exec(`UPDATE jobs SET status=? WHERE id=?;`, status, id)
	return err
}

// UpsertStageExecution writes the current state of one (job, stage) pair,
// replacing any prior row. The scheduler calls it when a stage completes or
// fails; crash recovery resumes from progress.json, not from these rows.
func (s *Store) UpsertStageExecution(rec StageExecutionRecord) error {
	if s == nil {
		return nil
	}
	_, err := s.DB.Exec(`INSERT INTO stage_executions (job_id, stage, status, progress, activity, started_at, finished_at, failure_reason, artifacts_json, attempt)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
        ON CONFLICT(job_id, stage) DO UPDATE SET
            status=excluded.status, progress=excluded.progress, activity=excluded.activity,
            started_at=excluded.started_at, finished_at=excluded.finished_at,
            failure_reason=excluded.failure_reason, artifacts_json=excluded.artifacts_json, attempt=excluded.attempt;`,
		rec.JobID, rec.Stage, rec.Status, rec.Progress, rec.Activity, rec.StartedAt, rec.FinishedAt, rec.FailureReason, rec.ArtifactsJSON, rec.Attempt)
	return err
}

// StageExecutionsForJob returns every persisted stage-execution row for a
// job.
func (s *Store) StageExecutionsForJob(jobID string) ([]StageExecutionRecord, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	rows, err := s.DB.Query(`SELECT job_id, stage, status, progress, activity, started_at, finished_at, failure_reason, artifacts_json, attempt FROM stage_executions WHERE job_id=?;`, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []StageExecutionRecord
	for rows.Next() {
		var rec StageExecutionRecord
		var started, finished sql.NullTime
		var activity, failureReason, artifacts sql.NullString
		if err := rows.Scan(&rec.JobID, &rec.Stage, &rec.Status, &rec.Progress, &activity, &started, &finished, &failureReason, &artifacts, &rec.Attempt); err != nil {
			return nil, err
		}
		rec.Activity = activity.String
		rec.FailureReason = failureReason.String
		rec.ArtifactsJSON = artifacts.String
		if started.Valid {
			rec.StartedAt = &started.Time
		}
		if finished.Valid {
			rec.FinishedAt = &finished.Time
		}
		out = append(out, rec)
	}
	return out, nil
}

// RecentJobs returns the latest jobs up to limit.
func (s *Store) RecentJobs(limit int) ([]JobRecord, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	rows, err := s.DB.Query(`SELECT id, input_path, quality_tag, params_hash, status, created_at, completed_at, error_message FROM jobs ORDER BY created_at DESC LIMIT ?;`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []JobRecord
	for rows.Next() {
		var rec JobRecord
		var paramsHash sql.NullString
		var completed sql.NullTime
		var errMsg sql.NullString
		if err := rows.Scan(&rec.ID, &rec.InputPath, &rec.QualityTag, &paramsHash, &rec.Status, &rec.CreatedAt, &completed, &errMsg); err != nil {
			return nil, err
		}
		rec.ParamsHash = paramsHash.String
		if completed.Valid {
			rec.CompletedAt = &completed.Time
		}
		rec.ErrorMessage = errMsg.String
		recs = append(recs, rec)
	}
	return recs, nil
}

// GetJob returns a single job by id.
func (s *Store) GetJob(id string) (JobRecord, error) {
	if s == nil {
		return JobRecord{}, errors.New("store not initialized")
	}
	var rec JobRecord
	var paramsHash sql.NullString
	var completed sql.NullTime
	var errMsg sql.NullString
	err := s.DB.QueryRow(`SELECT id, input_path, quality_tag, params_hash, status, created_at, completed_at, error_message FROM jobs WHERE id=?;`, id).
		Scan(&rec.ID, &rec.InputPath, &rec.QualityTag, &paramsHash, &rec.Status, &rec.CreatedAt, &completed, &errMsg)
	if err != nil {
		return JobRecord{}, err
	}
	rec.ParamsHash = paramsHash.String
	if completed.Valid {
		rec.CompletedAt = &completed.Time
	}
	rec.ErrorMessage = errMsg.String
	return rec, nil
}

// DeleteJob removes a job and its stage executions and reconstruction
// record. The job must be in a terminal state; callers enforce that, not
// the store.
func (s *Store) DeleteJob(id string) error {
	if s == nil {
		return nil
	}
	tx, err := s.DB.Begin()
	if err != nil {
		return err
	}
	for _, stmt := range []string{
		`DELETE FROM stage_executions WHERE job_id=?;`,
		`DELETE FROM reconstructions WHERE job_id=?;`,
		`DELETE FROM jobs WHERE id=?;`,
	} {
		if _, err := tx.Exec(stmt, id); err != nil {
			tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

// RecordReconstruction persists which reconstruction was selected as
// canonical for a job.
func (s *Store) RecordReconstruction(rec ReconstructionRecord) error {
	if s == nil {
		return nil
	}
	_, err := s.DB.Exec(`INSERT OR REPLACE INTO reconstructions (job_id, num_points, num_images, point_cloud_path) VALUES (?, ?, ?, ?);`,
		rec.JobID, rec.NumPoints, rec.NumImages, rec.PointCloudPath)
	return err
}

// GetReconstruction returns the canonical reconstruction record for a job.
func (s *Store) GetReconstruction(jobID string) (ReconstructionRecord, error) {
	if s == nil {
		return ReconstructionRecord{}, errors.New("store not initialized")
	}
	var rec ReconstructionRecord
	err := s.DB.QueryRow(`SELECT job_id, num_points, num_images, point_cloud_path FROM reconstructions WHERE job_id=?;`, jobID).
		Scan(&rec.JobID, &rec.NumPoints, &rec.NumImages, &rec.PointCloudPath)
	return rec, err
}
