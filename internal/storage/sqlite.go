package storage

import (
	"database/sql"
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store wraps a SQLite database holding jobs, step records, and vectors.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) a SQLite database in dataDir and runs pending migrations.
// Pass ":memory:" as dataDir for an in-memory database (used by tests).
func Open(dataDir string) (*Store, error) {
	var dsn string
	if dataDir == ":memory:" {
		dsn = ":memory:"
	} else {
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
		dsn = filepath.Join(dataDir, "askdoc.db")
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	// Limit to single connection to avoid "database is locked" errors.
	db.SetMaxOpenConns(1)

	// Set busy timeout so concurrent access waits briefly instead of failing immediately.
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	// Enable WAL mode for better concurrent read performance.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting journal mode: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the underlying connection for the vector store backend.
func (s *Store) DB() *sql.DB {
	return s.db
}

// migrate reads embedded SQL migration files and applies any that haven't been run yet.
func (s *Store) migrate() error {
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("creating schema_version table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}

	// Sort by filename to guarantee ascending order.
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}

		version, err := parseMigrationVersion(entry.Name())
		if err != nil {
			return err
		}

		var exists int
		if err := s.db.QueryRow("SELECT COUNT(*) FROM schema_version WHERE version = ?", version).Scan(&exists); err != nil {
			return fmt.Errorf("checking migration %d: %w", version, err)
		}
		if exists > 0 {
			continue
		}

		content, err := migrationsFS.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", entry.Name(), err)
		}

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("beginning transaction for migration %d: %w", version, err)
		}

		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("applying migration %d: %w", version, err)
		}

		if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", version); err != nil {
			tx.Rollback()
			return fmt.Errorf("recording migration %d: %w", version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration %d: %w", version, err)
		}
	}

	return nil
}

func parseMigrationVersion(filename string) (int, error) {
	var version int
	if _, err := fmt.Sscanf(filename, "%d_", &version); err != nil {
		return 0, fmt.Errorf("parsing migration version from %q: %w", filename, err)
	}
	return version, nil
}

// --- Jobs ---

const jobColumns = `id, type, payload_json, status, result_json, failed_step, last_error, run_after, created_at, updated_at`

// CreateJob inserts a new pending job. RunAfter defaults to now.
func (s *Store) CreateJob(job Job) error {
	now := time.Now().UTC().Format(time.RFC3339)
	runAfter := now
	if !job.RunAfter.IsZero() {
		runAfter = job.RunAfter.UTC().Format(time.RFC3339)
	}
	_, err := s.db.Exec(`
		INSERT INTO jobs (id, type, payload_json, status, run_after, created_at, updated_at)
		VALUES (?, ?, ?, 'pending', ?, ?, ?)`,
		job.ID, job.Type, job.PayloadJSON, runAfter, now, now,
	)
	return err
}

// GetJob returns the job with the given id, or ErrNotFound.
func (s *Store) GetJob(id string) (Job, error) {
	row := s.db.QueryRow(`SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	job, err := scanJob(row)
	if err == sql.ErrNoRows {
		return Job{}, ErrNotFound
	}
	return job, err
}

// ClaimNextJob atomically moves the oldest runnable pending job to running
// and returns it. Returns nil when no job is runnable.
func (s *Store) ClaimNextJob(types []string) (*Job, error) {
	if len(types) == 0 {
		return nil, nil
	}

	now := time.Now().UTC().Format(time.RFC3339)
	placeholders := strings.Repeat(",?", len(types)-1)
	query := `SELECT ` + jobColumns + `
		FROM jobs
		WHERE status = 'pending' AND run_after <= ? AND type IN (?` + placeholders + `)
		ORDER BY run_after ASC, created_at ASC
		LIMIT 1`

	args := make([]interface{}, 0, len(types)+1)
	args = append(args, now)
	for _, t := range types {
		args = append(args, t)
	}

	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("beginning claim transaction: %w", err)
	}

	job, err := scanJob(tx.QueryRow(query, args...))
	if err == sql.ErrNoRows {
		tx.Rollback()
		return nil, nil
	}
	if err != nil {
		tx.Rollback()
		return nil, fmt.Errorf("selecting next job: %w", err)
	}

	res, err := tx.Exec(`UPDATE jobs SET status = 'running', updated_at = ? WHERE id = ? AND status = 'pending'`, now, job.ID)
	if err != nil {
		tx.Rollback()
		return nil, fmt.Errorf("updating job status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		tx.Rollback()
		return nil, fmt.Errorf("checking updated job rows: %w", err)
	}
	if n != 1 {
		tx.Rollback()
		return nil, nil
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing claim: %w", err)
	}

	job.Status = JobRunning
	return &job, nil
}

// DeferJob returns a running job to pending, to be retried after the given
// delay. Used when the rate governor defers admission.
func (s *Store) DeferJob(id string, retryAfter time.Duration) error {
	now := time.Now().UTC()
	res, err := s.db.Exec(`UPDATE jobs SET status = 'pending', run_after = ?, updated_at = ? WHERE id = ?`,
		now.Add(retryAfter).Format(time.RFC3339), now.Format(time.RFC3339), id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// RequeueRunningJobs returns running jobs of the given types to pending
// with run_after set to now. A job left running by a process that died
// mid-run can never be claimed again; requeueing it lets the dispatcher
// resume it, replaying succeeded steps from their records. Returns how many
// jobs were requeued.
func (s *Store) RequeueRunningJobs(types []string) (int, error) {
	if len(types) == 0 {
		return 0, nil
	}

	now := time.Now().UTC().Format(time.RFC3339)
	placeholders := strings.Repeat(",?", len(types)-1)
	args := make([]interface{}, 0, len(types)+2)
	args = append(args, now, now)
	for _, t := range types {
		args = append(args, t)
	}

	res, err := s.db.Exec(`UPDATE jobs SET status = 'pending', run_after = ?, updated_at = ?
		WHERE status = 'running' AND type IN (?`+placeholders+`)`, args...)
	if err != nil {
		return 0, fmt.Errorf("requeueing running jobs: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

// CompleteJob marks a job succeeded and stores its final result.
func (s *Store) CompleteJob(id string, resultJSON string) error {
	now := time.Now().UTC().Format(time.RFC3339)
	res, err := s.db.Exec(`UPDATE jobs SET status = 'succeeded', result_json = ?, updated_at = ? WHERE id = ?`,
		resultJSON, now, id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// FailJob marks a job failed, recording the failing step and last error.
func (s *Store) FailJob(id string, failedStep, errMsg string) error {
	now := time.Now().UTC().Format(time.RFC3339)
	res, err := s.db.Exec(`UPDATE jobs SET status = 'failed', failed_step = ?, last_error = ?, updated_at = ? WHERE id = ?`,
		failedStep, errMsg, now, id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// ListJobs returns the most recently created jobs, newest first.
func (s *Store) ListJobs(limit int) ([]Job, error) {
	rows, err := s.db.Query(`SELECT `+jobColumns+` FROM jobs ORDER BY created_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanJob(row rowScanner) (Job, error) {
	var j Job
	var runAfter, createdAt, updatedAt string
	err := row.Scan(&j.ID, &j.Type, &j.PayloadJSON, &j.Status, &j.ResultJSON,
		&j.FailedStep, &j.LastError, &runAfter, &createdAt, &updatedAt)
	if err != nil {
		return Job{}, err
	}
	if j.RunAfter, err = time.Parse(time.RFC3339, runAfter); err != nil {
		return Job{}, fmt.Errorf("parsing run_after for job %s: %w", j.ID, err)
	}
	if j.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
		return Job{}, fmt.Errorf("parsing created_at for job %s: %w", j.ID, err)
	}
	if j.UpdatedAt, err = time.Parse(time.RFC3339, updatedAt); err != nil {
		return Job{}, fmt.Errorf("parsing updated_at for job %s: %w", j.ID, err)
	}
	return j, nil
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// --- Step records ---

// GetStepRecord returns the step record for (jobID, stepName), or ErrNotFound.
func (s *Store) GetStepRecord(jobID, stepName string) (StepRecord, error) {
	var r StepRecord
	var updatedAt string
	err := s.db.QueryRow(`
		SELECT job_id, step_name, status, result_json, attempt_count, last_error, updated_at
		FROM step_records WHERE job_id = ? AND step_name = ?`, jobID, stepName,
	).Scan(&r.JobID, &r.StepName, &r.Status, &r.ResultJSON, &r.AttemptCount, &r.LastError, &updatedAt)
	if err == sql.ErrNoRows {
		return StepRecord{}, ErrNotFound
	}
	if err != nil {
		return StepRecord{}, err
	}
	t, err := time.Parse(time.RFC3339, updatedAt)
	if err != nil {
		return StepRecord{}, fmt.Errorf("parsing updated_at: %w", err)
	}
	r.UpdatedAt = t
	return r, nil
}

// SaveStepResult upserts a succeeded step record with its serialized result.
// Every attempt, successful or not, bumps attempt_count.
func (s *Store) SaveStepResult(jobID, stepName, resultJSON string) error {
	now := time.Now().UTC().Format(time.RFC3339)
	_, err := s.db.Exec(`
		INSERT INTO step_records (job_id, step_name, status, result_json, attempt_count, last_error, updated_at)
		VALUES (?, ?, 'succeeded', ?, 1, '', ?)
		ON CONFLICT(job_id, step_name) DO UPDATE SET
			status = 'succeeded',
			result_json = excluded.result_json,
			attempt_count = attempt_count + 1,
			last_error = '',
			updated_at = excluded.updated_at`,
		jobID, stepName, resultJSON, now,
	)
	return err
}

// SaveStepFailure upserts a failed step record, incrementing attempt_count
// and recording the error message.
func (s *Store) SaveStepFailure(jobID, stepName, errMsg string) error {
	now := time.Now().UTC().Format(time.RFC3339)
	_, err := s.db.Exec(`
		INSERT INTO step_records (job_id, step_name, status, result_json, attempt_count, last_error, updated_at)
		VALUES (?, ?, 'failed', '', 1, ?, ?)
		ON CONFLICT(job_id, step_name) DO UPDATE SET
			status = 'failed',
			attempt_count = attempt_count + 1,
			last_error = excluded.last_error,
			updated_at = excluded.updated_at`,
		jobID, stepName, errMsg, now,
	)
	return err
}
