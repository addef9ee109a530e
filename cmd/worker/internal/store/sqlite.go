package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "modernc.org/sqlite"

	"github.com/houzhh15/meeting-worker/cmd/worker/internal/models"
)

const schema = `
CREATE TABLE IF NOT EXISTS jobs (
	id TEXT PRIMARY KEY,
	status TEXT NOT NULL,
	audio_ref TEXT NOT NULL,
	worker_id TEXT NOT NULL DEFAULT '',
	error_message TEXT NOT NULL DEFAULT '',
	expected_speakers INTEGER NOT NULL DEFAULT 0,
	language TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_jobs_status_created ON jobs (status, created_at);

CREATE TABLE IF NOT EXISTS transcripts (
	job_id TEXT PRIMARY KEY,
	body TEXT NOT NULL,
	created_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS summaries (
	job_id TEXT PRIMARY KEY,
	body TEXT NOT NULL,
	model_used TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL
);
`

const jobColumns = `id, status, audio_ref, worker_id, error_message, expected_speakers, language, created_at, updated_at`

// SQLiteStore is a JobStore and ResultSink backed by a SQLite database.
// Several worker processes may share one database file; Claim is a single
// conditional UPDATE so at most one of them wins.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
	now    func() time.Time
}

// OpenSQLite opens (or creates) the database at path in WAL mode with a
// busy timeout so concurrent writers wait instead of failing.
func OpenSQLite(path string, logger *slog.Logger) (*SQLiteStore, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return &SQLiteStore{db: db, logger: logger.With("component", "sqlite_store"), now: time.Now}, nil
}

// Migrate creates the schema. It is idempotent.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	s.logger.Info("schema ready")
	return nil
}

// Ping checks the database connection.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Enqueue implements JobStore.
func (s *SQLiteStore) Enqueue(ctx context.Context, job models.Job) error {
	job, err := prepareQueued(job, s.now())
	if err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO jobs (`+jobColumns+`)
		VALUES (?, ?, ?, '', '', ?, ?, ?, ?)
		ON CONFLICT (id) DO NOTHING
	`, job.ID, job.Status, job.AudioRef, job.ExpectedSpeakers, job.Language,
		job.CreatedAt.UnixNano(), job.UpdatedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("job %s: %w", job.ID, ErrAlreadyExists)
	}
	return nil
}

// ListQueued implements JobStore.
func (s *SQLiteStore) ListQueued(ctx context.Context, limit int) ([]models.Job, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+jobColumns+`
		FROM jobs
		WHERE status = 'queued'
		ORDER BY created_at ASC, id ASC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query queued jobs: %w", err)
	}
	defer rows.Close()

	var jobs []models.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *j)
	}
	return jobs, rows.Err()
}

// Claim implements JobStore with UPDATE ... WHERE status = 'queued'.
func (s *SQLiteStore) Claim(ctx context.Context, id, workerID string) (*models.Job, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs
		SET status = 'claimed', worker_id = ?, updated_at = ?
		WHERE id = ? AND status = 'queued'
	`, workerID, s.now().UnixNano(), id)
	if err != nil {
		return nil, fmt.Errorf("claim job: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("claim job: %w", err)
	}

	job, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, fmt.Errorf("job %s is %s: %w", id, job.Status, ErrAlreadyClaimed)
	}
	return job, nil
}

// UpdateStatus implements JobStore.
func (s *SQLiteStore) UpdateStatus(ctx context.Context, id, workerID string, status models.JobStatus, errMsg string) error {
	if !models.StatusClaimed.CanTransition(status) {
		return fmt.Errorf("job %s: cannot set status %s: %w", id, status, ErrInvalidTransition)
	}
	if status != models.StatusFailed {
		errMsg = ""
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs
		SET status = ?, error_message = ?, updated_at = ?
		WHERE id = ? AND worker_id = ? AND status = 'claimed'
	`, status, errMsg, s.now().UnixNano(), id, workerID)
	if err != nil {
		return fmt.Errorf("update job status: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}

	job, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	return fmt.Errorf("job %s (%s, held by %q) -> %s by %q: %w",
		id, job.Status, job.WorkerID, status, workerID, ErrInvalidTransition)
}

// Get implements JobStore.
func (s *SQLiteStore) Get(ctx context.Context, id string) (*models.Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	return job, err
}

// SaveTranscript implements ResultSink.
func (s *SQLiteStore) SaveTranscript(ctx context.Context, t *models.Transcript) error {
	body, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("encode transcript: %w", err)
	}
	return s.insertOnce(ctx, "transcript", t.JobID, `
		INSERT INTO transcripts (job_id, body, created_at)
		VALUES (?, ?, ?)
		ON CONFLICT (job_id) DO NOTHING
	`, t.JobID, string(body), s.now().UnixNano())
}

// SaveSummary implements ResultSink.
func (s *SQLiteStore) SaveSummary(ctx context.Context, sum *models.MeetingSummary) error {
	body, err := json.Marshal(sum)
	if err != nil {
		return fmt.Errorf("encode summary: %w", err)
	}
	return s.insertOnce(ctx, "summary", sum.JobID, `
		INSERT INTO summaries (job_id, body, model_used, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (job_id) DO NOTHING
	`, sum.JobID, string(body), sum.ModelUsed, s.now().UnixNano())
}

func (s *SQLiteStore) insertOnce(ctx context.Context, what, jobID, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("insert %s: %w", what, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%s for job %s: %w", what, jobID, ErrAlreadyExists)
	}
	return nil
}

// Transcript returns the saved transcript for jobID.
func (s *SQLiteStore) Transcript(ctx context.Context, jobID string) (*models.Transcript, error) {
	var body string
	err := s.db.QueryRowContext(ctx, `SELECT body FROM transcripts WHERE job_id = ?`, jobID).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("transcript for job %s: %w", jobID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query transcript: %w", err)
	}

	var t models.Transcript
	if err := json.Unmarshal([]byte(body), &t); err != nil {
		return nil, fmt.Errorf("decode transcript: %w", err)
	}
	return &t, nil
}

// Summary returns the saved summary for jobID.
func (s *SQLiteStore) Summary(ctx context.Context, jobID string) (*models.MeetingSummary, error) {
	var body string
	err := s.db.QueryRowContext(ctx, `SELECT body FROM summaries WHERE job_id = ?`, jobID).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("summary for job %s: %w", jobID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query summary: %w", err)
	}

	var sum models.MeetingSummary
	if err := json.Unmarshal([]byte(body), &sum); err != nil {
		return nil, fmt.Errorf("decode summary: %w", err)
	}
	return &sum, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*models.Job, error) {
	var j models.Job
	var createdAt, updatedAt int64
	if err := row.Scan(&j.ID, &j.Status, &j.AudioRef, &j.WorkerID, &j.ErrorMessage,
		&j.ExpectedSpeakers, &j.Language, &createdAt, &updatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan job: %w", err)
	}
	j.CreatedAt = time.Unix(0, createdAt)
	j.UpdatedAt = time.Unix(0, updatedAt)
	return &j, nil
}
