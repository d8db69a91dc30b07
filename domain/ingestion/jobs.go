package ingestion

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/uptrace/bun"

	"github.com/docfoundry/docfoundry/internal/config"
	"github.com/docfoundry/docfoundry/internal/database"
	"github.com/docfoundry/docfoundry/pkg/apperror"
	"github.com/docfoundry/docfoundry/pkg/logger"
	"github.com/docfoundry/docfoundry/pkg/structurer"
)

const (
	baseBackoffMs = 1000
	minBackoffMs  = 5000
	maxBackoffMs  = 60000

	// maxErrorLength caps persisted error messages
	maxErrorLength = 500
)

// Backoff returns the delay before re-attempting a failed job:
// 2^attempts seconds, clamped to [5s, 60s].
func Backoff(attempts int) time.Duration {
	if attempts < 0 {
		attempts = 0
	}
	ms := float64(baseBackoffMs) * math.Pow(2, float64(attempts))
	ms = math.Min(math.Max(ms, minBackoffMs), maxBackoffMs)
	return time.Duration(ms) * time.Millisecond
}

// JobsService manages the ingestion job queue.
//
// Key features:
// - Atomic enqueue of one job plus its document rows
// - Single-claim dequeue with FOR UPDATE SKIP LOCKED
// - Retry with clamped exponential backoff, limited by max_attempts
// - Stale job recovery
// - Queue statistics
type JobsService struct {
	db          bun.IDB
	log         *slog.Logger
	maxAttempts int
}

// NewJobsService creates a new jobs service. The configured max attempts
// is stamped onto new jobs at enqueue time.
func NewJobsService(db bun.IDB, log *slog.Logger, cfg *config.Config) *JobsService {
	maxAttempts := cfg.Worker.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	return &JobsService{
		db:          db,
		log:         log.With(logger.Scope("ingestion.jobs")),
		maxAttempts: maxAttempts,
	}
}

// EnqueueFile describes one staged file passed to Enqueue
type EnqueueFile struct {
	OriginalName string
	StoredName   string
	StoredPath   string
	MimeType     string
	SizeBytes    int64
}

// Enqueue atomically inserts one queued job and one document row per file.
// An empty file list still creates the job; it completes as a no-op on the
// first claim.
func (s *JobsService) Enqueue(ctx context.Context, userID, uploadSessionID string, files []EnqueueFile) (*IngestionJob, error) {
	tx, err := database.BeginSafeTx(ctx, s.db)
	if err != nil {
		return nil, apperror.ErrStorage.WithInternal(fmt.Errorf("begin enqueue tx: %w", err))
	}
	defer tx.Rollback()

	job := &IngestionJob{
		UserID:          userID,
		UploadSessionID: uploadSessionID,
		Status:          JobStatusQueued,
		AttemptCount:    0,
		MaxAttempts:     s.maxAttempts,
		NextRunAt:       time.Now(),
	}

	if _, err := tx.NewInsert().Model(job).Returning("*").Exec(ctx); err != nil {
		return nil, apperror.ErrStorage.WithInternal(fmt.Errorf("insert job: %w", err))
	}

	if len(files) > 0 {
		docs := make([]*UploadedDocument, 0, len(files))
		for _, f := range files {
			docs = append(docs, &UploadedDocument{
				JobID:            job.ID,
				UserID:           userID,
				OriginalName:     f.OriginalName,
				StoredName:       f.StoredName,
				StoredPath:       f.StoredPath,
				MimeType:         f.MimeType,
				SizeBytes:        f.SizeBytes,
				StructuredStatus: DocumentStatusPending,
			})
		}
		if _, err := tx.NewInsert().Model(&docs).Exec(ctx); err != nil {
			return nil, apperror.ErrStorage.WithInternal(fmt.Errorf("insert documents: %w", err))
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, apperror.ErrStorage.WithInternal(fmt.Errorf("commit enqueue tx: %w", err))
	}

	s.log.Debug("enqueued ingestion job",
		slog.String("job_id", job.ID),
		slog.String("user_id", userID),
		slog.Int("documents", len(files)))

	return job, nil
}

// ClaimNext atomically claims the oldest runnable queued job, transitioning
// it to processing_structure and incrementing attempt_count. Returns nil
// when no job is runnable or another worker won the race.
func (s *JobsService) ClaimNext(ctx context.Context) (*IngestionJob, error) {
	var jobs []*IngestionJob

	err := s.db.NewRaw(`WITH cte AS (
		SELECT id FROM ingest.ingestion_jobs
		WHERE status = 'queued'
		  AND next_run_at <= now()
		  AND attempt_count < max_attempts
		ORDER BY created_at ASC
		FOR UPDATE SKIP LOCKED
		LIMIT 1
	)
	UPDATE ingest.ingestion_jobs j
	SET status = 'processing_structure',
		attempt_count = j.attempt_count + 1,
		updated_at = now()
	FROM cte
	WHERE j.id = cte.id AND j.status = 'queued'
	RETURNING j.*`).Scan(ctx, &jobs)
	if err != nil {
		return nil, fmt.Errorf("claim next job: %w", err)
	}

	if len(jobs) == 0 {
		return nil, nil
	}

	job := jobs[0]
	s.log.Debug("claimed ingestion job",
		slog.String("job_id", job.ID),
		slog.Int("attempt", job.AttemptCount))
	return job, nil
}

// GetJob retrieves a job by ID, nil if absent
func (s *JobsService) GetJob(ctx context.Context, id string) (*IngestionJob, error) {
	job := &IngestionJob{}
	err := s.db.NewSelect().
		Model(job).
		Where("id = ?", id).
		Scan(ctx)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

// GetDocumentsForJob returns the job's documents ordered by creation.
// Stable ordering keeps retried jobs reprocessing in the same sequence.
func (s *JobsService) GetDocumentsForJob(ctx context.Context, jobID string) ([]*UploadedDocument, error) {
	var docs []*UploadedDocument
	err := s.db.NewSelect().
		Model(&docs).
		Where("job_id = ?", jobID).
		Order("created_at ASC", "id ASC").
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("get documents for job: %w", err)
	}
	return docs, nil
}

// SetJobStatus writes a job status and error message. Rows already in a
// terminal status are never modified.
func (s *JobsService) SetJobStatus(ctx context.Context, jobID string, status JobStatus, errMsg *string) error {
	_, err := s.db.NewUpdate().
		Model((*IngestionJob)(nil)).
		Set("status = ?", status).
		Set("error_message = ?", truncateError(errMsg)).
		Set("updated_at = now()").
		Where("id = ?", jobID).
		Where("status NOT IN (?, ?)", JobStatusCompleted, JobStatusFailed).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("set job status: %w", err)
	}
	return nil
}

// SetDocumentStatus writes a document structuring status and error message
func (s *JobsService) SetDocumentStatus(ctx context.Context, documentID string, status DocumentStatus, errMsg *string) error {
	_, err := s.db.NewUpdate().
		Model((*UploadedDocument)(nil)).
		Set("structured_status = ?", status).
		Set("error_message = ?", truncateError(errMsg)).
		Set("updated_at = now()").
		Where("id = ?", documentID).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("set document status: %w", err)
	}
	return nil
}

// CompleteJob marks a job completed and clears its error
func (s *JobsService) CompleteJob(ctx context.Context, jobID string) error {
	if err := s.SetJobStatus(ctx, jobID, JobStatusCompleted, nil); err != nil {
		return err
	}
	s.log.Info("ingestion job completed", slog.String("job_id", jobID))
	return nil
}

// FailWithRetry re-queues a failed job with backoff, or marks it failed
// when attempts are exhausted. A missing job row is a no-op, and a job
// already in a terminal status is left untouched so a stalled worker's
// late failure cannot resurrect it.
func (s *JobsService) FailWithRetry(ctx context.Context, jobID, errorMessage string) error {
	job := &IngestionJob{}
	err := s.db.NewSelect().
		Model(job).
		Column("id", "attempt_count", "max_attempts").
		Where("id = ?", jobID).
		Scan(ctx)

	if err == sql.ErrNoRows {
		s.log.Warn("job not found when failing with retry", slog.String("job_id", jobID))
		return nil
	}
	if err != nil {
		return fmt.Errorf("get job for fail with retry: %w", err)
	}

	msg := errorMessage
	truncated := truncateError(&msg)

	if job.AttemptCount >= job.MaxAttempts {
		res, err := s.db.NewUpdate().
			Model((*IngestionJob)(nil)).
			Set("status = ?", JobStatusFailed).
			Set("error_message = ?", truncated).
			Set("updated_at = now()").
			Where("id = ?", jobID).
			Where("status NOT IN (?, ?)", JobStatusCompleted, JobStatusFailed).
			Exec(ctx)
		if err != nil {
			return fmt.Errorf("mark job failed: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return nil
		}

		s.log.Error("ingestion job failed permanently",
			slog.String("job_id", jobID),
			slog.Int("attempts", job.AttemptCount),
			slog.String("error", *truncated))
		return nil
	}

	nextRunAt := time.Now().Add(Backoff(job.AttemptCount))

	res, err := s.db.NewUpdate().
		Model((*IngestionJob)(nil)).
		Set("status = ?", JobStatusQueued).
		Set("error_message = ?", truncated).
		Set("next_run_at = ?", nextRunAt).
		Set("updated_at = now()").
		Where("id = ?", jobID).
		Where("status NOT IN (?, ?)", JobStatusCompleted, JobStatusFailed).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("schedule retry: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil
	}

	s.log.Warn("ingestion job failed, scheduled retry",
		slog.String("job_id", jobID),
		slog.Int("attempt", job.AttemptCount),
		slog.Int("max_attempts", job.MaxAttempts),
		slog.Time("next_run_at", nextRunAt),
		slog.String("error", *truncated))
	return nil
}

// InsertChunks replaces a document's chunks with the given list. Indices
// are reassigned densely from 0, text is trimmed, and empty entries are
// dropped. Prior chunks (and their embeddings, by cascade) are deleted in
// the same transaction so retried documents never accumulate duplicates.
// Returns the persisted rows in insertion order.
func (s *JobsService) InsertChunks(ctx context.Context, documentID string, chunks []structurer.Chunk) ([]*DocumentChunk, error) {
	rows := make([]*DocumentChunk, 0, len(chunks))
	for _, c := range chunks {
		text := strings.TrimSpace(c.Text)
		if text == "" {
			continue
		}
		rows = append(rows, &DocumentChunk{
			DocumentID: documentID,
			ChunkIndex: len(rows),
			Text:       text,
			Metadata:   JSON(c.Metadata),
		})
	}

	tx, err := database.BeginSafeTx(ctx, s.db)
	if err != nil {
		return nil, fmt.Errorf("begin insert chunks tx: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.NewDelete().
		Model((*DocumentChunk)(nil)).
		Where("document_id = ?", documentID).
		Exec(ctx)
	if err != nil {
		return nil, fmt.Errorf("delete prior chunks: %w", err)
	}

	if len(rows) > 0 {
		if _, err := tx.NewInsert().Model(&rows).Returning("*").Exec(ctx); err != nil {
			return nil, fmt.Errorf("insert chunks: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit insert chunks tx: %w", err)
	}

	return rows, nil
}

// InsertEmbedding persists one embedding row for a chunk. A second write
// for the same (chunk, model) pair overwrites the vector.
func (s *JobsService) InsertEmbedding(ctx context.Context, chunkID, model string, vector []float64) (*ChunkEmbedding, error) {
	row := &ChunkEmbedding{
		ChunkID:        chunkID,
		EmbeddingModel: model,
		EmbeddingDim:   len(vector),
		Embedding:      Vector(vector),
	}

	_, err := s.db.NewInsert().
		Model(row).
		On("CONFLICT (chunk_id, embedding_model) DO UPDATE").
		Set("embedding = EXCLUDED.embedding").
		Set("embedding_dim = EXCLUDED.embedding_dim").
		Returning("*").
		Exec(ctx)
	if err != nil {
		return nil, fmt.Errorf("insert embedding: %w", err)
	}
	return row, nil
}

// JobWithDocuments is the status endpoint's view of a job
type JobWithDocuments struct {
	Job       *IngestionJob
	Documents []*UploadedDocument
}

// GetJobWithDocuments returns a job and its documents scoped to the owning
// user; nil if no match.
func (s *JobsService) GetJobWithDocuments(ctx context.Context, jobID, userID string) (*JobWithDocuments, error) {
	job := &IngestionJob{}
	err := s.db.NewSelect().
		Model(job).
		Where("id = ?", jobID).
		Where("user_id = ?", userID).
		Scan(ctx)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get job with documents: %w", err)
	}

	docs, err := s.GetDocumentsForJob(ctx, jobID)
	if err != nil {
		return nil, err
	}

	return &JobWithDocuments{Job: job, Documents: docs}, nil
}

// QueueStats reports job counts by status
type QueueStats struct {
	Queued               int `bun:"queued" json:"queued"`
	ProcessingStructure  int `bun:"processing_structure" json:"processingStructure"`
	ProcessingEmbeddings int `bun:"processing_embeddings" json:"processingEmbeddings"`
	Completed            int `bun:"completed" json:"completed"`
	Failed               int `bun:"failed" json:"failed"`
}

// Stats returns queue statistics for monitoring
func (s *JobsService) Stats(ctx context.Context) (*QueueStats, error) {
	stats := &QueueStats{}
	err := s.db.NewRaw(`SELECT
		COUNT(*) FILTER (WHERE status = 'queued') AS queued,
		COUNT(*) FILTER (WHERE status = 'processing_structure') AS processing_structure,
		COUNT(*) FILTER (WHERE status = 'processing_embeddings') AS processing_embeddings,
		COUNT(*) FILTER (WHERE status = 'completed') AS completed,
		COUNT(*) FILTER (WHERE status = 'failed') AS failed
	FROM ingest.ingestion_jobs`).Scan(ctx, stats)
	if err != nil {
		return nil, fmt.Errorf("queue stats: %w", err)
	}
	return stats, nil
}

// RecoverStaleJobs rescues jobs stuck in a processing status, typically
// after a worker crash. Jobs with attempts left go back to queued; jobs
// with none left are failed outright, since the claim predicate would
// never pick them up again.
func (s *JobsService) RecoverStaleJobs(ctx context.Context, staleAfter time.Duration) (int, error) {
	cutoff := time.Now().Add(-staleAfter)

	requeued, err := s.db.NewUpdate().
		Model((*IngestionJob)(nil)).
		Set("status = ?", JobStatusQueued).
		Set("next_run_at = now()").
		Set("updated_at = now()").
		Where("status IN (?, ?)", JobStatusProcessingStructure, JobStatusProcessingEmbeddings).
		Where("updated_at < ?", cutoff).
		Where("attempt_count < max_attempts").
		Exec(ctx)
	if err != nil {
		return 0, fmt.Errorf("requeue stale jobs: %w", err)
	}

	failed, err := s.db.NewUpdate().
		Model((*IngestionJob)(nil)).
		Set("status = ?", JobStatusFailed).
		Set("error_message = 'worker lost before completion'").
		Set("updated_at = now()").
		Where("status IN (?, ?)", JobStatusProcessingStructure, JobStatusProcessingEmbeddings).
		Where("updated_at < ?", cutoff).
		Where("attempt_count >= max_attempts").
		Exec(ctx)
	if err != nil {
		return 0, fmt.Errorf("fail stale jobs: %w", err)
	}

	requeuedN, _ := requeued.RowsAffected()
	failedN, _ := failed.RowsAffected()
	total := int(requeuedN + failedN)

	if total > 0 {
		s.log.Warn("recovered stale ingestion jobs",
			slog.Int64("requeued", requeuedN),
			slog.Int64("failed", failedN))
	}

	return total, nil
}

// truncateError caps an error message at maxErrorLength bytes so
// oversized provider output never bloats the job row. The cut backs off
// to a rune start so the stored message stays valid UTF-8.
func truncateError(msg *string) *string {
	if msg == nil {
		return nil
	}
	if len(*msg) <= maxErrorLength {
		return msg
	}
	cut := maxErrorLength
	for cut > 0 && !utf8.RuneStart((*msg)[cut]) {
		cut--
	}
	t := (*msg)[:cut]
	return &t
}
