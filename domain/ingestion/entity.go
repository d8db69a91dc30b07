// Package ingestion implements the document ingestion pipeline: a durable
// job queue over Postgres, a processor that drives each job through the
// structuring and embedding stages, and the worker loop that claims jobs.
package ingestion

import (
	"database/sql/driver"
	"encoding/json"
	"time"

	"github.com/uptrace/bun"
)

// JobStatus represents the processing status of an ingestion job
type JobStatus string

const (
	JobStatusQueued               JobStatus = "queued"
	JobStatusProcessingStructure  JobStatus = "processing_structure"
	JobStatusProcessingEmbeddings JobStatus = "processing_embeddings"
	JobStatusCompleted            JobStatus = "completed"
	JobStatusFailed               JobStatus = "failed"
)

// Terminal reports whether the status permits no further transitions
func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// DocumentStatus represents the structuring status of an uploaded document
type DocumentStatus string

const (
	DocumentStatusPending     DocumentStatus = "pending"
	DocumentStatusProcessing  DocumentStatus = "processing"
	DocumentStatusStructured  DocumentStatus = "structured"
	DocumentStatusUnsupported DocumentStatus = "unsupported"
	DocumentStatusFailed      DocumentStatus = "failed"
)

// Settled reports whether the document has reached a final structuring
// outcome for the current attempt. Unlike job statuses, a settled document
// may be revisited when its job retries.
func (s DocumentStatus) Settled() bool {
	switch s {
	case DocumentStatusStructured, DocumentStatusUnsupported, DocumentStatusFailed:
		return true
	}
	return false
}

// ------------------------------------------------------------------
// IngestionJob - One ingestion unit spanning an upload session's files
// ------------------------------------------------------------------

// IngestionJob represents a job in ingest.ingestion_jobs. A job is created
// queued, claimed by exactly one worker at a time, and retried with
// exponential backoff until it completes or exhausts max_attempts.
type IngestionJob struct {
	bun.BaseModel `bun:"table:ingest.ingestion_jobs,alias:ij"`

	ID              string    `bun:"id,pk,type:uuid,default:gen_random_uuid()"`
	UserID          string    `bun:"user_id,notnull"`
	UploadSessionID string    `bun:"upload_session_id,notnull"`
	Status          JobStatus `bun:"status,notnull,default:'queued'"`
	AttemptCount    int       `bun:"attempt_count,notnull,default:0"`
	MaxAttempts     int       `bun:"max_attempts,notnull,default:3"`
	NextRunAt       time.Time `bun:"next_run_at,notnull,default:now()"`
	ErrorMessage    *string   `bun:"error_message"`
	CreatedAt       time.Time `bun:"created_at,notnull,default:now()"`
	UpdatedAt       time.Time `bun:"updated_at,notnull,default:now()"`
}

// ------------------------------------------------------------------
// UploadedDocument - One file within a job
// ------------------------------------------------------------------

// UploadedDocument represents a file in ingest.uploaded_documents.
// StoredPath is relative to the upload temp directory.
type UploadedDocument struct {
	bun.BaseModel `bun:"table:ingest.uploaded_documents,alias:ud"`

	ID               string         `bun:"id,pk,type:uuid,default:gen_random_uuid()"`
	JobID            string         `bun:"job_id,notnull,type:uuid"`
	UserID           string         `bun:"user_id,notnull"`
	OriginalName     string         `bun:"original_name,notnull"`
	StoredName       string         `bun:"stored_name,notnull"`
	StoredPath       string         `bun:"stored_path,notnull"`
	MimeType         string         `bun:"mime_type,notnull"`
	SizeBytes        int64          `bun:"size_bytes,notnull,default:0"`
	StructuredStatus DocumentStatus `bun:"structured_status,notnull,default:'pending'"`
	ErrorMessage     *string        `bun:"error_message"`
	CreatedAt        time.Time      `bun:"created_at,notnull,default:now()"`
	UpdatedAt        time.Time      `bun:"updated_at,notnull,default:now()"`
}

// ------------------------------------------------------------------
// DocumentChunk - One semantically coherent text unit of a document
// ------------------------------------------------------------------

// DocumentChunk represents a row in ingest.document_chunks. ChunkIndex
// values per document form a dense 0-based sequence.
type DocumentChunk struct {
	bun.BaseModel `bun:"table:ingest.document_chunks,alias:dc"`

	ID         string    `bun:"id,pk,type:uuid,default:gen_random_uuid()"`
	DocumentID string    `bun:"document_id,notnull,type:uuid"`
	ChunkIndex int       `bun:"chunk_index,notnull"`
	Text       string    `bun:"text,notnull"`
	Metadata   JSON      `bun:"metadata,type:jsonb,default:'{}'"`
	CreatedAt  time.Time `bun:"created_at,notnull,default:now()"`
}

// ------------------------------------------------------------------
// ChunkEmbedding - One vector per (chunk, model)
// ------------------------------------------------------------------

// ChunkEmbedding represents a row in ingest.chunk_embeddings. Vectors are
// stored as JSON arrays; no native vector type is assumed.
type ChunkEmbedding struct {
	bun.BaseModel `bun:"table:ingest.chunk_embeddings,alias:ce"`

	ID             string    `bun:"id,pk,type:uuid,default:gen_random_uuid()"`
	ChunkID        string    `bun:"chunk_id,notnull,type:uuid"`
	EmbeddingModel string    `bun:"embedding_model,notnull"`
	EmbeddingDim   int       `bun:"embedding_dim,notnull"`
	Embedding      Vector    `bun:"embedding,type:jsonb"`
	CreatedAt      time.Time `bun:"created_at,notnull,default:now()"`
}

// JSON is a helper type for JSONB columns that store objects
type JSON map[string]interface{}

// Scan implements sql.Scanner for JSON
func (j *JSON) Scan(value interface{}) error {
	if value == nil {
		*j = nil
		return nil
	}
	bytes, ok := value.([]byte)
	if !ok {
		return nil
	}
	return json.Unmarshal(bytes, j)
}

// Value implements driver.Valuer for JSON
func (j JSON) Value() (driver.Value, error) {
	if j == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(j)
}

// Vector is a helper type for JSONB columns that store number arrays
type Vector []float64

// Scan implements sql.Scanner for Vector
func (v *Vector) Scan(value interface{}) error {
	if value == nil {
		*v = nil
		return nil
	}
	bytes, ok := value.([]byte)
	if !ok {
		return nil
	}
	return json.Unmarshal(bytes, v)
}

// Value implements driver.Valuer for Vector
func (v Vector) Value() (driver.Value, error) {
	if v == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(v)
}
