package ingestion

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/docfoundry/docfoundry/pkg/structurer"
)

// fakeStore is an in-memory Store with the same claim, retry, and chunk
// persistence semantics as JobsService. Tests drive the processor and
// worker against it without a database.
type fakeStore struct {
	mu sync.Mutex

	jobs       map[string]*IngestionJob
	docs       []*UploadedDocument
	chunks     map[string][]*DocumentChunk   // by document id
	embeddings map[string][]*ChunkEmbedding  // by chunk id

	seq int

	claimErr        error
	insertChunksErr error
	embedInsertErr  error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		jobs:       map[string]*IngestionJob{},
		chunks:     map[string][]*DocumentChunk{},
		embeddings: map[string][]*ChunkEmbedding{},
	}
}

func (f *fakeStore) nextID(prefix string) string {
	f.seq++
	return fmt.Sprintf("%s-%d", prefix, f.seq)
}

func (f *fakeStore) addJob(userID string, files []EnqueueFile) *IngestionJob {
	f.mu.Lock()
	defer f.mu.Unlock()

	job := &IngestionJob{
		ID:              f.nextID("job"),
		UserID:          userID,
		UploadSessionID: "session",
		Status:          JobStatusQueued,
		MaxAttempts:     3,
		NextRunAt:       time.Now().Add(-time.Second),
		CreatedAt:       time.Now().Add(time.Duration(f.seq) * time.Microsecond),
		UpdatedAt:       time.Now(),
	}
	f.jobs[job.ID] = job

	for _, file := range files {
		f.docs = append(f.docs, &UploadedDocument{
			ID:               f.nextID("doc"),
			JobID:            job.ID,
			UserID:           userID,
			OriginalName:     file.OriginalName,
			StoredName:       file.StoredName,
			StoredPath:       file.StoredPath,
			MimeType:         file.MimeType,
			SizeBytes:        file.SizeBytes,
			StructuredStatus: DocumentStatusPending,
			CreatedAt:        time.Now().Add(time.Duration(f.seq) * time.Microsecond),
		})
	}
	return job
}

func (f *fakeStore) ClaimNext(ctx context.Context) (*IngestionJob, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.claimErr != nil {
		return nil, f.claimErr
	}

	var oldest *IngestionJob
	now := time.Now()
	for _, job := range f.jobs {
		if job.Status != JobStatusQueued || job.NextRunAt.After(now) || job.AttemptCount >= job.MaxAttempts {
			continue
		}
		if oldest == nil || job.CreatedAt.Before(oldest.CreatedAt) {
			oldest = job
		}
	}
	if oldest == nil {
		return nil, nil
	}

	oldest.Status = JobStatusProcessingStructure
	oldest.AttemptCount++
	oldest.UpdatedAt = now

	copied := *oldest
	return &copied, nil
}

func (f *fakeStore) GetDocumentsForJob(ctx context.Context, jobID string) ([]*UploadedDocument, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var out []*UploadedDocument
	for _, d := range f.docs {
		if d.JobID == jobID {
			out = append(out, d)
		}
	}
	return out, nil
}

func (f *fakeStore) SetJobStatus(ctx context.Context, jobID string, status JobStatus, errMsg *string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	job, ok := f.jobs[jobID]
	if !ok || job.Status.Terminal() {
		return nil
	}
	job.Status = status
	job.ErrorMessage = errMsg
	job.UpdatedAt = time.Now()
	return nil
}

func (f *fakeStore) SetDocumentStatus(ctx context.Context, documentID string, status DocumentStatus, errMsg *string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	for _, d := range f.docs {
		if d.ID == documentID {
			d.StructuredStatus = status
			d.ErrorMessage = errMsg
			d.UpdatedAt = time.Now()
		}
	}
	return nil
}

func (f *fakeStore) InsertChunks(ctx context.Context, documentID string, chunks []structurer.Chunk) ([]*DocumentChunk, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.insertChunksErr != nil {
		return nil, f.insertChunksErr
	}

	for _, old := range f.chunks[documentID] {
		delete(f.embeddings, old.ID)
	}
	delete(f.chunks, documentID)

	rows := make([]*DocumentChunk, 0, len(chunks))
	for _, c := range chunks {
		text := strings.TrimSpace(c.Text)
		if text == "" {
			continue
		}
		rows = append(rows, &DocumentChunk{
			ID:         f.nextID("chunk"),
			DocumentID: documentID,
			ChunkIndex: len(rows),
			Text:       text,
			Metadata:   JSON(c.Metadata),
			CreatedAt:  time.Now(),
		})
	}
	f.chunks[documentID] = rows
	return rows, nil
}

func (f *fakeStore) InsertEmbedding(ctx context.Context, chunkID, model string, vector []float64) (*ChunkEmbedding, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.embedInsertErr != nil {
		return nil, f.embedInsertErr
	}

	row := &ChunkEmbedding{
		ID:             f.nextID("emb"),
		ChunkID:        chunkID,
		EmbeddingModel: model,
		EmbeddingDim:   len(vector),
		Embedding:      Vector(vector),
		CreatedAt:      time.Now(),
	}

	existing := f.embeddings[chunkID]
	for i, e := range existing {
		if e.EmbeddingModel == model {
			existing[i] = row
			return row, nil
		}
	}
	f.embeddings[chunkID] = append(existing, row)
	return row, nil
}

func (f *fakeStore) CompleteJob(ctx context.Context, jobID string) error {
	return f.SetJobStatus(ctx, jobID, JobStatusCompleted, nil)
}

func (f *fakeStore) FailWithRetry(ctx context.Context, jobID, errorMessage string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	job, ok := f.jobs[jobID]
	if !ok || job.Status.Terminal() {
		return nil
	}

	msg := errorMessage
	if job.AttemptCount >= job.MaxAttempts {
		job.Status = JobStatusFailed
		job.ErrorMessage = &msg
	} else {
		job.Status = JobStatusQueued
		job.ErrorMessage = &msg
		job.NextRunAt = time.Now().Add(Backoff(job.AttemptCount))
	}
	job.UpdatedAt = time.Now()
	return nil
}

func (f *fakeStore) RecoverStaleJobs(ctx context.Context, staleAfter time.Duration) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	cutoff := time.Now().Add(-staleAfter)
	recovered := 0
	for _, job := range f.jobs {
		inFlight := job.Status == JobStatusProcessingStructure || job.Status == JobStatusProcessingEmbeddings
		if !inFlight || !job.UpdatedAt.Before(cutoff) {
			continue
		}
		if job.AttemptCount < job.MaxAttempts {
			job.Status = JobStatusQueued
			job.NextRunAt = time.Now()
		} else {
			job.Status = JobStatusFailed
		}
		job.UpdatedAt = time.Now()
		recovered++
	}
	return recovered, nil
}

// helpers for assertions

func (f *fakeStore) job(id string) *IngestionJob {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.jobs[id]
}

func (f *fakeStore) doc(id string) *UploadedDocument {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, d := range f.docs {
		if d.ID == id {
			return d
		}
	}
	return nil
}

func (f *fakeStore) docChunks(documentID string) []*DocumentChunk {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.chunks[documentID]
}

func (f *fakeStore) chunkEmbeddings(chunkID string) []*ChunkEmbedding {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.embeddings[chunkID]
}
