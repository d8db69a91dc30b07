package ingestion

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/docfoundry/docfoundry/internal/config"
	"github.com/docfoundry/docfoundry/pkg/embedder"
	"github.com/docfoundry/docfoundry/pkg/logger"
	"github.com/docfoundry/docfoundry/pkg/structurer"
)

// Store is the queue surface the processor and worker operate on.
// *JobsService is the production implementation; tests substitute an
// in-memory fake.
type Store interface {
	ClaimNext(ctx context.Context) (*IngestionJob, error)
	GetDocumentsForJob(ctx context.Context, jobID string) ([]*UploadedDocument, error)
	SetJobStatus(ctx context.Context, jobID string, status JobStatus, errMsg *string) error
	SetDocumentStatus(ctx context.Context, documentID string, status DocumentStatus, errMsg *string) error
	InsertChunks(ctx context.Context, documentID string, chunks []structurer.Chunk) ([]*DocumentChunk, error)
	InsertEmbedding(ctx context.Context, chunkID, model string, vector []float64) (*ChunkEmbedding, error)
	CompleteJob(ctx context.Context, jobID string) error
	FailWithRetry(ctx context.Context, jobID, errorMessage string) error
	RecoverStaleJobs(ctx context.Context, staleAfter time.Duration) (int, error)
}

// Processor drives one claimed job through the structuring and embedding
// stages. Process never returns an error to its caller; every failure path
// terminates in a queue write.
type Processor struct {
	store      Store
	structurer structurer.Structurer
	embedder   embedder.Embedder
	cfg        *config.Config
	tempRoot   string
	log        *slog.Logger
}

// NewProcessor creates a processor for the configured providers
func NewProcessor(store Store, s structurer.Structurer, e embedder.Embedder, cfg *config.Config, log *slog.Logger) *Processor {
	return &Processor{
		store:      store,
		structurer: s,
		embedder:   e,
		cfg:        cfg,
		tempRoot:   filepath.Clean(cfg.Upload.TempDir),
		log:        log.With(logger.Scope("ingestion.processor")),
	}
}

// Process runs a claimed job to a terminal or re-queued state.
//
// Per document: structure, persist chunks, embed each chunk in order, then
// mark the document structured. Unsupported and failed structuring outcomes
// settle the document and let the job continue; embedding and persistence
// errors fail the whole job with retry. Documents already structured by a
// prior attempt are skipped.
func (p *Processor) Process(ctx context.Context, job *IngestionJob) {
	log := p.log.With(slog.String("job_id", job.ID))

	if err := p.validateProviders(); err != nil {
		p.failWithRetry(ctx, log, job.ID, err)
		return
	}

	docs, err := p.store.GetDocumentsForJob(ctx, job.ID)
	if err != nil {
		p.failWithRetry(ctx, log, job.ID, err)
		return
	}

	embeddingStage := false

	for _, doc := range docs {
		if doc.StructuredStatus == DocumentStatusStructured {
			continue
		}

		if err := p.store.SetDocumentStatus(ctx, doc.ID, DocumentStatusProcessing, nil); err != nil {
			p.failWithRetry(ctx, log, job.ID, err)
			return
		}

		path, err := p.resolvePath(doc.StoredPath)
		if err != nil {
			msg := err.Error()
			if err := p.store.SetDocumentStatus(ctx, doc.ID, DocumentStatusFailed, &msg); err != nil {
				p.failWithRetry(ctx, log, job.ID, err)
				return
			}
			continue
		}

		result := p.structurer.Structure(ctx, path, doc.MimeType)

		switch result.Status {
		case structurer.StatusUnsupported:
			if err := p.store.SetDocumentStatus(ctx, doc.ID, DocumentStatusUnsupported, &result.Error); err != nil {
				p.failWithRetry(ctx, log, job.ID, err)
				return
			}
			continue
		case structurer.StatusFailed:
			if err := p.store.SetDocumentStatus(ctx, doc.ID, DocumentStatusFailed, &result.Error); err != nil {
				p.failWithRetry(ctx, log, job.ID, err)
				return
			}
			continue
		}

		chunks, err := p.store.InsertChunks(ctx, doc.ID, result.Chunks)
		if err != nil {
			p.failWithRetry(ctx, log, job.ID, err)
			return
		}

		// A structured document always carries at least one chunk. An empty
		// or all-blank file yields none and settles as failed, like the
		// model-backed structurer's no-extractable-text outcome.
		if len(chunks) == 0 {
			msg := "no extractable text"
			if err := p.store.SetDocumentStatus(ctx, doc.ID, DocumentStatusFailed, &msg); err != nil {
				p.failWithRetry(ctx, log, job.ID, err)
				return
			}
			continue
		}

		if !embeddingStage {
			if err := p.store.SetJobStatus(ctx, job.ID, JobStatusProcessingEmbeddings, nil); err != nil {
				p.failWithRetry(ctx, log, job.ID, err)
				return
			}
			embeddingStage = true
		}

		for _, chunk := range chunks {
			res, err := p.embedder.Embed(ctx, chunk.Text)
			if err != nil {
				p.failWithRetry(ctx, log, job.ID, err)
				return
			}
			if _, err := p.store.InsertEmbedding(ctx, chunk.ID, res.Model, res.Vector); err != nil {
				p.failWithRetry(ctx, log, job.ID, err)
				return
			}
		}

		if err := p.store.SetDocumentStatus(ctx, doc.ID, DocumentStatusStructured, nil); err != nil {
			p.failWithRetry(ctx, log, job.ID, err)
			return
		}

		log.Debug("document structured",
			slog.String("document_id", doc.ID),
			slog.Int("chunks", len(chunks)))
	}

	if err := p.store.CompleteJob(ctx, job.ID); err != nil {
		p.failWithRetry(ctx, log, job.ID, err)
	}
}

func (p *Processor) validateProviders() error {
	if err := p.cfg.Structurer.Validate(); err != nil {
		return err
	}
	return p.cfg.Embedder.Validate()
}

// resolvePath maps a stored path to an absolute location under the upload
// temp directory. Paths escaping the root are rejected before any read.
func (p *Processor) resolvePath(stored string) (string, error) {
	if filepath.IsAbs(stored) {
		rel, err := filepath.Rel(p.tempRoot, stored)
		if err != nil || strings.HasPrefix(rel, "..") {
			return "", fmt.Errorf("stored path %q escapes the upload directory", stored)
		}
		stored = rel
	}

	abs := filepath.Join(p.tempRoot, stored)
	if abs != p.tempRoot && !strings.HasPrefix(abs, p.tempRoot+string(os.PathSeparator)) {
		return "", fmt.Errorf("stored path %q escapes the upload directory", stored)
	}
	return abs, nil
}

func (p *Processor) failWithRetry(ctx context.Context, log *slog.Logger, jobID string, cause error) {
	if err := p.store.FailWithRetry(ctx, jobID, cause.Error()); err != nil {
		log.Error("failed to reschedule job", logger.Error(err))
	}
}
