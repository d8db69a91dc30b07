package ingestion

import (
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/docfoundry/docfoundry/internal/config"
	"github.com/docfoundry/docfoundry/pkg/apperror"
	"github.com/docfoundry/docfoundry/pkg/logger"
)

// userIDHeader identifies the uploading user. Authentication itself is
// handled upstream; this service only scopes data by the forwarded id.
const userIDHeader = "X-User-ID"

// Handler handles HTTP requests for the ingestion pipeline
type Handler struct {
	jobs   *JobsService
	worker *Worker
	cfg    *config.Config
	log    *slog.Logger
}

// NewHandler creates a new ingestion handler
func NewHandler(jobs *JobsService, worker *Worker, cfg *config.Config, log *slog.Logger) *Handler {
	return &Handler{
		jobs:   jobs,
		worker: worker,
		cfg:    cfg,
		log:    log.With(logger.Scope("ingestion.handler")),
	}
}

// Upload stages the posted files and enqueues one ingestion job for them
// POST /api/ingestion/uploads (multipart, field "files")
func (h *Handler) Upload(c echo.Context) error {
	userID := c.Request().Header.Get(userIDHeader)
	if userID == "" {
		return apperror.ErrBadRequest.WithMessage(fmt.Sprintf("missing %s header", userIDHeader))
	}

	form, err := c.MultipartForm()
	if err != nil {
		return apperror.ErrBadRequest.WithMessage("expected a multipart form")
	}
	files := form.File["files"]

	sessionID := uuid.NewString()
	sessionDir := filepath.Join(h.cfg.Upload.TempDir, sessionID)
	if err := os.MkdirAll(sessionDir, 0o755); err != nil {
		return apperror.ErrStorage.WithInternal(fmt.Errorf("create session dir: %w", err))
	}

	staged := make([]EnqueueFile, 0, len(files))
	for _, fh := range files {
		if fh.Size > h.cfg.Upload.MaxSizeBytes {
			return apperror.ErrBadRequest.WithMessage(
				fmt.Sprintf("file %q exceeds the maximum size of %d bytes", fh.Filename, h.cfg.Upload.MaxSizeBytes))
		}

		storedName := uuid.NewString() + filepath.Ext(fh.Filename)
		storedPath := filepath.Join(sessionID, storedName)

		if err := saveMultipartFile(fh, filepath.Join(sessionDir, storedName)); err != nil {
			return apperror.ErrStorage.WithInternal(fmt.Errorf("stage file %q: %w", fh.Filename, err))
		}

		staged = append(staged, EnqueueFile{
			OriginalName: fh.Filename,
			StoredName:   storedName,
			StoredPath:   storedPath,
			MimeType:     fh.Header.Get("Content-Type"),
			SizeBytes:    fh.Size,
		})
	}

	job, err := h.jobs.Enqueue(c.Request().Context(), userID, sessionID, staged)
	if err != nil {
		return err
	}

	h.log.Info("upload accepted",
		slog.String("job_id", job.ID),
		slog.String("user_id", userID),
		slog.Int("files", len(staged)))

	return c.JSON(http.StatusAccepted, EnqueueResponse{JobID: job.ID})
}

// GetJob returns a job's status with its documents, scoped to the caller
// GET /api/ingestion/jobs/:id
func (h *Handler) GetJob(c echo.Context) error {
	userID := c.Request().Header.Get(userIDHeader)
	if userID == "" {
		return apperror.ErrBadRequest.WithMessage(fmt.Sprintf("missing %s header", userIDHeader))
	}

	id := c.Param("id")

	jwd, err := h.jobs.GetJobWithDocuments(c.Request().Context(), id, userID)
	if err != nil {
		return err
	}
	if jwd == nil {
		return apperror.NewNotFound("job", id)
	}

	return c.JSON(http.StatusOK, toJobResponse(jwd))
}

// Stats returns queue counts and worker counters
// GET /api/ingestion/stats
func (h *Handler) Stats(c echo.Context) error {
	stats, err := h.jobs.Stats(c.Request().Context())
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, StatsResponse{
		Queue:  stats,
		Worker: h.worker.Metrics(),
	})
}

func saveMultipartFile(fh *multipart.FileHeader, dst string) error {
	src, err := fh.Open()
	if err != nil {
		return err
	}
	defer src.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	_, err = io.Copy(out, src)
	return err
}
