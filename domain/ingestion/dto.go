package ingestion

import "time"

// EnqueueResponse is returned by the upload endpoint
type EnqueueResponse struct {
	JobID string `json:"jobId"`
}

// JobResponse is the status endpoint's job payload
type JobResponse struct {
	ID           string             `json:"id"`
	Status       JobStatus          `json:"status"`
	AttemptCount int                `json:"attemptCount"`
	MaxAttempts  int                `json:"maxAttempts"`
	NextRunAt    time.Time          `json:"nextRunAt"`
	Error        *string            `json:"error,omitempty"`
	CreatedAt    time.Time          `json:"createdAt"`
	UpdatedAt    time.Time          `json:"updatedAt"`
	Documents    []DocumentResponse `json:"documents"`
}

// DocumentResponse is the status endpoint's per-document payload
type DocumentResponse struct {
	ID               string         `json:"id"`
	OriginalName     string         `json:"originalName"`
	MimeType         string         `json:"mimeType"`
	SizeBytes        int64          `json:"sizeBytes"`
	StructuredStatus DocumentStatus `json:"structuredStatus"`
	Error            *string        `json:"error,omitempty"`
	CreatedAt        time.Time      `json:"createdAt"`
}

// StatsResponse is the monitoring endpoint's payload
type StatsResponse struct {
	Queue  *QueueStats   `json:"queue"`
	Worker WorkerMetrics `json:"worker"`
}

func toJobResponse(jwd *JobWithDocuments) JobResponse {
	docs := make([]DocumentResponse, 0, len(jwd.Documents))
	for _, d := range jwd.Documents {
		docs = append(docs, DocumentResponse{
			ID:               d.ID,
			OriginalName:     d.OriginalName,
			MimeType:         d.MimeType,
			SizeBytes:        d.SizeBytes,
			StructuredStatus: d.StructuredStatus,
			Error:            d.ErrorMessage,
			CreatedAt:        d.CreatedAt,
		})
	}
	return JobResponse{
		ID:           jwd.Job.ID,
		Status:       jwd.Job.Status,
		AttemptCount: jwd.Job.AttemptCount,
		MaxAttempts:  jwd.Job.MaxAttempts,
		NextRunAt:    jwd.Job.NextRunAt,
		Error:        jwd.Job.ErrorMessage,
		CreatedAt:    jwd.Job.CreatedAt,
		UpdatedAt:    jwd.Job.UpdatedAt,
		Documents:    docs,
	}
}
