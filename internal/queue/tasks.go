/**
 * Extraction tasks
 *
 * Task type and payload shared by the API (producer) and the worker
 * (consumer). Producers enqueue through asynq so retries and scheduling stay
 * in one place.
 */

package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
)

// TaskExtractDocument is the asynq task type for one extraction run
const TaskExtractDocument = "extract-document"

// ExtractPayload describes one extraction job
type ExtractPayload struct {
	JobID           string `json:"job_id"`
	DocumentID      string `json:"document_id"`
	FilePath        string `json:"file_path"`
	DPI             int    `json:"dpi,omitempty"`
	PageLimit       int    `json:"page_limit,omitempty"`
	UseSavedRegions bool   `json:"use_saved_regions,omitempty"`
}

// Validate checks the fields every job needs
func (p *ExtractPayload) Validate() error {
	if p.JobID == "" {
		return fmt.Errorf("job_id is required")
	}
	if p.DocumentID == "" {
		return fmt.Errorf("document_id is required")
	}
	if p.FilePath == "" {
		return fmt.Errorf("file_path is required")
	}
	if p.DPI < 0 || p.PageLimit < 0 {
		return fmt.Errorf("dpi and page_limit must not be negative")
	}
	return nil
}

// NewExtractTask builds the asynq task for payload. The job ID doubles as
// the task ID so a job cannot be queued twice.
func NewExtractTask(p ExtractPayload, timeout time.Duration) (*asynq.Task, error) {
	if p.JobID == "" {
		p.JobID = uuid.New().String()
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload: %w", err)
	}
	opts := []asynq.Option{asynq.TaskID(p.JobID), asynq.MaxRetry(2)}
	if timeout > 0 {
		// Leave the handler time to persist a timeout result.
		opts = append(opts, asynq.Timeout(timeout+30*time.Second))
	}
	return asynq.NewTask(TaskExtractDocument, data, opts...), nil
}

// Enqueuer submits extraction tasks
type Enqueuer struct {
	client  *asynq.Client
	queue   string
	timeout time.Duration
}

// NewEnqueuer creates an enqueuer for queueName on the Redis at redisURL
func NewEnqueuer(redisURL, queueName string, timeout time.Duration) (*Enqueuer, error) {
	if queueName == "" {
		return nil, fmt.Errorf("queue name is required")
	}
	redisOpt, err := asynq.ParseRedisURI(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}
	return &Enqueuer{client: asynq.NewClient(redisOpt), queue: queueName, timeout: timeout}, nil
}

// Enqueue submits p and returns its job ID
func (e *Enqueuer) Enqueue(ctx context.Context, p ExtractPayload) (string, error) {
	if p.JobID == "" {
		p.JobID = uuid.New().String()
	}
	task, err := NewExtractTask(p, e.timeout)
	if err != nil {
		return "", err
	}
	info, err := e.client.EnqueueContext(ctx, task, asynq.Queue(e.queue))
	if err != nil {
		return "", fmt.Errorf("failed to enqueue job %s: %w", p.JobID, err)
	}
	return info.ID, nil
}

// Close releases the Redis connection
func (e *Enqueuer) Close() error {
	return e.client.Close()
}
