/**
 * Extraction job handler
 *
 * Runs one extraction session for a queued job: opens the document, loads
 * saved manual regions when asked, runs the session under the processing
 * timeout, persists the records and reports job status.
 */

package queue

import (
	"context"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/adverant/nexus/regionocr-worker/internal/confidence"
	"github.com/adverant/nexus/regionocr-worker/internal/errors"
	"github.com/adverant/nexus/regionocr-worker/internal/extraction"
	"github.com/adverant/nexus/regionocr-worker/internal/logging"
	"github.com/adverant/nexus/regionocr-worker/internal/raster"
	"github.com/adverant/nexus/regionocr-worker/internal/region"
	"github.com/adverant/nexus/regionocr-worker/internal/storage"
)

// ResultStore is the persistence the handler needs
type ResultStore interface {
	ListRegions(ctx context.Context, documentID string) ([]region.Region, error)
	SaveResult(ctx context.Context, result *extraction.Result) error
	UpdateJobStatus(ctx context.Context, update *storage.JobUpdate) error
}

// Publisher announces job state changes
type Publisher interface {
	Publish(ctx context.Context, jobID, status string, data map[string]interface{}) error
}

// OpenFunc opens a document for rendering
type OpenFunc func(path string, opts raster.PDFOptions) (raster.Source, error)

// HandlerConfig holds handler dependencies
type HandlerConfig struct {
	Store     ResultStore
	Publisher Publisher // optional
	Session   extraction.Config
	Options   extraction.Options
	PDF       raster.PDFOptions
	// ProcessingTimeout bounds one job; 0 means 5 minutes.
	ProcessingTimeout time.Duration
	// Open defaults to raster.Open.
	Open OpenFunc
}

// Handler processes extraction jobs
type Handler struct {
	cfg    HandlerConfig
	logger *logging.Logger
}

// NewHandler validates cfg and returns a handler
func NewHandler(cfg HandlerConfig) (*Handler, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("Store is required")
	}
	if cfg.ProcessingTimeout <= 0 {
		cfg.ProcessingTimeout = 5 * time.Minute
	}
	if cfg.Open == nil {
		cfg.Open = raster.Open
	}
	logger := cfg.Session.Logger
	if logger == nil {
		logger = logging.NewLogger("JobHandler")
	}
	return &Handler{cfg: cfg, logger: logger}, nil
}

// Process runs the job described by p. Page-level problems are part of the
// result; an error means the job as a whole failed.
func (h *Handler) Process(ctx context.Context, p ExtractPayload) (*extraction.Result, error) {
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("invalid payload: %w", err)
	}
	logger := h.logger.With("job_id", p.JobID, "document_id", p.DocumentID)
	startTime := time.Now()

	h.report(ctx, logger, &storage.JobUpdate{JobID: p.JobID, DocumentID: p.DocumentID, Status: "processing",
		Metadata: map[string]interface{}{"filePath": p.FilePath}})

	result, err := h.run(ctx, p, logger)
	duration := time.Since(startTime)
	if err != nil {
		code := errors.CodeOf(err)
		logger.Error("Job failed", "error", err, "code", code, "duration", duration.String())
		h.report(ctx, logger, &storage.JobUpdate{
			JobID:            p.JobID,
			DocumentID:       p.DocumentID,
			Status:           "failed",
			ProcessingTimeMs: duration.Milliseconds(),
			ErrorCode:        string(code),
			ErrorMessage:     err.Error(),
		})
		return result, err
	}

	counts := result.Counts()
	h.report(ctx, logger, &storage.JobUpdate{
		JobID:            p.JobID,
		DocumentID:       p.DocumentID,
		Status:           string(result.Status),
		RecordCount:      len(result.Records),
		ProcessingTimeMs: duration.Milliseconds(),
		Metadata: map[string]interface{}{
			"accepted":    counts[confidence.StatusAccepted],
			"needsReview": counts[confidence.StatusNeedsReview],
			"rejected":    counts[confidence.StatusRejected],
			"issues":      len(result.Issues),
		},
	})
	logger.Info("Job finished", "status", result.Status, "records", len(result.Records), "duration", duration.String())
	return result, nil
}

func (h *Handler) run(ctx context.Context, p ExtractPayload, logger *logging.Logger) (*extraction.Result, error) {
	opts := h.cfg.Options
	if p.PageLimit > 0 {
		opts.PageLimit = p.PageLimit
	}
	if p.UseSavedRegions {
		regions, err := h.cfg.Store.ListRegions(ctx, p.DocumentID)
		if err != nil {
			return nil, fmt.Errorf("failed to load saved regions: %w", err)
		}
		opts.ManualRegions = regions
		logger.Info("Using saved regions", "count", len(regions))
	}

	pdfOpts := h.cfg.PDF
	if p.DPI > 0 {
		pdfOpts.DPI = p.DPI
	}
	src, err := h.cfg.Open(p.FilePath, pdfOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", p.FilePath, err)
	}
	defer src.Close()

	sessionCfg := h.cfg.Session
	sessionCfg.Logger = logger
	sess, err := extraction.NewSession(sessionCfg, opts)
	if err != nil {
		return nil, err
	}

	processCtx, cancel := context.WithTimeout(ctx, h.cfg.ProcessingTimeout)
	defer cancel()

	result, err := sess.Run(processCtx, extraction.Document{ID: p.DocumentID, Source: src})
	timedOut := stderrors.Is(processCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil
	if err != nil {
		if timedOut {
			return nil, errors.NewProcessingTimeoutError(p.JobID, h.cfg.ProcessingTimeout, err)
		}
		return nil, err
	}

	// Records of finished pages are kept even when the job ran out of time.
	if err := h.cfg.Store.SaveResult(ctx, result); err != nil {
		return result, errors.NewStorageFailedError(p.JobID, err)
	}
	if timedOut {
		return result, errors.NewProcessingTimeoutError(p.JobID, h.cfg.ProcessingTimeout, processCtx.Err())
	}
	return result, nil
}

// report updates the job row and publishes the event. Failures are logged:
// job bookkeeping must not fail the extraction itself.
func (h *Handler) report(ctx context.Context, logger *logging.Logger, update *storage.JobUpdate) {
	if err := h.cfg.Store.UpdateJobStatus(ctx, update); err != nil {
		logger.Warn("Failed to update job status", "status", update.Status, "error", err)
	}
	if h.cfg.Publisher == nil {
		return
	}
	data := map[string]interface{}{"documentId": update.DocumentID, "recordCount": update.RecordCount}
	if update.ErrorCode != "" {
		data["errorCode"] = update.ErrorCode
	}
	if err := h.cfg.Publisher.Publish(ctx, update.JobID, update.Status, data); err != nil {
		logger.Warn("Failed to publish job event", "status", update.Status, "error", err)
	}
}
