// Package extraction orchestrates one extraction run over a document:
// pages are rasterized and processed by a bounded pool, each page gets its
// regions from the manual list or the detector cascade, every region is
// read by the OCR extractor and scored by the confidence aggregator.
package extraction

import (
	"context"
	"fmt"
	"runtime"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/adverant/nexus/regionocr-worker/internal/confidence"
	"github.com/adverant/nexus/regionocr-worker/internal/detector"
	"github.com/adverant/nexus/regionocr-worker/internal/errors"
	"github.com/adverant/nexus/regionocr-worker/internal/logging"
	"github.com/adverant/nexus/regionocr-worker/internal/ocr"
	"github.com/adverant/nexus/regionocr-worker/internal/region"
)

// Options tunes one run.
type Options struct {
	// PageWorkers bounds concurrent pages; 0 means runtime.NumCPU().
	PageWorkers int
	// RegionWorkers bounds concurrent OCR calls within a page; 0 means 2.
	RegionWorkers int
	// PageLimit stops after the first N pages; 0 means all.
	PageLimit int
	// ManualRegions are user-defined regions. Pages with at least one
	// manual region skip the detector cascade.
	ManualRegions []region.Region
	// CorrectionTimeout bounds each correction call; 0 means 15s.
	CorrectionTimeout time.Duration
}

// Config wires a session to its collaborators.
type Config struct {
	Detector   detector.Config
	Model      detector.TextDetectionModel
	Extractor  *ocr.Extractor
	Aggregator *confidence.Aggregator
	Corrector  Corrector
	Logger     *logging.Logger
}

// pageOutcome is how a page worker ended.
type pageOutcome int

const (
	pageDone pageOutcome = iota
	pageFailed
	// pageInterrupted means the context ended before every region was
	// finalized. Nothing from the page is kept.
	pageInterrupted
)

// Session runs one extraction over one document. A Session is single-use.
type Session struct {
	cfg       Config
	opts      Options
	logger    *logging.Logger
	cancelled atomic.Bool
	aborted   atomic.Bool
}

// NewSession validates cfg and returns a session ready to Run.
func NewSession(cfg Config, opts Options) (*Session, error) {
	if cfg.Extractor == nil {
		return nil, fmt.Errorf("extractor is required")
	}
	if cfg.Aggregator == nil {
		return nil, fmt.Errorf("aggregator is required")
	}
	if err := cfg.Detector.Validate(); err != nil {
		return nil, fmt.Errorf("invalid detector config: %w", err)
	}
	if opts.PageWorkers <= 0 {
		opts.PageWorkers = runtime.NumCPU()
	}
	if opts.RegionWorkers <= 0 {
		opts.RegionWorkers = 2
	}
	if opts.CorrectionTimeout <= 0 {
		opts.CorrectionTimeout = 15 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.NewLogger("extraction")
	}
	return &Session{cfg: cfg, opts: opts, logger: logger}, nil
}

// Cancel asks the session to stop. Pages already in flight finish; no new
// page starts.
func (s *Session) Cancel() {
	s.cancelled.Store(true)
}

func (s *Session) stopRequested(ctx context.Context) bool {
	return s.cancelled.Load() || ctx.Err() != nil
}

// Run processes doc and returns the records of every finished page. A page
// interrupted by ctx contributes nothing. An error is returned only when the
// document cannot be opened at all.
func (s *Session) Run(ctx context.Context, doc Document) (*Result, error) {
	if doc.Source == nil {
		return nil, fmt.Errorf("document %s has no page source", doc.ID)
	}
	logger := s.logger.With("document_id", doc.ID)

	count, err := doc.Source.PageCount(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to count pages of %s: %w", doc.ID, err)
	}
	if s.opts.PageLimit > 0 && s.opts.PageLimit < count {
		count = s.opts.PageLimit
	}

	cascade, err := detector.NewCascade(s.cfg.Detector, s.cfg.Model, logger)
	if err != nil {
		return nil, err
	}

	manual := make(map[int][]region.Region)
	for _, r := range s.opts.ManualRegions {
		manual[r.PageIndex] = append(manual[r.PageIndex], r)
	}

	result := NewResult(doc.ID)
	var failedPages, skippedPages atomic.Int32
	startTime := time.Now()
	logger.Info("Extraction started", "pages", count, "page_workers", s.opts.PageWorkers)

	var g errgroup.Group
	g.SetLimit(s.opts.PageWorkers)
	for i := 0; i < count; i++ {
		if s.stopRequested(ctx) || s.aborted.Load() {
			skippedPages.Add(int32(count - i))
			break
		}
		index := i
		g.Go(func() error {
			if s.stopRequested(ctx) || s.aborted.Load() {
				skippedPages.Add(1)
				return nil
			}
			switch s.processPage(ctx, doc, index, manual[index], cascade, result, logger) {
			case pageFailed:
				failedPages.Add(1)
			case pageInterrupted:
				skippedPages.Add(1)
			}
			return nil
		})
	}
	_ = g.Wait()

	switch {
	case s.aborted.Load():
		result.Status = StatusDegraded
	case skippedPages.Load() > 0 || ctx.Err() != nil || s.cancelled.Load():
		result.Status = StatusCancelled
	case failedPages.Load() > 0:
		result.Status = StatusDegraded
	default:
		result.Status = StatusComplete
	}

	counts := result.Counts()
	logger.Info("Extraction finished",
		"status", result.Status,
		"records", len(result.Records),
		"accepted", counts[confidence.StatusAccepted],
		"needs_review", counts[confidence.StatusNeedsReview],
		"rejected", counts[confidence.StatusRejected],
		"failed_pages", failedPages.Load(),
		"skipped_pages", skippedPages.Load(),
		"duration", time.Since(startTime).String())
	return result, nil
}

// processPage handles one page. Records are added to result only when the
// page was not interrupted.
func (s *Session) processPage(ctx context.Context, doc Document, index int, manual []region.Region,
	cascade *detector.Cascade, result *Result, logger *logging.Logger) pageOutcome {

	logger = logger.With("page", index)
	summary := PageSummary{PageIndex: index}
	var issues []Issue

	img, err := doc.Source.Rasterize(ctx, index)
	if err != nil {
		if ctx.Err() != nil {
			logger.Info("Page interrupted before rendering")
			return pageInterrupted
		}
		if errors.HasCode(err, errors.ErrorResourceExhausted) {
			s.aborted.Store(true)
			logger.Error("Resources exhausted, aborting session", "error", err)
		} else {
			logger.Warn("Failed to rasterize page", "error", err)
		}
		summary.Failed = true
		code := errors.CodeOf(err)
		if code == "" {
			code = errors.ErrorRasterizeFailed
		}
		result.addPage(summary, nil, []Issue{{PageIndex: index, Code: code, Message: err.Error()}})
		return pageFailed
	}
	page := newPage(index, img)
	defer page.release()
	summary.Width, summary.Height = page.Width, page.Height

	failed := false
	var regions []region.Region
	if len(manual) > 0 {
		for _, r := range manual {
			if err := region.ValidateRegion(r); err != nil {
				issues = append(issues, Issue{PageIndex: index, RegionID: r.ID, Code: errors.ErrorMalformedRegion, Message: err.Error()})
				failed = true
				continue
			}
			regions = append(regions, r)
		}
		region.SortReadingOrder(regions)
		summary.Stage = region.SourceManual
		summary.Coverage = region.Coverage(regions)
	} else {
		det, err := cascade.Detect(ctx, page.Image, index, nil)
		if err != nil {
			if ctx.Err() != nil {
				logger.Info("Page interrupted during detection")
				return pageInterrupted
			}
			logger.Warn("Detection failed", "error", err)
			summary.Failed = true
			result.addPage(summary, nil, []Issue{{PageIndex: index, Code: errors.ErrorDetectionFailed, Message: err.Error()}})
			return pageFailed
		}
		regions = det.Regions
		summary.Stage, summary.Coverage = det.Stage, det.Coverage
	}
	summary.Regions = len(regions)

	records, degraded, complete := s.extractRegions(ctx, doc.ID, page, regions, logger)
	if !complete {
		logger.Info("Page interrupted, dropping unfinished records", "regions", len(regions))
		return pageInterrupted
	}
	if degraded {
		failed = true
	}
	summary.Failed = failed
	result.addPage(summary, records, issues)

	logger.Info("Page processed", "stage", summary.Stage, "regions", len(regions), "records", len(records))
	if failed {
		return pageFailed
	}
	return pageDone
}

// extractRegions runs OCR over a bounded sub-pool, then sends needs_review
// records to the corrector. It reports whether any correction failed and
// whether every record was finalized before ctx ended.
func (s *Session) extractRegions(ctx context.Context, documentID string, page *Page, regions []region.Region,
	logger *logging.Logger) ([]Record, bool, bool) {

	records := make([]Record, len(regions))
	var unfinished atomic.Int32
	var g errgroup.Group
	g.SetLimit(s.opts.RegionWorkers)
	for i, r := range regions {
		g.Go(func() error {
			rec, ok := s.extractRegion(ctx, documentID, page, r, logger)
			if !ok {
				unfinished.Add(1)
				return nil
			}
			records[i] = rec
			return nil
		})
	}
	_ = g.Wait()
	if unfinished.Load() > 0 {
		return nil, false, false
	}

	if s.cfg.Corrector == nil {
		return records, false, true
	}

	var failures, interrupted atomic.Int32
	var cg errgroup.Group
	cg.SetLimit(s.opts.RegionWorkers)
	for i := range records {
		if records[i].Status != confidence.StatusNeedsReview {
			continue
		}
		surrounding := surroundingText(records, i)
		cg.Go(func() error {
			switch s.correct(ctx, &records[i], surrounding, logger) {
			case correctionFailed:
				failures.Add(1)
			case correctionInterrupted:
				interrupted.Add(1)
			}
			return nil
		})
	}
	_ = cg.Wait()
	if interrupted.Load() > 0 {
		return nil, false, false
	}
	return records, failures.Load() > 0, true
}

// extractRegion reads one region. ok is false when ctx ended before the
// region could be finalized; an engine failure still yields a rejected
// record.
func (s *Session) extractRegion(ctx context.Context, documentID string, page *Page, r region.Region,
	logger *logging.Logger) (rec Record, ok bool) {

	if ctx.Err() != nil {
		return Record{}, false
	}

	rec = Record{
		DocumentID:         documentID,
		Region:             r,
		PageIndex:          page.Index,
		DetectorConfidence: r.Confidence,
	}

	ext, err := s.cfg.Extractor.Extract(ctx, page.Image, r)
	if err != nil {
		if ctx.Err() != nil {
			return Record{}, false
		}
		logger.Warn("Region OCR failed", "region_id", r.ID, "error", err)
		rec.CombinedConfidence = s.cfg.Aggregator.Combine(r.Confidence, 0)
		rec.Status = confidence.StatusRejected
		rec.FailureReason = errors.CodeOf(err)
		if rec.FailureReason == "" {
			rec.FailureReason = errors.ErrorOCRFailed
		}
		rec.ExtractedAt = time.Now().UTC()
		return rec, true
	}

	rec.Text = ext.Text
	rec.OCRConfidence = ext.Confidence
	rec.CombinedConfidence, rec.Status = s.cfg.Aggregator.Evaluate(r.Confidence, ext.Confidence)
	rec.ExtractedAt = time.Now().UTC()
	return rec, true
}

type correctionOutcome int

const (
	correctionApplied correctionOutcome = iota
	correctionFailed
	correctionInterrupted
)

// correct asks the corrector about one needs_review record. On failure the
// record keeps its OCR text and status and is tagged degraded. A failure
// caused by ctx ending leaves the record untouched.
func (s *Session) correct(ctx context.Context, rec *Record, surrounding string, logger *logging.Logger) correctionOutcome {
	callCtx, cancel := context.WithTimeout(ctx, s.opts.CorrectionTimeout)
	defer cancel()

	res, err := s.cfg.Corrector.Correct(callCtx, CorrectionRequest{
		DocumentID:      rec.DocumentID,
		PageIndex:       rec.PageIndex,
		RegionID:        rec.Region.ID,
		Label:           rec.Region.Label,
		Text:            rec.Text,
		SurroundingText: surrounding,
	})
	if err == nil && res == nil {
		err = fmt.Errorf("empty correction response")
	}
	if err != nil {
		if ctx.Err() != nil {
			return correctionInterrupted
		}
		aiErr := errors.NewAIServiceFailedError(rec.Region.ID, err)
		logger.Warn("Correction failed, keeping OCR text", "region_id", rec.Region.ID, "error", aiErr)
		rec.Degraded = true
		rec.DegradedReason = aiErr.Code
		return correctionFailed
	}

	rec.CorrectedText = res.Text
	rec.AIConfidence = res.Confidence
	rec.AIFlags = res.Flags
	return correctionApplied
}

// surroundingText gives the corrector the neighbouring values in reading
// order as context.
func surroundingText(records []Record, i int) string {
	var parts []string
	if i > 0 && records[i-1].Text != "" {
		parts = append(parts, records[i-1].Text)
	}
	if i+1 < len(records) && records[i+1].Text != "" {
		parts = append(parts, records[i+1].Text)
	}
	return strings.Join(parts, "\n")
}
