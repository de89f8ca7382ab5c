package extraction

import (
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/adverant/nexus/regionocr-worker/internal/confidence"
	"github.com/adverant/nexus/regionocr-worker/internal/errors"
	"github.com/adverant/nexus/regionocr-worker/internal/region"
)

// Status is the document-level outcome of a session.
type Status string

const (
	StatusComplete  Status = "complete"
	StatusDegraded  Status = "degraded"
	StatusCancelled Status = "cancelled"
)

// Record is the finalized OCR result for one region on one page. Records
// are never modified after they are added to a Result.
type Record struct {
	DocumentID         string            `json:"document_id"`
	Region             region.Region     `json:"region"`
	PageIndex          int               `json:"page_index"`
	Text               string            `json:"text"`
	OCRConfidence      float64           `json:"ocr_confidence"`
	DetectorConfidence float64           `json:"detector_confidence"`
	CombinedConfidence float64           `json:"combined_confidence"`
	Status             confidence.Status `json:"status"`
	FailureReason      errors.ErrorCode  `json:"failure_reason,omitempty"`
	CorrectedText      string            `json:"corrected_text,omitempty"`
	AIConfidence       float64           `json:"ai_confidence,omitempty"`
	AIFlags            []string          `json:"ai_flags,omitempty"`
	Degraded           bool              `json:"degraded,omitempty"`
	DegradedReason     errors.ErrorCode  `json:"degraded_reason,omitempty"`
	ExtractedAt        time.Time         `json:"extracted_at"`
}

// Issue is a problem reported back to the caller, such as a malformed
// manual region or a page that failed to render.
type Issue struct {
	PageIndex int              `json:"page_index"`
	RegionID  string           `json:"region_id,omitempty"`
	Code      errors.ErrorCode `json:"code"`
	Message   string           `json:"message"`
}

// PageSummary describes how one page was processed.
type PageSummary struct {
	PageIndex int           `json:"page_index"`
	Width     int           `json:"width"`
	Height    int           `json:"height"`
	Stage     region.Source `json:"stage,omitempty"`
	Coverage  float64       `json:"coverage"`
	Regions   int           `json:"regions"`
	Failed    bool          `json:"failed,omitempty"`
}

// Result accumulates records from concurrent page workers. Records arrive
// in no particular order; call Sort for a stable display order.
type Result struct {
	DocumentID string        `json:"document_id"`
	Status     Status        `json:"status"`
	Records    []Record      `json:"records"`
	Pages      []PageSummary `json:"pages,omitempty"`
	Issues     []Issue       `json:"issues,omitempty"`

	mu sync.Mutex
}

// NewResult creates an empty result for documentID.
func NewResult(documentID string) *Result {
	return &Result{DocumentID: documentID, Records: []Record{}}
}

func (r *Result) addPage(summary PageSummary, records []Record, issues []Issue) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Pages = append(r.Pages, summary)
	r.Records = append(r.Records, records...)
	r.Issues = append(r.Issues, issues...)
}

// Replace swaps in rec for the existing record of the same (region, page)
// pair, or appends it when there is none. It reports whether a record was
// replaced.
func (r *Result) Replace(rec Record) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.Records {
		if r.Records[i].Region.ID == rec.Region.ID && r.Records[i].PageIndex == rec.PageIndex {
			r.Records[i] = rec
			return true
		}
	}
	r.Records = append(r.Records, rec)
	return false
}

// Sort orders records by page, then reading order, and page summaries by
// page index.
func (r *Result) Sort() {
	r.mu.Lock()
	defer r.mu.Unlock()
	sort.SliceStable(r.Records, func(i, j int) bool {
		a, b := r.Records[i], r.Records[j]
		if a.PageIndex != b.PageIndex {
			return a.PageIndex < b.PageIndex
		}
		if a.Region.Box.Y0 != b.Region.Box.Y0 {
			return a.Region.Box.Y0 < b.Region.Box.Y0
		}
		if a.Region.Box.X0 != b.Region.Box.X0 {
			return a.Region.Box.X0 < b.Region.Box.X0
		}
		return a.Region.ID < b.Region.ID
	})
	sort.SliceStable(r.Pages, func(i, j int) bool { return r.Pages[i].PageIndex < r.Pages[j].PageIndex })
	sort.SliceStable(r.Issues, func(i, j int) bool { return r.Issues[i].PageIndex < r.Issues[j].PageIndex })
}

// Counts returns the number of records per status.
func (r *Result) Counts() map[confidence.Status]int {
	r.mu.Lock()
	defer r.mu.Unlock()
	counts := make(map[confidence.Status]int)
	for _, rec := range r.Records {
		counts[rec.Status]++
	}
	return counts
}

// RowHeader names the columns of Row.Strings.
var RowHeader = []string{
	"document_id", "page", "region_id", "label", "source", "text",
	"ocr_confidence", "detector_confidence", "combined_confidence", "status",
}

// Row is one line of tabular output, the input contract of spreadsheet
// export.
type Row struct {
	DocumentID         string
	Page               int
	RegionID           string
	Label              string
	Source             region.Source
	Text               string
	OCRConfidence      float64
	DetectorConfidence float64
	CombinedConfidence float64
	Status             confidence.Status
}

// Strings formats the row in RowHeader order. Pages are 1-based for people.
func (row Row) Strings() []string {
	f := func(v float64) string { return strconv.FormatFloat(v, 'f', 4, 64) }
	return []string{
		row.DocumentID,
		strconv.Itoa(row.Page),
		row.RegionID,
		row.Label,
		string(row.Source),
		row.Text,
		f(row.OCRConfidence),
		f(row.DetectorConfidence),
		f(row.CombinedConfidence),
		string(row.Status),
	}
}

// Rows returns one row per record in sorted order. A corrected value
// replaces the OCR text in the row.
func (r *Result) Rows() []Row {
	r.Sort()
	r.mu.Lock()
	defer r.mu.Unlock()
	rows := make([]Row, 0, len(r.Records))
	for _, rec := range r.Records {
		text := rec.Text
		if rec.CorrectedText != "" {
			text = rec.CorrectedText
		}
		rows = append(rows, Row{
			DocumentID:         rec.DocumentID,
			Page:               rec.PageIndex + 1,
			RegionID:           rec.Region.ID,
			Label:              rec.Region.Label,
			Source:             rec.Region.Source,
			Text:               text,
			OCRConfidence:      rec.OCRConfidence,
			DetectorConfidence: rec.DetectorConfidence,
			CombinedConfidence: rec.CombinedConfidence,
			Status:             rec.Status,
		})
	}
	return rows
}
