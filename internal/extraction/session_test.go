package extraction

import (
	"context"
	"encoding/json"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/adverant/nexus/regionocr-worker/internal/confidence"
	"github.com/adverant/nexus/regionocr-worker/internal/detector"
	"github.com/adverant/nexus/regionocr-worker/internal/errors"
	"github.com/adverant/nexus/regionocr-worker/internal/logging"
	"github.com/adverant/nexus/regionocr-worker/internal/ocr"
	"github.com/adverant/nexus/regionocr-worker/internal/region"
)

// twoBlockPage draws two well-separated lines of glyph-like bars.
func twoBlockPage() (*image.Gray, []image.Rectangle) {
	page := image.NewGray(image.Rect(0, 0, 600, 400))
	draw.Draw(page, page.Bounds(), image.NewUniform(color.White), image.Point{}, draw.Src)
	var blocks []image.Rectangle
	for _, y := range []int{60, 240} {
		x := 40
		for i := 0; i < 20; i++ {
			draw.Draw(page, image.Rect(x, y, x+10, y+20), image.NewUniform(color.Black), image.Point{}, draw.Src)
			x += 14
		}
		blocks = append(blocks, image.Rect(40, y, x-4, y+20))
	}
	return page, blocks
}

func blankPage() *image.Gray {
	page := image.NewGray(image.Rect(0, 0, 600, 400))
	draw.Draw(page, page.Bounds(), image.NewUniform(color.White), image.Point{}, draw.Src)
	return page
}

type fakeSource struct {
	pages []image.Image
	errs  map[int]error
}

func (f *fakeSource) PageCount(context.Context) (int, error) { return len(f.pages), nil }

func (f *fakeSource) Rasterize(_ context.Context, index int) (image.Image, error) {
	if err := f.errs[index]; err != nil {
		return nil, err
	}
	return f.pages[index], nil
}

type fakeEngine struct {
	calls atomic.Int32
	fn    func(call int) ([]ocr.Token, error)
}

func (f *fakeEngine) Name() string { return "fake" }

func (f *fakeEngine) Recognize(context.Context, []byte) ([]ocr.Token, error) {
	return f.fn(int(f.calls.Add(1)))
}

func steadyEngine() *fakeEngine {
	return &fakeEngine{fn: func(int) ([]ocr.Token, error) {
		return []ocr.Token{{Text: "Base", Confidence: 0.9}, {Text: "Rent", Confidence: 0.9}}, nil
	}}
}

type fakeModel struct {
	boxes []image.Rectangle
}

func (m *fakeModel) Name() string                { return "fake-db" }
func (m *fakeModel) Ready(context.Context) error { return nil }

func (m *fakeModel) Predict(_ context.Context, page *image.Gray) (*detector.ScoreMap, error) {
	b := page.Bounds()
	s := &detector.ScoreMap{Width: b.Dx(), Height: b.Dy(), Scores: make([]float32, b.Dx()*b.Dy())}
	for _, r := range m.boxes {
		for y := r.Min.Y; y < r.Max.Y; y++ {
			for x := r.Min.X; x < r.Max.X; x++ {
				s.Scores[y*s.Width+x] = 0.95
			}
		}
	}
	return s, nil
}

type fakeCorrector struct {
	err   error
	calls atomic.Int32
}

func (f *fakeCorrector) Correct(_ context.Context, req CorrectionRequest) (*Correction, error) {
	f.calls.Add(1)
	if f.err != nil {
		return nil, f.err
	}
	return &Correction{Text: strings.ToUpper(req.Text), Confidence: 0.95, Flags: []string{"case_normalized"}}, nil
}

type setup struct {
	engine    ocr.Engine
	model     detector.TextDetectionModel
	corrector Corrector
	opts      Options
}

func newSession(t *testing.T, s setup) *Session {
	t.Helper()
	if s.engine == nil {
		s.engine = steadyEngine()
	}
	ext, err := ocr.NewExtractor(s.engine, ocr.DefaultConfig(), logging.Discard())
	if err != nil {
		t.Fatal(err)
	}
	agg, err := confidence.NewAggregator(confidence.DefaultConfig())
	if err != nil {
		t.Fatal(err)
	}
	sess, err := NewSession(Config{
		Detector:   detector.DefaultConfig(),
		Model:      s.model,
		Extractor:  ext,
		Aggregator: agg,
		Corrector:  s.corrector,
		Logger:     logging.Discard(),
	}, s.opts)
	if err != nil {
		t.Fatal(err)
	}
	return sess
}

func run(t *testing.T, sess *Session, pages ...image.Image) *Result {
	t.Helper()
	res, err := sess.Run(context.Background(), Document{ID: "doc-1", Source: &fakeSource{pages: pages}})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	return res
}

func TestRun_TwoBlocksWithModelAccepted(t *testing.T) {
	page, blocks := twoBlockPage()
	res := run(t, newSession(t, setup{model: &fakeModel{boxes: blocks}}), page)

	if res.Status != StatusComplete {
		t.Errorf("expected complete, got %s", res.Status)
	}
	if len(res.Records) != 2 {
		t.Fatalf("expected 2 records, got %d", len(res.Records))
	}
	for _, rec := range res.Records {
		if rec.Status != confidence.StatusAccepted || rec.CombinedConfidence < 0.8 {
			t.Errorf("record %s: status %s combined %v", rec.Region.ID, rec.Status, rec.CombinedConfidence)
		}
		if rec.Region.Source != region.SourceModel {
			t.Errorf("record %s: source %s", rec.Region.ID, rec.Region.Source)
		}
	}
}

func TestRun_TwoBlocksClassicalNeedsReview(t *testing.T) {
	page, _ := twoBlockPage()
	res := run(t, newSession(t, setup{}), page)

	if len(res.Records) != 2 {
		t.Fatalf("expected 2 records, got %d", len(res.Records))
	}
	for _, rec := range res.Records {
		if rec.Region.Source != region.SourceClassical {
			t.Errorf("record %s: expected classical source, got %s", rec.Region.ID, rec.Region.Source)
		}
		if rec.CombinedConfidence < 0.5 || rec.CombinedConfidence >= 0.8 || rec.Status != confidence.StatusNeedsReview {
			t.Errorf("record %s: combined %v status %s", rec.Region.ID, rec.CombinedConfidence, rec.Status)
		}
	}
}

func TestRun_BlankPageHasNoRecords(t *testing.T) {
	res := run(t, newSession(t, setup{model: &fakeModel{}}), blankPage())

	if res.Status != StatusComplete {
		t.Errorf("expected complete, got %s", res.Status)
	}
	if len(res.Records) != 0 {
		t.Errorf("expected no records, got %d", len(res.Records))
	}
	if len(res.Pages) != 1 || res.Pages[0].Regions != 0 {
		t.Errorf("expected one page summary with zero regions, got %+v", res.Pages)
	}
}

func TestRun_OCRFailingTwiceRejectsOneRegion(t *testing.T) {
	eng := &fakeEngine{fn: func(call int) ([]ocr.Token, error) {
		if call <= 2 {
			return nil, fmt.Errorf("tesseract crashed")
		}
		return []ocr.Token{{Text: "12,500", Confidence: 0.9}}, nil
	}}
	page, _ := twoBlockPage()
	res := run(t, newSession(t, setup{engine: eng, opts: Options{PageWorkers: 1, RegionWorkers: 1}}), page)

	if len(res.Records) != 2 {
		t.Fatalf("expected 2 records, got %d", len(res.Records))
	}
	var rejected int
	for _, rec := range res.Records {
		if rec.Status == confidence.StatusRejected {
			rejected++
			if rec.FailureReason != errors.ErrorOCRFailed {
				t.Errorf("expected OCR_FAILED reason, got %q", rec.FailureReason)
			}
			continue
		}
		if rec.Text != "12,500" {
			t.Errorf("sibling region not processed: %+v", rec)
		}
	}
	if rejected != 1 {
		t.Errorf("expected exactly 1 rejected record, got %d", rejected)
	}
}

func TestRun_CancelAfterFirstPage(t *testing.T) {
	var sess *Session
	eng := &fakeEngine{fn: func(int) ([]ocr.Token, error) {
		sess.Cancel()
		return []ocr.Token{{Text: "Tenant", Confidence: 0.9}}, nil
	}}
	sess = newSession(t, setup{engine: eng, opts: Options{PageWorkers: 1}})
	p0, _ := twoBlockPage()
	p1, _ := twoBlockPage()
	p2, _ := twoBlockPage()
	res := run(t, sess, p0, p1, p2)

	if res.Status != StatusCancelled {
		t.Errorf("expected cancelled, got %s", res.Status)
	}
	if len(res.Records) == 0 {
		t.Fatal("expected the in-flight page to finish")
	}
	for _, rec := range res.Records {
		if rec.PageIndex != 0 {
			t.Errorf("record from page %d after cancellation", rec.PageIndex)
		}
	}
}

func TestRun_ContextCancelledMidPageDropsPage(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	eng := &fakeEngine{fn: func(int) ([]ocr.Token, error) {
		cancel()
		return []ocr.Token{{Text: "Tenant", Confidence: 0.9}}, nil
	}}
	sess := newSession(t, setup{engine: eng, opts: Options{PageWorkers: 1, RegionWorkers: 1}})
	p0, _ := twoBlockPage()
	p1, _ := twoBlockPage()

	res, err := sess.Run(ctx, Document{ID: "doc-cancel", Source: &fakeSource{pages: []image.Image{p0, p1}}})
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != StatusCancelled {
		t.Errorf("expected cancelled, got %s", res.Status)
	}
	for _, rec := range res.Records {
		if rec.FailureReason == errors.ErrorOCRFailed {
			t.Errorf("region %s on page %d rejected as OCR_FAILED by cancellation", rec.Region.ID, rec.PageIndex)
		}
	}
	if len(res.Records) != 0 {
		t.Errorf("expected the interrupted page to be dropped, got %d records", len(res.Records))
	}
	if n := eng.calls.Load(); n != 1 {
		t.Errorf("expected one engine call before cancellation, got %d", n)
	}
}

func TestRun_CancelDuringLastPageReportsCancelled(t *testing.T) {
	var sess *Session
	eng := &fakeEngine{fn: func(int) ([]ocr.Token, error) {
		sess.Cancel()
		return []ocr.Token{{Text: "Tenant", Confidence: 0.9}}, nil
	}}
	sess = newSession(t, setup{engine: eng})
	page, _ := twoBlockPage()
	res := run(t, sess, page)

	if res.Status != StatusCancelled {
		t.Errorf("expected cancelled, got %s", res.Status)
	}
	if len(res.Records) != 2 {
		t.Errorf("expected the in-flight page to finish with 2 records, got %d", len(res.Records))
	}
}

func TestRun_ResourceExhaustedAborts(t *testing.T) {
	p0, _ := twoBlockPage()
	p1, _ := twoBlockPage()
	p2, _ := twoBlockPage()
	src := &fakeSource{
		pages: []image.Image{p0, p1, p2},
		errs:  map[int]error{1: errors.NewResourceExhaustedError(1, fmt.Errorf("cannot allocate memory"))},
	}
	sess := newSession(t, setup{opts: Options{PageWorkers: 1}})
	res, err := sess.Run(context.Background(), Document{ID: "doc-oom", Source: src})
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != StatusDegraded {
		t.Errorf("expected degraded, got %s", res.Status)
	}
	for _, rec := range res.Records {
		if rec.PageIndex != 0 {
			t.Errorf("page %d processed after abort", rec.PageIndex)
		}
	}
	if len(res.Records) != 2 {
		t.Errorf("expected page 0 records to survive, got %d", len(res.Records))
	}
}

func TestRun_PageFailureDoesNotAbortSiblings(t *testing.T) {
	p0, _ := twoBlockPage()
	p2, _ := twoBlockPage()
	src := &fakeSource{
		pages: []image.Image{p0, nil, p2},
		errs:  map[int]error{1: fmt.Errorf("pdftoppm: exit status 1")},
	}
	sess := newSession(t, setup{})
	res, err := sess.Run(context.Background(), Document{ID: "doc-2", Source: src})
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != StatusDegraded {
		t.Errorf("expected degraded, got %s", res.Status)
	}
	pages := map[int]bool{}
	for _, rec := range res.Records {
		pages[rec.PageIndex] = true
	}
	if !pages[0] || !pages[2] || pages[1] {
		t.Errorf("unexpected pages with records: %v", pages)
	}
	if len(res.Issues) != 1 || res.Issues[0].Code != errors.ErrorRasterizeFailed {
		t.Errorf("expected one rasterize issue, got %+v", res.Issues)
	}
}

func TestRun_CorrectorAnnotatesNeedsReview(t *testing.T) {
	corr := &fakeCorrector{}
	page, _ := twoBlockPage()
	res := run(t, newSession(t, setup{corrector: corr}), page)

	if n := corr.calls.Load(); n != 2 {
		t.Errorf("expected 2 correction calls, got %d", n)
	}
	for _, rec := range res.Records {
		if rec.CorrectedText != "BASE RENT" || rec.Status != confidence.StatusNeedsReview {
			t.Errorf("unexpected corrected record %+v", rec)
		}
	}
	if res.Status != StatusComplete {
		t.Errorf("expected complete, got %s", res.Status)
	}
}

func TestRun_CorrectorFailureKeepsRecord(t *testing.T) {
	corr := &fakeCorrector{err: fmt.Errorf("503 service unavailable")}
	page, _ := twoBlockPage()
	res := run(t, newSession(t, setup{corrector: corr}), page)

	if res.Status != StatusDegraded {
		t.Errorf("expected degraded, got %s", res.Status)
	}
	for _, rec := range res.Records {
		if rec.Text != "Base Rent" || rec.Status != confidence.StatusNeedsReview {
			t.Errorf("original record not retained: %+v", rec)
		}
		if !rec.Degraded || rec.DegradedReason != errors.ErrorAIServiceFailed {
			t.Errorf("record not tagged degraded: %+v", rec)
		}
	}
}

func TestRun_CorrectorSkipsAccepted(t *testing.T) {
	corr := &fakeCorrector{}
	page, blocks := twoBlockPage()
	run(t, newSession(t, setup{model: &fakeModel{boxes: blocks}, corrector: corr}), page)
	if n := corr.calls.Load(); n != 0 {
		t.Errorf("accepted records must not be corrected, got %d calls", n)
	}
}

func TestRun_ManualRegionsSkipCascade(t *testing.T) {
	page, _ := twoBlockPage()
	manual := []region.Region{
		{ID: "rent", PageIndex: 0, Box: region.Box{X0: 0.05, Y0: 0.1, X1: 0.6, Y1: 0.25}, Label: "base_rent", Source: region.SourceManual, Confidence: 1},
		{ID: "bad", PageIndex: 0, Box: region.Box{X0: 0.7, Y0: 0.1, X1: 0.6, Y1: 0.25}, Label: "broken", Source: region.SourceManual, Confidence: 1},
	}
	res := run(t, newSession(t, setup{opts: Options{ManualRegions: manual}}), page)

	if len(res.Records) != 1 || res.Records[0].Region.ID != "rent" {
		t.Fatalf("expected one record for the valid manual region, got %+v", res.Records)
	}
	if res.Records[0].Status != confidence.StatusAccepted {
		t.Errorf("manual region with good OCR should be accepted, got %s", res.Records[0].Status)
	}
	if len(res.Issues) != 1 || res.Issues[0].RegionID != "bad" || res.Issues[0].Code != errors.ErrorMalformedRegion {
		t.Errorf("expected malformed region issue, got %+v", res.Issues)
	}
	if res.Pages[0].Stage != region.SourceManual {
		t.Errorf("expected manual stage, got %s", res.Pages[0].Stage)
	}
}

func TestRun_PageLimit(t *testing.T) {
	p0, _ := twoBlockPage()
	p1, _ := twoBlockPage()
	res := run(t, newSession(t, setup{opts: Options{PageLimit: 1}}), p0, p1)
	for _, rec := range res.Records {
		if rec.PageIndex != 0 {
			t.Errorf("page %d processed beyond limit", rec.PageIndex)
		}
	}
	if res.Status != StatusComplete {
		t.Errorf("expected complete, got %s", res.Status)
	}
}

func TestResult_JSONSchema(t *testing.T) {
	page, _ := twoBlockPage()
	res := run(t, newSession(t, setup{}), page)
	data, err := json.Marshal(res)
	if err != nil {
		t.Fatal(err)
	}
	var decoded map[string]json.RawMessage
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatal(err)
	}
	for _, key := range []string{"document_id", "status", "records"} {
		if _, ok := decoded[key]; !ok {
			t.Errorf("result JSON missing %q", key)
		}
	}
}
