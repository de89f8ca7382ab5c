package detector

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"reflect"
	"strings"
	"sync"
	"testing"

	"github.com/adverant/nexus/regionocr-worker/internal/logging"
	"github.com/adverant/nexus/regionocr-worker/internal/region"
)

// twoLinePage draws two separated lines of glyph-like bars on a 600x400 page
// and returns the page with the pixel bounds of each line.
func twoLinePage() (*image.Gray, []image.Rectangle) {
	page := image.NewGray(image.Rect(0, 0, 600, 400))
	draw.Draw(page, page.Bounds(), image.NewUniform(color.White), image.Point{}, draw.Src)
	var lines []image.Rectangle
	for _, y := range []int{60, 240} {
		x := 40
		for i := 0; i < 20; i++ {
			draw.Draw(page, image.Rect(x, y, x+10, y+20), image.NewUniform(color.Black), image.Point{}, draw.Src)
			x += 14
		}
		lines = append(lines, image.Rect(40, y, x-4, y+20))
	}
	return page, lines
}

type fakeModel struct {
	readyErr   error
	predictErr error
	boxes      []image.Rectangle
	score      float32
}

func (m *fakeModel) Name() string { return "fake-db" }

func (m *fakeModel) Ready(context.Context) error { return m.readyErr }

func (m *fakeModel) Predict(_ context.Context, page *image.Gray) (*ScoreMap, error) {
	if m.predictErr != nil {
		return nil, m.predictErr
	}
	b := page.Bounds()
	s := &ScoreMap{Width: b.Dx(), Height: b.Dy(), Scores: make([]float32, b.Dx()*b.Dy())}
	for _, r := range m.boxes {
		for y := r.Min.Y; y < r.Max.Y; y++ {
			for x := r.Min.X; x < r.Max.X; x++ {
				s.Scores[y*s.Width+x] = m.score
			}
		}
	}
	return s, nil
}

func newCascade(t *testing.T, model TextDetectionModel) *Cascade {
	t.Helper()
	c, err := NewCascade(DefaultConfig(), model, logging.Discard())
	if err != nil {
		t.Fatalf("NewCascade: %v", err)
	}
	return c
}

func TestDetect_ModelStageWins(t *testing.T) {
	page, lines := twoLinePage()
	c := newCascade(t, &fakeModel{boxes: lines, score: 0.95})

	res, err := c.Detect(context.Background(), page, 0, nil)
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}
	if res.Stage != region.SourceModel {
		t.Fatalf("expected model stage to win, got %q (trace %+v)", res.Stage, res.Trace)
	}
	if len(res.Regions) != 2 {
		t.Fatalf("expected 2 regions, got %d", len(res.Regions))
	}
	for _, r := range res.Regions {
		if r.Confidence < 0.8 {
			t.Errorf("region %s: expected model confidence >= 0.8, got %v", r.ID, r.Confidence)
		}
		if r.Source != region.SourceModel {
			t.Errorf("region %s: wrong source %q", r.ID, r.Source)
		}
	}
	if res.Regions[0].ID != "model-p0-0" || res.Regions[0].Box.Y0 > res.Regions[1].Box.Y0 {
		t.Errorf("regions not in reading order: %+v", res.Regions)
	}
}

func TestDetect_ClassicalWhenModelMissing(t *testing.T) {
	page, lines := twoLinePage()
	c := newCascade(t, nil)

	res, err := c.Detect(context.Background(), page, 3, nil)
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}
	if res.Stage != region.SourceClassical {
		t.Fatalf("expected classical stage, got %q (trace %+v)", res.Stage, res.Trace)
	}
	if len(res.Regions) != 2 {
		t.Fatalf("expected 2 regions, got %d", len(res.Regions))
	}
	for i, r := range res.Regions {
		want, _ := region.Normalize(region.PixelBoxFromRect(lines[i]), 600, 400)
		if r.Box != want {
			t.Errorf("region %d: got %+v, want %+v", i, r.Box, want)
		}
		if r.Confidence <= 0 || r.Confidence > 0.6 {
			t.Errorf("region %d: classical confidence %v outside (0, 0.6]", i, r.Confidence)
		}
		if r.PageIndex != 3 {
			t.Errorf("region %d: page index %d", i, r.PageIndex)
		}
	}
	if res.Trace[0].Stage != region.SourceModel || res.Trace[0].Skipped == "" {
		t.Errorf("expected model stage to be skipped first, trace %+v", res.Trace)
	}
}

func TestDetect_DeterministicWithoutModel(t *testing.T) {
	page, _ := twoLinePage()
	c := newCascade(t, nil)
	first, err := c.Detect(context.Background(), page, 0, nil)
	if err != nil {
		t.Fatal(err)
	}
	second, err := c.Detect(context.Background(), page, 0, nil)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(first, second) {
		t.Errorf("cascade is not deterministic:\n%+v\n%+v", first, second)
	}
}

func TestDetect_BlankPage(t *testing.T) {
	page := image.NewGray(image.Rect(0, 0, 300, 200))
	draw.Draw(page, page.Bounds(), image.NewUniform(color.White), image.Point{}, draw.Src)
	c := newCascade(t, &fakeModel{score: 0.9})

	res, err := c.Detect(context.Background(), page, 0, nil)
	if err != nil {
		t.Fatalf("blank page should not error: %v", err)
	}
	if len(res.Regions) != 0 || res.Stage != "" {
		t.Errorf("expected no regions on a blank page, got %d from %q", len(res.Regions), res.Stage)
	}
	for _, tr := range res.Trace {
		if tr.Candidates != 0 {
			t.Errorf("stage %s produced candidates on a blank page", tr.Stage)
		}
	}
}

func TestDetect_TemplateFallback(t *testing.T) {
	page := image.NewGray(image.Rect(0, 0, 500, 500))
	draw.Draw(page, page.Bounds(), image.NewUniform(color.White), image.Point{}, draw.Src)
	// A square stamp is ink but not text-line shaped.
	draw.Draw(page, image.Rect(200, 200, 300, 300), image.NewUniform(color.Black), image.Point{}, draw.Src)

	c := newCascade(t, nil)
	res, err := c.Detect(context.Background(), page, 0, nil)
	if err != nil {
		t.Fatal(err)
	}
	if res.Stage != region.SourceTemplate {
		t.Fatalf("expected template stage, got %q (trace %+v)", res.Stage, res.Trace)
	}
	if len(res.Regions) != len(LeaseAbstractTemplate()) {
		t.Errorf("expected %d template regions, got %d", len(LeaseAbstractTemplate()), len(res.Regions))
	}
	for _, r := range res.Regions {
		if r.Label == "" || r.Confidence != DefaultConfig().TemplateConfidence {
			t.Errorf("unexpected template region %+v", r)
		}
	}
}

func TestDetect_LowModelCoverageFallsThrough(t *testing.T) {
	page, _ := twoLinePage()
	c := newCascade(t, &fakeModel{boxes: []image.Rectangle{image.Rect(500, 350, 530, 360)}, score: 0.9})

	res, err := c.Detect(context.Background(), page, 0, nil)
	if err != nil {
		t.Fatal(err)
	}
	if res.Stage != region.SourceClassical {
		t.Fatalf("expected classical stage after low model coverage, got %q", res.Stage)
	}
	if res.Trace[0].Stage != region.SourceModel || res.Trace[0].Candidates != 1 || res.Trace[0].Coverage >= 0.01 {
		t.Errorf("unexpected model trace %+v", res.Trace[0])
	}
}

func TestDetect_KnownRegionsBypassCascade(t *testing.T) {
	page, _ := twoLinePage()
	c := newCascade(t, &fakeModel{score: 0.9})
	known := []region.Region{
		{ID: "b", Box: region.Box{X0: 0.1, Y0: 0.5, X1: 0.4, Y1: 0.6}, Source: region.SourceManual, Confidence: 1},
		{ID: "a", Box: region.Box{X0: 0.1, Y0: 0.1, X1: 0.4, Y1: 0.2}, Source: region.SourceManual, Confidence: 1},
	}
	res, err := c.Detect(context.Background(), page, 0, known)
	if err != nil {
		t.Fatal(err)
	}
	if res.Stage != region.SourceManual || len(res.Regions) != 2 || res.Regions[0].ID != "a" {
		t.Errorf("unexpected manual result %+v", res)
	}
	if known[0].ID != "b" {
		t.Error("caller's slice was reordered")
	}
}

func TestDetect_ModelUnavailableLoggedOnce(t *testing.T) {
	var buf bytes.Buffer
	var mu sync.Mutex
	logger := logging.NewLoggerTo(lockedWriter{&buf, &mu}, "detector")
	c, err := NewCascade(DefaultConfig(), &fakeModel{readyErr: fmt.Errorf("weights not found")}, logger)
	if err != nil {
		t.Fatal(err)
	}
	page, _ := twoLinePage()

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := c.Detect(context.Background(), page, i, nil)
			if err != nil || res.Stage != region.SourceClassical {
				t.Errorf("page %d: stage %v err %v", i, res, err)
			}
		}(i)
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	if n := strings.Count(buf.String(), "Text detection model unavailable"); n != 1 {
		t.Errorf("expected one unavailability log line, got %d", n)
	}
}

func TestDetect_CancelledContext(t *testing.T) {
	page, _ := twoLinePage()
	c := newCascade(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := c.Detect(ctx, page, 0, nil); err == nil {
		t.Error("expected context error")
	}
}

type lockedWriter struct {
	buf *bytes.Buffer
	mu  *sync.Mutex
}

func (w lockedWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.buf.Write(p)
}
