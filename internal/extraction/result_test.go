package extraction

import (
	"reflect"
	"testing"

	"github.com/adverant/nexus/regionocr-worker/internal/confidence"
	"github.com/adverant/nexus/regionocr-worker/internal/region"
)

func record(id string, page int, y float64, text string, status confidence.Status) Record {
	return Record{
		DocumentID:         "doc",
		Region:             region.Region{ID: id, PageIndex: page, Box: region.Box{X0: 0.1, Y0: y, X1: 0.5, Y1: y + 0.05}, Label: id + "_label", Source: region.SourceManual, Confidence: 1},
		PageIndex:          page,
		Text:               text,
		OCRConfidence:      0.9,
		DetectorConfidence: 1,
		CombinedConfidence: 0.94,
		Status:             status,
	}
}

func TestResult_ReplaceSamePair(t *testing.T) {
	res := NewResult("doc")
	res.addPage(PageSummary{PageIndex: 0}, []Record{
		record("a", 0, 0.1, "first try", confidence.StatusRejected),
		record("b", 0, 0.3, "other", confidence.StatusAccepted),
	}, nil)

	if !res.Replace(record("a", 0, 0.1, "second try", confidence.StatusAccepted)) {
		t.Fatal("expected existing record to be replaced")
	}
	if len(res.Records) != 2 || res.Records[0].Text != "second try" {
		t.Errorf("unexpected records after replace: %+v", res.Records)
	}
	if res.Replace(record("a", 1, 0.1, "same region, other page", confidence.StatusAccepted)) {
		t.Error("a different page must not replace")
	}
	if len(res.Records) != 3 {
		t.Errorf("expected append for a new pair, got %d records", len(res.Records))
	}
}

func TestResult_SortAndRows(t *testing.T) {
	res := NewResult("doc")
	res.addPage(PageSummary{PageIndex: 1}, []Record{record("c", 1, 0.2, "ccc", confidence.StatusAccepted)}, nil)
	res.addPage(PageSummary{PageIndex: 0}, []Record{
		record("b", 0, 0.5, "bbb", confidence.StatusNeedsReview),
		record("a", 0, 0.1, "aaa", confidence.StatusAccepted),
	}, nil)
	corrected := record("b", 0, 0.5, "bbb", confidence.StatusNeedsReview)
	corrected.CorrectedText = "BBB"
	res.Replace(corrected)

	rows := res.Rows()
	var ids []string
	for _, r := range rows {
		ids = append(ids, r.RegionID)
	}
	if !reflect.DeepEqual(ids, []string{"a", "b", "c"}) {
		t.Errorf("unexpected row order %v", ids)
	}
	if rows[1].Text != "BBB" {
		t.Errorf("corrected text should be exported, got %q", rows[1].Text)
	}
	if rows[2].Page != 2 {
		t.Errorf("pages are exported 1-based, got %d", rows[2].Page)
	}
	if res.Pages[0].PageIndex != 0 {
		t.Error("page summaries not sorted")
	}

	cells := rows[0].Strings()
	if len(cells) != len(RowHeader) {
		t.Fatalf("row has %d cells, header %d", len(cells), len(RowHeader))
	}
	want := []string{"doc", "1", "a", "a_label", "manual", "aaa", "0.9000", "1.0000", "0.9400", "accepted"}
	if !reflect.DeepEqual(cells, want) {
		t.Errorf("got %v\nwant %v", cells, want)
	}
}

func TestResult_Counts(t *testing.T) {
	res := NewResult("doc")
	res.addPage(PageSummary{}, []Record{
		record("a", 0, 0.1, "", confidence.StatusAccepted),
		record("b", 0, 0.2, "", confidence.StatusRejected),
		record("c", 0, 0.3, "", confidence.StatusRejected),
	}, nil)
	counts := res.Counts()
	if counts[confidence.StatusAccepted] != 1 || counts[confidence.StatusRejected] != 2 {
		t.Errorf("unexpected counts %v", counts)
	}
}
