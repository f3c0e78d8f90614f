package resultstore

import (
	"path/filepath"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := NewStore(filepath.Join(t.TempDir(), "results.db"))
	if err != nil {
		t.Fatalf("NewStore failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func testRun(id string) *Run {
	return &Run{
		ID: id,
		Params: RunParams{
			Reference:        "cortex",
			Query:            "spatial",
			VariableFeatures: 2000,
			PCADims:          30,
			Neighbors:        20,
			Resolution:       0.8,
			AnchorK:          5,
			AnchorDims:       30,
			Seed:             42,
		},
		SharedGenes:   180,
		AnchorCount:   2,
		RefSamples:    3,
		QuerySamples:  2,
		Unanchored:    1,
		CreatedAt:     time.Now().UTC().Truncate(time.Second),
		DurationMSecs: 1234,
	}
}

func TestRunRoundtrip(t *testing.T) {
	store := newTestStore(t)

	if err := store.CreateRun(testRun("run1")); err != nil {
		t.Fatalf("CreateRun failed: %v", err)
	}

	got, err := store.GetRun("run1")
	if err != nil {
		t.Fatalf("GetRun failed: %v", err)
	}
	if got == nil {
		t.Fatal("expected run, got nil")
	}
	if got.Params.Reference != "cortex" || got.Params.Resolution != 0.8 {
		t.Errorf("params not preserved: %+v", got.Params)
	}
	if got.SharedGenes != 180 || got.AnchorCount != 2 || got.Unanchored != 1 {
		t.Errorf("counts not preserved: %+v", got)
	}
	if got.DurationMSecs != 1234 {
		t.Errorf("duration = %d, want 1234", got.DurationMSecs)
	}
}

func TestGetRun_Missing(t *testing.T) {
	store := newTestStore(t)

	got, err := store.GetRun("nope")
	if err != nil {
		t.Fatalf("GetRun failed: %v", err)
	}
	if got != nil {
		t.Errorf("expected nil for unknown run, got %+v", got)
	}
}

func TestListRuns(t *testing.T) {
	store := newTestStore(t)

	a := testRun("a")
	a.CreatedAt = time.Now().UTC().Add(-time.Hour)
	b := testRun("b")
	b.CreatedAt = time.Now().UTC()
	for _, r := range []*Run{a, b} {
		if err := store.CreateRun(r); err != nil {
			t.Fatalf("CreateRun failed: %v", err)
		}
	}

	runs, err := store.ListRuns()
	if err != nil {
		t.Fatalf("ListRuns failed: %v", err)
	}
	if len(runs) != 2 {
		t.Fatalf("expected 2 runs, got %d", len(runs))
	}
	// Newest first.
	if runs[0].ID != "b" || runs[1].ID != "a" {
		t.Errorf("unexpected order: %s then %s", runs[0].ID, runs[1].ID)
	}
}

func ptr(v float64) *float64 { return &v }

func insertFixture(t *testing.T, store *Store) {
	t.Helper()
	if err := store.CreateRun(testRun("run1")); err != nil {
		t.Fatalf("CreateRun failed: %v", err)
	}
	samples := []*SampleRecord{
		{SampleID: "r1", Dataset: "cortex", X: 0.1, Y: 0.2, Cluster: "0"},
		{SampleID: "r2", Dataset: "cortex", X: 0.3, Y: 0.4, Cluster: "1"},
		{SampleID: "q1", Dataset: "spatial", X: 0.5, Y: 0.6, SpatialX: ptr(10), SpatialY: ptr(20), Label: "0", Confidence: 0.9},
		{SampleID: "q2", Dataset: "spatial", X: 0.7, Y: 0.8, SpatialX: ptr(30), SpatialY: ptr(40), Unanchored: true},
	}
	if err := store.InsertSamples("run1", samples); err != nil {
		t.Fatalf("InsertSamples failed: %v", err)
	}
	anchors := []*AnchorRecord{
		{RefID: "r1", QueryID: "q1", Score: 0.4},
		{RefID: "r2", QueryID: "q1", Score: 0.8},
	}
	if err := store.InsertAnchors("run1", anchors); err != nil {
		t.Fatalf("InsertAnchors failed: %v", err)
	}
}

func TestQuerySamples(t *testing.T) {
	store := newTestStore(t)
	insertFixture(t, store)

	all, total, err := store.QuerySamples("run1", "", "", 0, 100)
	if err != nil {
		t.Fatalf("QuerySamples failed: %v", err)
	}
	if total != 4 || len(all) != 4 {
		t.Fatalf("expected 4 samples, got %d (total %d)", len(all), total)
	}

	spatial, total, err := store.QuerySamples("run1", "spatial", "", 0, 100)
	if err != nil {
		t.Fatalf("QuerySamples failed: %v", err)
	}
	if total != 2 {
		t.Fatalf("expected 2 spatial samples, got %d", total)
	}
	for _, rec := range spatial {
		if rec.Dataset != "spatial" {
			t.Errorf("dataset filter leaked: %+v", rec)
		}
		if rec.SpatialX == nil || rec.SpatialY == nil {
			t.Errorf("spatial coordinates lost: %+v", rec)
		}
	}

	labeled, total, err := store.QuerySamples("run1", "", "0", 0, 100)
	if err != nil {
		t.Fatalf("QuerySamples failed: %v", err)
	}
	if total != 1 || labeled[0].SampleID != "q1" {
		t.Errorf("label filter: got %d records", total)
	}
	if labeled[0].Confidence != 0.9 {
		t.Errorf("confidence = %g, want 0.9", labeled[0].Confidence)
	}

	// Pagination: total reports the unpaged count.
	page, total, err := store.QuerySamples("run1", "", "", 1, 2)
	if err != nil {
		t.Fatalf("QuerySamples failed: %v", err)
	}
	if total != 4 || len(page) != 2 {
		t.Errorf("expected page of 2 with total 4, got %d/%d", len(page), total)
	}
}

func TestQuerySamples_UnanchoredFlag(t *testing.T) {
	store := newTestStore(t)
	insertFixture(t, store)

	recs, _, err := store.QuerySamples("run1", "spatial", "", 0, 100)
	if err != nil {
		t.Fatalf("QuerySamples failed: %v", err)
	}
	byID := map[string]*SampleRecord{}
	for _, r := range recs {
		byID[r.SampleID] = r
	}
	if !byID["q2"].Unanchored || byID["q1"].Unanchored {
		t.Errorf("unanchored flags wrong: q1=%v q2=%v", byID["q1"].Unanchored, byID["q2"].Unanchored)
	}
}

func TestLabelCounts(t *testing.T) {
	store := newTestStore(t)
	insertFixture(t, store)

	counts, err := store.LabelCounts("run1")
	if err != nil {
		t.Fatalf("LabelCounts failed: %v", err)
	}
	if counts["0"] != 1 {
		t.Errorf("counts = %v, want {0:1}", counts)
	}
}

func TestQueryAnchors(t *testing.T) {
	store := newTestStore(t)
	insertFixture(t, store)

	anchors, total, err := store.QueryAnchors("run1", 0, 100)
	if err != nil {
		t.Fatalf("QueryAnchors failed: %v", err)
	}
	if total != 2 || len(anchors) != 2 {
		t.Fatalf("expected 2 anchors, got %d (total %d)", len(anchors), total)
	}
	// Highest score first.
	if anchors[0].Score != 0.8 || anchors[1].Score != 0.4 {
		t.Errorf("unexpected order: %+v", anchors)
	}
}

func TestExpressionRoundtrip(t *testing.T) {
	store := newTestStore(t)
	insertFixture(t, store)

	if err := store.InsertExpression("run1", "Gad1", []string{"q1", "q2"}, []float64{2.5, 0}); err != nil {
		t.Fatalf("InsertExpression failed: %v", err)
	}
	if err := store.InsertExpression("run1", "Slc17a7", []string{"q1", "q2"}, []float64{0, 1}); err != nil {
		t.Fatalf("InsertExpression failed: %v", err)
	}

	values, err := store.ExpressionVector("run1", "Gad1")
	if err != nil {
		t.Fatalf("ExpressionVector failed: %v", err)
	}
	if len(values) != 2 || values["q1"] != 2.5 || values["q2"] != 0 {
		t.Errorf("unexpected vector: %v", values)
	}

	features, err := store.ExpressionFeatures("run1")
	if err != nil {
		t.Fatalf("ExpressionFeatures failed: %v", err)
	}
	if len(features) != 2 || features[0] != "Gad1" || features[1] != "Slc17a7" {
		t.Errorf("unexpected features: %v", features)
	}
}

func TestInsertExpression_LengthMismatch(t *testing.T) {
	store := newTestStore(t)
	insertFixture(t, store)

	err := store.InsertExpression("run1", "Gad1", []string{"q1", "q2"}, []float64{1})
	if err == nil {
		t.Fatal("expected error for mismatched lengths")
	}
}

func TestExpressionVector_NotPersisted(t *testing.T) {
	store := newTestStore(t)
	insertFixture(t, store)

	values, err := store.ExpressionVector("run1", "Gad1")
	if err != nil {
		t.Fatalf("ExpressionVector failed: %v", err)
	}
	if len(values) != 0 {
		t.Errorf("expected empty vector, got %v", values)
	}
}

func TestDeleteRun(t *testing.T) {
	store := newTestStore(t)
	insertFixture(t, store)
	if err := store.InsertExpression("run1", "Gad1", []string{"q1", "q2"}, []float64{2.5, 0}); err != nil {
		t.Fatalf("InsertExpression failed: %v", err)
	}

	if err := store.DeleteRun("run1"); err != nil {
		t.Fatalf("DeleteRun failed: %v", err)
	}

	run, err := store.GetRun("run1")
	if err != nil {
		t.Fatalf("GetRun failed: %v", err)
	}
	if run != nil {
		t.Error("run still present after delete")
	}
	_, total, err := store.QuerySamples("run1", "", "", 0, 10)
	if err != nil {
		t.Fatalf("QuerySamples failed: %v", err)
	}
	if total != 0 {
		t.Errorf("samples survived delete: %d", total)
	}
	_, total, err = store.QueryAnchors("run1", 0, 10)
	if err != nil {
		t.Fatalf("QueryAnchors failed: %v", err)
	}
	if total != 0 {
		t.Errorf("anchors survived delete: %d", total)
	}
	values, err := store.ExpressionVector("run1", "Gad1")
	if err != nil {
		t.Fatalf("ExpressionVector failed: %v", err)
	}
	if len(values) != 0 {
		t.Errorf("expression survived delete: %v", values)
	}
}
