package pipeline

import (
	"fmt"
	"math/rand"
	"testing"

	"github.com/cellanchor/pipeline/internal/dataset"
	"github.com/cellanchor/pipeline/internal/preprocess"
	"github.com/cellanchor/pipeline/internal/resultstore"
)

const (
	nFeatures = 200
	nBlobs    = 3
)

// syntheticDataset draws counts for samples split across nBlobs latent
// populations: each population strongly expresses its own third of the
// feature space over a sparse background. Returns the dataset and the
// latent population of each sample.
func syntheticDataset(t *testing.T, name string, nSamples int, rng *rand.Rand) (*dataset.Dataset, []int) {
	t.Helper()

	features := make([]string, nFeatures)
	for j := range features {
		features[j] = fmt.Sprintf("gene%03d", j)
	}
	block := nFeatures / nBlobs

	ids := make([]string, nSamples)
	latent := make([]int, nSamples)
	var entries []dataset.Triplet
	for i := 0; i < nSamples; i++ {
		ids[i] = fmt.Sprintf("%s-%d", name, i)
		blob := i % nBlobs
		latent[i] = blob
		for j := 0; j < nFeatures; j++ {
			var v float64
			if j/block == blob {
				v = float64(20 + rng.Intn(5))
			} else if rng.Intn(4) == 0 {
				v = 1
			}
			if v != 0 {
				entries = append(entries, dataset.Triplet{Row: i, Col: j, Val: v})
			}
		}
	}

	counts, err := dataset.NewSparse(nSamples, nFeatures, entries)
	if err != nil {
		t.Fatalf("NewSparse failed: %v", err)
	}
	ds, err := dataset.New(name, ids, features, counts)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return ds, latent
}

func TestRun(t *testing.T) {
	if testing.Short() {
		t.Skip("full integration run")
	}

	rng := rand.New(rand.NewSource(1))
	ref, refLatent := syntheticDataset(t, "ref", 300, rng)
	query, queryLatent := syntheticDataset(t, "query", 190, rng)

	// Plant ten low-volume query samples for the filter to remove.
	volume := make([]float64, query.NSamples())
	for i := range volume {
		volume[i] = 500
		if i < 10 {
			volume[i] = 1
		}
	}
	if err := query.SetMeta("volume", volume); err != nil {
		t.Fatalf("SetMeta failed: %v", err)
	}

	opts := Options{
		VariableFeatures: 150,
		PCADims:          20,
		Neighbors:        20,
		Resolution:       0.1,
		AnchorK:          5,
		AnchorDims:       20,
		Seed:             42,
	}
	filters := map[string]preprocess.Range{"volume": {Min: 100, Max: 1000}}

	res, err := Run(ref, query, filters, opts)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if res.FilteredOut != 10 {
		t.Errorf("FilteredOut = %d, want 10", res.FilteredOut)
	}
	if res.Query.NSamples() != 180 {
		t.Fatalf("query has %d samples after filtering, want 180", res.Query.NSamples())
	}
	queryLatent = queryLatent[10:]

	// The reference must split into exactly the three latent populations,
	// each label-pure.
	clusters, err := res.Ref.Labels(LabelKeyCluster)
	if err != nil {
		t.Fatalf("reference has no cluster labels: %v", err)
	}
	blobLabel := make(map[int]string)
	for i, blob := range refLatent {
		label := clusters.Values[i]
		if prev, ok := blobLabel[blob]; ok && prev != label {
			t.Fatalf("latent population %d split across clusters %q and %q", blob, prev, label)
		}
		blobLabel[blob] = label
	}
	if len(clusters.Groups()) != nBlobs {
		t.Errorf("expected %d clusters, got %d", nBlobs, len(clusters.Groups()))
	}

	// Anchored query samples must inherit their own population's label.
	if len(res.Anchors.Anchors) == 0 {
		t.Fatal("no anchors found")
	}
	unanchored := make(map[int]bool)
	for _, j := range res.Labels.Unanchored {
		unanchored[j] = true
	}
	anchored, correct := 0, 0
	for j, label := range res.Labels.Labels.Values {
		if unanchored[j] {
			if label != "" {
				t.Errorf("unanchored sample %d has label %q", j, label)
			}
			continue
		}
		anchored++
		if label == blobLabel[queryLatent[j]] {
			correct++
		}
	}
	if anchored == 0 {
		t.Fatal("every query sample is unanchored")
	}
	if frac := float64(correct) / float64(anchored); frac < 0.9 {
		t.Errorf("only %.0f%% of anchored samples labeled correctly", frac*100)
	}

	// The transferred labeling is registered on the query dataset too.
	transferred, err := res.Query.Labels(LabelKeyTransferred)
	if err != nil {
		t.Fatalf("query has no transferred labels: %v", err)
	}
	if len(transferred.Values) != res.Query.NSamples() {
		t.Errorf("transferred labeling covers %d of %d samples", len(transferred.Values), res.Query.NSamples())
	}

	// Both datasets carry a 2-D layout for visualization.
	for _, ds := range []*dataset.Dataset{res.Ref, res.Query} {
		layout, err := ds.Embedding("graph2d")
		if err != nil {
			t.Fatalf("%s has no 2-D layout: %v", ds.Name(), err)
		}
		if layout.N() != ds.NSamples() || layout.Dims() != 2 {
			t.Errorf("%s layout is %dx%d", ds.Name(), layout.N(), layout.Dims())
		}
	}
}

func TestPersist(t *testing.T) {
	if testing.Short() {
		t.Skip("full integration run")
	}

	rng := rand.New(rand.NewSource(2))
	ref, _ := syntheticDataset(t, "ref", 120, rng)
	query, _ := syntheticDataset(t, "query", 90, rng)

	// Spatial centroids so the query side persists physical coordinates.
	coords := make([][2]float64, query.NSamples())
	for i := range coords {
		coords[i] = [2]float64{float64(i), float64(i) * 2}
	}
	if err := query.SetCoords(coords); err != nil {
		t.Fatalf("SetCoords failed: %v", err)
	}

	opts := Options{
		VariableFeatures: 150,
		PCADims:          15,
		Neighbors:        10,
		Resolution:       0.1,
		AnchorK:          5,
		AnchorDims:       15,
		Seed:             42,
		TransferFeatures: []string{"gene000"},
	}
	res, err := Run(ref, query, nil, opts)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	store, err := resultstore.NewStore(t.TempDir() + "/results.db")
	if err != nil {
		t.Fatalf("NewStore failed: %v", err)
	}
	defer store.Close()

	params := resultstore.RunParams{Reference: "ref", Query: "query", Seed: 42}
	if err := Persist(store, "run1", res, params); err != nil {
		t.Fatalf("Persist failed: %v", err)
	}

	run, err := store.GetRun("run1")
	if err != nil || run == nil {
		t.Fatalf("GetRun failed: %v (run=%v)", err, run)
	}
	if run.AnchorCount != len(res.Anchors.Anchors) {
		t.Errorf("AnchorCount = %d, want %d", run.AnchorCount, len(res.Anchors.Anchors))
	}
	if run.RefSamples != 120 || run.QuerySamples != 90 {
		t.Errorf("sample counts = %d/%d, want 120/90", run.RefSamples, run.QuerySamples)
	}

	_, total, err := store.QuerySamples("run1", "", "", 0, 1000)
	if err != nil {
		t.Fatalf("QuerySamples failed: %v", err)
	}
	if total != 210 {
		t.Errorf("persisted %d samples, want 210", total)
	}

	spatial, _, err := store.QuerySamples("run1", "query", "", 0, 5)
	if err != nil {
		t.Fatalf("QuerySamples failed: %v", err)
	}
	for _, rec := range spatial {
		if rec.SpatialX == nil || rec.SpatialY == nil {
			t.Errorf("query sample %s lost its spatial coordinates", rec.SampleID)
		}
	}

	_, total, err = store.QueryAnchors("run1", 0, 10)
	if err != nil {
		t.Fatalf("QueryAnchors failed: %v", err)
	}
	if total != len(res.Anchors.Anchors) {
		t.Errorf("persisted %d anchors, want %d", total, len(res.Anchors.Anchors))
	}

	expr, err := store.ExpressionVector("run1", "gene000")
	if err != nil {
		t.Fatalf("ExpressionVector failed: %v", err)
	}
	if len(expr) != 90 {
		t.Errorf("persisted expression for %d query samples, want 90", len(expr))
	}
}
