package preprocess

import (
	"math"
	"testing"

	"gonum.org/v1/gonum/mat"

	"github.com/cellanchor/pipeline/internal/dataset"
)

func scaledDataset(t *testing.T, m *mat.Dense, features []string) *dataset.Dataset {
	t.Helper()
	n, _ := m.Dims()
	ds := testDataset(t, n, features, nil)
	if err := ds.SetScaled(&dataset.ScaledLayer{Features: features, M: m}); err != nil {
		t.Fatalf("SetScaled failed: %v", err)
	}
	return ds
}

func TestPCA(t *testing.T) {
	// All variance lies on the first axis, so the single component must
	// recover the axis coordinates exactly (up to the fixed sign).
	m := mat.NewDense(2, 2, []float64{
		-1, 0,
		1, 0,
	})
	ds := scaledDataset(t, m, []string{"g1", "g2"})

	if err := PCA(ds, 1); err != nil {
		t.Fatalf("PCA failed: %v", err)
	}
	emb, err := ds.Embedding(EmbeddingPCA)
	if err != nil {
		t.Fatalf("Embedding failed: %v", err)
	}
	if emb.N() != 2 || emb.Dims() != 1 {
		t.Fatalf("expected 2x1 embedding, got %dx%d", emb.N(), emb.Dims())
	}
	if math.Abs(emb.Row(0)[0]+1) > 1e-12 || math.Abs(emb.Row(1)[0]-1) > 1e-12 {
		t.Errorf("unexpected component coordinates: %v, %v", emb.Row(0), emb.Row(1))
	}
}

func TestPCA_ClampsDims(t *testing.T) {
	m := mat.NewDense(3, 2, []float64{1, 0, 0, 1, 1, 1})
	ds := scaledDataset(t, m, []string{"g1", "g2"})

	if err := PCA(ds, 50); err != nil {
		t.Fatalf("PCA failed: %v", err)
	}
	emb, err := ds.Embedding(EmbeddingPCA)
	if err != nil {
		t.Fatalf("Embedding failed: %v", err)
	}
	if emb.Dims() != 2 {
		t.Errorf("expected dims clamped to 2, got %d", emb.Dims())
	}
}

func TestPCA_Deterministic(t *testing.T) {
	build := func() *dataset.Dataset {
		data := []float64{
			0.3, -1.2, 0.8,
			1.1, 0.4, -0.5,
			-0.7, 0.9, 1.3,
			0.2, -0.6, -1.0,
		}
		return scaledDataset(t, mat.NewDense(4, 3, data), []string{"g1", "g2", "g3"})
	}

	a, b := build(), build()
	if err := PCA(a, 2); err != nil {
		t.Fatalf("PCA failed: %v", err)
	}
	if err := PCA(b, 2); err != nil {
		t.Fatalf("PCA failed: %v", err)
	}

	ea, _ := a.Embedding(EmbeddingPCA)
	eb, _ := b.Embedding(EmbeddingPCA)
	for i := 0; i < ea.N(); i++ {
		for d := 0; d < ea.Dims(); d++ {
			if ea.Row(i)[d] != eb.Row(i)[d] {
				t.Fatalf("coordinates differ at (%d,%d): %g vs %g", i, d, ea.Row(i)[d], eb.Row(i)[d])
			}
		}
	}
}

func TestPCA_RequiresScaledLayer(t *testing.T) {
	ds := testDataset(t, 2, []string{"g1"}, nil)

	if err := PCA(ds, 1); err == nil {
		t.Fatal("expected error without scaled layer")
	}
}
