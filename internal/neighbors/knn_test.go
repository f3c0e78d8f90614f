package neighbors

import (
	"math/rand"
	"reflect"
	"testing"
)

func TestSearch(t *testing.T) {
	// Points on a line at 0, 1, 3, 7.
	rows := [][]float64{{0}, {1}, {3}, {7}}

	idx, dist, err := Search(rows, rows, 2, true)
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}

	want := [][]int{{1, 2}, {0, 2}, {1, 0}, {2, 1}}
	if !reflect.DeepEqual(idx, want) {
		t.Errorf("neighbors = %v, want %v", idx, want)
	}
	// Squared distances.
	if dist[0][0] != 1 || dist[0][1] != 9 {
		t.Errorf("distances for point 0 = %v, want [1 9]", dist[0])
	}
}

func TestSearch_SelfMatch(t *testing.T) {
	rows := [][]float64{{0}, {1}}

	idx, dist, err := Search(rows, rows, 1, false)
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if idx[0][0] != 0 || dist[0][0] != 0 {
		t.Errorf("without excludeSelf the nearest neighbor is the point itself, got %v %v", idx[0], dist[0])
	}
}

func TestSearch_TieBreaksByIndex(t *testing.T) {
	rows := [][]float64{{0}, {1}, {-1}}

	idx, _, err := Search(rows[:1], rows, 2, true)
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if !reflect.DeepEqual(idx[0], []int{1, 2}) {
		t.Errorf("equidistant neighbors must be ordered by index, got %v", idx[0])
	}
}

func TestSearch_KTooLarge(t *testing.T) {
	rows := [][]float64{{0}, {1}, {2}}

	if _, _, err := Search(rows, rows, 3, true); err == nil {
		t.Fatal("expected error when k exceeds available neighbors")
	}
	if _, _, err := Search(rows, rows, 3, false); err != nil {
		t.Fatalf("k equal to the reference size without excludeSelf should work: %v", err)
	}
}

func TestSearch_DimMismatch(t *testing.T) {
	ref := [][]float64{{0, 0}, {1, 1}}
	query := [][]float64{{0}}

	if _, _, err := Search(query, ref, 1, false); err == nil {
		t.Fatal("expected error for mismatched dimensions")
	}
}

func TestSearch_Deterministic(t *testing.T) {
	// Enough rows to exercise the worker pool.
	rows := make([][]float64, 500)
	for i := range rows {
		rows[i] = []float64{float64(i % 37), float64(i % 11), float64(i % 5)}
	}

	a, _, err := Search(rows, rows, 10, true)
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	b, _, err := Search(rows, rows, 10, true)
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if !reflect.DeepEqual(a, b) {
		t.Fatal("results differ between runs")
	}
}

func BenchmarkSearch(b *testing.B) {
	rng := rand.New(rand.NewSource(1))
	rows := make([][]float64, 2000)
	for i := range rows {
		rows[i] = make([]float64, 30)
		for j := range rows[i] {
			rows[i][j] = rng.NormFloat64()
		}
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, _, err := Search(rows, rows, 20, true); err != nil {
			b.Fatal(err)
		}
	}
}
