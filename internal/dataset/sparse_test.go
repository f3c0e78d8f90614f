package dataset

import (
	"math"
	"testing"
)

func TestNewSparse_SortsAndMerges(t *testing.T) {
	entries := []Triplet{
		{Row: 1, Col: 2, Val: 3},
		{Row: 0, Col: 1, Val: 1},
		{Row: 1, Col: 0, Val: 2},
		{Row: 1, Col: 2, Val: 4}, // duplicate coordinate, summed
	}
	s, err := NewSparse(2, 3, entries)
	if err != nil {
		t.Fatalf("NewSparse failed: %v", err)
	}

	if got := s.At(1, 2); got != 7 {
		t.Errorf("expected merged value 7 at (1,2), got %g", got)
	}
	cols, vals := s.Row(1)
	if len(cols) != 2 || cols[0] != 0 || cols[1] != 2 {
		t.Errorf("expected sorted row columns [0 2], got %v", cols)
	}
	if vals[0] != 2 {
		t.Errorf("expected value 2 at (1,0), got %g", vals[0])
	}
}

func TestNewSparse_OutOfRange(t *testing.T) {
	if _, err := NewSparse(2, 2, []Triplet{{Row: 2, Col: 0, Val: 1}}); err == nil {
		t.Fatal("expected error for out-of-range row")
	}
	if _, err := NewSparse(2, 2, []Triplet{{Row: 0, Col: -1, Val: 1}}); err == nil {
		t.Fatal("expected error for negative column")
	}
}

func TestSparse_RowSums(t *testing.T) {
	s, err := NewSparse(3, 2, []Triplet{
		{Row: 0, Col: 0, Val: 1},
		{Row: 0, Col: 1, Val: 2},
		{Row: 2, Col: 1, Val: 5},
	})
	if err != nil {
		t.Fatalf("NewSparse failed: %v", err)
	}

	sums := s.RowSums()
	want := []float64{3, 0, 5}
	for i := range want {
		if sums[i] != want[i] {
			t.Errorf("row %d: expected sum %g, got %g", i, want[i], sums[i])
		}
	}
}

func TestSparse_Map(t *testing.T) {
	s, err := NewSparse(2, 2, []Triplet{
		{Row: 0, Col: 0, Val: 4},
		{Row: 1, Col: 1, Val: 9},
	})
	if err != nil {
		t.Fatalf("NewSparse failed: %v", err)
	}

	sq := s.Map(func(row int, v float64) float64 { return math.Sqrt(v) })
	if got := sq.At(0, 0); got != 2 {
		t.Errorf("expected 2, got %g", got)
	}
	if got := sq.At(1, 1); got != 3 {
		t.Errorf("expected 3, got %g", got)
	}
	// Original untouched.
	if got := s.At(0, 0); got != 4 {
		t.Errorf("expected original 4, got %g", got)
	}
}

func TestSparse_SelectRows(t *testing.T) {
	s, err := NewSparse(3, 2, []Triplet{
		{Row: 0, Col: 0, Val: 1},
		{Row: 1, Col: 1, Val: 2},
		{Row: 2, Col: 0, Val: 3},
	})
	if err != nil {
		t.Fatalf("NewSparse failed: %v", err)
	}

	sub := s.SelectRows([]int{2, 0})
	if sub.NRows != 2 {
		t.Fatalf("expected 2 rows, got %d", sub.NRows)
	}
	if got := sub.At(0, 0); got != 3 {
		t.Errorf("expected row 0 to be old row 2 (value 3), got %g", got)
	}
	if got := sub.At(1, 0); got != 1 {
		t.Errorf("expected row 1 to be old row 0 (value 1), got %g", got)
	}
}
