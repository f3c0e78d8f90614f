package dataset

import "fmt"

// Triplet is one nonzero entry of a sparse matrix in coordinate form.
type Triplet struct {
	Row int
	Col int
	Val float64
}

// Sparse is a compressed sparse row matrix. Rows are samples, columns are
// features. Column indices within a row are strictly increasing.
type Sparse struct {
	NRows  int
	NCols  int
	RowPtr []int
	ColIdx []int
	Val    []float64
}

// NewSparse builds a CSR matrix from coordinate triplets. Entries outside
// [0,rows) x [0,cols) are rejected; duplicate entries for the same cell are
// summed.
func NewSparse(rows, cols int, entries []Triplet) (*Sparse, error) {
	if rows < 0 || cols < 0 {
		return nil, fmt.Errorf("invalid sparse shape: %dx%d", rows, cols)
	}

	counts := make([]int, rows+1)
	for _, e := range entries {
		if e.Row < 0 || e.Row >= rows || e.Col < 0 || e.Col >= cols {
			return nil, fmt.Errorf("entry (%d,%d) out of range for %dx%d matrix", e.Row, e.Col, rows, cols)
		}
		counts[e.Row+1]++
	}
	for i := 1; i <= rows; i++ {
		counts[i] += counts[i-1]
	}

	colIdx := make([]int, len(entries))
	val := make([]float64, len(entries))
	next := make([]int, rows)
	copy(next, counts[:rows])
	for _, e := range entries {
		p := next[e.Row]
		colIdx[p] = e.Col
		val[p] = e.Val
		next[e.Row]++
	}

	s := &Sparse{NRows: rows, NCols: cols, RowPtr: counts, ColIdx: colIdx, Val: val}
	s.sortAndMergeRows()
	return s, nil
}

// sortAndMergeRows sorts each row by column index and collapses duplicates.
func (s *Sparse) sortAndMergeRows() {
	outCol := s.ColIdx[:0]
	outVal := s.Val[:0]
	newPtr := make([]int, len(s.RowPtr))

	for r := 0; r < s.NRows; r++ {
		start, end := s.RowPtr[r], s.RowPtr[r+1]
		cols := s.ColIdx[start:end]
		vals := s.Val[start:end]
		insertionSortRow(cols, vals)

		newPtr[r] = len(outCol)
		for i := 0; i < len(cols); i++ {
			if len(outCol) > newPtr[r] && outCol[len(outCol)-1] == cols[i] {
				outVal[len(outVal)-1] += vals[i]
				continue
			}
			outCol = append(outCol, cols[i])
			outVal = append(outVal, vals[i])
		}
	}
	newPtr[s.NRows] = len(outCol)

	s.ColIdx = outCol
	s.Val = outVal
	s.RowPtr = newPtr
}

func insertionSortRow(cols []int, vals []float64) {
	for i := 1; i < len(cols); i++ {
		c, v := cols[i], vals[i]
		j := i - 1
		for j >= 0 && cols[j] > c {
			cols[j+1] = cols[j]
			vals[j+1] = vals[j]
			j--
		}
		cols[j+1] = c
		vals[j+1] = v
	}
}

// NNZ returns the number of stored entries.
func (s *Sparse) NNZ() int { return len(s.Val) }

// Row returns the column indices and values of row r. The returned slices
// alias internal storage and must not be modified.
func (s *Sparse) Row(r int) (cols []int, vals []float64) {
	start, end := s.RowPtr[r], s.RowPtr[r+1]
	return s.ColIdx[start:end], s.Val[start:end]
}

// RowSum returns the sum of the stored values in row r.
func (s *Sparse) RowSum(r int) float64 {
	var sum float64
	_, vals := s.Row(r)
	for _, v := range vals {
		sum += v
	}
	return sum
}

// RowSums returns per-row totals for all rows.
func (s *Sparse) RowSums() []float64 {
	sums := make([]float64, s.NRows)
	for r := 0; r < s.NRows; r++ {
		sums[r] = s.RowSum(r)
	}
	return sums
}

// At returns the value at (r, c), zero if not stored.
func (s *Sparse) At(r, c int) float64 {
	cols, vals := s.Row(r)
	lo, hi := 0, len(cols)
	for lo < hi {
		mid := (lo + hi) / 2
		if cols[mid] < c {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	if lo < len(cols) && cols[lo] == c {
		return vals[lo]
	}
	return 0
}

// Col extracts column c as a dense vector of length NRows.
func (s *Sparse) Col(c int) []float64 {
	out := make([]float64, s.NRows)
	for r := 0; r < s.NRows; r++ {
		out[r] = s.At(r, c)
	}
	return out
}

// Map returns a new matrix with the same sparsity structure and f applied to
// every stored value. f receives the row index alongside the value so
// per-sample scaling factors can be applied.
func (s *Sparse) Map(f func(row int, v float64) float64) *Sparse {
	out := &Sparse{
		NRows:  s.NRows,
		NCols:  s.NCols,
		RowPtr: append([]int(nil), s.RowPtr...),
		ColIdx: append([]int(nil), s.ColIdx...),
		Val:    make([]float64, len(s.Val)),
	}
	for r := 0; r < s.NRows; r++ {
		start, end := s.RowPtr[r], s.RowPtr[r+1]
		for i := start; i < end; i++ {
			out.Val[i] = f(r, s.Val[i])
		}
	}
	return out
}

// SelectRows returns a new matrix containing the given rows, in order.
func (s *Sparse) SelectRows(rows []int) *Sparse {
	out := &Sparse{NRows: len(rows), NCols: s.NCols}
	out.RowPtr = make([]int, len(rows)+1)
	for i, r := range rows {
		cols, vals := s.Row(r)
		out.ColIdx = append(out.ColIdx, cols...)
		out.Val = append(out.Val, vals...)
		out.RowPtr[i+1] = out.RowPtr[i] + len(cols)
	}
	return out
}
