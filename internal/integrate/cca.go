package integrate

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/cellanchor/pipeline/internal/dataset"
)

// JointEmbedder places two scaled expression matrices over the same feature
// space into one comparable low-dimensional coordinate system. This is the
// pluggable transform behind anchor finding; the mutual-nearest-neighbor
// logic never depends on which implementation backs it.
type JointEmbedder interface {
	JointEmbed(ref, query *mat.Dense, dims int) (*dataset.Embedding, *dataset.Embedding, error)
}

// CCA is a canonical-correlation joint embedder: the singular vectors of
// the cross-product between the two scaled matrices maximize correlated
// structure across datasets, which is what makes cross-platform
// nearest-neighbor comparison meaningful. Coordinates are L2-normalized per
// sample so neighbor search responds to expression profile shape rather
// than magnitude.
type CCA struct{}

func (CCA) JointEmbed(ref, query *mat.Dense, dims int) (*dataset.Embedding, *dataset.Embedding, error) {
	n1, f1 := ref.Dims()
	n2, f2 := query.Dims()
	if f1 != f2 {
		return nil, nil, fmt.Errorf("joint embedding inputs disagree on features: %d vs %d", f1, f2)
	}
	if dims > n1 {
		dims = n1
	}
	if dims > n2 {
		dims = n2
	}
	if dims <= 0 {
		return nil, nil, fmt.Errorf("joint embedding over %dx%d and %dx%d inputs leaves no dimensions", n1, f1, n2, f2)
	}

	// Cross-product of the two scaled matrices: (n1 x F) * (F x n2).
	var cross mat.Dense
	cross.Mul(ref, query.T())

	var svd mat.SVD
	if ok := svd.Factorize(&cross, mat.SVDThin); !ok {
		return nil, nil, fmt.Errorf("SVD of %dx%d cross-product failed to converge", n1, n2)
	}

	var u, v mat.Dense
	svd.UTo(&u)
	svd.VTo(&v)
	fixSigns(&u, &v, dims)

	refEmb := l2NormalizedEmbedding(&u, n1, dims)
	queryEmb := l2NormalizedEmbedding(&v, n2, dims)
	return refEmb, queryEmb, nil
}

// fixSigns resolves SVD sign ambiguity deterministically: each canonical
// pair is flipped so u's largest-magnitude entry is positive.
func fixSigns(u, v *mat.Dense, dims int) {
	ur, _ := u.Dims()
	vr, _ := v.Dims()
	for d := 0; d < dims; d++ {
		maxSq, maxVal := 0.0, 0.0
		for i := 0; i < ur; i++ {
			a := u.At(i, d)
			if sq := a * a; sq > maxSq {
				maxSq = sq
				maxVal = a
			}
		}
		if maxVal >= 0 {
			continue
		}
		for i := 0; i < ur; i++ {
			u.Set(i, d, -u.At(i, d))
		}
		for i := 0; i < vr; i++ {
			v.Set(i, d, -v.At(i, d))
		}
	}
}

func l2NormalizedEmbedding(m *mat.Dense, n, dims int) *dataset.Embedding {
	out := dataset.NewEmbedding(n, dims)
	for i := 0; i < n; i++ {
		row := out.Row(i)
		var norm float64
		for d := 0; d < dims; d++ {
			a := m.At(i, d)
			row[d] = a
			norm += a * a
		}
		norm = math.Sqrt(norm)
		if norm == 0 {
			continue
		}
		for d := range row {
			row[d] /= norm
		}
	}
	return out
}
