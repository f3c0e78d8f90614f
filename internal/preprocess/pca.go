package preprocess

import (
	"fmt"

	"gonum.org/v1/gonum/mat"

	"github.com/cellanchor/pipeline/internal/dataset"
)

// EmbeddingPCA is the key the PCA embedding is registered under.
const EmbeddingPCA = "pca"

// PCA computes a principal-component embedding of the scaled layer via thin
// SVD and registers it under EmbeddingPCA. The sign of each component is
// fixed so repeated runs produce identical coordinates.
func PCA(ds *dataset.Dataset, dims int) error {
	scaled := ds.Scaled()
	if scaled == nil {
		return fmt.Errorf("dataset %q: PCA requires the scaled layer", ds.Name())
	}

	n, f := scaled.M.Dims()
	if dims > f {
		dims = f
	}
	if dims > n {
		dims = n
	}
	if dims <= 0 {
		return fmt.Errorf("dataset %q: PCA over %dx%d scaled layer leaves no components", ds.Name(), n, f)
	}

	var svd mat.SVD
	if ok := svd.Factorize(scaled.M, mat.SVDThin); !ok {
		return fmt.Errorf("dataset %q: SVD of %dx%d scaled layer failed to converge", ds.Name(), n, f)
	}

	var u, v mat.Dense
	svd.UTo(&u)
	svd.VTo(&v)
	sigma := svd.Values(nil)

	fixComponentSigns(&u, &v, dims)

	emb := dataset.NewEmbedding(n, dims)
	for i := 0; i < n; i++ {
		row := emb.Row(i)
		for d := 0; d < dims; d++ {
			row[d] = u.At(i, d) * sigma[d]
		}
	}
	return ds.SetEmbedding(EmbeddingPCA, emb)
}

// fixComponentSigns flips each singular vector pair so the loading with the
// largest magnitude is positive. SVD is unique only up to sign; without
// this, coordinates could flip between runs of different BLAS backends.
func fixComponentSigns(u, v *mat.Dense, dims int) {
	vr, _ := v.Dims()
	ur, _ := u.Dims()
	for d := 0; d < dims; d++ {
		maxAbs, maxVal := 0.0, 0.0
		for i := 0; i < vr; i++ {
			a := v.At(i, d)
			if abs := a * a; abs > maxAbs {
				maxAbs = abs
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
