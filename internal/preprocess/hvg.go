package preprocess

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/mat"

	"github.com/cellanchor/pipeline/internal/dataset"
)

// SelectVariable ranks features by standardized dispersion of the
// normalized layer and returns the top n, ordered by the dataset's feature
// order. Dispersion (variance/mean) is z-scored within mean-expression bins
// so highly expressed genes do not dominate the ranking.
func SelectVariable(ds *dataset.Dataset, n int) ([]string, error) {
	norm, err := ds.Layer(dataset.LayerNormalized)
	if err != nil {
		return nil, err
	}
	if n <= 0 || n >= ds.NFeatures() {
		return ds.Features(), nil
	}

	nSamples := float64(ds.NSamples())
	means := make([]float64, ds.NFeatures())
	sqSums := make([]float64, ds.NFeatures())
	for r := 0; r < norm.NRows; r++ {
		cols, vals := norm.Row(r)
		for i, c := range cols {
			means[c] += vals[i]
			sqSums[c] += vals[i] * vals[i]
		}
	}

	disp := make([]float64, ds.NFeatures())
	for c := range means {
		mean := means[c] / nSamples
		means[c] = mean
		variance := sqSums[c]/nSamples - mean*mean
		if mean > 0 && variance > 0 {
			disp[c] = variance / mean
		}
	}

	z := binZScores(means, disp, 20)

	idx := make([]int, ds.NFeatures())
	for i := range idx {
		idx[i] = i
	}
	features := ds.Features()
	sort.Slice(idx, func(i, j int) bool {
		if z[idx[i]] != z[idx[j]] {
			return z[idx[i]] > z[idx[j]]
		}
		// Deterministic tie break.
		return features[idx[i]] < features[idx[j]]
	})

	top := idx[:n]
	sort.Ints(top)
	out := make([]string, n)
	for i, c := range top {
		out[i] = features[c]
	}
	return out, nil
}

// binZScores standardizes values within equal-occupancy bins of key.
func binZScores(key, values []float64, nBins int) []float64 {
	type kv struct {
		idx int
		key float64
	}
	order := make([]kv, len(key))
	for i := range key {
		order[i] = kv{idx: i, key: key[i]}
	}
	sort.Slice(order, func(i, j int) bool {
		if order[i].key != order[j].key {
			return order[i].key < order[j].key
		}
		return order[i].idx < order[j].idx
	})

	out := make([]float64, len(values))
	binSize := (len(order) + nBins - 1) / nBins
	for start := 0; start < len(order); start += binSize {
		end := start + binSize
		if end > len(order) {
			end = len(order)
		}
		var sum, sqSum float64
		for _, e := range order[start:end] {
			sum += values[e.idx]
			sqSum += values[e.idx] * values[e.idx]
		}
		n := float64(end - start)
		mean := sum / n
		sd := math.Sqrt(sqSum/n - mean*mean)
		for _, e := range order[start:end] {
			if sd > 0 {
				out[e.idx] = (values[e.idx] - mean) / sd
			}
		}
	}
	return out
}

// maxScaledValue clips scaled entries, as extreme outliers would otherwise
// dominate the embeddings.
const maxScaledValue = 10

// ScaledMatrix builds a dense matrix of the normalized layer restricted to
// the given features, centered and divided by the standard deviation per
// feature, clipped to +-maxScaledValue. Rows are samples.
func ScaledMatrix(ds *dataset.Dataset, features []string) (*mat.Dense, error) {
	norm, err := ds.Layer(dataset.LayerNormalized)
	if err != nil {
		return nil, err
	}

	n := ds.NSamples()
	m := mat.NewDense(n, len(features), nil)
	for j, f := range features {
		c, ok := ds.FeatureIndex(f)
		if !ok {
			return nil, &featureMissingError{dataset: ds.Name(), feature: f}
		}
		col := norm.Col(c)

		var sum, sqSum float64
		for _, v := range col {
			sum += v
			sqSum += v * v
		}
		mean := sum / float64(n)
		sd := math.Sqrt(sqSum/float64(n) - mean*mean)

		for i, v := range col {
			s := 0.0
			if sd > 0 {
				s = (v - mean) / sd
			}
			if s > maxScaledValue {
				s = maxScaledValue
			} else if s < -maxScaledValue {
				s = -maxScaledValue
			}
			m.Set(i, j, s)
		}
	}
	return m, nil
}

// Scale builds ScaledMatrix over the feature subset and registers it as the
// dataset's scaled layer.
func Scale(ds *dataset.Dataset, features []string) error {
	m, err := ScaledMatrix(ds, features)
	if err != nil {
		return err
	}
	return ds.SetScaled(&dataset.ScaledLayer{Features: features, M: m})
}

type featureMissingError struct {
	dataset string
	feature string
}

func (e *featureMissingError) Error() string {
	return "dataset \"" + e.dataset + "\": scaled layer requested for unknown feature \"" + e.feature + "\""
}
