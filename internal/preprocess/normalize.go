package preprocess

import (
	"fmt"
	"math"
	"math/rand"
	"sort"

	"github.com/cellanchor/pipeline/internal/dataset"
)

// Normalizer produces the normalized layer of a Dataset. Implementations
// must preserve the shape (and sparsity structure) of the counts layer.
type Normalizer interface {
	Normalize(ds *dataset.Dataset) error
}

// VST is a variance-stabilizing normalizer: counts are depth-scaled to the
// median sequencing depth and log1p-transformed. The depth target may be
// fitted on a seeded subsample to bound cost on large datasets; the
// transform is still applied to every sample, so results under a cap agree
// in distribution but not bit-for-bit with the uncapped fit.
type VST struct {
	// SampleCap limits how many samples the depth target is fitted on.
	// Zero means fit on all samples.
	SampleCap int
	Seed      int64
}

// Normalize adds the normalized layer and a log_umi metadata column (kept
// for parity with common workflows; nothing downstream consumes it).
func (v VST) Normalize(ds *dataset.Dataset) error {
	counts, err := ds.Layer(dataset.LayerCounts)
	if err != nil {
		return err
	}

	depths := counts.RowSums()
	for i, d := range depths {
		if d <= 0 {
			return fmt.Errorf("dataset %q: sample %q has zero total counts; filter before normalizing",
				ds.Name(), ds.SampleIDs()[i])
		}
	}

	target := v.fitDepthTarget(depths)

	norm := counts.Map(func(row int, val float64) float64 {
		return math.Log1p(val * target / depths[row])
	})
	if err := ds.SetLayer(dataset.LayerNormalized, norm); err != nil {
		return err
	}

	logUMI := make([]float64, len(depths))
	for i, d := range depths {
		logUMI[i] = math.Log10(d)
	}
	return ds.SetMeta("log_umi", logUMI)
}

// fitDepthTarget returns the median depth, computed over a seeded subsample
// when SampleCap is set.
func (v VST) fitDepthTarget(depths []float64) float64 {
	fit := depths
	if v.SampleCap > 0 && len(depths) > v.SampleCap {
		idx := make([]int, len(depths))
		for i := range idx {
			idx[i] = i
		}
		rng := rand.New(rand.NewSource(v.Seed))
		rng.Shuffle(len(idx), func(i, j int) { idx[i], idx[j] = idx[j], idx[i] })
		fit = make([]float64, v.SampleCap)
		for i := 0; i < v.SampleCap; i++ {
			fit[i] = depths[idx[i]]
		}
	}

	sorted := append([]float64(nil), fit...)
	sort.Float64s(sorted)
	n := len(sorted)
	if n%2 == 1 {
		return sorted[n/2]
	}
	return (sorted[n/2-1] + sorted[n/2]) / 2
}
