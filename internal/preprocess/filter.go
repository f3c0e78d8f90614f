// Package preprocess turns a raw count Dataset into a normalized matrix and
// a low-dimensional embedding over a selected feature subset.
package preprocess

import (
	"fmt"

	"github.com/cellanchor/pipeline/internal/dataset"
)

// Range is an open interval: a value passes iff Min < v < Max. A zero
// value on either side leaves that side unbounded, matching the config
// file convention, so {Min: 100} drops only values at or below 100.
type Range struct {
	Min float64
	Max float64
}

func (r Range) contains(v float64) bool {
	if r.Min != 0 && v <= r.Min {
		return false
	}
	if r.Max != 0 && v >= r.Max {
		return false
	}
	return true
}

// FilterSamples drops samples whose metadata fall outside the given open
// bounds. Keys name metadata columns ("n_counts", "volume", ...). The
// bounds are dataset-specific caller configuration, not constants; the
// check runs once, before any other preprocessing.
func FilterSamples(ds *dataset.Dataset, bounds map[string]Range) (*dataset.Dataset, int, error) {
	if len(bounds) == 0 {
		return ds, 0, nil
	}

	cols := make(map[string][]float64, len(bounds))
	for name := range bounds {
		col, ok := ds.Meta(name)
		if !ok {
			return nil, 0, fmt.Errorf("dataset %q: filter references unknown metadata column %q (have %v)",
				ds.Name(), name, ds.MetaColumns())
		}
		cols[name] = col
	}

	var keep []int
	for i := 0; i < ds.NSamples(); i++ {
		ok := true
		for name, r := range bounds {
			if !r.contains(cols[name][i]) {
				ok = false
				break
			}
		}
		if ok {
			keep = append(keep, i)
		}
	}

	dropped := ds.NSamples() - len(keep)
	if dropped == 0 {
		return ds, 0, nil
	}
	out, err := ds.Subset(keep)
	if err != nil {
		return nil, 0, err
	}
	return out, dropped, nil
}
