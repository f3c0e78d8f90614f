// Package transfer propagates annotations across datasets through an anchor
// set: categorical labels by weighted vote and continuous feature vectors by
// weighted averaging. Only anchors touching a query sample contribute to its
// prediction; query samples no anchor touches are reported, not zero-filled.
package transfer

import (
	"fmt"
	"math"

	"github.com/cellanchor/pipeline/internal/dataset"
	"github.com/cellanchor/pipeline/internal/integrate"
)

// NoAnchorsError reports a transfer attempted against an anchor set with no
// anchors. The anchor set itself is a valid result of integration; acting on
// an empty one is the caller's error.
type NoAnchorsError struct {
	Ref   string
	Query string
}

func (e *NoAnchorsError) Error() string {
	return fmt.Sprintf("no anchors between reference %q and query %q: nothing to transfer", e.Ref, e.Query)
}

// Options controls anchor weighting during transfer.
type Options struct {
	// DistanceWeighting additionally down-weights each anchor by its
	// endpoint separation in the joint embedding, so tighter anchors
	// contribute more. Off by default; the anchor score alone is the
	// baseline weight.
	DistanceWeighting bool
}

// LabelResult is the output of a categorical transfer: one predicted label
// and normalized confidence per anchored query sample, plus the list of
// query samples no anchor touched.
type LabelResult struct {
	// Labels has one entry per query sample; entries for unanchored
	// samples are empty strings.
	Labels *dataset.Labeling
	// Confidence is the winning label's share of total anchor weight,
	// in [0, 1]; zero for unanchored samples.
	Confidence []float64
	// Unanchored lists the indices of query samples with no anchors,
	// ascending.
	Unanchored []int
}

// Labels votes each query sample's label from the reference labels of the
// anchors touching it. The winning label is the one with the highest total
// weight; ties go to the label whose supporting anchor has the lowest
// reference sample index, so repeated calls agree exactly.
func Labels(set *integrate.AnchorSet, refLabels *dataset.Labeling, opts Options) (*LabelResult, error) {
	if len(set.Anchors) == 0 {
		return nil, &NoAnchorsError{Ref: set.Ref.Name(), Query: set.Query.Name()}
	}
	if got, want := len(refLabels.Values), set.Ref.NSamples(); got != want {
		return nil, fmt.Errorf("reference labeling covers %d samples, reference %q has %d", got, set.Ref.Name(), want)
	}

	nq := set.Query.NSamples()
	type vote struct {
		weight   float64
		firstRef int
	}
	votes := make([]map[string]*vote, nq)
	totals := make([]float64, nq)

	for _, a := range set.Anchors {
		w := anchorWeight(set, a, opts)
		if w <= 0 {
			continue
		}
		label := refLabels.Values[a.RefIdx]
		if votes[a.QueryIdx] == nil {
			votes[a.QueryIdx] = make(map[string]*vote)
		}
		v := votes[a.QueryIdx][label]
		if v == nil {
			v = &vote{firstRef: a.RefIdx}
			votes[a.QueryIdx][label] = v
		} else if a.RefIdx < v.firstRef {
			v.firstRef = a.RefIdx
		}
		v.weight += w
		totals[a.QueryIdx] += w
	}

	out := &LabelResult{
		Labels:     &dataset.Labeling{Values: make([]string, nq)},
		Confidence: make([]float64, nq),
	}
	for j := 0; j < nq; j++ {
		if votes[j] == nil || totals[j] == 0 {
			out.Unanchored = append(out.Unanchored, j)
			continue
		}
		var best string
		bestVote := &vote{weight: -1, firstRef: math.MaxInt}
		for label, v := range votes[j] {
			if v.weight > bestVote.weight || (v.weight == bestVote.weight && v.firstRef < bestVote.firstRef) {
				best, bestVote = label, v
			}
		}
		out.Labels.Values[j] = best
		out.Confidence[j] = bestVote.weight / totals[j]
	}
	return out, nil
}

// FeatureResult is the output of a continuous transfer: per anchored query
// sample, a weighted average of reference feature vectors.
type FeatureResult struct {
	Features []string
	// Values is row-per-query-sample; rows for unanchored samples are
	// all-zero and listed in Unanchored.
	Values     *dataset.Embedding
	Unanchored []int
}

// Features transfers the reference dataset's normalized expression over the
// requested feature subset onto the query: each query sample's vector is the
// anchor-weighted average of the reference vectors of anchors touching it.
// Scaling every reference vector by a constant scales the output by the same
// constant.
func Features(set *integrate.AnchorSet, features []string, opts Options) (*FeatureResult, error) {
	if len(set.Anchors) == 0 {
		return nil, &NoAnchorsError{Ref: set.Ref.Name(), Query: set.Query.Name()}
	}
	norm, err := set.Ref.Layer(dataset.LayerNormalized)
	if err != nil {
		return nil, fmt.Errorf("reference %q: %w", set.Ref.Name(), err)
	}
	cols := make([]int, len(features))
	for i, f := range features {
		idx, ok := set.Ref.FeatureIndex(f)
		if !ok {
			return nil, fmt.Errorf("reference %q has no feature %q", set.Ref.Name(), f)
		}
		cols[i] = idx
	}

	nq := set.Query.NSamples()
	values := dataset.NewEmbedding(nq, len(features))
	totals := make([]float64, nq)

	for _, a := range set.Anchors {
		w := anchorWeight(set, a, opts)
		if w <= 0 {
			continue
		}
		row := values.Row(a.QueryIdx)
		refCols, refVals := norm.Row(a.RefIdx)
		for i, col := range cols {
			row[i] += w * sparseAt(refCols, refVals, col)
		}
		totals[a.QueryIdx] += w
	}

	out := &FeatureResult{Features: features, Values: values}
	for j := 0; j < nq; j++ {
		if totals[j] == 0 {
			out.Unanchored = append(out.Unanchored, j)
			continue
		}
		row := values.Row(j)
		for i := range row {
			row[i] /= totals[j]
		}
	}
	return out, nil
}

// anchorWeight is the anchor's contribution to its query sample: the
// confidence score, optionally shrunk by the anchor's joint-space endpoint
// distance.
func anchorWeight(set *integrate.AnchorSet, a integrate.Anchor, opts Options) float64 {
	w := a.Score
	if !opts.DistanceWeighting {
		return w
	}
	r := set.RefCoords.Row(a.RefIdx)
	q := set.QueryCoords.Row(a.QueryIdx)
	var distSq float64
	for d := range r {
		diff := r[d] - q[d]
		distSq += diff * diff
	}
	return w / (1 + math.Sqrt(distSq))
}

func sparseAt(cols []int, vals []float64, col int) float64 {
	lo, hi := 0, len(cols)
	for lo < hi {
		mid := (lo + hi) / 2
		if cols[mid] < col {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	if lo < len(cols) && cols[lo] == col {
		return vals[lo]
	}
	return 0
}
