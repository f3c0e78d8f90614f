package integrate

import (
	"fmt"

	"github.com/cellanchor/pipeline/internal/dataset"
	"github.com/cellanchor/pipeline/internal/neighbors"
	"github.com/cellanchor/pipeline/internal/preprocess"
)

const (
	// DefaultAnchorK is the cross-dataset neighborhood size used when
	// Options leaves K unset.
	DefaultAnchorK = 5
	// DefaultAnchorDims bounds the joint embedding when Options leaves
	// Dims unset.
	DefaultAnchorDims = 30
)

// Options controls anchor finding. Zero values fall back to the package
// defaults; Embedder defaults to CCA.
type Options struct {
	// K is the cross-dataset kNN size used both for mutual-neighbor
	// detection and, unless ScoreK overrides it, for anchor scoring.
	K int
	// Dims caps the dimensionality of the joint embedding.
	Dims int
	// ScoreK is the within-dataset neighborhood size used when scoring
	// anchors. Zero means use K.
	ScoreK int
	// Embedder produces the shared coordinate system. Nil means CCA.
	Embedder JointEmbedder
}

func (o Options) withDefaults() Options {
	if o.K <= 0 {
		o.K = DefaultAnchorK
	}
	if o.Dims <= 0 {
		o.Dims = DefaultAnchorDims
	}
	if o.ScoreK <= 0 {
		o.ScoreK = o.K
	}
	if o.Embedder == nil {
		o.Embedder = CCA{}
	}
	return o
}

// Anchor is one scored correspondence between a reference sample and a
// query sample. Score is in [0, 1]; higher means the pairing is supported
// by consistent neighborhoods on both sides.
type Anchor struct {
	RefIdx   int
	QueryIdx int
	RefID    string
	QueryID  string
	Score    float64
}

// AnchorSet is the output of FindAnchors: the correspondences plus the
// joint coordinates they were found in, kept so downstream transfer can
// weight by distance in the same space.
type AnchorSet struct {
	Ref      *dataset.Dataset
	Query    *dataset.Dataset
	Features []string
	Anchors  []Anchor
	// RefCoords and QueryCoords are the joint-embedding coordinates for
	// every sample of each dataset, not just the anchored ones.
	RefCoords   *dataset.Embedding
	QueryCoords *dataset.Embedding
	K           int
}

// FindAnchors embeds ref and query into a joint space over their shared
// features and returns the mutually-nearest cross-dataset pairs, scored by
// neighborhood overlap. An empty anchor set is a valid result; callers that
// cannot proceed without anchors decide that at transfer time.
func FindAnchors(ref, query *dataset.Dataset, opts Options) (*AnchorSet, error) {
	opts = opts.withDefaults()

	shared := dataset.SharedFeatures(ref, query)
	if len(shared) == 0 {
		return nil, &IncompatibleFeatureSpaceError{
			Ref:           ref.Name(),
			Query:         query.Name(),
			RefFeatures:   len(ref.Features()),
			QueryFeatures: len(query.Features()),
		}
	}
	if n := ref.NSamples(); n < opts.K {
		return nil, &InsufficientSamplesError{Dataset: ref.Name(), Samples: n, K: opts.K}
	}
	if n := query.NSamples(); n < opts.K {
		return nil, &InsufficientSamplesError{Dataset: query.Name(), Samples: n, K: opts.K}
	}

	refM, err := preprocess.ScaledMatrix(ref, shared)
	if err != nil {
		return nil, fmt.Errorf("scale %s over shared features: %w", ref.Name(), err)
	}
	queryM, err := preprocess.ScaledMatrix(query, shared)
	if err != nil {
		return nil, fmt.Errorf("scale %s over shared features: %w", query.Name(), err)
	}

	refEmb, queryEmb, err := opts.Embedder.JointEmbed(refM, queryM, opts.Dims)
	if err != nil {
		return nil, fmt.Errorf("joint embedding of %s and %s: %w", ref.Name(), query.Name(), err)
	}

	refRows := neighbors.Rows(refEmb, refEmb.Dims())
	queryRows := neighbors.Rows(queryEmb, queryEmb.Dims())

	// Cross-dataset kNN in both directions. Mutuality is the anchor
	// criterion: i and j anchor iff each sits in the other's k nearest.
	refToQuery, _, err := neighbors.Search(refRows, queryRows, opts.K, false)
	if err != nil {
		return nil, err
	}
	queryToRef, _, err := neighbors.Search(queryRows, refRows, opts.K, false)
	if err != nil {
		return nil, err
	}

	refNabes := neighborSets(refToQuery)
	pairs := make([]Anchor, 0)
	for j, cands := range queryToRef {
		for _, i := range cands {
			if _, ok := refNabes[i][j]; ok {
				pairs = append(pairs, Anchor{
					RefIdx:   i,
					QueryIdx: j,
					RefID:    ref.SampleIDs()[i],
					QueryID:  query.SampleIDs()[j],
				})
			}
		}
	}

	if len(pairs) > 0 {
		if err := scoreAnchors(pairs, refRows, queryRows, opts.ScoreK); err != nil {
			return nil, err
		}
	}

	return &AnchorSet{
		Ref:         ref,
		Query:       query,
		Features:    shared,
		Anchors:     pairs,
		RefCoords:   refEmb,
		QueryCoords: queryEmb,
		K:           opts.K,
	}, nil
}

// scoreAnchors assigns each anchor the fraction of shared within-dataset
// neighbors between its two endpoints, computed in the joint space. A pair
// whose neighborhoods on both sides are the same points scores 1; a pair
// whose neighborhoods are disjoint scores 0.
func scoreAnchors(anchors []Anchor, refRows, queryRows [][]float64, scoreK int) error {
	if scoreK > len(refRows) {
		scoreK = len(refRows)
	}
	if scoreK > len(queryRows) {
		scoreK = len(queryRows)
	}

	// Within-dataset neighborhoods of the anchored samples, plus the
	// cross placements needed to compare them: the query endpoint's
	// nearest reference samples stand in for its reference-side
	// neighborhood and vice versa.
	refSelf, _, err := neighbors.Search(refRows, refRows, scoreK, true)
	if err != nil {
		return err
	}
	querySelf, _, err := neighbors.Search(queryRows, queryRows, scoreK, true)
	if err != nil {
		return err
	}
	refInQuery, _, err := neighbors.Search(refRows, queryRows, scoreK, false)
	if err != nil {
		return err
	}
	queryInRef, _, err := neighbors.Search(queryRows, refRows, scoreK, false)
	if err != nil {
		return err
	}

	for a := range anchors {
		i, j := anchors[a].RefIdx, anchors[a].QueryIdx
		refOverlap := overlap(refSelf[i], queryInRef[j])
		queryOverlap := overlap(querySelf[j], refInQuery[i])
		anchors[a].Score = (refOverlap + queryOverlap) / 2
	}
	return nil
}

func overlap(a, b []int) float64 {
	if len(a) == 0 {
		return 0
	}
	set := make(map[int]struct{}, len(a))
	for _, x := range a {
		set[x] = struct{}{}
	}
	shared := 0
	for _, x := range b {
		if _, ok := set[x]; ok {
			shared++
		}
	}
	return float64(shared) / float64(len(a))
}

func neighborSets(idx [][]int) []map[int]struct{} {
	sets := make([]map[int]struct{}, len(idx))
	for i, row := range idx {
		m := make(map[int]struct{}, len(row))
		for _, j := range row {
			m[j] = struct{}{}
		}
		sets[i] = m
	}
	return sets
}
