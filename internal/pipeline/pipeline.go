// Package pipeline orchestrates the anchor-based integration run: load both
// datasets, preprocess and cluster the reference, find anchors, and transfer
// labels onto the query.
package pipeline

import (
	"fmt"
	"log"
	"time"

	"github.com/cellanchor/pipeline/internal/config"
	"github.com/cellanchor/pipeline/internal/dataset"
	"github.com/cellanchor/pipeline/internal/embed"
	"github.com/cellanchor/pipeline/internal/integrate"
	"github.com/cellanchor/pipeline/internal/neighbors"
	"github.com/cellanchor/pipeline/internal/preprocess"
	"github.com/cellanchor/pipeline/internal/resultstore"
	"github.com/cellanchor/pipeline/internal/transfer"
)

// LabelKeyCluster and LabelKeyTransferred are the labeling keys the run
// writes onto its datasets.
const (
	LabelKeyCluster     = "cluster"
	LabelKeyTransferred = "transferred"
)

// Result carries everything a run produced, before persistence.
type Result struct {
	Ref     *dataset.Dataset
	Query   *dataset.Dataset
	Anchors *integrate.AnchorSet
	Labels  *transfer.LabelResult
	// Expression is the transferred expression over the configured
	// features; nil when none were requested.
	Expression *transfer.FeatureResult
	// FilteredOut is how many query samples the metadata filters removed.
	FilteredOut int
	Duration    time.Duration
}

// Options are the per-run knobs, normally taken from config.PipelineConfig.
type Options struct {
	VariableFeatures  int
	PCADims           int
	Neighbors         int
	Resolution        float64
	AnchorK           int
	AnchorDims        int
	SampleCap         int
	Seed              int64
	DistanceWeighting bool
	// TransferFeatures lists reference genes whose normalized expression
	// is additionally transferred onto the query.
	TransferFeatures []string
	// Normalizer and Embedder default to VST and CCA.
	Normalizer preprocess.Normalizer
	Embedder   integrate.JointEmbedder
}

// FromConfig builds run options from a loaded configuration.
func FromConfig(cfg *config.Config) Options {
	return Options{
		VariableFeatures:  cfg.Pipeline.VariableFeatures,
		PCADims:           cfg.Pipeline.PCADims,
		Neighbors:         cfg.Pipeline.Neighbors,
		Resolution:        cfg.Pipeline.Resolution,
		AnchorK:           cfg.Pipeline.AnchorK,
		AnchorDims:        cfg.Pipeline.AnchorDims,
		SampleCap:         cfg.Pipeline.SampleCap,
		Seed:              cfg.Pipeline.Seed,
		DistanceWeighting: cfg.Pipeline.DistanceWeighting,
		TransferFeatures:  cfg.Pipeline.TransferFeatures,
	}
}

func (o Options) normalizer() preprocess.Normalizer {
	if o.Normalizer != nil {
		return o.Normalizer
	}
	return &preprocess.VST{SampleCap: o.SampleCap, Seed: o.Seed}
}

// Run executes the full integration over already-loaded datasets. The query
// is filtered first; both datasets are then normalized and embedded, the
// reference is clustered, and its cluster labels are transferred onto the
// query through the anchor set. An empty anchor set aborts with
// transfer.NoAnchorsError since there is nothing to annotate the query with.
func Run(ref, query *dataset.Dataset, filters map[string]preprocess.Range, opts Options) (*Result, error) {
	start := time.Now()

	filtered := 0
	if len(filters) > 0 {
		var err error
		query, filtered, err = preprocess.FilterSamples(query, filters)
		if err != nil {
			return nil, fmt.Errorf("filter %s: %w", query.Name(), err)
		}
		log.Printf("Filtered %s: removed %d samples, %d remain", query.Name(), filtered, query.NSamples())
	}

	norm := opts.normalizer()
	for _, ds := range []*dataset.Dataset{ref, query} {
		if err := norm.Normalize(ds); err != nil {
			return nil, fmt.Errorf("normalize %s: %w", ds.Name(), err)
		}
		if err := prepare(ds, opts); err != nil {
			return nil, err
		}
	}

	if err := clusterReference(ref, opts); err != nil {
		return nil, err
	}

	anchors, err := integrate.FindAnchors(ref, query, integrate.Options{
		K:        opts.AnchorK,
		Dims:     opts.AnchorDims,
		Embedder: opts.Embedder,
	})
	if err != nil {
		return nil, err
	}
	log.Printf("Found %d anchors between %s and %s over %d shared genes",
		len(anchors.Anchors), ref.Name(), query.Name(), len(anchors.Features))

	clusters, err := ref.Labels(LabelKeyCluster)
	if err != nil {
		return nil, err
	}
	labels, err := transfer.Labels(anchors, clusters, transfer.Options{
		DistanceWeighting: opts.DistanceWeighting,
	})
	if err != nil {
		return nil, err
	}
	if err := query.SetLabels(LabelKeyTransferred, labels.Labels); err != nil {
		return nil, err
	}
	if n := len(labels.Unanchored); n > 0 {
		log.Printf("Transfer left %d of %d query samples unanchored", n, query.NSamples())
	}

	var expression *transfer.FeatureResult
	if len(opts.TransferFeatures) > 0 {
		expression, err = transfer.Features(anchors, opts.TransferFeatures, transfer.Options{
			DistanceWeighting: opts.DistanceWeighting,
		})
		if err != nil {
			return nil, err
		}
		log.Printf("Transferred expression for %d features onto %s", len(opts.TransferFeatures), query.Name())
	}

	return &Result{
		Ref:         ref,
		Query:       query,
		Anchors:     anchors,
		Labels:      labels,
		Expression:  expression,
		FilteredOut: filtered,
		Duration:    time.Since(start),
	}, nil
}

// prepare runs the per-dataset embedding chain: variable features, scaling,
// PCA, and the 2-D graph layout for visualization.
func prepare(ds *dataset.Dataset, opts Options) error {
	hvg, err := preprocess.SelectVariable(ds, opts.VariableFeatures)
	if err != nil {
		return fmt.Errorf("select variable features for %s: %w", ds.Name(), err)
	}
	if err := preprocess.Scale(ds, hvg); err != nil {
		return fmt.Errorf("scale %s: %w", ds.Name(), err)
	}
	if err := preprocess.PCA(ds, opts.PCADims); err != nil {
		return fmt.Errorf("pca %s: %w", ds.Name(), err)
	}

	pca, err := ds.Embedding(preprocess.EmbeddingPCA)
	if err != nil {
		return err
	}
	knn, _, err := neighbors.KNN(pca, opts.Neighbors, pca.Dims())
	if err != nil {
		return fmt.Errorf("knn %s: %w", ds.Name(), err)
	}
	g := neighbors.SNN(knn, neighbors.DefaultPrune)
	layout := embed.ProjectGraph(g, pca, opts.Seed)
	return ds.SetEmbedding(embed.EmbeddingGraph2D, layout)
}

// clusterReference partitions the reference's PCA embedding into cluster
// labels used downstream as the transferable annotation.
func clusterReference(ref *dataset.Dataset, opts Options) error {
	pca, err := ref.Embedding(preprocess.EmbeddingPCA)
	if err != nil {
		return err
	}
	labels, err := neighbors.Cluster(pca, opts.Neighbors, pca.Dims(), opts.Resolution, opts.Seed)
	if err != nil {
		return fmt.Errorf("cluster %s: %w", ref.Name(), err)
	}
	if err := ref.SetLabels(LabelKeyCluster, labels); err != nil {
		return err
	}
	log.Printf("Clustered %s into %d groups", ref.Name(), len(labels.Groups()))
	return nil
}

// Persist writes a completed run into the result store.
func Persist(store *resultstore.Store, runID string, res *Result, params resultstore.RunParams) error {
	run := &resultstore.Run{
		ID:            runID,
		Params:        params,
		SharedGenes:   len(res.Anchors.Features),
		AnchorCount:   len(res.Anchors.Anchors),
		RefSamples:    res.Ref.NSamples(),
		QuerySamples:  res.Query.NSamples(),
		Unanchored:    len(res.Labels.Unanchored),
		CreatedAt:     time.Now(),
		DurationMSecs: res.Duration.Milliseconds(),
	}
	if err := store.CreateRun(run); err != nil {
		return fmt.Errorf("persist run: %w", err)
	}

	if err := store.InsertSamples(runID, sampleRecords(res)); err != nil {
		return fmt.Errorf("persist samples: %w", err)
	}

	anchors := make([]*resultstore.AnchorRecord, len(res.Anchors.Anchors))
	for i, a := range res.Anchors.Anchors {
		anchors[i] = &resultstore.AnchorRecord{RefID: a.RefID, QueryID: a.QueryID, Score: a.Score}
	}
	if err := store.InsertAnchors(runID, anchors); err != nil {
		return fmt.Errorf("persist anchors: %w", err)
	}

	if res.Expression != nil {
		ids := res.Query.SampleIDs()
		for i, feature := range res.Expression.Features {
			vec := make([]float64, len(ids))
			for j := range ids {
				vec[j] = res.Expression.Values.Row(j)[i]
			}
			if err := store.InsertExpression(runID, feature, ids, vec); err != nil {
				return fmt.Errorf("persist expression %s: %w", feature, err)
			}
		}
	}
	return nil
}

func sampleRecords(res *Result) []*resultstore.SampleRecord {
	unanchored := make(map[int]bool, len(res.Labels.Unanchored))
	for _, j := range res.Labels.Unanchored {
		unanchored[j] = true
	}

	clusters, _ := res.Ref.Labels(LabelKeyCluster)

	var records []*resultstore.SampleRecord
	records = append(records, datasetRecords(res.Ref, func(i int, r *resultstore.SampleRecord) {
		if clusters != nil {
			r.Cluster = clusters.Values[i]
		}
	})...)
	records = append(records, datasetRecords(res.Query, func(i int, r *resultstore.SampleRecord) {
		r.Label = res.Labels.Labels.Values[i]
		r.Confidence = res.Labels.Confidence[i]
		r.Unanchored = unanchored[i]
	})...)
	return records
}

func datasetRecords(ds *dataset.Dataset, annotate func(int, *resultstore.SampleRecord)) []*resultstore.SampleRecord {
	layout, _ := ds.Embedding(embed.EmbeddingGraph2D)
	coords := ds.Coords()
	ids := ds.SampleIDs()

	records := make([]*resultstore.SampleRecord, len(ids))
	for i, id := range ids {
		r := &resultstore.SampleRecord{SampleID: id, Dataset: ds.Name()}
		if layout != nil {
			row := layout.Row(i)
			r.X, r.Y = row[0], row[1]
		}
		if coords != nil {
			x, y := coords[i][0], coords[i][1]
			r.SpatialX, r.SpatialY = &x, &y
		}
		annotate(i, r)
		records[i] = r
	}
	return records
}
