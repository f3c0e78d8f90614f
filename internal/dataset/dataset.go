// Package dataset holds annotated expression matrices and the representation
// layers derived from them. A Dataset is created once by a loader and only
// ever gains layers, embeddings and labelings; callers select a
// representation with an explicit tag instead of switching a mutable
// "active" view.
package dataset

import (
	"fmt"

	"gonum.org/v1/gonum/mat"
)

// Layer tags a representation of the count matrix.
type Layer string

const (
	// LayerCounts is the raw count matrix as loaded.
	LayerCounts Layer = "counts"
	// LayerNormalized is the variance-stabilized matrix. Same shape and
	// sparsity structure as counts.
	LayerNormalized Layer = "normalized"
)

// Embedding maps every sample to a fixed-length real vector.
type Embedding struct {
	dims int
	data []float64 // row-major, len = n*dims
}

// NewEmbedding allocates an n x dims embedding.
func NewEmbedding(n, dims int) *Embedding {
	return &Embedding{dims: dims, data: make([]float64, n*dims)}
}

func (e *Embedding) N() int    { return len(e.data) / e.dims }
func (e *Embedding) Dims() int { return e.dims }

// Row returns the coordinates of sample i. The slice aliases internal
// storage.
func (e *Embedding) Row(i int) []float64 {
	return e.data[i*e.dims : (i+1)*e.dims]
}

// SetRow copies vec into row i.
func (e *Embedding) SetRow(i int, vec []float64) {
	copy(e.Row(i), vec)
}

// Truncate returns a view-like embedding restricted to the first dims
// coordinates of each row. Data is copied so the result is independent.
func (e *Embedding) Truncate(dims int) *Embedding {
	if dims >= e.dims {
		return e
	}
	out := NewEmbedding(e.N(), dims)
	for i := 0; i < e.N(); i++ {
		copy(out.Row(i), e.Row(i)[:dims])
	}
	return out
}

// ScaledLayer is a dense, feature-subset representation used by the linear
// embeddings. Rows are samples, columns follow Features.
type ScaledLayer struct {
	Features []string
	M        *mat.Dense
}

// Labeling assigns an opaque label to every sample; the empty string means
// unlabeled.
type Labeling struct {
	Values []string
}

// Groups returns label -> sample indices, skipping unlabeled samples.
func (l *Labeling) Groups() map[string][]int {
	out := make(map[string][]int)
	for i, v := range l.Values {
		if v == "" {
			continue
		}
		out[v] = append(out[v], i)
	}
	return out
}

// Dataset is an ordered collection of samples over one feature vocabulary.
type Dataset struct {
	name string

	sampleIDs  []string
	sampleIdx  map[string]int
	features   []string
	featureIdx map[string]int

	layers     map[Layer]*Sparse
	scaled     *ScaledLayer
	meta       map[string][]float64
	coords     [][2]float64
	embeddings map[string]*Embedding
	labelings  map[string]*Labeling
}

// New creates a Dataset from a count matrix and its identifier lists. The
// matrix shape must agree with both lists.
func New(name string, sampleIDs, features []string, counts *Sparse) (*Dataset, error) {
	if counts.NRows != len(sampleIDs) {
		return nil, fmt.Errorf("dataset %q: matrix has %d rows but %d sample ids", name, counts.NRows, len(sampleIDs))
	}
	if counts.NCols != len(features) {
		return nil, fmt.Errorf("dataset %q: matrix has %d columns but %d feature ids", name, counts.NCols, len(features))
	}

	sampleIdx := make(map[string]int, len(sampleIDs))
	for i, id := range sampleIDs {
		if _, dup := sampleIdx[id]; dup {
			return nil, fmt.Errorf("dataset %q: duplicate sample id %q", name, id)
		}
		sampleIdx[id] = i
	}
	featureIdx := make(map[string]int, len(features))
	for i, f := range features {
		if _, dup := featureIdx[f]; dup {
			return nil, fmt.Errorf("dataset %q: duplicate feature id %q", name, f)
		}
		featureIdx[f] = i
	}

	return &Dataset{
		name:       name,
		sampleIDs:  sampleIDs,
		sampleIdx:  sampleIdx,
		features:   features,
		featureIdx: featureIdx,
		layers:     map[Layer]*Sparse{LayerCounts: counts},
		meta:       make(map[string][]float64),
		embeddings: make(map[string]*Embedding),
		labelings:  make(map[string]*Labeling),
	}, nil
}

func (d *Dataset) Name() string        { return d.name }
func (d *Dataset) NSamples() int       { return len(d.sampleIDs) }
func (d *Dataset) NFeatures() int      { return len(d.features) }
func (d *Dataset) SampleIDs() []string { return d.sampleIDs }
func (d *Dataset) Features() []string  { return d.features }

// SampleIndex returns the row index of a sample id.
func (d *Dataset) SampleIndex(id string) (int, bool) {
	i, ok := d.sampleIdx[id]
	return i, ok
}

// FeatureIndex returns the column index of a feature id.
func (d *Dataset) FeatureIndex(f string) (int, bool) {
	i, ok := d.featureIdx[f]
	return i, ok
}

// Layer returns the matrix stored under tag.
func (d *Dataset) Layer(tag Layer) (*Sparse, error) {
	m, ok := d.layers[tag]
	if !ok {
		return nil, fmt.Errorf("dataset %q: layer %q not present", d.name, tag)
	}
	return m, nil
}

// SetLayer registers a derived matrix. The shape must match the counts
// layer; layers are never removed.
func (d *Dataset) SetLayer(tag Layer, m *Sparse) error {
	if m.NRows != d.NSamples() || m.NCols != d.NFeatures() {
		return fmt.Errorf("dataset %q: layer %q shape %dx%d does not match %dx%d",
			d.name, tag, m.NRows, m.NCols, d.NSamples(), d.NFeatures())
	}
	d.layers[tag] = m
	return nil
}

// Scaled returns the dense scaled layer, if set.
func (d *Dataset) Scaled() *ScaledLayer { return d.scaled }

// SetScaled registers the dense scaled layer.
func (d *Dataset) SetScaled(s *ScaledLayer) error {
	r, _ := s.M.Dims()
	if r != d.NSamples() {
		return fmt.Errorf("dataset %q: scaled layer has %d rows for %d samples", d.name, r, d.NSamples())
	}
	d.scaled = s
	return nil
}

// SetMeta stores a per-sample scalar metadata column.
func (d *Dataset) SetMeta(name string, values []float64) error {
	if len(values) != d.NSamples() {
		return fmt.Errorf("dataset %q: metadata %q has %d values for %d samples", d.name, name, len(values), d.NSamples())
	}
	d.meta[name] = values
	return nil
}

// Meta returns a metadata column.
func (d *Dataset) Meta(name string) ([]float64, bool) {
	v, ok := d.meta[name]
	return v, ok
}

// MetaColumns lists the registered metadata column names.
func (d *Dataset) MetaColumns() []string {
	out := make([]string, 0, len(d.meta))
	for k := range d.meta {
		out = append(out, k)
	}
	return out
}

// SetCoords stores spatial centroids, one per sample.
func (d *Dataset) SetCoords(coords [][2]float64) error {
	if len(coords) != d.NSamples() {
		return fmt.Errorf("dataset %q: %d centroids for %d samples", d.name, len(coords), d.NSamples())
	}
	d.coords = coords
	return nil
}

// Coords returns spatial centroids, nil for non-spatial datasets.
func (d *Dataset) Coords() [][2]float64 { return d.coords }

// SetEmbedding registers an embedding under a key.
func (d *Dataset) SetEmbedding(key string, e *Embedding) error {
	if e.N() != d.NSamples() {
		return fmt.Errorf("dataset %q: embedding %q has %d rows for %d samples", d.name, key, e.N(), d.NSamples())
	}
	d.embeddings[key] = e
	return nil
}

// Embedding returns the embedding stored under key.
func (d *Dataset) Embedding(key string) (*Embedding, error) {
	e, ok := d.embeddings[key]
	if !ok {
		return nil, fmt.Errorf("dataset %q: embedding %q not present", d.name, key)
	}
	return e, nil
}

// EmbeddingKeys lists registered embedding keys.
func (d *Dataset) EmbeddingKeys() []string {
	out := make([]string, 0, len(d.embeddings))
	for k := range d.embeddings {
		out = append(out, k)
	}
	return out
}

// SetLabels registers a labeling under a key.
func (d *Dataset) SetLabels(key string, l *Labeling) error {
	if len(l.Values) != d.NSamples() {
		return fmt.Errorf("dataset %q: labeling %q has %d values for %d samples", d.name, key, len(l.Values), d.NSamples())
	}
	d.labelings[key] = l
	return nil
}

// Labels returns the labeling stored under key.
func (d *Dataset) Labels(key string) (*Labeling, error) {
	l, ok := d.labelings[key]
	if !ok {
		return nil, fmt.Errorf("dataset %q: labeling %q not present", d.name, key)
	}
	return l, nil
}

// Subset returns a new Dataset containing the given sample rows, in order.
// All layers and metadata present at call time are carried over; embeddings
// and labelings are not (they are derived downstream of filtering).
func (d *Dataset) Subset(rows []int) (*Dataset, error) {
	ids := make([]string, len(rows))
	for i, r := range rows {
		if r < 0 || r >= d.NSamples() {
			return nil, fmt.Errorf("dataset %q: subset row %d out of range [0,%d)", d.name, r, d.NSamples())
		}
		ids[i] = d.sampleIDs[r]
	}

	counts := d.layers[LayerCounts].SelectRows(rows)
	out, err := New(d.name, ids, d.features, counts)
	if err != nil {
		return nil, err
	}
	for tag, m := range d.layers {
		if tag == LayerCounts {
			continue
		}
		out.layers[tag] = m.SelectRows(rows)
	}
	for name, col := range d.meta {
		sub := make([]float64, len(rows))
		for i, r := range rows {
			sub[i] = col[r]
		}
		out.meta[name] = sub
	}
	if d.coords != nil {
		coords := make([][2]float64, len(rows))
		for i, r := range rows {
			coords[i] = d.coords[r]
		}
		out.coords = coords
	}
	return out, nil
}

// SharedFeatures returns the ordered intersection of the two feature
// vocabularies, following d's ordering.
func SharedFeatures(a, b *Dataset) []string {
	var out []string
	for _, f := range a.features {
		if _, ok := b.featureIdx[f]; ok {
			out = append(out, f)
		}
	}
	return out
}
