// Package service provides business logic for serving integration results.
package service

import (
	"encoding/json"
	"fmt"
	"image/color"
	"sort"
	"sync"

	"github.com/cellanchor/pipeline/internal/cache"
	"github.com/cellanchor/pipeline/internal/render"
	"github.com/cellanchor/pipeline/internal/resultstore"
	"github.com/cellanchor/pipeline/pkg/colormap"
)

// Plot views and colorings accepted by ResultService.Plot.
const (
	ViewEmbedding = "embedding"
	ViewSpatial   = "spatial"

	ColorByCluster    = "cluster"
	ColorByLabel      = "label"
	ColorByConfidence = "confidence"
	ColorByExpression = "expression"
)

// ResultServiceConfig contains result service configuration.
type ResultServiceConfig struct {
	Store    *resultstore.Store
	Cache    *cache.Manager
	Renderer *render.PlotRenderer
}

// ResultService mediates between the result store, the plot renderer, and
// the caches.
type ResultService struct {
	store    *resultstore.Store
	cache    *cache.Manager
	renderer *render.PlotRenderer

	// Per-run category palette cache: run -> label -> palette index
	paletteMu    sync.Mutex
	paletteCache map[string]map[string]int
}

// NewResultService creates a new result service.
func NewResultService(cfg ResultServiceConfig) *ResultService {
	return &ResultService{
		store:        cfg.Store,
		cache:        cfg.Cache,
		renderer:     cfg.Renderer,
		paletteCache: make(map[string]map[string]int),
	}
}

// Runs lists all stored runs, newest first.
func (s *ResultService) Runs() ([]*resultstore.Run, error) {
	return s.store.ListRuns()
}

// Run returns one run, or nil when absent.
func (s *ResultService) Run(runID string) (*resultstore.Run, error) {
	return s.store.GetRun(runID)
}

// LabelCounts returns the per-label query sample counts of a run.
func (s *ResultService) LabelCounts(runID string) (map[string]int, error) {
	return s.store.LabelCounts(runID)
}

// Samples returns one page of sample annotations.
func (s *ResultService) Samples(runID, dataset, label string, offset, limit int) ([]*resultstore.SampleRecord, int, error) {
	return s.store.QuerySamples(runID, dataset, label, offset, limit)
}

// Anchors returns one page of a run's anchors, best first.
func (s *ResultService) Anchors(runID string, offset, limit int) ([]*resultstore.AnchorRecord, int, error) {
	return s.store.QueryAnchors(runID, offset, limit)
}

// Expression returns a feature's transferred values keyed by query sample
// id, through the LRU so repeated plot and vector requests skip the store.
func (s *ResultService) Expression(runID, feature string) (map[string]float64, error) {
	key := cache.ExpressionKey(runID, feature)
	if data, ok := s.cache.GetQuery(key); ok {
		var values map[string]float64
		if err := json.Unmarshal(data, &values); err == nil {
			return values, nil
		}
	}

	values, err := s.store.ExpressionVector(runID, feature)
	if err != nil {
		return nil, err
	}
	if len(values) == 0 {
		return nil, fmt.Errorf("run %q has no transferred expression for %q", runID, feature)
	}

	if data, err := json.Marshal(values); err == nil {
		s.cache.SetQuery(key, data)
	}
	return values, nil
}

// ExpressionFeatures lists the features a run persisted expression for.
func (s *ResultService) ExpressionFeatures(runID string) ([]string, error) {
	return s.store.ExpressionFeatures(runID)
}

// LegendEntry pairs one category value with its plot color and sample count.
type LegendEntry struct {
	Label string `json:"label"`
	Color string `json:"color"`
	Count int    `json:"count"`
}

// Legend returns the categories of a run's cluster or label coloring with
// the same palette assignment the plots use.
func (s *ResultService) Legend(runID, colorBy string) ([]LegendEntry, error) {
	if colorBy != ColorByCluster && colorBy != ColorByLabel {
		return nil, fmt.Errorf("no legend for coloring %q", colorBy)
	}
	records, err := s.allSamples(runID, "")
	if err != nil {
		return nil, err
	}

	palette := s.palette(runID, records, colorBy)
	counts := make(map[string]int)
	for _, r := range records {
		v := r.Cluster
		if colorBy == ColorByLabel {
			v = r.Label
		}
		if v != "" {
			counts[v]++
		}
	}

	entries := make([]LegendEntry, 0, len(palette))
	for label, idx := range palette {
		c := colormap.Categorical.AtIndex(idx).(color.RGBA)
		entries = append(entries, LegendEntry{
			Label: label,
			Color: fmt.Sprintf("#%02x%02x%02x", c.R, c.G, c.B),
			Count: counts[label],
		})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Label < entries[j].Label })
	return entries, nil
}

// Plot renders (or serves from cache) a PNG scatter of one dataset of a run.
// feature selects the gene when colorBy is "expression"; otherwise ignored.
func (s *ResultService) Plot(runID, dataset, view, colorBy, colormapName, feature string) ([]byte, error) {
	key := cache.PlotKey(runID, dataset, colorBy, map[string]interface{}{
		"view":     view,
		"colormap": colormapName,
		"feature":  feature,
	})
	if png, ok := s.cache.GetPlot(key); ok {
		return png, nil
	}

	records, err := s.allSamples(runID, dataset)
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("run %q has no samples for dataset %q", runID, dataset)
	}

	points, continuous, err := s.buildPoints(runID, records, view, colorBy, feature)
	if err != nil {
		return nil, err
	}

	var png []byte
	if continuous {
		png, err = s.renderer.RenderValues(points, colormapName)
	} else {
		png, err = s.renderer.RenderCategories(points)
	}
	if err != nil {
		return nil, err
	}

	// Cache failures only cost a re-render.
	_ = s.cache.SetPlot(key, png)
	return png, nil
}

func (s *ResultService) allSamples(runID, dataset string) ([]*resultstore.SampleRecord, error) {
	const page = 10000
	var all []*resultstore.SampleRecord
	for offset := 0; ; offset += page {
		records, total, err := s.store.QuerySamples(runID, dataset, "", offset, page)
		if err != nil {
			return nil, err
		}
		all = append(all, records...)
		if len(all) >= total || len(records) == 0 {
			return all, nil
		}
	}
}

func (s *ResultService) buildPoints(runID string, records []*resultstore.SampleRecord, view, colorBy, feature string) ([]render.Point, bool, error) {
	continuous := colorBy == ColorByConfidence || colorBy == ColorByExpression

	var palette map[string]int
	if !continuous {
		palette = s.palette(runID, records, colorBy)
	}

	var expression map[string]float64
	if colorBy == ColorByExpression {
		var err error
		expression, err = s.Expression(runID, feature)
		if err != nil {
			return nil, false, err
		}
	}

	points := make([]render.Point, 0, len(records))
	for _, r := range records {
		var p render.Point
		switch view {
		case ViewEmbedding:
			p.X, p.Y = r.X, r.Y
		case ViewSpatial:
			if r.SpatialX == nil || r.SpatialY == nil {
				continue
			}
			p.X, p.Y = *r.SpatialX, *r.SpatialY
		default:
			return nil, false, fmt.Errorf("unknown plot view %q", view)
		}

		switch colorBy {
		case ColorByCluster:
			p.Category = categoryIndex(palette, r.Cluster)
		case ColorByLabel:
			if r.Unanchored {
				p.Category = -1
			} else {
				p.Category = categoryIndex(palette, r.Label)
			}
		case ColorByConfidence:
			p.Value = r.Confidence
		case ColorByExpression:
			p.Value = expression[r.SampleID]
		default:
			return nil, false, fmt.Errorf("unknown coloring %q", colorBy)
		}
		points = append(points, p)
	}
	return points, continuous, nil
}

// palette assigns each distinct label of a run a stable palette index, in
// sorted label order so colors do not depend on row order.
func (s *ResultService) palette(runID string, records []*resultstore.SampleRecord, colorBy string) map[string]int {
	cacheKey := runID + ":" + colorBy

	s.paletteMu.Lock()
	defer s.paletteMu.Unlock()
	if p, ok := s.paletteCache[cacheKey]; ok {
		return p
	}

	seen := make(map[string]struct{})
	for _, r := range records {
		v := r.Cluster
		if colorBy == ColorByLabel {
			v = r.Label
		}
		if v != "" {
			seen[v] = struct{}{}
		}
	}
	labels := make([]string, 0, len(seen))
	for v := range seen {
		labels = append(labels, v)
	}
	sort.Strings(labels)

	p := make(map[string]int, len(labels))
	for i, v := range labels {
		p[v] = i
	}
	s.paletteCache[cacheKey] = p
	return p
}

func categoryIndex(palette map[string]int, label string) int {
	if label == "" {
		return -1
	}
	if i, ok := palette[label]; ok {
		return i
	}
	return -1
}
