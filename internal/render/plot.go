// Package render draws scatter plots of sample coordinates using fogleman/gg.
package render

import (
	"bytes"
	"image/color"
	"image/png"
	"math"
	"sync"

	"github.com/fogleman/gg"

	"github.com/cellanchor/pipeline/pkg/colormap"
)

// Config contains renderer configuration.
type Config struct {
	PlotSize        int
	DefaultColormap string
}

// Point is one sample placed on the plot canvas.
type Point struct {
	X, Y float64
	// Category indexes into the categorical palette; -1 draws the point
	// in neutral grey (used for unanchored samples).
	Category int
	// Value is a continuous intensity used instead of Category when the
	// plot is value-colored.
	Value float64
}

// PlotRenderer renders PNG scatter plots of embeddings and spatial layouts.
type PlotRenderer struct {
	config      Config
	contextPool sync.Pool
	bufferPool  sync.Pool
	colormaps   map[string]colormap.Colormap
}

// NewPlotRenderer creates a new plot renderer.
func NewPlotRenderer(cfg Config) *PlotRenderer {
	r := &PlotRenderer{
		config: cfg,
		contextPool: sync.Pool{
			New: func() interface{} {
				return gg.NewContext(cfg.PlotSize, cfg.PlotSize)
			},
		},
		bufferPool: sync.Pool{
			New: func() interface{} {
				return bytes.NewBuffer(make([]byte, 0, 32*1024))
			},
		},
		colormaps: make(map[string]colormap.Colormap),
	}

	r.colormaps["viridis"] = colormap.Viridis
	r.colormaps["plasma"] = colormap.Plasma
	r.colormaps["inferno"] = colormap.Inferno
	r.colormaps["magma"] = colormap.Magma
	r.colormaps["seurat"] = colormap.Seurat
	r.colormaps["categorical"] = colormap.Categorical

	return r
}

var unanchoredGrey = color.RGBA{R: 200, G: 200, B: 200, A: 255}

// RenderCategories draws points colored by their category index. Points with
// negative categories are drawn first, in grey, so labeled points sit on top.
func (r *PlotRenderer) RenderCategories(points []Point) ([]byte, error) {
	dc := r.contextPool.Get().(*gg.Context)
	defer r.contextPool.Put(dc)

	dc.SetColor(color.White)
	dc.Clear()

	if len(points) == 0 {
		return r.encodeContext(dc)
	}

	sx, sy, scale := r.fit(points)
	radius := r.pointRadius(len(points))
	cmap := r.colormaps["categorical"]

	for pass := 0; pass < 2; pass++ {
		for _, p := range points {
			grey := p.Category < 0
			if grey != (pass == 0) {
				continue
			}
			if grey {
				dc.SetColor(unanchoredGrey)
			} else {
				dc.SetColor(cmap.AtIndex(p.Category))
			}
			dc.DrawCircle((p.X-sx)*scale, (p.Y-sy)*scale, radius)
			dc.Fill()
		}
	}

	return r.encodeContext(dc)
}

// RenderValues draws points colored by a continuous value on the named
// colormap, min-max normalized over the drawn points.
func (r *PlotRenderer) RenderValues(points []Point, colormapName string) ([]byte, error) {
	dc := r.contextPool.Get().(*gg.Context)
	defer r.contextPool.Put(dc)

	dc.SetColor(color.White)
	dc.Clear()

	if len(points) == 0 {
		return r.encodeContext(dc)
	}

	cmap, ok := r.colormaps[colormapName]
	if !ok {
		cmap = r.colormaps[r.config.DefaultColormap]
	}

	lo, hi := math.Inf(1), math.Inf(-1)
	for _, p := range points {
		lo = math.Min(lo, p.Value)
		hi = math.Max(hi, p.Value)
	}
	span := hi - lo
	if span == 0 {
		span = 1
	}

	sx, sy, scale := r.fit(points)
	radius := r.pointRadius(len(points))

	for _, p := range points {
		dc.SetColor(cmap.At((p.Value - lo) / span))
		dc.DrawCircle((p.X-sx)*scale, (p.Y-sy)*scale, radius)
		dc.Fill()
	}

	return r.encodeContext(dc)
}

// fit computes the offset and scale placing all points inside the canvas
// with a small margin.
func (r *PlotRenderer) fit(points []Point) (sx, sy, scale float64) {
	minX, minY := math.Inf(1), math.Inf(1)
	maxX, maxY := math.Inf(-1), math.Inf(-1)
	for _, p := range points {
		minX = math.Min(minX, p.X)
		maxX = math.Max(maxX, p.X)
		minY = math.Min(minY, p.Y)
		maxY = math.Max(maxY, p.Y)
	}

	span := math.Max(maxX-minX, maxY-minY)
	if span == 0 {
		span = 1
	}
	margin := 0.05 * span
	scale = float64(r.config.PlotSize) / (span + 2*margin)
	return minX - margin, minY - margin, scale
}

func (r *PlotRenderer) pointRadius(n int) float64 {
	// Shrink points as density grows, bounded to stay visible.
	radius := float64(r.config.PlotSize) / (4 * math.Sqrt(float64(n)))
	return math.Max(1, math.Min(radius, 6))
}

func (r *PlotRenderer) encodeContext(dc *gg.Context) ([]byte, error) {
	buf := r.bufferPool.Get().(*bytes.Buffer)
	defer func() {
		buf.Reset()
		r.bufferPool.Put(buf)
	}()

	// Use fast PNG encoder
	encoder := png.Encoder{CompressionLevel: png.BestSpeed}
	if err := encoder.Encode(buf, dc.Image()); err != nil {
		return nil, err
	}

	// Copy buffer contents (buffer will be reused)
	result := make([]byte, buf.Len())
	copy(result, buf.Bytes())
	return result, nil
}
