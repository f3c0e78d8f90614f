// Package colormap supplies the color scales behind the scatter plots: a
// grey-to-red expression gradient, a few perceptually-uniform continuous
// maps, and a fixed qualitative palette for cluster and label categories.
package colormap

import "image/color"

// Colormap is a color scale. At maps a normalized value in [0, 1] onto
// the scale; AtIndex picks the i-th discrete entry, wrapping around.
type Colormap interface {
	At(t float64) color.Color
	AtIndex(i int) color.Color
}

// LinearColormap interpolates linearly between a list of control stops.
type LinearColormap struct {
	stops []color.RGBA
}

// At returns the scale color for t, clamping outside [0, 1].
func (c LinearColormap) At(t float64) color.Color {
	last := len(c.stops) - 1
	if t <= 0 {
		return c.stops[0]
	}
	if t >= 1 {
		return c.stops[last]
	}

	pos := t * float64(last)
	i := int(pos)
	j := i + 1
	if j > last {
		j = last
	}
	return lerp(c.stops[i], c.stops[j], pos-float64(i))
}

// AtIndex returns the i-th control stop, wrapping around.
func (c LinearColormap) AtIndex(i int) color.Color {
	return c.stops[i%len(c.stops)]
}

func lerp(a, b color.RGBA, t float64) color.RGBA {
	mix := func(x, y uint8) uint8 {
		return uint8(float64(x) + t*(float64(y)-float64(x)))
	}
	return color.RGBA{R: mix(a.R, b.R), G: mix(a.G, b.G), B: mix(a.B, b.B), A: 255}
}

// Seurat is the feature-expression gradient: light grey for silent samples
// rising to saturated red.
var Seurat = LinearColormap{stops: []color.RGBA{
	{211, 211, 211, 255},
	{255, 0, 0, 255},
}}

// The matplotlib continuous maps below are resampled to a handful of
// stops; at scatter point sizes the linear segments are indistinguishable
// from the full lookup tables.

// Viridis is the matplotlib default, dark purple through teal to yellow.
var Viridis = LinearColormap{stops: []color.RGBA{
	{68, 1, 84, 255},
	{72, 35, 116, 255},
	{64, 67, 135, 255},
	{52, 94, 141, 255},
	{41, 120, 142, 255},
	{32, 144, 140, 255},
	{34, 167, 132, 255},
	{68, 190, 112, 255},
	{121, 209, 81, 255},
	{189, 222, 38, 255},
	{253, 231, 37, 255},
}}

// Plasma runs deep blue through magenta to yellow.
var Plasma = LinearColormap{stops: []color.RGBA{
	{13, 8, 135, 255},
	{75, 3, 161, 255},
	{125, 3, 168, 255},
	{168, 34, 150, 255},
	{203, 70, 121, 255},
	{229, 107, 93, 255},
	{248, 148, 65, 255},
	{253, 195, 40, 255},
	{240, 249, 33, 255},
}}

// Inferno runs near-black through red to pale yellow.
var Inferno = LinearColormap{stops: []color.RGBA{
	{0, 0, 4, 255},
	{40, 11, 84, 255},
	{101, 21, 110, 255},
	{159, 42, 99, 255},
	{212, 72, 66, 255},
	{245, 125, 21, 255},
	{250, 193, 39, 255},
	{252, 255, 164, 255},
}}

// Magma runs near-black through purple to cream.
var Magma = LinearColormap{stops: []color.RGBA{
	{0, 0, 4, 255},
	{28, 16, 68, 255},
	{79, 18, 123, 255},
	{129, 37, 129, 255},
	{181, 54, 122, 255},
	{229, 80, 100, 255},
	{251, 135, 97, 255},
	{254, 194, 135, 255},
	{252, 253, 191, 255},
}}

// CategoricalColormap cycles through a fixed qualitative palette.
type CategoricalColormap struct {
	palette []color.RGBA
}

// At buckets t into the palette; categorical plots normally go through
// AtIndex, this exists to satisfy Colormap.
func (c CategoricalColormap) At(t float64) color.Color {
	i := int(t * float64(len(c.palette)))
	if i >= len(c.palette) {
		i = len(c.palette) - 1
	}
	return c.palette[i]
}

// AtIndex returns the i-th palette entry, wrapping around.
func (c CategoricalColormap) AtIndex(i int) color.Color {
	return c.palette[i%len(c.palette)]
}

// Categorical is the tab20 palette reordered strong-then-light: ten
// saturated hues followed by their pale companions, so colors stay
// distinguishable until well past typical cluster counts.
var Categorical = CategoricalColormap{palette: []color.RGBA{
	{31, 119, 180, 255},  // blue
	{255, 127, 14, 255},  // orange
	{44, 160, 44, 255},   // green
	{214, 39, 40, 255},   // red
	{148, 103, 189, 255}, // purple
	{140, 86, 75, 255},   // brown
	{227, 119, 194, 255}, // pink
	{127, 127, 127, 255}, // grey
	{188, 189, 34, 255},  // olive
	{23, 190, 207, 255},  // cyan
	{174, 199, 232, 255}, // pale blue
	{255, 187, 120, 255}, // pale orange
	{152, 223, 138, 255}, // pale green
	{255, 152, 150, 255}, // pale red
	{197, 176, 213, 255}, // pale purple
	{196, 156, 148, 255}, // pale brown
	{247, 182, 210, 255}, // pale pink
	{199, 199, 199, 255}, // pale grey
	{219, 219, 141, 255}, // pale olive
	{158, 218, 229, 255}, // pale cyan
}}
