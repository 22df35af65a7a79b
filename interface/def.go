package iface

import "math"

// ImageSize 原图尺寸，用作归一化的回退尺寸
type ImageSize struct {
	Height int
	Width  int
}

func (s *ImageSize) Valid() bool {
	return s != nil && s.Height > 0 && s.Width > 0
}

// Tensor is a raw model output: a row-major buffer plus its shape.
// A scalar has an empty Shape and a single element in Data.
type Tensor struct {
	Shape []int
	Data  []float32
}

func (t Tensor) Rank() int {
	return len(t.Shape)
}

// Size returns the element count implied by Shape, or -1 when a dim is
// negative or the product overflows int.
func (t Tensor) Size() int {
	n := 1
	for _, d := range t.Shape {
		if d < 0 {
			return -1
		}
		if d > 0 && n > math.MaxInt/d {
			return -1
		}
		n *= d
	}
	return n
}

// Rect is a rotated region of interest in map pixel coordinates.
type Rect struct {
	ID     string  `json:"id"`
	Name   string  `json:"name,omitempty"`
	X      int     `json:"x"`
	Y      int     `json:"y"`
	Width  int     `json:"w"`
	Height int     `json:"h"`
	Angle  float64 `json:"angle"`
}

type RectResult struct {
	ID          string  `json:"id"`
	X           int     `json:"x"`
	Y           int     `json:"y"`
	Width       int     `json:"w"`
	Height      int     `json:"h"`
	Angle       float64 `json:"angle"`
	Score       float64 `json:"score"`
	Percentile  float64 `json:"pct"`
	Area        float64 `json:"area"`
	Passed      bool    `json:"passed"`
	HeatmapFile *string `json:"heatmap_file"`
	Error       string  `json:"error,omitempty"`
}

// MultiResult is the serialized shape of a multi-rect scoring call.
type MultiResult struct {
	Image   string       `json:"image"`
	Model   string       `json:"model"`
	Results []RectResult `json:"results"`
}
