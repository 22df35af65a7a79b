package roi

import (
	"fmt"
	"image"
	"image/color"
	"math"

	iface "OnnxAnomalyServer/interface"

	"gocv.io/x/gocv"
	"gonum.org/v1/gonum/mat"
)

// Region is the set of map pixels inside a rotated rect.
type Region struct {
	Values []float64
	// Bounds is the clamped bounding box in map coordinates, empty when
	// the rect does not overlap the map.
	Bounds image.Rectangle
}

func (r Region) Count() int {
	return len(r.Values)
}

// ValidateRect rejects rects with non-positive extent.
func ValidateRect(index int, r iface.Rect) error {
	if r.Width <= 0 || r.Height <= 0 {
		return &iface.InvalidRectError{
			Index:  index,
			ID:     r.ID,
			Reason: fmt.Sprintf("width/height must be > 0, got %dx%d", r.Width, r.Height),
		}
	}
	return nil
}

// Center returns the rotation centre of r.
func Center(r iface.Rect) (float64, float64) {
	return float64(r.X) + float64(r.Width)/2, float64(r.Y) + float64(r.Height)/2
}

// BoxPoints returns the four corners of a rotated rectangle, following
// OpenCV's RotatedRect::points ordering, truncated toward zero.
func BoxPoints(cx, cy, w, h, angle float64) [4]image.Point {
	rad := angle * math.Pi / 180
	b := math.Cos(rad) * 0.5
	a := math.Sin(rad) * 0.5

	var fx, fy [4]float64
	fx[0] = cx - a*h - b*w
	fy[0] = cy + b*h - a*w
	fx[1] = cx + a*h - b*w
	fy[1] = cy - b*h - a*w
	fx[2] = 2*cx - fx[0]
	fy[2] = 2*cy - fy[0]
	fx[3] = 2*cx - fx[1]
	fy[3] = 2*cy - fy[1]

	var pts [4]image.Point
	for i := range pts {
		pts[i] = image.Pt(int(fx[i]), int(fy[i]))
	}
	return pts
}

// ExtractMask collects the map values whose pixels fall inside the rotated
// rect. Rects that miss the map or rasterize to nothing yield an empty Region.
func ExtractMask(r iface.Rect, m *mat.Dense) Region {
	rows, cols := m.Dims()
	cx, cy := Center(r)
	pts := BoxPoints(cx, cy, float64(r.Width), float64(r.Height), r.Angle)

	xmin, xmax := pts[0].X, pts[0].X
	ymin, ymax := pts[0].Y, pts[0].Y
	for _, p := range pts[1:] {
		xmin, xmax = min(xmin, p.X), max(xmax, p.X)
		ymin, ymax = min(ymin, p.Y), max(ymax, p.Y)
	}
	xmin, xmax = clamp(xmin, 0, cols-1), clamp(xmax, 0, cols-1)
	ymin, ymax = clamp(ymin, 0, rows-1), clamp(ymax, 0, rows-1)
	if xmax <= xmin || ymax <= ymin {
		return Region{}
	}

	w, h := xmax-xmin+1, ymax-ymin+1
	shifted := make([]image.Point, len(pts))
	for i, p := range pts {
		shifted[i] = p.Sub(image.Pt(xmin, ymin))
	}

	mask := gocv.NewMatWithSizeFromScalar(gocv.NewScalar(0, 0, 0, 0), h, w, gocv.MatTypeCV8U)
	defer mask.Close()
	poly := gocv.NewPointsVectorFromPoints([][]image.Point{shifted})
	defer poly.Close()
	gocv.FillPoly(&mask, poly, color.RGBA{R: 255, G: 255, B: 255, A: 255})

	bits := mask.ToBytes()
	values := make([]float64, 0, w*h)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			if bits[y*w+x] != 0 {
				values = append(values, m.At(ymin+y, xmin+x))
			}
		}
	}
	if len(values) == 0 {
		return Region{}
	}
	return Region{Values: values, Bounds: image.Rect(xmin, ymin, xmax+1, ymax+1)}
}

func clamp(v, lo, hi int) int {
	return max(lo, min(hi, v))
}
