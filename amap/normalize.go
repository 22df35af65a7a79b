// Package amap reduces raw model outputs of arbitrary rank to a canonical
// 2-D anomaly map. Every branch resolves to a valid matrix; nothing here
// returns an error.
package amap

import (
	"math"

	iface "OnnxAnomalyServer/interface"
	"OnnxAnomalyServer/logger"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
)

const (
	FallbackSide = 64
	MiddleValue  = 0.5
)

// Normalize returns a rows×cols map for any raw tensor. hint is the source
// image size and is used for every broadcast fallback; nil means 64×64.
func Normalize(raw iface.Tensor, hint *iface.ImageSize) *mat.Dense {
	log := logger.Named("amap")
	shape := raw.Shape
	var out *mat.Dense

	switch rank := raw.Rank(); {
	case rank == 4:
		log.Debug("dropping batch and channel dims", zap.Ints("shape", shape))
		out = plane(raw.Data, shape[2], shape[3], shape[0] > 0 && shape[1] > 0)
	case rank == 3:
		log.Debug("dropping batch dim", zap.Ints("shape", shape))
		out = plane(raw.Data, shape[1], shape[2], shape[0] > 0)
	case rank == 2:
		out = plane(raw.Data, shape[0], shape[1], true)
	case rank == 0:
		v := MiddleValue
		if len(raw.Data) > 0 {
			v = float64(raw.Data[0])
		}
		log.Warn("scalar output, broadcasting", zap.Float64("value", v))
		out = uniform(hint, v)
	case rank == 1:
		n := max(0, min(shape[0], len(raw.Data)))
		side := int(math.Sqrt(float64(n)))
		if side > 0 && side*side == n {
			log.Warn("1-D output, reshaping to square", zap.Int("side", side))
			out = plane(raw.Data, side, side, true)
		} else {
			log.Warn("1-D output is not square, broadcasting mean", zap.Int("len", n))
			out = uniform(hint, meanOf(raw.Data[:n]))
		}
	default:
		log.Warn("unexpected output rank, taking trailing two dims", zap.Int("rank", rank), zap.Ints("shape", shape))
		if rank >= 2 {
			out = plane(raw.Data, shape[rank-2], shape[rank-1], raw.Size() > 0)
		} else {
			out = uniform(hint, MiddleValue)
		}
	}

	if out == nil {
		log.Warn("output still not 2-D, forcing uniform map", zap.Ints("shape", shape))
		v := MiddleValue
		if len(raw.Data) > 0 {
			v = meanOf(raw.Data)
		}
		out = uniform(hint, v)
	}
	sanitize(out)
	return out
}

// Squeeze drops every size-1 dimension.
func Squeeze(t iface.Tensor) iface.Tensor {
	shape := make([]int, 0, len(t.Shape))
	for _, d := range t.Shape {
		if d != 1 {
			shape = append(shape, d)
		}
	}
	return iface.Tensor{Shape: shape, Data: t.Data}
}

// Rescale divides the map by 255 when its maximum exceeds 1.0. It reports
// whether rescaling happened; m is modified in place.
func Rescale(m *mat.Dense) bool {
	if mat.Max(m) <= 1.0 {
		return false
	}
	m.Scale(1.0/255.0, m)
	return true
}

// Summary holds the global statistics logged before scoring.
type Summary struct {
	Rows, Cols int
	Min, Max   float64
	Mean, Std  float64
}

func Describe(m *mat.Dense) Summary {
	r, c := m.Dims()
	vals := Values(m)
	mean, std := stat.PopMeanStdDev(vals, nil)
	return Summary{
		Rows: r,
		Cols: c,
		Min:  floats.Min(vals),
		Max:  floats.Max(vals),
		Mean: mean,
		Std:  std,
	}
}

// Values returns the map flattened row by row.
func Values(m *mat.Dense) []float64 {
	r, c := m.Dims()
	raw := m.RawMatrix()
	if raw.Stride == c {
		return append([]float64(nil), raw.Data[:r*c]...)
	}
	out := make([]float64, 0, r*c)
	for i := 0; i < r; i++ {
		out = append(out, raw.Data[i*raw.Stride:i*raw.Stride+c]...)
	}
	return out
}

// plane copies the first h×w block of data. It returns nil when the block
// cannot be formed, leaving the caller to apply the forced fallback.
func plane(data []float32, h, w int, ok bool) *mat.Dense {
	if !ok || h <= 0 || w <= 0 || w > len(data)/h {
		return nil
	}
	vals := make([]float64, h*w)
	for i := range vals {
		vals[i] = float64(data[i])
	}
	return mat.NewDense(h, w, vals)
}

func uniform(hint *iface.ImageSize, v float64) *mat.Dense {
	h, w := FallbackSide, FallbackSide
	if hint.Valid() {
		h, w = hint.Height, hint.Width
	}
	vals := make([]float64, h*w)
	for i := range vals {
		vals[i] = v
	}
	return mat.NewDense(h, w, vals)
}

func meanOf(data []float32) float64 {
	if len(data) == 0 {
		return MiddleValue
	}
	var sum float64
	for _, v := range data {
		sum += float64(v)
	}
	return sum / float64(len(data))
}

func sanitize(m *mat.Dense) {
	m.Apply(func(_, _ int, v float64) float64 {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return 0
		}
		return v
	}, m)
}
