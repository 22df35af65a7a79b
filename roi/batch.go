package roi

import (
	"fmt"
	"math"
	"path/filepath"
	"strings"

	"OnnxAnomalyServer/amap"
	"OnnxAnomalyServer/heatmap"
	iface "OnnxAnomalyServer/interface"
	"OnnxAnomalyServer/logger"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/mat"
)

type BatchOptions struct {
	PassThreshold float64
	// CropDir 非空时为每个 ROI 写出裁剪热力图
	CropDir string
	// Rescaled 表示调用方已将 m 缩放到 [0,1]
	Rescaled bool
}

// DefaultRectID names a rect that arrived without an id.
func DefaultRectID(index int) string {
	return fmt.Sprintf("rect_%d", index)
}

// ScoreRects scores every rect against m and returns results in input order.
// Unless opts.Rescaled is set, m is rescaled in place when its maximum
// exceeds 1.0. A lone invalid rect is
// rejected with ErrInvalidRect; inside a batch it becomes a failed result.
func ScoreRects(m *mat.Dense, rects []iface.Rect, params Params, opts BatchOptions) ([]iface.RectResult, error) {
	log := logger.Named("roi")

	if len(rects) == 1 {
		if err := ValidateRect(0, rects[0]); err != nil {
			return nil, err
		}
	}

	s := amap.Describe(m)
	log.Info("anomaly map summary",
		zap.Int("rows", s.Rows), zap.Int("cols", s.Cols),
		zap.Float64("min", s.Min), zap.Float64("max", s.Max),
		zap.Float64("mean", s.Mean), zap.Float64("std", s.Std),
		zap.Float64("threshold", opts.PassThreshold))
	if !opts.Rescaled && amap.Rescale(m) {
		log.Info("map rescaled to [0,1]")
	}

	results := make([]iface.RectResult, 0, len(rects))
	for i, r := range rects {
		if r.ID == "" {
			r.ID = r.Name
		}
		if r.ID == "" {
			r.ID = DefaultRectID(i)
		}
		res := scoreOne(m, i, r, params, opts)
		log.Info("rect_log",
			zap.String("rect_id", res.ID),
			zap.Float64("pct", round(res.Percentile, 2)),
			zap.Float64("area", round(res.Area, 2)),
			zap.Float64("score", round(res.Score, 6)),
			zap.Bool("passed", res.Passed),
			zap.String("error", res.Error))
		results = append(results, res)
	}
	return results, nil
}

func scoreOne(m *mat.Dense, index int, r iface.Rect, params Params, opts BatchOptions) (res iface.RectResult) {
	res = iface.RectResult{ID: r.ID, X: r.X, Y: r.Y, Width: r.Width, Height: r.Height, Angle: r.Angle}
	defer func() {
		if p := recover(); p != nil {
			res = failed(r, fmt.Sprintf("rect processing panic: %v", p))
		}
	}()

	if err := ValidateRect(index, r); err != nil {
		return failed(r, err.Error())
	}
	region := ExtractMask(r, m)
	if region.Count() == 0 {
		return failed(r, "no pixels inside rect")
	}

	st := Score(region.Values, params)
	res.Percentile = st.Percentile
	res.Area = st.AreaPercent
	res.Score = st.Combined
	res.Passed = Passed(st.Combined, opts.PassThreshold)

	if opts.CropDir != "" {
		path := filepath.Join(opts.CropDir, cropName(index, r.ID)+".png")
		b := region.Bounds
		crop := m.Slice(b.Min.Y, b.Max.Y, b.Min.X, b.Max.X).(*mat.Dense)
		if err := heatmap.SaveCrop(path, crop); err != nil {
			logger.Named("roi").Warn("save crop heatmap failed", zap.String("rect_id", r.ID), zap.Error(err))
		} else {
			res.HeatmapFile = &path
		}
	}
	return res
}

// cropName keeps crop files inside CropDir; ids that could escape it fall
// back to the positional name.
func cropName(index int, id string) string {
	if id == "" || id == "." || id == ".." || strings.ContainsAny(id, `/\`) {
		return DefaultRectID(index)
	}
	return id
}

func failed(r iface.Rect, reason string) iface.RectResult {
	return iface.RectResult{
		ID:     r.ID,
		X:      r.X,
		Y:      r.Y,
		Width:  r.Width,
		Height: r.Height,
		Angle:  r.Angle,
		Error:  reason,
	}
}

func round(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}
