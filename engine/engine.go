package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"OnnxAnomalyServer/amap"
	iface "OnnxAnomalyServer/interface"
	"OnnxAnomalyServer/logger"
	"OnnxAnomalyServer/monitor"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/mat"
)

var ErrNilEntry = errors.New("nil model entry")

// normalizers 每种后端一个归一化函数
var normalizers = map[Kind]func(iface.Tensor, *iface.ImageSize) *mat.Dense{
	Graph: amap.Normalize,
	Native: func(raw iface.Tensor, hint *iface.ImageSize) *mat.Dense {
		return amap.Normalize(amap.Squeeze(raw), hint)
	},
}

// Forward runs the entry's backend on one image and returns the canonical
// 2-D anomaly map.
func Forward(ctx context.Context, e *Entry, imagePath string) (*mat.Dense, error) {
	if e == nil || e.Backend == nil {
		return nil, ErrNilEntry
	}
	norm, ok := normalizers[e.Kind]
	if !ok {
		return nil, fmt.Errorf("model %s: unsupported backend %s", e.ModelID, e.Kind)
	}

	start := time.Now()
	raw, size, err := e.forward(ctx, imagePath)
	monitor.InferenceSeconds.WithLabelValues(e.Kind.String()).Observe(time.Since(start).Seconds())
	if err != nil {
		return nil, fmt.Errorf("forward %s on %s: %w", e.ModelID, imagePath, err)
	}
	logger.Named("engine").Debug("raw output",
		zap.String("model", e.ModelID),
		zap.Stringer("kind", e.Kind),
		zap.Ints("shape", raw.Shape),
		zap.Duration("elapsed", time.Since(start)))
	return norm(raw, &size), nil
}

// forward holds e for the duration of one backend call.
func (e *Entry) forward(ctx context.Context, imagePath string) (iface.Tensor, iface.ImageSize, error) {
	if !e.acquire() {
		return iface.Tensor{}, iface.ImageSize{}, ErrEntryRetired
	}
	defer e.release()
	return e.Backend.Forward(ctx, imagePath)
}
