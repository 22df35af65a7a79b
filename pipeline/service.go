// Package pipeline wires model resolution, normalization, scoring and
// heatmap output into the operations exposed by the HTTP API and the CLI.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"OnnxAnomalyServer/amap"
	"OnnxAnomalyServer/engine"
	"OnnxAnomalyServer/heatmap"
	iface "OnnxAnomalyServer/interface"
	"OnnxAnomalyServer/logger"
	"OnnxAnomalyServer/monitor"
	"OnnxAnomalyServer/roi"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/mat"
)

const MultiResultsFile = "multi_results.json"

const (
	StatusSuccess = "success"
	StatusWarning = "warning"
)

type Config struct {
	ResultsDir string
	// WriteMultiResults 多 ROI 结果写入 <results>/<id>/multi_results.json
	WriteMultiResults bool
	WriteCropHeatmaps bool
	Heatmap           heatmap.Options
}

// Observer is told when the set of loaded models changes.
type Observer interface {
	ModelLoaded(id string)
	ModelUnloaded(id string)
}

type Service struct {
	provider *engine.Provider
	env      roi.EnvSource
	cfg      Config
	queue    *Queue

	obsMu     sync.RWMutex
	observers []Observer
}

func NewService(provider *engine.Provider, env roi.EnvSource, cfg Config) *Service {
	if cfg.Heatmap == (heatmap.Options{}) {
		cfg.Heatmap = heatmap.DefaultOptions()
	}
	return &Service{provider: provider, env: env, cfg: cfg}
}

// UseQueue routes forward passes through q.
func (s *Service) UseQueue(q *Queue) {
	s.queue = q
}

func (s *Service) AddObserver(o Observer) {
	s.obsMu.Lock()
	defer s.obsMu.Unlock()
	s.observers = append(s.observers, o)
}

func (s *Service) notify(fn func(Observer)) {
	s.obsMu.RLock()
	defer s.obsMu.RUnlock()
	for _, o := range s.observers {
		fn(o)
	}
}

type LoadResult struct {
	ModelID string `json:"model_id"`
	Path    string `json:"path"`
	Device  string `json:"device"`
}

func (s *Service) LoadModel(id string) (LoadResult, error) {
	e, err := s.provider.Resolve(id)
	if err != nil {
		monitor.RequestsTotal.WithLabelValues("load_model", "error").Inc()
		return LoadResult{}, err
	}
	monitor.RequestsTotal.WithLabelValues("load_model", "ok").Inc()
	s.notify(func(o Observer) { o.ModelLoaded(id) })
	return LoadResult{ModelID: id, Path: e.Path, Device: e.Device}, nil
}

type UnloadResult struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

// UnloadModel evicts id. Unloading an unknown id is not an error.
func (s *Service) UnloadModel(id string) UnloadResult {
	if !s.provider.Unload(id) {
		return UnloadResult{Status: StatusWarning, Message: fmt.Sprintf("model %s was not loaded", id)}
	}
	s.notify(func(o Observer) { o.ModelUnloaded(id) })
	return UnloadResult{Status: StatusSuccess, Message: fmt.Sprintf("model %s unloaded", id)}
}

func (s *Service) LoadedModels() []string {
	return s.provider.Loaded()
}

type WholeResult struct {
	Model       string  `json:"model"`
	Image       string  `json:"image"`
	Score       float64 `json:"score"`
	Percentile  float64 `json:"pct"`
	Area        float64 `json:"area"`
	Passed      bool    `json:"passed"`
	HeatmapFile string  `json:"heatmap_file,omitempty"`
}

// ScoreWholeImage scores the entire anomaly map and writes the overlay to
// <results>/<id>/<image-name>.png.
func (s *Service) ScoreWholeImage(ctx context.Context, id, imagePath string, o roi.Overrides) (WholeResult, error) {
	m, err := s.AnomalyMap(ctx, id, imagePath)
	if err != nil {
		monitor.RequestsTotal.WithLabelValues("predict", "error").Inc()
		return WholeResult{}, err
	}
	res := s.WholeFromMap(id, imagePath, m, o)
	monitor.RequestsTotal.WithLabelValues("predict", "ok").Inc()
	return res, nil
}

// ScoreRects scores each rect on the image's anomaly map.
func (s *Service) ScoreRects(ctx context.Context, id, imagePath string, rects []iface.Rect, o roi.Overrides, passThreshold float64) (iface.MultiResult, error) {
	m, err := s.AnomalyMap(ctx, id, imagePath)
	if err != nil {
		monitor.RequestsTotal.WithLabelValues("multi_predict", "error").Inc()
		return iface.MultiResult{}, err
	}
	out, err := s.RectsFromMap(id, imagePath, m, rects, o, passThreshold)
	if err != nil {
		monitor.RequestsTotal.WithLabelValues("multi_predict", "error").Inc()
		return iface.MultiResult{}, err
	}
	monitor.RequestsTotal.WithLabelValues("multi_predict", "ok").Inc()
	return out, nil
}

// WholeFromMap scores a map returned by AnomalyMap and saves the overlay.
func (s *Service) WholeFromMap(id, imagePath string, m *mat.Dense, o roi.Overrides) WholeResult {
	log := logger.Named("pipeline").With(zap.String("model", id), zap.String("image", imagePath))
	params := roi.ResolveParams(o, s.env)
	st := roi.Score(amap.Values(m), params)
	res := WholeResult{
		Model:      id,
		Image:      imagePath,
		Score:      st.Combined,
		Percentile: st.Percentile,
		Area:       st.AreaPercent,
		Passed:     roi.Passed(st.Combined, roi.WholeImagePassThreshold),
	}

	if s.cfg.ResultsDir != "" {
		path := heatmap.OutputPath(filepath.Join(s.cfg.ResultsDir, id), imagePath)
		if err := heatmap.Save(path, m, imagePath, s.cfg.Heatmap); err != nil {
			log.Warn("save heatmap failed", zap.Error(err))
		} else {
			res.HeatmapFile = path
		}
	}
	log.Info("image scored",
		zap.Float64("score", res.Score),
		zap.Float64("pct", res.Percentile),
		zap.Float64("area", res.Area),
		zap.Bool("passed", res.Passed))
	return res
}

// RectsFromMap scores rects on a map returned by AnomalyMap.
func (s *Service) RectsFromMap(id, imagePath string, m *mat.Dense, rects []iface.Rect, o roi.Overrides, passThreshold float64) (iface.MultiResult, error) {
	opts := roi.BatchOptions{PassThreshold: passThreshold, Rescaled: true}
	if s.cfg.WriteCropHeatmaps && s.cfg.ResultsDir != "" {
		opts.CropDir = filepath.Join(s.cfg.ResultsDir, id, "heatmaps")
	}
	results, err := roi.ScoreRects(m, rects, roi.ResolveParams(o, s.env), opts)
	if err != nil {
		return iface.MultiResult{}, err
	}
	for _, r := range results {
		switch {
		case r.Error != "":
			monitor.RectOutcomes.WithLabelValues("error").Inc()
		case r.Passed:
			monitor.RectOutcomes.WithLabelValues("passed").Inc()
		default:
			monitor.RectOutcomes.WithLabelValues("failed").Inc()
		}
	}

	model := id
	if path, ok := s.provider.Artifact(id); ok {
		model = filepath.Base(path)
	}
	out := iface.MultiResult{Image: filepath.Base(imagePath), Model: model, Results: results}
	if s.cfg.WriteMultiResults && s.cfg.ResultsDir != "" {
		path := filepath.Join(s.cfg.ResultsDir, id, MultiResultsFile)
		if err := WriteMultiResult(path, out); err != nil {
			logger.Named("pipeline").Warn("write multi results failed", zap.String("path", path), zap.Error(err))
		}
	}
	return out, nil
}

// AnomalyMap resolves id, runs one forward pass through the queue when set
// and returns the map rescaled to [0,1].
func (s *Service) AnomalyMap(ctx context.Context, id, imagePath string) (*mat.Dense, error) {
	m, err := s.forward(ctx, id, imagePath)
	if errors.Is(err, engine.ErrEntryRetired) {
		// 解析后模型被卸载，重新加载一次
		m, err = s.forward(ctx, id, imagePath)
	}
	if err != nil {
		return nil, err
	}

	log := logger.Named("pipeline").With(zap.String("model", id), zap.String("image", imagePath))
	sum := amap.Describe(m)
	log.Info("anomaly map summary",
		zap.Int("rows", sum.Rows), zap.Int("cols", sum.Cols),
		zap.Float64("min", sum.Min), zap.Float64("max", sum.Max),
		zap.Float64("mean", sum.Mean), zap.Float64("std", sum.Std))
	if amap.Rescale(m) {
		log.Info("map rescaled to [0,1]")
	}
	return m, nil
}

func (s *Service) forward(ctx context.Context, id, imagePath string) (*mat.Dense, error) {
	e, err := s.provider.Resolve(id)
	if err != nil {
		return nil, err
	}
	if s.queue == nil {
		return engine.Forward(ctx, e, imagePath)
	}
	var m *mat.Dense
	err = s.queue.Do(ctx, func() error {
		var ferr error
		m, ferr = engine.Forward(ctx, e, imagePath)
		return ferr
	})
	return m, err
}

// Close stops the queue and releases every loaded backend.
func (s *Service) Close() {
	if s.queue != nil {
		s.queue.Close()
	}
	s.provider.Close()
}

func WriteMultiResult(path string, r iface.MultiResult) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	b, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, b, 0o644)
}
