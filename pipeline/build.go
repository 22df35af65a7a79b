package pipeline

import (
	"OnnxAnomalyServer/config"
	"OnnxAnomalyServer/engine"
	"OnnxAnomalyServer/logger"
	"OnnxAnomalyServer/roi"

	"go.uber.org/zap"
)

// Build assembles loaders, the model cache and the service from cfg.
// A missing onnxruntime library is not fatal: graph loads then fail and
// resolution falls back to native checkpoints.
func Build(cfg config.Config, env roi.EnvSource) *Service {
	log := logger.Named("pipeline")

	libPath, err := engine.FindLibrary(cfg.OnnxRuntimeLib, engine.SearchDirs())
	if err != nil {
		log.Warn("onnxruntime library not found, graph models unavailable", zap.Error(err))
	} else {
		log.Info("onnxruntime library", zap.String("path", libPath))
	}

	graph := &engine.GraphLoader{LibraryPath: libPath, UseGPU: cfg.UseGPU}
	native := &engine.NativeLoader{
		Command: cfg.Native.Command,
		Timeout: cfg.Native.Timeout(),
		UseGPU:  cfg.UseGPU,
		Env:     cfg.Native.Env,
	}
	layout := engine.Layout{ModelsDir: cfg.ModelsDir, FallbackModelsDir: cfg.FallbackModelsDir}
	provider := engine.NewProvider(layout, engine.NewCache(), graph, native, cfg.UseGPU)

	svc := NewService(provider, env, Config{
		ResultsDir:        cfg.ResultsDir,
		WriteMultiResults: cfg.WriteMultiResults,
		WriteCropHeatmaps: cfg.WriteCropHeatmaps,
		Heatmap:           cfg.Heatmap.Options(),
	})
	if cfg.WorkersNum > 0 {
		svc.UseQueue(NewQueue(cfg.WorkersNum, cfg.QueueDepth))
	}
	return svc
}
