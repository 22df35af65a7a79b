package engine

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	iface "OnnxAnomalyServer/interface"
	"OnnxAnomalyServer/logger"

	"go.uber.org/zap"
)

const (
	GraphArtifact  = "model.onnx"
	NativeArtifact = "model.ckpt"
)

// Layout 描述模型目录结构
type Layout struct {
	ModelsDir         string
	FallbackModelsDir string
}

func (l Layout) GraphPath(id string) string {
	return filepath.Join(l.ModelsDir, id, GraphArtifact)
}

// NativeCandidates lists native checkpoints in lookup order.
func (l Layout) NativeCandidates(id string) []string {
	out := []string{filepath.Join(l.ModelsDir, id, NativeArtifact)}
	if l.FallbackModelsDir != "" {
		out = append(out, filepath.Join(l.FallbackModelsDir, id, NativeArtifact))
	}
	return append(out, filepath.Join(l.ModelsDir, id, "latest", "weights", "lightning", NativeArtifact))
}

// Provider resolves model ids to loaded backends through the cache.
type Provider struct {
	layout       Layout
	cache        *Cache
	graph        Loader
	native       Loader
	nativeDevice string
}

func NewProvider(layout Layout, cache *Cache, graph, native Loader, useGPU bool) *Provider {
	if cache == nil {
		cache = NewCache()
	}
	dev := DeviceNativeCPU
	if useGPU {
		dev = DeviceNativeGPU
	}
	return &Provider{layout: layout, cache: cache, graph: graph, native: native, nativeDevice: dev}
}

func (p *Provider) Layout() Layout {
	return p.layout
}

// Resolve returns the loaded entry for id, loading it on first use.
func (p *Provider) Resolve(id string) (*Entry, error) {
	if !validID(id) {
		return nil, fmt.Errorf("%w: invalid model id %q", iface.ErrModelNotFound, id)
	}
	e, _, err := p.cache.GetOrLoad(id, func() (*Entry, error) {
		return p.load(id)
	})
	return e, err
}

func (p *Provider) load(id string) (*Entry, error) {
	log := logger.Named("provider").With(zap.String("model", id))

	var graphErr error
	gp := p.layout.GraphPath(id)
	if fileExists(gp) {
		if p.graph == nil {
			graphErr = errors.New("graph runtime not configured")
		} else if b, err := p.graph.Load(gp); err != nil {
			graphErr = err
		} else {
			log.Info("loaded graph model", zap.String("path", gp))
			return &Entry{ModelID: id, Backend: b, Path: gp, Kind: Graph, Device: DeviceONNX}, nil
		}
		log.Warn("graph model failed to load, trying native checkpoints", zap.String("path", gp), zap.Error(graphErr))
	}

	for _, c := range p.layout.NativeCandidates(id) {
		if !fileExists(c) {
			continue
		}
		if p.native == nil {
			return nil, &iface.ModelLoadError{ModelID: id, Path: c, Err: errors.New("native runtime not configured")}
		}
		b, err := p.native.Load(c)
		if err != nil {
			return nil, &iface.ModelLoadError{ModelID: id, Path: c, Err: err}
		}
		log.Info("loaded native model", zap.String("path", c), zap.String("device", p.nativeDevice))
		return &Entry{ModelID: id, Backend: b, Path: c, Kind: Native, Device: p.nativeDevice}, nil
	}

	if graphErr != nil {
		return nil, &iface.ModelLoadError{ModelID: id, Path: gp, Err: graphErr}
	}
	return nil, fmt.Errorf("%w: %s under %s", iface.ErrModelNotFound, id, p.layout.ModelsDir)
}

// Unload evicts id and retires its entry; the backend closes when the
// forwards still running on it return. Unknown ids are a no-op returning false.
func (p *Provider) Unload(id string) bool {
	e, ok := p.cache.Evict(id)
	if !ok {
		return false
	}
	e.Retire()
	logger.Named("provider").Info("model unloaded", zap.String("model", id))
	return true
}

// Artifact returns the artifact path of a loaded model.
func (p *Provider) Artifact(id string) (string, bool) {
	e, ok := p.cache.Get(id)
	if !ok {
		return "", false
	}
	return e.Path, true
}

func (p *Provider) Loaded() []string {
	return p.cache.Keys()
}

// Close unloads every cached model.
func (p *Provider) Close() {
	for _, id := range p.cache.Keys() {
		p.Unload(id)
	}
}

func validID(id string) bool {
	return id != "" && id != "." && id != ".." && !strings.ContainsAny(id, `/\`)
}

func fileExists(p string) bool {
	if p == "" {
		return false
	}
	info, err := os.Stat(p)
	return err == nil && !info.IsDir()
}
