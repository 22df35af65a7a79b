package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"

	iface "OnnxAnomalyServer/interface"
	"OnnxAnomalyServer/logger"

	"go.uber.org/zap"
)

// Kind 后端类型
type Kind int

const (
	Graph Kind = iota + 1
	Native
)

func (k Kind) String() string {
	switch k {
	case Graph:
		return "graph"
	case Native:
		return "native"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

const (
	DeviceONNX      = "onnx"
	DeviceNativeCPU = "native:cpu"
	DeviceNativeGPU = "native:gpu"
)

// Backend runs one loaded model. Forward returns the raw anomaly map and the
// size of the image it was computed from.
type Backend interface {
	Forward(ctx context.Context, imagePath string) (iface.Tensor, iface.ImageSize, error)
	Close() error
}

// Loader turns an artifact on disk into a Backend.
type Loader interface {
	Load(path string) (Backend, error)
}

// LoaderFunc adapts a plain function to Loader.
type LoaderFunc func(path string) (Backend, error)

func (f LoaderFunc) Load(path string) (Backend, error) {
	return f(path)
}

// ErrEntryRetired is returned by Forward on an entry that was unloaded
// after it was resolved.
var ErrEntryRetired = errors.New("model entry unloaded")

type Entry struct {
	ModelID string
	Backend Backend
	Path    string
	Kind    Kind
	Device  string

	mu       sync.Mutex
	inflight int
	retired  bool
	closed   bool
}

// acquire 标记一次前向推理开始，已卸载的条目不可再用
func (e *Entry) acquire() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.retired {
		return false
	}
	e.inflight++
	return true
}

func (e *Entry) release() {
	e.mu.Lock()
	e.inflight--
	done := e.retired && e.inflight == 0 && !e.closed
	if done {
		e.closed = true
	}
	e.mu.Unlock()
	if done {
		e.closeBackend()
	}
}

// Retire stops new forwards on e and closes the backend once the last
// in-flight forward returns.
func (e *Entry) Retire() {
	e.mu.Lock()
	if e.retired {
		e.mu.Unlock()
		return
	}
	e.retired = true
	done := e.inflight == 0
	if done {
		e.closed = true
	}
	e.mu.Unlock()
	if done {
		e.closeBackend()
	}
}

func (e *Entry) closeBackend() {
	if err := e.Backend.Close(); err != nil {
		logger.Named("provider").Warn("close backend failed", zap.String("model", e.ModelID), zap.Error(err))
	}
}
