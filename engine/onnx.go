package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"

	iface "OnnxAnomalyServer/interface"
	"OnnxAnomalyServer/logger"

	ort "github.com/yalue/onnxruntime_go"
	"go.uber.org/zap"
)

var (
	ortOnce sync.Once
	ortErr  error
)

// InitRuntime 初始化 onnxruntime 环境，进程内只执行一次
func InitRuntime(libPath string) error {
	ortOnce.Do(func() {
		if libPath != "" {
			ort.SetSharedLibraryPath(libPath)
		}
		ortErr = ort.InitializeEnvironment()
		if ortErr == nil {
			logger.Named("onnx").Info("onnxruntime initialised", zap.String("library", libPath))
		}
	})
	return ortErr
}

// ShutdownRuntime 释放 onnxruntime 环境
func ShutdownRuntime() {
	if ort.IsInitialized() {
		if err := ort.DestroyEnvironment(); err != nil {
			logger.Named("onnx").Warn("destroy onnxruntime environment failed", zap.Error(err))
		}
	}
}

// GraphLoader loads portable graph artifacts with onnxruntime.
type GraphLoader struct {
	LibraryPath string
	UseGPU      bool
}

func (l *GraphLoader) Load(path string) (Backend, error) {
	log := logger.Named("onnx")
	if err := InitRuntime(l.LibraryPath); err != nil {
		return nil, fmt.Errorf("init onnxruntime: %w", err)
	}

	inputs, outputs, err := ort.GetInputOutputInfo(path)
	if err != nil {
		return nil, fmt.Errorf("inspect %s: %w", path, err)
	}
	if len(inputs) == 0 || len(outputs) == 0 {
		return nil, errors.New("model declares no inputs or no outputs")
	}
	in := inputs[0]
	h, w := staticHW(in.Dimensions)
	outNames := make([]string, len(outputs))
	for i, o := range outputs {
		outNames[i] = o.Name
	}

	opts, err := ort.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("session options: %w", err)
	}
	defer opts.Destroy()
	if l.UseGPU {
		if cuda, err := ort.NewCUDAProviderOptions(); err != nil {
			log.Warn("CUDA provider unavailable, using CPU", zap.Error(err))
		} else {
			defer cuda.Destroy()
			if err := opts.AppendExecutionProviderCUDA(cuda); err != nil {
				log.Warn("append CUDA provider failed, using CPU", zap.Error(err))
			}
		}
	}

	sess, err := ort.NewDynamicAdvancedSession(path, []string{in.Name}, outNames, opts)
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	log.Info("session created",
		zap.String("path", path),
		zap.String("input", in.Name),
		zap.String("input_shape", in.Dimensions.String()),
		zap.Strings("outputs", outNames))
	return &graphBackend{session: sess, outputNames: outNames, height: h, width: w}, nil
}

type graphBackend struct {
	session     *ort.DynamicAdvancedSession
	outputNames []string
	// 0 表示动态尺寸，保持原图大小
	height, width int
}

func (g *graphBackend) Forward(ctx context.Context, imagePath string) (iface.Tensor, iface.ImageSize, error) {
	if err := ctx.Err(); err != nil {
		return iface.Tensor{}, iface.ImageSize{}, err
	}
	img, err := readImage(imagePath)
	if err != nil {
		return iface.Tensor{}, iface.ImageSize{}, err
	}
	defer img.Close()
	size := sizeOf(img)

	in, err := blob(img, g.height, g.width)
	if err != nil {
		return iface.Tensor{}, size, err
	}
	input, err := ort.NewTensor(ort.NewShape(int64s(in.Shape)...), in.Data)
	if err != nil {
		return iface.Tensor{}, size, fmt.Errorf("input tensor: %w", err)
	}
	defer input.Destroy()

	outputs := make([]ort.Value, len(g.outputNames))
	if err := g.session.Run([]ort.Value{input}, outputs); err != nil {
		return iface.Tensor{}, size, fmt.Errorf("run session: %w", err)
	}
	defer func() {
		for _, o := range outputs {
			if o != nil {
				o.Destroy()
			}
		}
	}()

	shapes := make([][]int, len(outputs))
	for i, o := range outputs {
		if o != nil {
			shapes[i] = ints(o.GetShape())
		}
	}
	idx := pickOutput(shapes)
	t, ok := outputs[idx].(*ort.Tensor[float32])
	if !ok {
		return iface.Tensor{}, size, fmt.Errorf("output %s is not a float32 tensor", g.outputNames[idx])
	}
	logger.Named("onnx").Debug("using output", zap.Int("index", idx), zap.Ints("shape", shapes[idx]))
	data := append([]float32(nil), t.GetData()...)
	return iface.Tensor{Shape: shapes[idx], Data: data}, size, nil
}

func (g *graphBackend) Close() error {
	return g.session.Destroy()
}

// pickOutput returns the first output of rank >= 2, else 0.
func pickOutput(shapes [][]int) int {
	for i, s := range shapes {
		if len(s) >= 2 {
			return i
		}
	}
	return 0
}

// staticHW reads H and W from an NCHW input declaration. Non-positive dims
// are dynamic and reported as 0.
func staticHW(dims ort.Shape) (int, int) {
	if len(dims) < 4 {
		return 0, 0
	}
	h, w := int(dims[2]), int(dims[3])
	if h <= 0 || w <= 0 {
		return 0, 0
	}
	return h, w
}

func int64s(in []int) []int64 {
	out := make([]int64, len(in))
	for i, v := range in {
		out[i] = int64(v)
	}
	return out
}

func ints(in ort.Shape) []int {
	out := make([]int, len(in))
	for i, v := range in {
		out[i] = int(v)
	}
	return out
}
