// anomaly-infer scores one image with a recipe's model. Without rects it
// prints the whole-image score with two decimals; with --rects_path or
// --rects_stdin it prints the per-rect results as JSON.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"OnnxAnomalyServer/config"
	"OnnxAnomalyServer/engine"
	iface "OnnxAnomalyServer/interface"
	"OnnxAnomalyServer/logger"
	"OnnxAnomalyServer/pipeline"
	"OnnxAnomalyServer/roi"

	"github.com/spf13/pflag"
)

const (
	exitOK        = 0
	exitUsage     = 1
	exitModelLoad = 2
	exitInference = 3
	exitRects     = 5
	exitStdin     = 6
)

// rectsPayload is the rects document read from a file or stdin.
type rectsPayload struct {
	Rects []iface.Rect `json:"rects"`
	roi.Overrides
}

type options struct {
	configPath string
	recipe     string
	imagePath  string
	rectsPath  string
	rectsStdin bool
	modelsDir  string
	resultsDir string
	useGPU     bool
	logLevel   string
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdin, os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

func parseFlags(args []string, stderr io.Writer) (options, error) {
	var o options
	fs := pflag.NewFlagSet("anomaly-infer", pflag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVarP(&o.configPath, "config", "c", "config.yaml", "config file, defaults are used when it does not exist")
	fs.StringVar(&o.recipe, "recipe_name", "", "recipe (model id) to run")
	fs.StringVar(&o.imagePath, "image_path", "", "image to score")
	fs.StringVar(&o.rectsPath, "rects_path", "", "rects JSON file; results are also written to multi_results.json")
	fs.BoolVar(&o.rectsStdin, "rects_stdin", false, "read rects and ROI parameters as JSON from stdin")
	fs.StringVar(&o.modelsDir, "models_dir", "", "override modelsDir")
	fs.StringVar(&o.resultsDir, "results_dir", "", "override resultsDir")
	fs.BoolVar(&o.useGPU, "gpu", false, "run on GPU")
	fs.StringVar(&o.logLevel, "log_level", "", "override logLevel; logs go to stderr")
	if err := fs.Parse(args); err != nil {
		return o, err
	}
	if o.recipe == "" || o.imagePath == "" {
		fs.Usage()
		return o, errors.New("--recipe_name and --image_path are required")
	}
	return o, nil
}

func loadConfig(o options) (config.Config, error) {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return cfg, err
		}
		cfg = config.Default()
	}
	if o.modelsDir != "" {
		cfg.ModelsDir = o.modelsDir
	}
	if o.resultsDir != "" {
		cfg.ResultsDir = o.resultsDir
	}
	if o.useGPU {
		cfg.UseGPU = true
	}
	if o.logLevel != "" {
		cfg.LogLevel = o.logLevel
	}
	cfg.Normalize()
	// 单次推理不需要队列
	cfg.WorkersNum = 0
	cfg.WriteMultiResults = o.rectsPath != ""
	return cfg, nil
}

func run(ctx context.Context, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	o, err := parseFlags(args, stderr)
	if errors.Is(err, pflag.ErrHelp) {
		return exitOK
	}
	if err != nil {
		fmt.Fprintln(stderr, err)
		return exitUsage
	}
	cfg, err := loadConfig(o)
	if err != nil {
		fmt.Fprintln(stderr, "Config error:", err)
		return exitUsage
	}
	if err := logger.Configure(cfg.LogLevel, cfg.Development); err != nil {
		fmt.Fprintln(stderr, err)
		return exitUsage
	}
	defer logger.Sync()

	svc := pipeline.Build(cfg, config.NewEnv())
	defer engine.ShutdownRuntime()
	defer svc.Close()

	if _, err := svc.LoadModel(o.recipe); err != nil {
		fmt.Fprintln(stderr, "Model load error:", err)
		return exitModelLoad
	}
	m, err := svc.AnomalyMap(ctx, o.recipe, o.imagePath)
	if err != nil {
		fmt.Fprintln(stderr, "Inference error:", err)
		return exitInference
	}
	whole := svc.WholeFromMap(o.recipe, o.imagePath, m, roi.Overrides{})

	if o.rectsPath == "" && !o.rectsStdin {
		fmt.Fprintf(stdout, "%.2f\n", whole.Score)
		return exitOK
	}

	var payload rectsPayload
	if o.rectsStdin {
		raw, err := io.ReadAll(stdin)
		if err == nil && strings.TrimSpace(string(raw)) != "" {
			err = json.Unmarshal(raw, &payload)
		}
		if err != nil {
			fmt.Fprintln(stderr, "Failed to parse rects from stdin:", err)
			return exitStdin
		}
	} else {
		raw, err := os.ReadFile(o.rectsPath)
		if err == nil {
			err = json.Unmarshal(raw, &payload)
		}
		if err != nil {
			fmt.Fprintln(stderr, "Rect processing error:", err)
			return exitRects
		}
		// 文件中的 ROI 参数不生效，只使用环境变量
		payload.Overrides = roi.Overrides{}
	}

	res, err := svc.RectsFromMap(o.recipe, o.imagePath, m, payload.Rects, payload.Overrides, roi.WholeImagePassThreshold)
	if err != nil {
		fmt.Fprintln(stderr, "Rect processing error:", err)
		return exitRects
	}
	if err := json.NewEncoder(stdout).Encode(res); err != nil {
		fmt.Fprintln(stderr, "Rect processing error:", err)
		return exitRects
	}
	return exitOK
}
