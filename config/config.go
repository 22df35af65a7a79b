package config

import (
	"fmt"
	"os"
	"runtime"
	"time"

	"OnnxAnomalyServer/heatmap"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type NativeConfig struct {
	// Command 原生推理进程的命令行，为空时不启用原生后端
	Command        []string `yaml:"command"`
	TimeoutSeconds int      `yaml:"timeoutSeconds"`
	Env            []string `yaml:"env"`
}

func (n NativeConfig) Timeout() time.Duration {
	return time.Duration(n.TimeoutSeconds) * time.Second
}

type HeatmapConfig struct {
	Gamma  float64 `yaml:"gamma"`
	Alpha  float64 `yaml:"alpha"`
	Darken float64 `yaml:"darken"`
}

func (h HeatmapConfig) Options() heatmap.Options {
	return heatmap.Options{Gamma: h.Gamma, Alpha: h.Alpha, Darken: h.Darken}
}

type Config struct {
	HTTPPort    int    `yaml:"HTTPPort"`
	RPCPort     int    `yaml:"RPCPort"`
	MetricsPort int    `yaml:"MetricsPort"`
	WorkersNum  int    `yaml:"workersNum"`
	QueueDepth  int    `yaml:"queueDepth"`
	UseGPU      bool   `yaml:"useGPU"`
	LogLevel    string `yaml:"logLevel"`
	Development bool   `yaml:"development"`

	HostRoot          string `yaml:"hostRoot"`
	DataDir           string `yaml:"dataDir"`
	ModelsDir         string `yaml:"modelsDir"`
	FallbackModelsDir string `yaml:"fallbackModelsDir"`
	ResultsDir        string `yaml:"resultsDir"`
	UploadDir         string `yaml:"uploadDir"`

	OnnxRuntimeLib string        `yaml:"onnxRuntimeLib"`
	Native         NativeConfig  `yaml:"native"`
	Heatmap        HeatmapConfig `yaml:"heatmap"`

	WriteMultiResults bool `yaml:"writeMultiResults"`
	WriteCropHeatmaps bool `yaml:"writeCropHeatmaps"`

	UseRegServer   bool   `yaml:"UseRegServer"`
	RegServerHost  string `yaml:"RegServerHost"`
	RegServerPort  int    `yaml:"RegServerPort"`
	HeartbeatSecs  int    `yaml:"heartbeatSeconds"`
	AdvertisedHost string `yaml:"advertisedHost"`
}

func Default() Config {
	h := heatmap.DefaultOptions()
	return Config{
		HTTPPort:          5000,
		RPCPort:           50051,
		MetricsPort:       50052,
		WorkersNum:        1,
		QueueDepth:        16,
		HostRoot:          "/app/host",
		DataDir:           "/app/host/data",
		ModelsDir:         "/app/host/models",
		FallbackModelsDir: "/app/models",
		ResultsDir:        "/app/host/results",
		UploadDir:         os.TempDir(),
		Native:            NativeConfig{TimeoutSeconds: 120},
		Heatmap:           HeatmapConfig{Gamma: h.Gamma, Alpha: h.Alpha, Darken: h.Darken},
		WriteMultiResults: true,
		HeartbeatSecs:     5,
	}
}

// Load 读取 .env 与 yaml 配置，文件中缺省的字段保留默认值
func Load(path string) (Config, error) {
	// .env 不存在时忽略
	_ = godotenv.Load()

	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// Normalize fixes out-of-range values and returns human-readable warnings
// for each adjustment.
func (c *Config) Normalize() []string {
	var warns []string
	cpu := runtime.NumCPU()
	if c.WorkersNum <= 0 {
		c.WorkersNum = 1
		warns = append(warns, "invalid workersNum in config, defaulting to 1")
	} else if c.WorkersNum > cpu {
		warns = append(warns, fmt.Sprintf("workersNum %d exceeds CPU cores %d, which may lead to performance degradation", c.WorkersNum, cpu))
	}
	if c.QueueDepth < 0 {
		c.QueueDepth = 0
	}
	if c.Native.TimeoutSeconds <= 0 {
		c.Native.TimeoutSeconds = 120
	}
	if c.HeartbeatSecs <= 0 {
		c.HeartbeatSecs = 5
	}
	if c.Heatmap == (HeatmapConfig{}) {
		h := heatmap.DefaultOptions()
		c.Heatmap = HeatmapConfig{Gamma: h.Gamma, Alpha: h.Alpha, Darken: h.Darken}
	}
	return warns
}
