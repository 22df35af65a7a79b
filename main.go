package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"sync"
	"syscall"
	"time"

	"OnnxAnomalyServer/api"
	"OnnxAnomalyServer/config"
	"OnnxAnomalyServer/engine"
	"OnnxAnomalyServer/logger"
	"OnnxAnomalyServer/monitor"
	"OnnxAnomalyServer/pipeline"
	"OnnxAnomalyServer/registry"
	"OnnxAnomalyServer/rpc"

	"github.com/gin-gonic/gin"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
)

func GetOutboundIP() (string, error) {
	// 8.8.8.8 是 Google DNS，这里只是为了建立路由路径得到本地出口 IP
	// 实际并没有真正的物理连接，所以不需要联网也可以（只要有路由表）
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return "", err
	}
	defer conn.Close()

	localAddr := conn.LocalAddr().(*net.UDPAddr)

	return localAddr.IP.String(), nil
}

func main() {
	configPath := pflag.StringP("config", "c", "config.yaml", "path to the config file")
	pflag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Println("Failed to read config file:", err)
		os.Exit(1)
	}
	if err := logger.Configure(cfg.LogLevel, cfg.Development); err != nil {
		fmt.Println("Failed to init logger:", err)
		os.Exit(1)
	}
	defer logger.Sync()
	log := logger.Named("main")

	CPUNum := runtime.NumCPU()
	runtime.GOMAXPROCS(CPUNum)
	for _, w := range cfg.Normalize() {
		log.Warn(w)
	}
	fmt.Println(strings.Repeat("#", 64))
	log.Info("config loaded",
		zap.Int("cpu", CPUNum),
		zap.Int("http", cfg.HTTPPort),
		zap.Int("grpc", cfg.RPCPort),
		zap.Int("metrics", cfg.MetricsPort),
		zap.Int("workers", cfg.WorkersNum),
		zap.Bool("gpu", cfg.UseGPU),
		zap.String("models", cfg.ModelsDir))
	fmt.Println(strings.Repeat("#", 64))
	if !cfg.Development {
		gin.SetMode(gin.ReleaseMode)
	}

	svc := pipeline.Build(cfg, config.NewEnv())
	defer engine.ShutdownRuntime()
	defer svc.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	var wg sync.WaitGroup

	rpcServer := rpc.NewServer()
	svc.AddObserver(rpcServer)
	if err := rpcServer.Start(cfg.RPCPort); err != nil {
		log.Error("start gRPC server failed", zap.Error(err))
		return
	}

	if cfg.UseRegServer {
		ip := cfg.AdvertisedHost
		if ip == "" {
			if ip, err = GetOutboundIP(); err != nil {
				log.Error("Failed to get outbound IP", zap.Error(err))
				return
			}
		}
		log.Info("registering with registry server", zap.String("ip", ip), zap.String("host", cfg.RegServerHost))
		device := "cpu"
		if cfg.UseGPU {
			device = "gpu"
		}
		hb := registry.New(registry.Options{
			Host:     cfg.RegServerHost,
			Port:     cfg.RegServerPort,
			SelfIP:   ip,
			SelfPort: cfg.HTTPPort,
			Device:   device,
			Interval: time.Duration(cfg.HeartbeatSecs) * time.Second,
			Models:   svc.LoadedModels,
		})
		svc.AddObserver(hb)
		wg.Add(1)
		go hb.Run(ctx, &wg)
	} else {
		log.Info("UseRegServer is set to false, skipping registration")
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		monitor.StartMon(ctx, cfg.MetricsPort)
	}()

	handler := api.New(svc, api.Paths{
		HostRoot:   cfg.HostRoot,
		DataDir:    cfg.DataDir,
		ModelsDir:  cfg.ModelsDir,
		ResultsDir: cfg.ResultsDir,
		UploadDir:  cfg.UploadDir,
	}).Handler()
	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler: handler,
	}
	go func() {
		logger.S().Infof("HTTP server listening on %s", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("HTTP server stopped", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Warn("HTTP shutdown", zap.Error(err))
	}
	rpcServer.Stop()
	wg.Wait()
	log.Info("Safely exited")
}
