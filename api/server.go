// Package api 提供 HTTP 接口：模型加载/卸载、整图与多 ROI 推理、模型上传
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	iface "OnnxAnomalyServer/interface"
	"OnnxAnomalyServer/logger"
	"OnnxAnomalyServer/monitor"
	"OnnxAnomalyServer/pipeline"
	"OnnxAnomalyServer/roi"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Scorer is the inference surface the handlers call. *pipeline.Service
// implements it.
type Scorer interface {
	LoadModel(id string) (pipeline.LoadResult, error)
	UnloadModel(id string) pipeline.UnloadResult
	LoadedModels() []string
	ScoreWholeImage(ctx context.Context, id, imagePath string, o roi.Overrides) (pipeline.WholeResult, error)
	ScoreRects(ctx context.Context, id, imagePath string, rects []iface.Rect, o roi.Overrides, passThreshold float64) (iface.MultiResult, error)
}

type Paths struct {
	HostRoot   string
	DataDir    string
	ModelsDir  string
	ResultsDir string
	// UploadDir 上传图片的临时目录
	UploadDir string
}

const (
	predictRecentFiles = 5
	multiRecentFiles   = 10
	maxUploadBytes     = 512 << 20
)

type Server struct {
	scorer Scorer
	paths  Paths
	engine *gin.Engine
}

func New(scorer Scorer, paths Paths) *Server {
	s := &Server{scorer: scorer, paths: paths}
	r := gin.New()
	r.MaxMultipartMemory = 32 << 20
	r.Use(gin.Recovery(), requestLog())

	r.GET("/api/health", s.health)
	r.POST("/api/load_model", s.loadModel)
	r.POST("/api/unload_model", s.unloadModel)
	r.POST("/api/predict", s.predict)
	r.POST("/api/multi_predict", s.multiPredict)
	r.POST("/api/models/upload", s.uploadModel)
	r.GET("/metrics", gin.WrapH(monitor.Handler()))
	s.engine = r
	return s
}

func (s *Server) Handler() http.Handler {
	return s.engine
}

// requestLog tags every request with an id and logs its outcome.
func requestLog() gin.HandlerFunc {
	log := logger.Named("api")
	return func(c *gin.Context) {
		id := c.GetHeader("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		c.Header("X-Request-ID", id)
		start := time.Now()
		c.Next()
		log.Info("request",
			zap.String("id", id),
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)))
	}
}

func statusOf(err error) int {
	switch {
	case errors.Is(err, iface.ErrModelNotFound), errors.Is(err, iface.ErrImageNotFound):
		return http.StatusNotFound
	case errors.Is(err, iface.ErrInvalidRect):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func fail(c *gin.Context, code int, msg string) {
	c.AbortWithStatusJSON(code, gin.H{"error": msg})
}

func failErr(c *gin.Context, err error) {
	fail(c, statusOf(err), err.Error())
}
