package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"OnnxAnomalyServer/engine"
	"OnnxAnomalyServer/logger"
	"OnnxAnomalyServer/pipeline"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

type recipeRequest struct {
	RecipeName string `json:"recipe_name"`
}

func (s *Server) health(c *gin.Context) {
	models := s.scorer.LoadedModels()
	c.JSON(http.StatusOK, gin.H{
		"status":        "healthy",
		"model_trained": len(models) > 0,
		"models":        models,
	})
}

func (s *Server) loadModel(c *gin.Context) {
	var req recipeRequest
	if err := bindJSON(c, &req); err != nil {
		fail(c, http.StatusBadRequest, err.Error())
		return
	}
	if req.RecipeName == "" {
		fail(c, http.StatusBadRequest, "recipe_name is required")
		return
	}
	res, err := s.scorer.LoadModel(req.RecipeName)
	if err != nil {
		failErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status":     pipeline.StatusSuccess,
		"message":    "Model loaded for recipe: " + req.RecipeName,
		"model_path": res.Path,
		"device":     res.Device,
	})
}

func (s *Server) unloadModel(c *gin.Context) {
	var req recipeRequest
	if err := bindJSON(c, &req); err != nil {
		fail(c, http.StatusBadRequest, err.Error())
		return
	}
	if req.RecipeName == "" {
		fail(c, http.StatusBadRequest, "recipe_name is required")
		return
	}
	c.JSON(http.StatusOK, s.scorer.UnloadModel(req.RecipeName))
}

func (s *Server) predict(c *gin.Context) {
	var req scoreRequest
	if err := bindJSON(c, &req); err != nil {
		fail(c, http.StatusBadRequest, err.Error())
		return
	}
	if req.RecipeName == "" {
		fail(c, http.StatusBadRequest, "recipe_name is required")
		return
	}
	if req.ImagePath == "" && req.ImageFilename == "" {
		fail(c, http.StatusBadRequest, "image_path or image_filename is required")
		return
	}
	path := s.resolveImage(req.RecipeName, req.ImagePath, req.ImageFilename)
	if !fileExists(path) {
		fail(c, http.StatusNotFound, "Image file not found: "+path)
		return
	}

	res, err := s.scorer.ScoreWholeImage(c.Request.Context(), req.RecipeName, path, req.overrides())
	if err != nil {
		failErr(c, err)
		return
	}
	dir := s.resultsDir(req.RecipeName)
	c.JSON(http.StatusOK, gin.H{
		"status":       "ok",
		"score":        res.Score,
		"pct":          res.Percentile,
		"area":         res.Area,
		"passed":       res.Passed,
		"heatmap_file": res.HeatmapFile,
		"results_dir":  dir,
		"files":        recentFiles(dir, predictRecentFiles),
	})
}

func (s *Server) multiPredict(c *gin.Context) {
	log := logger.Named("api")
	req, err := s.bindMulti(c)
	if err != nil {
		fail(c, http.StatusBadRequest, err.Error())
		return
	}
	upload, _ := c.FormFile("image_file")

	if req.RecipeName == "" {
		fail(c, http.StatusBadRequest, "recipe_name is required")
		return
	}
	if upload == nil && req.ImagePath == "" && req.ImageFilename == "" {
		fail(c, http.StatusBadRequest, "image_path or image_filename is required")
		return
	}
	rects, err := parseRects(req.Rects)
	if err != nil {
		fail(c, http.StatusBadRequest, err.Error())
		return
	}

	var path string
	if upload != nil {
		ext := filepath.Ext(upload.Filename)
		if ext == "" {
			ext = ".png"
		}
		path = filepath.Join(s.paths.UploadDir, "upload_"+uuid.NewString()+ext)
		if err := c.SaveUploadedFile(upload, path); err != nil {
			fail(c, http.StatusInternalServerError, "Failed to save upload: "+err.Error())
			return
		}
		defer func() {
			if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
				log.Warn("remove upload failed", zap.String("path", path), zap.Error(err))
			}
		}()
	} else {
		path = s.resolveImage(req.RecipeName, req.ImagePath, req.ImageFilename)
	}
	if !fileExists(path) {
		fail(c, http.StatusNotFound, "Image file not found: "+path)
		return
	}
	log.Info("multi predict",
		zap.String("recipe", req.RecipeName),
		zap.String("image", path),
		zap.Int("rects", len(rects)))

	res, err := s.scorer.ScoreRects(c.Request.Context(), req.RecipeName, path, rects, req.overrides(), req.passThreshold())
	if err != nil {
		failErr(c, err)
		return
	}
	dir := s.resultsDir(req.RecipeName)
	c.JSON(http.StatusOK, gin.H{
		"status":        "ok",
		"results_dir":   dir,
		"files":         recentFiles(dir, multiRecentFiles),
		"multi_results": res,
	})
}

// bindMulti reads the request either as JSON or as a multipart form whose
// rects field holds JSON.
func (s *Server) bindMulti(c *gin.Context) (scoreRequest, error) {
	var req scoreRequest
	if !strings.HasPrefix(c.ContentType(), "multipart/") {
		return req, bindJSON(c, &req)
	}
	req.RecipeName = c.PostForm("recipe_name")
	req.ImagePath = c.PostForm("image_path")
	req.ImageFilename = c.PostForm("image_filename")
	req.Rects = json.RawMessage(c.PostForm("rects"))
	formValue := func(key string) any {
		if v, ok := c.GetPostForm(key); ok {
			return v
		}
		return nil
	}
	req.PassThreshold = formValue("pass_threshold")
	req.Percentile = formValue("ROI_PERCENTILE_P")
	req.Mode = formValue("AREA_THRESH_MODE")
	req.AbsThreshold = formValue("AREA_ABS_THRESHOLD")
	req.Method = formValue("ROI_COMBINE_METHOD")
	return req, nil
}

// uploadModel stores a model artifact for a recipe and drops any cached
// instance so the next request loads the new file.
func (s *Server) uploadModel(c *gin.Context) {
	recipe := c.PostForm("recipe_name")
	if !validRecipe(recipe) {
		fail(c, http.StatusBadRequest, "valid recipe_name is required")
		return
	}
	file, err := c.FormFile("file")
	if err != nil {
		fail(c, http.StatusBadRequest, "File upload failed: "+err.Error())
		return
	}
	if file.Size > maxUploadBytes {
		fail(c, http.StatusRequestEntityTooLarge, fmt.Sprintf("model file exceeds %d bytes", maxUploadBytes))
		return
	}
	var artifact string
	switch strings.ToLower(filepath.Ext(file.Filename)) {
	case ".onnx":
		artifact = engine.GraphArtifact
	case ".ckpt":
		artifact = engine.NativeArtifact
	default:
		fail(c, http.StatusBadRequest, "unsupported model artifact: "+file.Filename)
		return
	}

	dest := filepath.Join(s.paths.ModelsDir, recipe, artifact)
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		fail(c, http.StatusInternalServerError, "Failed to save file: "+err.Error())
		return
	}
	if err := c.SaveUploadedFile(file, dest); err != nil {
		fail(c, http.StatusInternalServerError, "Failed to save file: "+err.Error())
		return
	}
	unload := s.scorer.UnloadModel(recipe)
	logger.Named("api").Info("model uploaded",
		zap.String("recipe", recipe),
		zap.String("path", dest),
		zap.String("unload", unload.Status))
	c.JSON(http.StatusOK, gin.H{
		"data":    dest,
		"evicted": unload.Status == pipeline.StatusSuccess,
	})
}

// bindJSON treats an empty body as an empty object.
func bindJSON(c *gin.Context, dst any) error {
	if err := c.ShouldBindJSON(dst); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("invalid JSON body: %w", err)
	}
	return nil
}
