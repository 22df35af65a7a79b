// Package heatmap 把异常图渲染成 JET 伪彩色叠加图
package heatmap

import (
	"fmt"
	"image"
	"math"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"OnnxAnomalyServer/logger"

	"go.uber.org/zap"
	"gocv.io/x/gocv"
	"gonum.org/v1/gonum/mat"
)

// CropThreshold 裁剪热力图中高于该值的像素标红
const CropThreshold = 0.3

type Options struct {
	Gamma  float64
	Alpha  float64
	Darken float64
}

func DefaultOptions() Options {
	return Options{Gamma: 1.0, Alpha: 0.5, Darken: 0.9}
}

// Render 生成叠加图。orig 为 nil 或空时以黑色画布为底。
// 渲染失败时返回 0.5 的均匀伪彩色图，调用方负责 Close。
func Render(m *mat.Dense, orig *gocv.Mat, opts Options) (out gocv.Mat) {
	log := logger.Named("heatmap")
	defer func() {
		if r := recover(); r != nil {
			log.Error("render panic, using fallback", zap.Any("panic", r))
			out = fallback(orig, opts)
		}
	}()

	res, err := render(m, orig, opts)
	if err != nil {
		log.Error("render failed, using fallback", zap.Error(err))
		return fallback(orig, opts)
	}
	return res
}

func render(m *mat.Dense, orig *gocv.Mat, opts Options) (gocv.Mat, error) {
	heat, err := colorize(m, opts.Gamma)
	if err != nil {
		return gocv.NewMat(), err
	}
	defer heat.Close()

	var bg gocv.Mat
	if orig != nil && !orig.Empty() {
		bg = toBGR(*orig)
		if bg.Rows() != heat.Rows() || bg.Cols() != heat.Cols() {
			resized := gocv.NewMat()
			defer resized.Close()
			gocv.Resize(heat, &resized, image.Pt(bg.Cols(), bg.Rows()), 0, 0, gocv.InterpolationLinear)
			resized.CopyTo(&heat)
		}
	} else {
		bg = gocv.NewMatWithSizeFromScalar(gocv.NewScalar(0, 0, 0, 0), heat.Rows(), heat.Cols(), heat.Type())
	}
	defer bg.Close()

	dark := gocv.NewMat()
	defer dark.Close()
	bg.ConvertToWithParams(&dark, bg.Type(), float32(opts.Darken), 0)

	out := gocv.NewMat()
	gocv.AddWeighted(dark, 1-opts.Alpha, heat, opts.Alpha, 0, &out)
	if out.Empty() {
		out.Close()
		return gocv.NewMat(), fmt.Errorf("blend produced empty image")
	}
	return out, nil
}

// colorize 裁剪到 [0,1]，做 gamma，再映射为 JET
func colorize(m *mat.Dense, gamma float64) (gocv.Mat, error) {
	rows, cols := m.Dims()
	buf := make([]byte, rows*cols)
	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			v := math.Pow(clip01(m.At(i, j)), gamma)
			buf[i*cols+j] = uint8(clip01(v) * 255)
		}
	}
	gray, err := gocv.NewMatFromBytes(rows, cols, gocv.MatTypeCV8U, buf)
	if err != nil {
		return gocv.NewMat(), fmt.Errorf("wrap map bytes: %w", err)
	}
	defer gray.Close()

	heat := gocv.NewMat()
	gocv.ApplyColorMap(gray, &heat, gocv.ColormapJet)
	runtime.KeepAlive(buf)
	return heat, nil
}

func fallback(orig *gocv.Mat, opts Options) (out gocv.Mat) {
	defer func() {
		if r := recover(); r != nil {
			logger.Named("heatmap").Error("fallback render failed", zap.Any("panic", r))
			out = gocv.NewMat()
		}
	}()
	h, w := 64, 64
	if orig != nil && !orig.Empty() {
		h, w = orig.Rows(), orig.Cols()
	}
	vals := make([]float64, h*w)
	for i := range vals {
		vals[i] = 0.5
	}
	heat, err := colorize(mat.NewDense(h, w, vals), opts.Gamma)
	if err != nil {
		return gocv.NewMat()
	}
	return heat
}

// RenderCrop 生成 BGRA 裁剪图：高于 CropThreshold 的像素为红色，透明度随异常值变化
func RenderCrop(m *mat.Dense) (gocv.Mat, error) {
	rows, cols := m.Dims()
	buf := make([]byte, rows*cols*4)
	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			v := clip01(m.At(i, j))
			px := buf[(i*cols+j)*4:]
			if v > CropThreshold {
				px[2] = 255
			}
			px[3] = uint8(v * 255)
		}
	}
	wrapped, err := gocv.NewMatFromBytes(rows, cols, gocv.MatTypeCV8UC4, buf)
	if err != nil {
		return gocv.NewMat(), fmt.Errorf("wrap crop bytes: %w", err)
	}
	defer wrapped.Close()
	out := wrapped.Clone()
	runtime.KeepAlive(buf)
	return out, nil
}

// OutputPath 返回 <dir>/<原图名去扩展名>.png
func OutputPath(dir, imagePath string) string {
	base := filepath.Base(imagePath)
	return filepath.Join(dir, strings.TrimSuffix(base, filepath.Ext(base))+".png")
}

// Save 渲染并写出叠加图。原图读取失败时按无原图处理。
func Save(path string, m *mat.Dense, imagePath string, opts Options) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	var origPtr *gocv.Mat
	if imagePath != "" {
		orig := gocv.IMRead(imagePath, gocv.IMReadColor)
		defer orig.Close()
		if !orig.Empty() {
			origPtr = &orig
		}
	}
	overlay := Render(m, origPtr, opts)
	defer overlay.Close()
	if overlay.Empty() {
		return fmt.Errorf("empty overlay for %s", imagePath)
	}
	if !gocv.IMWrite(path, overlay) {
		return fmt.Errorf("write heatmap %s failed", path)
	}
	logger.Named("heatmap").Info("heatmap saved", zap.String("path", path))
	return nil
}

func SaveCrop(path string, m *mat.Dense) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	crop, err := RenderCrop(m)
	if err != nil {
		return err
	}
	defer crop.Close()
	if !gocv.IMWrite(path, crop) {
		return fmt.Errorf("write crop heatmap %s failed", path)
	}
	return nil
}

func toBGR(src gocv.Mat) gocv.Mat {
	dst := gocv.NewMat()
	switch src.Channels() {
	case 1:
		gocv.CvtColor(src, &dst, gocv.ColorGrayToBGR)
	case 4:
		gocv.CvtColor(src, &dst, gocv.ColorBGRAToBGR)
	default:
		src.CopyTo(&dst)
	}
	return dst
}

func clip01(v float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	return math.Max(0, math.Min(1, v))
}
