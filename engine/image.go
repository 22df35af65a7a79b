package engine

import (
	"fmt"
	"image"

	iface "OnnxAnomalyServer/interface"

	"gocv.io/x/gocv"
)

// readImage 以 BGR 读取图像，文件不存在或无法解码时返回 ErrImageNotFound
func readImage(path string) (gocv.Mat, error) {
	if !fileExists(path) {
		return gocv.NewMat(), fmt.Errorf("%w: %s", iface.ErrImageNotFound, path)
	}
	img := gocv.IMRead(path, gocv.IMReadColor)
	if img.Empty() {
		img.Close()
		return gocv.NewMat(), fmt.Errorf("%w: cannot decode %s", iface.ErrImageNotFound, path)
	}
	return img, nil
}

// blob converts a BGR image into a 1×3×H×W RGB tensor scaled to [0,1].
// When h and w are both positive and differ from the image, it is resized
// first; otherwise the native size is kept.
func blob(img gocv.Mat, h, w int) (iface.Tensor, error) {
	src := img
	if h > 0 && w > 0 && (img.Rows() != h || img.Cols() != w) {
		resized := gocv.NewMat()
		defer resized.Close()
		gocv.Resize(img, &resized, image.Pt(w, h), 0, 0, gocv.InterpolationLinear)
		src = resized
	}

	rgb := gocv.NewMat()
	defer rgb.Close()
	gocv.CvtColor(src, &rgb, gocv.ColorBGRToRGB)

	f := gocv.NewMat()
	defer f.Close()
	rgb.ConvertToWithParams(&f, gocv.MatTypeCV32FC3, 1.0/255.0, 0)

	hwc, err := f.DataPtrFloat32()
	if err != nil {
		return iface.Tensor{}, fmt.Errorf("read image pixels: %w", err)
	}
	rows, cols := f.Rows(), f.Cols()
	plane := rows * cols
	chw := make([]float32, 3*plane)
	for i := 0; i < plane; i++ {
		for c := 0; c < 3; c++ {
			chw[c*plane+i] = hwc[i*3+c]
		}
	}
	return iface.Tensor{Shape: []int{1, 3, rows, cols}, Data: chw}, nil
}

func sizeOf(img gocv.Mat) iface.ImageSize {
	return iface.ImageSize{Height: img.Rows(), Width: img.Cols()}
}
