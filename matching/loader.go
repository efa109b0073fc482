package matching

import (
	"errors"
	"fmt"
	"image"
	"image/color"
	"os"

	"maggrid/logging"

	"gocv.io/x/gocv"

	// Registers TIFF decoding for the pure-Go fallback path.
	_ "golang.org/x/image/tiff"
)

// ErrImageLoad reports that a pixel source could not be read. A pair whose
// images fail to load is rejected and logged; the batch continues.
var ErrImageLoad = errors.New("image load failure")

// Loader supplies single-channel pixel buffers to the template search
// engine.
type Loader interface {
	LoadGrayscale(path string) (gocv.Mat, error)
}

// DefaultLoader reads images with OpenCV and falls back to Go's image
// decoders for TIFF variants OpenCV rejects (16-bit, unusual compression).
type DefaultLoader struct{}

// LoadGrayscale loads an image as single-channel intensity.
func (l *DefaultLoader) LoadGrayscale(path string) (gocv.Mat, error) {
	if _, err := os.Stat(path); err != nil {
		return gocv.NewMat(), fmt.Errorf("%w: %s: %v", ErrImageLoad, path, err)
	}

	img := gocv.IMRead(path, gocv.IMReadGrayScale)
	if !img.Empty() {
		return img, nil
	}
	img.Close()

	logging.LogWarning("OpenCV could not read %s, trying Go image decoders", path)
	goImg, err := decodeWithGoImage(path)
	if err != nil {
		return gocv.NewMat(), fmt.Errorf("%w: %s: %v", ErrImageLoad, path, err)
	}

	return grayMatFromImage(goImg), nil
}

// decodeWithGoImage loads an image using Go's standard decoders plus the
// registered x/image formats.
func decodeWithGoImage(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	img, _, err := image.Decode(f)
	return img, err
}

// grayMatFromImage converts a decoded Go image into a single-channel 8-bit
// Mat.
func grayMatFromImage(img image.Image) gocv.Mat {
	bounds := img.Bounds()
	width, height := bounds.Dx(), bounds.Dy()

	mat := gocv.NewMatWithSize(height, width, gocv.MatTypeCV8U)
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			g := color.GrayModel.Convert(img.At(x+bounds.Min.X, y+bounds.Min.Y)).(color.Gray)
			mat.SetUCharAt(y, x, g.Y)
		}
	}
	return mat
}
