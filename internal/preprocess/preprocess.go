// Package preprocess converts raw captured frames into OCR-ready images.
// The chain is fixed and deterministic: grayscale, fixed-threshold
// binarization tuned for light-background UI text, a small median filter to
// knock out compression artifacts, and a bounded downscale. Deskewing is
// deliberately absent: frames come from a screen capture API and are always
// axis-aligned.
package preprocess

import (
	"fmt"
	"image"

	"gocv.io/x/gocv"
)

const (
	// thresholdValue separates dark UI text from light backgrounds.
	thresholdValue = 180

	// denoiseKernel is the median filter window. Kept small so thin glyph
	// strokes survive.
	denoiseKernel = 3

	// maxDimension caps either output edge; larger frames are scaled down
	// proportionally before OCR.
	maxDimension = 2048
)

// Process runs the fixed chain on src and returns a new Mat. It is total:
// any decodable frame yields an output. The caller owns the returned Mat and
// must close it.
func Process(src gocv.Mat) gocv.Mat {
	gray := gocv.NewMat()
	defer gray.Close()
	if src.Channels() > 1 {
		gocv.CvtColor(src, &gray, gocv.ColorBGRToGray)
	} else {
		src.CopyTo(&gray)
	}

	binary := gocv.NewMat()
	defer binary.Close()
	gocv.Threshold(gray, &binary, thresholdValue, 255, gocv.ThresholdBinary)

	denoised := gocv.NewMat()
	defer denoised.Close()
	gocv.MedianBlur(binary, &denoised, denoiseKernel)

	out := gocv.NewMat()
	size := denoised.Size()
	height, width := size[0], size[1]
	if width > maxDimension || height > maxDimension {
		scale := float64(maxDimension) / float64(max(width, height))
		newSize := image.Point{
			X: int(float64(width) * scale),
			Y: int(float64(height) * scale),
		}
		gocv.Resize(denoised, &out, newSize, 0, 0, gocv.InterpolationArea)
	} else {
		denoised.CopyTo(&out)
	}

	return out
}

// EncodePNG serializes a processed Mat for the OCR engine.
func EncodePNG(m gocv.Mat) ([]byte, error) {
	buf, err := gocv.IMEncode(".png", m)
	if err != nil {
		return nil, fmt.Errorf("encode frame: %w", err)
	}
	defer buf.Close()

	// Copy out: the native buffer is freed on Close.
	raw := buf.GetBytes()
	out := make([]byte, len(raw))
	copy(out, raw)
	return out, nil
}
