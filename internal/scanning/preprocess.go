package scanning

import (
	"errors"
	"fmt"
	"image"
	"image/color"
	"math"
	"slices"

	"github.com/disintegration/imaging"
)

const (
	// maxPreprocessSide bounds the per-image cost of preprocessing.
	maxPreprocessSide = 2048

	contrastFactor = 1.5
	midGray        = 128.0
	edgeThreshold  = 127.0
	edgeSharpness  = 1.5
	edgePush       = edgeSharpness * 0.3

	medianWeight = 0.3
)

var errEmptyImage = errors.New("empty image")

// Preprocess prepares a receipt photo for text recognition: luminosity
// grayscale, a contrast stretch around mid-gray, a push of light pixels
// towards white and dark pixels towards black, then a light 3x3 median
// blend to suppress JPEG artifacts.
func Preprocess(img image.Image) (*image.NRGBA, error) {
	if img == nil {
		return nil, errEmptyImage
	}
	b := img.Bounds()
	if b.Empty() {
		return nil, errEmptyImage
	}
	if b.Dx() > maxPreprocessSide || b.Dy() > maxPreprocessSide {
		img = imaging.Fit(img, maxPreprocessSide, maxPreprocessSide, imaging.Lanczos)
	}

	gray := imaging.Grayscale(img)
	enhanced := imaging.AdjustFunc(gray, func(c color.NRGBA) color.NRGBA {
		v := enhanceLevel(float64(c.R))
		return color.NRGBA{R: v, G: v, B: v, A: c.A}
	})
	return medianBlend(enhanced), nil
}

// enhanceLevel applies the contrast stretch and the adaptive push to one
// gray level.
func enhanceLevel(gray float64) uint8 {
	v := clamp255((gray-midGray)*contrastFactor + midGray)
	if v > edgeThreshold {
		v = math.Min(255, v+(255-v)*edgePush)
	} else {
		v = math.Max(0, v-v*edgePush)
	}
	return uint8(math.Round(v))
}

// medianBlend mixes every interior pixel 70/30 with the median of its 3x3
// neighbourhood. Edge pixels are left untouched.
func medianBlend(src *image.NRGBA) *image.NRGBA {
	dst := imaging.Clone(src)
	w, h := src.Rect.Dx(), src.Rect.Dy()
	if w < 3 || h < 3 {
		return dst
	}

	var window [9]uint8
	for y := 1; y < h-1; y++ {
		for x := 1; x < w-1; x++ {
			n := 0
			for dy := -1; dy <= 1; dy++ {
				row := (y + dy) * src.Stride
				for dx := -1; dx <= 1; dx++ {
					window[n] = src.Pix[row+(x+dx)*4]
					n++
				}
			}
			slices.Sort(window[:])
			median := float64(window[4])

			i := y*src.Stride + x*4
			v := uint8(math.Round(float64(src.Pix[i])*(1-medianWeight) + median*medianWeight))
			dst.Pix[i] = v
			dst.Pix[i+1] = v
			dst.Pix[i+2] = v
		}
	}
	return dst
}

func clamp255(v float64) float64 {
	return math.Max(0, math.Min(255, v))
}

// preprocessImageData decodes, preprocesses and re-encodes an uploaded image as PNG.
func preprocessImageData(imageData []byte, contentType string) ([]byte, error) {
	img, err := decodeImage(imageData, contentType)
	if err != nil {
		return nil, err
	}
	processed, err := Preprocess(img)
	if err != nil {
		return nil, fmt.Errorf("preprocessing image: %w", err)
	}
	return encodePNG(processed)
}
