package preprocess

import (
	"fmt"
	"image"

	"github.com/nfnt/resize"
	"golang.org/x/image/draw"
)

// Resampler resizes an image to exactly width×height, ignoring aspect ratio,
// and returns it with an explicit alpha channel.
type Resampler interface {
	Fill(src image.Image, width, height int) *image.NRGBA
}

// ResamplerFunc adapts a function to Resampler.
type ResamplerFunc func(src image.Image, width, height int) *image.NRGBA

// Fill implements Resampler.
func (f ResamplerFunc) Fill(src image.Image, width, height int) *image.NRGBA {
	return f(src, width, height)
}

// BiLinear scales with golang.org/x/image/draw.
var BiLinear Resampler = ResamplerFunc(func(src image.Image, width, height int) *image.NRGBA {
	dst := image.NewNRGBA(image.Rect(0, 0, width, height))
	draw.BiLinear.Scale(dst, dst.Bounds(), src, src.Bounds(), draw.Src, nil)
	return dst
})

// Lanczos scales with nfnt/resize's Lanczos3 kernel.
var Lanczos Resampler = ResamplerFunc(func(src image.Image, width, height int) *image.NRGBA {
	resized := resize.Resize(uint(width), uint(height), src, resize.Lanczos3)
	dst := image.NewNRGBA(image.Rect(0, 0, width, height))
	draw.Draw(dst, dst.Bounds(), resized, resized.Bounds().Min, draw.Src)
	return dst
})

// ParseResampler maps a configuration name onto a Resampler.
func ParseResampler(name string) (Resampler, error) {
	switch name {
	case "", "bilinear":
		return BiLinear, nil
	case "lanczos":
		return Lanczos, nil
	default:
		return nil, fmt.Errorf("unknown resampler %q", name)
	}
}
