// Package preprocess turns uploaded drawings into the fixed-shape planar
// float tensor the classification model consumes.
package preprocess

import (
	"bytes"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/webp"

	"github.com/example/tremor-api/internal/apperr"
)

const (
	// Width and Height are the fixed spatial dimensions of every tensor.
	Width  = 128
	Height = 128
	// Channels is the number of colour planes kept (alpha is dropped).
	Channels = 3
	// MaxPixels bounds the decoded raster of an upload.
	MaxPixels = 4096 * 4096
)

// Mode selects how byte intensities are scaled into floats.
type Mode string

const (
	// ModeUnit scales each channel to [0,1].
	ModeUnit Mode = "0-1"
	// ModeImageNet standardises each channel with the ImageNet mean and std.
	ModeImageNet Mode = "imagenet"
)

var (
	imageNetMean = [Channels]float32{0.485, 0.456, 0.406}
	imageNetStd  = [Channels]float32{0.229, 0.224, 0.225}
)

// ParseMode validates a normalization mode name.
func ParseMode(name string) (Mode, error) {
	switch Mode(name) {
	case ModeUnit, ModeImageNet:
		return Mode(name), nil
	default:
		return "", fmt.Errorf("unknown normalization mode %q", name)
	}
}

// Tensor is a planar (channel-major) float32 array shaped [1, C, H, W].
type Tensor struct {
	Data  []float32
	Shape []int64
}

// Preprocessor decodes, resizes and normalizes images. It holds no mutable
// state and is safe for concurrent use.
type Preprocessor struct {
	mode      Mode
	resampler Resampler
}

// New constructs a Preprocessor. A nil resampler defaults to bilinear.
func New(mode Mode, resampler Resampler) *Preprocessor {
	if resampler == nil {
		resampler = BiLinear
	}
	return &Preprocessor{mode: mode, resampler: resampler}
}

// Mode reports the normalization mode applied by the preprocessor.
func (p *Preprocessor) Mode() Mode {
	return p.mode
}

// Preprocess decodes raw and returns a [1,3,128,128] tensor.
func (p *Preprocessor) Preprocess(raw []byte) (*Tensor, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("empty image: %w", apperr.ErrDecode)
	}
	cfg, _, err := image.DecodeConfig(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("%v: %w", err, apperr.ErrDecode)
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return nil, fmt.Errorf("image has zero size: %w", apperr.ErrDecode)
	}
	if int64(cfg.Width)*int64(cfg.Height) > MaxPixels {
		return nil, fmt.Errorf("image is %dx%d, larger than %d pixels: %w", cfg.Width, cfg.Height, MaxPixels, apperr.ErrDecode)
	}

	src, _, err := image.Decode(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("%v: %w", err, apperr.ErrDecode)
	}

	rgba := p.resampler.Fill(src, Width, Height)
	tensor, err := ToTensor(rgba.Pix, Width, Height, p.mode)
	if err != nil {
		return nil, err
	}
	if len(tensor.Data) != Channels*Width*Height {
		return nil, fmt.Errorf("tensor has %d values, want %d: %w", len(tensor.Data), Channels*Width*Height, apperr.ErrShape)
	}
	return tensor, nil
}

// ToTensor converts interleaved RGBA bytes into a planar CHW tensor, dropping
// alpha and applying mode.
func ToTensor(pix []uint8, width, height int, mode Mode) (*Tensor, error) {
	hw := width * height
	if len(pix) != hw*4 {
		return nil, fmt.Errorf("decoded buffer has %d bytes, want %d: %w", len(pix), hw*4, apperr.ErrShape)
	}

	out := make([]float32, Channels*hw)
	for i, px := 0, 0; i < hw; i, px = i+1, px+4 {
		for c := 0; c < Channels; c++ {
			v := float32(pix[px+c]) / 255
			if mode == ModeImageNet {
				v = (v - imageNetMean[c]) / imageNetStd[c]
			}
			out[c*hw+i] = v
		}
	}

	return &Tensor{Data: out, Shape: []int64{1, Channels, int64(height), int64(width)}}, nil
}
