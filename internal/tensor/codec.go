// Package tensor converts raw drawn bitmaps into the fixed-shape normalized
// tensors the classifier consumes.
package tensor

import (
	"fmt"
	"image"
	"image/color"
	"strings"

	"github.com/disintegration/imaging"
	"github.com/nfnt/resize"
)

// DefaultSide is the MNIST-compatible tensor side length.
const DefaultSide = 28

// Tensor is a Side x Side x 1 grid of intensities in [0, 1], row-major.
type Tensor struct {
	Side int
	Data []float32
}

// Shape returns the tensor shape as (height, width, channels).
func (t Tensor) Shape() [3]int { return [3]int{t.Side, t.Side, 1} }

// At returns the intensity at column x, row y.
func (t Tensor) At(x, y int) float32 { return t.Data[y*t.Side+x] }

var filters = map[string]resize.InterpolationFunction{
	"lanczos3": resize.Lanczos3,
	"lanczos2": resize.Lanczos2,
	"bilinear": resize.Bilinear,
	"bicubic":  resize.Bicubic,
	"mitchell": resize.MitchellNetravali,
}

// ParseFilter maps a filter name to a resampling function. Nearest-neighbour is
// not accepted.
func ParseFilter(name string) (resize.InterpolationFunction, error) {
	f, ok := filters[strings.ToLower(name)]
	if !ok {
		return 0, fmt.Errorf("unsupported resampling filter %q", name)
	}
	return f, nil
}

// Codec encodes bitmaps into tensors. A Codec is immutable and safe for concurrent use.
type Codec struct {
	side       int
	filter     resize.InterpolationFunction
	background color.Color
}

// CodecOption configures a Codec.
type CodecOption func(*Codec)

// WithFilter sets the resampling filter.
func WithFilter(f resize.InterpolationFunction) CodecOption {
	return func(c *Codec) { c.filter = f }
}

// WithBackground sets the padding fill color.
func WithBackground(bg color.Color) CodecOption {
	return func(c *Codec) { c.background = bg }
}

// NewCodec creates a codec producing side x side tensors.
func NewCodec(side int, opts ...CodecOption) *Codec {
	if side <= 0 {
		side = DefaultSide
	}
	c := &Codec{side: side, filter: resize.Lanczos3, background: color.Black}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Side returns the tensor side length.
func (c *Codec) Side() int { return c.side }

// Encode pads, resizes, reduces to luminance and normalizes the bitmap.
func (c *Codec) Encode(b Bitmap) (Tensor, error) {
	if err := b.Validate(); err != nil {
		return Tensor{}, err
	}
	square := c.Pad(b.Image())
	resized := resize.Resize(uint(c.side), uint(c.side), square, c.filter)

	bounds := resized.Bounds()
	t := Tensor{Side: c.side, Data: make([]float32, c.side*c.side)}
	for y := 0; y < c.side; y++ {
		for x := 0; x < c.side; x++ {
			r, g, bl, _ := resized.At(bounds.Min.X+x, bounds.Min.Y+y).RGBA()
			t.Data[y*c.side+x] = float32(luminance(r>>8, g>>8, bl>>8)) / 255.0
		}
	}
	return t, nil
}

// Pad centers img on a square background canvas of side max(width, height).
// Square input goes through the same path and comes out unchanged.
func (c *Codec) Pad(img image.Image) *image.NRGBA {
	bounds := img.Bounds()
	side := bounds.Dx()
	if bounds.Dy() > side {
		side = bounds.Dy()
	}
	canvas := imaging.New(side, side, c.background)
	return imaging.PasteCenter(canvas, img)
}

// luminance uses the ITU-R 601-2 weights in 16.16 fixed point.
func luminance(r, g, b uint32) uint8 {
	return uint8((19595*r + 38470*g + 7471*b + 1<<15) >> 16)
}
