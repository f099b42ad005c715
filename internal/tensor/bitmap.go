package tensor

import (
	"image"
	"image/color"

	"github.com/Brownie44l1/digitpad/internal/errdefs"
)

// Bitmap is a raw captured pixel grid. Pix is row-major with Channels interleaved
// samples per pixel; only 1 (gray) and 3 (RGB) channels are supported.
type Bitmap struct {
	Width    int
	Height   int
	Channels int
	Pix      []uint8
}

// NewBitmap allocates a zeroed (black) bitmap.
func NewBitmap(width, height, channels int) Bitmap {
	var pix []uint8
	if width > 0 && height > 0 && channels > 0 {
		pix = make([]uint8, width*height*channels)
	}
	return Bitmap{Width: width, Height: height, Channels: channels, Pix: pix}
}

// Validate reports ErrInvalidInput for malformed bitmaps.
func (b Bitmap) Validate() error {
	if b.Width <= 0 || b.Height <= 0 {
		return errdefs.Newf(errdefs.ErrInvalidInput, "bitmap size %dx%d", b.Width, b.Height)
	}
	if b.Channels != 1 && b.Channels != 3 {
		return errdefs.Newf(errdefs.ErrInvalidInput, "unsupported channel count %d", b.Channels)
	}
	if want := b.Width * b.Height * b.Channels; len(b.Pix) != want {
		return errdefs.Newf(errdefs.ErrInvalidInput, "expected %d pixel values, got %d", want, len(b.Pix))
	}
	return nil
}

// Set writes one pixel. For single-channel bitmaps only v[0] is used.
func (b Bitmap) Set(x, y int, v ...uint8) {
	off := (y*b.Width + x) * b.Channels
	for c := 0; c < b.Channels; c++ {
		if c < len(v) {
			b.Pix[off+c] = v[c]
		} else {
			b.Pix[off+c] = v[len(v)-1]
		}
	}
}

// Image returns the bitmap as an image.Image (*image.Gray or *image.NRGBA).
// The bitmap must be valid.
func (b Bitmap) Image() image.Image {
	rect := image.Rect(0, 0, b.Width, b.Height)
	if b.Channels == 1 {
		img := image.NewGray(rect)
		copy(img.Pix, b.Pix)
		return img
	}
	img := image.NewNRGBA(rect)
	for i, j := 0, 0; i < len(b.Pix); i, j = i+3, j+4 {
		img.Pix[j] = b.Pix[i]
		img.Pix[j+1] = b.Pix[i+1]
		img.Pix[j+2] = b.Pix[i+2]
		img.Pix[j+3] = 0xff
	}
	return img
}

// FromImage captures img as a Bitmap. Gray images keep one channel, everything else
// becomes RGB composited over black.
func FromImage(img image.Image) Bitmap {
	bounds := img.Bounds()
	w, h := bounds.Dx(), bounds.Dy()
	if g, ok := img.(*image.Gray); ok {
		b := NewBitmap(w, h, 1)
		for y := 0; y < h; y++ {
			off := g.PixOffset(bounds.Min.X, bounds.Min.Y+y)
			copy(b.Pix[y*w:(y+1)*w], g.Pix[off:off+w])
		}
		return b
	}
	b := NewBitmap(w, h, 3)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			c := color.RGBAModel.Convert(img.At(bounds.Min.X+x, bounds.Min.Y+y)).(color.RGBA)
			b.Set(x, y, c.R, c.G, c.B)
		}
	}
	return b
}
