package tensor

import (
	"image"
	"testing"

	"github.com/disintegration/imaging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Brownie44l1/digitpad/internal/errdefs"
)

// disk draws a filled white disk on a black RGB bitmap.
func disk(w, h, cx, cy, r int) Bitmap {
	b := NewBitmap(w, h, 3)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			dx, dy := x-cx, y-cy
			if dx*dx+dy*dy <= r*r {
				b.Set(x, y, 255, 255, 255)
			}
		}
	}
	return b
}

func TestEncodeShapeAndRange(t *testing.T) {
	codec := NewCodec(28)
	for _, b := range []Bitmap{
		disk(400, 300, 200, 150, 20),
		disk(17, 93, 8, 40, 5),
		disk(28, 28, 14, 14, 6),
		disk(1, 1, 0, 0, 0),
		NewBitmap(5, 3, 1),
	} {
		tensor, err := codec.Encode(b)
		require.NoError(t, err)
		assert.Equal(t, [3]int{28, 28, 1}, tensor.Shape())
		require.Len(t, tensor.Data, 28*28)
		for _, v := range tensor.Data {
			assert.GreaterOrEqual(t, v, float32(0))
			assert.LessOrEqual(t, v, float32(1))
		}
	}
}

func TestEncodeCenteredDisk(t *testing.T) {
	codec := NewCodec(28)
	tensor, err := codec.Encode(disk(400, 300, 200, 150, 20))
	require.NoError(t, err)

	var bestX, bestY int
	var best float32
	for y := 0; y < 28; y++ {
		for x := 0; x < 28; x++ {
			if v := tensor.At(x, y); v > best {
				best, bestX, bestY = v, x, y
			}
		}
	}
	assert.Greater(t, best, float32(0.5))
	assert.InDelta(t, 13.5, bestX, 2)
	assert.InDelta(t, 13.5, bestY, 2)

	for _, c := range [][2]int{{0, 0}, {27, 0}, {0, 27}, {27, 27}} {
		assert.InDelta(t, 0, tensor.At(c[0], c[1]), 1e-3)
	}
}

func TestPadIsIdentityForSquare(t *testing.T) {
	codec := NewCodec(28)
	b := disk(64, 64, 20, 30, 9)

	padded := codec.Pad(b.Image())
	assert.Equal(t, imaging.Clone(b.Image()).Pix, padded.Pix)

	direct, err := codec.Encode(b)
	require.NoError(t, err)
	again, err := codec.Encode(FromImage(padded))
	require.NoError(t, err)
	assert.Equal(t, direct.Data, again.Data)
}

func TestPadCentersShorterDimension(t *testing.T) {
	codec := NewCodec(28)
	b := NewBitmap(10, 4, 1)
	for x := 0; x < 10; x++ {
		for y := 0; y < 4; y++ {
			b.Set(x, y, 200)
		}
	}
	padded := codec.Pad(b.Image())
	require.Equal(t, image.Rect(0, 0, 10, 10), padded.Bounds())

	assert.Equal(t, uint8(0), padded.NRGBAAt(5, 2).R)
	assert.Equal(t, uint8(200), padded.NRGBAAt(5, 3).R)
	assert.Equal(t, uint8(200), padded.NRGBAAt(5, 6).R)
	assert.Equal(t, uint8(0), padded.NRGBAAt(5, 7).R)
}

func TestEncodeDeterministicAndGrayMatchesRGB(t *testing.T) {
	codec := NewCodec(28)
	rgb := disk(120, 80, 60, 40, 15)
	gray := NewBitmap(120, 80, 1)
	for i := range gray.Pix {
		gray.Pix[i] = rgb.Pix[i*3]
	}

	a, err := codec.Encode(rgb)
	require.NoError(t, err)
	b, err := codec.Encode(rgb)
	require.NoError(t, err)
	c, err := codec.Encode(gray)
	require.NoError(t, err)

	assert.Equal(t, a.Data, b.Data)
	assert.Equal(t, a.Data, c.Data)
}

func TestEncodeInvalidInput(t *testing.T) {
	codec := NewCodec(28)
	for name, b := range map[string]Bitmap{
		"zero width":   {Width: 0, Height: 10, Channels: 1},
		"negative":     {Width: -3, Height: 10, Channels: 1},
		"bad channels": NewBitmap(4, 4, 2),
		"short pix":    {Width: 4, Height: 4, Channels: 3, Pix: make([]uint8, 10)},
	} {
		_, err := codec.Encode(b)
		assert.ErrorIs(t, err, errdefs.ErrInvalidInput, name)
	}
}

func TestParseFilter(t *testing.T) {
	_, err := ParseFilter("Lanczos3")
	assert.NoError(t, err)
	_, err = ParseFilter("nearest")
	assert.Error(t, err)
}

func TestFromImageRoundTrip(t *testing.T) {
	b := disk(9, 7, 4, 3, 2)
	assert.Equal(t, b, FromImage(b.Image()))

	g := NewBitmap(6, 5, 1)
	g.Set(2, 3, 99)
	assert.Equal(t, g, FromImage(g.Image()))
}
