// Package canvas rasterizes brush strokes into bitmaps for the classifier.
package canvas

import (
	"image"
	"image/color"
	"image/draw"
	"math"

	"github.com/disintegration/imaging"

	"github.com/Brownie44l1/digitpad/internal/errdefs"
	"github.com/Brownie44l1/digitpad/internal/tensor"
)

const (
	DefaultSide   = 400
	DefaultRadius = 9
)

// DefaultBackground is the slight gray the drawing surface starts with.
var DefaultBackground = color.NRGBA{R: 31, G: 31, B: 31, A: 255}

// Point is a brush position in canvas pixels.
type Point struct {
	X, Y int
}

// Canvas is a square RGB drawing surface painted with a round white brush.
type Canvas struct {
	side   int
	radius int
	bg     color.Color
	ink    color.Color
	img    *image.NRGBA
}

// Option configures a Canvas.
type Option func(*Canvas)

// WithRadius sets the brush radius.
func WithRadius(r int) Option {
	return func(c *Canvas) { c.radius = r }
}

// WithBackground sets the clear color.
func WithBackground(bg color.Color) Option {
	return func(c *Canvas) { c.bg = bg }
}

// WithInk sets the brush color.
func WithInk(ink color.Color) Option {
	return func(c *Canvas) { c.ink = ink }
}

// New returns a cleared canvas of the given side.
func New(side int, opts ...Option) (*Canvas, error) {
	c := &Canvas{
		side:   side,
		radius: DefaultRadius,
		bg:     DefaultBackground,
		ink:    color.White,
	}
	for _, opt := range opts {
		opt(c)
	}
	if side <= 0 {
		return nil, errdefs.Newf(errdefs.ErrInvalidInput, "canvas side %d", side)
	}
	if c.radius <= 0 {
		return nil, errdefs.Newf(errdefs.ErrInvalidInput, "brush radius %d", c.radius)
	}
	c.Clear()
	return c, nil
}

// Side returns the canvas width and height.
func (c *Canvas) Side() int { return c.side }

// Clear resets every pixel to the background color.
func (c *Canvas) Clear() {
	c.img = imaging.New(c.side, c.side, c.bg)
}

// Paint stamps one brush disk centered at p. Disks may be clipped by the edges.
func (c *Canvas) Paint(p Point) {
	r := c.radius
	rect := image.Rect(p.X-r, p.Y-r, p.X+r+1, p.Y+r+1)
	draw.DrawMask(c.img, rect, image.NewUniform(c.ink), image.Point{}, &disk{r: r}, image.Point{X: -r, Y: -r}, draw.Over)
}

// Stroke paints a connected line through points. Gaps between consecutive
// points are filled at half-radius steps, like a dragged brush. Segments are
// clipped to the canvas grown by the brush radius, so far-away points cost no
// more than points on the edge.
func (c *Canvas) Stroke(points []Point) {
	if len(points) == 0 {
		return
	}
	if c.reaches(points[0]) {
		c.Paint(points[0])
	}
	step := math.Max(1, float64(c.radius)/2)
	for i := 1; i < len(points); i++ {
		ax, ay, bx, by, ok := c.clip(points[i-1], points[i])
		if !ok {
			continue
		}
		dx, dy := bx-ax, by-ay
		n := int(math.Ceil(math.Hypot(dx, dy) / step))
		for j := 0; j <= n; j++ {
			f := 1.0
			if n > 0 {
				f = float64(j) / float64(n)
			}
			c.Paint(Point{
				X: int(math.Round(ax + dx*f)),
				Y: int(math.Round(ay + dy*f)),
			})
		}
	}
}

// reaches reports whether a brush disk at p can touch the canvas.
func (c *Canvas) reaches(p Point) bool {
	lo, hi := -c.radius, c.side-1+c.radius
	return p.X >= lo && p.X <= hi && p.Y >= lo && p.Y <= hi
}

// clip cuts segment a-b to the square [-radius, side-1+radius] (Liang-Barsky).
func (c *Canvas) clip(a, b Point) (ax, ay, bx, by float64, ok bool) {
	lo, hi := float64(-c.radius), float64(c.side-1+c.radius)
	ax, ay = float64(a.X), float64(a.Y)
	dx, dy := float64(b.X)-ax, float64(b.Y)-ay
	t0, t1 := 0.0, 1.0
	for _, e := range [4][2]float64{
		{-dx, ax - lo},
		{dx, hi - ax},
		{-dy, ay - lo},
		{dy, hi - ay},
	} {
		p, q := e[0], e[1]
		if p == 0 {
			if q < 0 {
				return 0, 0, 0, 0, false
			}
			continue
		}
		t := q / p
		if p < 0 {
			t0 = math.Max(t0, t)
		} else {
			t1 = math.Min(t1, t)
		}
		if t0 > t1 {
			return 0, 0, 0, 0, false
		}
	}
	return ax + t0*dx, ay + t0*dy, ax + t1*dx, ay + t1*dy, true
}

// Bitmap copies the canvas into a 3-channel bitmap.
func (c *Canvas) Bitmap() tensor.Bitmap {
	b := tensor.NewBitmap(c.side, c.side, 3)
	for y := 0; y < c.side; y++ {
		row := c.img.Pix[y*c.img.Stride:]
		for x := 0; x < c.side; x++ {
			copy(b.Pix[(y*c.side+x)*3:], row[x*4:x*4+3])
		}
	}
	return b
}

// Image returns the underlying image. It is invalidated by Clear.
func (c *Canvas) Image() *image.NRGBA { return c.img }

// disk is an alpha mask of a filled circle centered at the origin.
type disk struct {
	r int
}

func (d *disk) ColorModel() color.Model { return color.AlphaModel }

func (d *disk) Bounds() image.Rectangle {
	return image.Rect(-d.r, -d.r, d.r+1, d.r+1)
}

func (d *disk) At(x, y int) color.Color {
	if x*x+y*y <= d.r*d.r {
		return color.Alpha{A: 255}
	}
	return color.Alpha{}
}
