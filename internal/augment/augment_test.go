package augment

import (
	"image"
	"image/color"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/disintegration/imaging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Brownie44l1/digitpad/internal/errdefs"
	"github.com/Brownie44l1/digitpad/internal/fs"
)

func saveImage(t *testing.T, path string, img image.Image) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, imaging.Save(img, path))
}

func TestNoisyIsGrayAndSaturates(t *testing.T) {
	img := imaging.New(32, 32, color.NRGBA{R: 250, G: 10, B: 10, A: 255})
	out := Noisy(img, DefaultStdDev, rand.New(rand.NewSource(1)))

	require.Equal(t, img.Bounds(), out.Bounds())
	changed := 0
	base := imaging.Grayscale(img).Pix[0]
	for i := 0; i < len(out.Pix); i += 4 {
		assert.Equal(t, out.Pix[i], out.Pix[i+1])
		assert.Equal(t, out.Pix[i], out.Pix[i+2])
		assert.Equal(t, uint8(255), out.Pix[i+3])
		if out.Pix[i] != base {
			changed++
		}
	}
	assert.Greater(t, changed, 32*32/2)
}

func TestNoisyZeroStdDevIsGrayscale(t *testing.T) {
	img := imaging.New(8, 8, color.NRGBA{R: 100, G: 150, B: 200, A: 255})
	out := Noisy(img, 0, rand.New(rand.NewSource(1)))
	assert.Equal(t, imaging.Grayscale(img).Pix, out.Pix)
}

func TestNoisyName(t *testing.T) {
	assert.Equal(t, "a_noisy.png", NoisyName("a.jpg"))
	assert.Equal(t, "x.y_noisy.png", NoisyName("x.y.png"))
	assert.True(t, isNoisy("a_noisy.png"))
	assert.False(t, isNoisy("noisy.png"))
}

func TestRun(t *testing.T) {
	root := t.TempDir()
	saveImage(t, filepath.Join(root, "0", "a.png"), imaging.New(20, 20, color.White))
	saveImage(t, filepath.Join(root, "0", "b.jpg"), imaging.New(20, 20, color.Black))
	saveImage(t, filepath.Join(root, "4", "c.png"), imaging.New(10, 30, color.White))
	require.NoError(t, os.WriteFile(filepath.Join(root, "4", "broken.png"), []byte("nope"), 0644))

	stats, err := New(WithSeed(3)).Run(root)
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Written)
	assert.Equal(t, 1, stats.Corrupt)

	for _, p := range []string{"0/a_noisy.png", "0/b_noisy.png", "4/c_noisy.png"} {
		img, err := imaging.Open(filepath.Join(root, p))
		require.NoError(t, err, p)
		assert.NotZero(t, img.Bounds().Dx())
	}

	// second pass leaves clones alone and never clones a clone
	again, err := New(WithSeed(3)).Run(root)
	require.NoError(t, err)
	assert.Zero(t, again.Written)
	assert.Equal(t, 3, again.Existing)
	_, err = os.Stat(filepath.Join(root, "0", "a_noisy_noisy.png"))
	assert.True(t, os.IsNotExist(err))
}

func TestRunDeterministic(t *testing.T) {
	read := func(seed int64) []byte {
		root := t.TempDir()
		saveImage(t, filepath.Join(root, "1", "a.png"), imaging.New(16, 16, color.Gray{Y: 128}))
		_, err := New(WithSeed(seed), WithWorkers(4)).Run(root)
		require.NoError(t, err)
		data, err := os.ReadFile(filepath.Join(root, "1", "a_noisy.png"))
		require.NoError(t, err)
		return data
	}
	assert.Equal(t, read(9), read(9))
	assert.NotEqual(t, read(9), read(10))
}

func TestRunWriteFailure(t *testing.T) {
	root := t.TempDir()
	saveImage(t, filepath.Join(root, "2", "a.png"), imaging.New(8, 8, color.White))

	faulty := fs.NewFaultyFS(nil)
	faulty.AddRule("_noisy", fs.Fault{FailWrite: true})

	_, err := New(WithFileSystem(faulty)).Run(root)
	require.ErrorIs(t, err, errdefs.ErrPersistence)
	_, err = os.Stat(filepath.Join(root, "2", "a_noisy.png"))
	assert.True(t, os.IsNotExist(err))
}
