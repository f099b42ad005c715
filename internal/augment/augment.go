// Package augment pre-populates a corpus with noisy grayscale clones of its images.
package augment

import (
	"bytes"
	"errors"
	"hash/fnv"
	"image"
	"io"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/disintegration/imaging"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/Brownie44l1/digitpad/internal/dataset"
	"github.com/Brownie44l1/digitpad/internal/errdefs"
	"github.com/Brownie44l1/digitpad/internal/fs"
)

const (
	// DefaultStdDev is the standard deviation of the added noise, in 8-bit levels.
	DefaultStdDev = 25.0
	// NoisySuffix marks generated files; they are never augmented again.
	NoisySuffix = "_noisy"
)

// Stats summarizes a corpus pass.
type Stats struct {
	Written  int
	Existing int
	Corrupt  int
	Duration time.Duration
}

// Augmenter writes a noisy clone next to every corpus image.
type Augmenter struct {
	stdDev    float64
	seed      int64
	classes   int
	workers   int
	overwrite bool
	fsys      fs.FileSystem
}

// Option configures an Augmenter.
type Option func(*Augmenter)

// WithStdDev sets the noise standard deviation.
func WithStdDev(s float64) Option {
	return func(a *Augmenter) { a.stdDev = s }
}

// WithSeed sets the base noise seed.
func WithSeed(seed int64) Option {
	return func(a *Augmenter) { a.seed = seed }
}

func WithClasses(n int) Option {
	return func(a *Augmenter) { a.classes = n }
}

func WithWorkers(n int) Option {
	return func(a *Augmenter) { a.workers = n }
}

// WithOverwrite regenerates clones that already exist.
func WithOverwrite(b bool) Option {
	return func(a *Augmenter) { a.overwrite = b }
}

func WithFileSystem(fsys fs.FileSystem) Option {
	return func(a *Augmenter) { a.fsys = fsys }
}

// New returns an Augmenter with the default noise level.
func New(opts ...Option) *Augmenter {
	a := &Augmenter{
		stdDev:  DefaultStdDev,
		seed:    1,
		classes: dataset.DefaultClasses,
		workers: runtime.GOMAXPROCS(0),
		fsys:    fs.Default,
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.workers < 1 {
		a.workers = runtime.GOMAXPROCS(0)
	}
	return a
}

// Noisy converts img to grayscale and adds zero-mean gaussian noise to every
// pixel, saturating at 0 and 255.
func Noisy(img image.Image, stdDev float64, rng *rand.Rand) *image.NRGBA {
	out := imaging.Grayscale(img)
	for i := 0; i < len(out.Pix); i += 4 {
		v := float64(out.Pix[i]) + rng.NormFloat64()*stdDev
		g := uint8(math.Max(0, math.Min(255, math.Round(v))))
		out.Pix[i], out.Pix[i+1], out.Pix[i+2] = g, g, g
	}
	return out
}

// NoisyName returns the clone name for an image file name.
func NoisyName(name string) string {
	return strings.TrimSuffix(name, filepath.Ext(name)) + NoisySuffix + ".png"
}

func isNoisy(name string) bool {
	return strings.HasSuffix(strings.TrimSuffix(name, filepath.Ext(name)), NoisySuffix)
}

// Run augments every label directory under root. Missing label directories are
// skipped; undecodable images are counted and skipped. Write failures abort.
func (a *Augmenter) Run(root string) (Stats, error) {
	start := time.Now()
	var written, existing, corrupt atomic.Int64

	for label := 0; label < a.classes; label++ {
		dir := filepath.Join(root, strconv.Itoa(label))
		files, err := dataset.ListImageFiles(a.fsys, dir)
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			return Stats{}, errdefs.Wrap(errdefs.ErrPersistence, err)
		}

		var g errgroup.Group
		g.SetLimit(a.workers)
		for _, file := range files {
			file := file
			name := filepath.Base(file)
			if isNoisy(name) {
				continue
			}
			g.Go(func() error {
				target := filepath.Join(dir, NoisyName(name))
				if !a.overwrite {
					if _, err := a.fsys.Stat(target); err == nil {
						existing.Add(1)
						return nil
					}
				}
				img, err := a.decode(file)
				if err != nil {
					log.WithField("file", file).Debug("[Augment] Skipping image: ", err)
					corrupt.Add(1)
					return nil
				}
				out := Noisy(img, a.stdDev, rand.New(rand.NewSource(a.fileSeed(label, name))))
				err = fs.WriteFileAtomic(a.fsys, target, 0644, func(w io.Writer) error {
					return imaging.Encode(w, out, imaging.PNG)
				})
				if err != nil {
					return errdefs.Wrap(errdefs.ErrPersistence, err)
				}
				written.Add(1)
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return Stats{}, err
		}
	}

	stats := Stats{
		Written:  int(written.Load()),
		Existing: int(existing.Load()),
		Corrupt:  int(corrupt.Load()),
		Duration: time.Since(start),
	}
	log.WithFields(log.Fields{
		"root":     root,
		"written":  stats.Written,
		"existing": stats.Existing,
		"corrupt":  stats.Corrupt,
	}).Info("[Augment] Corpus augmented")
	return stats, nil
}

func (a *Augmenter) decode(path string) (image.Image, error) {
	data, err := fs.ReadFile(a.fsys, path)
	if err != nil {
		return nil, err
	}
	return imaging.Decode(bytes.NewReader(data))
}

// fileSeed derives a per-file seed so output doesn't depend on worker scheduling.
func (a *Augmenter) fileSeed(label int, name string) int64 {
	h := fnv.New64a()
	h.Write([]byte(strconv.Itoa(label) + "/" + name))
	return a.seed ^ int64(h.Sum64())
}
