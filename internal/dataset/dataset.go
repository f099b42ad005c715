// Package dataset keeps the labeled in-memory training set in sync with the
// on-disk corpus (one directory per label).
package dataset

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"time"

	"github.com/disintegration/imaging"
	"github.com/gofrs/uuid"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/Brownie44l1/digitpad/internal/errdefs"
	"github.com/Brownie44l1/digitpad/internal/fs"
	"github.com/Brownie44l1/digitpad/internal/tensor"
)

// DefaultClasses is the number of digit labels.
const DefaultClasses = 10

// LoadStats summarizes a corpus load.
type LoadStats struct {
	Loaded  int
	Corrupt int
	// Skipped lists the label directories that did not exist.
	Skipped  []int
	Duration time.Duration
}

// Dataset is an append-only sequence of (tensor, label) entries mirrored on disk.
// It is not safe for concurrent use.
type Dataset struct {
	root    string
	classes int
	codec   *tensor.Codec
	fsys    fs.FileSystem
	lister  Lister
	workers int
	now     func() time.Time

	tensors []tensor.Tensor
	labels  []int
	files   []string
}

// Option configures a Dataset.
type Option func(*Dataset)

// WithFileSystem sets the file system used for reads and writes.
func WithFileSystem(fsys fs.FileSystem) Option {
	return func(d *Dataset) { d.fsys = fsys }
}

// WithLister replaces the image file lister.
func WithLister(l Lister) Option {
	return func(d *Dataset) { d.lister = l }
}

// WithClasses sets the number of label directories (0..classes-1).
func WithClasses(n int) Option {
	return func(d *Dataset) { d.classes = n }
}

// WithWorkers bounds the number of images decoded in parallel during Load.
func WithWorkers(n int) Option {
	return func(d *Dataset) { d.workers = n }
}

// WithClock sets the time source used for file naming.
func WithClock(now func() time.Time) Option {
	return func(d *Dataset) { d.now = now }
}

// New returns an empty dataset rooted at root.
func New(root string, codec *tensor.Codec, opts ...Option) *Dataset {
	d := &Dataset{
		root:    root,
		classes: DefaultClasses,
		codec:   codec,
		fsys:    fs.Default,
		lister:  ListImageFiles,
		workers: runtime.NumCPU(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.workers <= 0 {
		d.workers = runtime.NumCPU()
	}
	return d
}

// Load builds a dataset from the corpus under root. Missing label directories (or
// label paths that aren't directories) are skipped, undecodable images are counted
// in LoadStats.Corrupt and skipped.
func Load(root string, codec *tensor.Codec, opts ...Option) (*Dataset, LoadStats, error) {
	start := time.Now()
	d := New(root, codec, opts...)
	var stats LoadStats

	for label := 0; label < d.classes; label++ {
		dir := d.labelDir(label)
		files, err := d.lister(d.fsys, dir)
		if err != nil && !d.isDir(dir) {
			log.WithField("dir", dir).Debug("[Dataset] Skipping label: ", err)
			stats.Skipped = append(stats.Skipped, label)
			continue
		}
		if err != nil {
			return nil, stats, fmt.Errorf("couldn't list %s: %w", dir, err)
		}

		encoded := make([]*tensor.Tensor, len(files))
		var g errgroup.Group
		g.SetLimit(d.workers)
		for i, file := range files {
			i, file := i, file
			g.Go(func() error {
				t, err := d.encodeFile(file)
				if err != nil {
					log.WithField("file", file).Debug("[Dataset] Skipping image: ", err)
					return nil
				}
				encoded[i] = &t
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return nil, stats, err
		}

		for i, t := range encoded {
			if t == nil {
				stats.Corrupt++
				continue
			}
			d.tensors = append(d.tensors, *t)
			d.labels = append(d.labels, label)
			d.files = append(d.files, files[i])
		}
	}

	stats.Loaded = len(d.labels)
	stats.Duration = time.Since(start)
	log.WithFields(log.Fields{
		"root":    root,
		"loaded":  stats.Loaded,
		"corrupt": stats.Corrupt,
	}).Info("[Dataset] Corpus loaded")
	return d, stats, nil
}

func (d *Dataset) isDir(path string) bool {
	info, err := d.fsys.Stat(path)
	return err == nil && info.IsDir()
}

func (d *Dataset) encodeFile(path string) (tensor.Tensor, error) {
	f, err := d.fsys.OpenFile(path, os.O_RDONLY, 0)
	if err != nil {
		return tensor.Tensor{}, errdefs.Wrap(errdefs.ErrCorruptAsset, err)
	}
	defer f.Close()

	img, err := imaging.Decode(f)
	if err != nil {
		return tensor.Tensor{}, errdefs.Wrap(errdefs.ErrCorruptAsset, err)
	}
	t, err := d.codec.Encode(tensor.FromImage(img))
	if err != nil {
		return tensor.Tensor{}, errdefs.Wrap(errdefs.ErrCorruptAsset, err)
	}
	return t, nil
}

// Append encodes the bitmap, writes it to root/<label>/ and then adds the entry
// in memory. On any error the in-memory dataset is unchanged.
// It returns the path of the written image.
func (d *Dataset) Append(b tensor.Bitmap, label int) (string, error) {
	if label < 0 || label >= d.classes {
		return "", errdefs.Newf(errdefs.ErrInvalidLabel, "label %d outside [0, %d)", label, d.classes)
	}
	t, err := d.codec.Encode(b)
	if err != nil {
		return "", err
	}

	path, err := d.persist(b, label)
	if err != nil {
		return "", errdefs.Wrap(errdefs.ErrPersistence, err)
	}

	d.tensors = append(d.tensors, t)
	d.labels = append(d.labels, label)
	d.files = append(d.files, path)
	log.WithFields(log.Fields{"label": label, "file": path, "size": len(d.labels)}).Debug("[Dataset] Appended sample")
	return path, nil
}

func (d *Dataset) persist(b tensor.Bitmap, label int) (string, error) {
	dir := d.labelDir(label)
	if err := d.fsys.MkdirAll(dir, 0755); err != nil {
		return "", err
	}
	path, err := d.uniquePath(dir)
	if err != nil {
		return "", err
	}
	img := b.Image()
	err = fs.WriteFileAtomic(d.fsys, path, 0644, func(w io.Writer) error {
		return imaging.Encode(w, img, imaging.PNG)
	})
	if err != nil {
		return "", err
	}
	return path, nil
}

func (d *Dataset) uniquePath(dir string) (string, error) {
	for attempt := 0; attempt < 8; attempt++ {
		id, err := uuid.NewV4()
		if err != nil {
			return "", err
		}
		name := fmt.Sprintf("%d-%s.png", d.now().UnixNano(), id.String()[:8])
		path := filepath.Join(dir, name)
		if _, err := d.fsys.Stat(path); errors.Is(err, os.ErrNotExist) {
			return path, nil
		}
	}
	return "", fmt.Errorf("couldn't find a free file name in %s", dir)
}

func (d *Dataset) labelDir(label int) string {
	return filepath.Join(d.root, strconv.Itoa(label))
}

// Truncate drops every entry from index n on and removes their image files, so
// memory and disk agree again after a learning step is abandoned. Entries are
// dropped from memory even if a file can't be removed; the first removal error
// is returned.
func (d *Dataset) Truncate(n int) error {
	if n < 0 || n > len(d.labels) {
		return fmt.Errorf("truncate to %d out of range [0, %d]", n, len(d.labels))
	}
	var firstErr error
	for _, path := range d.files[n:] {
		if err := d.fsys.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			log.WithField("file", path).Warn("[Dataset] Couldn't remove image: ", err)
			if firstErr == nil {
				firstErr = errdefs.Wrap(errdefs.ErrPersistence, err)
			}
		}
	}
	d.tensors = d.tensors[:n]
	d.labels = d.labels[:n]
	d.files = d.files[:n]
	return firstErr
}

// Root returns the corpus directory.
func (d *Dataset) Root() string { return d.root }

// Classes returns the number of labels.
func (d *Dataset) Classes() int { return d.classes }

// Len returns the number of entries.
func (d *Dataset) Len() int { return len(d.labels) }

// At returns the i-th entry. The tensor must not be modified.
func (d *Dataset) At(i int) (tensor.Tensor, int) { return d.tensors[i], d.labels[i] }

// Counts returns the number of entries per label.
func (d *Dataset) Counts() []int {
	counts := make([]int, d.classes)
	for _, label := range d.labels {
		counts[label]++
	}
	return counts
}

// DecodeImage decodes a corpus image from r as a Bitmap.
func DecodeImage(r io.Reader) (tensor.Bitmap, error) {
	img, err := imaging.Decode(r)
	if err != nil {
		return tensor.Bitmap{}, errdefs.Wrap(errdefs.ErrCorruptAsset, err)
	}
	return tensor.FromImage(img), nil
}
