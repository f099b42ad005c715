// Package model implements the trainable digit classifier: a two-layer softmax
// network over flattened tensors, backed by gonum matrices.
package model

import (
	"fmt"
	"math"
	"math/rand"
	"strconv"
	"time"

	log "github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/mat"

	"github.com/Brownie44l1/digitpad/internal/errdefs"
	"github.com/Brownie44l1/digitpad/internal/fs"
	"github.com/Brownie44l1/digitpad/internal/tensor"
)

// Config holds the network shape and training hyperparameters.
type Config struct {
	Side         int
	Classes      int
	Hidden       int
	Epochs       int
	BatchSize    int
	LearningRate float64
	Seed         int64
}

// DefaultConfig returns a configuration suited to MNIST-sized digits.
func DefaultConfig() Config {
	return Config{
		Side:         tensor.DefaultSide,
		Classes:      10,
		Hidden:       64,
		Epochs:       5,
		BatchSize:    16,
		LearningRate: 0.1,
		Seed:         1,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	switch {
	case c.Side <= 0:
		return fmt.Errorf("side must be positive, got %d", c.Side)
	case c.Classes < 2:
		return fmt.Errorf("need at least 2 classes, got %d", c.Classes)
	case c.Hidden <= 0:
		return fmt.Errorf("hidden width must be positive, got %d", c.Hidden)
	case c.Epochs <= 0:
		return fmt.Errorf("epochs must be positive, got %d", c.Epochs)
	case c.BatchSize <= 0:
		return fmt.Errorf("batch size must be positive, got %d", c.BatchSize)
	case c.LearningRate <= 0:
		return fmt.Errorf("learning rate must be positive, got %g", c.LearningRate)
	}
	return nil
}

func (c Config) inputs() int { return c.Side * c.Side }

// Network is a dense ReLU hidden layer followed by a softmax output layer.
// It is not safe for concurrent use.
type Network struct {
	cfg  Config
	meta Metadata
	fsys fs.FileSystem

	w1 *mat.Dense    // hidden x inputs
	b1 *mat.VecDense // hidden
	w2 *mat.Dense    // classes x hidden
	b2 *mat.VecDense // classes
}

var _ Classifier = (*Network)(nil)

// NewNetwork creates a freshly initialized, untrained network.
func NewNetwork(cfg Config, opts ...Option) (*Network, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	o := applyOptions(opts)
	rng := rand.New(rand.NewSource(cfg.Seed))

	n := &Network{
		cfg:  cfg,
		meta: newMetadata(cfg),
		fsys: o.fsys,
		w1:   heNormal(rng, cfg.Hidden, cfg.inputs()),
		b1:   mat.NewVecDense(cfg.Hidden, nil),
		w2:   heNormal(rng, cfg.Classes, cfg.Hidden),
		b2:   mat.NewVecDense(cfg.Classes, nil),
	}
	return n, nil
}

func newMetadata(cfg Config) Metadata {
	classes := make([]string, cfg.Classes)
	for i := range classes {
		classes[i] = strconv.Itoa(i)
	}
	return Metadata{
		InputShape:  []int64{1, int64(cfg.Side), int64(cfg.Side), 1},
		OutputShape: []int64{1, int64(cfg.Classes)},
		Classes:     classes,
		ImageSize:   cfg.Side,
		Hidden:      cfg.Hidden,
	}
}

func heNormal(rng *rand.Rand, rows, cols int) *mat.Dense {
	scale := math.Sqrt(2 / float64(cols))
	data := make([]float64, rows*cols)
	for i := range data {
		data[i] = rng.NormFloat64() * scale
	}
	return mat.NewDense(rows, cols, data)
}

// Metadata returns a copy of the network metadata.
func (n *Network) Metadata() Metadata {
	m := n.meta
	m.Classes = append([]string(nil), n.meta.Classes...)
	return m
}

// Predict classifies every tensor of the batch. A batch of one takes the same path
// as larger batches.
func (n *Network) Predict(batch []tensor.Tensor) ([]Prediction, error) {
	if len(batch) == 0 {
		return nil, nil
	}
	x, err := n.matrix(len(batch), func(i int) tensor.Tensor { return batch[i] })
	if err != nil {
		return nil, err
	}
	_, _, probs := n.forward(x)

	results := make([]Prediction, len(batch))
	for i := range results {
		row := probs.RawRowView(i)
		maxIdx := argmax(row)
		p := make([]float32, len(row))
		for j, val := range row {
			p[j] = float32(val)
		}
		results[i] = Prediction{Label: maxIdx, Confidence: p[maxIdx], Probabilities: p}
	}
	return results, nil
}

// Fit runs mini-batch SGD over the entire set for the configured number of epochs,
// starting from the current weights. Shuffling is seeded by the generation, so the
// same weights and set always yield the same result.
func (n *Network) Fit(set TrainingSet) (FitStats, error) {
	start := time.Now()
	total := set.Len()
	if total == 0 {
		return FitStats{Generation: n.meta.Generation}, nil
	}

	labels := make([]int, total)
	for i := range labels {
		_, label := set.At(i)
		if label < 0 || label >= n.cfg.Classes {
			return FitStats{}, errdefs.Newf(errdefs.ErrInvalidLabel, "sample %d has label %d", i, label)
		}
		labels[i] = label
	}
	all, err := n.matrix(total, func(i int) tensor.Tensor {
		t, _ := set.At(i)
		return t
	})
	if err != nil {
		return FitStats{}, err
	}

	rng := rand.New(rand.NewSource(n.cfg.Seed + int64(n.meta.Generation) + 1))
	inputs := n.cfg.inputs()
	for epoch := 0; epoch < n.cfg.Epochs; epoch++ {
		perm := rng.Perm(total)
		for lo := 0; lo < total; lo += n.cfg.BatchSize {
			hi := lo + n.cfg.BatchSize
			if hi > total {
				hi = total
			}
			x := mat.NewDense(hi-lo, inputs, nil)
			y := make([]int, hi-lo)
			for k, idx := range perm[lo:hi] {
				x.SetRow(k, all.RawRowView(idx))
				y[k] = labels[idx]
			}
			n.step(x, y)
		}
	}

	loss, acc := n.evaluate(all, labels)
	n.meta.Generation++
	n.meta.TrainedSamples = total
	n.meta.Updated = time.Now().UTC().Format(time.RFC3339)

	stats := FitStats{
		Samples:    total,
		Epochs:     n.cfg.Epochs,
		Loss:       loss,
		Accuracy:   acc,
		Generation: n.meta.Generation,
		Duration:   time.Since(start),
	}
	log.WithFields(log.Fields{
		"samples":    stats.Samples,
		"loss":       fmt.Sprintf("%.4f", loss),
		"accuracy":   fmt.Sprintf("%.3f", acc),
		"generation": stats.Generation,
		"duration":   stats.Duration,
	}).Debug("[Model] Fit completed")
	return stats, nil
}

// matrix stacks n tensors into an n x inputs matrix.
func (n *Network) matrix(rows int, at func(i int) tensor.Tensor) (*mat.Dense, error) {
	inputs := n.cfg.inputs()
	x := mat.NewDense(rows, inputs, nil)
	for i := 0; i < rows; i++ {
		t := at(i)
		if t.Side != n.cfg.Side || len(t.Data) != inputs {
			return nil, errdefs.Newf(errdefs.ErrInvalidInput,
				"tensor %d has side %d and %d values, expected side %d", i, t.Side, len(t.Data), n.cfg.Side)
		}
		row := x.RawRowView(i)
		for j, v := range t.Data {
			row[j] = float64(v)
		}
	}
	return x, nil
}

func (n *Network) forward(x *mat.Dense) (z1, a1, probs *mat.Dense) {
	z1 = new(mat.Dense)
	z1.Mul(x, n.w1.T())
	addBias(z1, n.b1)

	a1 = new(mat.Dense)
	a1.Apply(func(_, _ int, v float64) float64 { return math.Max(0, v) }, z1)

	probs = new(mat.Dense)
	probs.Mul(a1, n.w2.T())
	addBias(probs, n.b2)
	rows, _ := probs.Dims()
	for i := 0; i < rows; i++ {
		softmax(probs.RawRowView(i))
	}
	return z1, a1, probs
}

// step applies one SGD update with the cross-entropy gradient of the batch.
func (n *Network) step(x *mat.Dense, labels []int) {
	z1, a1, probs := n.forward(x)
	m := float64(len(labels))

	dz2 := probs
	for i, label := range labels {
		row := dz2.RawRowView(i)
		row[label]--
		for j := range row {
			row[j] /= m
		}
	}

	var gw2 mat.Dense
	gw2.Mul(dz2.T(), a1)
	gb2 := columnSums(dz2)

	var dz1 mat.Dense
	dz1.Mul(dz2, n.w2)
	rows, _ := dz1.Dims()
	for i := 0; i < rows; i++ {
		grad, pre := dz1.RawRowView(i), z1.RawRowView(i)
		for j := range grad {
			if pre[j] <= 0 {
				grad[j] = 0
			}
		}
	}

	var gw1 mat.Dense
	gw1.Mul(dz1.T(), x)
	gb1 := columnSums(&dz1)

	lr := n.cfg.LearningRate
	gw2.Scale(lr, &gw2)
	n.w2.Sub(n.w2, &gw2)
	n.b2.AddScaledVec(n.b2, -lr, gb2)
	gw1.Scale(lr, &gw1)
	n.w1.Sub(n.w1, &gw1)
	n.b1.AddScaledVec(n.b1, -lr, gb1)
}

// evaluate returns the mean cross-entropy and accuracy over the set.
func (n *Network) evaluate(x *mat.Dense, labels []int) (loss, accuracy float64) {
	_, _, probs := n.forward(x)
	var right int
	for i, label := range labels {
		row := probs.RawRowView(i)
		loss -= math.Log(math.Max(row[label], 1e-12))
		if argmax(row) == label {
			right++
		}
	}
	total := float64(len(labels))
	return loss / total, float64(right) / total
}

func addBias(m *mat.Dense, b *mat.VecDense) {
	rows, cols := m.Dims()
	for i := 0; i < rows; i++ {
		row := m.RawRowView(i)
		for j := 0; j < cols; j++ {
			row[j] += b.AtVec(j)
		}
	}
}

func columnSums(m *mat.Dense) *mat.VecDense {
	rows, cols := m.Dims()
	sums := make([]float64, cols)
	for i := 0; i < rows; i++ {
		for j, v := range m.RawRowView(i) {
			sums[j] += v
		}
	}
	return mat.NewVecDense(cols, sums)
}

func argmax(row []float64) int {
	best := 0
	for j, v := range row {
		if v > row[best] {
			best = j
		}
	}
	return best
}

func softmax(row []float64) {
	peak := maxOf(row)
	var sum float64
	for j, v := range row {
		row[j] = math.Exp(v - peak)
		sum += row[j]
	}
	for j := range row {
		row[j] /= sum
	}
}

func maxOf(row []float64) float64 {
	peak := math.Inf(-1)
	for _, v := range row {
		if v > peak {
			peak = v
		}
	}
	return peak
}
