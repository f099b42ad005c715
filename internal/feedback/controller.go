// Package feedback drives the classify, confirm-or-correct, retrain cycle.
package feedback

import (
	"errors"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/Brownie44l1/digitpad/internal/errdefs"
	"github.com/Brownie44l1/digitpad/internal/metrics"
	"github.com/Brownie44l1/digitpad/internal/model"
	"github.com/Brownie44l1/digitpad/internal/tensor"
)

// State is the controller state.
type State int

const (
	// Idle has no pending prediction.
	Idle State = iota
	// Predicted holds a prediction awaiting confirm or reject.
	Predicted
	// Correcting awaits the true label after a reject.
	Correcting
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Predicted:
		return "predicted"
	case Correcting:
		return "correcting"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Dataset is the growable labeled set the controller learns into.
type Dataset interface {
	model.TrainingSet
	Append(b tensor.Bitmap, label int) (string, error)
	// Truncate drops entries from index n on, in memory and on disk.
	Truncate(n int) error
}

// Encoder turns a bitmap into a classifier tensor.
type Encoder interface {
	Encode(b tensor.Bitmap) (tensor.Tensor, error)
}

// Outcome describes an applied verdict.
type Outcome struct {
	Label       int            `json:"label"`
	Predicted   int            `json:"predicted"`
	Corrected   bool           `json:"corrected"`
	File        string         `json:"file"`
	DatasetSize int            `json:"dataset_size"`
	Fit         model.FitStats `json:"fit"`
}

type pending struct {
	bitmap     tensor.Bitmap
	prediction model.Prediction
}

// Controller owns the session state: dataset, classifier and the pending
// prediction. All methods are serialized, so fit+save never overlaps a predict.
type Controller struct {
	mu sync.Mutex

	encoder   Encoder
	data      Dataset
	clf       model.Classifier
	modelPath string
	classes   int
	metrics   metrics.Recorder

	state   State
	pending *pending
}

// Option configures a Controller.
type Option func(*Controller)

// WithMetrics sets the metrics recorder.
func WithMetrics(r metrics.Recorder) Option {
	return func(c *Controller) {
		if r != nil {
			c.metrics = r
		}
	}
}

// WithClasses sets the valid label range [0, n).
func WithClasses(n int) Option {
	return func(c *Controller) { c.classes = n }
}

// New creates a controller in the Idle state. The classifier is saved to
// modelPath after every learning step and on Close.
func New(encoder Encoder, data Dataset, clf model.Classifier, modelPath string, opts ...Option) *Controller {
	c := &Controller{
		encoder:   encoder,
		data:      data,
		clf:       clf,
		modelPath: modelPath,
		classes:   10,
		metrics:   metrics.Noop{},
	}
	for _, opt := range opts {
		opt(c)
	}
	c.metrics.RecordDatasetSize(data.Len())
	return c
}

// State returns the current state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Pending returns the prediction awaiting a verdict, if any.
func (c *Controller) Pending() (model.Prediction, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pending == nil {
		return model.Prediction{}, false
	}
	return c.pending.prediction, true
}

// SubmitStroke classifies a finished stroke and holds the prediction for a
// verdict. A prediction still pending is abandoned without learning.
func (c *Controller) SubmitStroke(b tensor.Bitmap) (model.Prediction, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	t, err := c.encoder.Encode(b)
	if err != nil {
		return model.Prediction{}, err
	}
	preds, err := c.clf.Predict([]tensor.Tensor{t})
	if err != nil {
		return model.Prediction{}, err
	}
	if len(preds) != 1 {
		return model.Prediction{}, fmt.Errorf("classifier returned %d predictions for one stroke", len(preds))
	}

	if c.pending != nil {
		log.WithField("state", c.state).Debug("[Feedback] Abandoning pending prediction")
		c.metrics.RecordVerdict(metrics.VerdictAbandoned)
	}
	pix := make([]uint8, len(b.Pix))
	copy(pix, b.Pix)
	b.Pix = pix

	c.pending = &pending{bitmap: b, prediction: preds[0]}
	c.state = Predicted
	c.metrics.RecordPrediction(preds[0].Label, preds[0].Confidence)
	log.WithFields(log.Fields{
		"label":      preds[0].Label,
		"confidence": fmt.Sprintf("%.3f", preds[0].Confidence),
	}).Debug("[Feedback] Stroke classified")
	return preds[0], nil
}

// Confirm accepts the predicted label as ground truth and learns from it.
func (c *Controller) Confirm() (Outcome, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != Predicted {
		return Outcome{}, c.invalid("confirm")
	}
	return c.learn(c.pending.prediction.Label)
}

// Reject marks the prediction as wrong; the true label follows via ProvideLabel.
func (c *Controller) Reject() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != Predicted {
		return c.invalid("reject")
	}
	c.state = Correcting
	return nil
}

// ProvideLabel supplies the true label after a Reject and learns from it.
func (c *Controller) ProvideLabel(label int) (Outcome, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != Correcting {
		return Outcome{}, c.invalid("provide label")
	}
	if label < 0 || label >= c.classes {
		return Outcome{}, errdefs.Newf(errdefs.ErrInvalidLabel, "label %d outside [0, %d)", label, c.classes)
	}
	return c.learn(label)
}

// learn appends the pending stroke, retrains and saves. On failure the append
// is rolled back and the state is left as it was, so the verdict can be given
// again (with the same or another label).
func (c *Controller) learn(label int) (Outcome, error) {
	p := c.pending
	logger := log.WithFields(log.Fields{"label": label, "predicted": p.prediction.Label})

	before := c.data.Len()
	file, err := c.data.Append(p.bitmap, label)
	if err != nil {
		logger.Warn("[Feedback] Couldn't store sample: ", err)
		return Outcome{}, err
	}

	start := time.Now()
	stats, err := c.clf.Fit(c.data)
	c.metrics.RecordFit(c.data.Len(), time.Since(start), err)
	if err != nil {
		logger.Warn("[Feedback] Retraining failed: ", err)
		return Outcome{}, c.rollback(before, err)
	}
	if err := c.clf.Save(c.modelPath); err != nil {
		logger.Warn("[Feedback] Couldn't save model: ", err)
		return Outcome{}, c.rollback(before, err)
	}
	c.metrics.RecordDatasetSize(c.data.Len())

	out := Outcome{
		Label:       label,
		Predicted:   p.prediction.Label,
		Corrected:   c.state == Correcting,
		File:        file,
		DatasetSize: c.data.Len(),
		Fit:         stats,
	}
	if c.state == Correcting {
		c.metrics.RecordVerdict(metrics.VerdictCorrected)
	} else {
		c.metrics.RecordVerdict(metrics.VerdictConfirmed)
	}
	c.state = Idle
	c.pending = nil
	logger.WithFields(log.Fields{
		"samples":  out.DatasetSize,
		"accuracy": fmt.Sprintf("%.3f", stats.Accuracy),
	}).Info("[Feedback] Learned from verdict")
	return out, nil
}

// rollback restores the dataset to n entries and returns cause, joined with
// the rollback error if the dataset couldn't be fully restored.
func (c *Controller) rollback(n int, cause error) error {
	if err := c.data.Truncate(n); err != nil {
		log.WithField("size", n).Error("[Feedback] Couldn't roll back sample: ", err)
		return errors.Join(cause, err)
	}
	c.metrics.RecordDatasetSize(n)
	return cause
}

func (c *Controller) invalid(op string) error {
	return errdefs.Newf(errdefs.ErrInvalidTransition, "%s not allowed in state %s", op, c.state)
}

// Close saves the classifier a final time. A pending prediction is discarded.
func (c *Controller) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.pending = nil
	c.state = Idle
	return c.clf.Save(c.modelPath)
}
