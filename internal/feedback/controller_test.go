package feedback

import (
	"errors"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Brownie44l1/digitpad/internal/dataset"
	"github.com/Brownie44l1/digitpad/internal/errdefs"
	"github.com/Brownie44l1/digitpad/internal/fs"
	"github.com/Brownie44l1/digitpad/internal/metrics"
	"github.com/Brownie44l1/digitpad/internal/model"
	"github.com/Brownie44l1/digitpad/internal/tensor"
)

type fakeData struct {
	labels      []int
	appends     int
	appendErr   error
	truncateErr error
}

func (d *fakeData) Len() int { return len(d.labels) }
func (d *fakeData) At(i int) (tensor.Tensor, int) {
	return tensor.Tensor{Side: 28, Data: make([]float32, 28*28)}, d.labels[i]
}

func (d *fakeData) Append(_ tensor.Bitmap, label int) (string, error) {
	if d.appendErr != nil {
		return "", d.appendErr
	}
	d.appends++
	d.labels = append(d.labels, label)
	return filepath.Join("corpus", "x.png"), nil
}

func (d *fakeData) Truncate(n int) error {
	d.labels = d.labels[:n]
	return d.truncateErr
}

type fakeClassifier struct {
	label   int
	fits    int
	saves   []string
	fitErr  error
	saveErr error
}

func (c *fakeClassifier) Predict(batch []tensor.Tensor) ([]model.Prediction, error) {
	out := make([]model.Prediction, len(batch))
	for i := range out {
		out[i] = model.Prediction{Label: c.label, Confidence: 0.8}
	}
	return out, nil
}

func (c *fakeClassifier) Fit(set model.TrainingSet) (model.FitStats, error) {
	if c.fitErr != nil {
		return model.FitStats{}, c.fitErr
	}
	c.fits++
	return model.FitStats{Samples: set.Len(), Accuracy: 1}, nil
}

func (c *fakeClassifier) Save(path string) error {
	if c.saveErr != nil {
		return c.saveErr
	}
	c.saves = append(c.saves, path)
	return nil
}

type verdicts struct {
	metrics.Noop
	got []string
}

func (v *verdicts) RecordVerdict(s string) { v.got = append(v.got, s) }

func digit() tensor.Bitmap {
	b := tensor.NewBitmap(60, 60, 3)
	for y := 10; y < 50; y++ {
		b.Set(30, y, 255, 255, 255)
	}
	return b
}

func setup() (*Controller, *fakeData, *fakeClassifier) {
	data := &fakeData{}
	clf := &fakeClassifier{label: 7}
	return New(tensor.NewCodec(28), data, clf, "model.dg"), data, clf
}

func TestConfirmFromIdleRejected(t *testing.T) {
	c, data, clf := setup()

	_, err := c.Confirm()
	require.ErrorIs(t, err, errdefs.ErrInvalidTransition)
	assert.Equal(t, Idle, c.State())
	assert.Zero(t, data.Len())
	assert.Zero(t, clf.fits)
}

func TestTransitionTable(t *testing.T) {
	c, _, _ := setup()

	require.ErrorIs(t, c.Reject(), errdefs.ErrInvalidTransition)
	_, err := c.ProvideLabel(3)
	require.ErrorIs(t, err, errdefs.ErrInvalidTransition)

	_, err = c.SubmitStroke(digit())
	require.NoError(t, err)
	assert.Equal(t, Predicted, c.State())

	_, err = c.ProvideLabel(3)
	require.ErrorIs(t, err, errdefs.ErrInvalidTransition)
	assert.Equal(t, Predicted, c.State())

	require.NoError(t, c.Reject())
	assert.Equal(t, Correcting, c.State())

	_, err = c.Confirm()
	require.ErrorIs(t, err, errdefs.ErrInvalidTransition)
	require.ErrorIs(t, c.Reject(), errdefs.ErrInvalidTransition)
	assert.Equal(t, Correcting, c.State())
}

func TestConfirmLearnsPredictedLabel(t *testing.T) {
	c, data, clf := setup()

	pred, err := c.SubmitStroke(digit())
	require.NoError(t, err)
	assert.Equal(t, 7, pred.Label)

	got, ok := c.Pending()
	require.True(t, ok)
	assert.Equal(t, pred, got)

	out, err := c.Confirm()
	require.NoError(t, err)
	assert.Equal(t, 7, out.Label)
	assert.False(t, out.Corrected)
	assert.Equal(t, 1, out.DatasetSize)

	assert.Equal(t, []int{7}, data.labels)
	assert.Equal(t, 1, clf.fits)
	assert.Equal(t, []string{"model.dg"}, clf.saves)
	assert.Equal(t, Idle, c.State())
	_, ok = c.Pending()
	assert.False(t, ok)
}

func TestRejectThenLabel(t *testing.T) {
	c, data, _ := setup()

	_, err := c.SubmitStroke(digit())
	require.NoError(t, err)
	require.NoError(t, c.Reject())

	_, err = c.ProvideLabel(10)
	require.ErrorIs(t, err, errdefs.ErrInvalidLabel)
	_, err = c.ProvideLabel(-1)
	require.ErrorIs(t, err, errdefs.ErrInvalidLabel)
	assert.Equal(t, Correcting, c.State())
	assert.Zero(t, data.Len())

	out, err := c.ProvideLabel(1)
	require.NoError(t, err)
	assert.Equal(t, 1, out.Label)
	assert.Equal(t, 7, out.Predicted)
	assert.True(t, out.Corrected)
	assert.Equal(t, []int{1}, data.labels)
	assert.Equal(t, Idle, c.State())
}

func TestSubmitAbandonsPending(t *testing.T) {
	data := &fakeData{}
	clf := &fakeClassifier{label: 2}
	rec := &verdicts{}
	c := New(tensor.NewCodec(28), data, clf, "model.dg", WithMetrics(rec))

	_, err := c.SubmitStroke(digit())
	require.NoError(t, err)
	require.NoError(t, c.Reject())

	_, err = c.SubmitStroke(digit())
	require.NoError(t, err)
	assert.Equal(t, Predicted, c.State())
	assert.Zero(t, data.Len())
	assert.Zero(t, clf.fits)

	_, err = c.Confirm()
	require.NoError(t, err)
	assert.Equal(t, []string{metrics.VerdictAbandoned, metrics.VerdictConfirmed}, rec.got)
}

func TestSubmitInvalidBitmapKeepsState(t *testing.T) {
	c, _, _ := setup()

	_, err := c.SubmitStroke(tensor.Bitmap{})
	require.ErrorIs(t, err, errdefs.ErrInvalidInput)
	assert.Equal(t, Idle, c.State())

	_, err = c.SubmitStroke(digit())
	require.NoError(t, err)
	_, err = c.SubmitStroke(tensor.Bitmap{Width: 0, Height: 5, Channels: 3})
	require.ErrorIs(t, err, errdefs.ErrInvalidInput)
	assert.Equal(t, Predicted, c.State())
}

func TestAppendFailureKeepsState(t *testing.T) {
	c, data, clf := setup()
	data.appendErr = errdefs.Wrap(errdefs.ErrPersistence, errors.New("disk full"))

	_, err := c.SubmitStroke(digit())
	require.NoError(t, err)

	_, err = c.Confirm()
	require.ErrorIs(t, err, errdefs.ErrPersistence)
	assert.Equal(t, Predicted, c.State())
	assert.Zero(t, clf.fits)

	data.appendErr = nil
	_, err = c.Confirm()
	require.NoError(t, err)
	assert.Equal(t, []int{7}, data.labels)
}

func TestSaveFailureRollsBackAndRetries(t *testing.T) {
	c, data, clf := setup()
	clf.saveErr = errdefs.Wrap(errdefs.ErrPersistence, errors.New("read-only"))

	_, err := c.SubmitStroke(digit())
	require.NoError(t, err)
	require.NoError(t, c.Reject())

	_, err = c.ProvideLabel(4)
	require.ErrorIs(t, err, errdefs.ErrPersistence)
	assert.Equal(t, Correcting, c.State())
	assert.Empty(t, data.labels)

	clf.saveErr = nil
	out, err := c.ProvideLabel(4)
	require.NoError(t, err)
	assert.Equal(t, []int{4}, data.labels)
	assert.Equal(t, 1, out.DatasetSize)
	assert.Equal(t, Idle, c.State())
}

func TestFailedConfirmThenCorrection(t *testing.T) {
	c, data, clf := setup()
	clf.saveErr = errdefs.Wrap(errdefs.ErrPersistence, errors.New("disk full"))

	_, err := c.SubmitStroke(digit())
	require.NoError(t, err)
	_, err = c.Confirm()
	require.ErrorIs(t, err, errdefs.ErrPersistence)
	assert.Equal(t, Predicted, c.State())
	assert.Empty(t, data.labels)

	clf.saveErr = nil
	require.NoError(t, c.Reject())
	out, err := c.ProvideLabel(3)
	require.NoError(t, err)
	assert.Equal(t, 3, out.Label)
	assert.Equal(t, 7, out.Predicted)
	assert.True(t, out.Corrected)
	assert.Equal(t, []int{3}, data.labels)
	assert.Equal(t, 2, data.appends)
}

func TestFailedCorrectionRetriedWithOtherLabel(t *testing.T) {
	c, data, clf := setup()
	clf.fitErr = errdefs.Newf(errdefs.ErrModelState, "diverged")

	_, err := c.SubmitStroke(digit())
	require.NoError(t, err)
	require.NoError(t, c.Reject())
	_, err = c.ProvideLabel(1)
	require.ErrorIs(t, err, errdefs.ErrModelState)
	assert.Empty(t, data.labels)

	clf.fitErr = nil
	out, err := c.ProvideLabel(2)
	require.NoError(t, err)
	assert.Equal(t, 2, out.Label)
	assert.Equal(t, []int{2}, data.labels)
}

func TestRollbackFailureIsReported(t *testing.T) {
	c, data, clf := setup()
	clf.saveErr = errdefs.Wrap(errdefs.ErrPersistence, errors.New("disk full"))
	data.truncateErr = errdefs.Wrap(errdefs.ErrPersistence, errors.New("busy"))

	_, err := c.SubmitStroke(digit())
	require.NoError(t, err)
	_, err = c.Confirm()
	require.ErrorIs(t, err, clf.saveErr)
	require.ErrorIs(t, err, data.truncateErr)
	assert.Equal(t, Predicted, c.State())
}

func TestFitFailureKeepsState(t *testing.T) {
	c, data, clf := setup()
	clf.fitErr = errdefs.Newf(errdefs.ErrModelState, "diverged")

	_, err := c.SubmitStroke(digit())
	require.NoError(t, err)
	_, err = c.Confirm()
	require.ErrorIs(t, err, errdefs.ErrModelState)
	assert.Equal(t, Predicted, c.State())
	assert.Empty(t, clf.saves)
	assert.Empty(t, data.labels)
}

func TestCloseSaves(t *testing.T) {
	c, _, clf := setup()
	_, err := c.SubmitStroke(digit())
	require.NoError(t, err)

	require.NoError(t, c.Close())
	assert.Equal(t, []string{"model.dg"}, clf.saves)
	assert.Equal(t, Idle, c.State())
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "idle", Idle.String())
	assert.Equal(t, "predicted", Predicted.String())
	assert.Equal(t, "correcting", Correcting.String())
	assert.Equal(t, "state(9)", State(9).String())
}

func TestFeedbackCycleEndToEnd(t *testing.T) {
	root := t.TempDir()
	modelPath := filepath.Join(root, "model.dg")
	codec := tensor.NewCodec(28)

	data, _, err := dataset.Load(filepath.Join(root, "corpus"), codec)
	require.NoError(t, err)

	cfg := model.DefaultConfig()
	cfg.Hidden, cfg.Epochs = 16, 2
	net, report, err := model.LoadOrInit(modelPath, cfg)
	require.NoError(t, err)
	require.True(t, report.Fresh)

	c := New(codec, data, net, modelPath)
	pred, err := c.SubmitStroke(digit())
	require.NoError(t, err)
	require.NoError(t, c.Reject())
	label := (pred.Label + 1) % 10
	out, err := c.ProvideLabel(label)
	require.NoError(t, err)
	assert.Equal(t, 1, data.Len())
	assert.Equal(t, uint64(1), out.Fit.Generation)

	files, err := dataset.ListImageFiles(fs.Default, filepath.Join(root, "corpus", strconv.Itoa(label)))
	require.NoError(t, err)
	assert.Len(t, files, 1)

	reloaded, report, err := model.LoadOrInit(modelPath, cfg)
	require.NoError(t, err)
	assert.False(t, report.Fresh)
	assert.Equal(t, uint64(1), reloaded.Metadata().Generation)

	x, _ := data.At(0)
	want, err := net.Predict([]tensor.Tensor{x})
	require.NoError(t, err)
	got, err := reloaded.Predict([]tensor.Tensor{x})
	require.NoError(t, err)
	assert.Equal(t, want[0].Label, got[0].Label)
	assert.InDelta(t, want[0].Confidence, got[0].Confidence, 1e-6)
}

func TestFailedSaveLeavesCorpusUntouched(t *testing.T) {
	root := t.TempDir()
	corpus := filepath.Join(root, "corpus")
	modelPath := filepath.Join(root, "models", "digits.dgnn")
	codec := tensor.NewCodec(28)

	data, _, err := dataset.Load(corpus, codec)
	require.NoError(t, err)

	faulty := fs.NewFaultyFS(nil)
	cfg := model.DefaultConfig()
	cfg.Hidden, cfg.Epochs = 8, 1
	net, _, err := model.LoadOrInit(modelPath, cfg, model.WithFileSystem(faulty))
	require.NoError(t, err)

	c := New(codec, data, net, modelPath)
	pred, err := c.SubmitStroke(digit())
	require.NoError(t, err)

	faulty.AddRule("digits.dgnn", fs.Fault{FailRename: true})
	_, err = c.Confirm()
	require.ErrorIs(t, err, errdefs.ErrPersistence)
	assert.Zero(t, data.Len())
	files, err := dataset.ListImageFiles(fs.Default, filepath.Join(corpus, strconv.Itoa(pred.Label)))
	require.NoError(t, err)
	assert.Empty(t, files)

	faulty.ClearRules()
	require.NoError(t, c.Reject())
	label := (pred.Label + 1) % 10
	_, err = c.ProvideLabel(label)
	require.NoError(t, err)

	reloaded, stats, err := dataset.Load(corpus, codec)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Loaded)
	assert.Equal(t, 1, reloaded.Counts()[label])
	assert.Zero(t, reloaded.Counts()[pred.Label])
	assert.FileExists(t, modelPath)
}
