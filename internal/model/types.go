package model

import (
	"time"

	"github.com/Brownie44l1/digitpad/internal/tensor"
)

// Metadata describes a persisted model. It is stored as the JSON header of the
// model file and checked against the running configuration on load.
type Metadata struct {
	InputShape     []int64  `json:"input_shape"`
	OutputShape    []int64  `json:"output_shape"`
	Classes        []string `json:"classes"`
	ImageSize      int      `json:"image_size"`
	Hidden         int      `json:"hidden"`
	Generation     uint64   `json:"generation"`
	TrainedSamples int      `json:"trained_samples"`
	Updated        string   `json:"updated,omitempty"`
}

// Prediction is the classification of one tensor.
type Prediction struct {
	Label         int       `json:"label"`
	Confidence    float32   `json:"confidence"`
	Probabilities []float32 `json:"probabilities"`
}

// FitStats summarizes one Fit call.
type FitStats struct {
	Samples    int           `json:"samples"`
	Epochs     int           `json:"epochs"`
	Loss       float64       `json:"loss"`
	Accuracy   float64       `json:"accuracy"`
	Generation uint64        `json:"generation"`
	Duration   time.Duration `json:"duration"`
}

// TrainingSet is a read-only, indexable labeled dataset.
type TrainingSet interface {
	Len() int
	At(i int) (tensor.Tensor, int)
}

// Classifier is the trainable image classifier capability the feedback loop
// depends on.
type Classifier interface {
	// Predict classifies every tensor of the batch.
	Predict(batch []tensor.Tensor) ([]Prediction, error)

	// Fit retrains over the entire set, warm-starting from the current weights.
	Fit(set TrainingSet) (FitStats, error)

	// Save atomically persists the parameters to path.
	Save(path string) error
}

// LoadReport tells how LoadOrInit obtained its model.
type LoadReport struct {
	Path  string
	Fresh bool
	// Err is the ErrModelState cause when a present model file was discarded.
	Err error
}
