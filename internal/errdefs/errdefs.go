// Package errdefs defines the error kinds surfaced by the digitpad core.
//
// Errors returned by the core wrap exactly one of the sentinels below, so callers
// can classify them with errors.Is or KindOf.
package errdefs

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidInput reports a malformed bitmap (zero size, bad channel count, short pixel buffer).
	ErrInvalidInput = errors.New("invalid input")

	// ErrCorruptAsset reports a corpus image that could not be decoded.
	ErrCorruptAsset = errors.New("corrupt asset")

	// ErrPersistence reports a failed disk write (image or model).
	ErrPersistence = errors.New("persistence error")

	// ErrModelState reports a model file that is present but undecodable.
	ErrModelState = errors.New("model state error")

	// ErrInvalidLabel reports a label outside the class range.
	ErrInvalidLabel = errors.New("invalid label")

	// ErrInvalidTransition reports a feedback operation not allowed in the current state.
	ErrInvalidTransition = errors.New("invalid transition")
)

// Kind is a stable, serializable error classification.
type Kind string

const (
	KindNone              Kind = ""
	KindInvalidInput      Kind = "invalid_input"
	KindCorruptAsset      Kind = "corrupt_asset"
	KindPersistence       Kind = "persistence"
	KindModelState        Kind = "model_state"
	KindInvalidLabel      Kind = "invalid_label"
	KindInvalidTransition Kind = "invalid_transition"
	KindInternal          Kind = "internal"
)

var kinds = []struct {
	err  error
	kind Kind
}{
	{ErrInvalidInput, KindInvalidInput},
	{ErrCorruptAsset, KindCorruptAsset},
	{ErrPersistence, KindPersistence},
	{ErrModelState, KindModelState},
	{ErrInvalidLabel, KindInvalidLabel},
	{ErrInvalidTransition, KindInvalidTransition},
}

// KindOf classifies err. Unknown errors are KindInternal, nil is KindNone.
func KindOf(err error) Kind {
	if err == nil {
		return KindNone
	}
	for _, k := range kinds {
		if errors.Is(err, k.err) {
			return k.kind
		}
	}
	return KindInternal
}

// Wrap attaches the sentinel kind to cause.
func Wrap(kind, cause error) error {
	if cause == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", kind, cause)
}

// Newf builds an error of the given kind from a format string.
func Newf(kind error, format string, args ...any) error {
	return fmt.Errorf("%w: %s", kind, fmt.Sprintf(format, args...))
}
