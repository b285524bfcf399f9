package awq

import (
	"errors"
	"fmt"

	"github.com/samcharles93/awq/internal/model"
	"github.com/samcharles93/awq/internal/quant"
)

// Error kinds. Every error returned by a run matches exactly one of these
// with errors.Is.
var (
	ErrConfig        = errors.New("awq: invalid configuration")
	ErrNumeric       = errors.New("awq: numerical instability")
	ErrSearchFailure = errors.New("awq: scale search found no finite loss")
	ErrAdapter       = errors.New("awq: model adapter failure")
)

// Stage names the step of the per-layer pipeline that failed.
type Stage string

const (
	StageValidate   Stage = "validate"
	StageEntry      Stage = "entry_capture"
	StageCapture    Stage = "feature_capture"
	StageGroups     Stage = "scaling_groups"
	StageScale      Stage = "scale_search"
	StageApplyScale Stage = "apply_scale"
	StageClip       Stage = "clip_search"
	StageQuantize   Stage = "quantize"
)

// LayerError locates a failure within the run.
type LayerError struct {
	Layer int
	Name  string
	Group string
	Stage Stage
	Kind  error
	Err   error
}

func (e *LayerError) Error() string {
	where := fmt.Sprintf("layer %d (%s)", e.Layer, e.Name)
	if e.Group != "" {
		where += " group " + e.Group
	}
	return fmt.Sprintf("awq: %s: %s: %v", where, e.Stage, e.Err)
}

func (e *LayerError) Unwrap() []error {
	if e.Kind == nil {
		return []error{e.Err}
	}
	return []error{e.Kind, e.Err}
}

// kindOf maps an underlying error onto one of the run's error kinds.
func kindOf(err error) error {
	switch {
	case errors.Is(err, ErrConfig), errors.Is(err, ErrNumeric),
		errors.Is(err, ErrSearchFailure), errors.Is(err, ErrAdapter):
		// Already classified.
		return nil
	case errors.Is(err, quant.ErrGroupSize), errors.Is(err, quant.ErrBits), errors.Is(err, quant.ErrUnknownFormat):
		return ErrConfig
	case errors.Is(err, quant.ErrNonFinite):
		return ErrNumeric
	case errors.Is(err, model.ErrMissingFeature), errors.Is(err, model.ErrUnsupported):
		return ErrAdapter
	}
	return ErrAdapter
}
