package awq

import (
	"fmt"

	"github.com/samcharles93/awq/internal/model"
	"github.com/samcharles93/awq/internal/nn"
	"github.com/samcharles93/awq/internal/tensor"
)

// applyScale folds s into the group: Prev's output is divided by s, the input
// columns of every consumer multiplied by it, and the captured inputs of the
// consumers divided so later searches see the activations the scaled
// network produces.
func applyScale(g *model.ScalingGroup, s []float32, feats model.Features) error {
	if g.Prev == nil {
		return fmt.Errorf("%w: group %s has no previous op", ErrAdapter, g.PrevName)
	}
	if err := g.Prev.DivScale(s); err != nil {
		return err
	}
	for _, l := range g.Layers {
		if err := l.MulScale(s); err != nil {
			return err
		}
		if !l.Weight.AllFinite() {
			return fmt.Errorf("%w: %s after scaling", ErrNumeric, l.Name)
		}
	}
	for _, l := range g.Layers {
		f := feats[l.Name]
		if f == nil {
			continue
		}
		if f.C != len(s) {
			return fmt.Errorf("%w: feature %s has %d channels, scale has %d", ErrAdapter, l.Name, f.C, len(s))
		}
		for i := 0; i < f.R; i++ {
			row := f.Row(i)
			for j := range row {
				row[j] /= s[j]
			}
		}
	}
	return nil
}

// applyClip clamps l to the searched thresholds.
func applyClip(l *nn.Linear, maxVal *tensor.Mat) error {
	if err := l.Clamp(maxVal); err != nil {
		return err
	}
	if !l.Weight.AllFinite() {
		return fmt.Errorf("%w: %s after clipping", ErrNumeric, l.Name)
	}
	return nil
}
