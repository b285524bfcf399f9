// Package nn holds the layer building blocks of the transformer networks the
// quantizer walks: linear projections, norms, activations, attention and the
// per-layer blocks that compose them.
//
// Activations are *tensor.Mat values with one row per token and the samples of
// a batch stacked one after another. Everything a block needs beyond its input
// (attention mask, positions) travels in Kwargs.
package nn

import (
	"slices"

	"github.com/samcharles93/awq/internal/tensor"
)

// Well-known keyword argument names.
const (
	KwAttentionMask = "attention_mask" // *tensor.Mat [batch x seq], 1 = keep, 0 = pad
	KwPositionIDs   = "position_ids"   // []int, one entry per sequence position
	KwUseCache      = "use_cache"      // bool, accepted and ignored
	KwInputIDs      = "input_ids"      // [][]int, only present before entry capture
)

// Kwargs carries the keyword arguments of a forward call.
type Kwargs map[string]any

// Clone returns a shallow copy of kw.
func (kw Kwargs) Clone() Kwargs {
	out := make(Kwargs, len(kw))
	for k, v := range kw {
		out[k] = v
	}
	return out
}

// Without returns a copy of kw with the given keys removed.
func (kw Kwargs) Without(keys ...string) Kwargs {
	out := kw.Clone()
	for _, k := range keys {
		delete(out, k)
	}
	return out
}

// Mask returns the padding mask, or nil when every position is valid.
func (kw Kwargs) Mask() *tensor.Mat {
	m, _ := kw[KwAttentionMask].(*tensor.Mat)
	return m
}

// Positions returns the position ids, or nil.
func (kw Kwargs) Positions() []int {
	p, _ := kw[KwPositionIDs].([]int)
	return p
}

// SeqLen reports the per-sample sequence length implied by the mask or the
// position ids.
func (kw Kwargs) SeqLen() (int, bool) {
	if m := kw.Mask(); m != nil && m.C > 0 {
		return m.C, true
	}
	if p := kw.Positions(); len(p) > 0 {
		return len(p), true
	}
	return 0, false
}

// Module is anything the quantizer can replay a forward pass through.
type Module interface {
	Forward(x *tensor.Mat, kw Kwargs) (*tensor.Mat, error)
	// ForwardArgs lists the keyword arguments Forward understands.
	ForwardArgs() []string
}

// Sanitize filters kw down to the names m accepts.
func Sanitize(kw Kwargs, m Module) Kwargs {
	accepted := m.ForwardArgs()
	out := make(Kwargs, len(accepted))
	for k, v := range kw {
		if slices.Contains(accepted, k) {
			out[k] = v
		}
	}
	return out
}

// Hook observes the first positional input delivered to a module.
type Hook func(x *tensor.Mat)

// Observable modules accept input observers. The returned func removes the
// observer.
type Observable interface {
	Module
	Observe(h Hook) (remove func())
}

// Scalable is an operation that can absorb the inverse of a per-channel
// scale on its output, so the consumers of that output can be multiplied by
// the same scale without changing the product.
type Scalable interface {
	DivScale(s []float32) error
}

// observers is an ordered set of hooks embedded by observable modules.
type observers struct {
	next  int
	hooks map[int]Hook
}

func (o *observers) Observe(h Hook) func() {
	if o.hooks == nil {
		o.hooks = make(map[int]Hook)
	}
	id := o.next
	o.next++
	o.hooks[id] = h
	return func() { delete(o.hooks, id) }
}

func (o *observers) notify(x *tensor.Mat) {
	if len(o.hooks) == 0 {
		return
	}
	ids := make([]int, 0, len(o.hooks))
	for id := range o.hooks {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	for _, id := range ids {
		o.hooks[id](x)
	}
}
