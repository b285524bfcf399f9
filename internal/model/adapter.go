// Package model adapts transformer checkpoints to the quantizer: it loads
// Hugging Face safetensors checkpoints into nn blocks and describes, per
// architecture, which blocks are quantized and how their linears share
// inputs.
package model

import (
	"errors"

	"github.com/samcharles93/awq/internal/calib"
	"github.com/samcharles93/awq/internal/device"
	"github.com/samcharles93/awq/internal/nn"
	"github.com/samcharles93/awq/internal/tensor"
)

var (
	ErrMissingFeature = errors.New("model: no captured input for scaling group")
	ErrUnsupported    = errors.New("model: unsupported architecture")
)

// Entry is what the first quantized block would have received: its hidden
// state input and keyword arguments.
type Entry struct {
	Hidden *tensor.Mat
	Kwargs nn.Kwargs
}

// Features maps a linear's name (relative to its block) to every input row it
// saw during one forward pass over the calibration batch.
type Features map[string]*tensor.Mat

// Layer is one quantizable block.
type Layer interface {
	nn.Module
	// Linears returns the block's projections; names are block relative.
	Linears() []*nn.Linear
	To(d device.Device)
	Device() device.Device
}

// ScalingGroup is a set of linears that consume the same input, together with
// the operation producing that input. Dividing Prev's output by a scale and
// multiplying the columns of Layers by it leaves Inspect's output unchanged.
type ScalingGroup struct {
	PrevName string
	Prev     nn.Scalable
	Layers   []*nn.Linear
	// Input is the captured input shared by Layers.
	Input *tensor.Mat
	// Inspect is run for the reference output; nil means Layers[0].
	Inspect nn.Module
	Kwargs  nn.Kwargs
}

// Module returns the module evaluated during the scale search.
func (g *ScalingGroup) Module() nn.Module {
	if g.Inspect != nil {
		return g.Inspect
	}
	return g.Layers[0]
}

// Adapter is the capability set the quantizer needs from a network.
type Adapter interface {
	// Type is the Hugging Face model_type tag, e.g. "llama" or "mixtral".
	Type() string
	// Layers returns the quantizable blocks in depth order.
	Layers() []Layer
	// LayerName returns the checkpoint prefix of block i.
	LayerName(i int) string
	// CaptureEntry runs the network up to its first block and returns what
	// that block would have been called with. No block executes.
	CaptureEntry(b *calib.Batch) (*Entry, error)
	// MoveEmbed moves the embedding and pre-processing state to d.
	MoveEmbed(d device.Device)
	// ScalingGroups lists the scaling groups of block i given its captured
	// features and forward kwargs.
	ScalingGroups(i int, feats Features, kw nn.Kwargs) ([]ScalingGroup, error)
}

// GenerationPreparer is implemented by causal networks that derive extra
// forward arguments (positions) from the token ids before each call.
type GenerationPreparer interface {
	PrepareInputsForGeneration(ids [][]int, kw nn.Kwargs) nn.Kwargs
}

// Model is a loaded checkpoint.
type Model interface {
	Adapter
	// Forward runs the whole network and returns its final hidden state.
	Forward(b *calib.Batch) (*tensor.Mat, error)
	// PadID is the padding token the network was configured with, or -1.
	PadID() int
	// Causal reports whether calibration text should be concatenated into
	// full blocks (decoders) rather than padded per sample (encoders).
	Causal() bool

	params() []param
	extra() *passthrough
}
