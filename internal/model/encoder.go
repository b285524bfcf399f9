package model

import (
	"fmt"

	"github.com/samcharles93/awq/internal/calib"
	"github.com/samcharles93/awq/internal/device"
	"github.com/samcharles93/awq/internal/nn"
	"github.com/samcharles93/awq/internal/tensor"
)

// Encoder is a BERT style bidirectional network: summed word, position and
// token type embeddings followed by LayerNorm and a stack of post-norm
// blocks. Classification heads and poolers are carried through unchanged.
type Encoder struct {
	spec *archSpec
	cfg  *hfConfig

	Word      *tensor.Mat
	Position  *tensor.Mat
	TokenType *tensor.Mat // may be nil
	EmbedNorm *nn.LayerNorm
	Blocks    []*nn.EncoderLayer

	embedDev device.Device
	rest     *passthrough
}

func (e *Encoder) Type() string { return e.spec.Name }

func (e *Encoder) Layers() []Layer {
	out := make([]Layer, len(e.Blocks))
	for i, b := range e.Blocks {
		out[i] = b
	}
	return out
}

func (e *Encoder) LayerName(i int) string { return e.spec.Names.layer(i) }

func (e *Encoder) MoveEmbed(dev device.Device) { e.embedDev = dev }

// EmbedDevice returns where the embedding tables currently live.
func (e *Encoder) EmbedDevice() device.Device { return e.embedDev }

func (e *Encoder) Causal() bool { return false }

func (e *Encoder) PadID() int {
	if e.cfg.PadTokenID != nil {
		return *e.cfg.PadTokenID
	}
	return -1
}

func (e *Encoder) CaptureEntry(b *calib.Batch) (*Entry, error) {
	ent, _, err := e.run(b, true)
	return ent, err
}

func (e *Encoder) Forward(b *calib.Batch) (*tensor.Mat, error) {
	_, h, err := e.run(b, false)
	return h, err
}

// run embeds b and, unless stop is set, runs every block. The attention mask
// is always present so blocks can recover the sequence length from it.
func (e *Encoder) run(b *calib.Batch, stop bool) (*Entry, *tensor.Mat, error) {
	if b == nil || b.Samples() == 0 {
		return nil, nil, fmt.Errorf("model: empty batch")
	}
	mask := b.Mask
	if mask == nil {
		mask = tensor.NewMat(b.Samples(), b.SeqLen)
		for i := range mask.Data {
			mask.Data[i] = 1
		}
	}
	h, err := e.embed(b.IDs, mask)
	if err != nil {
		return nil, nil, err
	}
	kw := nn.Kwargs{nn.KwInputIDs: b.IDs, nn.KwAttentionMask: mask}
	if stop {
		return &Entry{Hidden: h, Kwargs: kw}, nil, nil
	}
	for i, blk := range e.Blocks {
		if h, err = blk.Forward(h, nn.Sanitize(kw, blk)); err != nil {
			return nil, nil, fmt.Errorf("%s: %w", e.LayerName(i), err)
		}
	}
	return nil, h, nil
}

func (e *Encoder) embed(ids [][]int, mask *tensor.Mat) (*tensor.Mat, error) {
	h, err := embedRows(e.Word, ids)
	if err != nil {
		return nil, err
	}
	pad := max(e.PadID(), 0)
	seq := len(ids[0])
	for s := range ids {
		next := pad + 1
		keep := mask.Row(s)
		for t := 0; t < seq; t++ {
			p := t
			if e.spec.PositionOffset {
				// Padding sits at the padding index; real tokens count up from
				// just past it.
				p = pad
				if keep[t] != 0 {
					p = next
					next++
				}
			}
			if p >= e.Position.R {
				return nil, fmt.Errorf("model: position %d beyond %d learned positions", p, e.Position.R)
			}
			row := h.Row(s*seq + t)
			tensor.Add(row, e.Position.Row(p))
			if e.TokenType != nil {
				tensor.Add(row, e.TokenType.Row(0))
			}
		}
	}
	return e.EmbedNorm.Forward(h, nil)
}

// ScalingGroups covers the two scalable boundaries of a post-norm block: the
// value projection into the attention output, and the intermediate
// activation into the output projection. Query, key, value and the
// intermediate projection are quantized without rescaling since a LayerNorm
// on the residual path precedes them.
func (e *Encoder) ScalingGroups(i int, feats Features, kw nn.Kwargs) ([]ScalingGroup, error) {
	if i < 0 || i >= len(e.Blocks) {
		return nil, fmt.Errorf("model: layer %d out of range", i)
	}
	blk := e.Blocks[i]
	var groups []ScalingGroup
	if blk.Attn.V.Out() == blk.AttnOut.In() {
		in := feats[blk.AttnOut.Name]
		if in == nil {
			return nil, fmt.Errorf("%w: %s.%s", ErrMissingFeature, e.LayerName(i), blk.AttnOut.Name)
		}
		groups = append(groups, ScalingGroup{
			PrevName: blk.Attn.V.Name,
			Prev:     blk.Attn.V,
			Layers:   []*nn.Linear{blk.AttnOut},
			Input:    in,
		})
	}
	in := feats[blk.Output.Name]
	if in == nil {
		return nil, fmt.Errorf("%w: %s.%s", ErrMissingFeature, e.LayerName(i), blk.Output.Name)
	}
	groups = append(groups, ScalingGroup{
		PrevName: blk.Act.Name,
		Prev:     blk.Act,
		Layers:   []*nn.Linear{blk.Output},
		Input:    in,
	})
	return groups, nil
}

func (e *Encoder) params() []param {
	p := e.spec.embedPrefix()
	ps := []param{
		{name: e.spec.Names.embedding, shape: []int{e.Word.R, e.Word.C}, data: e.Word.Flat()},
		{name: p + "position_embeddings.weight", shape: []int{e.Position.R, e.Position.C}, data: e.Position.Flat()},
	}
	if e.TokenType != nil {
		ps = append(ps, param{name: p + "token_type_embeddings.weight", shape: []int{e.TokenType.R, e.TokenType.C}, data: e.TokenType.Flat()})
	}
	ps = append(ps, normParams(p+"LayerNorm", e.EmbedNorm)...)
	for i, blk := range e.Blocks {
		lp := e.LayerName(i) + "."
		ps = append(ps, normParams(lp+blk.AttnNorm.Name, blk.AttnNorm)...)
		ps = append(ps, normParams(lp+blk.OutNorm.Name, blk.OutNorm)...)
		if blk.Act.Scales != nil {
			ps = append(ps, param{name: lp + blk.Act.Name + ".scales", shape: []int{len(blk.Act.Scales)}, data: blk.Act.Scales})
		}
	}
	return ps
}

func (e *Encoder) extra() *passthrough { return e.rest }

func normParams(name string, n *nn.LayerNorm) []param {
	ps := []param{{name: name + ".weight", shape: []int{len(n.Weight)}, data: n.Weight}}
	if n.Bias != nil {
		ps = append(ps, param{name: name + ".bias", shape: []int{len(n.Bias)}, data: n.Bias})
	}
	return ps
}
