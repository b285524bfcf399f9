package model

import (
	"fmt"

	"github.com/samcharles93/awq/internal/calib"
	"github.com/samcharles93/awq/internal/device"
	"github.com/samcharles93/awq/internal/nn"
	"github.com/samcharles93/awq/internal/tensor"
)

// Decoder is a causal language model: token embeddings, a stack of pre-norm
// blocks and a final RMSNorm. The LM head is carried through unchanged.
type Decoder struct {
	spec *archSpec
	cfg  *hfConfig

	Embed  *tensor.Mat
	Blocks []*nn.DecoderLayer
	Norm   *nn.RMSNorm

	embedDev device.Device
	rest     *passthrough
}

func (d *Decoder) Type() string { return d.spec.Name }

func (d *Decoder) Layers() []Layer {
	out := make([]Layer, len(d.Blocks))
	for i, b := range d.Blocks {
		out[i] = b
	}
	return out
}

func (d *Decoder) LayerName(i int) string { return d.spec.Names.layer(i) }

func (d *Decoder) MoveEmbed(dev device.Device) { d.embedDev = dev }

// EmbedDevice returns where the embedding table currently lives.
func (d *Decoder) EmbedDevice() device.Device { return d.embedDev }

func (d *Decoder) Causal() bool { return true }

func (d *Decoder) PadID() int {
	if d.cfg.PadTokenID != nil {
		return *d.cfg.PadTokenID
	}
	return -1
}

// ModulesToNotConvert names linears that must stay in full precision. The
// expert router of a sparse mixture is left alone.
func (d *Decoder) ModulesToNotConvert() []string {
	if d.spec.MoE {
		return []string{"gate"}
	}
	return nil
}

// PrepareInputsForGeneration adds position ids counting from zero unless kw
// already carries them.
func (d *Decoder) PrepareInputsForGeneration(ids [][]int, kw nn.Kwargs) nn.Kwargs {
	out := kw.Clone()
	if _, ok := out[nn.KwPositionIDs]; ok || len(ids) == 0 {
		return out
	}
	pos := make([]int, len(ids[0]))
	for i := range pos {
		pos[i] = i
	}
	out[nn.KwPositionIDs] = pos
	return out
}

func (d *Decoder) CaptureEntry(b *calib.Batch) (*Entry, error) {
	e, _, err := d.run(b, true)
	return e, err
}

func (d *Decoder) Forward(b *calib.Batch) (*tensor.Mat, error) {
	_, h, err := d.run(b, false)
	return h, err
}

// run embeds b and, unless stop is set, runs every block and the final norm.
// With stop set it returns the first block's input instead.
func (d *Decoder) run(b *calib.Batch, stop bool) (*Entry, *tensor.Mat, error) {
	if b == nil || b.Samples() == 0 {
		return nil, nil, fmt.Errorf("model: empty batch")
	}
	h, err := embedRows(d.Embed, b.IDs)
	if err != nil {
		return nil, nil, err
	}
	kw := nn.Kwargs{nn.KwInputIDs: b.IDs, nn.KwUseCache: false}
	if b.Mask != nil {
		kw[nn.KwAttentionMask] = b.Mask
	}
	if stop {
		return &Entry{Hidden: h, Kwargs: kw}, nil, nil
	}
	kw = d.PrepareInputsForGeneration(b.IDs, kw)
	for i, blk := range d.Blocks {
		if h, err = blk.Forward(h, nn.Sanitize(kw, blk)); err != nil {
			return nil, nil, fmt.Errorf("%s: %w", d.LayerName(i), err)
		}
	}
	h, err = d.Norm.Forward(h, nil)
	return nil, h, err
}

func (d *Decoder) ScalingGroups(i int, feats Features, kw nn.Kwargs) ([]ScalingGroup, error) {
	if i < 0 || i >= len(d.Blocks) {
		return nil, fmt.Errorf("model: layer %d out of range", i)
	}
	blk := d.Blocks[i]
	need := func(name string) (*tensor.Mat, error) {
		if f := feats[name]; f != nil {
			return f, nil
		}
		return nil, fmt.Errorf("%w: %s.%s", ErrMissingFeature, d.LayerName(i), name)
	}

	attn := blk.Attn
	in, err := need("self_attn.q_proj")
	if err != nil {
		return nil, err
	}
	groups := []ScalingGroup{{
		PrevName: "input_layernorm",
		Prev:     blk.InputNorm,
		Layers:   []*nn.Linear{attn.Q, attn.K, attn.V},
		Input:    in,
		Inspect:  attn,
		Kwargs:   kw,
	}}
	// With grouped-query attention v_proj is narrower than o_proj's input.
	if attn.V.Out() == attn.O.In() {
		if in, err = need("self_attn.o_proj"); err != nil {
			return nil, err
		}
		groups = append(groups, ScalingGroup{
			PrevName: "self_attn.v_proj",
			Prev:     attn.V,
			Layers:   []*nn.Linear{attn.O},
			Input:    in,
		})
	}

	if blk.MoE != nil {
		if in, err = need("block_sparse_moe"); err != nil {
			return nil, err
		}
		var up []*nn.Linear
		for _, e := range blk.MoE.Experts {
			up = append(up, e.W1, e.W3)
		}
		groups = append(groups, ScalingGroup{
			PrevName: "post_attention_layernorm",
			Prev:     blk.PostNorm,
			Layers:   up,
			Input:    in,
			Inspect:  blk.MoE,
		})
		for j, e := range blk.MoE.Experts {
			// Experts the router never picked have no inputs to search over.
			in := feats[e.W2.Name]
			if in == nil || in.R == 0 {
				continue
			}
			groups = append(groups, ScalingGroup{
				PrevName: fmt.Sprintf("block_sparse_moe.experts.%d.w3", j),
				Prev:     e.W3,
				Layers:   []*nn.Linear{e.W2},
				Input:    in,
			})
		}
		return groups, nil
	}

	mlp := blk.MLP
	if in, err = need("mlp.gate_proj"); err != nil {
		return nil, err
	}
	groups = append(groups, ScalingGroup{
		PrevName: "post_attention_layernorm",
		Prev:     blk.PostNorm,
		Layers:   []*nn.Linear{mlp.Gate, mlp.Up},
		Input:    in,
		Inspect:  mlp,
	})
	if in, err = need("mlp.down_proj"); err != nil {
		return nil, err
	}
	groups = append(groups, ScalingGroup{
		PrevName: "mlp.up_proj",
		Prev:     mlp.Up,
		Layers:   []*nn.Linear{mlp.Down},
		Input:    in,
	})
	return groups, nil
}

func (d *Decoder) params() []param {
	ps := []param{
		{name: d.spec.Names.embedding, shape: []int{d.Embed.R, d.Embed.C}, data: d.Embed.Flat()},
		{name: d.spec.Names.outputNorm, shape: []int{len(d.Norm.Weight)}, data: d.Norm.Weight},
	}
	for i, blk := range d.Blocks {
		p := d.LayerName(i) + "."
		ps = append(ps,
			param{name: p + "input_layernorm.weight", shape: []int{len(blk.InputNorm.Weight)}, data: blk.InputNorm.Weight},
			param{name: p + "post_attention_layernorm.weight", shape: []int{len(blk.PostNorm.Weight)}, data: blk.PostNorm.Weight},
		)
	}
	return ps
}

func (d *Decoder) extra() *passthrough { return d.rest }

// embedRows looks up one embedding row per token, samples stacked.
func embedRows(table *tensor.Mat, ids [][]int) (*tensor.Mat, error) {
	seq := len(ids[0])
	out := tensor.NewMat(len(ids)*seq, table.C)
	for s, row := range ids {
		if len(row) != seq {
			return nil, fmt.Errorf("model: sample %d has %d tokens, want %d", s, len(row), seq)
		}
		for t, id := range row {
			if id < 0 || id >= table.R {
				return nil, fmt.Errorf("model: token id %d out of vocabulary (%d)", id, table.R)
			}
			copy(out.Row(s*seq+t), table.Row(id))
		}
	}
	return out, nil
}
