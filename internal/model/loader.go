package model

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/goccy/go-json"

	"github.com/samcharles93/awq/internal/nn"
	"github.com/samcharles93/awq/internal/quant"
	"github.com/samcharles93/awq/internal/safetensors"
	"github.com/samcharles93/awq/internal/tensor"
)

// QuantConfigFile is the quant_config.json written next to a quantized
// checkpoint.
type QuantConfigFile struct {
	quant.Config `yaml:",inline"`
	Version      string   `json:"version" yaml:"version"`
	NotConvert   []string `json:"modules_to_not_convert" yaml:"modules_to_not_convert"`
}

// Load reads config.json and every safetensors shard in dir. Linears stored
// packed (qweight/qzeros/scales) are read back using quant_config.json.
func Load(dir string) (Model, error) {
	raw, err := os.ReadFile(filepath.Join(dir, "config.json"))
	if err != nil {
		return nil, err
	}
	cfg, err := loadHFConfigBytes(raw)
	if err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	st, err := safetensors.OpenDir(dir)
	if err != nil {
		return nil, err
	}
	spec, err := detectArch(cfg, st.Has)
	if err != nil {
		return nil, err
	}
	qc, err := ReadQuantConfig(dir)
	if err != nil {
		return nil, err
	}

	ld := &loader{st: st, used: make(map[string]bool), quant: qc}
	if spec.Causal {
		d, err := buildDecoder(ld, cfg, spec)
		if err != nil {
			return nil, err
		}
		if d.rest, err = ld.remaining(); err != nil {
			return nil, err
		}
		return d, nil
	}
	e, err := buildEncoder(ld, cfg, spec)
	if err != nil {
		return nil, err
	}
	if e.rest, err = ld.remaining(); err != nil {
		return nil, err
	}
	return e, nil
}

// ReadQuantConfig reads dir/quant_config.json; a missing file yields nil.
func ReadQuantConfig(dir string) (*QuantConfigFile, error) {
	raw, err := os.ReadFile(filepath.Join(dir, "quant_config.json"))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var qc QuantConfigFile
	if err := json.Unmarshal(raw, &qc); err != nil {
		return nil, fmt.Errorf("parse quant_config.json: %w", err)
	}
	return &qc, nil
}

type loader struct {
	st    *safetensors.Dir
	used  map[string]bool
	quant *QuantConfigFile
}

func (ld *loader) mat(name string, r, c int) (*tensor.Mat, error) {
	m, err := ld.st.ReadMat(name)
	if err != nil {
		return nil, err
	}
	if m.R != r || m.C != c {
		return nil, fmt.Errorf("tensor %s: shape %dx%d, want %dx%d", name, m.R, m.C, r, c)
	}
	ld.used[name] = true
	return m, nil
}

func (ld *loader) vec(name string, n int) ([]float32, error) {
	m, err := ld.mat(name, 1, n)
	if err != nil {
		return nil, err
	}
	return m.Data, nil
}

// optVec returns nil when name is absent.
func (ld *loader) optVec(name string, n int) ([]float32, error) {
	if !ld.st.Has(name) {
		return nil, nil
	}
	return ld.vec(name, n)
}

// linear loads prefix.rel as an out x in projection, either as a float
// weight or as a packed quantized one.
func (ld *loader) linear(prefix, rel string, out, in int) (*nn.Linear, error) {
	full := prefix + "." + rel
	bias, err := ld.optVec(full+".bias", out)
	if err != nil {
		return nil, err
	}
	if ld.st.Has(full + ".weight") {
		w, err := ld.mat(full+".weight", out, in)
		if err != nil {
			return nil, err
		}
		return nn.NewLinear(rel, w, bias), nil
	}
	if !ld.st.Has(full+".qweight") || ld.quant == nil {
		return nil, fmt.Errorf("tensor not found: %s.weight", full)
	}
	pk, err := ld.packed(full, out, in)
	if err != nil {
		return nil, err
	}
	l := &nn.Linear{Name: rel, Bias: bias}
	if err := l.LoadPacked(pk); err != nil {
		return nil, fmt.Errorf("%s: %w", full, err)
	}
	return l, nil
}

func (ld *loader) packed(full string, out, in int) (*quant.Packed, error) {
	f, err := quant.ParseFormat(ld.quant.Version)
	if err != nil {
		return nil, err
	}
	gs := ld.quant.GroupSize
	if gs <= 0 {
		gs = in
	}
	pk := &quant.Packed{Format: f, Bits: ld.quant.Bits, GroupSize: gs, Rows: out, Cols: in}

	qf, _ := ld.st.File(full + ".qweight")
	qw, info, err := qf.ReadTensorI32(full + ".qweight")
	if err != nil {
		return nil, err
	}
	if pk.QWeightShape, err = shape2(full+".qweight", info.Shape); err != nil {
		return nil, err
	}
	pk.QWeight = qw
	ld.used[full+".qweight"] = true

	sf, ok := ld.st.File(full + ".scales")
	if !ok {
		return nil, fmt.Errorf("tensor not found: %s.scales", full)
	}
	sc, info, err := sf.ReadTensorF16Bits(full + ".scales")
	if err != nil {
		return nil, err
	}
	if pk.ScalesShape, err = shape2(full+".scales", info.Shape); err != nil {
		return nil, err
	}
	pk.Scales = sc
	ld.used[full+".scales"] = true

	if zf, ok := ld.st.File(full + ".qzeros"); ok {
		qz, info, err := zf.ReadTensorI32(full + ".qzeros")
		if err != nil {
			return nil, err
		}
		if pk.QZerosShape, err = shape2(full+".qzeros", info.Shape); err != nil {
			return nil, err
		}
		pk.QZeros = qz
		ld.used[full+".qzeros"] = true
	}
	return pk, nil
}

func shape2(name string, shape []int) ([2]int, error) {
	if len(shape) != 2 {
		return [2]int{}, fmt.Errorf("tensor %s: want 2 dims, got %v", name, shape)
	}
	return [2]int{shape[0], shape[1]}, nil
}

// remaining collects every tensor no block claimed, verbatim.
func (ld *loader) remaining() (*passthrough, error) {
	p := &passthrough{}
	for _, name := range ld.st.Names() {
		if ld.used[name] {
			continue
		}
		raw, info, err := ld.st.ReadRaw(name)
		if err != nil {
			return nil, err
		}
		p.tensors = append(p.tensors, rawTensor{name: name, dtype: info.DType, shape: info.Shape, data: raw})
	}
	return p, nil
}

func buildDecoder(ld *loader, cfg *hfConfig, spec *archSpec) (*Decoder, error) {
	act, err := nn.ParseActivation(orDefault(cfg.HiddenAct, "silu"))
	if err != nil {
		return nil, err
	}
	hidden, ffn := cfg.HiddenSize, cfg.IntermediateSize
	qDim, kvDim := cfg.NumAttentionHeads*cfg.HeadDim, cfg.NumKeyValueHeads*cfg.HeadDim
	eps := float32(orDefaultF(cfg.RMSNormEps, 1e-6))
	theta := orDefaultF(cfg.RopeTheta, 10000)
	if cfg.RopeParameters != nil && cfg.RopeParameters.RopeTheta != nil && cfg.RopeTheta == 0 {
		theta = *cfg.RopeParameters.RopeTheta
	}
	rp, err := ropeForConfig(cfg, cfg.HeadDim, theta)
	if err != nil {
		return nil, err
	}

	d := &Decoder{spec: spec, cfg: cfg}
	if d.Embed, err = ld.st.ReadMat(spec.Names.embedding); err != nil {
		return nil, err
	}
	if d.Embed.C != hidden {
		return nil, fmt.Errorf("tensor %s: width %d, want %d", spec.Names.embedding, d.Embed.C, hidden)
	}
	ld.used[spec.Names.embedding] = true
	norm, err := ld.vec(spec.Names.outputNorm, hidden)
	if err != nil {
		return nil, err
	}
	d.Norm = &nn.RMSNorm{Name: "norm", Weight: norm, Eps: eps}

	for i := 0; i < cfg.NumHiddenLayers; i++ {
		p := spec.Names.layer(i)
		blk := &nn.DecoderLayer{}
		lin := func(rel string, out, in int) *nn.Linear {
			if err != nil {
				return nil
			}
			var l *nn.Linear
			l, err = ld.linear(p, rel, out, in)
			return l
		}
		normW := func(rel string) *nn.RMSNorm {
			if err != nil {
				return nil
			}
			var w []float32
			w, err = ld.vec(p+"."+rel+".weight", hidden)
			return &nn.RMSNorm{Name: rel, Weight: w, Eps: eps}
		}
		blk.InputNorm = normW("input_layernorm")
		blk.PostNorm = normW("post_attention_layernorm")
		blk.Attn = &nn.Attention{
			Q:         lin("self_attn.q_proj", qDim, hidden),
			K:         lin("self_attn.k_proj", kvDim, hidden),
			V:         lin("self_attn.v_proj", kvDim, hidden),
			O:         lin("self_attn.o_proj", hidden, qDim),
			Heads:     cfg.NumAttentionHeads,
			KVHeads:   cfg.NumKeyValueHeads,
			HeadDim:   cfg.HeadDim,
			Causal:         true,
			RopeTheta:      theta,
			InvFreq:        rp.invFreq,
			RopeAttnFactor: rp.attn,
		}
		if spec.MoE {
			moe := &nn.SparseMoE{
				Router: lin("block_sparse_moe.gate", cfg.NumLocalExperts, hidden),
				TopK:   cfg.NumExpertsPerTok,
			}
			for j := 0; j < cfg.NumLocalExperts; j++ {
				ep := fmt.Sprintf("block_sparse_moe.experts.%d.", j)
				moe.Experts = append(moe.Experts, &nn.Expert{
					W1: lin(ep+"w1", ffn, hidden),
					W2: lin(ep+"w2", hidden, ffn),
					W3: lin(ep+"w3", ffn, hidden),
				})
			}
			blk.MoE = moe
		} else {
			blk.MLP = &nn.GatedMLP{
				Gate: lin("mlp.gate_proj", ffn, hidden),
				Up:   lin("mlp.up_proj", ffn, hidden),
				Down: lin("mlp.down_proj", hidden, ffn),
				Act:  act,
			}
		}
		if err != nil {
			return nil, fmt.Errorf("%s: %w", p, err)
		}
		d.Blocks = append(d.Blocks, blk)
	}
	return d, nil
}

func buildEncoder(ld *loader, cfg *hfConfig, spec *archSpec) (*Encoder, error) {
	act, err := nn.ParseActivation(orDefault(cfg.HiddenAct, "gelu"))
	if err != nil {
		return nil, err
	}
	hidden, ffn := cfg.HiddenSize, cfg.IntermediateSize
	eps := float32(orDefaultF(cfg.LayerNormEps, 1e-12))
	pre := spec.embedPrefix()

	e := &Encoder{spec: spec, cfg: cfg}
	if e.Word, err = ld.st.ReadMat(spec.Names.embedding); err != nil {
		return nil, err
	}
	if e.Word.C != hidden {
		return nil, fmt.Errorf("tensor %s: width %d, want %d", spec.Names.embedding, e.Word.C, hidden)
	}
	ld.used[spec.Names.embedding] = true
	if e.Position, err = ld.mat(pre+"position_embeddings.weight", cfg.MaxPositionEmbeddings, hidden); err != nil {
		return nil, err
	}
	if ld.st.Has(pre + "token_type_embeddings.weight") {
		if e.TokenType, err = ld.mat(pre+"token_type_embeddings.weight", max(cfg.TypeVocabSize, 1), hidden); err != nil {
			return nil, err
		}
	}
	layerNorm := func(name string) (*nn.LayerNorm, error) {
		w, err := ld.vec(name+".weight", hidden)
		if err != nil {
			return nil, err
		}
		b, err := ld.optVec(name+".bias", hidden)
		if err != nil {
			return nil, err
		}
		return &nn.LayerNorm{Name: name, Weight: w, Bias: b, Eps: eps}, nil
	}
	if e.EmbedNorm, err = layerNorm(pre + "LayerNorm"); err != nil {
		return nil, err
	}

	for i := 0; i < cfg.NumHiddenLayers; i++ {
		p := spec.Names.layer(i)
		lin := func(rel string, out, in int) *nn.Linear {
			if err != nil {
				return nil
			}
			var l *nn.Linear
			l, err = ld.linear(p, rel, out, in)
			return l
		}
		norm := func(rel string) *nn.LayerNorm {
			if err != nil {
				return nil
			}
			var n *nn.LayerNorm
			if n, err = layerNorm(p + "." + rel); n != nil {
				n.Name = rel
			}
			return n
		}
		blk := &nn.EncoderLayer{
			Attn: &nn.Attention{
				Q:       lin("attention.self.query", hidden, hidden),
				K:       lin("attention.self.key", hidden, hidden),
				V:       lin("attention.self.value", hidden, hidden),
				Heads:   cfg.NumAttentionHeads,
				KVHeads: cfg.NumAttentionHeads,
				HeadDim: cfg.HeadDim,
			},
			AttnOut:      lin("attention.output.dense", hidden, hidden),
			AttnNorm:     norm("attention.output.LayerNorm"),
			Intermediate: lin("intermediate.dense", ffn, hidden),
			Act:          &nn.ScaledActivation{Name: "intermediate.act", Act: act},
			Output:       lin("output.dense", hidden, ffn),
			OutNorm:      norm("output.LayerNorm"),
		}
		if err == nil {
			blk.Act.Scales, err = ld.optVec(p+".intermediate.act.scales", ffn)
		}
		if err != nil {
			return nil, fmt.Errorf("%s: %w", p, err)
		}
		e.Blocks = append(e.Blocks, blk)
	}
	return e, nil
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

func orDefaultF(v, def float64) float64 {
	if v == 0 {
		return def
	}
	return v
}
