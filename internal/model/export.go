package model

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/goccy/go-json"

	"github.com/samcharles93/awq/internal/nn"
	"github.com/samcharles93/awq/internal/safetensors"
)

// param is a float tensor owned by the network outside its linears. data
// aliases the live storage so scale folding is reflected on export.
type param struct {
	name  string
	shape []int
	data  []float32
}

type rawTensor struct {
	name  string
	dtype string
	shape []int
	data  []byte
}

// passthrough holds checkpoint tensors the network does not model.
type passthrough struct {
	tensors []rawTensor
}

// Names lists the carried tensors.
func (p *passthrough) Names() []string {
	if p == nil {
		return nil
	}
	out := make([]string, len(p.tensors))
	for i, t := range p.tensors {
		out[i] = t.name
	}
	return out
}

// StateDict adds every tensor of m to w: float parameters at half precision,
// quantized linears as qweight/qzeros/scales, and passthrough tensors
// verbatim.
func StateDict(m Model, w *safetensors.Writer) error {
	for _, p := range m.params() {
		if err := w.AddF16(p.name, p.shape, p.data); err != nil {
			return err
		}
	}
	for i, l := range m.Layers() {
		prefix := m.LayerName(i)
		for _, lin := range l.Linears() {
			if err := addLinear(w, prefix+"."+lin.Name, lin); err != nil {
				return err
			}
		}
	}
	if rest := m.extra(); rest != nil {
		for _, t := range rest.tensors {
			if err := w.AddRaw(t.name, t.dtype, t.shape, t.data); err != nil {
				return err
			}
		}
	}
	return nil
}

// Passthrough lists the tensors carried through unchanged.
func Passthrough(m Model) []string { return m.extra().Names() }

func addLinear(w *safetensors.Writer, name string, l *nn.Linear) error {
	if pk := l.Packed(); pk != nil {
		if err := w.AddI32(name+".qweight", pk.QWeightShape[:], pk.QWeight); err != nil {
			return err
		}
		if pk.QZeros != nil {
			if err := w.AddI32(name+".qzeros", pk.QZerosShape[:], pk.QZeros); err != nil {
				return err
			}
		}
		if err := w.AddF16Bits(name+".scales", pk.ScalesShape[:], pk.Scales); err != nil {
			return err
		}
	} else {
		if l.Weight == nil {
			return fmt.Errorf("model: linear %s has no weight", name)
		}
		if err := w.AddF16(name+".weight", []int{l.Weight.R, l.Weight.C}, l.Weight.Flat()); err != nil {
			return err
		}
	}
	if l.Bias != nil {
		return w.AddF16(name+".bias", []int{len(l.Bias)}, l.Bias)
	}
	return nil
}

// auxFiles are copied verbatim from the source checkpoint when present.
var auxFiles = []string{
	"generation_config.json",
	"tokenizer.json",
	"tokenizer_config.json",
	"special_tokens_map.json",
	"tokenizer.model",
	"vocab.json",
	"merges.txt",
	"sentencepiece.bpe.model",
}

// Save writes m to dir as a single model.safetensors shard. When qc is set
// it also writes quant_config.json and records the settings under
// quantization_config in config.json. The remaining files of srcDir that
// describe the tokenizer and generation defaults are copied alongside.
func Save(m Model, srcDir, dir string, qc *QuantConfigFile) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	w := safetensors.NewWriter()
	w.SetMetadata("format", "pt")
	if err := StateDict(m, w); err != nil {
		return err
	}
	if err := w.WriteFile(filepath.Join(dir, "model.safetensors")); err != nil {
		return err
	}

	raw, err := os.ReadFile(filepath.Join(srcDir, "config.json"))
	if err != nil {
		return err
	}
	var hf map[string]any
	if err := json.Unmarshal(raw, &hf); err != nil {
		return fmt.Errorf("parse config.json: %w", err)
	}
	if qc != nil {
		hf["quantization_config"] = map[string]any{
			"quant_method":           "awq",
			"bits":                   qc.Bits,
			"group_size":             qc.GroupSize,
			"zero_point":             qc.ZeroPoint,
			"version":                qc.Version,
			"modules_to_not_convert": qc.NotConvert,
		}
		if err := writeJSON(filepath.Join(dir, "quant_config.json"), qc); err != nil {
			return err
		}
	}
	if err := writeJSON(filepath.Join(dir, "config.json"), hf); err != nil {
		return err
	}
	for _, name := range auxFiles {
		data, err := os.ReadFile(filepath.Join(srcDir, name))
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			return err
		}
		if err := os.WriteFile(filepath.Join(dir, name), data, 0o644); err != nil {
			return err
		}
	}
	return nil
}

func writeJSON(path string, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, append(b, '\n'), 0o644)
}
