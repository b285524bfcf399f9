// Package toy writes tiny, deterministic Hugging Face style checkpoints
// (config.json, model.safetensors, tokenizer.json) for tests and benchmarks.
// Weights come from a seeded generator, so the same Config always produces
// byte-identical files.
package toy

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"

	"github.com/goccy/go-json"

	"github.com/samcharles93/awq/internal/safetensors"
	"github.com/samcharles93/awq/internal/tensor"
)

// Config sizes a toy checkpoint.
type Config struct {
	Arch    string // llama, qwen2, mixtral, bert or xlm-roberta
	Vocab   int
	Hidden  int
	FFN     int
	Layers  int
	Heads   int
	KVHeads int
	Experts int
	TopK    int
	MaxPos  int
	Seed    int64
	// Outliers lists hidden channels whose embedding values are amplified,
	// giving the activations the few large channels real models show.
	Outliers []int
}

// Llama is a two block grouped-query decoder.
func Llama() Config {
	return Config{Arch: "llama", Vocab: 128, Hidden: 32, FFN: 64, Layers: 2, Heads: 4, KVHeads: 2, MaxPos: 256, Seed: 1, Outliers: []int{3, 17}}
}

// Mixtral is a two block sparse mixture decoder with four experts.
func Mixtral() Config {
	c := Llama()
	c.Arch, c.Experts, c.TopK, c.KVHeads, c.Seed = "mixtral", 4, 2, 4, 2
	return c
}

// XLMRoberta is a two block post-norm encoder.
func XLMRoberta() Config {
	return Config{Arch: "xlm-roberta", Vocab: 128, Hidden: 32, FFN: 64, Layers: 2, Heads: 4, KVHeads: 4, MaxPos: 64, Seed: 3, Outliers: []int{5}}
}

func (c Config) causal() bool { return c.Arch != "bert" && c.Arch != "xlm-roberta" }

// Write creates the checkpoint files in dir.
func Write(dir string, c Config) error {
	if c.Hidden%c.Heads != 0 {
		return fmt.Errorf("toy: hidden %d not divisible by %d heads", c.Hidden, c.Heads)
	}
	if err := writeJSON(filepath.Join(dir, "config.json"), c.hfConfig()); err != nil {
		return err
	}
	w := safetensors.NewWriter()
	w.SetMetadata("format", "pt")
	g := &gen{w: w, seed: c.Seed}
	var err error
	if c.causal() {
		err = g.decoder(c)
	} else {
		err = g.encoder(c)
	}
	if err != nil {
		return err
	}
	if err := w.WriteFile(filepath.Join(dir, "model.safetensors")); err != nil {
		return err
	}
	return writeTokenizer(dir, c)
}

func (c Config) hfConfig() map[string]any {
	m := map[string]any{
		"model_type":              c.Arch,
		"hidden_size":             c.Hidden,
		"intermediate_size":       c.FFN,
		"num_hidden_layers":       c.Layers,
		"num_attention_heads":     c.Heads,
		"vocab_size":              c.Vocab,
		"max_position_embeddings": c.MaxPos,
	}
	if c.causal() {
		m["num_key_value_heads"] = c.KVHeads
		m["hidden_act"] = "silu"
		m["rms_norm_eps"] = 1e-6
		m["rope_theta"] = 10000.0
		if c.Experts > 0 {
			m["num_local_experts"] = c.Experts
			m["num_experts_per_tok"] = c.TopK
		}
		return m
	}
	m["hidden_act"] = "gelu"
	m["layer_norm_eps"] = 1e-5
	m["type_vocab_size"] = 1
	m["pad_token_id"] = 1
	return m
}

// gen adds seeded tensors, each with its own derived seed.
type gen struct {
	w    *safetensors.Writer
	seed int64
	err  error
}

func (g *gen) rand(name string, r, c int, scale float32) *tensor.Mat {
	m := tensor.NewMat(r, c)
	g.seed++
	tensor.FillRand(m, g.seed, scale)
	g.add(name, m)
	return m
}

func (g *gen) add(name string, m *tensor.Mat) {
	if g.err != nil {
		return
	}
	shape := []int{m.R, m.C}
	if m.R == 1 {
		shape = []int{m.C}
	}
	g.err = g.w.AddF32(name, shape, m.Flat())
}

// norm adds a weight close to one.
func (g *gen) norm(name string, n int) {
	m := tensor.NewMat(1, n)
	g.seed++
	tensor.FillRand(m, g.seed, 0.2)
	for i := range m.Data {
		m.Data[i] += 1
	}
	g.add(name, m)
}

func (g *gen) zeros(name string, n int) { g.add(name, tensor.NewMat(1, n)) }

func (g *gen) embedding(name string, c Config) {
	m := tensor.NewMat(c.Vocab, c.Hidden)
	g.seed++
	tensor.FillRand(m, g.seed, 1)
	for i := 0; i < m.R; i++ {
		row := m.Row(i)
		for _, ch := range c.Outliers {
			row[ch] *= 8
		}
	}
	g.add(name, m)
}

func (g *gen) decoder(c Config) error {
	hd := c.Hidden / c.Heads
	kv := c.KVHeads * hd
	g.embedding("model.embed_tokens.weight", c)
	g.norm("model.norm.weight", c.Hidden)
	head := tensor.NewMat(c.Vocab, c.Hidden)
	tensor.FillRand(head, c.Seed+1000, 0.2)
	if g.err == nil {
		g.err = g.w.AddF16("lm_head.weight", []int{c.Vocab, c.Hidden}, head.Flat())
	}
	for i := 0; i < c.Layers; i++ {
		p := fmt.Sprintf("model.layers.%d.", i)
		g.norm(p+"input_layernorm.weight", c.Hidden)
		g.norm(p+"post_attention_layernorm.weight", c.Hidden)
		g.rand(p+"self_attn.q_proj.weight", c.Hidden, c.Hidden, 0.4)
		g.rand(p+"self_attn.k_proj.weight", kv, c.Hidden, 0.4)
		g.rand(p+"self_attn.v_proj.weight", kv, c.Hidden, 0.4)
		g.rand(p+"self_attn.o_proj.weight", c.Hidden, c.Hidden, 0.4)
		if c.Arch == "qwen2" {
			g.rand(p+"self_attn.q_proj.bias", 1, c.Hidden, 0.1)
			g.rand(p+"self_attn.k_proj.bias", 1, kv, 0.1)
			g.rand(p+"self_attn.v_proj.bias", 1, kv, 0.1)
		}
		if c.Experts > 0 {
			g.rand(p+"block_sparse_moe.gate.weight", c.Experts, c.Hidden, 1)
			for j := 0; j < c.Experts; j++ {
				ep := fmt.Sprintf("%sblock_sparse_moe.experts.%d.", p, j)
				g.rand(ep+"w1.weight", c.FFN, c.Hidden, 0.4)
				g.rand(ep+"w2.weight", c.Hidden, c.FFN, 0.4)
				g.rand(ep+"w3.weight", c.FFN, c.Hidden, 0.4)
			}
			continue
		}
		g.rand(p+"mlp.gate_proj.weight", c.FFN, c.Hidden, 0.4)
		g.rand(p+"mlp.up_proj.weight", c.FFN, c.Hidden, 0.4)
		g.rand(p+"mlp.down_proj.weight", c.Hidden, c.FFN, 0.4)
	}
	return g.err
}

func (g *gen) encoder(c Config) error {
	pre := "roberta."
	g.embedding(pre+"embeddings.word_embeddings.weight", c)
	g.rand(pre+"embeddings.position_embeddings.weight", c.MaxPos, c.Hidden, 0.2)
	g.rand(pre+"embeddings.token_type_embeddings.weight", 1, c.Hidden, 0.2)
	g.norm(pre+"embeddings.LayerNorm.weight", c.Hidden)
	g.zeros(pre+"embeddings.LayerNorm.bias", c.Hidden)
	for i := 0; i < c.Layers; i++ {
		p := fmt.Sprintf("%sencoder.layer.%d.", pre, i)
		for _, rel := range []string{"attention.self.query", "attention.self.key", "attention.self.value", "attention.output.dense"} {
			g.rand(p+rel+".weight", c.Hidden, c.Hidden, 0.4)
			g.rand(p+rel+".bias", 1, c.Hidden, 0.1)
		}
		g.norm(p+"attention.output.LayerNorm.weight", c.Hidden)
		g.zeros(p+"attention.output.LayerNorm.bias", c.Hidden)
		g.rand(p+"intermediate.dense.weight", c.FFN, c.Hidden, 0.4)
		g.rand(p+"intermediate.dense.bias", 1, c.FFN, 0.1)
		g.rand(p+"output.dense.weight", c.Hidden, c.FFN, 0.4)
		g.rand(p+"output.dense.bias", 1, c.Hidden, 0.1)
		g.norm(p+"output.LayerNorm.weight", c.Hidden)
		g.zeros(p+"output.LayerNorm.bias", c.Hidden)
	}
	g.rand("classifier.dense.weight", c.Hidden, c.Hidden, 0.4)
	g.rand("classifier.out_proj.weight", 1, c.Hidden, 0.4)
	// Position id buffer, stored as int64 like the reference checkpoints.
	ids := make([]byte, 8*c.MaxPos)
	for i := 0; i < c.MaxPos; i++ {
		binary.LittleEndian.PutUint64(ids[i*8:], uint64(i))
	}
	if g.err == nil {
		g.err = g.w.AddRaw(pre+"embeddings.position_ids", "I64", []int{1, c.MaxPos}, ids)
	}
	return g.err
}

func writeJSON(path string, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, b, 0o644)
}

// writeTokenizer writes a character level vocabulary covering printable
// ASCII: byte-level BPE for decoders, SentencePiece unigram for encoders.
func writeTokenizer(dir string, c Config) error {
	if c.causal() {
		vocab := map[string]int{"<unk>": 0, "<s>": 1, "Ġ": 2}
		for ch := '!'; ch <= '~'; ch++ {
			vocab[string(ch)] = len(vocab)
		}
		if len(vocab) > c.Vocab {
			return fmt.Errorf("toy: tokenizer needs %d ids, vocab is %d", len(vocab), c.Vocab)
		}
		return writeJSON(filepath.Join(dir, "tokenizer.json"), map[string]any{
			"model": map[string]any{"type": "BPE", "vocab": vocab, "merges": []string{}, "unk_token": "<unk>"},
			"added_tokens": []map[string]any{
				{"id": 1, "content": "<s>", "special": true},
			},
			"post_processor": map[string]any{
				"type":           "TemplateProcessing",
				"special_tokens": map[string]any{"<s>": map[string]any{"ids": []int{1}}},
			},
		})
	}
	vocab := [][2]any{{"<s>", 0.0}, {"<pad>", 0.0}, {"</s>", 0.0}, {"<unk>", 0.0}, {"▁", -2.0}}
	for ch := '!'; ch <= '~'; ch++ {
		vocab = append(vocab, [2]any{string(ch), -3.0})
	}
	if len(vocab) > c.Vocab {
		return fmt.Errorf("toy: tokenizer needs %d ids, vocab is %d", len(vocab), c.Vocab)
	}
	if err := writeJSON(filepath.Join(dir, "tokenizer.json"), map[string]any{
		"model":          map[string]any{"type": "Unigram", "unk_id": 3, "vocab": vocab},
		"pre_tokenizer":  map[string]any{"type": "Metaspace", "replacement": "▁"},
		"post_processor": map[string]any{"type": "RobertaProcessing", "sep": []any{"</s>", 2}, "cls": []any{"<s>", 0}},
	}); err != nil {
		return err
	}
	return writeJSON(filepath.Join(dir, "tokenizer_config.json"), map[string]any{"pad_token": "<pad>"})
}
