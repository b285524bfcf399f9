package model

import (
	"fmt"
	"strings"

	"github.com/goccy/go-json"
)

type hfConfig struct {
	ModelType     string   `json:"model_type"`
	Architectures []string `json:"architectures"`

	HiddenSize        int     `json:"hidden_size"`
	IntermediateSize  int     `json:"intermediate_size"`
	NumHiddenLayers   int     `json:"num_hidden_layers"`
	NumAttentionHeads int     `json:"num_attention_heads"`
	NumKeyValueHeads  int     `json:"num_key_value_heads"`
	HeadDim           int     `json:"head_dim"`
	VocabSize         int     `json:"vocab_size"`
	HiddenAct         string  `json:"hidden_act"`
	RMSNormEps        float64 `json:"rms_norm_eps"`
	LayerNormEps      float64 `json:"layer_norm_eps"`
	RopeTheta         float64 `json:"rope_theta"`

	RopeScaling    *ropeScalingJSON `json:"rope_scaling"`
	RopeParameters *ropeScalingJSON `json:"rope_parameters"`

	MaxPositionEmbeddings int  `json:"max_position_embeddings"`
	TypeVocabSize         int  `json:"type_vocab_size"`
	PadTokenID            *int `json:"pad_token_id"`
	TieWordEmbeddings     bool `json:"tie_word_embeddings"`

	NumLocalExperts  int `json:"num_local_experts"`
	NumExpertsPerTok int `json:"num_experts_per_tok"`
}

func loadHFConfigBytes(raw []byte) (*hfConfig, error) {
	var cfg hfConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse config.json: %w", err)
	}
	if cfg.NumKeyValueHeads == 0 {
		cfg.NumKeyValueHeads = cfg.NumAttentionHeads
	}
	if cfg.HeadDim == 0 && cfg.NumAttentionHeads > 0 {
		cfg.HeadDim = cfg.HiddenSize / cfg.NumAttentionHeads
	}
	return &cfg, nil
}

func (c *hfConfig) validate() error {
	switch {
	case c.HiddenSize <= 0, c.NumHiddenLayers <= 0, c.IntermediateSize <= 0:
		return fmt.Errorf("config.json: hidden_size, intermediate_size and num_hidden_layers must be positive")
	case c.NumAttentionHeads <= 0 || c.NumKeyValueHeads <= 0:
		return fmt.Errorf("config.json: attention heads must be positive")
	case c.NumAttentionHeads%c.NumKeyValueHeads != 0:
		return fmt.Errorf("config.json: %d heads not divisible by %d kv heads", c.NumAttentionHeads, c.NumKeyValueHeads)
	}
	return nil
}

// archSpec names the checkpoint tensors of one architecture family.
type archSpec struct {
	Name   string
	Causal bool
	MoE    bool
	// PositionOffset shifts learned position ids past the padding index
	// (RoBERTa style) instead of counting from zero.
	PositionOffset bool

	Names archNames
}

type archNames struct {
	embedding  string
	outputNorm string
	layer      func(i int) string
}

func decoderSpec(name string, moe bool) *archSpec {
	return &archSpec{
		Name:   name,
		Causal: true,
		MoE:    moe,
		Names: archNames{
			embedding:  "model.embed_tokens.weight",
			outputNorm: "model.norm.weight",
			layer: func(i int) string {
				return fmt.Sprintf("model.layers.%d", i)
			},
		},
	}
}

func encoderSpec(name, prefix string, offset bool) *archSpec {
	return &archSpec{
		Name:           name,
		PositionOffset: offset,
		Names: archNames{
			embedding:  prefix + "embeddings.word_embeddings.weight",
			outputNorm: prefix + "embeddings.LayerNorm.weight",
			layer: func(i int) string {
				return fmt.Sprintf("%sencoder.layer.%d", prefix, i)
			},
		},
	}
}

// embedPrefix returns the encoder embedding prefix, derived from the word
// embedding tensor name.
func (s *archSpec) embedPrefix() string {
	return strings.TrimSuffix(s.Names.embedding, "word_embeddings.weight")
}

// detectArch picks the tensor naming for cfg. has reports whether a tensor
// exists in the checkpoint, which decides the encoder prefix.
func detectArch(cfg *hfConfig, has func(string) bool) (*archSpec, error) {
	switch cfg.ModelType {
	case "llama", "mistral", "qwen2":
		if cfg.NumLocalExperts > 0 {
			return nil, fmt.Errorf("%w: %s with %d experts", ErrUnsupported, cfg.ModelType, cfg.NumLocalExperts)
		}
		return decoderSpec(cfg.ModelType, false), nil
	case "mixtral":
		if cfg.NumLocalExperts <= 0 || cfg.NumExpertsPerTok <= 0 {
			return nil, fmt.Errorf("%w: mixtral needs num_local_experts and num_experts_per_tok", ErrUnsupported)
		}
		return decoderSpec(cfg.ModelType, true), nil
	case "bert", "roberta", "xlm-roberta":
		offset := cfg.ModelType != "bert"
		for _, prefix := range []string{"roberta.", "bert.", ""} {
			if has(prefix + "embeddings.word_embeddings.weight") {
				return encoderSpec(cfg.ModelType, prefix, offset), nil
			}
		}
		return nil, fmt.Errorf("%w: %s checkpoint has no word embeddings", ErrUnsupported, cfg.ModelType)
	}
	return nil, fmt.Errorf("%w: model_type %q", ErrUnsupported, cfg.ModelType)
}
