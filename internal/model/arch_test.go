package model

import (
	"errors"
	"testing"
)

func TestDetectArch(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name      string
		cfg       hfConfig
		tensors   []string
		wantArch  string
		wantLayer string
		wantMoE   bool
		wantError bool
	}{
		{
			name:      "llama",
			cfg:       hfConfig{ModelType: "llama"},
			wantArch:  "llama",
			wantLayer: "model.layers.3",
		},
		{
			name:      "qwen2",
			cfg:       hfConfig{ModelType: "qwen2"},
			wantArch:  "qwen2",
			wantLayer: "model.layers.3",
		},
		{
			name:      "mixtral",
			cfg:       hfConfig{ModelType: "mixtral", NumLocalExperts: 8, NumExpertsPerTok: 2},
			wantArch:  "mixtral",
			wantLayer: "model.layers.3",
			wantMoE:   true,
		},
		{
			name:      "mixtral without experts",
			cfg:       hfConfig{ModelType: "mixtral"},
			wantError: true,
		},
		{
			name:      "llama with experts",
			cfg:       hfConfig{ModelType: "llama", NumLocalExperts: 4},
			wantError: true,
		},
		{
			name:      "xlm-roberta",
			cfg:       hfConfig{ModelType: "xlm-roberta"},
			tensors:   []string{"roberta.embeddings.word_embeddings.weight"},
			wantArch:  "xlm-roberta",
			wantLayer: "roberta.encoder.layer.3",
		},
		{
			name:      "mistral with experts",
			cfg:       hfConfig{ModelType: "mistral", NumLocalExperts: 4},
			wantError: true,
		},
		{
			name:      "bert prefixed",
			cfg:       hfConfig{ModelType: "bert"},
			tensors:   []string{"bert.embeddings.word_embeddings.weight"},
			wantArch:  "bert",
			wantLayer: "bert.encoder.layer.3",
		},
		{
			name:      "bert without prefix",
			cfg:       hfConfig{ModelType: "bert"},
			tensors:   []string{"embeddings.word_embeddings.weight"},
			wantArch:  "bert",
			wantLayer: "encoder.layer.3",
		},
		{
			name:      "encoder without embeddings",
			cfg:       hfConfig{ModelType: "roberta"},
			wantError: true,
		},
		{
			name:      "unknown",
			cfg:       hfConfig{ModelType: "lfm2"},
			wantError: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			has := func(name string) bool {
				for _, n := range tt.tensors {
					if n == name {
						return true
					}
				}
				return false
			}
			spec, err := detectArch(&tt.cfg, has)
			if tt.wantError {
				if !errors.Is(err, ErrUnsupported) {
					t.Fatalf("expected ErrUnsupported, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if spec.Name != tt.wantArch {
				t.Fatalf("arch = %q, want %q", spec.Name, tt.wantArch)
			}
			if got := spec.Names.layer(3); got != tt.wantLayer {
				t.Fatalf("layer name = %q, want %q", got, tt.wantLayer)
			}
			if spec.MoE != tt.wantMoE {
				t.Fatalf("moe = %v, want %v", spec.MoE, tt.wantMoE)
			}
		})
	}
}

func TestEncoderPositionOffset(t *testing.T) {
	t.Parallel()
	has := func(string) bool { return true }
	bert, err := detectArch(&hfConfig{ModelType: "bert"}, has)
	if err != nil {
		t.Fatal(err)
	}
	roberta, err := detectArch(&hfConfig{ModelType: "roberta"}, has)
	if err != nil {
		t.Fatal(err)
	}
	if bert.PositionOffset || !roberta.PositionOffset {
		t.Fatalf("offsets bert=%v roberta=%v", bert.PositionOffset, roberta.PositionOffset)
	}
	if got := roberta.embedPrefix(); got != "roberta.embeddings." {
		t.Fatalf("embed prefix %q", got)
	}
}

func TestLoadHFConfigDefaults(t *testing.T) {
	t.Parallel()
	cfg, err := loadHFConfigBytes([]byte(`{"model_type":"llama","hidden_size":64,"num_attention_heads":8,"rope_scaling":{"rope_type":"llama3","factor":8}}`))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.NumKeyValueHeads != 8 || cfg.HeadDim != 8 {
		t.Fatalf("kv heads %d head dim %d", cfg.NumKeyValueHeads, cfg.HeadDim)
	}
	if cfg.RopeScaling == nil || cfg.RopeScaling.RopeType != "llama3" {
		t.Fatalf("rope scaling not parsed: %+v", cfg.RopeScaling)
	}
	if _, err := loadHFConfigBytes([]byte(`{`)); err == nil {
		t.Fatal("expected parse error")
	}
}
