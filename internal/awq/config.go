package awq

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/samcharles93/awq/internal/model"
	"github.com/samcharles93/awq/internal/quant"
)

// Config controls a quantization run. The yaml and json tags follow the keys
// of the quant_config.json written next to AWQ checkpoints.
type Config struct {
	quant.Config `yaml:",inline"`

	// Version is the packed output layout: gemm, gemv, gemv_fast or marlin.
	Version string `yaml:"version" json:"version"`

	// DuoScaling divides the activation statistic by the weight statistic
	// when forming candidate scales.
	DuoScaling bool `yaml:"duo_scaling" json:"duo_scaling"`
	// ApplyClip enables the clipping search after scaling.
	ApplyClip bool `yaml:"apply_clip" json:"apply_clip"`
	// ExportCompatible applies scales and clips but leaves the weights in
	// full precision until Pack is called.
	ExportCompatible bool `yaml:"export_compatible" json:"export_compatible"`
	// ModulesToNotConvert excludes every linear whose name contains one of
	// these substrings.
	ModulesToNotConvert []string `yaml:"modules_to_not_convert" json:"modules_to_not_convert"`

	// NParallelCalibSamples bounds how many samples pass through a module in
	// one call; 0 runs the whole batch at once.
	NParallelCalibSamples int `yaml:"n_parallel_calib_samples" json:"n_parallel_calib_samples"`
	MaxCalibSamples       int `yaml:"max_calib_samples" json:"max_calib_samples"`
	MaxCalibSeqLen        int `yaml:"max_calib_seq_len" json:"max_calib_seq_len"`
	// MaxChunkMemory caps the bytes a single loss or statistic chunk covers.
	MaxChunkMemory int64 `yaml:"max_chunk_memory" json:"max_chunk_memory"`
}

// DefaultConfig returns 4-bit, group 128, zero point GEMM settings.
func DefaultConfig() Config {
	return Config{
		Config:          quant.Config{Bits: 4, GroupSize: 128, ZeroPoint: true},
		Version:         string(quant.FormatGEMM),
		DuoScaling:      true,
		ApplyClip:       true,
		MaxCalibSamples: 128,
		MaxCalibSeqLen:  512,
		MaxChunkMemory:  1 << 30,
	}
}

// LoadConfig reads a YAML (or JSON) config file over the defaults.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("%w: parse %s: %v", ErrConfig, path, err)
	}
	return cfg, cfg.Validate()
}

// Validate checks the settings that do not depend on the network.
func (c Config) Validate() error {
	var errs []error
	if err := c.Config.Validate(); err != nil {
		errs = append(errs, err)
	}
	f, err := quant.ParseFormat(c.Version)
	if err != nil {
		errs = append(errs, err)
	} else if err := f.Check(c.Config); err != nil {
		errs = append(errs, err)
	}
	if c.MaxChunkMemory <= 0 {
		errs = append(errs, fmt.Errorf("max_chunk_memory must be positive, got %d", c.MaxChunkMemory))
	}
	if c.NParallelCalibSamples < 0 {
		errs = append(errs, fmt.Errorf("n_parallel_calib_samples must not be negative, got %d", c.NParallelCalibSamples))
	}
	if c.MaxCalibSamples <= 0 || c.MaxCalibSeqLen <= 0 {
		errs = append(errs, fmt.Errorf("calibration limits must be positive, got %d samples of %d tokens", c.MaxCalibSamples, c.MaxCalibSeqLen))
	}
	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrConfig, errors.Join(errs...))
}

// Format returns the parsed output layout. Call after Validate.
func (c Config) Format() quant.Format {
	f, _ := quant.ParseFormat(c.Version)
	return f
}

// QuantConfigFile returns the settings recorded next to the checkpoint.
func (c Config) QuantConfigFile() *model.QuantConfigFile {
	return &model.QuantConfigFile{Config: c.Config, Version: c.Version, NotConvert: c.ModulesToNotConvert}
}

// WithQuantConfigFile overlays the settings a checkpoint was exported with.
func (c Config) WithQuantConfigFile(qc *model.QuantConfigFile) Config {
	if qc == nil {
		return c
	}
	c.Config = qc.Config
	if qc.Version != "" {
		c.Version = qc.Version
	}
	c.ModulesToNotConvert = qc.NotConvert
	return c
}
