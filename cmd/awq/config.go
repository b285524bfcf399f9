package main

import (
	"os"
	"path/filepath"

	"github.com/urfave/cli/v3"
	"gopkg.in/yaml.v3"

	"github.com/samcharles93/awq/internal/awq"
)

// Config represents the user configuration file (~/.config/awq/config.yaml).
// Every field is a default that the matching flag overrides.
type Config struct {
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	// QuantConfig is a YAML file of quantization settings, as for --config.
	QuantConfig string `yaml:"quant_config"`
	CalibData   string `yaml:"calib_data"`
	OutDir      string `yaml:"out_dir"`
	Device      string `yaml:"device"`
	MetricsAddr string `yaml:"metrics_addr"`
}

func configPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "awq", "config.yaml")
}

// LoadConfig reads the config file. Returns a zero Config if the file doesn't exist.
func LoadConfig() Config {
	path := configPath()
	if path == "" {
		return Config{}
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}
	}
	return cfg
}

func applyLoggingConfig(c *cli.Command, cfg Config) {
	if cfg.LogLevel != "" && !c.IsSet("log-level") {
		logLevel = cfg.LogLevel
	}
	if cfg.LogFormat != "" && !c.IsSet("log-format") {
		logFormat = cfg.LogFormat
	}
}

// applyRunConfig applies config file defaults to the run options whose flag
// was not set.
func applyRunConfig(c *cli.Command, cfg Config, opts *runOptions) {
	if cfg.QuantConfig != "" && !c.IsSet("config") {
		opts.configFile = cfg.QuantConfig
	}
	if cfg.CalibData != "" && !c.IsSet("calib-data") {
		opts.calibData = cfg.CalibData
	}
	if cfg.OutDir != "" && !c.IsSet("out") {
		opts.outDir = cfg.OutDir
	}
	if cfg.Device != "" && !c.IsSet("device") {
		opts.device = cfg.Device
	}
	if cfg.MetricsAddr != "" && !c.IsSet("metrics-addr") {
		opts.metricsAddr = cfg.MetricsAddr
	}
}

// baseQuantConfig returns the defaults, overlaid with file when set.
func baseQuantConfig(file string) (awq.Config, error) {
	if file == "" {
		return awq.DefaultConfig(), nil
	}
	return awq.LoadConfig(file)
}

// resolveQuantConfig overlays every quantization flag set on the command
// line onto base and validates the result.
func resolveQuantConfig(c *cli.Command, flags, base awq.Config) (awq.Config, error) {
	set := func(name string, apply func()) {
		if c.IsSet(name) {
			apply()
		}
	}
	set("w-bit", func() { base.Bits = flags.Bits })
	set("group-size", func() { base.GroupSize = flags.GroupSize })
	set("zero-point", func() { base.ZeroPoint = flags.ZeroPoint })
	set("version", func() { base.Version = flags.Version })
	set("no-duo-scaling", func() { base.DuoScaling = flags.DuoScaling })
	set("no-clip", func() { base.ApplyClip = flags.ApplyClip })
	set("export-compatible", func() { base.ExportCompatible = flags.ExportCompatible })
	set("modules-to-not-convert", func() { base.ModulesToNotConvert = flags.ModulesToNotConvert })
	set("n-parallel-calib-samples", func() { base.NParallelCalibSamples = flags.NParallelCalibSamples })
	set("max-calib-samples", func() { base.MaxCalibSamples = flags.MaxCalibSamples })
	set("max-calib-seq-len", func() { base.MaxCalibSeqLen = flags.MaxCalibSeqLen })
	set("max-chunk-memory", func() { base.MaxChunkMemory = flags.MaxChunkMemory })
	return base, base.Validate()
}
