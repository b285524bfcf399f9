package main

import (
	"context"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/awq/internal/awq"
)

var (
	logLevel  string
	logFormat string
	debug     bool
)

func loggingFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "log-level",
			Usage:       "log level (debug, info, warn, error)",
			Value:       "info",
			Destination: &logLevel,
		},
		&cli.StringFlag{
			Name:        "log-format",
			Usage:       "log format (pretty, json, text)",
			Value:       "pretty",
			Destination: &logFormat,
		},
		&cli.BoolFlag{
			Name:        "debug",
			Usage:       "enable debug logging (shorthand for --log-level=debug)",
			Destination: &debug,
		},
	}
}

// quantFlags binds the quantization settings onto cfg, which holds the
// defaults shown in --help.
func quantFlags(cfg *awq.Config, configFile *string) []cli.Flag {
	var noDuo, noClip bool
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "config",
			Usage:       "YAML file with quantization settings; flags override it",
			Destination: configFile,
		},
		&cli.IntFlag{
			Name:        "w-bit",
			Aliases:     []string{"bits"},
			Usage:       "weight bit width",
			Value:       cfg.Bits,
			Destination: &cfg.Bits,
		},
		&cli.IntFlag{
			Name:        "group-size",
			Aliases:     []string{"q-group-size"},
			Usage:       "columns per quantization group (0 or less for whole rows)",
			Value:       cfg.GroupSize,
			Destination: &cfg.GroupSize,
		},
		&cli.BoolFlag{
			Name:        "zero-point",
			Usage:       "asymmetric quantization with a per-group zero point",
			Value:       cfg.ZeroPoint,
			Destination: &cfg.ZeroPoint,
		},
		&cli.StringFlag{
			Name:        "version",
			Aliases:     []string{"format"},
			Usage:       "packed layout (gemm, gemv, gemv_fast, marlin)",
			Value:       cfg.Version,
			Destination: &cfg.Version,
		},
		&cli.BoolFlag{
			Name:        "no-duo-scaling",
			Usage:       "form candidate scales from activations only",
			Destination: &noDuo,
			Action: func(_ context.Context, _ *cli.Command, v bool) error {
				cfg.DuoScaling = !v
				return nil
			},
		},
		&cli.BoolFlag{
			Name:        "no-clip",
			Usage:       "skip the clipping search",
			Destination: &noClip,
			Action: func(_ context.Context, _ *cli.Command, v bool) error {
				cfg.ApplyClip = !v
				return nil
			},
		},
		&cli.BoolFlag{
			Name:        "export-compatible",
			Usage:       "apply scales and clips but keep full precision weights",
			Destination: &cfg.ExportCompatible,
		},
		&cli.StringSliceFlag{
			Name:        "modules-to-not-convert",
			Aliases:     []string{"skip"},
			Usage:       "leave linears whose name contains this substring unquantized (repeatable)",
			Destination: &cfg.ModulesToNotConvert,
		},
		&cli.IntFlag{
			Name:        "n-parallel-calib-samples",
			Usage:       "samples per forward call during the search (0 for all)",
			Destination: &cfg.NParallelCalibSamples,
		},
		&cli.IntFlag{
			Name:        "max-calib-samples",
			Usage:       "calibration samples kept from the corpus",
			Value:       cfg.MaxCalibSamples,
			Destination: &cfg.MaxCalibSamples,
		},
		&cli.IntFlag{
			Name:        "max-calib-seq-len",
			Usage:       "tokens per calibration sample",
			Value:       cfg.MaxCalibSeqLen,
			Destination: &cfg.MaxCalibSeqLen,
		},
		&cli.Int64Flag{
			Name:        "max-chunk-memory",
			Usage:       "bytes covered by one loss chunk",
			Value:       cfg.MaxChunkMemory,
			Destination: &cfg.MaxChunkMemory,
		},
	}
}
