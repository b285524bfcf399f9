package main

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/awq/internal/awq"
	"github.com/samcharles93/awq/internal/logger"
	"github.com/samcharles93/awq/internal/model"
)

func packCmd() *cli.Command {
	var opts runOptions
	flagCfg := awq.DefaultConfig()

	return &cli.Command{
		Name:      "pack",
		Usage:     "Pack an export compatible checkpoint (scaled and clipped, full precision) into low-bit codes",
		ArgsUsage: "<model-dir>",
		Flags: append(quantFlags(&flagCfg, &opts.configFile),
			&cli.StringFlag{
				Name:        "out",
				Aliases:     []string{"o"},
				Usage:       "output directory (default $AWQ_OUT_DIR/<model>-awq or ./out/<model>-awq)",
				Destination: &opts.outDir,
			},
			&cli.BoolFlag{
				Name:        "force",
				Usage:       "overwrite a non-empty output directory",
				Destination: &opts.force,
			},
		),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			log := logger.FromContext(ctx)
			opts.modelDir = cmd.Args().First()
			if opts.modelDir == "" {
				return fmt.Errorf("pack: model directory is required")
			}
			base, err := baseQuantConfig(opts.configFile)
			if err != nil {
				return err
			}
			// Settings recorded by the export compatible run replace the
			// defaults; explicit flags still win.
			if opts.configFile == "" {
				qc, err := model.ReadQuantConfig(opts.modelDir)
				if err != nil {
					return err
				}
				base = base.WithQuantConfigFile(qc)
			}
			cfg, err := resolveQuantConfig(cmd, flagCfg, base)
			if err != nil {
				return err
			}
			cfg.ExportCompatible = false

			out, err := resolveOutDir(opts.modelDir, opts.outDir)
			if err != nil {
				return err
			}
			if err := checkOutDir(opts.modelDir, out, opts.force); err != nil {
				return err
			}
			m, err := model.Load(opts.modelDir)
			if err != nil {
				return fmt.Errorf("load %s: %w", opts.modelDir, err)
			}
			q, err := awq.New(m, cfg, awq.WithLogger(log))
			if err != nil {
				return err
			}
			if err := q.Pack(); err != nil {
				return err
			}
			if err := model.Save(m, opts.modelDir, out, cfg.QuantConfigFile()); err != nil {
				return fmt.Errorf("save %s: %w", out, err)
			}
			log.Info("checkpoint written", "out", filepath.Clean(out), "format", cfg.Version)
			return nil
		},
	}
}
