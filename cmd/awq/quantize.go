package main

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/awq/internal/api"
	"github.com/samcharles93/awq/internal/awq"
	"github.com/samcharles93/awq/internal/calib"
	"github.com/samcharles93/awq/internal/device"
	"github.com/samcharles93/awq/internal/logger"
	"github.com/samcharles93/awq/internal/metrics"
	"github.com/samcharles93/awq/internal/model"
	"github.com/samcharles93/awq/internal/tokenizer"
)

// runOptions are the non-quantization settings of quantize and pack.
type runOptions struct {
	modelDir    string
	outDir      string
	configFile  string
	calibData   string
	calibField  string
	device      string
	metricsAddr string
	force       bool
}

func quantizeCmd() *cli.Command {
	var opts runOptions
	flagCfg := awq.DefaultConfig()

	return &cli.Command{
		Name:      "quantize",
		Usage:     "Search scales and clips on calibration text and write a packed checkpoint",
		ArgsUsage: "<model-dir>",
		Flags: append(quantFlags(&flagCfg, &opts.configFile),
			&cli.StringFlag{
				Name:        "calib-data",
				Aliases:     []string{"calib"},
				Usage:       "calibration corpus: JSONL with a text field, or one sample per line",
				Destination: &opts.calibData,
			},
			&cli.StringFlag{
				Name:        "text-field",
				Usage:       "JSON field holding the text in JSONL corpora",
				Value:       "text",
				Destination: &opts.calibField,
			},
			&cli.StringFlag{
				Name:        "out",
				Aliases:     []string{"o"},
				Usage:       "output directory (default $AWQ_OUT_DIR/<model>-awq or ./out/<model>-awq)",
				Destination: &opts.outDir,
			},
			&cli.StringFlag{
				Name:        "device",
				Usage:       "working devices, e.g. cpu or cpu:0,cpu:1",
				Destination: &opts.device,
			},
			&cli.StringFlag{
				Name:        "metrics-addr",
				Usage:       "serve Prometheus metrics and progress on this address during the run",
				Destination: &opts.metricsAddr,
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
				return fmt.Errorf("quantize: model directory is required")
			}
			applyRunConfig(cmd, LoadConfig(), &opts)
			if opts.calibData == "" {
				return fmt.Errorf("quantize: --calib-data is required")
			}
			base, err := baseQuantConfig(opts.configFile)
			if err != nil {
				return err
			}
			cfg, err := resolveQuantConfig(cmd, flagCfg, base)
			if err != nil {
				return err
			}
			out, err := resolveOutDir(opts.modelDir, opts.outDir)
			if err != nil {
				return err
			}
			if err := checkOutDir(opts.modelDir, out, opts.force); err != nil {
				return err
			}
			alloc, err := device.Parse(opts.device)
			if err != nil {
				return err
			}

			start := time.Now()
			m, err := model.Load(opts.modelDir)
			if err != nil {
				return fmt.Errorf("load %s: %w", opts.modelDir, err)
			}
			log.Info("model loaded", "arch", m.Type(), "layers", len(m.Layers()), "elapsed", time.Since(start))

			b, err := calibrationBatch(opts, m, cfg)
			if err != nil {
				return err
			}
			log.Info("calibration batch", "samples", b.Samples(), "seq_len", b.SeqLen, "tokens", b.Tokens())

			reg := prometheus.NewRegistry()
			reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
			rec := metrics.New(reg)
			q, err := awq.New(m, cfg, awq.WithLogger(log), awq.WithAllocator(alloc), awq.WithRecorder(rec))
			if err != nil {
				return err
			}

			runs := api.NewRunStore()
			runs.Start(q.RunID(), m.Type(), time.Now())
			var served <-chan error
			if opts.metricsAddr != "" {
				srvCtx, stop := context.WithCancel(ctx)
				defer stop()
				served = startStatusServer(srvCtx, opts.metricsAddr, runs, rec, reg)
			}

			rep, err := quantize(q, b)
			runs.Finish(q.RunID(), rep, err, time.Now())
			if err != nil {
				return err
			}
			if err := model.Save(m, opts.modelDir, out, cfg.QuantConfigFile()); err != nil {
				return fmt.Errorf("save %s: %w", out, err)
			}
			log.Info("checkpoint written", "out", filepath.Clean(out), "packed", rep.Packed, "duration", time.Since(start))
			if served != nil {
				select {
				case err := <-served:
					return err
				default:
				}
			}
			return nil
		},
	}
}

func quantize(q *awq.Quantizer, b *calib.Batch) (*awq.Report, error) {
	if err := q.Init(b); err != nil {
		return nil, err
	}
	return q.Quantize()
}

// calibrationBatch tokenizes the corpus the way the architecture expects:
// concatenated into full blocks for decoders, padded per sample for
// encoders.
func calibrationBatch(opts runOptions, m model.Model, cfg awq.Config) (*calib.Batch, error) {
	tok, err := tokenizer.Load(opts.modelDir)
	if err != nil {
		return nil, fmt.Errorf("tokenizer: %w", err)
	}
	texts, err := calib.ReadFile(opts.calibData, opts.calibField)
	if err != nil {
		return nil, err
	}
	co := calib.Options{Samples: cfg.MaxCalibSamples, SeqLen: cfg.MaxCalibSeqLen, Field: opts.calibField}
	if m.Causal() {
		return calib.Concatenated(tok, texts, co)
	}
	pad := m.PadID()
	if pad < 0 {
		pad = tok.PadID()
	}
	return calib.Padded(tok, texts, co, pad)
}
