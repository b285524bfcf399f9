package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/goccy/go-json"
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/awq/internal/model"
)

type linearInfo struct {
	Name   string `json:"name"`
	Out    int    `json:"out"`
	In     int    `json:"in"`
	Format string `json:"format,omitempty"`
	Bits   int    `json:"bits,omitempty"`
	Group  int    `json:"group_size,omitempty"`
}

type layerInfo struct {
	Name    string       `json:"name"`
	Linears []linearInfo `json:"linears"`
}

type modelInfo struct {
	Type        string                 `json:"model_type"`
	Causal      bool                   `json:"causal"`
	PadID       int                    `json:"pad_token_id"`
	Layers      []layerInfo            `json:"layers"`
	Quant       *model.QuantConfigFile `json:"quant_config,omitempty"`
	Passthrough []string               `json:"passthrough"`
}

func inspectCmd() *cli.Command {
	var (
		asJSON  bool
		summary bool
	)
	return &cli.Command{
		Name:      "inspect",
		Usage:     "Show the architecture, linears and quantization state of a checkpoint",
		ArgsUsage: "<model-dir>",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "json", Usage: "print JSON", Destination: &asJSON},
			&cli.BoolFlag{Name: "summary", Usage: "only print the first block's linears", Destination: &summary},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			dir := cmd.Args().First()
			if dir == "" {
				return fmt.Errorf("inspect: model directory is required")
			}
			info, err := describe(dir, summary)
			if err != nil {
				return err
			}
			if asJSON {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(info)
			}
			return printInfo(os.Stdout, info)
		},
	}
}

func describe(dir string, summary bool) (*modelInfo, error) {
	m, err := model.Load(dir)
	if err != nil {
		return nil, err
	}
	qc, err := model.ReadQuantConfig(dir)
	if err != nil {
		return nil, err
	}
	info := &modelInfo{
		Type:        m.Type(),
		Causal:      m.Causal(),
		PadID:       m.PadID(),
		Quant:       qc,
		Passthrough: model.Passthrough(m),
	}
	for i, l := range m.Layers() {
		if summary && i > 0 {
			break
		}
		li := layerInfo{Name: m.LayerName(i)}
		for _, lin := range l.Linears() {
			e := linearInfo{Name: lin.Name, Out: lin.Out(), In: lin.In()}
			if pk := lin.Packed(); pk != nil {
				e.Format, e.Bits, e.Group = string(pk.Format), pk.Bits, pk.GroupSize
			}
			li.Linears = append(li.Linears, e)
		}
		info.Layers = append(info.Layers, li)
	}
	return info, nil
}

func printInfo(w io.Writer, info *modelInfo) error {
	fmt.Fprintf(w, "model_type:   %s\n", info.Type)
	fmt.Fprintf(w, "causal:       %v\n", info.Causal)
	fmt.Fprintf(w, "pad_token_id: %d\n", info.PadID)
	fmt.Fprintf(w, "layers:       %d\n", len(info.Layers))
	if info.Quant != nil {
		fmt.Fprintf(w, "quant:        %d-bit group %d zero_point=%v %s\n", info.Quant.Bits, info.Quant.GroupSize, info.Quant.ZeroPoint, info.Quant.Version)
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	for _, l := range info.Layers {
		fmt.Fprintf(tw, "\n%s\n", l.Name)
		for _, lin := range l.Linears {
			state := "float"
			if lin.Format != "" {
				state = fmt.Sprintf("%s w%d g%d", lin.Format, lin.Bits, lin.Group)
			}
			fmt.Fprintf(tw, "  %s\t%dx%d\t%s\n", lin.Name, lin.Out, lin.In, state)
		}
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	if len(info.Passthrough) > 0 {
		fmt.Fprintf(w, "\npassthrough: %v\n", info.Passthrough)
	}
	return nil
}
