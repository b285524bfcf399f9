// Package awq implements activation-aware weight quantization: for every
// block of a network it searches per-channel scales that protect the weights
// seeing large activations, searches clipping thresholds, and rounds the
// linears to low-bit integer codes in a packed kernel layout.
package awq

import (
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/samcharles93/awq/internal/calib"
	"github.com/samcharles93/awq/internal/device"
	"github.com/samcharles93/awq/internal/logger"
	"github.com/samcharles93/awq/internal/model"
	"github.com/samcharles93/awq/internal/nn"
	"github.com/samcharles93/awq/internal/quant"
	"github.com/samcharles93/awq/internal/tensor"
)

// Recorder receives run progress. Implementations must be safe for
// concurrent reads by whatever exposes them.
type Recorder interface {
	LayerStarted(layer, total int)
	LayerDone(layer int, elapsed time.Duration)
	ScaleSearched(group string, ratio, loss float64)
	Clipped(linear string)
	Failed(kind string)
}

type nopRecorder struct{}

func (nopRecorder) LayerStarted(int, int) {}
func (nopRecorder) LayerDone(int, time.Duration) {}
func (nopRecorder) ScaleSearched(string, float64, float64) {}
func (nopRecorder) Clipped(string) {}
func (nopRecorder) Failed(string) {}

// notConverter is implemented by adapters with architecture specific
// exclusions, such as MoE routers.
type notConverter interface {
	ModulesToNotConvert() []string
}

// Quantizer drives one run over a network. It is not safe for concurrent use.
type Quantizer struct {
	model  model.Adapter
	cfg    Config
	format quant.Format
	log    logger.Logger
	alloc  device.Allocator
	rec    Recorder
	runID  string

	exclude []string
	seqLen  int
	inps    *tensor.Mat
	kwargs  nn.Kwargs
	ran     bool
}

// Option configures a Quantizer.
type Option func(*Quantizer)

func WithLogger(l logger.Logger) Option { return func(q *Quantizer) { q.log = l } }

// WithAllocator sets the per-layer device policy. The default keeps every
// layer on the host.
func WithAllocator(a device.Allocator) Option { return func(q *Quantizer) { q.alloc = a } }

func WithRecorder(r Recorder) Option { return func(q *Quantizer) { q.rec = r } }

// New validates cfg and prepares a run over m. Nothing in m is touched.
func New(m model.Adapter, cfg Config, opts ...Option) (*Quantizer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	q := &Quantizer{
		model:  m,
		cfg:    cfg,
		format: cfg.Format(),
		log:    logger.Default(),
		alloc:  device.Single{Device: device.Host()},
		rec:    nopRecorder{},
		runID:  uuid.NewString(),
	}
	for _, opt := range opts {
		opt(q)
	}
	q.exclude = append(q.exclude, cfg.ModulesToNotConvert...)
	if nc, ok := m.(notConverter); ok {
		q.exclude = append(q.exclude, nc.ModulesToNotConvert()...)
	}
	q.log = q.log.With("run", q.runID, "model", m.Type())
	return q, nil
}

// RunID identifies the run in logs and reports.
func (q *Quantizer) RunID() string { return q.runID }

// Init captures the input of the first block for the calibration batch. The
// embedding runs on the first layer's device and is moved back afterwards.
func (q *Quantizer) Init(b *calib.Batch) error {
	if b == nil || b.Samples() == 0 {
		return &LayerError{Layer: -1, Stage: StageEntry, Kind: ErrConfig, Err: calib.ErrNoSamples}
	}
	q.model.MoveEmbed(q.alloc.Assign(0))
	entry, err := q.model.CaptureEntry(b)
	q.model.MoveEmbed(device.Host())
	if err != nil {
		return q.fail(-1, "", StageEntry, err)
	}
	kw := entry.Kwargs.Clone()
	if gp, ok := q.model.(model.GenerationPreparer); ok {
		kw = gp.PrepareInputsForGeneration(b.IDs, kw)
	}
	delete(kw, nn.KwInputIDs)
	if !entry.Hidden.AllFinite() {
		return q.fail(-1, "", StageEntry, fmt.Errorf("%w: embedding output", ErrNumeric))
	}
	q.inps, q.kwargs, q.seqLen = entry.Hidden, kw, b.SeqLen
	q.log.Info("captured entry", "samples", b.Samples(), "seq_len", b.SeqLen, "hidden", entry.Hidden.C)
	return nil
}

// Report summarises a finished run.
type Report struct {
	RunID    string        `json:"run_id"`
	Model    string        `json:"model"`
	Layers   int           `json:"layers"`
	Scales   []ScaleRecord `json:"scales"`
	Clipped  []string      `json:"clipped"`
	Packed   bool          `json:"packed"`
	Duration time.Duration `json:"duration"`
}

// ScaleRecord is a ScaleResult located in the network.
type ScaleRecord struct {
	Layer string `json:"layer"`
	ScaleResult
}

// Quantize walks the blocks in order: capture inputs, search and apply
// scales, search and apply clips, then pack unless ExportCompatible is set.
func (q *Quantizer) Quantize() (*Report, error) {
	if q.inps == nil {
		return nil, &LayerError{Layer: -1, Stage: StageEntry, Kind: ErrConfig, Err: errors.New("Init was not called")}
	}
	if q.ran {
		return nil, &LayerError{Layer: -1, Stage: StageEntry, Kind: ErrConfig, Err: errors.New("run already finished")}
	}
	if err := q.checkGroups(); err != nil {
		return nil, err
	}
	q.ran = true
	start := time.Now()
	layers := q.model.Layers()
	rep := &Report{RunID: q.runID, Model: q.model.Type(), Layers: len(layers), Packed: !q.cfg.ExportCompatible}
	for i, layer := range layers {
		if err := q.quantizeLayer(i, layer, rep); err != nil {
			return rep, err
		}
	}
	rep.Duration = time.Since(start)
	q.log.Info("quantization finished", "layers", len(layers), "duration", rep.Duration)
	return rep, nil
}

func (q *Quantizer) quantizeLayer(i int, layer model.Layer, rep *Report) error {
	start := time.Now()
	name := q.model.LayerName(i)
	total := len(q.model.Layers())
	q.rec.LayerStarted(i, total)
	dev := q.alloc.Assign(i)
	layer.To(dev)
	defer layer.To(device.Host())
	log := q.log.With("layer", name, "device", dev.String())
	log.Debug("layer started", "index", i, "of", total)

	// Excluded linears are still observed: the scaling groups that feed them
	// need their inputs, only clip and quantize skip them.
	named := q.namedLinears(layer)
	feats, next, err := q.captureLayer(layer, layer.Linears())
	if err != nil {
		return q.fail(i, "", StageCapture, err)
	}
	if !next.AllFinite() {
		return q.fail(i, "", StageCapture, fmt.Errorf("%w: layer output", ErrNumeric))
	}
	for n, f := range feats {
		if !f.AllFinite() {
			return q.fail(i, n, StageCapture, fmt.Errorf("%w: captured input", ErrNumeric))
		}
	}

	groups, err := q.model.ScalingGroups(i, feats, q.kwargs)
	if err != nil {
		return q.fail(i, "", StageGroups, err)
	}
	if len(groups) == 0 {
		return q.fail(i, "", StageGroups, fmt.Errorf("%w: no scaling groups", ErrAdapter))
	}
	results := make([]*ScaleResult, len(groups))
	for gi := range groups {
		g := &groups[gi]
		res, err := q.searchBestScale(g)
		if err != nil {
			return q.fail(i, g.PrevName, StageScale, err)
		}
		log.Debug("scale searched", "prev", g.PrevName, "layers", res.Layers, "ratio", res.Ratio, "loss", res.Loss)
		q.rec.ScaleSearched(g.PrevName, res.Ratio, res.Loss)
		results[gi] = res
	}
	for gi := range groups {
		if err := applyScale(&groups[gi], results[gi].Scales, feats); err != nil {
			return q.fail(i, groups[gi].PrevName, StageApplyScale, err)
		}
		rep.Scales = append(rep.Scales, ScaleRecord{Layer: name, ScaleResult: *results[gi]})
	}

	if q.cfg.ApplyClip {
		clips := make(map[*nn.Linear]*tensor.Mat)
		for _, l := range named {
			f := feats[l.Name]
			if skipClip(l.Name) || f == nil || f.R == 0 {
				continue
			}
			mv, err := bestClip(l.Weight, f, q.cfg.Config)
			if err != nil {
				return q.fail(i, l.Name, StageClip, err)
			}
			clips[l] = mv
		}
		for _, l := range named {
			mv, ok := clips[l]
			if !ok {
				continue
			}
			if err := applyClip(l, mv); err != nil {
				return q.fail(i, l.Name, StageClip, err)
			}
			q.rec.Clipped(l.Name)
			rep.Clipped = append(rep.Clipped, name+"."+l.Name)
		}
	}

	if !q.cfg.ExportCompatible {
		for _, l := range named {
			if err := l.Quantize(q.cfg.Config, q.format); err != nil {
				return q.fail(i, l.Name, StageQuantize, err)
			}
		}
	}

	q.inps = next
	clear(feats)
	debug.FreeOSMemory()
	elapsed := time.Since(start)
	q.rec.LayerDone(i, elapsed)
	log.Info("layer quantized", "groups", len(groups), "linears", len(named), "elapsed", elapsed)
	return nil
}

// Pack quantizes every linear still holding full precision weights. It is
// the second half of an ExportCompatible run, and also works on a network
// loaded from an export compatible checkpoint without Init.
func (q *Quantizer) Pack() error {
	if err := q.checkGroups(); err != nil {
		return err
	}
	n := 0
	for i, layer := range q.model.Layers() {
		for _, l := range q.namedLinears(layer) {
			if l.Quantized() {
				continue
			}
			if err := l.Quantize(q.cfg.Config, q.format); err != nil {
				return q.fail(i, l.Name, StageQuantize, err)
			}
			n++
		}
	}
	q.log.Info("packed linears", "count", n, "format", q.format)
	return nil
}

// namedLinears returns the block's linears minus the excluded ones.
func (q *Quantizer) namedLinears(layer model.Layer) []*nn.Linear {
	var out []*nn.Linear
	for _, l := range layer.Linears() {
		if !q.excluded(l.Name) {
			out = append(out, l)
		}
	}
	return out
}

func (q *Quantizer) excluded(name string) bool {
	for _, s := range q.exclude {
		if s != "" && strings.Contains(name, s) {
			return true
		}
	}
	return false
}

// checkGroups rejects a group size that does not divide some linear's row
// width before any weight is modified.
func (q *Quantizer) checkGroups() error {
	for i, layer := range q.model.Layers() {
		for _, l := range q.namedLinears(layer) {
			if _, err := q.cfg.GroupLen(l.In()); err != nil {
				return q.fail(i, l.Name, StageValidate, err)
			}
		}
	}
	return nil
}

func (q *Quantizer) fail(i int, group string, stage Stage, err error) error {
	le := &LayerError{Layer: i, Group: group, Stage: stage, Kind: kindOf(err), Err: err}
	if i >= 0 {
		le.Name = q.model.LayerName(i)
	}
	q.rec.Failed(kindName(le))
	q.log.Error("quantization failed", "layer", le.Name, "group", group, "stage", string(stage), "error", err)
	return le
}

func kindName(err error) string {
	switch {
	case errors.Is(err, ErrConfig):
		return "config"
	case errors.Is(err, ErrNumeric):
		return "numeric"
	case errors.Is(err, ErrSearchFailure):
		return "search_failure"
	}
	return "adapter"
}
