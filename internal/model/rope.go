package model

import (
	"fmt"
	"math"
	"strings"

	"github.com/samcharles93/awq/internal/tensor"
)

// ropeScalingJSON is the rope_scaling (or rope_parameters) object of
// config.json.
type ropeScalingJSON struct {
	RopeType                      string   `json:"rope_type"`
	Type                          string   `json:"type"`
	Factor                        float64  `json:"factor"`
	OriginalMaxPositionEmbeddings int      `json:"original_max_position_embeddings"`
	LowFreqFactor                 float64  `json:"low_freq_factor"`
	HighFreqFactor                float64  `json:"high_freq_factor"`
	AttentionFactor               float64  `json:"attention_factor"`
	BetaFast                      float64  `json:"beta_fast"`
	BetaSlow                      float64  `json:"beta_slow"`
	MScale                        float64  `json:"mscale"`
	MScaleAllDim                  float64  `json:"mscale_all_dim"`
	Truncate                      *bool    `json:"truncate"`
	RopeTheta                     *float64 `json:"rope_theta"`
}

// ropeScaling is a resolved rotary scaling rule with defaults filled in.
type ropeScaling struct {
	Type       string // linear, llama3 or yarn
	Factor     float64
	OrigMaxCtx int
	LowFactor  float64
	HighFactor float64
	AttnFactor float64
	BetaFast   float64
	BetaSlow   float64
	Truncate   bool
}

// rope is what the attention layers need: per-dimension inverse
// frequencies and the factor applied to rotated queries and keys.
type rope struct {
	invFreq []float64
	attn    float32
}

// ropeForConfig derives the rotary frequencies of a decoder. Unscaled
// checkpoints get plain frequencies for theta.
func ropeForConfig(cfg *hfConfig, headDim int, theta float64) (rope, error) {
	inv := tensor.RoPEFreqs(headDim, theta)
	rs, err := ropeScalingForConfig(cfg)
	if err != nil || rs == nil {
		return rope{invFreq: inv, attn: 1}, err
	}
	attn := applyRopeScaling(inv, theta, rs)
	return rope{invFreq: inv, attn: float32(attn)}, nil
}

func ropeScalingForConfig(cfg *hfConfig) (*ropeScaling, error) {
	raw := cfg.RopeScaling
	if raw == nil {
		raw = cfg.RopeParameters
	}
	if raw == nil {
		return nil, nil
	}
	kind := strings.ToLower(strings.TrimSpace(raw.RopeType))
	if kind == "" {
		kind = strings.ToLower(strings.TrimSpace(raw.Type))
	}
	if kind == "" || kind == "default" {
		if raw.Factor <= 0 || raw.Factor == 1 {
			return nil, nil
		}
		kind = "linear"
	}
	switch kind {
	case "linear", "llama3", "yarn":
	default:
		return nil, fmt.Errorf("%w: rope scaling %q", ErrUnsupported, kind)
	}

	rs := &ropeScaling{
		Type:       kind,
		Factor:     raw.Factor,
		OrigMaxCtx: raw.OriginalMaxPositionEmbeddings,
		LowFactor:  raw.LowFreqFactor,
		HighFactor: raw.HighFreqFactor,
		AttnFactor: raw.AttentionFactor,
		BetaFast:   raw.BetaFast,
		BetaSlow:   raw.BetaSlow,
		Truncate:   true,
	}
	if raw.Truncate != nil {
		rs.Truncate = *raw.Truncate
	}
	maxPos := cfg.MaxPositionEmbeddings
	if rs.OrigMaxCtx <= 0 {
		rs.OrigMaxCtx = maxPos
	}
	if rs.LowFactor <= 0 {
		rs.LowFactor = 1
	}
	if rs.HighFactor <= 0 {
		rs.HighFactor = rs.LowFactor
	}
	if rs.BetaFast <= 0 {
		rs.BetaFast = 32
	}
	if rs.BetaSlow <= 0 {
		rs.BetaSlow = 1
	}
	if rs.Factor <= 0 && rs.OrigMaxCtx > 0 && maxPos > 0 && maxPos != rs.OrigMaxCtx {
		rs.Factor = float64(maxPos) / float64(rs.OrigMaxCtx)
	}
	if rs.Factor <= 0 {
		rs.Factor = 1
	}
	if rs.AttnFactor <= 0 {
		rs.AttnFactor = 1
		if rs.Type == "yarn" {
			rs.AttnFactor = yarnAttentionFactor(rs.Factor, raw.MScale, raw.MScaleAllDim)
		}
	}
	return rs, nil
}

// applyRopeScaling rewrites invFreq in place and returns the attention
// factor.
func applyRopeScaling(invFreq []float64, base float64, rs *ropeScaling) float64 {
	if len(invFreq) == 0 || rs == nil {
		return 1
	}
	if base <= 0 {
		base = 10_000
	}
	origCtx := float64(max(rs.OrigMaxCtx, 1))
	switch rs.Type {
	case "llama3":
		applyLlama3Scaling(invFreq, rs.Factor, origCtx, rs.LowFactor, rs.HighFactor)
	case "yarn":
		applyYarnScaling(invFreq, base, rs.Factor, origCtx, rs.BetaFast, rs.BetaSlow, rs.Truncate)
	default:
		divide(invFreq, rs.Factor)
	}
	return rs.AttnFactor
}

func divide(invFreq []float64, factor float64) {
	if factor == 0 || factor == 1 {
		return
	}
	for i, f := range invFreq {
		invFreq[i] = f / factor
	}
}

// applyLlama3Scaling leaves high frequencies alone, divides low ones by
// factor and blends smoothly between the two bands.
func applyLlama3Scaling(invFreq []float64, factor, origCtx, lowFactor, highFactor float64) {
	if factor == 0 || factor == 1 || origCtx <= 0 {
		return
	}
	if highFactor <= lowFactor {
		divide(invFreq, factor)
		return
	}
	lowFreqWavelen := origCtx / lowFactor
	highFreqWavelen := origCtx / highFactor

	for i, f := range invFreq {
		if f == 0 {
			continue
		}
		waveLen := (2 * math.Pi) / f
		switch {
		case waveLen > lowFreqWavelen:
			invFreq[i] = f / factor
		case waveLen < highFreqWavelen:
		default:
			smooth := (origCtx/waveLen - lowFactor) / (highFactor - lowFactor)
			invFreq[i] = (1-smooth)*f/factor + smooth*f
		}
	}
}

func yarnAttentionFactor(factor, mscale, mscaleAllDim float64) float64 {
	get := func(scale, mul float64) float64 {
		if scale <= 1 {
			return 1
		}
		if mul <= 0 {
			mul = 1
		}
		return 0.1*mul*math.Log(scale) + 1
	}
	if mscale > 0 && mscaleAllDim > 0 {
		return get(factor, mscale) / get(factor, mscaleAllDim)
	}
	return get(factor, mscale)
}

// applyYarnScaling interpolates between extrapolated and interpolated
// frequencies with a linear ramp over the correction range.
func applyYarnScaling(invFreq []float64, base, factor, origCtx, betaFast, betaSlow float64, truncate bool) {
	if factor == 0 || factor == 1 {
		return
	}
	if base <= 1 || origCtx <= 0 {
		divide(invFreq, factor)
		return
	}
	dim := float64(len(invFreq) * 2)

	correctionDim := func(rotations float64) float64 {
		numer := origCtx / (rotations * 2 * math.Pi)
		if numer <= 0 {
			return 0
		}
		return (dim * math.Log(numer)) / (2 * math.Log(base))
	}
	low, high := correctionDim(betaFast), correctionDim(betaSlow)
	if truncate {
		low, high = math.Floor(low), math.Ceil(high)
	}
	low = max(low, 0)
	high = min(high, dim-1)
	if low == high {
		high += 0.001
	}

	for i, f := range invFreq {
		ramp := min(max((float64(i)-low)/(high-low), 0), 1)
		invFreq[i] = (f/factor)*ramp + f*(1-ramp)
	}
}
