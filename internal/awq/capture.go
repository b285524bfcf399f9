package awq

import (
	"github.com/samcharles93/awq/internal/model"
	"github.com/samcharles93/awq/internal/nn"
	"github.com/samcharles93/awq/internal/tensor"
)

// extraCaptures lists modules besides the linears whose inputs a scaling
// group needs, keyed on the architecture tag.
func extraCaptures(modelType string, l model.Layer) map[string]nn.Observable {
	switch modelType {
	case "mixtral":
		if dl, ok := l.(*nn.DecoderLayer); ok && dl.MoE != nil {
			return map[string]nn.Observable{"block_sparse_moe": dl.MoE}
		}
	}
	return nil
}

// captureLayer runs layer over the current inputs with observers on linears and
// the architecture's extra modules. It returns every observed input, stacked
// in call order, and the layer output, which becomes the next layer's input.
func (q *Quantizer) captureLayer(layer model.Layer, linears []*nn.Linear) (model.Features, *tensor.Mat, error) {
	seen := make(map[string][]*tensor.Mat)
	var removes []func()
	defer func() {
		for _, rm := range removes {
			rm()
		}
	}()
	observe := func(name string, o nn.Observable) {
		removes = append(removes, o.Observe(func(x *tensor.Mat) {
			seen[name] = append(seen[name], x.Clone())
		}))
	}
	for _, l := range linears {
		observe(l.Name, l)
	}
	for name, o := range extraCaptures(q.model.Type(), layer) {
		observe(name, o)
	}

	out, err := q.forward(layer, q.inps, q.kwargs)
	if err != nil {
		return nil, nil, err
	}
	feats := make(model.Features, len(seen))
	for name, xs := range seen {
		feats[name] = tensor.ConcatRows(xs...)
	}
	return feats, out, nil
}
