package wct2

// Staged inference: the trained autoencoder is re-assembled as a fixed
// sequence of partial forward passes, sliced exactly at the points where the
// whitening-and-coloring transform (WCT) must be injected. Content and style
// run through every stage independently; after each stage the content
// features are re-aligned to the style statistics.

import (
	"fmt"

	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/pkg/errors"

	"github.com/gowct/wct2/wct"
)

// StageKind classifies the stages of the inference pipeline.
type StageKind int

const (
	// StageEncode is the first encoder segment, before any pooling.
	StageEncode StageKind = iota
	// StagePool is an encoder segment ending right after a wavelet
	// decomposition and the following convolution; it emits the main branch
	// plus the four skip tensors.
	StagePool
	// StageDecode is a decoder segment holding the channel-halving
	// convolution ahead of an unpooling.
	StageDecode
	// StageUnpool is a decoder segment starting at a wavelet reconstruction
	// and running the trailing convolutions of that depth.
	StageUnpool
	// StageFinal maps the last features back to an RGB image.
	StageFinal
)

func (k StageKind) String() string {
	switch k {
	case StageEncode:
		return "encode"
	case StagePool:
		return "pool"
	case StageDecode:
		return "decode"
	case StageUnpool:
		return "unpool"
	case StageFinal:
		return "final"
	}
	return fmt.Sprintf("StageKind(%d)", int(k))
}

// Stage is one named, contiguous slice of the trained graph. The ordered
// stage list of a Pipeline reconstructs the full autoencoder with no gaps or
// overlaps.
type Stage struct {
	Kind StageKind
	Name string
	// Level is the pooling/unpooling level of StagePool, StageDecode and
	// StageUnpool stages, and -1 otherwise. Unpooling stage level i consumes
	// the skip bundle recorded by pooling level NumLevels-1-i.
	Level int

	exec *context.Exec
}

// Pipeline is the staged inference orchestrator built from a trained Model.
// It is read-only with respect to the model weights and can be reused for
// any number of transfers.
type Pipeline struct {
	model *Model

	encode *context.Exec
	pool   [NumLevels]*context.Exec
	decode [NumLevels]*context.Exec
	unpool [NumLevels]*context.Exec
	final  *context.Exec

	stages []Stage
}

// skipTensors holds the materialized skip outputs of one pooling stage.
type skipTensors struct {
	Ref, LH, HL, HH *tensors.Tensor
}

// NewPipeline partitions the model's graph into its inference stages,
// building one executor per stage over the shared frozen weights. The stage
// executors evaluate the same graph functions the training graph composes,
// so their boundaries align with the trained model by construction.
func NewPipeline(m *Model) *Pipeline {
	p := &Pipeline{model: m}
	p.encode = context.NewExec(m.backend, m.ctx, func(ctx *context.Context, img *Node) *Node {
		ctx.SetTraining(img.Graph(), false)
		return m.encodeStage(ctx, img)
	})
	p.stages = append(p.stages, Stage{Kind: StageEncode, Name: "encode", Level: -1, exec: p.encode})

	for level := 0; level < NumLevels; level++ {
		level := level
		p.pool[level] = context.NewExec(m.backend, m.ctx, func(ctx *context.Context, x *Node) []*Node {
			ctx.SetTraining(x.Graph(), false)
			out, skip := m.poolStage(ctx, level, x)
			return []*Node{out, skip.Ref, skip.LH, skip.HL, skip.HH}
		})
		p.stages = append(p.stages, Stage{Kind: StagePool, Name: fmt.Sprintf("pool_%d", level), Level: level, exec: p.pool[level]})
	}

	for level := 0; level < NumLevels; level++ {
		level := level
		p.decode[level] = context.NewExec(m.backend, m.ctx, func(ctx *context.Context, x *Node) *Node {
			ctx.SetTraining(x.Graph(), false)
			return m.decodeStage(ctx, level, x)
		})
		p.unpool[level] = context.NewExec(m.backend, m.ctx, func(ctx *context.Context, x, lh, hl, hh, ref *Node) *Node {
			ctx.SetTraining(x.Graph(), false)
			return m.unpoolStage(ctx, level, x, lh, hl, hh, ref)
		})
		p.stages = append(p.stages,
			Stage{Kind: StageDecode, Name: fmt.Sprintf("decode_%d", level), Level: level, exec: p.decode[level]},
			Stage{Kind: StageUnpool, Name: fmt.Sprintf("unpool_%d", level), Level: level, exec: p.unpool[level]})
	}

	p.final = context.NewExec(m.backend, m.ctx, func(ctx *context.Context, x *Node) *Node {
		ctx.SetTraining(x.Graph(), false)
		return m.finalStage(ctx, x)
	})
	p.stages = append(p.stages, Stage{Kind: StageFinal, Name: "final", Level: -1, exec: p.final})
	return p
}

// Stages returns the ordered stage list, in execution order.
func (p *Pipeline) Stages() []Stage {
	out := make([]Stage, len(p.stages))
	copy(out, p.stages)
	return out
}

// Transfer renders content in the style of style at full style strength
// (alpha = 1). Both tensors are (batch, height, width, 3) -- or
// (height, width, 3) for single images -- normalized to the model's input
// space, with spatial dimensions multiples of 8.
func (p *Pipeline) Transfer(content, style *tensors.Tensor) (*tensors.Tensor, error) {
	return p.TransferWithAlpha(content, style, 1.0)
}

// TransferWithAlpha is Transfer with an explicit blend factor alpha in
// [0, 1]: 0 reproduces the content reconstruction with no style influence, 1
// applies the full style statistics. The returned tensor is materialized,
// same shape as content.
func (p *Pipeline) TransferWithAlpha(content, style *tensors.Tensor, alpha float64) (out *tensors.Tensor, err error) {
	content, style = ensureBatch(content), ensureBatch(style)
	if err = checkTransferInputs(content, style); err != nil {
		return nil, err
	}
	err = exceptions.TryCatch[error](func() { out = p.run(content, style, alpha) })
	if err != nil {
		return nil, errors.Wrap(err, "wct2: staged transfer failed")
	}
	return out, nil
}

// run implements the staged protocol. Failures surface as error panics,
// caught by TransferWithAlpha.
func (p *Pipeline) run(content, style *tensors.Tensor, alpha float64) *tensors.Tensor {
	blend := func(c, s *tensors.Tensor, where string) *tensors.Tensor {
		out, err := wct.Transform(c, s, alpha)
		if err != nil {
			panic(errors.Wrapf(err, "whitening-and-coloring after %s", where))
		}
		return out
	}

	// Encoder: pool stage outputs are WCT-blended on the main branch and on
	// each of the four skip tensors; the style stream keeps its own raw
	// skips for the decoder.
	cFeat := p.encode.Call(content)[0]
	sFeat := p.encode.Call(style)[0]
	cFeat = blend(cFeat, sFeat, "encode")

	var cSkips, sSkips [NumLevels]skipTensors
	for level := 0; level < NumLevels; level++ {
		name := p.stages[1+level].Name
		cOut := p.pool[level].Call(cFeat)
		sOut := p.pool[level].Call(sFeat)
		cFeat, sFeat = cOut[0], sOut[0]
		sSkips[level] = skipTensors{Ref: sOut[1], LH: sOut[2], HL: sOut[3], HH: sOut[4]}
		cSkips[level] = skipTensors{
			Ref: blend(cOut[1], sOut[1], name),
			LH:  blend(cOut[2], sOut[2], name),
			HL:  blend(cOut[3], sOut[3], name),
			HH:  blend(cOut[4], sOut[4], name),
		}
		cFeat = blend(cFeat, sFeat, name)
	}

	// Decoder: unpooling stage level i consumes the bundle from pooling
	// level NumLevels-1-i, content stream with the blended bundle, style
	// stream with its own.
	for level := 0; level < NumLevels; level++ {
		cFeat = p.decode[level].Call(cFeat)[0]
		sFeat = p.decode[level].Call(sFeat)[0]
		if level == 0 {
			cFeat = blend(cFeat, sFeat, "decode_0")
		}

		paired := NumLevels - 1 - level
		cs, ss := cSkips[paired], sSkips[paired]
		cFeat = p.unpool[level].Call(cFeat, cs.LH, cs.HL, cs.HH, cs.Ref)[0]
		sFeat = p.unpool[level].Call(sFeat, ss.LH, ss.HL, ss.HH, ss.Ref)[0]
		assertPairing(cFeat, cs.Ref, level, paired)
		cFeat = blend(cFeat, sFeat, fmt.Sprintf("unpool_%d", level))
	}

	return p.final.Call(cFeat)[0]
}

// assertPairing checks that the unpooling stage restored exactly the spatial
// resolution recorded by its paired pooling stage. A mismatch means a skip
// bundle was routed to the wrong depth, which would otherwise corrupt the
// output silently.
func assertPairing(got, ref *tensors.Tensor, level, paired int) {
	gotDims, refDims := got.Shape().Dimensions, ref.Shape().Dimensions
	if gotDims[1] != refDims[1] || gotDims[2] != refDims[2] {
		panic(errors.Errorf(
			"unpooling stage %d produced %dx%d, but its paired pooling stage %d recorded %dx%d",
			level, gotDims[1], gotDims[2], paired, refDims[1], refDims[2]))
	}
}

func checkTransferInputs(content, style *tensors.Tensor) error {
	for _, t := range []*tensors.Tensor{content, style} {
		if t.Rank() != 4 || t.Shape().Dim(-1) != 3 {
			return errors.Errorf("wct2: transfer inputs must be shaped (batch, height, width, 3), got %s", t.Shape())
		}
		if t.Shape().Dim(1)%(1<<NumLevels) != 0 || t.Shape().Dim(2)%(1<<NumLevels) != 0 {
			return errors.Errorf("wct2: transfer input spatial dimensions must be multiples of %d, got %s",
				1<<NumLevels, t.Shape())
		}
	}
	if content.Shape().Dim(0) != style.Shape().Dim(0) {
		return errors.Errorf("wct2: content batch %d and style batch %d differ",
			content.Shape().Dim(0), style.Shape().Dim(0))
	}
	return nil
}
