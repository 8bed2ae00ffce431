package wct2

// This file builds the autoencoder computation graph. The graph is expressed
// as a fixed sequence of stage functions (encode, pool x3, decode x3,
// unpool x3, final); reconstructGraph composes them end-to-end for training
// and reconstruction, and Pipeline wraps each one in its own executor for
// staged inference -- both views share the same functions, so the stage
// boundaries cannot drift apart.

import (
	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/layers"
	"github.com/gomlx/gomlx/ml/layers/activations"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/pkg/errors"

	"github.com/gowct/wct2/vgg19"
	"github.com/gowct/wct2/wavelet"
)

// decoderScope is the context scope of the trainable decoder variables,
// disjoint from the frozen vgg19.Scope the encoder shares with the backbone.
const decoderScope = "decoder"

// poolStageSpec describes one encoder pooling stage: the backbone
// convolutions applied before the wavelet decomposition and the first
// convolution applied to the LL band after it.
type poolStageSpec struct {
	before []vgg19.LayerSpec
	after  vgg19.LayerSpec
}

// unpoolStageSpec describes one decoder unpooling stage: the convolution
// halving the channel count ahead of the wavelet reconstruction, and the
// channel-preserving convolutions that follow it.
type unpoolStageSpec struct {
	halve vgg19.LayerSpec
	after []vgg19.LayerSpec
}

var (
	// encodeEntry is the first encoder convolution, before any pooling.
	encodeEntry = vgg19.LayerByName("block1_conv1")

	// poolStages, indexed by level, shallowest first.
	poolStages = [NumLevels]poolStageSpec{
		{
			before: []vgg19.LayerSpec{vgg19.LayerByName("block1_conv2")},
			after:  vgg19.LayerByName("block2_conv1"),
		},
		{
			before: []vgg19.LayerSpec{vgg19.LayerByName("block2_conv2")},
			after:  vgg19.LayerByName("block3_conv1"),
		},
		{
			before: []vgg19.LayerSpec{
				vgg19.LayerByName("block3_conv2"),
				vgg19.LayerByName("block3_conv3"),
				vgg19.LayerByName("block3_conv4"),
			},
			after: vgg19.LayerByName("block4_conv1"),
		},
	}

	// unpoolStages, indexed by decoder order (deepest first). Stage i
	// consumes the skip bundle recorded by pooling level NumLevels-1-i. The
	// decoder convolutions mirror the encoder layer names, but live in
	// decoderScope and are trainable.
	unpoolStages = [NumLevels]unpoolStageSpec{
		{
			halve: vgg19.LayerByName("block4_conv1"),
			after: []vgg19.LayerSpec{
				vgg19.LayerByName("block3_conv4"),
				vgg19.LayerByName("block3_conv3"),
				vgg19.LayerByName("block3_conv2"),
			},
		},
		{
			halve: vgg19.LayerByName("block3_conv1"),
			after: []vgg19.LayerSpec{vgg19.LayerByName("block2_conv2")},
		},
		{
			halve: vgg19.LayerByName("block2_conv1"),
			after: []vgg19.LayerSpec{vgg19.LayerByName("block1_conv2")},
		},
	}
)

// skipBundle carries one pooling stage's skip tensors: the full-resolution
// reference (the input of the wavelet decomposition) and the three
// high-frequency sub-bands. The LL band is not part of the bundle, it
// continues through the network.
type skipBundle struct {
	Ref, LH, HL, HH *Node
}

// encoderCtx returns the context scope of the encoder convolutions: the
// backbone's own scope, so the encoder runs on the backbone weights
// directly. Both uses are frozen, which makes sharing equivalent to the
// copy-and-freeze seeding the architecture calls for.
func (m *Model) encoderCtx(ctx *context.Context) *context.Context {
	return ctx.In(vgg19.Scope).Checked(false)
}

// decoderConv applies a trainable 3x3 padding-same convolution named after
// the encoder layer it mirrors.
func decoderConv(ctx *context.Context, x *Node, name string, filters int, relu bool) *Node {
	x = layers.Convolution(ctx.In(name), x).
		Filters(filters).KernelSize(vgg19.KernelSize).PadSame().Done()
	if relu {
		x = activations.Relu(x)
	}
	return x
}

// encodeStage applies the first encoder convolution to the input image.
func (m *Model) encodeStage(ctx *context.Context, img *Node) *Node {
	validateImage(img)
	encCtx := m.encoderCtx(ctx)
	x := vgg19.ConvLayer(encCtx, img, encodeEntry)
	vgg19.Freeze(encCtx)
	return x
}

// poolStage runs one encoder pooling level: the remaining convolutions of
// the block, a wavelet decomposition, and the first convolution of the next
// block on the LL band. It returns the main branch output and the skip
// bundle to be consumed by the symmetric unpooling stage.
func (m *Model) poolStage(ctx *context.Context, level int, x *Node) (*Node, skipBundle) {
	encCtx := m.encoderCtx(ctx)
	stage := poolStages[level]
	for _, spec := range stage.before {
		x = vgg19.ConvLayer(encCtx, x, spec)
	}
	bands := wavelet.Decompose(x)
	skip := skipBundle{Ref: x, LH: bands.LH, HL: bands.HL, HH: bands.HH}
	out := vgg19.ConvLayer(encCtx, bands.LL, stage.after)
	vgg19.Freeze(encCtx)
	return out, skip
}

// decodeStage applies the trainable convolution that halves the channel
// count ahead of unpooling stage level.
func (m *Model) decodeStage(ctx *context.Context, level int, x *Node) *Node {
	spec := unpoolStages[level].halve
	return decoderConv(ctx.In(decoderScope), x, spec.Name, spec.Filters/2, true)
}

// unpoolStage reconstructs the full-resolution tensor from the main branch
// and the skip bundle, then applies the trailing decoder convolutions of
// this depth.
func (m *Model) unpoolStage(ctx *context.Context, level int, x, lh, hl, hh, ref *Node) *Node {
	out := wavelet.Reconstruct(wavelet.Bands{LL: x, LH: lh, HL: hl, HH: hh}, ref)
	dCtx := ctx.In(decoderScope)
	for _, spec := range unpoolStages[level].after {
		out = decoderConv(dCtx, out, spec.Name, spec.Filters, true)
	}
	return out
}

// finalStage maps the last decoder features back to a 3-channel image with a
// linear (no activation) convolution.
func (m *Model) finalStage(ctx *context.Context, x *Node) *Node {
	return decoderConv(ctx.In(decoderScope), x, "output", 3, false)
}

// reconstructGraph composes the full autoencoder: encoder with wavelet
// pooling, then the mirrored decoder with wavelet unpooling. Skip bundles
// live in a fixed depth-3 array; pooling level i is consumed by unpooling
// stage NumLevels-1-i, so the pairing is fixed by indexing rather than by a
// dynamic stack.
func (m *Model) reconstructGraph(ctx *context.Context, img *Node) *Node {
	var skips [NumLevels]skipBundle
	x := m.encodeStage(ctx, img)
	for level := 0; level < NumLevels; level++ {
		x, skips[level] = m.poolStage(ctx, level, x)
	}
	for level := 0; level < NumLevels; level++ {
		x = m.decodeStage(ctx, level, x)
		paired := skips[NumLevels-1-level]
		x = m.unpoolStage(ctx, level, x, paired.LH, paired.HL, paired.HH, paired.Ref)
	}
	return m.finalStage(ctx, x)
}

// Reconstruct runs the autoencoder on img, shaped (batch, height, width, 3)
// -- or (height, width, 3) for a single image -- with spatial dimensions
// multiples of 8, and returns the reconstructed image tensor.
func (m *Model) Reconstruct(img *tensors.Tensor) (out *tensors.Tensor, err error) {
	img = ensureBatch(img)
	if m.reconExec == nil {
		m.reconExec = context.NewExec(m.backend, m.ctx, func(ctx *context.Context, img *Node) *Node {
			ctx.SetTraining(img.Graph(), false)
			return m.reconstructGraph(ctx, img)
		})
	}
	err = exceptions.TryCatch[error](func() { out = m.reconExec.Call(img)[0] })
	if err != nil {
		return nil, errors.Wrap(err, "wct2: reconstruction failed")
	}
	return out, nil
}

// validateImage checks the shape contract of the autoencoder input.
func validateImage(img *Node) {
	if img.Rank() != 4 || img.Shape().Dim(-1) != 3 {
		exceptions.Panicf("wct2: input must be shaped (batch, height, width, 3), got %s", img.Shape())
	}
	height, width := img.Shape().Dim(1), img.Shape().Dim(2)
	if height%(1<<NumLevels) != 0 || width%(1<<NumLevels) != 0 {
		exceptions.Panicf("wct2: input spatial dimensions must be multiples of %d for %d wavelet levels, got %s",
			1<<NumLevels, NumLevels, img.Shape())
	}
}

// ensureBatch adds a leading batch dimension of 1 to rank-3 tensors. Other
// ranks are returned unchanged and left for graph-side validation.
func ensureBatch(t *tensors.Tensor) *tensors.Tensor {
	if t.Rank() != 3 {
		return t
	}
	dims := t.Shape().Dimensions
	var flat []float32
	tensors.ConstFlatData[float32](t, func(data []float32) {
		flat = make([]float32, len(data))
		copy(flat, data)
	})
	return tensors.FromFlatDataAndDimensions(flat, 1, dims[0], dims[1], dims[2])
}
