// Package vgg19 provides the fixed, frozen prefix of the VGG19 image
// classifier used by WCT2: the convolutions from block1_conv1 up to
// block4_conv1.
//
// It serves three roles: the loss network (the gram-matrix style loss reads
// the four block-conv1 feature taps), the source of the encoder's
// convolution weights (the encoder applies these same frozen layers), and
// the definition of the depths at which the encoder downsamples.
//
// Pretrained weights, when available, are restored from the model checkpoint
// into this package's variable scope; without them the backbone starts from
// random initialization, which is only useful for shape-level testing.
package vgg19

import (
	"slices"

	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/layers"
	"github.com/gomlx/gomlx/ml/layers/activations"
)

// Scope is the context scope under which all backbone variables live.
const Scope = "vgg19"

// KernelSize of every VGG19 convolution.
const KernelSize = 3

// LayerSpec names one backbone convolution and its output channel count.
type LayerSpec struct {
	Name    string
	Filters int
}

// Layers lists the backbone convolutions in application order, using the
// canonical VGG19 layer names.
var Layers = []LayerSpec{
	{"block1_conv1", 64}, {"block1_conv2", 64},
	{"block2_conv1", 128}, {"block2_conv2", 128},
	{"block3_conv1", 256}, {"block3_conv2", 256}, {"block3_conv3", 256}, {"block3_conv4", 256},
	{"block4_conv1", 512},
}

// FeatureLayers are the layers whose outputs form the feature pyramid used
// by the style loss, shallowest first.
var FeatureLayers = []string{"block1_conv1", "block2_conv1", "block3_conv1", "block4_conv1"}

// PoolAfter names the layers after which the backbone downsamples by 2. The
// WCT2 encoder replaces these max-poolings with wavelet decompositions.
var PoolAfter = []string{"block1_conv2", "block2_conv2", "block3_conv4"}

// LayerByName returns the LayerSpec of the named layer, panicking on unknown
// names: the tables above are fixed at compile time, a miss is a bug.
func LayerByName(name string) LayerSpec {
	for _, spec := range Layers {
		if spec.Name == name {
			return spec
		}
	}
	exceptions.Panicf("vgg19: unknown layer %q", name)
	return LayerSpec{} // Unreachable.
}

// ConvLayer applies the given backbone convolution (3x3, padding-same,
// followed by ReLU) to x, with the kernel and bias variables under
// ctx.In(spec.Name). The caller chooses the enclosing scope: pass a context
// already in Scope to share (or seed from) the backbone weights.
func ConvLayer(ctx *context.Context, x *Node, spec LayerSpec) *Node {
	x = layers.Convolution(ctx.In(spec.Name), x).
		Filters(spec.Filters).KernelSize(KernelSize).PadSame().Done()
	return activations.Relu(x)
}

// FeaturePyramid builds the frozen backbone on image, shaped
// (batch, height, width, 3), and returns the outputs of the FeatureLayers,
// shallowest first. All backbone variables are marked non-trainable.
//
// It can be called several times in the same graph (e.g. once per image the
// loss compares), all invocations sharing the same variables.
func FeaturePyramid(ctx *context.Context, image *Node) []*Node {
	if image.Rank() != 4 || image.Shape().Dim(-1) != 3 {
		exceptions.Panicf("vgg19.FeaturePyramid: image must be shaped (batch, height, width, 3), got %s",
			image.Shape())
	}
	ctxVgg := ctx.In(Scope).Checked(false)

	features := make([]*Node, 0, len(FeatureLayers))
	x := image
	for _, spec := range Layers {
		x = ConvLayer(ctxVgg, x, spec)
		if slices.Contains(FeatureLayers, spec.Name) {
			features = append(features, x)
		}
		if slices.Contains(PoolAfter, spec.Name) {
			x = MaxPool(x).Window(2).Done()
		}
	}

	Freeze(ctxVgg)
	return features
}

// Freeze marks every variable under ctx's scope as non-trainable. The
// backbone is never trained: the optimizer must not touch it even when it is
// built inside a training graph.
func Freeze(ctx *context.Context) {
	ctx.EnumerateVariablesInScope(func(v *context.Variable) {
		v.SetTrainable(false)
	})
}
