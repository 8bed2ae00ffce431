// Package wct2 implements photorealistic style transfer with wavelet
// corrected transforms (WCT2).
//
// It supports:
//
//   - "Photorealistic Style Transfer via Wavelet Transforms" 2019, Yoo, Uh,
//     Chun & Kang [https://arxiv.org/abs/1903.09760]: a VGG19-based
//     autoencoder whose downsampling is replaced by invertible wavelet
//     pooling, trained for reconstruction, with style transferred at
//     inference time by whitening-and-coloring transforms injected between
//     stages. See New and Pipeline.
//   - UI: DisplayImages on a Jupyter notebook using github.com/janpfeifer/gonb/gonbui
//   - I/O: LoadImage, NormalizeImage and friends.
package wct2

import (
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/context/checkpoints"
	"github.com/gomlx/gomlx/ml/train/optimizers"
)

const (
	// NumLevels is the number of wavelet pooling levels in the encoder, fixed
	// by the architecture: pooling happens after block1_conv2, block2_conv2
	// and block3_conv4 of the VGG19 backbone.
	NumLevels = 3

	// ParamGramLossWeight is the hyperparameter weighting the gram-matrix
	// style-consistency loss against the pixel reconstruction loss.
	// Defaults to 1.0.
	ParamGramLossWeight = "gram_loss_weight"

	// ParamShowInterval is the hyperparameter that defines how many epochs
	// pass between checkpoint saves and visual samples during training.
	// Defaults to 25.
	ParamShowInterval = "show_interval"
)

// Model is the WCT2 autoencoder: a frozen VGG19-prefix encoder with wavelet
// pooling, and a trainable mirrored decoder with wavelet unpooling.
//
// Create it with New, optionally LoadWeights, then Train it as an
// autoencoder and build the staged inference Pipeline for style transfer.
type Model struct {
	backend backends.Backend
	ctx     *context.Context

	baseDir   string
	imageSize int

	gramLossWeight float64
	showInterval   int

	checkpoint *checkpoints.Handler
	reconExec  *context.Exec
}

// New creates a WCT2 model working on square images of imageSize pixels,
// persisting its weights under baseDir. The context ctx holds the model
// variables and hyperparameters (see ParamGramLossWeight, ParamShowInterval
// and the optimizer parameters).
//
// imageSize must be a multiple of 8: the encoder halves the resolution at
// each of its three wavelet pooling levels.
func New(backend backends.Backend, ctx *context.Context, baseDir string, imageSize int) *Model {
	if imageSize <= 0 || imageSize%(1<<NumLevels) != 0 {
		exceptions.Panicf("wct2.New: imageSize must be a positive multiple of %d, got %d", 1<<NumLevels, imageSize)
	}
	if _, found := ctx.GetParam(optimizers.ParamOptimizer); !found {
		ctx.SetParam(optimizers.ParamOptimizer, "adam")
	}
	return &Model{
		backend:        backend,
		ctx:            ctx,
		baseDir:        baseDir,
		imageSize:      imageSize,
		gramLossWeight: context.GetParamOr(ctx, ParamGramLossWeight, 1.0),
		showInterval:   context.GetParamOr(ctx, ParamShowInterval, 25),
	}
}

// GramLossWeight sets the weight of the gram-matrix style-consistency loss
// added to the reconstruction loss during training.
func (m *Model) GramLossWeight(weight float64) *Model {
	m.gramLossWeight = weight
	return m
}

// ShowInterval sets how many epochs pass between periodic weight saves and
// visual samples during training. A value <= 0 disables both.
func (m *Model) ShowInterval(epochs int) *Model {
	m.showInterval = epochs
	return m
}

// LearningRate sets the optimizer learning rate hyperparameter.
func (m *Model) LearningRate(lr float64) *Model {
	m.ctx.SetParam(optimizers.ParamLearningRate, lr)
	return m
}

// ImageSize returns the square image resolution the model was built for.
func (m *Model) ImageSize() int { return m.imageSize }

// Context returns the context holding the model variables.
func (m *Model) Context() *context.Context { return m.ctx }
