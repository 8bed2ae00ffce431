package wct2

import (
	"fmt"
	"io"
	"time"

	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/train/optimizers"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/pkg/errors"

	"github.com/gowct/wct2/vgg19"
)

// DataGenerator is the data-loading collaborator of Train: it yields batches
// of images already normalized to the model's input space (see
// NormalizeImage), shaped (batch, height, width, 3), with height and width
// equal to the model's ImageSize.
type DataGenerator interface {
	// NextBatch returns the next batch of the current epoch, or io.EOF when
	// the epoch is exhausted -- the next call starts a new epoch.
	NextBatch() (*tensors.Tensor, error)

	// NumSamples is the total number of training samples.
	NumSamples() int

	// Sample returns one single-image batch for periodic visual inspection.
	Sample() *tensors.Tensor

	// Show displays the given image tensors, e.g. on a notebook.
	Show(imgs ...*tensors.Tensor)
}

// gramMatrix returns a (numChannels, numChannels) matrix with the
// correlation of channels across the image, normalized by the number of
// spatial positions times the number of channels.
func gramMatrix(feat *Node) *Node {
	numChannels := feat.Shape().Dim(-1)
	spatialSize := feat.Shape().Dim(1) * feat.Shape().Dim(2)
	flat := Reshape(feat, -1, numChannels)
	gram := MatMul(Transpose(flat, 0, 1), flat)
	gram.AssertDims(numChannels, numChannels)
	return DivScalar(gram, float64(spatialSize*numChannels))
}

// gramLoss is the style-consistency regularizer: the mean squared difference
// between the gram matrices of img and recon at each backbone feature tap,
// averaged uniformly over the taps. It is zero when recon == img.
func gramLoss(ctx *context.Context, img, recon *Node) *Node {
	imgFeats := vgg19.FeaturePyramid(ctx, img)
	reconFeats := vgg19.FeaturePyramid(ctx, recon)

	var loss *Node
	for i := range imgFeats {
		layerLoss := ReduceAllMean(Square(Sub(gramMatrix(reconFeats[i]), gramMatrix(imgFeats[i]))))
		if loss == nil {
			loss = layerLoss
		} else {
			loss = Add(loss, layerLoss)
		}
	}
	return DivScalar(loss, float64(len(imgFeats)))
}

// trainStepGraph builds the computation graph for one training step: the
// autoencoder reconstruction of the batch, the pixel MSE plus weighted gram
// loss against the input itself, and the optimizer update. Only the decoder
// variables are trainable; the encoder and the loss backbone stay frozen.
func (m *Model) trainStepGraph(ctx *context.Context, img *Node) *Node {
	g := img.Graph()
	ctx.SetTraining(g, true)

	recon := m.reconstructGraph(ctx, img)
	loss := ReduceAllMean(Square(Sub(recon, img)))
	if m.gramLossWeight > 0 {
		loss = Add(loss, MulScalar(gramLoss(ctx, img, recon), m.gramLossWeight))
	}

	opt := optimizers.FromContext(ctx)
	opt.UpdateGraph(ctx, g, loss)
	return loss
}

// Train runs the autoencoder training loop for the given number of epochs:
// the input batch is its own target. It prints the mean loss per epoch, and
// every ShowInterval epochs it persists the weights (non-fatally on failure)
// and displays a reconstructed sample through the generator's display
// routine.
func (m *Model) Train(dataGen DataGenerator, epochs int) error {
	fmt.Printf("Train on %d samples\n", dataGen.NumSamples())

	trainExec := context.NewExec(m.backend, m.ctx, m.trainStepGraph)
	for epoch := 1; epoch <= epochs; epoch++ {
		start := time.Now()
		fmt.Printf("Train epoch %d/%d - ", epoch, epochs)

		var total float64
		var numBatches int
		for {
			batch, err := dataGen.NextBatch()
			if errors.Is(err, io.EOF) {
				break
			}
			if err != nil {
				return errors.Wrapf(err, "reading the next batch of epoch %d", epoch)
			}
			var loss *tensors.Tensor
			err = exceptions.TryCatch[error](func() { loss = trainExec.Call(batch)[0] })
			if err != nil {
				return errors.Wrapf(err, "training step failed at epoch %d", epoch)
			}
			total += float64(loss.Value().(float32))
			loss.FinalizeAll()
			numBatches++
		}
		meanLoss := total
		if numBatches > 0 {
			meanLoss = total / float64(numBatches)
		}
		fmt.Printf("loss: %.6f - %s\n", meanLoss, time.Since(start).Round(time.Millisecond))

		if m.showInterval > 0 && (epoch-1)%m.showInterval == 0 {
			if err := m.SaveWeights(); err != nil {
				fmt.Printf("Saving weights failed: %v\n", err)
			}
			sample := dataGen.Sample()
			recon, err := m.Reconstruct(sample)
			if err != nil {
				return errors.Wrapf(err, "reconstructing the sample of epoch %d", epoch)
			}
			dataGen.Show(sample, recon)
		}
	}
	return nil
}
