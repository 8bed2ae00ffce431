package wct2

import (
	"bytes"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"os"

	"github.com/gomlx/gomlx/backends"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gomlx/types/tensors/images"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/janpfeifer/gonb/gonbui"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	_ "golang.org/x/image/webp"
)

// Per-channel statistics of the model's input normalization (the usual
// ImageNet values). NormalizeImage and DenormalizeImage are exact inverses
// of each other.
var (
	channelMean = []float32{0.485, 0.456, 0.406}
	channelStd  = []float32{0.229, 0.224, 0.225}
)

// DisplayImages using gonbui.
// It only works in a notebook.
func DisplayImages(imgs ...*tensors.Tensor) {
	buf := &bytes.Buffer{}
	fmt.Fprintf(buf, "<table><tr>\n")
	for _, img := range imgs {
		src := must.M1(gonbui.EmbedImageAsPNGSrc(images.ToImage().Single(img)))
		fmt.Fprintf(buf, "  <td><img src=\"%s\"/></td>\n", src)
	}
	fmt.Fprintf(buf, "</tr></table>\n")
	gonbui.DisplayHTMLF(buf.String())
}

// LoadImage reads an image file into a tensor shaped (height, width, 3) with
// values from 0.0 to 1.0.
//
// The image type is taken from its contents; png, jpg, gif and webp are
// accepted.
func LoadImage(imagePath string) (imgT *tensors.Tensor, err error) {
	imgFile, err := os.Open(imagePath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open image in %s", imagePath)
	}
	defer func() { _ = imgFile.Close() }()

	img, _, err := image.Decode(imgFile)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to decode image in %s", imagePath)
	}
	imgT = images.ToTensor(dtypes.Float32).Single(img)
	return
}

// ResizeImage resizes the image(s) to size x size pixels by interpolation.
// It accepts a single (height, width, channels) image or a batch of them.
func ResizeImage(backend backends.Backend, img *tensors.Tensor, size int) *tensors.Tensor {
	return ExecOnce(backend, func(img *Node) *Node {
		isSingle := img.Rank() == 3
		if isSingle {
			// Add batch dimension.
			img = ExpandAxes(img, 0)
		}
		img = Interpolate(img, img.Shape().Dim(0), size, size, img.Shape().Dim(-1)).Done()
		if isSingle {
			img = Squeeze(img, 0)
		}
		return img
	}, img)
}

// NormalizeImage maps a [0, 1] RGB tensor into the model's input space,
// standardizing each channel. Accepts single images or batches.
func NormalizeImage(backend backends.Backend, img *tensors.Tensor) *tensors.Tensor {
	return ExecOnce(backend, func(img *Node) *Node {
		return onBatched(img, normalizeGraph)
	}, img)
}

// DenormalizeImage reverses NormalizeImage, back to [0, 1] RGB values
// (unclipped).
func DenormalizeImage(backend backends.Backend, img *tensors.Tensor) *tensors.Tensor {
	return ExecOnce(backend, func(img *Node) *Node {
		return onBatched(img, denormalizeGraph)
	}, img)
}

// DeprocessImage denormalizes a model-space tensor and clips it to the
// displayable [0, 1] range, ready for DisplayImages or encoding.
func DeprocessImage(backend backends.Backend, img *tensors.Tensor) *tensors.Tensor {
	return ExecOnce(backend, func(img *Node) *Node {
		return onBatched(img, func(x *Node) *Node {
			return ClipScalar(denormalizeGraph(x), 0, 1)
		})
	}, img)
}

// LoadScaledImages loads the content and style images, scales them to
// size x size and normalizes them to the model's input space.
func LoadScaledImages(backend backends.Backend, contentPath, stylePath string, size int) (content, style *tensors.Tensor) {
	content = must.M1(LoadImage(contentPath))
	style = must.M1(LoadImage(stylePath))
	fmt.Println("Images:")
	fmt.Printf("- content:\t%s\n", content.Shape())
	fmt.Printf("- style:  \t%s\n", style.Shape())
	content = NormalizeImage(backend, ResizeImage(backend, content, size))
	style = NormalizeImage(backend, ResizeImage(backend, style, size))
	fmt.Printf("\t> Scaled to %s\n", content.Shape())
	return
}

// onBatched applies fn to img with a batch dimension, adding and removing a
// temporary one for single (rank-3) images.
func onBatched(img *Node, fn func(*Node) *Node) *Node {
	isSingle := img.Rank() == 3
	if isSingle {
		img = ExpandAxes(img, 0)
	}
	img = fn(img)
	if isSingle {
		img = Squeeze(img, 0)
	}
	return img
}

func normalizeGraph(img *Node) *Node {
	g := img.Graph()
	mean := Reshape(Const(g, channelMean), 1, 1, 1, 3)
	std := Reshape(Const(g, channelStd), 1, 1, 1, 3)
	return Div(Sub(img, mean), std)
}

func denormalizeGraph(img *Node) *Node {
	g := img.Graph()
	mean := Reshape(Const(g, channelMean), 1, 1, 1, 3)
	std := Reshape(Const(g, channelStd), 1, 1, 1, 3)
	return Add(Mul(img, std), mean)
}
