// Package wct implements the whitening-and-coloring transform (WCT): it
// re-aligns the per-channel mean and covariance of a content feature tensor
// to those of a style feature tensor, preserving the content's spatial
// structure.
//
// The transform runs on materialized tensors, on the host: the staged
// inference pipeline hands tensors between stages anyway, and the covariance
// square roots need an eigendecomposition, done here with gonum. Every call
// is a fresh, stateless transform -- inputs are never mutated.
package wct

import (
	"math"

	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
)

var (
	// ErrShape indicates content and style tensors with incompatible
	// dimensions, or a tensor the transform cannot operate on.
	ErrShape = errors.New("wct: incompatible tensor shapes")

	// ErrNumerical indicates the covariance eigendecomposition failed even
	// after regularization.
	ErrNumerical = errors.New("wct: covariance factorization failed")
)

// epsilon is added to the covariance diagonal before factorization so the
// inverse square root exists even for rank-deficient feature maps.
const epsilon = 1e-5

// Transform whitens the content features and colors them with the style
// statistics, blending the result with the original content:
//
//	output = alpha*colored + (1-alpha)*content
//
// Both tensors must be float32, shaped (batch, height, width, channels) with
// matching batch and channel dimensions; the spatial dimensions may differ,
// since only the style's channel statistics are used. alpha must be in
// [0, 1]; with alpha == 0 the content is returned unchanged (bit-exact copy).
func Transform(content, style *tensors.Tensor, alpha float64) (*tensors.Tensor, error) {
	if alpha < 0 || alpha > 1 {
		return nil, errors.Errorf("wct: alpha must be in [0, 1], got %g", alpha)
	}
	if err := checkShapes(content, style); err != nil {
		return nil, err
	}

	cDims := content.Shape().Dimensions
	batch, height, width, channels := cDims[0], cDims[1], cDims[2], cDims[3]
	contentSpatial := height * width
	styleSpatial := style.Shape().Dim(1) * style.Shape().Dim(2)

	cFlat := copyFlat(content)
	if alpha == 0 {
		return tensors.FromFlatDataAndDimensions(cFlat, cDims...), nil
	}
	sFlat := copyFlat(style)

	out := make([]float32, len(cFlat))
	for b := 0; b < batch; b++ {
		cSlab := cFlat[b*contentSpatial*channels : (b+1)*contentSpatial*channels]
		sSlab := sFlat[b*styleSpatial*channels : (b+1)*styleSpatial*channels]
		outSlab := out[b*contentSpatial*channels : (b+1)*contentSpatial*channels]
		if err := transformSlab(outSlab, cSlab, sSlab, contentSpatial, styleSpatial, channels, alpha); err != nil {
			return nil, err
		}
	}
	return tensors.FromFlatDataAndDimensions(out, cDims...), nil
}

func checkShapes(content, style *tensors.Tensor) error {
	if content.DType() != dtypes.Float32 || style.DType() != dtypes.Float32 {
		return errors.Wrapf(ErrShape, "dtypes %s and %s, only Float32 is supported",
			content.DType(), style.DType())
	}
	if content.Rank() != 4 || style.Rank() != 4 {
		return errors.Wrapf(ErrShape, "content %s and style %s must be rank-4 (batch, height, width, channels)",
			content.Shape(), style.Shape())
	}
	if content.Shape().Dim(0) != style.Shape().Dim(0) || content.Shape().Dim(3) != style.Shape().Dim(3) {
		return errors.Wrapf(ErrShape, "content %s and style %s must agree on batch and channel dimensions",
			content.Shape(), style.Shape())
	}
	return nil
}

func copyFlat(t *tensors.Tensor) []float32 {
	var out []float32
	tensors.ConstFlatData[float32](t, func(flat []float32) {
		out = make([]float32, len(flat))
		copy(out, flat)
	})
	return out
}

// transformSlab applies the WCT to one batch element: content (n, k) and
// style (ns, k) row-major slabs of spatial samples by channels.
func transformSlab(out, content, style []float32, n, ns, k int, alpha float64) error {
	cData := toFloat64(content)
	sData := toFloat64(style)
	cMat := mat.NewDense(n, k, cData)
	sMat := mat.NewDense(ns, k, sData)

	cMean := columnMeans(cMat)
	sMean := columnMeans(sMat)

	// Whitener: (cov(content)+eps*I)^(-1/2); colorer: (cov(style)+eps*I)^(1/2).
	whiten, err := covPow(cMat, -0.5)
	if err != nil {
		return err
	}
	color, err := covPow(sMat, 0.5)
	if err != nil {
		return err
	}

	// Single (k, k) recoloring matrix, applied to the centered content.
	var recolor mat.Dense
	recolor.Mul(whiten, color)

	var centered mat.Dense
	centered.Apply(func(_, j int, v float64) float64 { return v - cMean[j] }, cMat)
	var colored mat.Dense
	colored.Mul(&centered, &recolor)

	for i := 0; i < n; i++ {
		for j := 0; j < k; j++ {
			v := alpha*(colored.At(i, j)+sMean[j]) + (1-alpha)*cMat.At(i, j)
			out[i*k+j] = float32(v)
		}
	}
	return nil
}

// covPow returns (cov(x)+eps*I)^pow computed through the eigendecomposition
// of the regularized sample covariance of x's columns.
func covPow(x *mat.Dense, pow float64) (*mat.Dense, error) {
	_, k := x.Dims()
	cov := mat.NewSymDense(k, nil)
	stat.CovarianceMatrix(cov, x, nil)
	for i := 0; i < k; i++ {
		cov.SetSym(i, i, cov.At(i, i)+epsilon)
	}

	var eig mat.EigenSym
	if !eig.Factorize(cov, true) {
		return nil, errors.Wrapf(ErrNumerical, "eigendecomposition of a %dx%d covariance", k, k)
	}
	values := eig.Values(nil)
	var vectors mat.Dense
	eig.VectorsTo(&vectors)

	scaled := mat.NewDiagDense(k, nil)
	for i, v := range values {
		if v < epsilon {
			// Numerical noise can push regularized eigenvalues slightly below
			// epsilon; clamp so the fractional power stays real and bounded.
			v = epsilon
		}
		scaled.SetDiag(i, math.Pow(v, pow))
	}

	var tmp, result mat.Dense
	tmp.Mul(&vectors, scaled)
	result.Mul(&tmp, vectors.T())
	return &result, nil
}

func columnMeans(x *mat.Dense) []float64 {
	rows, cols := x.Dims()
	means := make([]float64, cols)
	for j := 0; j < cols; j++ {
		var sum float64
		for i := 0; i < rows; i++ {
			sum += x.At(i, j)
		}
		means[j] = sum / float64(rows)
	}
	return means
}

func toFloat64(x []float32) []float64 {
	out := make([]float64, len(x))
	for i, v := range x {
		out[i] = float64(v)
	}
	return out
}
