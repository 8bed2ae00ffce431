// Package wavelet implements the wavelet pooling and unpooling used by the
// WCT2 autoencoder: a single level of the orthonormal 2x2 Haar transform over
// the spatial axes of a feature map.
//
// Decompose splits a (batch, height, width, channels) feature map into four
// half-resolution sub-bands (LL, LH, HL, HH), and Reconstruct is its exact
// inverse -- Reconstruct(Decompose(x), x) == x up to floating point rounding.
// Both are parameter-free linear graph ops, so they are non-trainable but
// gradients flow through them.
package wavelet

import (
	"slices"

	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/graph"
)

// Bands holds the four sub-bands produced by one level of decomposition.
//
// LL is the low-pass band that continues through the network; LH, HL and HH
// carry the high-frequency detail and are reinjected at the symmetric
// unpooling depth. Naming: first letter is the filter applied across rows
// (height), second across columns (width).
type Bands struct {
	LL, LH, HL, HH *Node
}

// Decompose applies the 2x2 Haar analysis filter bank to x, shaped
// (batch, height, width, channels) with even height and width, and returns
// the four sub-bands, each shaped (batch, height/2, width/2, channels).
//
// Odd spatial dimensions are a structural error: callers must pad to even
// sizes beforehand and pass the pre-padding tensor as the reference to
// Reconstruct to crop the result back. It panics (graph building exception)
// on rank or parity violations.
func Decompose(x *Node) Bands {
	if x.Rank() != 4 {
		exceptions.Panicf("wavelet.Decompose: x must be rank-4 (batch, height, width, channels), got %s", x.Shape())
	}
	height, width := x.Shape().Dim(1), x.Shape().Dim(2)
	if height%2 != 0 || width%2 != 0 {
		exceptions.Panicf("wavelet.Decompose: spatial dimensions must be even, got %s", x.Shape())
	}

	// The four polyphase components of the 2x2 blocks: a=top-left, b=top-right,
	// c=bottom-left, d=bottom-right.
	a := Slice(x, AxisRange(), AxisRange().Stride(2), AxisRange().Stride(2), AxisRange())
	b := Slice(x, AxisRange(), AxisRange().Stride(2), AxisRange(1).Stride(2), AxisRange())
	c := Slice(x, AxisRange(), AxisRange(1).Stride(2), AxisRange().Stride(2), AxisRange())
	d := Slice(x, AxisRange(), AxisRange(1).Stride(2), AxisRange(1).Stride(2), AxisRange())

	// Orthonormal Haar: low = (u+v)/sqrt2, high = (v-u)/sqrt2 on each axis,
	// combined into a single x0.5 scale for the 2D transform.
	return Bands{
		LL: MulScalar(Add(Add(a, b), Add(c, d)), 0.5),
		LH: MulScalar(Add(Sub(b, a), Sub(d, c)), 0.5),
		HL: MulScalar(Add(Sub(c, a), Sub(d, b)), 0.5),
		HH: MulScalar(Add(Sub(a, b), Sub(d, c)), 0.5),
	}
}

// Reconstruct applies the synthesis filter bank, the exact inverse of
// Decompose: given sub-bands each shaped (batch, h, w, channels) it returns
// a (batch, 2h, 2w, channels) tensor.
//
// ref, if non-nil, is a full-resolution reference tensor (normally the input
// of the paired Decompose): the output is cropped to ref's spatial
// dimensions, which implements the pad-then-crop rule for inputs that were
// padded to even sizes. It panics if the sub-band shapes disagree or if ref
// asks for more rows/columns than the synthesis produces.
func Reconstruct(bands Bands, ref *Node) *Node {
	ll, lh, hl, hh := bands.LL, bands.LH, bands.HL, bands.HH
	for _, band := range []*Node{lh, hl, hh} {
		if band.Rank() != 4 || !band.Shape().Equal(ll.Shape()) {
			exceptions.Panicf("wavelet.Reconstruct: sub-band shapes disagree: LL=%s, LH=%s, HL=%s, HH=%s",
				ll.Shape(), lh.Shape(), hl.Shape(), hh.Shape())
		}
	}

	// Invert the analysis combinations back to the four polyphase components.
	a := MulScalar(Add(Sub(ll, lh), Sub(hh, hl)), 0.5)
	b := MulScalar(Sub(Add(ll, lh), Add(hl, hh)), 0.5)
	c := MulScalar(Sub(Add(ll, hl), Add(lh, hh)), 0.5)
	d := MulScalar(Add(Add(ll, lh), Add(hl, hh)), 0.5)

	top := interleave(a, b, 2)
	bottom := interleave(c, d, 2)
	out := interleave(top, bottom, 1)

	if ref != nil {
		out = cropTo(out, ref)
	}
	return out
}

// interleave merges x and y along the given spatial axis, alternating
// elements: out[..., 2i, ...] = x[..., i, ...] and out[..., 2i+1, ...] =
// y[..., i, ...]. x and y must have the same shape.
func interleave(x, y *Node, axis int) *Node {
	dims := slices.Clone(x.Shape().Dimensions)
	x = ExpandAxes(x, axis+1)
	y = ExpandAxes(y, axis+1)
	joined := Concatenate([]*Node{x, y}, axis+1)
	dims[axis] *= 2
	return Reshape(joined, dims...)
}

// cropTo slices x down to ref's spatial dimensions (axes 1 and 2).
func cropTo(x, ref *Node) *Node {
	height, width := x.Shape().Dim(1), x.Shape().Dim(2)
	refHeight, refWidth := ref.Shape().Dim(1), ref.Shape().Dim(2)
	if refHeight > height || refWidth > width {
		exceptions.Panicf("wavelet.Reconstruct: reference spatial dimensions %dx%d exceed the reconstructed %dx%d",
			refHeight, refWidth, height, width)
	}
	if refHeight == height && refWidth == width {
		return x
	}
	return Slice(x, AxisRange(), AxisRange(0, refHeight), AxisRange(0, refWidth), AxisRange())
}
