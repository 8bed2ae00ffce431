package wavelet

import (
	"math"
	"math/rand"
	"testing"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	_ "github.com/gomlx/gomlx/backends/xla"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/types/tensors"
)

func testBackend(t *testing.T) backends.Backend {
	t.Helper()
	var backend backends.Backend
	err := exceptions.TryCatch[error](func() { backend = backends.New() })
	if err != nil {
		t.Skipf("no accelerator backend available: %v", err)
	}
	return backend
}

func randomTensor(rng *rand.Rand, dims ...int) *tensors.Tensor {
	size := 1
	for _, d := range dims {
		size *= d
	}
	flat := make([]float32, size)
	for i := range flat {
		flat[i] = float32(rng.NormFloat64())
	}
	return tensors.FromFlatDataAndDimensions(flat, dims...)
}

func flatValues(t *tensors.Tensor) []float32 {
	var out []float32
	tensors.ConstFlatData[float32](t, func(flat []float32) {
		out = make([]float32, len(flat))
		copy(out, flat)
	})
	return out
}

func TestRoundTripIdentity(t *testing.T) {
	backend := testBackend(t)
	rng := rand.New(rand.NewSource(17))
	x := randomTensor(rng, 2, 8, 6, 4)

	y := ExecOnce(backend, func(x *Node) *Node {
		return Reconstruct(Decompose(x), x)
	}, x)

	if !y.Shape().Equal(x.Shape()) {
		t.Fatalf("round-trip changed the shape: %s -> %s", x.Shape(), y.Shape())
	}
	in, out := flatValues(x), flatValues(y)
	for i := range in {
		if math.Abs(float64(in[i])-float64(out[i])) > 1e-5 {
			t.Fatalf("round-trip differs at %d: %v != %v", i, in[i], out[i])
		}
	}
}

func TestDecomposeSubBands(t *testing.T) {
	backend := testBackend(t)
	exec := NewExec(backend, func(x *Node) []*Node {
		bands := Decompose(x)
		return []*Node{bands.LL, bands.LH, bands.HL, bands.HH}
	})

	// A constant input has all its energy in the low-pass band: LL is the
	// constant scaled by 2 (the 2D Haar gain), the detail bands are zero.
	flat := make([]float32, 1*4*6*2)
	for i := range flat {
		flat[i] = 3
	}
	outs := exec.Call(tensors.FromFlatDataAndDimensions(flat, 1, 4, 6, 2))

	for i, band := range outs {
		dims := band.Shape().Dimensions
		if dims[0] != 1 || dims[1] != 2 || dims[2] != 3 || dims[3] != 2 {
			t.Fatalf("sub-band %d shaped %s, want (1, 2, 3, 2)", i, band.Shape())
		}
	}
	for _, v := range flatValues(outs[0]) {
		if math.Abs(float64(v)-6) > 1e-6 {
			t.Errorf("LL of a constant 3 input should be 6, got %v", v)
		}
	}
	for i, band := range outs[1:] {
		for _, v := range flatValues(band) {
			if math.Abs(float64(v)) > 1e-6 {
				t.Errorf("detail band %d of a constant input should be zero, got %v", i+1, v)
			}
		}
	}
}

func TestDecomposeRequiresEvenDims(t *testing.T) {
	backend := testBackend(t)
	exec := NewExec(backend, func(x *Node) *Node {
		return Decompose(x).LL
	})

	rng := rand.New(rand.NewSource(5))
	err := exceptions.TryCatch[error](func() { exec.Call(randomTensor(rng, 1, 5, 4, 1)) })
	if err == nil {
		t.Error("Decompose accepted an odd height")
	}
	err = exceptions.TryCatch[error](func() { exec.Call(randomTensor(rng, 1, 4, 7, 1)) })
	if err == nil {
		t.Error("Decompose accepted an odd width")
	}
}

func TestReconstructCropsToReference(t *testing.T) {
	backend := testBackend(t)
	rng := rand.New(rand.NewSource(11))
	x := randomTensor(rng, 1, 8, 8, 1)

	y := ExecOnce(backend, func(x *Node) *Node {
		bands := Decompose(x)
		ref := Slice(x, AxisRange(), AxisRange(0, 7), AxisRange(0, 5), AxisRange())
		return Reconstruct(bands, ref)
	}, x)

	dims := y.Shape().Dimensions
	if dims[1] != 7 || dims[2] != 5 {
		t.Fatalf("reconstruction shaped %s, want spatial 7x5", y.Shape())
	}
	in, out := flatValues(x), flatValues(y)
	for row := 0; row < 7; row++ {
		for col := 0; col < 5; col++ {
			want := in[row*8+col]
			got := out[row*5+col]
			if math.Abs(float64(want)-float64(got)) > 1e-5 {
				t.Fatalf("cropped reconstruction differs at (%d,%d): %v != %v", row, col, got, want)
			}
		}
	}
}

func TestReconstructRejectsMismatchedBands(t *testing.T) {
	backend := testBackend(t)
	exec := NewExec(backend, func(a, b *Node) *Node {
		bandsA, bandsB := Decompose(a), Decompose(b)
		return Reconstruct(Bands{LL: bandsA.LL, LH: bandsA.LH, HL: bandsA.HL, HH: bandsB.HH}, nil)
	})

	rng := rand.New(rand.NewSource(23))
	a := randomTensor(rng, 1, 8, 8, 1)
	b := randomTensor(rng, 1, 4, 4, 1)
	err := exceptions.TryCatch[error](func() { exec.Call(a, b) })
	if err == nil {
		t.Error("Reconstruct accepted sub-bands of different shapes")
	}
}
