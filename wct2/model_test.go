package wct2

import (
	"math"
	"math/rand"
	"testing"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	_ "github.com/gomlx/gomlx/backends/xla"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/types/tensors"

	"github.com/gowct/wct2/vgg19"
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

func randomImage(rng *rand.Rand, dims ...int) *tensors.Tensor {
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

func maxAbsDiff(a, b []float32) float64 {
	var worst float64
	for i := range a {
		if d := math.Abs(float64(a[i]) - float64(b[i])); d > worst {
			worst = d
		}
	}
	return worst
}

// The skip bundle recorded by pooling level i is consumed by unpooling stage
// NumLevels-1-i, so the channel count coming out of a channel-halving decoder
// convolution must match the channel count that went into the paired wavelet
// decomposition.
func TestStageTablesMirror(t *testing.T) {
	for i := 0; i < NumLevels; i++ {
		paired := poolStages[NumLevels-1-i]
		skipChannels := paired.before[len(paired.before)-1].Filters
		if got := unpoolStages[i].halve.Filters / 2; got != skipChannels {
			t.Errorf("unpooling stage %d halves to %d channels, but its paired pooling level records %d",
				i, got, skipChannels)
		}
	}
	// The deepest encoder convolution runs on the deepest LL band; its output
	// is what the first decoder stage halves.
	if poolStages[NumLevels-1].after.Name != unpoolStages[0].halve.Name {
		t.Errorf("deepest encoder conv %q and first decoder halving conv %q should mirror each other",
			poolStages[NumLevels-1].after.Name, unpoolStages[0].halve.Name)
	}
}

func TestNewValidatesImageSize(t *testing.T) {
	for _, size := range []int{0, -8, 12, 100} {
		err := exceptions.TryCatch[error](func() { New(nil, context.New(), t.TempDir(), size) })
		if err == nil {
			t.Errorf("New accepted imageSize=%d", size)
		}
	}
	m := New(nil, context.New(), t.TempDir(), 256)
	if m.ImageSize() != 256 {
		t.Errorf("ImageSize() = %d, want 256", m.ImageSize())
	}
}

func TestEnsureBatch(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	single := randomImage(rng, 8, 8, 3)
	batched := ensureBatch(single)
	dims := batched.Shape().Dimensions
	if len(dims) != 4 || dims[0] != 1 || dims[1] != 8 || dims[2] != 8 || dims[3] != 3 {
		t.Fatalf("ensureBatch shaped %s, want (1, 8, 8, 3)", batched.Shape())
	}
	if diff := maxAbsDiff(flatValues(single), flatValues(batched)); diff != 0 {
		t.Errorf("ensureBatch changed the values, max abs diff %g", diff)
	}

	already := randomImage(rng, 2, 8, 8, 3)
	if got := ensureBatch(already); got != already {
		t.Error("ensureBatch should return rank-4 tensors unchanged")
	}
}

func TestReconstructShape(t *testing.T) {
	backend := testBackend(t)
	m := New(backend, context.New(), t.TempDir(), 16)

	rng := rand.New(rand.NewSource(7))
	out, err := m.Reconstruct(randomImage(rng, 2, 16, 16, 3))
	if err != nil {
		t.Fatalf("Reconstruct failed: %+v", err)
	}
	dims := out.Shape().Dimensions
	if dims[0] != 2 || dims[1] != 16 || dims[2] != 16 || dims[3] != 3 {
		t.Fatalf("reconstruction shaped %s, want (2, 16, 16, 3)", out.Shape())
	}

	// Single images get a temporary batch dimension.
	out, err = m.Reconstruct(randomImage(rng, 16, 16, 3))
	if err != nil {
		t.Fatalf("Reconstruct of a single image failed: %+v", err)
	}
	if dims := out.Shape().Dimensions; dims[0] != 1 || dims[1] != 16 {
		t.Fatalf("single-image reconstruction shaped %s, want (1, 16, 16, 3)", out.Shape())
	}
}

func TestReconstructRejectsBadDims(t *testing.T) {
	backend := testBackend(t)
	m := New(backend, context.New(), t.TempDir(), 16)

	rng := rand.New(rand.NewSource(9))
	if _, err := m.Reconstruct(randomImage(rng, 1, 12, 12, 3)); err == nil {
		t.Error("Reconstruct accepted spatial dimensions not multiples of 8")
	}
	if _, err := m.Reconstruct(randomImage(rng, 1, 16, 16, 4)); err == nil {
		t.Error("Reconstruct accepted a 4-channel input")
	}
}

func TestEncoderIsFrozenDecoderIsNot(t *testing.T) {
	backend := testBackend(t)
	ctx := context.New()
	m := New(backend, ctx, t.TempDir(), 16)

	rng := rand.New(rand.NewSource(13))
	if _, err := m.Reconstruct(randomImage(rng, 1, 16, 16, 3)); err != nil {
		t.Fatalf("Reconstruct failed: %+v", err)
	}

	ctx.In(vgg19.Scope).EnumerateVariablesInScope(func(v *context.Variable) {
		if v.Trainable {
			t.Errorf("encoder variable %s is trainable", v.Name())
		}
	})
	var numTrainable int
	ctx.In(decoderScope).EnumerateVariablesInScope(func(v *context.Variable) {
		if v.Trainable {
			numTrainable++
		}
	})
	if numTrainable == 0 {
		t.Error("no trainable decoder variables were created")
	}
}

func TestGramLossOfIdenticalImagesIsZero(t *testing.T) {
	backend := testBackend(t)
	ctx := context.New()

	rng := rand.New(rand.NewSource(21))
	img := randomImage(rng, 1, 16, 16, 3)
	outs := context.ExecOnceN(backend, ctx, func(ctx *context.Context, img *Node) []*Node {
		ctx.SetTraining(img.Graph(), false)
		return []*Node{gramLoss(ctx, img, img)}
	}, img)

	loss := outs[0].Value().(float32)
	if loss != 0 {
		t.Errorf("gram loss of an image against itself is %g, want 0", loss)
	}
}
