package vgg19

import (
	"math/rand"
	"testing"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	_ "github.com/gomlx/gomlx/backends/xla"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
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

func TestLayerTables(t *testing.T) {
	if got := LayerByName("block1_conv1"); got.Filters != 64 {
		t.Errorf("block1_conv1 has %d filters, want 64", got.Filters)
	}
	if got := LayerByName("block4_conv1"); got.Filters != 512 {
		t.Errorf("block4_conv1 has %d filters, want 512", got.Filters)
	}
	// Every feature tap and pooling boundary must be a known layer.
	for _, name := range append(append([]string{}, FeatureLayers...), PoolAfter...) {
		LayerByName(name)
	}
	err := exceptions.TryCatch[error](func() { LayerByName("block5_conv1") })
	if err == nil {
		t.Error("LayerByName accepted a layer beyond the backbone prefix")
	}
}

func TestFeaturePyramidShapes(t *testing.T) {
	backend := testBackend(t)
	ctx := context.New()

	rng := rand.New(rand.NewSource(2))
	flat := make([]float32, 1*32*32*3)
	for i := range flat {
		flat[i] = float32(rng.NormFloat64())
	}
	img := tensors.FromFlatDataAndDimensions(flat, 1, 32, 32, 3)

	taps := context.ExecOnceN(backend, ctx, func(ctx *context.Context, img *Node) []*Node {
		ctx.SetTraining(img.Graph(), false)
		return FeaturePyramid(ctx, img)
	}, img)

	wantChannels := []int{64, 128, 256, 512}
	wantSpatial := []int{32, 16, 8, 4}
	if len(taps) != len(wantChannels) {
		t.Fatalf("got %d feature taps, want %d", len(taps), len(wantChannels))
	}
	for i, tap := range taps {
		dims := tap.Shape().Dimensions
		if dims[1] != wantSpatial[i] || dims[2] != wantSpatial[i] || dims[3] != wantChannels[i] {
			t.Errorf("tap %d shaped %s, want (1, %d, %d, %d)",
				i, tap.Shape(), wantSpatial[i], wantSpatial[i], wantChannels[i])
		}
	}

	// The backbone must be frozen: no trainable variable under its scope.
	ctx.In(Scope).EnumerateVariablesInScope(func(v *context.Variable) {
		if v.Trainable {
			t.Errorf("backbone variable %s is trainable", v.Name())
		}
	})
}
