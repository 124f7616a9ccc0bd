package neuralstyle

import (
	"image"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/types/tensors"

	"github.com/yangbenfa/neuralstyle/vgg19"
)

func TestConfigValidate(t *testing.T) {
	content := Preprocess(testPattern(32, 24), 24)
	style := PreprocessTo(testPattern(48, 48), 24, 32)

	for _, test := range []struct {
		name    string
		cfg     *Config
		wantErr bool
	}{
		{"ok", New(nil, context.New(), content, style), false},
		{"nil style", New(nil, context.New(), content, nil), true},
		{"shape mismatch", New(nil, context.New(), content, Preprocess(testPattern(48, 48), 24)), true},
		{"wrong dtype", New(nil, context.New(), content,
			tensors.FromFlatDataAndDimensions(make([]float64, 24*32*3), 1, 24, 32, 3)), true},
		{"zero iterations", New(nil, context.New(), content, style).Iterations(0), true},
		{"no style layers", New(nil, context.New(), content, style).StyleLayers(), true},
	} {
		err := test.cfg.validate()
		if test.wantErr && err == nil {
			t.Errorf("%s: expected a validation error", test.name)
		}
		if !test.wantErr && err != nil {
			t.Errorf("%s: unexpected validation error: %+v", test.name, err)
		}
	}
}

// pretrainedWeightsDir returns the weights cache, skipping the test when
// the weights have not been downloaded. Tests never download them.
func pretrainedWeightsDir(t *testing.T) string {
	t.Helper()
	dir := vgg19.ReplaceTildeInDir(vgg19.DefaultWeightsDir)
	if _, err := os.Stat(filepath.Join(dir, "block1_conv1_kernel.bin")); err != nil {
		t.Skipf("pre-trained weights not available in %s", dir)
	}
	return dir
}

func TestTransferSingleStepDoesNotIncreaseLoss(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping end-to-end transfer in -short mode")
	}
	backend := testBackend(t)
	weightsDir := pretrainedWeightsDir(t)

	content := Preprocess(testPattern(32, 32), 32)
	style := PreprocessTo(testPattern(64, 48), 32, 32)
	cfg := New(backend, context.New(), content, style).
		Iterations(1).
		StepsPerIteration(1).
		WeightsDir(weightsDir)
	if err := cfg.validate(); err != nil {
		t.Fatalf("validate: %+v", err)
	}

	// Loss at the unmodified initial candidate.
	evaluate := cfg.newEvaluation()
	initialX := toFloat64(tensors.CopyFlatData[float32](content))
	initialLoss, grad := evaluate(initialX)
	if len(grad) != len(initialX) {
		t.Fatalf("gradient has %d elements, candidate has %d", len(grad), len(initialX))
	}
	if math.IsNaN(initialLoss) || math.IsInf(initialLoss, 0) {
		t.Fatalf("initial loss is not finite: %v", initialLoss)
	}

	var reported float64
	cfg.OnIteration(func(iteration int, img image.Image, loss float64) {
		reported = loss
		if img.Bounds().Dx() != 32 || img.Bounds().Dy() != 32 {
			t.Errorf("iteration image is %v, expected 32x32", img.Bounds())
		}
	})
	if _, _, err := cfg.Transfer(); err != nil {
		t.Fatalf("Transfer: %+v", err)
	}

	// A single permitted descent step must not increase the loss (modulo
	// line-search tolerance).
	const tolerance = 1e-3
	if reported > initialLoss*(1+tolerance) {
		t.Errorf("loss after one step = %v, above initial loss %v", reported, initialLoss)
	}
}

func TestTransferDeterminism(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping end-to-end transfer in -short mode")
	}
	backend := testBackend(t)
	weightsDir := pretrainedWeightsDir(t)

	run := func() []float32 {
		content := Preprocess(testPattern(32, 32), 32)
		style := PreprocessTo(testPattern(64, 48), 32, 32)
		final, _, err := New(backend, context.New(), content, style).
			Iterations(1).
			StepsPerIteration(2).
			WeightsDir(weightsDir).
			Transfer()
		if err != nil {
			t.Fatalf("Transfer: %+v", err)
		}
		return tensors.CopyFlatData[float32](final)
	}

	first := run()
	second := run()
	for i := range first {
		if math.Abs(float64(first[i]-second[i])) > 1e-3 {
			t.Fatalf("candidate diverged between identical runs at element %d: %v vs %v",
				i, first[i], second[i])
		}
	}
}
