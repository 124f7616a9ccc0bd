package vgg19

import (
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gomlx/gomlx/types/tensors"
)

func TestLayerTable(t *testing.T) {
	if NumLayers != 16 {
		t.Fatalf("NumLayers = %d, expected 16", NumLayers)
	}
	if Layers[0].Name != "block1_conv1" || Layers[0].InChannels != 3 || Layers[0].OutChannels != 64 {
		t.Errorf("unexpected first layer: %+v", Layers[0])
	}
	last := Layers[NumLayers-1]
	if last.Name != "block5_conv4" || last.OutChannels != 512 || !last.PoolAfter {
		t.Errorf("unexpected last layer: %+v", last)
	}

	// Channel widths chain: each layer consumes what the previous produced.
	pools := 0
	for i, layer := range Layers {
		if i > 0 && layer.InChannels != Layers[i-1].OutChannels {
			t.Errorf("layer %s consumes %d channels, previous produces %d",
				layer.Name, layer.InChannels, Layers[i-1].OutChannels)
		}
		if layer.PoolAfter {
			pools++
		}
	}
	if pools != 5 {
		t.Errorf("%d layers are followed by pooling, expected 5 (one per block)", pools)
	}
}

func TestLayerNames(t *testing.T) {
	names := LayerNames()
	if len(names) != NumLayers {
		t.Fatalf("LayerNames returned %d names, expected %d", len(names), NumLayers)
	}
	for blockIdx, block := range blocks {
		for convIdx := 0; convIdx < block.convs; convIdx++ {
			want := fmt.Sprintf("block%d_conv%d", blockIdx+1, convIdx+1)
			found := false
			for _, name := range names {
				if name == want {
					found = true
					break
				}
			}
			if !found {
				t.Errorf("layer %s missing from LayerNames", want)
			}
		}
	}
}

func writeWeightFile(t *testing.T, dir, name string, values []float32) {
	t.Helper()
	raw := make([]byte, len(values)*4)
	for i, v := range values {
		binary.LittleEndian.PutUint32(raw[i*4:], math.Float32bits(v))
	}
	if err := os.WriteFile(filepath.Join(dir, weightFileName(name)), raw, 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestLoadWeightTensor(t *testing.T) {
	dir := t.TempDir()
	want := []float32{0.5, -1.25, 3, 0, 42, -0.001}
	writeWeightFile(t, dir, "block1_conv1_bias", want)

	tensor, err := loadWeightTensor(dir, "block1_conv1_bias", 6)
	if err != nil {
		t.Fatalf("loadWeightTensor: %+v", err)
	}
	got := tensors.CopyFlatData[float32](tensor)
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("element %d = %v, expected %v", i, got[i], want[i])
		}
	}
}

func TestLoadWeightTensorErrors(t *testing.T) {
	dir := t.TempDir()
	if _, err := loadWeightTensor(dir, "block1_conv1_kernel", 3, 3, 3, 64); err == nil {
		t.Error("loading a missing weight file succeeded, expected an error")
	}

	writeWeightFile(t, dir, "block1_conv1_kernel", make([]float32, 10))
	_, err := loadWeightTensor(dir, "block1_conv1_kernel", 3, 3, 3, 64)
	if err == nil {
		t.Fatal("loading a truncated weight file succeeded, expected an error")
	}
	if !strings.Contains(err.Error(), "expected") {
		t.Errorf("truncated-file error does not name the expected size: %v", err)
	}
}

func TestDownloadAndUnpackWeightsIdempotent(t *testing.T) {
	// With every weight file already present, no network access happens.
	dir := t.TempDir()
	for _, layer := range Layers {
		writeWeightFile(t, dir, layer.Name+"_kernel", make([]float32, 1))
		writeWeightFile(t, dir, layer.Name+"_bias", make([]float32, 1))
	}
	if err := DownloadAndUnpackWeights(dir); err != nil {
		t.Fatalf("DownloadAndUnpackWeights with all files present: %+v", err)
	}
}

func TestReplaceTildeInDir(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home directory")
	}
	if got := ReplaceTildeInDir("~/.cache/vgg19"); got != filepath.Join(home, ".cache/vgg19") {
		t.Errorf("ReplaceTildeInDir(~/.cache/vgg19) = %s", got)
	}
	if got := ReplaceTildeInDir("/abs/path"); got != "/abs/path" {
		t.Errorf("ReplaceTildeInDir(/abs/path) = %s", got)
	}
}
