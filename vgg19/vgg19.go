// Package vgg19 wraps a frozen, pre-trained VGG19 convolutional backbone
// (the 16 convolution layers, no classifier head) as a GoMLX graph builder.
//
// The network is only ever used as a fixed feature extractor: BuildGraph
// runs one forward pass over a batch of images and returns every
// convolution layer's activation keyed by its canonical name
// ("block1_conv1" ... "block5_conv4"). Weights are downloaded once with
// DownloadAndUnpackWeights and live as non-trainable variables in the
// context, so repeated graph builds reuse them.
package vgg19

import (
	"fmt"

	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/layers/activations"
)

// ChannelMeans are the per-channel means of the dataset the network was
// originally trained on, in the network's BGR channel order. Images fed to
// BuildGraph must be BGR with these means already subtracted (see the
// neuralstyle package's Preprocess).
var ChannelMeans = [3]float32{103.939, 116.779, 123.68}

// KernelSize is the spatial size of every convolution kernel in VGG19.
const KernelSize = 3

// ConvLayer describes one convolution layer of the backbone.
type ConvLayer struct {
	// Name is the canonical layer name, e.g. "block3_conv2".
	Name string

	// InChannels and OutChannels are the kernel's channel dimensions.
	InChannels, OutChannels int

	// PoolAfter is true for the last convolution of each block, which is
	// followed by a 2x2 stride-2 max-pooling.
	PoolAfter bool
}

// blocks is the VGG19 backbone layout: convolutions per block and the
// block's channel width.
var blocks = []struct{ convs, channels int }{
	{2, 64}, {2, 128}, {4, 256}, {4, 512}, {4, 512},
}

// Layers is the ordered table of the 16 convolution layers, from the one
// closest to the input pixels to the deepest.
var Layers = buildLayerTable()

// NumLayers is the number of convolution layers exposed by the backbone.
var NumLayers = len(Layers)

func buildLayerTable() []ConvLayer {
	var table []ConvLayer
	inChannels := 3
	for blockIdx, block := range blocks {
		for convIdx := 0; convIdx < block.convs; convIdx++ {
			table = append(table, ConvLayer{
				Name:        fmt.Sprintf("block%d_conv%d", blockIdx+1, convIdx+1),
				InChannels:  inChannels,
				OutChannels: block.channels,
				PoolAfter:   convIdx == block.convs-1,
			})
			inChannels = block.channels
		}
	}
	return table
}

// LayerNames returns the ordered names of all convolution layers.
func LayerNames() []string {
	names := make([]string, len(Layers))
	for i, layer := range Layers {
		names[i] = layer.Name
	}
	return names
}

// Config is created with BuildGraph. Configure it and call Done to build
// the forward graph.
type Config struct {
	ctx           *context.Context
	images        *Node
	preTrainedDir string
	trainable     bool
}

// BuildGraph creates the configuration to build the VGG19 forward graph on
// images, a batch shaped [batch, height, width, 3] of preprocessed values.
//
// Call PreTrained to point it at the unpacked weights, and Done to build.
func BuildGraph(ctx *context.Context, images *Node) *Config {
	return &Config{
		ctx:    ctx,
		images: images,
	}
}

// PreTrained sets the directory with the unpacked pre-trained weights, as
// prepared by DownloadAndUnpackWeights. It must be set before Done, the
// backbone has no random-initialization mode.
func (cfg *Config) PreTrained(dir string) *Config {
	cfg.preTrainedDir = dir
	return cfg
}

// Trainable sets whether the backbone variables are marked trainable.
// It defaults to false: the network is a fixed feature extractor.
func (cfg *Config) Trainable(trainable bool) *Config {
	cfg.trainable = trainable
	return cfg
}

// Done builds the forward graph and returns the activation of every
// convolution layer (after its ReLU), keyed by layer name.
//
// It panics (exceptions.Panicf) on invalid input shapes or on missing or
// malformed weight files: both are graph-build-time precondition
// violations.
func (cfg *Config) Done() map[string]*Node {
	x := cfg.images
	if x.Rank() != 4 || x.Shape().Dim(-1) != 3 {
		exceptions.Panicf("vgg19: images must be shaped [batch, height, width, 3], got %s", x.Shape())
	}
	ctx := cfg.ctx.In("vgg19").Checked(false)

	features := make(map[string]*Node, len(Layers))
	for _, layer := range Layers {
		kernel := cfg.weightVar(ctx, layer, "kernel",
			KernelSize, KernelSize, layer.InChannels, layer.OutChannels)
		bias := cfg.weightVar(ctx, layer, "bias", layer.OutChannels)

		g := x.Graph()
		x = Convolve(x, kernel.ValueGraph(g)).PadSame().Done()
		x = Add(x, Reshape(bias.ValueGraph(g), 1, 1, 1, layer.OutChannels))
		x = activations.Relu(x)
		features[layer.Name] = x

		if layer.PoolAfter {
			x = MaxPool(x).Window(2).Done()
		}
	}
	return features
}

// weightVar returns the context variable holding one weight tensor,
// loading it from the pre-trained directory the first time.
func (cfg *Config) weightVar(ctx *context.Context, layer ConvLayer, kind string, dims ...int) *context.Variable {
	name := fmt.Sprintf("%s_%s", layer.Name, kind)
	v := ctx.GetVariable(name)
	if v == nil {
		if cfg.preTrainedDir == "" {
			exceptions.Panicf("vgg19: no pre-trained weights directory set (see PreTrained) and variable %q not yet loaded", name)
		}
		tensor, err := loadWeightTensor(cfg.preTrainedDir, name, dims...)
		if err != nil {
			exceptions.Panicf("vgg19: loading weight %q: %v", name, err)
		}
		v = ctx.VariableWithValue(name, tensor)
	}
	v.SetTrainable(cfg.trainable)
	return v
}
