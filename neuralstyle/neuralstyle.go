// Package neuralstyle implements neural style transfer: it synthesizes an
// image that keeps the semantic content of a target photograph while
// adopting the texture of a reference artwork, by optimizing pixel values
// against a loss computed from a frozen pre-trained convolutional
// network's activations.
//
//   - "A Neural Algorithm of Artistic Style" 2015, Gatys, Ecker & Bethge
//     [https://arxiv.org/abs/1508.06576]
//   - Feature extraction: a pre-trained VGG19 backbone (package vgg19),
//     evaluated on the batch of three stacked images (content, style,
//     candidate) so that loss and gradient come out of a single
//     forward+backward pass.
//   - Optimization: bounded quasi-Newton line search (L-BFGS from
//     gonum.org/v1/gonum/optimize), bridged through an Evaluator that
//     caches the gradient between the optimizer's paired callbacks.
//   - UI: DisplayImages on a Jupyter notebook using
//     github.com/janpfeifer/gonb/gonbui; I/O: LoadScaledImages.
package neuralstyle

import (
	"fmt"
	"image"
	"slices"
	"time"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/optimize"

	"github.com/yangbenfa/neuralstyle/vgg19"
)

const (
	// ParamIterations is the hyperparameter with the number of outer
	// iterations to run. Defaults to 20.
	ParamIterations = "iterations"

	// ParamStepsPerIteration is the hyperparameter with the L-BFGS step
	// budget of each outer iteration. Defaults to 15.
	ParamStepsPerIteration = "steps_per_iteration"

	// ParamContentWeight is the weight of the content loss term.
	// Defaults to 0.025.
	ParamContentWeight = "content_weight"

	// ParamStyleWeight is the weight of the style loss, spread evenly
	// across the style layers. Defaults to 1.0.
	ParamStyleWeight = "style_weight"

	// ParamTotalVariationWeight is the weight of the smoothness penalty
	// on the candidate image. Defaults to 1e-4.
	ParamTotalVariationWeight = "total_variation_weight"
)

// DefaultContentLayer is the layer whose activations carry the content
// loss: the deepest convolution layer retained from the backbone.
const DefaultContentLayer = "block5_conv2"

// DefaultStyleLayers are the layers whose Gram matrices carry the style
// loss, ordered from the shallowest.
var DefaultStyleLayers = []string{
	"block1_conv1", "block2_conv1", "block3_conv1", "block4_conv1", "block5_conv1",
}

// IterationFunc is called after each outer iteration with the iteration
// number (0-based), the decoded candidate image and the loss the optimizer
// reported for it.
type IterationFunc func(iteration int, img image.Image, loss float64)

// Config for style transfer. Create it with New, and when finished
// configuring call Config.Transfer to run the transfer.
type Config struct {
	backend        backends.Backend
	ctx            *context.Context
	content, style *tensors.Tensor

	contentWeight, styleWeight, tvWeight float64
	iterations, stepsPerIteration        int
	contentLayer                         string
	styleLayers                          []string
	weightsDir                           string
	onIteration                          IterationFunc
}

// New creates a style transfer configuration: it takes the content
// (target) image and the style image as preprocessed tensors (see
// Preprocess / LoadScaledImages) and a context ctx carrying the
// hyperparameters and the frozen backbone variables.
//
// Further configure it with the chained setters, then call
// Config.Transfer to run the transfer and get the generated image back.
func New(backend backends.Backend, ctx *context.Context, content, style *tensors.Tensor) *Config {
	return &Config{
		backend:           backend,
		ctx:               ctx,
		content:           content,
		style:             style,
		contentWeight:     context.GetParamOr(ctx, ParamContentWeight, 0.025),
		styleWeight:       context.GetParamOr(ctx, ParamStyleWeight, 1.0),
		tvWeight:          context.GetParamOr(ctx, ParamTotalVariationWeight, 1e-4),
		iterations:        context.GetParamOr(ctx, ParamIterations, 20),
		stepsPerIteration: context.GetParamOr(ctx, ParamStepsPerIteration, 15),
		contentLayer:      DefaultContentLayer,
		styleLayers:       slices.Clone(DefaultStyleLayers),
		weightsDir:        vgg19.DefaultWeightsDir,
	}
}

// ContentWeight sets the weight of the content loss term.
func (cfg *Config) ContentWeight(weight float64) *Config {
	cfg.contentWeight = weight
	return cfg
}

// StyleWeight sets the weight of the style loss term. It is divided evenly
// across the configured style layers.
func (cfg *Config) StyleWeight(weight float64) *Config {
	cfg.styleWeight = weight
	return cfg
}

// TotalVariationWeight sets the weight of the smoothness penalty.
func (cfg *Config) TotalVariationWeight(weight float64) *Config {
	cfg.tvWeight = weight
	return cfg
}

// Iterations sets the number of outer iterations.
func (cfg *Config) Iterations(iterations int) *Config {
	cfg.iterations = iterations
	return cfg
}

// StepsPerIteration sets the L-BFGS step budget of each outer iteration.
func (cfg *Config) StepsPerIteration(steps int) *Config {
	cfg.stepsPerIteration = steps
	return cfg
}

// ContentLayer sets the backbone layer carrying the content loss.
func (cfg *Config) ContentLayer(name string) *Config {
	cfg.contentLayer = name
	return cfg
}

// StyleLayers sets the backbone layers carrying the style loss.
func (cfg *Config) StyleLayers(names ...string) *Config {
	cfg.styleLayers = names
	return cfg
}

// WeightsDir sets the directory where the backbone weights are cached.
// A leading "~" expands to the user's home directory.
func (cfg *Config) WeightsDir(dir string) *Config {
	cfg.weightsDir = dir
	return cfg
}

// OnIteration sets a callback invoked after every outer iteration, e.g. to
// save or display the intermediate candidate image.
func (cfg *Config) OnIteration(fn IterationFunc) *Config {
	cfg.onIteration = fn
	return cfg
}

// lossGraph builds the total loss for the candidate image x: one forward
// pass of the backbone over the stacked [content; style; candidate] batch,
// content loss on the designated content layer, Gram style loss summed
// over the style layers and the total-variation penalty on x itself.
func (cfg *Config) lossGraph(ctx *context.Context, content, style, x *Node) *Node {
	batch := Concatenate([]*Node{content, style, x}, 0)
	features := vgg19.BuildGraph(ctx, batch).
		PreTrained(cfg.weightsDir).
		Trainable(false).
		Done()

	layerImage := func(layerName string, imageIdx int) *Node {
		feat, found := features[layerName]
		if !found {
			exceptions.Panicf("layer %q not exposed by the backbone (have %v)", layerName, vgg19.LayerNames())
		}
		return Slice(feat, AxisRange(imageIdx, imageIdx+1), AxisRange(), AxisRange(), AxisRange())
	}
	const (
		contentIdx = iota
		styleIdx
		candidateIdx
	)

	loss := MulScalar(
		contentLoss(layerImage(cfg.contentLayer, contentIdx), layerImage(cfg.contentLayer, candidateIdx)),
		cfg.contentWeight)
	perLayerWeight := cfg.styleWeight / float64(len(cfg.styleLayers))
	for _, layerName := range cfg.styleLayers {
		loss = Add(loss, MulScalar(
			styleLoss(layerImage(layerName, styleIdx), layerImage(layerName, candidateIdx)),
			perLayerWeight))
	}
	loss = Add(loss, MulScalar(totalVariationLoss(x), cfg.tvWeight))
	return loss
}

// validate checks the preconditions on the content and style tensors. Any
// mismatch is fatal, never coerced.
func (cfg *Config) validate() error {
	for name, t := range map[string]*tensors.Tensor{"content": cfg.content, "style": cfg.style} {
		if t == nil {
			return errors.Errorf("%s image tensor is nil", name)
		}
		if t.DType() != dtypes.Float32 {
			return errors.Errorf("%s image tensor must be Float32, got %s", name, t.Shape())
		}
		dims := t.Shape().Dimensions
		if len(dims) != 4 || dims[0] != 1 || dims[3] != 3 {
			return errors.Errorf("%s image tensor must be shaped [1, height, width, 3], got %s", name, t.Shape())
		}
	}
	if !slices.Equal(cfg.content.Shape().Dimensions, cfg.style.Shape().Dimensions) {
		return errors.Errorf("content (%s) and style (%s) images must have the same dimensions to be stacked",
			cfg.content.Shape(), cfg.style.Shape())
	}
	if cfg.iterations < 1 || cfg.stepsPerIteration < 1 {
		return errors.Errorf("iterations (%d) and steps per iteration (%d) must be at least 1",
			cfg.iterations, cfg.stepsPerIteration)
	}
	if len(cfg.styleLayers) == 0 {
		return errors.Errorf("at least one style layer is required")
	}
	return nil
}

// newEvaluation compiles the combined loss+gradient graph and returns the
// evaluation over flattened float64 candidate vectors. One call performs
// exactly one forward+backward pass of the backbone.
func (cfg *Config) newEvaluation() ValueAndGradFunc {
	dims := cfg.content.Shape().Dimensions
	height, width := dims[1], dims[2]
	evalExec := context.NewExec(cfg.backend, cfg.ctx,
		func(ctx *context.Context, content, style, x *Node) []*Node {
			ctx.SetTraining(x.Graph(), false)
			loss := cfg.lossGraph(ctx, content, style, x)
			grad := Gradient(loss, x)[0]
			return []*Node{loss, grad}
		})

	return func(x []float64) (float64, []float64) {
		xT := tensors.FromFlatDataAndDimensions(toFloat32(x), 1, height, width, 3)
		outputs := evalExec.Call(cfg.content, cfg.style, xT)
		loss := float64(outputs[0].Value().(float32))
		grad := toFloat64(tensors.CopyFlatData[float32](outputs[1]))
		for _, t := range outputs {
			t.FinalizeAll()
		}
		xT.FinalizeAll()
		return loss, grad
	}
}

// Transfer runs the style transfer and returns the generated image, both
// as the preprocessed candidate tensor and decoded for display.
//
// The candidate starts as a copy of the content image and is the single
// mutable value of the whole procedure: each outer iteration hands it to
// the L-BFGS optimizer for up to the configured step budget and takes the
// optimized vector as the new candidate. There is no convergence check
// and no early exit beyond the fixed iteration count; optimizer failures
// (including non-finite losses it ran into) surface as an error naming
// the failed iteration.
func (cfg *Config) Transfer() (*tensors.Tensor, image.Image, error) {
	if err := cfg.validate(); err != nil {
		return nil, nil, err
	}
	if err := vgg19.DownloadAndUnpackWeights(cfg.weightsDir); err != nil {
		return nil, nil, err
	}
	dims := cfg.content.Shape().Dimensions
	height, width := dims[1], dims[2]
	evaluate := cfg.newEvaluation()

	// Both optimizer callbacks share one evaluator, so the gradient comes
	// from the cache filled by the matching Value call.
	evaluator := NewEvaluator(evaluate)
	problem := optimize.Problem{Func: evaluator.Value, Grad: evaluator.Gradient}

	// Candidate image, initialized to the content image.
	x := toFloat64(tensors.CopyFlatData[float32](cfg.content))

	var avgDuration float64
	for iteration := 0; iteration < cfg.iterations; iteration++ {
		start := time.Now()
		result, err := optimize.Minimize(problem, x, &optimize.Settings{
			MajorIterations: cfg.stepsPerIteration,
		}, &optimize.LBFGS{})
		if err != nil {
			return nil, nil, errors.Wrapf(err, "optimization failed at iteration %d", iteration)
		}
		x = result.X
		duration := time.Since(start).Seconds()
		if iteration == 0 {
			avgDuration = duration
		} else {
			avgDuration = 0.9*avgDuration + 0.1*duration
		}
		fmt.Printf("\rStyle transferring: iteration=%02d of %02d (%8.1f ms/iteration) -- loss=%.6g		       ",
			iteration+1, cfg.iterations, avgDuration*1000.0, result.F)
		if cfg.onIteration != nil {
			cfg.onIteration(iteration, PostprocessFlat(x, height, width), result.F)
		}
	}
	fmt.Printf("\n")

	final := tensors.FromFlatDataAndDimensions(toFloat32(x), 1, height, width, 3)
	return final, PostprocessFlat(x, height, width), nil
}

func toFloat32(values []float64) []float32 {
	converted := make([]float32, len(values))
	for i, v := range values {
		converted[i] = float32(v)
	}
	return converted
}

func toFloat64(values []float32) []float64 {
	converted := make([]float64, len(values))
	for i, v := range values {
		converted[i] = float64(v)
	}
	return converted
}
