// Command neuralstyle renders a content photograph in the style of a
// reference artwork:
//
//	neuralstyle -content photo.jpg -style painting.jpg -out generated
//
// It writes generated_at_iteration_<n>.png after every outer iteration and
// generated.png at the end.
package main

import (
	"flag"
	"fmt"
	"image"
	"log"

	"github.com/gomlx/gomlx/backends"
	_ "github.com/gomlx/gomlx/backends/xla"
	"github.com/gomlx/gomlx/ml/context"

	"github.com/yangbenfa/neuralstyle/neuralstyle"
	"github.com/yangbenfa/neuralstyle/vgg19"
)

var (
	flagContent    = flag.String("content", "", "Path to the content (target) image. Required.")
	flagStyle      = flag.String("style", "", "Path to the style reference image. Required.")
	flagOut        = flag.String("out", "generated", "Output prefix: writes <out>_at_iteration_<n>.png per iteration and <out>.png at the end.")
	flagHeight     = flag.Int("height", 400, "Height the images are scaled to; width follows the content image's aspect ratio.")
	flagIterations = flag.Int("iterations", 20, "Number of outer iterations.")
	flagSteps      = flag.Int("steps", 15, "L-BFGS step budget per outer iteration.")
	flagContentW   = flag.Float64("content-weight", 0.025, "Weight of the content loss.")
	flagStyleW     = flag.Float64("style-weight", 1.0, "Weight of the style loss, spread evenly across the style layers.")
	flagTVW        = flag.Float64("tv-weight", 1e-4, "Weight of the total-variation smoothness penalty.")
	flagWeightsDir = flag.String("weights", vgg19.DefaultWeightsDir, "Directory to cache the VGG19 weights; downloaded there the first time.")
)

func main() {
	flag.Parse()
	if *flagContent == "" || *flagStyle == "" {
		flag.Usage()
		log.Fatalf("both -content and -style are required")
	}

	contentImg, err := neuralstyle.LoadImage(*flagContent)
	if err != nil {
		log.Fatalf("%+v", err)
	}
	styleImg, err := neuralstyle.LoadImage(*flagStyle)
	if err != nil {
		log.Fatalf("%+v", err)
	}

	content := neuralstyle.Preprocess(contentImg, *flagHeight)
	dims := content.Shape().Dimensions
	style := neuralstyle.PreprocessTo(styleImg, dims[1], dims[2])

	backend := backends.New()
	ctx := context.New()

	_, final, err := neuralstyle.New(backend, ctx, content, style).
		ContentWeight(*flagContentW).
		StyleWeight(*flagStyleW).
		TotalVariationWeight(*flagTVW).
		Iterations(*flagIterations).
		StepsPerIteration(*flagSteps).
		WeightsDir(*flagWeightsDir).
		OnIteration(func(iteration int, img image.Image, loss float64) {
			path := fmt.Sprintf("%s_at_iteration_%d.png", *flagOut, iteration)
			if err := neuralstyle.SaveImage(img, path); err != nil {
				log.Fatalf("%+v", err)
			}
		}).
		Transfer()
	if err != nil {
		log.Fatalf("%+v", err)
	}

	finalPath := *flagOut + ".png"
	if err := neuralstyle.SaveImage(final, finalPath); err != nil {
		log.Fatalf("%+v", err)
	}
	fmt.Printf("Generated image written to %s\n", finalPath)
}
