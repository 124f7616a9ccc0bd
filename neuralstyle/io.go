package neuralstyle

import (
	"bytes"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	"image/png"
	"math"
	"os"

	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/janpfeifer/gonb/gonbui"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp"

	"github.com/yangbenfa/neuralstyle/vgg19"
)

// LoadImage decodes the image file at imagePath.
//
// Image type is taken from its contents, .png, .jpg, .gif and .webp are
// accepted.
func LoadImage(imagePath string) (img image.Image, err error) {
	imgFile, err := os.Open(imagePath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open image in %s", imagePath)
	}
	defer func() { _ = imgFile.Close() }()

	img, _, err = image.Decode(imgFile)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to decode image in %s", imagePath)
	}
	bounds := img.Bounds()
	if bounds.Dx() <= 0 || bounds.Dy() <= 0 {
		return nil, errors.Errorf("image in %s has zero size (%dx%d)", imagePath, bounds.Dx(), bounds.Dy())
	}
	return img, nil
}

// Preprocess converts img to the tensor format the feature extractor was
// trained on: resampled to the given height (width scaled to preserve the
// aspect ratio), shaped [1, height, width, 3], channels in BGR order with
// the per-channel training means subtracted.
func Preprocess(img image.Image, height int) *tensors.Tensor {
	bounds := img.Bounds()
	width := int(math.Round(float64(bounds.Dx()) * float64(height) / float64(bounds.Dy())))
	return PreprocessTo(img, height, width)
}

// PreprocessTo is Preprocess with both target dimensions fixed. It is used
// to force the style image onto the content image's exact dimensions, so
// the two stack into one batch.
func PreprocessTo(img image.Image, height, width int) *tensors.Tensor {
	bounds := img.Bounds()
	if bounds.Dx() != width || bounds.Dy() != height {
		resized := image.NewRGBA(image.Rect(0, 0, width, height))
		draw.CatmullRom.Scale(resized, resized.Bounds(), img, bounds, draw.Src, nil)
		img = resized
		bounds = img.Bounds()
	}

	data := make([]float32, height*width*3)
	pos := 0
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			r, g, b, _ := img.At(x, y).RGBA()
			// 16-bit color values to 0-255, then RGB -> BGR and mean subtraction.
			data[pos] = float32(b>>8) - vgg19.ChannelMeans[0]
			data[pos+1] = float32(g>>8) - vgg19.ChannelMeans[1]
			data[pos+2] = float32(r>>8) - vgg19.ChannelMeans[2]
			pos += 3
		}
	}
	return tensors.FromFlatDataAndDimensions(data, 1, height, width, 3)
}

// Postprocess is the inverse of Preprocess: it adds the channel means back,
// reorders BGR to RGB, clips to [0, 255] and returns a displayable image.
func Postprocess(t *tensors.Tensor) (image.Image, error) {
	if t.DType() != dtypes.Float32 {
		return nil, errors.Errorf("expected a Float32 image tensor, got %s", t.Shape())
	}
	dims := t.Shape().Dimensions
	if len(dims) != 4 || dims[0] != 1 || dims[3] != 3 {
		return nil, errors.Errorf("expected an image tensor shaped [1, height, width, 3], got %s", t.Shape())
	}
	flat := tensors.CopyFlatData[float32](t)
	return postprocessPixels(flat, dims[1], dims[2]), nil
}

// PostprocessFlat decodes a flattened float64 candidate vector, as handled
// by the optimizer, back into a displayable image.
func PostprocessFlat(flat []float64, height, width int) image.Image {
	pixels := make([]float32, len(flat))
	for i, v := range flat {
		pixels[i] = float32(v)
	}
	return postprocessPixels(pixels, height, width)
}

func postprocessPixels(flat []float32, height, width int) image.Image {
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	pos := 0
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			b := clipToByte(flat[pos] + vgg19.ChannelMeans[0])
			g := clipToByte(flat[pos+1] + vgg19.ChannelMeans[1])
			r := clipToByte(flat[pos+2] + vgg19.ChannelMeans[2])
			pos += 3
			offset := img.PixOffset(x, y)
			img.Pix[offset] = r
			img.Pix[offset+1] = g
			img.Pix[offset+2] = b
			img.Pix[offset+3] = 0xff
		}
	}
	return img
}

func clipToByte(v float32) uint8 {
	if v <= 0 {
		return 0
	}
	if v >= 255 {
		return 255
	}
	return uint8(v + 0.5)
}

// LoadScaledImages loads the content and style images, scales the content
// image to the given height and forces the style image onto the same
// dimensions, so the pair is ready for New. It panics on failure.
func LoadScaledImages(contentPath, stylePath string, height int) (content, style *tensors.Tensor) {
	contentImg := must.M1(LoadImage(contentPath))
	styleImg := must.M1(LoadImage(stylePath))
	content = Preprocess(contentImg, height)
	dims := content.Shape().Dimensions
	style = PreprocessTo(styleImg, dims[1], dims[2])
	fmt.Printf("Images scaled to %dx%d (height x width)\n", dims[1], dims[2])
	return
}

// SaveImage writes img as PNG to imagePath.
func SaveImage(img image.Image, imagePath string) error {
	f, err := os.Create(imagePath)
	if err != nil {
		return errors.Wrapf(err, "failed to create image file %s", imagePath)
	}
	if err = png.Encode(f, img); err != nil {
		_ = f.Close()
		return errors.Wrapf(err, "failed to encode image to %s", imagePath)
	}
	return errors.Wrapf(f.Close(), "failed to write image file %s", imagePath)
}

// DisplayImages displays the images side by side using gonbui.
// It only works in a notebook.
func DisplayImages(imgs ...image.Image) {
	buf := &bytes.Buffer{}
	fmt.Fprintf(buf, "<table><tr>\n")
	for _, img := range imgs {
		src := must.M1(gonbui.EmbedImageAsPNGSrc(img))
		fmt.Fprintf(buf, "  <td><img src=\"%s\"/></td>\n", src)
	}
	fmt.Fprintf(buf, "</tr></table>\n")
	gonbui.DisplayHTMLF(buf.String())
}
