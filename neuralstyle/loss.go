package neuralstyle

import (
	"slices"

	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/graph"
)

// This file holds the graph building functions for the three loss terms.
// All of them take activation maps (or the candidate image) shaped
// [1, height, width, channels] and return a scalar node.

// gramMatrix returns a [numChannels, numChannels] matrix with the inner
// products of the channels' flattened spatial activations. It captures the
// texture statistics of the activation map, independent of spatial
// arrangement, and is symmetric by construction.
func gramMatrix(feat *Node) *Node {
	numChannels := feat.Shape().Dim(-1)
	flat := Reshape(feat, -1, numChannels)
	gram := MatMul(Transpose(flat, 0, 1), flat)
	gram.AssertDims(numChannels, numChannels)
	return gram
}

// contentLoss is the sum of squared element-wise differences between two
// equally shaped activation maps. No normalization.
func contentLoss(target, candidate *Node) *Node {
	assertSameShape("contentLoss", target, candidate)
	return ReduceAllSum(Square(Sub(candidate, target)))
}

// styleLoss is the squared Frobenius distance between the Gram matrices of
// the two activation maps, scaled by 1/(4*channels²*(height*width)²) to
// keep magnitudes comparable across layers of different resolution.
func styleLoss(style, candidate *Node) *Node {
	assertSameShape("styleLoss", style, candidate)
	numChannels := candidate.Shape().Dim(-1)
	spatialSize := candidate.Shape().Dim(1) * candidate.Shape().Dim(2)
	loss := ReduceAllSum(Square(Sub(gramMatrix(candidate), gramMatrix(style))))
	denominator := 4.0 * float64(numChannels) * float64(numChannels) *
		float64(spatialSize) * float64(spatialSize)
	return DivScalar(loss, denominator)
}

// totalVariationLoss penalizes high-frequency noise in the candidate
// image: the squared vertical and horizontal neighbor differences are
// summed pairwise and raised to the power 1.25 before the global sum.
// It is non-negative, and zero for a flat-color image.
func totalVariationLoss(img *Node) *Node {
	height := img.Shape().Dim(1)
	width := img.Shape().Dim(2)
	if height < 2 || width < 2 {
		exceptions.Panicf("totalVariationLoss: image must be at least 2x2 pixels, got %s", img.Shape())
	}
	base := Slice(img, AxisRange(), AxisRange(0, height-1), AxisRange(0, width-1), AxisRange())
	down := Slice(img, AxisRange(), AxisRange(1, height), AxisRange(0, width-1), AxisRange())
	right := Slice(img, AxisRange(), AxisRange(0, height-1), AxisRange(1, width), AxisRange())
	a := Square(Sub(base, down))
	b := Square(Sub(base, right))
	return ReduceAllSum(PowScalar(Add(a, b), 1.25))
}

// assertSameShape panics if the two activation maps disagree in shape --
// that is a precondition violation, never something to coerce silently.
func assertSameShape(name string, a, b *Node) {
	if !slices.Equal(a.Shape().Dimensions, b.Shape().Dimensions) {
		exceptions.Panicf("%s: activation maps must have the same shape, got %s and %s",
			name, a.Shape(), b.Shape())
	}
}
