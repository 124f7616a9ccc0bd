package neuralstyle

import (
	"github.com/gomlx/exceptions"
	"gonum.org/v1/gonum/floats"
)

// ValueAndGradFunc computes, in one combined forward/backward pass, the
// loss at the flattened candidate x and its gradient with respect to x.
type ValueAndGradFunc func(x []float64) (loss float64, grad []float64)

type evaluatorState int

const (
	awaitingValue evaluatorState = iota
	awaitingGradient
)

// Evaluator bridges a combined loss+gradient evaluation to an optimizer
// protocol that asks for the loss and the gradient through two separate
// callbacks invoked in immediate succession with the same argument.
//
// A single forward+backward pass yields both values, so Value runs the
// combined evaluation, returns the loss and caches the gradient; Gradient
// then hands out the cached gradient without touching the network again.
// Evaluating the two callbacks independently instead would be functionally
// identical but roughly twice as slow.
//
// Contract: Gradient must be called exactly once after a Value call, with
// the identical argument. Unlike the looser convention of some optimizer
// libraries, illegal sequences are not silently tolerated here: calling
// Gradient first, twice in a row, or with a different argument than the
// most recent Value call panics with a contract violation.
//
// An Evaluator is not safe for concurrent use: it is designed for exactly
// one evaluator-optimizer pair operating on exactly one candidate.
type Evaluator struct {
	fn    ValueAndGradFunc
	state evaluatorState
	lastX []float64
	grad  []float64
}

// NewEvaluator creates an Evaluator around the combined evaluation fn.
func NewEvaluator(fn ValueAndGradFunc) *Evaluator {
	return &Evaluator{fn: fn}
}

// Value runs the combined forward/backward evaluation at x, caches the
// gradient for the Gradient call that follows, and returns the loss.
//
// It may be called in any state: re-entering discards a stale cached
// gradient.
func (e *Evaluator) Value(x []float64) float64 {
	loss, grad := e.fn(x)
	if len(grad) != len(x) {
		exceptions.Panicf("Evaluator: combined evaluation returned a gradient of %d elements for a candidate of %d",
			len(grad), len(x))
	}
	if len(e.lastX) != len(x) {
		e.lastX = make([]float64, len(x))
	}
	copy(e.lastX, x)
	e.grad = grad
	e.state = awaitingGradient
	return loss
}

// Gradient copies the gradient cached by the preceding Value call into dst
// and clears the cache.
func (e *Evaluator) Gradient(dst, x []float64) {
	if e.state != awaitingGradient {
		exceptions.Panicf("Evaluator: Gradient called without a preceding Value call")
	}
	if !floats.Equal(e.lastX, x) {
		exceptions.Panicf("Evaluator: Gradient called with a different candidate than the preceding Value call")
	}
	if len(dst) != len(e.grad) {
		exceptions.Panicf("Evaluator: Gradient destination has %d elements, cached gradient has %d",
			len(dst), len(e.grad))
	}
	copy(dst, e.grad)
	e.grad = nil
	e.state = awaitingValue
}
