package contextmgr

import (
	"github.com/nugget/agentcore/internal/store"
)

// Estimator returns the approximate token cost of one message. The
// exact tokenizer belongs to the provider; estimators only need to be
// deterministic and roughly proportional.
type Estimator interface {
	Estimate(m store.Message) int
}

// EstimatorFunc adapts a function to Estimator.
type EstimatorFunc func(m store.Message) int

// Estimate calls f.
func (f EstimatorFunc) Estimate(m store.Message) int { return f(m) }

// CharEstimator charges one token per CharsPerToken characters of
// message text plus a fixed per-message Overhead for role framing.
type CharEstimator struct {
	CharsPerToken int
	Overhead      int
}

// DefaultEstimator returns the len/4 heuristic with a 4-token overhead.
func DefaultEstimator() CharEstimator {
	return CharEstimator{CharsPerToken: 4, Overhead: 4}
}

// Estimate implements Estimator.
func (e CharEstimator) Estimate(m store.Message) int {
	per := e.CharsPerToken
	if per <= 0 {
		per = 4
	}
	chars := len(m.Content)
	for _, tc := range m.ToolCalls {
		chars += len(tc.Name) + len(tc.ArgumentsJSON())
	}
	if m.Result != nil {
		chars += len(m.Result.Content())
	}
	return (chars+per-1)/per + e.Overhead
}
