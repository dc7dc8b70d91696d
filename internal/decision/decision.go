// Package decision turns raw model output into a labelled, scored result.
package decision

import (
	"fmt"
	"math"

	"github.com/example/tremor-api/internal/apperr"
	"github.com/example/tremor-api/internal/sensor"
)

const (
	// Positive and Negative are the labels of single-scalar models.
	Positive = "positive"
	Negative = "negative"

	binaryThreshold = 0.5
)

// DefaultLabels is the label table of the two-class tremor model.
var DefaultLabels = []string{"no_tremor", "tremor"}

// PositiveLabels are the decisions that indicate tremor.
var PositiveLabels = []string{Positive, "tremor"}

// InferenceResult is the interpreted outcome of one forward pass. It is not
// modified after the pipeline returns it.
type InferenceResult struct {
	Decision      string          `json:"decision"`
	Score         float64         `json:"score"`
	Probabilities []float64       `json:"probabilities,omitempty"`
	SensorSummary *sensor.Summary `json:"sensorSummary,omitempty"`
}

// Policy maps output vectors onto decisions. The zero value uses DefaultLabels.
type Policy struct {
	Labels []string
}

// NewPolicy returns a policy with the given label table, or the default one
// when labels is empty.
func NewPolicy(labels []string) Policy {
	if len(labels) == 0 {
		labels = DefaultLabels
	}
	return Policy{Labels: append([]string(nil), labels...)}
}

// Decide interprets output. A single value is a probability thresholded at
// 0.5; N>1 values are logits passed through softmax and argmax.
func (p Policy) Decide(output []float32) (*InferenceResult, error) {
	if len(output) == 0 {
		return nil, fmt.Errorf("model returned no values: %w", apperr.ErrInference)
	}
	values := make([]float64, len(output))
	for i, v := range output {
		f := float64(v)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return nil, fmt.Errorf("output[%d] is %v: %w", i, f, apperr.ErrInference)
		}
		values[i] = f
	}

	if len(values) == 1 {
		raw := values[0]
		label := Negative
		if raw >= binaryThreshold {
			label = Positive
		}
		// The raw value decides; the reported score stays within [0,1].
		return &InferenceResult{Decision: label, Score: math.Min(math.Max(raw, 0), 1)}, nil
	}

	probs := Softmax(values)
	best := Argmax(probs)
	return &InferenceResult{
		Decision:      p.label(best, len(probs)),
		Score:         probs[best],
		Probabilities: probs,
	}, nil
}

func (p Policy) label(index, arity int) string {
	labels := p.Labels
	if len(labels) == 0 {
		labels = DefaultLabels
	}
	if len(labels) == arity {
		return labels[index]
	}
	return fmt.Sprintf("class_%d", index)
}

// Softmax returns the normalized exponentials of values, shifted by the
// maximum for numerical stability.
func Softmax(values []float64) []float64 {
	if len(values) == 0 {
		return nil
	}
	max := values[0]
	for _, v := range values[1:] {
		if v > max {
			max = v
		}
	}
	out := make([]float64, len(values))
	var sum float64
	for i, v := range values {
		out[i] = math.Exp(v - max)
		sum += out[i]
	}
	for i := range out {
		out[i] /= sum
	}
	return out
}

// Argmax returns the index of the largest value; ties go to the lowest index.
func Argmax(values []float64) int {
	best := 0
	for i := 1; i < len(values); i++ {
		if values[i] > values[best] {
			best = i
		}
	}
	return best
}
