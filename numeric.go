package seq2seq

import (
	"math"
	"math/rand"

	"github.com/unixpickle/anydiff"
	"github.com/unixpickle/anyvec"
)

// numToFloat converts an anyvec.Numeric from any of the
// standard creators to a float64.
func numToFloat(n anyvec.Numeric) float64 {
	switch n := n.(type) {
	case float32:
		return float64(n)
	case float64:
		return n
	default:
		panic("unsupported numeric type")
	}
}

// vecData copies the components of a vector to the host.
func vecData(v anyvec.Vector) []float64 {
	switch d := v.Data().(type) {
	case []float32:
		res := make([]float64, len(d))
		for i, x := range d {
			res[i] = float64(x)
		}
		return res
	case []float64:
		return append([]float64{}, d...)
	default:
		panic("unsupported numeric type")
	}
}

// constVec creates a constant Res from host data.
func constVec(c anyvec.Creator, data []float64) anydiff.Res {
	return anydiff.NewConst(c.MakeVectorData(c.MakeNumericList(data)))
}

// zeroRes creates a constant zero Res.
func zeroRes(c anyvec.Creator, size int) anydiff.Res {
	return anydiff.NewConst(c.MakeVector(size))
}

// fillRes creates a constant Res with every component set
// to val.
func fillRes(c anyvec.Creator, size int, val float64) anydiff.Res {
	v := c.MakeVector(size)
	v.AddScalar(c.MakeNumeric(val))
	return anydiff.NewConst(v)
}

// addScalar adds a scalar to every component.
func addScalar(r anydiff.Res, val float64) anydiff.Res {
	c := r.Output().Creator()
	return anydiff.Add(r, fillRes(c, r.Output().Len(), val))
}

// sigmoid computes the logistic sigmoid in terms of tanh,
// which is numerically stable for large inputs.
func sigmoid(r anydiff.Res) anydiff.Res {
	c := r.Output().Creator()
	half := anydiff.Scale(anydiff.Tanh(anydiff.Scale(r, c.MakeNumeric(0.5))),
		c.MakeNumeric(0.5))
	return addScalar(half, 0.5)
}

// elemMax computes the component-wise maximum of two
// results of the same length.
func elemMax(a, b anydiff.Res) anydiff.Res {
	return anydiff.Add(a, anydiff.ClipPos(anydiff.Sub(b, a)))
}

// hostSoftmax computes a softmax distribution on the host.
func hostSoftmax(logits []float64) []float64 {
	max := math.Inf(-1)
	for _, x := range logits {
		if x > max {
			max = x
		}
	}
	var sum float64
	res := make([]float64, len(logits))
	for i, x := range logits {
		res[i] = math.Exp(x - max)
		sum += res[i]
	}
	for i := range res {
		res[i] /= sum
	}
	return res
}

// hostLogSoftmax computes log-probabilities on the host.
func hostLogSoftmax(logits []float64) []float64 {
	max := math.Inf(-1)
	for _, x := range logits {
		if x > max {
			max = x
		}
	}
	var sum float64
	for _, x := range logits {
		sum += math.Exp(x - max)
	}
	logSum := max + math.Log(sum)
	res := make([]float64, len(logits))
	for i, x := range logits {
		res[i] = x - logSum
	}
	return res
}

func argmax(values []float64) int {
	idx := 0
	for i, x := range values {
		if x > values[idx] {
			idx = i
		}
	}
	return idx
}

// sampleIndex samples an index from a distribution.
func sampleIndex(rng *rand.Rand, probs []float64) int {
	p := rng.Float64()
	for i, x := range probs {
		p -= x
		if p < 0 {
			return i
		}
	}
	return len(probs) - 1
}
