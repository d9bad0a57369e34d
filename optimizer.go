package seq2seq

import (
	"math"

	"github.com/unixpickle/anydiff"
	"github.com/unixpickle/anynet/anysgd"
)

// An OptMethod selects the update rule for model
// parameters.
type OptMethod int

const (
	// OptSGD is plain stochastic gradient descent.
	OptSGD OptMethod = iota

	// OptAdadelta uses the constants from the original
	// attention paper: rho 0.95, epsilon 1e-6, rate 1.
	OptAdadelta

	// OptAdam uses anysgd.Adam defaults with rate 0.001.
	OptAdam
)

// defaultRate is the conventional learning rate for a
// method, used when the caller passes 0.
func (o OptMethod) defaultRate() float64 {
	switch o {
	case OptAdadelta:
		return 1
	case OptAdam:
		return 0.001
	default:
		return 0.5
	}
}

// An optimizer owns the transformer chain and step size
// for one set of parameters.
type optimizer struct {
	rate  float64
	chain []anysgd.Transformer
}

// newOptimizer creates an optimizer.
// A positive maxNorm prepends global-norm clipping to the
// transformer chain.
func newOptimizer(method OptMethod, rate, maxNorm float64) *optimizer {
	if rate == 0 {
		rate = method.defaultRate()
	}
	res := &optimizer{rate: rate}
	if maxNorm > 0 {
		res.chain = append(res.chain, &clipper{Max: maxNorm})
	}
	switch method {
	case OptAdadelta:
		res.chain = append(res.chain, &adadelta{Rho: 0.95, Epsilon: 1e-6})
	case OptAdam:
		res.chain = append(res.chain, &anysgd.Adam{})
	}
	return res
}

// apply transforms the gradient and descends the
// parameters in place.
func (o *optimizer) apply(g anydiff.Grad) {
	if len(g) == 0 {
		return
	}
	for _, t := range o.chain {
		g = t.Transform(g)
	}
	for _, v := range g {
		g.Scale(v.Creator().MakeNumeric(-o.rate))
		break
	}
	g.AddToVars()
}

// clipper scales a gradient down so that its global
// Euclidean norm never exceeds Max.
type clipper struct {
	Max float64
}

// Transform implements anysgd.Transformer.
func (c *clipper) Transform(g anydiff.Grad) anydiff.Grad {
	norm := gradNorm(g)
	if norm > c.Max {
		for _, v := range g {
			v.Scale(v.Creator().MakeNumeric(c.Max / norm))
		}
	}
	return g
}

// gradNorm computes the global Euclidean norm of a
// gradient.
func gradNorm(g anydiff.Grad) float64 {
	var sum float64
	for _, v := range g {
		for _, x := range vecData(v) {
			sum += x * x
		}
	}
	return math.Sqrt(sum)
}

// adadelta implements the Adadelta update rule as an
// anysgd.Transformer.
//
// Per-parameter accumulators live on the host, keyed by
// variable, so the transformer must be reused across steps
// to be effective.
type adadelta struct {
	Rho     float64
	Epsilon float64

	sqGrad  map[*anydiff.Var][]float64
	sqDelta map[*anydiff.Var][]float64
}

// Transform implements anysgd.Transformer.
func (a *adadelta) Transform(g anydiff.Grad) anydiff.Grad {
	if a.sqGrad == nil {
		a.sqGrad = map[*anydiff.Var][]float64{}
		a.sqDelta = map[*anydiff.Var][]float64{}
	}
	for v, grad := range g {
		data := vecData(grad)
		eg := a.sqGrad[v]
		ed := a.sqDelta[v]
		if eg == nil {
			eg = make([]float64, len(data))
			ed = make([]float64, len(data))
			a.sqGrad[v] = eg
			a.sqDelta[v] = ed
		}
		out := make([]float64, len(data))
		for i, x := range data {
			eg[i] = a.Rho*eg[i] + (1-a.Rho)*x*x
			delta := math.Sqrt(ed[i]+a.Epsilon) /
				math.Sqrt(eg[i]+a.Epsilon) * x
			ed[i] = a.Rho*ed[i] + (1-a.Rho)*delta*delta
			out[i] = delta
		}
		cr := grad.Creator()
		grad.SetData(cr.MakeNumericList(out))
	}
	return g
}
