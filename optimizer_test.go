package seq2seq

import (
	"math"
	"testing"

	"github.com/unixpickle/anydiff"
	"github.com/unixpickle/anyvec/anyvec64"
)

func TestClipper(t *testing.T) {
	c := anyvec64.DefaultCreator{}
	v1 := anydiff.NewVar(c.MakeVector(2))
	v2 := anydiff.NewVar(c.MakeVector(1))
	g := anydiff.Grad{
		v1: c.MakeVectorData(c.MakeNumericList([]float64{3, 0})),
		v2: c.MakeVectorData(c.MakeNumericList([]float64{4})),
	}
	cl := &clipper{Max: 2.5}
	g = cl.Transform(g)
	if norm := gradNorm(g); math.Abs(norm-2.5) > 1e-8 {
		t.Errorf("clipped norm %f (want 2.5)", norm)
	}
	// Direction preserved.
	d1 := vecData(g[v1])
	d2 := vecData(g[v2])
	if math.Abs(d1[0]/d2[0]-3.0/4.0) > 1e-8 {
		t.Errorf("clipping changed the direction: %v %v", d1, d2)
	}
	// Small gradients pass through untouched.
	g = cl.Transform(g)
	if norm := gradNorm(g); math.Abs(norm-2.5) > 1e-8 {
		t.Errorf("re-clipped norm %f (want 2.5)", norm)
	}
}

func TestAdadelta(t *testing.T) {
	c := anyvec64.DefaultCreator{}
	v := anydiff.NewVar(c.MakeVector(3))
	a := &adadelta{Rho: 0.95, Epsilon: 1e-6}
	for iter := 0; iter < 3; iter++ {
		g := anydiff.Grad{
			v: c.MakeVectorData(c.MakeNumericList([]float64{1, -2, 0.5})),
		}
		g = a.Transform(g)
		for i, x := range vecData(g[v]) {
			if math.IsNaN(x) || math.IsInf(x, 0) {
				t.Fatalf("iter %d: component %d is %f", iter, i, x)
			}
			if x == 0 {
				t.Errorf("iter %d: component %d vanished", iter, i)
			}
		}
	}
}

func TestOptimizerApply(t *testing.T) {
	c := anyvec64.DefaultCreator{}
	v := anydiff.NewVar(c.MakeVectorData(c.MakeNumericList([]float64{1, 1})))
	o := newOptimizer(OptSGD, 0.5, 0)
	g := anydiff.Grad{
		v: c.MakeVectorData(c.MakeNumericList([]float64{1, -1})),
	}
	o.apply(g)
	data := vecData(v.Vector)
	if math.Abs(data[0]-0.5) > 1e-8 || math.Abs(data[1]-1.5) > 1e-8 {
		t.Errorf("bad update: %v", data)
	}
}
