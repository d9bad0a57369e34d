package seq2seq

import (
	"github.com/unixpickle/anydiff"
	"github.com/unixpickle/anyvec"
)

// A tape records the intermediate results of an unrolled
// recurrent computation in dependency order and exposes
// each one as a pooled variable.
//
// Downstream graphs may consume a pooled variable any
// number of times without triggering repeated propagation
// through the sub-graph that produced it: variables simply
// accumulate gradient.
// The price is an explicit reverse pass, during which each
// recorded sub-graph receives its accumulated gradient
// exactly once, last recorded first.
//
// Since each sub-graph only references variables recorded
// before it, the reverse order is a valid topological
// order for back-propagation through time.
type tape struct {
	vars []*anydiff.Var
	srcs []anydiff.Res
}

// add evaluates r eagerly and returns a pooled variable
// backed by its output.
func (t *tape) add(r anydiff.Res) *anydiff.Var {
	v := anydiff.NewVar(r.Output())
	t.vars = append(t.vars, v)
	t.srcs = append(t.srcs, r)
	return v
}

// variables returns every pooled variable.
// They must all be registered in the gradient before the
// loss is propagated, so that upstream gradients can be
// accumulated for the reverse pass.
func (t *tape) variables() []*anydiff.Var {
	return append([]*anydiff.Var{}, t.vars...)
}

// backward runs the reverse pass: the gradient accumulated
// in g for each pooled variable is propagated through the
// sub-graph that produced the variable.
// The pooled variables are removed from g, leaving only
// model parameter gradients.
func (t *tape) backward(g anydiff.Grad) {
	for i := len(t.vars) - 1; i >= 0; i-- {
		v := t.vars[i]
		u, ok := g[v]
		if !ok {
			continue
		}
		delete(g, v)
		if numToFloat(anyvec.AbsMax(u)) == 0 {
			continue
		}
		t.srcs[i].Propagate(u, g)
	}
}
