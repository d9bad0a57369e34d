package seq2seq

import (
	"math"
	"math/rand"

	"github.com/unixpickle/anydiff"
	"github.com/unixpickle/anynet"
	"github.com/unixpickle/anynet/anyrnn"
	"github.com/unixpickle/anyvec"
)

// A Cell computes one timestep of a recurrent unit as a
// pure function from (state, input) to (output, state).
//
// Inputs and states are packed batches: n rows, one per
// sample.
// Callers that use a step's result more than once should
// route it through a tape variable first; the Step
// implementations themselves only fan out over
// variable-backed inputs.
type Cell interface {
	anynet.Parameterizer

	InSize() int
	OutSize() int
	StateSize() int

	// Start returns the start state for a batch of n.
	Start(n int) anydiff.Res

	// Step advances the cell by one timestep.
	Step(state, in anydiff.Res, n int) (out, newState anydiff.Res)
}

// CellBlock exposes a Cell as an anyrnn.Block, so that it
// can be driven by anyrnn.Map and friends.
func CellBlock(c Cell) anyrnn.Block {
	return &anyrnn.FuncBlock{
		Func: func(in, state anydiff.Res, n int) (out, newState anydiff.Res) {
			return c.Step(state, in, n)
		},
		MakeStart: c.Start,
	}
}

// NewCell creates an LSTM or GRU cell.
// GRU weights are orthogonally initialized; LSTM forget
// gates start with a bias of 1.
func NewCell(cr anyvec.Creator, t CellType, in, size int, rng *rand.Rand) Cell {
	switch t {
	case LSTM:
		return newLSTMCell(cr, in, size)
	case GRU:
		return newGRUCell(cr, in, size, rng)
	default:
		panic("unknown cell type")
	}
}

type lstmCell struct {
	creator anyvec.Creator
	inSize  int
	size    int

	inGate  *anynet.FC
	forget  *anynet.FC
	output  *anynet.FC
	cand    *anynet.FC
	initVar *anydiff.Var
}

func newLSTMCell(cr anyvec.Creator, in, size int) *lstmCell {
	res := &lstmCell{
		creator: cr,
		inSize:  in,
		size:    size,
		inGate:  anynet.NewFC(cr, in+size, size),
		forget:  anynet.NewFC(cr, in+size, size),
		output:  anynet.NewFC(cr, in+size, size),
		cand:    anynet.NewFC(cr, in+size, size),
		initVar: anydiff.NewVar(cr.MakeVector(2 * size)),
	}
	// Standard forget bias of 1 to avoid early vanishing.
	res.forget.Biases.Vector.AddScalar(cr.MakeNumeric(1))
	return res
}

func (l *lstmCell) InSize() int    { return l.inSize }
func (l *lstmCell) OutSize() int   { return l.size }
func (l *lstmCell) StateSize() int { return 2 * l.size }

func (l *lstmCell) Start(n int) anydiff.Res {
	return repeatRes(l.initVar, n)
}

func (l *lstmCell) Step(state, in anydiff.Res, n int) (anydiff.Res, anydiff.Res) {
	parts := splitCols(state, n, l.size, l.size)
	cellPrev, hiddenPrev := parts[0], parts[1]
	joined := joinCols(n, in, hiddenPrev)

	inGate := sigmoid(l.inGate.Apply(joined, n))
	forget := sigmoid(l.forget.Apply(joined, n))
	outGate := sigmoid(l.output.Apply(joined, n))
	cand := anydiff.Tanh(l.cand.Apply(joined, n))

	newCell := anydiff.Add(anydiff.Mul(forget, cellPrev),
		anydiff.Mul(inGate, cand))
	newHidden := anydiff.Mul(outGate, anydiff.Tanh(newCell))
	return newHidden, joinCols(n, newCell, newHidden)
}

func (l *lstmCell) Parameters() []*anydiff.Var {
	res := []*anydiff.Var{l.initVar}
	res = append(res, anynet.AllParameters(l.inGate, l.forget, l.output,
		l.cand)...)
	return res
}

type gruCell struct {
	creator anyvec.Creator
	inSize  int
	size    int

	update  *anynet.FC
	reset   *anynet.FC
	cand    *anynet.FC
	initVar *anydiff.Var
}

func newGRUCell(cr anyvec.Creator, in, size int, rng *rand.Rand) *gruCell {
	res := &gruCell{
		creator: cr,
		inSize:  in,
		size:    size,
		update:  anynet.NewFC(cr, in+size, size),
		reset:   anynet.NewFC(cr, in+size, size),
		cand:    anynet.NewFC(cr, in+size, size),
		initVar: anydiff.NewVar(cr.MakeVector(size)),
	}
	for _, fc := range []*anynet.FC{res.update, res.reset, res.cand} {
		orthogonalize(fc, rng)
	}
	// Gates start open, like the reference GRU.
	res.update.Biases.Vector.AddScalar(cr.MakeNumeric(1))
	res.reset.Biases.Vector.AddScalar(cr.MakeNumeric(1))
	return res
}

func (g *gruCell) InSize() int    { return g.inSize }
func (g *gruCell) OutSize() int   { return g.size }
func (g *gruCell) StateSize() int { return g.size }

func (g *gruCell) Start(n int) anydiff.Res {
	return repeatRes(g.initVar, n)
}

func (g *gruCell) Step(state, in anydiff.Res, n int) (anydiff.Res, anydiff.Res) {
	joined := joinCols(n, in, state)
	update := sigmoid(g.update.Apply(joined, n))
	reset := sigmoid(g.reset.Apply(joined, n))

	candIn := joinCols(n, in, anydiff.Mul(reset, state))
	cand := anydiff.Tanh(g.cand.Apply(candIn, n))

	// h' = u*h + (1-u)*c
	newState := anydiff.Add(anydiff.Mul(update, state),
		anydiff.Mul(anydiff.Sub(fillRes(g.creator, n*g.size, 1), update), cand))
	return newState, newState
}

func (g *gruCell) Parameters() []*anydiff.Var {
	res := []*anydiff.Var{g.initVar}
	res = append(res, anynet.AllParameters(g.update, g.reset, g.cand)...)
	return res
}

// dropoutCell applies dropout to the input of a cell.
// The Dropout layer is shared with the model so that it
// can be toggled off during decoding.
type dropoutCell struct {
	Cell
	drop *anynet.Dropout
}

func (d *dropoutCell) Step(state, in anydiff.Res, n int) (anydiff.Res, anydiff.Res) {
	return d.Cell.Step(state, d.drop.Apply(in, n), n)
}

// stackCell stacks cells, feeding each one's output to the
// next, with optional residual connections when the sizes
// match.
// Its state is the concatenation of the layer states, per
// row.
type stackCell struct {
	cells    []Cell
	residual bool
}

func newStackCell(cells []Cell, residual bool) Cell {
	if len(cells) == 1 && !residual {
		return cells[0]
	}
	return &stackCell{cells: cells, residual: residual}
}

func (s *stackCell) InSize() int  { return s.cells[0].InSize() }
func (s *stackCell) OutSize() int { return s.cells[len(s.cells)-1].OutSize() }

func (s *stackCell) StateSize() int {
	var total int
	for _, c := range s.cells {
		total += c.StateSize()
	}
	return total
}

func (s *stackCell) Start(n int) anydiff.Res {
	parts := make([]anydiff.Res, len(s.cells))
	for i, c := range s.cells {
		parts[i] = c.Start(n)
	}
	return joinColsRes(n, parts)
}

func (s *stackCell) Step(state, in anydiff.Res, n int) (anydiff.Res, anydiff.Res) {
	widths := make([]int, len(s.cells))
	for i, c := range s.cells {
		widths[i] = c.StateSize()
	}
	states := splitCols(state, n, widths...)

	newStates := make([]anydiff.Res, len(s.cells))
	out := in
	for i, c := range s.cells {
		var layerOut anydiff.Res
		layerOut, newStates[i] = c.Step(states[i], out, n)
		if s.residual && c.InSize() == c.OutSize() {
			layerOut = anydiff.Add(layerOut, out)
		}
		out = layerOut
	}
	return out, joinColsRes(n, newStates)
}

func (s *stackCell) Parameters() []*anydiff.Var {
	var res []*anydiff.Var
	for _, c := range s.cells {
		res = append(res, c.Parameters()...)
	}
	return res
}

// repeatRes repeats a vector-shaped Res n times, producing
// a batch of identical rows.
func repeatRes(r anydiff.Res, n int) anydiff.Res {
	reps := make([]anydiff.Res, n)
	for i := range reps {
		reps[i] = r
	}
	return anydiff.Concat(reps...)
}

// splitCols splits a packed batch whose rows consist of
// consecutive column groups of the given widths, returning
// one packed batch per group.
//
// The input is consumed once per (row, group); it should
// be variable-backed.
func splitCols(in anydiff.Res, n int, widths ...int) []anydiff.Res {
	var total int
	for _, w := range widths {
		total += w
	}
	res := make([]anydiff.Res, len(widths))
	var off int
	for gi, w := range widths {
		rows := make([]anydiff.Res, n)
		for i := 0; i < n; i++ {
			start := i*total + off
			rows[i] = anydiff.Slice(in, start, start+w)
		}
		res[gi] = anydiff.Concat(rows...)
		off += w
	}
	return res
}

// joinCols concatenates packed batches column-wise: the
// resulting rows are the concatenation of the input rows.
func joinCols(n int, ins ...anydiff.Res) anydiff.Res {
	return joinColsRes(n, ins)
}

func joinColsRes(n int, ins []anydiff.Res) anydiff.Res {
	if len(ins) == 1 {
		return ins[0]
	}
	widths := make([]int, len(ins))
	for i, in := range ins {
		widths[i] = in.Output().Len() / n
	}
	var rows []anydiff.Res
	for i := 0; i < n; i++ {
		for j, in := range ins {
			rows = append(rows, anydiff.Slice(in, i*widths[j],
				(i+1)*widths[j]))
		}
	}
	return anydiff.Concat(rows...)
}

// orthogonalize fills an FC's weights with a semi
// orthogonal matrix via Gram-Schmidt on Gaussian draws.
func orthogonalize(fc *anynet.FC, rng *rand.Rand) {
	rows := fc.OutCount
	cols := fc.InCount
	small, large := rows, cols
	if small > large {
		small, large = large, small
	}
	basis := make([][]float64, 0, small)
	for len(basis) < small {
		v := make([]float64, large)
		for i := range v {
			v[i] = rng.NormFloat64()
		}
		for _, b := range basis {
			var dot float64
			for i := range v {
				dot += v[i] * b[i]
			}
			for i := range v {
				v[i] -= dot * b[i]
			}
		}
		var norm float64
		for _, x := range v {
			norm += x * x
		}
		norm = math.Sqrt(norm)
		if norm < 1e-8 {
			continue
		}
		for i := range v {
			v[i] /= norm
		}
		basis = append(basis, v)
	}
	data := make([]float64, rows*cols)
	for r := 0; r < rows; r++ {
		for c := 0; c < cols; c++ {
			if rows <= cols {
				data[r*cols+c] = basis[r][c]
			} else {
				data[r*cols+c] = basis[c][r]
			}
		}
	}
	cr := fc.Weights.Vector.Creator()
	fc.Weights.Vector.SetData(cr.MakeNumericList(data))
}
