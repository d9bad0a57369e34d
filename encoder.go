package seq2seq

import (
	"math/rand"

	"github.com/unixpickle/anydiff"
	"github.com/unixpickle/anynet"
	"github.com/unixpickle/anyvec"
)

// An Encoder turns one channel of source sequences into a
// sequence of annotations for the attention mechanism,
// plus a final state used to initialize the decoder.
//
// Token channels look their inputs up in an embedding
// table; binary channels feed raw vectors through optional
// dense+tanh projections.
type Encoder struct {
	cfg     *EncoderConfig
	creator anyvec.Creator

	embedding *anydiff.Var
	inputNet  anynet.Net

	fwd []Cell
	bwd []Cell
}

// NewEncoder creates an encoder for one channel.
// When drop is non-nil, it is applied to the input of
// every recurrent cell.
func NewEncoder(cr anyvec.Creator, cfg *EncoderConfig, drop *anynet.Dropout,
	rng *rand.Rand) *Encoder {
	res := &Encoder{cfg: cfg, creator: cr}

	inDim := cfg.EmbeddingSize
	if cfg.Binary {
		for _, size := range cfg.InputLayers {
			res.inputNet = append(res.inputNet, anynet.NewFC(cr, inDim, size),
				anynet.Tanh)
			inDim = size
		}
	} else {
		res.embedding = randomVar(cr, rng, cfg.VocabSize*cfg.EmbeddingSize,
			cfg.EmbeddingSize)
	}

	newStack := func() []Cell {
		cells := make([]Cell, cfg.layers())
		for i := range cells {
			in := cfg.CellSize
			if i == 0 {
				in = inDim
			}
			cells[i] = NewCell(cr, cfg.Cell, in, cfg.CellSize, rng)
			if drop != nil {
				cells[i] = &dropoutCell{Cell: cells[i], drop: drop}
			}
		}
		return cells
	}
	res.fwd = newStack()
	if cfg.Bidirectional {
		res.bwd = newStack()
	}
	return res
}

// Parameters returns the encoder's parameters.
func (e *Encoder) Parameters() []*anydiff.Var {
	var res []*anydiff.Var
	if e.embedding != nil {
		res = append(res, e.embedding)
	}
	res = append(res, e.inputNet.Parameters()...)
	for _, c := range e.fwd {
		res = append(res, c.Parameters()...)
	}
	for _, c := range e.bwd {
		res = append(res, c.Parameters()...)
	}
	return res
}

// finalSize is the size of the summary handed to the
// decoder initializer: one annotation row of the top
// layer, regardless of direction.
func (e *Encoder) finalSize() int {
	return e.fwd[len(e.fwd)-1].OutSize()
}

// An encodedChannel is the result of running one encoder
// over one batch: per-timestep annotations (zero past each
// sample's true length) and a per-sample summary row for
// the decoder initializer.
type encodedChannel struct {
	cfg     *EncoderConfig
	n       int
	steps   int
	lengths []int

	// outs[t] is a packed batch of n annotation rows.
	outs  []*anydiff.Var
	final *anydiff.Var
}

// apply runs the encoder over a padded batch, recording
// every intermediate on the tape.
func (e *Encoder) apply(tp *tape, batch *EncoderBatch) *encodedChannel {
	n := len(batch.Lengths)
	steps := batch.NumSteps()
	res := &encodedChannel{cfg: e.cfg, n: n, steps: steps,
		lengths: batch.Lengths}

	inputs := make([]*anydiff.Var, steps)
	for t := range inputs {
		inputs[t] = tp.add(e.inputAt(batch, t))
	}

	fwOuts := e.runStack(tp, e.fwd, inputs, batch.Lengths, false)
	if e.bwd == nil {
		res.outs = fwOuts
		res.final = tp.add(e.lastOutputs(fwOuts, batch.Lengths))
		return res
	}
	bwOuts := e.runStack(tp, e.bwd, inputs, batch.Lengths, true)
	res.outs = make([]*anydiff.Var, steps)
	for t := range res.outs {
		res.outs[t] = tp.add(joinCols(n, fwOuts[t], bwOuts[t]))
	}
	// The backward pass's first-timestep annotation has seen
	// every real symbol of its row.
	res.final = bwOuts[0]
	return res
}

// lastOutputs picks, for every sample, the top-layer output
// at its final real symbol. Outputs are already zeroed past
// each sample's true length, so a masked sum selects them.
func (e *Encoder) lastOutputs(outs []*anydiff.Var, lengths []int) anydiff.Res {
	width := e.fwd[len(e.fwd)-1].OutSize()
	sum := make([]anydiff.Res, 0, len(outs))
	for t, o := range outs {
		mask := make([]float64, len(lengths)*width)
		any := false
		for i, l := range lengths {
			if t == l-1 {
				any = true
				for j := 0; j < width; j++ {
					mask[i*width+j] = 1
				}
			}
		}
		if !any {
			continue
		}
		sum = append(sum, anydiff.Mul(o, constVec(e.creator, mask)))
	}
	res := sum[0]
	for _, s := range sum[1:] {
		res = anydiff.Add(res, s)
	}
	return res
}

// inputAt builds the packed input batch for timestep t.
func (e *Encoder) inputAt(batch *EncoderBatch, t int) anydiff.Res {
	if e.cfg.Binary {
		var flat []float64
		for _, row := range batch.Vectors[t] {
			flat = append(flat, row...)
		}
		in := constVec(e.creator, flat)
		if len(e.inputNet) > 0 {
			return e.inputNet.Apply(in, len(batch.Vectors[t]))
		}
		return in
	}
	tokens := batch.Tokens[t]
	emb := e.cfg.EmbeddingSize
	rows := make([]anydiff.Res, len(tokens))
	for i, tok := range tokens {
		rows[i] = anydiff.Slice(e.embedding, tok*emb, (tok+1)*emb)
	}
	return anydiff.Concat(rows...)
}

// runStack runs a stack of cells over the timesteps in one
// direction.
//
// Past a sample's true length the state is frozen and the
// outputs are zeroed, so padding never leaks into the
// annotations. For the reversed direction this means short
// samples simply start later.
func (e *Encoder) runStack(tp *tape, cells []Cell, inputs []*anydiff.Var,
	lengths []int, reversed bool) []*anydiff.Var {
	n := len(lengths)
	steps := len(inputs)

	layerIn := make([]anydiff.Res, steps)
	for t, in := range inputs {
		layerIn[t] = in
	}

	var outs []*anydiff.Var
	for _, cell := range cells {
		outs = make([]*anydiff.Var, steps)
		state := tp.add(cell.Start(n))
		for k := 0; k < steps; k++ {
			t := k
			if reversed {
				t = steps - 1 - k
			}
			out, next := cell.Step(state, layerIn[t], n)
			if e.cfg.Residual && cell.InSize() == cell.OutSize() {
				out = anydiff.Add(out, layerIn[t])
			}
			outMask, _ := stepMasks(e.creator, lengths, t, cell.OutSize())
			stMask, stInv := stepMasks(e.creator, lengths, t, cell.StateSize())
			out = anydiff.Mul(out, outMask)
			next = anydiff.Add(anydiff.Mul(next, stMask),
				anydiff.Mul(state, stInv))
			state = tp.add(next)
			outs[t] = tp.add(out)
		}
		for t, o := range outs {
			layerIn[t] = o
		}
	}
	return outs
}

// stepMasks builds constant masks for timestep t: rows of
// the given width that are all-ones before a sample's true
// length and all-zeros after, plus the complement.
func stepMasks(cr anyvec.Creator, lengths []int, t, width int) (mask,
	inv anydiff.Res) {
	m := make([]float64, len(lengths)*width)
	iv := make([]float64, len(lengths)*width)
	for i, l := range lengths {
		for j := 0; j < width; j++ {
			if t < l {
				m[i*width+j] = 1
			} else {
				iv[i*width+j] = 1
			}
		}
	}
	return constVec(cr, m), constVec(cr, iv)
}
