package seq2seq

import (
	"math"
	"math/rand"

	"github.com/unixpickle/anydiff"
	"github.com/unixpickle/anynet"
	"github.com/unixpickle/anyvec"
)

// An Attention scores the annotations of one encoder
// channel against a decoder state and produces a context
// vector as the weighted average of the annotations.
//
// For efficiency, the first energy layer is split into a
// query transformation and an encoder transformation; the
// encoder side is computed once per batch and reused at
// every decoder timestep.
//
// Three energy functions are supported, selected by the
// channel's configuration: plain additive scoring, scoring
// with a convolution of the previous step's weights, and
// local scoring restricted to a window around a predicted
// source position.
type Attention struct {
	cfg     *EncoderConfig
	creator anyvec.Creator

	queryTrans *anynet.FC
	encTrans   *anynet.FC
	energyVec  *anydiff.Var

	// Convolutional energies: a bank of filters applied to
	// the previous weights, projected into the energy
	// space.
	filterBank  *anydiff.Var
	filterTrans *anydiff.Var

	// Local attention position predictor.
	posTrans *anynet.FC
	posVec   *anydiff.Var
}

// NewAttention creates an attention module for one
// encoder channel.
// stateSize is the size of the decoder state that queries
// will be derived from.
func NewAttention(cr anyvec.Creator, stateSize int, cfg *EncoderConfig,
	rng *rand.Rand) *Attention {
	attn := cfg.attentionSize()
	res := &Attention{
		cfg:        cfg,
		creator:    cr,
		queryTrans: anynet.NewFC(cr, stateSize, attn),
		encTrans:   anynet.NewFC(cr, cfg.outputSize(), attn),
		energyVec:  randomVar(cr, rng, attn, attn),
	}
	if cfg.AttentionFilters > 0 {
		width := 2*cfg.AttentionFilterLength + 1
		res.filterBank = randomVar(cr, rng, cfg.AttentionFilters*width, width)
		res.filterTrans = randomVar(cr, rng, attn*cfg.AttentionFilters,
			cfg.AttentionFilters)
	}
	if cfg.AttentionWindowSize > 0 {
		res.posTrans = anynet.NewFC(cr, stateSize, attn)
		res.posVec = randomVar(cr, rng, attn, attn)
	}
	return res
}

// Parameters returns the module's parameters.
func (a *Attention) Parameters() []*anydiff.Var {
	res := []*anydiff.Var{a.energyVec}
	res = append(res, anynet.AllParameters(a.queryTrans, a.encTrans)...)
	if a.filterBank != nil {
		res = append(res, a.filterBank, a.filterTrans)
	}
	if a.posTrans != nil {
		res = append(res, a.posVec)
		res = append(res, a.posTrans.Parameters()...)
	}
	return res
}

// prepare computes the encoder-side transformations for a
// batch, recording them on the tape so that every decoder
// timestep can reuse them.
func (a *Attention) prepare(tp *tape, enc *encodedChannel) *attnPrep {
	res := &attnPrep{att: a, tp: tp, enc: enc}
	for _, out := range enc.outs {
		res.projs = append(res.projs, tp.add(a.encTrans.Apply(out, enc.n)))
	}
	return res
}

// attnPrep is an Attention bound to one encoded batch.
type attnPrep struct {
	att   *Attention
	tp    *tape
	enc   *encodedChannel
	projs []*anydiff.Var
}

// weights computes the attention distribution over source
// positions for one decoder timestep: a batch of n rows,
// one distribution of enc.steps weights per row.
//
// Each row sums to 1 and assigns zero weight to padding
// positions. prevWeights may be nil on the first timestep,
// which is equivalent to a previous distribution of zeros.
func (p *attnPrep) weights(state, prevWeights *anydiff.Var) anydiff.Res {
	cfg := p.att.cfg
	cr := p.att.creator
	n, steps := p.enc.n, p.enc.steps
	attn := cfg.attentionSize()

	stateProj := p.tp.add(p.att.queryTrans.Apply(state, n))

	var filterVar *anydiff.Var
	if p.att.filterBank != nil && prevWeights != nil {
		filterVar = p.tp.add(p.filterEnergies(prevWeights))
	}

	vMat := &anydiff.Matrix{Data: p.att.energyVec, Rows: attn, Cols: 1}
	cols := make([]anydiff.Res, steps)
	for t := range cols {
		s := anydiff.Add(p.projs[t], stateProj)
		if filterVar != nil {
			s = anydiff.Add(s, p.filterSlice(filterVar, t))
		}
		prod := anydiff.MatMul(false, false,
			&anydiff.Matrix{Data: anydiff.Tanh(s), Rows: n, Cols: attn}, vMat)
		cols[t] = prod.Data
	}
	energies := p.tp.add(joinColsRes(n, cols))

	mask := p.lengthMask()
	var positions []float64
	if cfg.AttentionWindowSize > 0 {
		positions = p.positions(state)
		p.applyWindow(mask, positions)
	}

	// Stabilized softmax: shift each row by its maximum
	// (a constant, so no gradient flows through the shift),
	// exponentiate, zero the padding, normalize.
	data := vecData(energies.Vector)
	shift := make([]float64, len(data))
	for i := 0; i < n; i++ {
		max := math.Inf(-1)
		for t := 0; t < steps; t++ {
			if data[i*steps+t] > max {
				max = data[i*steps+t]
			}
		}
		for t := 0; t < steps; t++ {
			shift[i*steps+t] = -max
		}
	}
	exps := anydiff.Exp(anydiff.Add(energies, constVec(cr, shift)))
	masked := anydiff.Mul(exps, constVec(cr, flattenRows(mask)))
	weights := p.normalizeRows(masked)

	if positions != nil {
		// Favor positions near the predicted one, then
		// renormalize so the rows still sum to 1.
		weights = p.normalizeRows(anydiff.Mul(weights,
			constVec(cr, p.gaussians(positions))))
	}
	return weights
}

// context averages the encoder annotations using an
// attention distribution, producing n rows of the
// channel's annotation size.
func (p *attnPrep) context(weights *anydiff.Var) anydiff.Res {
	n, steps := p.enc.n, p.enc.steps
	outSize := p.att.cfg.outputSize()
	rows := make([]anydiff.Res, n)
	for i := 0; i < n; i++ {
		annRows := make([]anydiff.Res, steps)
		for t, out := range p.enc.outs {
			annRows[t] = anydiff.Slice(out, i*outSize, (i+1)*outSize)
		}
		prod := anydiff.MatMul(false, false,
			&anydiff.Matrix{
				Data: anydiff.Slice(weights, i*steps, (i+1)*steps),
				Rows: 1,
				Cols: steps,
			},
			&anydiff.Matrix{
				Data: anydiff.Concat(annRows...),
				Rows: steps,
				Cols: outSize,
			})
		rows[i] = prod.Data
	}
	return anydiff.Concat(rows...)
}

// filterEnergies convolves the previous attention weights
// with the filter bank and projects the responses into the
// energy space.
// The result has one row of attentionSize per (sample,
// position) pair, ordered position-fastest.
func (p *attnPrep) filterEnergies(prevWeights *anydiff.Var) anydiff.Res {
	cfg := p.att.cfg
	cr := p.att.creator
	n, steps := p.enc.n, p.enc.steps
	half := cfg.AttentionFilterLength
	width := 2*half + 1

	// Window matrix: row (i, t) holds the previous weights
	// of sample i around position t, zero padded at the
	// edges.
	rows := make([]anydiff.Res, 0, n*steps)
	for i := 0; i < n; i++ {
		base := i * steps
		for t := 0; t < steps; t++ {
			lo, hi := t-half, t+half+1
			var parts []anydiff.Res
			if lo < 0 {
				parts = append(parts, zeroRes(cr, -lo))
				lo = 0
			}
			trailing := 0
			if hi > steps {
				trailing = hi - steps
				hi = steps
			}
			parts = append(parts, anydiff.Slice(prevWeights, base+lo, base+hi))
			if trailing > 0 {
				parts = append(parts, zeroRes(cr, trailing))
			}
			rows = append(rows, anydiff.Concat(parts...))
		}
	}
	windows := &anydiff.Matrix{
		Data: anydiff.Concat(rows...),
		Rows: n * steps,
		Cols: width,
	}
	conv := anydiff.MatMul(false, true, windows, &anydiff.Matrix{
		Data: p.att.filterBank,
		Rows: cfg.AttentionFilters,
		Cols: width,
	})
	proj := anydiff.MatMul(false, true, conv, &anydiff.Matrix{
		Data: p.att.filterTrans,
		Rows: cfg.attentionSize(),
		Cols: cfg.AttentionFilters,
	})
	return proj.Data
}

// filterSlice gathers the filter energies of position t
// for every sample, as a packed batch of n rows.
func (p *attnPrep) filterSlice(filterVar *anydiff.Var, t int) anydiff.Res {
	attn := p.att.cfg.attentionSize()
	rows := make([]anydiff.Res, p.enc.n)
	for i := range rows {
		start := (i*p.enc.steps + t) * attn
		rows[i] = anydiff.Slice(filterVar, start, start+attn)
	}
	return anydiff.Concat(rows...)
}

// positions predicts a source position for each sample,
// between 0 and the sample's true length.
// The prediction is treated as a constant: gradients do
// not flow through it.
func (p *attnPrep) positions(state *anydiff.Var) []float64 {
	n := p.enc.n
	attn := p.att.cfg.attentionSize()
	proj := anydiff.Tanh(p.att.posTrans.Apply(state, n))
	raw := anydiff.MatMul(false, false,
		&anydiff.Matrix{Data: proj, Rows: n, Cols: attn},
		&anydiff.Matrix{Data: p.att.posVec, Rows: attn, Cols: 1})
	data := vecData(raw.Data.Output())
	res := make([]float64, n)
	for i, x := range data {
		s := 1 / (1 + math.Exp(-x))
		res[i] = math.Floor(float64(p.enc.lengths[i]) * s)
	}
	return res
}

// lengthMask is 1 for positions before each sample's true
// length and 0 for padding.
func (p *attnPrep) lengthMask() [][]float64 {
	res := make([][]float64, p.enc.n)
	for i := range res {
		res[i] = make([]float64, p.enc.steps)
		for t := 0; t < p.enc.lengths[i] && t < p.enc.steps; t++ {
			res[i][t] = 1
		}
	}
	return res
}

// applyWindow zeroes mask entries outside the attention
// window around each predicted position.
func (p *attnPrep) applyWindow(mask [][]float64, positions []float64) {
	d := float64(p.att.cfg.AttentionWindowSize)
	for i, pt := range positions {
		for t := range mask[i] {
			if math.Abs(float64(t)-pt) > d {
				mask[i][t] = 0
			}
		}
	}
}

// gaussians builds the truncated Gaussian factors centered
// at the predicted positions, with a standard deviation of
// half the window size.
func (p *attnPrep) gaussians(positions []float64) []float64 {
	d := float64(p.att.cfg.AttentionWindowSize)
	sigma := d / 2
	res := make([]float64, p.enc.n*p.enc.steps)
	for i, pt := range positions {
		for t := 0; t < p.enc.steps; t++ {
			diff := float64(t) - pt
			res[i*p.enc.steps+t] = math.Exp(-diff * diff / (2 * sigma * sigma))
		}
	}
	return res
}

// normalizeRows scales each row of a non-negative batch so
// that it sums to 1.
// A small epsilon keeps all-zero rows finite.
func (p *attnPrep) normalizeRows(batch anydiff.Res) anydiff.Res {
	cr := p.att.creator
	n, steps := p.enc.n, p.enc.steps
	bVar := p.tp.add(batch)
	ones := fillRes(cr, steps, 1)
	sums := anydiff.MatMul(false, false,
		&anydiff.Matrix{Data: bVar, Rows: n, Cols: steps},
		&anydiff.Matrix{Data: ones, Rows: steps, Cols: 1})
	inv := anydiff.Div(fillRes(cr, n, 1), addScalar(sums.Data, 1e-12))
	rows := make([]anydiff.Res, n)
	for i := range rows {
		rows[i] = anydiff.Mul(
			anydiff.Slice(bVar, i*steps, (i+1)*steps),
			repeatRes(anydiff.Slice(inv, i, i+1), steps))
	}
	return anydiff.Concat(rows...)
}

// flattenRows packs a row-per-sample mask into one flat
// slice.
func flattenRows(rows [][]float64) []float64 {
	var res []float64
	for _, r := range rows {
		res = append(res, r...)
	}
	return res
}

// randomVar creates a variable of the given size with
// Gaussian entries scaled by 1/sqrt(fanIn).
func randomVar(cr anyvec.Creator, rng *rand.Rand, size, fanIn int) *anydiff.Var {
	data := make([]float64, size)
	scale := 1 / math.Sqrt(float64(fanIn))
	for i := range data {
		data[i] = rng.NormFloat64() * scale
	}
	return anydiff.NewVar(cr.MakeVectorData(cr.MakeNumericList(data)))
}
