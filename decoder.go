package seq2seq

import (
	"math/rand"

	"github.com/unixpickle/anydiff"
	"github.com/unixpickle/anynet"
	"github.com/unixpickle/anyvec"
)

// A Decoder produces target tokens conditioned on the
// encoded source channels through attention.
//
// Its initial state is a tanh projection of the encoders'
// final states. Each step splits in two phases: first the
// current state queries every attention module and a
// maxout readout over [state, input embedding, contexts]
// produces an output row, from which the caller selects
// the step's token; then the recurrent stack advances with
// the selected token's embedding and the same contexts.
// The start marker is only ever seen by the readout, never
// by the recurrent stack.
type Decoder struct {
	cfg     *DecoderConfig
	creator anyvec.Creator

	embedding *anydiff.Var
	init      *anynet.FC
	drop      *anynet.Dropout
	cell      Cell
	attns     []*Attention

	maxout0 *anynet.FC
	maxout1 *anynet.FC
	outEmb  *anynet.FC
	proj    outputProjection
}

// NewDecoder creates a decoder attending over the given
// encoders.
//
// When drop is non-nil it is applied to the input of every
// recurrent layer and to the concatenated encoder state.
// A positive softmaxSamples selects a sampled softmax
// output projection with that many negative candidates per
// step.
func NewDecoder(cr anyvec.Creator, cfg *DecoderConfig, encoders []*Encoder,
	drop *anynet.Dropout, softmaxSamples int, rng *rand.Rand) *Decoder {
	var ctxSize, finalSize int
	for _, enc := range encoders {
		ctxSize += enc.cfg.outputSize()
		finalSize += enc.finalSize()
	}

	cells := make([]Cell, cfg.layers())
	for i := range cells {
		in := cfg.CellSize
		if i == 0 {
			in = cfg.EmbeddingSize + ctxSize
		}
		cells[i] = NewCell(cr, cfg.Cell, in, cfg.CellSize, rng)
		if drop != nil {
			cells[i] = &dropoutCell{Cell: cells[i], drop: drop}
		}
	}
	cell := newStackCell(cells, cfg.Residual)

	readIn := cell.StateSize() + cfg.EmbeddingSize + ctxSize
	res := &Decoder{
		cfg:     cfg,
		creator: cr,
		embedding: randomVar(cr, rng, cfg.VocabSize*cfg.EmbeddingSize,
			cfg.EmbeddingSize),
		init:    anynet.NewFC(cr, finalSize, cell.StateSize()),
		drop:    drop,
		cell:    cell,
		maxout0: anynet.NewFC(cr, readIn, cfg.CellSize/2),
		maxout1: anynet.NewFC(cr, readIn, cfg.CellSize/2),
		outEmb:  anynet.NewFC(cr, cfg.CellSize/2, cfg.EmbeddingSize),
	}
	if softmaxSamples > 0 {
		res.proj = NewSampledSoftmax(cr, cfg.EmbeddingSize, cfg.VocabSize,
			softmaxSamples, rng)
	} else {
		res.proj = &denseProjection{
			fc: anynet.NewFC(cr, cfg.EmbeddingSize, cfg.VocabSize),
		}
	}
	for _, enc := range encoders {
		res.attns = append(res.attns, NewAttention(cr, cell.StateSize(),
			enc.cfg, rng))
	}
	return res
}

// Parameters returns the decoder's parameters, including
// those of its attention modules and output projection.
func (d *Decoder) Parameters() []*anydiff.Var {
	res := []*anydiff.Var{d.embedding}
	res = append(res, anynet.AllParameters(d.init, d.cell, d.maxout0,
		d.maxout1, d.outEmb, d.proj)...)
	for _, a := range d.attns {
		res = append(res, a.Parameters()...)
	}
	return res
}

func (d *Decoder) embedRows(tokens []int) anydiff.Res {
	emb := d.cfg.EmbeddingSize
	rows := make([]anydiff.Res, len(tokens))
	for i, tok := range tokens {
		rows[i] = anydiff.Slice(d.embedding, tok*emb, (tok+1)*emb)
	}
	return anydiff.Concat(rows...)
}

// initialState projects the concatenated encoder finals.
func (d *Decoder) initialState(channels []*encodedChannel, n int) anydiff.Res {
	finals := make([]anydiff.Res, len(channels))
	for i, ch := range channels {
		finals[i] = ch.final
	}
	joined := joinColsRes(n, finals)
	if d.drop != nil {
		joined = d.drop.Apply(joined, n)
	}
	return anydiff.Tanh(d.init.Apply(joined, n))
}

// readout produces one output row of EmbeddingSize per
// sample (before the vocabulary projection): a two-piece
// maxout over [state, input embedding, contexts] followed
// by a linear map.
func (d *Decoder) readout(state, in, ctx anydiff.Res, n int) anydiff.Res {
	joined := joinCols(n, state, in, ctx)
	h := elemMax(d.maxout0.Apply(joined, n), d.maxout1.Apply(joined, n))
	return d.outEmb.Apply(h, n)
}

// A decoderSession unrolls the decoder over a batch during
// training, recording everything on the tape.
//
// The per-step protocol is start (once), then alternating
// emit and advance: emit produces the output rows for the
// current step, advance consumes the tokens the caller
// selected from them.
type decoderSession struct {
	dec   *Decoder
	tp    *tape
	n     int
	preps []*attnPrep
	state *anydiff.Var
	prevW []*anydiff.Var
	in    *anydiff.Var
	ctx   *anydiff.Var
}

// begin initializes a training session from the encoded
// channels.
func (d *Decoder) begin(tp *tape, channels []*encodedChannel) *decoderSession {
	n := channels[0].n
	s := &decoderSession{dec: d, tp: tp, n: n,
		prevW: make([]*anydiff.Var, len(channels))}
	for i, ch := range channels {
		s.preps = append(s.preps, d.attns[i].prepare(tp, ch))
	}
	s.state = tp.add(d.initialState(channels, n))
	return s
}

// start feeds the first input tokens (the BOS row).
func (s *decoderSession) start(tokens []int) {
	s.in = s.tp.add(s.dec.embedRows(tokens))
}

// emit runs the attention and readout phase of one step,
// returning the output rows as a pooled variable.
func (s *decoderSession) emit() *anydiff.Var {
	ctxs := make([]anydiff.Res, len(s.preps))
	newW := make([]*anydiff.Var, len(s.preps))
	for i, p := range s.preps {
		wVar := s.tp.add(p.weights(s.state, s.prevW[i]))
		newW[i] = wVar
		ctxs[i] = p.context(wVar)
	}
	s.prevW = newW
	s.ctx = s.tp.add(joinColsRes(s.n, ctxs))
	return s.tp.add(s.dec.readout(s.state, s.in, s.ctx, s.n))
}

// advance feeds the selected tokens of timestep t to the
// recurrent stack, together with the contexts of the last
// emit.
//
// When lengths is non-nil, rows whose length has been
// reached keep their previous state, so padding steps do
// not disturb the recurrence.
func (s *decoderSession) advance(tokens []int, t int, lengths []int) {
	s.in = s.tp.add(s.dec.embedRows(tokens))
	_, next := s.dec.cell.Step(s.state, joinCols(s.n, s.in, s.ctx), s.n)
	if lengths != nil {
		mask, inv := stepMasks(s.dec.creator, lengths, t,
			s.dec.cell.StateSize())
		next = anydiff.Add(anydiff.Mul(next, mask),
			anydiff.Mul(s.state, inv))
	}
	s.state = s.tp.add(next)
}

// logits applies the vocabulary projection to one step's
// outputs.
func (s *decoderSession) logits(out *anydiff.Var) anydiff.Res {
	return s.dec.proj.logits(out, s.n)
}

// A decodeSession runs the decoder one hypothesis at a
// time during inference, with states snapshotted between
// steps so that a beam search can branch them.
type decodeSession struct {
	dec   *Decoder
	tp    *tape
	preps []*attnPrep
}

// beginDecode prepares single-sample decoding over the
// encoded channels, which must have batch size 1.
func (d *Decoder) beginDecode(tp *tape, channels []*encodedChannel) *decodeSession {
	s := &decodeSession{dec: d, tp: tp}
	for i, ch := range channels {
		if ch.n != 1 {
			panic("decode sessions require batch size 1")
		}
		s.preps = append(s.preps, d.attns[i].prepare(tp, ch))
	}
	return s
}

// A decodeState is a snapshot of the decoder for one
// hypothesis: the recurrent state after consuming the
// hypothesis's tokens, plus the contexts and attention
// weights of the emit that selected the latest token.
type decodeState struct {
	state       anyvec.Vector
	ctx         anyvec.Vector
	prevWeights []anyvec.Vector
}

// initState builds the start snapshot from the encoders'
// final states. Its nil context marks that no token has
// entered the recurrent stack yet.
func (s *decodeSession) initState(channels []*encodedChannel) *decodeState {
	init := s.dec.initialState(channels, 1)
	return &decodeState{state: init.Output().Copy()}
}

// step consumes one selected token and returns the
// log-probabilities of the next token along with the new
// snapshot: the recurrent stack advances with the token
// first, then the advanced state queries the attention and
// the readout scores the continuations.
func (s *decodeSession) step(st *decodeState, token int) ([]float64, *decodeState) {
	in := s.tp.add(s.dec.embedRows([]int{token}))
	stateVar := anydiff.NewVar(st.state)
	if st.ctx != nil {
		_, next := s.dec.cell.Step(stateVar,
			joinCols(1, in, anydiff.NewConst(st.ctx)), 1)
		stateVar = s.tp.add(next)
	}

	ctxs := make([]anydiff.Res, len(s.preps))
	newW := make([]*anydiff.Var, len(s.preps))
	for i, p := range s.preps {
		var pw *anydiff.Var
		if st.prevWeights != nil && st.prevWeights[i] != nil {
			pw = anydiff.NewVar(st.prevWeights[i])
		}
		newW[i] = s.tp.add(p.weights(stateVar, pw))
		ctxs[i] = p.context(newW[i])
	}
	ctx := s.tp.add(joinColsRes(1, ctxs))
	out := s.dec.readout(stateVar, in, ctx, 1)
	logits := s.dec.proj.logits(s.tp.add(out), 1)

	res := &decodeState{
		state:       stateVar.Vector.Copy(),
		ctx:         ctx.Vector.Copy(),
		prevWeights: make([]anyvec.Vector, len(newW)),
	}
	for i, w := range newW {
		res.prevWeights[i] = w.Vector
	}
	return hostLogSoftmax(vecData(logits.Output())), res
}
