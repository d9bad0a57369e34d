package seq2seq

import (
	"fmt"
	"math/rand"
	"regexp"

	"github.com/unixpickle/anydiff"
	"github.com/unixpickle/anynet"
	"github.com/unixpickle/anyvec"
	"github.com/unixpickle/essentials"
)

// A ModelConfig describes a complete translation model.
type ModelConfig struct {
	Encoders []EncoderConfig
	Decoder  DecoderConfig

	// KeepProb is the dropout keep probability applied to
	// recurrent inputs during update passes.
	// 0 and 1 both disable dropout.
	KeepProb float64

	// SoftmaxSamples, when positive, enables a sampled
	// softmax loss with that many negative candidates.
	SoftmaxSamples int

	// FeedPrevious is the scheduled sampling probability:
	// at each step, the chance of feeding the model's own
	// previous prediction instead of the ground truth.
	// FeedArgmax picks the prediction greedily rather than
	// by sampling.
	FeedPrevious float64
	FeedArgmax   bool

	Optimizer    OptMethod
	LearningRate float64
	MaxGradNorm  float64

	// BaselineRate is the plain-SGD step size for the
	// reward baseline. Zero defaults to 0.01.
	BaselineRate float64

	// AverageTimesteps additionally divides each sample's
	// loss by its real token count. By default a sample's
	// token losses are only summed, so long sentences weigh
	// more.
	AverageTimesteps bool

	// Frozen lists regular expressions; parameters whose
	// names match any of them are excluded from updates.
	Frozen []string

	Seed int64
}

// A namedParam ties a parameter to a stable name for
// freezing and checkpoints.
type namedParam struct {
	name string
	v    *anydiff.Var
}

// A Model owns the encoders, the decoder, the reward
// baseline and the optimizer state, and drives training
// and decoding.
type Model struct {
	cfg     ModelConfig
	creator anyvec.Creator
	rng     *rand.Rand

	drop     *anynet.Dropout
	encoders []*Encoder
	decoder  *Decoder
	base     *baseline

	opt     *optimizer
	baseOpt *optimizer

	params []namedParam
	frozen []*regexp.Regexp

	step int
}

// NewModel creates a model with freshly initialized
// parameters.
func NewModel(cr anyvec.Creator, cfg ModelConfig) (*Model, error) {
	if len(cfg.Encoders) == 0 {
		return nil, fmt.Errorf("new model: no encoders")
	}
	for i := range cfg.Encoders {
		if err := cfg.Encoders[i].validate(); err != nil {
			return nil, essentials.AddCtx("new model", err)
		}
	}
	if err := cfg.Decoder.validate(); err != nil {
		return nil, essentials.AddCtx("new model", err)
	}

	seed := cfg.Seed
	if seed == 0 {
		seed = 1
	}
	if cfg.SoftmaxSamples >= cfg.Decoder.VocabSize {
		// Sampling at least as many candidates as the
		// vocabulary holds is just a noisy full softmax.
		cfg.SoftmaxSamples = 0
	}
	m := &Model{
		cfg:     cfg,
		creator: cr,
		rng:     rand.New(rand.NewSource(seed)),
	}
	if cfg.KeepProb > 0 && cfg.KeepProb < 1 {
		m.drop = &anynet.Dropout{KeepProb: cfg.KeepProb}
	}
	for i := range cfg.Encoders {
		enc := NewEncoder(cr, &cfg.Encoders[i], m.drop, m.rng)
		m.encoders = append(m.encoders, enc)
		m.register("encoder/"+cfg.Encoders[i].Name, enc.Parameters())
	}
	m.decoder = NewDecoder(cr, &cfg.Decoder, m.encoders, m.drop,
		cfg.SoftmaxSamples, m.rng)
	m.register("decoder/"+cfg.Decoder.Name, m.decoder.Parameters())
	m.base = newBaseline(cr, cfg.Decoder.EmbeddingSize)

	m.opt = newOptimizer(cfg.Optimizer, cfg.LearningRate, cfg.MaxGradNorm)
	baseRate := cfg.BaselineRate
	if baseRate == 0 {
		baseRate = 0.01
	}
	m.baseOpt = newOptimizer(OptSGD, baseRate, 0)

	for _, pat := range cfg.Frozen {
		re, err := regexp.Compile(pat)
		if err != nil {
			return nil, essentials.AddCtx("new model", err)
		}
		m.frozen = append(m.frozen, re)
	}
	return m, nil
}

func (m *Model) register(prefix string, vars []*anydiff.Var) {
	for i, v := range vars {
		m.params = append(m.params, namedParam{
			name: fmt.Sprintf("%s/%d", prefix, i),
			v:    v,
		})
	}
}

// Parameters returns the model's parameters (not including
// the reward baseline).
func (m *Model) Parameters() []*anydiff.Var {
	res := make([]*anydiff.Var, len(m.params))
	for i, p := range m.params {
		res[i] = p.v
	}
	return res
}

// GlobalStep counts completed update steps.
func (m *Model) GlobalStep() int {
	return m.step
}

// learnables returns the parameters that are not frozen.
func (m *Model) learnables() []*anydiff.Var {
	var res []*anydiff.Var
	for _, p := range m.params {
		if !m.isFrozen(p.name) {
			res = append(res, p.v)
		}
	}
	return res
}

func (m *Model) isFrozen(name string) bool {
	for _, re := range m.frozen {
		if re.MatchString(name) {
			return true
		}
	}
	return false
}

func (m *Model) setDropout(on bool) {
	if m.drop != nil {
		m.drop.Enabled = on
	}
}

// encode runs every encoder over its channel of the batch.
func (m *Model) encode(tp *tape, batch *Batch) []*encodedChannel {
	channels := make([]*encodedChannel, len(m.encoders))
	for i, enc := range m.encoders {
		channels[i] = enc.apply(tp, batch.Encoders[i])
	}
	return channels
}

// Step runs one supervised pass on a batch and returns the
// loss and the gradient's global norm before clipping.
// The parameters are only updated when update is set.
func (m *Model) Step(batch *Batch, update bool) (float64, float64, error) {
	if len(batch.Encoders) != len(m.encoders) {
		return 0, 0, fmt.Errorf("supervised step: batch has %d channels "+
			"(want %d)", len(batch.Encoders), len(m.encoders))
	}
	m.setDropout(true)
	defer m.setDropout(false)

	tp := &tape{}
	sess := m.decoder.begin(tp, m.encode(tp, batch))

	steps := len(batch.DecoderInputs)
	outs := make([]*anydiff.Var, steps)
	var stepLogits []anydiff.Res
	needLogits := m.cfg.SoftmaxSamples == 0 || m.cfg.FeedPrevious > 0
	sess.start(batch.DecoderInputs[0])
	for t := 0; t < steps; t++ {
		outs[t] = sess.emit()
		var logits anydiff.Res
		if needLogits {
			logits = sess.logits(outs[t])
			stepLogits = append(stepLogits, logits)
		}
		if t+1 < steps {
			tokens := batch.DecoderInputs[t+1]
			if m.cfg.FeedPrevious > 0 && m.rng.Float64() < m.cfg.FeedPrevious {
				tokens = m.pickTokens(logits, batch.Size)
			}
			sess.advance(tokens, t, batch.DecoderLengths)
		}
	}

	var loss anydiff.Res
	if m.cfg.SoftmaxSamples > 0 {
		loss = m.decoder.proj.(*SampledSoftmax).Loss(m.rng, outs,
			batch.Targets, batch.TargetWeights, nil,
			m.cfg.AverageTimesteps)
	} else {
		loss = sequenceLoss(stepLogits, batch.Targets, batch.TargetWeights,
			nil, m.cfg.Decoder.VocabSize, m.cfg.AverageTimesteps)
	}
	lossVal := numToFloat(anyvec.Sum(loss.Output()))
	norm := m.update(tp, loss, update)
	return lossVal, norm, nil
}

// pickTokens selects the scheduled-sampling inputs from
// one step's logits.
func (m *Model) pickTokens(logits anydiff.Res, n int) []int {
	vocab := m.cfg.Decoder.VocabSize
	data := vecData(logits.Output())
	res := make([]int, n)
	for i := range res {
		row := data[i*vocab : (i+1)*vocab]
		if m.cfg.FeedArgmax {
			res[i] = argmax(row)
		} else {
			res[i] = sampleIndex(m.rng, hostSoftmax(row))
		}
	}
	return res
}

// update back-propagates a scalar loss through the tape
// and returns the gradient's global norm before clipping.
// The optimizer only runs when apply is set.
func (m *Model) update(tp *tape, loss anydiff.Res, apply bool) float64 {
	vars := append(m.learnables(), tp.variables()...)
	g := anydiff.NewGrad(vars...)
	ones := m.creator.MakeVector(1)
	ones.AddScalar(m.creator.MakeNumeric(1))
	loss.Propagate(ones, g)
	tp.backward(g)
	norm := gradNorm(g)
	if apply {
		m.opt.apply(g)
		m.step++
	}
	return norm
}

// ReinforceStep runs one REINFORCE pass: it samples an
// output per sample from the teacher-forced distributions,
// scores the samples with sentence BLEU against references
// that keep their end marker, updates the model with the
// advantage-weighted sequence loss when updateModel is
// set, and regresses the per-step baseline toward the raw
// rewards with plain SGD when updateBaseline is set.
// It returns the mean reward.
func (m *Model) ReinforceStep(batch *Batch, updateModel,
	updateBaseline bool) (float64, error) {
	if len(batch.Encoders) != len(m.encoders) {
		return 0, fmt.Errorf("reinforce step: batch has %d channels "+
			"(want %d)", len(batch.Encoders), len(m.encoders))
	}
	n := batch.Size
	steps := len(batch.DecoderInputs)
	useDropout := m.drop != nil

	// Sampling pass, dropout off.
	m.setDropout(false)
	tp := &tape{}
	sess := m.decoder.begin(tp, m.encode(tp, batch))
	samples := make([][]int, steps)
	outs := make([]*anydiff.Var, steps)
	logits := make([]anydiff.Res, steps)
	vocab := m.cfg.Decoder.VocabSize
	sess.start(batch.DecoderInputs[0])
	for t := 0; t < steps; t++ {
		outs[t] = sess.emit()
		logits[t] = sess.logits(outs[t])
		data := vecData(logits[t].Output())
		samples[t] = make([]int, n)
		for i := 0; i < n; i++ {
			probs := hostSoftmax(data[i*vocab : (i+1)*vocab])
			samples[t][i] = sampleIndex(m.rng, probs)
		}
		if t+1 < steps {
			sess.advance(batch.DecoderInputs[t+1], t, batch.DecoderLengths)
		}
	}

	// Per-sample rewards and sample weights, in id space.
	// Both hypothesis and reference keep their first end
	// marker so that its placement is part of the score.
	rewards := make([]float64, n)
	weights := make([][]float64, steps)
	for t := range weights {
		weights[t] = make([]float64, n)
	}
	var meanReward float64
	for i := 0; i < n; i++ {
		hyp := make([]int, steps)
		ref := make([]int, 0, steps)
		for t := 0; t < steps; t++ {
			hyp[t] = samples[t][i]
			if batch.TargetWeights[t][i] > 0 {
				ref = append(ref, batch.Targets[t][i])
			}
		}
		hyp = truncateAtEOS(hyp)
		for t := 0; t < len(hyp); t++ {
			weights[t][i] = 1
		}
		rewards[i] = SentenceBLEU(hyp, ref)
		meanReward += rewards[i] / float64(n)
	}

	if !updateModel && !updateBaseline {
		return meanReward, nil
	}

	// Update pass. With dropout configured, the pass is
	// repeated with dropout on; otherwise the sampling
	// graph is reused.
	if useDropout {
		m.setDropout(true)
		tp = &tape{}
		sess = m.decoder.begin(tp, m.encode(tp, batch))
		sess.start(batch.DecoderInputs[0])
		for t := 0; t < steps; t++ {
			outs[t] = sess.emit()
			logits[t] = sess.logits(outs[t])
			if t+1 < steps {
				sess.advance(batch.DecoderInputs[t+1], t,
					batch.DecoderLengths)
			}
		}
		m.setDropout(false)
	}

	// Per-step baseline predictions over host snapshots of
	// the output rows, and the resulting advantages.
	rows := make([]anyvec.Vector, steps)
	for t, out := range outs {
		rows[t] = out.Vector.Copy()
	}
	preds := m.base.predict(rows, n)
	advantages := make([][]float64, steps)
	for t, pred := range preds {
		vals := vecData(pred.Output())
		advantages[t] = make([]float64, n)
		for i := range advantages[t] {
			advantages[t][i] = rewards[i] - vals[i]
		}
	}

	if updateModel {
		var loss anydiff.Res
		if m.cfg.SoftmaxSamples > 0 {
			loss = m.decoder.proj.(*SampledSoftmax).Loss(m.rng, outs, samples,
				weights, advantages, m.cfg.AverageTimesteps)
		} else {
			loss = sequenceLoss(logits, samples, weights, advantages, vocab,
				m.cfg.AverageTimesteps)
		}
		m.update(tp, loss, true)
	}

	// Baseline update by plain SGD against the raw reward.
	if updateBaseline {
		baseLoss := m.base.loss(preds, rewards, weights,
			m.cfg.AverageTimesteps)
		bg := anydiff.NewGrad(m.base.Parameters()...)
		ones := m.creator.MakeVector(1)
		ones.AddScalar(m.creator.MakeNumeric(1))
		baseLoss.Propagate(ones, bg)
		m.baseOpt.apply(bg)
	}

	return meanReward, nil
}

// startDecoding encodes one sample's sources and returns a
// fresh decoding session with its start snapshot.
func (m *Model) startDecoding(sample Sample, maxLen int) (*decodeSession,
	*decodeState, error) {
	batch, err := NewBatch([]Sample{sample}, m.cfg.Encoders, m.cfg.Decoder,
		maxLen, true)
	if err != nil {
		return nil, nil, err
	}
	tp := &tape{}
	channels := m.encode(tp, batch)
	sess := m.decoder.beginDecode(tp, channels)
	return sess, sess.initState(channels), nil
}

// GreedyDecode translates a sample's sources with argmax
// decoding, stopping at EOS or after maxLen tokens.
// The result does not include the end marker.
func (m *Model) GreedyDecode(sample Sample, maxLen int) ([]int, error) {
	res, _, err := m.GreedyDecodeTrace(sample, maxLen)
	return res, err
}

// GreedyDecodeTrace decodes like GreedyDecode and also
// reports the attention distribution over every encoder's
// source positions at each step, including the step that
// emitted the end marker: trace[t][channel] is one
// distribution.
func (m *Model) GreedyDecodeTrace(sample Sample, maxLen int) ([]int,
	[][][]float64, error) {
	m.setDropout(false)
	sess, st, err := m.startDecoding(sample, maxLen)
	if err != nil {
		return nil, nil, essentials.AddCtx("greedy decode", err)
	}
	var res []int
	var trace [][][]float64
	token := BosID
	for len(res) < maxLen {
		var logProbs []float64
		logProbs, st = sess.step(st, token)
		stepTrace := make([][]float64, len(st.prevWeights))
		for i, w := range st.prevWeights {
			stepTrace[i] = vecData(w)
		}
		trace = append(trace, stepTrace)
		token = argmax(logProbs)
		if token == EosID {
			break
		}
		res = append(res, token)
	}
	return res, trace, nil
}
