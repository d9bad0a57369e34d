package seq2seq

import (
	"math/rand"

	"github.com/unixpickle/anydiff"
	"github.com/unixpickle/anynet"
	"github.com/unixpickle/anyvec"
)

// An outputProjection maps decoder output rows to
// vocabulary logits.
type outputProjection interface {
	anynet.Parameterizer

	logits(in anydiff.Res, n int) anydiff.Res
}

// denseProjection is the ordinary full-softmax projection.
type denseProjection struct {
	fc *anynet.FC
}

func (d *denseProjection) logits(in anydiff.Res, n int) anydiff.Res {
	return d.fc.Apply(in, n)
}

func (d *denseProjection) Parameters() []*anydiff.Var {
	return d.fc.Parameters()
}

// A SampledSoftmax approximates the full softmax loss by
// scoring each target against a random set of negative
// candidates, which makes training feasible for large
// vocabularies.
// Decoding still uses the full projection.
type SampledSoftmax struct {
	Weights *anydiff.Var
	Biases  *anydiff.Var

	InSize  int
	Vocab   int
	Samples int
}

// NewSampledSoftmax creates a sampled softmax projection
// with the given number of negative candidates per step.
func NewSampledSoftmax(cr anyvec.Creator, in, vocab, samples int,
	rng *rand.Rand) *SampledSoftmax {
	return &SampledSoftmax{
		Weights: randomVar(cr, rng, vocab*in, in),
		Biases:  anydiff.NewVar(cr.MakeVector(vocab)),
		InSize:  in,
		Vocab:   vocab,
		Samples: samples,
	}
}

func (s *SampledSoftmax) Parameters() []*anydiff.Var {
	return []*anydiff.Var{s.Weights, s.Biases}
}

// logits applies the full projection.
func (s *SampledSoftmax) logits(in anydiff.Res, n int) anydiff.Res {
	prod := anydiff.MatMul(false, true,
		&anydiff.Matrix{Data: in, Rows: n, Cols: s.InSize},
		&anydiff.Matrix{Data: s.Weights, Rows: s.Vocab, Cols: s.InSize})
	return anydiff.Add(prod.Data, repeatRes(s.Biases, n))
}

// Loss computes the sampled cross entropy over an unrolled
// decoder's outputs, masked and averaged like
// sequenceLoss.
//
// At every timestep one shared set of negative candidates
// is drawn uniformly from the vocabulary; each row is
// scored against its own target plus the negatives.
func (s *SampledSoftmax) Loss(rng *rand.Rand, outputs []*anydiff.Var,
	targets [][]int, weights [][]float64, scales [][]float64,
	timeAvg bool) anydiff.Res {
	n := len(targets[0])
	cr := s.Weights.Vector.Creator()

	var total anydiff.Res
	for t, out := range outputs {
		negs := make([]int, s.Samples)
		for i := range negs {
			negs[i] = numReserved + rng.Intn(s.Vocab-numReserved)
		}
		ces := make([]anydiff.Res, n)
		for i := 0; i < n; i++ {
			w := weights[t][i]
			if scales != nil {
				w *= scales[t][i]
			}
			cands := append([]int{targets[t][i]}, negs...)
			ces[i] = anydiff.Scale(s.candidateNLL(out, i, cands),
				cr.MakeNumeric(w))
		}
		ce := anydiff.Concat(ces...)
		if total == nil {
			total = ce
		} else {
			total = anydiff.Add(total, ce)
		}
	}
	return weightedSum(total, lossCoeffs(weights, timeAvg))
}

// candidateNLL scores row i of a packed output batch
// against the candidate ids and returns the negative log
// likelihood of the first candidate.
func (s *SampledSoftmax) candidateNLL(out *anydiff.Var, i int,
	cands []int) anydiff.Res {
	rows := make([]anydiff.Res, len(cands))
	biases := make([]anydiff.Res, len(cands))
	for j, c := range cands {
		rows[j] = anydiff.Slice(s.Weights, c*s.InSize, (c+1)*s.InSize)
		biases[j] = anydiff.Slice(s.Biases, c, c+1)
	}
	x := anydiff.Slice(out, i*s.InSize, (i+1)*s.InSize)
	prod := anydiff.MatMul(false, false,
		&anydiff.Matrix{Data: anydiff.Concat(rows...), Rows: len(cands),
			Cols: s.InSize},
		&anydiff.Matrix{Data: x, Rows: s.InSize, Cols: 1})
	logits := anydiff.Add(prod.Data, anydiff.Concat(biases...))
	logp := anynet.LogSoftmax.Apply(logits, 1)
	cr := out.Vector.Creator()
	return anydiff.Scale(anydiff.Slice(logp, 0, 1), cr.MakeNumeric(-1))
}

// sequenceLoss computes the masked cross entropy of an
// unrolled decoder: summed over each sample's real tokens
// (or averaged over them when timeAvg is set) and averaged
// over the batch.
//
// stepLogits[t] is a packed batch of n vocabulary rows.
// scales, when non-nil, multiplies each token's loss
// before masking; the REINFORCE objective passes per-step
// advantages here.
func sequenceLoss(stepLogits []anydiff.Res, targets [][]int,
	weights [][]float64, scales [][]float64, vocab int,
	timeAvg bool) anydiff.Res {
	n := len(targets[0])
	cr := stepLogits[0].Output().Creator()

	var total anydiff.Res
	for t, logits := range stepLogits {
		logp := anynet.LogSoftmax.Apply(logits, n)
		sel := make([]float64, n*vocab)
		for i, trg := range targets[t] {
			sel[i*vocab+trg] = -weights[t][i]
			if scales != nil {
				sel[i*vocab+trg] *= scales[t][i]
			}
		}
		ce := anydiff.MatMul(false, false,
			&anydiff.Matrix{
				Data: anydiff.Mul(logp, constVec(cr, sel)),
				Rows: n,
				Cols: vocab,
			},
			&anydiff.Matrix{Data: fillRes(cr, vocab, 1), Rows: vocab, Cols: 1})
		if total == nil {
			total = ce.Data
		} else {
			total = anydiff.Add(total, ce.Data)
		}
	}
	return weightedSum(total, lossCoeffs(weights, timeAvg))
}

// lossCoeffs builds the per-sample averaging coefficients:
// 1/batch, divided also by each sample's real token count
// when timeAvg is set.
func lossCoeffs(weights [][]float64, timeAvg bool) []float64 {
	n := len(weights[0])
	res := make([]float64, n)
	for i := range res {
		res[i] = 1 / float64(n)
		if timeAvg {
			var sumW float64
			for t := range weights {
				sumW += weights[t][i]
			}
			res[i] /= sumW + 1e-12
		}
	}
	return res
}

// weightedSum reduces an n-component Res to a scalar by a
// constant dot product.
func weightedSum(r anydiff.Res, coeff []float64) anydiff.Res {
	cr := r.Output().Creator()
	return anydiff.MatMul(false, false,
		&anydiff.Matrix{Data: r, Rows: 1, Cols: len(coeff)},
		&anydiff.Matrix{Data: constVec(cr, coeff), Rows: len(coeff),
			Cols: 1}).Data
}

// A baseline predicts the expected reward from the
// decoder's per-step output rows, reducing the variance of
// REINFORCE updates.
//
// Its inputs are host snapshots of the rows, so no
// gradient flows from the baseline into the model; the
// baseline is trained separately against the raw rewards.
type baseline struct {
	fc *anynet.FC
}

// newBaseline makes a reward predictor over inSize-wide
// rows. Weights start at zero and biases at a small
// positive value, so early predictions are a flat
// near-zero reward.
func newBaseline(cr anyvec.Creator, inSize int) *baseline {
	fc := anynet.NewFC(cr, inSize, 1)
	fc.Weights.Vector.Scale(cr.MakeNumeric(0))
	fc.Biases.Vector.AddScalar(cr.MakeNumeric(0.01))
	return &baseline{fc: fc}
}

func (b *baseline) Parameters() []*anydiff.Var {
	return b.fc.Parameters()
}

// predict returns one expected-reward estimate per sample
// and timestep; outputs[t] is a packed batch of n rows.
func (b *baseline) predict(outputs []anyvec.Vector, n int) []anydiff.Res {
	preds := make([]anydiff.Res, len(outputs))
	for t, out := range outputs {
		preds[t] = b.fc.Apply(anydiff.NewConst(out), n)
	}
	return preds
}

// loss is the squared error between the per-step
// predictions and each sample's reward, masked and
// averaged like the cross entropy.
func (b *baseline) loss(preds []anydiff.Res, rewards []float64,
	weights [][]float64, timeAvg bool) anydiff.Res {
	cr := preds[0].Output().Creator()
	var total anydiff.Res
	for t, pred := range preds {
		diff := anydiff.Sub(pred, constVec(cr, rewards))
		sq := anydiff.Mul(anydiff.Mul(diff, diff),
			constVec(cr, weights[t]))
		if total == nil {
			total = sq
		} else {
			total = anydiff.Add(total, sq)
		}
	}
	return weightedSum(total, lossCoeffs(weights, timeAvg))
}
