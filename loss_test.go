package seq2seq

import (
	"math"
	"math/rand"
	"testing"

	"github.com/unixpickle/anydiff"
	"github.com/unixpickle/anyvec"
	"github.com/unixpickle/anyvec/anyvec64"
)

func TestSequenceLossUniform(t *testing.T) {
	c := anyvec64.DefaultCreator{}
	const n, steps, vocab = 2, 3, 5
	logits := make([]anydiff.Res, steps)
	for i := range logits {
		logits[i] = zeroRes(c, n*vocab)
	}
	targets := [][]int{{3, 4}, {4, EosID}, {EosID, PadID}}
	weights := [][]float64{{1, 1}, {1, 1}, {1, 0}}

	// Per-token losses are summed over time by default, so
	// the 3-token and 2-token rows contribute unevenly.
	loss := sequenceLoss(logits, targets, weights, nil, vocab, false)
	got := vecData(loss.Output())[0]
	want := (3 + 2) * math.Log(vocab) / n
	if math.Abs(got-want) > 1e-6 {
		t.Errorf("loss = %f (want %f)", got, want)
	}

	// With timestep averaging both rows reduce to one mean
	// token loss.
	loss = sequenceLoss(logits, targets, weights, nil, vocab, true)
	got = vecData(loss.Output())[0]
	want = math.Log(vocab)
	if math.Abs(got-want) > 1e-6 {
		t.Errorf("averaged loss = %f (want %f)", got, want)
	}
}

func TestSequenceLossMasking(t *testing.T) {
	c := anyvec64.DefaultCreator{}
	rng := rand.New(rand.NewSource(31))
	const n, steps, vocab = 2, 3, 5

	build := func(maskedVal float64) float64 {
		logits := make([]anydiff.Res, steps)
		for ti := range logits {
			data := make([]float64, n*vocab)
			for i := range data {
				data[i] = float64(i%vocab) / 10
			}
			logits[ti] = constVec(c, data)
		}
		// Garbage in the masked row of the last step.
		garbage := make([]float64, n*vocab)
		for i := vocab; i < 2*vocab; i++ {
			garbage[i] = maskedVal * rng.Float64()
		}
		logits[steps-1] = anydiff.Add(logits[steps-1], constVec(c, garbage))
		targets := [][]int{{3, 4}, {4, EosID}, {EosID, PadID}}
		weights := [][]float64{{1, 1}, {1, 1}, {1, 0}}
		loss := sequenceLoss(logits, targets, weights, nil, vocab, false)
		return vecData(loss.Output())[0]
	}

	if a, b := build(0), build(100); math.Abs(a-b) > 1e-9 {
		t.Errorf("masked logits changed the loss: %f vs %f", a, b)
	}
}

func TestSequenceLossScales(t *testing.T) {
	c := anyvec64.DefaultCreator{}
	const n, vocab = 2, 5
	logits := []anydiff.Res{zeroRes(c, n*vocab), zeroRes(c, n*vocab)}
	targets := [][]int{{3, 4}, {4, 3}}
	weights := [][]float64{{1, 1}, {1, 1}}
	plain := vecData(sequenceLoss(logits, targets, weights, nil,
		vocab, false).Output())[0]
	scaled := vecData(sequenceLoss(logits, targets, weights,
		[][]float64{{2, 2}, {2, 2}}, vocab, false).Output())[0]
	if math.Abs(scaled-2*plain) > 1e-9 {
		t.Errorf("scaled loss = %f (want %f)", scaled, 2*plain)
	}

	// Scales are per step: zeroing only the second step
	// halves a uniform loss.
	halved := vecData(sequenceLoss(logits, targets, weights,
		[][]float64{{1, 1}, {0, 0}}, vocab, false).Output())[0]
	if math.Abs(halved-plain/2) > 1e-9 {
		t.Errorf("step-scaled loss = %f (want %f)", halved, plain/2)
	}
}

func TestSampledSoftmaxLogits(t *testing.T) {
	c := anyvec64.DefaultCreator{}
	rng := rand.New(rand.NewSource(32))
	s := NewSampledSoftmax(c, 4, 9, 3, rng)
	in := randomState(c, rng, 2*4)
	logits := s.logits(in, 2)
	if logits.Output().Len() != 2*9 {
		t.Errorf("logits length %d (want %d)", logits.Output().Len(), 2*9)
	}

	// The sampled loss of a batch should be finite and
	// positive.
	out := anydiff.NewVar(in.Output().Copy())
	loss := s.Loss(rng, []*anydiff.Var{out}, [][]int{{3, 4}},
		[][]float64{{1, 1}}, nil, false)
	val := vecData(loss.Output())[0]
	if math.IsNaN(val) || math.IsInf(val, 0) || val <= 0 {
		t.Errorf("bad sampled loss: %f", val)
	}
}

func TestBaseline(t *testing.T) {
	c := anyvec64.DefaultCreator{}
	b := newBaseline(c, 3)
	rows := []anyvec.Vector{
		c.MakeVectorData(c.MakeNumericList([]float64{1, 0, -1, 0.5, 0.5,
			0.5})),
		c.MakeVectorData(c.MakeNumericList([]float64{0, 2, 0, -1, 1, -1})),
	}
	preds := b.predict(rows, 2)
	if len(preds) != 2 {
		t.Fatalf("%d step predictions (want 2)", len(preds))
	}
	// A fresh baseline has zero weights, so every prediction
	// is the initial bias.
	for ti, pred := range preds {
		if pred.Output().Len() != 2 {
			t.Fatalf("step %d: prediction length %d (want 2)", ti,
				pred.Output().Len())
		}
		for _, x := range vecData(pred.Output()) {
			if math.Abs(x-0.01) > 1e-12 {
				t.Fatalf("fresh prediction %f (want 0.01)", x)
			}
		}
	}

	// The masked squared error ignores the padded step of
	// the short row.
	weights := [][]float64{{1, 1}, {1, 0}}
	loss := b.loss(preds, []float64{0.5, 0.7}, weights, false)
	val := vecData(loss.Output())[0]
	e1 := (0.01 - 0.5) * (0.01 - 0.5)
	e2 := (0.01 - 0.7) * (0.01 - 0.7)
	want := (2*e1 + e2) / 2
	if math.Abs(val-want) > 1e-9 {
		t.Errorf("baseline loss %f (want %f)", val, want)
	}
}
