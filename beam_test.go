package seq2seq

import (
	"math"
	"testing"

	"github.com/unixpickle/anyvec/anyvec64"
)

func TestBeamSearchDecode(t *testing.T) {
	c := anyvec64.DefaultCreator{}
	m, err := NewModel(c, testModelConfig())
	if err != nil {
		t.Fatal(err)
	}
	search := &BeamSearch{Models: []*Model{m}, Width: 3, MaxLen: 5,
		LenNormalize: 1}
	hyps, err := search.Decode(testSamples()[0])
	if err != nil {
		t.Fatal(err)
	}
	if len(hyps) == 0 {
		t.Fatal("no hypotheses")
	}
	for i, h := range hyps {
		if len(h.Tokens) > 5 {
			t.Errorf("hypothesis %d has %d tokens (max 5)", i, len(h.Tokens))
		}
		for _, tok := range h.Tokens {
			if tok == PadID || tok == BosID || tok == EosID {
				t.Errorf("hypothesis %d contains reserved token %d", i, tok)
			}
			if tok < 0 || tok >= m.cfg.Decoder.VocabSize {
				t.Errorf("hypothesis %d contains bad token %d", i, tok)
			}
		}
		if i > 0 && h.Score > hyps[i-1].Score {
			t.Errorf("hypotheses out of order at %d", i)
		}
	}
}

func TestBeamSearchEnsemble(t *testing.T) {
	c := anyvec64.DefaultCreator{}
	cfg2 := testModelConfig()
	cfg2.Seed = 17
	m1, err := NewModel(c, testModelConfig())
	if err != nil {
		t.Fatal(err)
	}
	m2, err := NewModel(c, cfg2)
	if err != nil {
		t.Fatal(err)
	}
	search := &BeamSearch{Models: []*Model{m1, m2}, Width: 2, MaxLen: 4}
	hyps, err := search.Decode(testSamples()[1])
	if err != nil {
		t.Fatal(err)
	}
	if len(hyps) == 0 {
		t.Fatal("no hypotheses")
	}
}

func TestBeamSearchLMFilter(t *testing.T) {
	c := anyvec64.DefaultCreator{}
	m, err := NewModel(c, testModelConfig())
	if err != nil {
		t.Fatal(err)
	}
	// An LM that only knows EOS acts as a hard filter:
	// every other continuation scores -Inf, so the best
	// hypothesis must stop immediately.
	lm := NewNGramLM(1)
	lm.Add([]int{EosID}, 0, 0)
	search := &BeamSearch{Models: []*Model{m}, Width: 2, MaxLen: 5, LM: lm}
	hyps, err := search.Decode(testSamples()[0])
	if err != nil {
		t.Fatal(err)
	}
	if len(hyps) == 0 {
		t.Fatal("no hypotheses")
	}
	best := hyps[0]
	if len(best.Tokens) != 0 {
		t.Errorf("best hypothesis has tokens %v (want empty)", best.Tokens)
	}
	if math.IsInf(best.Score, -1) || math.IsNaN(best.Score) {
		t.Errorf("best score %f should be finite", best.Score)
	}
}

func TestBeamSearchDoubleEnding(t *testing.T) {
	c := anyvec64.DefaultCreator{}
	m, err := NewModel(c, testModelConfig())
	if err != nil {
		t.Fatal(err)
	}
	// A bigram LM that admits exactly two one-token outputs:
	// the first step allows only 3 and 4, the second step
	// allows only the end marker after either. Both live
	// hypotheses then end in the same round, so the beam
	// must absorb two endings at once and stop early.
	lm := NewNGramLM(2)
	lm.Add([]int{EosID}, -100, 0)
	lm.Add([]int{BosID, 3}, 0, 0)
	lm.Add([]int{BosID, 4}, 0, 0)
	lm.Add([]int{3, EosID}, 0, 0)
	lm.Add([]int{4, EosID}, 0, 0)
	search := &BeamSearch{Models: []*Model{m}, Width: 2, MaxLen: 5, LM: lm}
	hyps, err := search.Decode(testSamples()[0])
	if err != nil {
		t.Fatal(err)
	}
	if len(hyps) != 2 {
		t.Fatalf("%d hypotheses (want 2)", len(hyps))
	}
	seen := map[int]bool{}
	for i, h := range hyps {
		if len(h.Tokens) != 1 {
			t.Fatalf("hypothesis %d has tokens %v (want one)", i, h.Tokens)
		}
		if math.IsInf(h.Score, 0) || math.IsNaN(h.Score) {
			t.Errorf("hypothesis %d has score %f", i, h.Score)
		}
		seen[h.Tokens[0]] = true
	}
	if !seen[3] || !seen[4] {
		t.Errorf("endings %v (want tokens 3 and 4)", seen)
	}
}

func TestBeamSearchLengthCap(t *testing.T) {
	c := anyvec64.DefaultCreator{}
	m, err := NewModel(c, testModelConfig())
	if err != nil {
		t.Fatal(err)
	}
	// With the end marker filtered out entirely, every
	// hypothesis runs into the length cap; retiring there
	// must keep the beam at full width, so all of them come
	// back.
	lm := NewNGramLM(1)
	for v := numReserved; v < m.cfg.Decoder.VocabSize; v++ {
		lm.Add([]int{v}, 0, 0)
	}
	search := &BeamSearch{Models: []*Model{m}, Width: 3, MaxLen: 4, LM: lm}
	hyps, err := search.Decode(testSamples()[0])
	if err != nil {
		t.Fatal(err)
	}
	if len(hyps) != 3 {
		t.Fatalf("%d hypotheses (want 3)", len(hyps))
	}
	for i, h := range hyps {
		if len(h.Tokens) != 4 {
			t.Errorf("hypothesis %d has %d tokens (want 4)", i, len(h.Tokens))
		}
	}
}

func TestBeamNormalize(t *testing.T) {
	b := &BeamSearch{LenNormalize: 0.8}
	got := b.normalize([]int{3, 4, 5, 6}, -2)
	want := -2 / math.Pow(4, 0.8)
	if math.Abs(got-want) > 1e-9 {
		t.Errorf("normalized score %f (want %f)", got, want)
	}
	b.LenNormalize = 0
	if b.normalize([]int{3}, -2) != -2 {
		t.Error("normalization should be disabled")
	}
}
