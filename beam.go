package seq2seq

import (
	"fmt"
	"math"
	"sort"

	"github.com/unixpickle/essentials"
)

// A Hypothesis is one output of a beam search: the decoded
// tokens (without the reserved markers) and their score.
type Hypothesis struct {
	Tokens []int
	Score  float64
}

// A BeamSearch decodes samples with a shrinking beam over
// an ensemble of independently trained models.
//
// The per-token scores are the average of the models' log
// probabilities, optionally interpolated with an n-gram
// language model: the LM gets weight LMWeight and each
// model (1-LMWeight)/len(Models).
//
// Whenever a hypothesis ends with EOS it is moved to the
// finished set and the beam width shrinks by one, so the
// search stops early once enough endings are found.
type BeamSearch struct {
	Models []*Model

	// Width is the initial beam width. 0 means 1.
	Width int

	// MaxLen bounds the output length. 0 means 50.
	MaxLen int

	// LM, when non-nil, is interpolated into the scores.
	// A zero LMWeight defaults to 0.2.
	LM       *NGramLM
	LMWeight float64

	// LenNormalize is the length-normalization exponent
	// applied to final scores: score / len^LenNormalize.
	// 0 disables normalization.
	LenNormalize float64
}

// beamHyp is a live hypothesis with its per-model decoder
// snapshots.
type beamHyp struct {
	tokens  []int
	logProb float64
	last    int
	states  []*decodeState
}

// Decode translates one sample and returns the finished
// hypotheses, best first.
func (b *BeamSearch) Decode(sample Sample) ([]Hypothesis, error) {
	if len(b.Models) == 0 {
		return nil, fmt.Errorf("beam search: no models")
	}
	vocab := b.Models[0].cfg.Decoder.VocabSize
	for _, m := range b.Models[1:] {
		if m.cfg.Decoder.VocabSize != vocab {
			return nil, fmt.Errorf("beam search: models disagree on "+
				"vocabulary size (%d vs %d)", m.cfg.Decoder.VocabSize, vocab)
		}
	}
	width := b.Width
	if width <= 0 {
		width = 1
	}
	maxLen := b.MaxLen
	if maxLen <= 0 {
		maxLen = 50
	}

	sessions := make([]*decodeSession, len(b.Models))
	start := &beamHyp{last: BosID, states: make([]*decodeState, len(b.Models))}
	for i, m := range b.Models {
		m.setDropout(false)
		sess, st, err := m.startDecoding(sample, maxLen)
		if err != nil {
			return nil, essentials.AddCtx("beam search", err)
		}
		sessions[i] = sess
		start.states[i] = st
	}

	modelWeight := 1 / float64(len(b.Models))
	lmWeight := 0.0
	if b.LM != nil {
		lmWeight = b.LMWeight
		if lmWeight == 0 {
			lmWeight = 0.2
		}
		modelWeight = (1 - lmWeight) / float64(len(b.Models))
	}

	live := []*beamHyp{start}
	var finished []Hypothesis
	for len(live) > 0 && width > 0 {
		var cands []*beamHyp
		for _, hyp := range live {
			scores := make([]float64, vocab)
			nexts := make([]*decodeState, len(sessions))
			for mi, sess := range sessions {
				logProbs, next := sess.step(hyp.states[mi], hyp.last)
				nexts[mi] = next
				for v, lp := range logProbs {
					scores[v] += modelWeight * lp
				}
			}
			if b.LM != nil {
				history := append([]int{BosID}, hyp.tokens...)
				for v := range scores {
					scores[v] += lmWeight * b.LM.LogProb(history, v)
				}
			}
			for v := 0; v < vocab; v++ {
				if v == PadID || v == BosID {
					continue
				}
				cands = append(cands, &beamHyp{
					tokens:  append(append([]int{}, hyp.tokens...), v),
					logProb: hyp.logProb + scores[v],
					last:    v,
					states:  nexts,
				})
			}
		}
		sort.Slice(cands, func(i, j int) bool {
			return cands[i].logProb > cands[j].logProb
		})
		if len(cands) > width {
			cands = cands[:width]
		}
		live = live[:0]
		for _, c := range cands {
			if c.last == EosID {
				finished = append(finished, Hypothesis{
					Tokens: c.tokens[:len(c.tokens)-1],
					Score:  b.normalize(c.tokens[:len(c.tokens)-1], c.logProb),
				})
				width--
				continue
			}
			// Length-capped hypotheses retire without
			// shrinking the beam; only endings do that.
			if len(c.tokens) >= maxLen {
				finished = append(finished, Hypothesis{
					Tokens: c.tokens,
					Score:  b.normalize(c.tokens, c.logProb),
				})
				continue
			}
			live = append(live, c)
		}
		if len(live) > width {
			live = live[:width]
		}
	}
	for _, h := range live {
		finished = append(finished, Hypothesis{
			Tokens: h.tokens,
			Score:  b.normalize(h.tokens, h.logProb),
		})
	}
	sort.Slice(finished, func(i, j int) bool {
		return finished[i].Score > finished[j].Score
	})
	return finished, nil
}

// normalize applies length normalization to a raw log
// probability.
func (b *BeamSearch) normalize(tokens []int, logProb float64) float64 {
	if b.LenNormalize == 0 {
		return logProb
	}
	length := len(tokens)
	if length == 0 {
		length = 1
	}
	return logProb / math.Pow(float64(length), b.LenNormalize)
}
