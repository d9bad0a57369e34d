package seq2seq

import (
	"math"
	"strconv"
	"strings"
)

// maxBLEUOrder is the largest n-gram order used by the
// BLEU reward.
const maxBLEUOrder = 4

// SentenceBLEU computes a smoothed sentence-level BLEU
// score between a hypothesis and a reference, both in
// token-id space.
//
// Every n-gram precision up to order 4 gets add-one
// smoothing, so single-sentence scores are never zero for
// partial matches. An empty hypothesis scores 0.
func SentenceBLEU(hyp, ref []int) float64 {
	if len(hyp) == 0 {
		return 0
	}
	var logSum float64
	for order := 1; order <= maxBLEUOrder; order++ {
		matches, total := ngramMatches(hyp, ref, order)
		logSum += math.Log(float64(matches+1) / float64(total+1))
	}
	score := math.Exp(logSum / maxBLEUOrder)
	brevity := math.Min(1, math.Exp(1-float64(len(ref))/float64(len(hyp))))
	return brevity * score
}

// ngramMatches counts the clipped n-gram matches between
// hyp and ref, along with the number of n-grams in hyp.
func ngramMatches(hyp, ref []int, order int) (matches, total int) {
	refCounts := map[string]int{}
	for i := 0; i+order <= len(ref); i++ {
		refCounts[ngramKey(ref[i:i+order])]++
	}
	for i := 0; i+order <= len(hyp); i++ {
		total++
		key := ngramKey(hyp[i : i+order])
		if refCounts[key] > 0 {
			refCounts[key]--
			matches++
		}
	}
	return
}

func ngramKey(gram []int) string {
	parts := make([]string, len(gram))
	for i, id := range gram {
		parts[i] = strconv.Itoa(id)
	}
	return strings.Join(parts, " ")
}

// truncateAtEOS cuts a sequence after its first end-of-
// sequence symbol, keeping the symbol itself.
func truncateAtEOS(seq []int) []int {
	for i, id := range seq {
		if id == EosID {
			return seq[:i+1]
		}
	}
	return seq
}
