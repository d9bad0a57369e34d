package seq2seq

import "math"

// An NGramLM is a backoff n-gram language model over token
// ids, used by the beam search to rescore hypotheses.
//
// Scoring follows the usual ARPA convention: if the full
// n-gram is unknown, the history's backoff weight is added
// and the model falls back to the shorter history.
// Tokens without a unigram entry score negative infinity,
// so the LM also acts as a hard vocabulary filter.
type NGramLM struct {
	Order int

	entries map[string]lmEntry
}

type lmEntry struct {
	logProb float64
	backoff float64
}

// NewNGramLM creates an empty model of the given order.
func NewNGramLM(order int) *NGramLM {
	return &NGramLM{Order: order, entries: map[string]lmEntry{}}
}

// Add registers an n-gram with its log-probability and
// backoff weight.
func (l *NGramLM) Add(gram []int, logProb, backoff float64) {
	l.entries[ngramKey(gram)] = lmEntry{logProb: logProb, backoff: backoff}
}

// LogProb scores a token given the preceding history.
func (l *NGramLM) LogProb(history []int, token int) float64 {
	if max := l.Order - 1; len(history) > max {
		history = history[len(history)-max:]
	}
	return l.score(history, token)
}

func (l *NGramLM) score(history []int, token int) float64 {
	gram := make([]int, 0, len(history)+1)
	gram = append(gram, history...)
	gram = append(gram, token)
	if e, ok := l.entries[ngramKey(gram)]; ok {
		return e.logProb
	}
	if len(history) == 0 {
		return math.Inf(-1)
	}
	var backoff float64
	if e, ok := l.entries[ngramKey(history)]; ok {
		backoff = e.backoff
	}
	return backoff + l.score(history[1:], token)
}
