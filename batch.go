package seq2seq

import (
	"fmt"
)

// Reserved token ids, shared by every vocabulary.
// The padding symbol must be id 0: embedding tables place
// it at row zero, and binary channels pad with zero
// vectors.
const (
	PadID = 0
	EosID = 1
	BosID = 2

	numReserved = 3
)

// A SourceSeq is one input sequence for one encoder
// channel: token ids for regular channels, or raw vectors
// for binary channels.
type SourceSeq struct {
	Tokens  []int
	Vectors [][]float64
}

// A Sample pairs one source sequence per encoder channel
// with a target token sequence.
type Sample struct {
	Sources []SourceSeq
	Target  []int
}

// An EncoderBatch holds the padded inputs of one encoder
// channel, time-major: Tokens[t][i] (or Vectors[t][i]) is
// the symbol at time t of sample i.
//
// Each sequence gets an end marker appended (EOS for token
// channels, a zero vector for binary channels) and is then
// padded to the batch's maximum length.
// Lengths records true lengths including the end marker.
type EncoderBatch struct {
	Tokens  [][]int
	Vectors [][][]float64
	Lengths []int
}

// NumSteps returns the padded sequence length.
func (e *EncoderBatch) NumSteps() int {
	if e.Tokens != nil {
		return len(e.Tokens)
	}
	return len(e.Vectors)
}

// A Batch is a padded, time-major view of a set of
// samples, ready to be fed to the model.
//
// DecoderInputs start with BOS and exclude the final EOS;
// Targets exclude BOS and include the final EOS.
// TargetWeights are 1 for real target tokens (including
// the end marker) and 0 for padding.
type Batch struct {
	Size     int
	Encoders []*EncoderBatch

	DecoderInputs  [][]int
	Targets        [][]int
	TargetWeights  [][]float64
	DecoderLengths []int
}

// NewBatch builds a padded batch for the given encoder and
// decoder configurations.
//
// Source sequences are truncated to each encoder's
// MaxInputLen and targets to maxOutputLen (when positive).
// With decoding set, the decoder side is filled with dummy
// symbols spanning exactly maxOutputLen steps, as used by
// the inference paths.
func NewBatch(samples []Sample, encoders []EncoderConfig, decoder DecoderConfig,
	maxOutputLen int, decoding bool) (*Batch, error) {
	if len(samples) == 0 {
		return nil, fmt.Errorf("build batch: no samples")
	}
	b := &Batch{Size: len(samples)}
	for i, s := range samples {
		if len(s.Sources) != len(encoders) {
			return nil, fmt.Errorf("build batch: sample %d has %d source "+
				"sequences (want %d)", i, len(s.Sources), len(encoders))
		}
	}

	for ei := range encoders {
		enc, err := newEncoderBatch(samples, &encoders[ei], ei)
		if err != nil {
			return nil, err
		}
		b.Encoders = append(b.Encoders, enc)
	}

	if decoding {
		b.fillDecodingSide(maxOutputLen)
		return b, nil
	}

	maxLen := 0
	for _, s := range samples {
		trg := truncate(s.Target, maxOutputLen)
		if len(trg) > maxLen {
			maxLen = len(trg)
		}
	}

	// One extra step for the end marker.
	steps := maxLen + 1
	b.DecoderInputs = makeTokenGrid(steps, b.Size)
	b.Targets = makeTokenGrid(steps, b.Size)
	b.TargetWeights = make([][]float64, steps)
	for t := range b.TargetWeights {
		b.TargetWeights[t] = make([]float64, b.Size)
	}
	b.DecoderLengths = make([]int, b.Size)

	for i, s := range samples {
		trg := truncate(s.Target, maxOutputLen)
		for _, id := range trg {
			if id < 0 || id >= decoder.VocabSize {
				return nil, fmt.Errorf("build batch: target token %d outside "+
					"vocabulary of size %d", id, decoder.VocabSize)
			}
		}
		b.DecoderLengths[i] = len(trg) + 1
		for t := 0; t < steps; t++ {
			// Row i of the full sequence is BOS, trg, EOS, padding.
			b.DecoderInputs[t][i] = seqAt(trg, t-1)
			b.Targets[t][i] = seqAt(trg, t)
			if t < len(trg)+1 {
				b.TargetWeights[t][i] = 1
			}
		}
	}
	return b, nil
}

// seqAt reads the virtual sequence BOS, trg..., EOS,
// PAD... at position t-(-1), i.e. t==-1 is BOS.
func seqAt(trg []int, t int) int {
	switch {
	case t < 0:
		return BosID
	case t < len(trg):
		return trg[t]
	case t == len(trg):
		return EosID
	default:
		return PadID
	}
}

func (b *Batch) fillDecodingSide(maxOutputLen int) {
	steps := maxOutputLen
	if steps <= 0 {
		steps = 1
	}
	b.DecoderInputs = makeTokenGrid(steps, b.Size)
	b.Targets = makeTokenGrid(steps, b.Size)
	b.TargetWeights = make([][]float64, steps)
	b.DecoderLengths = make([]int, b.Size)
	for t := 0; t < steps; t++ {
		b.TargetWeights[t] = make([]float64, b.Size)
		for i := 0; i < b.Size; i++ {
			if t == 0 {
				b.DecoderInputs[t][i] = BosID
			}
		}
	}
	for i := range b.DecoderLengths {
		b.DecoderLengths[i] = steps
	}
}

func newEncoderBatch(samples []Sample, cfg *EncoderConfig, idx int) (*EncoderBatch, error) {
	maxLen := 0
	for _, s := range samples {
		l := sourceLen(s.Sources[idx], cfg)
		l = truncLen(l, cfg.MaxInputLen)
		if l > maxLen {
			maxLen = l
		}
	}
	// One extra step for the end marker.
	steps := maxLen + 1
	res := &EncoderBatch{Lengths: make([]int, len(samples))}

	if cfg.Binary {
		dim := cfg.EmbeddingSize
		res.Vectors = make([][][]float64, steps)
		for t := range res.Vectors {
			res.Vectors[t] = make([][]float64, len(samples))
		}
		for i, s := range samples {
			vecs := s.Sources[idx].Vectors
			if cfg.MaxInputLen > 0 && len(vecs) > cfg.MaxInputLen {
				vecs = vecs[:cfg.MaxInputLen]
			}
			res.Lengths[i] = len(vecs) + 1
			for t := 0; t < steps; t++ {
				if t < len(vecs) {
					if len(vecs[t]) != dim {
						return nil, fmt.Errorf("build batch: encoder %s: "+
							"vector of size %d (want %d)", cfg.Name,
							len(vecs[t]), dim)
					}
					res.Vectors[t][i] = vecs[t]
				} else {
					// End marker and padding are both zero vectors.
					res.Vectors[t][i] = make([]float64, dim)
				}
			}
		}
		return res, nil
	}

	res.Tokens = makeTokenGrid(steps, len(samples))
	for i, s := range samples {
		toks := s.Sources[idx].Tokens
		if cfg.MaxInputLen > 0 && len(toks) > cfg.MaxInputLen {
			toks = toks[:cfg.MaxInputLen]
		}
		res.Lengths[i] = len(toks) + 1
		for t := 0; t < steps; t++ {
			switch {
			case t < len(toks):
				id := toks[t]
				if id < 0 || id >= cfg.VocabSize {
					return nil, fmt.Errorf("build batch: encoder %s: token "+
						"%d outside vocabulary of size %d", cfg.Name, id,
						cfg.VocabSize)
				}
				res.Tokens[t][i] = id
			case t == len(toks):
				res.Tokens[t][i] = EosID
			default:
				res.Tokens[t][i] = PadID
			}
		}
	}
	return res, nil
}

func sourceLen(s SourceSeq, cfg *EncoderConfig) int {
	if cfg.Binary {
		return len(s.Vectors)
	}
	return len(s.Tokens)
}

func truncLen(l, max int) int {
	if max > 0 && l > max {
		return max
	}
	return l
}

func truncate(seq []int, max int) []int {
	if max > 0 && len(seq) > max {
		return seq[:max]
	}
	return seq
}

func makeTokenGrid(steps, n int) [][]int {
	res := make([][]int, steps)
	for i := range res {
		res[i] = make([]int, n)
	}
	return res
}
