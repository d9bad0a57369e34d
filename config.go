package seq2seq

import (
	"fmt"
)

// CellType selects the recurrent unit used by an encoder
// or decoder.
type CellType int

const (
	LSTM CellType = iota
	GRU
)

// An EncoderConfig describes one input channel of the
// multi-encoder.
// It is immutable after the model is constructed.
type EncoderConfig struct {
	// Name identifies the channel, e.g. a language code.
	// It is used for parameter naming and (optionally)
	// embedding sharing.
	Name string

	// VocabSize and EmbeddingSize describe the embedding
	// table for token channels.
	// They are ignored for binary channels.
	VocabSize     int
	EmbeddingSize int

	// CellSize is the dimensionality of the recurrent
	// hidden state.
	CellSize int

	// Layers is the number of stacked recurrent layers.
	// Zero means one layer.
	Layers int

	Cell          CellType
	Bidirectional bool

	// Residual adds the input of each stacked layer to its
	// output whenever the two sizes match.
	Residual bool

	// Binary marks a channel whose inputs are already
	// vectors rather than token ids.
	Binary bool

	// InputLayers, for binary channels, gives the sizes of
	// dense+tanh projection layers applied to the raw
	// vectors before the recurrent stack.
	InputLayers []int

	// AttentionSize is the size of the shared space in
	// which decoder states and encoder annotations are
	// compared. Zero defaults to CellSize.
	AttentionSize int

	// AttentionFilters and AttentionFilterLength configure
	// the convolutional energy function: a bank of
	// AttentionFilters filters of width
	// 2*AttentionFilterLength+1 convolved with the previous
	// step's attention weights.
	// AttentionFilters == 0 selects the plain additive
	// energy function.
	AttentionFilters      int
	AttentionFilterLength int

	// AttentionWindowSize selects local attention when
	// positive: only positions within the window around a
	// predicted source position receive weight.
	AttentionWindowSize int

	// MaxInputLen truncates source sequences during batch
	// construction. Zero means no limit.
	MaxInputLen int
}

func (e *EncoderConfig) layers() int {
	if e.Layers <= 0 {
		return 1
	}
	return e.Layers
}

func (e *EncoderConfig) attentionSize() int {
	if e.AttentionSize > 0 {
		return e.AttentionSize
	}
	return e.CellSize
}

// outputSize is the size of one attention annotation.
func (e *EncoderConfig) outputSize() int {
	if e.Bidirectional {
		return 2 * e.CellSize
	}
	return e.CellSize
}

func (e *EncoderConfig) validate() error {
	if e.CellSize <= 0 {
		return fmt.Errorf("encoder %s: cell size must be positive", e.Name)
	}
	if !e.Binary {
		if e.VocabSize <= numReserved {
			return fmt.Errorf("encoder %s: vocabulary of size %d cannot hold "+
				"the %d reserved symbols", e.Name, e.VocabSize, numReserved)
		}
		if e.EmbeddingSize <= 0 {
			return fmt.Errorf("encoder %s: embedding size must be positive", e.Name)
		}
	}
	if e.AttentionFilters > 0 && e.AttentionFilterLength <= 0 {
		return fmt.Errorf("encoder %s: attention filters need a filter length",
			e.Name)
	}
	if e.AttentionWindowSize < 0 {
		return fmt.Errorf("encoder %s: negative attention window", e.Name)
	}
	return nil
}

// A DecoderConfig describes the output side of the model.
// It is immutable after the model is constructed.
type DecoderConfig struct {
	Name string

	VocabSize     int
	EmbeddingSize int

	// CellSize must be even: the maxout readout reduces
	// pairs of components to their maximum.
	CellSize int

	Layers   int
	Cell     CellType
	Residual bool
}

func (d *DecoderConfig) layers() int {
	if d.Layers <= 0 {
		return 1
	}
	return d.Layers
}

func (d *DecoderConfig) validate() error {
	if d.CellSize <= 0 || d.CellSize%2 != 0 {
		return fmt.Errorf("decoder %s: cell size %d is not a positive even "+
			"number", d.Name, d.CellSize)
	}
	if d.VocabSize <= numReserved {
		return fmt.Errorf("decoder %s: vocabulary of size %d cannot hold the "+
			"%d reserved symbols", d.Name, d.VocabSize, numReserved)
	}
	if d.EmbeddingSize <= 0 {
		return fmt.Errorf("decoder %s: embedding size must be positive", d.Name)
	}
	return nil
}
