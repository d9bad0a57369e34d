package seq2seq

import (
	"reflect"
	"testing"
)

func testEncoderConfigs() []EncoderConfig {
	return []EncoderConfig{
		{Name: "src", VocabSize: 10, EmbeddingSize: 4, CellSize: 6},
	}
}

func testDecoderConfig() DecoderConfig {
	return DecoderConfig{Name: "trg", VocabSize: 10, EmbeddingSize: 4,
		CellSize: 6}
}

func TestBatchDecoderLayout(t *testing.T) {
	samples := []Sample{
		{Sources: []SourceSeq{{Tokens: []int{5, 6}}}, Target: []int{3, 4}},
		{Sources: []SourceSeq{{Tokens: []int{7}}}, Target: []int{8}},
	}
	b, err := NewBatch(samples, testEncoderConfigs(), testDecoderConfig(),
		0, false)
	if err != nil {
		t.Fatal(err)
	}
	if len(b.DecoderInputs) != 3 {
		t.Fatalf("got %d steps (want 3)", len(b.DecoderInputs))
	}
	col := func(grid [][]int, i int) []int {
		res := make([]int, len(grid))
		for t := range grid {
			res[t] = grid[t][i]
		}
		return res
	}
	if !reflect.DeepEqual(col(b.DecoderInputs, 0), []int{BosID, 3, 4}) {
		t.Errorf("bad inputs: %v", col(b.DecoderInputs, 0))
	}
	if !reflect.DeepEqual(col(b.Targets, 0), []int{3, 4, EosID}) {
		t.Errorf("bad targets: %v", col(b.Targets, 0))
	}
	if !reflect.DeepEqual(col(b.DecoderInputs, 1), []int{BosID, 8, PadID}) {
		t.Errorf("bad short inputs: %v", col(b.DecoderInputs, 1))
	}
	if !reflect.DeepEqual(col(b.Targets, 1), []int{8, EosID, PadID}) {
		t.Errorf("bad short targets: %v", col(b.Targets, 1))
	}
	for i, expected := range [][]float64{{1, 1, 1}, {1, 1, 0}} {
		for ti, x := range expected {
			if b.TargetWeights[ti][i] != x {
				t.Errorf("weight[%d][%d] = %f (want %f)", ti, i,
					b.TargetWeights[ti][i], x)
			}
		}
	}
	if b.DecoderLengths[0] != 3 || b.DecoderLengths[1] != 2 {
		t.Errorf("bad lengths: %v", b.DecoderLengths)
	}
}

func TestBatchEncoderEndMarker(t *testing.T) {
	samples := []Sample{
		{Sources: []SourceSeq{{Tokens: []int{5, 6, 7}}}, Target: []int{3}},
		{Sources: []SourceSeq{{Tokens: []int{9}}}, Target: []int{3}},
	}
	b, err := NewBatch(samples, testEncoderConfigs(), testDecoderConfig(),
		0, false)
	if err != nil {
		t.Fatal(err)
	}
	enc := b.Encoders[0]
	if enc.NumSteps() != 4 {
		t.Fatalf("got %d steps (want 4)", enc.NumSteps())
	}
	if enc.Lengths[0] != 4 || enc.Lengths[1] != 2 {
		t.Errorf("bad lengths: %v", enc.Lengths)
	}
	expected := [][]int{{5, 9}, {6, EosID}, {7, PadID}, {EosID, PadID}}
	if !reflect.DeepEqual(enc.Tokens, expected) {
		t.Errorf("bad tokens: %v", enc.Tokens)
	}
}

func TestBatchTruncation(t *testing.T) {
	cfgs := testEncoderConfigs()
	cfgs[0].MaxInputLen = 2
	samples := []Sample{
		{Sources: []SourceSeq{{Tokens: []int{5, 6, 7, 8}}},
			Target: []int{3, 4, 5}},
	}
	b, err := NewBatch(samples, cfgs, testDecoderConfig(), 2, false)
	if err != nil {
		t.Fatal(err)
	}
	if b.Encoders[0].NumSteps() != 3 {
		t.Errorf("got %d encoder steps (want 3)", b.Encoders[0].NumSteps())
	}
	if len(b.Targets) != 3 {
		t.Errorf("got %d decoder steps (want 3)", len(b.Targets))
	}
	if b.Targets[2][0] != EosID {
		t.Errorf("truncated target should end with EOS, got %d",
			b.Targets[2][0])
	}
}

func TestBatchVocabChecks(t *testing.T) {
	samples := []Sample{
		{Sources: []SourceSeq{{Tokens: []int{15}}}, Target: []int{3}},
	}
	if _, err := NewBatch(samples, testEncoderConfigs(), testDecoderConfig(),
		0, false); err == nil {
		t.Error("expected error for out-of-vocabulary source token")
	}
	samples = []Sample{
		{Sources: []SourceSeq{{Tokens: []int{3}}}, Target: []int{12}},
	}
	if _, err := NewBatch(samples, testEncoderConfigs(), testDecoderConfig(),
		0, false); err == nil {
		t.Error("expected error for out-of-vocabulary target token")
	}
}

func TestBatchDecodingMode(t *testing.T) {
	samples := []Sample{
		{Sources: []SourceSeq{{Tokens: []int{5}}}},
	}
	b, err := NewBatch(samples, testEncoderConfigs(), testDecoderConfig(),
		4, true)
	if err != nil {
		t.Fatal(err)
	}
	if len(b.DecoderInputs) != 4 {
		t.Fatalf("got %d steps (want 4)", len(b.DecoderInputs))
	}
	if b.DecoderInputs[0][0] != BosID {
		t.Error("first input should be BOS")
	}
	for t2 := 1; t2 < 4; t2++ {
		if b.DecoderInputs[t2][0] != PadID {
			t.Errorf("input at step %d should be PAD", t2)
		}
	}
}
