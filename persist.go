package seq2seq

import (
	"fmt"

	"github.com/unixpickle/anyvec/anyvecsave"
	"github.com/unixpickle/essentials"
	"github.com/unixpickle/serializer"
)

// Checkpoint serializes the model's parameters, the reward
// baseline, and the global step counter.
//
// The configuration itself is not saved: a checkpoint can
// only be restored into a model built with the same
// configuration.
func (m *Model) Checkpoint() ([]byte, error) {
	objs := []interface{}{serializer.Int(m.step)}
	for _, p := range m.params {
		objs = append(objs, &anyvecsave.S{Vector: p.v.Vector})
	}
	for _, v := range m.base.Parameters() {
		objs = append(objs, &anyvecsave.S{Vector: v.Vector})
	}
	data, err := serializer.SerializeAny(objs...)
	if err != nil {
		return nil, essentials.AddCtx("checkpoint model", err)
	}
	return data, nil
}

// Restore loads a checkpoint produced by Checkpoint.
func (m *Model) Restore(data []byte) error {
	baseParams := m.base.Parameters()
	var step serializer.Int
	saved := make([]*anyvecsave.S, len(m.params)+len(baseParams))
	ptrs := []interface{}{&step}
	for i := range saved {
		ptrs = append(ptrs, &saved[i])
	}
	if err := serializer.DeserializeAny(data, ptrs...); err != nil {
		return essentials.AddCtx("restore model", err)
	}
	for i, p := range m.params {
		v := saved[i].Vector
		if v.Len() != p.v.Vector.Len() {
			return fmt.Errorf("restore model: parameter %s has %d "+
				"components (want %d)", p.name, v.Len(), p.v.Vector.Len())
		}
		p.v.Vector.SetData(v.Data())
	}
	for i, bv := range baseParams {
		v := saved[len(m.params)+i].Vector
		if v.Len() != bv.Vector.Len() {
			return fmt.Errorf("restore model: baseline parameter %d has %d "+
				"components (want %d)", i, v.Len(), bv.Vector.Len())
		}
		bv.Vector.SetData(v.Data())
	}
	m.step = int(step)
	return nil
}
