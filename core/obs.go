package core

import (
	"fmt"
	"sort"

	"github.com/zeu5/embodied-rl/tensor"
)

// Observation is a nested tree of sensor readings. A node is either a leaf
// holding a tensor or a branch holding named children, never both. Sensor
// schemas differ per experiment, so consumers walk the tree instead of
// relying on a fixed registry.
type Observation struct {
	Tensor   *tensor.Tensor
	Children map[string]*Observation
}

func Leaf(t *tensor.Tensor) *Observation {
	return &Observation{Tensor: t}
}

func Nested(children map[string]*Observation) *Observation {
	return &Observation{Children: children}
}

func (o *Observation) IsLeaf() bool {
	return o.Tensor != nil
}

// Child returns the named child of a branch node, or nil.
func (o *Observation) Child(name string) *Observation {
	if o.Children == nil {
		return nil
	}
	return o.Children[name]
}

// LeafAt resolves a path of child names to a leaf tensor.
func (o *Observation) LeafAt(path ...string) (*tensor.Tensor, bool) {
	cur := o
	for _, p := range path {
		cur = cur.Child(p)
		if cur == nil {
			return nil, false
		}
	}
	if !cur.IsLeaf() {
		return nil, false
	}
	return cur.Tensor, true
}

// Walk visits every leaf in deterministic (sorted-key) order.
func (o *Observation) Walk(visit func(path []string, t *tensor.Tensor)) {
	o.walk(nil, visit)
}

func (o *Observation) walk(prefix []string, visit func(path []string, t *tensor.Tensor)) {
	if o.IsLeaf() {
		visit(prefix, o.Tensor)
		return
	}
	keys := make([]string, 0, len(o.Children))
	for k := range o.Children {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		// Each child gets its own backing array so a visitor may retain
		// the path.
		path := append(append(make([]string, 0, len(prefix)+1), prefix...), k)
		o.Children[k].walk(path, visit)
	}
}

// BatchObservations stacks the per-worker observation trees into a single
// tree whose leaves carry a new leading worker dimension. All trees must
// share the same schema.
func BatchObservations(obs []*Observation) *Observation {
	if len(obs) == 0 {
		return Nested(map[string]*Observation{})
	}
	first := obs[0]
	if first.IsLeaf() {
		shape := append([]int{len(obs)}, first.Tensor.Shape()...)
		out := tensor.Zeros(shape...)
		for i, o := range obs {
			if !o.IsLeaf() || !tensor.SameShape(o.Tensor, first.Tensor) {
				panic(fmt.Sprintf("core: observation %d does not match batch schema", i))
			}
			copy(out.Step(i), o.Tensor.Data())
		}
		return Leaf(out)
	}
	children := make(map[string]*Observation, len(first.Children))
	for name := range first.Children {
		sub := make([]*Observation, len(obs))
		for i, o := range obs {
			c := o.Child(name)
			if c == nil {
				panic(fmt.Sprintf("core: observation %d is missing sensor %q", i, name))
			}
			sub[i] = c
		}
		children[name] = BatchObservations(sub)
	}
	return Nested(children)
}
