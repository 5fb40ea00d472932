package model

import (
	"fmt"

	"github.com/tsawler/go-vibi/tensor"
)

// Params is an ordered, named set of parameter tensors: the state dict of a
// model. Order is insertion order and is part of the contract so that two
// structurally identical models can be walked in lockstep.
type Params struct {
	names   []string
	tensors map[string]*tensor.Tensor
}

// NewParams creates an empty parameter set.
func NewParams() *Params {
	return &Params{tensors: make(map[string]*tensor.Tensor)}
}

// Add registers a tensor under name. Adding an existing name replaces the
// tensor without changing its position.
func (p *Params) Add(name string, t *tensor.Tensor) {
	if _, ok := p.tensors[name]; !ok {
		p.names = append(p.names, name)
	}
	p.tensors[name] = t
}

// Get returns the tensor registered under name, or nil.
func (p *Params) Get(name string) *tensor.Tensor {
	return p.tensors[name]
}

// Names returns parameter names in order.
func (p *Params) Names() []string {
	out := make([]string, len(p.names))
	copy(out, p.names)
	return out
}

// Len returns the number of tensors.
func (p *Params) Len() int {
	return len(p.names)
}

// NumElements returns the total number of scalar parameters.
func (p *Params) NumElements() int {
	n := 0
	for _, name := range p.names {
		n += p.tensors[name].NumElems
	}
	return n
}

// Each calls fn for every tensor in order.
func (p *Params) Each(fn func(name string, t *tensor.Tensor)) {
	for _, name := range p.names {
		fn(name, p.tensors[name])
	}
}

// Clone returns a deep copy.
func (p *Params) Clone() *Params {
	out := NewParams()
	p.Each(func(name string, t *tensor.Tensor) {
		out.Add(name, t.Clone())
	})
	return out
}

// ZerosLike returns a parameter set with the same structure and zero data.
func (p *Params) ZerosLike() *Params {
	out := NewParams()
	p.Each(func(name string, t *tensor.Tensor) {
		out.Add(name, tensor.Zeros(t.Shape...))
	})
	return out
}

// Compatible returns an error unless o has the same names, order and shapes.
func (p *Params) Compatible(o *Params) error {
	if p.Len() != o.Len() {
		return fmt.Errorf("parameter count mismatch: %d vs %d", p.Len(), o.Len())
	}
	for i, name := range p.names {
		if o.names[i] != name {
			return fmt.Errorf("parameter %d: name %q vs %q", i, name, o.names[i])
		}
		if !tensor.SameShape(p.tensors[name], o.tensors[name]) {
			return fmt.Errorf("parameter %q: shape %v vs %v", name, p.tensors[name].Shape, o.tensors[name].Shape)
		}
	}
	return nil
}

// CopyFrom overwrites p's data in place with o's. The two sets must be
// compatible.
func (p *Params) CopyFrom(o *Params) error {
	if err := p.Compatible(o); err != nil {
		return err
	}
	for _, name := range p.names {
		copy(p.tensors[name].Data, o.tensors[name].Data)
	}
	return nil
}

// Equal reports whether both sets are compatible and bit-identical.
func (p *Params) Equal(o *Params) bool {
	if p.Compatible(o) != nil {
		return false
	}
	for _, name := range p.names {
		if !tensor.Equal(p.tensors[name], o.tensors[name]) {
			return false
		}
	}
	return true
}
