package entities

import (
	"github.com/mesh-intelligence/larder/pkg/graph"
	"github.com/mesh-intelligence/larder/pkg/types"
)

// Customer is referenced by tickets; it is not owned by them.
type Customer struct {
	types.Base
	Name  string  `json:"name"`
	Phone *string `json:"phone"`
}

func newCustomer() *Customer { return &Customer{} }

func (*Customer) Kind() string { return KindCustomer }

func (c *Customer) MergeFrom(src types.Entity, _ *graph.Merger) {
	s := src.(*Customer)
	c.Name = s.Name
	graph.Optional(&c.Phone, s.Phone)
}

func (*Customer) VisitOwned(graph.Visitor) {}

// Numerator hands out sequential document numbers. Terminals race on it,
// so it carries a concurrency validator.
type Numerator struct {
	types.Base
	Name   string `json:"name"`
	Number int64  `json:"number"`
}

func (*Numerator) Kind() string { return KindNumerator }

func (n *Numerator) MergeFrom(src types.Entity, _ *graph.Merger) {
	s := src.(*Numerator)
	n.Name = s.Name
	n.Number = s.Number
}

func (*Numerator) VisitOwned(graph.Visitor) {}

// Next advances the numerator and returns the new number.
func (n *Numerator) Next() int64 {
	n.Number++
	return n.Number
}
