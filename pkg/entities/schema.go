package entities

import (
	"github.com/mesh-intelligence/larder/pkg/types"
)

// Schemas returns the schemas of every entity kind in this package.
func Schemas() []types.Schema {
	return []types.Schema{
		{
			Kind: KindCustomer,
			New:  func() types.Entity { return &Customer{} },
		},
		{
			Kind: KindNumerator,
			New:  func() types.Entity { return &Numerator{} },
		},
		{
			Kind: KindTicket,
			New:  func() types.Entity { return &Ticket{} },
			Relations: []types.Relation{
				{
					Name:  "Customer",
					Kind:  KindCustomer,
					RefID: func(p types.Entity) int64 { return p.(*Ticket).CustomerID },
					Get: func(p types.Entity) []types.Entity {
						if c := p.(*Ticket).Customer; c != nil {
							return []types.Entity{c}
						}
						return nil
					},
					Set: func(p types.Entity, related []types.Entity) {
						t := p.(*Ticket)
						t.Customer = nil
						if len(related) > 0 {
							t.Customer = related[0].(*Customer)
						}
					},
				},
				{
					Name:  "Orders",
					Kind:  KindOrder,
					Owned: true,
					Get: func(p types.Entity) []types.Entity {
						orders := p.(*Ticket).Orders
						out := make([]types.Entity, len(orders))
						for i, o := range orders {
							out[i] = o
						}
						return out
					},
					Set: func(p types.Entity, related []types.Entity) {
						t := p.(*Ticket)
						t.Orders = make([]*Order, len(related))
						for i, r := range related {
							o := r.(*Order)
							o.Ticket = t
							t.Orders[i] = o
						}
					},
				},
			},
		},
		{
			Kind: KindOrder,
			New:  func() types.Entity { return &Order{} },
			Relations: []types.Relation{
				{
					Name:  "TagValues",
					Kind:  KindOrderTagValue,
					Owned: true,
					Get: func(p types.Entity) []types.Entity {
						values := p.(*Order).TagValues
						out := make([]types.Entity, len(values))
						for i, v := range values {
							out[i] = v
						}
						return out
					},
					Set: func(p types.Entity, related []types.Entity) {
						o := p.(*Order)
						o.TagValues = make([]*OrderTagValue, len(related))
						for i, r := range related {
							o.TagValues[i] = r.(*OrderTagValue)
						}
					},
				},
			},
		},
		{
			Kind: KindOrderTagValue,
			New:  func() types.Entity { return &OrderTagValue{} },
		},
	}
}

// Register installs the schemas into r.
func Register(r *types.Registry) error {
	for _, s := range Schemas() {
		if err := r.Register(s); err != nil {
			return err
		}
	}
	return nil
}

// NewRegistry returns a registry holding this package's schemas.
func NewRegistry() *types.Registry {
	r := types.NewRegistry()
	r.MustRegister(Schemas()...)
	return r
}
