// Package entities defines the point-of-sale entity graph persisted through
// Larder: tickets owning orders owning order tag values, customers referenced
// by tickets, and numerators handing out document numbers.
package entities

import (
	"github.com/mesh-intelligence/larder/pkg/graph"
	"github.com/mesh-intelligence/larder/pkg/types"
)

// Entity kinds.
const (
	KindCustomer      = "customer"
	KindTicket        = "ticket"
	KindOrder         = "order"
	KindOrderTagValue = "order_tag_value"
	KindNumerator     = "numerator"
)

// Compile-time interface checks.
var (
	_ graph.Reconcilable = (*Ticket)(nil)
	_ graph.Linker       = (*Ticket)(nil)
	_ graph.Reconcilable = (*Order)(nil)
	_ types.Owned        = (*Order)(nil)
	_ graph.Reconcilable = (*OrderTagValue)(nil)
	_ types.Owned        = (*OrderTagValue)(nil)
	_ graph.Reconcilable = (*Customer)(nil)
	_ graph.Reconcilable = (*Numerator)(nil)
)

// Ticket is a bill under edit at a terminal.
type Ticket struct {
	types.Base
	Number      string   `json:"number"`
	Note        *string  `json:"note"`
	TotalAmount float64  `json:"total_amount"`
	IsClosed    bool     `json:"is_closed"`
	Tags        []string `json:"tags"`
	CustomerID  int64    `json:"customer_id"`

	Customer *Customer `json:"-"`
	Orders   []*Order  `json:"-"`
}

func (*Ticket) Kind() string { return KindTicket }

// MergeFrom copies a detached ticket into t.
func (t *Ticket) MergeFrom(src types.Entity, m *graph.Merger) {
	s := src.(*Ticket)
	t.Number = s.Number
	t.TotalAmount = s.TotalAmount
	t.IsClosed = s.IsClosed
	t.CustomerID = s.CustomerID
	graph.Optional(&t.Note, s.Note)
	graph.Values(&t.Tags, s.Tags)
	graph.Ref(m, &t.Customer, s.Customer, newCustomer)
	graph.Collection(m, &t.Orders, s.Orders, newOrder)
	for _, o := range t.Orders {
		o.Ticket = t
	}
}

// VisitOwned reports the customer reference and the orders.
func (t *Ticket) VisitOwned(v graph.Visitor) {
	if t.Customer != nil {
		v.Ref(t.Customer)
	}
	for _, o := range t.Orders {
		v.Child(o)
	}
}

// Link copies the customer's identifier into CustomerID.
func (t *Ticket) Link() {
	if t.Customer != nil {
		t.CustomerID = t.Customer.ID
	}
}

// AddOrder appends an order and points it back at the ticket.
func (t *Ticket) AddOrder(o *Order) {
	o.Ticket = t
	t.Orders = append(t.Orders, o)
}

// Recalculate recomputes TotalAmount from the orders.
func (t *Ticket) Recalculate() float64 {
	var total float64
	for _, o := range t.Orders {
		total += o.Total()
	}
	t.TotalAmount = total
	return total
}

// Order is a line on a ticket.
type Order struct {
	types.Base
	TicketID int64   `json:"ticket_id"`
	MenuItem string  `json:"menu_item"`
	Quantity float64 `json:"quantity"`
	Price    float64 `json:"price"`

	// Ticket points back at the owning ticket. It is never merged or walked.
	Ticket    *Ticket          `json:"-"`
	TagValues []*OrderTagValue `json:"-"`
}

func newOrder() *Order { return &Order{} }

func (*Order) Kind() string { return KindOrder }

func (o *Order) OwnerID() int64 { return o.TicketID }

func (o *Order) SetOwnerID(id int64) { o.TicketID = id }

// Total is quantity times price.
func (o *Order) Total() float64 { return o.Quantity * o.Price }

// MergeFrom copies a detached order into o. The owner identifier is
// structural and is assigned on commit, not merged.
func (o *Order) MergeFrom(src types.Entity, m *graph.Merger) {
	s := src.(*Order)
	o.MenuItem = s.MenuItem
	o.Quantity = s.Quantity
	o.Price = s.Price
	graph.Collection(m, &o.TagValues, s.TagValues, newOrderTagValue)
}

// VisitOwned reports the tag values.
func (o *Order) VisitOwned(v graph.Visitor) {
	for _, tv := range o.TagValues {
		v.Child(tv)
	}
}

// OrderTagValue is a modifier attached to an order ("extra cheese").
type OrderTagValue struct {
	types.Base
	OrderID int64  `json:"order_id"`
	Name    string `json:"name"`
	Value   string `json:"value"`
}

func newOrderTagValue() *OrderTagValue { return &OrderTagValue{} }

func (*OrderTagValue) Kind() string { return KindOrderTagValue }

func (v *OrderTagValue) OwnerID() int64 { return v.OrderID }

func (v *OrderTagValue) SetOwnerID(id int64) { v.OrderID = id }

func (v *OrderTagValue) MergeFrom(src types.Entity, _ *graph.Merger) {
	s := src.(*OrderTagValue)
	v.Name = s.Name
	v.Value = s.Value
}

func (*OrderTagValue) VisitOwned(graph.Visitor) {}
