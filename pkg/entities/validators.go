package entities

import (
	"fmt"

	"github.com/mesh-intelligence/larder/pkg/concurrency"
)

// RegisterValidators installs the stale-save rules for tickets and
// numerators.
func RegisterValidators(r *concurrency.Registry) {
	concurrency.RegisterFunc(r, ValidateTicket)
	concurrency.RegisterFunc(r, ValidateNumerator)
}

// ValidateTicket rejects a stale ticket save when the ticket was closed on
// another terminal or when the save would drop orders someone else added.
// Other concurrent edits are merged last-writer-wins.
func ValidateTicket(attempted, persisted *Ticket) concurrency.Decision {
	if persisted.IsClosed {
		return concurrency.Break(fmt.Sprintf("ticket %s was closed on another terminal", persisted.Number))
	}
	have := make(map[int64]bool, len(attempted.Orders))
	for _, o := range attempted.Orders {
		if o.ID != 0 {
			have[o.ID] = true
		}
	}
	for _, o := range persisted.Orders {
		if !have[o.ID] && o.Modified().After(attempted.Modified()) {
			return concurrency.Break(fmt.Sprintf("ticket %s has new orders from another terminal; reopen it to continue", persisted.Number))
		}
	}
	return concurrency.Continue()
}

// ValidateNumerator asks for a reload when another terminal already took
// the number being saved or a later one.
func ValidateNumerator(attempted, persisted *Numerator) concurrency.Decision {
	if persisted.Number >= attempted.Number {
		return concurrency.Refresh()
	}
	return concurrency.Continue()
}
