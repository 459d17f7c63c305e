// Package distribution computes zero-sum revenue splits.
//
// A Table is built once, from configuration, out of stakeholders whose
// basis-point allocations must sum to exactly 10000. Split divides a charge
// using integer floor division per allocation; the last stakeholder absorbs
// the truncation remainder, so the shares always sum to the charge exactly.
// No value is ever created, dropped, or split fractionally.
package distribution

import (
	"fmt"

	"github.com/tutu-network/tally/internal/domain"
)

// TotalBps is the required sum of a table's basis-point allocations.
const TotalBps int64 = 10_000

// Stakeholder is one named party in a revenue split.
type Stakeholder struct {
	Name      string            `json:"name"`
	AccountID string            `json:"account_id"`
	Entity    domain.EntityType `json:"entity_type"`
	Bps       int64             `json:"bps"`
}

// Share is one stakeholder's cut of a split charge.
type Share struct {
	Stakeholder
	Amount int64 `json:"amount_micros"`
}

// Table is a validated allocation. The last stakeholder is the designated
// remainder absorber; its share is computed by subtraction, never by
// division, which is what makes every split exact.
type Table struct {
	stakeholders []Stakeholder
}

// NewTable validates the stakeholder list and returns an immutable table.
// Validation happens here, at configuration time, so Split never has an
// error path.
func NewTable(stakeholders []Stakeholder) (*Table, error) {
	if len(stakeholders) == 0 {
		return nil, fmt.Errorf("distribution table: no stakeholders")
	}
	seen := make(map[string]bool, len(stakeholders))
	var sum int64
	for _, s := range stakeholders {
		if s.Name == "" || s.AccountID == "" {
			return nil, fmt.Errorf("distribution table: stakeholder needs both a name and an account (name=%q account=%q)", s.Name, s.AccountID)
		}
		if !domain.ValidEntityType(s.Entity) {
			return nil, fmt.Errorf("distribution table: stakeholder %q has unknown entity type %q", s.Name, s.Entity)
		}
		if s.Bps <= 0 {
			return nil, fmt.Errorf("distribution table: stakeholder %q has non-positive allocation %d bps", s.Name, s.Bps)
		}
		if seen[s.AccountID] {
			return nil, fmt.Errorf("distribution table: account %q listed twice", s.AccountID)
		}
		seen[s.AccountID] = true
		sum += s.Bps
	}
	if sum != TotalBps {
		return nil, fmt.Errorf("distribution table: allocations sum to %d bps, want %d", sum, TotalBps)
	}
	return &Table{stakeholders: append([]Stakeholder(nil), stakeholders...)}, nil
}

// Stakeholders returns the table's parties in split order.
func (t *Table) Stakeholders() []Stakeholder {
	return append([]Stakeholder(nil), t.stakeholders...)
}

// Split divides a non-negative total into one share per stakeholder.
// Every share except the last is floor(total × bps / 10000); the last is
// the total minus all the others. The shares therefore sum to total
// exactly for any total, with the integer remainder always flowing to the
// final stakeholder.
func (t *Table) Split(total int64) []Share {
	shares := make([]Share, len(t.stakeholders))
	var allocated int64
	for i, s := range t.stakeholders {
		var amount int64
		if i == len(t.stakeholders)-1 {
			amount = total - allocated
		} else {
			amount = domain.ApplyBps(total, s.Bps)
		}
		shares[i] = Share{Stakeholder: s, Amount: amount}
		allocated += amount
	}
	return shares
}
