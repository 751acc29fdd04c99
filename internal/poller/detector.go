package poller

import (
	"strings"
	"sync"

	"copytrade-core/pkg/broker"
)

// ChangeDetector turns successive order book snapshots of an account into
// the orders that are new or changed. A push-capable gateway can satisfy
// the same contract without the copier noticing.
type ChangeDetector interface {
	// Detect records orders as the latest snapshot of accountID and returns
	// the orders that differ from the previous one. The first snapshot of an
	// account only sets the baseline and returns nothing.
	Detect(accountID string, orders []broker.Order) []broker.Order
	// Forget drops the baseline so the next Detect bootstraps again.
	Forget(accountID string)
}

// orderState is the part of an order that counts as a change. Prices are
// kept as normalised decimal strings so "101.50" and "101.5" compare equal.
type orderState struct {
	status   string
	quantity int
	price    string
	average  string
}

func stateOf(o broker.Order) orderState {
	return orderState{
		status:   strings.ToLower(strings.TrimSpace(o.Status)),
		quantity: o.Quantity,
		price:    o.Price.String(),
		average:  o.AveragePrice.String(),
	}
}

// SnapshotDiffer is the polling ChangeDetector: it keeps the previous
// snapshot per account in memory.
type SnapshotDiffer struct {
	mu    sync.Mutex
	prior map[string]map[string]orderState
}

func NewSnapshotDiffer() *SnapshotDiffer {
	return &SnapshotDiffer{prior: make(map[string]map[string]orderState)}
}

func (d *SnapshotDiffer) Detect(accountID string, orders []broker.Order) []broker.Order {
	next := make(map[string]orderState, len(orders))
	for _, o := range orders {
		if o.OrderID == "" {
			continue
		}
		next[o.OrderID] = stateOf(o)
	}

	d.mu.Lock()
	prev, seen := d.prior[accountID]
	d.prior[accountID] = next
	d.mu.Unlock()

	if !seen {
		return nil
	}

	var changed []broker.Order
	for _, o := range orders {
		if o.OrderID == "" {
			continue
		}
		if old, ok := prev[o.OrderID]; !ok || old != next[o.OrderID] {
			changed = append(changed, o)
		}
	}
	return changed
}

func (d *SnapshotDiffer) Forget(accountID string) {
	d.mu.Lock()
	delete(d.prior, accountID)
	d.mu.Unlock()
}
