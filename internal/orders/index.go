// Package orders keeps the in-memory index of open limit orders, ordered by
// matching priority within each pair and side. It is the engine's open-order
// snapshot source: the reconciler scans it and persistence deltas are built
// from it.
package orders

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/tidwall/btree"

	"github.com/orbitcex/enginecore/pkg/models"
)

// Index is a concurrent-safe open-order index. Orders are stored as copies;
// callers never share memory with the index.
type Index struct {
	mu   sync.RWMutex
	tree *btree.BTreeG[*models.LimitOrder]
	byID map[uuid.UUID]*models.LimitOrder
}

// less orders by pair, then side, then matching priority within the side
// (bids descending by price, asks ascending), then arrival sequence.
func less(a, b *models.LimitOrder) bool {
	if a.Pair != b.Pair {
		return a.Pair < b.Pair
	}
	if a.Side != b.Side {
		return a.Side < b.Side
	}
	if !a.Price.Equal(b.Price) {
		if a.Side == models.SideBuy {
			return a.Price.GreaterThan(b.Price)
		}
		return a.Price.LessThan(b.Price)
	}
	return a.Sequence < b.Sequence
}

// NewIndex creates an empty index.
func NewIndex() *Index {
	return &Index{
		tree: btree.NewBTreeG(less),
		byID: make(map[uuid.UUID]*models.LimitOrder),
	}
}

// Upsert inserts or replaces the order.
func (ix *Index) Upsert(o *models.LimitOrder) {
	c := o.Copy()
	ix.mu.Lock()
	defer ix.mu.Unlock()
	if prev, ok := ix.byID[c.ID]; ok {
		ix.tree.Delete(prev)
	}
	ix.tree.Set(c)
	ix.byID[c.ID] = c
}

// Remove deletes the order by id. Unknown ids are ignored.
func (ix *Index) Remove(id uuid.UUID) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	if prev, ok := ix.byID[id]; ok {
		ix.tree.Delete(prev)
		delete(ix.byID, id)
	}
}

// Get returns a copy of the order by id, or nil.
func (ix *Index) Get(id uuid.UUID) *models.LimitOrder {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	if o, ok := ix.byID[id]; ok {
		return o.Copy()
	}
	return nil
}

// Len returns the number of open orders.
func (ix *Index) Len() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return len(ix.byID)
}

// ListOpenOrders returns copies of all open orders, restricted to one pair
// when pair is non-empty. Orders come out in matching-priority order.
func (ix *Index) ListOpenOrders(_ context.Context, pair string) ([]*models.LimitOrder, error) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	var out []*models.LimitOrder
	ix.tree.Scan(func(o *models.LimitOrder) bool {
		if pair == "" || o.Pair == pair {
			out = append(out, o.Copy())
		}
		return true
	})
	return out, nil
}

// SideOrders returns copies of the open orders for one pair and side in
// matching-priority order.
func (ix *Index) SideOrders(pair, side string) []*models.LimitOrder {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	var out []*models.LimitOrder
	ix.tree.Scan(func(o *models.LimitOrder) bool {
		if o.Pair == pair && o.Side == side {
			out = append(out, o.Copy())
		}
		return true
	})
	return out
}
