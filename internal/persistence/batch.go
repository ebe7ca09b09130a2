// Package persistence aggregates the deltas produced by one logical
// operation into a single unit and applies it to durable storage in one
// atomic write.
package persistence

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/orbitcex/enginecore/pkg/models"
)

// MidPrice is one mid-price observation for a pair.
type MidPrice struct {
	Pair      string
	Price     decimal.Decimal
	Timestamp time.Time
}

// BookSideDelta carries the order changes for one side of one pair's book.
type BookSideDelta struct {
	Pair           string
	IsBuy          bool
	OrdersToSave   []*models.LimitOrder
	OrdersToRemove []*models.LimitOrder
}

// OrderBooksData groups the side deltas of one book kind (limit or stop).
type OrderBooksData struct {
	Sides []BookSideDelta
}

func (d *OrderBooksData) isEmpty() bool {
	if d == nil {
		return true
	}
	for _, s := range d.Sides {
		if len(s.OrdersToSave) > 0 || len(s.OrdersToRemove) > 0 {
			return false
		}
	}
	return true
}

func (d *OrderBooksData) counts() (save, remove int) {
	if d == nil {
		return 0, 0
	}
	for _, s := range d.Sides {
		save += len(s.OrdersToSave)
		remove += len(s.OrdersToRemove)
	}
	return save, remove
}

// PersistenceData is the unit of atomic durability. It never aliases live
// ledger or book objects; the Builder copies everything on Build.
type PersistenceData struct {
	Balances       *models.BalancesData
	Message        *models.ProcessedMessage
	OrderBooks     *OrderBooksData
	StopOrderBooks *OrderBooksData
	SequenceNumber *uint64
	MidPrices      []MidPrice
}

// IsEmpty reports whether a durable write can be skipped entirely.
func (d *PersistenceData) IsEmpty() bool {
	return (d.Balances == nil || d.Balances.IsEmpty()) &&
		d.Message == nil &&
		d.OrderBooks.isEmpty() &&
		d.StopOrderBooks.isEmpty() &&
		d.SequenceNumber == nil &&
		len(d.MidPrices) == 0
}

// IsOrdersEmpty reports whether the batch carries no order-book changes.
func (d *PersistenceData) IsOrdersEmpty() bool {
	return d.OrderBooks.isEmpty() && d.StopOrderBooks.isEmpty()
}

// Details renders a one-line summary of the batch for logs.
func (d *PersistenceData) Details() string {
	var wallets, balances int
	if d.Balances != nil {
		wallets = len(d.Balances.Wallets)
		balances = len(d.Balances.Balances)
	}
	save, remove := d.OrderBooks.counts()
	stopSave, stopRemove := d.StopOrderBooks.counts()
	seq := "-"
	if d.SequenceNumber != nil {
		seq = fmt.Sprintf("%d", *d.SequenceNumber)
	}
	msg := "-"
	if d.Message != nil {
		msg = d.Message.MessageID
	}
	return fmt.Sprintf("wallets: %d, balances: %d, orders save/remove: %d/%d, stop orders save/remove: %d/%d, mid prices: %d, sequence: %s, message: %s",
		wallets, balances, save, remove, stopSave, stopRemove, len(d.MidPrices), seq, msg)
}

// Builder assembles one PersistenceData. It never mutates its inputs; Build
// deep-copies every order and balance so concurrent mutation of the sources
// cannot corrupt an in-flight write.
type Builder struct {
	balances       *models.BalancesData
	message        *models.ProcessedMessage
	orderBooks     OrderBooksData
	stopOrderBooks OrderBooksData
	sequenceNumber *uint64
	midPrices      []MidPrice
}

func NewBuilder() *Builder {
	return &Builder{}
}

func (b *Builder) WithBalances(data *models.BalancesData) *Builder {
	b.balances = data
	return b
}

func (b *Builder) WithProcessedMessage(m models.ProcessedMessage) *Builder {
	b.message = &m
	return b
}

func (b *Builder) WithOrderDeltas(pair string, isBuy bool, save, remove []*models.LimitOrder) *Builder {
	b.orderBooks.Sides = append(b.orderBooks.Sides, BookSideDelta{
		Pair:           pair,
		IsBuy:          isBuy,
		OrdersToSave:   save,
		OrdersToRemove: remove,
	})
	return b
}

func (b *Builder) WithStopOrderDeltas(pair string, isBuy bool, save, remove []*models.LimitOrder) *Builder {
	b.stopOrderBooks.Sides = append(b.stopOrderBooks.Sides, BookSideDelta{
		Pair:           pair,
		IsBuy:          isBuy,
		OrdersToSave:   save,
		OrdersToRemove: remove,
	})
	return b
}

func (b *Builder) WithSequenceNumber(n uint64) *Builder {
	b.sequenceNumber = &n
	return b
}

func (b *Builder) WithMidPrice(pair string, price decimal.Decimal, ts time.Time) *Builder {
	b.midPrices = append(b.midPrices, MidPrice{Pair: pair, Price: price, Timestamp: ts})
	return b
}

// Build freezes the batch. The returned value shares nothing with the
// builder's inputs.
func (b *Builder) Build() *PersistenceData {
	data := &PersistenceData{
		Balances:       copyBalancesData(b.balances),
		OrderBooks:     copyBooks(b.orderBooks),
		StopOrderBooks: copyBooks(b.stopOrderBooks),
		MidPrices:      append([]MidPrice(nil), b.midPrices...),
	}
	if b.message != nil {
		m := *b.message
		data.Message = &m
	}
	if b.sequenceNumber != nil {
		n := *b.sequenceNumber
		data.SequenceNumber = &n
	}
	return data
}

func copyBalancesData(data *models.BalancesData) *models.BalancesData {
	if data == nil {
		return nil
	}
	out := &models.BalancesData{}
	for _, w := range data.Wallets {
		out.Wallets = append(out.Wallets, w.Copy())
	}
	for _, b := range data.Balances {
		out.Balances = append(out.Balances, b.Copy())
	}
	return out
}

func copyBooks(books OrderBooksData) *OrderBooksData {
	out := &OrderBooksData{}
	for _, side := range books.Sides {
		out.Sides = append(out.Sides, BookSideDelta{
			Pair:           side.Pair,
			IsBuy:          side.IsBuy,
			OrdersToSave:   copyOrders(side.OrdersToSave),
			OrdersToRemove: copyOrders(side.OrdersToRemove),
		})
	}
	return out
}

func copyOrders(orders []*models.LimitOrder) []*models.LimitOrder {
	if len(orders) == 0 {
		return nil
	}
	out := make([]*models.LimitOrder, len(orders))
	for i, o := range orders {
		out[i] = o.Copy()
	}
	return out
}
