// Package admission gates batches of candidate limit orders before they
// reach matching. Trusted (market-maker) flow does not reserve funds in the
// ledger, so book-size thresholds here are its only risk control; ordinary
// clients are bounded by their reservations and skip the threshold checks.
package admission

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/orbitcex/enginecore/pkg/models"
)

var ordersRejected = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "enginecore",
	Subsystem: "admission",
	Name:      "orders_rejected_total",
	Help:      "Number of candidate orders rejected before matching.",
}, []string{"cause"})

// RejectionCause classifies why an order was filtered out of a batch.
type RejectionCause string

const (
	CauseMaxVolumeExceeded RejectionCause = "max_volume_exceeded"
	CauseMaxValueExceeded  RejectionCause = "max_value_exceeded"
	CauseNotSorted         RejectionCause = "not_sorted"

	// CauseNotEnoughFunds is emitted downstream when reserving funds for an
	// admitted order fails; it is never produced by the filter itself.
	CauseNotEnoughFunds RejectionCause = "not_enough_funds"
)

// Rejected pairs a filtered-out order with its cause.
type Rejected struct {
	Order *models.LimitOrder
	Cause RejectionCause
}

// Result partitions a batch into admitted and rejected orders, both in
// submission order.
type Result struct {
	Accepted []*models.LimitOrder
	Rejected []Rejected
}

// Limits caps the cumulative base volume and quote value a single batch may
// add to one side of a book. A zero field means unlimited.
type Limits struct {
	MaxVolume decimal.Decimal
	MaxValue  decimal.Decimal
}

// Filter applies per-pair batch limits and ordering checks. It is stateless
// across invocations; all state lives in the batch being examined.
type Filter struct {
	registry *models.AssetRegistry
	trusted  models.TrustedClients
	limits   map[string]Limits
	logger   *zap.Logger
}

func NewFilter(registry *models.AssetRegistry, trusted models.TrustedClients,
	limits map[string]Limits, logger *zap.Logger) *Filter {
	return &Filter{
		registry: registry,
		trusted:  trusted,
		limits:   limits,
		logger:   logger,
	}
}

// Admit filters one batch of same-side limit orders for one pair. Orders
// must arrive in matching-priority order (buys by descending price, sells by
// ascending); everything past the first out-of-order price is rejected as a
// block and never counts against the limits. Threshold checks apply to
// trusted clients only, and a rejected order does not consume budget, so a
// later smaller order may still fit.
func (f *Filter) Admit(clientID, pairID, side string, orders []*models.LimitOrder) (Result, error) {
	pair, err := f.registry.Pair(pairID)
	if err != nil {
		return Result{}, err
	}

	sortedPrefix := len(orders)
	for i := 1; i < len(orders); i++ {
		if priceOutOfOrder(side, orders[i-1].Price, orders[i].Price) {
			sortedPrefix = i
			break
		}
	}

	limits, haveLimits := f.limits[pairID]
	enforce := haveLimits && f.trusted.Contains(clientID)
	quoteScale := f.registry.Scale(pair.QuoteAssetID)

	var res Result
	cumVolume := decimal.Zero
	cumValue := decimal.Zero
	for _, o := range orders[:sortedPrefix] {
		if enforce {
			volume := cumVolume.Add(o.Volume)
			value := cumValue.Add(o.Volume.Mul(o.Price).RoundUp(quoteScale))
			if !limits.MaxVolume.IsZero() && volume.GreaterThan(limits.MaxVolume) {
				f.reject(&res, o, CauseMaxVolumeExceeded)
				continue
			}
			if !limits.MaxValue.IsZero() && value.GreaterThan(limits.MaxValue) {
				f.reject(&res, o, CauseMaxValueExceeded)
				continue
			}
			cumVolume = volume
			cumValue = value
		}
		res.Accepted = append(res.Accepted, o)
	}
	for _, o := range orders[sortedPrefix:] {
		f.reject(&res, o, CauseNotSorted)
	}
	return res, nil
}

func (f *Filter) reject(res *Result, o *models.LimitOrder, cause RejectionCause) {
	res.Rejected = append(res.Rejected, Rejected{Order: o, Cause: cause})
	ordersRejected.WithLabelValues(string(cause)).Inc()
	f.logger.Info("order rejected by admission filter",
		zap.String("order_id", o.ExternalID),
		zap.String("client_id", o.ClientID),
		zap.String("cause", string(cause)))
}

// priceOutOfOrder reports whether cur breaks matching priority relative to
// prev. Equal prices are in order on either side.
func priceOutOfOrder(side string, prev, cur decimal.Decimal) bool {
	if side == models.SideBuy {
		return cur.GreaterThan(prev)
	}
	return cur.LessThan(prev)
}
