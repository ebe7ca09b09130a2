// Package reconciler recomputes reserved volumes from the open-order book
// and corrects drift in the ledger. The normal message path keeps
// reservations correct incrementally; this pass exists to self-heal after
// crashes or bugs, not to be the source of truth.
package reconciler

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/orbitcex/enginecore/internal/ledger"
	"github.com/orbitcex/enginecore/pkg/models"
)

var correctionsApplied = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "enginecore",
	Subsystem: "reconciler",
	Name:      "corrections_total",
	Help:      "Number of reserved-volume corrections written to the ledger.",
})

// OrderSource provides a read-only snapshot of open orders. An empty pair
// means all pairs.
type OrderSource interface {
	ListOpenOrders(ctx context.Context, pair string) ([]*models.LimitOrder, error)
}

// AuditSink records emitted corrections durably.
type AuditSink interface {
	RecordCorrections(ctx context.Context, corrections []models.ReservedVolumeCorrection) error
}

// clientOrdersReserved accumulates the reserved volume contributed by one
// client's open orders on one asset.
type clientOrdersReserved struct {
	volume   decimal.Decimal
	orderIDs []string
}

// Reconciler computes correct reserved volumes and writes corrections into
// the ledger store, one (client, asset) pair at a time.
type Reconciler struct {
	store    *ledger.Store
	registry *models.AssetRegistry
	trusted  models.TrustedClients
	audit    AuditSink
	sources  []OrderSource
	interval time.Duration
	logger   *zap.Logger
}

// New creates a reconciler over the given order sources (typically the limit
// and stop order books).
func New(store *ledger.Store, registry *models.AssetRegistry, trusted models.TrustedClients,
	audit AuditSink, interval time.Duration, logger *zap.Logger, sources ...OrderSource) *Reconciler {
	return &Reconciler{
		store:    store,
		registry: registry,
		trusted:  trusted,
		audit:    audit,
		sources:  sources,
		interval: interval,
		logger:   logger,
	}
}

// Run performs a reconciliation pass on the configured interval until ctx is
// done.
func (r *Reconciler) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := r.Recalculate(ctx); err != nil {
				r.logger.Error("reconciliation pass failed", zap.Error(err))
			}
		}
	}
}

// Recalculate performs one full pass: scan open orders, compare computed
// reserved volumes against the ledger, write corrections. A failure on one
// pair does not block the others; the returned corrections list covers
// everything detected.
func (r *Reconciler) Recalculate(ctx context.Context) ([]models.ReservedVolumeCorrection, error) {
	computed, err := r.scanOpenOrders(ctx)
	if err != nil {
		return nil, err
	}

	corrections := r.detectDrift(computed)
	if len(corrections) == 0 {
		return nil, nil
	}

	now := time.Now()
	for _, c := range corrections {
		buf := r.store.Begin()
		if err := buf.SetReserved(c.ClientID, c.AssetID, c.NewReserved, now); err != nil {
			r.logger.Error("unable to write reserved correction",
				zap.String("client_id", c.ClientID),
				zap.String("asset_id", c.AssetID),
				zap.String("new_reserved", c.NewReserved.String()),
				zap.Error(err))
			continue
		}
		if err := buf.Commit(); err != nil {
			r.logger.Error("unable to commit reserved correction",
				zap.String("client_id", c.ClientID),
				zap.String("asset_id", c.AssetID),
				zap.Error(err))
			continue
		}
		correctionsApplied.Inc()
		r.logger.Warn("corrected reserved volume",
			zap.String("client_id", c.ClientID),
			zap.String("asset_id", c.AssetID),
			zap.String("order_ids", c.OrderIDs),
			zap.String("old_reserved", c.OldReserved.String()),
			zap.String("new_reserved", c.NewReserved.String()))
	}

	if r.audit != nil {
		if err := r.audit.RecordCorrections(ctx, corrections); err != nil {
			r.logger.Error("unable to record corrections in audit sink", zap.Error(err))
		}
	}
	return corrections, nil
}

// scanOpenOrders builds client -> asset -> contributed reserved volume from
// every order source. Trusted clients are exempt and never contribute.
func (r *Reconciler) scanOpenOrders(ctx context.Context) (map[string]map[string]*clientOrdersReserved, error) {
	computed := make(map[string]map[string]*clientOrdersReserved)
	for _, src := range r.sources {
		open, err := src.ListOpenOrders(ctx, "")
		if err != nil {
			return nil, err
		}
		for _, o := range open {
			if r.trusted.Contains(o.ClientID) {
				continue
			}
			assetID, reserved, err := r.orderReservation(o)
			if err != nil {
				r.logger.Error("unable to handle order",
					zap.String("order_id", o.ExternalID),
					zap.Error(err))
				continue
			}
			byAsset, ok := computed[o.ClientID]
			if !ok {
				byAsset = make(map[string]*clientOrdersReserved)
				computed[o.ClientID] = byAsset
			}
			acc, ok := byAsset[assetID]
			if !ok {
				acc = &clientOrdersReserved{volume: decimal.Zero}
				byAsset[assetID] = acc
			}
			acc.volume = acc.volume.Add(reserved).Round(r.registry.Scale(assetID))
			acc.orderIDs = append(acc.orderIDs, o.ExternalID)
		}
	}
	return computed, nil
}

// orderReservation resolves the funding asset of an order and its reserved
// volume. Orders persisted without a reserved volume get it recomputed from
// their remaining volume.
func (r *Reconciler) orderReservation(o *models.LimitOrder) (string, decimal.Decimal, error) {
	pair, err := r.registry.Pair(o.Pair)
	if err != nil {
		return "", decimal.Zero, err
	}
	assetID := pair.BaseAssetID
	if o.IsBuy() {
		assetID = pair.QuoteAssetID
	}
	if !o.ReservedVolume.IsZero() {
		return assetID, o.ReservedVolume, nil
	}
	var reserved decimal.Decimal
	if o.IsBuy() {
		reserved = o.RemainingVolume.Mul(o.Price).Round(r.registry.Scale(assetID))
	} else {
		reserved = o.RemainingVolume
	}
	r.logger.Info("recalculated missing reserved volume",
		zap.String("order_id", o.ExternalID),
		zap.String("reserved", reserved.String()))
	return assetID, reserved, nil
}

// detectDrift compares computed reservations against the ledger over the
// union of both key sets and emits one correction per drifted pair. Trusted
// clients are forced to zero regardless of open orders.
func (r *Reconciler) detectDrift(computed map[string]map[string]*clientOrdersReserved) []models.ReservedVolumeCorrection {
	type pairKey struct{ clientID, assetID string }
	keys := make(map[pairKey]struct{})

	r.store.EachBalance(func(b models.AssetBalance) {
		if !b.Reserved.IsZero() {
			keys[pairKey{b.ClientID, b.AssetID}] = struct{}{}
		}
	})
	for clientID, byAsset := range computed {
		for assetID := range byAsset {
			keys[pairKey{clientID, assetID}] = struct{}{}
		}
	}

	ordered := make([]pairKey, 0, len(keys))
	for k := range keys {
		ordered = append(ordered, k)
	}
	sort.Slice(ordered, func(i, j int) bool {
		if ordered[i].clientID != ordered[j].clientID {
			return ordered[i].clientID < ordered[j].clientID
		}
		return ordered[i].assetID < ordered[j].assetID
	})

	var corrections []models.ReservedVolumeCorrection
	for _, k := range ordered {
		oldReserved := r.store.Reserved(k.clientID, k.assetID)
		newReserved := decimal.Zero
		var orderIDs []string
		if !r.trusted.Contains(k.clientID) {
			if acc, ok := computed[k.clientID][k.assetID]; ok {
				newReserved = acc.volume
				orderIDs = acc.orderIDs
			}
		}
		if oldReserved.Equal(newReserved) {
			continue
		}
		corrections = append(corrections, models.ReservedVolumeCorrection{
			ClientID:    k.clientID,
			AssetID:     k.assetID,
			OrderIDs:    strings.Join(orderIDs, ","),
			OldReserved: oldReserved,
			NewReserved: newReserved,
			CreatedAt:   time.Now(),
		})
	}
	return corrections
}
