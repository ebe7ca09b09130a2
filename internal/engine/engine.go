// Package engine ties the consistency core together: one call here is one
// logical operation, deduplicated, staged against the ledger, persisted as a
// single batch, and only then made visible.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/orbitcex/enginecore/internal/admission"
	"github.com/orbitcex/enginecore/internal/dedup"
	"github.com/orbitcex/enginecore/internal/ledger"
	"github.com/orbitcex/enginecore/internal/orders"
	"github.com/orbitcex/enginecore/internal/persistence"
	"github.com/orbitcex/enginecore/pkg/models"
)

// ErrDuplicateMessage marks a message already applied within the dedup
// window. The caller should acknowledge it without reprocessing.
var ErrDuplicateMessage = errors.New("message already processed")

// ErrUnknownOrder is returned by Cancel for ids not in the open set.
var ErrUnknownOrder = errors.New("unknown order")

const (
	OrderStatusInBook    = "in_book"
	OrderStatusCancelled = "cancelled"
	OrderStatusRejected  = "rejected"
)

type Engine struct {
	store    *ledger.Store
	registry *models.AssetRegistry
	trusted  models.TrustedClients
	cache    *dedup.Cache
	filter   *admission.Filter
	index    *orders.Index
	sequence *persistence.SequenceHolder
	manager  *persistence.Manager
	logger   *zap.Logger
}

func New(store *ledger.Store, registry *models.AssetRegistry, trusted models.TrustedClients,
	cache *dedup.Cache, filter *admission.Filter, index *orders.Index,
	sequence *persistence.SequenceHolder, manager *persistence.Manager, logger *zap.Logger) *Engine {
	return &Engine{
		store:    store,
		registry: registry,
		trusted:  trusted,
		cache:    cache,
		filter:   filter,
		index:    index,
		sequence: sequence,
		manager:  manager,
		logger:   logger,
	}
}

// Orders gives read access to the open-order set, e.g. as the reconciler's
// order source.
func (e *Engine) Orders() *orders.Index {
	return e.index
}

// ProcessCashOperation applies one message's balance deltas. Nothing becomes
// visible in the ledger unless the whole batch persists first.
func (e *Engine) ProcessCashOperation(ctx context.Context, msg models.ProcessedMessage, ops []models.WalletOperation) ([]models.ClientBalanceUpdate, error) {
	if e.cache.IsProcessed(msg.Type, msg.MessageID) {
		return nil, ErrDuplicateMessage
	}

	buf := e.store.Begin()
	proc := ledger.NewProcessor(buf, e.registry, e.trusted, e.logger)
	if err := proc.PreProcess(ops); err != nil {
		return nil, fmt.Errorf("process message %s: %w", msg.MessageID, err)
	}

	data := persistence.NewBuilder().
		WithBalances(buf.Snapshot()).
		WithProcessedMessage(msg).
		WithSequenceNumber(e.sequence.Next()).
		Build()
	if err := e.manager.PersistAndCommit(ctx, data, buf); err != nil {
		return nil, err
	}
	e.cache.Add(msg)
	return proc.Updates(), nil
}

// PlaceOrders admits a batch of same-side limit orders for one client,
// reserves funds for the admitted untrusted ones, and persists book and
// balance changes together. Orders whose reservation fails move to the
// rejected list with a funds cause.
func (e *Engine) PlaceOrders(ctx context.Context, msg models.ProcessedMessage, clientID, pairID, side string, batch []*models.LimitOrder) (admission.Result, error) {
	if e.cache.IsProcessed(msg.Type, msg.MessageID) {
		return admission.Result{}, ErrDuplicateMessage
	}

	res, err := e.filter.Admit(clientID, pairID, side, batch)
	if err != nil {
		return admission.Result{}, err
	}

	pair, err := e.registry.Pair(pairID)
	if err != nil {
		return admission.Result{}, err
	}

	now := time.Now()
	buf := e.store.Begin()
	reserveFunds := !e.trusted.Contains(clientID)

	admitted := res.Accepted[:0]
	for _, o := range res.Accepted {
		if reserveFunds {
			assetID, reserved := orderReservation(e.registry, pair, o)
			newReserved := buf.Reserved(clientID, assetID).Add(reserved)
			// Checked before staging: a rejected write would poison the
			// buffer and take the whole batch down with it.
			if newReserved.GreaterThan(buf.Balance(clientID, assetID)) {
				e.logger.Info("order rejected for funds",
					zap.String("order_id", o.ExternalID),
					zap.String("client_id", clientID),
					zap.String("reserved", reserved.String()))
				o.Status = OrderStatusRejected
				res.Rejected = append(res.Rejected, admission.Rejected{Order: o, Cause: admission.CauseNotEnoughFunds})
				continue
			}
			if err := buf.SetReserved(clientID, assetID, newReserved, now); err != nil {
				return admission.Result{}, err
			}
			o.ReservedVolume = reserved
		}
		o.Status = OrderStatusInBook
		o.Sequence = e.sequence.Next()
		admitted = append(admitted, o)
	}
	res.Accepted = admitted

	data := persistence.NewBuilder().
		WithBalances(buf.Snapshot()).
		WithProcessedMessage(msg).
		WithOrderDeltas(pairID, side == models.SideBuy, res.Accepted, nil).
		WithSequenceNumber(e.sequence.Current()).
		Build()
	if err := e.manager.PersistAndCommit(ctx, data, buf); err != nil {
		return admission.Result{}, err
	}

	for _, o := range res.Accepted {
		e.index.Upsert(o)
	}
	e.cache.Add(msg)
	return res, nil
}

// CancelOrder removes an open order and releases its reservation.
func (e *Engine) CancelOrder(ctx context.Context, msg models.ProcessedMessage, orderID uuid.UUID) error {
	if e.cache.IsProcessed(msg.Type, msg.MessageID) {
		return ErrDuplicateMessage
	}
	o := e.index.Get(orderID)
	if o == nil {
		return ErrUnknownOrder
	}

	buf := e.store.Begin()
	if !e.trusted.Contains(o.ClientID) && !o.ReservedVolume.IsZero() {
		pair, err := e.registry.Pair(o.Pair)
		if err != nil {
			return err
		}
		assetID := pair.BaseAssetID
		if o.IsBuy() {
			assetID = pair.QuoteAssetID
		}
		newReserved := buf.Reserved(o.ClientID, assetID).Sub(o.ReservedVolume)
		if newReserved.IsNegative() {
			newReserved = decimal.Zero
		}
		if err := buf.SetReserved(o.ClientID, assetID, newReserved, time.Now()); err != nil {
			return fmt.Errorf("release reservation for order %s: %w", o.ExternalID, err)
		}
	}

	o.Status = OrderStatusCancelled
	data := persistence.NewBuilder().
		WithBalances(buf.Snapshot()).
		WithProcessedMessage(msg).
		WithOrderDeltas(o.Pair, o.IsBuy(), nil, []*models.LimitOrder{o}).
		WithSequenceNumber(e.sequence.Next()).
		Build()
	if err := e.manager.PersistAndCommit(ctx, data, buf); err != nil {
		return err
	}

	e.index.Remove(orderID)
	e.cache.Add(msg)
	return nil
}

// orderReservation computes the funding asset and hold for one order: base
// volume for sells, quote value rounded up at the quote scale for buys.
func orderReservation(registry *models.AssetRegistry, pair models.AssetPair, o *models.LimitOrder) (string, decimal.Decimal) {
	if o.IsBuy() {
		scale := registry.Scale(pair.QuoteAssetID)
		return pair.QuoteAssetID, o.RemainingVolume.Mul(o.Price).RoundUp(scale)
	}
	return pair.BaseAssetID, o.RemainingVolume
}
