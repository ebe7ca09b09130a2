// Package models contains the core data types shared by the engine
// consistency components: wallets and asset balances, open limit orders,
// processed-message records and reservation corrections.
package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Order sides as stored on LimitOrder.Side.
const (
	SideBuy  = "buy"
	SideSell = "sell"
)

// Asset describes a tradable asset and the decimal scale its amounts are
// rounded to.
type Asset struct {
	ID    string `json:"id" yaml:"id"`
	Scale int32  `json:"scale" yaml:"scale"`
}

// AssetPair describes a trading pair in terms of its base and quote assets.
type AssetPair struct {
	ID           string `json:"id" yaml:"id"`
	BaseAssetID  string `json:"base_asset_id" yaml:"base_asset_id"`
	QuoteAssetID string `json:"quote_asset_id" yaml:"quote_asset_id"`
}

// LimitOrder is the engine's view of an open limit order. Volume and
// RemainingVolume are always positive; the direction lives in Side.
// ReservedVolume is the amount of the funding asset held against the order,
// zero when the order predates reservation tracking.
type LimitOrder struct {
	ID              uuid.UUID       `json:"id"`
	ExternalID      string          `json:"external_id"`
	ClientID        string          `json:"client_id"`
	Pair            string          `json:"pair"`
	Side            string          `json:"side"`
	Price           decimal.Decimal `json:"price"`
	Volume          decimal.Decimal `json:"volume"`
	RemainingVolume decimal.Decimal `json:"remaining_volume"`
	ReservedVolume  decimal.Decimal `json:"reserved_volume"`
	Status          string          `json:"status"`
	CreatedAt       time.Time       `json:"created_at"`
	Sequence        uint64          `json:"sequence"`
}

// IsBuy reports whether the order sits on the bid side.
func (o *LimitOrder) IsBuy() bool {
	return o.Side == SideBuy
}

// Copy returns an independent copy of the order.
func (o *LimitOrder) Copy() *LimitOrder {
	c := *o
	return &c
}

// ProcessedMessage identifies one inbound message that has been accepted for
// processing. Held in the dedup cache and persisted alongside the operation
// that consumed it.
type ProcessedMessage struct {
	Type      byte      `json:"type"`
	MessageID string    `json:"message_id"`
	Timestamp time.Time `json:"timestamp"`
}

// ReservedVolumeCorrection is the audit record emitted when the reconciler
// finds a reserved balance that disagrees with the open-order book.
type ReservedVolumeCorrection struct {
	ID          uint            `gorm:"primaryKey" json:"id"`
	ClientID    string          `gorm:"index" json:"client_id"`
	AssetID     string          `gorm:"index" json:"asset_id"`
	OrderIDs    string          `json:"order_ids"`
	OldReserved decimal.Decimal `gorm:"type:numeric" json:"old_reserved"`
	NewReserved decimal.Decimal `gorm:"type:numeric" json:"new_reserved"`
	CreatedAt   time.Time       `json:"created_at"`
}

// ClientBalanceUpdate records the before/after view of one asset balance
// touched by an operation, for notification and audit purposes.
type ClientBalanceUpdate struct {
	ClientID    string          `json:"client_id"`
	AssetID     string          `json:"asset_id"`
	OldBalance  decimal.Decimal `json:"old_balance"`
	NewBalance  decimal.Decimal `json:"new_balance"`
	OldReserved decimal.Decimal `json:"old_reserved"`
	NewReserved decimal.Decimal `json:"new_reserved"`
}

// WalletOperation is a single signed balance movement: Amount is applied to
// the main balance, ReservedAmount to the reserved portion.
type WalletOperation struct {
	OperationID    string          `json:"operation_id"`
	ClientID       string          `json:"client_id"`
	AssetID        string          `json:"asset_id"`
	Amount         decimal.Decimal `json:"amount"`
	ReservedAmount decimal.Decimal `json:"reserved_amount"`
	Timestamp      time.Time       `json:"timestamp"`
}

// TrustedClients is the set of client IDs exempt from ordinary reservation
// accounting (market makers, internal accounts).
type TrustedClients map[string]struct{}

// NewTrustedClients builds the set from a list of client IDs.
func NewTrustedClients(ids []string) TrustedClients {
	s := make(TrustedClients, len(ids))
	for _, id := range ids {
		s[id] = struct{}{}
	}
	return s
}

// Contains reports whether clientID is trusted.
func (t TrustedClients) Contains(clientID string) bool {
	_, ok := t[clientID]
	return ok
}
