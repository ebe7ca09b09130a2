package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// AssetBalance holds one client's balance in one asset. Reserved is the
// portion held against open orders. Balances are never deleted, only zeroed.
type AssetBalance struct {
	ClientID  string          `json:"client_id"`
	AssetID   string          `json:"asset_id"`
	Balance   decimal.Decimal `json:"balance"`
	Reserved  decimal.Decimal `json:"reserved"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Copy returns an independent copy of the balance.
func (b *AssetBalance) Copy() *AssetBalance {
	c := *b
	return &c
}

// Available is the spendable portion of the balance.
func (b *AssetBalance) Available() decimal.Decimal {
	if b.Reserved.IsPositive() {
		return b.Balance.Sub(b.Reserved)
	}
	return b.Balance
}

// Wallet is a client's full set of asset balances, keyed by asset ID.
// Wallets are owned by the ledger store; mutation happens on deep copies
// staged in a MutationBuffer.
type Wallet struct {
	ClientID string                   `json:"client_id"`
	Balances map[string]*AssetBalance `json:"balances"`
}

// NewWallet creates an empty wallet for clientID.
func NewWallet(clientID string) *Wallet {
	return &Wallet{
		ClientID: clientID,
		Balances: make(map[string]*AssetBalance),
	}
}

// Balance returns the asset balance entry, creating it on first touch.
func (w *Wallet) Balance(assetID string) *AssetBalance {
	b, ok := w.Balances[assetID]
	if !ok {
		b = &AssetBalance{ClientID: w.ClientID, AssetID: assetID}
		w.Balances[assetID] = b
	}
	return b
}

// SetBalance sets the main balance for assetID, creating the entry if absent.
func (w *Wallet) SetBalance(assetID string, balance decimal.Decimal, ts time.Time) {
	b := w.Balance(assetID)
	b.Balance = balance
	b.UpdatedAt = ts
}

// SetReserved sets the reserved balance for assetID, creating the entry if
// absent.
func (w *Wallet) SetReserved(assetID string, reserved decimal.Decimal, ts time.Time) {
	b := w.Balance(assetID)
	b.Reserved = reserved
	b.UpdatedAt = ts
}

// Copy deep-copies the wallet, including every asset balance.
func (w *Wallet) Copy() *Wallet {
	c := NewWallet(w.ClientID)
	for assetID, b := range w.Balances {
		c.Balances[assetID] = b.Copy()
	}
	return c
}

// BalancesData is the persistence projection of one operation's balance
// changes: the full changed wallets plus the individual changed balances.
// It never aliases live ledger state.
type BalancesData struct {
	Wallets  []*Wallet       `json:"wallets"`
	Balances []*AssetBalance `json:"balances"`
}

// IsEmpty reports whether the projection carries no changes.
func (d *BalancesData) IsEmpty() bool {
	return d == nil || (len(d.Wallets) == 0 && len(d.Balances) == 0)
}
