package ledger

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/orbitcex/enginecore/pkg/models"
)

// MutationBuffer is a transactional staging area for one logical operation.
// The first touch of a (client, asset) pair deep-copies the wallet out of the
// store; all writes land on the private copy and become visible only on
// Commit. A write that fails invariant validation poisons the buffer: nothing
// it staged will ever commit.
//
// A buffer is not safe for concurrent use; the caller's sequencing guarantees
// at most one operation per client at a time.
type MutationBuffer struct {
	store          *Store
	stagedWallets  map[string]*models.Wallet
	stagedBalances map[string]map[string]*models.AssetBalance
	err            error
	committed      bool
}

// SetBalance stages a new main balance for (clientID, assetID).
func (m *MutationBuffer) SetBalance(clientID, assetID string, value decimal.Decimal, ts time.Time) error {
	b, err := m.usable(clientID, assetID)
	if err != nil {
		return err
	}
	if err := checkInvariant(clientID, assetID, value, b.Reserved); err != nil {
		m.err = err
		return err
	}
	b.Balance = value
	b.UpdatedAt = ts
	return nil
}

// SetReserved stages a new reserved balance for (clientID, assetID).
func (m *MutationBuffer) SetReserved(clientID, assetID string, value decimal.Decimal, ts time.Time) error {
	b, err := m.usable(clientID, assetID)
	if err != nil {
		return err
	}
	if err := checkInvariant(clientID, assetID, b.Balance, value); err != nil {
		m.err = err
		return err
	}
	b.Reserved = value
	b.UpdatedAt = ts
	return nil
}

// Balance reads through the buffer: staged value if the pair was touched,
// otherwise the store's current value.
func (m *MutationBuffer) Balance(clientID, assetID string) decimal.Decimal {
	if byAsset, ok := m.stagedBalances[clientID]; ok {
		if b, ok := byAsset[assetID]; ok {
			return b.Balance
		}
	}
	return m.store.Balance(clientID, assetID)
}

// Reserved reads through the buffer like Balance.
func (m *MutationBuffer) Reserved(clientID, assetID string) decimal.Decimal {
	if byAsset, ok := m.stagedBalances[clientID]; ok {
		if b, ok := byAsset[assetID]; ok {
			return b.Reserved
		}
	}
	return m.store.Reserved(clientID, assetID)
}

// Available reads the spendable balance through the buffer.
func (m *MutationBuffer) Available(clientID, assetID string) decimal.Decimal {
	balance := m.Balance(clientID, assetID)
	reserved := m.Reserved(clientID, assetID)
	if reserved.IsPositive() {
		return balance.Sub(reserved)
	}
	return balance
}

// Snapshot produces an immutable deep-copied projection of everything the
// buffer has touched so far. The persistence batch is built from this, so the
// persisted view matches exactly what Commit will apply.
func (m *MutationBuffer) Snapshot() *models.BalancesData {
	data := &models.BalancesData{}
	for _, w := range m.stagedWallets {
		data.Wallets = append(data.Wallets, w.Copy())
	}
	for _, byAsset := range m.stagedBalances {
		for _, b := range byAsset {
			data.Balances = append(data.Balances, b.Copy())
		}
	}
	return data
}

// Commit atomically merges the touched (client, asset) entries into the
// store. Either every staged entry becomes visible or none does. Entries the
// buffer never touched are left alone, so a commit cannot undo a balance
// another operation committed on a different asset in the meantime. Commit
// fails if any staged write was rejected.
func (m *MutationBuffer) Commit() error {
	if m.err != nil {
		return ErrBufferPoisoned
	}
	if m.committed {
		return ErrBufferCommitted
	}
	m.committed = true
	if len(m.stagedBalances) == 0 {
		return nil
	}
	m.store.applyBalances(m.stagedBalances)
	return nil
}

// usable returns the staged balance entry for the pair, copying the wallet on
// first touch, or fails when the buffer is no longer usable.
func (m *MutationBuffer) usable(clientID, assetID string) (*models.AssetBalance, error) {
	if m.err != nil {
		return nil, ErrBufferPoisoned
	}
	if m.committed {
		return nil, ErrBufferCommitted
	}
	wallet, ok := m.stagedWallets[clientID]
	if !ok {
		if orig := m.store.Wallet(clientID); orig != nil {
			wallet = orig
		} else {
			wallet = models.NewWallet(clientID)
		}
		m.stagedWallets[clientID] = wallet
	}
	byAsset, ok := m.stagedBalances[clientID]
	if !ok {
		byAsset = make(map[string]*models.AssetBalance)
		m.stagedBalances[clientID] = byAsset
	}
	b, ok := byAsset[assetID]
	if !ok {
		b = wallet.Balance(assetID)
		byAsset[assetID] = b
	}
	return b, nil
}
