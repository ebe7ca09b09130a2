// Package ledger owns the authoritative in-memory table of client balances
// and reserved amounts. All mutation goes through a copy-on-write
// MutationBuffer; the store itself only ever merges staged asset entries
// under its write lock, so concurrent readers never observe a half-applied
// operation.
package ledger

import (
	"sync"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/orbitcex/enginecore/pkg/models"
)

// Store is the authoritative map of client wallets.
type Store struct {
	mu      sync.RWMutex
	wallets map[string]*models.Wallet
	logger  *zap.Logger
}

// NewStore creates an empty ledger store.
func NewStore(logger *zap.Logger) *Store {
	return &Store{
		wallets: make(map[string]*models.Wallet),
		logger:  logger,
	}
}

// Balance returns the main balance for (clientID, assetID), or zero when the
// wallet or asset is unknown. No entry is created.
func (s *Store) Balance(clientID, assetID string) decimal.Decimal {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if w, ok := s.wallets[clientID]; ok {
		if b, ok := w.Balances[assetID]; ok {
			return b.Balance
		}
	}
	return decimal.Zero
}

// Reserved returns the reserved balance for (clientID, assetID), or zero when
// the wallet or asset is unknown.
func (s *Store) Reserved(clientID, assetID string) decimal.Decimal {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if w, ok := s.wallets[clientID]; ok {
		if b, ok := w.Balances[assetID]; ok {
			return b.Reserved
		}
	}
	return decimal.Zero
}

// Available returns balance minus the positive reserved portion.
func (s *Store) Available(clientID, assetID string) decimal.Decimal {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if w, ok := s.wallets[clientID]; ok {
		if b, ok := w.Balances[assetID]; ok {
			return b.Available()
		}
	}
	return decimal.Zero
}

// Wallet returns a deep copy of the client's wallet, or nil when unknown.
func (s *Store) Wallet(clientID string) *models.Wallet {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if w, ok := s.wallets[clientID]; ok {
		return w.Copy()
	}
	return nil
}

// EachBalance calls fn for every asset balance in the store, passing copies.
// Used by the reconciler to scan non-zero reserved entries.
func (s *Store) EachBalance(fn func(b models.AssetBalance)) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, w := range s.wallets {
		for _, b := range w.Balances {
			fn(*b)
		}
	}
}

// Begin opens a new mutation buffer against the current store state.
func (s *Store) Begin() *MutationBuffer {
	return &MutationBuffer{
		store:          s,
		stagedWallets:  make(map[string]*models.Wallet),
		stagedBalances: make(map[string]map[string]*models.AssetBalance),
	}
}

// applyBalances merges the staged (client, asset) entries into the live
// wallets under one write lock. Only the touched asset entries are replaced;
// balances committed concurrently on other assets of the same wallet stay
// intact. Only called from MutationBuffer.Commit.
func (s *Store) applyBalances(staged map[string]map[string]*models.AssetBalance) {
	s.mu.Lock()
	defer s.mu.Unlock()
	applied := 0
	for clientID, byAsset := range staged {
		w, ok := s.wallets[clientID]
		if !ok {
			w = models.NewWallet(clientID)
			s.wallets[clientID] = w
		}
		for assetID, b := range byAsset {
			w.Balances[assetID] = b.Copy()
			applied++
		}
	}
	s.logger.Debug("committed balance changes",
		zap.Int("clients", len(staged)),
		zap.Int("balances", applied))
}
