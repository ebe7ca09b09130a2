package ledger

import (
	"fmt"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/orbitcex/enginecore/pkg/models"
)

// Processor applies a batch of wallet operations (signed balance and reserved
// deltas) to a mutation buffer, rounding to the asset's scale and collecting
// before/after updates for notification. Reserved movements of trusted
// clients are skipped: their reservation accounting is exempt.
type Processor struct {
	buf      *MutationBuffer
	registry *models.AssetRegistry
	trusted  models.TrustedClients
	logger   *zap.Logger
	updates  map[string]*models.ClientBalanceUpdate
}

// NewProcessor wraps buf for wallet-operation processing.
func NewProcessor(buf *MutationBuffer, registry *models.AssetRegistry, trusted models.TrustedClients, logger *zap.Logger) *Processor {
	return &Processor{
		buf:      buf,
		registry: registry,
		trusted:  trusted,
		logger:   logger,
		updates:  make(map[string]*models.ClientBalanceUpdate),
	}
}

// Buffer exposes the underlying mutation buffer for snapshot and commit.
func (p *Processor) Buffer() *MutationBuffer {
	return p.buf
}

// PreProcess stages all operations. Amounts accumulate with half-up rounding
// at the asset's scale. The first operation that would break the balance
// invariant fails the whole batch and leaves the buffer unusable.
func (p *Processor) PreProcess(ops []models.WalletOperation) error {
	for _, op := range ops {
		if p.isTrustedReservedOnly(op) {
			p.logger.Debug("skipping reserved movement of trusted client",
				zap.String("operation_id", op.OperationID),
				zap.String("client_id", op.ClientID))
			continue
		}
		scale := p.registry.Scale(op.AssetID)

		oldBalance := p.buf.Balance(op.ClientID, op.AssetID)
		oldReserved := p.buf.Reserved(op.ClientID, op.AssetID)

		newBalance := oldBalance.Add(op.Amount).Round(scale)
		newReserved := oldReserved
		if !p.trusted.Contains(op.ClientID) {
			newReserved = oldReserved.Add(op.ReservedAmount).Round(scale)
		}

		if err := p.apply(op, oldBalance, newBalance, newReserved); err != nil {
			p.logger.Error("wallet operation failed",
				zap.String("operation_id", op.OperationID),
				zap.String("client_id", op.ClientID),
				zap.String("asset_id", op.AssetID),
				zap.Error(err))
			return fmt.Errorf("operation %s: %w", op.OperationID, err)
		}
		p.recordUpdate(op.ClientID, op.AssetID, oldBalance, newBalance, oldReserved, newReserved)
	}
	return nil
}

// Updates returns the accumulated net balance updates. Pairs whose balance
// and reserved both returned to their original values are dropped.
func (p *Processor) Updates() []models.ClientBalanceUpdate {
	out := make([]models.ClientBalanceUpdate, 0, len(p.updates))
	for _, u := range p.updates {
		out = append(out, *u)
	}
	return out
}

// apply stages the pair's new values in an order that keeps the intermediate
// state valid: balance first when it grows, reserved first when it shrinks.
func (p *Processor) apply(op models.WalletOperation, oldBalance, newBalance, newReserved decimal.Decimal) error {
	if newBalance.GreaterThanOrEqual(oldBalance) {
		if err := p.buf.SetBalance(op.ClientID, op.AssetID, newBalance, op.Timestamp); err != nil {
			return err
		}
		return p.buf.SetReserved(op.ClientID, op.AssetID, newReserved, op.Timestamp)
	}
	if err := p.buf.SetReserved(op.ClientID, op.AssetID, newReserved, op.Timestamp); err != nil {
		return err
	}
	return p.buf.SetBalance(op.ClientID, op.AssetID, newBalance, op.Timestamp)
}

func (p *Processor) isTrustedReservedOnly(op models.WalletOperation) bool {
	return p.trusted.Contains(op.ClientID) && op.Amount.IsZero() && !op.ReservedAmount.IsZero()
}

func (p *Processor) recordUpdate(clientID, assetID string, oldBalance, newBalance, oldReserved, newReserved decimal.Decimal) {
	key := clientID + "_" + assetID
	u, ok := p.updates[key]
	if !ok {
		u = &models.ClientBalanceUpdate{
			ClientID:    clientID,
			AssetID:     assetID,
			OldBalance:  oldBalance,
			OldReserved: oldReserved,
		}
		p.updates[key] = u
	}
	u.NewBalance = newBalance
	u.NewReserved = newReserved
	if u.OldBalance.Equal(u.NewBalance) && u.OldReserved.Equal(u.NewReserved) {
		delete(p.updates, key)
	}
}
