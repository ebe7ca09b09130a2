package ledger

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// ErrBufferPoisoned is returned by every call on a mutation buffer after one
// of its writes failed validation. The buffer must be discarded.
var ErrBufferPoisoned = errors.New("ledger: mutation buffer poisoned by failed validation")

// ErrBufferCommitted is returned when a buffer is used after Commit.
var ErrBufferCommitted = errors.New("ledger: mutation buffer already committed")

// Bounds reported by InvariantViolationError.
const (
	BoundNegativeBalance  = "balance < 0"
	BoundNegativeReserved = "reserved < 0"
	BoundReservedExceeds  = "reserved > balance"
)

// InvariantViolationError reports a staged write that would break the balance
// invariant 0 <= reserved <= balance. It identifies the client, the asset and
// the attempted values so the rejected operation can be diagnosed.
type InvariantViolationError struct {
	ClientID string
	AssetID  string
	Balance  decimal.Decimal
	Reserved decimal.Decimal
	Bound    string
}

func (e *InvariantViolationError) Error() string {
	return fmt.Sprintf("invalid balance (client=%s, asset=%s, balance=%s, reserved=%s): %s",
		e.ClientID, e.AssetID, e.Balance.String(), e.Reserved.String(), e.Bound)
}

func checkInvariant(clientID, assetID string, balance, reserved decimal.Decimal) error {
	var bound string
	switch {
	case balance.IsNegative():
		bound = BoundNegativeBalance
	case reserved.IsNegative():
		bound = BoundNegativeReserved
	case reserved.GreaterThan(balance):
		bound = BoundReservedExceeds
	default:
		return nil
	}
	return &InvariantViolationError{
		ClientID: clientID,
		AssetID:  assetID,
		Balance:  balance,
		Reserved: reserved,
		Bound:    bound,
	}
}
