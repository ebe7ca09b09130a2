package persistence

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// Committer is the commit side of a ledger mutation buffer.
type Committer interface {
	Commit() error
}

// Writer applies one batch durably.
type Writer interface {
	Persist(ctx context.Context, data *PersistenceData) error
}

// Manager orders durability against ledger visibility: a batch is persisted
// first and the staged wallets committed only after the write succeeds, so a
// crash between the two leaves a persisted-but-unapplied message that the
// dedup cache rejects on replay instead of an applied-but-unpersisted one
// that is silently lost.
type Manager struct {
	writer    Writer
	secondary *GormAuditSink
	logger    *zap.Logger
}

// NewManager creates a manager. secondary may be nil; when present, changed
// balances are mirrored there after each successful write.
func NewManager(writer Writer, secondary *GormAuditSink, logger *zap.Logger) *Manager {
	return &Manager{writer: writer, secondary: secondary, logger: logger}
}

// PersistAndCommit writes the batch and then commits the buffer. A nil
// buffer means the operation changed no balances. The secondary mirror is
// best effort and never fails the operation.
func (m *Manager) PersistAndCommit(ctx context.Context, data *PersistenceData, buf Committer) error {
	if err := m.writer.Persist(ctx, data); err != nil {
		return err
	}
	if buf != nil {
		if err := buf.Commit(); err != nil {
			return fmt.Errorf("commit after persist: %w", err)
		}
	}
	if m.secondary != nil && data.Balances != nil && len(data.Balances.Balances) > 0 {
		if err := m.secondary.SaveWalletSnapshots(ctx, data.Balances.Balances); err != nil {
			m.logger.Error("unable to mirror balances to secondary store", zap.Error(err))
		}
	}
	return nil
}
