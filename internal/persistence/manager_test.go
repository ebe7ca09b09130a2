package persistence

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/orbitcex/enginecore/pkg/models"
)

type stubWriter struct {
	persisted []*PersistenceData
	err       error
}

func (w *stubWriter) Persist(_ context.Context, data *PersistenceData) error {
	if w.err != nil {
		return w.err
	}
	w.persisted = append(w.persisted, data)
	return nil
}

type stubCommitter struct {
	committed bool
	err       error
}

func (c *stubCommitter) Commit() error {
	if c.err != nil {
		return c.err
	}
	c.committed = true
	return nil
}

func TestPersistAndCommitOrdersDurabilityFirst(t *testing.T) {
	writer := &stubWriter{}
	buf := &stubCommitter{}
	m := NewManager(writer, nil, zap.NewNop())

	data := NewBuilder().WithSequenceNumber(1).Build()
	require.NoError(t, m.PersistAndCommit(context.Background(), data, buf))
	assert.Len(t, writer.persisted, 1)
	assert.True(t, buf.committed)
}

func TestPersistFailureSkipsCommit(t *testing.T) {
	writer := &stubWriter{err: errors.New("redis down")}
	buf := &stubCommitter{}
	m := NewManager(writer, nil, zap.NewNop())

	data := NewBuilder().WithSequenceNumber(1).Build()
	err := m.PersistAndCommit(context.Background(), data, buf)
	assert.Error(t, err)
	assert.False(t, buf.committed)
}

func TestPersistAndCommitNilBuffer(t *testing.T) {
	writer := &stubWriter{}
	m := NewManager(writer, nil, zap.NewNop())
	data := NewBuilder().Build()
	assert.NoError(t, m.PersistAndCommit(context.Background(), data, nil))
}

func TestPersistAndCommitMirrorsBalances(t *testing.T) {
	sink := newTestSink(t)
	writer := &stubWriter{}
	buf := &stubCommitter{}
	m := NewManager(writer, sink, zap.NewNop())

	data := NewBuilder().
		WithBalances(&models.BalancesData{
			Balances: []*models.AssetBalance{
				{ClientID: "Client9", AssetID: "EUR", Balance: dec("5"), Reserved: dec("1")},
			},
		}).
		Build()
	require.NoError(t, m.PersistAndCommit(context.Background(), data, buf))
	assert.True(t, buf.committed)

	var count int64
	require.NoError(t, sink.db.Model(&WalletSnapshot{}).Where("client_id = ?", "Client9").Count(&count).Error)
	assert.Equal(t, int64(1), count)
}
