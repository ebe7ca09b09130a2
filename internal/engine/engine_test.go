package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/orbitcex/enginecore/internal/admission"
	"github.com/orbitcex/enginecore/internal/dedup"
	"github.com/orbitcex/enginecore/internal/ledger"
	"github.com/orbitcex/enginecore/internal/orders"
	"github.com/orbitcex/enginecore/internal/persistence"
	"github.com/orbitcex/enginecore/pkg/models"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

type stubWriter struct {
	batches []*persistence.PersistenceData
	err     error
}

func (w *stubWriter) Persist(_ context.Context, data *persistence.PersistenceData) error {
	if w.err != nil {
		return w.err
	}
	w.batches = append(w.batches, data)
	return nil
}

type fixture struct {
	engine *Engine
	store  *ledger.Store
	index  *orders.Index
	writer *stubWriter
}

func newFixture(t *testing.T, trustedClients []string) *fixture {
	t.Helper()
	logger := zap.NewNop()
	registry := models.NewAssetRegistry(
		[]models.Asset{{ID: "EUR", Scale: 2}, {ID: "USD", Scale: 2}},
		[]models.AssetPair{{ID: "EURUSD", BaseAssetID: "EUR", QuoteAssetID: "USD"}},
	)
	trusted := models.NewTrustedClients(trustedClients)
	store := ledger.NewStore(logger)
	index := orders.NewIndex()
	cache := dedup.NewCache(time.Hour, nil, logger)
	filter := admission.NewFilter(registry, trusted, nil, logger)
	writer := &stubWriter{}
	manager := persistence.NewManager(writer, nil, logger)
	sequence := persistence.NewSequenceHolder(0)

	return &fixture{
		engine: New(store, registry, trusted, cache, filter, index, sequence, manager, logger),
		store:  store,
		index:  index,
		writer: writer,
	}
}

func (f *fixture) seed(t *testing.T, clientID, assetID, balance string) {
	t.Helper()
	buf := f.store.Begin()
	require.NoError(t, buf.SetBalance(clientID, assetID, dec(balance), time.Now()))
	require.NoError(t, buf.Commit())
}

func msg(id string) models.ProcessedMessage {
	return models.ProcessedMessage{Type: 3, MessageID: id, Timestamp: time.Now()}
}

func sellOrder(clientID, externalID, volume string) *models.LimitOrder {
	return &models.LimitOrder{
		ID:              uuid.New(),
		ExternalID:      externalID,
		ClientID:        clientID,
		Pair:            "EURUSD",
		Side:            models.SideSell,
		Price:           dec("1.1"),
		Volume:          dec(volume),
		RemainingVolume: dec(volume),
	}
}

func TestProcessCashOperationAppliesAndDedups(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	ops := []models.WalletOperation{
		{OperationID: uuid.NewString(), ClientID: "Client1", AssetID: "EUR", Amount: dec("10")},
	}
	updates, err := f.engine.ProcessCashOperation(ctx, msg("m1"), ops)
	require.NoError(t, err)
	require.Len(t, updates, 1)
	assert.True(t, f.store.Balance("Client1", "EUR").Equal(dec("10")))
	require.Len(t, f.writer.batches, 1)
	require.NotNil(t, f.writer.batches[0].Message)
	assert.Equal(t, "m1", f.writer.batches[0].Message.MessageID)

	_, err = f.engine.ProcessCashOperation(ctx, msg("m1"), ops)
	assert.ErrorIs(t, err, ErrDuplicateMessage)
	assert.True(t, f.store.Balance("Client1", "EUR").Equal(dec("10")))
}

func TestProcessCashOperationOverdraftCommitsNothing(t *testing.T) {
	f := newFixture(t, nil)

	ops := []models.WalletOperation{
		{OperationID: uuid.NewString(), ClientID: "Client1", AssetID: "EUR", Amount: dec("-5")},
	}
	_, err := f.engine.ProcessCashOperation(context.Background(), msg("m1"), ops)
	require.Error(t, err)
	assert.True(t, f.store.Balance("Client1", "EUR").IsZero())
	assert.Empty(t, f.writer.batches)

	// The failed message is not marked processed and may be retried.
	_, err = f.engine.ProcessCashOperation(context.Background(), msg("m1"), nil)
	assert.NoError(t, err)
}

func TestPlaceOrdersReservesFunds(t *testing.T) {
	f := newFixture(t, nil)
	f.seed(t, "Client1", "EUR", "10")

	batch := []*models.LimitOrder{
		sellOrder("Client1", "1", "2"),
		sellOrder("Client1", "2", "3"),
	}
	res, err := f.engine.PlaceOrders(context.Background(), msg("m1"), "Client1", "EURUSD", models.SideSell, batch)
	require.NoError(t, err)
	assert.Len(t, res.Accepted, 2)
	assert.Empty(t, res.Rejected)

	assert.True(t, f.store.Reserved("Client1", "EUR").Equal(dec("5")))
	assert.Equal(t, 2, f.index.Len())

	open, err := f.index.ListOpenOrders(context.Background(), "EURUSD")
	require.NoError(t, err)
	for _, o := range open {
		assert.Equal(t, OrderStatusInBook, o.Status)
		assert.False(t, o.ReservedVolume.IsZero())
	}
}

func TestPlaceOrdersTrustedSkipsReservation(t *testing.T) {
	f := newFixture(t, []string{"MM1"})

	batch := []*models.LimitOrder{sellOrder("MM1", "1", "2")}
	res, err := f.engine.PlaceOrders(context.Background(), msg("m1"), "MM1", "EURUSD", models.SideSell, batch)
	require.NoError(t, err)
	assert.Len(t, res.Accepted, 1)
	assert.True(t, f.store.Reserved("MM1", "EUR").IsZero())
	assert.Equal(t, 1, f.index.Len())
}

func TestPlaceOrdersRejectsUnfundedOrder(t *testing.T) {
	f := newFixture(t, nil)
	f.seed(t, "Client1", "EUR", "4")

	batch := []*models.LimitOrder{
		sellOrder("Client1", "1", "3"),
		sellOrder("Client1", "2", "3"),
	}
	res, err := f.engine.PlaceOrders(context.Background(), msg("m1"), "Client1", "EURUSD", models.SideSell, batch)
	require.NoError(t, err)
	require.Len(t, res.Accepted, 1)
	assert.Equal(t, "1", res.Accepted[0].ExternalID)
	require.Len(t, res.Rejected, 1)
	assert.Equal(t, admission.CauseNotEnoughFunds, res.Rejected[0].Cause)
	// Rejected orders leave without book status or a sequence number.
	assert.Equal(t, OrderStatusRejected, res.Rejected[0].Order.Status)
	assert.Zero(t, res.Rejected[0].Order.Sequence)

	assert.True(t, f.store.Reserved("Client1", "EUR").Equal(dec("3")))
	assert.Equal(t, 1, f.index.Len())
}

func TestPlaceOrdersBuyReservesQuoteValue(t *testing.T) {
	f := newFixture(t, nil)
	f.seed(t, "Client1", "USD", "100")

	buy := sellOrder("Client1", "1", "3")
	buy.Side = models.SideBuy
	buy.Price = dec("1.105")

	res, err := f.engine.PlaceOrders(context.Background(), msg("m1"), "Client1", "EURUSD", models.SideBuy, []*models.LimitOrder{buy})
	require.NoError(t, err)
	require.Len(t, res.Accepted, 1)
	// 3 * 1.105 = 3.315 rounded up at the quote scale.
	assert.True(t, f.store.Reserved("Client1", "USD").Equal(dec("3.32")))
}

func TestPlaceOrdersPersistFailureLeavesStateUntouched(t *testing.T) {
	f := newFixture(t, nil)
	f.seed(t, "Client1", "EUR", "10")
	f.writer.err = errors.New("redis down")

	batch := []*models.LimitOrder{sellOrder("Client1", "1", "2")}
	_, err := f.engine.PlaceOrders(context.Background(), msg("m1"), "Client1", "EURUSD", models.SideSell, batch)
	require.Error(t, err)

	assert.True(t, f.store.Reserved("Client1", "EUR").IsZero())
	assert.Equal(t, 0, f.index.Len())

	// Retry succeeds once the writer recovers.
	f.writer.err = nil
	_, err = f.engine.PlaceOrders(context.Background(), msg("m1"), "Client1", "EURUSD", models.SideSell, batch)
	assert.NoError(t, err)
}

func TestCancelOrderReleasesReservation(t *testing.T) {
	f := newFixture(t, nil)
	f.seed(t, "Client1", "EUR", "10")

	batch := []*models.LimitOrder{sellOrder("Client1", "1", "2")}
	res, err := f.engine.PlaceOrders(context.Background(), msg("m1"), "Client1", "EURUSD", models.SideSell, batch)
	require.NoError(t, err)
	orderID := res.Accepted[0].ID

	require.NoError(t, f.engine.CancelOrder(context.Background(), msg("m2"), orderID))
	assert.True(t, f.store.Reserved("Client1", "EUR").IsZero())
	assert.Equal(t, 0, f.index.Len())

	// The removal delta travels in the batch.
	last := f.writer.batches[len(f.writer.batches)-1]
	require.Len(t, last.OrderBooks.Sides, 1)
	require.Len(t, last.OrderBooks.Sides[0].OrdersToRemove, 1)
	assert.Equal(t, OrderStatusCancelled, last.OrderBooks.Sides[0].OrdersToRemove[0].Status)

	assert.ErrorIs(t, f.engine.CancelOrder(context.Background(), msg("m3"), orderID), ErrUnknownOrder)
}
