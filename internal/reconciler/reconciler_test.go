package reconciler

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/orbitcex/enginecore/internal/ledger"
	"github.com/orbitcex/enginecore/pkg/models"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

type stubSource struct {
	orders []*models.LimitOrder
}

func (s *stubSource) ListOpenOrders(context.Context, string) ([]*models.LimitOrder, error) {
	return s.orders, nil
}

type stubAudit struct {
	recorded []models.ReservedVolumeCorrection
}

func (s *stubAudit) RecordCorrections(_ context.Context, corrections []models.ReservedVolumeCorrection) error {
	s.recorded = append(s.recorded, corrections...)
	return nil
}

func testRegistry() *models.AssetRegistry {
	return models.NewAssetRegistry(
		[]models.Asset{{ID: "EUR", Scale: 2}, {ID: "USD", Scale: 2}},
		[]models.AssetPair{{ID: "EURUSD", BaseAssetID: "EUR", QuoteAssetID: "USD"}},
	)
}

func sellOrder(clientID, externalID, reserved string, seq uint64) *models.LimitOrder {
	return &models.LimitOrder{
		ID:              uuid.New(),
		ExternalID:      externalID,
		ClientID:        clientID,
		Pair:            "EURUSD",
		Side:            models.SideSell,
		Price:           dec("1.1"),
		Volume:          dec(reserved),
		RemainingVolume: dec(reserved),
		ReservedVolume:  dec(reserved),
		Sequence:        seq,
	}
}

func seed(t *testing.T, store *ledger.Store, clientID, assetID, balance, reserved string) {
	t.Helper()
	buf := store.Begin()
	require.NoError(t, buf.SetBalance(clientID, assetID, dec(balance), time.Now()))
	require.NoError(t, buf.SetReserved(clientID, assetID, dec(reserved), time.Now()))
	require.NoError(t, buf.Commit())
}

func TestRecalculateCorrectsDrift(t *testing.T) {
	store := ledger.NewStore(zap.NewNop())
	seed(t, store, "Client1", "EUR", "3.0", "3.0")

	src := &stubSource{orders: []*models.LimitOrder{
		sellOrder("Client1", "1", "0.4", 1),
		sellOrder("Client1", "2", "0.3", 2),
	}}
	audit := &stubAudit{}
	r := New(store, testRegistry(), models.NewTrustedClients(nil), audit, time.Minute, zap.NewNop(), src)

	corrections, err := r.Recalculate(context.Background())
	require.NoError(t, err)
	require.Len(t, corrections, 1)

	c := corrections[0]
	assert.Equal(t, "Client1", c.ClientID)
	assert.Equal(t, "EUR", c.AssetID)
	assert.Equal(t, "1,2", c.OrderIDs)
	assert.True(t, c.OldReserved.Equal(dec("3.0")))
	assert.True(t, c.NewReserved.Equal(dec("0.7")))

	assert.True(t, store.Reserved("Client1", "EUR").Equal(dec("0.7")))
	assert.Len(t, audit.recorded, 1)
}

func TestRecalculateZeroesReservedWithoutOpenOrders(t *testing.T) {
	store := ledger.NewStore(zap.NewNop())
	seed(t, store, "Client1", "EUR", "5", "2")

	r := New(store, testRegistry(), models.NewTrustedClients(nil), nil, time.Minute, zap.NewNop(), &stubSource{})

	corrections, err := r.Recalculate(context.Background())
	require.NoError(t, err)
	require.Len(t, corrections, 1)
	assert.Empty(t, corrections[0].OrderIDs)
	assert.True(t, corrections[0].NewReserved.IsZero())
	assert.True(t, store.Reserved("Client1", "EUR").IsZero())
}

func TestRecalculateForcesTrustedClientToZero(t *testing.T) {
	store := ledger.NewStore(zap.NewNop())
	seed(t, store, "MM1", "EUR", "10", "4")

	// The trusted client has open orders that would imply a reservation.
	src := &stubSource{orders: []*models.LimitOrder{
		sellOrder("MM1", "7", "4", 1),
	}}
	r := New(store, testRegistry(), models.NewTrustedClients([]string{"MM1"}), nil, time.Minute, zap.NewNop(), src)

	corrections, err := r.Recalculate(context.Background())
	require.NoError(t, err)
	require.Len(t, corrections, 1)
	assert.True(t, corrections[0].NewReserved.IsZero())
	assert.True(t, store.Reserved("MM1", "EUR").IsZero())
	assert.True(t, store.Balance("MM1", "EUR").Equal(dec("10")))
}

func TestRecalculateNoDriftNoCorrections(t *testing.T) {
	store := ledger.NewStore(zap.NewNop())
	seed(t, store, "Client1", "EUR", "3", "0.7")

	src := &stubSource{orders: []*models.LimitOrder{
		sellOrder("Client1", "1", "0.4", 1),
		sellOrder("Client1", "2", "0.3", 2),
	}}
	r := New(store, testRegistry(), models.NewTrustedClients(nil), nil, time.Minute, zap.NewNop(), src)

	corrections, err := r.Recalculate(context.Background())
	require.NoError(t, err)
	assert.Empty(t, corrections)
}

func TestRecalculatePartialProgressOnWriteFailure(t *testing.T) {
	store := ledger.NewStore(zap.NewNop())
	// Client1's computed reservation exceeds its balance: that write must
	// fail validation without blocking Client2's correction.
	seed(t, store, "Client1", "EUR", "0.5", "0.1")
	seed(t, store, "Client2", "EUR", "9", "9")

	src := &stubSource{orders: []*models.LimitOrder{
		sellOrder("Client1", "1", "2", 1),
		sellOrder("Client2", "2", "1", 2),
	}}
	r := New(store, testRegistry(), models.NewTrustedClients(nil), nil, time.Minute, zap.NewNop(), src)

	corrections, err := r.Recalculate(context.Background())
	require.NoError(t, err)
	assert.Len(t, corrections, 2)

	// Client1 keeps its previous value, Client2 is corrected.
	assert.True(t, store.Reserved("Client1", "EUR").Equal(dec("0.1")))
	assert.True(t, store.Reserved("Client2", "EUR").Equal(dec("1")))
}

func TestRecalculateRecomputesMissingReservedVolume(t *testing.T) {
	store := ledger.NewStore(zap.NewNop())
	seed(t, store, "Client1", "USD", "100", "0")

	// A buy order persisted without a reserved volume: the reconciler
	// derives remaining * price rounded to the quote asset scale.
	buy := &models.LimitOrder{
		ID:              uuid.New(),
		ExternalID:      "10",
		ClientID:        "Client1",
		Pair:            "EURUSD",
		Side:            models.SideBuy,
		Price:           dec("1.105"),
		Volume:          dec("3"),
		RemainingVolume: dec("3"),
		Sequence:        1,
	}
	r := New(store, testRegistry(), models.NewTrustedClients(nil), nil, time.Minute, zap.NewNop(),
		&stubSource{orders: []*models.LimitOrder{buy}})

	corrections, err := r.Recalculate(context.Background())
	require.NoError(t, err)
	require.Len(t, corrections, 1)
	// 3 * 1.105 = 3.315, rounded half-up at scale 2.
	assert.True(t, corrections[0].NewReserved.Equal(dec("3.32")))
	assert.True(t, store.Reserved("Client1", "USD").Equal(dec("3.32")))
}
