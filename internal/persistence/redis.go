package persistence

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/orbitcex/enginecore/pkg/models"
)

var batchesPersisted = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "enginecore",
	Subsystem: "persistence",
	Name:      "batches_total",
	Help:      "Number of persistence batches written, by outcome.",
}, []string{"outcome"})

const (
	balanceKeyPrefix   = "balances:"
	processedKeyPrefix = "processed:"
	ordersKeyPrefix    = "orders:"
	stopOrdersPrefix   = "stop_orders:"
	midPriceKeyPrefix  = "midprice:"
	sequenceKey        = "sequence"
)

// RedisWriter applies one PersistenceData atomically via a MULTI/EXEC
// pipeline. Either every key in the batch lands or none does.
type RedisWriter struct {
	client     redis.UniversalClient
	messageTTL time.Duration
	logger     *zap.Logger
}

// NewRedisWriter creates a writer. messageTTL bounds how long processed
// message records stay readable for dedup warm-up; it should cover at least
// two dedup roll intervals.
func NewRedisWriter(client redis.UniversalClient, messageTTL time.Duration, logger *zap.Logger) *RedisWriter {
	return &RedisWriter{client: client, messageTTL: messageTTL, logger: logger}
}

// Persist writes data in one transaction. Empty batches are a no-op.
func (w *RedisWriter) Persist(ctx context.Context, data *PersistenceData) error {
	if data.IsEmpty() {
		return nil
	}
	started := time.Now()

	pipe := w.client.TxPipeline()
	if err := w.queueBalances(ctx, pipe, data.Balances); err != nil {
		return err
	}
	if err := w.queueProcessedMessage(ctx, pipe, data.Message); err != nil {
		return err
	}
	if err := w.queueOrders(ctx, pipe, ordersKeyPrefix, data.OrderBooks); err != nil {
		return err
	}
	if err := w.queueOrders(ctx, pipe, stopOrdersPrefix, data.StopOrderBooks); err != nil {
		return err
	}
	if data.SequenceNumber != nil {
		pipe.Set(ctx, sequenceKey, *data.SequenceNumber, 0)
	}
	for _, mp := range data.MidPrices {
		payload, err := json.Marshal(mp)
		if err != nil {
			return fmt.Errorf("marshal mid price for %s: %w", mp.Pair, err)
		}
		pipe.Set(ctx, midPriceKeyPrefix+mp.Pair, payload, 0)
	}

	if _, err := pipe.Exec(ctx); err != nil {
		batchesPersisted.WithLabelValues("error").Inc()
		return fmt.Errorf("unable to save data (%s): %w", data.Details(), err)
	}
	batchesPersisted.WithLabelValues("ok").Inc()
	w.logger.Debug("persisted batch",
		zap.String("details", data.Details()),
		zap.Duration("took", time.Since(started)))
	return nil
}

func (w *RedisWriter) queueBalances(ctx context.Context, pipe redis.Pipeliner, data *models.BalancesData) error {
	if data == nil {
		return nil
	}
	for _, b := range data.Balances {
		payload, err := json.Marshal(b)
		if err != nil {
			return fmt.Errorf("marshal balance %s/%s: %w", b.ClientID, b.AssetID, err)
		}
		pipe.Set(ctx, balanceKeyPrefix+b.ClientID+":"+b.AssetID, payload, 0)
	}
	return nil
}

func (w *RedisWriter) queueProcessedMessage(ctx context.Context, pipe redis.Pipeliner, m *models.ProcessedMessage) error {
	if m == nil {
		return nil
	}
	payload, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("marshal processed message %s: %w", m.MessageID, err)
	}
	key := fmt.Sprintf("%s%d:%s", processedKeyPrefix, m.Type, m.MessageID)
	pipe.Set(ctx, key, payload, w.messageTTL)
	return nil
}

func (w *RedisWriter) queueOrders(ctx context.Context, pipe redis.Pipeliner, prefix string, books *OrderBooksData) error {
	if books == nil {
		return nil
	}
	for _, side := range books.Sides {
		key := prefix + side.Pair + ":" + sideName(side.IsBuy)
		for _, o := range side.OrdersToSave {
			payload, err := json.Marshal(o)
			if err != nil {
				return fmt.Errorf("marshal order %s: %w", o.ExternalID, err)
			}
			pipe.HSet(ctx, key, o.ID.String(), payload)
		}
		for _, o := range side.OrdersToRemove {
			pipe.HDel(ctx, key, o.ID.String())
		}
	}
	return nil
}

func sideName(isBuy bool) string {
	if isBuy {
		return models.SideBuy
	}
	return models.SideSell
}

// LoadSequenceNumber reads the last persisted message sequence number. A
// missing key reads as zero.
func LoadSequenceNumber(ctx context.Context, client redis.UniversalClient) (uint64, error) {
	n, err := client.Get(ctx, sequenceKey).Uint64()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("load sequence number: %w", err)
	}
	return n, nil
}

// RedisProcessedMessagesAccessor reads back persisted processed-message
// records for dedup cache warm-up.
type RedisProcessedMessagesAccessor struct {
	client redis.UniversalClient
	logger *zap.Logger
}

func NewRedisProcessedMessagesAccessor(client redis.UniversalClient, logger *zap.Logger) *RedisProcessedMessagesAccessor {
	return &RedisProcessedMessagesAccessor{client: client, logger: logger}
}

// LoadRecent scans every processed-message key still alive under its TTL.
func (a *RedisProcessedMessagesAccessor) LoadRecent(ctx context.Context) ([]models.ProcessedMessage, error) {
	var out []models.ProcessedMessage
	iter := a.client.Scan(ctx, 0, processedKeyPrefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		payload, err := a.client.Get(ctx, iter.Val()).Bytes()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("load processed message %s: %w", iter.Val(), err)
		}
		var m models.ProcessedMessage
		if err := json.Unmarshal(payload, &m); err != nil {
			a.logger.Warn("skipping unreadable processed message",
				zap.String("key", iter.Val()),
				zap.Error(err))
			continue
		}
		out = append(out, m)
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scan processed messages: %w", err)
	}
	return out, nil
}
