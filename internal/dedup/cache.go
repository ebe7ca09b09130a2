// Package dedup answers "has this message been processed before?" with
// bounded memory: two rolling generations of message-id sets per message
// type. An id stays discoverable for at least one roll interval and at most
// two.
package dedup

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/orbitcex/enginecore/pkg/models"
)

var (
	dedupHits = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "enginecore",
		Subsystem: "dedup",
		Name:      "hits_total",
		Help:      "Number of lookups that found an already-processed message id.",
	})
	dedupRolls = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "enginecore",
		Subsystem: "dedup",
		Name:      "rolls_total",
		Help:      "Number of generation rolls performed.",
	})
)

// Accessor loads recently processed messages from durable storage for cache
// warm-up.
type Accessor interface {
	LoadRecent(ctx context.Context) ([]models.ProcessedMessage, error)
}

type generation map[byte]map[string]struct{}

func (g generation) add(msgType byte, id string) {
	set, ok := g[msgType]
	if !ok {
		set = make(map[string]struct{})
		g[msgType] = set
	}
	set[id] = struct{}{}
}

func (g generation) contains(msgType byte, id string) bool {
	set, ok := g[msgType]
	if !ok {
		return false
	}
	_, ok = set[id]
	return ok
}

// Cache is the processed-messages deduplication cache. Reads are safe
// concurrently with inserts; the periodic roll is a single atomic generation
// swap.
type Cache struct {
	mu       sync.RWMutex
	interval time.Duration
	exempt   map[byte]struct{}
	logger   *zap.Logger

	current  generation
	previous generation
}

// NewCache creates an empty cache. Message types in exemptTypes are never
// tracked: their lookups short-circuit to "not processed".
func NewCache(interval time.Duration, exemptTypes []byte, logger *zap.Logger) *Cache {
	exempt := make(map[byte]struct{}, len(exemptTypes))
	for _, t := range exemptTypes {
		exempt[t] = struct{}{}
	}
	return &Cache{
		interval: interval,
		exempt:   exempt,
		logger:   logger,
		current:  make(generation),
		previous: make(generation),
	}
}

// Warm loads durably stored processed messages into the current generation,
// dropping entries older than one roll interval before now.
func (c *Cache) Warm(ctx context.Context, accessor Accessor, now time.Time) error {
	stored, err := accessor.LoadRecent(ctx)
	if err != nil {
		return err
	}
	cutoff := now.Add(-c.interval)
	loaded := 0
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, msg := range stored {
		if _, exemptType := c.exempt[msg.Type]; exemptType {
			continue
		}
		if !msg.Timestamp.After(cutoff) {
			continue
		}
		c.current.add(msg.Type, msg.MessageID)
		loaded++
	}
	c.logger.Info("warmed dedup cache",
		zap.Int("loaded", loaded),
		zap.Int("stored", len(stored)))
	return nil
}

// IsProcessed reports whether the id has been seen in either generation.
// Exempt message types always return false without any lookup.
func (c *Cache) IsProcessed(msgType byte, messageID string) bool {
	if _, exemptType := c.exempt[msgType]; exemptType {
		return false
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.current.contains(msgType, messageID) || c.previous.contains(msgType, messageID) {
		dedupHits.Inc()
		return true
	}
	return false
}

// Add records the message in the current generation only. Exempt types are
// ignored.
func (c *Cache) Add(msg models.ProcessedMessage) {
	if _, exemptType := c.exempt[msg.Type]; exemptType {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.current.add(msg.Type, msg.MessageID)
}

// Roll makes the current generation the previous one and starts a fresh
// current generation. Ids inserted before the previous roll age out here.
func (c *Cache) Roll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.previous = c.current
	c.current = make(generation)
	dedupRolls.Inc()
}

// Run rolls the cache on the configured interval until ctx is done.
func (c *Cache) Run(ctx context.Context) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Roll()
			c.logger.Debug("rolled dedup cache generations")
		}
	}
}
