package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/orbitcex/enginecore/internal/admission"
	"github.com/orbitcex/enginecore/internal/config"
	"github.com/orbitcex/enginecore/internal/dedup"
	"github.com/orbitcex/enginecore/internal/engine"
	"github.com/orbitcex/enginecore/internal/ledger"
	"github.com/orbitcex/enginecore/internal/orders"
	"github.com/orbitcex/enginecore/internal/persistence"
	"github.com/orbitcex/enginecore/internal/reconciler"
	"github.com/orbitcex/enginecore/pkg/logger"
	"github.com/orbitcex/enginecore/pkg/models"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("Warning: .env file not found, using environment variables")
	}

	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "config.yaml"
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	zapLogger, err := logger.NewLogger(cfg.LogLevel)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer zapLogger.Sync()

	registry := buildRegistry(cfg)
	trusted := models.NewTrustedClients(cfg.TrustedClients)

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := redisClient.Ping(ctx).Err(); err != nil {
		zapLogger.Fatal("Failed to connect to redis", zap.Error(err))
	}

	var audit *persistence.GormAuditSink
	if cfg.Database.DSN != "" {
		db, err := gorm.Open(postgres.Open(cfg.Database.DSN), &gorm.Config{})
		if err != nil {
			zapLogger.Fatal("Failed to connect to database", zap.Error(err))
		}
		audit, err = persistence.NewGormAuditSink(db, zapLogger)
		if err != nil {
			zapLogger.Fatal("Failed to prepare audit sink", zap.Error(err))
		}
	}

	store := ledger.NewStore(zapLogger)
	orderIndex := orders.NewIndex()

	cache := dedup.NewCache(cfg.Dedup.RollInterval, cfg.Dedup.ExemptTypeBytes(), zapLogger)
	accessor := persistence.NewRedisProcessedMessagesAccessor(redisClient, zapLogger)
	if err := cache.Warm(ctx, accessor, time.Now()); err != nil {
		zapLogger.Fatal("Failed to warm dedup cache", zap.Error(err))
	}

	lastSequence, err := persistence.LoadSequenceNumber(ctx, redisClient)
	if err != nil {
		zapLogger.Fatal("Failed to load sequence number", zap.Error(err))
	}
	sequence := persistence.NewSequenceHolder(lastSequence)

	writer := persistence.NewRedisWriter(redisClient, cfg.Redis.MessageTTL, zapLogger)
	manager := persistence.NewManager(writer, audit, zapLogger)

	limits, err := buildLimits(cfg)
	if err != nil {
		zapLogger.Fatal("Invalid admission limits", zap.Error(err))
	}
	filter := admission.NewFilter(registry, trusted, limits, zapLogger)

	core := engine.New(store, registry, trusted, cache, filter, orderIndex, sequence, manager, zapLogger)

	var auditSink reconciler.AuditSink
	if audit != nil {
		auditSink = audit
	}
	recon := reconciler.New(store, registry, trusted, auditSink, cfg.ReconcilerInterval, zapLogger, core.Orders())

	go cache.Run(ctx)
	go recon.Run(ctx)

	go func() {
		http.Handle("/metrics", promhttp.Handler())
		if err := http.ListenAndServe(":9090", nil); err != nil && err != http.ErrServerClosed {
			zapLogger.Error("Metrics endpoint failed", zap.Error(err))
		}
	}()

	zapLogger.Info("Engine core started",
		zap.Uint64("sequence", sequence.Current()),
		zap.Int("trusted_clients", len(cfg.TrustedClients)),
		zap.Int("pairs", len(cfg.Pairs)))

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	zapLogger.Info("Shutting down...")
	cancel()

	if err := redisClient.Close(); err != nil {
		zapLogger.Error("Failed to close redis client", zap.Error(err))
	}
	zapLogger.Info("Engine core exited properly")
}

func buildRegistry(cfg *config.Config) *models.AssetRegistry {
	assets := make([]models.Asset, len(cfg.Assets))
	for i, a := range cfg.Assets {
		assets[i] = models.Asset{ID: a.ID, Scale: a.Scale}
	}
	pairs := make([]models.AssetPair, len(cfg.Pairs))
	for i, p := range cfg.Pairs {
		pairs[i] = models.AssetPair{ID: p.ID, BaseAssetID: p.BaseAsset, QuoteAssetID: p.QuoteAsset}
	}
	return models.NewAssetRegistry(assets, pairs)
}

func buildLimits(cfg *config.Config) (map[string]admission.Limits, error) {
	limits := make(map[string]admission.Limits, len(cfg.AdmissionLimits))
	for pair, l := range cfg.AdmissionLimits {
		var parsed admission.Limits
		var err error
		if l.MaxVolume != "" {
			if parsed.MaxVolume, err = decimal.NewFromString(l.MaxVolume); err != nil {
				return nil, err
			}
		}
		if l.MaxValue != "" {
			if parsed.MaxValue, err = decimal.NewFromString(l.MaxValue); err != nil {
				return nil, err
			}
		}
		limits[pair] = parsed
	}
	return limits, nil
}
