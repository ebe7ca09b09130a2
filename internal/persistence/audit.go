package persistence

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/orbitcex/enginecore/pkg/models"
)

// WalletSnapshot is a secondary, queryable copy of a changed balance. The
// ledger's source of truth stays in redis; these rows exist for reporting
// and post-incident inspection.
type WalletSnapshot struct {
	ID        uint            `gorm:"primaryKey"`
	ClientID  string          `gorm:"index"`
	AssetID   string          `gorm:"index"`
	Balance   decimal.Decimal `gorm:"type:numeric"`
	Reserved  decimal.Decimal `gorm:"type:numeric"`
	CreatedAt time.Time
}

// GormAuditSink records reconciliation corrections and secondary wallet
// snapshots in a relational store.
type GormAuditSink struct {
	db     *gorm.DB
	logger *zap.Logger
}

func NewGormAuditSink(db *gorm.DB, logger *zap.Logger) (*GormAuditSink, error) {
	if err := db.AutoMigrate(&models.ReservedVolumeCorrection{}, &WalletSnapshot{}); err != nil {
		return nil, fmt.Errorf("migrate audit tables: %w", err)
	}
	return &GormAuditSink{db: db, logger: logger}, nil
}

// RecordCorrections stores one reconciliation pass's corrections.
func (s *GormAuditSink) RecordCorrections(ctx context.Context, corrections []models.ReservedVolumeCorrection) error {
	if len(corrections) == 0 {
		return nil
	}
	if err := s.db.WithContext(ctx).Create(&corrections).Error; err != nil {
		return fmt.Errorf("record corrections: %w", err)
	}
	return nil
}

// SaveWalletSnapshots appends one snapshot row per changed balance.
func (s *GormAuditSink) SaveWalletSnapshots(ctx context.Context, balances []*models.AssetBalance) error {
	if len(balances) == 0 {
		return nil
	}
	rows := make([]WalletSnapshot, len(balances))
	for i, b := range balances {
		rows[i] = WalletSnapshot{
			ClientID:  b.ClientID,
			AssetID:   b.AssetID,
			Balance:   b.Balance,
			Reserved:  b.Reserved,
			CreatedAt: time.Now(),
		}
	}
	if err := s.db.WithContext(ctx).Create(&rows).Error; err != nil {
		return fmt.Errorf("save wallet snapshots: %w", err)
	}
	return nil
}

// Corrections returns the most recent corrections for a client, newest
// first.
func (s *GormAuditSink) Corrections(ctx context.Context, clientID string, limit int) ([]models.ReservedVolumeCorrection, error) {
	var out []models.ReservedVolumeCorrection
	err := s.db.WithContext(ctx).
		Where("client_id = ?", clientID).
		Order("id desc").
		Limit(limit).
		Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("load corrections for %s: %w", clientID, err)
	}
	return out, nil
}
