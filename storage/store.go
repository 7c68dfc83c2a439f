package storage

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"wellswap/settlement"
)

// Store persists protocol state through gorm. It implements
// settlement.Store.
type Store struct {
	db *gorm.DB
}

// Open connects to the configured database. DSNs starting with "file:" or
// ending in ".db" select the embedded sqlite driver, anything else is
// treated as a Postgres DSN.
func Open(dsn string) (*Store, error) {
	trimmed := strings.TrimSpace(dsn)
	if trimmed == "" {
		return nil, fmt.Errorf("storage: dsn required")
	}
	cfg := &gorm.Config{
		Logger:         gormlogger.Default.LogMode(gormlogger.Silent),
		TranslateError: true,
	}
	var (
		db  *gorm.DB
		err error
	)
	if strings.HasPrefix(trimmed, "file:") || strings.HasSuffix(trimmed, ".db") || trimmed == ":memory:" {
		db, err = gorm.Open(sqlite.Open(trimmed), cfg)
	} else {
		db, err = gorm.Open(postgres.Open(trimmed), cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("storage: open database: %w", err)
	}
	return NewStore(db)
}

// NewStore runs migrations over an existing gorm handle.
func NewStore(db *gorm.DB) (*Store, error) {
	if db == nil {
		return nil, fmt.Errorf("storage: db handle required")
	}
	if err := db.AutoMigrate(
		&AssetRecord{},
		&TradeRecord{},
		&OpenTradeRecord{},
		&RefundRecord{},
		&IdempotencyRecord{},
		&UserRecord{},
	); err != nil {
		return nil, fmt.Errorf("storage: migrate schema: %w", err)
	}
	return &Store{db: db}, nil
}

// UpsertAsset writes the asset row, replacing any existing version.
func (s *Store) UpsertAsset(ctx context.Context, asset *settlement.Asset) error {
	if asset == nil || asset.ID == "" {
		return fmt.Errorf("storage: asset with id required")
	}
	record := assetRecordFrom(asset)
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "id"}}, UpdateAll: true}).
		Create(record).Error
	if err != nil {
		return fmt.Errorf("storage: upsert asset %s: %w", asset.ID, err)
	}
	return nil
}

// GetAsset loads one asset by ID.
func (s *Store) GetAsset(ctx context.Context, id string) (*settlement.Asset, error) {
	var record AssetRecord
	err := s.db.WithContext(ctx).First(&record, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: asset %s", settlement.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("storage: load asset %s: %w", id, err)
	}
	return record.toAsset(), nil
}

// ListAssets returns assets matching the filter, newest first.
func (s *Store) ListAssets(ctx context.Context, filter settlement.AssetFilter) ([]*settlement.Asset, error) {
	query := s.db.WithContext(ctx).Model(&AssetRecord{}).Order("registered_at DESC")
	if filter.Status != "" {
		query = query.Where("status = ?", string(filter.Status))
	}
	if !isZeroAddress(filter.Owner.Hex()) {
		query = query.Where("owner = ?", strings.ToLower(filter.Owner.Hex()))
	}
	var records []AssetRecord
	if err := query.Find(&records).Error; err != nil {
		return nil, fmt.Errorf("storage: list assets: %w", err)
	}
	assets := make([]*settlement.Asset, 0, len(records))
	for i := range records {
		assets = append(assets, records[i].toAsset())
	}
	return assets, nil
}

// UpsertTrade writes the trade row, replacing any existing version.
func (s *Store) UpsertTrade(ctx context.Context, trade *settlement.Trade) error {
	if trade == nil || trade.ID == "" {
		return fmt.Errorf("storage: trade with id required")
	}
	record := tradeRecordFrom(trade)
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "id"}}, UpdateAll: true}).
		Create(record).Error
	if err != nil {
		return fmt.Errorf("storage: upsert trade %s: %w", trade.ID, err)
	}
	return nil
}

// GetTrade loads one trade by ID.
func (s *Store) GetTrade(ctx context.Context, id string) (*settlement.Trade, error) {
	var record TradeRecord
	err := s.db.WithContext(ctx).First(&record, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: trade %s", settlement.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("storage: load trade %s: %w", id, err)
	}
	return record.toTrade()
}

// CompletedTradeForAsset returns the most recent completed trade on the
// asset.
func (s *Store) CompletedTradeForAsset(ctx context.Context, assetID string) (*settlement.Trade, error) {
	var record TradeRecord
	err := s.db.WithContext(ctx).
		Where("asset_id = ? AND status = ?", assetID, string(settlement.TradeCompleted)).
		Order("completed_at DESC").
		First(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: completed trade for asset %s", settlement.ErrNotFound, assetID)
	}
	if err != nil {
		return nil, fmt.Errorf("storage: load completed trade for asset %s: %w", assetID, err)
	}
	return record.toTrade()
}

// CreateOpenTrade persists the trade and claims the asset's open-trade slot
// in one transaction. The slot's primary key turns a concurrent claim into
// a duplicate-key failure, which is reported as ErrAssetNotAvailable.
func (s *Store) CreateOpenTrade(ctx context.Context, trade *settlement.Trade) error {
	if trade == nil || trade.ID == "" || trade.AssetID == "" {
		return fmt.Errorf("storage: trade with id and asset id required")
	}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		slot := &OpenTradeRecord{AssetID: trade.AssetID, TradeID: trade.ID}
		if err := tx.Create(slot).Error; err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return settlement.ErrAssetNotAvailable
			}
			return err
		}
		return tx.Create(tradeRecordFrom(trade)).Error
	})
	if errors.Is(err, settlement.ErrAssetNotAvailable) {
		return fmt.Errorf("%w: asset %s", settlement.ErrAssetNotAvailable, trade.AssetID)
	}
	if err != nil {
		return fmt.Errorf("storage: create trade %s: %w", trade.ID, err)
	}
	return nil
}

// ReleaseOpenTrade frees the asset's open-trade slot. Releasing a free slot
// is a no-op.
func (s *Store) ReleaseOpenTrade(ctx context.Context, assetID string) error {
	err := s.db.WithContext(ctx).Delete(&OpenTradeRecord{}, "asset_id = ?", assetID).Error
	if err != nil {
		return fmt.Errorf("storage: release trade slot for asset %s: %w", assetID, err)
	}
	return nil
}

// RecordRefund durably marks the asset refunded. A second call for the same
// asset reports ErrAlreadyProcessed.
func (s *Store) RecordRefund(ctx context.Context, assetID, txHash string, amount *big.Int) error {
	if assetID == "" {
		return fmt.Errorf("storage: asset id required")
	}
	value := "0"
	if amount != nil {
		value = amount.String()
	}
	record := &RefundRecord{AssetID: assetID, TxHash: txHash, Amount: value}
	err := s.db.WithContext(ctx).Create(record).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return fmt.Errorf("%w: asset %s", settlement.ErrAlreadyProcessed, assetID)
	}
	if err != nil {
		return fmt.Errorf("storage: record refund for asset %s: %w", assetID, err)
	}
	return nil
}

// RefundRecorded reports whether a refund record exists for the asset.
func (s *Store) RefundRecorded(ctx context.Context, assetID string) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&RefundRecord{}).Where("asset_id = ?", assetID).Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("storage: check refund for asset %s: %w", assetID, err)
	}
	return count > 0, nil
}

// ReserveIdempotencyKey claims the key for the asset. When the key is
// already bound it returns the original asset ID and ErrAlreadyProcessed.
func (s *Store) ReserveIdempotencyKey(ctx context.Context, key, assetID string) (string, error) {
	trimmed := strings.TrimSpace(key)
	if trimmed == "" {
		return "", fmt.Errorf("storage: idempotency key required")
	}
	record := &IdempotencyRecord{Key: trimmed, AssetID: assetID}
	err := s.db.WithContext(ctx).Create(record).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		var existing IdempotencyRecord
		if lookupErr := s.db.WithContext(ctx).First(&existing, "key = ?", trimmed).Error; lookupErr != nil {
			return "", fmt.Errorf("storage: resolve idempotency key: %w", lookupErr)
		}
		return existing.AssetID, settlement.ErrAlreadyProcessed
	}
	if err != nil {
		return "", fmt.Errorf("storage: reserve idempotency key: %w", err)
	}
	return assetID, nil
}

// ReleaseIdempotencyKey drops the reservation so a retried registration can
// claim the key again. Releasing an unknown key is a no-op.
func (s *Store) ReleaseIdempotencyKey(ctx context.Context, key string) error {
	trimmed := strings.TrimSpace(key)
	if trimmed == "" {
		return fmt.Errorf("storage: idempotency key required")
	}
	err := s.db.WithContext(ctx).Delete(&IdempotencyRecord{}, "key = ?", trimmed).Error
	if err != nil {
		return fmt.Errorf("storage: release idempotency key: %w", err)
	}
	return nil
}

// GetUser loads the profile for the address.
func (s *Store) GetUser(ctx context.Context, addr common.Address) (*settlement.User, error) {
	var record UserRecord
	err := s.db.WithContext(ctx).First(&record, "address = ?", strings.ToLower(addr.Hex())).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: user %s", settlement.ErrNotFound, addr.Hex())
	}
	if err != nil {
		return nil, fmt.Errorf("storage: load user %s: %w", addr.Hex(), err)
	}
	return record.toUser(), nil
}

// UpsertUser writes the profile row, replacing any existing version.
func (s *Store) UpsertUser(ctx context.Context, user *settlement.User) error {
	if user == nil || isZeroAddress(user.Address.Hex()) {
		return fmt.Errorf("storage: user with address required")
	}
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "address"}}, UpdateAll: true}).
		Create(userRecordFrom(user)).Error
	if err != nil {
		return fmt.Errorf("storage: upsert user %s: %w", user.Address.Hex(), err)
	}
	return nil
}

func isZeroAddress(hex string) bool {
	return hex == "" || hex == "0x0000000000000000000000000000000000000000"
}
