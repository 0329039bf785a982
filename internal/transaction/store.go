package transaction

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/klauspost/compress/zstd"
	"go.uber.org/zap"

	"github.com/JakeFAU/order-history-scraper/internal/cache"
)

// CacheKey is where the merged transaction list is stored.
const CacheKey = "ALL_TRANSACTIONS"

// Store keeps the merged transaction list as zstd-compressed JSON in a
// cache. A missing or unreadable entry reads as an empty list.
type Store struct {
	cache  cache.Cache
	enc    *zstd.Encoder
	dec    *zstd.Decoder
	logger *zap.Logger
}

// NewStore wraps c.
func NewStore(c cache.Cache, logger *zap.Logger) (*Store, error) {
	if c == nil {
		return nil, errors.New("transaction cache is required")
	}
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("create zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("create zstd decoder: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{cache: c, enc: enc, dec: dec, logger: logger.Named("transaction_store")}, nil
}

// Load returns the stored transactions.
func (s *Store) Load(ctx context.Context) []Transaction {
	compressed, ok := s.cache.Get(ctx, CacheKey)
	if !ok {
		return nil
	}
	raw, err := s.dec.DecodeAll(compressed, nil)
	if err != nil {
		s.logger.Warn("stored transactions unreadable; ignoring", zap.Error(err))
		return nil
	}
	var ts []Transaction
	if err := json.Unmarshal(raw, &ts); err != nil {
		s.logger.Warn("stored transactions undecodable; ignoring", zap.Error(err))
		return nil
	}
	return ts
}

// Save replaces the stored transactions.
func (s *Store) Save(ctx context.Context, ts []Transaction) error {
	raw, err := json.Marshal(ts)
	if err != nil {
		return fmt.Errorf("encode transactions: %w", err)
	}
	if err := s.cache.Set(ctx, CacheKey, s.enc.EncodeAll(raw, nil)); err != nil {
		return fmt.Errorf("store transactions: %w", err)
	}
	return nil
}

// Clear drops the stored transactions along with anything else in the
// underlying cache.
func (s *Store) Clear(ctx context.Context) error {
	return s.cache.Clear(ctx)
}

// Close releases the codec resources.
func (s *Store) Close() {
	s.dec.Close()
	_ = s.enc.Close()
}
