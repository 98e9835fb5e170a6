// Package store provides the PostgreSQL-backed record store used when
// last-known product state must survive process restarts.
package store

import (
	"context"
	"errors"
	"fmt"

	json "github.com/goccy/go-json"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/kickradar/kickradar/internal/schema"
)

// PostgresStore persists the last parsed record per item key. It satisfies
// the change detector's RecordStore contract.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore constructs a store backed by the provided pgx pool.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

const (
	recordUpsertSQL = `
INSERT INTO product_records (
    item_key,
    source,
    title,
    price,
    currency,
    available,
    sizes,
    confidence,
    strategy,
    observed_at,
    updated_at
)
VALUES ($1, $2, $3, $4, $5, $6, $7::jsonb, $8, $9, $10, NOW())
ON CONFLICT (item_key) DO UPDATE SET
    source = EXCLUDED.source,
    title = EXCLUDED.title,
    price = EXCLUDED.price,
    currency = EXCLUDED.currency,
    available = EXCLUDED.available,
    sizes = EXCLUDED.sizes,
    confidence = EXCLUDED.confidence,
    strategy = EXCLUDED.strategy,
    observed_at = EXCLUDED.observed_at,
    updated_at = NOW();
`
	recordSelectSQL = `
SELECT source, title, price, currency, available, sizes, confidence, strategy, observed_at
FROM product_records
WHERE item_key = $1;
`
)

// Save upserts the record keyed by its item key.
func (s *PostgresStore) Save(ctx context.Context, record schema.ParsedRecord) error {
	if s.pool == nil {
		return fmt.Errorf("record store: nil pool")
	}
	if record.ItemKey == "" {
		return fmt.Errorf("record store: item key required")
	}

	sizes, err := json.Marshal(record.Sizes)
	if err != nil {
		return fmt.Errorf("marshal sizes: %w", err)
	}
	var price *string
	if record.HasPrice() {
		v := record.Price.String()
		price = &v
	}

	_, err = s.pool.Exec(ctx, recordUpsertSQL,
		record.ItemKey,
		record.Source,
		record.Title,
		price,
		record.Currency,
		record.Available,
		sizes,
		record.Confidence,
		record.Strategy,
		record.ObservedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert record %s: %w", record.ItemKey, err)
	}
	return nil
}

// Load fetches the last stored record for itemKey. The second return is
// false when the key has never been observed.
func (s *PostgresStore) Load(ctx context.Context, itemKey string) (schema.ParsedRecord, bool, error) {
	if s.pool == nil {
		return schema.ParsedRecord{}, false, fmt.Errorf("record store: nil pool")
	}

	record := schema.ParsedRecord{ItemKey: itemKey}
	var price *string
	var sizes []byte
	err := s.pool.QueryRow(ctx, recordSelectSQL, itemKey).Scan(
		&record.Source,
		&record.Title,
		&price,
		&record.Currency,
		&record.Available,
		&sizes,
		&record.Confidence,
		&record.Strategy,
		&record.ObservedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return schema.ParsedRecord{}, false, nil
	}
	if err != nil {
		return schema.ParsedRecord{}, false, fmt.Errorf("load record %s: %w", itemKey, err)
	}

	if price != nil {
		parsed, err := decimal.NewFromString(*price)
		if err != nil {
			return schema.ParsedRecord{}, false, fmt.Errorf("decode price for %s: %w", itemKey, err)
		}
		record.Price = parsed
	}
	if len(sizes) > 0 {
		if err := json.Unmarshal(sizes, &record.Sizes); err != nil {
			return schema.ParsedRecord{}, false, fmt.Errorf("decode sizes for %s: %w", itemKey, err)
		}
	}
	return record, true, nil
}
