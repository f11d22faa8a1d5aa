package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"pricesettle/pkg/storage"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var _ storage.Store = (*PostgresClient)(nil)

func (p *PostgresClient) Get(ctx context.Context, key string) ([]byte, error) {
	var rec KVRecord
	err := p.DB.WithContext(ctx).Where("key = ?", key).First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", key, err)
	}
	return rec.Value, nil
}

// Set upserts the value for key.
func (p *PostgresClient) Set(ctx context.Context, key string, value []byte) error {
	tx := p.DB.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "key"}},
		DoUpdates: clause.AssignmentColumns([]string{"value", "updated_at"}),
	}).Create(&KVRecord{Key: key, Value: value})
	if tx.Error != nil {
		return fmt.Errorf("set %s: %w", key, tx.Error)
	}
	return nil
}

// GetByPrefix returns matching entries ordered by key.
func (p *PostgresClient) GetByPrefix(ctx context.Context, prefix string) ([]storage.Entry, error) {
	var recs []KVRecord
	err := p.DB.WithContext(ctx).
		Where("key LIKE ? ESCAPE '\\'", escapeLike(prefix)+"%").
		Order("key").
		Find(&recs).Error
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", prefix, err)
	}

	out := make([]storage.Entry, 0, len(recs))
	for _, r := range recs {
		out = append(out, storage.Entry{Key: r.Key, Value: r.Value})
	}
	return out, nil
}

func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}
