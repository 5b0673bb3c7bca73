package store

import (
	"context"

	"github.com/aluiziolira/go-scrape-cards/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ListingWriter upserts listing batches keyed on external_id.
type ListingWriter struct {
	DB *gorm.DB
}

// WriteBatch writes batch in one transaction. Any failure rolls back the
// whole batch and is returned as a *PersistenceError.
func (w *ListingWriter) WriteBatch(ctx context.Context, seq int, batch []models.Listing) error {
	if len(batch) == 0 {
		return nil
	}
	err := upsert(ctx, w.DB, &batch, models.ListingMutableColumns)
	if err != nil {
		return newPersistenceError("listing", seq, len(batch), err)
	}
	return nil
}

// CardWriter upserts reference catalog batches keyed on external_id.
type CardWriter struct {
	DB *gorm.DB
}

func (w *CardWriter) WriteBatch(ctx context.Context, seq int, batch []models.Card) error {
	if len(batch) == 0 {
		return nil
	}
	err := upsert(ctx, w.DB, &batch, models.CardMutableColumns)
	if err != nil {
		return newPersistenceError("card", seq, len(batch), err)
	}
	return nil
}

func upsert(ctx context.Context, db *gorm.DB, rows any, mutable []string) error {
	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return tx.Omit(clause.Associations).
			Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "external_id"}},
				DoUpdates: clause.AssignmentColumns(mutable),
			}).
			Create(rows).Error
	})
}
