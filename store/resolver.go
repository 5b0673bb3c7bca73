package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/aluiziolira/go-scrape-cards/models"
	lru "github.com/hashicorp/golang-lru/v2"
	"gorm.io/gorm"
)

// DefaultCacheSize bounds the card name cache when no size is given.
const DefaultCacheSize = 20000

// Reference resolution outcomes, used as metric labels.
const (
	RefResolved   = "resolved"
	RefUnresolved = "unresolved"
	RefAmbiguous  = "ambiguous"
	RefInvalid    = "invalid"
)

// Recorder receives one call per resolution outcome.
type Recorder interface {
	IncReference(result string)
}

type cardRef struct {
	id        uint
	found     bool
	ambiguous bool
}

// Resolver maps natural keys (seller name, card name) to storage ids.
// Card lookups are memoised, misses included; the card table is not written
// during a crawl.
type Resolver struct {
	db      *gorm.DB
	cards   *lru.Cache[string, cardRef]
	metrics Recorder
}

// NewResolver builds a resolver with a card cache of size entries.
func NewResolver(db *gorm.DB, size int, metrics Recorder) (*Resolver, error) {
	if size <= 0 {
		size = DefaultCacheSize
	}
	cards, err := lru.New[string, cardRef](size)
	if err != nil {
		return nil, fmt.Errorf("card cache: %w", err)
	}
	return &Resolver{db: db, cards: cards, metrics: metrics}, nil
}

// SellerReport counts the effect of a seller upsert.
type SellerReport struct {
	Inserted  int
	Updated   int
	Unchanged int
}

// UpsertSellers inserts unknown sellers and refreshes the store URL of known
// ones, in a single transaction. Duplicate names collapse to the last entry.
func (r *Resolver) UpsertSellers(ctx context.Context, candidates []models.SellerCandidate) (SellerReport, error) {
	var report SellerReport

	order := make([]string, 0, len(candidates))
	latest := make(map[string]models.SellerCandidate, len(candidates))
	for _, c := range candidates {
		name := strings.TrimSpace(c.Name)
		if name == "" {
			continue
		}
		if _, seen := latest[name]; !seen {
			order = append(order, name)
		}
		c.Name = name
		latest[name] = c
	}
	if len(order) == 0 {
		return report, nil
	}

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, name := range order {
			c := latest[name]
			var existing models.Seller
			err := tx.Where("name = ?", name).First(&existing).Error
			switch {
			case errors.Is(err, gorm.ErrRecordNotFound):
				if err := tx.Create(&models.Seller{Name: name, StoreURL: c.StoreURL}).Error; err != nil {
					return fmt.Errorf("insert seller %q: %w", name, err)
				}
				report.Inserted++
			case err != nil:
				return fmt.Errorf("load seller %q: %w", name, err)
			case existing.StoreURL != c.StoreURL:
				if err := tx.Model(&existing).Update("store_url", c.StoreURL).Error; err != nil {
					return fmt.Errorf("update seller %q: %w", name, err)
				}
				report.Updated++
			default:
				report.Unchanged++
			}
		}
		return nil
	})
	if err != nil {
		return SellerReport{}, err
	}
	return report, nil
}

// ListSellers returns every seller ordered by id.
func (r *Resolver) ListSellers(ctx context.Context) ([]models.Seller, error) {
	var sellers []models.Seller
	if err := r.db.WithContext(ctx).Order("id").Find(&sellers).Error; err != nil {
		return nil, fmt.Errorf("list sellers: %w", err)
	}
	return sellers, nil
}

// SellerByName looks up one seller.
func (r *Resolver) SellerByName(ctx context.Context, name string) (models.Seller, error) {
	var seller models.Seller
	err := r.db.WithContext(ctx).Where("name = ?", name).First(&seller).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return seller, &UnresolvedReferenceError{Kind: "seller", Name: name}
	}
	if err != nil {
		return seller, fmt.Errorf("load seller %q: %w", name, err)
	}
	return seller, nil
}

// ValidateCandidate applies the field rules a listing must satisfy before it
// reaches storage.
func ValidateCandidate(c models.ListingCandidate) error {
	switch {
	case c.ExternalID <= 0:
		return &ValidationError{ExternalID: c.ExternalID, Field: "external_id", Reason: "must be positive"}
	case strings.TrimSpace(c.CardName) == "":
		return &ValidationError{ExternalID: c.ExternalID, Field: "card_name", Reason: "empty"}
	case c.Price < 0:
		return &ValidationError{ExternalID: c.ExternalID, Field: "price", Reason: "negative"}
	case c.Quantity < 0:
		return &ValidationError{ExternalID: c.ExternalID, Field: "quantity", Reason: "negative"}
	}
	return nil
}

// ResolveListing turns a candidate into a persistable listing owned by
// seller. When several cards share the name the lowest id wins.
func (r *Resolver) ResolveListing(ctx context.Context, seller models.Seller, c models.ListingCandidate, seenAt time.Time) (models.Listing, error) {
	listing, _, err := r.resolve(ctx, seller, c, seenAt)
	return listing, err
}

// Resolution is the outcome of resolving one page worth of candidates.
type Resolution struct {
	Listings   []models.Listing
	Rejected   []models.ListingCandidate
	Unresolved int
	Invalid    int
	Ambiguous  int
}

// ResolveAll resolves candidates in order. Candidates that cannot be resolved
// are counted and returned in Rejected; only storage errors abort.
func (r *Resolver) ResolveAll(ctx context.Context, seller models.Seller, candidates []models.ListingCandidate, seenAt time.Time) (Resolution, error) {
	res := Resolution{Listings: make([]models.Listing, 0, len(candidates))}
	for _, c := range candidates {
		listing, ambiguous, err := r.resolve(ctx, seller, c, seenAt)
		var unresolved *UnresolvedReferenceError
		var invalid *ValidationError
		switch {
		case errors.As(err, &unresolved):
			res.Unresolved++
			res.Rejected = append(res.Rejected, c)
			continue
		case errors.As(err, &invalid):
			res.Invalid++
			res.Rejected = append(res.Rejected, c)
			continue
		case err != nil:
			return res, err
		}
		if ambiguous {
			res.Ambiguous++
		}
		res.Listings = append(res.Listings, listing)
	}
	return res, nil
}

func (r *Resolver) resolve(ctx context.Context, seller models.Seller, c models.ListingCandidate, seenAt time.Time) (models.Listing, bool, error) {
	if err := ValidateCandidate(c); err != nil {
		r.record(RefInvalid)
		return models.Listing{}, false, err
	}
	if seller.ID == 0 {
		r.record(RefUnresolved)
		return models.Listing{}, false, &UnresolvedReferenceError{Kind: "seller", Name: seller.Name}
	}

	name := strings.TrimSpace(c.CardName)
	ref, err := r.card(ctx, name)
	if err != nil {
		return models.Listing{}, false, err
	}
	if !ref.found {
		r.record(RefUnresolved)
		slog.Debug("unresolved card", slog.String("seller", seller.Name), slog.String("card", name))
		return models.Listing{}, false, &UnresolvedReferenceError{Kind: "card", Name: name}
	}
	if ref.ambiguous {
		r.record(RefAmbiguous)
		slog.Warn("AmbiguousReference",
			slog.String("card", name),
			slog.Uint64("card_id", uint64(ref.id)),
			slog.Int64("listing", c.ExternalID),
		)
	} else {
		r.record(RefResolved)
	}

	return models.Listing{
		ExternalID: c.ExternalID,
		SellerID:   seller.ID,
		CardID:     ref.id,
		Price:      c.Price,
		Quantity:   c.Quantity,
		Condition:  c.Condition,
		Foil:       c.Foil,
		Language:   c.Language,
		LastSeen:   seenAt.UTC(),
	}, ref.ambiguous, nil
}

func (r *Resolver) card(ctx context.Context, name string) (cardRef, error) {
	if ref, ok := r.cards.Get(name); ok {
		return ref, nil
	}

	var ids []uint
	err := r.db.WithContext(ctx).
		Model(&models.Card{}).
		Where("name = ?", name).
		Order("id").
		Limit(2).
		Pluck("id", &ids).Error
	if err != nil {
		return cardRef{}, fmt.Errorf("lookup card %q: %w", name, err)
	}

	ref := cardRef{}
	if len(ids) > 0 {
		ref = cardRef{id: ids[0], found: true, ambiguous: len(ids) > 1}
	}
	r.cards.Add(name, ref)
	return ref, nil
}

// Forget drops the memoised card lookups, used after a catalog import.
func (r *Resolver) Forget() {
	r.cards.Purge()
}

func (r *Resolver) record(result string) {
	if r.metrics != nil {
		r.metrics.IncReference(result)
	}
}
