package parser

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"slices"
	"strings"

	"github.com/aluiziolira/go-scrape-cards/models"
	"github.com/google/uuid"
)

// CatalogStats counts what a catalog decode saw.
type CatalogStats struct {
	Decoded int
	Skipped int
	Errors  []error
}

// maxCatalogErrors bounds the errors kept on CatalogStats; Skipped keeps counting.
const maxCatalogErrors = 100

type catalogEntry struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	SetName   string `json:"set_name"`
	ImageURIs struct {
		Large string `json:"large"`
	} `json:"image_uris"`
	ManaCost   *string           `json:"mana_cost"`
	CMC        *float64          `json:"cmc"`
	TypeLine   string            `json:"type_line"`
	Legalities map[string]string `json:"legalities"`
	Power      *string           `json:"power"`
	Toughness  *string           `json:"toughness"`
}

// DecodeCatalog streams a reference catalog JSON array and calls fn for every
// usable card. Entries with a bad id, no name or mistyped fields are skipped.
// An error from fn stops the decode.
func DecodeCatalog(r io.Reader, fn func(models.Card) error) (CatalogStats, error) {
	var stats CatalogStats

	dec := json.NewDecoder(r)
	tok, err := dec.Token()
	if err != nil {
		return stats, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '[' {
		return stats, fmt.Errorf("%w: catalog must be a JSON array", ErrMalformedPayload)
	}

	for index := 0; dec.More(); index++ {
		var entry catalogEntry
		if err := dec.Decode(&entry); err != nil {
			var typeErr *json.UnmarshalTypeError
			if errors.As(err, &typeErr) {
				stats.skip(index, typeErr.Field, err)
				continue
			}
			return stats, fmt.Errorf("decode catalog entry %d: %w", index, err)
		}

		card, field, err := entry.card()
		if err != nil {
			stats.skip(index, field, err)
			continue
		}
		stats.Decoded++
		if err := fn(card); err != nil {
			return stats, err
		}
	}

	if _, err := dec.Token(); err != nil && !errors.Is(err, io.EOF) {
		return stats, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	return stats, nil
}

func (s *CatalogStats) skip(index int, field string, err error) {
	s.Skipped++
	if len(s.Errors) < maxCatalogErrors {
		s.Errors = append(s.Errors, &ExtractionError{Kind: KindCatalog, Index: index, Field: field, Err: err})
	}
}

func (e catalogEntry) card() (models.Card, string, error) {
	id, err := uuid.Parse(e.ID)
	if err != nil {
		return models.Card{}, "id", err
	}
	name := strings.TrimSpace(e.Name)
	if name == "" {
		return models.Card{}, "name", errors.New("missing name")
	}

	card := models.Card{
		ExternalID: id,
		Name:       name,
		SetName:    e.SetName,
		ImageURL:   e.ImageURIs.Large,
		ManaCost:   e.ManaCost,
		Types:      CardTypes(e.TypeLine),
		Power:      e.Power,
		Toughness:  e.Toughness,
		Legality:   LegalFormats(e.Legalities),
	}
	if e.CMC != nil {
		mv := int(math.Round(*e.CMC))
		card.ManaValue = &mv
	}
	return card, "", nil
}

// CardTypes returns the type words before the subtype separator of a type
// line, e.g. "Legendary Creature — Elf" yields ["Legendary" "Creature"].
func CardTypes(typeLine string) []string {
	head, _, _ := strings.Cut(typeLine, " — ")
	types := strings.Fields(head)
	if types == nil {
		return []string{}
	}
	return types
}

// LegalFormats returns the sorted formats whose status is "legal".
func LegalFormats(legalities map[string]string) []string {
	formats := make([]string, 0, len(legalities))
	for format, status := range legalities {
		if status == "legal" {
			formats = append(formats, format)
		}
	}
	slices.Sort(formats)
	return formats
}
