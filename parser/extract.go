package parser

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/aluiziolira/go-scrape-cards/models"
)

// Kind names the payload shape a page is extracted as.
type Kind string

const (
	KindSellers  Kind = "sellers"
	KindListings Kind = "listings"
	KindCatalog  Kind = "catalog"
)

// ErrMalformedPayload means the page as a whole could not be read.
var ErrMalformedPayload = errors.New("parser: malformed payload")

// ExtractionError describes one structural unit that was skipped.
type ExtractionError struct {
	Kind  Kind
	Index int
	Field string
	Err   error
}

func (e *ExtractionError) Error() string {
	return fmt.Sprintf("extract %s #%d: %s: %v", e.Kind, e.Index, e.Field, e.Err)
}

func (e *ExtractionError) Unwrap() error {
	return e.Err
}

// Page is the result of extracting one payload.
type Page[T any] struct {
	Records []T
	HasNext bool
	Skipped int
	Errors  []error
}

func (p *Page[T]) skip(kind Kind, index int, field string, err error) {
	p.Skipped++
	p.Errors = append(p.Errors, &ExtractionError{Kind: kind, Index: index, Field: field, Err: err})
}

// envelope is the JSON body returned by a store's search endpoint.
type envelope struct {
	HTML           *string `json:"html"`
	PaginationHTML string  `json:"pagination_html"`
}

// ExtractListings parses a store search envelope into listing candidates.
func ExtractListings(payload []byte) (Page[models.ListingCandidate], error) {
	var page Page[models.ListingCandidate]

	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return page, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if env.HTML == nil {
		return page, fmt.Errorf("%w: missing html field", ErrMalformedPayload)
	}

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(*env.HTML))
	if err != nil {
		return page, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}

	doc.Find("div.product-card").Each(func(i int, s *goquery.Selection) {
		listing, field, err := extractListing(s)
		if err != nil {
			page.skip(KindListings, i, field, err)
			return
		}
		page.Records = append(page.Records, listing)
	})

	page.HasNext = HasNextPage(env.PaginationHTML)
	return page, nil
}

func extractListing(s *goquery.Selection) (models.ListingCandidate, string, error) {
	var out models.ListingCandidate

	link := s.Find("a.card-link").First()
	out.CardName = strings.TrimSpace(link.Text())
	if out.CardName == "" {
		return out, "card_name", errors.New("missing card link")
	}
	out.DetailURL, _ = link.Attr("href")

	qty := s.Find(`span[id^="product-quantity-"]`).First()
	elementID, ok := qty.Attr("id")
	if !ok {
		return out, "external_id", errors.New("missing quantity span")
	}
	id, err := ListingIDFromElementID(elementID)
	if err != nil {
		return out, "external_id", err
	}
	out.ExternalID = id

	price, err := ParsePrice(s.Find("div.price").First().Text())
	if err != nil {
		return out, "price", err
	}
	out.Price = price

	quantity, err := ParseQuantity(qty.Text())
	if err != nil {
		return out, "quantity", err
	}
	out.Quantity = quantity

	out.Condition = DefaultCondition
	if cond := strings.TrimSpace(s.Find("div.condition").First().Text()); cond != "" {
		out.Condition = cond
	}

	out.Language = UnknownLanguage
	if flag := s.Find("div.language i").First(); flag.Length() > 0 {
		classes, _ := flag.Attr("class")
		out.Language = LanguageFromClasses(classes)
	}

	out.Foil = s.HasClass("foil") || s.Find(".foil").Length() > 0
	return out, "", nil
}

// ExtractSellers parses one seller directory page.
func ExtractSellers(html []byte, storeBase string) (Page[models.SellerCandidate], error) {
	var page Page[models.SellerCandidate]

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(html))
	if err != nil {
		return page, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}

	doc.Find("div.seller-content").Each(func(i int, s *goquery.Selection) {
		name := strings.TrimSpace(s.Find("h5").First().Text())
		if name == "" {
			page.skip(KindSellers, i, "name", errors.New("missing seller name"))
			return
		}
		page.Records = append(page.Records, models.SellerCandidate{
			Name:     name,
			StoreURL: StoreURL(storeBase, name),
		})
	})

	page.HasNext = hasNextLink(doc.Find("ul.pagination"))
	return page, nil
}

// HasNextPage reports whether a pagination fragment offers a next page.
func HasNextPage(fragment string) bool {
	if strings.TrimSpace(fragment) == "" {
		return false
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(fragment))
	if err != nil {
		return false
	}
	return hasNextLink(doc.Selection)
}

func hasNextLink(s *goquery.Selection) bool {
	found := false
	s.Find("a").EachWithBreak(func(_ int, a *goquery.Selection) bool {
		if rel, _ := a.Attr("rel"); strings.EqualFold(rel, "next") {
			found = true
		} else if strings.EqualFold(strings.TrimSpace(a.Text()), "next") {
			found = true
		}
		return !found
	})
	return found
}
