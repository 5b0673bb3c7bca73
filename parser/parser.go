package parser

import (
	"fmt"
	"strconv"
	"strings"
	"unicode"
)

// UnknownLanguage is recorded when a product card carries no flag marker.
const UnknownLanguage = "unknown"

// DefaultCondition is recorded when a product card has no condition block.
const DefaultCondition = "N/A"

// NormalizePrice removes currency symbols, thousands separators and
// surrounding whitespace.
func NormalizePrice(price string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case unicode.Is(unicode.Sc, r):
			return -1
		case r == ',':
			return -1
		case unicode.IsSpace(r):
			return -1
		}
		return r
	}, price)
}

// ParsePrice converts a price label into a non-negative float.
func ParsePrice(text string) (float64, error) {
	clean := NormalizePrice(text)
	if clean == "" {
		return 0, fmt.Errorf("empty price")
	}
	value, err := strconv.ParseFloat(clean, 64)
	if err != nil {
		return 0, fmt.Errorf("parse price %q: %w", text, err)
	}
	if value < 0 {
		return 0, fmt.Errorf("negative price %q", text)
	}
	return value, nil
}

// ParseQuantity converts quantity text into a non-negative integer. Empty
// text means zero.
func ParseQuantity(text string) (int, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(text)
	if err != nil {
		return 0, fmt.Errorf("parse quantity %q: %w", text, err)
	}
	if n < 0 {
		return 0, fmt.Errorf("negative quantity %q", text)
	}
	return n, nil
}

// ListingIDFromElementID extracts the trailing numeric id from an element id
// such as "product-quantity-48213".
func ListingIDFromElementID(id string) (int64, error) {
	parts := strings.Split(strings.TrimSpace(id), "-")
	if len(parts) < 3 {
		return 0, fmt.Errorf("malformed listing element id %q", id)
	}
	n, err := strconv.ParseInt(parts[len(parts)-1], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("listing id in %q: %w", id, err)
	}
	if n <= 0 {
		return 0, fmt.Errorf("listing id in %q must be positive", id)
	}
	return n, nil
}

// LanguageFromClasses returns the language code of the first flag-icon-xx
// class in the list.
func LanguageFromClasses(classes string) string {
	for _, cls := range strings.Fields(classes) {
		if code, ok := strings.CutPrefix(cls, "flag-icon-"); ok && code != "" {
			return strings.ToLower(code)
		}
	}
	return UnknownLanguage
}

// StoreURL derives a seller's store URL from its display name.
func StoreURL(storeBase, name string) string {
	return strings.TrimSuffix(storeBase, "/") + "/" + strings.ReplaceAll(strings.TrimSpace(name), " ", "-")
}
