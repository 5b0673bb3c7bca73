package ingest

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
)

// GameType is the catalog the seller search is scoped to.
const GameType = "Magic the Gathering"

// searchFilters are sent empty on every request, as the storefront does.
var searchFilters = []string{
	"search", "set_name_search", "min_price", "max_price", "sort_by_price",
	"sort_new_to_old", "condition", "foil", "rarity", "special_editions",
}

// SellersPageURL is page n of the seller directory.
func SellersPageURL(sellersURL string, page int) string {
	q := url.Values{}
	q.Set("page", strconv.Itoa(page))
	return sellersURL + "?" + q.Encode()
}

// SearchURL is page n of a seller's in-stock search endpoint.
func SearchURL(storeURL string, page int) string {
	q := url.Values{}
	q.Set("page", strconv.Itoa(page))
	q.Set("game_type", GameType)
	q.Set("in_stock", "on")
	for _, f := range searchFilters {
		q.Set(f, "")
	}
	return strings.TrimSuffix(storeURL, "/") + "/search/json/?" + q.Encode()
}

// SearchHeaders are the per-seller headers layered over the request profile.
func SearchHeaders(storeURL string) http.Header {
	h := http.Header{}
	h.Set("Referer", strings.TrimSuffix(storeURL, "/")+"/")
	return h
}
