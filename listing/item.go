// Package listing holds the canonical, source-agnostic listing record and the pure
// conversions that map every per-source raw shape into it.
//
// Nothing in this package performs I/O. Adapters produce raw records (CSVRecord,
// ScrapedBlock, APIRecord); the From* functions turn them into Items or reject them.
package listing

import (
	"regexp"
	"strings"
)

const (
	// SourceEbay tags every item produced by this pipeline.
	SourceEbay = "ebay"

	DefaultCurrency  = "USD"
	PlaceholderTitle = "Marketplace Listing"

	itemURLPrefix = "https://www.ebay.com/itm/"
)

// Item is one external marketplace listing (CanonicalListingItem).
//
// Title is never empty once an Item leaves a From* function, and at least one of
// SKU, ListingID, Title, URL was non-empty in the raw record.
type Item struct {
	Source            string `json:"source"`
	SKU               string `json:"sku"`
	Title             string `json:"title"`
	AvailableQuantity int    `json:"availableQuantity"`
	Price             Price  `json:"price"`
	Currency          string `json:"currency"`
	OfferID           string `json:"offerId"`
	ListingID         string `json:"listingId"`
	URL               string `json:"url"`
}

// MatchingKey is listingId, else url, else title.
func (it Item) MatchingKey() string {
	if k := strings.TrimSpace(it.ListingID); k != "" {
		return k
	}
	if k := strings.TrimSpace(it.URL); k != "" {
		return k
	}
	return strings.TrimSpace(it.Title)
}

// ListingURL synthesizes the public listing URL for a marketplace listing id.
func ListingURL(listingID string) string {
	id := strings.TrimSpace(listingID)
	if id == "" {
		return ""
	}
	return itemURLPrefix + id
}

var itmPathRE = regexp.MustCompile(`/itm/(?:[^/?#]+/)?(\d+)`)

// ListingIDFromURL returns the numeric listing id embedded in an /itm/ URL, or "".
func ListingIDFromURL(u string) string {
	m := itmPathRE.FindStringSubmatch(u)
	if m == nil {
		return ""
	}
	return m[1]
}

// NormalizeCurrency upper-cases a three-letter code and falls back to DefaultCurrency.
func NormalizeCurrency(c string) string {
	c = strings.ToUpper(strings.TrimSpace(c))
	if len(c) != 3 {
		return DefaultCurrency
	}
	for _, r := range c {
		if r < 'A' || r > 'Z' {
			return DefaultCurrency
		}
	}
	return c
}

func firstNonEmpty(v ...string) string {
	for _, s := range v {
		if s = strings.TrimSpace(s); s != "" {
			return s
		}
	}
	return ""
}
