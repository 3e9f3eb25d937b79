package listing

import (
	"strings"
)

// ───────── Raw per-source shapes ─────────

// CSVRecord is one data row of a seller-exported report, already resolved to
// logical columns. Fields hold the raw cell text.
type CSVRecord struct {
	Title     string
	SKU       string
	ListingID string
	Quantity  string
	Price     string
}

// ScrapedBlock is one listing extracted from a search-results page.
type ScrapedBlock struct {
	Title        string
	URL          string
	PriceText    string
	Currency     string
	ListingID    string
	QuantityHint string
}

// APIRecord is one inventory SKU joined with its (optional) best offer.
// Nil quantities mean the upstream did not report one.
type APIRecord struct {
	SKU               string
	Title             string
	InventoryQuantity *int
	OfferQuantity     *int
	OfferPrice        Price
	OfferCurrency     string
	OfferID           string
	ListingID         string
}

// ───────── Conversions ─────────

// FromCSVRow maps a report row. Rows without sku, item id and title are rejected.
func FromCSVRow(r CSVRecord) (Item, bool) {
	sku := strings.TrimSpace(r.SKU)
	listingID := strings.TrimSpace(r.ListingID)
	title := strings.TrimSpace(r.Title)
	if sku == "" && listingID == "" && title == "" {
		return Item{}, false
	}
	qty, _ := ToInt(r.Quantity)
	return Item{
		Source:            SourceEbay,
		SKU:               sku,
		Title:             firstNonEmpty(title, sku, PlaceholderTitle),
		AvailableQuantity: qty,
		Price:             ToNumber(r.Price),
		Currency:          DefaultCurrency,
		ListingID:         listingID,
		URL:               ListingURL(listingID),
	}, true
}

// FromScrapedBlock maps one scraped listing. Blocks with neither title, url nor id
// are rejected.
func FromScrapedBlock(b ScrapedBlock) (Item, bool) {
	title := strings.TrimSpace(b.Title)
	u := strings.TrimSpace(b.URL)
	listingID := firstNonEmpty(b.ListingID, ListingIDFromURL(u))
	if title == "" && u == "" && listingID == "" {
		return Item{}, false
	}
	if u == "" {
		u = ListingURL(listingID)
	}
	qty, _ := ToInt(b.QuantityHint)
	return Item{
		Source:            SourceEbay,
		Title:             firstNonEmpty(title, PlaceholderTitle),
		AvailableQuantity: qty,
		Price:             ToNumber(b.PriceText),
		Currency:          NormalizeCurrency(b.Currency),
		ListingID:         listingID,
		URL:               u,
	}, true
}

// FromAPIItem maps a synced SKU. Quantity prefers the offer, then the inventory
// availability, then 0.
func FromAPIItem(r APIRecord) (Item, bool) {
	sku := strings.TrimSpace(r.SKU)
	title := strings.TrimSpace(r.Title)
	listingID := strings.TrimSpace(r.ListingID)
	if sku == "" && title == "" && listingID == "" {
		return Item{}, false
	}
	qty := 0
	switch {
	case r.OfferQuantity != nil:
		qty = *r.OfferQuantity
	case r.InventoryQuantity != nil:
		qty = *r.InventoryQuantity
	}
	if qty < 0 {
		qty = 0
	}
	currency := DefaultCurrency
	if r.OfferPrice.Valid() {
		currency = NormalizeCurrency(r.OfferCurrency)
	}
	return Item{
		Source:            SourceEbay,
		SKU:               sku,
		Title:             firstNonEmpty(title, sku, PlaceholderTitle),
		AvailableQuantity: qty,
		Price:             r.OfferPrice,
		Currency:          currency,
		OfferID:           strings.TrimSpace(r.OfferID),
		ListingID:         listingID,
		URL:               ListingURL(listingID),
	}, true
}
