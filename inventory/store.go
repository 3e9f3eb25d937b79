// Package inventory is the boundary to the persisted inventory the reconciler
// writes into. The store owns record identity; callers only create and update.
package inventory

import (
	"context"
	"errors"
	"time"

	"marketplace-listing-sync/listing"
)

// ErrNotFound is returned by Update when no record has the given id.
var ErrNotFound = errors.New("inventory: record not found")

// Record is the subset of an inventory entry this pipeline reads or writes.
// Other display fields stored alongside it are never touched.
type Record struct {
	ID        string
	Source    string
	SKU       string
	ListingID string
	URL       string
	Title     string
	Stock     int
	Price     listing.Price
	PricePaid listing.Price
	Currency  string
	OfferID   string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Payload carries the fields of one create or update request.
//
// On update an absent Price keeps the stored price and a nil PricePaid leaves the
// stored value alone. On create a nil PricePaid is stored as 0.
type Payload struct {
	Source    string
	SKU       string
	ListingID string
	URL       string
	Title     string
	Stock     int
	Price     listing.Price
	PricePaid *listing.Price
	Currency  string
	OfferID   string
	UpdatedAt time.Time
}

// Store is the read view plus the write capability. There is no delete.
type Store interface {
	// List returns every record tagged with source.
	List(ctx context.Context, source string) ([]Record, error)
	// Create inserts a record and returns the id the store assigned.
	Create(ctx context.Context, p Payload) (string, error)
	// Update overwrites the pipeline-owned fields of record id.
	Update(ctx context.Context, id string, p Payload) error
}

// Apply returns r with p merged in, following the Payload rules.
func (r Record) Apply(p Payload, create bool) Record {
	r.Source = p.Source
	r.SKU = p.SKU
	r.ListingID = p.ListingID
	r.URL = p.URL
	r.Title = p.Title
	r.Stock = p.Stock
	r.Currency = p.Currency
	r.OfferID = p.OfferID
	r.UpdatedAt = p.UpdatedAt
	if create || p.Price.Valid() {
		r.Price = p.Price
	}
	switch {
	case p.PricePaid != nil:
		r.PricePaid = *p.PricePaid
	case create:
		r.PricePaid = listing.PriceFromFloat(0)
	}
	if create {
		r.CreatedAt = p.UpdatedAt
	}
	return r
}
