package inventory

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"marketplace-listing-sync/listing"
)

func TestApplyUpdateKeepsPricePaidAndKnownPrice(t *testing.T) {
	now := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	r := Record{ID: "x", Source: "ebay", SKU: "ABC", Stock: 2, Price: listing.PriceFromFloat(9), PricePaid: listing.PriceFromFloat(4)}
	got := r.Apply(Payload{Source: "ebay", SKU: "ABC", Title: "T", Stock: 5, Price: listing.NoPrice(), UpdatedAt: now}, false)
	if got.Stock != 5 || !got.Price.Equal(listing.PriceFromFloat(9)) || !got.PricePaid.Equal(listing.PriceFromFloat(4)) {
		t.Fatalf("unexpected merge: %+v", got)
	}
	if got.ID != "x" || !got.UpdatedAt.Equal(now) || !got.CreatedAt.IsZero() {
		t.Fatalf("identity/timestamps wrong: %+v", got)
	}
}

func TestApplyCreateDefaultsPricePaid(t *testing.T) {
	got := Record{ID: "n"}.Apply(Payload{Source: "ebay", Price: listing.NoPrice()}, true)
	if !got.PricePaid.Equal(listing.PriceFromFloat(0)) || got.Price.Valid() {
		t.Fatalf("unexpected create: %+v", got)
	}
}

func TestMemoryStore(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore(Record{Source: "ebay", SKU: "A"}, Record{Source: "other", SKU: "B"})
	recs, _ := m.List(ctx, "ebay")
	if len(recs) != 1 || recs[0].ID == "" {
		t.Fatalf("list=%+v", recs)
	}
	if err := m.Update(ctx, "missing", Payload{}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	m.FailOn = func(op string, p Payload) error {
		if p.SKU == "bad" {
			return fmt.Errorf("%s rejected", op)
		}
		return nil
	}
	if _, err := m.Create(ctx, Payload{Source: "ebay", SKU: "bad"}); err == nil {
		t.Fatalf("expected injected failure")
	}
	id, err := m.Create(ctx, Payload{Source: "ebay", SKU: "C", Stock: 1})
	if err != nil {
		t.Fatal(err)
	}
	if r, ok := m.Get(id); !ok || r.SKU != "C" {
		t.Fatalf("created=%+v", r)
	}
	if c, u := m.Writes(); c != 1 || u != 0 {
		t.Fatalf("writes=%d/%d", c, u)
	}
}

func TestDryRunDoesNotWrite(t *testing.T) {
	ctx := context.Background()
	mem := NewMemoryStore(Record{ID: "r1", Source: "ebay", SKU: "A"})
	core, logs := observer.New(zap.InfoLevel)
	d := DryRun(mem, zap.New(core))

	id, err := d.Create(ctx, Payload{Source: "ebay", SKU: "B"})
	if err != nil || id != "dry-run-1" {
		t.Fatalf("id=%q err=%v", id, err)
	}
	if err := d.Update(ctx, "r1", Payload{Source: "ebay", SKU: "A", Stock: 9}); err != nil {
		t.Fatal(err)
	}
	if c, u := mem.Writes(); c != 0 || u != 0 {
		t.Fatalf("dry run wrote: %d/%d", c, u)
	}
	if logs.FilterMessage("dry-run: would update").Len() != 1 {
		t.Fatalf("update not logged")
	}
	recs, _ := d.List(ctx, "ebay")
	if len(recs) != 1 {
		t.Fatalf("list not passed through")
	}
}

func TestNewPGStoreRejectsUnsafeIdentifiers(t *testing.T) {
	if _, err := NewPGStore(nil, "public", "inv; drop table x"); err == nil {
		t.Fatalf("expected unsafe identifier error")
	}
	s, err := NewPGStore(nil, "", "")
	if err != nil || s.qualified() != `"public".inventory` {
		t.Fatalf("defaults: %v %v", s, err)
	}
}

func TestSchemaKeepsFullPricePrecision(t *testing.T) {
	ddl := schemaDDL("public", "inventory")
	if strings.Contains(ddl, "numeric(") {
		t.Fatalf("price columns must not round:\n%s", ddl)
	}
	for _, want := range []string{"price numeric,", "price_paid numeric NOT NULL DEFAULT 0"} {
		if !strings.Contains(ddl, want) {
			t.Fatalf("missing %q in:\n%s", want, ddl)
		}
	}
}

func TestPGStoreIntegration(t *testing.T) {
	dsn := os.Getenv("PG_DSN_TEST")
	if dsn == "" {
		t.Skip("PG_DSN_TEST not set")
	}
	ctx := context.Background()
	pool, err := OpenPool(ctx, dsn, 2, false)
	if err != nil {
		t.Fatal(err)
	}
	defer pool.Close()

	table := fmt.Sprintf("inventory_test_%d", time.Now().UnixNano())
	s, err := NewPGStore(pool, "public", table)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.EnsureSchema(ctx); err != nil {
		t.Fatalf("ensure schema: %v", err)
	}
	defer pool.Exec(ctx, `DROP TABLE IF EXISTS "public".`+table)

	now := time.Now().UTC().Truncate(time.Microsecond)
	id, err := s.Create(ctx, Payload{Source: "ebay", SKU: "ABC", Title: "Card", Stock: 2, Price: listing.PriceFromFloat(12.5), Currency: "USD", UpdatedAt: now})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := s.Create(ctx, Payload{Source: "ebay", SKU: "ABC", UpdatedAt: now}); err == nil {
		t.Fatalf("duplicate sku must fail")
	}
	paid := listing.PriceFromFloat(3)
	if err := s.Update(ctx, id, Payload{Source: "ebay", SKU: "ABC", Title: "Card", Stock: 5, Price: listing.NoPrice(), PricePaid: &paid, Currency: "USD", UpdatedAt: now}); err != nil {
		t.Fatalf("update: %v", err)
	}
	recs, err := s.List(ctx, "ebay")
	if err != nil || len(recs) != 1 {
		t.Fatalf("list=%+v err=%v", recs, err)
	}
	r := recs[0]
	if r.Stock != 5 || !r.Price.Equal(listing.PriceFromFloat(12.5)) || !r.PricePaid.Equal(paid) {
		t.Fatalf("record=%+v", r)
	}
	fine := listing.ToNumber("12.345")
	if _, err := s.Create(ctx, Payload{Source: "ebay", SKU: "FINE", Price: fine, UpdatedAt: now}); err != nil {
		t.Fatalf("create: %v", err)
	}
	recs, _ = s.List(ctx, "ebay")
	var stored bool
	for _, r := range recs {
		if r.SKU == "FINE" {
			stored = r.Price.Equal(fine)
		}
	}
	if !stored {
		t.Fatalf("price not stored at full precision: %+v", recs)
	}
	if err := s.Update(ctx, "00000000-0000-0000-0000-000000000000", Payload{Source: "ebay"}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
