package reconcile

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"marketplace-listing-sync/adapters"
	"marketplace-listing-sync/inventory"
	"marketplace-listing-sync/listing"
	"marketplace-listing-sync/snapshot"
)

var fixedNow = time.Date(2025, 4, 1, 12, 0, 0, 0, time.UTC)

func newTestReconciler(store inventory.Store) *Reconciler {
	return New(store, Options{Now: func() time.Time { return fixedNow }})
}

func snap(items ...listing.Item) snapshot.Snapshot {
	return snapshot.Build("s", items, fixedNow)
}

func abcItem() listing.Item {
	return listing.Item{Source: "ebay", SKU: "ABC", Title: "ABC", AvailableQuantity: 5, Price: listing.PriceFromFloat(12.0), Currency: "USD"}
}

func TestUpdatePreservesPricePaid(t *testing.T) {
	store := inventory.NewMemoryStore(inventory.Record{
		ID: "r1", Source: "ebay", SKU: "ABC", Stock: 2, PricePaid: listing.PriceFromFloat(7.25),
	})
	sum, err := newTestReconciler(store).Run(context.Background(), snap(abcItem()))
	if err != nil {
		t.Fatal(err)
	}
	if sum.Updated != 1 || sum.Created != 0 || len(sum.Failures) != 0 {
		t.Fatalf("summary=%s", sum)
	}
	r, _ := store.Get("r1")
	if r.Stock != 5 || !r.PricePaid.Equal(listing.PriceFromFloat(7.25)) || !r.Price.Equal(listing.PriceFromFloat(12)) {
		t.Fatalf("record=%+v", r)
	}
	if !r.UpdatedAt.Equal(fixedNow) {
		t.Fatalf("updated at not stamped: %v", r.UpdatedAt)
	}
	if o := sum.Outcomes[0]; o.Rule != RuleSKU || o.RecordID != "r1" {
		t.Fatalf("outcome=%+v", o)
	}
}

func TestCreateWhenNoMatch(t *testing.T) {
	store := inventory.NewMemoryStore(
		inventory.Record{ID: "r1", Source: "ebay", SKU: "OTHER"},
		inventory.Record{ID: "r2", Source: "shop", SKU: "ABC"}, // different source never matches
	)
	sum, err := newTestReconciler(store).Run(context.Background(), snap(abcItem()))
	if err != nil {
		t.Fatal(err)
	}
	if sum.Created != 1 || sum.Updated != 0 {
		t.Fatalf("summary=%s", sum)
	}
	r, ok := store.Get(sum.Outcomes[0].RecordID)
	if !ok || !r.PricePaid.Equal(listing.PriceFromFloat(0)) || r.Stock != 5 || r.Source != "ebay" {
		t.Fatalf("created=%+v", r)
	}
}

func TestSkipsItemsWithoutStableKey(t *testing.T) {
	store := inventory.NewMemoryStore(inventory.Record{ID: "r1", Source: "ebay", URL: "https://www.ebay.com/itm/1", Title: "T"})
	sum, _ := newTestReconciler(store).Run(context.Background(), snap(
		listing.Item{Source: "ebay", Title: "T", URL: "https://www.ebay.com/itm/1"},
	))
	if sum.Skipped != 1 || sum.Created+sum.Updated != 0 {
		t.Fatalf("summary=%s", sum)
	}
	if c, u := store.Writes(); c+u != 0 {
		t.Fatalf("unexpected writes")
	}
}

func TestWriteFailuresAreCollected(t *testing.T) {
	store := inventory.NewMemoryStore()
	store.FailOn = func(op string, p inventory.Payload) error {
		if p.SKU == "BAD" {
			return errors.New("quota exceeded")
		}
		return nil
	}
	core, logs := observer.New(zap.ErrorLevel)
	rc := New(store, Options{Log: zap.New(core), Now: func() time.Time { return fixedNow }})
	sum, err := rc.Run(context.Background(), snap(
		listing.Item{Source: "ebay", SKU: "BAD", Title: "bad"},
		listing.Item{Source: "ebay", SKU: "GOOD", Title: "good"},
	))
	if err != nil {
		t.Fatalf("write failures must not fail the run: %v", err)
	}
	if sum.Created != 1 || len(sum.Failures) != 1 || sum.Skipped != 0 {
		t.Fatalf("summary=%s", sum)
	}
	if we := sum.Failures[0]; we.Op != "create" || we.Key != "bad" {
		t.Fatalf("failure=%+v", we)
	}
	if logs.Len() != 1 {
		t.Fatalf("expected one error log, got %d", logs.Len())
	}
}

type failingList struct{ inventory.Store }

func (failingList) List(context.Context, string) ([]inventory.Record, error) {
	return nil, errors.New("connection refused")
}

func TestInventoryReadFailureFailsRun(t *testing.T) {
	_, err := newTestReconciler(failingList{}).Run(context.Background(), snap(abcItem()))
	if err == nil || !strings.Contains(err.Error(), "inventory read") {
		t.Fatalf("expected read failure, got %v", err)
	}
}

func TestSecondRunIsIdempotent(t *testing.T) {
	store := inventory.NewMemoryStore()
	items := []listing.Item{
		abcItem(),
		{Source: "ebay", ListingID: "555", Title: "Listing only", AvailableQuantity: 1, Price: listing.NoPrice(), URL: "https://www.ebay.com/itm/555"},
	}
	rc := newTestReconciler(store)
	first, _ := rc.Run(context.Background(), snap(items...))
	if first.Created != 2 {
		t.Fatalf("first=%s", first)
	}
	second, _ := rc.Run(context.Background(), snap(items...))
	if second.Created != 0 || second.Updated != 0 || second.Unchanged != 2 {
		t.Fatalf("second=%s", second)
	}
}

func TestDuplicateWithinRunMatchesFoldedRecord(t *testing.T) {
	store := inventory.NewMemoryStore()
	a := abcItem()
	b := abcItem()
	b.ListingID = "900"
	b.AvailableQuantity = 6
	sum, _ := newTestReconciler(store).Run(context.Background(), snapshot.Snapshot{Items: []listing.Item{a, b}})
	if sum.Created != 1 || sum.Updated != 1 {
		t.Fatalf("summary=%s", sum)
	}
}

func TestFindMatchConflictPrefersSKU(t *testing.T) {
	recs := []inventory.Record{
		{ID: "by-listing", Source: "ebay", ListingID: "77"},
		{ID: "by-sku", Source: "ebay", SKU: "ABC"},
	}
	m := FindMatch(recs, listing.Item{Source: "ebay", SKU: "ABC", ListingID: "77"})
	if m.Index != 1 || m.Rule != RuleSKU {
		t.Fatalf("match=%+v", m)
	}
	if !strings.Contains(m.Conflict, "listingId matches record by-listing") {
		t.Fatalf("conflict=%q", m.Conflict)
	}
	if m := FindMatch(recs, listing.Item{Source: "ebay", URL: "nowhere"}); m.Index != -1 {
		t.Fatalf("unexpected match %+v", m)
	}
}

func TestCSVToReconcileEndToEnd(t *testing.T) {
	recs, err := adapters.ReadCSVReport("Custom label (SKU),Title,Available quantity,Price\nABC,Card,5,$12.00\n")
	if err != nil {
		t.Fatal(err)
	}
	var items []listing.Item
	for _, r := range recs {
		if it, ok := listing.FromCSVRow(r); ok {
			items = append(items, it)
		}
	}
	store := inventory.NewMemoryStore(inventory.Record{ID: "r1", Source: "ebay", SKU: "ABC", Stock: 2, PricePaid: listing.PriceFromFloat(1)})
	sum, _ := newTestReconciler(store).Run(context.Background(), snap(items...))
	if sum.Updated != 1 {
		t.Fatalf("summary=%s", sum)
	}
	if r, _ := store.Get("r1"); r.Stock != 5 {
		t.Fatalf("stock=%d", r.Stock)
	}
}

func TestAppendAudit(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit", "reconcile.csv")
	outs := []Outcome{
		{Key: "ABC", SKU: "ABC", Action: ActionUpdate, Rule: RuleSKU, RecordID: "r1"},
		{Key: "x", Action: ActionFailed, Err: &listing.WriteError{Op: "create", Key: "x", Err: errors.New("boom")}},
	}
	if err := AppendAudit(path, "run-1", fixedNow, outs); err != nil {
		t.Fatal(err)
	}
	if err := AppendAudit(path, "run-2", fixedNow, outs[:1]); err != nil {
		t.Fatal(err)
	}
	b, _ := os.ReadFile(path)
	rows, err := adapters.ParseDelimited(string(b))
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 4 || rows[0][0] != "run_id" || rows[3][0] != "run-2" {
		t.Fatalf("rows=%q", rows)
	}
	if !strings.Contains(rows[2][9], "boom") {
		t.Fatalf("error column=%q", rows[2][9])
	}
}

func TestCancelledRunAuditsAppliedWrites(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	store := inventory.NewMemoryStore()
	store.FailOn = func(op string, p inventory.Payload) error {
		cancel() // the write itself still lands
		return nil
	}
	path := filepath.Join(t.TempDir(), "audit.csv")
	sum, err := newTestReconciler(store).RunAudited(ctx, snap(
		abcItem(),
		listing.Item{Source: "ebay", SKU: "DEF", Title: "DEF", AvailableQuantity: 1},
	), path, "run-c")
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err=%v", err)
	}
	if sum.Created != 1 || len(sum.Outcomes) != 1 {
		t.Fatalf("summary=%s outcomes=%d", sum, len(sum.Outcomes))
	}
	if creates, _ := store.Writes(); creates != 1 {
		t.Fatalf("creates=%d", creates)
	}
	b, _ := os.ReadFile(path)
	rows, _ := adapters.ParseDelimited(string(b))
	if len(rows) != 2 || rows[1][0] != "run-c" || rows[1][5] != string(ActionCreate) || rows[1][7] != sum.Outcomes[0].RecordID {
		t.Fatalf("rows=%q", rows)
	}
}

func TestRunAuditedSkipsAuditOnReadFailure(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.csv")
	_, err := newTestReconciler(failingList{}).RunAudited(context.Background(), snap(abcItem()), path, "run-r")
	if err == nil {
		t.Fatal("expected read failure")
	}
	if _, statErr := os.Stat(path); !os.IsNotExist(statErr) {
		t.Fatalf("audit file should not exist: %v", statErr)
	}
}
