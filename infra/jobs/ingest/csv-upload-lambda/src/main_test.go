package main

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"go.uber.org/zap"

	"marketplace-listing-sync/inventory"
	"marketplace-listing-sync/listing"
	"marketplace-listing-sync/snapshot"
)

const report = "Custom label (SKU),Title,Available quantity,Price\nABC,Charizard Holo,5,$12.00\nNEW1,Pikachu,1,$3.50\n"

type fakeMirror struct {
	got []snapshot.Snapshot
	err error
}

func (f *fakeMirror) Publish(_ context.Context, s snapshot.Snapshot) error {
	f.got = append(f.got, s)
	return f.err
}

func newHandler(store inventory.Store, mirror publisher) *uploadHandler {
	return &uploadHandler{
		store:        store,
		mirror:       mirror,
		defaultStore: "cards",
		log:          zap.NewNop(),
		now:          func() time.Time { return time.Date(2025, 4, 1, 12, 0, 0, 0, time.UTC) },
	}
}

func TestUploadReconcilesAndMirrors(t *testing.T) {
	store := inventory.NewMemoryStore(inventory.Record{ID: "r1", Source: listing.SourceEbay, SKU: "ABC", Stock: 1, PricePaid: listing.PriceFromFloat(4)})
	mirror := &fakeMirror{}
	h := newHandler(store, mirror)

	resp, err := h.handle(context.Background(), events.APIGatewayProxyRequest{
		Body:                  base64.StdEncoding.EncodeToString([]byte(report)),
		IsBase64Encoded:       true,
		QueryStringParameters: map[string]string{"store": "shop-a"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != 200 {
		t.Fatalf("status=%d body=%s", resp.StatusCode, resp.Body)
	}
	var body uploadResponse
	if err := json.Unmarshal([]byte(resp.Body), &body); err != nil {
		t.Fatal(err)
	}
	if body.Store != "shop-a" || body.Items != 2 || !body.Mirrored {
		t.Fatalf("body=%+v", body)
	}
	if body.Reconcile == nil || body.Reconcile.Updated != 1 || body.Reconcile.Created != 1 {
		t.Fatalf("reconcile=%+v", body.Reconcile)
	}
	if len(mirror.got) != 1 || mirror.got[0].Store != "shop-a" {
		t.Fatalf("mirror=%+v", mirror.got)
	}
	if r, _ := store.Get("r1"); r.Stock != 5 || !r.PricePaid.Equal(listing.PriceFromFloat(4)) {
		t.Fatalf("record=%+v", r)
	}
}

func TestUploadWithoutStoreOnlyBuildsSnapshot(t *testing.T) {
	h := newHandler(nil, &fakeMirror{err: errors.New("redis down")})
	resp, _ := h.handle(context.Background(), events.APIGatewayProxyRequest{Body: report})
	if resp.StatusCode != 200 {
		t.Fatalf("status=%d body=%s", resp.StatusCode, resp.Body)
	}
	var body uploadResponse
	_ = json.Unmarshal([]byte(resp.Body), &body)
	if body.Store != "cards" || body.Items != 2 || body.Mirrored || body.Reconcile != nil {
		t.Fatalf("body=%+v", body)
	}
}

func TestUploadRejectsBadReports(t *testing.T) {
	h := newHandler(nil, nil)
	for name, req := range map[string]events.APIGatewayProxyRequest{
		"empty":       {Body: "  "},
		"header only": {Body: "Title,Price\n"},
		"no columns":  {Body: "foo,bar\n1,2\n"},
		"bad base64":  {Body: "%%%", IsBase64Encoded: true},
	} {
		resp, err := h.handle(context.Background(), req)
		if err != nil {
			t.Fatalf("%s: %v", name, err)
		}
		if resp.StatusCode != 400 {
			t.Fatalf("%s: status=%d body=%s", name, resp.StatusCode, resp.Body)
		}
		var body errorResponse
		_ = json.Unmarshal([]byte(resp.Body), &body)
		if body.Class != "validation" {
			t.Fatalf("%s: class=%q", name, body.Class)
		}
	}
}

func TestReadFailureIsServerError(t *testing.T) {
	resp := errorResult(errors.New("inventory read (source=ebay): connection refused"))
	if resp.StatusCode != 500 {
		t.Fatalf("status=%d", resp.StatusCode)
	}
}
