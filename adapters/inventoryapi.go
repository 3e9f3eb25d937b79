//go:build !js

package adapters

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"

	"go.uber.org/zap"

	"marketplace-listing-sync/listing"
)

const (
	ProdAPIBase    = "https://api.ebay.com"
	SandboxAPIBase = "https://api.sandbox.ebay.com"

	inventoryScope = "https://api.ebay.com/oauth/api_scope/sell.inventory.readonly"

	// Upstream limits as observed; both are tunable.
	DefaultPageSize  = 200
	DefaultBulkChunk = 25
)

// ───────── Credentials ─────────

// Credentials for the refresh-token grant.
type Credentials struct {
	ClientID     string
	ClientSecret string
	RefreshToken string
}

// Validate returns a ConfigurationError naming every missing setting.
func (c Credentials) Validate() error {
	var missing []string
	if strings.TrimSpace(c.ClientID) == "" {
		missing = append(missing, "EBAY_CLIENT_ID")
	}
	if strings.TrimSpace(c.ClientSecret) == "" {
		missing = append(missing, "EBAY_CLIENT_SECRET")
	}
	if strings.TrimSpace(c.RefreshToken) == "" {
		missing = append(missing, "EBAY_REFRESH_TOKEN")
	}
	if len(missing) > 0 {
		return &listing.ConfigurationError{Missing: missing}
	}
	return nil
}

// APIBase picks the host for EBAY_ENV (SANDBOX or anything else for production).
func APIBase(env string) string {
	if strings.EqualFold(strings.TrimSpace(env), "SANDBOX") {
		return SandboxAPIBase
	}
	return ProdAPIBase
}

// ───────── Wire shapes ─────────

// optInt accepts a JSON number or numeric string; Valid is false for null/missing/garbage.
type optInt struct {
	N     int
	Valid bool
}

func (o *optInt) UnmarshalJSON(b []byte) error {
	s := strings.Trim(strings.TrimSpace(string(b)), `"`)
	if s == "" || s == "null" {
		*o = optInt{}
		return nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		*o = optInt{}
		return nil
	}
	n := int(math.Trunc(f))
	if n < 0 {
		n = 0
	}
	*o = optInt{N: n, Valid: true}
	return nil
}

func (o optInt) ptr() *int {
	if !o.Valid {
		return nil
	}
	n := o.N
	return &n
}

// optAmount is a price field that never fails decoding: numbers and strings go
// through listing.ToNumber, anything unreadable is an absent price.
type optAmount struct {
	listing.Price
}

func (a *optAmount) UnmarshalJSON(b []byte) error {
	raw := strings.TrimSpace(string(b))
	switch {
	case raw == "" || raw == "null" || raw[0] == '{' || raw[0] == '[':
		a.Price = listing.NoPrice()
		return nil
	case raw[0] == '"':
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			a.Price = listing.NoPrice()
			return nil
		}
		raw = s
	}
	a.Price = listing.ToNumber(raw)
	return nil
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int    `json:"expires_in"`
	TokenType   string `json:"token_type"`
}

type inventoryPage struct {
	Total          *int `json:"total"`
	InventoryItems []struct {
		SKU string `json:"sku"`
	} `json:"inventoryItems"`
}

// InventoryItem is the subset of the bulk-detail payload the sync reads.
type InventoryItem struct {
	Product struct {
		Title   string              `json:"title"`
		Aspects map[string][]string `json:"aspects"`
	} `json:"product"`
	Availability struct {
		ShipToLocationAvailability struct {
			Quantity optInt `json:"quantity"`
		} `json:"shipToLocationAvailability"`
	} `json:"availability"`
}

func (it *InventoryItem) title() string {
	if it == nil {
		return ""
	}
	if t := strings.TrimSpace(it.Product.Title); t != "" {
		return t
	}
	if v := it.Product.Aspects["Title"]; len(v) > 0 {
		return strings.TrimSpace(v[0])
	}
	return ""
}

type bulkRequest struct {
	Requests []bulkSKU `json:"requests"`
}

type bulkSKU struct {
	SKU string `json:"sku"`
}

type bulkResponse struct {
	Responses []struct {
		SKU           string         `json:"sku"`
		StatusCode    int            `json:"statusCode"`
		InventoryItem *InventoryItem `json:"inventoryItem"`
	} `json:"responses"`
}

// Offer is the subset of an offer the sync reads.
type Offer struct {
	OfferID           string `json:"offerId"`
	Status            string `json:"status"`
	ListingID         string `json:"listingId"`
	AvailableQuantity optInt `json:"availableQuantity"`
	Listing           struct {
		ListingID string `json:"listingId"`
	} `json:"listing"`
	PricingSummary struct {
		Price struct {
			Value    optAmount `json:"value"`
			Currency string    `json:"currency"`
		} `json:"price"`
	} `json:"pricingSummary"`
}

func (o *Offer) listingID() string {
	if o == nil {
		return ""
	}
	return firstTrimmed(o.ListingID, o.Listing.ListingID)
}

type offersResponse struct {
	Offers []Offer `json:"offers"`
}

// PickBestOffer prefers a PUBLISHED offer, else the first one. Nil when empty.
func PickBestOffer(offers []Offer) *Offer {
	for i := range offers {
		if strings.EqualFold(strings.TrimSpace(offers[i].Status), "PUBLISHED") {
			return &offers[i]
		}
	}
	if len(offers) > 0 {
		return &offers[0]
	}
	return nil
}

// ───────── Client ─────────

// SyncOptions configures a SyncClient.
type SyncOptions struct {
	Credentials Credentials
	BaseURL     string // default from APIBase
	PageSize    int
	BulkChunk   int

	// OfferWorkers bounds concurrent per-SKU offer lookups. 1 = sequential.
	OfferWorkers int

	HTTP HTTPOptions
}

// SyncClient reads the seller inventory through the OAuth2-protected REST API.
type SyncClient struct {
	creds     Credentials
	base      string
	pageSize  int
	bulkChunk int
	workers   int
	doer      *httpDoer
	log       *zap.Logger
}

func NewSyncClient(opts SyncOptions, log *zap.Logger) (*SyncClient, error) {
	if err := opts.Credentials.Validate(); err != nil {
		return nil, err
	}
	base := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if base == "" {
		base = ProdAPIBase
	}
	if _, err := url.Parse(base); err != nil {
		return nil, &listing.ConfigurationError{Msg: fmt.Sprintf("invalid api base url: %v", err)}
	}
	if opts.PageSize <= 0 {
		opts.PageSize = DefaultPageSize
	}
	if opts.BulkChunk <= 0 {
		opts.BulkChunk = DefaultBulkChunk
	}
	if opts.OfferWorkers <= 0 {
		opts.OfferWorkers = 1
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &SyncClient{
		creds:     opts.Credentials,
		base:      base,
		pageSize:  opts.PageSize,
		bulkChunk: opts.BulkChunk,
		workers:   opts.OfferWorkers,
		doer:      newHTTPDoer(opts.HTTP),
		log:       log,
	}, nil
}

// getJSON performs a request and decodes a 2xx JSON body into out. Anything else is
// a NetworkError for stage.
func (c *SyncClient) getJSON(ctx context.Context, stage string, req request, out any) error {
	body, code, err := c.doer.do(ctx, req)
	if err != nil {
		return &listing.NetworkError{Stage: stage, URL: req.url, StatusCode: code, Err: err}
	}
	if !statusOK(code) {
		return &listing.NetworkError{Stage: stage, URL: req.url, StatusCode: code, Body: snippet(body), Err: httpStatusErr(code)}
	}
	if err := json.Unmarshal(body, out); err != nil {
		return &listing.NetworkError{Stage: stage, URL: req.url, StatusCode: code, Body: snippet(body), Err: fmt.Errorf("decode: %w", err)}
	}
	return nil
}

func bearer(token string) http.Header {
	h := http.Header{}
	h.Set("Authorization", "Bearer "+token)
	h.Set("Accept", "application/json")
	return h
}

// AccessToken exchanges the refresh token for a bearer token.
func (c *SyncClient) AccessToken(ctx context.Context) (string, error) {
	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", c.creds.RefreshToken)
	form.Set("scope", inventoryScope)

	basic := base64.StdEncoding.EncodeToString([]byte(c.creds.ClientID + ":" + c.creds.ClientSecret))
	h := http.Header{}
	h.Set("Authorization", "Basic "+basic)
	h.Set("Content-Type", "application/x-www-form-urlencoded")

	u := c.base + "/identity/v1/oauth2/token"
	var tr tokenResponse
	if err := c.getJSON(ctx, "token", request{method: http.MethodPost, url: u, header: h, body: []byte(form.Encode())}, &tr); err != nil {
		return "", err
	}
	if strings.TrimSpace(tr.AccessToken) == "" {
		return "", &listing.NetworkError{Stage: "token", URL: u, Err: errors.New("token response missing access_token")}
	}
	return tr.AccessToken, nil
}

// ListSKUs pages through inventory items until the reported total is reached or a
// page comes back empty.
func (c *SyncClient) ListSKUs(ctx context.Context, token string) ([]string, error) {
	var skus []string
	offset := 0
	for {
		q := url.Values{}
		q.Set("limit", strconv.Itoa(c.pageSize))
		q.Set("offset", strconv.Itoa(offset))
		u := c.base + "/sell/inventory/v1/inventory_item?" + q.Encode()

		var page inventoryPage
		if err := c.getJSON(ctx, "list", request{method: http.MethodGet, url: u, header: bearer(token)}, &page); err != nil {
			return nil, err
		}
		for _, it := range page.InventoryItems {
			if sku := strings.TrimSpace(it.SKU); sku != "" {
				skus = append(skus, sku)
			}
		}
		total := len(skus)
		if page.Total != nil {
			total = *page.Total
		}
		offset += len(page.InventoryItems)
		if len(page.InventoryItems) == 0 || offset >= total {
			return skus, nil
		}
	}
}

// BulkGetItems fetches item details in chunks of BulkChunk SKUs.
func (c *SyncClient) BulkGetItems(ctx context.Context, token string, skus []string) (map[string]*InventoryItem, error) {
	out := make(map[string]*InventoryItem, len(skus))
	u := c.base + "/sell/inventory/v1/bulk_get_inventory_item"
	for i := 0; i < len(skus); i += c.bulkChunk {
		end := i + c.bulkChunk
		if end > len(skus) {
			end = len(skus)
		}
		reqBody := bulkRequest{Requests: make([]bulkSKU, 0, end-i)}
		for _, s := range skus[i:end] {
			reqBody.Requests = append(reqBody.Requests, bulkSKU{SKU: s})
		}
		b, err := json.Marshal(reqBody)
		if err != nil {
			return nil, err
		}
		h := bearer(token)
		h.Set("Content-Type", "application/json")

		var resp bulkResponse
		if err := c.getJSON(ctx, "bulk", request{method: http.MethodPost, url: u, header: h, body: b}, &resp); err != nil {
			return nil, err
		}
		for _, r := range resp.Responses {
			if r.SKU != "" && r.InventoryItem != nil {
				out[r.SKU] = r.InventoryItem
			}
		}
	}
	return out, nil
}

// OffersForSKU lists the offers of one SKU.
func (c *SyncClient) OffersForSKU(ctx context.Context, token, sku string) ([]Offer, error) {
	u := c.base + "/sell/inventory/v1/offer?sku=" + url.QueryEscape(sku)
	var resp offersResponse
	if err := c.getJSON(ctx, "offer", request{method: http.MethodGet, url: u, header: bearer(token)}, &resp); err != nil {
		return nil, err
	}
	return resp.Offers, nil
}

// SyncResult holds one APIRecord per listed SKU (listing order) and the
// best-effort lookups that failed.
type SyncResult struct {
	Records  []listing.APIRecord
	Warnings []*listing.PartialFetchWarning
}

// Sync runs token → list → bulk → offers. Token, list and bulk failures are fatal;
// an offer failure only degrades that SKU.
func (c *SyncClient) Sync(ctx context.Context) (SyncResult, error) {
	token, err := c.AccessToken(ctx)
	if err != nil {
		return SyncResult{}, err
	}
	skus, err := c.ListSKUs(ctx, token)
	if err != nil {
		return SyncResult{}, err
	}
	c.log.Info("listed inventory", zap.Int("skus", len(skus)))

	details, err := c.BulkGetItems(ctx, token, skus)
	if err != nil {
		return SyncResult{}, err
	}

	offers := make([]*Offer, len(skus))
	warns := make([]*listing.PartialFetchWarning, len(skus))

	sem := make(chan struct{}, c.workers)
	var wg sync.WaitGroup
	for i, sku := range skus {
		if ctx.Err() != nil {
			break
		}
		sem <- struct{}{}
		wg.Add(1)
		go func(i int, sku string) {
			defer wg.Done()
			defer func() { <-sem }()
			list, err := c.OffersForSKU(ctx, token, sku)
			if err != nil {
				warns[i] = &listing.PartialFetchWarning{Stage: "offer", Key: sku, Err: err}
				c.log.Warn("offer lookup failed; continuing without offer", zap.String("sku", sku), zap.Error(err))
				return
			}
			offers[i] = PickBestOffer(list)
		}(i, sku)
	}
	wg.Wait()
	if err := ctx.Err(); err != nil {
		return SyncResult{}, &listing.NetworkError{Stage: "offer", Err: err}
	}

	res := SyncResult{Records: make([]listing.APIRecord, 0, len(skus))}
	for i, sku := range skus {
		res.Records = append(res.Records, buildAPIRecord(sku, details[sku], offers[i]))
		if warns[i] != nil {
			res.Warnings = append(res.Warnings, warns[i])
		}
	}
	return res, nil
}

func buildAPIRecord(sku string, it *InventoryItem, offer *Offer) listing.APIRecord {
	rec := listing.APIRecord{SKU: sku, Title: it.title(), OfferPrice: listing.NoPrice()}
	if it != nil {
		rec.InventoryQuantity = it.Availability.ShipToLocationAvailability.Quantity.ptr()
	}
	if offer != nil {
		rec.OfferQuantity = offer.AvailableQuantity.ptr()
		rec.OfferPrice = offer.PricingSummary.Price.Value.Price
		rec.OfferCurrency = offer.PricingSummary.Price.Currency
		rec.OfferID = strings.TrimSpace(offer.OfferID)
		rec.ListingID = offer.listingID()
	}
	return rec
}

func firstTrimmed(v ...string) string {
	for _, s := range v {
		if t := strings.TrimSpace(s); t != "" {
			return t
		}
	}
	return ""
}
