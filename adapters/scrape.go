//go:build !js

package adapters

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"html"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"marketplace-listing-sync/listing"
)

// ─────────────────────────────────────────────────────────────────────────────
// Block-page detection
// ─────────────────────────────────────────────────────────────────────────────

var blockedSignals = []string{
	"pardon our interruption",
	"please verify yourself to continue",
	"verify yourself",
	"captcha",
	"unusual activity",
	"automated access",
}

// DetectBlocked reports the first verification/anti-automation phrase found in page.
func DetectBlocked(page string) (string, bool) {
	lowered := strings.ToLower(page)
	for _, s := range blockedSignals {
		if strings.Contains(lowered, s) {
			return s, true
		}
	}
	return "", false
}

// ─────────────────────────────────────────────────────────────────────────────
// Strategy A: embedded JSON-LD ItemList
// ─────────────────────────────────────────────────────────────────────────────

var (
	ldJSONRE       = regexp.MustCompile(`(?is)<script[^>]+type=["']application/ld\+json["'][^>]*>(.*?)</script>`)
	htmlCommentsRE = regexp.MustCompile(`^\s*<!--|-->\s*$`)
)

// ExtractStructuredData returns the listings found in JSON-LD ItemList blocks.
// parsed is false when the page has no block that decodes as JSON.
func ExtractStructuredData(page string) (blocks []listing.ScrapedBlock, parsed bool) {
	for _, m := range ldJSONRE.FindAllStringSubmatch(page, -1) {
		raw := strings.TrimSpace(m[1])
		if raw == "" {
			continue
		}
		doc, ok := decodeLD(raw)
		if !ok {
			continue
		}
		parsed = true
		blocks = append(blocks, walkLD(doc)...)
	}
	return blocks, parsed
}

func decodeLD(raw string) (any, bool) {
	try := func(s string) (any, bool) {
		dec := json.NewDecoder(strings.NewReader(s))
		dec.UseNumber()
		var v any
		if err := dec.Decode(&v); err != nil {
			return nil, false
		}
		return v, true
	}
	if v, ok := try(raw); ok {
		return v, true
	}
	return try(strings.TrimSpace(htmlCommentsRE.ReplaceAllString(raw, "")))
}

// walkLD visits arrays, @graph containers and ItemList documents.
func walkLD(doc any) []listing.ScrapedBlock {
	switch v := doc.(type) {
	case []any:
		var out []listing.ScrapedBlock
		for _, d := range v {
			out = append(out, walkLD(d)...)
		}
		return out
	case map[string]any:
		if g, ok := v["@graph"]; ok {
			return walkLD(g)
		}
		if !hasLDType(v["@type"], "ItemList") {
			return nil
		}
		elems, _ := v["itemListElement"].([]any)
		out := make([]listing.ScrapedBlock, 0, len(elems))
		for _, el := range elems {
			if b, ok := blockFromLD(el); ok {
				out = append(out, b)
			}
		}
		return out
	}
	return nil
}

func hasLDType(t any, want string) bool {
	switch v := t.(type) {
	case string:
		return v == want
	case []any:
		for _, x := range v {
			if s, _ := x.(string); s == want {
				return true
			}
		}
	}
	return false
}

func blockFromLD(el any) (listing.ScrapedBlock, bool) {
	m, ok := el.(map[string]any)
	if !ok {
		return listing.ScrapedBlock{}, false
	}
	if inner, ok := m["item"].(map[string]any); ok {
		m = inner
	}
	name := strings.TrimSpace(ldString(m["name"]))
	u := strings.TrimSpace(ldString(m["url"]))
	if name == "" && u == "" {
		return listing.ScrapedBlock{}, false
	}
	var offer map[string]any
	switch o := m["offers"].(type) {
	case map[string]any:
		offer = o
	case []any:
		if len(o) > 0 {
			offer, _ = o[0].(map[string]any)
		}
	}
	b := listing.ScrapedBlock{
		Title:     html.UnescapeString(name),
		URL:       u,
		ListingID: listing.ListingIDFromURL(u),
	}
	if offer != nil {
		b.PriceText = ldString(offer["price"])
		b.Currency = ldString(offer["priceCurrency"])
	}
	return b, true
}

func ldString(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case json.Number:
		return x.String()
	case bool:
		return strconv.FormatBool(x)
	}
	return ""
}

// ─────────────────────────────────────────────────────────────────────────────
// Strategy B: result-card pattern scan
// ─────────────────────────────────────────────────────────────────────────────

var (
	itemBlockRE = regexp.MustCompile(`(?is)<li[^>]*class="[^"]*\bs-item\b[^"]*"[^>]*>.*?</li>`)
	itemLinkRE  = regexp.MustCompile(`(?is)<a[^>]*class="[^"]*\bs-item__link\b[^"]*"[^>]*href="([^"]+)"`)
	itemTitleRE = regexp.MustCompile(`(?is)<(?:h3|span)[^>]*class="[^"]*\bs-item__title\b[^"]*"[^>]*>(.*?)</(?:h3|span)>`)
	itemPriceRE = regexp.MustCompile(`(?is)<span[^>]*class="[^"]*\bs-item__price\b[^"]*"[^>]*>(.*?)</span>`)
	availableRE = regexp.MustCompile(`(?i)(\d[\d,]*)\s+available`)
	tagRE       = regexp.MustCompile(`<[^>]*>`)
	spacesRE    = regexp.MustCompile(`\s+`)
)

// ExtractSearchResults scans server-rendered result cards.
func ExtractSearchResults(page string) []listing.ScrapedBlock {
	var out []listing.ScrapedBlock
	for _, block := range itemBlockRE.FindAllString(page, -1) {
		var b listing.ScrapedBlock
		if m := itemLinkRE.FindStringSubmatch(block); m != nil {
			b.URL = html.UnescapeString(m[1])
		}
		if m := itemTitleRE.FindStringSubmatch(block); m != nil {
			b.Title = stripTags(m[1])
		}
		if m := itemPriceRE.FindStringSubmatch(block); m != nil {
			text := stripTags(m[1])
			b.PriceText = firstAmount(text)
			b.Currency = currencyFromText(text)
		}
		b.ListingID = listing.ListingIDFromURL(b.URL)
		if m := availableRE.FindStringSubmatch(stripTags(block)); m != nil {
			b.QuantityHint = m[1]
		}
		if b.Title == "" && b.URL == "" {
			continue
		}
		out = append(out, b)
	}
	return out
}

func stripTags(s string) string {
	s = html.UnescapeString(tagRE.ReplaceAllString(s, " "))
	return strings.TrimSpace(spacesRE.ReplaceAllString(s, " "))
}

// firstAmount keeps the low end of a range like "$5.00 to $9.00".
func firstAmount(text string) string {
	if i := strings.Index(strings.ToLower(text), " to "); i > 0 {
		return strings.TrimSpace(text[:i])
	}
	return text
}

func currencyFromText(text string) string {
	t := strings.ToUpper(strings.TrimSpace(text))
	switch {
	case strings.HasPrefix(t, "AU $"):
		return "AUD"
	case strings.HasPrefix(t, "C $"):
		return "CAD"
	case strings.Contains(t, "£") || strings.HasPrefix(t, "GBP"):
		return "GBP"
	case strings.Contains(t, "€") || strings.HasPrefix(t, "EUR"):
		return "EUR"
	case strings.Contains(t, "$"):
		return "USD"
	}
	return ""
}

// ─────────────────────────────────────────────────────────────────────────────
// Dispatcher
// ─────────────────────────────────────────────────────────────────────────────

// Promotional cards that are not listings.
var titleDenylist = map[string]struct{}{
	"shop on ebay": {},
}

// ParseSearchPage runs the block check, then strategy A, then strategy B when A
// yields nothing. Results are filtered and deduplicated by matching key.
func ParseSearchPage(page, pageURL string) ([]listing.ScrapedBlock, error) {
	if sig, blocked := DetectBlocked(page); blocked {
		return nil, &listing.BlockedError{URL: pageURL, Signal: sig}
	}
	blocks, _ := ExtractStructuredData(page)
	if len(blocks) == 0 {
		blocks = ExtractSearchResults(page)
	}
	return dedupBlocks(blocks), nil
}

func blockKey(b listing.ScrapedBlock) string {
	id := strings.TrimSpace(b.ListingID)
	if id == "" {
		id = listing.ListingIDFromURL(b.URL)
	}
	for _, k := range []string{id, strings.TrimSpace(b.URL), strings.TrimSpace(b.Title)} {
		if k != "" {
			return k
		}
	}
	return ""
}

func dedupBlocks(in []listing.ScrapedBlock) []listing.ScrapedBlock {
	seen := make(map[string]struct{}, len(in))
	out := make([]listing.ScrapedBlock, 0, len(in))
	for _, b := range in {
		if _, deny := titleDenylist[strings.ToLower(strings.TrimSpace(b.Title))]; deny {
			continue
		}
		k := blockKey(b)
		if k == "" {
			continue
		}
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, b)
	}
	return out
}

// ─────────────────────────────────────────────────────────────────────────────
// Seller search pages
// ─────────────────────────────────────────────────────────────────────────────

const defaultSearchBase = "https://www.ebay.com"

// FetchMeta provides request-level telemetry for one page.
type FetchMeta struct {
	StatusCode int
	Latency    time.Duration
}

// ScraperOptions configures a Scraper.
type ScraperOptions struct {
	Seller  string
	Pages   int
	BaseURL string // default https://www.ebay.com; tests point it at httptest
	HTTP    HTTPOptions
}

// Scraper fetches a seller's public search pages. Best-effort: it does not bypass
// verification pages.
type Scraper struct {
	seller string
	pages  int
	base   string
	doer   *httpDoer
	log    *zap.Logger
}

func NewScraper(opts ScraperOptions, log *zap.Logger) (*Scraper, error) {
	seller := strings.TrimSpace(opts.Seller)
	if seller == "" {
		return nil, &listing.ConfigurationError{Missing: []string{"EBAY_SELLER"}}
	}
	base := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if base == "" {
		base = defaultSearchBase
	}
	if _, err := url.Parse(base); err != nil {
		return nil, &listing.ConfigurationError{Msg: fmt.Sprintf("invalid search base url: %v", err)}
	}
	if opts.Pages < 1 {
		opts.Pages = 1
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Scraper{seller: seller, pages: opts.Pages, base: base, doer: newHTTPDoer(opts.HTTP), log: log}, nil
}

func (s *Scraper) Seller() string { return s.seller }

// SearchURL builds the public seller search URL for a 1-based page.
func (s *Scraper) SearchURL(page int) string {
	q := url.Values{}
	q.Set("_ssn", s.seller)
	q.Set("rt", "nc")
	q.Set("_pgn", strconv.Itoa(page))
	return s.base + "/sch/i.html?" + q.Encode()
}

// SearchPage fetches and parses one page. The block check runs before the status
// check so a challenge served with 403/503 still surfaces as BlockedError.
func (s *Scraper) SearchPage(ctx context.Context, page int) ([]listing.ScrapedBlock, FetchMeta, error) {
	u := s.SearchURL(page)
	start := time.Now()
	body, code, err := s.doer.do(ctx, request{method: http.MethodGet, url: u, stop: isBlockedPage})
	meta := FetchMeta{StatusCode: code, Latency: time.Since(start)}
	if err != nil {
		return nil, meta, &listing.NetworkError{Stage: "scrape", URL: u, StatusCode: code, Err: err}
	}
	if sig, blocked := DetectBlocked(string(body)); blocked {
		return nil, meta, &listing.BlockedError{URL: u, Signal: sig}
	}
	if !statusOK(code) {
		return nil, meta, &listing.NetworkError{Stage: "scrape", URL: u, StatusCode: code, Body: snippet(body), Err: httpStatusErr(code)}
	}
	if !bytes.Contains(body, []byte("application/ld+json")) {
		s.log.Debug("no structured data on page; using result-card scan", zap.Int("page", page))
	}
	blocks, err := ParseSearchPage(string(body), u)
	return blocks, meta, err
}

func isBlockedPage(body []byte) bool {
	_, blocked := DetectBlocked(string(body))
	return blocked
}

// Scrape walks pages 1..Pages. Any page error aborts the scrape and no partial
// results are returned.
func (s *Scraper) Scrape(ctx context.Context) ([]listing.ScrapedBlock, error) {
	var all []listing.ScrapedBlock
	for page := 1; page <= s.pages; page++ {
		blocks, meta, err := s.SearchPage(ctx, page)
		if err != nil {
			s.log.Error("scrape page failed", zap.Int("page", page), zap.Int("http", meta.StatusCode), zap.Error(err))
			return nil, err
		}
		s.log.Info("scraped page",
			zap.Int("page", page),
			zap.Int("items", len(blocks)),
			zap.Duration("latency", meta.Latency))
		all = append(all, blocks...)
	}
	return dedupBlocks(all), nil
}
