package adapters

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"marketplace-listing-sync/listing"
)

const ldPage = `<html><head>
<script type="application/ld+json">
{"@context":"https://schema.org","@type":"ItemList","itemListElement":[
 {"@type":"ListItem","position":1,"item":{"name":"Charizard &amp; Friends","url":"https://www.ebay.com/itm/111222333","offers":{"price":"19.99","priceCurrency":"USD"}}},
 {"@type":"ListItem","position":2,"item":{"name":"Blastoise","url":"https://www.ebay.com/itm/Blastoise-Holo/444555666","offers":[{"price":7.5,"priceCurrency":"GBP"}]}},
 {"@type":"ListItem","position":3,"item":{"name":"Charizard again","url":"https://www.ebay.com/itm/111222333?var=2"}}
]}
</script>
<script type="application/ld+json">{"@type":"BreadcrumbList"}</script>
</head><body></body></html>`

const cardsPage = `<ul>
<li class="s-item s-item__pl-on-bottom"><a class="s-item__link" href="https://www.ebay.com/itm/123"></a>
  <span class="s-item__title">Shop on eBay</span><span class="s-item__price">$20.00</span></li>
<li class="s-item"><a class="s-item__link" href="https://www.ebay.com/itm/987654321?hash=item&amp;x=1">x</a>
  <h3 class="s-item__title"><b>NEW LISTING</b> Mew &amp; Mewtwo   GX</h3>
  <span class="s-item__price">$5.00 to $9.00</span><span class="s-item__qty">1,204 available</span></li>
<li class="s-item"><a class="s-item__link" href="https://www.ebay.com/itm/987654321?hash=dup">x</a>
  <h3 class="s-item__title">Mew duplicate</h3></li>
<li class="s-item"><span class="s-item__price">£3.10</span></li>
</ul>`

func TestExtractStructuredData(t *testing.T) {
	blocks, parsed := ExtractStructuredData(ldPage)
	if !parsed {
		t.Fatalf("expected JSON-LD to parse")
	}
	if len(blocks) != 3 {
		t.Fatalf("blocks=%d", len(blocks))
	}
	b := blocks[0]
	if b.Title != "Charizard & Friends" || b.ListingID != "111222333" || b.PriceText != "19.99" || b.Currency != "USD" {
		t.Fatalf("unexpected first block: %+v", b)
	}
	if blocks[1].ListingID != "444555666" || blocks[1].PriceText != "7.5" || blocks[1].Currency != "GBP" {
		t.Fatalf("unexpected second block: %+v", blocks[1])
	}
}

func TestExtractStructuredDataGraphAndComments(t *testing.T) {
	page := `<script type='application/ld+json'><!--
{"@graph":[{"@type":["ItemList"],"itemListElement":[{"name":"A","url":"https://www.ebay.com/itm/42"}]}]}
--></script>`
	blocks, parsed := ExtractStructuredData(page)
	if !parsed || len(blocks) != 1 || blocks[0].ListingID != "42" {
		t.Fatalf("parsed=%v blocks=%+v", parsed, blocks)
	}

	if _, parsed := ExtractStructuredData(`<script type="application/ld+json">{not json</script>`); parsed {
		t.Fatalf("garbage must not count as parsed")
	}
}

func TestExtractSearchResults(t *testing.T) {
	blocks := ExtractSearchResults(cardsPage)
	if len(blocks) != 3 {
		t.Fatalf("blocks=%d (%+v)", len(blocks), blocks)
	}
	b := blocks[1]
	if b.Title != "NEW LISTING Mew & Mewtwo GX" {
		t.Fatalf("title=%q", b.Title)
	}
	if b.URL != "https://www.ebay.com/itm/987654321?hash=item&x=1" || b.ListingID != "987654321" {
		t.Fatalf("url=%q id=%q", b.URL, b.ListingID)
	}
	if b.PriceText != "$5.00" || b.Currency != "USD" || b.QuantityHint != "1,204" {
		t.Fatalf("unexpected block: %+v", b)
	}
}

func TestParseSearchPageFallbackDenylistAndDedup(t *testing.T) {
	blocks, err := ParseSearchPage(cardsPage, "https://example.test/p1")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	// "Shop on eBay" filtered, duplicate listing id dropped, price-only card has no key.
	if len(blocks) != 1 || blocks[0].ListingID != "987654321" {
		t.Fatalf("blocks=%+v", blocks)
	}
	it, ok := listing.FromScrapedBlock(blocks[0])
	if !ok || it.AvailableQuantity != 1204 || !it.Price.Equal(listing.PriceFromFloat(5)) {
		t.Fatalf("item=%+v", it)
	}

	blocks, err = ParseSearchPage(ldPage, "https://example.test/p1")
	if err != nil || len(blocks) != 2 {
		t.Fatalf("structured path: blocks=%d err=%v", len(blocks), err)
	}
}

func TestParseSearchPageBlocked(t *testing.T) {
	for name, page := range map[string]string{
		"structured": strings.Replace(ldPage, "<body>", "<body>Please verify yourself to continue", 1),
		"fallback":   cardsPage + "<p>Please Verify Yourself To Continue</p>",
	} {
		blocks, err := ParseSearchPage(page, "https://example.test/p1")
		var be *listing.BlockedError
		if !errors.As(err, &be) {
			t.Fatalf("%s: expected BlockedError, got %v", name, err)
		}
		if be.URL != "https://example.test/p1" || len(blocks) != 0 {
			t.Fatalf("%s: url=%q blocks=%d", name, be.URL, len(blocks))
		}
	}
}

func TestScraperPagesAndBlockAborts(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		if r.URL.Query().Get("_ssn") != "seller1" {
			http.Error(w, "bad seller", http.StatusBadRequest)
			return
		}
		switch r.URL.Query().Get("_pgn") {
		case "1":
			fmt.Fprint(w, ldPage)
		case "2":
			fmt.Fprint(w, `<li class="s-item"><a class="s-item__link" href="https://www.ebay.com/itm/777">x</a><span class="s-item__title">Pikachu</span></li>`)
		default:
			w.WriteHeader(http.StatusForbidden)
			fmt.Fprint(w, "<h1>Pardon Our Interruption</h1>")
		}
	}))
	defer srv.Close()

	s, err := NewScraper(ScraperOptions{Seller: "seller1", Pages: 2, BaseURL: srv.URL}, nil)
	if err != nil {
		t.Fatal(err)
	}
	blocks, err := s.Scrape(context.Background())
	if err != nil {
		t.Fatalf("scrape: %v", err)
	}
	if len(blocks) != 3 {
		t.Fatalf("blocks=%d", len(blocks))
	}

	s, _ = NewScraper(ScraperOptions{Seller: "seller1", Pages: 3, BaseURL: srv.URL, HTTP: HTTPOptions{RetryMax: 0}}, nil)
	blocks, err = s.Scrape(context.Background())
	var be *listing.BlockedError
	if !errors.As(err, &be) || blocks != nil {
		t.Fatalf("expected BlockedError with no partial results, got %v (%d blocks)", err, len(blocks))
	}
	if !strings.Contains(be.URL, "_pgn=3") {
		t.Fatalf("blocked url=%q", be.URL)
	}
}

func TestScraperDoesNotRetryChallengeServedAs503(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusServiceUnavailable)
		fmt.Fprint(w, "<h1>Pardon Our Interruption</h1>")
	}))
	defer srv.Close()

	s, _ := NewScraper(ScraperOptions{Seller: "seller1", BaseURL: srv.URL, HTTP: HTTPOptions{RetryMax: 2, FallbackThrottle: 10 * time.Millisecond}}, nil)
	_, err := s.Scrape(context.Background())
	var be *listing.BlockedError
	if !errors.As(err, &be) {
		t.Fatalf("expected BlockedError, got %v", err)
	}
	if n := atomic.LoadInt32(&hits); n != 1 {
		t.Fatalf("challenge page fetched %d times", n)
	}
}

func TestScraperHTTPErrorIsNetworkError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gone", http.StatusNotFound)
	}))
	defer srv.Close()
	s, _ := NewScraper(ScraperOptions{Seller: "x", BaseURL: srv.URL}, nil)
	_, err := s.Scrape(context.Background())
	var ne *listing.NetworkError
	if !errors.As(err, &ne) || ne.StatusCode != http.StatusNotFound || ne.Stage != "scrape" {
		t.Fatalf("expected scrape NetworkError 404, got %v", err)
	}
}

func TestNewScraperRequiresSeller(t *testing.T) {
	_, err := NewScraper(ScraperOptions{}, nil)
	var ce *listing.ConfigurationError
	if !errors.As(err, &ce) || ce.Missing[0] != "EBAY_SELLER" {
		t.Fatalf("expected ConfigurationError, got %v", err)
	}
}
