// Package pipeline runs the acquisition sources of one ingestion run and turns
// their output into a snapshot.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"marketplace-listing-sync/adapters"
	"marketplace-listing-sync/listing"
	"marketplace-listing-sync/snapshot"
)

// Source produces normalized items from one acquisition path.
type Source interface {
	Name() string
	Fetch(ctx context.Context) ([]listing.Item, error)
}

// WarningSource is a Source whose fetch can succeed while some per-record stages
// failed. Ingest prefers FetchWithWarnings when a source implements it.
type WarningSource interface {
	Source
	FetchWithWarnings(ctx context.Context) ([]listing.Item, []*listing.PartialFetchWarning, error)
}

// ───────── CSV report ─────────

type CSVSource struct {
	Path string
	Text string // used instead of Path when non-empty (uploads)
}

func (s CSVSource) Name() string { return "csv" }

func (s CSVSource) Fetch(_ context.Context) ([]listing.Item, error) {
	var recs []listing.CSVRecord
	var err error
	switch {
	case s.Text != "":
		recs, err = adapters.ReadCSVReport(s.Text)
	case s.Path != "":
		recs, err = adapters.LoadCSVReport(s.Path)
	default:
		return nil, &listing.ConfigurationError{Missing: []string{"-csv"}}
	}
	if err != nil {
		return nil, err
	}
	out := make([]listing.Item, 0, len(recs))
	for _, r := range recs {
		if it, ok := listing.FromCSVRow(r); ok {
			out = append(out, it)
		}
	}
	return out, nil
}

// ───────── Search pages ─────────

type ScrapeSource struct {
	Scraper *adapters.Scraper
}

func (s ScrapeSource) Name() string { return "scrape" }

func (s ScrapeSource) Fetch(ctx context.Context) ([]listing.Item, error) {
	blocks, err := s.Scraper.Scrape(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]listing.Item, 0, len(blocks))
	for _, b := range blocks {
		if it, ok := listing.FromScrapedBlock(b); ok {
			out = append(out, it)
		}
	}
	return out, nil
}

// ───────── Inventory API ─────────

type APISource struct {
	Client *adapters.SyncClient
}

func (s APISource) Name() string { return "api" }

func (s APISource) Fetch(ctx context.Context) ([]listing.Item, error) {
	items, _, err := s.FetchWithWarnings(ctx)
	return items, err
}

func (s APISource) FetchWithWarnings(ctx context.Context) ([]listing.Item, []*listing.PartialFetchWarning, error) {
	res, err := s.Client.Sync(ctx)
	if err != nil {
		return nil, nil, err
	}
	out := make([]listing.Item, 0, len(res.Records))
	for _, r := range res.Records {
		if it, ok := listing.FromAPIItem(r); ok {
			out = append(out, it)
		}
	}
	return out, res.Warnings, nil
}

// ───────── Ingest ─────────

// SourceResult records how one source fared.
type SourceResult struct {
	Source   string
	Items    int
	Warnings int // partial-fetch warnings of a source that still succeeded
	Duration time.Duration
	Err      error
}

// ErrAllSourcesFailed wraps the per-source errors when nothing was ingested.
var ErrAllSourcesFailed = errors.New("all sources failed")

// Ingest runs sources one after another. A failing source is logged and left out;
// the items of the others still make the snapshot. The error is non-nil only when
// every source failed.
func Ingest(ctx context.Context, store string, sources []Source, log *zap.Logger, now time.Time) (snapshot.Snapshot, []SourceResult, error) {
	if log == nil {
		log = zap.NewNop()
	}
	var items []listing.Item
	results := make([]SourceResult, 0, len(sources))
	var errs []string
	for _, src := range sources {
		start := time.Now()
		var got []listing.Item
		var warns []*listing.PartialFetchWarning
		var err error
		if ws, ok := src.(WarningSource); ok {
			got, warns, err = ws.FetchWithWarnings(ctx)
		} else {
			got, err = src.Fetch(ctx)
		}
		res := SourceResult{Source: src.Name(), Items: len(got), Warnings: len(warns), Duration: time.Since(start), Err: err}
		results = append(results, res)
		if err != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", src.Name(), err))
			log.Error("source failed", zap.String("source", src.Name()), zap.String("class", Classify(err)), zap.Error(err))
			continue
		}
		log.Info("source ingested", zap.String("source", src.Name()), zap.Int("items", len(got)), zap.Int("warnings", res.Warnings), zap.Duration("duration", res.Duration))
		items = append(items, got...)
	}
	if len(sources) > 0 && len(errs) == len(sources) {
		return snapshot.Snapshot{}, results, fmt.Errorf("%w: %s", ErrAllSourcesFailed, strings.Join(errs, "; "))
	}
	return snapshot.Build(store, items, now), results, nil
}

// Classify names the taxonomy class of err for logs and summaries.
func Classify(err error) string {
	var (
		ce *listing.ConfigurationError
		ve *listing.ValidationError
		ne *listing.NetworkError
		be *listing.BlockedError
		we *listing.WriteError
	)
	switch {
	case err == nil:
		return ""
	case errors.As(err, &ce):
		return "configuration"
	case errors.As(err, &ve):
		return "validation"
	case errors.As(err, &be):
		return "blocked"
	case errors.As(err, &ne):
		return "network"
	case errors.As(err, &we):
		return "write"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	}
	return "other"
}
