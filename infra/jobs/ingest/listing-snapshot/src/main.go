// listing-snapshot builds the listing snapshot of one store from the configured
// sources (seller CSV report, public search pages, inventory API), writes it
// atomically and optionally reconciles it into the inventory table.
//
// Exit codes: 0 ok, 1 degraded (a source or some writes failed), 2 fatal.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"marketplace-listing-sync/adapters"
	"marketplace-listing-sync/config"
	"marketplace-listing-sync/inventory"
	"marketplace-listing-sync/logging"
	"marketplace-listing-sync/metrics"
	"marketplace-listing-sync/pipeline"
	"marketplace-listing-sync/reconcile"
	"marketplace-listing-sync/runlock"
	"marketplace-listing-sync/snapshot"
)

// ───────── Config ─────────

type jobConfig struct {
	sources []string
	store   string
	out     string

	csvPath string
	seller  string
	pages   int

	ebayEnv      string
	clientID     string
	clientSecret string
	refreshToken string
	pageSize     int
	bulkChunk    int
	offerWorkers int

	timeout  time.Duration
	rps      float64
	retryMax int

	reconcile    bool
	dry          bool
	pgDSN        string
	pgSchema     string
	pgTable      string
	pgMaxConns   int
	pgViaBouncer bool

	redisAddr     string
	redisPassword string
	redisDB       int

	auditCSV    string
	metricsAddr string
	jsonLogs    bool
	verbose     bool
	lockTTL     time.Duration
}

func parseFlags() jobConfig {
	var cfg jobConfig
	var sources string

	flag.StringVar(&sources, "sources", config.String("SOURCES", "csv"), "Comma-separated sources: csv,scrape,api. Env: SOURCES")
	flag.StringVar(&cfg.store, "store", config.String("STORE_NAME", ""), "Store name written into the snapshot (defaults to the seller). Env: STORE_NAME")
	flag.StringVar(&cfg.out, "out", config.String("SNAPSHOT_OUT", "listing-snapshot.json"), "Snapshot output path (replaced atomically). Env: SNAPSHOT_OUT")

	flag.StringVar(&cfg.csvPath, "csv", config.String("CSV_REPORT", ""), "Seller active-listings report (CSV/TSV). Env: CSV_REPORT")
	flag.StringVar(&cfg.seller, "seller", config.String("EBAY_SELLER", ""), "Seller username for search pages. Env: EBAY_SELLER")
	flag.IntVar(&cfg.pages, "pages", config.Int("EBAY_PAGES", 1), "Search result pages to fetch. Env: EBAY_PAGES")

	flag.StringVar(&cfg.ebayEnv, "ebay-env", config.String("EBAY_ENV", "PRODUCTION"), "PRODUCTION|SANDBOX. Env: EBAY_ENV")
	flag.IntVar(&cfg.pageSize, "page-size", config.Int("EBAY_PAGE_SIZE", adapters.DefaultPageSize), "Inventory page size. Env: EBAY_PAGE_SIZE")
	flag.IntVar(&cfg.bulkChunk, "bulk-chunk", config.Int("EBAY_BULK_CHUNK", adapters.DefaultBulkChunk), "SKUs per bulk detail request. Env: EBAY_BULK_CHUNK")
	flag.IntVar(&cfg.offerWorkers, "offer-workers", config.Int("EBAY_OFFER_WORKERS", 1), "Concurrent offer lookups. Env: EBAY_OFFER_WORKERS")

	flag.DurationVar(&cfg.timeout, "timeout", config.Duration("REQUEST_TIMEOUT", 25*time.Second), "Per-request timeout. Env: REQUEST_TIMEOUT")
	flag.Float64Var(&cfg.rps, "rps", config.Float("REQUEST_RPS", 0), "Request rate ceiling (req/sec). 0=unlimited. Env: REQUEST_RPS")
	flag.IntVar(&cfg.retryMax, "retry-max", config.Int("REQUEST_RETRY_MAX", 2), "Retries on 429/408/5xx. Env: REQUEST_RETRY_MAX")

	flag.BoolVar(&cfg.reconcile, "reconcile", config.Bool("RECONCILE", false), "Reconcile the snapshot into the inventory table. Env: RECONCILE")
	flag.BoolVar(&cfg.dry, "dry", config.Bool("DRY_RUN", false), "Log inventory writes without applying them. Env: DRY_RUN")
	flag.StringVar(&cfg.pgDSN, "pg-dsn", config.String("PG_DSN", ""), "Postgres DSN for reconcile. Env: PG_DSN")
	flag.StringVar(&cfg.pgSchema, "pg-schema", config.String("PG_SCHEMA", "public"), "Inventory schema. Env: PG_SCHEMA")
	flag.StringVar(&cfg.pgTable, "pg-table", config.String("PG_TABLE", "inventory"), "Inventory table. Env: PG_TABLE")
	flag.IntVar(&cfg.pgMaxConns, "pg-max-conns", config.Int("PG_MAX_CONNS", 2), "Postgres pool size. Env: PG_MAX_CONNS")
	flag.BoolVar(&cfg.pgViaBouncer, "pg-via-bouncer", config.Bool("PG_VIA_BOUNCER", false), "Use the simple protocol (PgBouncer). Env: PG_VIA_BOUNCER")

	flag.StringVar(&cfg.redisAddr, "redis-addr", config.String("REDIS_ADDR", ""), "Mirror the snapshot to Redis and publish a notice. Env: REDIS_ADDR")
	flag.IntVar(&cfg.redisDB, "redis-db", config.Int("REDIS_DB", 0), "Redis database. Env: REDIS_DB")

	flag.StringVar(&cfg.auditCSV, "audit-csv", config.String("AUDIT_CSV", ""), "Append reconcile outcomes to this CSV. Env: AUDIT_CSV")
	flag.StringVar(&cfg.metricsAddr, "metrics", config.String("METRICS_ADDR", ""), "Serve /metrics and /debug/pprof/* on this address, e.g. :6060. Env: METRICS_ADDR")
	flag.BoolVar(&cfg.jsonLogs, "json-logs", config.Bool("JSON_LOGS", false), "JSON logs plus a JSON summary line. Env: JSON_LOGS")
	flag.BoolVar(&cfg.verbose, "v", config.Bool("VERBOSE", false), "Debug logging. Env: VERBOSE")
	flag.DurationVar(&cfg.lockTTL, "lock-ttl", config.Duration("LOCK_TTL", runlock.DefaultTTL), "Age after which a lock file counts as abandoned. Env: LOCK_TTL")
	flag.Parse()

	// secrets stay env-only
	cfg.clientID = config.String("EBAY_CLIENT_ID", "")
	cfg.clientSecret = config.String("EBAY_CLIENT_SECRET", "")
	cfg.refreshToken = config.String("EBAY_REFRESH_TOKEN", "")
	cfg.redisPassword = config.String("REDIS_PASSWORD", "")

	cfg.sources = config.List(sources)
	if cfg.store == "" {
		cfg.store = cfg.seller
	}
	if cfg.store == "" {
		cfg.store = "default"
	}
	return cfg
}

// ───────── Sources ─────────

func buildSources(cfg jobConfig, httpOpts adapters.HTTPOptions, log *zap.Logger) ([]pipeline.Source, error) {
	var out []pipeline.Source
	for _, name := range cfg.sources {
		switch name {
		case "csv":
			if err := config.Require([]string{"CSV_REPORT"}, map[string]string{"CSV_REPORT": cfg.csvPath}); err != nil {
				return nil, err
			}
			out = append(out, pipeline.CSVSource{Path: cfg.csvPath})
		case "scrape":
			s, err := adapters.NewScraper(adapters.ScraperOptions{Seller: cfg.seller, Pages: cfg.pages, HTTP: httpOpts}, log)
			if err != nil {
				return nil, err
			}
			out = append(out, pipeline.ScrapeSource{Scraper: s})
		case "api":
			c, err := adapters.NewSyncClient(adapters.SyncOptions{
				Credentials: adapters.Credentials{
					ClientID:     cfg.clientID,
					ClientSecret: cfg.clientSecret,
					RefreshToken: cfg.refreshToken,
				},
				BaseURL:      adapters.APIBase(cfg.ebayEnv),
				PageSize:     cfg.pageSize,
				BulkChunk:    cfg.bulkChunk,
				OfferWorkers: cfg.offerWorkers,
				HTTP:         httpOpts,
			}, log)
			if err != nil {
				return nil, err
			}
			log.Info("inventory api configured",
				zap.String("env", strings.ToUpper(cfg.ebayEnv)),
				zap.String("client_id", logging.MaskSecret(cfg.clientID)))
			out = append(out, pipeline.APISource{Client: c})
		default:
			return nil, fmt.Errorf("unknown source %q (want csv, scrape or api)", name)
		}
	}
	if len(out) == 0 {
		return nil, errors.New("no sources selected")
	}
	return out, nil
}

// ───────── Run ─────────

type summary struct {
	Event       string         `json:"event"`
	RunID       string         `json:"run_id"`
	Store       string         `json:"store"`
	Items       int            `json:"items"`
	Sources     map[string]int `json:"sources"`
	Failed      []string       `json:"failed_sources,omitempty"`
	Warnings    int            `json:"partial_warnings"`
	Reconciled  bool           `json:"reconciled"`
	Interrupted bool           `json:"interrupted,omitempty"`
	Created     int            `json:"created"`
	Updated     int            `json:"updated"`
	Unchanged   int            `json:"unchanged"`
	Skipped     int            `json:"skipped"`
	WriteErrors int            `json:"write_errors"`
	Dry         bool           `json:"dry"`
	HTTPp50ms   float64        `json:"http_p50_ms"`
	HTTPp95ms   float64        `json:"http_p95_ms"`
	DurationSec float64        `json:"duration_sec"`
}

func run(ctx context.Context, cfg jobConfig, log *zap.Logger, m *metrics.Metrics) int {
	start := time.Now()
	runID := uuid.NewString()
	log = log.With(zap.String("run_id", runID), zap.String("store", cfg.store))

	lock, err := runlock.Acquire(cfg.out+".lock", cfg.lockTTL)
	if err != nil {
		log.Error("lock", zap.Error(err))
		return 1
	}
	defer lock.Release()

	httpOpts := adapters.HTTPOptions{
		Timeout:  cfg.timeout,
		RPS:      cfg.rps,
		RetryMax: cfg.retryMax,
		Recorder: m,
	}
	sources, err := buildSources(cfg, httpOpts, log)
	if err != nil {
		log.Error("configuration", zap.Error(err))
		return 2
	}

	snap, results, err := pipeline.Ingest(ctx, cfg.store, sources, log, time.Now())
	sum := summary{Event: "summary", RunID: runID, Store: cfg.store, Sources: map[string]int{}, Dry: cfg.dry}
	for _, r := range results {
		m.RecordSource(r.Source, r.Items, pipeline.Classify(r.Err))
		m.RecordWarnings(r.Source, r.Warnings)
		sum.Sources[r.Source] = r.Items
		sum.Warnings += r.Warnings
		if r.Err != nil {
			sum.Failed = append(sum.Failed, r.Source)
		}
	}
	if err != nil {
		log.Error("ingest", zap.Error(err))
		return 2
	}
	sum.Items = len(snap.Items)

	if err := snapshot.Write(cfg.out, snap); err != nil {
		log.Error("snapshot write", zap.String("path", cfg.out), zap.Error(err))
		return 2
	}
	log.Info("snapshot written", zap.String("path", cfg.out), zap.Int("items", sum.Items))

	if cfg.redisAddr != "" {
		mirror, err := snapshot.NewRedisMirror(ctx, snapshot.RedisOptions{
			Addr:     cfg.redisAddr,
			Password: cfg.redisPassword,
			DB:       cfg.redisDB,
		}, log)
		if err != nil {
			log.Warn("redis mirror unavailable; snapshot kept on disk only", zap.Error(err))
		} else {
			if err := mirror.Publish(ctx, snap); err != nil {
				log.Warn("redis publish", zap.Error(err))
			}
			_ = mirror.Close()
		}
	}

	if cfg.reconcile {
		if cfg.pgDSN == "" {
			log.Error("configuration", zap.Error(config.Require([]string{"PG_DSN"}, map[string]string{})))
			return 2
		}
		pool, err := inventory.OpenPool(ctx, cfg.pgDSN, cfg.pgMaxConns, cfg.pgViaBouncer)
		if err != nil {
			log.Error("postgres", zap.Error(err))
			return 2
		}
		defer pool.Close()
		pg, err := inventory.NewPGStore(pool, cfg.pgSchema, cfg.pgTable)
		if err != nil {
			log.Error("configuration", zap.Error(err))
			return 2
		}
		var store inventory.Store = pg
		if cfg.dry {
			store = inventory.DryRun(pg, log)
		}
		rs, err := reconcile.New(store, reconcile.Options{Log: log, Recorder: m}).RunAudited(ctx, snap, cfg.auditCSV, runID)
		if err != nil && len(rs.Outcomes) == 0 {
			log.Error("reconcile", zap.Error(err))
			return 2
		}
		sum.Reconciled = true
		sum.Interrupted = err != nil
		sum.Created, sum.Updated, sum.Unchanged, sum.Skipped = rs.Created, rs.Updated, rs.Unchanged, rs.Skipped
		sum.WriteErrors = len(rs.Failures)
	}

	sum.HTTPp50ms, sum.HTTPp95ms = m.Latencies()
	sum.DurationSec = float64(int(time.Since(start).Seconds()*100)) / 100

	fmt.Printf("store=%s items=%d failed_sources=%s partial_warnings=%d created=%d updated=%d unchanged=%d skipped=%d write_errors=%d interrupted=%t dry=%t duration=%0.2f\n",
		sum.Store, sum.Items, strings.Join(sum.Failed, ","), sum.Warnings, sum.Created, sum.Updated, sum.Unchanged, sum.Skipped, sum.WriteErrors, sum.Interrupted, sum.Dry, sum.DurationSec)
	if cfg.jsonLogs {
		b, _ := json.Marshal(sum)
		fmt.Println(string(b))
	}

	switch {
	case sum.Interrupted:
		return 2
	case len(sum.Failed) > 0 || sum.WriteErrors > 0:
		return 1
	}
	return 0
}

func main() {
	if _, err := config.LoadDotEnv(); err != nil {
		fmt.Fprintln(os.Stderr, "dotenv:", err)
		os.Exit(2)
	}
	cfg := parseFlags()
	log := logging.Must(cfg.jsonLogs, cfg.verbose)
	defer func() { _ = log.Sync() }()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	m := metrics.New(0)
	stop, err := m.Serve(cfg.metricsAddr)
	if err != nil {
		log.Error("metrics listen", zap.String("addr", cfg.metricsAddr), zap.Error(err))
		os.Exit(2)
	}
	code := run(ctx, cfg, log, m)
	stop()
	cancel()
	_ = log.Sync()
	os.Exit(code)
}
