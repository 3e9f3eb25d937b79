// inventory-reconcile applies a listing snapshot to the inventory table: matched
// records get their stock, price and identifiers refreshed, unmatched listings
// become new records with price_paid 0. Nothing is ever deleted.
//
// The snapshot comes from -snapshot, or from the Redis mirror with -from-redis.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"marketplace-listing-sync/config"
	"marketplace-listing-sync/inventory"
	"marketplace-listing-sync/logging"
	"marketplace-listing-sync/metrics"
	"marketplace-listing-sync/reconcile"
	"marketplace-listing-sync/runlock"
	"marketplace-listing-sync/snapshot"
)

type jobConfig struct {
	snapshot  string
	fromRedis string // store name

	pgDSN        string
	pgSchema     string
	pgTable      string
	pgMaxConns   int
	pgViaBouncer bool
	initOnly     bool
	dry          bool

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
	flag.StringVar(&cfg.snapshot, "snapshot", config.String("SNAPSHOT_OUT", "listing-snapshot.json"), "Snapshot file to apply. Env: SNAPSHOT_OUT")
	flag.StringVar(&cfg.fromRedis, "from-redis", config.String("SNAPSHOT_STORE", ""), "Read the latest mirrored snapshot of this store from Redis instead of -snapshot. Env: SNAPSHOT_STORE")

	flag.StringVar(&cfg.pgDSN, "pg-dsn", config.String("PG_DSN", ""), "Postgres DSN (required). Env: PG_DSN")
	flag.StringVar(&cfg.pgSchema, "pg-schema", config.String("PG_SCHEMA", "public"), "Inventory schema. Env: PG_SCHEMA")
	flag.StringVar(&cfg.pgTable, "pg-table", config.String("PG_TABLE", "inventory"), "Inventory table. Env: PG_TABLE")
	flag.IntVar(&cfg.pgMaxConns, "pg-max-conns", config.Int("PG_MAX_CONNS", 2), "Postgres pool size. Env: PG_MAX_CONNS")
	flag.BoolVar(&cfg.pgViaBouncer, "pg-via-bouncer", config.Bool("PG_VIA_BOUNCER", false), "Use the simple protocol (PgBouncer). Env: PG_VIA_BOUNCER")
	flag.BoolVar(&cfg.initOnly, "init", false, "Create the schema, table and indexes, then exit")
	flag.BoolVar(&cfg.dry, "dry", config.Bool("DRY_RUN", false), "Log writes without applying them. Env: DRY_RUN")

	flag.StringVar(&cfg.redisAddr, "redis-addr", config.String("REDIS_ADDR", ""), "Redis address for -from-redis. Env: REDIS_ADDR")
	flag.IntVar(&cfg.redisDB, "redis-db", config.Int("REDIS_DB", 0), "Redis database. Env: REDIS_DB")

	flag.StringVar(&cfg.auditCSV, "audit-csv", config.String("AUDIT_CSV", ""), "Append outcomes to this CSV. Env: AUDIT_CSV")
	flag.StringVar(&cfg.metricsAddr, "metrics", config.String("METRICS_ADDR", ""), "Serve /metrics and /debug/pprof/*. Env: METRICS_ADDR")
	flag.BoolVar(&cfg.jsonLogs, "json-logs", config.Bool("JSON_LOGS", false), "JSON logs plus a JSON summary line. Env: JSON_LOGS")
	flag.BoolVar(&cfg.verbose, "v", config.Bool("VERBOSE", false), "Debug logging. Env: VERBOSE")
	flag.DurationVar(&cfg.lockTTL, "lock-ttl", config.Duration("LOCK_TTL", runlock.DefaultTTL), "Age after which a lock file counts as abandoned. Env: LOCK_TTL")
	flag.Parse()

	cfg.redisPassword = config.String("REDIS_PASSWORD", "")
	return cfg
}

func loadSnapshot(ctx context.Context, cfg jobConfig, log *zap.Logger) (snapshot.Snapshot, error) {
	if cfg.fromRedis == "" {
		return snapshot.Load(cfg.snapshot)
	}
	if err := config.Require([]string{"REDIS_ADDR"}, map[string]string{"REDIS_ADDR": cfg.redisAddr}); err != nil {
		return snapshot.Snapshot{}, err
	}
	mirror, err := snapshot.NewRedisMirror(ctx, snapshot.RedisOptions{
		Addr:     cfg.redisAddr,
		Password: cfg.redisPassword,
		DB:       cfg.redisDB,
	}, log)
	if err != nil {
		return snapshot.Snapshot{}, err
	}
	defer mirror.Close()
	return mirror.Latest(ctx, cfg.fromRedis)
}

func run(ctx context.Context, cfg jobConfig, log *zap.Logger, m *metrics.Metrics) int {
	start := time.Now()
	if err := config.Require([]string{"PG_DSN"}, map[string]string{"PG_DSN": cfg.pgDSN}); err != nil {
		log.Error("configuration", zap.Error(err))
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
	if cfg.initOnly {
		if err := pg.EnsureSchema(ctx); err != nil {
			log.Error("ensure schema", zap.Error(err))
			return 2
		}
		fmt.Printf("init=ok schema=%s table=%s\n", cfg.pgSchema, cfg.pgTable)
		return 0
	}

	lockBase := cfg.snapshot
	if cfg.fromRedis != "" {
		lockBase = cfg.fromRedis + ".snapshot"
	}
	lock, err := runlock.Acquire(lockBase+".reconcile.lock", cfg.lockTTL)
	if err != nil {
		log.Error("lock", zap.Error(err))
		return 1
	}
	defer lock.Release()

	snap, err := loadSnapshot(ctx, cfg, log)
	if err != nil {
		log.Error("snapshot load", zap.Error(err))
		return 2
	}
	runID := uuid.NewString()
	log = log.With(zap.String("run_id", runID), zap.String("store", snap.Store))

	var store inventory.Store = pg
	if cfg.dry {
		store = inventory.DryRun(pg, log)
	}
	sum, err := reconcile.New(store, reconcile.Options{Log: log, Recorder: m}).RunAudited(ctx, snap, cfg.auditCSV, runID)
	if err != nil && len(sum.Outcomes) == 0 {
		log.Error("reconcile", zap.Error(err))
		return 2
	}
	interrupted := err != nil

	dur := time.Since(start).Seconds()
	fmt.Printf("store=%s items=%d %s interrupted=%t dry=%t duration=%0.2f\n", snap.Store, len(snap.Items), sum, interrupted, cfg.dry, dur)
	if cfg.jsonLogs {
		b, _ := json.Marshal(struct {
			Event       string  `json:"event"`
			RunID       string  `json:"run_id"`
			Store       string  `json:"store"`
			Items       int     `json:"items"`
			Created     int     `json:"created"`
			Updated     int     `json:"updated"`
			Unchanged   int     `json:"unchanged"`
			Skipped     int     `json:"skipped"`
			Failed      int     `json:"failed"`
			Interrupted bool    `json:"interrupted"`
			Dry         bool    `json:"dry"`
			DurationSec float64 `json:"duration_sec"`
		}{"summary", runID, snap.Store, len(snap.Items), sum.Created, sum.Updated, sum.Unchanged, sum.Skipped, len(sum.Failures), interrupted, cfg.dry, dur})
		fmt.Println(string(b))
	}
	switch {
	case interrupted:
		return 2
	case len(sum.Failures) > 0:
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

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
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
