package inventory

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"marketplace-listing-sync/listing"
)

var safeIdentRE = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

func isSafeIdent(s string) bool { return safeIdentRE.MatchString(s) }

// OpenPool parses dsn and connects. viaBouncer switches to the simple protocol
// (PgBouncer in transaction mode cannot hold prepared statements).
func OpenPool(ctx context.Context, dsn string, maxConns int, viaBouncer bool) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("PG_DSN parse: %w", err)
	}
	if maxConns <= 0 {
		maxConns = 2
	}
	cfg.MaxConns = int32(maxConns)
	if viaBouncer {
		cfg.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("PG connect: %w", err)
	}
	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("PG ping: %w", err)
	}
	return pool, nil
}

// PGStore keeps inventory records in one Postgres table.
type PGStore struct {
	db     *pgxpool.Pool
	schema string
	table  string
}

func NewPGStore(db *pgxpool.Pool, schema, table string) (*PGStore, error) {
	if schema == "" {
		schema = "public"
	}
	if table == "" {
		table = "inventory"
	}
	if !isSafeIdent(schema) || !isSafeIdent(table) {
		return nil, &listing.ConfigurationError{Msg: fmt.Sprintf("unsafe schema/table identifier(s): %q.%q", schema, table)}
	}
	return &PGStore{db: db, schema: schema, table: table}, nil
}

func (s *PGStore) qualified() string { return fmt.Sprintf(`"%s".%s`, s.schema, s.table) }

// schemaDDL is the idempotent DDL for the inventory table. Prices are unconstrained
// numeric so a stored price reads back equal to the listing price it came from.
func schemaDDL(schema, table string) string {
	return fmt.Sprintf(`
CREATE SCHEMA IF NOT EXISTS "%[1]s";

CREATE TABLE IF NOT EXISTS "%[1]s".%[2]s (
  id uuid PRIMARY KEY,
  source text NOT NULL,
  sku text NOT NULL DEFAULT '',
  listing_id text NOT NULL DEFAULT '',
  url text NOT NULL DEFAULT '',
  title text NOT NULL DEFAULT '',
  stock int NOT NULL DEFAULT 0,
  price numeric,
  price_paid numeric NOT NULL DEFAULT 0,
  currency text NOT NULL DEFAULT 'USD',
  offer_id text NOT NULL DEFAULT '',
  created_at timestamptz NOT NULL DEFAULT now(),
  updated_at timestamptz NOT NULL DEFAULT now()
);

CREATE UNIQUE INDEX IF NOT EXISTS %[2]s_source_sku_uq
  ON "%[1]s".%[2]s (source, sku) WHERE sku <> '';

CREATE INDEX IF NOT EXISTS %[2]s_source_listing_idx
  ON "%[1]s".%[2]s (source, listing_id) WHERE listing_id <> '';
`, schema, table)
}

// EnsureSchema creates the schema, table and lookup indexes if missing.
func (s *PGStore) EnsureSchema(ctx context.Context) error {
	_, err := s.db.Exec(ctx, schemaDDL(s.schema, s.table))
	return err
}

func (s *PGStore) List(ctx context.Context, source string) ([]Record, error) {
	q := fmt.Sprintf(`
SELECT id::text, source, sku, listing_id, url, title, stock,
       price::text, price_paid::text, currency, offer_id, created_at, updated_at
FROM %s
WHERE source = $1
ORDER BY created_at, id`, s.qualified())

	rows, err := s.db.Query(ctx, q, source)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var r Record
		var price, paid *string
		if err := rows.Scan(&r.ID, &r.Source, &r.SKU, &r.ListingID, &r.URL, &r.Title, &r.Stock,
			&price, &paid, &r.Currency, &r.OfferID, &r.CreatedAt, &r.UpdatedAt); err != nil {
			return nil, err
		}
		r.Price = priceFromText(price)
		r.PricePaid = priceFromText(paid)
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *PGStore) Create(ctx context.Context, p Payload) (string, error) {
	paid := listing.PriceFromFloat(0)
	if p.PricePaid != nil {
		paid = *p.PricePaid
	}
	q := fmt.Sprintf(`
INSERT INTO %s (id, source, sku, listing_id, url, title, stock, price, price_paid, currency, offer_id, created_at, updated_at)
VALUES ($1::uuid, $2, $3, $4, $5, $6, $7, $8::numeric, COALESCE($9::numeric, 0), $10, $11, $12, $12)
RETURNING id::text`, s.qualified())

	var id string
	err := s.db.QueryRow(ctx, q,
		uuid.NewString(), p.Source, p.SKU, p.ListingID, p.URL, p.Title, p.Stock,
		priceArg(p.Price), priceArg(paid), p.Currency, p.OfferID, p.UpdatedAt,
	).Scan(&id)
	if err != nil {
		if isUniqueViolation(err) {
			return "", fmt.Errorf("duplicate sku for source %s: %w", p.Source, err)
		}
		return "", err
	}
	return id, nil
}

func (s *PGStore) Update(ctx context.Context, id string, p Payload) error {
	if _, err := uuid.Parse(id); err != nil {
		return ErrNotFound
	}
	var paid any
	if p.PricePaid != nil {
		paid = priceArg(*p.PricePaid)
	}
	q := fmt.Sprintf(`
UPDATE %s SET
  source = $2, sku = $3, listing_id = $4, url = $5, title = $6, stock = $7,
  price = COALESCE($8::numeric, price),
  price_paid = COALESCE($9::numeric, price_paid),
  currency = $10, offer_id = $11, updated_at = $12
WHERE id = $1::uuid`, s.qualified())

	tag, err := s.db.Exec(ctx, q, id, p.Source, p.SKU, p.ListingID, p.URL, p.Title, p.Stock,
		priceArg(p.Price), paid, p.Currency, p.OfferID, p.UpdatedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// Numeric values travel as text so no precision is lost on the way in or out.
func priceArg(p listing.Price) any {
	if !p.Valid() {
		return nil
	}
	return p.Decimal().String()
}

func priceFromText(s *string) listing.Price {
	if s == nil {
		return listing.NoPrice()
	}
	d, err := decimal.NewFromString(*s)
	if err != nil {
		return listing.NoPrice()
	}
	return listing.NewPrice(d)
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
