// Package postgres provides the Postgres-backed harvest.Store.
package postgres

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/catalog-harvester/internal/harvest"
)

//go:embed schema.sql
var schemaSQL string

// Config controls the Postgres connection pool.
type Config struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type pool interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	Query(context.Context, string, ...any) (pgx.Rows, error)
	Close()
}

// Store writes harvested records into the raw schema.
type Store struct {
	pool  pool
	clock harvest.Clock
	ids   harvest.IDGenerator
}

var _ harvest.Store = (*Store)(nil)

// New connects to Postgres using cfg.
func New(ctx context.Context, cfg Config, clock harvest.Clock, ids harvest.IDGenerator) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("db.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := p.Ping(ctx); err != nil {
		p.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &Store{pool: p, clock: clock, ids: ids}, nil
}

// NewWithPool constructs a store from an existing pool (primarily for testing).
func NewWithPool(p pool, clock harvest.Clock, ids harvest.IDGenerator) (*Store, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &Store{pool: p, clock: clock, ids: ids}, nil
}

// EnsureSchema creates the raw schema and tables when missing.
func (s *Store) EnsureSchema(ctx context.Context) error {
	for _, stmt := range schemaStatements() {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}

func schemaStatements() []string {
	var out []string
	for _, stmt := range strings.Split(schemaSQL, ";") {
		if stmt = strings.TrimSpace(stmt); stmt != "" {
			out = append(out, stmt)
		}
	}
	return out
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// CreateSession inserts a running session row for source.
func (s *Store) CreateSession(ctx context.Context, source string) (uuid.UUID, error) {
	id, err := s.ids.NewID()
	if err != nil {
		return uuid.Nil, fmt.Errorf("create session id: %w", err)
	}
	const query = `
INSERT INTO raw.crawl_sessions (id, source_name, status, started_at)
VALUES ($1, $2, $3, $4)`
	if _, err := s.pool.Exec(ctx, query, id, source, string(harvest.SessionRunning), s.clock.Now()); err != nil {
		return uuid.Nil, fmt.Errorf("insert session: %w", err)
	}
	return id, nil
}

// CompleteSession sets the final status and finish time of a session.
func (s *Store) CompleteSession(ctx context.Context, id uuid.UUID, status harvest.SessionStatus) error {
	const query = `
UPDATE raw.crawl_sessions
SET status = $1, finished_at = $2
WHERE id = $3`
	tag, err := s.pool.Exec(ctx, query, string(status), s.clock.Now(), id)
	if err != nil {
		return fmt.Errorf("complete session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("session %s not found", id)
	}
	return nil
}

// InsertListing inserts the listing unless its product id is already stored.
func (s *Store) InsertListing(ctx context.Context, sessionID uuid.UUID, listing harvest.ListingRef) (bool, error) {
	if listing.ItemID == "" {
		return false, fmt.Errorf("listing item id is required")
	}
	const query = `
INSERT INTO raw.listing_api (session_id, source_name, product_id, url, name, brand, data, crawled_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
ON CONFLICT (product_id) DO NOTHING`
	_, err := s.pool.Exec(ctx, query,
		sessionID,
		listing.Source,
		listing.ItemID,
		listing.URL,
		listing.Name,
		listing.Brand,
		jsonArg(listing.Data),
		s.clock.Now(),
	)
	if err != nil {
		return false, fmt.Errorf("insert listing %s: %w", listing.ItemID, err)
	}
	return true, nil
}

// InsertProduct inserts a snapshot unless one with the same content hash
// exists, in which case the existing id is returned.
func (s *Store) InsertProduct(ctx context.Context, sessionID uuid.UUID, record harvest.ProductRecord) (int64, bool, error) {
	if record.ItemID == "" {
		return 0, false, fmt.Errorf("product item id is required")
	}
	const insert = `
INSERT INTO raw.product_api (session_id, source_name, product_id, content_hash, data, crawled_at)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (source_name, product_id, content_hash) DO NOTHING
RETURNING id`
	var id int64
	err := s.pool.QueryRow(ctx, insert,
		sessionID,
		record.Source,
		record.ItemID,
		record.ContentHash,
		jsonArg(record.Data),
		s.clock.Now(),
	).Scan(&id)
	if err == nil {
		return id, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return 0, false, fmt.Errorf("insert product %s: %w", record.ItemID, err)
	}

	const existing = `
SELECT id FROM raw.product_api
WHERE source_name = $1 AND product_id = $2 AND content_hash = $3`
	if err := s.pool.QueryRow(ctx, existing, record.Source, record.ItemID, record.ContentHash).Scan(&id); err != nil {
		return 0, false, fmt.Errorf("lookup duplicate product %s: %w", record.ItemID, err)
	}
	return id, false, nil
}

// InsertReviewPage inserts one review page unless (item, page) is stored.
func (s *Store) InsertReviewPage(ctx context.Context, record harvest.ReviewPageRecord) (bool, error) {
	if record.ItemID == "" || record.Page < 1 {
		return false, fmt.Errorf("review page requires item id and page >= 1")
	}
	const query = `
INSERT INTO raw.review_api (session_id, product_id, product_snap_id, pages, total, data, crawled_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (product_id, pages) DO NOTHING`
	tag, err := s.pool.Exec(ctx, query,
		record.SessionID,
		record.ItemID,
		record.SnapshotID,
		record.Page,
		record.Total,
		jsonArg(record.Data),
		s.clock.Now(),
	)
	if err != nil {
		return false, fmt.Errorf("insert review page %s/%d: %w", record.ItemID, record.Page, err)
	}
	return tag.RowsAffected() > 0, nil
}

// LatestProductSnapshotID returns the newest snapshot id of itemID.
func (s *Store) LatestProductSnapshotID(ctx context.Context, itemID string) (int64, error) {
	const query = `
SELECT id FROM raw.product_api
WHERE product_id = $1
ORDER BY crawled_at DESC, id DESC
LIMIT 1`
	var id int64
	err := s.pool.QueryRow(ctx, query, itemID).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, harvest.ErrNoSnapshot
	}
	if err != nil {
		return 0, fmt.Errorf("latest product snapshot %s: %w", itemID, err)
	}
	return id, nil
}

// LatestReviewPage returns the highest stored review page of itemID, or 0.
func (s *Store) LatestReviewPage(ctx context.Context, itemID string) (int, error) {
	const query = `SELECT COALESCE(MAX(pages), 0) FROM raw.review_api WHERE product_id = $1`
	var page int
	if err := s.pool.QueryRow(ctx, query, itemID).Scan(&page); err != nil {
		return 0, fmt.Errorf("latest review page %s: %w", itemID, err)
	}
	return page, nil
}

// ListingsForBrand returns stored listings of source whose brand contains
// brand or is contained in it, case-insensitively.
func (s *Store) ListingsForBrand(ctx context.Context, source, brand string) ([]harvest.ListingRef, error) {
	const query = `
SELECT product_id, url, COALESCE(name, ''), COALESCE(brand, ''), data
FROM raw.listing_api
WHERE source_name = $1
  AND brand IS NOT NULL AND brand <> ''
  AND (position(lower($2) in lower(brand)) > 0 OR position(lower(brand) in lower($2)) > 0)
ORDER BY id`
	rows, err := s.pool.Query(ctx, query, source, strings.TrimSpace(brand))
	if err != nil {
		return nil, fmt.Errorf("query listings for %s/%s: %w", source, brand, err)
	}
	defer rows.Close()

	var out []harvest.ListingRef
	for rows.Next() {
		ref := harvest.ListingRef{Source: source}
		var data []byte
		if err := rows.Scan(&ref.ItemID, &ref.URL, &ref.Name, &ref.Brand, &data); err != nil {
			return nil, fmt.Errorf("scan listing: %w", err)
		}
		ref.Data = data
		out = append(out, ref)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate listings: %w", err)
	}
	return out, nil
}

func jsonArg(raw []byte) []byte {
	if len(raw) == 0 {
		return []byte("{}")
	}
	return raw
}
