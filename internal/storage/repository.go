package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"sdexindexer/internal/model"
)

const (
	offerColumns = `id,
        seller,
        selling_type,
        selling_code,
        selling_issuer,
        buying_type,
        buying_code,
        buying_issuer,
        amount,
        price,
        price_n,
        price_d,
        last_modified_ledger,
        last_modified_time`

	upsertOfferSQL = `INSERT INTO offers (
        id,
        seller,
        selling_type,
        selling_code,
        selling_issuer,
        buying_type,
        buying_code,
        buying_issuer,
        amount,
        price,
        price_n,
        price_d,
        last_modified_ledger,
        last_modified_time
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14
    )
    ON CONFLICT (id) DO UPDATE
    SET
        seller               = EXCLUDED.seller,
        selling_type         = EXCLUDED.selling_type,
        selling_code         = EXCLUDED.selling_code,
        selling_issuer       = EXCLUDED.selling_issuer,
        buying_type          = EXCLUDED.buying_type,
        buying_code          = EXCLUDED.buying_code,
        buying_issuer        = EXCLUDED.buying_issuer,
        amount               = EXCLUDED.amount,
        price                = EXCLUDED.price,
        price_n              = EXCLUDED.price_n,
        price_d              = EXCLUDED.price_d,
        last_modified_time   = CASE
            WHEN EXCLUDED.last_modified_ledger = offers.last_modified_ledger
            THEN COALESCE(EXCLUDED.last_modified_time, offers.last_modified_time)
            ELSE EXCLUDED.last_modified_time
        END,
        last_modified_ledger = EXCLUDED.last_modified_ledger,
        updated_at           = NOW()
    WHERE offers.last_modified_ledger <= EXCLUDED.last_modified_ledger;`

	listRecentOffersSQL = `SELECT ` + offerColumns + `
    FROM offers
    ORDER BY last_modified_ledger DESC, id DESC
    LIMIT $1;`

	listOffersForPairSQL = `SELECT ` + offerColumns + `
    FROM offers
    WHERE selling_type = $1 AND selling_code = $2 AND selling_issuer = $3
      AND buying_type = $4 AND buying_code = $5 AND buying_issuer = $6
    ORDER BY last_modified_ledger, id
    LIMIT $7;`

	listOffersMissingTimeSQL = `SELECT ` + offerColumns + `
    FROM offers
    WHERE last_modified_time IS NULL
    ORDER BY last_modified_ledger
    LIMIT $1;`

	setLastModifiedTimeSQL = `UPDATE offers
    SET last_modified_time = $2
    WHERE id = $1 AND last_modified_ledger = $3;`

	countOffersSQL = `SELECT COUNT(*) FROM offers;`
	maxLedgerSQL   = `SELECT COALESCE(MAX(last_modified_ledger), 0) FROM offers;`

	loadCursorSQL = `SELECT cursor FROM ingest_cursors WHERE name = $1;`
	saveCursorSQL = `INSERT INTO ingest_cursors (name, cursor) VALUES ($1, $2)
    ON CONFLICT (name) DO UPDATE SET cursor = EXCLUDED.cursor, updated_at = NOW();`

	selectArchiveBatchSQL = `SELECT ` + offerColumns + `
    FROM offers
    WHERE last_modified_ledger < $1
    ORDER BY last_modified_ledger, id
    LIMIT $2
    FOR UPDATE SKIP LOCKED;`

	copyToArchiveSQL = `INSERT INTO offers_archive (
        id, seller,
        selling_type, selling_code, selling_issuer,
        buying_type, buying_code, buying_issuer,
        amount, price, price_n, price_d,
        last_modified_ledger, last_modified_time
    )
    SELECT
        id, seller,
        selling_type, selling_code, selling_issuer,
        buying_type, buying_code, buying_issuer,
        amount, price, price_n, price_d,
        last_modified_ledger, last_modified_time
    FROM offers
    WHERE id = ANY($1)
    ON CONFLICT (id) DO UPDATE
    SET last_modified_ledger = EXCLUDED.last_modified_ledger,
        last_modified_time   = EXCLUDED.last_modified_time,
        amount               = EXCLUDED.amount,
        price                = EXCLUDED.price,
        archived_at          = NOW();`

	deleteOffersSQL = `DELETE FROM offers WHERE id = ANY($1);`

	tryAdvisoryLockSQL = `SELECT pg_try_advisory_lock($1);`
	advisoryUnlockSQL  = `SELECT pg_advisory_unlock($1);`
)

// OfferStore defines operations for offer persistence.
type OfferStore interface {
	UpsertOffers(ctx context.Context, offers []model.Offer) (int64, error)
	ListRecentOffers(ctx context.Context, limit int) ([]model.Offer, error)
	ListOffersForPair(ctx context.Context, selling, buying model.Asset, limit int) ([]model.Offer, error)
	ListOffersMissingTime(ctx context.Context, limit int) ([]model.Offer, error)
	SetLastModifiedTime(ctx context.Context, offer model.Offer, at time.Time) error
	CountOffers(ctx context.Context) (int64, error)
	MaxLedger(ctx context.Context) (uint64, error)
}

// CursorStore persists ingestion paging checkpoints.
type CursorStore interface {
	LoadCursor(ctx context.Context, name string) (string, error)
	SaveCursor(ctx context.Context, name, cursor string) error
}

// AdvisoryLocker exposes advisory lock helpers.
type AdvisoryLocker interface {
	TryAdvisoryLock(ctx context.Context, key int64) (unlock func(), acquired bool, err error)
}

// ArchiveBatchRequest describes one archival transaction.
type ArchiveBatchRequest struct {
	// Horizon is exclusive: rows with last_modified_ledger < Horizon qualify.
	Horizon uint64
	Limit   int
	// CopyToArchive moves rows into offers_archive before deleting them.
	CopyToArchive bool
	// Sink, when set, receives the batch before the transaction commits; an
	// error rolls the whole batch back.
	Sink func(ctx context.Context, offers []model.Offer) error
}

// Store aggregates access to offers and ingestion state.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore wires a pgx pool into a Store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// TryAdvisoryLock attempts to acquire a postgres advisory lock and returns a release func.
func (s *Store) TryAdvisoryLock(ctx context.Context, key int64) (func(), bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, false, err
	}

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquire connection: %w", err)
	}

	var acquired bool
	if err := conn.QueryRow(ctx, tryAdvisoryLockSQL, key).Scan(&acquired); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("try advisory lock: %w", err)
	}
	if !acquired {
		conn.Release()
		return nil, false, nil
	}

	unlock := func() {
		ctxUnlock, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if _, err := conn.Exec(ctxUnlock, advisoryUnlockSQL, key); err != nil {
			// the session lock dies with the connection anyway
			conn.Conn().Close(ctxUnlock)
		}
		conn.Release()
	}
	return unlock, true, nil
}

func (s *Store) getPool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNotConfigured
	}
	return s.pool, nil
}

// UpsertOffers writes offers keyed by id. Rows already holding a newer
// last_modified_ledger are left untouched. Returns the number of rows written.
// The batch runs in one implicit transaction: any failing row rolls back the
// whole call, and a row refused for its own data wraps ErrRejectedOffer.
func (s *Store) UpsertOffers(ctx context.Context, offers []model.Offer) (int64, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}
	if len(offers) == 0 {
		return 0, nil
	}

	batch := &pgx.Batch{}
	for _, offer := range offers {
		args, err := offerArgs(offer)
		if err != nil {
			return 0, err
		}
		batch.Queue(upsertOfferSQL, args...)
	}

	results := pool.SendBatch(ctx, batch)
	defer results.Close()

	var written int64
	for _, offer := range offers {
		tag, execErr := results.Exec()
		if execErr != nil {
			return 0, fmt.Errorf("upsert offer %d: %w", offer.ID, classifyWriteError(execErr))
		}
		written += tag.RowsAffected()
	}
	return written, nil
}

// ListRecentOffers lists the most recently modified offers.
func (s *Store) ListRecentOffers(ctx context.Context, limit int) ([]model.Offer, error) {
	return s.queryOffers(ctx, "list recent offers", listRecentOffersSQL, limit)
}

// ListOffersForPair lists offers of one selling/buying pair ordered by ledger.
func (s *Store) ListOffersForPair(ctx context.Context, selling, buying model.Asset, limit int) ([]model.Offer, error) {
	return s.queryOffers(ctx, "list offers for pair", listOffersForPairSQL,
		string(selling.Type), selling.Code, selling.Issuer,
		string(buying.Type), buying.Code, buying.Issuer,
		limit,
	)
}

// ListOffersMissingTime lists offers whose ledger close time is unknown.
func (s *Store) ListOffersMissingTime(ctx context.Context, limit int) ([]model.Offer, error) {
	return s.queryOffers(ctx, "list offers missing time", listOffersMissingTimeSQL, limit)
}

// SetLastModifiedTime stores a backfilled close time. The update is skipped
// when the row moved to a newer ledger in the meantime.
func (s *Store) SetLastModifiedTime(ctx context.Context, offer model.Offer, at time.Time) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	id, err := toInt64(offer.ID, "offer id")
	if err != nil {
		return err
	}
	ledger, err := toInt64(offer.LastModifiedLedger, "last_modified_ledger")
	if err != nil {
		return err
	}
	if _, execErr := pool.Exec(ctx, setLastModifiedTimeSQL, id, at.UTC(), ledger); execErr != nil {
		return fmt.Errorf("set last modified time: %w", execErr)
	}
	return nil
}

// CountOffers counts stored offers.
func (s *Store) CountOffers(ctx context.Context) (int64, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}
	var count int64
	if scanErr := pool.QueryRow(ctx, countOffersSQL).Scan(&count); scanErr != nil {
		return 0, fmt.Errorf("count offers: %w", scanErr)
	}
	return count, nil
}

// MaxLedger returns the newest last_modified_ledger, or zero for an empty store.
func (s *Store) MaxLedger(ctx context.Context) (uint64, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}
	var ledger int64
	if scanErr := pool.QueryRow(ctx, maxLedgerSQL).Scan(&ledger); scanErr != nil {
		return 0, fmt.Errorf("max ledger: %w", scanErr)
	}
	return uint64(ledger), nil
}

// LoadCursor returns the saved paging cursor, or "" when none exists.
func (s *Store) LoadCursor(ctx context.Context, name string) (string, error) {
	pool, err := s.getPool()
	if err != nil {
		return "", err
	}
	var cursor string
	scanErr := pool.QueryRow(ctx, loadCursorSQL, name).Scan(&cursor)
	if errors.Is(scanErr, pgx.ErrNoRows) {
		return "", nil
	}
	if scanErr != nil {
		return "", fmt.Errorf("load cursor: %w", scanErr)
	}
	return cursor, nil
}

// SaveCursor persists the paging cursor.
func (s *Store) SaveCursor(ctx context.Context, name, cursor string) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, execErr := pool.Exec(ctx, saveCursorSQL, name, cursor); execErr != nil {
		return fmt.Errorf("save cursor: %w", execErr)
	}
	return nil
}

// ArchiveBatch moves or purges one bounded batch of rows older than the
// horizon inside a single transaction. Row locks never outlive the call.
// It returns the number of rows that left the live table.
func (s *Store) ArchiveBatch(ctx context.Context, req ArchiveBatchRequest) (int, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}
	if req.Limit <= 0 {
		return 0, fmt.Errorf("archive batch: limit must be positive")
	}
	horizon, err := toInt64(req.Horizon, "horizon")
	if err != nil {
		return 0, err
	}

	tx, err := pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("archive batch: begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	rows, err := tx.Query(ctx, selectArchiveBatchSQL, horizon, req.Limit)
	if err != nil {
		return 0, fmt.Errorf("archive batch: select: %w", err)
	}
	offers, err := collectOffers(rows)
	if err != nil {
		return 0, fmt.Errorf("archive batch: scan: %w", err)
	}
	if len(offers) == 0 {
		return 0, nil
	}

	ids := make([]int64, len(offers))
	for i, offer := range offers {
		ids[i] = int64(offer.ID)
	}

	if req.Sink != nil {
		if err := req.Sink(ctx, offers); err != nil {
			return 0, fmt.Errorf("archive batch: sink: %w", err)
		}
	}

	if req.CopyToArchive {
		if _, err := tx.Exec(ctx, copyToArchiveSQL, ids); err != nil {
			return 0, fmt.Errorf("archive batch: copy: %w", err)
		}
	}

	tag, err := tx.Exec(ctx, deleteOffersSQL, ids)
	if err != nil {
		return 0, fmt.Errorf("archive batch: delete: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("archive batch: commit: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (s *Store) queryOffers(ctx context.Context, op, query string, args ...any) ([]model.Offer, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, query, args...)
	if queryErr != nil {
		return nil, fmt.Errorf("%s: %w", op, queryErr)
	}
	offers, err := collectOffers(rows)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return offers, nil
}

func collectOffers(rows pgx.Rows) ([]model.Offer, error) {
	defer rows.Close()

	offers := make([]model.Offer, 0)
	for rows.Next() {
		offer, err := scanOffer(rows)
		if err != nil {
			return nil, err
		}
		offers = append(offers, offer)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return offers, nil
}

func scanOffer(rows pgx.Rows) (model.Offer, error) {
	var (
		id            int64
		seller        string
		sellingType   string
		sellingCode   string
		sellingIssuer string
		buyingType    string
		buyingCode    string
		buyingIssuer  string
		amount        string
		price         string
		priceN        int32
		priceD        int32
		ledger        int64
		modifiedAt    sql.NullTime
	)

	if err := rows.Scan(
		&id,
		&seller,
		&sellingType,
		&sellingCode,
		&sellingIssuer,
		&buyingType,
		&buyingCode,
		&buyingIssuer,
		&amount,
		&price,
		&priceN,
		&priceD,
		&ledger,
		&modifiedAt,
	); err != nil {
		return model.Offer{}, err
	}

	offer := model.Offer{
		ID:                 uint64(id),
		Seller:             seller,
		Selling:            storedAsset(sellingType, sellingCode, sellingIssuer),
		Buying:             storedAsset(buyingType, buyingCode, buyingIssuer),
		Amount:             amount,
		Price:              price,
		PriceN:             priceN,
		PriceD:             priceD,
		LastModifiedLedger: uint64(ledger),
	}
	if modifiedAt.Valid {
		offer = offer.WithLastModifiedTime(modifiedAt.Time)
	}
	return offer, nil
}

func storedAsset(assetType, code, issuer string) model.Asset {
	if model.AssetType(assetType) == model.AssetNative {
		return model.NativeAsset()
	}
	return model.CreditAsset(model.AssetType(assetType), code, issuer)
}

func offerArgs(offer model.Offer) ([]any, error) {
	id, err := toInt64(offer.ID, "offer id")
	if err != nil {
		return nil, err
	}
	ledger, err := toInt64(offer.LastModifiedLedger, "last_modified_ledger")
	if err != nil {
		return nil, err
	}

	var modifiedAt any
	if offer.LastModifiedTime != nil {
		modifiedAt = offer.LastModifiedTime.UTC()
	}

	return []any{
		id,
		offer.Seller,
		string(offer.Selling.Type),
		offer.Selling.Code,
		offer.Selling.Issuer,
		string(offer.Buying.Type),
		offer.Buying.Code,
		offer.Buying.Issuer,
		offer.Amount,
		offer.Price,
		offer.PriceN,
		offer.PriceD,
		ledger,
		modifiedAt,
	}, nil
}

func toInt64(v uint64, name string) (int64, error) {
	if v > math.MaxInt64 {
		return 0, fmt.Errorf("%s %d exceeds BIGINT range", name, v)
	}
	return int64(v), nil
}

var (
	_ OfferStore     = (*Store)(nil)
	_ CursorStore    = (*Store)(nil)
	_ AdvisoryLocker = (*Store)(nil)
)
