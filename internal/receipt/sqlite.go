package receipt

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// SQLiteDB implements the DB interface on SQLite. Receipts are stored as
// JSON with the filterable fields copied into indexed columns.
type SQLiteDB struct {
	db *sql.DB
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS receipts (
	id             TEXT PRIMARY KEY,
	user_id        TEXT NOT NULL,
	status         TEXT NOT NULL,
	merchant_lower TEXT NOT NULL DEFAULT '',
	total_amount   REAL NOT NULL DEFAULT 0,
	fraud_score    INTEGER NOT NULL DEFAULT 0,
	image_hash     TEXT NOT NULL UNIQUE,
	created_at     INTEGER NOT NULL,
	data           TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS venue_configs (
	venue_id TEXT PRIMARY KEY,
	data     TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS merchants (
	name_key TEXT PRIMARY KEY,
	data     TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS offers (
	id   TEXT PRIMARY KEY,
	data TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS cards (
	user_id TEXT PRIMARY KEY,
	data    TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_receipts_user_created ON receipts(user_id, created_at);
CREATE INDEX IF NOT EXISTS idx_receipts_status ON receipts(status);
`

// NewSQLiteDB opens (and migrates) a SQLite database at dsn
func NewSQLiteDB(dsn string) (*SQLiteDB, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite: %w", err)
	}
	// One connection keeps :memory: databases coherent and serializes writers.
	db.SetMaxOpenConns(1)

	for _, stmt := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		sqliteMigration,
	} {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("initializing sqlite: %w", err)
		}
	}
	return &SQLiteDB{db: db}, nil
}

func isUniqueViolation(err error) bool {
	var se *sqlite.Error
	return errors.As(err, &se) && se.Code() == sqlite3.SQLITE_CONSTRAINT_UNIQUE
}

func checkRowsAffected(res sql.Result, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%s %q: %w", entity, id, ErrNotFound)
	}
	return nil
}

func scanReceipt(row interface{ Scan(dest ...any) error }) (*Receipt, error) {
	var data string
	if err := row.Scan(&data); err != nil {
		return nil, err
	}
	var receipt Receipt
	if err := json.Unmarshal([]byte(data), &receipt); err != nil {
		return nil, fmt.Errorf("unmarshaling receipt: %w", err)
	}
	return &receipt, nil
}

// CreateReceipt inserts a receipt. The UNIQUE constraint on image_hash
// settles concurrent submissions of the same image.
func (s *SQLiteDB) CreateReceipt(ctx context.Context, receipt *Receipt) error {
	data, err := json.Marshal(receipt)
	if err != nil {
		return fmt.Errorf("marshaling receipt: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO receipts (id, user_id, status, merchant_lower, total_amount, fraud_score, image_hash, created_at, data)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		receipt.ID, receipt.UserID, string(receipt.Status), strings.ToLower(receipt.MerchantName),
		receipt.TotalAmount, receipt.FraudScore, receipt.ImageHash, receipt.CreatedAt.UnixNano(), string(data),
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: image hash %s", ErrDuplicateReceipt, receipt.ImageHash)
	}
	if err != nil {
		return fmt.Errorf("inserting receipt: %w", err)
	}
	return nil
}

// GetReceipt retrieves a receipt by ID
func (s *SQLiteDB) GetReceipt(ctx context.Context, id string) (*Receipt, error) {
	receipt, err := scanReceipt(s.db.QueryRowContext(ctx, `SELECT data FROM receipts WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("receipt %q: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("selecting receipt: %w", err)
	}
	return receipt, nil
}

var sortColumns = map[SortField]string{
	SortByCreatedAt:  "created_at",
	SortByAmount:     "total_amount",
	SortByFraudScore: "fraud_score",
}

// ListReceipts returns one page of receipts matching the filter
func (s *SQLiteDB) ListReceipts(ctx context.Context, filter ReceiptFilter) (*ReceiptPage, error) {
	f := filter.normalized()

	var (
		where []string
		args  []any
	)
	if f.UserID != "" {
		where = append(where, "user_id = ?")
		args = append(args, f.UserID)
	}
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(f.Status))
	}
	if f.Merchant != "" {
		where = append(where, "instr(merchant_lower, ?) > 0")
		args = append(args, strings.ToLower(f.Merchant))
	}
	if f.MinAmount != nil {
		where = append(where, "total_amount >= ?")
		args = append(args, *f.MinAmount)
	}
	if f.MaxAmount != nil {
		where = append(where, "total_amount <= ?")
		args = append(args, *f.MaxAmount)
	}
	if !f.From.IsZero() {
		where = append(where, "created_at >= ?")
		args = append(args, f.From.UnixNano())
	}
	if !f.To.IsZero() {
		where = append(where, "created_at < ?")
		args = append(args, f.To.UnixNano())
	}

	clause := ""
	if len(where) > 0 {
		clause = " WHERE " + strings.Join(where, " AND ")
	}

	page := &ReceiptPage{Receipts: []*Receipt{}, Page: f.Page, Limit: f.Limit}
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM receipts`+clause, args...).Scan(&page.Total); err != nil {
		return nil, fmt.Errorf("counting receipts: %w", err)
	}

	dir := "DESC"
	if f.Ascending {
		dir = "ASC"
	}
	query := fmt.Sprintf(`SELECT data FROM receipts%s ORDER BY %s %s, id %s LIMIT ? OFFSET ?`,
		clause, sortColumns[f.SortBy], dir, dir)
	rows, err := s.db.QueryContext(ctx, query, append(args, f.Limit, f.offset())...)
	if err != nil {
		return nil, fmt.Errorf("listing receipts: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		receipt, err := scanReceipt(rows)
		if err != nil {
			return nil, err
		}
		page.Receipts = append(page.Receipts, receipt)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("listing receipts: %w", err)
	}
	return page, nil
}

// UpdateReceiptFunc reads, changes and writes a receipt in one transaction.
// The write is conditional on the status read, so a change committed by
// another process in between surfaces as ErrConflict.
func (s *SQLiteDB) UpdateReceiptFunc(ctx context.Context, id string, fn func(*Receipt) error) (*Receipt, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	receipt, err := scanReceipt(tx.QueryRowContext(ctx, `SELECT data FROM receipts WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("receipt %q: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("selecting receipt: %w", err)
	}

	from, hash := receipt.Status, receipt.ImageHash
	if err := fn(receipt); err != nil {
		return nil, err
	}
	if receipt.ID != id || receipt.ImageHash != hash {
		return nil, fmt.Errorf("%w: receipt ID and image hash are immutable", ErrValidation)
	}

	data, err := json.Marshal(receipt)
	if err != nil {
		return nil, fmt.Errorf("marshaling receipt: %w", err)
	}
	res, err := tx.ExecContext(ctx,
		`UPDATE receipts SET user_id = ?, status = ?, merchant_lower = ?, total_amount = ?, fraud_score = ?, data = ?
		 WHERE id = ? AND status = ?`,
		receipt.UserID, string(receipt.Status), strings.ToLower(receipt.MerchantName),
		receipt.TotalAmount, receipt.FraudScore, string(data), id, string(from),
	)
	if err != nil {
		return nil, fmt.Errorf("updating receipt: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return nil, fmt.Errorf("%w: receipt %q left status %s during the update", ErrConflict, id, from)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing receipt update: %w", err)
	}
	return receipt, nil
}

// DeleteReceipt removes a receipt
func (s *SQLiteDB) DeleteReceipt(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM receipts WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting receipt: %w", err)
	}
	return checkRowsAffected(res, "receipt", id)
}

// FindByImageHash returns the receipt with the given image hash
func (s *SQLiteDB) FindByImageHash(ctx context.Context, hash string) (*Receipt, error) {
	receipt, err := scanReceipt(s.db.QueryRowContext(ctx, `SELECT data FROM receipts WHERE image_hash = ?`, hash))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("image hash %s: %w", hash, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("selecting receipt by hash: %w", err)
	}
	return receipt, nil
}

// CountSubmissionsSince counts a user's receipts created at or after since
func (s *SQLiteDB) CountSubmissionsSince(ctx context.Context, userID string, since time.Time) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM receipts WHERE user_id = ? AND created_at >= ?`,
		userID, since.UnixNano(),
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting submissions: %w", err)
	}
	return n, nil
}

// getDoc loads a JSON document from one of the keyed collaborator tables
func (s *SQLiteDB) getDoc(ctx context.Context, table, keyColumn, key string, v any) error {
	var data string
	err := s.db.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT data FROM %s WHERE %s = ?`, table, keyColumn), key,
	).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s %q: %w", table, key, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("selecting %s: %w", table, err)
	}
	return json.Unmarshal([]byte(data), v)
}

func (s *SQLiteDB) putDoc(ctx context.Context, table, keyColumn, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshaling %s: %w", table, err)
	}
	_, err = s.db.ExecContext(ctx,
		fmt.Sprintf(`INSERT INTO %s (%s, data) VALUES (?, ?) ON CONFLICT(%s) DO UPDATE SET data = excluded.data`,
			table, keyColumn, keyColumn),
		key, string(data),
	)
	if err != nil {
		return fmt.Errorf("saving %s: %w", table, err)
	}
	return nil
}

// GetVenueConfig returns the venue's policy or the global one
func (s *SQLiteDB) GetVenueConfig(ctx context.Context, venueID string) (*VenueConfig, error) {
	var config VenueConfig
	if venueID != "" {
		err := s.getDoc(ctx, "venue_configs", "venue_id", venueID, &config)
		if err == nil {
			return &config, nil
		}
		if !isNotFound(err) {
			return nil, err
		}
	}
	if err := s.getDoc(ctx, "venue_configs", "venue_id", "", &config); err != nil {
		return nil, err
	}
	return &config, nil
}

// SaveVenueConfig upserts a venue's policy
func (s *SQLiteDB) SaveVenueConfig(ctx context.Context, config *VenueConfig) error {
	return s.putDoc(ctx, "venue_configs", "venue_id", config.VenueID, config)
}

// GetMerchant looks a merchant up by name
func (s *SQLiteDB) GetMerchant(ctx context.Context, name string) (*Merchant, error) {
	var merchant Merchant
	if err := s.getDoc(ctx, "merchants", "name_key", merchantKey(name), &merchant); err != nil {
		return nil, err
	}
	return &merchant, nil
}

// SaveMerchant upserts a merchant
func (s *SQLiteDB) SaveMerchant(ctx context.Context, merchant *Merchant) error {
	return s.putDoc(ctx, "merchants", "name_key", merchantKey(merchant.Name), merchant)
}

// GetOffer retrieves an offer by ID
func (s *SQLiteDB) GetOffer(ctx context.Context, id string) (*Offer, error) {
	var offer Offer
	if err := s.getDoc(ctx, "offers", "id", id, &offer); err != nil {
		return nil, err
	}
	return &offer, nil
}

// SaveOffer upserts an offer
func (s *SQLiteDB) SaveOffer(ctx context.Context, offer *Offer) error {
	return s.putDoc(ctx, "offers", "id", offer.ID, offer)
}

// GetCard returns a user's card
func (s *SQLiteDB) GetCard(ctx context.Context, userID string) (*Card, error) {
	var card Card
	if err := s.getDoc(ctx, "cards", "user_id", userID, &card); err != nil {
		return nil, err
	}
	return &card, nil
}

// SaveCard upserts a user's card
func (s *SQLiteDB) SaveCard(ctx context.Context, card *Card) error {
	return s.putDoc(ctx, "cards", "user_id", card.UserID, card)
}

// Close closes the database connection
func (s *SQLiteDB) Close() error {
	return s.db.Close()
}
