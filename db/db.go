package db

import (
	"context"
	"database/sql"
	"embed"
	"io/fs"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
	"github.com/pressly/goose/v3"

	"github.com/slashbinslashnoname/p2p-market-orders/models"
)

//go:embed migrations
var migrations embed.FS

var (
	// ErrNotFound is returned when no order has the requested id
	ErrNotFound = errors.New("order not found")
	// ErrConflict is returned when a conditional update lost against a concurrent write
	ErrConflict = errors.New("order was modified concurrently")
)

// Database wraps the SQL database connection
type Database struct {
	db     *sql.DB
	driver string
	hub    *hub
}

// NewDatabase opens the database and applies pending migrations.
// driver is "sqlite3" or "pgx".
func NewDatabase(ctx context.Context, driver, dsn string) (*Database, error) {
	var dialect goose.Dialect
	switch driver {
	case "sqlite3":
		dialect = goose.DialectSQLite3
		if !strings.Contains(dsn, "?") {
			dsn += "?_busy_timeout=5000"
		}
	case "pgx":
		dialect = goose.DialectPostgres
	default:
		return nil, errors.Errorf("unsupported driver %q", driver)
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open database")
	}
	if driver == "sqlite3" {
		// Single writer keeps SQLite from returning SQLITE_BUSY under concurrent transitions
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "failed to ping database")
	}

	fsys, err := fs.Sub(migrations, "migrations/"+migrationDir(driver))
	if err != nil {
		db.Close()
		return nil, errors.Wrap(err, "failed to load migrations")
	}
	provider, err := goose.NewProvider(dialect, db, fsys)
	if err != nil {
		db.Close()
		return nil, errors.Wrap(err, "failed to create migration provider")
	}
	if _, err := provider.Up(ctx); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "failed to apply migrations")
	}

	return &Database{db: db, driver: driver, hub: newHub()}, nil
}

func migrationDir(driver string) string {
	if driver == "pgx" {
		return "postgres"
	}
	return "sqlite3"
}

// rebind rewrites ? placeholders to $n for Postgres
func (d *Database) rebind(query string) string {
	if d.driver != "pgx" {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

const orderColumns = `id, buyer_id, seller_id, product_id, product_title, product_image,
	product_price, delivery_fee, total_amount, platform_fee, seller_net, commission_percent,
	payment_method_id, payment_recipient_phone, payment_holder_name, delivery_type, status,
	proof_screenshot_ref, proof_transaction_ref, proof_submitted_at,
	reminder_at, auto_dispute_at, reminder_sent_at,
	dispute_reason, disputed_by, disputed_at,
	created_at, proof_sent_at, confirmed_at, delivered_at, updated_at, version`

// CreateOrder inserts a new order, assigning its id and version
func (d *Database) CreateOrder(ctx context.Context, o *models.Order) (string, error) {
	o.ID = uuid.NewString()
	o.Version = 1
	if o.CreatedAt.IsZero() {
		o.CreatedAt = time.Now().UTC()
	}
	o.UpdatedAt = o.CreatedAt

	var proofRef, proofTx string
	var proofAt sql.NullTime
	if o.Proof != nil {
		proofRef, proofTx = o.Proof.ScreenshotRef, o.Proof.TransactionRef
		proofAt = sql.NullTime{Time: o.Proof.SubmittedAt, Valid: true}
	}

	query := `INSERT INTO orders (` + orderColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := d.db.ExecContext(ctx, d.rebind(query),
		o.ID, o.BuyerID, o.SellerID, o.ProductID, o.ProductTitle, o.ProductImage,
		o.ProductPrice, o.DeliveryFee, o.TotalAmount, o.PlatformFee, o.SellerNet, o.CommissionPercent,
		o.Payment.MethodID, o.Payment.RecipientPhone, o.Payment.HolderName, string(o.DeliveryType), string(o.Status),
		proofRef, proofTx, proofAt,
		nullTime(o.ReminderAt), nullTime(o.AutoDisputeAt), nullTime(o.ReminderSentAt),
		o.DisputeReason, o.DisputedBy, nullTime(o.DisputedAt),
		o.CreatedAt, nullTime(o.ProofSentAt), nullTime(o.ConfirmedAt), nullTime(o.DeliveredAt), o.UpdatedAt, o.Version,
	)
	if err != nil {
		return "", errors.Wrap(err, "failed to create order")
	}

	d.hub.publish(o.Clone())
	return o.ID, nil
}

// GetOrder retrieves a single order by id
func (d *Database) GetOrder(ctx context.Context, id string) (*models.Order, error) {
	row := d.db.QueryRowContext(ctx, d.rebind(`SELECT `+orderColumns+` FROM orders WHERE id = ?`), id)
	o, err := scanOrder(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get order")
	}
	return o, nil
}

// querier is satisfied by both *sql.DB and *sql.Tx
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// withTx runs fn in a transaction, committing only if fn succeeds
func (d *Database) withTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "failed to begin tx")
	}

	if err := fn(tx); err != nil {
		if er := tx.Rollback(); er != nil && !errors.Is(er, sql.ErrTxDone) {
			return errors.Wrapf(err, "failed to rollback tx (%v)", er)
		}
		return err
	}

	return errors.Wrap(tx.Commit(), "failed to commit tx")
}

// UpdateOrder writes every mutable column of o, but only if the stored row
// still has the expected status and o.Version. On success o.Version is
// incremented. A lost race returns ErrConflict; a missing row ErrNotFound.
func (d *Database) UpdateOrder(ctx context.Context, o *models.Order, expected models.Status) error {
	updatedAt := time.Now().UTC()
	if err := d.updateOrder(ctx, d.db, o, expected, updatedAt); err != nil {
		return err
	}
	d.committed(o, updatedAt)
	return nil
}

// DisputeOrder writes o, already moved to disputed, together with its ledger
// entry. Either both are stored or neither is; the conditional update rules of
// UpdateOrder apply.
func (d *Database) DisputeOrder(ctx context.Context, o *models.Order, expected models.Status, rec models.DisputeRecord) error {
	updatedAt := time.Now().UTC()
	err := d.withTx(ctx, func(tx *sql.Tx) error {
		if err := d.updateOrder(ctx, tx, o, expected, updatedAt); err != nil {
			return err
		}
		return d.appendDispute(ctx, tx, rec)
	})
	if err != nil {
		return err
	}
	d.committed(o, updatedAt)
	return nil
}

func (d *Database) updateOrder(ctx context.Context, q querier, o *models.Order, expected models.Status, updatedAt time.Time) error {
	var proofRef, proofTx string
	var proofAt sql.NullTime
	if o.Proof != nil {
		proofRef, proofTx = o.Proof.ScreenshotRef, o.Proof.TransactionRef
		proofAt = sql.NullTime{Time: o.Proof.SubmittedAt, Valid: true}
	}

	query := `UPDATE orders SET
			status = ?, proof_screenshot_ref = ?, proof_transaction_ref = ?, proof_submitted_at = ?,
			reminder_at = ?, auto_dispute_at = ?, reminder_sent_at = ?,
			dispute_reason = ?, disputed_by = ?, disputed_at = ?,
			proof_sent_at = ?, confirmed_at = ?, delivered_at = ?,
			updated_at = ?, version = version + 1
		WHERE id = ? AND status = ? AND version = ?`
	res, err := q.ExecContext(ctx, d.rebind(query),
		string(o.Status), proofRef, proofTx, proofAt,
		nullTime(o.ReminderAt), nullTime(o.AutoDisputeAt), nullTime(o.ReminderSentAt),
		o.DisputeReason, o.DisputedBy, nullTime(o.DisputedAt),
		nullTime(o.ProofSentAt), nullTime(o.ConfirmedAt), nullTime(o.DeliveredAt),
		updatedAt, o.ID, string(expected), o.Version,
	)
	if err != nil {
		return errors.Wrap(err, "failed to update order")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to read affected rows")
	}
	if n == 0 {
		var exists int
		err := q.QueryRowContext(ctx, d.rebind(`SELECT 1 FROM orders WHERE id = ?`), o.ID).Scan(&exists)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return errors.Wrap(err, "failed to check order existence")
		}
		return ErrConflict
	}
	return nil
}

// committed records a successful update on o and tells subscribers
func (d *Database) committed(o *models.Order, updatedAt time.Time) {
	o.Version++
	o.UpdatedAt = updatedAt
	d.hub.publish(o.Clone())
}

// ListOrdersByParty retrieves the orders where userID plays role, newest first
func (d *Database) ListOrdersByParty(ctx context.Context, userID string, role models.Role) ([]models.Order, error) {
	column := "buyer_id"
	if role == models.RoleSeller {
		column = "seller_id"
	}
	return d.queryOrders(ctx, `SELECT `+orderColumns+` FROM orders WHERE `+column+` = ? ORDER BY created_at DESC`, userID)
}

// ListOrdersBySellerStatus retrieves a seller's orders in one status, oldest first
func (d *Database) ListOrdersBySellerStatus(ctx context.Context, sellerID string, status models.Status) ([]models.Order, error) {
	return d.queryOrders(ctx, `SELECT `+orderColumns+` FROM orders WHERE seller_id = ? AND status = ? ORDER BY created_at`, sellerID, string(status))
}

// ListSellersWithStatus returns the distinct sellers owning at least one order in status
func (d *Database) ListSellersWithStatus(ctx context.Context, status models.Status) ([]string, error) {
	rows, err := d.db.QueryContext(ctx, d.rebind(`SELECT DISTINCT seller_id FROM orders WHERE status = ? ORDER BY seller_id`), string(status))
	if err != nil {
		return nil, errors.Wrap(err, "failed to list sellers")
	}
	defer rows.Close()

	var sellers []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, errors.Wrap(err, "failed to scan seller")
		}
		sellers = append(sellers, id)
	}
	return sellers, errors.Wrap(rows.Err(), "failed to iterate sellers")
}

// CountOrdersBySellerStatus counts a seller's orders in one status
func (d *Database) CountOrdersBySellerStatus(ctx context.Context, sellerID string, status models.Status) (int, error) {
	var count int
	err := d.db.QueryRowContext(ctx, d.rebind(`SELECT COUNT(*) FROM orders WHERE seller_id = ? AND status = ?`), sellerID, string(status)).Scan(&count)
	if err != nil {
		return 0, errors.Wrap(err, "failed to count orders")
	}
	return count, nil
}

// AppendDispute writes a dispute ledger entry. Entries are never updated or read back by the engine.
func (d *Database) AppendDispute(ctx context.Context, rec models.DisputeRecord) error {
	return d.appendDispute(ctx, d.db, rec)
}

func (d *Database) appendDispute(ctx context.Context, q querier, rec models.DisputeRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	_, err := q.ExecContext(ctx, d.rebind(
		`INSERT INTO disputes (id, order_id, buyer_id, seller_id, opened_by, reason, automatic, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`),
		rec.ID, rec.OrderID, rec.BuyerID, rec.SellerID, rec.OpenedBy, rec.Reason, rec.Automatic, rec.CreatedAt,
	)
	return errors.Wrap(err, "failed to append dispute")
}

// Subscribe registers fn for every order written that matches f. The returned
// function removes the subscription.
func (d *Database) Subscribe(f Filter, fn func(models.Order)) (unsubscribe func()) {
	return d.hub.subscribe(f, fn)
}

// Close closes the database connection
func (d *Database) Close() error {
	d.hub.close()
	return d.db.Close()
}

func (d *Database) queryOrders(ctx context.Context, query string, args ...any) ([]models.Order, error) {
	rows, err := d.db.QueryContext(ctx, d.rebind(query), args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to fetch orders")
	}
	defer rows.Close()

	var orders []models.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan order")
		}
		orders = append(orders, *o)
	}
	return orders, errors.Wrap(rows.Err(), "failed to iterate orders")
}

type scanner interface {
	Scan(dest ...any) error
}

func scanOrder(s scanner) (*models.Order, error) {
	var o models.Order
	var deliveryType, status, proofRef, proofTx string
	var proofAt, reminderAt, autoDisputeAt, reminderSentAt sql.NullTime
	var disputedAt, proofSentAt, confirmedAt, deliveredAt sql.NullTime
	err := s.Scan(
		&o.ID, &o.BuyerID, &o.SellerID, &o.ProductID, &o.ProductTitle, &o.ProductImage,
		&o.ProductPrice, &o.DeliveryFee, &o.TotalAmount, &o.PlatformFee, &o.SellerNet, &o.CommissionPercent,
		&o.Payment.MethodID, &o.Payment.RecipientPhone, &o.Payment.HolderName, &deliveryType, &status,
		&proofRef, &proofTx, &proofAt,
		&reminderAt, &autoDisputeAt, &reminderSentAt,
		&o.DisputeReason, &o.DisputedBy, &disputedAt,
		&o.CreatedAt, &proofSentAt, &confirmedAt, &deliveredAt, &o.UpdatedAt, &o.Version,
	)
	if err != nil {
		return nil, err
	}

	o.DeliveryType = models.DeliveryType(deliveryType)
	o.Status = models.Status(status)
	if proofAt.Valid {
		o.Proof = &models.Proof{ScreenshotRef: proofRef, TransactionRef: proofTx, SubmittedAt: proofAt.Time.UTC()}
	}
	o.CreatedAt = o.CreatedAt.UTC()
	o.UpdatedAt = o.UpdatedAt.UTC()
	o.ReminderAt = timePtr(reminderAt)
	o.AutoDisputeAt = timePtr(autoDisputeAt)
	o.ReminderSentAt = timePtr(reminderSentAt)
	o.DisputedAt = timePtr(disputedAt)
	o.ProofSentAt = timePtr(proofSentAt)
	o.ConfirmedAt = timePtr(confirmedAt)
	o.DeliveredAt = timePtr(deliveredAt)
	return &o, nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time.UTC()
	return &v
}
