package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"github.com/zeebo/errs"

	"coupon-service/internal/models"
)

// Error is the class of coupon store failures.
var Error = errs.Class("coupon store")

// DB wraps the database connection and provides methods for coupon data access.
type DB struct {
	conn    *sql.DB
	driver  string
	timeout time.Duration
}

// NewDB opens the coupon store and initializes the schema. driver is
// "sqlite3" or "postgres".
func NewDB(driver, dsn string, timeout time.Duration) (*DB, error) {
	if driver == "sqlite3" && !strings.Contains(dsn, "?") {
		dsn += "?_foreign_keys=1&_busy_timeout=5000"
	}
	conn, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, Error.New("failed to open database: %v", err)
	}
	if driver == "sqlite3" {
		// sqlite serializes writers; one connection avoids SQLITE_BUSY churn.
		conn.SetMaxOpenConns(1)
	} else {
		conn.SetMaxOpenConns(20)
		conn.SetMaxIdleConns(10)
		conn.SetConnMaxLifetime(time.Hour)
	}
	if timeout <= 0 {
		timeout = 3 * time.Second
	}

	db := &DB{conn: conn, driver: driver, timeout: timeout}

	if err := db.initSchema(); err != nil {
		_ = conn.Close()
		return nil, Error.New("failed to initialize schema: %v", err)
	}

	return db, nil
}

// Close closes the database connection.
func (db *DB) Close() error {
	return db.conn.Close()
}

// initSchema creates the necessary tables if they don't exist.
func (db *DB) initSchema() error {
	idColumn := "INTEGER PRIMARY KEY AUTOINCREMENT"
	if db.driver == "postgres" {
		idColumn = "SERIAL PRIMARY KEY"
	}

	queries := []string{
		`CREATE TABLE IF NOT EXISTS coupon (
			id ` + idColumn + `,
			template_id INTEGER NOT NULL,
			user_id BIGINT NOT NULL,
			coupon_code TEXT NOT NULL,
			assign_time TIMESTAMP NOT NULL,
			status INTEGER NOT NULL,
			UNIQUE (template_id, coupon_code)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_coupon_user_status ON coupon(user_id, status)`,
		`CREATE TABLE IF NOT EXISTS reconcile_failure (
			id ` + idColumn + `,
			message_id TEXT NOT NULL,
			user_id BIGINT NOT NULL,
			status INTEGER NOT NULL,
			coupon_ids TEXT NOT NULL,
			reason TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL
		)`,
	}

	ctx, cancel := context.WithTimeout(context.Background(), db.timeout)
	defer cancel()

	for _, query := range queries {
		if _, err := db.conn.ExecContext(ctx, query); err != nil {
			return Error.New("failed to execute schema query: %v", err)
		}
	}

	return nil
}

// InsertCoupon persists a new coupon and assigns its identifier.
func (db *DB) InsertCoupon(ctx context.Context, coupon *models.Coupon) error {
	ctx, cancel := context.WithTimeout(ctx, db.timeout)
	defer cancel()

	query := db.rebind(`INSERT INTO coupon (template_id, user_id, coupon_code, assign_time, status)
		VALUES (?, ?, ?, ?, ?) RETURNING id`)

	if coupon.AssignTime.IsZero() {
		coupon.AssignTime = time.Now().UTC()
	}

	err := db.conn.QueryRowContext(ctx, query,
		coupon.TemplateID,
		coupon.UserID,
		coupon.CouponCode,
		coupon.AssignTime,
		int(coupon.Status),
	).Scan(&coupon.ID)
	if err != nil {
		return Error.New("failed to insert coupon for user %d template %d: %v", coupon.UserID, coupon.TemplateID, err)
	}

	return nil
}

// GetCoupon returns one coupon by id.
func (db *DB) GetCoupon(ctx context.Context, id int) (models.Coupon, error) {
	ctx, cancel := context.WithTimeout(ctx, db.timeout)
	defer cancel()

	row := db.conn.QueryRowContext(ctx, db.rebind(selectCoupon+` WHERE id = ?`), id)
	coupon, err := scanCoupon(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Coupon{}, models.ErrNotFound.New("coupon %d", id)
	}
	if err != nil {
		return models.Coupon{}, Error.Wrap(err)
	}
	return coupon, nil
}

// FindByUserAndStatus returns every coupon a user owns in the given status.
func (db *DB) FindByUserAndStatus(ctx context.Context, userID int64, status models.CouponStatus) ([]models.Coupon, error) {
	ctx, cancel := context.WithTimeout(ctx, db.timeout)
	defer cancel()

	rows, err := db.conn.QueryContext(ctx,
		db.rebind(selectCoupon+` WHERE user_id = ? AND status = ? ORDER BY id`),
		userID, int(status))
	if err != nil {
		return nil, Error.New("failed to query coupons: %v", err)
	}
	defer rows.Close()

	return scanCoupons(rows)
}

// FindByIDs returns the coupons with the given ids. Missing ids are skipped,
// so callers compare lengths to detect them.
func (db *DB) FindByIDs(ctx context.Context, ids []int) ([]models.Coupon, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	ctx, cancel := context.WithTimeout(ctx, db.timeout)
	defer cancel()

	placeholders := make([]string, len(ids))
	args := make([]interface{}, len(ids))
	for i, id := range ids {
		placeholders[i] = "?"
		args[i] = id
	}

	query := selectCoupon + ` WHERE id IN (` + strings.Join(placeholders, ",") + `) ORDER BY id`
	rows, err := db.conn.QueryContext(ctx, db.rebind(query), args...)
	if err != nil {
		return nil, Error.New("failed to query coupons by id: %v", err)
	}
	defer rows.Close()

	return scanCoupons(rows)
}

// SaveStatuses writes the status of every coupon in a single transaction.
func (db *DB) SaveStatuses(ctx context.Context, coupons []models.Coupon) (int, error) {
	if len(coupons) == 0 {
		return 0, nil
	}

	ctx, cancel := context.WithTimeout(ctx, db.timeout)
	defer cancel()

	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return 0, Error.New("failed to begin transaction: %v", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, db.rebind(`UPDATE coupon SET status = ? WHERE id = ?`))
	if err != nil {
		return 0, Error.New("failed to prepare statement: %v", err)
	}
	defer stmt.Close()

	updated := 0
	for _, c := range coupons {
		if _, err := stmt.ExecContext(ctx, int(c.Status), c.ID); err != nil {
			return 0, Error.New("failed to update coupon %d: %v", c.ID, err)
		}
		updated++
	}

	if err := tx.Commit(); err != nil {
		return 0, Error.New("failed to commit transaction: %v", err)
	}

	return updated, nil
}

// ReconcileFailure is a rejected reconciliation batch kept for follow-up.
type ReconcileFailure struct {
	MessageID string
	UserID    int64
	Status    models.CouponStatus
	CouponIDs []int
	Reason    string
	CreatedAt time.Time
}

// InsertReconcileFailure records a rejected reconciliation batch.
func (db *DB) InsertReconcileFailure(ctx context.Context, f ReconcileFailure) error {
	ctx, cancel := context.WithTimeout(ctx, db.timeout)
	defer cancel()

	ids, err := json.Marshal(f.CouponIDs)
	if err != nil {
		return Error.Wrap(err)
	}
	if f.CreatedAt.IsZero() {
		f.CreatedAt = time.Now().UTC()
	}

	_, err = db.conn.ExecContext(ctx,
		db.rebind(`INSERT INTO reconcile_failure (message_id, user_id, status, coupon_ids, reason, created_at)
			VALUES (?, ?, ?, ?, ?, ?)`),
		f.MessageID, f.UserID, int(f.Status), string(ids), f.Reason, f.CreatedAt)
	if err != nil {
		return Error.New("failed to record reconcile failure %s: %v", f.MessageID, err)
	}
	return nil
}

// ReconcileFailures lists recorded failures, oldest first.
func (db *DB) ReconcileFailures(ctx context.Context) ([]ReconcileFailure, error) {
	ctx, cancel := context.WithTimeout(ctx, db.timeout)
	defer cancel()

	rows, err := db.conn.QueryContext(ctx,
		`SELECT message_id, user_id, status, coupon_ids, reason, created_at FROM reconcile_failure ORDER BY id`)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	defer rows.Close()

	var failures []ReconcileFailure
	for rows.Next() {
		var f ReconcileFailure
		var status int
		var ids string
		if err := rows.Scan(&f.MessageID, &f.UserID, &status, &ids, &f.Reason, &f.CreatedAt); err != nil {
			return nil, Error.Wrap(err)
		}
		f.Status = models.CouponStatus(status)
		if err := json.Unmarshal([]byte(ids), &f.CouponIDs); err != nil {
			return nil, Error.Wrap(err)
		}
		failures = append(failures, f)
	}
	return failures, Error.Wrap(rows.Err())
}

const selectCoupon = `SELECT id, template_id, user_id, coupon_code, assign_time, status FROM coupon`

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanCoupon(row scanner) (models.Coupon, error) {
	var c models.Coupon
	var status int
	if err := row.Scan(&c.ID, &c.TemplateID, &c.UserID, &c.CouponCode, &c.AssignTime, &status); err != nil {
		return models.Coupon{}, err
	}
	c.Status = models.CouponStatus(status)
	c.AssignTime = c.AssignTime.UTC()
	return c, nil
}

func scanCoupons(rows *sql.Rows) ([]models.Coupon, error) {
	var coupons []models.Coupon
	for rows.Next() {
		c, err := scanCoupon(rows)
		if err != nil {
			return nil, Error.New("failed to scan coupon: %v", err)
		}
		coupons = append(coupons, c)
	}
	if err := rows.Err(); err != nil {
		return nil, Error.New("error iterating coupons: %v", err)
	}
	return coupons, nil
}

// rebind rewrites ? placeholders into $N for postgres.
func (db *DB) rebind(query string) string {
	if db.driver != "postgres" {
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
