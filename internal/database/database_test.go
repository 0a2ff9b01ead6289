package database

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"coupon-service/internal/models"
)

func setupTestDB(t *testing.T) *DB {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test_"+time.Now().Format("20060102150405")+".db")
	db, err := NewDB("sqlite3", dbPath, 2*time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func insertCoupon(t *testing.T, db *DB, userID int64, templateID int, code string, status models.CouponStatus) models.Coupon {
	t.Helper()
	c := models.Coupon{
		TemplateID: templateID,
		UserID:     userID,
		CouponCode: code,
		AssignTime: time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC),
		Status:     status,
	}
	require.NoError(t, db.InsertCoupon(context.Background(), &c))
	require.NotZero(t, c.ID)
	return c
}

func TestInsertAndGetCoupon(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	inserted := insertCoupon(t, db, 42, 7, "100120240501000001", models.StatusUsable)

	got, err := db.GetCoupon(ctx, inserted.ID)
	require.NoError(t, err)
	assert.Equal(t, inserted.ID, got.ID)
	assert.Equal(t, int64(42), got.UserID)
	assert.Equal(t, 7, got.TemplateID)
	assert.Equal(t, "100120240501000001", got.CouponCode)
	assert.Equal(t, models.StatusUsable, got.Status)
	assert.True(t, inserted.AssignTime.Equal(got.AssignTime))

	_, err = db.GetCoupon(ctx, 9999)
	require.Error(t, err)
	assert.True(t, models.ErrNotFound.Has(err))
}

func TestInsertCoupon_DuplicateCodeRejected(t *testing.T) {
	db := setupTestDB(t)

	insertCoupon(t, db, 1, 7, "DUPLICATE", models.StatusUsable)

	dup := models.Coupon{TemplateID: 7, UserID: 2, CouponCode: "DUPLICATE", Status: models.StatusUsable}
	err := db.InsertCoupon(context.Background(), &dup)
	require.Error(t, err)
	assert.True(t, Error.Has(err))

	// Same code on another template is fine.
	other := models.Coupon{TemplateID: 8, UserID: 2, CouponCode: "DUPLICATE", Status: models.StatusUsable}
	require.NoError(t, db.InsertCoupon(context.Background(), &other))
}

func TestFindByUserAndStatus(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	a := insertCoupon(t, db, 42, 1, "A", models.StatusUsable)
	insertCoupon(t, db, 42, 1, "B", models.StatusUsed)
	c := insertCoupon(t, db, 42, 2, "C", models.StatusUsable)
	insertCoupon(t, db, 43, 1, "D", models.StatusUsable)

	usable, err := db.FindByUserAndStatus(ctx, 42, models.StatusUsable)
	require.NoError(t, err)
	require.Len(t, usable, 2)
	assert.Equal(t, a.ID, usable[0].ID)
	assert.Equal(t, c.ID, usable[1].ID)

	expired, err := db.FindByUserAndStatus(ctx, 42, models.StatusExpired)
	require.NoError(t, err)
	assert.Empty(t, expired)
}

func TestFindByIDs_SkipsMissing(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	a := insertCoupon(t, db, 1, 1, "A", models.StatusUsable)
	b := insertCoupon(t, db, 1, 1, "B", models.StatusUsable)

	found, err := db.FindByIDs(ctx, []int{a.ID, b.ID, 12345})
	require.NoError(t, err)
	assert.Len(t, found, 2)

	none, err := db.FindByIDs(ctx, nil)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestSaveStatuses(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	a := insertCoupon(t, db, 1, 1, "A", models.StatusUsable)
	b := insertCoupon(t, db, 1, 1, "B", models.StatusUsable)

	a.Status = models.StatusUsed
	b.Status = models.StatusUsed
	n, err := db.SaveStatuses(ctx, []models.Coupon{a, b})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	used, err := db.FindByUserAndStatus(ctx, 1, models.StatusUsed)
	require.NoError(t, err)
	assert.Len(t, used, 2)

	// Writing the same status again leaves the rows unchanged.
	n, err = db.SaveStatuses(ctx, []models.Coupon{a, b})
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	used, err = db.FindByUserAndStatus(ctx, 1, models.StatusUsed)
	require.NoError(t, err)
	assert.Len(t, used, 2)
}

func TestReconcileFailures(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	require.NoError(t, db.InsertReconcileFailure(ctx, ReconcileFailure{
		MessageID: "m-1",
		UserID:    42,
		Status:    models.StatusExpired,
		CouponIDs: []int{3, 4},
		Reason:    "requested 2 coupons, found 1",
	}))

	failures, err := db.ReconcileFailures(ctx)
	require.NoError(t, err)
	require.Len(t, failures, 1)
	assert.Equal(t, "m-1", failures[0].MessageID)
	assert.Equal(t, models.StatusExpired, failures[0].Status)
	assert.Equal(t, []int{3, 4}, failures[0].CouponIDs)
}

func TestRebind(t *testing.T) {
	pg := &DB{driver: "postgres"}
	assert.Equal(t, "SELECT * FROM coupon WHERE a = $1 AND b = $2", pg.rebind("SELECT * FROM coupon WHERE a = ? AND b = ?"))

	lite := &DB{driver: "sqlite3"}
	assert.Equal(t, "a = ?", lite.rebind("a = ?"))
}
