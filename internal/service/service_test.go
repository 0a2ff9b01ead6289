package service

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"coupon-service/internal/cache"
	"coupon-service/internal/database"
	"coupon-service/internal/models"
	"coupon-service/internal/settlement"
	"coupon-service/internal/template"
)

var now = time.Date(2024, 5, 10, 12, 0, 0, 0, time.UTC)

type fakeTemplates struct {
	mu        sync.Mutex
	templates []models.TemplateSDK
	degraded  bool
	byIDCalls int
}

func (f *fakeTemplates) Usable(context.Context) template.Lookup {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.degraded {
		return template.Lookup{Degraded: true}
	}
	return template.Lookup{Templates: append([]models.TemplateSDK{}, f.templates...)}
}

func (f *fakeTemplates) ByIDs(_ context.Context, ids []int) template.Lookup {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.byIDCalls++
	if f.degraded {
		return template.Lookup{Degraded: true}
	}
	var out []models.TemplateSDK
	for _, t := range f.templates {
		for _, id := range ids {
			if t.ID == id {
				out = append(out, t)
			}
		}
	}
	return template.Lookup{Templates: out}
}

type recordingPublisher struct {
	mu   sync.Mutex
	msgs []models.ReconcileMessage
	err  error
}

func (p *recordingPublisher) Publish(_ context.Context, msg models.ReconcileMessage) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.msgs = append(p.msgs, msg)
	return nil
}

type env struct {
	svc        *Service
	db         *database.DB
	mr         *miniredis.Miniredis
	partitions *cache.Partitions
	codes      *cache.CodePool
	templates  *fakeTemplates
	publisher  *recordingPublisher
}

func setup(t *testing.T, templates ...models.TemplateSDK) *env {
	t.Helper()
	log := zaptest.NewLogger(t)

	db, err := database.NewDB("sqlite3", filepath.Join(t.TempDir(), "test_"+time.Now().Format("20060102150405")+".db"), time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	e := &env{
		db:         db,
		mr:         mr,
		partitions: cache.NewPartitions(rdb, cache.PartitionOptions{TTLMin: time.Hour, TTLMax: 2 * time.Hour, Timeout: time.Second}, log),
		codes:      cache.NewCodePool(rdb, time.Second),
		templates:  &fakeTemplates{templates: templates},
		publisher:  &recordingPublisher{},
	}
	e.svc = NewService(Deps{
		Store:      db,
		Partitions: e.partitions,
		Codes:      e.codes,
		Templates:  e.templates,
		Publisher:  e.publisher,
		Engine:     settlement.NewEngine(settlement.DefaultRegistry(nil), log),
		Log:        log,
	})
	e.svc.now = func() time.Time { return now }
	return e
}

func flatTemplate(id, limitation int) models.TemplateSDK {
	return models.TemplateSDK{
		ID:          id,
		Name:        "flat",
		Category:    models.CategoryFlat,
		ProductLine: models.ProductLineDamao,
		Key:         "100320240501",
		Target:      models.TargetSingle,
		Rule: models.TemplateRule{
			Expiration: models.Expiration{Period: models.PeriodRegular, Deadline: now.AddDate(0, 1, 0)},
			Discount:   models.Discount{Quota: 10},
			Limitation: limitation,
			Usage:      models.Usage{GoodsType: []models.GoodsType{models.GoodsFresh}},
		},
	}
}

func shiftTemplate(id, gapDays int) models.TemplateSDK {
	t := flatTemplate(id, 5)
	t.Rule.Expiration = models.Expiration{Period: models.PeriodShift, Gap: gapDays}
	return t
}

func (e *env) insert(t *testing.T, userID int64, templateID int, code string, status models.CouponStatus, assigned time.Time) models.Coupon {
	t.Helper()
	c := models.Coupon{TemplateID: templateID, UserID: userID, CouponCode: code, AssignTime: assigned, Status: status}
	require.NoError(t, e.db.InsertCoupon(context.Background(), &c))
	return c
}

func (e *env) pushCodes(t *testing.T, templateID int, codes ...string) {
	t.Helper()
	require.NoError(t, e.codes.Push(context.Background(), templateID, codes))
}

func TestFindCoupons_EmptyStoreWritesPlaceholder(t *testing.T) {
	e := setup(t)
	ctx := context.Background()

	coupons, err := e.svc.FindCoupons(ctx, 42, models.StatusUsed)
	require.NoError(t, err)
	assert.Empty(t, coupons)
	assert.True(t, e.mr.Exists(cache.PartitionKey(42, models.StatusUsed)))

	// A coupon written to the store afterwards is not seen: the second read
	// stays in the cache.
	e.insert(t, 42, 1, "LATE", models.StatusUsed, now)
	coupons, err = e.svc.FindCoupons(ctx, 42, models.StatusUsed)
	require.NoError(t, err)
	assert.Empty(t, coupons)
}

func TestFindCoupons_ColdFillAttachesTemplates(t *testing.T) {
	e := setup(t, flatTemplate(1, 5))
	ctx := context.Background()

	a := e.insert(t, 42, 1, "A", models.StatusUsable, now.Add(-time.Hour))
	b := e.insert(t, 42, 1, "B", models.StatusUsable, now.Add(-time.Hour))

	coupons, err := e.svc.FindCoupons(ctx, 42, models.StatusUsable)
	require.NoError(t, err)
	require.Len(t, coupons, 2)
	assert.Equal(t, a.ID, coupons[0].ID)
	assert.Equal(t, b.ID, coupons[1].ID)
	require.NotNil(t, coupons[0].TemplateSDK)
	assert.Equal(t, 1, coupons[0].TemplateSDK.ID)

	cached, found, err := e.partitions.Coupons(ctx, 42, models.StatusUsable)
	require.NoError(t, err)
	require.True(t, found)
	require.Len(t, cached, 2)
	require.NotNil(t, cached[1].TemplateSDK)

	calls := e.templates.byIDCalls
	_, err = e.svc.FindCoupons(ctx, 42, models.StatusUsable)
	require.NoError(t, err)
	assert.Equal(t, calls, e.templates.byIDCalls)
}

func TestFindCoupons_DegradedTemplatesAreNotCached(t *testing.T) {
	e := setup(t, flatTemplate(1, 5))
	e.templates.degraded = true
	ctx := context.Background()

	e.insert(t, 42, 1, "A", models.StatusUsable, now)

	coupons, err := e.svc.FindCoupons(ctx, 42, models.StatusUsable)
	require.NoError(t, err)
	require.Len(t, coupons, 1)
	assert.Nil(t, coupons[0].TemplateSDK)
	assert.False(t, e.mr.Exists(cache.PartitionKey(42, models.StatusUsable)))
}

func TestFindCoupons_LazyExpiry(t *testing.T) {
	e := setup(t, shiftTemplate(1, 2), flatTemplate(2, 5))
	ctx := context.Background()

	old := e.insert(t, 42, 1, "OLD", models.StatusUsable, now.AddDate(0, 0, -3))
	fresh := e.insert(t, 42, 1, "FRESH", models.StatusUsable, now.AddDate(0, 0, -1))
	regular := e.insert(t, 42, 2, "REG", models.StatusUsable, now.AddDate(0, 0, -10))
	stale := e.insert(t, 42, 3, "PREV", models.StatusExpired, now.AddDate(0, 0, -30))

	usable, err := e.svc.FindCoupons(ctx, 42, models.StatusUsable)
	require.NoError(t, err)
	require.Len(t, usable, 2)
	assert.Equal(t, fresh.ID, usable[0].ID)
	assert.Equal(t, regular.ID, usable[1].ID)

	expired, err := e.svc.FindCoupons(ctx, 42, models.StatusExpired)
	require.NoError(t, err)
	ids := []int{}
	for _, c := range expired {
		ids = append(ids, c.ID)
		assert.Equal(t, models.StatusExpired, c.Status)
	}
	assert.ElementsMatch(t, []int{old.ID, stale.ID}, ids)

	require.Len(t, e.publisher.msgs, 1)
	assert.Equal(t, models.StatusExpired, e.publisher.msgs[0].Status)
	assert.Equal(t, []int{old.ID}, e.publisher.msgs[0].CouponIDs)
	assert.Equal(t, int64(42), e.publisher.msgs[0].UserID)

	// Second read finds nothing new to expire.
	_, err = e.svc.FindCoupons(ctx, 42, models.StatusUsable)
	require.NoError(t, err)
	assert.Len(t, e.publisher.msgs, 1)
}

func TestFindCoupons_InvalidArguments(t *testing.T) {
	e := setup(t)
	_, err := e.svc.FindCoupons(context.Background(), 0, models.StatusUsable)
	require.Error(t, err)

	_, err = e.svc.FindCoupons(context.Background(), 42, models.CouponStatus(9))
	require.Error(t, err)
	assert.True(t, models.ErrInvalidArgument.Has(err))
}

func TestAcquire_RoundTrip(t *testing.T) {
	e := setup(t, flatTemplate(1, 1))
	e.pushCodes(t, 1, "100324050112345678")
	ctx := context.Background()

	coupon, err := e.svc.Acquire(ctx, 42, 1)
	require.NoError(t, err)
	require.NotZero(t, coupon.ID)
	assert.Equal(t, "100324050112345678", coupon.CouponCode)
	assert.Equal(t, models.StatusUsable, coupon.Status)
	require.NotNil(t, coupon.TemplateSDK)

	stored, err := e.db.GetCoupon(ctx, coupon.ID)
	require.NoError(t, err)
	assert.Equal(t, coupon.CouponCode, stored.CouponCode)
	assert.Equal(t, coupon.Status, stored.Status)

	cached, err := e.svc.FindCoupons(ctx, 42, models.StatusUsable)
	require.NoError(t, err)
	require.Len(t, cached, 1)
	assert.Equal(t, coupon.ID, cached[0].ID)
	assert.Equal(t, coupon.CouponCode, cached[0].CouponCode)
	assert.Equal(t, coupon.Status, cached[0].Status)
	assert.True(t, coupon.AssignTime.Equal(cached[0].AssignTime))
}

func TestAcquire_LimitationBoundary(t *testing.T) {
	e := setup(t, flatTemplate(1, 2))
	e.pushCodes(t, 1, "C1", "C2", "C3")
	ctx := context.Background()

	_, err := e.svc.Acquire(ctx, 42, 1)
	require.NoError(t, err)

	// limitation - 1 held: allowed.
	_, err = e.svc.Acquire(ctx, 42, 1)
	require.NoError(t, err)

	// limitation held: rejected, and no code is consumed.
	_, err = e.svc.Acquire(ctx, 42, 1)
	require.Error(t, err)
	assert.True(t, models.ErrLimitExceeded.Has(err))

	left, err := e.codes.Len(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(1), left)

	// Another user is unaffected.
	_, err = e.svc.Acquire(ctx, 43, 1)
	require.NoError(t, err)
}

func TestAcquire_Failures(t *testing.T) {
	e := setup(t, flatTemplate(1, 3))
	ctx := context.Background()

	_, err := e.svc.Acquire(ctx, 42, 99)
	require.Error(t, err)
	assert.True(t, models.ErrNotFound.Has(err))

	_, err = e.svc.Acquire(ctx, 42, 1)
	require.Error(t, err)
	assert.True(t, models.ErrCodeExhausted.Has(err))

	e.templates.degraded = true
	_, err = e.svc.Acquire(ctx, 42, 1)
	require.Error(t, err)
	assert.True(t, models.ErrUnavailable.Has(err))
}

func TestAvailableTemplates(t *testing.T) {
	expiredTemplate := flatTemplate(3, 1)
	expiredTemplate.Rule.Expiration.Deadline = now.Add(-time.Hour)
	e := setup(t, flatTemplate(1, 1), flatTemplate(2, 2), expiredTemplate, shiftTemplate(4, 7))
	e.pushCodes(t, 1, "A")
	e.pushCodes(t, 2, "B")
	ctx := context.Background()

	_, err := e.svc.Acquire(ctx, 42, 1)
	require.NoError(t, err)
	_, err = e.svc.Acquire(ctx, 42, 2)
	require.NoError(t, err)

	resp, err := e.svc.AvailableTemplates(ctx, 42)
	require.NoError(t, err)
	assert.False(t, resp.Degraded)
	ids := []int{}
	for _, tpl := range resp.Templates {
		ids = append(ids, tpl.ID)
	}
	assert.Equal(t, []int{2, 4}, ids)

	e.templates.degraded = true
	resp, err = e.svc.AvailableTemplates(ctx, 42)
	require.NoError(t, err)
	assert.True(t, resp.Degraded)
	assert.Empty(t, resp.Templates)
}

func TestSettle_PreviewAndEmploy(t *testing.T) {
	e := setup(t, flatTemplate(1, 1))
	e.pushCodes(t, 1, "A")
	ctx := context.Background()

	coupon, err := e.svc.Acquire(ctx, 42, 1)
	require.NoError(t, err)

	info := models.SettlementInfo{
		UserID:                 42,
		GoodsInfos:             []models.GoodsInfo{{Type: models.GoodsFresh, Price: 50, Count: 2}},
		CouponAndTemplateInfos: []models.CouponAndTemplateInfo{{ID: coupon.ID}},
	}

	preview, err := e.svc.Settle(ctx, info)
	require.NoError(t, err)
	assert.InDelta(t, 90.0, preview.Cost, 1e-9)
	require.Len(t, preview.CouponAndTemplateInfos, 1)
	assert.Empty(t, e.publisher.msgs)

	info.Employ = true
	info.CouponAndTemplateInfos = []models.CouponAndTemplateInfo{{ID: coupon.ID}}
	result, err := e.svc.Settle(ctx, info)
	require.NoError(t, err)
	assert.InDelta(t, 90.0, result.Cost, 1e-9)

	usable, err := e.svc.FindCoupons(ctx, 42, models.StatusUsable)
	require.NoError(t, err)
	assert.Empty(t, usable)

	used, err := e.svc.FindCoupons(ctx, 42, models.StatusUsed)
	require.NoError(t, err)
	require.Len(t, used, 1)
	assert.Equal(t, coupon.ID, used[0].ID)

	require.Len(t, e.publisher.msgs, 1)
	assert.Equal(t, models.StatusUsed, e.publisher.msgs[0].Status)
	assert.Equal(t, []int{coupon.ID}, e.publisher.msgs[0].CouponIDs)

	// The coupon cannot be redeemed twice.
	info.CouponAndTemplateInfos = []models.CouponAndTemplateInfo{{ID: coupon.ID}}
	_, err = e.svc.Settle(ctx, info)
	require.Error(t, err)
	assert.True(t, models.ErrNotFound.Has(err))
}

func TestSettle_IneligibleCouponNotRedeemed(t *testing.T) {
	e := setup(t, flatTemplate(1, 1))
	e.pushCodes(t, 1, "A")
	ctx := context.Background()

	coupon, err := e.svc.Acquire(ctx, 42, 1)
	require.NoError(t, err)

	result, err := e.svc.Settle(ctx, models.SettlementInfo{
		UserID:                 42,
		GoodsInfos:             []models.GoodsInfo{{Type: models.GoodsHousehold, Price: 30, Count: 1}},
		CouponAndTemplateInfos: []models.CouponAndTemplateInfo{{ID: coupon.ID}},
		Employ:                 true,
	})
	require.NoError(t, err)
	assert.InDelta(t, 30.0, result.Cost, 1e-9)
	assert.Empty(t, result.CouponAndTemplateInfos)
	assert.Empty(t, e.publisher.msgs)

	usable, err := e.svc.FindCoupons(ctx, 42, models.StatusUsable)
	require.NoError(t, err)
	assert.Len(t, usable, 1)
}

func TestSettle_ForeignCouponRejected(t *testing.T) {
	e := setup(t, flatTemplate(1, 1))
	e.pushCodes(t, 1, "A")
	ctx := context.Background()

	coupon, err := e.svc.Acquire(ctx, 43, 1)
	require.NoError(t, err)

	_, err = e.svc.Settle(ctx, models.SettlementInfo{
		UserID:                 42,
		GoodsInfos:             []models.GoodsInfo{{Type: models.GoodsFresh, Price: 30, Count: 1}},
		CouponAndTemplateInfos: []models.CouponAndTemplateInfo{{ID: coupon.ID}},
	})
	require.Error(t, err)
	assert.True(t, models.ErrNotFound.Has(err))
}

func TestSettle_PublishFailureSurfaces(t *testing.T) {
	e := setup(t, flatTemplate(1, 1))
	e.pushCodes(t, 1, "A")
	ctx := context.Background()

	coupon, err := e.svc.Acquire(ctx, 42, 1)
	require.NoError(t, err)

	e.publisher.err = errors.New("stream unavailable")
	_, err = e.svc.Settle(ctx, models.SettlementInfo{
		UserID:                 42,
		GoodsInfos:             []models.GoodsInfo{{Type: models.GoodsFresh, Price: 30, Count: 1}},
		CouponAndTemplateInfos: []models.CouponAndTemplateInfo{{ID: coupon.ID}},
		Employ:                 true,
	})
	require.Error(t, err)
}

func TestSettle_WithoutCoupons(t *testing.T) {
	e := setup(t)
	result, err := e.svc.Settle(context.Background(), models.SettlementInfo{
		UserID:                 42,
		GoodsInfos:             []models.GoodsInfo{{Type: models.GoodsFresh, Price: 19.99, Count: 3}},
		CouponAndTemplateInfos: []models.CouponAndTemplateInfo{{ID: models.InvalidCouponID}},
	})
	require.NoError(t, err)
	assert.InDelta(t, 59.97, result.Cost, 1e-9)
}

func TestClassify(t *testing.T) {
	shift := shiftTemplate(1, 2)
	regular := flatTemplate(2, 1)
	past := flatTemplate(3, 1)
	past.Rule.Expiration.Deadline = now

	coupons := []models.Coupon{
		models.InvalidCoupon(),
		{ID: 1, Status: models.StatusUsable, AssignTime: now.AddDate(0, 0, -1), TemplateSDK: &shift},
		{ID: 2, Status: models.StatusUsable, AssignTime: now.AddDate(0, 0, -2), TemplateSDK: &shift},
		{ID: 3, Status: models.StatusUsable, AssignTime: now, TemplateSDK: &regular},
		{ID: 4, Status: models.StatusUsable, AssignTime: now.AddDate(0, 0, -1), TemplateSDK: &past},
		{ID: 5, Status: models.StatusUsed},
		{ID: 6, Status: models.StatusExpired},
		{ID: 7, Status: models.StatusUsable, AssignTime: now.AddDate(-1, 0, 0)},
	}

	c := Classify(coupons, now)
	assert.Equal(t, []int{1, 3, 7}, idsOf(c.Usable))
	assert.Equal(t, []int{5}, idsOf(c.Used))
	assert.Equal(t, []int{2, 4, 6}, idsOf(c.Expired))
}

func idsOf(coupons []models.Coupon) []int {
	ids := make([]int, 0, len(coupons))
	for _, c := range coupons {
		ids = append(ids, c.ID)
	}
	return ids
}
