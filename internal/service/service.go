package service

import (
	"context"
	"time"

	"go.uber.org/zap"

	"coupon-service/internal/cache"
	"coupon-service/internal/events"
	"coupon-service/internal/models"
	"coupon-service/internal/settlement"
	"coupon-service/internal/template"
	"coupon-service/internal/validation"
)

// CouponStore is the durable record of issued coupons.
type CouponStore interface {
	InsertCoupon(ctx context.Context, coupon *models.Coupon) error
	FindByUserAndStatus(ctx context.Context, userID int64, status models.CouponStatus) ([]models.Coupon, error)
}

// CodePool hands out pre-generated coupon codes.
type CodePool interface {
	Pop(ctx context.Context, templateID int) (string, error)
}

// Templates is the guarded template source.
type Templates interface {
	Usable(ctx context.Context) template.Lookup
	ByIDs(ctx context.Context, ids []int) template.Lookup
}

// Deps holds the collaborators of Service.
type Deps struct {
	Store      CouponStore
	Partitions *cache.Partitions
	Codes      CodePool
	Templates  Templates
	Publisher  events.Publisher
	Engine     *settlement.Engine
	Log        *zap.Logger
}

// Service provides the coupon distribution logic: cached coupon reads with
// lazy expiry, acquisition and redemption.
type Service struct {
	store      CouponStore
	partitions *cache.Partitions
	codes      CodePool
	templates  Templates
	publisher  events.Publisher
	engine     *settlement.Engine
	log        *zap.Logger
	now        func() time.Time
}

// NewService creates a new service instance.
func NewService(deps Deps) *Service {
	return &Service{
		store:      deps.Store,
		partitions: deps.Partitions,
		codes:      deps.Codes,
		templates:  deps.Templates,
		publisher:  deps.Publisher,
		engine:     deps.Engine,
		log:        deps.Log.Named("service"),
		now:        time.Now,
	}
}

// FindCoupons returns a user's coupons in one status. Reading the usable
// partition also detects coupons that expired since they were cached, moves
// them to the expired partition and publishes the change.
func (s *Service) FindCoupons(ctx context.Context, userID int64, status models.CouponStatus) ([]models.Coupon, error) {
	if err := validation.ValidateUserID(userID); err != nil {
		return nil, err
	}
	if !status.Valid() {
		return nil, models.ErrInvalidArgument.New("unknown coupon status %d", int(status))
	}

	coupons, err := s.read(ctx, userID, status)
	if err != nil {
		return nil, err
	}
	if status != models.StatusUsable {
		return coupons, nil
	}

	classified := Classify(coupons, s.now())
	if len(classified.Expired) > 0 {
		s.expire(ctx, userID, classified.Expired)
	}
	return classified.Usable, nil
}

// read returns a cached partition, filling it from the store on a miss. An
// empty store result installs the invalid coupon so the next read stays in
// the cache.
func (s *Service) read(ctx context.Context, userID int64, status models.CouponStatus) ([]models.Coupon, error) {
	coupons, found, err := s.partitions.Coupons(ctx, userID, status)
	if err != nil {
		return nil, err
	}
	if found {
		return coupons, nil
	}

	coupons, err = s.store.FindByUserAndStatus(ctx, userID, status)
	if err != nil {
		return nil, err
	}

	if len(coupons) == 0 {
		if err := s.partitions.WriteEmpty(ctx, userID, status); err != nil {
			return nil, err
		}
		return []models.Coupon{}, nil
	}

	ids := make([]int, 0, len(coupons))
	seen := make(map[int]bool)
	for _, c := range coupons {
		if !seen[c.TemplateID] {
			seen[c.TemplateID] = true
			ids = append(ids, c.TemplateID)
		}
	}
	lookup := s.templates.ByIDs(ctx, ids)
	for i := range coupons {
		if tpl, ok := lookup.ByID(coupons[i].TemplateID); ok {
			coupons[i].TemplateSDK = &tpl
		}
	}

	// Without templates the coupons cannot be classified later; serve them
	// uncached and let the next read retry the fill.
	if lookup.Degraded {
		s.log.Warn("serving coupons without caching, template lookup degraded",
			zap.Int64("user_id", userID),
			zap.Stringer("status", status))
		return coupons, nil
	}

	if err := s.partitions.Fill(ctx, userID, status, coupons); err != nil {
		return nil, err
	}
	return coupons, nil
}

// expire moves newly expired coupons out of the usable partition. Failures
// are logged; the coupons are detected again on a later read.
func (s *Service) expire(ctx context.Context, userID int64, expired []models.Coupon) {
	log := s.log.With(zap.Int64("user_id", userID), zap.Int("count", len(expired)))

	if _, err := s.move(ctx, userID, expired, models.StatusExpired); err != nil {
		log.Warn("failed to move expired coupons", zap.Error(err))
	}
}

// move transitions coupons out of the usable partition and publishes the
// change for the store. The target partition is filled first so the moved
// coupons join, rather than replace, what the store already holds.
func (s *Service) move(ctx context.Context, userID int64, coupons []models.Coupon, to models.CouponStatus) (int, error) {
	if _, err := s.read(ctx, userID, to); err != nil {
		return 0, err
	}

	n, err := s.partitions.Transition(ctx, userID, coupons, models.StatusUsable, to)
	if err != nil {
		return 0, err
	}

	ids := make([]int, 0, len(coupons))
	for _, c := range coupons {
		if !c.IsInvalid() {
			ids = append(ids, c.ID)
		}
	}
	msg := events.NewMessage(userID, to, ids)
	if err := s.publisher.Publish(ctx, msg); err != nil {
		s.log.Error("failed to publish reconciliation message",
			zap.String("message_id", msg.ID),
			zap.Int64("user_id", userID),
			zap.Stringer("status", to),
			zap.Ints("coupon_ids", ids),
			zap.Error(err))
		return n, err
	}
	return n, nil
}
