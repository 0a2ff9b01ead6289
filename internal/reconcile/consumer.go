package reconcile

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"coupon-service/internal/database"
	"coupon-service/internal/events"
	"coupon-service/internal/models"
	"coupon-service/internal/tracing"
)

// Store is the part of the coupon store the consumer writes to.
type Store interface {
	FindByIDs(ctx context.Context, ids []int) ([]models.Coupon, error)
	SaveStatuses(ctx context.Context, coupons []models.Coupon) (int, error)
	InsertReconcileFailure(ctx context.Context, f database.ReconcileFailure) error
}

// Consumer applies reconciliation messages to the coupon store.
type Consumer struct {
	store Store
	log   *zap.Logger
}

// NewConsumer creates a new reconciliation consumer.
func NewConsumer(store Store, log *zap.Logger) *Consumer {
	return &Consumer{store: store, log: log.Named("reconcile")}
}

// Run consumes ch until ctx is done.
func (c *Consumer) Run(ctx context.Context, ch events.Channel) error {
	c.log.Info("reconciliation consumer started")
	defer c.log.Info("reconciliation consumer stopped")
	return ch.Run(ctx, c.Handle)
}

// Handle applies one message. Every referenced coupon must exist, otherwise
// the batch is rejected as a whole, recorded for follow-up and not retried.
// Coupons already in the target status are left alone, and coupons that
// reached the other terminal status are never moved back.
// A returned error means the message should be delivered again.
func (c *Consumer) Handle(ctx context.Context, msg models.ReconcileMessage) (err error) {
	ctx, span := tracing.GetTracer().StartSpan(ctx, "reconcile.handle")
	span.SetAttributes(
		attribute.String("message.id", msg.ID),
		attribute.Int64("user.id", msg.UserID),
		attribute.Int("coupon.count", len(msg.CouponIDs)))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "reconciliation failed")
		}
		span.End()
	}()

	log := c.log.With(
		zap.String("message_id", msg.ID),
		zap.Int64("user_id", msg.UserID),
		zap.Stringer("status", msg.Status))

	if !msg.Status.Terminal() {
		return c.reject(ctx, log, msg, fmt.Sprintf("status %s is not a reconciliation target", msg.Status))
	}

	ids := distinct(msg.CouponIDs)
	if len(ids) == 0 {
		log.Warn("empty reconciliation message")
		return nil
	}

	coupons, err := c.store.FindByIDs(ctx, ids)
	if err != nil {
		return err
	}
	if len(coupons) != len(ids) {
		return c.reject(ctx, log, msg, fmt.Sprintf("requested %d coupons, found %d", len(ids), len(coupons)))
	}

	updates := make([]models.Coupon, 0, len(coupons))
	for _, coupon := range coupons {
		switch {
		case coupon.Status == msg.Status:
		case coupon.Status.CanTransition(msg.Status):
			coupon.Status = msg.Status
			updates = append(updates, coupon)
		default:
			log.Warn("skipping coupon already in another terminal status",
				zap.Int("coupon_id", coupon.ID),
				zap.Stringer("current", coupon.Status))
		}
	}

	n, err := c.store.SaveStatuses(ctx, updates)
	if err != nil {
		return err
	}

	log.Info("reconciled coupons",
		zap.Int("requested", len(ids)),
		zap.Int("updated", n))
	return nil
}

func (c *Consumer) reject(ctx context.Context, log *zap.Logger, msg models.ReconcileMessage, reason string) error {
	log.Error("rejected reconciliation batch",
		zap.Ints("coupon_ids", msg.CouponIDs),
		zap.String("reason", reason))

	return c.store.InsertReconcileFailure(ctx, database.ReconcileFailure{
		MessageID: msg.ID,
		UserID:    msg.UserID,
		Status:    msg.Status,
		CouponIDs: msg.CouponIDs,
		Reason:    reason,
	})
}

func distinct(ids []int) []int {
	seen := make(map[int]struct{}, len(ids))
	out := make([]int, 0, len(ids))
	for _, id := range ids {
		if id == models.InvalidCouponID {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
