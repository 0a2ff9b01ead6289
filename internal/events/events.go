package events

import (
	"context"
	"strconv"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
	"github.com/zeebo/errs"

	"coupon-service/internal/models"
)

// Error is the class of reconciliation channel failures.
var Error = errs.Class("events")

// Handler processes one reconciliation message. A non-nil error means the
// message was not handled and will be delivered again before any later
// message of the same partition.
type Handler func(ctx context.Context, msg models.ReconcileMessage) error

// Publisher publishes reconciliation messages.
type Publisher interface {
	Publish(ctx context.Context, msg models.ReconcileMessage) error
}

// Channel is an ordered, at-least-once reconciliation channel. Messages of
// one user always land in the same partition and are handled in publish
// order.
type Channel interface {
	Publisher
	// Run delivers messages to h until ctx is done.
	Run(ctx context.Context, h Handler) error
}

// NewMessage creates a new reconciliation message for a batch transition.
func NewMessage(userID int64, status models.CouponStatus, couponIDs []int) models.ReconcileMessage {
	ids := make([]int, len(couponIDs))
	copy(ids, couponIDs)
	return models.ReconcileMessage{
		ID:          uuid.NewString(),
		UserID:      userID,
		Status:      status,
		CouponIDs:   ids,
		PublishedAt: time.Now().UTC(),
	}
}

// Partition maps a user to one of n partitions.
func Partition(userID int64, n int) int {
	if n <= 1 {
		return 0
	}
	return int(xxhash.Sum64String(strconv.FormatInt(userID, 10)) % uint64(n))
}

func validate(msg models.ReconcileMessage) error {
	if !msg.Status.Terminal() {
		return models.ErrInvalidArgument.New("reconciliation status must be used or expired, got %s", msg.Status)
	}
	if len(msg.CouponIDs) == 0 {
		return models.ErrInvalidArgument.New("reconciliation message %s has no coupons", msg.ID)
	}
	return nil
}

// sleep waits for d or until ctx is done.
func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
