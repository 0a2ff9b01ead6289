package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"coupon-service/internal/models"
)

// maxTransitionAttempts bounds the optimistic retries of Transition.
const maxTransitionAttempts = 5

// PartitionKey is the hash holding a user's coupons in one status.
func PartitionKey(userID int64, status models.CouponStatus) string {
	return fmt.Sprintf("coupon:user:%s:%d", status, userID)
}

// PartitionOptions tunes partition TTLs and call timeouts.
type PartitionOptions struct {
	TTLMin  time.Duration
	TTLMax  time.Duration
	Timeout time.Duration
}

// Partitions owns the three per-user coupon hashes. Each hash maps a coupon
// id to the JSON coupon and, once initialized, always holds the invalid
// coupon so an empty result does not fall through to the store again.
type Partitions struct {
	rdb  *redis.Client
	opts PartitionOptions
	log  *zap.Logger
}

// NewPartitions creates a new partition manager.
func NewPartitions(rdb *redis.Client, opts PartitionOptions, log *zap.Logger) *Partitions {
	if opts.TTLMin <= 0 {
		opts.TTLMin = time.Hour
	}
	if opts.TTLMax <= opts.TTLMin {
		opts.TTLMax = opts.TTLMin + time.Hour
	}
	return &Partitions{rdb: rdb, opts: opts, log: log.Named("cache")}
}

// Coupons returns the cached partition without the invalid coupon. found is
// false when the partition is absent and has to be filled from the store.
func (p *Partitions) Coupons(ctx context.Context, userID int64, status models.CouponStatus) (coupons []models.Coupon, found bool, err error) {
	ctx, cancel := withTimeout(ctx, p.opts.Timeout)
	defer cancel()

	values, err := p.rdb.HGetAll(ctx, PartitionKey(userID, status)).Result()
	if err != nil {
		return nil, false, Error.New("failed to read %s partition of user %d: %v", status, userID, err)
	}
	if len(values) == 0 {
		return nil, false, nil
	}

	coupons = make([]models.Coupon, 0, len(values))
	for field, raw := range values {
		var c models.Coupon
		if err := json.Unmarshal([]byte(raw), &c); err != nil {
			return nil, false, Error.New("corrupt coupon %s in %s partition of user %d: %v", field, status, userID, err)
		}
		if c.IsInvalid() {
			continue
		}
		coupons = append(coupons, c)
	}
	sort.Slice(coupons, func(i, j int) bool { return coupons[i].ID < coupons[j].ID })

	return coupons, true, nil
}

// WriteEmpty installs the invalid coupon in each listed partition. It is
// idempotent and all writes land in one MULTI block.
func (p *Partitions) WriteEmpty(ctx context.Context, userID int64, statuses ...models.CouponStatus) error {
	if len(statuses) == 0 {
		return nil
	}
	sentinel, err := encode(models.InvalidCoupon())
	if err != nil {
		return err
	}

	ctx, cancel := withTimeout(ctx, p.opts.Timeout)
	defer cancel()

	_, err = p.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, status := range statuses {
			key := PartitionKey(userID, status)
			pipe.HSet(ctx, key, strconv.Itoa(models.InvalidCouponID), sentinel)
			pipe.Expire(ctx, key, p.ttl())
		}
		return nil
	})
	if err != nil {
		return Error.New("failed to write empty partitions for user %d: %v", userID, err)
	}
	return nil
}

// Fill writes a cold-filled partition. The invalid coupon is always included.
func (p *Partitions) Fill(ctx context.Context, userID int64, status models.CouponStatus, coupons []models.Coupon) error {
	fields, err := encodeFields(coupons, true)
	if err != nil {
		return err
	}

	ctx, cancel := withTimeout(ctx, p.opts.Timeout)
	defer cancel()

	key := PartitionKey(userID, status)
	_, err = p.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, fields)
		pipe.Expire(ctx, key, p.ttl())
		return nil
	})
	if err != nil {
		return Error.New("failed to fill %s partition of user %d: %v", status, userID, err)
	}
	return nil
}

// AddUsable writes freshly issued coupons into the usable partition. An
// absent partition is left absent: writing only the new coupons would hide
// the rest of the user's stored coupons, so the next read fills it instead.
func (p *Partitions) AddUsable(ctx context.Context, userID int64, coupons ...models.Coupon) error {
	if len(coupons) == 0 {
		return nil
	}
	for _, c := range coupons {
		if c.Status != models.StatusUsable {
			return models.ErrInvalidArgument.New("coupon %d is %s, not usable", c.ID, c.Status)
		}
	}
	fields, err := encodeFields(coupons, false)
	if err != nil {
		return err
	}

	ctx, cancel := withTimeout(ctx, p.opts.Timeout)
	defer cancel()

	key := PartitionKey(userID, models.StatusUsable)
	add := func(tx *redis.Tx) error {
		n, err := tx.Exists(ctx, key).Result()
		if err != nil {
			return Error.Wrap(err)
		}
		if n == 0 {
			p.log.Debug("usable partition absent, leaving it for the next read",
				zap.Int64("user_id", userID))
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, fields)
			pipe.Expire(ctx, key, p.ttl())
			return nil
		})
		return err
	}

	for attempt := 1; attempt <= maxTransitionAttempts; attempt++ {
		err := p.rdb.Watch(ctx, add, key)
		switch {
		case err == nil:
			return nil
		case errors.Is(err, redis.TxFailedErr):
			continue
		case Error.Has(err):
			return err
		default:
			return Error.New("failed to add coupons to usable partition of user %d: %v", userID, err)
		}
	}
	return Error.New("usable partition of user %d kept changing", userID)
}

// Transition moves coupons from one partition to another. Every moving
// coupon must be present in the source partition, otherwise nothing is
// written and ErrConsistency is returned. The check and the write run under
// WATCH on both keys; a concurrent change restarts the attempt.
func (p *Partitions) Transition(ctx context.Context, userID int64, coupons []models.Coupon, from, to models.CouponStatus) (int, error) {
	if !from.CanTransition(to) {
		return 0, models.ErrInvalidArgument.New("cannot move coupons from %s to %s", from, to)
	}

	moving := make([]models.Coupon, 0, len(coupons))
	for _, c := range coupons {
		if c.IsInvalid() {
			continue
		}
		c.Status = to
		moving = append(moving, c)
	}
	if len(moving) == 0 {
		return 0, nil
	}

	fields, err := encodeFields(moving, true)
	if err != nil {
		return 0, err
	}
	removed := make([]string, 0, len(moving))
	for _, c := range moving {
		removed = append(removed, strconv.Itoa(c.ID))
	}

	ctx, cancel := withTimeout(ctx, p.opts.Timeout)
	defer cancel()

	fromKey := PartitionKey(userID, from)
	toKey := PartitionKey(userID, to)

	move := func(tx *redis.Tx) error {
		cached, err := tx.HKeys(ctx, fromKey).Result()
		if err != nil {
			return Error.Wrap(err)
		}
		present := make(map[string]struct{}, len(cached))
		for _, field := range cached {
			present[field] = struct{}{}
		}
		for _, id := range removed {
			if _, ok := present[id]; !ok {
				return models.ErrConsistency.New("coupon %s is not in the %s partition of user %d", id, from, userID)
			}
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, toKey, fields)
			pipe.HDel(ctx, fromKey, removed...)
			pipe.Expire(ctx, fromKey, p.ttl())
			pipe.Expire(ctx, toKey, p.ttl())
			return nil
		})
		return err
	}

	for attempt := 1; attempt <= maxTransitionAttempts; attempt++ {
		err := p.rdb.Watch(ctx, move, fromKey, toKey)
		switch {
		case err == nil:
			return len(moving), nil
		case errors.Is(err, redis.TxFailedErr):
			p.log.Debug("partition changed during transition, retrying",
				zap.Int64("user_id", userID),
				zap.Stringer("from", from),
				zap.Stringer("to", to),
				zap.Int("attempt", attempt))
			continue
		case models.ErrConsistency.Has(err), Error.Has(err):
			return 0, err
		default:
			return 0, Error.New("failed to move coupons of user %d from %s to %s: %v", userID, from, to, err)
		}
	}

	return 0, models.ErrConsistency.New("%s partition of user %d kept changing during transition to %s", from, userID, to)
}

// Invalidate drops partitions so the next read fills them from the store.
func (p *Partitions) Invalidate(ctx context.Context, userID int64, statuses ...models.CouponStatus) error {
	if len(statuses) == 0 {
		return nil
	}
	keys := make([]string, 0, len(statuses))
	for _, status := range statuses {
		keys = append(keys, PartitionKey(userID, status))
	}

	ctx, cancel := withTimeout(ctx, p.opts.Timeout)
	defer cancel()

	if err := p.rdb.Del(ctx, keys...).Err(); err != nil {
		return Error.New("failed to invalidate partitions of user %d: %v", userID, err)
	}
	return nil
}

// ttl picks a random TTL in [TTLMin, TTLMax).
func (p *Partitions) ttl() time.Duration {
	return p.opts.TTLMin + rand.N(p.opts.TTLMax-p.opts.TTLMin)
}

func encode(c models.Coupon) (string, error) {
	data, err := json.Marshal(c)
	if err != nil {
		return "", Error.New("failed to encode coupon %d: %v", c.ID, err)
	}
	return string(data), nil
}

func encodeFields(coupons []models.Coupon, withSentinel bool) (map[string]interface{}, error) {
	fields := make(map[string]interface{}, len(coupons)+1)
	if withSentinel {
		sentinel, err := encode(models.InvalidCoupon())
		if err != nil {
			return nil, err
		}
		fields[strconv.Itoa(models.InvalidCouponID)] = sentinel
	}
	for _, c := range coupons {
		value, err := encode(c)
		if err != nil {
			return nil, err
		}
		fields[strconv.Itoa(c.ID)] = value
	}
	return fields, nil
}
