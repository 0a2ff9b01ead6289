package events

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"coupon-service/internal/models"
)

const payloadField = "payload"

// StreamOptions configures a Redis Streams channel.
type StreamOptions struct {
	Prefix     string
	Group      string
	Consumer   string
	Partitions int
	// Block is how long XREADGROUP waits for new entries. A negative value
	// polls without blocking.
	Block time.Duration
	// Retry is the pause before redelivering a failed message, and the
	// poll interval when Block is negative.
	Retry time.Duration
	// MaxLen approximately caps each stream. Zero keeps every entry.
	MaxLen int64
	// Count is the number of entries read per call.
	Count int64
}

// Stream is a Channel on Redis Streams. Each partition is a stream read by
// one consumer group; a partition is processed by a single goroutine and
// entries are acknowledged only after the handler succeeds.
type Stream struct {
	rdb  *redis.Client
	opts StreamOptions
	log  *zap.Logger
}

// NewStream creates a new Redis Streams channel.
func NewStream(rdb *redis.Client, opts StreamOptions, log *zap.Logger) *Stream {
	if opts.Partitions <= 0 {
		opts.Partitions = 1
	}
	if opts.Prefix == "" {
		opts.Prefix = "coupon:reconcile:"
	}
	if opts.Group == "" {
		opts.Group = "coupon-reconcile"
	}
	if opts.Consumer == "" {
		opts.Consumer = "coupon-service"
	}
	if opts.Retry <= 0 {
		opts.Retry = time.Second
	}
	if opts.Count <= 0 {
		opts.Count = 16
	}
	return &Stream{rdb: rdb, opts: opts, log: log.Named("events")}
}

// StreamKey returns the stream backing a partition.
func (s *Stream) StreamKey(partition int) string {
	return s.opts.Prefix + strconv.Itoa(partition)
}

// Publish appends msg to the user's partition stream.
func (s *Stream) Publish(ctx context.Context, msg models.ReconcileMessage) error {
	if err := validate(msg); err != nil {
		return err
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return Error.Wrap(err)
	}

	args := &redis.XAddArgs{
		Stream: s.StreamKey(Partition(msg.UserID, s.opts.Partitions)),
		Values: map[string]interface{}{payloadField: string(payload)},
	}
	if s.opts.MaxLen > 0 {
		args.MaxLen = s.opts.MaxLen
		args.Approx = true
	}

	if err := s.rdb.XAdd(ctx, args).Err(); err != nil {
		return Error.New("failed to publish %s for user %d: %v", msg.ID, msg.UserID, err)
	}
	return nil
}

// Run creates the consumer groups if needed and processes every partition
// until ctx is done. Entries left pending by an earlier run are handled
// before new ones.
func (s *Stream) Run(ctx context.Context, h Handler) error {
	for p := 0; p < s.opts.Partitions; p++ {
		if err := s.ensureGroup(ctx, s.StreamKey(p)); err != nil {
			return err
		}
	}

	group, gctx := errgroup.WithContext(ctx)
	for p := 0; p < s.opts.Partitions; p++ {
		group.Go(func() error {
			return s.consume(gctx, p, h)
		})
	}

	err := group.Wait()
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil
	}
	return err
}

func (s *Stream) ensureGroup(ctx context.Context, key string) error {
	err := s.rdb.XGroupCreateMkStream(ctx, key, s.opts.Group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return Error.New("failed to create group %s on %s: %v", s.opts.Group, key, err)
	}
	return nil
}

func (s *Stream) consume(ctx context.Context, partition int, h Handler) error {
	key := s.StreamKey(partition)
	log := s.log.With(zap.Int("partition", partition), zap.String("stream", key))

	// "0" replays this consumer's pending entries, ">" reads new ones.
	cursor := "0"
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		streams, err := s.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    s.opts.Group,
			Consumer: s.opts.Consumer,
			Streams:  []string{key, cursor},
			Count:    s.opts.Count,
			Block:    s.opts.Block,
		}).Result()
		if errors.Is(err, redis.Nil) {
			streams, err = nil, nil
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.Warn("failed to read reconciliation stream", zap.Error(err))
			if err := sleep(ctx, s.opts.Retry); err != nil {
				return err
			}
			continue
		}

		var entries []redis.XMessage
		for _, stream := range streams {
			entries = append(entries, stream.Messages...)
		}

		if len(entries) == 0 {
			if cursor == "0" {
				cursor = ">"
				continue
			}
			if s.opts.Block < 0 {
				if err := sleep(ctx, s.opts.Retry); err != nil {
					return err
				}
			}
			continue
		}

		for _, entry := range entries {
			if err := s.handle(ctx, log, partition, key, entry, h); err != nil {
				return err
			}
		}
	}
}

func (s *Stream) handle(ctx context.Context, log *zap.Logger, partition int, key string, entry redis.XMessage, h Handler) error {
	msg, err := decode(entry)
	if err != nil {
		// Nothing can ever process it; drop it rather than block the partition.
		log.Error("dropping undecodable reconciliation entry",
			zap.String("entry_id", entry.ID),
			zap.Error(err))
		return s.ack(ctx, key, entry.ID)
	}

	if err := deliver(ctx, log, partition, msg, h, s.opts.Retry); err != nil {
		return err
	}
	return s.ack(ctx, key, entry.ID)
}

// ack acknowledges a handled entry. It still runs when ctx is cancelled,
// since the handler already succeeded. A failed ack is only logged: the
// entry stays pending while this run keeps reading with ">", so the next
// run replays it after entries that were handled later. Handlers only move
// coupons forward and skip coupons already in a terminal status, so the
// late replay leaves the store unchanged.
func (s *Stream) ack(ctx context.Context, key, id string) error {
	actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	const attempts = 3
	var err error
	for i := 0; i < attempts; i++ {
		if err = s.rdb.XAck(actx, key, s.opts.Group, id).Err(); err == nil {
			return nil
		}
		if serr := sleep(actx, s.opts.Retry); serr != nil {
			break
		}
	}
	s.log.Error("failed to ack reconciliation entry, it stays pending until the next run",
		zap.String("entry_id", id), zap.Error(err))
	return ctx.Err()
}

func decode(entry redis.XMessage) (models.ReconcileMessage, error) {
	raw, ok := entry.Values[payloadField].(string)
	if !ok {
		return models.ReconcileMessage{}, Error.New("entry %s has no %s field", entry.ID, payloadField)
	}
	var msg models.ReconcileMessage
	if err := json.Unmarshal([]byte(raw), &msg); err != nil {
		return models.ReconcileMessage{}, Error.New("entry %s: %v", entry.ID, err)
	}
	return msg, nil
}
