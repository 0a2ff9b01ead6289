package events

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"coupon-service/internal/models"
)

// Memory is an in-process Channel. It keeps one buffered queue per
// partition, so it only reconciles within a single process.
type Memory struct {
	queues []chan models.ReconcileMessage
	retry  time.Duration
	log    *zap.Logger

	mu      sync.Mutex
	running bool
}

// NewMemory creates a new in-process channel.
func NewMemory(partitions, buffer int, retry time.Duration, log *zap.Logger) *Memory {
	if partitions <= 0 {
		partitions = 1
	}
	if buffer <= 0 {
		buffer = 1024
	}
	if retry <= 0 {
		retry = time.Second
	}
	queues := make([]chan models.ReconcileMessage, partitions)
	for i := range queues {
		queues[i] = make(chan models.ReconcileMessage, buffer)
	}
	return &Memory{
		queues: queues,
		retry:  retry,
		log:    log.Named("events"),
	}
}

// Publish enqueues msg on the user's partition. It blocks while the queue
// is full.
func (m *Memory) Publish(ctx context.Context, msg models.ReconcileMessage) error {
	if err := validate(msg); err != nil {
		return err
	}
	q := m.queues[Partition(msg.UserID, len(m.queues))]
	select {
	case q <- msg:
		return nil
	case <-ctx.Done():
		return Error.New("publish %s: %v", msg.ID, ctx.Err())
	}
}

// Run starts one worker per partition and blocks until ctx is done.
func (m *Memory) Run(ctx context.Context, h Handler) error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return Error.New("channel is already running")
	}
	m.running = true
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		m.running = false
		m.mu.Unlock()
	}()

	group, gctx := errgroup.WithContext(ctx)
	for i, q := range m.queues {
		partition, queue := i, q
		group.Go(func() error {
			return m.drain(gctx, partition, queue, h)
		})
	}

	err := group.Wait()
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil
	}
	return err
}

func (m *Memory) drain(ctx context.Context, partition int, queue chan models.ReconcileMessage, h Handler) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg := <-queue:
			if err := deliver(ctx, m.log, partition, msg, h, m.retry); err != nil {
				return err
			}
		}
	}
}

// deliver calls h until it succeeds. Later messages of the partition wait.
func deliver(ctx context.Context, log *zap.Logger, partition int, msg models.ReconcileMessage, h Handler, retry time.Duration) error {
	for attempt := 1; ; attempt++ {
		err := h(ctx, msg)
		if err == nil {
			return nil
		}
		log.Warn("reconciliation handler failed, retrying",
			zap.Int("partition", partition),
			zap.String("message_id", msg.ID),
			zap.Int64("user_id", msg.UserID),
			zap.Int("attempt", attempt),
			zap.Error(err))
		if err := sleep(ctx, retry); err != nil {
			return err
		}
	}
}
