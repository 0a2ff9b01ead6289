package events

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"coupon-service/internal/models"
)

// recorder collects handled messages and cancels once it has seen want.
type recorder struct {
	mu     sync.Mutex
	seen   []models.ReconcileMessage
	want   int
	cancel context.CancelFunc
	failOn map[string]int // message id -> remaining failures
}

func (r *recorder) handle(_ context.Context, msg models.ReconcileMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failOn[msg.ID] > 0 {
		r.failOn[msg.ID]--
		return errors.New("transient")
	}
	r.seen = append(r.seen, msg)
	if len(r.seen) == r.want {
		r.cancel()
	}
	return nil
}

func (r *recorder) ids() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.seen))
	for _, m := range r.seen {
		ids = append(ids, m.ID)
	}
	return ids
}

func TestNewMessage(t *testing.T) {
	ids := []int{1, 2}
	msg := NewMessage(42, models.StatusUsed, ids)
	ids[0] = 99

	assert.NotEmpty(t, msg.ID)
	assert.Equal(t, int64(42), msg.UserID)
	assert.Equal(t, models.StatusUsed, msg.Status)
	assert.Equal(t, []int{1, 2}, msg.CouponIDs)
	assert.False(t, msg.PublishedAt.IsZero())
	assert.NotEqual(t, msg.ID, NewMessage(42, models.StatusUsed, ids).ID)
}

func TestPartition(t *testing.T) {
	for user := int64(0); user < 100; user++ {
		p := Partition(user, 8)
		assert.GreaterOrEqual(t, p, 0)
		assert.Less(t, p, 8)
		assert.Equal(t, p, Partition(user, 8))
	}
	assert.Equal(t, 0, Partition(42, 1))
}

func TestMemory_RejectsUsableStatus(t *testing.T) {
	ch := NewMemory(2, 8, time.Millisecond, zaptest.NewLogger(t))
	err := ch.Publish(context.Background(), NewMessage(1, models.StatusUsable, []int{1}))
	require.Error(t, err)
	assert.True(t, models.ErrInvalidArgument.Has(err))

	err = ch.Publish(context.Background(), NewMessage(1, models.StatusUsed, nil))
	require.Error(t, err)
}

func TestMemory_OrderedWithRetry(t *testing.T) {
	ch := NewMemory(4, 16, time.Millisecond, zaptest.NewLogger(t))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	first := NewMessage(42, models.StatusExpired, []int{1})
	second := NewMessage(42, models.StatusUsed, []int{2})
	third := NewMessage(42, models.StatusUsed, []int{3})
	for _, m := range []models.ReconcileMessage{first, second, third} {
		require.NoError(t, ch.Publish(ctx, m))
	}

	rec := &recorder{want: 3, cancel: cancel, failOn: map[string]int{second.ID: 2}}
	require.NoError(t, ch.Run(ctx, rec.handle))

	assert.Equal(t, []string{first.ID, second.ID, third.ID}, rec.ids())
}

func setupStream(t *testing.T, partitions int) (*miniredis.Miniredis, *redis.Client, *Stream) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	s := NewStream(rdb, StreamOptions{
		Prefix:     "coupon:reconcile:",
		Group:      "coupon-reconcile",
		Consumer:   "test",
		Partitions: partitions,
		Block:      -1,
		Retry:      5 * time.Millisecond,
	}, zaptest.NewLogger(t))
	return mr, rdb, s
}

func TestStream_PublishAndConsumeInOrder(t *testing.T) {
	_, rdb, s := setupStream(t, 4)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	msgs := []models.ReconcileMessage{
		NewMessage(42, models.StatusExpired, []int{1, 2}),
		NewMessage(42, models.StatusUsed, []int{3}),
		NewMessage(7, models.StatusUsed, []int{4}),
	}
	for _, m := range msgs {
		require.NoError(t, s.Publish(ctx, m))
	}

	length, err := rdb.XLen(ctx, s.StreamKey(Partition(42, 4))).Result()
	require.NoError(t, err)
	if Partition(7, 4) == Partition(42, 4) {
		assert.Equal(t, int64(3), length)
	} else {
		assert.Equal(t, int64(2), length)
	}

	rec := &recorder{want: 3, cancel: cancel, failOn: map[string]int{msgs[0].ID: 1}}
	require.NoError(t, s.Run(ctx, rec.handle))

	var forUser42 []string
	for _, m := range rec.seen {
		if m.UserID == 42 {
			forUser42 = append(forUser42, m.ID)
		}
	}
	assert.Equal(t, []string{msgs[0].ID, msgs[1].ID}, forUser42)
	assert.Equal(t, []int{1, 2}, rec.seen[indexOf(rec.seen, msgs[0].ID)].CouponIDs)

	pending, err := rdb.XPending(context.Background(), s.StreamKey(Partition(42, 4)), "coupon-reconcile").Result()
	require.NoError(t, err)
	assert.Zero(t, pending.Count)
}

func TestStream_ReplaysPendingEntries(t *testing.T) {
	_, rdb, s := setupStream(t, 1)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, s.ensureGroup(ctx, s.StreamKey(0)))
	stale := NewMessage(42, models.StatusUsed, []int{1})
	require.NoError(t, s.Publish(ctx, stale))

	// Simulate a consumer that read the entry and crashed before acking.
	_, err := rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    "coupon-reconcile",
		Consumer: "test",
		Streams:  []string{s.StreamKey(0), ">"},
		Count:    1,
		Block:    -1,
	}).Result()
	require.NoError(t, err)

	fresh := NewMessage(42, models.StatusExpired, []int{2})
	require.NoError(t, s.Publish(ctx, fresh))

	rec := &recorder{want: 2, cancel: cancel, failOn: map[string]int{}}
	require.NoError(t, s.Run(ctx, rec.handle))

	assert.Equal(t, []string{stale.ID, fresh.ID}, rec.ids())
}

func TestStream_DropsUndecodableEntry(t *testing.T) {
	_, rdb, s := setupStream(t, 1)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: s.StreamKey(0),
		Values: map[string]interface{}{payloadField: "{not json"},
	}).Err())
	good := NewMessage(42, models.StatusUsed, []int{1})
	require.NoError(t, s.Publish(ctx, good))

	rec := &recorder{want: 1, cancel: cancel, failOn: map[string]int{}}
	require.NoError(t, s.Run(ctx, rec.handle))

	assert.Equal(t, []string{good.ID}, rec.ids())
}

func indexOf(msgs []models.ReconcileMessage, id string) int {
	for i, m := range msgs {
		if m.ID == id {
			return i
		}
	}
	return -1
}
