package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"coupon-service/internal/models"
)

// pushChunk caps the number of codes sent in one RPUSH.
const pushChunk = 1000

// CodePoolKey is the list holding the unused codes of a template.
func CodePoolKey(templateID int) string {
	return fmt.Sprintf("coupon:template:code:%d", templateID)
}

// CodePool is the per-template queue of pre-generated redemption codes.
type CodePool struct {
	rdb     *redis.Client
	timeout time.Duration
}

// NewCodePool creates a new code pool on top of rdb.
func NewCodePool(rdb *redis.Client, timeout time.Duration) *CodePool {
	return &CodePool{rdb: rdb, timeout: timeout}
}

// Push appends codes to the template's pool.
func (p *CodePool) Push(ctx context.Context, templateID int, codes []string) error {
	key := CodePoolKey(templateID)
	for start := 0; start < len(codes); start += pushChunk {
		end := start + pushChunk
		if end > len(codes) {
			end = len(codes)
		}
		values := make([]interface{}, 0, end-start)
		for _, code := range codes[start:end] {
			values = append(values, code)
		}

		cctx, cancel := withTimeout(ctx, p.timeout)
		err := p.rdb.RPush(cctx, key, values...).Err()
		cancel()
		if err != nil {
			return Error.New("failed to push codes for template %d: %v", templateID, err)
		}
	}
	return nil
}

// Pop removes and returns one code. An empty pool is ErrCodeExhausted.
func (p *CodePool) Pop(ctx context.Context, templateID int) (string, error) {
	ctx, cancel := withTimeout(ctx, p.timeout)
	defer cancel()

	code, err := p.rdb.LPop(ctx, CodePoolKey(templateID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", models.ErrCodeExhausted.New("template %d has no codes left", templateID)
	}
	if err != nil {
		return "", Error.New("failed to pop code for template %d: %v", templateID, err)
	}
	return code, nil
}

// Len returns the number of codes left.
func (p *CodePool) Len(ctx context.Context, templateID int) (int64, error) {
	ctx, cancel := withTimeout(ctx, p.timeout)
	defer cancel()

	n, err := p.rdb.LLen(ctx, CodePoolKey(templateID)).Result()
	if err != nil {
		return 0, Error.Wrap(err)
	}
	return n, nil
}
