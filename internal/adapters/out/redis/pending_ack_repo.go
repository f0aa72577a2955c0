package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/moa-app/moa-server/internal/ports/out"
)

const (
	// 待确认Key前缀 (String，存在即未确认)
	pendingAckPrefix = "moa:ack:pending:"
)

// PendingAckRedis 在线推送后的待确认记录
// 推送成功登记，客户端 ACK 删除；定时检查只看"是否还在"
type PendingAckRedis struct {
	client *redis.Client
	ttl    time.Duration
}

var _ out.PendingAckRepository = (*PendingAckRedis)(nil)

// NewPendingAckRedis ttl 应明显大于投递管线的确认宽限期，
// 作为检查协程丢失时的兜底清理
func NewPendingAckRedis(client *redis.Client, ttl time.Duration) *PendingAckRedis {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &PendingAckRedis{client: client, ttl: ttl}
}

func (r *PendingAckRedis) key(userID, messageID uint64) string {
	return fmt.Sprintf("%s%d:%d", pendingAckPrefix, userID, messageID)
}

// Mark 登记待确认
func (r *PendingAckRedis) Mark(ctx context.Context, userID, messageID uint64) error {
	if err := r.client.Set(ctx, r.key(userID, messageID), 1, r.ttl).Err(); err != nil {
		return fmt.Errorf("mark pending ack: %w: %v", out.ErrStoreUnavailable, err)
	}
	return nil
}

// Ack 客户端确认，删除记录；重复确认是无害的空操作
func (r *PendingAckRedis) Ack(ctx context.Context, userID, messageID uint64) error {
	if err := r.client.Del(ctx, r.key(userID, messageID)).Err(); err != nil {
		return fmt.Errorf("ack message %d: %w: %v", messageID, out.ErrStoreUnavailable, err)
	}
	return nil
}

// IsPending 确认是否仍未到达
func (r *PendingAckRedis) IsPending(ctx context.Context, userID, messageID uint64) (bool, error) {
	err := r.client.Get(ctx, r.key(userID, messageID)).Err()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return false, nil
		}
		return false, fmt.Errorf("check pending ack: %w: %v", out.ErrStoreUnavailable, err)
	}
	return true, nil
}
