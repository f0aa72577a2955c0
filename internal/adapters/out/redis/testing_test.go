package redis

import (
	"context"
	"sync/atomic"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/moa-app/moa-server/internal/domain/entity"
)

// newTestRedis 每个测试各起一个内存 Redis
func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	return mr, client
}

// stubStore 函数字段式的存储桩，按需覆盖单个方法
type stubStore struct {
	loadFeedPage func(ctx context.Context, feedKey string, offset, limit int) ([]entity.FeedEntry, error)
	loadByID     func(ctx context.Context, id uint64) (*entity.Message, error)
	save         func(ctx context.Context, msg *entity.Message) error

	feedPageCalls atomic.Int64
	loadByIDCalls atomic.Int64
}

func (s *stubStore) LoadFeedPage(ctx context.Context, feedKey string, offset, limit int) ([]entity.FeedEntry, error) {
	s.feedPageCalls.Add(1)
	if s.loadFeedPage != nil {
		return s.loadFeedPage(ctx, feedKey, offset, limit)
	}
	return nil, nil
}

func (s *stubStore) LoadByID(ctx context.Context, id uint64) (*entity.Message, error) {
	s.loadByIDCalls.Add(1)
	if s.loadByID != nil {
		return s.loadByID(ctx, id)
	}
	return nil, nil
}

func (s *stubStore) Save(ctx context.Context, msg *entity.Message) error {
	if s.save != nil {
		return s.save(ctx, msg)
	}
	return nil
}
