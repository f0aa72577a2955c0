package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/moa-app/moa-server/internal/ports/out"
)

const (
	// 序号Key前缀，key 内嵌日期，跨天自然换 key，无需清零任务
	seqKeyPrefix = "moa:seq:"
	// 日计数器保留两天，防止零点前后的请求落在已过期的 key 上
	seqKeyTTL = 48 * time.Hour
)

// sequenceEpoch ID 时间戳部分的固定纪元偏移（2024-01-01T00:00:00Z）
var sequenceEpoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

// SequenceGeneratorRedis 可排序 64 位 ID 生成器
// ID = (距纪元秒数 << 32) | 当日序号，同一命名空间同一天内严格递增
type SequenceGeneratorRedis struct {
	client *redis.Client
	now    func() time.Time
}

var _ out.SequenceGenerator = (*SequenceGeneratorRedis)(nil)

func NewSequenceGeneratorRedis(client *redis.Client) *SequenceGeneratorRedis {
	return &SequenceGeneratorRedis{
		client: client,
		now:    time.Now,
	}
}

func (g *SequenceGeneratorRedis) dailyKey(namespace string, t time.Time) string {
	return fmt.Sprintf("%s%s:%s", seqKeyPrefix, namespace, t.UTC().Format("20060102"))
}

// Next 分配下一个 ID
// 计数器存储不可达视为致命错误，直接返回 ErrStoreUnavailable，
// 绝不本地造 ID——伪造的 ID 会破坏索引 score 的单调性假设
func (g *SequenceGeneratorRedis) Next(ctx context.Context, namespace string) (uint64, error) {
	now := g.now()
	key := g.dailyKey(namespace, now)

	pipe := g.client.Pipeline()
	incr := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, seqKeyTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("incr daily seq %s: %w: %v", key, out.ErrStoreUnavailable, err)
	}

	seq := uint64(incr.Val())
	elapsed := uint64(now.Unix() - sequenceEpoch.Unix())

	return (elapsed << 32) | (seq & 0xFFFFFFFF), nil
}
