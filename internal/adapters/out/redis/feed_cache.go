package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/moa-app/moa-server/internal/domain/entity"
	"github.com/moa-app/moa-server/internal/ports/out"
)

const (
	// feed 索引Key前缀 (ZSet: score=排序键, member=实体ID)
	feedKeyPrefix = "moa:feed:"
	// 重建互斥锁Key前缀
	feedLockPrefix = "moa:feed:lock:"
	// 空 feed 占位成员：重建发现存储里确实没有数据时写入，
	// 把"空"也缓存住，避免每次读都触发一轮重建
	feedPlaceholder = "__empty__"
	// 占位成员的 score，真实 score 均为毫秒时间戳或正热度值
	feedPlaceholderScore = -1
)

// 默认参数，可通过 FeedIndexOptions 覆盖
const (
	defaultFeedTTL      = 7 * 24 * time.Hour
	defaultFeedMaxLen   = 1000
	defaultLockTTL      = 10 * time.Second
	defaultRebuildBatch = 500
	defaultRebuildWait  = 30 * time.Second
)

// FeedIndexOptions feed 索引缓存参数
type FeedIndexOptions struct {
	TTL          time.Duration // 索引整体过期时间
	MaxLen       int           // 单个 feed 保留的最大成员数
	LockTTL      time.Duration // 重建互斥锁的自动过期时间
	RebuildBatch int           // 单次重建从存储加载的条数上限
}

// FeedIndexRedis 基于 ZSet 的旁路缓存二级索引
//
// 读路径防击穿：索引缺失时用 SETNX 抢短时互斥锁，抢到的协程异步重建，
// 原请求与所有竞争失败者都立即返回 ErrRebuildPending，不阻塞也不各自回源，
// 无论并发读多少，存储侧至多承受一次重建
type FeedIndexRedis struct {
	client *redis.Client
	loader out.MessageStore
	opts   FeedIndexOptions
}

var _ out.FeedIndexCache = (*FeedIndexRedis)(nil)

func NewFeedIndexRedis(client *redis.Client, loader out.MessageStore, opts FeedIndexOptions) *FeedIndexRedis {
	if opts.TTL <= 0 {
		opts.TTL = defaultFeedTTL
	}
	if opts.MaxLen <= 0 {
		opts.MaxLen = defaultFeedMaxLen
	}
	if opts.LockTTL <= 0 {
		opts.LockTTL = defaultLockTTL
	}
	if opts.RebuildBatch <= 0 {
		opts.RebuildBatch = defaultRebuildBatch
	}
	return &FeedIndexRedis{client: client, loader: loader, opts: opts}
}

func (r *FeedIndexRedis) indexKey(feedKey string) string {
	return feedKeyPrefix + feedKey
}

func (r *FeedIndexRedis) lockKey(feedKey string) string {
	return feedLockPrefix + feedKey
}

// Scroll 游标分页读索引
// maxScore <= 0 从最新开始；否则取 score 严格小于 maxScore 的成员，
// 这样上一页返回的游标不会让边界成员在下一页重复出现
func (r *FeedIndexRedis) Scroll(ctx context.Context, feedKey string, maxScore float64, window int) ([]entity.FeedEntry, float64, error) {
	key := r.indexKey(feedKey)

	exists, err := r.client.Exists(ctx, key).Result()
	if err != nil {
		return nil, 0, fmt.Errorf("check feed index %s: %w: %v", feedKey, out.ErrStoreUnavailable, err)
	}
	if exists == 0 {
		r.triggerRebuild(feedKey)
		return nil, 0, out.ErrRebuildPending
	}

	max := "+inf"
	if maxScore > 0 {
		max = "(" + strconv.FormatFloat(maxScore, 'f', -1, 64)
	}

	results, err := r.client.ZRevRangeByScoreWithScores(ctx, key, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   max,
		Count: int64(window),
	}).Result()
	if err != nil {
		return nil, 0, fmt.Errorf("scroll feed %s: %w: %v", feedKey, out.ErrStoreUnavailable, err)
	}

	entries := make([]entity.FeedEntry, 0, len(results))
	var next float64
	for _, z := range results {
		member, _ := z.Member.(string)
		if member == feedPlaceholder {
			continue
		}
		entries = append(entries, entity.FeedEntry{Member: member, Score: z.Score})
		next = z.Score
	}
	if len(entries) == 0 {
		next = 0
	}

	return entries, next, nil
}

// Upsert 写路径同步更新索引：新建/更新都会把成员写进去，
// 缓存自愈，不必等下一次 miss 触发重建
func (r *FeedIndexRedis) Upsert(ctx context.Context, feedKey, member string, score float64) error {
	key := r.indexKey(feedKey)

	pipe := r.client.Pipeline()
	pipe.ZAdd(ctx, key, redis.Z{Score: score, Member: member})
	// 真实数据进来后占位成员就没用了
	pipe.ZRem(ctx, key, feedPlaceholder)
	// 只保留最新的 MaxLen 条
	pipe.ZRemRangeByRank(ctx, key, 0, int64(-r.opts.MaxLen-1))
	pipe.Expire(ctx, key, r.opts.TTL)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("upsert feed %s: %w: %v", feedKey, out.ErrStoreUnavailable, err)
	}
	return nil
}

// Remove 从索引移除成员
func (r *FeedIndexRedis) Remove(ctx context.Context, feedKey, member string) error {
	if err := r.client.ZRem(ctx, r.indexKey(feedKey), member).Err(); err != nil {
		return fmt.Errorf("remove from feed %s: %w: %v", feedKey, out.ErrStoreUnavailable, err)
	}
	return nil
}

// IncrScore 热度分数累加，返回新分数
func (r *FeedIndexRedis) IncrScore(ctx context.Context, feedKey, member string, delta float64) (float64, error) {
	score, err := r.client.ZIncrBy(ctx, r.indexKey(feedKey), delta, member).Result()
	if err != nil {
		return 0, fmt.Errorf("incr score in feed %s: %w: %v", feedKey, out.ErrStoreUnavailable, err)
	}
	return score, nil
}

// triggerRebuild 非阻塞抢锁，抢到才启动异步重建
// 锁自动过期，重建协程崩溃也不会永久锁死该 feed
func (r *FeedIndexRedis) triggerRebuild(feedKey string) {
	ctx := context.Background()

	acquired, err := r.client.SetNX(ctx, r.lockKey(feedKey), 1, r.opts.LockTTL).Result()
	if err != nil {
		zap.L().Error("acquire rebuild lock failed",
			zap.String("feed", feedKey), zap.Error(err))
		return
	}
	if !acquired {
		// 已有协程在重建，本次什么都不做
		return
	}

	go r.rebuild(feedKey)
}

// rebuild 从持久化存储加载一个有界批次写入索引
func (r *FeedIndexRedis) rebuild(feedKey string) {
	ctx, cancel := context.WithTimeout(context.Background(), defaultRebuildWait)
	defer cancel()
	defer r.client.Del(ctx, r.lockKey(feedKey))

	entries, err := r.loader.LoadFeedPage(ctx, feedKey, 0, r.opts.RebuildBatch)
	if err != nil {
		zap.L().Error("rebuild feed from store failed",
			zap.String("feed", feedKey), zap.Error(err))
		return
	}

	key := r.indexKey(feedKey)
	members := make([]redis.Z, 0, len(entries)+1)
	for _, e := range entries {
		members = append(members, redis.Z{Score: e.Score, Member: e.Member})
	}
	if len(members) == 0 {
		members = append(members, redis.Z{Score: feedPlaceholderScore, Member: feedPlaceholder})
	}

	pipe := r.client.Pipeline()
	pipe.ZAdd(ctx, key, members...)
	pipe.ZRemRangeByRank(ctx, key, 0, int64(-r.opts.MaxLen-1))
	pipe.Expire(ctx, key, r.opts.TTL)
	if _, err := pipe.Exec(ctx); err != nil {
		zap.L().Error("write rebuilt feed failed",
			zap.String("feed", feedKey), zap.Error(err))
		return
	}

	zap.L().Debug("feed index rebuilt",
		zap.String("feed", feedKey), zap.Int("entries", len(entries)))
}
