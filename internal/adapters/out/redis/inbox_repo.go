package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/moa-app/moa-server/internal/ports/out"
)

const (
	// 最近会话Key前缀 (ZSet: score=最新消息时间, member=对端用户ID)
	recentConvPrefix = "moa:convlist:user:"
	// 未读计数Key前缀 (Hash: field=对端用户ID, value=未读数)
	unreadPrefix = "moa:unread:user:"
	// 会话摘要过期时间
	inboxTTL = 30 * 24 * time.Hour
)

// Lua脚本：原子刷新会话排序并按需累加未读
var bumpConversationScript = redis.NewScript(`
redis.call('ZADD', KEYS[1], ARGV[2], ARGV[1])
if tonumber(ARGV[3]) == 1 then
    redis.call('HINCRBY', KEYS[2], ARGV[1], 1)
end
return redis.call('ZCARD', KEYS[1])
`)

// InboxSummaryRedis 会话摘要仓储：最近会话列表 + 未读计数
type InboxSummaryRedis struct {
	client *redis.Client
}

var _ out.InboxSummaryRepository = (*InboxSummaryRedis)(nil)

func NewInboxSummaryRedis(client *redis.Client) *InboxSummaryRedis {
	return &InboxSummaryRedis{client: client}
}

func (r *InboxSummaryRedis) recentKey(userID uint64) string {
	return fmt.Sprintf("%s%d", recentConvPrefix, userID)
}

func (r *InboxSummaryRedis) unreadKey(userID uint64) string {
	return fmt.Sprintf("%s%d", unreadPrefix, userID)
}

// BumpConversation 新消息到达：刷新会话排序，接收方累加未读
func (r *InboxSummaryRedis) BumpConversation(ctx context.Context, userID, peerID uint64, atMillis int64, incrUnread bool) error {
	incr := 0
	if incrUnread {
		incr = 1
	}

	_, err := bumpConversationScript.Run(ctx, r.client,
		[]string{r.recentKey(userID), r.unreadKey(userID)},
		peerID, atMillis, incr).Result()
	if err != nil {
		return fmt.Errorf("bump conversation %d/%d: %w: %v", userID, peerID, out.ErrStoreUnavailable, err)
	}

	pipe := r.client.Pipeline()
	pipe.Expire(ctx, r.recentKey(userID), inboxTTL)
	pipe.Expire(ctx, r.unreadKey(userID), inboxTTL)
	_, _ = pipe.Exec(ctx)

	return nil
}

// ClearUnread 已读后清零
func (r *InboxSummaryRedis) ClearUnread(ctx context.Context, userID, peerID uint64) error {
	field := strconv.FormatUint(peerID, 10)
	if err := r.client.HDel(ctx, r.unreadKey(userID), field).Err(); err != nil {
		return fmt.Errorf("clear unread %d/%d: %w: %v", userID, peerID, out.ErrStoreUnavailable, err)
	}
	return nil
}

// Recent 最近会话对端列表，按最新消息时间降序
func (r *InboxSummaryRedis) Recent(ctx context.Context, userID uint64, limit int) ([]uint64, error) {
	if limit <= 0 {
		limit = 20
	}

	results, err := r.client.ZRevRange(ctx, r.recentKey(userID), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("recent conversations for %d: %w: %v", userID, out.ErrStoreUnavailable, err)
	}

	peers := make([]uint64, 0, len(results))
	for _, s := range results {
		if id, err := strconv.ParseUint(s, 10, 64); err == nil {
			peers = append(peers, id)
		}
	}
	return peers, nil
}

// UnreadCount 某会话未读数
func (r *InboxSummaryRedis) UnreadCount(ctx context.Context, userID, peerID uint64) (int64, error) {
	field := strconv.FormatUint(peerID, 10)
	val, err := r.client.HGet(ctx, r.unreadKey(userID), field).Result()
	if err != nil {
		if err == redis.Nil {
			return 0, nil
		}
		return 0, fmt.Errorf("unread count %d/%d: %w: %v", userID, peerID, out.ErrStoreUnavailable, err)
	}
	return strconv.ParseInt(val, 10, 64)
}
