package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/moa-app/moa-server/internal/domain/entity"
	"github.com/moa-app/moa-server/internal/ports/out"
)

const (
	// 离线队列Key前缀 (ZSet: score=入队时间, member=消息ID)
	offlineQueuePrefix = "moa:offline:queue:"
	// 离线消息快照Key前缀 (Hash: field=消息ID, value=messageJSON)
	offlineDataPrefix = "moa:offline:data:"
	// 队列整体兜底过期时间；正常消费路径是拉取即删，不靠 TTL
	offlineQueueTTL = 14 * 24 * time.Hour
)

// Lua脚本：原子弹出队首至多 N 条（取出 + 删除一步完成）
// KEYS[1]=队列ZSet KEYS[2]=快照Hash ARGV[1]=条数
var popOfflineScript = redis.NewScript(`
local ids = redis.call('ZRANGE', KEYS[1], 0, tonumber(ARGV[1]) - 1)
if #ids == 0 then
    return {}
end
local payloads = {}
for i, id in ipairs(ids) do
    payloads[i] = redis.call('HGET', KEYS[2], id)
end
redis.call('ZREM', KEYS[1], unpack(ids))
redis.call('HDEL', KEYS[2], unpack(ids))
return payloads
`)

// OfflineQueueRedis 收件人离线队列
//
// member 是消息 ID，快照放在旁边的 Hash 里：
// 同一消息重复入队只会更新快照，队列里永远至多一个条目
type OfflineQueueRedis struct {
	client *redis.Client
}

var _ out.OfflineQueue = (*OfflineQueueRedis)(nil)

func NewOfflineQueueRedis(client *redis.Client) *OfflineQueueRedis {
	return &OfflineQueueRedis{client: client}
}

func (r *OfflineQueueRedis) queueKey(userID uint64) string {
	return fmt.Sprintf("%s%d", offlineQueuePrefix, userID)
}

func (r *OfflineQueueRedis) dataKey(userID uint64) string {
	return fmt.Sprintf("%s%d", offlineDataPrefix, userID)
}

// Enqueue 入队消息快照
func (r *OfflineQueueRedis) Enqueue(ctx context.Context, userID uint64, msg *entity.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal offline message %d: %w", msg.ID, err)
	}

	member := strconv.FormatUint(msg.ID, 10)
	qk, dk := r.queueKey(userID), r.dataKey(userID)

	pipe := r.client.Pipeline()
	pipe.ZAdd(ctx, qk, redis.Z{Score: float64(time.Now().UnixMilli()), Member: member})
	pipe.HSet(ctx, dk, member, data)
	pipe.Expire(ctx, qk, offlineQueueTTL)
	pipe.Expire(ctx, dk, offlineQueueTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("enqueue offline for user %d: %w: %v", userID, out.ErrStoreUnavailable, err)
	}
	return nil
}

// Pull 原子弹出至多 limit 条，读即删
// 连续两次调用（中间无新消息）第二次必然为空
func (r *OfflineQueueRedis) Pull(ctx context.Context, userID uint64, limit int) ([]*entity.Message, error) {
	if limit <= 0 {
		limit = 50
	}

	result, err := popOfflineScript.Run(ctx, r.client,
		[]string{r.queueKey(userID), r.dataKey(userID)}, limit).Result()
	if err != nil {
		return nil, fmt.Errorf("pull offline for user %d: %w: %v", userID, out.ErrStoreUnavailable, err)
	}

	raw, ok := result.([]interface{})
	if !ok {
		return nil, fmt.Errorf("unexpected pull result type %T", result)
	}

	messages := make([]*entity.Message, 0, len(raw))
	for _, item := range raw {
		data, ok := item.(string)
		if !ok || data == "" {
			continue
		}
		var msg entity.Message
		if err := json.Unmarshal([]byte(data), &msg); err != nil {
			zap.L().Warn("skip broken offline payload",
				zap.Uint64("user_id", userID), zap.Error(err))
			continue
		}
		messages = append(messages, &msg)
	}

	return messages, nil
}

// Len 当前队列长度
func (r *OfflineQueueRedis) Len(ctx context.Context, userID uint64) (int64, error) {
	n, err := r.client.ZCard(ctx, r.queueKey(userID)).Result()
	if err != nil {
		return 0, fmt.Errorf("offline queue len for user %d: %w: %v", userID, out.ErrStoreUnavailable, err)
	}
	return n, nil
}
