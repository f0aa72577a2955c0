package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/moa-app/moa-server/internal/domain/entity"
	"github.com/moa-app/moa-server/internal/ports/out"
)

const (
	// 消息点查缓存Key前缀 (String: messageJSON 或 tombstone)
	msgKeyPrefix = "moa:msg:"
	// tombstone 哨兵值：代表"存储里确认不存在"，和"没缓存过"是两回事
	msgTombstone = "__tombstone__"
)

const (
	defaultEntityTTL    = 30 * time.Minute
	defaultTombstoneTTL = 60 * time.Second
)

// lookupState 点查缓存的三种结果
type lookupState int8

const (
	lookupFound     lookupState = iota // 缓存命中
	lookupTombstone                    // 命中负缓存，短路返回，不回源
	lookupAbsent                       // 缓存里没有，需要回源
)

// MessageCacheRedis 单条消息的旁路缓存
//
// 穿透保护：存储确认不存在时写入短 TTL 的 tombstone，
// 同一个不存在的 ID 在一个 TTL 窗口内至多打到存储一次；
// tombstone 过期后实体仍可"重新出现"，兼容旁路创建
type MessageCacheRedis struct {
	client       *redis.Client
	store        out.MessageStore
	entityTTL    time.Duration
	tombstoneTTL time.Duration
}

var _ out.MessageCache = (*MessageCacheRedis)(nil)

func NewMessageCacheRedis(client *redis.Client, store out.MessageStore, entityTTL, tombstoneTTL time.Duration) *MessageCacheRedis {
	if entityTTL <= 0 {
		entityTTL = defaultEntityTTL
	}
	if tombstoneTTL <= 0 {
		tombstoneTTL = defaultTombstoneTTL
	}
	return &MessageCacheRedis{
		client:       client,
		store:        store,
		entityTTL:    entityTTL,
		tombstoneTTL: tombstoneTTL,
	}
}

func (c *MessageCacheRedis) key(id uint64) string {
	return fmt.Sprintf("%s%d", msgKeyPrefix, id)
}

// Get 读穿透：Absent 时回源存储，命中则回填正常 TTL，
// 确认缺失则写 tombstone 并返回 ErrNotFound
func (c *MessageCacheRedis) Get(ctx context.Context, id uint64) (*entity.Message, error) {
	msg, state, err := c.lookup(ctx, id)
	if err != nil {
		return nil, err
	}

	switch state {
	case lookupFound:
		return msg, nil
	case lookupTombstone:
		return nil, out.ErrNotFound
	}

	// 回源
	stored, err := c.store.LoadByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load message %d: %w", id, err)
	}
	if stored == nil {
		if err := c.client.Set(ctx, c.key(id), msgTombstone, c.tombstoneTTL).Err(); err != nil {
			return nil, fmt.Errorf("set tombstone %d: %w: %v", id, out.ErrStoreUnavailable, err)
		}
		return nil, out.ErrNotFound
	}

	if err := c.Set(ctx, stored); err != nil {
		return nil, err
	}
	return stored, nil
}

// Set 写入缓存，同步覆盖可能存在的 tombstone
// Found 和 Tombstone 对同一 key 在任何时刻互斥
func (c *MessageCacheRedis) Set(ctx context.Context, msg *entity.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message %d: %w", msg.ID, err)
	}
	if err := c.client.Set(ctx, c.key(msg.ID), data, c.entityTTL).Err(); err != nil {
		return fmt.Errorf("set message %d: %w: %v", msg.ID, out.ErrStoreUnavailable, err)
	}
	return nil
}

// lookup 只看缓存，不回源
func (c *MessageCacheRedis) lookup(ctx context.Context, id uint64) (*entity.Message, lookupState, error) {
	data, err := c.client.Get(ctx, c.key(id)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, lookupAbsent, nil
		}
		return nil, lookupAbsent, fmt.Errorf("get message %d: %w: %v", id, out.ErrStoreUnavailable, err)
	}

	if data == msgTombstone {
		return nil, lookupTombstone, nil
	}

	var msg entity.Message
	if err := json.Unmarshal([]byte(data), &msg); err != nil {
		// 脏数据当作缓存缺失处理，回源修复
		return nil, lookupAbsent, nil
	}
	return &msg, lookupFound, nil
}
