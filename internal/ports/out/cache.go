package out

import (
	"context"

	"github.com/moa-app/moa-server/internal/domain/entity"
)

// FeedIndexCache 基于有序结构的旁路缓存二级索引
type FeedIndexCache interface {
	// Scroll 游标分页：maxScore <= 0 从最新开始；否则返回 score 严格小于
	// maxScore 的至多 window 条成员（score 降序）与下一页游标，上一页的边界
	// 成员不会重复出现。索引缺失时触发异步重建并返回 ErrRebuildPending，
	// 绝不同步读存储
	Scroll(ctx context.Context, feedKey string, maxScore float64, window int) ([]entity.FeedEntry, float64, error)

	// Upsert 写路径同步更新索引，同 member 重复写入只更新 score
	Upsert(ctx context.Context, feedKey, member string, score float64) error

	// Remove 从索引移除成员（撤回等场景）
	Remove(ctx context.Context, feedKey, member string) error

	// IncrScore 热度类 feed 的分数累加，返回新分数
	IncrScore(ctx context.Context, feedKey, member string, delta float64) (float64, error)
}

// MessageCache 单实体旁路缓存，带负缓存（tombstone）
type MessageCache interface {
	// Get 读穿透：缓存命中直接返回；tombstone 或存储确认缺失返回 ErrNotFound
	Get(ctx context.Context, id uint64) (*entity.Message, error)

	// Set 写入缓存，必须同步覆盖已有 tombstone
	Set(ctx context.Context, msg *entity.Message) error
}

// OfflineQueue 收件人离线队列，消费端拉取即删除
type OfflineQueue interface {
	// Enqueue 入队消息快照，同一消息 ID 至多占一个队列条目
	Enqueue(ctx context.Context, userID uint64, msg *entity.Message) error

	// Pull 原子弹出至多 limit 条（读即删），重复拉取不会重复投递
	Pull(ctx context.Context, userID uint64, limit int) ([]*entity.Message, error)

	// Len 当前队列长度
	Len(ctx context.Context, userID uint64) (int64, error)
}

// PendingAckRepository 在线推送后的待确认记录
type PendingAckRepository interface {
	// Mark 推送成功后登记待确认
	Mark(ctx context.Context, userID, messageID uint64) error

	// Ack 客户端确认，移除待确认记录
	Ack(ctx context.Context, userID, messageID uint64) error

	// IsPending 确认是否仍未到达（定时检查使用）
	IsPending(ctx context.Context, userID, messageID uint64) (bool, error)
}

// InboxSummaryRepository 会话摘要：最近会话排序与未读计数
type InboxSummaryRepository interface {
	// BumpConversation 新消息到达时刷新会话排序并视情况累加未读
	BumpConversation(ctx context.Context, userID, peerID uint64, atMillis int64, incrUnread bool) error

	// ClearUnread 已读后清零未读
	ClearUnread(ctx context.Context, userID, peerID uint64) error

	// Recent 最近会话的对端用户列表（按最新消息时间降序）
	Recent(ctx context.Context, userID uint64, limit int) ([]uint64, error)

	// UnreadCount 某会话未读数
	UnreadCount(ctx context.Context, userID, peerID uint64) (int64, error)
}
