package in

import (
	"context"

	"github.com/moa-app/moa-server/internal/domain/entity"
)

// SendRequest 发送私信请求
type SendRequest struct {
	FromUserID  uint64
	ToUserID    uint64
	ContentType entity.ContentType
	Content     entity.MessageContent
}

// HistoryPage 会话历史分页结果
type HistoryPage struct {
	Messages []*entity.Message
	// NextMaxScore 下一页游标，透传回 Scroll 即可取下一页；0 表示没有更多
	NextMaxScore float64
	// Pending 索引重建中，当前页为空或不完整，客户端应稍后重试
	Pending bool
}

// ChatUseCase 私信核心用例
type ChatUseCase interface {
	// Send 发送消息：分配 ID、写缓存、异步落库，然后交给投递管线
	// 投递通道的任何问题都不会让发送失败，只会降级为离线投递
	Send(ctx context.Context, req *SendRequest) (*entity.Message, error)

	// History 会话历史游标分页（先读索引缓存）
	History(ctx context.Context, userID, peerID uint64, maxScore float64, limit int) (*HistoryPage, error)

	// PullOffline 拉取并清空离线队列（读即删，幂等）
	PullOffline(ctx context.Context, userID uint64) ([]*entity.Message, error)

	// AckDelivered 客户端确认已收到某条推送
	AckDelivered(ctx context.Context, userID, messageID uint64) error

	// MarkRead 仅收件人可调用
	MarkRead(ctx context.Context, callerID, messageID uint64) error

	// Recall 仅发件人可调用
	Recall(ctx context.Context, callerID, messageID uint64) error

	// RecentConversations 最近会话对端列表
	RecentConversations(ctx context.Context, userID uint64, limit int) ([]uint64, error)
}
