package out

import "context"

// Endpoint 一个已连接用户的逻辑推送通道
// 底层是 OS 线程、事件循环还是协程不影响本契约
type Endpoint interface {
	// Send 有界发送：缓冲满或连接已关闭时立即报错，不阻塞调用方
	Send(payload []byte) error

	// CloseGoingAway 带"即将离开"信号关闭通道（心跳超时驱逐时使用）
	CloseGoingAway() error

	// Close 普通关闭
	Close() error
}

// ConnectionManager 连接注册表对外能力
type ConnectionManager interface {
	Register(userID uint64, ep Endpoint)
	Unregister(userID uint64)

	// Release 仅当 ep 仍是该用户当前注册的端点时注销
	// 被顶下线的旧连接收尾时不会误伤刚注册的新连接
	Release(userID uint64, ep Endpoint)

	Touch(userID uint64)
	IsLive(userID uint64) bool

	// Push 推送载荷：无连接返回 ErrNotConnected；写失败返回 ErrSendFailed
	// 并立即注销该连接，不做重试
	Push(userID uint64, payload []byte) error
}

// EventPublisher 领域事件发布（送达外部消费方，如搜索、审计）
// 所有发布都是尽力而为，失败记日志不回传
type EventPublisher interface {
	PublishMessageSent(ctx context.Context, event *MessageEvent) error
	PublishMessageRead(ctx context.Context, event *MessageEvent) error
	PublishMessageRecalled(ctx context.Context, event *MessageEvent) error
}

// MessageEvent 消息领域事件载荷
type MessageEvent struct {
	MessageID  uint64 `json:"message_id"`
	FromUserID uint64 `json:"from_user_id"`
	ToUserID   uint64 `json:"to_user_id"`
	Status     int8   `json:"status"`
	OccurredAt int64  `json:"occurred_at"`
}
