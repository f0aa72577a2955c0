package entity

import (
	"encoding/json"
	"time"
)

// Message 私信消息聚合根
type Message struct {
	ID          uint64         `json:"id"`
	FromUserID  uint64         `json:"from_user_id"`
	ToUserID    uint64         `json:"to_user_id"`
	ContentType ContentType    `json:"content_type"`
	Content     MessageContent `json:"content"`
	Status      MessageStatus  `json:"status"`
	CreatedAt   time.Time      `json:"created_at"`
	DeliveredAt *time.Time     `json:"delivered_at,omitempty"`
	ReadAt      *time.Time     `json:"read_at,omitempty"`
	RecalledAt  *time.Time     `json:"recalled_at,omitempty"`
}

// ContentType 消息内容类型
type ContentType int8

const (
	ContentTypeText   ContentType = 1 // 文本
	ContentTypeImage  ContentType = 2 // 图片
	ContentTypeSystem ContentType = 3 // 系统通知
)

// MessageStatus 消息状态
// 状态机：sent → delivered → {read | recalled}
// 唯一允许的回退是 delivered → sent，表示推送后未收到客户端确认
type MessageStatus int8

const (
	MessageStatusSent      MessageStatus = 1 // 已发送（未确认送达）
	MessageStatusDelivered MessageStatus = 2 // 已送达
	MessageStatusRead      MessageStatus = 3 // 已读
	MessageStatusRecalled  MessageStatus = 4 // 已撤回
)

// MessageContent 消息内容，只在缓存/存储边界序列化
type MessageContent struct {
	Text   *TextContent   `json:"text,omitempty"`
	Image  *ImageContent  `json:"image,omitempty"`
	System *SystemContent `json:"system,omitempty"`
}

// TextContent 文本内容
type TextContent struct {
	Text string `json:"text"`
}

// ImageContent 图片内容
type ImageContent struct {
	ObjectKey string `json:"object_key"`
	Width     int    `json:"width,omitempty"`
	Height    int    `json:"height,omitempty"`
	SizeBytes int64  `json:"size_bytes"`
}

// SystemContent 系统消息内容
type SystemContent struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewTextMessage 创建文本消息，初始状态为 sent
func NewTextMessage(id, from, to uint64, text string) *Message {
	return &Message{
		ID:          id,
		FromUserID:  from,
		ToUserID:    to,
		ContentType: ContentTypeText,
		Content: MessageContent{
			Text: &TextContent{Text: text},
		},
		Status:    MessageStatusSent,
		CreatedAt: time.Now(),
	}
}

// MarkDelivered 标记送达
func (m *Message) MarkDelivered() {
	now := time.Now()
	m.Status = MessageStatusDelivered
	m.DeliveredAt = &now
}

// RevertToSent 送达确认超时，回退为 sent
// 只清状态不清 DeliveredAt，保留首次推送时间
func (m *Message) RevertToSent() {
	m.Status = MessageStatusSent
}

// MarkRead 标记已读，read 为终态
func (m *Message) MarkRead() {
	now := time.Now()
	m.Status = MessageStatusRead
	m.ReadAt = &now
}

// Recall 撤回消息，recalled 为终态
func (m *Message) Recall() {
	now := time.Now()
	m.Status = MessageStatusRecalled
	m.RecalledAt = &now
}

// IsTerminal read 和 recalled 之后不再发生状态迁移
func (m *Message) IsTerminal() bool {
	return m.Status == MessageStatusRead || m.Status == MessageStatusRecalled
}

// CanRecall 是否可以撤回（2分钟内且未进入终态）
func (m *Message) CanRecall() bool {
	return !m.IsTerminal() && time.Since(m.CreatedAt) <= 2*time.Minute
}
