package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/moa-app/moa-server/internal/ports/in"
	"github.com/moa-app/moa-server/internal/ports/out"
)

const (
	// 写超时
	writeWait = 10 * time.Second
	// Pong等待时间
	pongWait = 60 * time.Second
	// Ping周期（必须小于pongWait）
	pingPeriod = 30 * time.Second
	// 最大消息大小
	maxMessageSize = 64 * 1024
	// 发送缓冲条数
	sendBufferSize = 256
)

// EnvelopeType WebSocket消息类型
type EnvelopeType string

const (
	// 客户端消息类型
	EnvPing   EnvelopeType = "ping"
	EnvAck    EnvelopeType = "ack"
	EnvPull   EnvelopeType = "pull"
	EnvRead   EnvelopeType = "read"
	EnvRecall EnvelopeType = "recall"

	// 服务端消息类型
	EnvPong     EnvelopeType = "pong"
	EnvMessage  EnvelopeType = "message"
	EnvReceipt  EnvelopeType = "receipt"
	EnvPullResp EnvelopeType = "pull_resp"
	EnvError    EnvelopeType = "error"
)

// Envelope WebSocket消息信封
type Envelope struct {
	Type EnvelopeType    `json:"type"`
	ID   string          `json:"id,omitempty"`
	Data json.RawMessage `json:"data,omitempty"`
	Ts   int64           `json:"ts,omitempty"`
}

// AckData ACK数据
type AckData struct {
	MessageID uint64 `json:"message_id"`
}

// TargetData read/recall 操作的目标
type TargetData struct {
	MessageID uint64 `json:"message_id"`
}

// Connection 一个用户的 WebSocket 连接，实现 out.Endpoint
type Connection struct {
	conn     *websocket.Conn
	userID   uint64
	deviceID string

	// mu 同时保护 closed 与 send 的写入/关闭，
	// 清扫协程的关闭和推送路径的发送可能并发发生
	mu     sync.Mutex
	send   chan []byte
	closed bool

	registry out.ConnectionManager
	chatUC   in.ChatUseCase
}

var _ out.Endpoint = (*Connection)(nil)

func NewConnection(conn *websocket.Conn, userID uint64, deviceID string, registry out.ConnectionManager, chatUC in.ChatUseCase) *Connection {
	return &Connection{
		conn:     conn,
		userID:   userID,
		deviceID: deviceID,
		send:     make(chan []byte, sendBufferSize),
		registry: registry,
		chatUC:   chatUC,
	}
}

func (c *Connection) UserID() uint64 {
	return c.userID
}

// Send 有界发送：缓冲满或连接已关闭时立即报错，不阻塞调用方
func (c *Connection) Send(payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return fmt.Errorf("connection closed")
	}

	select {
	case c.send <- payload:
		return nil
	default:
		return fmt.Errorf("send buffer full")
	}
}

// markClosed 置关闭标记并关闭发送通道，返回是否由本次调用完成关闭
func (c *Connection) markClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return false
	}
	c.closed = true
	close(c.send)
	return true
}

// Close 普通关闭
func (c *Connection) Close() error {
	if !c.markClosed() {
		return nil
	}
	return c.conn.Close()
}

// CloseGoingAway 驱逐时带"即将离开"信号关闭
func (c *Connection) CloseGoingAway() error {
	if !c.markClosed() {
		return nil
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	_ = c.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseGoingAway, "heartbeat timeout"))
	return c.conn.Close()
}

// ReadPump 读取客户端消息，Pong 刷新注册表心跳
func (c *Connection) ReadPump() {
	defer func() {
		// 按端点收尾：本连接被顶下线后不能注销接替者
		c.registry.Release(c.userID, c)
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		c.registry.Touch(c.userID)
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				zap.L().Warn("websocket read error",
					zap.Uint64("user_id", c.userID), zap.Error(err))
			}
			break
		}

		c.handleEnvelope(message)
	}
}

// WritePump 写出服务端消息并按周期发 Ping
func (c *Connection) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.Close()
	}()

	for {
		select {
		case payload, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				zap.L().Warn("websocket write error",
					zap.Uint64("user_id", c.userID), zap.Error(err))
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Connection) handleEnvelope(data []byte) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		c.sendError("", "invalid envelope")
		return
	}

	ctx := context.Background()

	switch env.Type {
	case EnvPing:
		c.registry.Touch(c.userID)
		c.sendJSON(Envelope{Type: EnvPong, ID: env.ID, Ts: time.Now().UnixMilli()})

	case EnvAck:
		c.handleAck(ctx, env.ID, env.Data)

	case EnvPull:
		c.handlePull(ctx, env.ID)

	case EnvRead:
		c.handleRead(ctx, env.ID, env.Data)

	case EnvRecall:
		c.handleRecall(ctx, env.ID, env.Data)

	default:
		c.sendError(env.ID, "unknown envelope type")
	}
}

func (c *Connection) handleAck(ctx context.Context, msgID string, data json.RawMessage) {
	var ack AckData
	if err := json.Unmarshal(data, &ack); err != nil {
		c.sendError(msgID, "invalid ack data")
		return
	}
	if err := c.chatUC.AckDelivered(ctx, c.userID, ack.MessageID); err != nil {
		c.sendError(msgID, err.Error())
	}
}

func (c *Connection) handlePull(ctx context.Context, msgID string) {
	messages, err := c.chatUC.PullOffline(ctx, c.userID)
	if err != nil {
		c.sendError(msgID, err.Error())
		return
	}

	respData, _ := json.Marshal(messages)
	c.sendJSON(Envelope{
		Type: EnvPullResp,
		ID:   msgID,
		Data: respData,
		Ts:   time.Now().UnixMilli(),
	})
}

func (c *Connection) handleRead(ctx context.Context, msgID string, data json.RawMessage) {
	var target TargetData
	if err := json.Unmarshal(data, &target); err != nil {
		c.sendError(msgID, "invalid read data")
		return
	}
	if err := c.chatUC.MarkRead(ctx, c.userID, target.MessageID); err != nil {
		c.sendError(msgID, err.Error())
	}
}

func (c *Connection) handleRecall(ctx context.Context, msgID string, data json.RawMessage) {
	var target TargetData
	if err := json.Unmarshal(data, &target); err != nil {
		c.sendError(msgID, "invalid recall data")
		return
	}
	if err := c.chatUC.Recall(ctx, c.userID, target.MessageID); err != nil {
		c.sendError(msgID, err.Error())
	}
}

func (c *Connection) sendJSON(env Envelope) {
	data, err := json.Marshal(env)
	if err != nil {
		return
	}
	_ = c.Send(data)
}

func (c *Connection) sendError(msgID, errMsg string) {
	errData, _ := json.Marshal(map[string]string{"error": errMsg})
	c.sendJSON(Envelope{Type: EnvError, ID: msgID, Data: errData})
}
