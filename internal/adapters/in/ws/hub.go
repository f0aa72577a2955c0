package ws

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/moa-app/moa-server/internal/ports/in"
	"github.com/moa-app/moa-server/internal/ports/out"
)

// Hub 负责把 HTTP 请求升级为 WebSocket 连接并挂进注册表
type Hub struct {
	upgrader websocket.Upgrader
	registry out.ConnectionManager
	chatUC   in.ChatUseCase
}

func NewHub(registry out.ConnectionManager, chatUC in.ChatUseCase) *Hub {
	return &Hub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// 鉴权在外层网关完成，这里不再校验来源
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		registry: registry,
		chatUC:   chatUC,
	}
}

// ServeWS 升级连接并注册
// 注册成功后注册表的 OnRegister 回调会触发离线补投
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request, userID uint64, deviceID string) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		zap.L().Warn("websocket upgrade failed",
			zap.Uint64("user_id", userID), zap.Error(err))
		return
	}

	if deviceID == "" {
		deviceID = uuid.NewString()
	}

	c := NewConnection(conn, userID, deviceID, h.registry, h.chatUC)
	h.registry.Register(userID, c)

	go c.WritePump()
	go c.ReadPump()
}
