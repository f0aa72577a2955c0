package http

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/moa-app/moa-server/internal/application"
	"github.com/moa-app/moa-server/internal/domain/entity"
	"github.com/moa-app/moa-server/internal/ports/in"
)

// ChatController 私信 HTTP 接口，薄封装，业务全部在用例层
type ChatController struct {
	chatUC in.ChatUseCase
	feedUC in.FeedUseCase
}

func NewChatController(chatUC in.ChatUseCase, feedUC in.FeedUseCase) *ChatController {
	return &ChatController{chatUC: chatUC, feedUC: feedUC}
}

// RegisterRoutes 注册路由
func (c *ChatController) RegisterRoutes(rg *gin.RouterGroup) {
	rg.POST("/messages", c.sendMessage)
	rg.GET("/conversations/:peer/messages", c.history)
	rg.GET("/conversations", c.recentConversations)
	rg.POST("/messages/:id/read", c.markRead)
	rg.POST("/messages/:id/recall", c.recall)
	rg.GET("/offline", c.pullOffline)
	rg.GET("/feeds/:key", c.scrollFeed)
}

type sendMessageRequest struct {
	ToUserID uint64 `json:"to_user_id" binding:"required"`
	Text     string `json:"text" binding:"required"`
}

func (c *ChatController) sendMessage(ctx *gin.Context) {
	userID := callerID(ctx)
	if userID == 0 {
		ctx.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	var req sendMessageRequest
	if err := ctx.ShouldBindJSON(&req); err != nil {
		ctx.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	msg, err := c.chatUC.Send(ctx.Request.Context(), &in.SendRequest{
		FromUserID:  userID,
		ToUserID:    req.ToUserID,
		ContentType: entity.ContentTypeText,
		Content: entity.MessageContent{
			Text: &entity.TextContent{Text: req.Text},
		},
	})
	if err != nil {
		ctx.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	ctx.JSON(http.StatusOK, gin.H{"message": msg})
}

func (c *ChatController) history(ctx *gin.Context) {
	userID := callerID(ctx)
	if userID == 0 {
		ctx.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	peerID, err := strconv.ParseUint(ctx.Param("peer"), 10, 64)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, gin.H{"error": "invalid peer id"})
		return
	}
	maxScore, _ := strconv.ParseFloat(ctx.Query("cursor"), 64)
	limit, _ := strconv.Atoi(ctx.Query("limit"))

	page, err := c.chatUC.History(ctx.Request.Context(), userID, peerID, maxScore, limit)
	if err != nil {
		ctx.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	// 重建中返回合法空页 + 重试提示，不是错误
	ctx.JSON(http.StatusOK, gin.H{
		"messages":    page.Messages,
		"next_cursor": page.NextMaxScore,
		"pending":     page.Pending,
	})
}

func (c *ChatController) recentConversations(ctx *gin.Context) {
	userID := callerID(ctx)
	if userID == 0 {
		ctx.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	limit, _ := strconv.Atoi(ctx.Query("limit"))
	peers, err := c.chatUC.RecentConversations(ctx.Request.Context(), userID, limit)
	if err != nil {
		ctx.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	ctx.JSON(http.StatusOK, gin.H{"peers": peers})
}

func (c *ChatController) markRead(ctx *gin.Context) {
	c.updateMessage(ctx, c.chatUC.MarkRead)
}

func (c *ChatController) recall(ctx *gin.Context) {
	c.updateMessage(ctx, c.chatUC.Recall)
}

// updateMessage read/recall 共用的鉴权 + 参数解析
func (c *ChatController) updateMessage(ctx *gin.Context, op func(ctx context.Context, callerID, messageID uint64) error) {
	userID := callerID(ctx)
	if userID == 0 {
		ctx.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	messageID, err := strconv.ParseUint(ctx.Param("id"), 10, 64)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, gin.H{"error": "invalid message id"})
		return
	}

	if err := op(ctx.Request.Context(), userID, messageID); err != nil {
		ctx.JSON(statusForError(err), gin.H{"error": err.Error()})
		return
	}

	ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (c *ChatController) pullOffline(ctx *gin.Context) {
	userID := callerID(ctx)
	if userID == 0 {
		ctx.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	messages, err := c.chatUC.PullOffline(ctx.Request.Context(), userID)
	if err != nil {
		ctx.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	ctx.JSON(http.StatusOK, gin.H{"messages": messages})
}

func (c *ChatController) scrollFeed(ctx *gin.Context) {
	maxScore, _ := strconv.ParseFloat(ctx.Query("cursor"), 64)
	limit, _ := strconv.Atoi(ctx.Query("limit"))

	page, err := c.feedUC.Scroll(ctx.Request.Context(), ctx.Param("key"), maxScore, limit)
	if err != nil {
		ctx.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	ctx.JSON(http.StatusOK, gin.H{
		"entries":     page.Entries,
		"next_cursor": page.NextMaxScore,
		"pending":     page.Pending,
	})
}

// callerID 网关注入的用户身份
func callerID(ctx *gin.Context) uint64 {
	return ctx.GetUint64("user_id")
}

func statusForError(err error) int {
	switch {
	case errors.Is(err, application.ErrUnauthorized):
		return http.StatusForbidden
	case errors.Is(err, application.ErrMessageNotFound):
		return http.StatusNotFound
	case errors.Is(err, application.ErrRecallExpired):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
