package application

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/moa-app/moa-server/internal/domain/entity"
	"github.com/moa-app/moa-server/internal/ports/in"
	"github.com/moa-app/moa-server/internal/ports/out"
)

var (
	ErrMessageNotFound = errors.New("message not found")
	ErrUnauthorized    = errors.New("caller is not a party to this message")
	ErrRecallExpired   = errors.New("cannot recall message after 2 minutes")
	ErrEmptyContent    = errors.New("message content is empty")
)

const (
	// 消息 ID 的序号命名空间
	chatSeqNamespace = "chat:msg"

	defaultAckGrace        = 5 * time.Second
	defaultOfflinePageSize = 50
	defaultHistoryLimit    = 50
	maxHistoryLimit        = 200
)

// ChatUseCaseImpl 私信投递管线
//
// 推拉结合：在线先推，推后等确认，宽限期内无 ACK 则回退 sent 并转入离线队列；
// 离线或推送失败直接入队。投递通道的任何失败都不会让发送方看到错误
type ChatUseCaseImpl struct {
	seqGen      out.SequenceGenerator
	feedIndex   out.FeedIndexCache
	msgCache    out.MessageCache
	offline     out.OfflineQueue
	pendingAcks out.PendingAckRepository
	inbox       out.InboxSummaryRepository
	connManager out.ConnectionManager
	persister   *AsyncPersister
	eventPub    out.EventPublisher // 可为 nil

	ackGrace        time.Duration
	offlinePageSize int

	// 测试钩子：默认 time.AfterFunc
	afterFunc func(d time.Duration, f func()) *time.Timer
}

var _ in.ChatUseCase = (*ChatUseCaseImpl)(nil)

func NewChatUseCase(
	seqGen out.SequenceGenerator,
	feedIndex out.FeedIndexCache,
	msgCache out.MessageCache,
	offline out.OfflineQueue,
	pendingAcks out.PendingAckRepository,
	inbox out.InboxSummaryRepository,
	connManager out.ConnectionManager,
	persister *AsyncPersister,
	eventPub out.EventPublisher,
	ackGrace time.Duration,
	offlinePageSize int,
) *ChatUseCaseImpl {
	if ackGrace <= 0 {
		ackGrace = defaultAckGrace
	}
	if offlinePageSize <= 0 {
		offlinePageSize = defaultOfflinePageSize
	}
	return &ChatUseCaseImpl{
		seqGen:          seqGen,
		feedIndex:       feedIndex,
		msgCache:        msgCache,
		offline:         offline,
		pendingAcks:     pendingAcks,
		inbox:           inbox,
		connManager:     connManager,
		persister:       persister,
		eventPub:        eventPub,
		ackGrace:        ackGrace,
		offlinePageSize: offlinePageSize,
		afterFunc:       time.AfterFunc,
	}
}

// Send 发送私信
// 缓存内状态对本次会话是权威的；落库是异步兜底，不是投递的正确性依赖
func (uc *ChatUseCaseImpl) Send(ctx context.Context, req *in.SendRequest) (*entity.Message, error) {
	if req.Content.Text == nil && req.Content.Image == nil && req.Content.System == nil {
		return nil, ErrEmptyContent
	}

	// 分配 ID：失败就失败，不本地造 ID
	id, err := uc.seqGen.Next(ctx, chatSeqNamespace)
	if err != nil {
		return nil, fmt.Errorf("allocate message id: %w", err)
	}

	msg := &entity.Message{
		ID:          id,
		FromUserID:  req.FromUserID,
		ToUserID:    req.ToUserID,
		ContentType: req.ContentType,
		Content:     req.Content,
		Status:      entity.MessageStatusSent,
		CreatedAt:   time.Now(),
	}

	// sent 状态先进点查缓存和会话 feed，再安排异步落库
	if err := uc.msgCache.Set(ctx, msg); err != nil {
		return nil, fmt.Errorf("cache message: %w", err)
	}

	feedKey := entity.ChatFeedKey(req.FromUserID, req.ToUserID)
	score := float64(msg.CreatedAt.UnixMilli())
	member := strconv.FormatUint(msg.ID, 10)
	if err := uc.feedIndex.Upsert(ctx, feedKey, member, score); err != nil {
		return nil, fmt.Errorf("index message: %w", err)
	}

	uc.bumpInboxes(ctx, msg)
	uc.persister.Enqueue(msg)
	uc.publishEvent(ctx, msg, uc.eventPublisherSent)

	// 投递：在线推送优先，任何通道问题都降级为离线入队
	uc.deliver(ctx, msg)

	return msg, nil
}

// deliver 单条消息的投递决策
func (uc *ChatUseCaseImpl) deliver(ctx context.Context, msg *entity.Message) {
	if !uc.connManager.IsLive(msg.ToUserID) {
		uc.enqueueOffline(ctx, msg)
		return
	}

	payload, err := buildMessagePayload(msg)
	if err != nil {
		zap.L().Error("marshal push payload failed",
			zap.Uint64("message_id", msg.ID), zap.Error(err))
		uc.enqueueOffline(ctx, msg)
		return
	}

	if err := uc.connManager.Push(msg.ToUserID, payload); err != nil {
		// NotConnected / SendFailed 都是预期情况，不向发送方传播
		zap.L().Debug("push failed, fall back to offline queue",
			zap.Uint64("message_id", msg.ID), zap.Error(err))
		uc.enqueueOffline(ctx, msg)
		return
	}

	// 推送成功：标记送达并安排宽限期后的确认检查
	msg.MarkDelivered()
	if err := uc.msgCache.Set(ctx, msg); err != nil {
		zap.L().Error("update delivered status failed",
			zap.Uint64("message_id", msg.ID), zap.Error(err))
	}
	uc.persister.Enqueue(msg)

	if err := uc.pendingAcks.Mark(ctx, msg.ToUserID, msg.ID); err != nil {
		zap.L().Error("mark pending ack failed",
			zap.Uint64("message_id", msg.ID), zap.Error(err))
	}

	deliveryOutcomes.WithLabelValues("pushed").Inc()

	userID, messageID := msg.ToUserID, msg.ID
	uc.afterFunc(uc.ackGrace, func() {
		uc.checkAckTimeout(userID, messageID)
	})
}

// checkAckTimeout 宽限期到后的一次性检查，不是重试循环
// ACK 已到则待确认记录不存在，这里自然空操作
func (uc *ChatUseCaseImpl) checkAckTimeout(userID, messageID uint64) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pending, err := uc.pendingAcks.IsPending(ctx, userID, messageID)
	if err != nil {
		zap.L().Error("check pending ack failed",
			zap.Uint64("message_id", messageID), zap.Error(err))
		return
	}
	if !pending {
		return
	}

	msg, err := uc.msgCache.Get(ctx, messageID)
	if err != nil {
		zap.L().Warn("ack-timeout check: message gone",
			zap.Uint64("message_id", messageID), zap.Error(err))
		return
	}
	if msg.Status != entity.MessageStatusDelivered {
		// 已读/已撤回等后到状态，无需回退
		return
	}

	// delivered → sent 是状态机里唯一允许的回退：
	// 推送发出但客户端没确认，视为未送达，转入离线队列
	msg.RevertToSent()
	if err := uc.msgCache.Set(ctx, msg); err != nil {
		zap.L().Error("revert to sent failed",
			zap.Uint64("message_id", messageID), zap.Error(err))
	}
	uc.persister.Enqueue(msg)
	uc.enqueueOffline(ctx, msg)

	if err := uc.pendingAcks.Ack(ctx, userID, messageID); err != nil {
		zap.L().Warn("cleanup pending ack failed",
			zap.Uint64("message_id", messageID), zap.Error(err))
	}

	deliveryOutcomes.WithLabelValues("ack_timeout").Inc()
	zap.L().Info("delivery not acked in time, queued for pull",
		zap.Uint64("message_id", messageID), zap.Uint64("user_id", userID))
}

// enqueueOffline 转入离线队列；同一消息重复入队只占一个条目
func (uc *ChatUseCaseImpl) enqueueOffline(ctx context.Context, msg *entity.Message) {
	if err := uc.offline.Enqueue(ctx, msg.ToUserID, msg); err != nil {
		zap.L().Error("enqueue offline failed",
			zap.Uint64("message_id", msg.ID), zap.Error(err))
		return
	}
	deliveryOutcomes.WithLabelValues("offline").Inc()
}

// History 会话历史游标分页
// 索引重建中返回空页 + Pending 提示，由客户端稍后重试，从不报错
func (uc *ChatUseCaseImpl) History(ctx context.Context, userID, peerID uint64, maxScore float64, limit int) (*in.HistoryPage, error) {
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}

	feedKey := entity.ChatFeedKey(userID, peerID)
	entries, next, err := uc.feedIndex.Scroll(ctx, feedKey, maxScore, limit)
	if err != nil {
		if errors.Is(err, out.ErrRebuildPending) {
			return &in.HistoryPage{Pending: true}, nil
		}
		return nil, fmt.Errorf("scroll history: %w", err)
	}

	messages := make([]*entity.Message, 0, len(entries))
	for _, e := range entries {
		id, err := strconv.ParseUint(e.Member, 10, 64)
		if err != nil {
			continue
		}
		msg, err := uc.msgCache.Get(ctx, id)
		if err != nil {
			if errors.Is(err, out.ErrNotFound) {
				continue
			}
			return nil, fmt.Errorf("hydrate message %d: %w", id, err)
		}
		messages = append(messages, msg)
	}

	return &in.HistoryPage{Messages: messages, NextMaxScore: next}, nil
}

// PullOffline 拉取并清空离线队列，重复拉取不会重复投递
func (uc *ChatUseCaseImpl) PullOffline(ctx context.Context, userID uint64) ([]*entity.Message, error) {
	return uc.offline.Pull(ctx, userID, uc.offlinePageSize)
}

// AckDelivered 客户端确认收到推送
func (uc *ChatUseCaseImpl) AckDelivered(ctx context.Context, userID, messageID uint64) error {
	return uc.pendingAcks.Ack(ctx, userID, messageID)
}

// MarkRead 标记已读，仅收件人可调用
func (uc *ChatUseCaseImpl) MarkRead(ctx context.Context, callerID, messageID uint64) error {
	msg, err := uc.msgCache.Get(ctx, messageID)
	if err != nil {
		if errors.Is(err, out.ErrNotFound) {
			return ErrMessageNotFound
		}
		return err
	}
	if msg.ToUserID != callerID {
		return ErrUnauthorized
	}
	if msg.IsTerminal() {
		return nil
	}

	msg.MarkRead()
	if err := uc.msgCache.Set(ctx, msg); err != nil {
		return fmt.Errorf("update read status: %w", err)
	}
	uc.persister.Enqueue(msg)

	// 已读隐含已收到，顺手清掉待确认，免得定时检查再回退
	if err := uc.pendingAcks.Ack(ctx, callerID, messageID); err != nil {
		zap.L().Debug("clear pending ack on read failed", zap.Error(err))
	}
	if err := uc.inbox.ClearUnread(ctx, callerID, msg.FromUserID); err != nil {
		zap.L().Debug("clear unread failed", zap.Error(err))
	}

	uc.publishEvent(ctx, msg, uc.eventPublisherRead)
	uc.pushReceipt(msg.FromUserID, msg.ID, "read")

	return nil
}

// Recall 撤回消息，仅发件人可调用，限时 2 分钟
func (uc *ChatUseCaseImpl) Recall(ctx context.Context, callerID, messageID uint64) error {
	msg, err := uc.msgCache.Get(ctx, messageID)
	if err != nil {
		if errors.Is(err, out.ErrNotFound) {
			return ErrMessageNotFound
		}
		return err
	}
	if msg.FromUserID != callerID {
		return ErrUnauthorized
	}
	if msg.Status == entity.MessageStatusRecalled {
		return nil
	}
	if !msg.CanRecall() {
		return ErrRecallExpired
	}

	msg.Recall()
	if err := uc.msgCache.Set(ctx, msg); err != nil {
		return fmt.Errorf("update recalled status: %w", err)
	}
	uc.persister.Enqueue(msg)

	uc.publishEvent(ctx, msg, uc.eventPublisherRecalled)
	uc.pushReceipt(msg.ToUserID, msg.ID, "recalled")

	return nil
}

// RecentConversations 最近会话对端列表
func (uc *ChatUseCaseImpl) RecentConversations(ctx context.Context, userID uint64, limit int) ([]uint64, error) {
	return uc.inbox.Recent(ctx, userID, limit)
}

// DrainOffline 连接注册后的补投：把离线队列里的消息推给刚上线的连接
// 推一条确认一条的语义与在线路径一致；推送失败的消息回到队列
func (uc *ChatUseCaseImpl) DrainOffline(userID uint64) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	for {
		msgs, err := uc.offline.Pull(ctx, userID, uc.offlinePageSize)
		if err != nil {
			zap.L().Error("drain offline failed",
				zap.Uint64("user_id", userID), zap.Error(err))
			return
		}
		if len(msgs) == 0 {
			return
		}

		for i, msg := range msgs {
			payload, err := buildMessagePayload(msg)
			if err != nil {
				continue
			}
			if err := uc.connManager.Push(userID, payload); err != nil {
				// 连接又断了：剩下的放回队列，等下次上线
				for _, rest := range msgs[i:] {
					uc.enqueueOffline(ctx, rest)
				}
				return
			}

			// 与在线路径一致：推送成功即转 delivered，
			// 确认超时检查才能把未确认的消息回退并放回队列
			msg.MarkDelivered()
			if err := uc.msgCache.Set(ctx, msg); err != nil {
				zap.L().Error("update delivered status failed",
					zap.Uint64("message_id", msg.ID), zap.Error(err))
			}
			uc.persister.Enqueue(msg)

			if err := uc.pendingAcks.Mark(ctx, userID, msg.ID); err != nil {
				zap.L().Debug("mark pending ack on drain failed", zap.Error(err))
			}
			messageID := msg.ID
			uc.afterFunc(uc.ackGrace, func() {
				uc.checkAckTimeout(userID, messageID)
			})
		}

		if len(msgs) < uc.offlinePageSize {
			return
		}
	}
}

// bumpInboxes 双方会话摘要：收件人加未读，发件人只刷排序
func (uc *ChatUseCaseImpl) bumpInboxes(ctx context.Context, msg *entity.Message) {
	at := msg.CreatedAt.UnixMilli()
	if err := uc.inbox.BumpConversation(ctx, msg.ToUserID, msg.FromUserID, at, true); err != nil {
		zap.L().Debug("bump receiver inbox failed", zap.Error(err))
	}
	if err := uc.inbox.BumpConversation(ctx, msg.FromUserID, msg.ToUserID, at, false); err != nil {
		zap.L().Debug("bump sender inbox failed", zap.Error(err))
	}
}

// pushReceipt 向对端推送轻量回执事件（不是消息本体），尽力而为
func (uc *ChatUseCaseImpl) pushReceipt(userID, messageID uint64, kind string) {
	if !uc.connManager.IsLive(userID) {
		return
	}

	payload, err := json.Marshal(map[string]interface{}{
		"type": "receipt",
		"data": map[string]interface{}{
			"message_id": messageID,
			"kind":       kind,
			"ts":         time.Now().UnixMilli(),
		},
	})
	if err != nil {
		return
	}

	// 回执失败不影响消息自身状态
	if err := uc.connManager.Push(userID, payload); err != nil {
		zap.L().Debug("push receipt failed",
			zap.Uint64("message_id", messageID), zap.Error(err))
	}
}

type publishFunc func(ctx context.Context, event *out.MessageEvent) error

func (uc *ChatUseCaseImpl) eventPublisherSent(ctx context.Context, e *out.MessageEvent) error {
	return uc.eventPub.PublishMessageSent(ctx, e)
}

func (uc *ChatUseCaseImpl) eventPublisherRead(ctx context.Context, e *out.MessageEvent) error {
	return uc.eventPub.PublishMessageRead(ctx, e)
}

func (uc *ChatUseCaseImpl) eventPublisherRecalled(ctx context.Context, e *out.MessageEvent) error {
	return uc.eventPub.PublishMessageRecalled(ctx, e)
}

// publishEvent 领域事件发布，失败记日志不回传
func (uc *ChatUseCaseImpl) publishEvent(ctx context.Context, msg *entity.Message, publish publishFunc) {
	if uc.eventPub == nil {
		return
	}

	event := &out.MessageEvent{
		MessageID:  msg.ID,
		FromUserID: msg.FromUserID,
		ToUserID:   msg.ToUserID,
		Status:     int8(msg.Status),
		OccurredAt: time.Now().Unix(),
	}
	if err := publish(ctx, event); err != nil {
		zap.L().Warn("publish message event failed",
			zap.Uint64("message_id", msg.ID), zap.Error(err))
	}
}

// buildMessagePayload 在线推送的完整消息载荷
func buildMessagePayload(msg *entity.Message) ([]byte, error) {
	return json.Marshal(map[string]interface{}{
		"type": "message",
		"data": msg,
	})
}
