package application

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/moa-app/moa-server/internal/domain/entity"
	"github.com/moa-app/moa-server/internal/ports/in"
	"github.com/moa-app/moa-server/internal/ports/out"
)

// ---- 出站端口的内存替身 ----

type seqMock struct {
	mu   sync.Mutex
	next uint64
	err  error
}

func (s *seqMock) Next(_ context.Context, _ string) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return 0, s.err
	}
	s.next++
	return s.next, nil
}

type feedIndexMock struct {
	mu       sync.Mutex
	upserts  []string // "feedKey/member"
	scrollFn func(ctx context.Context, feedKey string, maxScore float64, window int) ([]entity.FeedEntry, float64, error)
}

func (f *feedIndexMock) Scroll(ctx context.Context, feedKey string, maxScore float64, window int) ([]entity.FeedEntry, float64, error) {
	if f.scrollFn != nil {
		return f.scrollFn(ctx, feedKey, maxScore, window)
	}
	return nil, 0, nil
}

func (f *feedIndexMock) Upsert(_ context.Context, feedKey, member string, _ float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.upserts = append(f.upserts, feedKey+"/"+member)
	return nil
}

func (f *feedIndexMock) Remove(_ context.Context, _, _ string) error { return nil }

func (f *feedIndexMock) IncrScore(_ context.Context, _, _ string, _ float64) (float64, error) {
	return 0, nil
}

type msgCacheMock struct {
	mu   sync.Mutex
	msgs map[uint64]*entity.Message
}

func newMsgCacheMock() *msgCacheMock {
	return &msgCacheMock{msgs: make(map[uint64]*entity.Message)}
}

func (c *msgCacheMock) Get(_ context.Context, id uint64) (*entity.Message, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	msg, ok := c.msgs[id]
	if !ok {
		return nil, out.ErrNotFound
	}
	return msg, nil
}

func (c *msgCacheMock) Set(_ context.Context, msg *entity.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.msgs[msg.ID] = msg
	return nil
}

type offlineMock struct {
	mu     sync.Mutex
	queues map[uint64][]*entity.Message
}

func newOfflineMock() *offlineMock {
	return &offlineMock{queues: make(map[uint64][]*entity.Message)}
}

func (o *offlineMock) Enqueue(_ context.Context, userID uint64, msg *entity.Message) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	for i, existing := range o.queues[userID] {
		if existing.ID == msg.ID {
			o.queues[userID][i] = msg
			return nil
		}
	}
	o.queues[userID] = append(o.queues[userID], msg)
	return nil
}

func (o *offlineMock) Pull(_ context.Context, userID uint64, limit int) ([]*entity.Message, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	q := o.queues[userID]
	if len(q) > limit {
		o.queues[userID] = q[limit:]
		return q[:limit], nil
	}
	o.queues[userID] = nil
	return q, nil
}

func (o *offlineMock) Len(_ context.Context, userID uint64) (int64, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return int64(len(o.queues[userID])), nil
}

type pendingMock struct {
	mu      sync.Mutex
	pending map[string]bool
}

func newPendingMock() *pendingMock {
	return &pendingMock{pending: make(map[string]bool)}
}

func (p *pendingMock) key(userID, messageID uint64) string {
	return fmt.Sprintf("%d:%d", userID, messageID)
}

func (p *pendingMock) Mark(_ context.Context, userID, messageID uint64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pending[p.key(userID, messageID)] = true
	return nil
}

func (p *pendingMock) Ack(_ context.Context, userID, messageID uint64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.pending, p.key(userID, messageID))
	return nil
}

func (p *pendingMock) IsPending(_ context.Context, userID, messageID uint64) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pending[p.key(userID, messageID)], nil
}

type inboxMock struct {
	mu      sync.Mutex
	unread  map[string]int64
	cleared []string
}

func newInboxMock() *inboxMock {
	return &inboxMock{unread: make(map[string]int64)}
}

func (i *inboxMock) BumpConversation(_ context.Context, userID, peerID uint64, _ int64, incrUnread bool) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if incrUnread {
		i.unread[fmt.Sprintf("%d:%d", userID, peerID)]++
	}
	return nil
}

func (i *inboxMock) ClearUnread(_ context.Context, userID, peerID uint64) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	key := fmt.Sprintf("%d:%d", userID, peerID)
	delete(i.unread, key)
	i.cleared = append(i.cleared, key)
	return nil
}

func (i *inboxMock) Recent(_ context.Context, _ uint64, _ int) ([]uint64, error) { return nil, nil }

func (i *inboxMock) UnreadCount(_ context.Context, userID, peerID uint64) (int64, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.unread[fmt.Sprintf("%d:%d", userID, peerID)], nil
}

// connMock 连接注册表替身：可控的在线状态与推送结果
type connMock struct {
	mu       sync.Mutex
	live     map[uint64]bool
	pushed   map[uint64][][]byte
	failFrom int // 第 N 次推送开始失败（0 表示从不失败）
	pushes   int
}

func newConnMock() *connMock {
	return &connMock{live: make(map[uint64]bool), pushed: make(map[uint64][][]byte)}
}

func (c *connMock) Register(userID uint64, _ out.Endpoint) { c.setLive(userID, true) }
func (c *connMock) Unregister(userID uint64)               { c.setLive(userID, false) }
func (c *connMock) Release(userID uint64, _ out.Endpoint)  { c.setLive(userID, false) }
func (c *connMock) Touch(_ uint64)                         {}

func (c *connMock) setLive(userID uint64, live bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.live[userID] = live
}

func (c *connMock) IsLive(userID uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.live[userID]
}

func (c *connMock) Push(userID uint64, payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.live[userID] {
		return out.ErrNotConnected
	}
	c.pushes++
	if c.failFrom > 0 && c.pushes >= c.failFrom {
		return fmt.Errorf("%w: write failed", out.ErrSendFailed)
	}
	c.pushed[userID] = append(c.pushed[userID], payload)
	return nil
}

func (c *connMock) pushCount(userID uint64) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pushed[userID])
}

type storeStub struct{}

func (storeStub) LoadFeedPage(_ context.Context, _ string, _, _ int) ([]entity.FeedEntry, error) {
	return nil, nil
}
func (storeStub) LoadByID(_ context.Context, _ uint64) (*entity.Message, error) { return nil, nil }
func (storeStub) Save(_ context.Context, _ *entity.Message) error               { return nil }

// ---- 测试脚手架 ----

type deliveryFixture struct {
	uc      *ChatUseCaseImpl
	seq     *seqMock
	feed    *feedIndexMock
	cache   *msgCacheMock
	offline *offlineMock
	pending *pendingMock
	inbox   *inboxMock
	conns   *connMock

	mu     sync.Mutex
	timers []func()
}

func newDeliveryFixture(t *testing.T) *deliveryFixture {
	t.Helper()

	f := &deliveryFixture{
		seq:     &seqMock{},
		feed:    &feedIndexMock{},
		cache:   newMsgCacheMock(),
		offline: newOfflineMock(),
		pending: newPendingMock(),
		inbox:   newInboxMock(),
		conns:   newConnMock(),
	}

	f.uc = NewChatUseCase(
		f.seq, f.feed, f.cache, f.offline, f.pending, f.inbox,
		f.conns, NewAsyncPersister(storeStub{}, 64), nil,
		time.Second, 10,
	)
	// 定时器捕获到本地，测试里手动触发到期检查
	f.uc.afterFunc = func(_ time.Duration, fn func()) *time.Timer {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.timers = append(f.timers, fn)
		return nil
	}

	return f
}

// fireTimers 触发所有已安排的到期检查
func (f *deliveryFixture) fireTimers() {
	f.mu.Lock()
	timers := f.timers
	f.timers = nil
	f.mu.Unlock()

	for _, fn := range timers {
		fn()
	}
}

func textSend(from, to uint64, text string) *in.SendRequest {
	return &in.SendRequest{
		FromUserID:  from,
		ToUserID:    to,
		ContentType: entity.ContentTypeText,
		Content:     entity.MessageContent{Text: &entity.TextContent{Text: text}},
	}
}

// ---- 投递管线 ----

func TestSend_OfflineRecipientGoesToQueue(t *testing.T) {
	f := newDeliveryFixture(t)
	ctx := context.Background()

	msg, err := f.uc.Send(ctx, textSend(1, 2, "hi"))
	require.NoError(t, err)

	assert.Equal(t, entity.MessageStatusSent, msg.Status)

	n, _ := f.offline.Len(ctx, 2)
	assert.EqualValues(t, 1, n)

	// 索引与点查缓存同步写入
	assert.Contains(t, f.feed.upserts, entity.ChatFeedKey(1, 2)+"/"+fmt.Sprintf("%d", msg.ID))
	cached, err := f.cache.Get(ctx, msg.ID)
	require.NoError(t, err)
	assert.Equal(t, msg.ID, cached.ID)

	// 收件人未读 +1
	unread, _ := f.inbox.UnreadCount(ctx, 2, 1)
	assert.EqualValues(t, 1, unread)
}

func TestSend_OnlinePushThenAck(t *testing.T) {
	f := newDeliveryFixture(t)
	ctx := context.Background()
	f.conns.setLive(2, true)

	msg, err := f.uc.Send(ctx, textSend(1, 2, "hi"))
	require.NoError(t, err)

	assert.Equal(t, 1, f.conns.pushCount(2))
	assert.Equal(t, entity.MessageStatusDelivered, msg.Status)

	pending, _ := f.pending.IsPending(ctx, 2, msg.ID)
	assert.True(t, pending)

	// 客户端在宽限期内确认
	require.NoError(t, f.uc.AckDelivered(ctx, 2, msg.ID))
	f.fireTimers()

	// 确认到达：状态保持 delivered，不转离线
	cached, _ := f.cache.Get(ctx, msg.ID)
	assert.Equal(t, entity.MessageStatusDelivered, cached.Status)
	n, _ := f.offline.Len(ctx, 2)
	assert.Zero(t, n)
}

func TestSend_AckTimeoutRevertsToSentAndQueues(t *testing.T) {
	f := newDeliveryFixture(t)
	ctx := context.Background()
	f.conns.setLive(2, true)

	msg, err := f.uc.Send(ctx, textSend(1, 2, "hi"))
	require.NoError(t, err)
	assert.Equal(t, entity.MessageStatusDelivered, msg.Status)

	// 宽限期到，客户端没有确认
	f.fireTimers()

	cached, _ := f.cache.Get(ctx, msg.ID)
	assert.Equal(t, entity.MessageStatusSent, cached.Status, "delivered must revert to sent")

	n, _ := f.offline.Len(ctx, 2)
	assert.EqualValues(t, 1, n, "exactly one offline entry after timeout")

	pending, _ := f.pending.IsPending(ctx, 2, msg.ID)
	assert.False(t, pending, "pending record cleaned up after revert")
}

func TestSend_AckTimeoutAfterReadDoesNothing(t *testing.T) {
	f := newDeliveryFixture(t)
	ctx := context.Background()
	f.conns.setLive(2, true)

	msg, err := f.uc.Send(ctx, textSend(1, 2, "hi"))
	require.NoError(t, err)

	// 已读先到（已读隐含确认），随后的到期检查必须是空操作
	require.NoError(t, f.uc.MarkRead(ctx, 2, msg.ID))
	f.fireTimers()

	cached, _ := f.cache.Get(ctx, msg.ID)
	assert.Equal(t, entity.MessageStatusRead, cached.Status)
	n, _ := f.offline.Len(ctx, 2)
	assert.Zero(t, n)
}

func TestSend_PushFailureFallsBackToOffline(t *testing.T) {
	f := newDeliveryFixture(t)
	ctx := context.Background()
	f.conns.setLive(2, true)
	f.conns.failFrom = 1

	msg, err := f.uc.Send(ctx, textSend(1, 2, "hi"))
	require.NoError(t, err, "delivery channel failure must not fail the send")

	assert.Equal(t, entity.MessageStatusSent, msg.Status)
	n, _ := f.offline.Len(ctx, 2)
	assert.EqualValues(t, 1, n)

	pending, _ := f.pending.IsPending(ctx, 2, msg.ID)
	assert.False(t, pending)
}

func TestSend_EmptyContentRejected(t *testing.T) {
	f := newDeliveryFixture(t)

	_, err := f.uc.Send(context.Background(), &in.SendRequest{FromUserID: 1, ToUserID: 2})
	assert.ErrorIs(t, err, ErrEmptyContent)
}

func TestSend_SequenceFailurePropagates(t *testing.T) {
	f := newDeliveryFixture(t)
	f.seq.err = out.ErrStoreUnavailable

	_, err := f.uc.Send(context.Background(), textSend(1, 2, "hi"))
	assert.ErrorIs(t, err, out.ErrStoreUnavailable)
}

// ---- 历史分页 ----

func TestHistory_RebuildPendingReturnsRetryablePage(t *testing.T) {
	f := newDeliveryFixture(t)
	f.feed.scrollFn = func(_ context.Context, _ string, _ float64, _ int) ([]entity.FeedEntry, float64, error) {
		return nil, 0, out.ErrRebuildPending
	}

	page, err := f.uc.History(context.Background(), 1, 2, 0, 10)
	require.NoError(t, err, "rebuild in progress is not an error")
	assert.True(t, page.Pending)
	assert.Empty(t, page.Messages)
}

func TestHistory_HydratesMembersAndSkipsMissing(t *testing.T) {
	f := newDeliveryFixture(t)
	ctx := context.Background()

	require.NoError(t, f.cache.Set(ctx, entity.NewTextMessage(11, 1, 2, "a")))
	require.NoError(t, f.cache.Set(ctx, entity.NewTextMessage(12, 2, 1, "b")))

	f.feed.scrollFn = func(_ context.Context, _ string, _ float64, _ int) ([]entity.FeedEntry, float64, error) {
		return []entity.FeedEntry{
			{Member: "12", Score: 2000},
			{Member: "11", Score: 1000},
			{Member: "99", Score: 500}, // 缓存与存储都没有，跳过
		}, 500, nil
	}

	page, err := f.uc.History(ctx, 1, 2, 0, 10)
	require.NoError(t, err)
	require.Len(t, page.Messages, 2)
	assert.Equal(t, uint64(12), page.Messages[0].ID)
	assert.Equal(t, float64(500), page.NextMaxScore)
}

// ---- 已读与撤回 ----

func TestMarkRead_OnlyRecipientMayRead(t *testing.T) {
	f := newDeliveryFixture(t)
	ctx := context.Background()

	msg, err := f.uc.Send(ctx, textSend(1, 2, "hi"))
	require.NoError(t, err)

	assert.ErrorIs(t, f.uc.MarkRead(ctx, 1, msg.ID), ErrUnauthorized)
	assert.ErrorIs(t, f.uc.MarkRead(ctx, 3, msg.ID), ErrUnauthorized)

	require.NoError(t, f.uc.MarkRead(ctx, 2, msg.ID))
	cached, _ := f.cache.Get(ctx, msg.ID)
	assert.Equal(t, entity.MessageStatusRead, cached.Status)

	// 已读顺带清零未读
	unread, _ := f.inbox.UnreadCount(ctx, 2, 1)
	assert.Zero(t, unread)
}

func TestMarkRead_MissingMessage(t *testing.T) {
	f := newDeliveryFixture(t)

	err := f.uc.MarkRead(context.Background(), 2, 12345)
	assert.ErrorIs(t, err, ErrMessageNotFound)
}

func TestMarkRead_TerminalStateIsNoop(t *testing.T) {
	f := newDeliveryFixture(t)
	ctx := context.Background()

	msg, err := f.uc.Send(ctx, textSend(1, 2, "hi"))
	require.NoError(t, err)
	require.NoError(t, f.uc.Recall(ctx, 1, msg.ID))

	// 撤回后的已读是无害空操作，状态不回退
	require.NoError(t, f.uc.MarkRead(ctx, 2, msg.ID))
	cached, _ := f.cache.Get(ctx, msg.ID)
	assert.Equal(t, entity.MessageStatusRecalled, cached.Status)
}

func TestRecall_OnlySenderWithinWindow(t *testing.T) {
	f := newDeliveryFixture(t)
	ctx := context.Background()

	msg, err := f.uc.Send(ctx, textSend(1, 2, "hi"))
	require.NoError(t, err)

	assert.ErrorIs(t, f.uc.Recall(ctx, 2, msg.ID), ErrUnauthorized)

	require.NoError(t, f.uc.Recall(ctx, 1, msg.ID))
	cached, _ := f.cache.Get(ctx, msg.ID)
	assert.Equal(t, entity.MessageStatusRecalled, cached.Status)

	// 重复撤回是幂等的
	require.NoError(t, f.uc.Recall(ctx, 1, msg.ID))
}

func TestRecall_ExpiresAfterWindow(t *testing.T) {
	f := newDeliveryFixture(t)
	ctx := context.Background()

	msg, err := f.uc.Send(ctx, textSend(1, 2, "hi"))
	require.NoError(t, err)

	// 把创建时间拨回窗口之外
	cached, _ := f.cache.Get(ctx, msg.ID)
	cached.CreatedAt = time.Now().Add(-3 * time.Minute)

	assert.ErrorIs(t, f.uc.Recall(ctx, 1, msg.ID), ErrRecallExpired)
}

// ---- 离线补投 ----

func TestPullOffline_SecondPullIsEmpty(t *testing.T) {
	f := newDeliveryFixture(t)
	ctx := context.Background()

	_, err := f.uc.Send(ctx, textSend(1, 2, "a"))
	require.NoError(t, err)
	_, err = f.uc.Send(ctx, textSend(1, 2, "b"))
	require.NoError(t, err)

	first, err := f.uc.PullOffline(ctx, 2)
	require.NoError(t, err)
	assert.Len(t, first, 2)

	second, err := f.uc.PullOffline(ctx, 2)
	require.NoError(t, err)
	assert.Empty(t, second)
}

func TestDrainOffline_PushesQueuedMessages(t *testing.T) {
	f := newDeliveryFixture(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := f.uc.Send(ctx, textSend(1, 2, "queued"))
		require.NoError(t, err)
	}

	// 用户上线，补投全部离线消息
	f.conns.setLive(2, true)
	f.uc.DrainOffline(2)

	assert.Equal(t, 3, f.conns.pushCount(2))
	n, _ := f.offline.Len(ctx, 2)
	assert.Zero(t, n)
}

func TestDrainOffline_PushedMessageBecomesDelivered(t *testing.T) {
	f := newDeliveryFixture(t)
	ctx := context.Background()

	msg, err := f.uc.Send(ctx, textSend(1, 2, "queued"))
	require.NoError(t, err)

	f.conns.setLive(2, true)
	f.uc.DrainOffline(2)

	// 补投与在线路径同语义：推送成功即 delivered 并登记待确认
	cached, _ := f.cache.Get(ctx, msg.ID)
	assert.Equal(t, entity.MessageStatusDelivered, cached.Status)
	pending, _ := f.pending.IsPending(ctx, 2, msg.ID)
	assert.True(t, pending)
}

func TestDrainOffline_UnackedMessageReturnsToQueue(t *testing.T) {
	f := newDeliveryFixture(t)
	ctx := context.Background()

	msg, err := f.uc.Send(ctx, textSend(1, 2, "queued"))
	require.NoError(t, err)

	f.conns.setLive(2, true)
	f.uc.DrainOffline(2)
	require.Equal(t, 1, f.conns.pushCount(2))

	// 宽限期到仍无确认：回退 sent，消息回到拉取路径而不是丢失
	f.fireTimers()

	cached, _ := f.cache.Get(ctx, msg.ID)
	assert.Equal(t, entity.MessageStatusSent, cached.Status)

	n, _ := f.offline.Len(ctx, 2)
	assert.EqualValues(t, 1, n, "unacked redelivery must land back in the offline queue")

	pending, _ := f.pending.IsPending(ctx, 2, msg.ID)
	assert.False(t, pending)
}

func TestDrainOffline_RequeuesRestOnPushFailure(t *testing.T) {
	f := newDeliveryFixture(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := f.uc.Send(ctx, textSend(1, 2, "queued"))
		require.NoError(t, err)
	}

	f.conns.setLive(2, true)
	f.conns.failFrom = 2 // 第一条成功，之后连接又断了
	f.uc.DrainOffline(2)

	assert.Equal(t, 1, f.conns.pushCount(2))
	n, _ := f.offline.Len(ctx, 2)
	assert.EqualValues(t, 2, n, "undelivered messages go back to the queue")
}
