package application

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/moa-app/moa-server/internal/ports/out"
)

const (
	defaultHeartbeatTimeout = 90 * time.Second
	defaultSweepInterval    = 30 * time.Second
)

// connRecord 一条存活连接的注册信息，只在本进程内存在，
// 进程重启后注册表从零开始，客户端重连即可
type connRecord struct {
	endpoint      out.Endpoint
	lastHeartbeat time.Time
	registeredAt  time.Time
}

// ConnectionRegistry 连接注册表
//
// 显式持有生命周期的服务对象：进程启动时创建并 Start，关停时 Stop，
// 不做全局单例，测试可以各建各的实例。
// 心跳超时只由周期清扫协程驱逐，请求路径从不做超时判断
type ConnectionRegistry struct {
	mu    sync.RWMutex
	conns map[uint64]*connRecord

	heartbeatTimeout time.Duration
	sweepInterval    time.Duration

	// OnRegister 连接注册成功后的回调（投递管线用它补投离线消息）
	OnRegister func(userID uint64)

	stopCh chan struct{}
	doneCh chan struct{}
}

var _ out.ConnectionManager = (*ConnectionRegistry)(nil)

func NewConnectionRegistry(heartbeatTimeout, sweepInterval time.Duration) *ConnectionRegistry {
	if heartbeatTimeout <= 0 {
		heartbeatTimeout = defaultHeartbeatTimeout
	}
	if sweepInterval <= 0 {
		sweepInterval = defaultSweepInterval
	}
	return &ConnectionRegistry{
		conns:            make(map[uint64]*connRecord),
		heartbeatTimeout: heartbeatTimeout,
		sweepInterval:    sweepInterval,
		stopCh:           make(chan struct{}),
		doneCh:           make(chan struct{}),
	}
}

// Start 启动周期清扫协程
func (r *ConnectionRegistry) Start() {
	go r.sweepLoop()
}

// Stop 停止清扫并关闭所有连接
func (r *ConnectionRegistry) Stop() {
	close(r.stopCh)
	<-r.doneCh

	r.mu.Lock()
	defer r.mu.Unlock()
	for userID, rec := range r.conns {
		_ = rec.endpoint.Close()
		delete(r.conns, userID)
	}
}

// Register 注册连接；同一用户重复注册时旧连接被顶下线
func (r *ConnectionRegistry) Register(userID uint64, ep out.Endpoint) {
	now := time.Now()

	r.mu.Lock()
	if old, ok := r.conns[userID]; ok {
		_ = old.endpoint.Close()
	}
	r.conns[userID] = &connRecord{
		endpoint:      ep,
		lastHeartbeat: now,
		registeredAt:  now,
	}
	r.mu.Unlock()

	zap.L().Info("connection registered", zap.Uint64("user_id", userID))

	if r.OnRegister != nil {
		r.OnRegister(userID)
	}
}

// Unregister 注销连接（显式关闭或发送失败时调用）
func (r *ConnectionRegistry) Unregister(userID uint64) {
	r.mu.Lock()
	rec, ok := r.conns[userID]
	if ok {
		delete(r.conns, userID)
	}
	r.mu.Unlock()

	if ok {
		_ = rec.endpoint.Close()
		zap.L().Info("connection unregistered", zap.Uint64("user_id", userID))
	}
}

// Release 端点自行收尾时调用：只有它仍是当前注册的连接才注销
// 重连场景下旧连接的读协程退出晚于新连接注册，不能按 userID 盲删
func (r *ConnectionRegistry) Release(userID uint64, ep out.Endpoint) {
	r.mu.Lock()
	rec, ok := r.conns[userID]
	current := ok && rec.endpoint == ep
	if current {
		delete(r.conns, userID)
	}
	r.mu.Unlock()

	if current {
		_ = rec.endpoint.Close()
		zap.L().Info("connection released", zap.Uint64("user_id", userID))
	}
}

// Touch 刷新心跳
func (r *ConnectionRegistry) Touch(userID uint64) {
	r.mu.Lock()
	if rec, ok := r.conns[userID]; ok {
		rec.lastHeartbeat = time.Now()
	}
	r.mu.Unlock()
}

// IsLive 是否有存活连接
func (r *ConnectionRegistry) IsLive(userID uint64) bool {
	r.mu.RLock()
	_, ok := r.conns[userID]
	r.mu.RUnlock()
	return ok
}

// Push 推送载荷
// Endpoint.Send 自身有界，这里绝不阻塞；写失败立即注销，不做重试循环
func (r *ConnectionRegistry) Push(userID uint64, payload []byte) error {
	r.mu.RLock()
	rec, ok := r.conns[userID]
	r.mu.RUnlock()

	if !ok {
		return out.ErrNotConnected
	}

	if err := rec.endpoint.Send(payload); err != nil {
		// 只注销写失败的这个端点，期间重连进来的新连接不受影响
		r.Release(userID, rec.endpoint)
		return fmt.Errorf("%w: %v", out.ErrSendFailed, err)
	}
	return nil
}

// ConnectionCount 当前存活连接数
func (r *ConnectionRegistry) ConnectionCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// sweepLoop 固定周期清扫，与请求流量无关
// 这是唯一允许以超时为由驱逐连接的地方
func (r *ConnectionRegistry) sweepLoop() {
	defer close(r.doneCh)

	ticker := time.NewTicker(r.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopCh:
			return
		case <-ticker.C:
			r.sweepOnce()
		}
	}
}

func (r *ConnectionRegistry) sweepOnce() {
	cutoff := time.Now().Add(-r.heartbeatTimeout)

	var stale []*connRecord
	r.mu.Lock()
	for userID, rec := range r.conns {
		if rec.lastHeartbeat.Before(cutoff) {
			delete(r.conns, userID)
			stale = append(stale, rec)
			zap.L().Info("connection evicted by heartbeat timeout",
				zap.Uint64("user_id", userID),
				zap.Time("last_heartbeat", rec.lastHeartbeat))
		}
	}
	r.mu.Unlock()

	// 锁外关闭，驱逐时带"即将离开"信号
	for _, rec := range stale {
		if err := rec.endpoint.CloseGoingAway(); err != nil {
			zap.L().Debug("close evicted endpoint", zap.Error(err))
		}
	}
}
