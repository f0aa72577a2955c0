package application

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/moa-app/moa-server/internal/domain/entity"
	"github.com/moa-app/moa-server/internal/ports/out"
)

const (
	defaultPersistBuffer  = 1024
	defaultPersistTimeout = 5 * time.Second
)

// AsyncPersister 异步落库工作器
//
// 对调用方是发后即忘：缓存内状态是会话期间的权威，落库只是
// 历史/审计的兜底。写失败记日志，不重试也不向调用方传播
type AsyncPersister struct {
	store out.MessageStore
	jobs  chan *entity.Message

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

func NewAsyncPersister(store out.MessageStore, buffer int) *AsyncPersister {
	if buffer <= 0 {
		buffer = defaultPersistBuffer
	}
	return &AsyncPersister{
		store:  store,
		jobs:   make(chan *entity.Message, buffer),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

// Start 启动消费协程
func (p *AsyncPersister) Start() {
	go p.loop()
}

// Stop 停止接收新任务并排空缓冲
func (p *AsyncPersister) Stop() {
	p.stopOnce.Do(func() {
		close(p.stopCh)
	})
	<-p.doneCh
}

// Enqueue 投递落库任务；缓冲满时丢弃并记错误日志，绝不阻塞调用方
func (p *AsyncPersister) Enqueue(msg *entity.Message) {
	select {
	case p.jobs <- msg:
	default:
		zap.L().Error("persist buffer full, message dropped",
			zap.Uint64("message_id", msg.ID))
	}
}

func (p *AsyncPersister) loop() {
	defer close(p.doneCh)

	for {
		select {
		case msg := <-p.jobs:
			p.save(msg)
		case <-p.stopCh:
			// 关停前把缓冲里的任务写完
			for {
				select {
				case msg := <-p.jobs:
					p.save(msg)
				default:
					return
				}
			}
		}
	}
}

func (p *AsyncPersister) save(msg *entity.Message) {
	ctx, cancel := context.WithTimeout(context.Background(), defaultPersistTimeout)
	defer cancel()

	if err := p.store.Save(ctx, msg); err != nil {
		zap.L().Error("persist message failed",
			zap.Uint64("message_id", msg.ID), zap.Error(err))
	}
}
