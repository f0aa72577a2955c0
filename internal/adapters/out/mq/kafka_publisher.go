package mq

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/IBM/sarama"

	"github.com/moa-app/moa-server/internal/ports/out"
)

const (
	// Kafka Topic 定义
	TopicMessageSent     = "moa.message.sent"
	TopicMessageRead     = "moa.message.read"
	TopicMessageRecalled = "moa.message.recalled"
)

// KafkaEventPublisher 消息领域事件发布器
// 下游消费方：搜索索引同步、审计等，对投递本身没有正确性依赖
type KafkaEventPublisher struct {
	producer sarama.SyncProducer
}

var _ out.EventPublisher = (*KafkaEventPublisher)(nil)

func NewKafkaEventPublisher(brokers []string) (*KafkaEventPublisher, error) {
	config := sarama.NewConfig()
	config.Producer.Return.Successes = true
	config.Producer.RequiredAcks = sarama.WaitForAll
	config.Producer.Retry.Max = 3
	config.Producer.Timeout = 10 * time.Second
	// 同一发件人的事件发往同一分区，保持相对顺序
	config.Producer.Partitioner = sarama.NewHashPartitioner

	producer, err := sarama.NewSyncProducer(brokers, config)
	if err != nil {
		return nil, fmt.Errorf("create kafka producer: %w", err)
	}

	return &KafkaEventPublisher{producer: producer}, nil
}

func (p *KafkaEventPublisher) PublishMessageSent(ctx context.Context, event *out.MessageEvent) error {
	return p.publish(TopicMessageSent, "message_sent", event)
}

func (p *KafkaEventPublisher) PublishMessageRead(ctx context.Context, event *out.MessageEvent) error {
	return p.publish(TopicMessageRead, "message_read", event)
}

func (p *KafkaEventPublisher) PublishMessageRecalled(ctx context.Context, event *out.MessageEvent) error {
	return p.publish(TopicMessageRecalled, "message_recalled", event)
}

func (p *KafkaEventPublisher) publish(topic, eventType string, event *out.MessageEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal %s event: %w", eventType, err)
	}

	msg := &sarama.ProducerMessage{
		Topic: topic,
		Key:   sarama.StringEncoder(fmt.Sprintf("%d", event.FromUserID)),
		Value: sarama.ByteEncoder(data),
		Headers: []sarama.RecordHeader{
			{Key: []byte("event_type"), Value: []byte(eventType)},
			{Key: []byte("timestamp"), Value: []byte(time.Now().UTC().Format(time.RFC3339))},
		},
	}

	if _, _, err := p.producer.SendMessage(msg); err != nil {
		return fmt.Errorf("publish %s event: %w", eventType, err)
	}
	return nil
}

// Close 关闭生产者
func (p *KafkaEventPublisher) Close() error {
	return p.producer.Close()
}
