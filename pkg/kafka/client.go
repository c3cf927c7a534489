// Package kafka 提供了与 Kafka 消息队列交互的功能。
package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"docsense-go/internal/config"
	"docsense-go/pkg/errs"
	"docsense-go/pkg/log"
	"docsense-go/pkg/tasks"

	"github.com/segmentio/kafka-go"
)

// TaskProcessor defines the interface for any service that can process a task.
// This decouples the Kafka consumer from the concrete pipeline implementation.
type TaskProcessor interface {
	Process(ctx context.Context, task tasks.IngestionTask) error
}

// AttemptCounter 记录每条消息的失败次数。
type AttemptCounter interface {
	Incr(ctx context.Context, key string) (int64, error)
	Reset(ctx context.Context, key string) error
}

// Producer 发送入库任务。
type Producer struct {
	writer *kafka.Writer
}

// NewProducer 初始化 Kafka 生产者。
func NewProducer(cfg config.KafkaConfig) *Producer {
	w := &kafka.Writer{
		Addr:         kafka.TCP(cfg.BrokerList()...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
	}
	log.Info("Kafka 生产者初始化成功")
	return &Producer{writer: w}
}

// Enqueue 发送一个入库任务到 Kafka。以 file_key 作为消息键，同一文档的任务落在同一分区并按序处理。
func (p *Producer) Enqueue(ctx context.Context, task tasks.IngestionTask) error {
	taskBytes, err := json.Marshal(task)
	if err != nil {
		return err
	}
	if err := p.writer.WriteMessages(ctx, kafka.Message{Key: []byte(task.FileKey), Value: taskBytes}); err != nil {
		return fmt.Errorf("发送入库任务失败: %w", err)
	}
	return nil
}

func (p *Producer) Close() error {
	return p.writer.Close()
}

type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Consumer 消费入库任务。处理失败的消息在本地重试，达到 maxAttempts 后提交 offset 放弃。
type Consumer struct {
	reader      messageReader
	processor   TaskProcessor
	attempts    AttemptCounter
	maxAttempts int64
	retryDelay  time.Duration
}

// NewConsumer 创建消费者。attempts 为 nil 时在进程内计数。
func NewConsumer(cfg config.KafkaConfig, processor TaskProcessor, attempts AttemptCounter) *Consumer {
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  cfg.BrokerList(),
		Topic:    cfg.Topic,
		GroupID:  cfg.GroupID,
		MinBytes: 1,
		MaxBytes: 10e6, // 10MB
	})
	return newConsumer(r, processor, attempts, cfg.MaxAttempts)
}

func newConsumer(r messageReader, processor TaskProcessor, attempts AttemptCounter, maxAttempts int64) *Consumer {
	if attempts == nil {
		attempts = newMemoryAttempts()
	}
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	return &Consumer{
		reader:      r,
		processor:   processor,
		attempts:    attempts,
		maxAttempts: maxAttempts,
		retryDelay:  2 * time.Second,
	}
}

// Run 阻塞消费直到 ctx 被取消。
func (c *Consumer) Run(ctx context.Context) error {
	log.Info("Kafka 消费者已启动")
	defer func() {
		if err := c.reader.Close(); err != nil {
			log.Errorf("关闭 Kafka 消费者失败: %v", err)
		}
	}()

	for {
		m, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("从 Kafka 读取消息失败: %w", err)
		}
		log.Infof("收到 Kafka 消息: partition %d, offset %d", m.Partition, m.Offset)

		for !c.handle(ctx, m) {
			select {
			case <-ctx.Done():
				// 未提交的消息在重启后重新投递
				return nil
			case <-time.After(c.retryDelay):
			}
		}
		if err := c.reader.CommitMessages(ctx, m); err != nil {
			log.Errorf("提交 Kafka 消息 offset 失败: %v", err)
		}
	}
}

// handle 处理一条消息，返回 true 表示可以提交 offset。
func (c *Consumer) handle(ctx context.Context, m kafka.Message) bool {
	var task tasks.IngestionTask
	if err := json.Unmarshal(m.Value, &task); err != nil {
		// 消息格式错误，直接提交，避免阻塞队列
		log.Errorf("无法解析 Kafka 消息: %v, value: %s", err, string(m.Value))
		return true
	}

	key := fmt.Sprintf("%s:%d:%d", m.Topic, m.Partition, m.Offset)
	log.Infof("开始处理入库任务: FileKey=%s, TextKey=%s", task.FileKey, task.TextKey)
	err := c.processor.Process(ctx, task)
	if err == nil {
		log.Infof("入库任务处理成功: FileKey=%s", task.FileKey)
		// 清理失败计数
		_ = c.attempts.Reset(ctx, key)
		return true
	}
	if ctx.Err() != nil {
		return false
	}
	if errs.Is(err, errs.CodeIngestionInProgress) {
		// 同一文档正在入库，等锁释放后重新处理，不计入失败次数
		log.Infof("文档正在入库，稍后重试: FileKey=%s", task.FileKey)
		return false
	}
	log.Errorf("处理入库任务失败: FileKey=%s, Error: %v", task.FileKey, err)
	if errs.Is(err, errs.CodeInvalidInput) || errs.Is(err, errs.CodeNotFound) {
		log.Warnf("入库任务无法重试，提交 offset: FileKey=%s", task.FileKey)
		_ = c.attempts.Reset(ctx, key)
		return true
	}

	attempts, incErr := c.attempts.Incr(ctx, key)
	if incErr != nil {
		// 计数异常时保守处理：不提交 offset，继续重试
		log.Warnf("记录失败次数失败: %v", incErr)
		return false
	}
	if attempts >= c.maxAttempts {
		log.Errorf("入库任务多次失败(>=%d)，提交 offset 终止重试: FileKey=%s", c.maxAttempts, task.FileKey)
		_ = c.attempts.Reset(ctx, key)
		return true
	}
	return false
}

type memoryAttempts struct {
	mu     sync.Mutex
	counts map[string]int64
}

func newMemoryAttempts() *memoryAttempts {
	return &memoryAttempts{counts: make(map[string]int64)}
}

func (m *memoryAttempts) Incr(_ context.Context, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counts[key]++
	return m.counts[key], nil
}

func (m *memoryAttempts) Reset(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.counts, key)
	return nil
}
