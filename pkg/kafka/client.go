// Package kafka 提供了与 Kafka 消息队列交互的功能，用于异步入库。
package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"

	"pdf-assistant-go/internal/config"
	"pdf-assistant-go/pkg/cache"
	"pdf-assistant-go/pkg/log"
	"pdf-assistant-go/pkg/tasks"
)

// TaskProcessor defines the interface for any service that can process an ingest task.
// This decouples the Kafka consumer from the concrete pipeline implementation.
type TaskProcessor interface {
	Process(ctx context.Context, task tasks.IngestTask) error
}

// Producer 把入库任务写入 Kafka。
type Producer struct {
	writer *kafka.Writer
}

// NewProducer 初始化 Kafka 生产者。
func NewProducer(cfg config.KafkaConfig) *Producer {
	w := &kafka.Writer{
		Addr:                   kafka.TCP(brokers(cfg.Brokers)...),
		Topic:                  cfg.Topic,
		Balancer:               &kafka.LeastBytes{},
		AllowAutoTopicCreation: true,
	}
	log.Info("Kafka 生产者初始化成功")
	return &Producer{writer: w}
}

// Enqueue 发送一个入库任务到 Kafka，文档 ID 作为消息键。
func (p *Producer) Enqueue(ctx context.Context, task tasks.IngestTask) error {
	taskBytes, err := json.Marshal(task)
	if err != nil {
		return err
	}
	return p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(task.DocumentID),
		Value: taskBytes,
	})
}

// Close 关闭生产者。
func (p *Producer) Close() error {
	return p.writer.Close()
}

// Consumer 处理入库任务，失败次数记录在 attempts 缓存中。
type Consumer struct {
	cfg         config.KafkaConfig
	processor   TaskProcessor
	attempts    cache.Cache
	maxAttempts int
}

// NewConsumer 创建消费者。maxAttempts <= 0 时默认为 3。
func NewConsumer(cfg config.KafkaConfig, processor TaskProcessor, attempts cache.Cache, maxAttempts int) *Consumer {
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	return &Consumer{cfg: cfg, processor: processor, attempts: attempts, maxAttempts: maxAttempts}
}

// Run 启动一个 Kafka 消费者来处理入库任务，直到 ctx 结束。
func (c *Consumer) Run(ctx context.Context) error {
	groupID := c.cfg.GroupID
	if groupID == "" {
		groupID = "pdf-assistant-go-consumer"
	}
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  brokers(c.cfg.Brokers),
		Topic:    c.cfg.Topic,
		GroupID:  groupID,
		MinBytes: 10e3, // 10KB
		MaxBytes: 10e6, // 10MB
	})
	defer func() {
		if err := r.Close(); err != nil {
			log.Errorf("关闭 Kafka 消费者失败: %v", err)
		}
	}()

	log.Infof("Kafka 消费者已启动，正在监听主题 '%s'", c.cfg.Topic)

	for {
		m, err := r.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("从 Kafka 读取消息失败: %w", err)
		}
		log.Infof("收到 Kafka 消息: offset %d", m.Offset)

		// 同一会话内 reader 不会重新投递未提交的消息，这里原地重试直到 Handle 决定提交
		for backoff := time.Second; !c.Handle(ctx, m.Value); backoff *= 2 {
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(backoff):
			}
		}
		if err := r.CommitMessages(ctx, m); err != nil {
			log.Errorf("提交 Kafka 消息 offset 失败: %v", err)
		}
	}
}

// Handle 处理一条消息，返回是否应提交 offset。
// 处理失败且未达到 maxAttempts 时不提交，让 Kafka 重新投递。
func (c *Consumer) Handle(ctx context.Context, value []byte) bool {
	var task tasks.IngestTask
	if err := json.Unmarshal(value, &task); err != nil {
		// 消息格式错误，直接提交，避免阻塞队列
		log.Errorf("无法解析 Kafka 消息: %v, value: %s", err, truncate(string(value), 200))
		return true
	}

	attemptsKey := "kafka:attempts:" + task.DocumentID
	log.Infof("开始处理入库任务: DocumentID=%s, FileName=%s", task.DocumentID, task.Filename)

	err := c.processor.Process(ctx, task)
	if err == nil {
		log.Infof("入库任务处理成功: DocumentID=%s", task.DocumentID)
		_ = c.attempts.Delete(ctx, attemptsKey)
		return true
	}
	if errors.Is(err, context.Canceled) && ctx.Err() != nil {
		// 进程退出，不计入失败次数
		return false
	}

	log.Errorf("处理入库任务失败: DocumentID=%s, Error: %v", task.DocumentID, err)
	attempts, incErr := c.attempts.Incr(ctx, attemptsKey, 24*time.Hour)
	if incErr != nil {
		// 计数器异常时保守处理：不提交 offset，让 Kafka 重试
		log.Errorf("记录失败次数失败: %v", incErr)
		return false
	}
	if attempts >= int64(c.maxAttempts) {
		log.Errorf("入库任务多次失败(>=%d)，提交 offset 终止重试: DocumentID=%s", c.maxAttempts, task.DocumentID)
		_ = c.attempts.Delete(ctx, attemptsKey)
		return true
	}
	return false
}

func brokers(s string) []string {
	var out []string
	for _, b := range strings.Split(s, ",") {
		if b = strings.TrimSpace(b); b != "" {
			out = append(out, b)
		}
	}
	return out
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
