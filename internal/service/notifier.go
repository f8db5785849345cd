package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"fundledger/internal/model"
	"fundledger/internal/repository"
)

// Notifier 通知外发
// 失败只记日志，绝不阻塞入账
type Notifier interface {
	Send(ctx context.Context, entityID int64, message string)
}

// OutboxNotifier 走事务性发件箱的通知实现
// 消息先落库，由 OutboxSender 异步投递到 Kafka 通知主题
type OutboxNotifier struct {
	outboxRepo *repository.OutboxRepository
	topic      string
}

func NewOutboxNotifier(outboxRepo *repository.OutboxRepository, topic string) *OutboxNotifier {
	return &OutboxNotifier{outboxRepo: outboxRepo, topic: topic}
}

func (n *OutboxNotifier) Send(ctx context.Context, entityID int64, message string) {
	payload, _ := json.Marshal(map[string]interface{}{
		"entity_id": entityID,
		"message":   message,
		"sent_at":   time.Now().Format(time.RFC3339),
	})

	msg := &model.OutboxMessage{
		MessageKey: fmt.Sprintf("%d", entityID),
		Topic:      n.topic,
		Payload:    string(payload),
		Status:     model.OutboxStatusPending,
	}
	if err := n.outboxRepo.Create(ctx, nil, msg); err != nil {
		log.Printf("[Notifier] 写入通知失败: entityID=%d, err=%v", entityID, err)
	}
}

// NopNotifier 测试用空实现
type NopNotifier struct{}

func (NopNotifier) Send(ctx context.Context, entityID int64, message string) {}
