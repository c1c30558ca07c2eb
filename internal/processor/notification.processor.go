package processor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nimasrn/borrow-gateway/internal/queue"
	"github.com/nimasrn/borrow-gateway/pkg/logger"
	"github.com/nimasrn/borrow-gateway/pkg/prom"
	"github.com/nimasrn/borrow-gateway/pkg/redis"
)

const (
	EventPaymentApplied   = "payment.applied"
	EventBorrowingOverdue = "borrowing.overdue"
)

// Notification is one entry of a user's in-app notification feed, stored in
// Redis keyed by user.
type Notification struct {
	Type        string    `json:"type"`
	BorrowingID int64     `json:"borrowing_id"`
	Title       string    `json:"title"`
	Body        string    `json:"body"`
	CreatedAt   time.Time `json:"created_at"`
}

type paymentAppliedEvent struct {
	TxnRef      string    `json:"txn_ref"`
	BorrowingID int64     `json:"borrowing_id"`
	UserID      int64     `json:"user_id"`
	Amount      int64     `json:"amount"`
	AppliedAt   time.Time `json:"applied_at"`
}

type overdueEvent struct {
	BorrowingID   int64     `json:"borrowing_id"`
	UserID        int64     `json:"user_id"`
	BorrowingCode string    `json:"borrowing_code"`
	BookTitle     string    `json:"book_title"`
	DueDate       time.Time `json:"due_date"`
}

// NotificationProcessor consumes lifecycle events off the queue and fans them
// out to per-user notification feeds, with idempotency guarantees so a
// redelivered event never produces a duplicate notification.
type NotificationProcessor struct {
	adapter     redis.RedisAdapter
	idempotency *IdempotencyService
}

func NewNotificationProcessor(adapter redis.RedisAdapter, idempotency *IdempotencyService) *NotificationProcessor {
	return &NotificationProcessor{
		adapter:     adapter,
		idempotency: idempotency,
	}
}

func (p *NotificationProcessor) GetType() string {
	return "notification"
}

func (p *NotificationProcessor) Process(ctx context.Context, queueMessage *queue.Message) error {
	eventType := queueMessage.Metadata["type"]

	procCtx, err := p.idempotency.AcquireProcessingLock(ctx, queueMessage.ID)
	if err != nil {
		if errors.Is(err, ErrAlreadyProcessed) {
			logger.Info("Event already processed, skipping", "message_id", queueMessage.ID, "type", eventType)
			return nil
		}
		if errors.Is(err, ErrMaxRetriesExceeded) {
			logger.Error("Max retries exceeded, dropping event", "message_id", queueMessage.ID, "type", eventType)
			return nil // ACK to move to DLQ
		}
		if errors.Is(err, ErrLockAcquireFailed) {
			return errors.New("lock held by another consumer")
		}
		return err
	}

	defer func() {
		if procCtx.lockAcquired {
			p.idempotency.ReleaseLock(ctx, procCtx)
		}
	}()

	var userID int64
	var notification Notification

	switch eventType {
	case EventPaymentApplied:
		var event paymentAppliedEvent
		if err := json.Unmarshal(queueMessage.Data, &event); err != nil {
			logger.Error("Failed to unmarshal payment.applied event", "message_id", queueMessage.ID, "error", err)
			return err // DLQ
		}
		userID = event.UserID
		notification = Notification{
			Type:        EventPaymentApplied,
			BorrowingID: event.BorrowingID,
			Title:       "Compensation payment received",
			Body:        fmt.Sprintf("Your payment of %d VND was confirmed.", event.Amount),
			CreatedAt:   time.Now(),
		}

	case EventBorrowingOverdue:
		var event overdueEvent
		if err := json.Unmarshal(queueMessage.Data, &event); err != nil {
			logger.Error("Failed to unmarshal borrowing.overdue event", "message_id", queueMessage.ID, "error", err)
			return err // DLQ
		}
		userID = event.UserID
		notification = Notification{
			Type:        EventBorrowingOverdue,
			BorrowingID: event.BorrowingID,
			Title:       "Borrowing overdue",
			Body:        fmt.Sprintf("%q (%s) was due on %s. Please return or renew it.", event.BookTitle, event.BorrowingCode, event.DueDate.Format("2006-01-02")),
			CreatedAt:   time.Now(),
		}

	default:
		logger.Warn("Unknown event type, dropping", "message_id", queueMessage.ID, "type", eventType)
		return nil // ACK - unknown type won't succeed on retry
	}

	if err := p.store(userID, queueMessage.ID, notification); err != nil {
		logger.Error("Failed to store notification", "message_id", queueMessage.ID, "error", err)
		if markErr := p.idempotency.MarkFailure(ctx, procCtx, err); markErr != nil {
			logger.Error("Failed to mark failure", "message_id", queueMessage.ID, "error", markErr)
		}
		return err // NACK to retry
	}

	if eventType == EventBorrowingOverdue {
		prom.IncOverdueNotified()
	}

	if markErr := p.idempotency.MarkSuccess(ctx, procCtx); markErr != nil {
		logger.Error("Failed to mark success", "message_id", queueMessage.ID, "error", markErr)
	}

	logger.Info("Notification delivered", "message_id", queueMessage.ID, "type", eventType, "user_id", userID)

	return nil
}

// store writes the notification into the user's feed hash, keyed by the queue
// message id so a replay overwrites rather than duplicates.
func (p *NotificationProcessor) store(userID int64, messageID string, n Notification) error {
	data, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}
	key := fmt.Sprintf("notifications:user:%d", userID)
	return p.adapter.HSet(key, messageID, data)
}
