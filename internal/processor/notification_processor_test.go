package processor

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/nimasrn/borrow-gateway/internal/queue"
)

// recordingRedisAdapter captures HSet writes so tests can inspect the stored
// notification feed.
type recordingRedisAdapter struct {
	*mockRedisAdapter
	hashes map[string]map[string][]byte
}

func newRecordingRedisAdapter() *recordingRedisAdapter {
	return &recordingRedisAdapter{
		mockRedisAdapter: newMockRedisAdapter(),
		hashes:           make(map[string]map[string][]byte),
	}
}

func (m *recordingRedisAdapter) HSet(key string, field string, value interface{}) error {
	if m.hashes[key] == nil {
		m.hashes[key] = make(map[string][]byte)
	}
	m.hashes[key][field] = value.([]byte)
	return nil
}

func newTestProcessor() (*NotificationProcessor, *recordingRedisAdapter) {
	adapter := newRecordingRedisAdapter()
	idempotency := NewIdempotencyService(adapter, DefaultIdempotencyConfig())
	return NewNotificationProcessor(adapter, idempotency), adapter
}

func paymentAppliedMessage(t *testing.T, id string, userID int64) *queue.Message {
	data, err := json.Marshal(paymentAppliedEvent{
		TxnRef:      "42",
		BorrowingID: 42,
		UserID:      userID,
		Amount:      100000,
		AppliedAt:   time.Now(),
	})
	if err != nil {
		t.Fatalf("marshal event: %v", err)
	}
	return &queue.Message{
		ID:       id,
		Data:     data,
		Metadata: map[string]string{"type": EventPaymentApplied},
	}
}

func TestNotificationProcessor_PaymentApplied(t *testing.T) {
	processor, adapter := newTestProcessor()
	ctx := context.Background()

	err := processor.Process(ctx, paymentAppliedMessage(t, "msg-1", 7))
	if err != nil {
		t.Fatalf("Process failed: %v", err)
	}

	feed := adapter.hashes["notifications:user:7"]
	if len(feed) != 1 {
		t.Fatalf("Expected 1 notification, got %d", len(feed))
	}

	var n Notification
	if err := json.Unmarshal(feed["msg-1"], &n); err != nil {
		t.Fatalf("Unmarshal stored notification: %v", err)
	}
	if n.Type != EventPaymentApplied {
		t.Errorf("Expected type %s, got %s", EventPaymentApplied, n.Type)
	}
	if n.BorrowingID != 42 {
		t.Errorf("Expected borrowing id 42, got %d", n.BorrowingID)
	}
}

func TestNotificationProcessor_RedeliveryIsIdempotent(t *testing.T) {
	processor, adapter := newTestProcessor()
	ctx := context.Background()

	msg := paymentAppliedMessage(t, "msg-dup", 7)

	if err := processor.Process(ctx, msg); err != nil {
		t.Fatalf("First process failed: %v", err)
	}
	// Redelivery of the same message id must ACK without a second write.
	if err := processor.Process(ctx, msg); err != nil {
		t.Fatalf("Redelivery should be absorbed, got: %v", err)
	}

	feed := adapter.hashes["notifications:user:7"]
	if len(feed) != 1 {
		t.Errorf("Expected 1 notification after redelivery, got %d", len(feed))
	}
}

func TestNotificationProcessor_OverdueEvent(t *testing.T) {
	processor, adapter := newTestProcessor()
	ctx := context.Background()

	data, err := json.Marshal(overdueEvent{
		BorrowingID:   9,
		UserID:        3,
		BorrowingCode: "BRW-20260831-001",
		BookTitle:     "The Go Programming Language",
		DueDate:       time.Date(2026, 8, 24, 0, 0, 0, 0, time.UTC),
	})
	if err != nil {
		t.Fatalf("marshal event: %v", err)
	}

	err = processor.Process(ctx, &queue.Message{
		ID:       "msg-overdue",
		Data:     data,
		Metadata: map[string]string{"type": EventBorrowingOverdue},
	})
	if err != nil {
		t.Fatalf("Process failed: %v", err)
	}

	feed := adapter.hashes["notifications:user:3"]
	if len(feed) != 1 {
		t.Fatalf("Expected 1 notification, got %d", len(feed))
	}

	var n Notification
	if err := json.Unmarshal(feed["msg-overdue"], &n); err != nil {
		t.Fatalf("Unmarshal stored notification: %v", err)
	}
	if n.Type != EventBorrowingOverdue {
		t.Errorf("Expected type %s, got %s", EventBorrowingOverdue, n.Type)
	}
}

func TestNotificationProcessor_UnknownEventAcked(t *testing.T) {
	processor, adapter := newTestProcessor()
	ctx := context.Background()

	err := processor.Process(ctx, &queue.Message{
		ID:       "msg-unknown",
		Data:     []byte("{}"),
		Metadata: map[string]string{"type": "something.else"},
	})
	if err != nil {
		t.Fatalf("Unknown events should ACK, got: %v", err)
	}
	if len(adapter.hashes) != 0 {
		t.Error("Unknown event must not write a notification")
	}
}

func TestNotificationProcessor_MalformedPayloadRejected(t *testing.T) {
	processor, _ := newTestProcessor()
	ctx := context.Background()

	err := processor.Process(ctx, &queue.Message{
		ID:       "msg-bad",
		Data:     []byte("not json"),
		Metadata: map[string]string{"type": EventPaymentApplied},
	})
	if err == nil {
		t.Fatal("Expected error for malformed payload")
	}
}
