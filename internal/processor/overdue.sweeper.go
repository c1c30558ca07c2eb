package processor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/nimasrn/borrow-gateway/internal/model"
	"github.com/nimasrn/borrow-gateway/internal/queue"
	"github.com/nimasrn/borrow-gateway/pkg/logger"
	"github.com/nimasrn/borrow-gateway/pkg/redis"
)

const sweptKeyPrefix = "overdue:swept:"

type OverdueRepository interface {
	FindOverdue(ctx context.Context, now time.Time, limit int) ([]*model.Borrowing, error)
}

type SweeperConfig struct {
	Interval  time.Duration
	BatchSize int
	// SweptTTL bounds how often one record can be re-notified.
	SweptTTL time.Duration
}

// OverdueSweeper periodically finds records past their due date and publishes
// one overdue event per record per notification window. The overdue status
// itself is always derived at read time; the sweep exists only to drive
// notifications.
type OverdueSweeper struct {
	repo    OverdueRepository
	adapter redis.RedisAdapter
	queue   *queue.Queue
	config  SweeperConfig
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func NewOverdueSweeper(repo OverdueRepository, adapter redis.RedisAdapter, q *queue.Queue, config SweeperConfig) *OverdueSweeper {
	if config.Interval == 0 {
		config.Interval = time.Hour
	}
	if config.BatchSize == 0 {
		config.BatchSize = 500
	}
	if config.SweptTTL == 0 {
		config.SweptTTL = 24 * time.Hour
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &OverdueSweeper{
		repo:    repo,
		adapter: adapter,
		queue:   q,
		config:  config,
		ctx:     ctx,
		cancel:  cancel,
	}
}

func (s *OverdueSweeper) Start() {
	s.wg.Add(1)
	go s.run()
	logger.Info("Overdue sweeper started", "interval", s.config.Interval, "batch_size", s.config.BatchSize)
}

func (s *OverdueSweeper) run() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	// First sweep right away so a restart never delays notifications by a
	// full interval.
	s.Sweep(s.ctx)

	for {
		select {
		case <-ticker.C:
			s.Sweep(s.ctx)
		case <-s.ctx.Done():
			return
		}
	}
}

// Sweep runs one pass. Exported so tests and the CLI can trigger it directly.
func (s *OverdueSweeper) Sweep(ctx context.Context) {
	now := time.Now()

	overdue, err := s.repo.FindOverdue(ctx, now, s.config.BatchSize)
	if err != nil {
		logger.Error("Overdue sweep failed", "error", err)
		return
	}
	if len(overdue) == 0 {
		return
	}

	published := 0
	for _, b := range overdue {
		key := fmt.Sprintf("%s%d:%s", sweptKeyPrefix, b.ID, now.Format("20060102"))
		acquired, err := s.adapter.SetNX(key, []byte("1"), s.config.SweptTTL)
		if err != nil {
			logger.Warn("Failed to mark record as swept", "borrowing_id", b.ID, "error", err)
			continue
		}
		if !acquired {
			continue // already notified in this window
		}

		event := overdueEvent{
			BorrowingID:   b.ID,
			UserID:        b.UserID,
			BorrowingCode: b.BorrowingCode,
			BookTitle:     b.BookTitle,
			DueDate:       b.DueDate,
		}
		if _, err := s.queue.PublishJSON(ctx, event, map[string]string{"type": EventBorrowingOverdue}); err != nil {
			logger.Error("Failed to publish overdue event", "borrowing_id", b.ID, "error", err)
			// Drop the swept marker so the next sweep retries this record.
			if delErr := s.adapter.Del(key); delErr != nil {
				logger.Warn("Failed to unmark swept record", "borrowing_id", b.ID, "error", delErr)
			}
			continue
		}
		published++
	}

	logger.Info("Overdue sweep completed", "overdue", len(overdue), "published", published)
}

func (s *OverdueSweeper) Stop() {
	s.cancel()
	s.wg.Wait()
	logger.Info("Overdue sweeper stopped")
}
