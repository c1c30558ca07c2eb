package e2e

import (
	"context"
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"fmt"
	"net/url"
	"reflect"
	"sort"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	gateway "github.com/nimasrn/borrow-gateway/internal/gateways"
	"github.com/nimasrn/borrow-gateway/internal/model"
	"github.com/nimasrn/borrow-gateway/internal/processor"
	"github.com/nimasrn/borrow-gateway/internal/queue"
	"github.com/nimasrn/borrow-gateway/internal/repository"
	"github.com/nimasrn/borrow-gateway/internal/services"
	"github.com/nimasrn/borrow-gateway/pkg/pg"
	"github.com/nimasrn/borrow-gateway/pkg/redis"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

const testHashSecret = "e2e-test-secret"

type testDB = pg.DB

type TestEnvironment struct {
	DB               *pg.DB
	Redis            *miniredis.Miniredis
	RedisAdapter     redis.RedisAdapter
	Queue            *queue.Queue
	BorrowingRepo    *repository.BorrowingRepository
	BookRepo         *repository.BookRepository
	UserRepo         *repository.UserRepository
	PaymentRepo      *repository.PaymentRepository
	BorrowingService *services.BorrowingService
	ReconcileService *services.ReconcileService
}

func setupE2EEnvironment(t *testing.T) *TestEnvironment {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{TranslateError: true})
	require.NoError(t, err)

	err = db.AutoMigrate(
		&repository.BookEntity{},
		&repository.UserEntity{},
		&repository.BorrowingEntity{},
		&repository.BorrowCodeEntity{},
		&repository.PaymentTransactionEntity{},
	)
	require.NoError(t, err)

	pgDB := &testDB{}
	pgDBValue := reflect.ValueOf(pgDB).Elem()

	readField := pgDBValue.FieldByName("read")
	writeField := pgDBValue.FieldByName("write")

	readField = reflect.NewAt(readField.Type(), readField.Addr().UnsafePointer()).Elem()
	writeField = reflect.NewAt(writeField.Type(), writeField.Addr().UnsafePointer()).Elem()

	readField.Set(reflect.ValueOf(db))
	writeField.Set(reflect.ValueOf(db))

	mr, err := miniredis.Run()
	require.NoError(t, err)

	// Use unique connection name per test to avoid global adapter caching issues
	connName := fmt.Sprintf("test-%d", time.Now().UnixNano())
	redisAdapter, err := redis.NewRedisAdapter(connName, "", &goredis.UniversalOptions{
		Addrs: []string{mr.Addr()},
	})
	require.NoError(t, err)

	queueConfig := queue.QueueConfig{
		Name:              "test:queue",
		ConsumerGroup:     "test-group",
		ConsumerName:      "test-consumer",
		MaxRetries:        3,
		VisibilityTimeout: 5 * time.Second,
		PollInterval:      100 * time.Millisecond,
		BatchSize:         10,
		MaxLen:            1000,
		EnableDLQ:         true,
	}

	q, err := queue.NewQueue(redisAdapter, queueConfig)
	require.NoError(t, err)

	vnpay, err := gateway.NewVNPayClient(&gateway.VNPayConfig{
		TmnCode:    "E2ETEST",
		HashSecret: testHashSecret,
		PayURL:     "https://sandbox.vnpayment.vn/paymentv2/vpcpay.html",
		APIURL:     "https://sandbox.vnpayment.vn/merchant_webapi/api/transaction",
		ReturnURL:  "http://localhost:8080/api/v1/payments/return",
	})
	require.NoError(t, err)

	borrowingRepo := repository.NewBorrowingRepository(pgDB)
	bookRepo := repository.NewBookRepository(pgDB)
	userRepo := repository.NewUserRepository(pgDB)
	paymentRepo := repository.NewPaymentRepository(pgDB)

	borrowingService := services.NewBorrowingService(borrowingRepo, bookRepo, userRepo)
	reconcileService := services.NewReconcileService(borrowingRepo, paymentRepo, vnpay, q)

	return &TestEnvironment{
		DB:               pgDB,
		Redis:            mr,
		RedisAdapter:     redisAdapter,
		Queue:            q,
		BorrowingRepo:    borrowingRepo,
		BookRepo:         bookRepo,
		UserRepo:         userRepo,
		PaymentRepo:      paymentRepo,
		BorrowingService: borrowingService,
		ReconcileService: reconcileService,
	}
}

func (env *TestEnvironment) Cleanup() {
	// Stop queue first (gracefully drain messages)
	if env.Queue != nil {
		_ = env.Queue.Stop(5 * time.Second)
	}
	// Give time for any in-flight operations to complete
	time.Sleep(100 * time.Millisecond)
	// Then close Redis
	if env.Redis != nil {
		env.Redis.Close()
	}
}

func (env *TestEnvironment) seedUser(t *testing.T, id int64) {
	err := env.DB.Write(context.Background()).Create(&repository.UserEntity{
		ID:        id,
		Name:      "An Nguyen",
		StudentID: fmt.Sprintf("SV%03d", id),
		Email:     fmt.Sprintf("sv%03d@example.edu", id),
		Role:      "student",
	}).Error
	require.NoError(t, err)
}

func (env *TestEnvironment) seedBook(t *testing.T, id int64, quantity, available int) {
	err := env.DB.Write(context.Background()).Create(&repository.BookEntity{
		ID:                id,
		Code:              fmt.Sprintf("BK-%03d", id),
		Title:             fmt.Sprintf("Book %d", id),
		Author:            "Author",
		Quantity:          quantity,
		Available:         available,
		CompensationPrice: 100000,
	}).Error
	require.NoError(t, err)
}

// signParams mirrors the gateway signing scheme so tests can forge valid
// callbacks.
func signParams(params url.Values) {
	keys := make([]string, 0, len(params))
	for k := range params {
		if k == "vnp_SecureHash" || k == "vnp_SecureHashType" {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteByte('&')
		}
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(url.QueryEscape(params.Get(k)))
	}

	mac := hmac.New(sha512.New, []byte(testHashSecret))
	mac.Write([]byte(b.String()))
	params.Set("vnp_SecureHash", hex.EncodeToString(mac.Sum(nil)))
}

func TestE2E_BatchCreationAndStockDeduction(t *testing.T) {
	env := setupE2EEnvironment(t)
	defer env.Cleanup()

	ctx := context.Background()
	env.seedUser(t, 1)
	env.seedBook(t, 1, 5, 5)
	env.seedBook(t, 2, 3, 3)

	req := model.BorrowBatchRequest{
		UserID: 1,
		Lines: []model.BorrowLine{
			{BookID: 1, Quantity: 2},
			{BookID: 2, Quantity: 1},
		},
		BorrowDate: time.Now(),
	}

	records, err := env.BorrowingService.CreateBatch(ctx, req)
	require.NoError(t, err)
	require.Len(t, records, 2)

	assert.Equal(t, records[0].BorrowingCode, records[1].BorrowingCode)
	for _, r := range records {
		assert.Equal(t, model.StatusPendingPickup, r.Status)
		assert.False(t, r.IsPickedUp)
		assert.Equal(t, r.BorrowDate.Add(model.LoanPeriod), r.DueDate)
	}

	book1, err := env.BookRepo.Get(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 3, book1.Available)

	book2, err := env.BookRepo.Get(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, 2, book2.Available)
}

func TestE2E_ActiveBorrowingBlocksNewBatch(t *testing.T) {
	env := setupE2EEnvironment(t)
	defer env.Cleanup()

	ctx := context.Background()
	env.seedUser(t, 1)
	env.seedBook(t, 1, 5, 5)

	req := model.BorrowBatchRequest{
		UserID:     1,
		Lines:      []model.BorrowLine{{BookID: 1, Quantity: 1}},
		BorrowDate: time.Now(),
	}

	_, err := env.BorrowingService.CreateBatch(ctx, req)
	require.NoError(t, err)

	_, err = env.BorrowingService.CreateBatch(ctx, req)
	assert.ErrorIs(t, err, services.ErrActiveBorrowingExists)
}

func TestE2E_FullLifecycle(t *testing.T) {
	env := setupE2EEnvironment(t)
	defer env.Cleanup()

	ctx := context.Background()
	env.seedUser(t, 1)
	env.seedBook(t, 1, 5, 5)

	records, err := env.BorrowingService.CreateBatch(ctx, model.BorrowBatchRequest{
		UserID:     1,
		Lines:      []model.BorrowLine{{BookID: 1, Quantity: 1}},
		BorrowDate: time.Now(),
	})
	require.NoError(t, err)
	record := records[0]
	originalDue := record.DueDate

	picked, err := env.BorrowingService.ConfirmPickup(ctx, record.ID, []string{"a.jpg", "b.jpg"})
	require.NoError(t, err)
	assert.True(t, picked.IsPickedUp)
	assert.Equal(t, model.StatusBorrowed, picked.Status)
	// Pickup never moves the dates.
	assert.Equal(t, originalDue.Unix(), picked.DueDate.Unix())

	renewed, err := env.BorrowingService.Renew(ctx, record.ID, 1)
	require.NoError(t, err)
	assert.Equal(t, model.StatusRenewed, renewed.Status)
	assert.Equal(t, 1, renewed.RenewCount)
	assert.Equal(t, originalDue.Add(model.LoanPeriod).Unix(), renewed.DueDate.Unix())

	returned, err := env.BorrowingService.Return(ctx, record.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusReturned, returned.Status)
	require.NotNil(t, returned.ReturnDate)

	book, err := env.BookRepo.Get(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 5, book.Available)
}

func TestE2E_DamageReportAndVNPayReconcile(t *testing.T) {
	env := setupE2EEnvironment(t)
	defer env.Cleanup()

	ctx := context.Background()
	env.seedUser(t, 1)
	env.seedBook(t, 1, 5, 5)

	records, err := env.BorrowingService.CreateBatch(ctx, model.BorrowBatchRequest{
		UserID:     1,
		Lines:      []model.BorrowLine{{BookID: 1, Quantity: 1}},
		BorrowDate: time.Now(),
	})
	require.NoError(t, err)
	record := records[0]

	_, err = env.BorrowingService.ConfirmPickup(ctx, record.ID, []string{"a.jpg", "b.jpg"})
	require.NoError(t, err)

	reported, err := env.BorrowingService.ReportDamageOrLoss(ctx, record.ID, 1, model.DamageTypeDamaged, 1, "water damage", "damage.jpg")
	require.NoError(t, err)
	assert.Equal(t, int64(100000), reported.CompensationAmount)

	payURL, err := env.ReconcileService.BuildPaymentRedirect(ctx, record.ID, "127.0.0.1")
	require.NoError(t, err)
	assert.Contains(t, payURL, "vnp_SecureHash=")

	txnRef := strconv.FormatInt(record.ID, 10)

	params := url.Values{}
	params.Set("vnp_TmnCode", "E2ETEST")
	params.Set("vnp_TxnRef", txnRef)
	params.Set("vnp_Amount", strconv.FormatInt(reported.CompensationAmount*100, 10))
	params.Set("vnp_ResponseCode", "00")
	params.Set("vnp_TransactionStatus", "00")
	params.Set("vnp_TransactionNo", "14226112")
	signParams(params)

	success, err := env.ReconcileService.HandleReturnRedirect(ctx, params)
	require.NoError(t, err)
	assert.True(t, success)

	settled, err := env.BorrowingService.Get(ctx, record.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCompensated, settled.Status)
	assert.Equal(t, model.PaymentStatusCompleted, settled.PaymentStatus)

	// The late IPN for the same payment must ack as already confirmed.
	ack := env.ReconcileService.HandleNotification(ctx, params)
	assert.Equal(t, "02", ack.RspCode)

	txns, err := env.ReconcileService.ListTransactions(ctx, record.ID)
	require.NoError(t, err)
	require.NotEmpty(t, txns)
	assert.Equal(t, model.TransactionStatusPaid, txns[len(txns)-1].Status)
}

func TestE2E_TamperedCallbackRejected(t *testing.T) {
	env := setupE2EEnvironment(t)
	defer env.Cleanup()

	ctx := context.Background()

	params := url.Values{}
	params.Set("vnp_TxnRef", "1")
	params.Set("vnp_ResponseCode", "00")
	signParams(params)
	params.Set("vnp_Amount", "999900") // mutated after signing

	_, err := env.ReconcileService.HandleReturnRedirect(ctx, params)
	assert.ErrorIs(t, err, services.ErrInvalidSignature)

	ack := env.ReconcileService.HandleNotification(ctx, params)
	assert.Equal(t, "97", ack.RspCode)
}

func TestE2E_OverdueSweepPublishesOnce(t *testing.T) {
	env := setupE2EEnvironment(t)
	defer env.Cleanup()

	ctx := context.Background()
	now := time.Now()

	overdue := &repository.BorrowingEntity{
		BorrowingCode: "BRW-20260801-001",
		UserID:        1,
		BookID:        1,
		UserName:      "An Nguyen",
		StudentID:     "SV001",
		UserEmail:     "sv001@example.edu",
		BookTitle:     "Book 1",
		BookAuthor:    "Author",
		BookCode:      "BK-001",
		Quantity:      1,
		BorrowDate:    now.Add(-10 * 24 * time.Hour),
		DueDate:       now.Add(-3 * 24 * time.Hour),
		IsPickedUp:    true,
		Status:        string(model.StatusBorrowed),
		PaymentStatus: string(model.PaymentStatusPending),
		CreatedAt:     now.Add(-10 * 24 * time.Hour),
	}
	err := env.DB.Write(ctx).Create(overdue).Error
	require.NoError(t, err)

	sweeper := processor.NewOverdueSweeper(env.BorrowingRepo, env.RedisAdapter, env.Queue, processor.SweeperConfig{
		Interval:  time.Hour,
		BatchSize: 100,
	})

	sweeper.Sweep(ctx)
	stats, err := env.Queue.GetStats()
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.TotalMessages)

	// Second sweep in the same day is deduplicated.
	sweeper.Sweep(ctx)
	stats, err = env.Queue.GetStats()
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.TotalMessages)
}
