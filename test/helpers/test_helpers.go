package helpers

import (
	"context"
	"reflect"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/nimasrn/borrow-gateway/internal/model"
	"github.com/nimasrn/borrow-gateway/internal/repository"
	"github.com/nimasrn/borrow-gateway/pkg/pg"
	"github.com/nimasrn/borrow-gateway/pkg/redis"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func SetupTestDB(t *testing.T) *pg.DB {
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

	pgDB := &pg.DB{}
	pgDBValue := reflect.ValueOf(pgDB).Elem()

	readField := pgDBValue.FieldByName("read")
	writeField := pgDBValue.FieldByName("write")

	readField = reflect.NewAt(readField.Type(), readField.Addr().UnsafePointer()).Elem()
	writeField = reflect.NewAt(writeField.Type(), writeField.Addr().UnsafePointer()).Elem()

	readField.Set(reflect.ValueOf(db))
	writeField.Set(reflect.ValueOf(db))

	return pgDB
}

func SetupTestRedis(t *testing.T) (*miniredis.Miniredis, redis.RedisAdapter) {
	mr, err := miniredis.Run()
	require.NoError(t, err)

	adapter, err := redis.NewRedisAdapter("test", "", &goredis.UniversalOptions{
		Addrs: []string{mr.Addr()},
	})
	require.NoError(t, err)

	return mr, adapter
}

func CreateTestUser(t *testing.T, db *pg.DB, id int64, studentID string) *repository.UserEntity {
	ctx := context.Background()
	user := &repository.UserEntity{
		ID:        id,
		Name:      "Test User",
		StudentID: studentID,
		Email:     studentID + "@example.edu",
		Role:      "student",
	}
	err := db.Write(ctx).Create(user).Error
	require.NoError(t, err)
	return user
}

func CreateTestBook(t *testing.T, db *pg.DB, id int64, code string, quantity, available int) *repository.BookEntity {
	ctx := context.Background()
	book := &repository.BookEntity{
		ID:                id,
		Code:              code,
		Title:             "Test Book " + code,
		Author:            "Test Author",
		Quantity:          quantity,
		Available:         available,
		CompensationPrice: 80000,
	}
	err := db.Write(ctx).Create(book).Error
	require.NoError(t, err)
	return book
}

func CreateTestBorrowing(t *testing.T, db *pg.DB, userID, bookID int64, status model.BorrowingStatus, pickedUp bool) *repository.BorrowingEntity {
	ctx := context.Background()
	now := time.Now()
	b := &repository.BorrowingEntity{
		BorrowingCode: "BRW-" + now.Format("20060102") + "-001",
		UserID:        userID,
		BookID:        bookID,
		UserName:      "Test User",
		StudentID:     "SV001",
		UserEmail:     "sv001@example.edu",
		BookTitle:     "Test Book",
		BookAuthor:    "Test Author",
		BookCode:      "BK-001",
		Quantity:      1,
		BorrowDate:    now,
		DueDate:       now.Add(model.LoanPeriod),
		IsPickedUp:    pickedUp,
		Status:        string(status),
		PaymentStatus: string(model.PaymentStatusPending),
		CreatedAt:     now,
	}
	err := db.Write(ctx).Create(b).Error
	require.NoError(t, err)
	return b
}

func WaitForCondition(t *testing.T, timeout time.Duration, condition func() bool) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return true
		}
		time.Sleep(10 * time.Millisecond)
	}
	return false
}

func AssertEventually(t *testing.T, timeout time.Duration, condition func() bool, msg string) {
	if !WaitForCondition(t, timeout, condition) {
		t.Fatal(msg)
	}
}

func ContextWithTimeout(timeout time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), timeout)
}

func Ptr[T any](v T) *T {
	return &v
}
