package main

import (
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/nimasrn/borrow-gateway/internal/config"
	gateway "github.com/nimasrn/borrow-gateway/internal/gateways"
	"github.com/nimasrn/borrow-gateway/internal/handlers"
	"github.com/nimasrn/borrow-gateway/internal/queue"
	"github.com/nimasrn/borrow-gateway/internal/repository"
	"github.com/nimasrn/borrow-gateway/internal/services"
	xhttp "github.com/nimasrn/borrow-gateway/pkg/http"
	"github.com/nimasrn/borrow-gateway/pkg/logger"
	"github.com/nimasrn/borrow-gateway/pkg/pg"
	"github.com/nimasrn/borrow-gateway/pkg/prom"
	"github.com/nimasrn/borrow-gateway/pkg/redis"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {

	err := config.Load(argContainsEnvPath())
	if err != nil {
		logger.Error("failed to load config", "error", err)
		return
	}

	// transport (tcp for now)
	s := xhttp.NewServer(xhttp.DefaultServerOption)
	s.Server.ReadBufferSize = 1024 * 16
	s.Server.WriteBufferSize = 1024 * 16
	s.Use(xhttp.CompressMiddleware(6))
	s.Use(xhttp.TimeoutMiddleware(time.Second * 5))
	s.Use(xhttp.RequestLoggerMiddleware)
	s.Use(xhttp.RecoverMiddleware)
	s.Router = xhttp.CreateDefaultRouter()

	readConf := pg.Config{
		User:     config.Get().PostgresReadUser,
		Host:     config.Get().PostgresReadHost,
		Port:     config.Get().PostgresReadPort,
		Password: config.Get().PostgresReadPassword,
		Database: config.Get().PostgresReadDatabase,
	}
	writeConf := pg.Config{
		User:     config.Get().PostgresWriteUser,
		Host:     config.Get().PostgresWriteHost,
		Port:     config.Get().PostgresWritePort,
		Password: config.Get().PostgresWritePassword,
		Database: config.Get().PostgresWriteDatabase,
	}

	pgDebug := false
	if config.Get().AppEnv == "dev" {
		pgDebug = true
	}
	db, err := pg.CreateReadWrite(readConf, writeConf, pgDebug)
	if err != nil {
		logger.Error("failed connecting to pg", "error", err)
		return
	}

	redisAdap, err := redis.NewRedisAdapter("default", config.Get().RedisUniversalKeyPrefix, &redis.Options{
		Addrs:      []string{config.Get().RedisAddr},
		ClientName: "default",
		DB:         config.Get().RedisDatabase,
		Username:   config.Get().RedisUsername,
		Password:   config.Get().RedisPassword,
	})
	if err != nil {
		logger.Error("failed connecting to redis", "error", err)
		return
	}

	q, err := queue.NewQueue(redisAdap, queue.QueueConfig{
		Name:              config.Get().QueueName,
		ConsumerGroup:     config.Get().QueueConsumerGroup,
		ConsumerName:      config.Get().QueueConsumerName,
		MaxRetries:        config.Get().QueueMaxRetries,
		VisibilityTimeout: config.Get().QueueVisibilityTimeout,
		PollInterval:      config.Get().QueuePollInterval,
		BatchSize:         config.Get().QueueBatchSize,
		MaxLen:            config.Get().QueueMaxLen,
		EnableDLQ:         config.Get().QueueEnableDLQ,
	})
	if err != nil {
		logger.Error("failed creating queue", "error", err)
	}

	// Missing gateway configuration is fatal at startup, never per request.
	vnpay, err := gateway.NewVNPayClient(&gateway.VNPayConfig{
		TmnCode:    config.Get().VnpayTmnCode,
		HashSecret: config.Get().VnpayHashSecret,
		PayURL:     config.Get().VnpayPayUrl,
		APIURL:     config.Get().VnpayApiUrl,
		ReturnURL:  config.Get().VnpayReturnUrl,
		Locale:     config.Get().VnpayLocale,
		Timeout:    time.Second * 10,
		MaxConns:   100,
	})
	if err != nil {
		logger.Error("failed creating vnpay client", "error", err)
		return
	}

	var hostname string
	hostname, err = os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	err = prom.Create(hostname, config.Get().AppEnv, config.Get().PromNamespace)
	if err != nil {
		logger.Error("failed to create prometheus metrics", "error", err)
		return
	}
	if config.Get().AppDebugMetricsAddr != "" {
		go func() {
			prom.ListenAndServer(config.Get().AppDebugMetricsAddr, config.Get().AppDebugMetricsURI)
		}()
	}

	borrowingRepo := repository.NewBorrowingRepository(db)
	bookRepo := repository.NewBookRepository(db)
	userRepo := repository.NewUserRepository(db)
	paymentRepo := repository.NewPaymentRepository(db)

	// services
	borrowingService := services.NewBorrowingService(borrowingRepo, bookRepo, userRepo)
	reconcileService := services.NewReconcileService(borrowingRepo, paymentRepo, vnpay, q)
	healthService := services.NewHealthService(db, redisAdap)

	// v1 handlers
	borrowingHandler := handlers.NewBorrowingHandler(borrowingService)
	paymentHandler := handlers.NewPaymentHandler(reconcileService, config.Get().PaymentSuccessUrl, config.Get().PaymentFailureUrl)
	healthHandler := handlers.NewHealthHandler(healthService)

	g := s.Router.Group("/api/v1")
	handlers.RegisterBorrowingRoutes(g, borrowingHandler)
	handlers.RegisterPaymentRoutes(g, paymentHandler)
	handlers.RegisterHealthRoutes(g, healthHandler)

	// Create new server
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Kill)

	go func() {
		var err = s.ListenAndServe(config.Get().HttpListenAddr)
		if err != nil {
			logger.Error("error in running http-server", "error", err)
		}
	}()

	select {
	case <-c:
		s.Shutdown()
	}
}

func argContainsEnvPath() string {
	for _, v := range os.Args {
		if strings.Contains(v, "--env=") {
			s := strings.Split(v, "=")
			if _, err := os.Open(s[1]); err != nil {
				logger.Error("failed to open the passed env file, got error" + err.Error())
				return ""
			}
			return s[1]
		}
	}
	return ""
}
