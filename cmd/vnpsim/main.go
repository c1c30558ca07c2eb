package main

import (
	"context"
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"fmt"
	"math/rand"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const dateLayout = "20060102150405"

// txnRecord remembers the simulated outcome of one payment so that the
// querydr endpoint agrees with what the pay flow reported.
type txnRecord struct {
	TxnRef        string
	Amount        string
	ResponseCode  string
	TransactionNo string
	PayDate       string
}

// MockGateway simulates a VNPay-style payment gateway: a hosted payment
// endpoint, a return redirect, an IPN callback and a querydr API, all signed
// with the same HMAC-SHA512 scheme.
type MockGateway struct {
	hashSecret  string
	successRate float64
	ipnURL      string
	rng         *rand.Rand

	mu   sync.RWMutex
	txns map[string]*txnRecord
}

func NewMockGateway(hashSecret, ipnURL string, successRate float64) *MockGateway {
	return &MockGateway{
		hashSecret:  hashSecret,
		successRate: successRate,
		ipnURL:      ipnURL,
		rng:         rand.New(rand.NewSource(time.Now().UnixNano())),
		txns:        make(map[string]*txnRecord),
	}
}

func (g *MockGateway) sign(params url.Values) string {
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

	mac := hmac.New(sha512.New, []byte(g.hashSecret))
	mac.Write([]byte(b.String()))
	return hex.EncodeToString(mac.Sum(nil))
}

func (g *MockGateway) validSignature(params url.Values) bool {
	received := params.Get("vnp_SecureHash")
	if received == "" {
		return false
	}
	return hmac.Equal([]byte(g.sign(params)), []byte(strings.ToLower(received)))
}

func (g *MockGateway) shouldSucceed() bool {
	return g.rng.Float64() < g.successRate
}

// settle decides the outcome for a payment and remembers it.
func (g *MockGateway) settle(txnRef, amount string) *txnRecord {
	g.mu.Lock()
	defer g.mu.Unlock()

	if existing, ok := g.txns[txnRef]; ok {
		return existing
	}

	record := &txnRecord{
		TxnRef:        txnRef,
		Amount:        amount,
		TransactionNo: uuid.New().String()[:8],
		PayDate:       time.Now().Format(dateLayout),
	}
	if g.shouldSucceed() {
		record.ResponseCode = "00"
	} else {
		record.ResponseCode = "24" // customer cancelled
	}
	g.txns[txnRef] = record
	return record
}

func (g *MockGateway) lookup(txnRef string) *txnRecord {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.txns[txnRef]
}

// outcomeParams builds the signed parameter set shared by the return
// redirect and the IPN callback.
func (g *MockGateway) outcomeParams(record *txnRecord, tmnCode string) url.Values {
	params := url.Values{}
	params.Set("vnp_TmnCode", tmnCode)
	params.Set("vnp_TxnRef", record.TxnRef)
	params.Set("vnp_Amount", record.Amount)
	params.Set("vnp_ResponseCode", record.ResponseCode)
	params.Set("vnp_TransactionStatus", record.ResponseCode)
	params.Set("vnp_TransactionNo", record.TransactionNo)
	params.Set("vnp_PayDate", record.PayDate)
	params.Set("vnp_BankCode", "NCB")
	params.Set("vnp_SecureHash", g.sign(params))
	return params
}

type Handler struct {
	gateway *MockGateway
}

func NewHandler(gateway *MockGateway) *Handler {
	return &Handler{gateway: gateway}
}

// Pay receives the hosted-payment-page redirect, settles the transaction and
// bounces the "browser" back to vnp_ReturnUrl. The IPN callback fires in the
// background like the real gateway's server-to-server push.
func (h *Handler) Pay(c *gin.Context) {
	params := c.Request.URL.Query()

	if !h.gateway.validSignature(params) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid signature"})
		return
	}

	txnRef := params.Get("vnp_TxnRef")
	record := h.gateway.settle(txnRef, params.Get("vnp_Amount"))

	log.Info().
		Str("txn_ref", txnRef).
		Str("response_code", record.ResponseCode).
		Msg("Payment settled")

	outcome := h.gateway.outcomeParams(record, params.Get("vnp_TmnCode"))

	if h.gateway.ipnURL != "" {
		go h.fireIPN(outcome)
	}

	returnURL := params.Get("vnp_ReturnUrl")
	if returnURL == "" {
		c.JSON(http.StatusOK, gin.H{"vnp_ResponseCode": record.ResponseCode})
		return
	}
	c.Redirect(http.StatusFound, returnURL+"?"+outcome.Encode())
}

func (h *Handler) fireIPN(outcome url.Values) {
	// Small delay so the return redirect usually races ahead, like in
	// production.
	time.Sleep(500 * time.Millisecond)

	resp, err := http.Get(h.gateway.ipnURL + "?" + outcome.Encode())
	if err != nil {
		log.Warn().Err(err).Msg("IPN delivery failed")
		return
	}
	defer resp.Body.Close()

	log.Info().
		Str("txn_ref", outcome.Get("vnp_TxnRef")).
		Int("status", resp.StatusCode).
		Msg("IPN delivered")
}

// QueryDr answers status queries with the remembered outcome.
func (h *Handler) QueryDr(c *gin.Context) {
	if err := c.Request.ParseForm(); err != nil {
		c.String(http.StatusBadRequest, "invalid form")
		return
	}
	params := c.Request.PostForm

	if !h.gateway.validSignature(params) {
		c.String(http.StatusBadRequest, "invalid signature")
		return
	}

	txnRef := params.Get("vnp_TxnRef")
	record := h.gateway.lookup(txnRef)

	reply := url.Values{}
	reply.Set("vnp_TmnCode", params.Get("vnp_TmnCode"))
	reply.Set("vnp_TxnRef", txnRef)
	if record == nil {
		reply.Set("vnp_ResponseCode", "01") // order not found
	} else {
		reply.Set("vnp_ResponseCode", record.ResponseCode)
		reply.Set("vnp_TransactionStatus", record.ResponseCode)
		reply.Set("vnp_Amount", record.Amount)
		reply.Set("vnp_TransactionNo", record.TransactionNo)
		reply.Set("vnp_PayDate", record.PayDate)
	}
	reply.Set("vnp_SecureHash", h.gateway.sign(reply))

	c.String(http.StatusOK, reply.Encode())
}

func (h *Handler) HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":       "healthy",
		"success_rate": h.gateway.successRate,
		"timestamp":    time.Now(),
	})
}

// UpdateConfig allows changing the simulated success rate at runtime.
func (h *Handler) UpdateConfig(c *gin.Context) {
	var config struct {
		SuccessRate *float64 `json:"success_rate"`
	}

	if err := c.ShouldBindJSON(&config); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request",
			"details": err.Error(),
		})
		return
	}

	if config.SuccessRate != nil {
		if *config.SuccessRate >= 0 && *config.SuccessRate <= 1.0 {
			h.gateway.successRate = *config.SuccessRate
			log.Info().Float64("rate", *config.SuccessRate).Msg("Updated success rate")
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"message":      "Configuration updated",
		"success_rate": h.gateway.successRate,
	})
}

// SetupRouter configures all routes
func SetupRouter(handler *Handler) *gin.Engine {
	router := gin.Default()

	// Add request logging middleware
	router.Use(func(c *gin.Context) {
		start := time.Now()
		c.Next()
		duration := time.Since(start)

		log.Info().
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", c.Writer.Status()).
			Dur("duration", duration).
			Msg("Request processed")
	})

	router.GET("/paymentv2/vpcpay.html", handler.Pay)
	router.POST("/merchant_webapi/api/transaction", handler.QueryDr)
	router.PUT("/config", handler.UpdateConfig)
	router.GET("/health", handler.HealthCheck)

	return router
}

func main() {
	// Setup logging
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	// Get configuration from environment
	port := getEnv("PORT", "8082")
	hashSecret := getEnv("HASH_SECRET", "vnpsim-secret")
	ipnURL := getEnv("IPN_URL", "")
	successRate := getEnvFloat("SUCCESS_RATE", 1)

	log.Info().
		Str("port", port).
		Str("ipn_url", ipnURL).
		Float64("success_rate", successRate).
		Msg("Starting Mock Payment Gateway")

	gateway := NewMockGateway(hashSecret, ipnURL, successRate)
	handler := NewHandler(gateway)
	router := SetupRouter(handler)

	// Setup HTTP server
	srv := &http.Server{
		Addr:         ":" + port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	go func() {
		log.Info().Str("addr", srv.Addr).Msg("Server started")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("Failed to start server")
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Fatal().Err(err).Msg("Server forced to shutdown")
	}

	log.Info().Msg("Server exited")
}

// Helper functions
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		var f float64
		if _, err := fmt.Sscanf(value, "%f", &f); err == nil {
			return f
		}
	}
	return defaultValue
}
