package gateway

import (
	"context"
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/nimasrn/borrow-gateway/pkg/logger"
	"github.com/valyala/fasthttp"
)

var (
	ErrInvalidSignature   = errors.New("invalid gateway signature")
	ErrGatewayUnavailable = errors.New("payment gateway unavailable")
)

const (
	vnpVersion    = "2.1.0"
	vnpCurrency   = "VND"
	vnpDateLayout = "20060102150405"

	// Response codes shared by the pay redirect, the IPN callback and querydr.
	CodeSuccess = "00"
)

// VNPayConfig is validated once at construction so a misconfigured gateway
// fails the process at startup instead of failing per request.
type VNPayConfig struct {
	TmnCode         string
	HashSecret      string
	PayURL          string
	APIURL          string
	ReturnURL       string
	Locale          string
	Timeout         time.Duration
	ExpireAfter     time.Duration
	MaxConns        int
	ReadBufferSize  int
	WriteBufferSize int
}

type VNPayClient struct {
	config *VNPayConfig
	client *fasthttp.Client

	now func() time.Time
}

func NewVNPayClient(config *VNPayConfig) (*VNPayClient, error) {
	if config == nil {
		return nil, errors.New("config is required")
	}
	if config.TmnCode == "" {
		return nil, errors.New("tmn code is required")
	}
	if config.HashSecret == "" {
		return nil, errors.New("hash secret is required")
	}
	if config.PayURL == "" {
		return nil, errors.New("pay url is required")
	}
	if config.APIURL == "" {
		return nil, errors.New("api url is required")
	}
	if config.ReturnURL == "" {
		return nil, errors.New("return url is required")
	}
	if config.Locale == "" {
		config.Locale = "vn"
	}
	if config.Timeout == 0 {
		config.Timeout = 10 * time.Second
	}
	if config.ExpireAfter == 0 {
		config.ExpireAfter = 15 * time.Minute
	}

	client := &VNPayClient{
		config: config,
		client: &fasthttp.Client{
			MaxConnsPerHost:     config.MaxConns,
			ReadTimeout:         config.Timeout,
			WriteTimeout:        config.Timeout,
			MaxIdleConnDuration: 60 * time.Second,
			ReadBufferSize:      config.ReadBufferSize,
			WriteBufferSize:     config.WriteBufferSize,
		},
		now: time.Now,
	}

	logger.Info("VNPay client initialized", "tmn_code", config.TmnCode, "pay_url", config.PayURL, "timeout", config.Timeout)

	return client, nil
}

// PaymentRequest carries everything BuildPaymentURL needs for one redirect.
type PaymentRequest struct {
	TxnRef    string
	Amount    int64 // whole VND; multiplied by 100 on the wire
	OrderInfo string
	IPAddr    string
}

// BuildPaymentURL assembles the hosted-payment-page redirect URL for one
// compensation payment.
func (c *VNPayClient) BuildPaymentURL(req *PaymentRequest) (string, error) {
	if req.TxnRef == "" {
		return "", errors.New("txn ref is required")
	}
	if req.Amount <= 0 {
		return "", errors.New("amount must be positive")
	}

	now := c.now()
	params := url.Values{}
	params.Set("vnp_Version", vnpVersion)
	params.Set("vnp_Command", "pay")
	params.Set("vnp_TmnCode", c.config.TmnCode)
	params.Set("vnp_CurrCode", vnpCurrency)
	params.Set("vnp_Locale", c.config.Locale)
	params.Set("vnp_Amount", strconv.FormatInt(req.Amount*100, 10))
	params.Set("vnp_TxnRef", req.TxnRef)
	params.Set("vnp_OrderInfo", req.OrderInfo)
	params.Set("vnp_OrderType", "other")
	params.Set("vnp_ReturnUrl", c.config.ReturnURL)
	params.Set("vnp_IpAddr", req.IPAddr)
	params.Set("vnp_CreateDate", now.Format(vnpDateLayout))
	params.Set("vnp_ExpireDate", now.Add(c.config.ExpireAfter).Format(vnpDateLayout))

	signed := c.sign(params)
	params.Set("vnp_SecureHash", signed)

	return c.config.PayURL + "?" + params.Encode(), nil
}

// sign computes the HMAC-SHA512 hex digest over the lexicographically sorted,
// URL-encoded parameters. The signature fields themselves are never part of
// the signed data.
func (c *VNPayClient) sign(params url.Values) string {
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

	mac := hmac.New(sha512.New, []byte(c.config.HashSecret))
	mac.Write([]byte(b.String()))
	return hex.EncodeToString(mac.Sum(nil))
}

// ValidateSignature checks an inbound parameter set (return redirect or IPN)
// against the shared secret. Malformed input is simply invalid.
func (c *VNPayClient) ValidateSignature(params url.Values) error {
	received := params.Get("vnp_SecureHash")
	if received == "" {
		return ErrInvalidSignature
	}

	expected := c.sign(params)
	if !hmac.Equal([]byte(expected), []byte(strings.ToLower(received))) {
		return ErrInvalidSignature
	}
	return nil
}

// IsSuccess reports whether a signed parameter set represents a settled
// payment. vnp_TransactionStatus only participates when the gateway sent it.
func IsSuccess(params url.Values) bool {
	if params.Get("vnp_ResponseCode") != CodeSuccess {
		return false
	}
	if status := params.Get("vnp_TransactionStatus"); status != "" && status != CodeSuccess {
		return false
	}
	return true
}

// QueryRequest identifies one transaction to look up with querydr.
type QueryRequest struct {
	TxnRef          string
	TransactionDate time.Time
	OrderInfo       string
	IPAddr          string
}

// QueryResponse is the gateway's verdict for a querydr lookup.
type QueryResponse struct {
	ResponseCode      string
	TransactionStatus string
	TxnRef            string
	Amount            int64
	Raw               string
}

// Success reports whether the queried transaction is settled.
func (r *QueryResponse) Success() bool {
	if r.ResponseCode != CodeSuccess {
		return false
	}
	if r.TransactionStatus != "" && r.TransactionStatus != CodeSuccess {
		return false
	}
	return true
}

// QueryTransaction asks the gateway for the authoritative status of one
// transaction. A timeout or transport failure is inconclusive and surfaces as
// ErrGatewayUnavailable, never as a decline.
func (c *VNPayClient) QueryTransaction(ctx context.Context, req *QueryRequest) (*QueryResponse, error) {
	if req.TxnRef == "" {
		return nil, errors.New("txn ref is required")
	}

	now := c.now()
	params := url.Values{}
	params.Set("vnp_Version", vnpVersion)
	params.Set("vnp_Command", "querydr")
	params.Set("vnp_TmnCode", c.config.TmnCode)
	params.Set("vnp_TxnRef", req.TxnRef)
	params.Set("vnp_OrderInfo", req.OrderInfo)
	params.Set("vnp_TransactionDate", req.TransactionDate.Format(vnpDateLayout))
	params.Set("vnp_CreateDate", now.Format(vnpDateLayout))
	params.Set("vnp_IpAddr", req.IPAddr)
	params.Set("vnp_SecureHash", c.sign(params))

	body, err := c.doRequest(ctx, "POST", c.config.APIURL, []byte(params.Encode()))
	if err != nil {
		logger.Warn("querydr failed", "txn_ref", req.TxnRef, "error", err)
		return nil, fmt.Errorf("%w: %s", ErrGatewayUnavailable, err)
	}

	reply, err := url.ParseQuery(string(body))
	if err != nil {
		return nil, fmt.Errorf("failed to parse querydr response: %w", err)
	}

	if err := c.ValidateSignature(reply); err != nil {
		return nil, err
	}

	amount, _ := strconv.ParseInt(reply.Get("vnp_Amount"), 10, 64)

	resp := &QueryResponse{
		ResponseCode:      reply.Get("vnp_ResponseCode"),
		TransactionStatus: reply.Get("vnp_TransactionStatus"),
		TxnRef:            reply.Get("vnp_TxnRef"),
		Amount:            amount / 100,
		Raw:               string(body),
	}

	logger.Info("querydr completed", "txn_ref", req.TxnRef, "response_code", resp.ResponseCode, "transaction_status", resp.TransactionStatus)

	return resp, nil
}

// doRequest performs an HTTP request with a bounded deadline.
func (c *VNPayClient) doRequest(ctx context.Context, method, requestURL string, body []byte) ([]byte, error) {
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(requestURL)
	req.Header.SetMethod(method)
	req.Header.SetContentType("application/x-www-form-urlencoded")

	if body != nil {
		req.SetBody(body)
	}

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(c.config.Timeout)
	}

	if err := c.client.DoDeadline(req, resp, deadline); err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}

	statusCode := resp.StatusCode()
	if statusCode != fasthttp.StatusOK && statusCode != fasthttp.StatusAccepted {
		return nil, fmt.Errorf("unexpected status code: %d, body: %s", statusCode, resp.Body())
	}

	result := make([]byte, len(resp.Body()))
	copy(result, resp.Body())

	return result, nil
}
