package flip

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/CedrosPay/vouchers/internal/circuitbreaker"
	"github.com/CedrosPay/vouchers/internal/config"
	"github.com/CedrosPay/vouchers/internal/httputil"
	"github.com/CedrosPay/vouchers/internal/metrics"
	"github.com/rs/zerolog"
)

// ErrGatewayUnreachable covers transport failures, 5xx replies, unparseable bodies and an open breaker.
var ErrGatewayUnreachable = errors.New("flip: gateway unreachable")

// ValidationError carries field errors reported by the gateway.
type ValidationError struct {
	Messages []string
}

func (e *ValidationError) Error() string {
	if len(e.Messages) == 0 {
		return "flip: validation error"
	}
	return strings.Join(e.Messages, "; ")
}

const expiredDateLayout = "2006-01-02 15:04"

// maxResponseBytes bounds how much of a gateway reply is read.
const maxResponseBytes = 1 << 20

// Config holds gateway connection settings.
type Config struct {
	BaseURL        string
	SecretKey      string
	RedirectURL    string
	SenderBank     string
	SenderBankType string
	Timeout        time.Duration
	Location       *time.Location
}

// ConfigFrom converts application config, resolving the billing timezone.
func ConfigFrom(cfg config.FlipConfig) (Config, error) {
	loc, err := time.LoadLocation(cfg.Location)
	if err != nil {
		return Config{}, fmt.Errorf("load flip location %q: %w", cfg.Location, err)
	}
	return Config{
		BaseURL:        strings.TrimSuffix(cfg.BaseURL, "/"),
		SecretKey:      cfg.SecretKey,
		RedirectURL:    cfg.RedirectURL,
		SenderBank:     cfg.SenderBank,
		SenderBankType: cfg.SenderBankType,
		Timeout:        cfg.Timeout.Duration,
		Location:       loc,
	}, nil
}

// BillRequest describes one single-use payment bill.
type BillRequest struct {
	Title          string
	Amount         int64
	ExpiresAt      time.Time
	SenderName     string
	SenderEmail    string
	SenderBankType string // overrides the configured channel type when set
	RedirectURL    string // overrides the configured redirect when set
}

// Bill is the gateway's acceptance of a bill. It is not proof of payment.
type Bill struct {
	PaymentURL    string
	TransactionID string
	BillLinkID    string
}

// Gateway creates bills on the payment gateway.
type Gateway interface {
	CreateBill(ctx context.Context, req BillRequest) (Bill, error)
}

// Client is the Flip "accept payment" API client.
type Client struct {
	cfg        Config
	httpClient *http.Client
	breaker    *circuitbreaker.Manager
	metrics    *metrics.Metrics
	logger     zerolog.Logger
}

// Option customizes the client.
type Option func(*Client)

// WithHTTPClient replaces the outbound HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(client *Client) {
		client.httpClient = c
	}
}

// WithBreaker routes calls through the flip_api circuit breaker.
func WithBreaker(m *circuitbreaker.Manager) Option {
	return func(client *Client) {
		client.breaker = m
	}
}

// WithMetrics sets the metrics collector.
func WithMetrics(m *metrics.Metrics) Option {
	return func(client *Client) {
		client.metrics = m
	}
}

// WithLogger sets the client logger.
func WithLogger(l zerolog.Logger) Option {
	return func(client *Client) {
		client.logger = l
	}
}

// NewClient constructs a Flip client.
func NewClient(cfg Config, opts ...Option) *Client {
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if cfg.SenderBank == "" {
		cfg.SenderBank = "qris"
	}
	if cfg.SenderBankType == "" {
		cfg.SenderBankType = "wallet_account"
	}
	c := &Client{
		cfg:        cfg,
		httpClient: httputil.NewClient(cfg.Timeout),
		logger:     zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type billResponse struct {
	LinkID      flexString `json:"link_id"`
	LinkURL     string     `json:"link_url"`
	PaymentURL  string     `json:"payment_url"`
	BillPayment *struct {
		ID flexString `json:"id"`
	} `json:"bill_payment"`
}

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Errors  []struct {
		Attribute string `json:"attribute"`
		Message   string `json:"message"`
	} `json:"errors"`
}

// callResult separates gateway-side rejections from failures that should trip the breaker.
type callResult struct {
	bill       Bill
	validation *ValidationError
}

// CreateBill posts a single-use bill and returns the payment link and gateway ids.
func (c *Client) CreateBill(ctx context.Context, req BillRequest) (Bill, error) {
	start := time.Now()
	result, err := c.breaker.Execute(circuitbreaker.ServiceFlip, func() (interface{}, error) {
		return c.createBill(ctx, req)
	})

	outcome := "success"
	defer func() {
		c.metrics.ObserveGatewayCall("create_bill", outcome, time.Since(start))
	}()

	if err != nil {
		outcome = "unreachable"
		if circuitbreaker.IsOpen(err) {
			outcome = "circuit_open"
		}
		c.logger.Warn().Err(err).Str("outcome", outcome).Msg("flip.create_bill.failed")
		if errors.Is(err, ErrGatewayUnreachable) {
			return Bill{}, err
		}
		return Bill{}, fmt.Errorf("%w: %v", ErrGatewayUnreachable, err)
	}

	res := result.(callResult)
	if res.validation != nil {
		outcome = "validation_error"
		c.logger.Info().Strs("messages", res.validation.Messages).Msg("flip.create_bill.rejected")
		return Bill{}, res.validation
	}
	return res.bill, nil
}

func (c *Client) createBill(ctx context.Context, req BillRequest) (callResult, error) {
	form := c.billForm(req)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/v2/pwf/bill", strings.NewReader(form.Encode()))
	if err != nil {
		return callResult{}, fmt.Errorf("build request: %w", err)
	}
	httpReq.SetBasicAuth(c.cfg.SecretKey, "")
	httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	httpReq.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return callResult{}, fmt.Errorf("%w: %v", ErrGatewayUnreachable, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return callResult{}, fmt.Errorf("%w: read body: %v", ErrGatewayUnreachable, err)
	}

	if resp.StatusCode >= 500 {
		return callResult{}, fmt.Errorf("%w: status %d", ErrGatewayUnreachable, resp.StatusCode)
	}
	if resp.StatusCode >= 400 {
		var apiErr errorResponse
		if err := json.Unmarshal(body, &apiErr); err != nil {
			return callResult{}, fmt.Errorf("%w: status %d with non-JSON body", ErrGatewayUnreachable, resp.StatusCode)
		}
		if len(apiErr.Errors) == 0 {
			return callResult{}, fmt.Errorf("%w: status %d: %s", ErrGatewayUnreachable, resp.StatusCode, apiErr.Message)
		}
		messages := make([]string, 0, len(apiErr.Errors))
		for _, e := range apiErr.Errors {
			messages = append(messages, e.Message)
		}
		return callResult{validation: &ValidationError{Messages: messages}}, nil
	}

	var parsed billResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return callResult{}, fmt.Errorf("%w: decode response: %v", ErrGatewayUnreachable, err)
	}

	bill := Bill{
		PaymentURL: parsed.PaymentURL,
		BillLinkID: string(parsed.LinkID),
	}
	if parsed.BillPayment != nil {
		bill.TransactionID = string(parsed.BillPayment.ID)
	}
	if bill.PaymentURL == "" && parsed.LinkURL != "" {
		bill.PaymentURL = parsed.LinkURL
		if !strings.HasPrefix(bill.PaymentURL, "http") {
			bill.PaymentURL = "https://" + bill.PaymentURL
		}
	}
	if bill.PaymentURL == "" {
		return callResult{}, fmt.Errorf("%w: response carries no payment url", ErrGatewayUnreachable)
	}
	return callResult{bill: bill}, nil
}

func (c *Client) billForm(req BillRequest) url.Values {
	bankType := req.SenderBankType
	if bankType == "" {
		bankType = c.cfg.SenderBankType
	}
	redirect := req.RedirectURL
	if redirect == "" {
		redirect = c.cfg.RedirectURL
	}

	form := url.Values{}
	form.Set("title", req.Title)
	form.Set("type", "SINGLE")
	form.Set("amount", strconv.FormatInt(req.Amount, 10))
	form.Set("expired_date", req.ExpiresAt.In(c.cfg.Location).Format(expiredDateLayout))
	if redirect != "" {
		form.Set("redirect_url", redirect)
	}
	form.Set("step", "3")
	form.Set("sender_name", req.SenderName)
	form.Set("sender_email", req.SenderEmail)
	form.Set("sender_bank", c.cfg.SenderBank)
	form.Set("sender_bank_type", bankType)
	return form
}
