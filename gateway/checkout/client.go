// Package checkout is a gateway.Client for hosted checkout gateways that
// expose numeric order codes over a signed JSON REST API: payment links are
// created with an HMAC-SHA256 signature over the canonical request fields,
// queried and cancelled by order code, and webhooks carry a signature over
// their sorted data fields.
package checkout

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/xraph/entitle/gateway"
)

var (
	_ gateway.Client         = (*Client)(nil)
	_ gateway.WebhookDecoder = (*Client)(nil)
)

// ErrInvalidSignature is returned when a response or webhook signature
// does not match.
var ErrInvalidSignature = errors.New("checkout: invalid signature")

const (
	DefaultBaseURL = "https://api-merchant.payos.vn"

	codeSuccess      = "00"
	codeLinkNotFound = "101"
	timeLayout       = "2006-01-02 15:04:05"
)

// Client talks to the gateway's merchant API.
type Client struct {
	baseURL     string
	clientID    string
	apiKey      string
	checksumKey string
	http        *http.Client
	location    *time.Location
}

// Option configures a Client.
type Option func(*Client)

// WithBaseURL overrides the merchant API root.
func WithBaseURL(u string) Option {
	return func(c *Client) { c.baseURL = strings.TrimRight(u, "/") }
}

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.http = h }
}

// WithLocation sets the zone transaction timestamps are reported in.
func WithLocation(loc *time.Location) Option {
	return func(c *Client) { c.location = loc }
}

// New creates a Client. The checksum key signs requests and verifies
// webhooks.
func New(clientID, apiKey, checksumKey string, opts ...Option) *Client {
	c := &Client{
		baseURL:     DefaultBaseURL,
		clientID:    clientID,
		apiKey:      apiKey,
		checksumKey: checksumKey,
		http:        &http.Client{Timeout: 15 * time.Second},
		location:    time.FixedZone("ICT", 7*3600),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ──────────────────────────────────────────────────
// Wire types
// ──────────────────────────────────────────────────

type envelope struct {
	Code      string          `json:"code"`
	Desc      string          `json:"desc"`
	Data      json.RawMessage `json:"data"`
	Signature string          `json:"signature,omitempty"`
}

type createRequest struct {
	OrderCode   int64  `json:"orderCode"`
	Amount      int64  `json:"amount"`
	Description string `json:"description"`
	BuyerName   string `json:"buyerName,omitempty"`
	BuyerEmail  string `json:"buyerEmail,omitempty"`
	BuyerPhone  string `json:"buyerPhone,omitempty"`
	CancelURL   string `json:"cancelUrl"`
	ReturnURL   string `json:"returnUrl"`
	ExpiredAt   int64  `json:"expiredAt,omitempty"`
	Signature   string `json:"signature"`
}

type createData struct {
	OrderCode   int64  `json:"orderCode"`
	CheckoutURL string `json:"checkoutUrl"`
	QRCode      string `json:"qrCode"`
}

type linkData struct {
	OrderCode    int64         `json:"orderCode"`
	Amount       int64         `json:"amount"`
	AmountPaid   int64         `json:"amountPaid"`
	Status       string        `json:"status"`
	Transactions []transaction `json:"transactions"`
}

type transaction struct {
	Reference           string `json:"reference"`
	Amount              int64  `json:"amount"`
	TransactionDateTime string `json:"transactionDateTime"`
}

type cancelRequest struct {
	CancellationReason string `json:"cancellationReason,omitempty"`
}

// ──────────────────────────────────────────────────
// gateway.Client
// ──────────────────────────────────────────────────

// CreateSession creates a payment link for the request's correlation code.
func (c *Client) CreateSession(ctx context.Context, req gateway.SessionRequest) (*gateway.Session, error) {
	body := createRequest{
		OrderCode:   req.CorrelationCode,
		Amount:      req.Amount,
		Description: req.Description,
		BuyerName:   req.BuyerName,
		BuyerEmail:  req.BuyerEmail,
		BuyerPhone:  req.BuyerPhone,
		CancelURL:   req.CancelURL,
		ReturnURL:   req.ReturnURL,
	}
	if !req.ExpiresAt.IsZero() {
		body.ExpiredAt = req.ExpiresAt.Unix()
	}
	body.Signature = sign(c.checksumKey, requestSignatureData(body))

	var data createData
	if err := c.do(ctx, http.MethodPost, "/v2/payment-requests", body, &data); err != nil {
		return nil, fmt.Errorf("checkout: create payment link: %w", err)
	}

	code := data.OrderCode
	if code == 0 {
		code = req.CorrelationCode
	}
	return &gateway.Session{
		CorrelationCode: code,
		CheckoutURL:     data.CheckoutURL,
		QRCode:          data.QRCode,
	}, nil
}

// QueryStatus returns the current status of a payment link.
func (c *Client) QueryStatus(ctx context.Context, code int64) (*gateway.StatusResult, error) {
	var data linkData
	if err := c.do(ctx, http.MethodGet, "/v2/payment-requests/"+strconv.FormatInt(code, 10), nil, &data); err != nil {
		return nil, fmt.Errorf("checkout: query payment link %d: %w", code, err)
	}

	status, err := mapStatus(data.Status)
	if err != nil {
		return nil, err
	}

	res := &gateway.StatusResult{Status: status, Amount: data.Amount}
	if n := len(data.Transactions); n > 0 {
		last := data.Transactions[n-1]
		res.TransactionRef = last.Reference
		res.TransactionTime = c.parseTime(last.TransactionDateTime)
	}
	return res, nil
}

// CancelSession cancels a pending payment link.
func (c *Client) CancelSession(ctx context.Context, code int64, reason string) error {
	path := "/v2/payment-requests/" + strconv.FormatInt(code, 10) + "/cancel"
	if err := c.do(ctx, http.MethodPost, path, cancelRequest{CancellationReason: reason}, nil); err != nil {
		return fmt.Errorf("checkout: cancel payment link %d: %w", code, err)
	}
	return nil
}

// ──────────────────────────────────────────────────
// Transport
// ──────────────────────────────────────────────────

// APIError is a non-success answer from the gateway.
type APIError struct {
	HTTPStatus int
	Code       string
	Desc       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("gateway error %s (%d): %s", e.Code, e.HTTPStatus, e.Desc)
}

// Is maps unknown-link answers onto gateway.ErrSessionNotFound.
func (e *APIError) Is(target error) bool {
	return target == gateway.ErrSessionNotFound &&
		(e.HTTPStatus == http.StatusNotFound || e.Code == codeLinkNotFound)
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var reader io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-client-id", c.clientID)
	req.Header.Set("x-api-key", c.apiKey)

	res, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()

	raw, err := io.ReadAll(res.Body)
	if err != nil {
		return err
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return fmt.Errorf("decode response (%d): %w", res.StatusCode, err)
	}
	if res.StatusCode < 200 || res.StatusCode >= 300 || env.Code != codeSuccess {
		return &APIError{HTTPStatus: res.StatusCode, Code: env.Code, Desc: env.Desc}
	}
	if env.Signature != "" && len(env.Data) > 0 {
		if err := c.verifyData(env.Data, env.Signature); err != nil {
			return err
		}
	}
	if out == nil || len(env.Data) == 0 || string(env.Data) == "null" {
		return nil
	}
	return json.Unmarshal(env.Data, out)
}

func mapStatus(s string) (gateway.Status, error) {
	switch strings.ToUpper(s) {
	case "PAID":
		return gateway.StatusPaid, nil
	case "PENDING", "PROCESSING", "UNDERPAID":
		return gateway.StatusPending, nil
	case "CANCELLED", "EXPIRED", "FAILED":
		return gateway.StatusCancelled, nil
	default:
		return "", fmt.Errorf("checkout: unknown link status %q", s)
	}
}

func (c *Client) parseTime(s string) *time.Time {
	if s == "" {
		return nil
	}
	t, err := time.ParseInLocation(timeLayout, s, c.location)
	if err != nil {
		return nil
	}
	t = t.UTC()
	return &t
}
