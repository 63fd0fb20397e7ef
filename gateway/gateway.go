// Package gateway defines the narrow contract the engine needs from an
// external payment gateway: create a checkout session, query its status by
// correlation code, and cancel it.
package gateway

import (
	"context"
	"errors"
	"time"
)

// ErrSessionNotFound is returned by adapters when the gateway has no session
// for a correlation code. Unlike a transport failure it is a definitive
// answer: nothing can be paid under that code.
var ErrSessionNotFound = errors.New("gateway: session not found")

// Client is implemented by payment gateway adapters.
type Client interface {
	CreateSession(ctx context.Context, req SessionRequest) (*Session, error)
	QueryStatus(ctx context.Context, code int64) (*StatusResult, error)
	CancelSession(ctx context.Context, code int64, reason string) error
}

// WebhookDecoder authenticates and normalizes a raw notification body.
// Adapters whose gateway signs its webhooks implement it alongside Client.
type WebhookDecoder interface {
	DecodeWebhook(body []byte) (*WebhookPayload, error)
}

type SessionRequest struct {
	CorrelationCode int64
	Amount          int64
	Currency        string
	Description     string
	ReturnURL       string
	CancelURL       string
	BuyerName       string
	BuyerEmail      string
	BuyerPhone      string
	ExpiresAt       time.Time
}

type Session struct {
	CorrelationCode int64  `json:"correlation_code"`
	CheckoutURL     string `json:"checkout_url"`
	QRCode          string `json:"qr_code,omitempty"`
}

type Status string

const (
	StatusPaid      Status = "PAID"
	StatusPending   Status = "PENDING"
	StatusCancelled Status = "CANCELLED"
)

type StatusResult struct {
	Status          Status     `json:"status"`
	Amount          int64      `json:"amount,omitempty"`
	TransactionRef  string     `json:"transaction_ref,omitempty"`
	TransactionTime *time.Time `json:"transaction_time,omitempty"`
}

// ResultCodeSuccess is the webhook result code for a successful payment.
const ResultCodeSuccess = "00"

// WebhookPayload is the inbound notification pushed by the gateway.
type WebhookPayload struct {
	ResultCode      string     `json:"result_code"`
	Description     string     `json:"description,omitempty"`
	CorrelationCode int64      `json:"correlation_code"`
	Amount          int64      `json:"amount"`
	TransactionRef  string     `json:"transaction_ref,omitempty"`
	TransactionTime *time.Time `json:"transaction_time,omitempty"`
}

// Success reports whether the notification announces a completed payment.
func (p *WebhookPayload) Success() bool { return p.ResultCode == ResultCodeSuccess }

// Result converts a successful notification into the status shape returned
// by QueryStatus, so both paths feed the same confirmation.
func (p *WebhookPayload) Result() StatusResult {
	return StatusResult{
		Status:          StatusPaid,
		Amount:          p.Amount,
		TransactionRef:  p.TransactionRef,
		TransactionTime: p.TransactionTime,
	}
}
