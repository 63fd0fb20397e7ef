// Package rabbitmq publishes entitle lifecycle events to a RabbitMQ topic
// exchange so downstream services (booking, notifications, analytics) can
// react to payments and entitlements without polling the engine.
//
// Every message is a JSON envelope:
//
//	{"event": "payment.confirmed", "version": 1, "occurred_at": "...", "data": {...}}
//
// published with the event name as routing key.
package rabbitmq

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/xraph/entitle/entitlement"
	"github.com/xraph/entitle/id"
	"github.com/xraph/entitle/payment"
	"github.com/xraph/entitle/plugin"
)

// Routing keys.
const (
	EventPaymentConfirmed         = "payment.confirmed"
	EventPaymentCancelled         = "payment.cancelled"
	EventPaymentExpired           = "payment.expired"
	EventEntitlementMaterialized  = "entitlement.materialized"
	EventMaterializationFailed    = "entitlement.materialization_failed"
	EventEntitlementStatusChanged = "entitlement.status_changed"
	EventQuotaExceeded            = "quota.exceeded"
)

// EnvelopeVersion is bumped on breaking changes to any payload.
const EnvelopeVersion = 1

var (
	_ plugin.Plugin                     = (*Notifier)(nil)
	_ plugin.OnShutdown                 = (*Notifier)(nil)
	_ plugin.OnPaymentConfirmed         = (*Notifier)(nil)
	_ plugin.OnPaymentCancelled         = (*Notifier)(nil)
	_ plugin.OnPaymentExpired           = (*Notifier)(nil)
	_ plugin.OnEntitlementMaterialized  = (*Notifier)(nil)
	_ plugin.OnMaterializationFailed    = (*Notifier)(nil)
	_ plugin.OnEntitlementStatusChanged = (*Notifier)(nil)
	_ plugin.OnQuotaExceeded            = (*Notifier)(nil)
)

// Channel is the subset of *amqp.Channel the notifier publishes through.
type Channel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// Envelope wraps every published event.
type Envelope struct {
	Event      string `json:"event"`
	Version    int    `json:"version"`
	OccurredAt string `json:"occurred_at"` // RFC3339
	Data       any    `json:"data"`
}

// Notifier is an entitle plugin that publishes lifecycle events.
type Notifier struct {
	conn     *amqp.Connection
	ch       Channel
	exchange string
	logger   *slog.Logger
	now      func() time.Time
}

// Option configures a Notifier.
type Option func(*Notifier)

// WithLogger sets the logger for publish failures.
func WithLogger(l *slog.Logger) Option {
	return func(n *Notifier) { n.logger = l }
}

// WithClock overrides the occurred_at time source.
func WithClock(now func() time.Time) Option {
	return func(n *Notifier) { n.now = now }
}

// Dial connects to url and declares a durable topic exchange.
func Dial(url, exchange string, opts ...Option) (*Notifier, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("dial rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close() //nolint:errcheck // already failing
		return nil, fmt.Errorf("open channel: %w", err)
	}
	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		_ = ch.Close()   //nolint:errcheck // already failing
		_ = conn.Close() //nolint:errcheck // already failing
		return nil, fmt.Errorf("declare exchange: %w", err)
	}

	n := New(ch, exchange, opts...)
	n.conn = conn
	return n, nil
}

// New wraps an already-open channel. The exchange must exist.
func New(ch Channel, exchange string, opts ...Option) *Notifier {
	n := &Notifier{
		ch:       ch,
		exchange: exchange,
		logger:   slog.Default(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// Name implements plugin.Plugin.
func (n *Notifier) Name() string { return "rabbitmq-notifier" }

// OnShutdown implements plugin.OnShutdown.
func (n *Notifier) OnShutdown(_ context.Context) error {
	return n.Close()
}

// Close closes the channel and, when the notifier dialled it, the connection.
func (n *Notifier) Close() error {
	if n.ch != nil {
		_ = n.ch.Close() //nolint:errcheck // connection close reports
	}
	if n.conn != nil {
		return n.conn.Close()
	}
	return nil
}

// ──────────────────────────────────────────────────
// Payloads
// ──────────────────────────────────────────────────

type paymentData struct {
	PaymentID       string `json:"payment_id"`
	CorrelationCode int64  `json:"correlation_code"`
	SubjectType     string `json:"subject_type"`
	SubjectID       string `json:"subject_id"`
	PayerID         string `json:"payer_id"`
	Amount          int64  `json:"amount"`
	Currency        string `json:"currency"`
	Status          string `json:"status"`
	TransactionRef  string `json:"transaction_ref,omitempty"`
	Reason          string `json:"reason,omitempty"`
	Error           string `json:"error,omitempty"`
}

func newPaymentData(r *payment.Record) paymentData {
	return paymentData{
		PaymentID:       r.ID.String(),
		CorrelationCode: r.CorrelationCode,
		SubjectType:     string(r.SubjectType),
		SubjectID:       r.SubjectID,
		PayerID:         r.Payer.UserID,
		Amount:          r.Amount.Amount,
		Currency:        r.Amount.Currency,
		Status:          string(r.Status),
		TransactionRef:  r.TransactionRef,
		Reason:          r.CancelReason,
	}
}

type entitlementData struct {
	EntitlementID string                  `json:"entitlement_id"`
	OwnerID       string                  `json:"owner_id"`
	PackageID     string                  `json:"package_id"`
	PaymentID     string                  `json:"payment_id"`
	Status        string                  `json:"status"`
	PreviousState string                  `json:"previous_status,omitempty"`
	ExpiryDate    time.Time               `json:"expiry_date"`
	Lines         []entitlement.QuotaLine `json:"lines"`
}

func newEntitlementData(e *entitlement.Entitlement) entitlementData {
	return entitlementData{
		EntitlementID: e.ID.String(),
		OwnerID:       e.OwnerID,
		PackageID:     e.PackageID.String(),
		PaymentID:     e.PaymentID.String(),
		Status:        string(e.Status),
		ExpiryDate:    e.ExpiryDate,
		Lines:         e.Lines,
	}
}

// ──────────────────────────────────────────────────
// Hooks
// ──────────────────────────────────────────────────

// OnPaymentConfirmed implements plugin.OnPaymentConfirmed.
func (n *Notifier) OnPaymentConfirmed(ctx context.Context, r *payment.Record) error {
	return n.publish(ctx, EventPaymentConfirmed, newPaymentData(r))
}

// OnPaymentCancelled implements plugin.OnPaymentCancelled.
func (n *Notifier) OnPaymentCancelled(ctx context.Context, r *payment.Record, reason string) error {
	data := newPaymentData(r)
	data.Reason = reason
	return n.publish(ctx, EventPaymentCancelled, data)
}

// OnPaymentExpired implements plugin.OnPaymentExpired.
func (n *Notifier) OnPaymentExpired(ctx context.Context, r *payment.Record) error {
	return n.publish(ctx, EventPaymentExpired, newPaymentData(r))
}

// OnEntitlementMaterialized implements plugin.OnEntitlementMaterialized.
func (n *Notifier) OnEntitlementMaterialized(ctx context.Context, e *entitlement.Entitlement, _ *payment.Record) error {
	return n.publish(ctx, EventEntitlementMaterialized, newEntitlementData(e))
}

// OnMaterializationFailed implements plugin.OnMaterializationFailed.
func (n *Notifier) OnMaterializationFailed(ctx context.Context, r *payment.Record, err error) error {
	data := newPaymentData(r)
	if err != nil {
		data.Error = err.Error()
	}
	return n.publish(ctx, EventMaterializationFailed, data)
}

// OnEntitlementStatusChanged implements plugin.OnEntitlementStatusChanged.
func (n *Notifier) OnEntitlementStatusChanged(ctx context.Context, e *entitlement.Entitlement, from entitlement.Status) error {
	data := newEntitlementData(e)
	data.PreviousState = string(from)
	return n.publish(ctx, EventEntitlementStatusChanged, data)
}

// OnQuotaExceeded implements plugin.OnQuotaExceeded.
func (n *Notifier) OnQuotaExceeded(ctx context.Context, entID id.EntitlementID, serviceID string, requested, remaining int64) error {
	return n.publish(ctx, EventQuotaExceeded, map[string]any{
		"entitlement_id": entID.String(),
		"service_id":     serviceID,
		"requested":      requested,
		"remaining":      remaining,
	})
}

func (n *Notifier) publish(ctx context.Context, event string, data any) error {
	occurred := n.now().UTC()
	body, err := json.Marshal(Envelope{
		Event:      event,
		Version:    EnvelopeVersion,
		OccurredAt: occurred.Format(time.RFC3339),
		Data:       data,
	})
	if err != nil {
		return fmt.Errorf("rabbitmq: encode %s: %w", event, err)
	}

	err = n.ch.PublishWithContext(ctx, n.exchange, event, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    uuid.NewString(),
		Timestamp:    occurred,
		Type:         event,
		Body:         body,
	})
	if err != nil {
		n.logger.Warn("rabbitmq: publish failed", "event", event, "error", err)
		return fmt.Errorf("rabbitmq: publish %s: %w", event, err)
	}
	return nil
}
