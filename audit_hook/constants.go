package audithook

// Action constants for audit events.
const (
	// Payment actions
	ActionPaymentInitiated = "payment.initiated"
	ActionPaymentConfirmed = "payment.confirmed"
	ActionPaymentCancelled = "payment.cancelled"
	ActionPaymentExpired   = "payment.expired"

	// Entitlement actions
	ActionEntitlementMaterialized = "entitlement.materialized"
	ActionMaterializationFailed   = "entitlement.materialization_failed"
	ActionEntitlementStatus       = "entitlement.status_changed"
	ActionQuotaConsumed           = "quota.consumed"
	ActionQuotaExceeded           = "quota.exceeded"

	// Gateway actions
	ActionWebhookReceived    = "webhook.received"
	ActionGatewayUnavailable = "gateway.unavailable"
)

// Resource constants for audit events.
const (
	ResourcePayment     = "payment"
	ResourceEntitlement = "entitlement"
	ResourceWebhook     = "webhook"
	ResourceGateway     = "gateway"
)

// Category constants for audit events.
const (
	CategoryPayment     = "payment"
	CategoryAccess      = "access"
	CategoryIntegration = "integration"
)

// Severity levels for audit events.
const (
	SeverityInfo     = "info"
	SeverityWarning  = "warning"
	SeverityError    = "error"
	SeverityCritical = "critical"
)

// Outcome values for audit events.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)
