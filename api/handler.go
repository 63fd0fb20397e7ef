// Package api exposes the entitle engine over HTTP with gin.
//
// Routes, relative to the group passed to Register:
//
//	POST /purchases                      open or reissue a checkout
//	GET  /purchases/:code                poll a checkout by correlation code
//	GET  /subjects/:type/:id/status      poll the subject's current checkout
//	POST /subjects/:type/:id/cancel      cancel the subject's open checkout
//	POST /webhooks/gateway               signed gateway notification
//	GET  /entitlements/:id               entitlement status and balances
//	POST /entitlements/:id/consume       reserve units of one service
//	GET  /owners/:id/entitlements        list an owner's entitlements
//	GET  /healthz                        store ping
package api

import (
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/xraph/entitle"
	"github.com/xraph/entitle/entitlement"
	"github.com/xraph/entitle/gateway"
	"github.com/xraph/entitle/id"
	"github.com/xraph/entitle/payment"
	"github.com/xraph/entitle/types"
)

const maxWebhookBody = 64 << 10

// Handler serves the engine's HTTP routes.
type Handler struct {
	eng     *entitle.Engine
	webhook gateway.WebhookDecoder
	logger  *slog.Logger
}

// New creates a Handler. decoder verifies inbound webhooks; when it is nil
// the webhook route is not registered.
func New(eng *entitle.Engine, decoder gateway.WebhookDecoder, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{eng: eng, webhook: decoder, logger: logger}
}

// Register mounts every route on r.
func (h *Handler) Register(r gin.IRouter) {
	r.GET("/healthz", h.Health)

	r.POST("/purchases", h.InitiatePurchase)
	r.GET("/purchases/:code", h.Reconcile)

	r.GET("/subjects/:type/:id/status", h.ReconcileSubject)
	r.POST("/subjects/:type/:id/cancel", h.CancelPurchase)

	if h.webhook != nil {
		r.POST("/webhooks/gateway", h.Webhook)
	}

	r.GET("/entitlements/:id", h.EntitlementStatus)
	r.POST("/entitlements/:id/consume", h.Consume)
	r.GET("/owners/:id/entitlements", h.ListEntitlements)
}

// ---------- Purchases ----------

type purchaseBody struct {
	SubjectType string `json:"subject_type" binding:"required"`
	SubjectID   string `json:"subject_id" binding:"required"`
	PackageID   string `json:"package_id"`
	Amount      int64  `json:"amount"`
	Currency    string `json:"currency"`
	Description string `json:"description"`
	Payer       struct {
		UserID string `json:"user_id" binding:"required"`
		Name   string `json:"name"`
		Email  string `json:"email"`
		Phone  string `json:"phone"`
	} `json:"payer"`
}

func (h *Handler) InitiatePurchase(c *gin.Context) {
	var body purchaseBody
	if err := c.ShouldBindJSON(&body); err != nil {
		badRequest(c, err.Error())
		return
	}

	req := entitle.PurchaseRequest{
		SubjectType: payment.SubjectType(body.SubjectType),
		SubjectID:   body.SubjectID,
		Description: body.Description,
		Payer: payment.Payer{
			UserID: body.Payer.UserID,
			Name:   body.Payer.Name,
			Email:  body.Payer.Email,
			Phone:  body.Payer.Phone,
		},
	}
	if body.Amount != 0 {
		req.Amount = types.New(body.Amount, body.Currency)
	}
	if body.PackageID != "" {
		pkgID, err := id.ParsePackageID(body.PackageID)
		if err != nil {
			badRequest(c, fmt.Sprintf("invalid package_id: %v", err))
			return
		}
		req.PackageID = pkgID
	}

	co, err := h.eng.InitiatePurchase(c.Request.Context(), req)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, co)
}

func (h *Handler) Reconcile(c *gin.Context) {
	code, err := strconv.ParseInt(c.Param("code"), 10, 64)
	if err != nil || code <= 0 {
		badRequest(c, "invalid correlation code")
		return
	}

	out, err := h.eng.Reconcile(c.Request.Context(), code)
	if err != nil {
		h.fail(c, err)
		return
	}
	h.outcome(c, out)
}

func (h *Handler) ReconcileSubject(c *gin.Context) {
	st, ok := subjectType(c)
	if !ok {
		return
	}

	out, err := h.eng.ReconcileSubject(c.Request.Context(), st, c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	h.outcome(c, out)
}

type cancelBody struct {
	Reason string `json:"reason" binding:"max=255"`
}

func (h *Handler) CancelPurchase(c *gin.Context) {
	st, ok := subjectType(c)
	if !ok {
		return
	}

	var body cancelBody
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&body); err != nil {
			badRequest(c, err.Error())
			return
		}
	}

	rec, err := h.eng.CancelPurchase(c.Request.Context(), st, c.Param("id"), body.Reason)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

// outcome writes a reconciliation result. A payment that was received but
// whose entitlement is still being stored is reported as accepted.
func (h *Handler) outcome(c *gin.Context, out *entitle.Outcome) {
	if out.State == entitle.StateProcessing {
		c.JSON(http.StatusAccepted, gin.H{
			"message": "payment received, processing",
			"outcome": out,
		})
		return
	}
	c.JSON(http.StatusOK, out)
}

// ---------- Webhook ----------

// Webhook verifies and applies a gateway notification. Verified payloads
// are acknowledged with 200 whatever their result code, so the gateway
// stops retrying; only transient engine failures ask for a redelivery.
func (h *Handler) Webhook(c *gin.Context) {
	raw, err := readLimited(c, maxWebhookBody)
	if err != nil {
		badRequest(c, err.Error())
		return
	}

	p, err := h.webhook.DecodeWebhook(raw)
	if err != nil {
		h.logger.Warn("webhook rejected",
			"request_id", RequestIDFrom(c),
			"error", err,
		)
		h.fail(c, fmt.Errorf("%w: %v", entitle.ErrInvalidSignature, err))
		return
	}

	receipt, err := h.eng.HandleWebhook(c.Request.Context(), *p)
	if err != nil {
		if entitle.IsRetryable(err) {
			h.fail(c, err)
			return
		}
		// Rejections (amount mismatch, confirming a cancelled record) are
		// final; redelivery would not change them.
		h.logger.Warn("webhook not applied",
			"code", p.CorrelationCode,
			"error", err,
		)
		c.JSON(http.StatusOK, gin.H{"receipt": receipt, "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"receipt": receipt})
}

// ---------- Entitlements ----------

func (h *Handler) EntitlementStatus(c *gin.Context) {
	entID, ok := entitlementID(c)
	if !ok {
		return
	}

	view, err := h.eng.GetEntitlementStatus(c.Request.Context(), entID)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

type consumeBody struct {
	ServiceID string `json:"service_id" binding:"required"`
	Quantity  int64  `json:"quantity"`
}

func (h *Handler) Consume(c *gin.Context) {
	entID, ok := entitlementID(c)
	if !ok {
		return
	}

	var body consumeBody
	if err := c.ShouldBindJSON(&body); err != nil {
		badRequest(c, err.Error())
		return
	}
	if body.Quantity == 0 {
		body.Quantity = 1
	}

	res, err := h.eng.Consume(c.Request.Context(), entID, body.ServiceID, body.Quantity)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *Handler) ListEntitlements(c *gin.Context) {
	opts := entitlement.ListOpts{Status: entitlement.Status(c.Query("status"))}

	var err error
	if opts.Limit, err = queryInt(c, "limit"); err != nil {
		badRequest(c, err.Error())
		return
	}
	if opts.Offset, err = queryInt(c, "offset"); err != nil {
		badRequest(c, err.Error())
		return
	}

	ents, err := h.eng.ListEntitlements(c.Request.Context(), c.Param("id"), opts)
	if err != nil {
		h.fail(c, err)
		return
	}
	if ents == nil {
		ents = []*entitlement.Entitlement{}
	}
	c.JSON(http.StatusOK, gin.H{"entitlements": ents})
}

// ---------- Health ----------

func (h *Handler) Health(c *gin.Context) {
	if err := h.eng.Store().Ping(c.Request.Context()); err != nil {
		h.logger.Error("health check failed", "error", err)
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// ---------- Params ----------

func subjectType(c *gin.Context) (payment.SubjectType, bool) {
	st := payment.SubjectType(c.Param("type"))
	if !st.Valid() {
		badRequest(c, fmt.Sprintf("unknown subject type %q", c.Param("type")))
		return "", false
	}
	return st, true
}

func entitlementID(c *gin.Context) (id.EntitlementID, bool) {
	entID, err := id.ParseEntitlementID(c.Param("id"))
	if err != nil {
		badRequest(c, fmt.Sprintf("invalid entitlement id: %v", err))
		return id.Nil, false
	}
	return entID, true
}

func queryInt(c *gin.Context, key string) (int, error) {
	v := c.Query(key)
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid %s %q", key, v)
	}
	return n, nil
}

func readLimited(c *gin.Context, limit int64) ([]byte, error) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, limit)
	raw, err := c.GetRawData()
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	if len(raw) == 0 {
		return nil, fmt.Errorf("empty body")
	}
	return raw, nil
}
