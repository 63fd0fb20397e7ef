package mongo

import (
	"fmt"
	"time"

	"github.com/xraph/grove"

	"github.com/xraph/entitle/catalog"
	"github.com/xraph/entitle/entitlement"
	"github.com/xraph/entitle/id"
	"github.com/xraph/entitle/payment"
	"github.com/xraph/entitle/types"
)

// ==================== Payment models ====================

type paymentModel struct {
	grove.BaseModel `grove:"table:entitle_payments"`

	ID              string     `grove:"id,pk"            bson:"_id"`
	CorrelationCode int64      `grove:"correlation_code" bson:"correlation_code"`
	SubjectType     string     `grove:"subject_type"     bson:"subject_type"`
	SubjectID       string     `grove:"subject_id"       bson:"subject_id"`
	PackageID       string     `grove:"package_id"       bson:"package_id"`
	Payer           payerModel `grove:"payer"            bson:"payer"`
	Amount          int64      `grove:"amount"           bson:"amount"`
	Currency        string     `grove:"currency"         bson:"currency"`
	Description     string     `grove:"description"      bson:"description"`
	Status          string     `grove:"status"           bson:"status"`
	CheckoutURL     string     `grove:"checkout_url"     bson:"checkout_url"`
	QRCode          string     `grove:"qr_code"          bson:"qr_code"`
	ExpiresAt       time.Time  `grove:"expires_at"       bson:"expires_at"`
	ConfirmedAt     *time.Time `grove:"confirmed_at"     bson:"confirmed_at,omitempty"`
	TransactionRef  string     `grove:"transaction_ref"  bson:"transaction_ref"`
	TransactionTime *time.Time `grove:"transaction_time" bson:"transaction_time,omitempty"`
	EntitlementID   string     `grove:"entitlement_id"   bson:"entitlement_id"`
	CancelReason    string     `grove:"cancel_reason"    bson:"cancel_reason"`
	Attempts        int        `grove:"attempts"         bson:"attempts"`
	Version         int64      `grove:"version"          bson:"version"`
	CreatedAt       time.Time  `grove:"created_at"       bson:"created_at"`
	UpdatedAt       time.Time  `grove:"updated_at"       bson:"updated_at"`
}

type payerModel struct {
	UserID string `bson:"user_id"`
	Name   string `bson:"name,omitempty"`
	Email  string `bson:"email,omitempty"`
	Phone  string `bson:"phone,omitempty"`
}

func toPaymentModel(r *payment.Record) *paymentModel {
	m := &paymentModel{
		ID:              r.ID.String(),
		CorrelationCode: r.CorrelationCode,
		SubjectType:     string(r.SubjectType),
		SubjectID:       r.SubjectID,
		Payer: payerModel{
			UserID: r.Payer.UserID,
			Name:   r.Payer.Name,
			Email:  r.Payer.Email,
			Phone:  r.Payer.Phone,
		},
		Amount:          r.Amount.Amount,
		Currency:        r.Amount.Currency,
		Description:     r.Description,
		Status:          string(r.Status),
		CheckoutURL:     r.CheckoutURL,
		QRCode:          r.QRCode,
		ExpiresAt:       r.ExpiresAt,
		ConfirmedAt:     r.ConfirmedAt,
		TransactionRef:  r.TransactionRef,
		TransactionTime: r.TransactionTime,
		CancelReason:    r.CancelReason,
		Attempts:        r.Attempts,
		Version:         r.Version,
		CreatedAt:       r.CreatedAt,
		UpdatedAt:       r.UpdatedAt,
	}
	if !r.PackageID.IsNil() {
		m.PackageID = r.PackageID.String()
	}
	if !r.EntitlementID.IsNil() {
		m.EntitlementID = r.EntitlementID.String()
	}
	return m
}

func fromPaymentModel(m *paymentModel) (*payment.Record, error) {
	paymentID, err := id.ParsePaymentID(m.ID)
	if err != nil {
		return nil, fmt.Errorf("parse payment id %q: %w", m.ID, err)
	}

	r := &payment.Record{
		Entity: types.Entity{
			CreatedAt: m.CreatedAt,
			UpdatedAt: m.UpdatedAt,
		},
		ID:              paymentID,
		CorrelationCode: m.CorrelationCode,
		SubjectType:     payment.SubjectType(m.SubjectType),
		SubjectID:       m.SubjectID,
		Payer: payment.Payer{
			UserID: m.Payer.UserID,
			Name:   m.Payer.Name,
			Email:  m.Payer.Email,
			Phone:  m.Payer.Phone,
		},
		Amount:          types.Money{Amount: m.Amount, Currency: m.Currency},
		Description:     m.Description,
		Status:          payment.Status(m.Status),
		CheckoutURL:     m.CheckoutURL,
		QRCode:          m.QRCode,
		ExpiresAt:       m.ExpiresAt,
		ConfirmedAt:     m.ConfirmedAt,
		TransactionRef:  m.TransactionRef,
		TransactionTime: m.TransactionTime,
		CancelReason:    m.CancelReason,
		Attempts:        m.Attempts,
		Version:         m.Version,
	}

	if m.PackageID != "" {
		if r.PackageID, err = id.ParsePackageID(m.PackageID); err != nil {
			return nil, fmt.Errorf("parse package id %q: %w", m.PackageID, err)
		}
	}
	if m.EntitlementID != "" {
		if r.EntitlementID, err = id.ParseEntitlementID(m.EntitlementID); err != nil {
			return nil, fmt.Errorf("parse entitlement id %q: %w", m.EntitlementID, err)
		}
	}
	return r, nil
}

// ==================== Entitlement models ====================

type entitlementModel struct {
	grove.BaseModel `grove:"table:entitle_entitlements"`

	ID           string           `grove:"id,pk"         bson:"_id"`
	OwnerID      string           `grove:"owner_id"      bson:"owner_id"`
	PackageID    string           `grove:"package_id"    bson:"package_id"`
	PaymentID    string           `grove:"payment_id"    bson:"payment_id"`
	PurchaseDate time.Time        `grove:"purchase_date" bson:"purchase_date"`
	ExpiryDate   time.Time        `grove:"expiry_date"   bson:"expiry_date"`
	Status       string           `grove:"status"        bson:"status"`
	Lines        []quotaLineModel `grove:"lines"         bson:"lines"`
	Version      int64            `grove:"version"       bson:"version"`
	CreatedAt    time.Time        `grove:"created_at"    bson:"created_at"`
	UpdatedAt    time.Time        `grove:"updated_at"    bson:"updated_at"`
}

type quotaLineModel struct {
	ServiceID    string `bson:"service_id"`
	MaxQuantity  int64  `bson:"max_quantity"`
	UsedQuantity int64  `bson:"used_quantity"`
}

func toQuotaLineModels(lines []entitlement.QuotaLine) []quotaLineModel {
	out := make([]quotaLineModel, len(lines))
	for i, l := range lines {
		out[i] = quotaLineModel{ServiceID: l.ServiceID, MaxQuantity: l.MaxQuantity, UsedQuantity: l.UsedQuantity}
	}
	return out
}

func toEntitlementModel(e *entitlement.Entitlement) *entitlementModel {
	return &entitlementModel{
		ID:           e.ID.String(),
		OwnerID:      e.OwnerID,
		PackageID:    e.PackageID.String(),
		PaymentID:    e.PaymentID.String(),
		PurchaseDate: e.PurchaseDate,
		ExpiryDate:   e.ExpiryDate,
		Status:       string(e.Status),
		Lines:        toQuotaLineModels(e.Lines),
		Version:      e.Version,
		CreatedAt:    e.CreatedAt,
		UpdatedAt:    e.UpdatedAt,
	}
}

func fromEntitlementModel(m *entitlementModel) (*entitlement.Entitlement, error) {
	entID, err := id.ParseEntitlementID(m.ID)
	if err != nil {
		return nil, fmt.Errorf("parse entitlement id %q: %w", m.ID, err)
	}
	pkgID, err := id.ParsePackageID(m.PackageID)
	if err != nil {
		return nil, fmt.Errorf("parse package id %q: %w", m.PackageID, err)
	}
	paymentID, err := id.ParsePaymentID(m.PaymentID)
	if err != nil {
		return nil, fmt.Errorf("parse payment id %q: %w", m.PaymentID, err)
	}

	lines := make([]entitlement.QuotaLine, len(m.Lines))
	for i, l := range m.Lines {
		lines[i] = entitlement.QuotaLine{ServiceID: l.ServiceID, MaxQuantity: l.MaxQuantity, UsedQuantity: l.UsedQuantity}
	}

	return &entitlement.Entitlement{
		Entity: types.Entity{
			CreatedAt: m.CreatedAt,
			UpdatedAt: m.UpdatedAt,
		},
		ID:           entID,
		OwnerID:      m.OwnerID,
		PackageID:    pkgID,
		PaymentID:    paymentID,
		PurchaseDate: m.PurchaseDate,
		ExpiryDate:   m.ExpiryDate,
		Status:       entitlement.Status(m.Status),
		Lines:        lines,
		Version:      m.Version,
	}, nil
}

// ==================== Package models ====================

type packageModel struct {
	grove.BaseModel `grove:"table:entitle_packages"`

	ID            string             `grove:"id,pk"          bson:"_id"`
	Name          string             `grove:"name"           bson:"name"`
	PriceAmount   int64              `grove:"price_amount"   bson:"price_amount"`
	PriceCurrency string             `grove:"price_currency" bson:"price_currency"`
	DurationDays  int                `grove:"duration_days"  bson:"duration_days"`
	Lines         []packageLineModel `grove:"lines"          bson:"lines"`
	Active        bool               `grove:"active"         bson:"active"`
	CreatedAt     time.Time          `grove:"created_at"     bson:"created_at"`
	UpdatedAt     time.Time          `grove:"updated_at"     bson:"updated_at"`
}

type packageLineModel struct {
	ServiceID string `bson:"service_id"`
	Quantity  int64  `bson:"quantity"`
}

func toPackageModel(p *catalog.PackageDefinition) *packageModel {
	lines := make([]packageLineModel, len(p.Lines))
	for i, l := range p.Lines {
		lines[i] = packageLineModel{ServiceID: l.ServiceID, Quantity: l.Quantity}
	}

	return &packageModel{
		ID:            p.ID.String(),
		Name:          p.Name,
		PriceAmount:   p.Price.Amount,
		PriceCurrency: p.Price.Currency,
		DurationDays:  p.DurationDays,
		Lines:         lines,
		Active:        p.Active,
		CreatedAt:     p.CreatedAt,
		UpdatedAt:     p.UpdatedAt,
	}
}

func fromPackageModel(m *packageModel) (*catalog.PackageDefinition, error) {
	pkgID, err := id.ParsePackageID(m.ID)
	if err != nil {
		return nil, fmt.Errorf("parse package id %q: %w", m.ID, err)
	}

	lines := make([]catalog.Line, len(m.Lines))
	for i, l := range m.Lines {
		lines[i] = catalog.Line{ServiceID: l.ServiceID, Quantity: l.Quantity}
	}

	return &catalog.PackageDefinition{
		Entity: types.Entity{
			CreatedAt: m.CreatedAt,
			UpdatedAt: m.UpdatedAt,
		},
		ID:           pkgID,
		Name:         m.Name,
		Price:        types.Money{Amount: m.PriceAmount, Currency: m.PriceCurrency},
		DurationDays: m.DurationDays,
		Lines:        lines,
		Active:       m.Active,
	}, nil
}
