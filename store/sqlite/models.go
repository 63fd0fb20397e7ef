package sqlite

import (
	"encoding/json"
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

	ID              string     `grove:"id,pk"`
	CorrelationCode int64      `grove:"correlation_code"`
	SubjectType     string     `grove:"subject_type"`
	SubjectID       string     `grove:"subject_id"`
	PackageID       string     `grove:"package_id"`
	PayerUserID     string     `grove:"payer_user_id"`
	PayerName       string     `grove:"payer_name"`
	PayerEmail      string     `grove:"payer_email"`
	PayerPhone      string     `grove:"payer_phone"`
	Amount          int64      `grove:"amount"`
	Currency        string     `grove:"currency"`
	Description     string     `grove:"description"`
	Status          string     `grove:"status"`
	CheckoutURL     string     `grove:"checkout_url"`
	QRCode          string     `grove:"qr_code"`
	ExpiresAt       time.Time  `grove:"expires_at"`
	ConfirmedAt     *time.Time `grove:"confirmed_at"`
	TransactionRef  string     `grove:"transaction_ref"`
	TransactionTime *time.Time `grove:"transaction_time"`
	EntitlementID   string     `grove:"entitlement_id"`
	CancelReason    string     `grove:"cancel_reason"`
	Attempts        int        `grove:"attempts"`
	Version         int64      `grove:"version"`
	CreatedAt       time.Time  `grove:"created_at"`
	UpdatedAt       time.Time  `grove:"updated_at"`
}

func toPaymentModel(r *payment.Record) *paymentModel {
	m := &paymentModel{
		ID:              r.ID.String(),
		CorrelationCode: r.CorrelationCode,
		SubjectType:     string(r.SubjectType),
		SubjectID:       r.SubjectID,
		PayerUserID:     r.Payer.UserID,
		PayerName:       r.Payer.Name,
		PayerEmail:      r.Payer.Email,
		PayerPhone:      r.Payer.Phone,
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
		return nil, err
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
			UserID: m.PayerUserID,
			Name:   m.PayerName,
			Email:  m.PayerEmail,
			Phone:  m.PayerPhone,
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
			return nil, err
		}
	}
	if m.EntitlementID != "" {
		if r.EntitlementID, err = id.ParseEntitlementID(m.EntitlementID); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// ==================== Entitlement models ====================

type entitlementModel struct {
	grove.BaseModel `grove:"table:entitle_entitlements"`

	ID           string          `grove:"id,pk"`
	OwnerID      string          `grove:"owner_id"`
	PackageID    string          `grove:"package_id"`
	PaymentID    string          `grove:"payment_id"`
	PurchaseDate time.Time       `grove:"purchase_date"`
	ExpiryDate   time.Time       `grove:"expiry_date"`
	Status       string          `grove:"status"`
	Lines        json.RawMessage `grove:"lines"`
	Version      int64           `grove:"version"`
	CreatedAt    time.Time       `grove:"created_at"`
	UpdatedAt    time.Time       `grove:"updated_at"`
}

func toEntitlementModel(e *entitlement.Entitlement) (*entitlementModel, error) {
	lines, err := json.Marshal(e.Lines)
	if err != nil {
		return nil, err
	}

	return &entitlementModel{
		ID:           e.ID.String(),
		OwnerID:      e.OwnerID,
		PackageID:    e.PackageID.String(),
		PaymentID:    e.PaymentID.String(),
		PurchaseDate: e.PurchaseDate,
		ExpiryDate:   e.ExpiryDate,
		Status:       string(e.Status),
		Lines:        lines,
		Version:      e.Version,
		CreatedAt:    e.CreatedAt,
		UpdatedAt:    e.UpdatedAt,
	}, nil
}

func fromEntitlementModel(m *entitlementModel) (*entitlement.Entitlement, error) {
	entID, err := id.ParseEntitlementID(m.ID)
	if err != nil {
		return nil, err
	}
	pkgID, err := id.ParsePackageID(m.PackageID)
	if err != nil {
		return nil, err
	}
	paymentID, err := id.ParsePaymentID(m.PaymentID)
	if err != nil {
		return nil, err
	}

	// Quota counters are authoritative; a row whose lines cannot be read
	// must surface as an error rather than an empty grant.
	var lines []entitlement.QuotaLine
	if len(m.Lines) > 0 {
		if err := json.Unmarshal(m.Lines, &lines); err != nil {
			return nil, err
		}
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

	ID            string          `grove:"id,pk"`
	Name          string          `grove:"name"`
	PriceAmount   int64           `grove:"price_amount"`
	PriceCurrency string          `grove:"price_currency"`
	DurationDays  int             `grove:"duration_days"`
	Lines         json.RawMessage `grove:"lines"`
	Active        bool            `grove:"active"`
	CreatedAt     time.Time       `grove:"created_at"`
	UpdatedAt     time.Time       `grove:"updated_at"`
}

func toPackageModel(p *catalog.PackageDefinition) *packageModel {
	lines, _ := json.Marshal(p.Lines) //nolint:errcheck // plain structs always marshal

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
		return nil, err
	}

	var lines []catalog.Line
	if len(m.Lines) > 0 {
		if err := json.Unmarshal(m.Lines, &lines); err != nil {
			return nil, err
		}
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
