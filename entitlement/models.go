package entitlement

import (
	"time"

	"github.com/xraph/entitle/id"
	"github.com/xraph/entitle/types"
)

type Status string

const (
	StatusActive    Status = "active"
	StatusExpired   Status = "expired"
	StatusExhausted Status = "exhausted"
)

// Entitlement is the purchased right to consume a bounded quantity of
// services within a time window. Status is a cache of DeriveStatus and is
// never consulted when gating consumption.
type Entitlement struct {
	types.Entity
	ID           id.EntitlementID `json:"id"`
	OwnerID      string           `json:"owner_id"`
	PackageID    id.PackageID     `json:"package_id"`
	PaymentID    id.PaymentID     `json:"payment_id"`
	PurchaseDate time.Time        `json:"purchase_date"`
	ExpiryDate   time.Time        `json:"expiry_date"`
	Status       Status           `json:"status"`
	Lines        []QuotaLine      `json:"lines"`
	Version      int64            `json:"version"`
}

type QuotaLine struct {
	ServiceID    string `json:"service_id"`
	MaxQuantity  int64  `json:"max_quantity"`
	UsedQuantity int64  `json:"used_quantity"`
}

// Remaining returns MaxQuantity - UsedQuantity.
func (l QuotaLine) Remaining() int64 { return l.MaxQuantity - l.UsedQuantity }

// Line returns the quota line for serviceID, or nil.
func (e *Entitlement) Line(serviceID string) *QuotaLine {
	for i := range e.Lines {
		if e.Lines[i].ServiceID == serviceID {
			return &e.Lines[i]
		}
	}
	return nil
}

// Clone returns a deep copy so callers can mutate lines without touching
// a shared instance.
func (e *Entitlement) Clone() *Entitlement {
	c := *e
	c.Lines = make([]QuotaLine, len(e.Lines))
	copy(c.Lines, e.Lines)
	return &c
}

type ListOpts struct {
	Status Status
	Limit  int
	Offset int
}
