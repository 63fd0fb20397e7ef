package entitle

import (
	"github.com/xraph/entitle/entitlement"
	"github.com/xraph/entitle/payment"
	"github.com/xraph/entitle/types"
)

// Re-export common types so callers rarely need the leaf packages.

// Money is re-exported from types package.
type Money = types.Money

// Entity is re-exported from types package.
type Entity = types.Entity

// Re-export Money constructors.
var (
	VND = types.VND
	THB = types.THB
	USD = types.USD
)

// Subject types.
const (
	SubjectAppointment = payment.SubjectAppointment
	SubjectPackage     = payment.SubjectPackage
)

// Entitlement statuses.
const (
	StatusActive    = entitlement.StatusActive
	StatusExpired   = entitlement.StatusExpired
	StatusExhausted = entitlement.StatusExhausted
)

// DeriveStatus is re-exported from the entitlement package.
var DeriveStatus = entitlement.DeriveStatus
