package entitlement

import "time"

// DeriveStatus computes the lifecycle status from the expiry date, the
// quota lines and now. Expiry takes precedence over exhaustion.
//
// An entitlement without any quota line is never exhausted.
func DeriveStatus(e *Entitlement, now time.Time) Status {
	if now.After(e.ExpiryDate) {
		return StatusExpired
	}
	if len(e.Lines) > 0 && allUsed(e.Lines) {
		return StatusExhausted
	}
	return StatusActive
}

// Refresh recomputes the cached Status and reports whether it changed.
func Refresh(e *Entitlement, now time.Time) bool {
	s := DeriveStatus(e, now)
	if s == e.Status {
		return false
	}
	e.Status = s
	return true
}

func allUsed(lines []QuotaLine) bool {
	for _, l := range lines {
		if l.UsedQuantity < l.MaxQuantity {
			return false
		}
	}
	return true
}
