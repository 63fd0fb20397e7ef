// Package catalog holds the purchasable package definitions that quota lines
// are copied from at materialization time.
package catalog

import (
	"time"

	"github.com/xraph/entitle/id"
	"github.com/xraph/entitle/types"
)

type PackageDefinition struct {
	types.Entity
	ID           id.PackageID `json:"id"`
	Name         string       `json:"name" validate:"required,max=255"`
	Price        types.Money  `json:"price"`
	DurationDays int          `json:"duration_days" validate:"gt=0"`
	Lines        []Line       `json:"lines" validate:"required,min=1,dive"`
	Active       bool         `json:"active"`
}

type Line struct {
	ServiceID string `json:"service_id" validate:"required"`
	Quantity  int64  `json:"quantity" validate:"gt=0"`
}

// Duration returns the validity window of an entitlement created from p.
func (p *PackageDefinition) Duration() time.Duration {
	return time.Duration(p.DurationDays) * 24 * time.Hour
}
