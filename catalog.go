package entitle

import (
	"context"

	"github.com/xraph/entitle/catalog"
	"github.com/xraph/entitle/id"
	"github.com/xraph/entitle/types"
)

// RegisterPackage validates and stores a package definition. Entitlements
// copy its lines when they are materialized, so later changes never reach
// existing entitlements.
func (e *Engine) RegisterPackage(ctx context.Context, p *catalog.PackageDefinition) error {
	if err := validateStruct(p); err != nil {
		return err
	}

	var errs MultiError
	seen := make(map[string]bool, len(p.Lines))
	for _, l := range p.Lines {
		if seen[l.ServiceID] {
			errs.Add(ValidationError{Field: "PackageDefinition.Lines", Message: "duplicate service " + l.ServiceID})
		}
		seen[l.ServiceID] = true
	}
	if !p.Price.IsPositive() {
		errs.Add(ValidationError{Field: "PackageDefinition.Price", Message: "must be positive"})
	}
	if err := errs.ErrOrNil(); err != nil {
		return err
	}

	now := e.now()
	if p.ID.IsNil() {
		p.ID = id.NewPackageID()
		p.Entity = types.NewEntityAt(now)
	} else {
		p.TouchAt(now)
		if p.CreatedAt.IsZero() {
			p.CreatedAt = now
		}
	}

	if err := e.store.SavePackage(ctx, p); err != nil {
		return err
	}

	e.logger.Info("package registered",
		"package_id", p.ID.String(),
		"name", p.Name,
		"lines", len(p.Lines),
		"duration_days", p.DurationDays,
	)
	return nil
}

// GetPackage returns a package definition.
func (e *Engine) GetPackage(ctx context.Context, pkgID id.PackageID) (*catalog.PackageDefinition, error) {
	return e.store.GetPackage(ctx, pkgID)
}
