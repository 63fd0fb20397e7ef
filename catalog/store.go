package catalog

import (
	"context"

	"github.com/xraph/entitle/id"
)

// Catalog is the read-only lookup used when materializing entitlements.
type Catalog interface {
	GetPackage(ctx context.Context, pkgID id.PackageID) (*PackageDefinition, error)
}

type Store interface {
	Catalog
	// SavePackage inserts or replaces a package definition.
	SavePackage(ctx context.Context, p *PackageDefinition) error
}
