// Package memory is an in-process store.Store for tests and single-node
// development. Records are copied on the way in and out so callers never
// share state with the store.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/xraph/entitle"
	"github.com/xraph/entitle/catalog"
	"github.com/xraph/entitle/entitlement"
	"github.com/xraph/entitle/id"
	"github.com/xraph/entitle/payment"
	"github.com/xraph/entitle/store"
)

var _ store.Store = (*Store)(nil)

type Store struct {
	mu sync.RWMutex

	// Payment storage, with lookups by subject and correlation code
	payments  map[string]*payment.Record
	bySubject map[string]string
	byCode    map[int64]string

	// Entitlement storage, with lookup by source payment
	entitlements map[string]*entitlement.Entitlement
	byPayment    map[string]string

	// Catalog storage
	packages map[string]*catalog.PackageDefinition
}

func New() *Store {
	return &Store{
		payments:     make(map[string]*payment.Record),
		bySubject:    make(map[string]string),
		byCode:       make(map[int64]string),
		entitlements: make(map[string]*entitlement.Entitlement),
		byPayment:    make(map[string]string),
		packages:     make(map[string]*catalog.PackageDefinition),
	}
}

func subjectKey(t payment.SubjectType, subjectID string) string {
	return string(t) + "/" + subjectID
}

// ──────────────────────────────────────────────────
// Payment Store implementation
// ──────────────────────────────────────────────────

func (s *Store) CreatePayment(_ context.Context, r *payment.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := r.ID.String()
	if _, exists := s.payments[key]; exists {
		return entitle.ErrAlreadyExists
	}
	if _, exists := s.bySubject[subjectKey(r.SubjectType, r.SubjectID)]; exists {
		return entitle.ErrAlreadyExists
	}
	if _, exists := s.byCode[r.CorrelationCode]; exists {
		return entitle.ErrAlreadyExists
	}

	s.payments[key] = r.Clone()
	s.bySubject[subjectKey(r.SubjectType, r.SubjectID)] = key
	s.byCode[r.CorrelationCode] = key
	return nil
}

func (s *Store) GetPayment(_ context.Context, paymentID id.PaymentID) (*payment.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if r, ok := s.payments[paymentID.String()]; ok {
		return r.Clone(), nil
	}
	return nil, entitle.ErrPaymentNotFound
}

func (s *Store) GetPaymentByCode(_ context.Context, code int64) (*payment.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if key, ok := s.byCode[code]; ok {
		return s.payments[key].Clone(), nil
	}
	return nil, entitle.ErrPaymentNotFound
}

func (s *Store) GetPaymentBySubject(_ context.Context, subjectType payment.SubjectType, subjectID string) (*payment.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if key, ok := s.bySubject[subjectKey(subjectType, subjectID)]; ok {
		return s.payments[key].Clone(), nil
	}
	return nil, entitle.ErrPaymentNotFound
}

func (s *Store) UpdatePayment(_ context.Context, r *payment.Record, expectedVersion int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := r.ID.String()
	stored, ok := s.payments[key]
	if !ok {
		return entitle.ErrPaymentNotFound
	}
	if stored.Version != expectedVersion {
		return entitle.ErrVersionConflict
	}
	if r.CorrelationCode != stored.CorrelationCode {
		if _, taken := s.byCode[r.CorrelationCode]; taken {
			return entitle.ErrAlreadyExists
		}
		delete(s.byCode, stored.CorrelationCode)
		s.byCode[r.CorrelationCode] = key
	}

	r.Version = expectedVersion + 1
	r.EntitlementID = stored.EntitlementID
	s.payments[key] = r.Clone()
	return nil
}

func (s *Store) StampEntitlement(_ context.Context, paymentID id.PaymentID, entID id.EntitlementID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.payments[paymentID.String()]
	if !ok {
		return entitle.ErrPaymentNotFound
	}
	if stored.Materialized() {
		return entitle.ErrAlreadyMaterialized
	}

	next := stored.Clone()
	next.EntitlementID = entID
	next.Version++
	next.Touch()
	s.payments[paymentID.String()] = next
	return nil
}

func (s *Store) ListExpiredPending(_ context.Context, now time.Time, afterID id.PaymentID, limit int) ([]*payment.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	after := afterID.String()
	result := make([]*payment.Record, 0)
	for key, r := range s.payments {
		if r.Status == payment.StatusPending && r.ExpiresAt.Before(now) && key > after {
			result = append(result, r.Clone())
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID.String() < result[j].ID.String() })

	return truncate(result, limit), nil
}

func (s *Store) ListUnmaterialized(_ context.Context, limit int) ([]*payment.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*payment.Record, 0)
	for _, r := range s.payments {
		if r.Status == payment.StatusSuccess && r.SubjectType.RequiresEntitlement() && !r.Materialized() {
			result = append(result, r.Clone())
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID.String() < result[j].ID.String() })

	return truncate(result, limit), nil
}

// ──────────────────────────────────────────────────
// Entitlement Store implementation
// ──────────────────────────────────────────────────

func (s *Store) CreateEntitlement(_ context.Context, e *entitlement.Entitlement) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := e.ID.String()
	if _, exists := s.entitlements[key]; exists {
		return entitle.ErrAlreadyExists
	}
	if _, exists := s.byPayment[e.PaymentID.String()]; exists {
		return entitle.ErrAlreadyExists
	}

	s.entitlements[key] = e.Clone()
	s.byPayment[e.PaymentID.String()] = key
	return nil
}

func (s *Store) GetEntitlement(_ context.Context, entID id.EntitlementID) (*entitlement.Entitlement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if e, ok := s.entitlements[entID.String()]; ok {
		return e.Clone(), nil
	}
	return nil, entitle.ErrEntitlementNotFound
}

func (s *Store) GetEntitlementByPayment(_ context.Context, paymentID id.PaymentID) (*entitlement.Entitlement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if key, ok := s.byPayment[paymentID.String()]; ok {
		return s.entitlements[key].Clone(), nil
	}
	return nil, entitle.ErrEntitlementNotFound
}

func (s *Store) ListEntitlements(_ context.Context, ownerID string, opts entitlement.ListOpts) ([]*entitlement.Entitlement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*entitlement.Entitlement, 0)
	for _, e := range s.entitlements {
		if e.OwnerID == ownerID && (opts.Status == "" || e.Status == opts.Status) {
			result = append(result, e.Clone())
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID.String() < result[j].ID.String() })

	// Apply limit/offset
	start := opts.Offset
	if start > len(result) {
		start = len(result)
	}
	end := start + opts.Limit
	if opts.Limit == 0 || end > len(result) {
		end = len(result)
	}

	return result[start:end], nil
}

func (s *Store) ListEntitlementsForRefresh(_ context.Context, afterID id.EntitlementID, limit int) ([]*entitlement.Entitlement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	after := afterID.String()
	result := make([]*entitlement.Entitlement, 0)
	for key, e := range s.entitlements {
		if e.Status != entitlement.StatusExpired && key > after {
			result = append(result, e.Clone())
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID.String() < result[j].ID.String() })

	return truncate(result, limit), nil
}

func (s *Store) UpdateEntitlement(_ context.Context, e *entitlement.Entitlement, expectedVersion int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := e.ID.String()
	stored, ok := s.entitlements[key]
	if !ok {
		return entitle.ErrEntitlementNotFound
	}
	if stored.Version != expectedVersion {
		return entitle.ErrVersionConflict
	}

	e.Version = expectedVersion + 1
	s.entitlements[key] = e.Clone()
	return nil
}

// ──────────────────────────────────────────────────
// Catalog Store implementation
// ──────────────────────────────────────────────────

func (s *Store) SavePackage(_ context.Context, p *catalog.PackageDefinition) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := *p
	c.Lines = append([]catalog.Line(nil), p.Lines...)
	s.packages[p.ID.String()] = &c
	return nil
}

func (s *Store) GetPackage(_ context.Context, pkgID id.PackageID) (*catalog.PackageDefinition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.packages[pkgID.String()]
	if !ok {
		return nil, entitle.ErrPackageNotFound
	}
	c := *p
	c.Lines = append([]catalog.Line(nil), p.Lines...)
	return &c, nil
}

// ──────────────────────────────────────────────────
// Core methods
// ──────────────────────────────────────────────────

func (s *Store) Migrate(_ context.Context) error { return nil }

func (s *Store) Ping(_ context.Context) error { return nil }

func (s *Store) Close() error { return nil }

// Stats reports row counts, for tests and debugging.
func (s *Store) Stats() map[string]int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return map[string]int{
		"payments":     len(s.payments),
		"entitlements": len(s.entitlements),
		"packages":     len(s.packages),
	}
}

func truncate[T any](rows []T, limit int) []T {
	if limit > 0 && len(rows) > limit {
		return rows[:limit]
	}
	return rows
}
