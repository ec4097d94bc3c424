package tenant

import (
	"context"
	"fmt"

	"github.com/scanvault/scanvault/internal/model"
	"github.com/scanvault/scanvault/internal/store"
)

// Registry resolves client addresses to tenants and serves tenant-facing
// settings and usage reads. First contact creates the tenant record.
type Registry struct {
	hasher       *Hasher
	store        store.Store
	defaultQuota int64
}

// NewRegistry constructs the registry.
func NewRegistry(hasher *Hasher, st store.Store, defaultQuota int64) *Registry {
	return &Registry{hasher: hasher, store: st, defaultQuota: defaultQuota}
}

// Resolve maps an address to its tenant, creating the record if absent.
func (r *Registry) Resolve(ctx context.Context, address string) (*model.Tenant, error) {
	id := r.hasher.TenantIDFor(address)
	t, err := r.store.EnsureTenant(ctx, id, r.defaultQuota, model.DefaultSettings())
	if err != nil {
		return nil, fmt.Errorf("ensure tenant: %w", err)
	}
	return t, nil
}

// TenantIDFor exposes the pure hash for callers that must not create rows.
func (r *Registry) TenantIDFor(address string) model.TenantID {
	return r.hasher.TenantIDFor(address)
}

// Get returns the tenant record.
func (r *Registry) Get(ctx context.Context, id model.TenantID) (*model.Tenant, error) {
	return r.store.GetTenant(ctx, id)
}

// Info combines the tenant record with its live session count for the
// user-info endpoint.
func (r *Registry) Info(ctx context.Context, id model.TenantID) (*model.Tenant, int, error) {
	t, err := r.store.GetTenant(ctx, id)
	if err != nil {
		return nil, 0, err
	}
	sessions, err := r.store.ActiveSessionCount(ctx, id)
	if err != nil {
		return nil, 0, err
	}
	return t, sessions, nil
}

// UpdateSettings validates and stores new default recognition settings.
func (r *Registry) UpdateSettings(ctx context.Context, id model.TenantID, s model.RecognitionSettings) error {
	if err := s.Validate(); err != nil {
		return err
	}
	return r.store.UpdateTenantSettings(ctx, id, s)
}
