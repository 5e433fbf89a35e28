package tenantrepofakes

import (
	"sort"
	"sync"
	"time"

	"github.com/jrsteele09/go-session-core/storage"
	"github.com/jrsteele09/go-session-core/tenants"
)

var _ tenants.Repo = (*FakeTenantRepo)(nil)

type FakeTenantRepo struct {
	tenants map[storage.TenantKey]*tenants.Tenant
	lock    sync.RWMutex
}

// NewFakeTenantRepo returns an in-memory registry seeded with the default
// tenant.
func NewFakeTenantRepo() tenants.Repo {
	repo := &FakeTenantRepo{
		tenants: make(map[storage.TenantKey]*tenants.Tenant),
	}
	repo.tenants[tenants.DefaultTenant] = &tenants.Tenant{
		Key:       tenants.DefaultTenant,
		Name:      "public",
		CreatedAt: time.Now(),
	}
	return repo
}

func (tr *FakeTenantRepo) Upsert(tenantData *tenants.Tenant) error {
	tr.lock.Lock()
	defer tr.lock.Unlock()
	tr.tenants[tenantData.Key] = tenantData
	return nil
}

func (tr *FakeTenantRepo) Delete(key storage.TenantKey) error {
	tr.lock.Lock()
	defer tr.lock.Unlock()
	delete(tr.tenants, key)
	return nil
}

func (tr *FakeTenantRepo) Get(key storage.TenantKey) (*tenants.Tenant, error) {
	tr.lock.RLock()
	defer tr.lock.RUnlock()
	tenant, ok := tr.tenants[key]
	if !ok {
		return nil, tenants.ErrNotFound
	}
	return tenant, nil
}

func (tr *FakeTenantRepo) List(offset, limit int) ([]*tenants.Tenant, error) {
	tr.lock.RLock()
	defer tr.lock.RUnlock()

	all := make([]*tenants.Tenant, 0, len(tr.tenants))
	for _, t := range tr.tenants {
		all = append(all, t)
	}
	sort.Slice(all, func(i, j int) bool {
		return all[i].Key < all[j].Key
	})

	if offset >= len(all) {
		return nil, nil
	}
	end := offset + limit
	if end > len(all) {
		end = len(all)
	}
	return all[offset:end], nil
}
