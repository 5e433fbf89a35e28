package tenants

import (
	"github.com/pkg/errors"

	"github.com/jrsteele09/go-session-core/storage"
)

// ErrNotFound is returned by Get for unknown tenant keys.
var ErrNotFound = errors.New("tenant not found")

type Repo interface {
	Upsert(tenant *Tenant) error
	Delete(key storage.TenantKey) error
	Get(key storage.TenantKey) (*Tenant, error)
	List(offset, limit int) ([]*Tenant, error)
}
