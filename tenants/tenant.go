// Package tenants is the registry of tenants known to the engine. A tenant
// is an isolated keyspace: its own signing keys, its own refresh-token
// master key, its own session rows. The registry decides which tenant keys
// the engine accepts at all.
package tenants

import (
	"time"

	"github.com/jrsteele09/go-session-core/storage"
)

// DefaultTenant is the tenant every deployment starts with.
const DefaultTenant = storage.TenantKey("public")

// Tenant holds the registry entry for one tenant.
type Tenant struct {
	Key       storage.TenantKey `json:"key"`
	Name      string            `json:"name"`
	Disabled  bool              `json:"disabled"` // disabled tenants keep their data but reject operations
	CreatedAt time.Time         `json:"created_at"`
}
