// Package tenancy owns the Tenant and ApiKey records and verifies the opaque
// bearer secrets presented on every inbound request.
package tenancy

import "time"

// Tenant is the top-level isolation boundary. Every stored entity elsewhere
// in the system carries a non-empty TenantID that traces back to one of these.
type Tenant struct {
	ID        string
	Name      string
	CreatedAt time.Time
}

// ApiKey is an opaque bearer secret. Only Hash is ever persisted; the
// plaintext secret is returned to the caller once, at creation time, and
// never stored or logged.
type ApiKey struct {
	ID         string
	TenantID   string
	Hash       string
	Active     bool
	CreatedAt  time.Time
	LastUsedAt *time.Time
}
