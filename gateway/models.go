package gateway

import (
	"github.com/jmcleod/certgate/journal"
	"github.com/jmcleod/certgate/pki"
)

// ErrorResponse is returned for all error cases.
type ErrorResponse struct {
	Error string `json:"error"`
}

// TenantInfo describes a configured tenant.
type TenantInfo struct {
	Name          string        `json:"name"`
	PathPrefix    string        `json:"path_prefix"`
	Upstream      string        `json:"upstream"`
	HeaderName    string        `json:"header_name"`
	ValiditySecs  int           `json:"validity_secs"`
	CacheDisabled bool          `json:"cache_disabled"`
	FixedIdentity bool          `json:"fixed_identity"`
	Loaded        bool          `json:"loaded"`
	CA            *pki.CertInfo `json:"ca,omitempty"`
}

// ListTenantsResponse is returned by GET /tenants.
type ListTenantsResponse struct {
	Tenants []TenantInfo `json:"tenants"`
}

// JournalResponse is returned by GET /journal.
type JournalResponse struct {
	Records []journal.Record `json:"records"`
	Limit   int              `json:"limit"`
}
