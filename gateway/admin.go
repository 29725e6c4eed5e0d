package gateway

import (
	_ "embed"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-openapi/runtime/middleware"

	"github.com/jmcleod/certgate/config"
	"github.com/jmcleod/certgate/issuer"
	"github.com/jmcleod/certgate/journal"
	"github.com/jmcleod/certgate/pki"
)

const (
	defaultJournalLimit = 100
	maxJournalLimit     = 1000
)

//go:embed openapi.yaml
var openapiSpec []byte

// Admin serves the read-only administration API.
type Admin struct {
	engine  *issuer.Engine
	store   journal.Store
	tenants []*config.Tenant
	now     func() time.Time
}

// NewAdmin creates the admin API over engine and the issuance journal.
func NewAdmin(engine *issuer.Engine, store journal.Store, tenants []*config.Tenant) *Admin {
	return &Admin{
		engine:  engine,
		store:   store,
		tenants: tenants,
		now:     time.Now,
	}
}

// Router returns a chi.Router with all admin routes mounted. It is meant to
// be mounted at /api/v1.
func (a *Admin) Router() chi.Router {
	r := chi.NewRouter()

	r.Get("/openapi.yaml", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/yaml")
		w.Write(openapiSpec)
	})

	r.Handle("/docs*", middleware.SwaggerUI(middleware.SwaggerUIOpts{
		SpecURL: "/api/v1/openapi.yaml",
		Path:    "api/v1/docs",
	}, nil))

	r.Handle("/redoc*", middleware.Redoc(middleware.RedocOpts{
		SpecURL: "/api/v1/openapi.yaml",
		Path:    "api/v1/redoc",
	}, nil))

	r.Get("/tenants", a.ListTenants)
	r.Get("/tenants/{tenant}/ca.pem", a.GetCACertificate)
	r.Get("/stats", a.GetStats)
	r.Get("/journal", a.ListJournal)
	r.Get("/journal/{recordID}", a.GetJournalRecord)

	return r
}

// ListTenants describes every configured tenant and, once loaded, its CA.
func (a *Admin) ListTenants(w http.ResponseWriter, r *http.Request) {
	resp := ListTenantsResponse{Tenants: make([]TenantInfo, 0, len(a.tenants))}
	for _, t := range a.tenants {
		info := TenantInfo{
			Name:          t.Name,
			PathPrefix:    t.PathPrefix,
			Upstream:      t.Upstream,
			HeaderName:    t.HeaderName,
			ValiditySecs:  t.ValiditySeconds,
			CacheDisabled: t.CacheDisabled,
			FixedIdentity: t.FixedIdentity != "",
		}
		if ca, err := a.engine.Authority(t.Name); err == nil {
			desc := pki.Describe(ca.Certificate, a.now())
			info.Loaded = true
			info.CA = &desc
		}
		resp.Tenants = append(resp.Tenants, info)
	}
	writeJSON(w, http.StatusOK, resp)
}

// GetCACertificate returns the PEM encoded CA certificate of a tenant whose
// CA has been loaded.
func (a *Admin) GetCACertificate(w http.ResponseWriter, r *http.Request) {
	ca, err := a.engine.Authority(chi.URLParam(r, "tenant"))
	if err != nil {
		mapError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/x-pem-file")
	w.Write(ca.CertificatePEM())
}

// GetStats returns the engine counters.
func (a *Admin) GetStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.engine.Stats())
}

// ListJournal returns the most recent issuance records, newest first.
func (a *Admin) ListJournal(w http.ResponseWriter, r *http.Request) {
	limit := parseLimit(r)
	records, err := a.store.List(r.Context(), limit)
	if err != nil {
		mapError(w, err)
		return
	}
	if records == nil {
		records = []journal.Record{}
	}
	writeJSON(w, http.StatusOK, JournalResponse{Records: records, Limit: limit})
}

// GetJournalRecord returns a single issuance record.
func (a *Admin) GetJournalRecord(w http.ResponseWriter, r *http.Request) {
	rec, err := a.store.Get(r.Context(), chi.URLParam(r, "recordID"))
	if err != nil {
		mapError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// parseLimit reads the "limit" query parameter. Missing or invalid values
// fall back to defaultJournalLimit; limit is capped at maxJournalLimit.
func parseLimit(r *http.Request) int {
	limit := defaultJournalLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	return min(limit, maxJournalLimit)
}
