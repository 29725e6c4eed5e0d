// Package gateway is the HTTP front end of certgate. It reverse-proxies each
// tenant's requests to its upstream and attaches a client certificate for
// the caller's identity to every forwarded request. A freshly minted
// certificate is only cached once the upstream has answered with a 2xx
// status.
package gateway

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httputil"
	"net/url"
	"os"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/jmcleod/certgate/config"
	"github.com/jmcleod/certgate/issuer"
)

// Gateway holds the dependencies needed by the proxy handlers.
type Gateway struct {
	engine    *issuer.Engine
	routes    []*route
	audit     *auditLogger
	alertFn   AlertFunc
	transport http.RoundTripper
	logger    *slog.Logger
}

// route is one tenant's proxy configuration.
type route struct {
	tenant   *config.Tenant
	source   issuer.CASource
	resolver IdentityResolver
	proxy    *httputil.ReverseProxy
}

// Option configures the Gateway instance.
type Option func(*Gateway)

// WithLogger sets the structured logger for audit events.
// If not set, a default JSON logger writing to stderr is used.
func WithLogger(logger *slog.Logger) Option {
	return func(g *Gateway) {
		g.logger = logger
	}
}

// WithAlertFunc registers a callback for issuance anomaly alerts.
func WithAlertFunc(fn AlertFunc) Option {
	return func(g *Gateway) {
		g.alertFn = fn
	}
}

// WithTransport sets the round tripper used to reach upstreams.
func WithTransport(rt http.RoundTripper) Option {
	return func(g *Gateway) {
		g.transport = rt
	}
}

// New creates a gateway serving tenants through engine.
func New(engine *issuer.Engine, tenants []*config.Tenant, opts ...Option) (*Gateway, error) {
	g := &Gateway{engine: engine}
	for _, opt := range opts {
		opt(g)
	}
	if g.logger == nil {
		g.logger = slog.New(slog.NewJSONHandler(os.Stderr, nil))
	}
	g.audit = newAuditLogger(g.logger)
	if g.alertFn != nil {
		g.audit.metrics = newMetricsCollector(g.alertFn)
	}

	for _, t := range tenants {
		target, err := url.Parse(t.Upstream)
		if err != nil {
			return nil, fmt.Errorf("tenant %q: parsing upstream: %w", t.Name, err)
		}
		resolver, err := resolverFor(t)
		if err != nil {
			return nil, fmt.Errorf("tenant %q: %w", t.Name, err)
		}
		g.routes = append(g.routes, &route{
			tenant:   t,
			source:   t.Source(),
			resolver: resolver,
			proxy:    g.newProxy(t.Name, target),
		})
	}
	return g, nil
}

func (g *Gateway) newProxy(tenant string, target *url.URL) *httputil.ReverseProxy {
	logger := g.logger.With("component", "proxy", "tenant", tenant)
	return &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(target)
			pr.SetXForwarded()
		},
		Transport: g.transport,
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			logger.Warn("upstream request failed", "error", err, "path", r.URL.Path)
			writeError(w, http.StatusBadGateway, "upstream unavailable")
		},
	}
}

// Router returns a chi.Router with one proxy route per tenant mounted at the
// tenant's path prefix.
func (g *Gateway) Router() chi.Router {
	r := chi.NewRouter()
	// RemoteAddr must stay the direct peer: trusted identity headers are
	// checked against it, so middleware.RealIP is not used here.
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	for _, rt := range g.routes {
		var h http.Handler = g.serve(rt)
		if rt.tenant.StripPrefix {
			h = http.StripPrefix(rt.tenant.PathPrefix, h)
		}
		r.Handle(rt.tenant.PathPrefix, h)
		r.Handle(rt.tenant.PathPrefix+"/*", h)
	}
	return r
}

// serve runs the issue phase, forwards the request and then runs the commit
// phase with the upstream's status.
func (g *Gateway) serve(rt *route) http.HandlerFunc {
	t := rt.tenant
	return func(w http.ResponseWriter, r *http.Request) {
		// Never forward a certificate supplied by the client itself.
		r.Header.Del(t.HeaderName)

		var ticket issuer.Ticket
		identity, err := rt.resolver.Resolve(r)
		if err == nil {
			var iss *issuer.Issuance
			iss, err = g.engine.Issue(r.Context(), issuer.IssueRequest{
				Tenant:        t.Name,
				Identity:      identity,
				CA:            rt.source,
				CacheDisabled: t.CacheDisabled,
			})
			if err == nil {
				r.Header.Set(t.HeaderName, iss.Certificate.HeaderValue())
				ticket = iss.Ticket
				g.audit.log(AuditCertAttached, r, t.Name,
					slog.String("identity", identity),
					slog.String("serial", iss.Certificate.Serial),
					slog.Bool("cached", iss.Cached))
			}
		}
		switch {
		case errors.Is(err, ErrUnauthenticated):
			g.audit.log(AuditAuthFailed, r, t.Name)
			w.Header().Set("WWW-Authenticate", `Basic realm="`+t.Name+`"`)
			writeError(w, http.StatusUnauthorized, err.Error())
			return
		case errors.Is(err, issuer.ErrIdentityUnresolved):
			g.audit.log(AuditIdentityUnresolved, r, t.Name,
				slog.String("reason", "can't determine identity for x509 certificate"))
		case err != nil:
			g.audit.log(AuditIssueFailed, r, t.Name,
				slog.String("identity", identity),
				slog.String("error", err.Error()))
			mapError(w, err)
			return
		}

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		rt.proxy.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		if g.engine.Commit(ticket, status) {
			g.audit.log(AuditCertCommitted, r, t.Name,
				slog.String("identity", ticket.Identity),
				slog.String("serial", ticket.Serial),
				slog.Int("status", status))
		}
	}
}
