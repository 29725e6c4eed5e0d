package issuer

import "errors"

var (
	// ErrConfiguration indicates a tenant's CA certificate or key could not
	// be parsed or do not belong together. Requests for the tenant fail
	// until the configuration is corrected.
	ErrConfiguration = errors.New("invalid CA configuration")
	// ErrIO indicates a tenant's CA material could not be read.
	ErrIO = errors.New("reading CA material")
	// ErrSigning indicates a certificate could not be minted. It is not
	// retried and no fallback certificate is produced.
	ErrSigning = errors.New("certificate signing failed")
	// ErrIdentityUnresolved indicates no identity could be determined for a
	// request. It is a soft failure: the request proceeds without a
	// certificate.
	ErrIdentityUnresolved = errors.New("identity could not be determined")
	// ErrCANotLoaded is returned when a tenant's CA is requested before it
	// has been loaded.
	ErrCANotLoaded = errors.New("CA not loaded for tenant")
)
