// Package pki provides the X.509 primitives used by certgate: loading a
// tenant's root CA material, minting short-lived client certificates from it
// and rendering them for transport in HTTP headers.
package pki

import (
	"crypto/ecdsa"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/base64"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ---------------------------------------------------------------------------
// Sentinel errors
// ---------------------------------------------------------------------------

var (
	// ErrInvalidPEM is returned when PEM data cannot be decoded or parsed.
	ErrInvalidPEM = errors.New("invalid PEM data")

	// ErrKeyMismatch is returned when a CA private key does not belong to
	// the CA certificate it is paired with.
	ErrKeyMismatch = errors.New("private key does not match certificate")

	// ErrInvalidValidity is returned when an authority is configured with a
	// non-positive certificate lifetime.
	ErrInvalidValidity = errors.New("certificate validity must be positive")

	// ErrSigning is returned when a leaf certificate cannot be created or
	// signed with the CA key.
	ErrSigning = errors.New("signing certificate")
)

// ---------------------------------------------------------------------------
// Issued certificates
// ---------------------------------------------------------------------------

// Certificate is a leaf certificate minted for one identity of one tenant.
// It is immutable once created.
type Certificate struct {
	// Serial is the hex rendering of the certificate serial number. It is
	// unique per minted certificate and keys the pending-issue ledger.
	Serial    string
	Tenant    string
	Identity  string
	NotBefore time.Time
	NotAfter  time.Time
	// Raw is the DER encoding of the signed certificate.
	Raw  []byte
	Leaf *x509.Certificate
}

// ValidAt reports whether now falls before the certificate's NotAfter.
func (c *Certificate) ValidAt(now time.Time) bool {
	return now.Before(c.NotAfter)
}

// PEM returns the certificate encoded as a PEM "CERTIFICATE" block.
func (c *Certificate) PEM() []byte {
	return encodeCertPEM(c.Raw)
}

// HeaderValue returns the base64 encoding of the certificate PEM, the form
// carried in the outgoing client-certificate header.
func (c *Certificate) HeaderValue() string {
	return base64.StdEncoding.EncodeToString(c.PEM())
}

// DecodeHeaderValue reverses HeaderValue.
func DecodeHeaderValue(v string) (*x509.Certificate, error) {
	raw, err := base64.StdEncoding.DecodeString(v)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPEM, err)
	}
	return ParseCertificatePEM(raw)
}

// ---------------------------------------------------------------------------
// Certificate PEM parsing
// ---------------------------------------------------------------------------

// ParseCertificatePEM decodes the first PEM block of data and parses it as an
// X.509 certificate.
func ParseCertificatePEM(data []byte) (*x509.Certificate, error) {
	block, _ := pem.Decode(data)
	if block == nil || block.Type != "CERTIFICATE" {
		return nil, ErrInvalidPEM
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPEM, err)
	}
	return cert, nil
}

// CertInfo is the public description of a certificate returned to admin
// API callers.
type CertInfo struct {
	Subject           string `json:"subject"`
	Issuer            string `json:"issuer"`
	SerialNumber      string `json:"serial_number"`
	NotBefore         string `json:"not_before"`
	NotAfter          string `json:"not_after"`
	FingerprintSHA256 string `json:"fingerprint_sha256"`
	KeyAlgorithm      string `json:"key_algorithm"`
	Status            string `json:"status"`
}

// Certificate status values.
const (
	StatusActive  = "active"
	StatusExpired = "expired"
)

// Describe extracts well-known field values from cert.
func Describe(cert *x509.Certificate, now time.Time) CertInfo {
	fingerprint := sha256.Sum256(cert.Raw)
	return CertInfo{
		Subject:           subjectString(cert.Subject),
		Issuer:            subjectString(cert.Issuer),
		SerialNumber:      hex.EncodeToString(cert.SerialNumber.Bytes()),
		NotBefore:         cert.NotBefore.UTC().Format(time.RFC3339),
		NotAfter:          cert.NotAfter.UTC().Format(time.RFC3339),
		FingerprintSHA256: hex.EncodeToString(fingerprint[:]),
		KeyAlgorithm:      keyAlgorithmString(cert),
		Status:            certStatus(cert, now),
	}
}

// subjectString formats a pkix.Name as a readable DN string.
func subjectString(name pkix.Name) string {
	var parts []string
	if name.CommonName != "" {
		parts = append(parts, "CN="+name.CommonName)
	}
	for _, ou := range name.OrganizationalUnit {
		parts = append(parts, "OU="+ou)
	}
	for _, o := range name.Organization {
		parts = append(parts, "O="+o)
	}
	for _, c := range name.Country {
		parts = append(parts, "C="+c)
	}
	return strings.Join(parts, ", ")
}

func certStatus(cert *x509.Certificate, now time.Time) string {
	if now.Before(cert.NotBefore) || !now.Before(cert.NotAfter) {
		return StatusExpired
	}
	return StatusActive
}

// keyAlgorithmString returns a human-readable key algorithm description.
func keyAlgorithmString(cert *x509.Certificate) string {
	switch pub := cert.PublicKey.(type) {
	case *ecdsa.PublicKey:
		return fmt.Sprintf("ECDSA %s", pub.Curve.Params().Name)
	case *rsa.PublicKey:
		return fmt.Sprintf("RSA %d", pub.N.BitLen())
	default:
		return cert.PublicKeyAlgorithm.String()
	}
}

func encodeCertPEM(derBytes []byte) []byte {
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: derBytes})
}
