package pki

import (
	"crypto"
	"crypto/x509"
	"fmt"
	"time"
)

// Authority is a tenant's loaded root CA: the CA certificate, a signer for
// its private key and the lifetime given to every certificate it mints.
// It is immutable after construction.
type Authority struct {
	Certificate *x509.Certificate
	Signer      crypto.Signer
	Validity    time.Duration
}

// AuthorityMaterial is the raw input for LoadAuthority.
type AuthorityMaterial struct {
	CertificatePEM []byte
	PrivateKeyPEM  []byte
	// Passphrase decrypts PrivateKeyPEM when it is encrypted.
	Passphrase []byte
	Validity   time.Duration
}

// LoadAuthority parses the CA certificate and private key in m, imports the
// key into ks (a fresh SoftwareKeyStore when ks is nil) and checks that the
// key belongs to the certificate.
func LoadAuthority(m AuthorityMaterial, ks KeyStore) (*Authority, error) {
	if m.Validity <= 0 {
		return nil, ErrInvalidValidity
	}
	if ks == nil {
		ks = NewSoftwareKeyStore()
	}

	cert, err := ParseCertificatePEM(m.CertificatePEM)
	if err != nil {
		return nil, fmt.Errorf("CA certificate: %w", err)
	}

	keyID, err := ks.ImportPEM(m.PrivateKeyPEM, m.Passphrase)
	if err != nil {
		return nil, fmt.Errorf("CA private key: %w", err)
	}
	signer, err := ks.Signer(keyID)
	if err != nil {
		return nil, fmt.Errorf("CA private key: %w", err)
	}

	pub, ok := signer.Public().(interface{ Equal(crypto.PublicKey) bool })
	if !ok || !pub.Equal(cert.PublicKey) {
		return nil, ErrKeyMismatch
	}

	return &Authority{
		Certificate: cert,
		Signer:      signer,
		Validity:    m.Validity,
	}, nil
}

// CertificatePEM returns the CA certificate encoded as PEM.
func (a *Authority) CertificatePEM() []byte {
	return encodeCertPEM(a.Certificate.Raw)
}
