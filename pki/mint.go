package pki

import (
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"io"
	"math/big"
	"time"

	"github.com/jmcleod/certgate/internal/util"
)

const (
	// serialMarker leads every serial so the encoded integer is positive and
	// always serialLen bytes long.
	serialMarker = 0x01
	// serialLen is the maximum serial length permitted by RFC 5280.
	serialLen = 20
)

// clientExtKeyUsages is the fixed extension set of minted certificates:
// client authentication and time stamping only.
var clientExtKeyUsages = []x509.ExtKeyUsage{
	x509.ExtKeyUsageClientAuth,
	x509.ExtKeyUsageTimeStamping,
}

// NewSerial returns a random serial number read from r together with its
// hex rendering.
func NewSerial(r io.Reader) (*big.Int, string, error) {
	random, err := util.RandomBytesFrom(r, serialLen-1)
	if err != nil {
		return nil, "", fmt.Errorf("generating serial number: %w", err)
	}
	b := append([]byte{serialMarker}, random...)
	return new(big.Int).SetBytes(b), util.HexEncode(b), nil
}

// Mint creates a client certificate for identity signed by a. The identity
// is trimmed of surrounding whitespace and NFC-normalized before it becomes
// the subject common name, so canonically equivalent spellings of a name
// produce the same CN.
//
// The leaf reuses the CA's own public key rather than a per-identity key
// pair, so anyone holding a minted certificate holds no private key for it;
// the certificate is an identity assertion vouched for by the CA signature,
// not a credential usable for a TLS handshake.
func Mint(a *Authority, tenant, identity string, now time.Time) (*Certificate, error) {
	return mint(rand.Reader, a, tenant, identity, now)
}

func mint(r io.Reader, a *Authority, tenant, identity string, now time.Time) (*Certificate, error) {
	identity = util.NormalizeIdentity(identity)
	serial, serialHex, err := NewSerial(r)
	if err != nil {
		return nil, err
	}

	notBefore := now
	notAfter := notBefore.Add(a.Validity)

	template := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: identity},
		NotBefore:             notBefore,
		NotAfter:              notAfter,
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           clientExtKeyUsages,
		BasicConstraintsValid: true,
	}

	derBytes, err := x509.CreateCertificate(r, template, a.Certificate, a.Certificate.PublicKey, a.Signer)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSigning, err)
	}
	leaf, err := x509.ParseCertificate(derBytes)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSigning, err)
	}

	return &Certificate{
		Serial:    serialHex,
		Tenant:    tenant,
		Identity:  identity,
		NotBefore: leaf.NotBefore,
		NotAfter:  leaf.NotAfter,
		Raw:       derBytes,
		Leaf:      leaf,
	}, nil
}
