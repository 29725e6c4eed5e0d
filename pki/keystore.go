package pki

import (
	"crypto"
	"errors"
)

// KeyStore abstracts private-key handling so that CA keys are only touched
// through a crypto.Signer once they have been imported.
//
// A KeyID uniquely identifies a key managed by the store; its format is
// implementation-defined.
type KeyStore interface {
	// ImportPEM loads a PEM-encoded private key into the store and returns
	// its key ID. passphrase is only consulted for encrypted keys and may be
	// nil.
	ImportPEM(pemData, passphrase []byte) (keyID string, err error)

	// Signer returns a [crypto.Signer] for the key identified by keyID.
	// x509.CreateCertificate only needs its Sign method and Public().
	Signer(keyID string) (crypto.Signer, error)
}

// ErrKeyNotFound is returned when the referenced key ID does not exist.
var ErrKeyNotFound = errors.New("key not found")

// ErrPassphraseRequired is returned when an encrypted private key is
// imported without a passphrase.
var ErrPassphraseRequired = errors.New("private key is encrypted and no passphrase was given")
