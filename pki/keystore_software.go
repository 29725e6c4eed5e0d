package pki

import (
	"crypto"
	"crypto/ed25519"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/crypto/ssh"
)

// ---------------------------------------------------------------------------
// SoftwareKeyStore: default implementation backed by in-memory keys
// ---------------------------------------------------------------------------

// SoftwareKeyStore holds parsed private keys in memory. It accepts PKCS#1,
// SEC1, PKCS#8 and OpenSSH encodings as well as passphrase-protected PEM.
// It is safe for concurrent use.
type SoftwareKeyStore struct {
	mu   sync.RWMutex
	keys map[string]crypto.Signer
	seq  int // monotonic counter for key IDs
}

// Compile-time interface check.
var _ KeyStore = (*SoftwareKeyStore)(nil)

// NewSoftwareKeyStore returns a SoftwareKeyStore ready for use.
func NewSoftwareKeyStore() *SoftwareKeyStore {
	return &SoftwareKeyStore{
		keys: make(map[string]crypto.Signer),
	}
}

// ImportPEM parses a private key PEM block and stores it.
func (s *SoftwareKeyStore) ImportPEM(pemData, passphrase []byte) (string, error) {
	raw, err := ssh.ParseRawPrivateKey(pemData)
	var missing *ssh.PassphraseMissingError
	if errors.As(err, &missing) {
		if len(passphrase) == 0 {
			return "", ErrPassphraseRequired
		}
		raw, err = ssh.ParseRawPrivateKeyWithPassphrase(pemData, passphrase)
	}
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidPEM, err)
	}

	signer, err := asSigner(raw)
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	id := fmt.Sprintf("sw-%d", s.seq)
	s.keys[id] = signer
	return id, nil
}

// Signer returns the parsed private key, which implements crypto.Signer.
func (s *SoftwareKeyStore) Signer(keyID string) (crypto.Signer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	signer, ok := s.keys[keyID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrKeyNotFound, keyID)
	}
	return signer, nil
}

// asSigner normalizes the key types returned by the ssh parser.
func asSigner(raw any) (crypto.Signer, error) {
	switch k := raw.(type) {
	case *ed25519.PrivateKey:
		return *k, nil
	case crypto.Signer:
		return k, nil
	default:
		return nil, fmt.Errorf("%w: unsupported private key type %T", ErrInvalidPEM, raw)
	}
}
