package config

import (
	"fmt"
	"os"
	"time"

	"github.com/awnumar/memguard"

	"github.com/jmcleod/certgate/pki"
)

// sealPassphrase moves the key passphrase out of the environment into an
// encrypted enclave.
func (t *Tenant) sealPassphrase() {
	if t.PrivateKeyPassphraseEnv == "" {
		return
	}
	if v := os.Getenv(t.PrivateKeyPassphraseEnv); v != "" {
		t.passphrase = memguard.NewEnclave([]byte(v))
	}
}

// Source returns the tenant's CA files as a CA source for the issuer.
func (t *Tenant) Source() *FileSource {
	return &FileSource{
		CertificatePath: t.CertificatePath,
		PrivateKeyPath:  t.PrivateKeyPath,
		Validity:        t.Validity(),
		passphrase:      t.passphrase,
	}
}

// FileSource reads CA material from PEM files each time it is opened. The
// private key and its passphrase are held in guarded memory buffers that are
// destroyed as soon as the material has been consumed.
type FileSource struct {
	CertificatePath string
	PrivateKeyPath  string
	Validity        time.Duration
	passphrase      *memguard.Enclave
}

// Open reads the CA files and passes their contents to fn.
func (s *FileSource) Open(fn func(pki.AuthorityMaterial) error) error {
	certPEM, err := os.ReadFile(s.CertificatePath)
	if err != nil {
		return fmt.Errorf("reading CA certificate: %w", err)
	}
	keyPEM, err := os.ReadFile(s.PrivateKeyPath)
	if err != nil {
		return fmt.Errorf("reading CA private key: %w", err)
	}
	// NewBufferFromBytes wipes keyPEM.
	key := memguard.NewBufferFromBytes(keyPEM)
	defer key.Destroy()

	material := pki.AuthorityMaterial{
		CertificatePEM: certPEM,
		PrivateKeyPEM:  key.Bytes(),
		Validity:       s.Validity,
	}
	if s.passphrase != nil {
		pass, err := s.passphrase.Open()
		if err != nil {
			return fmt.Errorf("opening CA key passphrase: %w", err)
		}
		defer pass.Destroy()
		material.Passphrase = pass.Bytes()
	}
	return fn(material)
}
