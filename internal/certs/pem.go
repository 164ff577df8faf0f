package certs

import (
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/go-acme/lego/v4/certcrypto"
)

const (
	privKeyFile   = "privkey.pem"
	csrFile       = "req.csr"
	fullchainFile = "fullchain.pem"
)

// EnsureKeyAndCSR generates (or reuses) a private key and CSR for label
// under dir. The CSR requests {label, *.label}. Returns the CSR PEM.
func EnsureKeyAndCSR(dir, label string) ([]byte, error) {
	keyPath := filepath.Join(dir, privKeyFile)
	csrPath := filepath.Join(dir, csrFile)

	if fileExists(keyPath) && fileExists(csrPath) {
		return os.ReadFile(csrPath)
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create cert dir: %w", err)
	}

	key, err := certcrypto.GeneratePrivateKey(certcrypto.RSA2048)
	if err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}

	der, err := x509.CreateCertificateRequest(rand.Reader, &x509.CertificateRequest{
		Subject:  pkix.Name{CommonName: "*." + label},
		DNSNames: []string{label, "*." + label},
	}, key)
	if err != nil {
		return nil, fmt.Errorf("create csr: %w", err)
	}
	csrPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE REQUEST", Bytes: der})

	if err := os.WriteFile(keyPath, certcrypto.PEMEncode(key), 0o600); err != nil {
		return nil, fmt.Errorf("write key: %w", err)
	}
	if err := os.WriteFile(csrPath, csrPEM, 0o600); err != nil {
		return nil, fmt.Errorf("write csr: %w", err)
	}
	return csrPEM, nil
}

// WriteFullchain stores the issued certificate next to its key.
func WriteFullchain(dir string, certPEM []byte) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create cert dir: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, fullchainFile), certPEM, 0o600); err != nil {
		return fmt.Errorf("write fullchain: %w", err)
	}
	return nil
}

// BundleOnDisk reports whether both key and certificate exist under dir.
func BundleOnDisk(dir string) bool {
	return fileExists(filepath.Join(dir, fullchainFile)) && fileExists(filepath.Join(dir, privKeyFile))
}

// Info describes a certificate found on disk.
type Info struct {
	CertPath  string
	KeyPath   string
	ExpiresAt time.Time
	Issuer    string
}

// ReadInfo parses the certificate at certPath. A missing or unparsable
// bundle yields (nil, nil): absent and broken certificates are handled the
// same way, by reissuing.
func ReadInfo(certPath, keyPath string) (*Info, error) {
	if !fileExists(certPath) || !fileExists(keyPath) {
		return nil, nil
	}
	raw, err := os.ReadFile(certPath)
	if err != nil {
		return nil, fmt.Errorf("read certificate: %w", err)
	}
	chain, err := certcrypto.ParsePEMBundle(raw)
	if err != nil || len(chain) == 0 {
		return nil, nil
	}
	leaf := chain[0]
	return &Info{
		CertPath:  certPath,
		KeyPath:   keyPath,
		ExpiresAt: leaf.NotAfter,
		Issuer:    leaf.Issuer.CommonName,
	}, nil
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
