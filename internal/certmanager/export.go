package certmanager

import (
	"bytes"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"

	"software.sslmate.com/src/go-pkcs12"

	"github.com/lakowske/net-servers/internal/corerr"
)

// ExportPKCS12 bundles domain's current certificate and private key into a
// PKCS#12/PFX archive for desktop trust-store import, mirroring the
// teacher's internal/crypto/export.go.
func (m *Manager) ExportPKCS12(domain, password string) ([]byte, error) {
	dir := m.paths.CertificateDir(domain)

	certPEMBytes, err := os.ReadFile(dir + "/cert.pem")
	if err != nil {
		return nil, corerr.Wrap(corerr.IOFatal, err, "failed to read certificate for export", map[string]any{"domain": domain})
	}
	keyPEMBytes, err := os.ReadFile(dir + "/privkey.pem")
	if err != nil {
		return nil, corerr.Wrap(corerr.IOFatal, err, "failed to read private key for export", map[string]any{"domain": domain})
	}

	cert, err := ParseCertificatePEM(certPEMBytes)
	if err != nil {
		return nil, err
	}
	privateKey, err := parsePrivateKeyPEM(keyPEMBytes)
	if err != nil {
		return nil, err
	}

	var caCerts []*x509.Certificate
	if chain, err := os.ReadFile(dir + "/fullchain.pem"); err == nil {
		for len(chain) > 0 {
			var block *pem.Block
			block, chain = pem.Decode(chain)
			if block == nil {
				break
			}
			caCert, err := x509.ParseCertificate(block.Bytes)
			if err != nil || bytes.Equal(caCert.Raw, cert.Raw) {
				continue
			}
			caCerts = append(caCerts, caCert)
		}
	}

	pfx, err := pkcs12.Modern2023.Encode(privateKey, cert, caCerts, password)
	if err != nil {
		return nil, corerr.Wrap(corerr.IOFatal, err, "failed to encode PKCS#12 bundle", map[string]any{"domain": domain})
	}
	return pfx, nil
}

// ParseCertificatePEM parses a PEM-encoded certificate.
func ParseCertificatePEM(certPEM []byte) (*x509.Certificate, error) {
	block, _ := pem.Decode(certPEM)
	if block == nil || block.Type != "CERTIFICATE" {
		return nil, fmt.Errorf("failed to decode certificate PEM")
	}
	return x509.ParseCertificate(block.Bytes)
}

func parsePrivateKeyPEM(keyPEM []byte) (any, error) {
	block, _ := pem.Decode(keyPEM)
	if block == nil {
		return nil, fmt.Errorf("failed to decode private key PEM")
	}
	switch block.Type {
	case "RSA PRIVATE KEY":
		return x509.ParsePKCS1PrivateKey(block.Bytes)
	case "EC PRIVATE KEY":
		return x509.ParseECPrivateKey(block.Bytes)
	default:
		return nil, fmt.Errorf("unsupported private key PEM type: %s", block.Type)
	}
}
