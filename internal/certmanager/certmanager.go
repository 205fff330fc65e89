// Package certmanager implements the Certificate Manager (spec.md §4.10):
// self-signed and ACME issuance per domain, atomic placement under
// <state>/certificates/<domain>/, the 30-day renewal window, and
// subscriber notification on each successful issuance.
package certmanager

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"sort"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/lakowske/net-servers/internal/bookkeeping"
	"github.com/lakowske/net-servers/internal/corerr"
	"github.com/lakowske/net-servers/internal/paths"
	"github.com/lakowske/net-servers/internal/schema"
	"github.com/lakowske/net-servers/internal/store"
)

// Recorder persists certificate issuance/renewal history so it stays
// observable after a restart. *bookkeeping.Store implements this.
type Recorder interface {
	RecordCertificateEvent(bookkeeping.CertificateEvent) error
}

// RenewalWindow is how close to expiry a certificate must be before
// EnsureIssued regenerates it without an explicit force (spec.md §4.10).
const RenewalWindow = 30 * 24 * time.Hour

// Algorithm selects the key type used for self-signed issuance.
type Algorithm string

const (
	AlgorithmRSA2048   Algorithm = "rsa2048"
	AlgorithmECDSAP256 Algorithm = "ecdsa_p256"
)

// Issued is the event fired to subscribers after a successful issuance,
// mirroring environment.Switched's shape for the same kind of fan-out.
type Issued struct {
	Domain      string
	Certificate schema.Certificate
}

// Listener receives Issued notifications. Synchronizers that depend on
// certificate material (mail, http-auth) register one to trigger a
// reconcile.
type Listener func(Issued)

// Manager issues and renews per-domain certificate triples under
// <state>/certificates/<domain>/.
type Manager struct {
	store     *store.Store
	paths     *paths.Paths
	logger    *zap.Logger
	algorithm Algorithm
	acme      *acmeConfig
	listeners []Listener
	now       func() time.Time
	recorder  Recorder
}

// Option configures a Manager.
type Option func(*Manager)

// WithAlgorithm overrides the default self-signed key algorithm
// (AlgorithmRSA2048).
func WithAlgorithm(alg Algorithm) Option {
	return func(m *Manager) { m.algorithm = alg }
}

// WithACME configures the ACME directory and challenge responder used by
// domains in "acme" mode.
func WithACME(directoryURL string, responder *HTTP01Responder) Option {
	return func(m *Manager) { m.acme = &acmeConfig{directoryURL: directoryURL, responder: responder} }
}

// WithRecorder attaches a bookkeeping store, making issuance and renewal
// history observable after a restart.
func WithRecorder(r Recorder) Option {
	return func(m *Manager) { m.recorder = r }
}

type acmeConfig struct {
	directoryURL string
	responder    *HTTP01Responder
}

// New creates a Manager.
func New(s *store.Store, p *paths.Paths, logger *zap.Logger, opts ...Option) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Manager{store: s, paths: p, logger: logger, algorithm: AlgorithmRSA2048, now: time.Now}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Subscribe registers l to be called after every successful issuance.
func (m *Manager) Subscribe(l Listener) {
	m.listeners = append(m.listeners, l)
}

// Metadata returns the last-recorded issuance metadata for domain, or nil
// if no certificate has ever been placed.
func (m *Manager) Metadata(domain string) (*schema.Certificate, error) {
	return m.readMetadata(domain)
}

// EnsureIssued issues or renews domain's certificate if its mode requires
// one and either no certificate is on disk yet, it is within the renewal
// window, or force is set. It is a no-op in "none" mode.
func (m *Manager) EnsureIssued(ctx context.Context, domain string, force bool) (*schema.Certificate, error) {
	domains, err := m.store.LoadDomains()
	if err != nil {
		return nil, err
	}
	d, ok := findDomain(domains, domain)
	if !ok {
		return nil, corerr.New(corerr.ConfigValidate, "domain not found", map[string]any{"domain": domain})
	}

	mode := d.EffectiveCertificateMode()
	if mode == schema.CertModeNone {
		return nil, nil
	}

	existing, err := m.readMetadata(domain)
	if err != nil {
		return nil, err
	}
	if existing != nil && !force && !existing.ExpiresWithin(RenewalWindow, m.now()) {
		return existing, nil
	}

	var cert *schema.Certificate
	switch mode {
	case schema.CertModeSelfSigned:
		cert, err = m.issueSelfSigned(d)
	case schema.CertModeACME:
		cert, err = m.issueACME(ctx, d)
	default:
		return nil, corerr.New(corerr.ConfigValidate, "unrecognized certificate mode", map[string]any{"domain": domain, "mode": string(mode)})
	}
	if err != nil {
		return nil, err
	}

	eventKind := "issued"
	if existing != nil {
		eventKind = "renewed"
	}
	m.record(eventKind, cert)

	m.notify(Issued{Domain: domain, Certificate: *cert})
	return cert, nil
}

// record persists an issuance/renewal event, best-effort: the bookkeeping
// store is an audit trail, not the source of truth for the certificate
// itself, so a write failure here never fails EnsureIssued.
func (m *Manager) record(eventKind string, cert *schema.Certificate) {
	if m.recorder == nil {
		return
	}
	_ = m.recorder.RecordCertificateEvent(bookkeeping.CertificateEvent{
		Domain:            cert.Domain,
		Mode:              string(cert.Mode),
		FingerprintSHA256: cert.FingerprintSHA256,
		NotBefore:         cert.NotBefore,
		NotAfter:          cert.NotAfter,
		Event:             eventKind,
		CreatedAt:         m.now(),
	})
}

func (m *Manager) notify(evt Issued) {
	for _, l := range m.listeners {
		l(evt)
	}
}

func findDomain(doc *schema.DomainsDocument, name string) (schema.Domain, bool) {
	for _, d := range doc.Domains {
		if d.Name == name {
			return d, true
		}
	}
	return schema.Domain{}, false
}

// sansFor returns the subjectAltName set spec.md §4.10 requires: the
// domain itself plus every a_records short-name FQDN under it.
func sansFor(d schema.Domain) []string {
	sans := []string{d.Name}
	shortNames := make([]string, 0, len(d.ARecords))
	for short := range d.ARecords {
		shortNames = append(shortNames, short)
	}
	sort.Strings(shortNames)
	for _, short := range shortNames {
		sans = append(sans, fmt.Sprintf("%s.%s", short, d.Name))
	}
	return sans
}

// issueSelfSigned generates a fresh key and a one-year self-signed
// certificate covering sansFor(d), and places the triple atomically.
func (m *Manager) issueSelfSigned(d schema.Domain) (*schema.Certificate, error) {
	privateKey, publicKey, err := generateKey(m.algorithm)
	if err != nil {
		return nil, corerr.Wrap(corerr.CertIssueFailed, err, "failed to generate private key", map[string]any{"domain": d.Name})
	}

	serial, err := randomSerial()
	if err != nil {
		return nil, corerr.Wrap(corerr.CertIssueFailed, err, "failed to generate serial number", map[string]any{"domain": d.Name})
	}

	sans := sansFor(d)
	notBefore := m.now()
	notAfter := notBefore.AddDate(1, 0, 0)

	template := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: d.Name},
		NotBefore:    notBefore,
		NotAfter:     notAfter,
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		DNSNames:     sans,
		BasicConstraintsValid: true,
	}

	certDER, err := x509.CreateCertificate(rand.Reader, template, template, publicKey, privateKey)
	if err != nil {
		return nil, corerr.Wrap(corerr.CertIssueFailed, err, "failed to create self-signed certificate", map[string]any{"domain": d.Name})
	}
	cert, err := x509.ParseCertificate(certDER)
	if err != nil {
		return nil, corerr.Wrap(corerr.CertIssueFailed, err, "failed to parse generated certificate", map[string]any{"domain": d.Name})
	}

	keyDER, err := marshalKey(m.algorithm, privateKey)
	if err != nil {
		return nil, corerr.Wrap(corerr.CertIssueFailed, err, "failed to marshal private key", map[string]any{"domain": d.Name})
	}
	keyType := "RSA PRIVATE KEY"
	if m.algorithm == AlgorithmECDSAP256 {
		keyType = "EC PRIVATE KEY"
	}

	leafPEM := certPEM(cert)
	if err := m.place(d.Name, leafPEM, pem.EncodeToMemory(&pem.Block{Type: keyType, Bytes: keyDER}), leafPEM); err != nil {
		return nil, err
	}

	meta := &schema.Certificate{
		Domain:            d.Name,
		Mode:              schema.CertModeSelfSigned,
		NotBefore:         notBefore,
		NotAfter:          notAfter,
		FingerprintSHA256: fingerprint(cert),
	}
	if err := m.writeMetadata(meta); err != nil {
		return nil, err
	}
	return meta, nil
}

// place writes privkey.pem (0600), cert.pem and fullchain.pem (0644)
// atomically under <state>/certificates/<domain>/. Every issuance mode
// supplies a fullchain: self-signed certificates have no intermediate,
// so their fullchain is the leaf certificate itself.
func (m *Manager) place(domain string, certPEM, keyPEM, chainPEM []byte) error {
	dir := m.paths.CertificateDir(domain)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return corerr.Wrap(corerr.IOFatal, err, "failed to create certificate directory", map[string]any{"domain": domain})
	}

	writes := []struct {
		name string
		data []byte
		mode os.FileMode
	}{
		{"privkey.pem", keyPEM, 0o600},
		{"cert.pem", certPEM, 0o644},
		{"fullchain.pem", chainPEM, 0o644},
	}

	for _, w := range writes {
		path := filepath.Join(dir, w.name)
		tmp := path + ".tmp"
		if err := os.WriteFile(tmp, w.data, w.mode); err != nil {
			return corerr.Wrap(corerr.IOFatal, err, "failed to write certificate material", map[string]any{"path": tmp})
		}
		if f, err := os.OpenFile(tmp, os.O_RDWR, w.mode); err == nil {
			_ = f.Sync()
			_ = f.Close()
		}
		if err := os.Rename(tmp, path); err != nil {
			return corerr.Wrap(corerr.IOFatal, err, "failed to install certificate material", map[string]any{"path": path})
		}
	}
	return nil
}

func (m *Manager) metadataPath(domain string) string {
	return filepath.Join(m.paths.CertificateDir(domain), "metadata.yaml")
}

func (m *Manager) readMetadata(domain string) (*schema.Certificate, error) {
	data, err := os.ReadFile(m.metadataPath(domain))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, corerr.Wrap(corerr.IOFatal, err, "failed to read certificate metadata", map[string]any{"domain": domain})
	}
	var cert schema.Certificate
	if err := yaml.Unmarshal(data, &cert); err != nil {
		return nil, corerr.Wrap(corerr.ConfigParse, err, "failed to parse certificate metadata", map[string]any{"domain": domain})
	}
	return &cert, nil
}

func (m *Manager) writeMetadata(cert *schema.Certificate) error {
	data, err := yaml.Marshal(cert)
	if err != nil {
		return corerr.Wrap(corerr.IOFatal, err, "failed to encode certificate metadata", map[string]any{"domain": cert.Domain})
	}
	path := m.metadataPath(cert.Domain)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return corerr.Wrap(corerr.IOFatal, err, "failed to write certificate metadata", map[string]any{"path": tmp})
	}
	return os.Rename(tmp, path)
}

func certPEM(cert *x509.Certificate) []byte {
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: cert.Raw})
}

func fingerprint(cert *x509.Certificate) string {
	sum := sha256.Sum256(cert.Raw)
	return fmt.Sprintf("%x", sum)
}

func randomSerial() (*big.Int, error) {
	limit := new(big.Int).Lsh(big.NewInt(1), 128)
	return rand.Int(rand.Reader, limit)
}

func generateKey(alg Algorithm) (privateKey any, publicKey any, err error) {
	switch alg {
	case AlgorithmECDSAP256:
		key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
		if err != nil {
			return nil, nil, err
		}
		return key, &key.PublicKey, nil
	default:
		key, err := rsa.GenerateKey(rand.Reader, 2048)
		if err != nil {
			return nil, nil, err
		}
		return key, &key.PublicKey, nil
	}
}

func marshalKey(alg Algorithm, privateKey any) ([]byte, error) {
	switch alg {
	case AlgorithmECDSAP256:
		return x509.MarshalECPrivateKey(privateKey.(*ecdsa.PrivateKey))
	default:
		return x509.MarshalPKCS1PrivateKey(privateKey.(*rsa.PrivateKey)), nil
	}
}

