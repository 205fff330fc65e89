package certmanager

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"io"
	mathrand "math/rand"
	"net/http"
	"time"

	"github.com/lakowske/net-servers/internal/corerr"
	"github.com/lakowske/net-servers/internal/schema"
)

// backoffBase, backoffCap and backoffJitter implement spec.md §4.10's ACME
// retry policy: exponential backoff with a 5s base, a 5min cap, and ±20%
// jitter.
const (
	backoffBase   = 5 * time.Second
	backoffCap    = 5 * time.Minute
	backoffJitter = 0.20
)

func backoffDelay(attempt int) time.Duration {
	d := backoffBase << attempt
	if d > backoffCap || d <= 0 {
		d = backoffCap
	}
	jitter := 1 + (mathrand.Float64()*2-1)*backoffJitter
	return time.Duration(float64(d) * jitter)
}

// acmeClient is a minimal RFC 8555 client using an ES256 (ECDSA P-256)
// account key, sufficient for HTTP-01 issuance against any conforming
// directory.
type acmeClient struct {
	directoryURL string
	http         *http.Client
	accountKey   *ecdsa.PrivateKey
	accountURL   string
	dir          acmeDirectory
	nonce        string
}

type acmeDirectory struct {
	NewNonce   string `json:"newNonce"`
	NewAccount string `json:"newAccount"`
	NewOrder   string `json:"newOrder"`
}

type acmeOrder struct {
	URL            string   `json:"-"`
	Status         string   `json:"status"`
	Authorizations []string `json:"authorizations"`
	Finalize       string   `json:"finalize"`
	Certificate    string   `json:"certificate"`
}

type acmeAuthorization struct {
	Status     string           `json:"status"`
	Challenges []acmeChallenge  `json:"challenges"`
}

type acmeChallenge struct {
	Type  string `json:"type"`
	URL   string `json:"url"`
	Token string `json:"token"`
}

func newACMEClient(directoryURL string, accountKey *ecdsa.PrivateKey, httpClient *http.Client) *acmeClient {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &acmeClient{directoryURL: directoryURL, http: httpClient, accountKey: accountKey}
}

func (c *acmeClient) bootstrap(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.directoryURL, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(&c.dir); err != nil {
		return err
	}
	return c.refreshNonce(ctx)
}

func (c *acmeClient) refreshNonce(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, c.dir.NewNonce, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	c.nonce = resp.Header.Get("Replay-Nonce")
	return nil
}

// post sends a JWS-signed POST and returns the response, capturing the
// next Replay-Nonce for the following request.
func (c *acmeClient) post(ctx context.Context, url string, payload any) (*http.Response, error) {
	body, err := c.sign(url, payload)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/jose+json")
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	if nonce := resp.Header.Get("Replay-Nonce"); nonce != "" {
		c.nonce = nonce
	}
	return resp, nil
}

func (c *acmeClient) sign(url string, payload any) ([]byte, error) {
	var payloadB64 string
	if payload == nil {
		payloadB64 = ""
	} else {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		payloadB64 = base64URL(raw)
	}

	protected := map[string]any{
		"alg":   "ES256",
		"nonce": c.nonce,
		"url":   url,
	}
	if c.accountURL != "" {
		protected["kid"] = c.accountURL
	} else {
		protected["jwk"] = jwk(&c.accountKey.PublicKey)
	}
	protectedRaw, err := json.Marshal(protected)
	if err != nil {
		return nil, err
	}
	protectedB64 := base64URL(protectedRaw)

	signingInput := protectedB64 + "." + payloadB64
	sig, err := signES256(c.accountKey, signingInput)
	if err != nil {
		return nil, err
	}

	jws := map[string]string{
		"protected": protectedB64,
		"payload":   payloadB64,
		"signature": base64URL(sig),
	}
	return json.Marshal(jws)
}

func base64URL(b []byte) string {
	return base64.RawURLEncoding.EncodeToString(b)
}

func jwk(pub *ecdsa.PublicKey) map[string]string {
	return map[string]string{
		"kty": "EC",
		"crv": "P-256",
		"x":   base64URL(pub.X.Bytes()),
		"y":   base64URL(pub.Y.Bytes()),
	}
}

// jwkThumbprint computes the RFC 7638 JWK thumbprint used to construct the
// HTTP-01 key authorization string.
func jwkThumbprint(pub *ecdsa.PublicKey) ([]byte, error) {
	canonical := fmt.Sprintf(`{"crv":"P-256","kty":"EC","x":"%s","y":"%s"}`, base64URL(pub.X.Bytes()), base64URL(pub.Y.Bytes()))
	sum := sha256.Sum256([]byte(canonical))
	return sum[:], nil
}

// signES256 signs signingInput per RFC 7518 §3.4: SHA-256 over the ASCII
// input, then a fixed-width 64-byte r||s encoding (32 bytes each for
// P-256) rather than ASN.1 DER.
func signES256(key *ecdsa.PrivateKey, signingInput string) ([]byte, error) {
	hash := sha256.Sum256([]byte(signingInput))
	r, s, err := ecdsa.Sign(rand.Reader, key, hash[:])
	if err != nil {
		return nil, err
	}
	size := (elliptic.P256().Params().BitSize + 7) / 8
	out := make([]byte, 2*size)
	r.FillBytes(out[:size])
	s.FillBytes(out[size:])
	return out, nil
}

// issueACME drives an RFC 8555 HTTP-01 order to completion for d, retrying
// transient failures and polling with the configured backoff policy.
// Permanent failures surface as CERT_ISSUE_FAILED carrying the provider's
// problem document.
func (m *Manager) issueACME(ctx context.Context, d schema.Domain) (*schema.Certificate, error) {
	if m.acme == nil {
		return nil, corerr.New(corerr.CertIssueFailed, "acme mode requested but no ACME directory is configured", map[string]any{"domain": d.Name})
	}

	secrets, err := m.store.LoadSecrets()
	if err != nil {
		return nil, err
	}
	accountKey, secretsDirty, err := loadOrCreateAccountKey(secrets)
	if err != nil {
		return nil, corerr.Wrap(corerr.CertIssueFailed, err, "failed to materialize ACME account key", map[string]any{"domain": d.Name})
	}
	if secretsDirty {
		if err := m.store.SaveSecrets(secrets); err != nil {
			return nil, err
		}
	}

	client := newACMEClient(m.acme.directoryURL, accountKey, nil)

	var lastErr error
	for attempt := 0; attempt < 5; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoffDelay(attempt)):
			}
		}
		cert, err := m.runACMEOrder(ctx, client, d)
		if err == nil {
			return cert, nil
		}
		lastErr = err
		if corerr.As(err, corerr.CertIssueFailed) {
			return nil, err // permanent failure: do not retry
		}
	}
	return nil, corerr.Wrap(corerr.CertIssueFailed, lastErr, "ACME order did not complete after retries", map[string]any{"domain": d.Name})
}

func (m *Manager) runACMEOrder(ctx context.Context, client *acmeClient, d schema.Domain) (*schema.Certificate, error) {
	if err := client.bootstrap(ctx); err != nil {
		return nil, err
	}
	if err := client.register(ctx); err != nil {
		return nil, err
	}

	sans := sansFor(d)
	order, err := client.newOrder(ctx, sans)
	if err != nil {
		return nil, err
	}

	for _, authzURL := range order.Authorizations {
		if err := client.completeAuthorization(ctx, authzURL, m.acme.responder); err != nil {
			return nil, corerr.Wrap(corerr.CertIssueFailed, err, "ACME authorization failed", map[string]any{"domain": d.Name, "authorization": authzURL})
		}
	}

	certKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, err
	}
	csrDER, err := buildCSR(certKey, sans)
	if err != nil {
		return nil, err
	}

	finalized, err := client.finalize(ctx, order, csrDER)
	if err != nil {
		return nil, err
	}

	chainPEM, err := client.downloadCertificate(ctx, finalized.Certificate)
	if err != nil {
		return nil, err
	}
	leaf, err := parseLeaf(chainPEM)
	if err != nil {
		return nil, err
	}

	keyDER := x509.MarshalPKCS1PrivateKey(certKey)
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: keyDER})
	if err := m.place(d.Name, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: leaf.Raw}), keyPEM, chainPEM); err != nil {
		return nil, err
	}

	meta := &schema.Certificate{
		Domain:            d.Name,
		Mode:              schema.CertModeACME,
		NotBefore:         leaf.NotBefore,
		NotAfter:          leaf.NotAfter,
		FingerprintSHA256: fingerprint(leaf),
	}
	if err := m.writeMetadata(meta); err != nil {
		return nil, err
	}
	return meta, nil
}

// register performs (or re-performs, idempotently) ACME account
// registration, recording the account URL from the Location header for
// every subsequent request's "kid" field.
func (c *acmeClient) register(ctx context.Context) error {
	resp, err := c.post(ctx, c.dir.NewAccount, map[string]any{"termsOfServiceAgreed": true})
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		return acmeProblem(resp)
	}
	c.accountURL = resp.Header.Get("Location")
	return nil
}

func (c *acmeClient) newOrder(ctx context.Context, sans []string) (*acmeOrder, error) {
	identifiers := make([]map[string]string, len(sans))
	for i, san := range sans {
		identifiers[i] = map[string]string{"type": "dns", "value": san}
	}
	resp, err := c.post(ctx, c.dir.NewOrder, map[string]any{"identifiers": identifiers})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		return nil, acmeProblem(resp)
	}
	var order acmeOrder
	if err := json.NewDecoder(resp.Body).Decode(&order); err != nil {
		return nil, err
	}
	order.URL = resp.Header.Get("Location")
	return &order, nil
}

// completeAuthorization fetches authzURL, locates its HTTP-01 challenge,
// serves the key authorization via responder, tells the server to
// validate, and polls until the authorization is valid.
func (c *acmeClient) completeAuthorization(ctx context.Context, authzURL string, responder *HTTP01Responder) error {
	authz, err := c.getAuthorization(ctx, authzURL)
	if err != nil {
		return err
	}
	if authz.Status == "valid" {
		return nil
	}

	var challenge *acmeChallenge
	for i := range authz.Challenges {
		if authz.Challenges[i].Type == "http-01" {
			challenge = &authz.Challenges[i]
			break
		}
	}
	if challenge == nil {
		return fmt.Errorf("no http-01 challenge offered for %s", authzURL)
	}

	thumbprint, err := jwkThumbprint(&c.accountKey.PublicKey)
	if err != nil {
		return err
	}
	keyAuth := challenge.Token + "." + base64URL(thumbprint)
	if responder != nil {
		responder.Serve(challenge.Token, keyAuth)
		defer responder.Remove(challenge.Token)
	}

	resp, err := c.post(ctx, challenge.URL, map[string]any{})
	if err != nil {
		return err
	}
	resp.Body.Close()

	for attempt := 0; attempt < 10; attempt++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoffDelay(attempt) / 4): // authorization polling is faster than order-level retry
		}
		authz, err = c.getAuthorization(ctx, authzURL)
		if err != nil {
			return err
		}
		switch authz.Status {
		case "valid":
			return nil
		case "invalid":
			return fmt.Errorf("authorization %s marked invalid by server", authzURL)
		}
	}
	return fmt.Errorf("authorization %s did not become valid before giving up", authzURL)
}

// getAuthorization fetches an authorization resource via POST-as-GET
// (RFC 8555 §6.3: every resource but the directory and newNonce endpoints
// requires an authenticated request).
func (c *acmeClient) getAuthorization(ctx context.Context, url string) (*acmeAuthorization, error) {
	resp, err := c.post(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	var authz acmeAuthorization
	if err := json.NewDecoder(resp.Body).Decode(&authz); err != nil {
		return nil, err
	}
	return &authz, nil
}

func (c *acmeClient) finalize(ctx context.Context, order *acmeOrder, csrDER []byte) (*acmeOrder, error) {
	resp, err := c.post(ctx, order.Finalize, map[string]any{"csr": base64URL(csrDER)})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, acmeProblem(resp)
	}
	var finalized acmeOrder
	if err := json.NewDecoder(resp.Body).Decode(&finalized); err != nil {
		return nil, err
	}

	for attempt := 0; finalized.Status != "valid" && attempt < 10; attempt++ {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoffDelay(attempt) / 4):
		}
		// RFC 8555 §7.1.2: resource status is polled via POST-as-GET
		// against the order's own URL, not the finalize endpoint.
		resp, err := c.post(ctx, order.URL, nil)
		if err != nil {
			return nil, err
		}
		_ = json.NewDecoder(resp.Body).Decode(&finalized)
		resp.Body.Close()
	}
	if finalized.Status != "valid" {
		return nil, fmt.Errorf("order did not finalize to valid status")
	}
	return &finalized, nil
}

// downloadCertificate fetches the issued certificate chain via POST-as-GET
// (RFC 8555 §7.4.2).
func (c *acmeClient) downloadCertificate(ctx context.Context, url string) ([]byte, error) {
	resp, err := c.post(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	return data, nil
}

func acmeProblem(resp *http.Response) error {
	var problem struct {
		Type   string `json:"type"`
		Detail string `json:"detail"`
	}
	_ = json.NewDecoder(resp.Body).Decode(&problem)
	return corerr.New(corerr.CertIssueFailed, "ACME provider returned a problem document", map[string]any{
		"status": resp.StatusCode,
		"type":   problem.Type,
		"detail": problem.Detail,
	})
}

// loadOrCreateAccountKey returns the ACME account key stored in
// secrets.yaml, generating and persisting a new ECDSA P-256 key the first
// time ACME issuance runs for this environment.
func loadOrCreateAccountKey(secrets *schema.SecretBundle) (*ecdsa.PrivateKey, bool, error) {
	if secrets.ACMEAccountKey != "" {
		block, _ := pem.Decode([]byte(secrets.ACMEAccountKey))
		if block == nil {
			return nil, false, fmt.Errorf("stored ACME account key is not valid PEM")
		}
		key, err := x509.ParseECPrivateKey(block.Bytes)
		if err != nil {
			return nil, false, err
		}
		return key, false, nil
	}

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, false, err
	}
	der, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return nil, false, err
	}
	secrets.ACMEAccountKey = string(pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: der}))
	return key, true, nil
}

// buildCSR builds a PKCS#10 certificate signing request covering sans,
// signed with certKey.
func buildCSR(certKey *rsa.PrivateKey, sans []string) ([]byte, error) {
	template := &x509.CertificateRequest{
		Subject:  pkix.Name{CommonName: sans[0]},
		DNSNames: sans,
	}
	return x509.CreateCertificateRequest(rand.Reader, template, certKey)
}

func parseLeaf(chainPEM []byte) (*x509.Certificate, error) {
	block, rest := pem.Decode(chainPEM)
	if block == nil {
		return nil, fmt.Errorf("certificate chain response contained no PEM blocks")
	}
	_ = rest
	return x509.ParseCertificate(block.Bytes)
}
