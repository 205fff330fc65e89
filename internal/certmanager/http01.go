package certmanager

import (
	"context"
	"net/http"
	"strings"
	"sync"

	"go.uber.org/zap"
)

// http01Prefix is the well-known path ACME HTTP-01 validators request
// (RFC 8555 §8.3).
const http01Prefix = "/.well-known/acme-challenge/"

// HTTP01Responder serves ACME HTTP-01 key authorizations over plain HTTP
// on behalf of every domain in "acme" mode for this process. Tokens are
// registered immediately before a challenge is triggered and removed once
// the authorization settles, so the responder never accumulates stale
// state across issuances.
type HTTP01Responder struct {
	mu      sync.RWMutex
	tokens  map[string]string
	server  *http.Server
	logger  *zap.Logger
}

// NewHTTP01Responder creates a responder bound to addr (typically
// ":80", the port the ACME spec requires for HTTP-01 validation).
func NewHTTP01Responder(addr string, logger *zap.Logger) *HTTP01Responder {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &HTTP01Responder{tokens: make(map[string]string), logger: logger}
	mux := http.NewServeMux()
	mux.HandleFunc(http01Prefix, r.handle)
	r.server = &http.Server{Addr: addr, Handler: mux}
	return r
}

// Start begins serving in the background. It returns immediately; call
// Shutdown to stop.
func (r *HTTP01Responder) Start() {
	go func() {
		if err := r.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			r.logger.Error("http-01 responder stopped unexpectedly", zap.Error(err))
		}
	}()
}

// Shutdown gracefully stops the responder.
func (r *HTTP01Responder) Shutdown(ctx context.Context) error {
	return r.server.Shutdown(ctx)
}

// Serve registers keyAuth to be returned for requests to token's path.
func (r *HTTP01Responder) Serve(token, keyAuth string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tokens[token] = keyAuth
}

// Remove forgets token once its authorization has settled.
func (r *HTTP01Responder) Remove(token string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tokens, token)
}

func (r *HTTP01Responder) handle(w http.ResponseWriter, req *http.Request) {
	token := strings.TrimPrefix(req.URL.Path, http01Prefix)
	r.mu.RLock()
	keyAuth, ok := r.tokens[token]
	r.mu.RUnlock()
	if !ok {
		http.NotFound(w, req)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	_, _ = w.Write([]byte(keyAuth))
}
