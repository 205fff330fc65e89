// Package secretsafe provides the redaction helper used at every logging
// call site that might otherwise attach secret material (ACME account
// keys, RNDC keys, plaintext passwords from secrets.yaml) to a zap field.
package secretsafe

import (
	"strings"

	"go.uber.org/zap"
)

const placeholder = "[redacted]"

// String returns a zap.Field that logs the placeholder instead of value.
// Components reach for this instead of zap.String whenever the value comes
// from a SecretBundle, so a future log statement added nearby cannot
// accidentally leak it by copy-paste.
func String(key, _ string) zap.Field {
	return zap.String(key, placeholder)
}

// Redact replaces every value in m whose key contains a deny-list entry
// (matched case-insensitively, with '-' read as '_', so "jwt_secret" and
// "account-key" both match) with the fixed placeholder. It never mutates
// m; it returns a shallow copy.
func Redact(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		nk := normalize(k)
		denied := false
		for entry := range denyList {
			if strings.Contains(nk, entry) {
				denied = true
				break
			}
		}
		if denied {
			out[k] = placeholder
			continue
		}
		out[k] = v
	}
	return out
}

var denyList = map[string]bool{
	"secret":        true,
	"password":      true,
	"token":         true,
	"privatekey":    true,
	"private_key":   true,
	"rndckey":       true,
	"rndc_key":      true,
	"accountkey":    true,
	"account_key":   true,
}

func normalize(key string) string {
	b := make([]byte, 0, len(key))
	for i := 0; i < len(key); i++ {
		c := key[i]
		if c >= 'A' && c <= 'Z' {
			c += 'a' - 'A'
		}
		if c == '-' {
			c = '_'
		}
		b = append(b, c)
	}
	return string(b)
}
