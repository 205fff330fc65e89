package secretsafe

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRedact(t *testing.T) {
	in := map[string]any{
		"domain":        "example.com",
		"jwt_secret":    "top-secret",
		"Password":      "hunter2",
		"account-key":   "acme-account-key",
		"rndc_key":      "rndc-secret",
		"attempt_count": 2,
	}

	out := Redact(in)

	assert.Equal(t, "example.com", out["domain"])
	assert.Equal(t, 2, out["attempt_count"])
	assert.Equal(t, placeholder, out["jwt_secret"])
	assert.Equal(t, placeholder, out["Password"])
	assert.Equal(t, placeholder, out["account-key"])
	assert.Equal(t, placeholder, out["rndc_key"])

	// Original map is untouched.
	assert.Equal(t, "hunter2", in["Password"])
}

func TestString(t *testing.T) {
	field := String("db_password", "hunter2")
	assert.Equal(t, "db_password", field.Key)
	assert.Equal(t, placeholder, field.String)
}
