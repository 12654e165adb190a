package actions

import (
	"context"
	"crypto/hmac"
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"testing"

	"github.com/rendis/flowrun/pkg/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func cryptoAction(t *testing.T, name string) Action {
	t.Helper()
	for _, a := range CryptoActions() {
		if a.Name() == name {
			return a
		}
	}
	t.Fatalf("action %s not found", name)
	return nil
}

func runCrypto(t *testing.T, name string, params map[string]any) map[string]any {
	t.Helper()
	res, err := cryptoAction(t, name).Execute(context.Background(), ActionInput{Params: params})
	require.NoError(t, err)
	require.True(t, res.Success, "expected success, got: %s", res.Message)
	return res.Payload
}

func TestCryptoHashAlgorithms(t *testing.T) {
	const page = "<title>Checkout - Acme Store</title>"
	sum256 := sha256.Sum256([]byte(page))
	sum512 := sha512.Sum512([]byte(page))
	sum384 := sha512.Sum384([]byte(page))
	sum1 := sha1.Sum([]byte(page))
	sumMD5 := md5.Sum([]byte(page))

	tests := []struct {
		name     string
		params   map[string]any
		wantHash string
		wantAlgo string
	}{
		{
			name:     "sha256",
			params:   map[string]any{"algorithm": "sha256", "data": page},
			wantHash: hex.EncodeToString(sum256[:]),
			wantAlgo: "sha256",
		},
		{
			name:     "sha512",
			params:   map[string]any{"algorithm": "sha512", "data": page},
			wantHash: hex.EncodeToString(sum512[:]),
			wantAlgo: "sha512",
		},
		{
			name:     "sha384",
			params:   map[string]any{"algorithm": "sha384", "data": page},
			wantHash: hex.EncodeToString(sum384[:]),
			wantAlgo: "sha384",
		},
		{
			name:     "sha1",
			params:   map[string]any{"algorithm": "sha1", "data": page},
			wantHash: hex.EncodeToString(sum1[:]),
			wantAlgo: "sha1",
		},
		{
			name:     "md5",
			params:   map[string]any{"algorithm": "md5", "data": page},
			wantHash: hex.EncodeToString(sumMD5[:]),
			wantAlgo: "md5",
		},
		{
			name:     "defaults to sha256",
			params:   map[string]any{"data": page},
			wantHash: hex.EncodeToString(sum256[:]),
			wantAlgo: "sha256",
		},
		{
			name:   "empty input",
			params: map[string]any{"data": ""},
			// The well-known sha256 of the empty string.
			wantHash: "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855",
			wantAlgo: "sha256",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			payload := runCrypto(t, "crypto.hash", tt.params)
			assert.Equal(t, tt.wantHash, payload["hash"])
			assert.Equal(t, tt.wantAlgo, payload["algorithm"])
		})
	}
}

func TestCryptoHashUnsupportedAlgorithm(t *testing.T) {
	_, err := cryptoAction(t, "crypto.hash").Execute(context.Background(), ActionInput{
		Params: map[string]any{"algorithm": "blake2", "data": "anything"},
	})
	requireFlowError(t, err, schema.ErrCodeValidation)
}

func TestCryptoHMAC(t *testing.T) {
	payload := runCrypto(t, "crypto.hmac", map[string]any{
		"data": "session=abc123",
		"key":  "signing-key",
	})
	assert.Equal(t, "sha256", payload["algorithm"])

	mac := hmac.New(sha256.New, []byte("signing-key"))
	mac.Write([]byte("session=abc123"))
	assert.Equal(t, hex.EncodeToString(mac.Sum(nil)), payload["hmac"])
}

func TestCryptoValidate(t *testing.T) {
	tests := []struct {
		name   string
		action string
		params map[string]any
	}{
		{"hash without data", "crypto.hash", map[string]any{"algorithm": "sha256"}},
		{"hmac without key", "crypto.hmac", map[string]any{"data": "session=abc123"}},
		{"hmac without data", "crypto.hmac", map[string]any{"key": "signing-key"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			requireFlowError(t, cryptoAction(t, tt.action).Validate(tt.params), schema.ErrCodeValidation)
		})
	}
}

func TestCryptoUUID(t *testing.T) {
	first := runCrypto(t, "crypto.uuid", nil)
	second := runCrypto(t, "crypto.uuid", nil)

	id, ok := first["uuid"].(string)
	require.True(t, ok)
	assert.Regexp(t, `^[0-9a-f]{8}-[0-9a-f]{4}-4[0-9a-f]{3}-[89ab][0-9a-f]{3}-[0-9a-f]{12}$`, id)
	assert.NotEqual(t, first["uuid"], second["uuid"])
}
