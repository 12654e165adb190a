package secrets

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/flowrun/pkg/schema"
)

// memStore is an in-memory SecretStore for vault tests.
type memStore struct {
	rows map[string][]byte
}

func newMemStore() *memStore {
	return &memStore{rows: make(map[string][]byte)}
}

func (m *memStore) StoreSecret(_ context.Context, key string, value []byte) error {
	cp := make([]byte, len(value))
	copy(cp, value)
	m.rows[key] = cp
	return nil
}

func (m *memStore) GetSecret(_ context.Context, key string) ([]byte, error) {
	v, ok := m.rows[key]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "secret %q not found", key)
	}
	return v, nil
}

func (m *memStore) DeleteSecret(_ context.Context, key string) error {
	if _, ok := m.rows[key]; !ok {
		return schema.NewErrorf(schema.ErrCodeNotFound, "secret %q not found", key)
	}
	delete(m.rows, key)
	return nil
}

func (m *memStore) ListSecrets(_ context.Context) ([]string, error) {
	keys := make([]string, 0, len(m.rows))
	for k := range m.rows {
		keys = append(keys, k)
	}
	return keys, nil
}

func testVault(t *testing.T) (*CipherVault, *memStore) {
	t.Helper()
	s := newMemStore()
	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i)
	}
	v, err := NewCipherVault(s, KeyConfig{MasterKey: key})
	require.NoError(t, err)
	return v, s
}

func TestCipherVault_RoundTrip(t *testing.T) {
	v, _ := testVault(t)
	ctx := context.Background()

	require.NoError(t, v.Store(ctx, "api_key", []byte("sk-secret-123")))

	val, err := v.Resolve(ctx, "api_key")
	require.NoError(t, err)
	assert.Equal(t, []byte("sk-secret-123"), val)
}

func TestCipherVault_EncryptedAtRest(t *testing.T) {
	v, s := testVault(t)
	ctx := context.Background()

	require.NoError(t, v.Store(ctx, "token", []byte("plaintext-value")))

	raw := s.rows["token"]
	assert.NotContains(t, string(raw), "plaintext-value")
	assert.Equal(t, byte(envelopeV1), raw[0])
}

func TestCipherVault_PassphraseDerivation(t *testing.T) {
	s := newMemStore()
	cfg := KeyConfig{
		Passphrase: "my-secure-passphrase",
		Salt:       []byte("test-salt-16byte"),
		Rounds:     1000, // low for test speed
	}
	v1, err := NewCipherVault(s, cfg)
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, v1.Store(ctx, "k", []byte("value")))

	// A second vault with the same passphrase derives the same key.
	v2, err := NewCipherVault(s, cfg)
	require.NoError(t, err)
	val, err := v2.Resolve(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("value"), val)
}

func TestCipherVault_WrongKeyCannotDecrypt(t *testing.T) {
	s := newMemStore()
	ctx := context.Background()

	key1 := make([]byte, 32)
	key2 := make([]byte, 32)
	key2[0] = 0xFF

	v1, _ := NewCipherVault(s, KeyConfig{MasterKey: key1})
	require.NoError(t, v1.Store(ctx, "secret", []byte("hidden")))

	v2, _ := NewCipherVault(s, KeyConfig{MasterKey: key2})
	_, err := v2.Resolve(ctx, "secret")
	require.Error(t, err)
	var flowErr *schema.FlowError
	require.True(t, errors.As(err, &flowErr))
	assert.Equal(t, schema.ErrCodeVault, flowErr.Code)
}

func TestCipherVault_EnvelopeBoundToName(t *testing.T) {
	v, s := testVault(t)
	ctx := context.Background()

	require.NoError(t, v.Store(ctx, "alpha", []byte("value-a")))

	// Copying alpha's ciphertext under another name must not decrypt.
	s.rows["beta"] = append([]byte(nil), s.rows["alpha"]...)
	_, err := v.Resolve(ctx, "beta")
	require.Error(t, err)
}

func TestCipherVault_RejectsUnknownEnvelopeVersion(t *testing.T) {
	v, s := testVault(t)
	ctx := context.Background()

	require.NoError(t, v.Store(ctx, "k", []byte("value")))
	s.rows["k"][0] = 0x7F

	_, err := v.Resolve(ctx, "k")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "envelope version")
}

func TestCipherVault_Delete(t *testing.T) {
	v, _ := testVault(t)
	ctx := context.Background()

	require.NoError(t, v.Store(ctx, "key", []byte("val")))
	require.NoError(t, v.Delete(ctx, "key"))

	_, err := v.Resolve(ctx, "key")
	require.Error(t, err)
	var flowErr *schema.FlowError
	require.True(t, errors.As(err, &flowErr))
	assert.Equal(t, schema.ErrCodeNotFound, flowErr.Code)
}

func TestCipherVault_List(t *testing.T) {
	v, _ := testVault(t)
	ctx := context.Background()

	require.NoError(t, v.Store(ctx, "a_key", []byte("1")))
	require.NoError(t, v.Store(ctx, "b_key", []byte("2")))
	require.NoError(t, v.Store(ctx, "c_key", []byte("3")))

	keys, err := v.List(ctx)
	require.NoError(t, err)
	assert.Len(t, keys, 3)
}

func TestCipherVault_Overwrite(t *testing.T) {
	v, _ := testVault(t)
	ctx := context.Background()

	require.NoError(t, v.Store(ctx, "key", []byte("v1")))
	require.NoError(t, v.Store(ctx, "key", []byte("v2")))

	val, err := v.Resolve(ctx, "key")
	require.NoError(t, err)
	assert.Equal(t, []byte("v2"), val)
}

func TestCipherVault_UniqueNonces(t *testing.T) {
	v, s := testVault(t)
	ctx := context.Background()

	require.NoError(t, v.Store(ctx, "k", []byte("same-value")))
	first := append([]byte(nil), s.rows["k"]...)

	require.NoError(t, v.Store(ctx, "k", []byte("same-value")))
	second := s.rows["k"]

	// Same plaintext must produce different ciphertext each time.
	assert.False(t, bytes.Equal(first, second))
}

func TestCipherVault_EmptyValue(t *testing.T) {
	v, _ := testVault(t)
	ctx := context.Background()

	require.NoError(t, v.Store(ctx, "empty", []byte{}))
	val, err := v.Resolve(ctx, "empty")
	require.NoError(t, err)
	assert.Empty(t, val)
}

func TestCipherVault_InvalidKeyNames(t *testing.T) {
	v, _ := testVault(t)
	ctx := context.Background()

	for _, name := range []string{"", "has space", "br{ace", "tab\tname"} {
		err := v.Store(ctx, name, []byte("v"))
		require.Error(t, err, "name %q", name)
	}
	require.NoError(t, v.Store(ctx, "ok-name_1.v2", []byte("v")))
}

func TestKeyConfig_Errors(t *testing.T) {
	tests := []struct {
		name string
		cfg  KeyConfig
	}{
		{"empty config", KeyConfig{}},
		{"short master key", KeyConfig{MasterKey: []byte("too-short")}},
		{"passphrase without salt", KeyConfig{Passphrase: "pass"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewCipherVault(newMemStore(), tt.cfg)
			require.Error(t, err)
			var flowErr *schema.FlowError
			require.True(t, errors.As(err, &flowErr))
			assert.Equal(t, schema.ErrCodeVault, flowErr.Code)
		})
	}
}
