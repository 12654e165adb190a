package secrets

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/pbkdf2"
	"crypto/rand"
	"crypto/sha256"
	"fmt"

	"github.com/rendis/flowrun/pkg/schema"
)

const (
	// envelopeV1: one version byte, then the GCM nonce, then the ciphertext.
	// The version byte lets a future key rotation or algorithm change coexist
	// with already-stored secrets.
	envelopeV1 = 0x01

	keyBytes         = 32
	defaultKDFRounds = 100_000
)

// KeyConfig describes where the vault key comes from. Exactly one source is
// used: MasterKey wins when set, otherwise Passphrase+Salt derive a key via
// PBKDF2-SHA256.
type KeyConfig struct {
	MasterKey  []byte
	Passphrase string
	Salt       []byte
	Rounds     int // PBKDF2 rounds, default 100_000
}

func (c KeyConfig) material() ([]byte, error) {
	if len(c.MasterKey) > 0 {
		if len(c.MasterKey) != keyBytes {
			return nil, schema.NewErrorf(schema.ErrCodeVault,
				"master key must be %d bytes, got %d", keyBytes, len(c.MasterKey))
		}
		return c.MasterKey, nil
	}
	if c.Passphrase == "" {
		return nil, schema.NewError(schema.ErrCodeVault, "vault key missing: set a master key or a passphrase")
	}
	if len(c.Salt) == 0 {
		return nil, schema.NewError(schema.ErrCodeVault, "passphrase-derived vault key requires a salt")
	}
	rounds := c.Rounds
	if rounds <= 0 {
		rounds = defaultKDFRounds
	}
	return pbkdf2.Key(sha256.New, c.Passphrase, c.Salt, rounds, keyBytes)
}

// CipherVault implements Vault with AES-256-GCM. Each ciphertext is bound to
// its key name through the GCM additional data, so an envelope copied from one
// secret row to another fails to open instead of decrypting under the wrong
// name.
type CipherVault struct {
	backend SecretStore
	aead    cipher.AEAD
}

// NewCipherVault derives the vault key from cfg and wraps backend.
func NewCipherVault(backend SecretStore, cfg KeyConfig) (*CipherVault, error) {
	key, err := cfg.material()
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("aes cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("gcm mode: %w", err)
	}
	return &CipherVault{backend: backend, aead: aead}, nil
}

func (v *CipherVault) seal(name string, plaintext []byte) ([]byte, error) {
	nonce := make([]byte, v.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("nonce: %w", err)
	}
	box := make([]byte, 0, 1+len(nonce)+len(plaintext)+v.aead.Overhead())
	box = append(box, envelopeV1)
	box = append(box, nonce...)
	return v.aead.Seal(box, nonce, plaintext, []byte(name)), nil
}

func (v *CipherVault) open(name string, box []byte) ([]byte, error) {
	if len(box) < 1+v.aead.NonceSize() {
		return nil, schema.NewError(schema.ErrCodeVault, "secret envelope truncated")
	}
	if box[0] != envelopeV1 {
		return nil, schema.NewErrorf(schema.ErrCodeVault, "unsupported secret envelope version %d", box[0])
	}
	nonce := box[1 : 1+v.aead.NonceSize()]
	plaintext, err := v.aead.Open(nil, nonce, box[1+v.aead.NonceSize():], []byte(name))
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeVault, "secret %q cannot be decrypted: %s", name, err.Error())
	}
	return plaintext, nil
}

func (v *CipherVault) Store(ctx context.Context, key string, value []byte) error {
	if !ValidKey(key) {
		return schema.NewErrorf(schema.ErrCodeVault, "invalid secret name %q", key)
	}
	box, err := v.seal(key, value)
	if err != nil {
		return err
	}
	return v.backend.StoreSecret(ctx, key, box)
}

func (v *CipherVault) Resolve(ctx context.Context, key string) ([]byte, error) {
	box, err := v.backend.GetSecret(ctx, key)
	if err != nil {
		return nil, err
	}
	return v.open(key, box)
}

func (v *CipherVault) Delete(ctx context.Context, key string) error {
	return v.backend.DeleteSecret(ctx, key)
}

func (v *CipherVault) List(ctx context.Context) ([]string, error) {
	return v.backend.ListSecrets(ctx)
}
