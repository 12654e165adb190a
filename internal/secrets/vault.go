// Package secrets stores and resolves workflow secrets. Values are encrypted
// before they reach the persistence layer and only ever decrypted in memory,
// at the moment a ${{secrets.KEY}} reference is resolved.
package secrets

import (
	"context"
	"regexp"
)

// Vault is the runtime interface for secret material.
type Vault interface {
	Resolve(ctx context.Context, key string) ([]byte, error)
	Store(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	List(ctx context.Context) ([]string, error)
}

// SecretStore is the persistence seam the vault writes ciphertext through.
// Satisfied by store.Store.
type SecretStore interface {
	StoreSecret(ctx context.Context, key string, value []byte) error
	GetSecret(ctx context.Context, key string) ([]byte, error)
	DeleteSecret(ctx context.Context, key string) error
	ListSecrets(ctx context.Context) ([]string, error)
}

var keyPattern = regexp.MustCompile(`^[A-Za-z0-9_.-]+$`)

// ValidKey reports whether key is usable as a secret name. Names must be
// non-empty and restricted to the characters an interpolation token can
// carry, so every stored secret stays addressable as ${{secrets.KEY}}.
func ValidKey(key string) bool {
	return keyPattern.MatchString(key)
}
