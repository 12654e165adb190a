package actions

import (
	"context"
	"crypto/hmac"
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"hash"

	"github.com/google/uuid"
	"github.com/rendis/flowrun/pkg/schema"
)

// Hash constructors keyed by the algorithm name accepted in params.
// md5 and sha1 are kept for legacy interop only.
var hashAlgorithms = map[string]func() hash.Hash{
	"sha256": sha256.New,
	"sha384": sha512.New384,
	"sha512": sha512.New,
	"sha1":   sha1.New,
	"md5":    md5.New,
}

func hashFunc(algorithm string) (func() hash.Hash, error) {
	newHash, ok := hashAlgorithms[algorithm]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "unsupported hash algorithm: %s", algorithm)
	}
	return newHash, nil
}

// hexDigest feeds data through h and returns the hex-encoded sum.
func hexDigest(h hash.Hash, data string) string {
	h.Write([]byte(data))
	return hex.EncodeToString(h.Sum(nil))
}

// CryptoActions returns the digest and identifier helpers: crypto.hash,
// crypto.hmac and crypto.uuid.
func CryptoActions() []Action {
	return []Action{&cryptoHashAction{}, &cryptoHMACAction{}, &cryptoUUIDAction{}}
}

type cryptoHashAction struct{}

func (a *cryptoHashAction) Name() string { return "crypto.hash" }

func (a *cryptoHashAction) Schema() ActionSchema {
	return ActionSchema{Description: "Compute a cryptographic hash of the input data"}
}

func (a *cryptoHashAction) Validate(params map[string]any) error {
	return requireStringParams("crypto.hash", params, "data")
}

func (a *cryptoHashAction) Execute(_ context.Context, input ActionInput) (*schema.ActionResult, error) {
	if err := a.Validate(input.Params); err != nil {
		return nil, err
	}
	algorithm := stringParam(input.Params, "algorithm", "sha256")
	newHash, err := hashFunc(algorithm)
	if err != nil {
		return nil, err
	}
	data, _ := input.Params["data"].(string)
	return schema.Success(algorithm+" computed", map[string]any{
		"hash":      hexDigest(newHash(), data),
		"algorithm": algorithm,
	}), nil
}

type cryptoHMACAction struct{}

func (a *cryptoHMACAction) Name() string { return "crypto.hmac" }

func (a *cryptoHMACAction) Schema() ActionSchema {
	return ActionSchema{Description: "Compute an HMAC of the input data using the given key"}
}

func (a *cryptoHMACAction) Validate(params map[string]any) error {
	return requireStringParams("crypto.hmac", params, "data", "key")
}

func (a *cryptoHMACAction) Execute(_ context.Context, input ActionInput) (*schema.ActionResult, error) {
	if err := a.Validate(input.Params); err != nil {
		return nil, err
	}
	algorithm := stringParam(input.Params, "algorithm", "sha256")
	newHash, err := hashFunc(algorithm)
	if err != nil {
		return nil, err
	}
	data, _ := input.Params["data"].(string)
	key, _ := input.Params["key"].(string)
	return schema.Success("hmac-"+algorithm+" computed", map[string]any{
		"hmac":      hexDigest(hmac.New(newHash, []byte(key)), data),
		"algorithm": algorithm,
	}), nil
}

type cryptoUUIDAction struct{}

func (a *cryptoUUIDAction) Name() string { return "crypto.uuid" }

func (a *cryptoUUIDAction) Schema() ActionSchema {
	return ActionSchema{Description: "Generate a v4 UUID"}
}

func (a *cryptoUUIDAction) Validate(_ map[string]any) error { return nil }

func (a *cryptoUUIDAction) Execute(_ context.Context, _ ActionInput) (*schema.ActionResult, error) {
	return schema.Success("uuid generated", map[string]any{"uuid": uuid.NewString()}), nil
}
