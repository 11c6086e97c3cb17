package tools

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

	"github.com/loomworks/loom/pkg/schema"
)

// CryptoTools returns the crypto.* tools.
func CryptoTools() []Tool {
	return []Tool{
		&cryptoHashTool{},
		&cryptoHMACTool{},
		&cryptoUUIDTool{},
	}
}

func hashFunc(algorithm string) (func() hash.Hash, error) {
	switch algorithm {
	case "sha256":
		return sha256.New, nil
	case "sha512":
		return sha512.New, nil
	case "sha384":
		return sha512.New384, nil
	case "md5":
		return md5.New, nil
	case "sha1":
		return sha1.New, nil
	default:
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "unsupported hash algorithm: %s", algorithm)
	}
}

type cryptoHashTool struct{}

func (t *cryptoHashTool) Name() string { return "crypto.hash" }

func (t *cryptoHashTool) Describe() Descriptor {
	return Descriptor{Description: "Compute a cryptographic hash of the input data"}
}

func (t *cryptoHashTool) Invoke(_ context.Context, args map[string]any) (any, error) {
	data, ok := args["data"].(string)
	if !ok {
		return nil, schema.NewError(schema.ErrCodeValidation, "crypto.hash requires 'data' string arg")
	}
	algorithm := stringArg(args, "algorithm", "sha256")

	newHash, err := hashFunc(algorithm)
	if err != nil {
		return nil, err
	}
	h := newHash()
	h.Write([]byte(data))

	return map[string]any{
		"hash":      hex.EncodeToString(h.Sum(nil)),
		"algorithm": algorithm,
	}, nil
}

type cryptoHMACTool struct{}

func (t *cryptoHMACTool) Name() string { return "crypto.hmac" }

func (t *cryptoHMACTool) Describe() Descriptor {
	return Descriptor{Description: "Compute an HMAC of the input data using the given key"}
}

func (t *cryptoHMACTool) Invoke(_ context.Context, args map[string]any) (any, error) {
	data, ok := args["data"].(string)
	if !ok {
		return nil, schema.NewError(schema.ErrCodeValidation, "crypto.hmac requires 'data' string arg")
	}
	key, ok := args["key"].(string)
	if !ok {
		return nil, schema.NewError(schema.ErrCodeValidation, "crypto.hmac requires 'key' string arg")
	}
	algorithm := stringArg(args, "algorithm", "sha256")

	newHash, err := hashFunc(algorithm)
	if err != nil {
		return nil, err
	}
	mac := hmac.New(newHash, []byte(key))
	mac.Write([]byte(data))

	return map[string]any{
		"hmac":      hex.EncodeToString(mac.Sum(nil)),
		"algorithm": algorithm,
	}, nil
}

type cryptoUUIDTool struct{}

func (t *cryptoUUIDTool) Name() string { return "crypto.uuid" }

func (t *cryptoUUIDTool) Describe() Descriptor {
	return Descriptor{Description: "Generate a v4 UUID"}
}

func (t *cryptoUUIDTool) Invoke(_ context.Context, _ map[string]any) (any, error) {
	return map[string]any{"uuid": uuid.NewString()}, nil
}
