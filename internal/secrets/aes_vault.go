package secrets

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/pbkdf2"
	"crypto/rand"
	"crypto/sha256"
	"fmt"

	"github.com/loomworks/loom/pkg/schema"
)

const (
	keyLen            = 32
	defaultIterations = 100_000
)

// VaultConfig selects the vault key. MasterKey wins when both are set;
// otherwise the key is derived from Passphrase and Salt via PBKDF2.
type VaultConfig struct {
	MasterKey  []byte
	Passphrase string
	Salt       []byte
	Iterations int
}

// AESVault seals secret values with AES-256-GCM before handing them to
// the backing store. The random nonce is prepended to each ciphertext.
type AESVault struct {
	store SecretStore
	aead  cipher.AEAD
}

// NewAESVault builds a vault over the given store.
func NewAESVault(s SecretStore, cfg VaultConfig) (*AESVault, error) {
	key, err := vaultKey(cfg)
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("aes cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("gcm: %w", err)
	}
	return &AESVault{store: s, aead: aead}, nil
}

func vaultKey(cfg VaultConfig) ([]byte, error) {
	switch {
	case len(cfg.MasterKey) > 0:
		if len(cfg.MasterKey) != keyLen {
			return nil, schema.NewErrorf(schema.ErrCodeVault,
				"master key must be %d bytes, got %d", keyLen, len(cfg.MasterKey))
		}
		return cfg.MasterKey, nil
	case cfg.Passphrase == "":
		return nil, schema.NewError(schema.ErrCodeVault, "vault needs a master key or a passphrase")
	case len(cfg.Salt) == 0:
		return nil, schema.NewError(schema.ErrCodeVault, "passphrase-derived keys need a salt")
	}

	iter := cfg.Iterations
	if iter <= 0 {
		iter = defaultIterations
	}
	return pbkdf2.Key(sha256.New, cfg.Passphrase, cfg.Salt, iter, keyLen)
}

func (v *AESVault) Store(ctx context.Context, key string, value []byte) error {
	nonce := make([]byte, v.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return fmt.Errorf("generate nonce: %w", err)
	}
	sealed := v.aead.Seal(nonce, nonce, value, nil)
	return v.store.StoreSecret(ctx, key, sealed)
}

func (v *AESVault) Resolve(ctx context.Context, key string) ([]byte, error) {
	sealed, err := v.store.GetSecret(ctx, key)
	if err != nil {
		return nil, err
	}

	ns := v.aead.NonceSize()
	if len(sealed) < ns {
		return nil, schema.NewErrorf(schema.ErrCodeVault, "secret %q is corrupt", key)
	}
	plain, err := v.aead.Open(nil, sealed[:ns], sealed[ns:], nil)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeVault, "cannot decrypt secret %q: %s", key, err.Error())
	}
	return plain, nil
}

func (v *AESVault) Delete(ctx context.Context, key string) error {
	return v.store.DeleteSecret(ctx, key)
}

func (v *AESVault) List(ctx context.Context) ([]string, error) {
	return v.store.ListSecrets(ctx)
}
