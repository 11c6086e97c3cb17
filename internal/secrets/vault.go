package secrets

import "context"

// Vault is the runtime source for ${{secrets.KEY}} references. Values
// live encrypted in the backing store and only exist in plaintext for
// the duration of a resolution.
type Vault interface {
	Resolve(ctx context.Context, key string) ([]byte, error)
	Store(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	List(ctx context.Context) ([]string, error)
}

// SecretStore is the persistence surface the vault writes ciphertext
// through. The libsql store satisfies it.
type SecretStore interface {
	StoreSecret(ctx context.Context, key string, value []byte) error
	GetSecret(ctx context.Context, key string) ([]byte, error)
	DeleteSecret(ctx context.Context, key string) error
	ListSecrets(ctx context.Context) ([]string, error)
}
