package bridge

import (
	"context"
	"fmt"

	"pluginhost/pkg/database"
)

// EncryptedStore seals values with gocrypt AES before they reach the backend.
// Keys are stored in clear so prefix listing keeps working.
type EncryptedStore struct {
	next Store
	key  string
}

func NewEncryptedStore(next Store, secretKey string) *EncryptedStore {
	return &EncryptedStore{next: next, key: secretKey}
}

func (s *EncryptedStore) Get(ctx context.Context, namespace, key string) ([]byte, bool, error) {
	v, ok, err := s.next.Get(ctx, namespace, key)
	if err != nil || !ok {
		return nil, ok, err
	}
	plain, err := database.DecryptString(string(v), s.key)
	if err != nil {
		return nil, false, fmt.Errorf("decrypt %s/%s: %w", namespace, key, err)
	}
	return []byte(plain), true, nil
}

func (s *EncryptedStore) Put(ctx context.Context, namespace, key string, value []byte) error {
	cipher, err := database.EncryptString(string(value), s.key)
	if err != nil {
		return fmt.Errorf("encrypt %s/%s: %w", namespace, key, err)
	}
	return s.next.Put(ctx, namespace, key, []byte(cipher))
}

func (s *EncryptedStore) Delete(ctx context.Context, namespace, key string) (bool, error) {
	return s.next.Delete(ctx, namespace, key)
}

func (s *EncryptedStore) List(ctx context.Context, namespace, prefix string) ([]string, error) {
	return s.next.List(ctx, namespace, prefix)
}
