package database

import (
	"fmt"

	"pluginhost/pkg/models"

	"github.com/firdasafridi/gocrypt"
)

// crypt runs gocrypt over every field tagged `gocrypt:"aes"`.
func crypt[T any](entity T, secretKey string, encrypt bool) (T, error) {
	aesOpt, err := gocrypt.NewAESOpt(secretKey)
	if err != nil {
		return entity, fmt.Errorf("invalid encryption key: %w", err)
	}
	gc := gocrypt.New(&gocrypt.Option{AESOpt: aesOpt})
	if encrypt {
		err = gc.Encrypt(&entity)
	} else {
		err = gc.Decrypt(&entity)
	}
	return entity, err
}

// EncryptStruct encrypts the fields tagged with gocrypt using the provided secret key.
func EncryptStruct[T any](entity T, secretKey string) (T, error) {
	return crypt(entity, secretKey, true)
}

// DecryptStruct decrypts the fields tagged with gocrypt using the provided secret key.
func DecryptStruct[T any](entity T, secretKey string) (T, error) {
	return crypt(entity, secretKey, false)
}

type sealed struct {
	Value string `gocrypt:"aes"`
}

// EncryptString seals a single value, e.g. a secret env var for the registry file.
func EncryptString(plain, secretKey string) (string, error) {
	out, err := EncryptStruct(sealed{Value: plain}, secretKey)
	if err != nil {
		return "", err
	}
	return out.Value, nil
}

// DecryptString opens a value produced by EncryptString.
func DecryptString(cipher, secretKey string) (string, error) {
	out, err := DecryptStruct(sealed{Value: cipher}, secretKey)
	if err != nil {
		return "", err
	}
	return out.Value, nil
}

// DecryptEnv returns a copy of the descriptor with every secret env var decrypted.
func DecryptEnv(desc models.PluginDescriptor, secretKey string) (models.PluginDescriptor, error) {
	out := desc.Clone()
	for i, v := range out.Env {
		if !v.Secret {
			continue
		}
		decrypted, err := DecryptStruct(v, secretKey)
		if err != nil {
			return desc, fmt.Errorf("env %s: %w", v.Key, err)
		}
		out.Env[i] = decrypted
	}
	return out, nil
}
