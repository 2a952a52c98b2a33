package secrets

import (
	"bytes"
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"lumigator/internal/domain"
	"lumigator/internal/repo"
)

// Store encrypts secrets on write and decrypts on read. Values at rest are
// base64(IV || ciphertext), AES-256-CBC with PKCS#7 padding. Names are
// unique case-insensitively and normalized to lower case.
type Store struct {
	key  []byte
	repo repo.Repo
	Now  func() time.Time
}

// New validates the master key (32 bytes for AES-256) and returns a store.
func New(key []byte, r repo.Repo) (*Store, error) {
	if len(key) != 32 {
		return nil, fmt.Errorf("AES key must be 32 bytes for AES-256 encryption, got %d", len(key))
	}
	return &Store{key: key, repo: r, Now: time.Now}, nil
}

// Upsert stores a secret, reporting whether it was newly created.
func (s *Store) Upsert(ctx context.Context, name, value, description string) (bool, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		return false, domain.Validation("secret name is required")
	}
	ciphertext, err := s.encrypt(value)
	if err != nil {
		return false, domain.Encryption(name, "encrypt failed", err)
	}
	created, err := s.repo.UpsertSecret(ctx, repo.SecretRow{
		ID:          uuid.New().String(),
		Name:        name,
		Value:       ciphertext,
		Description: description,
		CreatedAt:   s.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return false, fmt.Errorf("save secret: %w", err)
	}
	return created, nil
}

// Read returns the decrypted value. The plaintext must never be exposed to
// end users; callers feed it into job runtime environments only.
func (s *Store) Read(ctx context.Context, name string) (string, error) {
	row, err := s.repo.GetSecretByName(ctx, name)
	if err == repo.ErrNotFound {
		return "", domain.NotFound("secret", name)
	}
	if err != nil {
		return "", err
	}
	plaintext, err := s.decrypt(row.Value)
	if err != nil {
		return "", domain.Encryption(name, "decrypt failed", err)
	}
	return plaintext, nil
}

// IsConfigured reports whether a secret exists without decrypting it.
func (s *Store) IsConfigured(ctx context.Context, name string) (bool, error) {
	_, err := s.repo.GetSecretByName(ctx, name)
	if err == repo.ErrNotFound {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// List returns secret metadata only. Neither ciphertext nor plaintext is
// ever listed.
func (s *Store) List(ctx context.Context) ([]domain.SecretMeta, error) {
	return s.repo.ListSecrets(ctx)
}

// Delete removes a secret, reporting whether it existed.
func (s *Store) Delete(ctx context.Context, name string) (bool, error) {
	return s.repo.DeleteSecret(ctx, name)
}

func (s *Store) encrypt(plaintext string) (string, error) {
	block, err := aes.NewCipher(s.key)
	if err != nil {
		return "", err
	}
	iv := make([]byte, aes.BlockSize)
	if _, err := rand.Read(iv); err != nil {
		return "", err
	}
	padded := pkcs7Pad([]byte(plaintext), aes.BlockSize)
	ciphertext := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(ciphertext, padded)
	return base64.StdEncoding.EncodeToString(append(iv, ciphertext...)), nil
}

func (s *Store) decrypt(encoded string) (string, error) {
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("decode ciphertext: %w", err)
	}
	if len(data) < aes.BlockSize || len(data)%aes.BlockSize != 0 {
		return "", fmt.Errorf("ciphertext length %d is not a block multiple", len(data))
	}
	iv, ciphertext := data[:aes.BlockSize], data[aes.BlockSize:]
	block, err := aes.NewCipher(s.key)
	if err != nil {
		return "", err
	}
	padded := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(padded, ciphertext)
	plaintext, err := pkcs7Unpad(padded, aes.BlockSize)
	if err != nil {
		return "", err
	}
	return string(plaintext), nil
}

func pkcs7Pad(data []byte, blockSize int) []byte {
	padding := blockSize - len(data)%blockSize
	return append(data, bytes.Repeat([]byte{byte(padding)}, padding)...)
}

func pkcs7Unpad(data []byte, blockSize int) ([]byte, error) {
	if len(data) == 0 || len(data)%blockSize != 0 {
		return nil, fmt.Errorf("invalid padded length %d", len(data))
	}
	padding := int(data[len(data)-1])
	if padding == 0 || padding > blockSize {
		return nil, fmt.Errorf("invalid padding byte %d", padding)
	}
	for _, b := range data[len(data)-padding:] {
		if int(b) != padding {
			return nil, fmt.Errorf("corrupt padding")
		}
	}
	return data[:len(data)-padding], nil
}
