package datasource

import (
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/crypto/chacha20poly1305"
)

const keyEnv = "AUTOLYST_DATASOURCE_KEY"

// LoadKey returns the credential sealing key from the environment or loads or
// generates a persistent key under dataDir so sealed credentials survive
// restarts.
func LoadKey(dataDir string) ([]byte, error) {
	if key := os.Getenv(keyEnv); key != "" {
		decoded, err := hex.DecodeString(key)
		if err != nil {
			return nil, fmt.Errorf("invalid %s: must be hex encoded: %w", keyEnv, err)
		}
		if len(decoded) != chacha20poly1305.KeySize {
			return nil, fmt.Errorf("invalid %s: must be %d bytes", keyEnv, chacha20poly1305.KeySize)
		}
		return decoded, nil
	}

	keyFile := filepath.Join(dataDir, ".datasource-key")
	if data, err := os.ReadFile(keyFile); err == nil {
		decoded, err := hex.DecodeString(strings.TrimSpace(string(data)))
		if err == nil && len(decoded) == chacha20poly1305.KeySize {
			return decoded, nil
		}
	}

	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("generating sealing key: %w", err)
	}
	if err := os.WriteFile(keyFile, []byte(hex.EncodeToString(key)), 0o600); err != nil {
		return nil, fmt.Errorf("persisting sealing key: %w", err)
	}
	return key, nil
}

// Sealer encrypts data source secrets for storage. Sealed blobs are
// nonce-prefixed and authenticated, so tampering is detected on open.
type Sealer struct {
	aead cipher.AEAD
}

// NewSealer creates a sealer from a 32-byte key.
func NewSealer(key []byte) (*Sealer, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("creating credential sealer: %w", err)
	}
	return &Sealer{aead: aead}, nil
}

// Seal encrypts a secret map into a storable blob. An empty map seals to nil.
func (s *Sealer) Seal(secrets map[string]string) ([]byte, error) {
	if len(secrets) == 0 {
		return nil, nil
	}
	plaintext, err := json.Marshal(secrets)
	if err != nil {
		return nil, fmt.Errorf("encoding credentials: %w", err)
	}
	nonce := make([]byte, s.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generating nonce: %w", err)
	}
	return s.aead.Seal(nonce, nonce, plaintext, nil), nil
}

// Open decrypts a sealed blob back into the secret map. A nil or empty blob
// opens to an empty map.
func (s *Sealer) Open(blob []byte) (map[string]string, error) {
	if len(blob) == 0 {
		return map[string]string{}, nil
	}
	if len(blob) < s.aead.NonceSize() {
		return nil, errors.New("unsealing credentials: blob too short")
	}
	nonce, ciphertext := blob[:s.aead.NonceSize()], blob[s.aead.NonceSize():]
	plaintext, err := s.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("unsealing credentials: %w", err)
	}
	var secrets map[string]string
	if err := json.Unmarshal(plaintext, &secrets); err != nil {
		return nil, fmt.Errorf("decoding credentials: %w", err)
	}
	return secrets, nil
}
