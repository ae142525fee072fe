package config

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"golang.org/x/crypto/scrypt"
)

// Encrypted secrets file layout: [salt][nonce][ciphertext+tag].
const (
	SecretsFileName = "secrets.json.enc"
	saltSize        = 16
	nonceSize       = 12
	gcmTagSize      = 16
	scryptN         = 32768
	scryptR         = 8
	scryptP         = 1
	keySize         = 32
)

//nolint:gochecknoglobals // decrypted secrets live in memory only
var (
	secrets    map[string]string
	secretsMux sync.RWMutex
)

// SetSecrets replaces the in-memory secrets.
func SetSecrets(s map[string]string) {
	secretsMux.Lock()
	defer secretsMux.Unlock()
	secrets = s
}

// SetSecret stores a single secret in memory.
func SetSecret(name, value string) {
	secretsMux.Lock()
	defer secretsMux.Unlock()
	if secrets == nil {
		secrets = make(map[string]string)
	}
	secrets[name] = value
}

// DeleteSecret removes a secret from memory and reports whether it existed.
func DeleteSecret(name string) bool {
	secretsMux.Lock()
	defer secretsMux.Unlock()
	_, ok := secrets[name]
	delete(secrets, name)
	return ok
}

// Secrets returns a copy of the in-memory secrets.
func Secrets() map[string]string {
	secretsMux.RLock()
	defer secretsMux.RUnlock()
	return maps.Clone(secrets)
}

// SecretNames lists the names held in memory, sorted.
func SecretNames() []string {
	secretsMux.RLock()
	defer secretsMux.RUnlock()
	names := make([]string, 0, len(secrets))
	for name := range secrets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// GetSecret returns a secret from the decrypted secrets file, falling back to the environment.
func GetSecret(name string) (string, error) {
	secretsMux.RLock()
	value, ok := secrets[name]
	secretsMux.RUnlock()
	if ok && value != "" {
		return value, nil
	}
	if value := os.Getenv(name); value != "" {
		return value, nil
	}
	return "", fmt.Errorf("secret %s not found in secrets file or environment", name)
}

// SecretsFileExists reports whether dir holds an encrypted secrets file.
func SecretsFileExists(dir string) bool {
	_, err := os.Stat(filepath.Join(dir, SecretsFileName))
	return err == nil
}

func deriveGCM(password, salt []byte) (cipher.AEAD, error) {
	key, err := scrypt.Key(password, salt, scryptN, scryptR, scryptP, keySize)
	if err != nil {
		return nil, fmt.Errorf("failed to derive key: %w", err)
	}
	defer zero(key)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return gcm, nil
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// EncryptSecretsFile writes values to dir/secrets.json.enc with mode 0600.
func EncryptSecretsFile(dir, password string, values map[string]string) error {
	pw := []byte(password)
	defer zero(pw)

	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return fmt.Errorf("failed to generate salt: %w", err)
	}
	gcm, err := deriveGCM(pw, salt)
	if err != nil {
		return err
	}

	plaintext, err := json.Marshal(values)
	if err != nil {
		return fmt.Errorf("failed to marshal secrets: %w", err)
	}
	defer zero(plaintext)

	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return fmt.Errorf("failed to generate nonce: %w", err)
	}

	data := make([]byte, 0, saltSize+nonceSize+len(plaintext)+gcmTagSize)
	data = append(data, salt...)
	data = append(data, nonce...)
	data = gcm.Seal(data, nonce, plaintext, nil)

	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create %s: %w", dir, err)
	}
	if err := os.WriteFile(filepath.Join(dir, SecretsFileName), data, 0600); err != nil {
		return fmt.Errorf("failed to write secrets file: %w", err)
	}
	return nil
}

// DecryptSecretsFile reads and decrypts dir/secrets.json.enc.
func DecryptSecretsFile(dir, password string) (map[string]string, error) {
	path := filepath.Join(dir, SecretsFileName)

	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat secrets file: %w", err)
	}
	if info.Mode().Perm() != 0600 {
		logger.Warn("secrets file has mode %04o, tightening to 0600", info.Mode().Perm())
		if err := os.Chmod(path, 0600); err != nil {
			return nil, fmt.Errorf("failed to fix file permissions: %w", err)
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read secrets file: %w", err)
	}
	if len(data) < saltSize+nonceSize+gcmTagSize {
		return nil, fmt.Errorf("secrets file is corrupted or invalid format (too small)")
	}

	pw := []byte(password)
	defer zero(pw)
	gcm, err := deriveGCM(pw, data[:saltSize])
	if err != nil {
		return nil, err
	}

	plaintext, err := gcm.Open(nil, data[saltSize:saltSize+nonceSize], data[saltSize+nonceSize:], nil)
	if err != nil {
		return nil, fmt.Errorf("decryption failed (wrong password or corrupted file)")
	}
	defer zero(plaintext)

	var values map[string]string
	if err := json.Unmarshal(plaintext, &values); err != nil {
		return nil, fmt.Errorf("failed to parse secrets: %w", err)
	}
	return values, nil
}
