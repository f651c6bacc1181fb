// Package vault provides encrypted storage for provider credentials with a
// lock/unlock lifecycle. Values are encrypted at rest with AES-256-GCM under
// a key derived from the master password via argon2id.
package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"sync"

	"golang.org/x/crypto/argon2"
)

// argon2id parameters. Conservative interactive-use settings.
const (
	argonTime    = 1
	argonMemory  = 64 * 1024
	argonThreads = 4
	keyLen       = 32
	saltLen      = 16
)

// Vault holds encrypted provider credentials keyed by binding id.
type Vault struct {
	enabled bool

	mu     sync.RWMutex
	locked bool

	// salt persists across lock cycles; the derived key does not.
	salt []byte
	key  []byte

	values map[string][]byte
}

func New(enabled bool) (*Vault, error) {
	salt := make([]byte, saltLen)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, err
	}
	return &Vault{
		enabled: enabled,
		locked:  enabled, // locked on start if enabled
		salt:    salt,
		values:  make(map[string][]byte),
	}, nil
}

func (v *Vault) IsLocked() bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.enabled && v.locked
}

// Unlock derives the encryption key from the master password.
func (v *Vault) Unlock(master []byte) error {
	if !v.enabled {
		return nil
	}
	if len(master) < 8 {
		return errors.New("password too short")
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	v.key = argon2.IDKey(master, v.salt, argonTime, argonMemory, argonThreads, keyLen)
	v.locked = false
	return nil
}

func (v *Vault) Lock() {
	v.mu.Lock()
	defer v.mu.Unlock()
	for i := range v.key {
		v.key[i] = 0
	}
	v.key = nil
	v.locked = true
}

// Set encrypts and stores a credential.
func (v *Vault) Set(key, value string) error {
	encrypted, err := v.Encrypt([]byte(value))
	if err != nil {
		return err
	}
	v.mu.Lock()
	v.values[key] = encrypted
	v.mu.Unlock()
	return nil
}

// Get decrypts and retrieves a credential.
func (v *Vault) Get(key string) (string, error) {
	v.mu.RLock()
	encrypted, exists := v.values[key]
	v.mu.RUnlock()
	if !exists {
		return "", fmt.Errorf("key not found: %s", key)
	}

	plaintext, err := v.Decrypt(encrypted)
	if err != nil {
		return "", fmt.Errorf("failed to decrypt: %w", err)
	}
	return string(plaintext), nil
}

// Delete removes a credential from the vault.
func (v *Vault) Delete(key string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	delete(v.values, key)
}

// Salt returns the derivation salt, for persistence alongside Export.
func (v *Vault) Salt() []byte {
	v.mu.RLock()
	defer v.mu.RUnlock()
	out := make([]byte, len(v.salt))
	copy(out, v.salt)
	return out
}

// SetSalt restores a persisted salt. Must be called before Unlock.
func (v *Vault) SetSalt(salt []byte) error {
	if len(salt) != saltLen {
		return errors.New("bad salt length")
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	v.salt = append([]byte(nil), salt...)
	return nil
}

// Export exports the encrypted vault data (for persistence).
func (v *Vault) Export() map[string]string {
	v.mu.RLock()
	defer v.mu.RUnlock()
	exported := make(map[string]string, len(v.values))
	for k, val := range v.values {
		exported[k] = base64.StdEncoding.EncodeToString(val)
	}
	return exported
}

// Import imports encrypted vault data.
func (v *Vault) Import(data map[string]string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	for k, encValue := range data {
		decoded, err := base64.StdEncoding.DecodeString(encValue)
		if err != nil {
			return fmt.Errorf("failed to decode key %s: %w", k, err)
		}
		v.values[k] = decoded
	}
	return nil
}

func (v *Vault) Encrypt(plaintext []byte) ([]byte, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if v.enabled && v.locked {
		return nil, errors.New("vault locked")
	}
	if len(v.key) != keyLen {
		return nil, errors.New("no key")
	}
	block, err := aes.NewCipher(v.key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

func (v *Vault) Decrypt(ciphertext []byte) ([]byte, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if v.enabled && v.locked {
		return nil, errors.New("vault locked")
	}
	if len(v.key) != keyLen {
		return nil, errors.New("no key")
	}
	block, err := aes.NewCipher(v.key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	if len(ciphertext) < gcm.NonceSize() {
		return nil, errors.New("ciphertext too short")
	}
	nonce := ciphertext[:gcm.NonceSize()]
	data := ciphertext[gcm.NonceSize():]
	return gcm.Open(nil, nonce, data, nil)
}
