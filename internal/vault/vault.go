// Package vault provides encrypted credential storage with a
// lock/unlock lifecycle. Provider API keys and other secrets are
// encrypted at rest with AES-256-GCM; the data key is derived from the
// master password via argon2id over a per-vault random salt.
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

// argon2id parameters (RFC 9106 second recommended option).
const (
	argonTime    = 3
	argonMemory  = 64 * 1024 // KiB
	argonThreads = 4
	keyLen       = 32
	saltLen      = 16
)

var (
	ErrLocked        = errors.New("vault locked")
	ErrShortPassword = errors.New("password too short")
)

// Vault holds an encrypted KV store of credentials.
type Vault struct {
	enabled bool

	mu     sync.RWMutex
	locked bool

	// salt is stable across lock/unlock cycles; persisted alongside the
	// encrypted blob so the same password re-derives the same key.
	salt []byte

	// derived key (in-memory only; zeroed on lock)
	key []byte

	values map[string][]byte
}

func New(enabled bool) (*Vault, error) {
	return &Vault{
		enabled: enabled,
		locked:  enabled, // locked on start if enabled
		values:  make(map[string][]byte),
	}, nil
}

func (v *Vault) Enabled() bool {
	return v.enabled
}

func (v *Vault) IsLocked() bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.enabled && v.locked
}

// Unlock derives the data key from the master password. A fresh salt is
// generated on first unlock; subsequent unlocks reuse the stored salt so
// previously encrypted values remain readable.
func (v *Vault) Unlock(master []byte) error {
	if !v.enabled {
		return nil
	}
	if len(master) < 8 {
		return ErrShortPassword
	}
	v.mu.Lock()
	defer v.mu.Unlock()

	if len(v.salt) == 0 {
		salt := make([]byte, saltLen)
		if _, err := io.ReadFull(rand.Reader, salt); err != nil {
			return fmt.Errorf("generate salt: %w", err)
		}
		v.salt = salt
	}
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

// Rotate re-encrypts every stored value under a key derived from the new
// password with a fresh salt. The vault must be unlocked.
func (v *Vault) Rotate(newMaster []byte) error {
	if !v.enabled {
		return nil
	}
	if len(newMaster) < 8 {
		return ErrShortPassword
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.locked || len(v.key) != keyLen {
		return ErrLocked
	}

	// Decrypt everything under the old key first so a bad blob aborts
	// the rotation before anything is rewritten.
	plain := make(map[string][]byte, len(v.values))
	for k, enc := range v.values {
		p, err := decryptWith(v.key, enc)
		if err != nil {
			return fmt.Errorf("rotate: decrypt %s: %w", k, err)
		}
		plain[k] = p
	}

	salt := make([]byte, saltLen)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return fmt.Errorf("generate salt: %w", err)
	}
	newKey := argon2.IDKey(newMaster, salt, argonTime, argonMemory, argonThreads, keyLen)

	reenc := make(map[string][]byte, len(plain))
	for k, p := range plain {
		enc, err := encryptWith(newKey, p)
		if err != nil {
			return fmt.Errorf("rotate: encrypt %s: %w", k, err)
		}
		reenc[k] = enc
	}

	for i := range v.key {
		v.key[i] = 0
	}
	v.salt = salt
	v.key = newKey
	v.values = reenc
	return nil
}

// Set encrypts and stores a value.
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

// Get decrypts and retrieves a value.
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

// Delete removes a value from the vault.
func (v *Vault) Delete(key string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	delete(v.values, key)
}

// Keys lists the stored credential names without decrypting anything.
func (v *Vault) Keys() []string {
	v.mu.RLock()
	defer v.mu.RUnlock()
	out := make([]string, 0, len(v.values))
	for k := range v.values {
		out = append(out, k)
	}
	return out
}

// Salt returns the key-derivation salt for persistence.
func (v *Vault) Salt() []byte {
	v.mu.RLock()
	defer v.mu.RUnlock()
	out := make([]byte, len(v.salt))
	copy(out, v.salt)
	return out
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

// Import loads persisted encrypted vault data and its salt. Must happen
// before Unlock so the stored salt is used for key derivation.
func (v *Vault) Import(salt []byte, data map[string]string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if len(salt) > 0 {
		v.salt = make([]byte, len(salt))
		copy(v.salt, salt)
	}
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
		return nil, ErrLocked
	}
	if len(v.key) != keyLen {
		return nil, errors.New("no key")
	}
	return encryptWith(v.key, plaintext)
}

func (v *Vault) Decrypt(ciphertext []byte) ([]byte, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if v.enabled && v.locked {
		return nil, ErrLocked
	}
	if len(v.key) != keyLen {
		return nil, errors.New("no key")
	}
	return decryptWith(v.key, ciphertext)
}

func encryptWith(key, plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
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

func decryptWith(key, ciphertext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
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
