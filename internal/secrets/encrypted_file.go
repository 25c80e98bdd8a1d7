package secrets

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"golang.org/x/crypto/argon2"
)

const (
	saltLen      = 16
	nonceLen     = 12
	argonTime    = 1
	argonMemory  = 64 * 1024 // 64 MB
	argonThreads = 4
	argonKeyLen  = 32
)

// EncryptedFile stores secrets in an AES-256-GCM encrypted file with
// Argon2id key derivation.
//
// File format: salt(16) || nonce(12) || AES-GCM-ciphertext
// Plaintext is JSON: {"key": "value", ...}
type EncryptedFile struct {
	path       string
	passphrase func() (string, error) // invoked lazily on first access

	mu     sync.Mutex
	cache  map[string]string
	loaded bool
}

// NewEncryptedFile creates a source backed by the encrypted file at
// path. The passphrase callback runs on first access, keeping this
// package free of terminal and environment I/O.
func NewEncryptedFile(path string, passphrase func() (string, error)) *EncryptedFile {
	return &EncryptedFile{
		path:       path,
		passphrase: passphrase,
	}
}

func (f *EncryptedFile) Name() string { return "encrypted-file" }

// Get returns the secret for key, decrypting the file on first access.
func (f *EncryptedFile) Get(key string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.ensureLoaded(); err != nil {
		return "", err
	}

	v, ok := f.cache[key]
	if !ok {
		return "", &NotFoundError{Key: key, Source: f.Name()}
	}
	return v, nil
}

// List returns all secret keys in the encrypted file, sorted.
func (f *EncryptedFile) List() ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.ensureLoaded(); err != nil {
		return nil, err
	}

	keys := make([]string, 0, len(f.cache))
	for k := range f.cache {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

// Set stores or updates a secret and re-encrypts the file.
func (f *EncryptedFile) Set(key, value string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.ensureLoaded(); err != nil {
		return err
	}

	f.cache[key] = value
	return f.flush()
}

// ensureLoaded decrypts the file into cache on first call.
// Caller must hold f.mu.
func (f *EncryptedFile) ensureLoaded() error {
	if f.loaded {
		return nil
	}

	data, err := os.ReadFile(f.path)
	if os.IsNotExist(err) {
		// No file yet — start with an empty cache.
		f.cache = make(map[string]string)
		f.loaded = true
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading secrets file: %w", err)
	}

	pass, err := f.passphrase()
	if err != nil {
		return fmt.Errorf("obtaining passphrase: %w", err)
	}

	plaintext, err := decrypt(data, pass)
	if err != nil {
		return fmt.Errorf("decrypting secrets file: %w", err)
	}

	m := make(map[string]string)
	if err := json.Unmarshal(plaintext, &m); err != nil {
		return fmt.Errorf("parsing secrets: %w", err)
	}

	f.cache = m
	f.loaded = true
	return nil
}

// flush encrypts the cache and writes it atomically.
// Caller must hold f.mu.
func (f *EncryptedFile) flush() error {
	pass, err := f.passphrase()
	if err != nil {
		return fmt.Errorf("obtaining passphrase: %w", err)
	}

	plaintext, err := json.Marshal(f.cache)
	if err != nil {
		return fmt.Errorf("marshalling secrets: %w", err)
	}

	ciphertext, err := encrypt(plaintext, pass)
	if err != nil {
		return err
	}

	// Atomic write: temp file → fsync → rename
	dir := filepath.Dir(f.path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("creating secrets directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".secrets-*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(ciphertext); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("writing temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("syncing temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Chmod(tmpPath, 0600); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("setting permissions: %w", err)
	}
	if err := os.Rename(tmpPath, f.path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("renaming temp file: %w", err)
	}

	return nil
}

// deriveKey uses Argon2id to derive a 256-bit key from a passphrase and salt.
func deriveKey(passphrase string, salt []byte) []byte {
	return argon2.IDKey([]byte(passphrase), salt, argonTime, argonMemory, argonThreads, argonKeyLen)
}

// encrypt produces: salt(16) || nonce(12) || AES-GCM-ciphertext
func encrypt(plaintext []byte, passphrase string) ([]byte, error) {
	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("generating salt: %w", err)
	}

	key := deriveKey(passphrase, salt)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("creating cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("creating GCM: %w", err)
	}

	nonce := make([]byte, nonceLen)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generating nonce: %w", err)
	}

	ciphertext := gcm.Seal(nil, nonce, plaintext, nil)

	result := make([]byte, 0, saltLen+nonceLen+len(ciphertext))
	result = append(result, salt...)
	result = append(result, nonce...)
	result = append(result, ciphertext...)
	return result, nil
}

// decrypt parses: salt(16) || nonce(12) || AES-GCM-ciphertext
func decrypt(data []byte, passphrase string) ([]byte, error) {
	minLen := saltLen + nonceLen + 1 // at least 1 byte of ciphertext
	if len(data) < minLen {
		return nil, fmt.Errorf("encrypted data too short: %d bytes", len(data))
	}

	salt := data[:saltLen]
	nonce := data[saltLen : saltLen+nonceLen]
	ciphertext := data[saltLen+nonceLen:]

	key := deriveKey(passphrase, salt)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("creating cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("creating GCM: %w", err)
	}

	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("decryption failed (wrong passphrase?): %w", err)
	}

	return plaintext, nil
}
