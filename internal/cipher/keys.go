package cipher

import (
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"golang.org/x/crypto/pbkdf2"
)

const (
	// KeySize is the AES-256 key length
	KeySize = 32
	// DefaultIterations is the PBKDF2 iteration count for new passphrase artifacts
	DefaultIterations = 100000

	minIterations = 10000
	maxIterations = 10000000
)

// KeyMode records which kind of key material sealed an artifact
type KeyMode uint8

const (
	KeyModeKeyFile    KeyMode = 0
	KeyModePassphrase KeyMode = 1
)

func (m KeyMode) String() string {
	switch m {
	case KeyModeKeyFile:
		return "keyfile"
	case KeyModePassphrase:
		return "passphrase"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(m))
	}
}

// KeySource produces the AES-256 key for an artifact
type KeySource interface {
	Mode() KeyMode
	// Key returns the key for the given salt and KDF iteration count. The caller
	// owns the returned slice and may zero it.
	Key(salt []byte, iterations uint32) ([]byte, error)
}

var (
	ErrEmptyPassphrase = errors.New("passphrase must not be empty")
	ErrKeyFileMissing  = errors.New("key file does not exist")
)

// PassphraseKey derives keys from a passphrase with PBKDF2-SHA256
type PassphraseKey struct {
	passphrase []byte
}

// NewPassphraseKey copies passphrase; the caller may zero its own slice afterwards
func NewPassphraseKey(passphrase []byte) (*PassphraseKey, error) {
	if len(passphrase) == 0 {
		return nil, ErrEmptyPassphrase
	}
	return &PassphraseKey{passphrase: append([]byte(nil), passphrase...)}, nil
}

func (p *PassphraseKey) Mode() KeyMode { return KeyModePassphrase }

func (p *PassphraseKey) Key(salt []byte, iterations uint32) ([]byte, error) {
	if iterations < minIterations || iterations > maxIterations {
		return nil, fmt.Errorf("key derivation iterations out of range: %d", iterations)
	}
	if len(salt) != saltSize {
		return nil, fmt.Errorf("salt must be %d bytes", saltSize)
	}
	return pbkdf2.Key(p.passphrase, salt, int(iterations), KeySize, sha256.New), nil
}

// Wipe zeroes the stored passphrase
func (p *PassphraseKey) Wipe() {
	zeroize(p.passphrase)
}

// FileKey reads a raw 32-byte key from disk. With create set, a missing key file
// is generated with 0600 permissions.
type FileKey struct {
	path    string
	create  bool
	manager *KeyManager
}

// NewFileKey creates a key-file source for path
func NewFileKey(path string, create bool) *FileKey {
	return &FileKey{path: path, create: create, manager: NewKeyManager()}
}

// Path returns the key file location
func (f *FileKey) Path() string { return f.path }

func (f *FileKey) Mode() KeyMode { return KeyModeKeyFile }

func (f *FileKey) Key(_ []byte, _ uint32) ([]byte, error) {
	key, err := f.manager.LoadKeyFromFile(f.path)
	if errors.Is(err, os.ErrNotExist) {
		if !f.create {
			return nil, fmt.Errorf("%w: %s", ErrKeyFileMissing, f.path)
		}
		return f.manager.CreateKeyFile(f.path)
	}
	return key, err
}

// DefaultKeyPath returns $HOME/.sealed-backup/key
func DefaultKeyPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	return filepath.Join(home, ".sealed-backup", "key"), nil
}

// KeyManager handles raw key generation, storage and validation
type KeyManager struct{}

// NewKeyManager creates a new key manager
func NewKeyManager() *KeyManager {
	return &KeyManager{}
}

// GenerateKey generates a new 256-bit encryption key
func (km *KeyManager) GenerateKey() ([]byte, error) {
	for {
		key := make([]byte, KeySize)
		if _, err := rand.Read(key); err != nil {
			return nil, fmt.Errorf("failed to generate encryption key: %w", err)
		}
		if km.ValidateKey(key) == nil {
			return key, nil
		}
	}
}

// CreateKeyFile generates a key and writes it to path. An existing file is
// never replaced.
func (km *KeyManager) CreateKeyFile(path string) ([]byte, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("failed to create key directory: %w", err)
	}
	key, err := km.GenerateKey()
	if err != nil {
		return nil, err
	}
	if err := km.SaveKeyToFile(key, path); err != nil {
		zeroize(key)
		return nil, err
	}
	return key, nil
}

// SaveKeyToFile saves an encryption key to a new file
func (km *KeyManager) SaveKeyToFile(key []byte, path string) error {
	if len(key) != KeySize {
		return errors.New("key must be 32 bytes for AES-256")
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0600)
	if err != nil {
		return fmt.Errorf("failed to save key to file: %w", err)
	}
	if _, err := f.Write(key); err != nil {
		f.Close()
		os.Remove(path)
		return fmt.Errorf("failed to save key to file: %w", err)
	}
	return f.Close()
}

// LoadKeyFromFile loads an encryption key from a file
func (km *KeyManager) LoadKeyFromFile(path string) ([]byte, error) {
	key, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read key from file: %w", err)
	}
	if len(key) != KeySize {
		zeroize(key)
		return nil, fmt.Errorf("key file %s must contain exactly 32 bytes", path)
	}
	if err := km.ValidateKey(key); err != nil {
		zeroize(key)
		return nil, err
	}
	return key, nil
}

// ValidateKey validates that a key is suitable for AES-256
func (km *KeyManager) ValidateKey(key []byte) error {
	if len(key) != KeySize {
		return errors.New("key must be 32 bytes for AES-256")
	}

	// Check for weak keys (all zeros, all ones)
	allZeros := true
	allOnes := true
	for _, b := range key {
		if b != 0 {
			allZeros = false
		}
		if b != 0xFF {
			allOnes = false
		}
	}

	if allZeros {
		return errors.New("key cannot be all zeros")
	}
	if allOnes {
		return errors.New("key cannot be all ones")
	}
	return nil
}

func zeroize(b []byte) {
	for i := range b {
		b[i] = 0
	}
	runtime.KeepAlive(b)
}
