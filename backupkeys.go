package hivevault

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/awnumar/memguard"

	"github.com/lancejames221b/hivevault/internal/crypto"
	"github.com/lancejames221b/hivevault/internal/misc"
)

// HSMProvider is the pluggable wrap/unwrap interface for deployments that
// keep backup key-encryption keys in a hardware module. The disk-mode
// manager never uses it; it exists so an HSM-backed implementation can slot
// in without touching backup logic.
type HSMProvider interface {
	WrapKey(keyID string, key []byte) ([]byte, error)
	UnwrapKey(keyID string, wrapped []byte) ([]byte, error)
}

// backupKeyFile is the on-disk record for one backup key version.
type backupKeyFile struct {
	Version       int       `json:"version"`
	SaltHex       string    `json:"saltHex"`
	WrappedKeyHex string    `json:"wrappedKeyHex"`
	CreatedAt     time.Time `json:"createdAt"`
	Algorithm     string    `json:"algorithm"`
}

const (
	backupKeyFilePrefix    = "backup_key_v"
	currentVersionFileName = "current_version"
	backupKeyAlgorithm     = "chacha20poly1305"
)

// BackupKeyManager owns the backup key hierarchy, which is deliberately
// disjoint from the credential KeyVersion chain: compromising one hierarchy
// exposes nothing from the other.
//
// KEY STORAGE:
// Each version's key material is wrapped with a KEK derived from the backup
// passphrase (scrypt, per-version salt) and written as one JSON file
// {version, saltHex, wrappedKeyHex, createdAt, algorithm} under the key
// directory. A separate current_version file holds the active pointer.
// Versions are never deleted: a backup created under version N stays
// restorable after the hierarchy rotates to N+1.
//
// Unwrapped keys exist only inside WithKey callbacks and are destroyed on
// every return path.
type BackupKeyManager struct {
	mu         sync.Mutex
	dir        string
	passphrase string
	current    int
	versions   map[int]*backupKeyFile
	hsm        HSMProvider
}

// NewBackupKeyManager loads the hierarchy from the key directory, creating
// the directory and version 1 on first use.
func NewBackupKeyManager(config BackupConfig) (*BackupKeyManager, error) {
	passphrase := config.Passphrase
	if passphrase == "" && config.EnvPassphraseVar != "" {
		passphrase = os.Getenv(config.EnvPassphraseVar)
	}
	if passphrase == "" {
		return nil, &ValidationError{Field: "backup_passphrase", Reason: "backup passphrase is required"}
	}
	if err := ValidatePassphraseStrength(passphrase); err != nil {
		return nil, err
	}
	if config.KeyDirectory == "" {
		return nil, &ValidationError{Field: "key_directory", Reason: "backup key directory is required"}
	}

	if err := os.MkdirAll(config.KeyDirectory, 0700); err != nil {
		return nil, fmt.Errorf("failed to create backup key directory: %w", err)
	}

	m := &BackupKeyManager{
		dir:        config.KeyDirectory,
		passphrase: passphrase,
		versions:   make(map[int]*backupKeyFile),
	}

	if err := m.load(); err != nil {
		return nil, err
	}
	if len(m.versions) == 0 {
		if _, err := m.createVersion(); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// SetHSMProvider installs an HSM for future key wrapping. Existing
// disk-wrapped versions remain readable.
func (m *BackupKeyManager) SetHSMProvider(hsm HSMProvider) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hsm = hsm
}

func (m *BackupKeyManager) load() error {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		return fmt.Errorf("failed to read backup key directory: %w", err)
	}

	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasPrefix(name, backupKeyFilePrefix) || !strings.HasSuffix(name, ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(m.dir, name))
		if err != nil {
			return fmt.Errorf("failed to read backup key file %s: %w", name, err)
		}
		var kf backupKeyFile
		if err := json.Unmarshal(data, &kf); err != nil {
			return fmt.Errorf("failed to parse backup key file %s: %w", name, err)
		}
		m.versions[kf.Version] = &kf
		if kf.Version > m.current {
			m.current = kf.Version
		}
	}

	// The pointer file is authoritative when present.
	if data, err := os.ReadFile(filepath.Join(m.dir, currentVersionFileName)); err == nil {
		version, err := strconv.Atoi(strings.TrimSpace(string(data)))
		if err != nil {
			return fmt.Errorf("corrupt current_version file: %w", err)
		}
		if _, ok := m.versions[version]; !ok && len(m.versions) > 0 {
			return fmt.Errorf("current_version points at missing key version %d", version)
		}
		m.current = version
	}
	return nil
}

// CurrentVersion returns the active backup key version.
func (m *BackupKeyManager) CurrentVersion() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// RotateKey generates the next backup key version and moves the pointer.
// Older versions stay on disk for restoring their backups.
func (m *BackupKeyManager) RotateKey() (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.createVersion()
}

// createVersion generates, wraps, and persists the next version. Caller
// holds the mutex (or is the constructor).
func (m *BackupKeyManager) createVersion() (int, error) {
	version := m.current + 1

	key, err := crypto.RandomBytes(misc.KeySize)
	if err != nil {
		return 0, fmt.Errorf("failed to generate backup key: %w", err)
	}
	defer memguard.WipeBytes(key)
	if crypto.IsWeakKey(key) {
		return 0, fmt.Errorf("generated backup key failed entropy check")
	}

	salt, err := crypto.RandomBytes(misc.SaltSizeHigh)
	if err != nil {
		return 0, fmt.Errorf("failed to generate KEK salt: %w", err)
	}

	wrapped, err := m.wrap(version, key, salt)
	if err != nil {
		return 0, err
	}

	kf := &backupKeyFile{
		Version:       version,
		SaltHex:       hex.EncodeToString(salt),
		WrappedKeyHex: hex.EncodeToString(wrapped),
		CreatedAt:     time.Now().UTC(),
		Algorithm:     backupKeyAlgorithm,
	}

	data, err := json.MarshalIndent(kf, "", "  ")
	if err != nil {
		return 0, fmt.Errorf("failed to marshal backup key file: %w", err)
	}
	path := filepath.Join(m.dir, fmt.Sprintf("%s%d.json", backupKeyFilePrefix, version))
	if err := os.WriteFile(path, data, misc.FilePermissions); err != nil {
		return 0, fmt.Errorf("failed to write backup key file: %w", err)
	}
	if err := os.WriteFile(filepath.Join(m.dir, currentVersionFileName), []byte(strconv.Itoa(version)), misc.FilePermissions); err != nil {
		return 0, fmt.Errorf("failed to write current_version file: %w", err)
	}

	m.versions[version] = kf
	m.current = version
	return version, nil
}

func (m *BackupKeyManager) wrap(version int, key, salt []byte) ([]byte, error) {
	if m.hsm != nil {
		return m.hsm.WrapKey(strconv.Itoa(version), key)
	}

	kek, err := crypto.DeriveKEK(m.passphrase, salt)
	if err != nil {
		return nil, err
	}
	defer kek.Destroy()

	return crypto.EncryptValue(key, kek.Bytes())
}

func (m *BackupKeyManager) unwrap(kf *backupKeyFile) ([]byte, error) {
	wrapped, err := hex.DecodeString(kf.WrappedKeyHex)
	if err != nil {
		return nil, fmt.Errorf("corrupt wrapped key for version %d: %w", kf.Version, err)
	}

	if m.hsm != nil {
		return m.hsm.UnwrapKey(strconv.Itoa(kf.Version), wrapped)
	}

	salt, err := hex.DecodeString(kf.SaltHex)
	if err != nil {
		return nil, fmt.Errorf("corrupt salt for version %d: %w", kf.Version, err)
	}

	kek, err := crypto.DeriveKEK(m.passphrase, salt)
	if err != nil {
		return nil, err
	}
	defer kek.Destroy()

	key, err := crypto.DecryptValue(wrapped, kek.Bytes())
	if err != nil {
		return nil, fmt.Errorf("failed to unwrap backup key %d: %w", kf.Version, err)
	}
	return key, nil
}

// WithKey unwraps one version's key, hands it to fn, and wipes it before
// returning on every path.
func (m *BackupKeyManager) WithKey(version int, fn func(key []byte) error) error {
	m.mu.Lock()
	kf, ok := m.versions[version]
	m.mu.Unlock()
	if !ok {
		return &ValidationError{Field: "backup_key_version", Reason: fmt.Sprintf("unknown backup key version %d", version)}
	}

	key, err := m.unwrap(kf)
	if err != nil {
		return err
	}
	defer memguard.WipeBytes(key)

	return fn(key)
}

// ValidatePassphraseStrength enforces the minimum bar for backup and
// enrolment passphrases: length 12+, with at least three of the four
// character classes.
func ValidatePassphraseStrength(passphrase string) error {
	if len(passphrase) < 12 {
		return &ValidationError{Field: "passphrase", Reason: "passphrase must be at least 12 characters"}
	}

	var lower, upper, digit, special bool
	for _, r := range passphrase {
		switch {
		case r >= 'a' && r <= 'z':
			lower = true
		case r >= 'A' && r <= 'Z':
			upper = true
		case r >= '0' && r <= '9':
			digit = true
		default:
			special = true
		}
	}

	classes := 0
	for _, present := range []bool{lower, upper, digit, special} {
		if present {
			classes++
		}
	}
	if classes < 3 {
		return &ValidationError{Field: "passphrase", Reason: "passphrase needs at least three character classes (lower, upper, digit, special)"}
	}
	return nil
}
