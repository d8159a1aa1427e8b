package hivevault

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

const testBackupPassphrase = "Backup-Pass-2024!"

func newTestBackupKeyManager(t *testing.T, dir string) *BackupKeyManager {
	t.Helper()

	manager, err := NewBackupKeyManager(BackupConfig{
		KeyDirectory: dir,
		Passphrase:   testBackupPassphrase,
	})
	if err != nil {
		t.Fatalf("Failed to create backup key manager: %v", err)
	}
	return manager
}

func TestBackupKeyManagerInitializesVersionOne(t *testing.T) {
	dir := t.TempDir()
	manager := newTestBackupKeyManager(t, dir)

	if manager.CurrentVersion() != 1 {
		t.Fatalf("Fresh hierarchy at version %d, expected 1", manager.CurrentVersion())
	}

	// Version file and pointer file land on disk.
	if _, err := os.Stat(filepath.Join(dir, "backup_key_v1.json")); err != nil {
		t.Fatalf("Missing key file: %v", err)
	}
	data, err := os.ReadFile(filepath.Join(dir, "current_version"))
	if err != nil {
		t.Fatalf("Missing pointer file: %v", err)
	}
	if string(data) != "1" {
		t.Fatalf("Pointer file %q, expected \"1\"", data)
	}
}

func TestBackupKeyManagerRequiresPassphrase(t *testing.T) {
	_, err := NewBackupKeyManager(BackupConfig{KeyDirectory: t.TempDir()})
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("Expected ValidationError, got %v", err)
	}
}

func TestBackupKeyManagerPassphraseFromEnv(t *testing.T) {
	t.Setenv("TEST_BACKUP_PASSPHRASE", testBackupPassphrase)

	manager, err := NewBackupKeyManager(BackupConfig{
		KeyDirectory:     t.TempDir(),
		EnvPassphraseVar: "TEST_BACKUP_PASSPHRASE",
	})
	if err != nil {
		t.Fatalf("Failed to create manager from env passphrase: %v", err)
	}
	if manager.CurrentVersion() != 1 {
		t.Fatalf("Version %d, expected 1", manager.CurrentVersion())
	}
}

func TestBackupKeyManagerWithKey(t *testing.T) {
	manager := newTestBackupKeyManager(t, t.TempDir())

	var first []byte
	err := manager.WithKey(1, func(key []byte) error {
		if len(key) != 32 {
			t.Fatalf("Key length %d, expected 32", len(key))
		}
		first = append([]byte(nil), key...)
		return nil
	})
	if err != nil {
		t.Fatalf("WithKey failed: %v", err)
	}

	err = manager.WithKey(1, func(key []byte) error {
		if !bytes.Equal(key, first) {
			t.Fatal("Unwrapped key differs between calls")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("WithKey failed: %v", err)
	}

	if err := manager.WithKey(42, func([]byte) error { return nil }); err == nil {
		t.Fatal("WithKey should fail for unknown version")
	}
}

func TestBackupKeyRotationKeepsOldVersions(t *testing.T) {
	manager := newTestBackupKeyManager(t, t.TempDir())

	var v1Key []byte
	if err := manager.WithKey(1, func(key []byte) error {
		v1Key = append([]byte(nil), key...)
		return nil
	}); err != nil {
		t.Fatalf("WithKey failed: %v", err)
	}

	next, err := manager.RotateKey()
	if err != nil {
		t.Fatalf("RotateKey failed: %v", err)
	}
	if next != 2 || manager.CurrentVersion() != 2 {
		t.Fatalf("Rotation produced version %d (current %d), expected 2", next, manager.CurrentVersion())
	}

	// The old version still unwraps to the same material, the new one differs.
	if err := manager.WithKey(1, func(key []byte) error {
		if !bytes.Equal(key, v1Key) {
			t.Fatal("Version 1 key changed after rotation")
		}
		return nil
	}); err != nil {
		t.Fatalf("WithKey(1) failed after rotation: %v", err)
	}
	if err := manager.WithKey(2, func(key []byte) error {
		if bytes.Equal(key, v1Key) {
			t.Fatal("Version 2 reused version 1 material")
		}
		return nil
	}); err != nil {
		t.Fatalf("WithKey(2) failed: %v", err)
	}
}

func TestBackupKeyManagerReloadsFromDisk(t *testing.T) {
	dir := t.TempDir()
	manager := newTestBackupKeyManager(t, dir)
	if _, err := manager.RotateKey(); err != nil {
		t.Fatalf("RotateKey failed: %v", err)
	}

	var key2 []byte
	if err := manager.WithKey(2, func(key []byte) error {
		key2 = append([]byte(nil), key...)
		return nil
	}); err != nil {
		t.Fatalf("WithKey failed: %v", err)
	}

	reloaded := newTestBackupKeyManager(t, dir)
	if reloaded.CurrentVersion() != 2 {
		t.Fatalf("Reloaded current version %d, expected 2", reloaded.CurrentVersion())
	}
	if err := reloaded.WithKey(2, func(key []byte) error {
		if !bytes.Equal(key, key2) {
			t.Fatal("Reloaded key material differs")
		}
		return nil
	}); err != nil {
		t.Fatalf("Reloaded WithKey failed: %v", err)
	}
}

func TestBackupKeyManagerWrongPassphrase(t *testing.T) {
	dir := t.TempDir()
	newTestBackupKeyManager(t, dir)

	manager, err := NewBackupKeyManager(BackupConfig{
		KeyDirectory: dir,
		Passphrase:   "Different-Pass-2024!",
	})
	if err != nil {
		t.Fatalf("Constructor should load metadata regardless of passphrase: %v", err)
	}
	if err := manager.WithKey(1, func([]byte) error { return nil }); err == nil {
		t.Fatal("Unwrap with the wrong passphrase should fail")
	}
}

func TestValidatePassphraseStrength(t *testing.T) {
	cases := []struct {
		name       string
		passphrase string
		wantErr    bool
	}{
		{"strong", "Backup-Pass-2024!", false},
		{"three classes no special", "BackupPass2024", false},
		{"too short", "Ab1!x", true},
		{"only lowercase", "justlowercaseletters", true},
		{"two classes", "lowercase12345678", true},
		{"empty", "", true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := ValidatePassphraseStrength(tc.passphrase)
			if tc.wantErr && err == nil {
				t.Fatalf("Expected rejection for %q", tc.passphrase)
			}
			if !tc.wantErr && err != nil {
				t.Fatalf("Unexpected rejection for %q: %v", tc.passphrase, err)
			}
		})
	}
}
