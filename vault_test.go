package hivevault

import (
	"bytes"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/pquerna/otp/totp"

	"github.com/lancejames221b/hivevault/audit"
	"github.com/lancejames221b/hivevault/persist"
)

const testMasterPassphrase = "Vault-Master-2024!"

func testVaultOptions(t *testing.T) Options {
	t.Helper()

	options := DefaultOptions()
	options.DerivationPassphrase = testMasterPassphrase
	options.UserID = "system"
	// No latency padding in tests.
	options.Timing = TimingConfig{}
	options.Audit = audit.Config{
		Enabled: true,
		Type:    audit.FileSinkType,
		Options: map[string]interface{}{"file_path": filepath.Join(t.TempDir(), "audit.log")},
	}
	return options
}

func newTestVault(t *testing.T) VaultService {
	t.Helper()

	vault, err := New(testVaultOptions(t), persist.NewMemoryStore(), nil, nil)
	if err != nil {
		t.Fatalf("Failed to create vault: %v", err)
	}
	t.Cleanup(func() { vault.Close() })
	return vault
}

func TestVaultRejectsWeakMasterPassphrase(t *testing.T) {
	options := testVaultOptions(t)
	options.DerivationPassphrase = "weak"

	if _, err := New(options, persist.NewMemoryStore(), nil, nil); err == nil {
		t.Fatal("Weak master passphrase should be rejected")
	}
}

func TestVaultRequiresStore(t *testing.T) {
	if _, err := New(testVaultOptions(t), nil, nil, nil); err == nil {
		t.Fatal("Vault without a credential store should be rejected")
	}
}

func TestVaultCredentialLifecycle(t *testing.T) {
	vault := newTestVault(t)
	secret := []byte("postgres://user:hunter2@db:5432/app")

	if err := vault.StoreCredential("db-url", secret, map[string]string{"env": "prod"}); err != nil {
		t.Fatalf("StoreCredential failed: %v", err)
	}

	got, err := vault.RetrieveCredential("db-url")
	if err != nil {
		t.Fatalf("RetrieveCredential failed: %v", err)
	}
	if !bytes.Equal(got, secret) {
		t.Fatal("Retrieved secret differs")
	}

	count, err := vault.CredentialCount()
	if err != nil || count != 1 {
		t.Fatalf("CredentialCount %d (err %v), expected 1", count, err)
	}

	if err := vault.DeleteCredential("db-url"); err != nil {
		t.Fatalf("DeleteCredential failed: %v", err)
	}
	if _, err := vault.RetrieveCredential("db-url"); err == nil {
		t.Fatal("Retrieve after delete should fail")
	}

	if err := vault.StoreCredential("", secret, nil); err == nil {
		t.Fatal("Empty credential ID should be rejected")
	}
}

func TestVaultEncryptDecryptPassthrough(t *testing.T) {
	vault := newTestVault(t)

	blob, err := vault.Encrypt([]byte("portable secret"), []byte("Export-Pass-2024!"), AlgorithmChaCha20Poly1305)
	if err != nil {
		t.Fatalf("Encrypt failed: %v", err)
	}
	plaintext, err := vault.Decrypt(blob, []byte("Export-Pass-2024!"))
	if err != nil {
		t.Fatalf("Decrypt failed: %v", err)
	}
	if string(plaintext) != "portable secret" {
		t.Fatal("Round trip lost data")
	}
}

func TestVaultAuthentication(t *testing.T) {
	vault := newTestVault(t)

	if err := vault.RegisterUser("alice", "short"); err == nil {
		t.Fatal("Weak user password should be rejected")
	}
	if err := vault.RegisterUser("alice", "Wonderland-2024!"); err != nil {
		t.Fatalf("RegisterUser failed: %v", err)
	}

	ok, sessionID, err := vault.AuthenticateUser("alice", "Wonderland-2024!", "10.0.0.1", "cli/1.0")
	if err != nil || !ok {
		t.Fatalf("Authentication failed: %v", err)
	}
	if sessionID == "" {
		t.Fatal("No session issued on success")
	}

	// Wrong password and unknown user fail identically.
	var authErr *AuthenticationFailure
	_, _, err = vault.AuthenticateUser("alice", "Wrong-Pass-2024!", "10.0.0.1", "cli/1.0")
	if !errors.As(err, &authErr) {
		t.Fatalf("Expected AuthenticationFailure, got %v", err)
	}
	wrongPassMsg := err.Error()
	_, _, err = vault.AuthenticateUser("mallory", "Wrong-Pass-2024!", "10.0.0.1", "cli/1.0")
	if !errors.As(err, &authErr) {
		t.Fatalf("Expected AuthenticationFailure, got %v", err)
	}
	if err.Error() != wrongPassMsg {
		t.Fatal("Unknown-user and wrong-password messages differ")
	}

	// The trail records both outcomes.
	trail, err := vault.GetAuditTrail(audit.QueryOptions{Type: audit.EventAuth})
	if err != nil {
		t.Fatalf("GetAuditTrail failed: %v", err)
	}
	var success, failure int
	for _, event := range trail.Events {
		switch event.Result {
		case audit.ResultSuccess:
			success++
		case audit.ResultFailure:
			failure++
		}
	}
	if success != 1 || failure != 2 {
		t.Fatalf("Trail shows %d successes / %d failures, expected 1/2", success, failure)
	}
}

func TestVaultRateLimitLockout(t *testing.T) {
	vault := newTestVault(t)
	if err := vault.RegisterUser("bob", "Builder-Pass-2024!"); err != nil {
		t.Fatalf("RegisterUser failed: %v", err)
	}

	for i := 0; i < 5; i++ {
		if _, _, err := vault.AuthenticateUser("bob", "Wrong-Pass-2024!", "10.0.0.2", "cli/1.0"); err == nil {
			t.Fatalf("Attempt %d unexpectedly succeeded", i)
		}
	}

	// The sixth attempt is refused before the password is even checked.
	_, _, err := vault.AuthenticateUser("bob", "Builder-Pass-2024!", "10.0.0.2", "cli/1.0")
	if !IsRateLimited(err) {
		t.Fatalf("Expected RateLimited, got %v", err)
	}
	var limited *RateLimited
	if !errors.As(err, &limited) || !limited.LockedUntil.After(time.Now()) {
		t.Fatalf("Lockout deadline not in the future: %v", err)
	}

	// The lockout is keyed by user and source, not user alone.
	ok, _, err := vault.AuthenticateUser("bob", "Builder-Pass-2024!", "10.0.0.99", "cli/1.0")
	if err != nil || !ok {
		t.Fatalf("Authentication from another source failed: %v", err)
	}
}

func TestVaultAuthorizationAndMFA(t *testing.T) {
	vault := newTestVault(t)
	if err := vault.RegisterUser("carol", "Singer-Pass-2024!"); err != nil {
		t.Fatalf("RegisterUser failed: %v", err)
	}

	ok, sessionID, err := vault.AuthenticateUser("carol", "Singer-Pass-2024!", "10.0.0.3", "cli/1.0")
	if err != nil || !ok {
		t.Fatalf("Authentication failed: %v", err)
	}

	// A fresh session can read but not delete.
	if err := vault.AuthorizeOperation(sessionID, "read", "db-url", SessionStandard); err != nil {
		t.Fatalf("Read authorization failed: %v", err)
	}
	if err := vault.AuthorizeOperation(sessionID, "delete", "db-url", SessionStandard); err == nil {
		t.Fatal("Delete without MFA should be denied")
	}

	// The denial is on the trail.
	trail, err := vault.GetAuditTrail(audit.QueryOptions{Type: audit.EventAccess, Result: audit.ResultDenied})
	if err != nil {
		t.Fatalf("GetAuditTrail failed: %v", err)
	}
	if len(trail.Events) != 1 {
		t.Fatalf("Expected one denial on the trail, got %d", len(trail.Events))
	}

	// Enrol TOTP and elevate.
	key, err := totp.Generate(totp.GenerateOpts{Issuer: "hivevault", AccountName: "carol"})
	if err != nil {
		t.Fatalf("Failed to generate TOTP key: %v", err)
	}
	if err := vault.ProvisionMFASecret("carol", key.Secret()); err != nil {
		t.Fatalf("ProvisionMFASecret failed: %v", err)
	}

	if err := vault.ElevateSessionMFA(sessionID, "000000"); err == nil {
		t.Fatal("Bogus TOTP code should be rejected")
	}

	code, err := totp.GenerateCode(key.Secret(), time.Now())
	if err != nil {
		t.Fatalf("Failed to generate TOTP code: %v", err)
	}
	if err := vault.ElevateSessionMFA(sessionID, code); err != nil {
		t.Fatalf("ElevateSessionMFA failed: %v", err)
	}

	if err := vault.AuthorizeOperation(sessionID, "delete", "db-url", SessionStandard); err != nil {
		t.Fatalf("Delete after MFA elevation denied: %v", err)
	}
}

func TestVaultRotationThroughFacade(t *testing.T) {
	vault := newTestVault(t)

	secrets := map[string][]byte{
		"api-key":   []byte("tok_live_abc"),
		"smtp-pass": []byte("relay-hunter2"),
	}
	for id, secret := range secrets {
		if err := vault.StoreCredential(id, secret, nil); err != nil {
			t.Fatalf("StoreCredential failed: %v", err)
		}
	}

	operationID, err := vault.InitiateRotation(TriggerManual, "operator", nil)
	if err != nil {
		t.Fatalf("InitiateRotation failed: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	var op *RotationOperation
	for {
		op, err = vault.GetRotationStatus(operationID)
		if err != nil {
			t.Fatalf("GetRotationStatus failed: %v", err)
		}
		if op.Status == RotationCompleted || op.Status == RotationFailed {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("Rotation stuck in %s", op.Status)
		}
		time.Sleep(10 * time.Millisecond)
	}
	if op.Status != RotationCompleted {
		t.Fatalf("Rotation failed: %v", op.Errors)
	}

	// Everything still decrypts under the new version.
	for id, secret := range secrets {
		got, err := vault.RetrieveCredential(id)
		if err != nil {
			t.Fatalf("Retrieve %s after rotation failed: %v", id, err)
		}
		if !bytes.Equal(got, secret) {
			t.Fatalf("Credential %s corrupted by rotation", id)
		}
	}

	var active, retired int
	for _, kv := range vault.ListKeyVersions() {
		switch kv.Status {
		case KeyStatusActive:
			active++
		case KeyStatusRetired:
			retired++
		}
	}
	if active != 1 || retired != 1 {
		t.Fatalf("Key inventory active=%d retired=%d, expected 1/1", active, retired)
	}
}

func TestVaultBackupNotConfigured(t *testing.T) {
	vault := newTestVault(t)

	if _, err := vault.CreateBackup(BackupFull, "operator", nil); err == nil {
		t.Fatal("Backup without an artifact store should be refused")
	}
	if backups := vault.ListBackups(); backups != nil {
		t.Fatalf("ListBackups returned %v without a backup subsystem", backups)
	}
}

func TestVaultBackupRoundTrip(t *testing.T) {
	options := testVaultOptions(t)
	options.Backup.KeyDirectory = t.TempDir()
	options.Backup.Passphrase = testBackupPassphrase

	artifacts, err := persist.NewFileSystemStore(t.TempDir())
	if err != nil {
		t.Fatalf("Failed to create artifact store: %v", err)
	}

	vault, err := New(options, persist.NewMemoryStore(), artifacts, nil)
	if err != nil {
		t.Fatalf("Failed to create vault: %v", err)
	}
	defer vault.Close()

	if err := vault.StoreCredential("cred", []byte("payload"), nil); err != nil {
		t.Fatalf("StoreCredential failed: %v", err)
	}

	backupID, err := vault.CreateBackup(BackupFull, "operator", []string{"nightly"})
	if err != nil {
		t.Fatalf("CreateBackup failed: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	var meta *BackupMetadata
	for {
		meta, err = vault.GetBackupStatus(backupID)
		if err != nil {
			t.Fatalf("GetBackupStatus failed: %v", err)
		}
		if meta.Status != BackupPending && meta.Status != BackupInProgress {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("Backup never finished")
		}
		time.Sleep(10 * time.Millisecond)
	}
	if meta.Status != BackupCompleted {
		t.Fatalf("Backup status %s: %s", meta.Status, meta.Error)
	}

	if err := vault.DeleteCredential("cred"); err != nil {
		t.Fatalf("DeleteCredential failed: %v", err)
	}
	if _, err := vault.RestoreBackup(backupID, "operator", ""); err != nil {
		t.Fatalf("RestoreBackup failed: %v", err)
	}

	got, err := vault.RetrieveCredential("cred")
	if err != nil {
		t.Fatalf("Retrieve after restore failed: %v", err)
	}
	if !bytes.Equal(got, []byte("payload")) {
		t.Fatal("Restored credential differs")
	}

	if len(vault.ListBackups()) != 1 {
		t.Fatal("Backup missing from inventory")
	}
}

func TestVaultRejectsSharedBackupPassphrase(t *testing.T) {
	options := testVaultOptions(t)
	options.Backup.KeyDirectory = t.TempDir()
	options.Backup.Passphrase = testMasterPassphrase

	artifacts, err := persist.NewFileSystemStore(t.TempDir())
	if err != nil {
		t.Fatalf("Failed to create artifact store: %v", err)
	}

	if _, err := New(options, persist.NewMemoryStore(), artifacts, nil); err == nil {
		t.Fatal("Backup passphrase equal to the vault passphrase should be rejected")
	}
}

func TestVaultMemoryProtectionReport(t *testing.T) {
	vault := newTestVault(t)

	switch vault.MemoryProtection() {
	case "none", "partial", "full":
	default:
		t.Fatalf("Unexpected memory protection report %q", vault.MemoryProtection())
	}
}

// Expensive crypto entry points draw from the operator's per-user token
// bucket, so a tight loop must run out of budget.
func TestVaultCryptoOperationBudget(t *testing.T) {
	options := testVaultOptions(t)
	options.Session.OperationsPerSecond = 2

	vault, err := New(options, persist.NewMemoryStore(), nil, nil)
	if err != nil {
		t.Fatalf("Failed to create vault: %v", err)
	}
	t.Cleanup(func() { vault.Close() })

	limited := false
	for i := 0; i < 10; i++ {
		_, err := vault.Encrypt([]byte("payload"), []byte("Export-Pass-2024!"), AlgorithmChaCha20Poly1305)
		if err == nil {
			continue
		}
		if !IsRateLimited(err) {
			t.Fatalf("Expected a rate-limited error, got %v", err)
		}
		limited = true
		break
	}
	if !limited {
		t.Fatal("Encrypt loop was never rate limited")
	}

	// The stored-credential paths share the same budget.
	if err := vault.StoreCredential("burst", []byte("secret"), nil); err == nil || !IsRateLimited(err) {
		t.Fatalf("Expected StoreCredential to be rate limited, got %v", err)
	}
}

func TestVaultCloseIdempotent(t *testing.T) {
	vault, err := New(testVaultOptions(t), persist.NewMemoryStore(), nil, nil)
	if err != nil {
		t.Fatalf("Failed to create vault: %v", err)
	}

	if err := vault.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := vault.Close(); err != nil {
		t.Fatalf("Second Close failed: %v", err)
	}
}
