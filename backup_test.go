package hivevault

import (
	"bytes"
	"sync"
	"testing"
	"time"

	"github.com/lancejames221b/hivevault/persist"
)

func newTestBackupManager(t *testing.T, store persist.CredentialStore, compress bool) (*BackupManager, persist.ArtifactStore) {
	t.Helper()

	artifacts, err := persist.NewFileSystemStore(t.TempDir())
	if err != nil {
		t.Fatalf("Failed to create artifact store: %v", err)
	}
	keys := newTestBackupKeyManager(t, t.TempDir())

	manager := NewBackupManager(store, artifacts, keys, nil, BackupConfig{
		Compress: compress,
	})
	t.Cleanup(func() { manager.Close() })
	return manager, artifacts
}

func waitForBackup(t *testing.T, manager *BackupManager, backupID string) *BackupMetadata {
	t.Helper()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		meta, err := manager.GetBackupStatus(backupID)
		if err != nil {
			t.Fatalf("Failed to get backup status: %v", err)
		}
		if meta.Status != BackupPending && meta.Status != BackupInProgress {
			return meta
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("Backup %s never finished", backupID)
	return nil
}

func seedCredentials(t *testing.T, store persist.CredentialStore, ids ...string) {
	t.Helper()
	for _, id := range ids {
		if _, err := store.Put(persist.CredentialRecord{
			ID:         id,
			Ciphertext: []byte("ciphertext for " + id),
			KeyVersion: 1,
		}); err != nil {
			t.Fatalf("Failed to seed %s: %v", id, err)
		}
	}
}

func TestBackupRestoreRoundTrip(t *testing.T) {
	for _, compress := range []bool{false, true} {
		name := "plain"
		if compress {
			name = "compressed"
		}
		t.Run(name, func(t *testing.T) {
			store := persist.NewMemoryStore()
			manager, _ := newTestBackupManager(t, store, compress)
			seedCredentials(t, store, "cred-a", "cred-b", "cred-c")

			backupID, err := manager.CreateBackup(BackupFull, "tester", []string{"nightly"})
			if err != nil {
				t.Fatalf("CreateBackup failed: %v", err)
			}
			meta := waitForBackup(t, manager, backupID)
			if meta.Status != BackupCompleted {
				t.Fatalf("Backup status %s: %s", meta.Status, meta.Error)
			}
			if meta.CredentialCount != 3 {
				t.Fatalf("Credential count %d, expected 3", meta.CredentialCount)
			}
			if meta.Checksum == "" || meta.FilePath == "" {
				t.Fatal("Completed backup missing checksum or artifact path")
			}

			// Lose a record, then restore.
			if err := store.Delete("cred-b"); err != nil {
				t.Fatalf("Delete failed: %v", err)
			}

			restoreID, err := manager.RestoreBackup(backupID, "tester", "")
			if err != nil {
				t.Fatalf("RestoreBackup failed: %v", err)
			}
			op, err := manager.GetRestoreStatus(restoreID)
			if err != nil {
				t.Fatalf("GetRestoreStatus failed: %v", err)
			}
			if op.RestoredCount != 3 || len(op.Errors) != 0 {
				t.Fatalf("Restored %d with errors %v, expected 3 clean", op.RestoredCount, op.Errors)
			}

			record, err := store.Get("cred-b")
			if err != nil {
				t.Fatalf("cred-b missing after restore: %v", err)
			}
			if !bytes.Equal(record.Ciphertext, []byte("ciphertext for cred-b")) {
				t.Fatal("Restored ciphertext differs")
			}

			meta, _ = manager.GetBackupStatus(backupID)
			if meta.Status != BackupRestored {
				t.Fatalf("Backup status %s after restore, expected RESTORED", meta.Status)
			}
		})
	}
}

func TestRestoreCorruptedArtifact(t *testing.T) {
	store := persist.NewMemoryStore()
	manager, artifacts := newTestBackupManager(t, store, false)
	seedCredentials(t, store, "cred-a")

	backupID, err := manager.CreateBackup(BackupFull, "tester", nil)
	if err != nil {
		t.Fatalf("CreateBackup failed: %v", err)
	}
	meta := waitForBackup(t, manager, backupID)
	if meta.Status != BackupCompleted {
		t.Fatalf("Backup status %s: %s", meta.Status, meta.Error)
	}

	// Flip one byte of the encrypted artifact.
	artifact, err := artifacts.LoadArtifact(meta.FilePath)
	if err != nil {
		t.Fatalf("LoadArtifact failed: %v", err)
	}
	artifact[len(artifact)/2] ^= 0xFF
	if err := artifacts.SaveArtifact(meta.FilePath, artifact); err != nil {
		t.Fatalf("SaveArtifact failed: %v", err)
	}

	restoreID, err := manager.RestoreBackup(backupID, "tester", "")
	if !IsIntegrityError(err) {
		t.Fatalf("Expected IntegrityError, got %v", err)
	}
	op, err := manager.GetRestoreStatus(restoreID)
	if err != nil {
		t.Fatalf("GetRestoreStatus failed: %v", err)
	}
	if op.RestoredCount != 0 {
		t.Fatalf("Corrupted restore replayed %d records", op.RestoredCount)
	}

	meta, _ = manager.GetBackupStatus(backupID)
	if meta.Status != BackupCorrupted {
		t.Fatalf("Backup status %s, expected CORRUPTED", meta.Status)
	}

	// A corrupted backup is no longer restorable.
	if _, err := manager.RestoreBackup(backupID, "tester", ""); err == nil {
		t.Fatal("Restore of a CORRUPTED backup should be refused")
	}
}

func TestIncrementalBackupCapturesOnlyChanges(t *testing.T) {
	store := persist.NewMemoryStore()
	manager, _ := newTestBackupManager(t, store, false)
	seedCredentials(t, store, "old-1", "old-2")

	fullID, err := manager.CreateBackup(BackupFull, "tester", nil)
	if err != nil {
		t.Fatalf("CreateBackup failed: %v", err)
	}
	if meta := waitForBackup(t, manager, fullID); meta.Status != BackupCompleted {
		t.Fatalf("Full backup failed: %s", meta.Error)
	}

	time.Sleep(10 * time.Millisecond)
	seedCredentials(t, store, "new-1")

	incID, err := manager.CreateBackup(BackupIncremental, "tester", nil)
	if err != nil {
		t.Fatalf("CreateBackup failed: %v", err)
	}
	meta := waitForBackup(t, manager, incID)
	if meta.Status != BackupCompleted {
		t.Fatalf("Incremental backup failed: %s", meta.Error)
	}
	if meta.CredentialCount != 1 {
		t.Fatalf("Incremental captured %d records, expected 1", meta.CredentialCount)
	}
}

func TestDifferentialBackupMeasuresFromLastFull(t *testing.T) {
	store := persist.NewMemoryStore()
	manager, _ := newTestBackupManager(t, store, false)
	seedCredentials(t, store, "base")

	fullID, err := manager.CreateBackup(BackupFull, "tester", nil)
	if err != nil {
		t.Fatalf("CreateBackup failed: %v", err)
	}
	if meta := waitForBackup(t, manager, fullID); meta.Status != BackupCompleted {
		t.Fatalf("Full backup failed: %s", meta.Error)
	}

	time.Sleep(10 * time.Millisecond)
	seedCredentials(t, store, "delta-1")

	// An intervening incremental does not move the differential baseline.
	incID, err := manager.CreateBackup(BackupIncremental, "tester", nil)
	if err != nil {
		t.Fatalf("CreateBackup failed: %v", err)
	}
	waitForBackup(t, manager, incID)

	time.Sleep(10 * time.Millisecond)
	seedCredentials(t, store, "delta-2")

	diffID, err := manager.CreateBackup(BackupDifferential, "tester", nil)
	if err != nil {
		t.Fatalf("CreateBackup failed: %v", err)
	}
	meta := waitForBackup(t, manager, diffID)
	if meta.Status != BackupCompleted {
		t.Fatalf("Differential backup failed: %s", meta.Error)
	}
	if meta.CredentialCount != 2 {
		t.Fatalf("Differential captured %d records, expected both deltas", meta.CredentialCount)
	}
}

func TestMetadataOnlyBackupCarriesNoSecrets(t *testing.T) {
	store := persist.NewMemoryStore()
	manager, _ := newTestBackupManager(t, store, false)
	seedCredentials(t, store, "cred-a", "cred-b")

	backupID, err := manager.CreateBackup(BackupMetadataOnly, "tester", nil)
	if err != nil {
		t.Fatalf("CreateBackup failed: %v", err)
	}
	meta := waitForBackup(t, manager, backupID)
	if meta.Status != BackupCompleted {
		t.Fatalf("Backup failed: %s", meta.Error)
	}
	if meta.CredentialCount != 2 {
		t.Fatalf("Credential count %d, expected 2", meta.CredentialCount)
	}

	// Restoring a metadata-only backup replays nothing.
	restoreID, err := manager.RestoreBackup(backupID, "tester", "")
	if err != nil {
		t.Fatalf("RestoreBackup failed: %v", err)
	}
	op, _ := manager.GetRestoreStatus(restoreID)
	if op.RestoredCount != 0 {
		t.Fatalf("Metadata-only restore replayed %d records", op.RestoredCount)
	}
}

func TestCreateBackupRejectsUnknownType(t *testing.T) {
	store := persist.NewMemoryStore()
	manager, _ := newTestBackupManager(t, store, false)

	if _, err := manager.CreateBackup(BackupType("SNAPSHOT"), "tester", nil); err == nil {
		t.Fatal("Unknown backup type should be rejected")
	}
}

func TestSweepExpiredPurgesArtifacts(t *testing.T) {
	store := persist.NewMemoryStore()
	manager, artifacts := newTestBackupManager(t, store, false)
	seedCredentials(t, store, "cred-a")

	backupID, err := manager.CreateBackup(BackupFull, "tester", nil)
	if err != nil {
		t.Fatalf("CreateBackup failed: %v", err)
	}
	meta := waitForBackup(t, manager, backupID)
	if meta.Status != BackupCompleted {
		t.Fatalf("Backup failed: %s", meta.Error)
	}

	// Age the backup past its retention window.
	past := time.Now().UTC().Add(-time.Hour)
	manager.mu.Lock()
	manager.backups[backupID].RetentionUntil = &past
	manager.mu.Unlock()

	if purged := manager.SweepExpired(); purged != 1 {
		t.Fatalf("Purged %d backups, expected 1", purged)
	}
	if _, err := manager.GetBackupStatus(backupID); err == nil {
		t.Fatal("Purged backup still listed")
	}
	if _, err := artifacts.LoadArtifact(meta.FilePath); err == nil {
		t.Fatal("Purged artifact still present")
	}
}

func TestBackupManagerCloseDrainsQueue(t *testing.T) {
	store := persist.NewMemoryStore()
	artifacts, err := persist.NewFileSystemStore(t.TempDir())
	if err != nil {
		t.Fatalf("Failed to create artifact store: %v", err)
	}
	keys := newTestBackupKeyManager(t, t.TempDir())
	manager := NewBackupManager(store, artifacts, keys, nil, BackupConfig{})
	seedCredentials(t, store, "cred-a")

	backupID, err := manager.CreateBackup(BackupFull, "tester", nil)
	if err != nil {
		t.Fatalf("CreateBackup failed: %v", err)
	}
	if err := manager.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	meta, err := manager.GetBackupStatus(backupID)
	if err != nil {
		t.Fatalf("GetBackupStatus failed: %v", err)
	}
	if meta.Status != BackupCompleted {
		t.Fatalf("Queued backup not drained on Close: %s", meta.Status)
	}

	if _, err := manager.CreateBackup(BackupFull, "tester", nil); err == nil {
		t.Fatal("CreateBackup after Close should fail")
	}
}

// Racing CreateBackup against Close must never send on the closed queue.
func TestCreateBackupDuringCloseDoesNotPanic(t *testing.T) {
	for i := 0; i < 50; i++ {
		store := persist.NewMemoryStore()
		manager, _ := newTestBackupManager(t, store, false)
		seedCredentials(t, store, "cred-a")

		var wg sync.WaitGroup
		for g := 0; g < 8; g++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for j := 0; j < 20; j++ {
					if _, err := manager.CreateBackup(BackupMetadataOnly, "tester", nil); err != nil {
						return
					}
				}
			}()
		}
		manager.Close()
		wg.Wait()
	}
}
