package hivevault

import (
	"bytes"
	"compress/gzip"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lancejames221b/hivevault/audit"
	backuputil "github.com/lancejames221b/hivevault/internal/backup"
	"github.com/lancejames221b/hivevault/internal/crypto"
	"github.com/lancejames221b/hivevault/internal/debug"
	"github.com/lancejames221b/hivevault/persist"
)

// BackupType selects what a backup contains.
type BackupType string

const (
	// BackupFull captures every credential record plus the audit trail.
	BackupFull BackupType = "FULL"

	// BackupIncremental captures records changed since the last completed
	// backup of any type.
	BackupIncremental BackupType = "INCREMENTAL"

	// BackupDifferential captures records changed since the last FULL
	// backup.
	BackupDifferential BackupType = "DIFFERENTIAL"

	// BackupMetadataOnly captures record metadata with no secret payloads.
	BackupMetadataOnly BackupType = "METADATA_ONLY"
)

// BackupStatus is the lifecycle state of one backup.
type BackupStatus string

const (
	BackupPending    BackupStatus = "PENDING"
	BackupInProgress BackupStatus = "IN_PROGRESS"
	BackupCompleted  BackupStatus = "COMPLETED"
	BackupFailed     BackupStatus = "FAILED"
	BackupCorrupted  BackupStatus = "CORRUPTED"
	BackupRestored   BackupStatus = "RESTORED"
)

// BackupMetadata describes one backup artifact. KeyVersion names a version
// in the backup key hierarchy, which is disjoint from the credential
// KeyVersion chain.
type BackupMetadata struct {
	ID                  string       `json:"id"`
	Type                BackupType   `json:"type"`
	CreatedAt           time.Time    `json:"created_at"`
	CreatedBy           string       `json:"created_by"`
	FilePath            string       `json:"file_path"`
	FileSize            int64        `json:"file_size"`
	CompressedSize      int64        `json:"compressed_size"`
	Compression         bool         `json:"compression"`
	EncryptionAlgorithm string       `json:"encryption_algorithm"`
	KeyVersion          int          `json:"key_version"`
	Checksum            string       `json:"checksum"`
	Status              BackupStatus `json:"status"`
	CredentialCount     int          `json:"credential_count"`
	RetentionUntil      *time.Time   `json:"retention_until,omitempty"`
	Error               string       `json:"error,omitempty"`
	Tags                []string     `json:"tags,omitempty"`
}

// RestoreOperation tracks one restore run.
type RestoreOperation struct {
	ID              string     `json:"id"`
	BackupID        string     `json:"backup_id"`
	Initiator       string     `json:"initiator"`
	TargetEnv       string     `json:"target_env,omitempty"`
	Status          string     `json:"status"`
	ProgressPercent float64    `json:"progress_percent"`
	RestoredCount   int        `json:"restored_count"`
	TotalCount      int        `json:"total_count"`
	Errors          []string   `json:"errors,omitempty"`
	StartedAt       time.Time  `json:"started_at"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
}

// backupPayload is the serialized content before compression/encryption.
type backupPayload struct {
	BackupID    string                     `json:"backup_id"`
	Type        BackupType                 `json:"type"`
	CreatedAt   time.Time                  `json:"created_at"`
	Records     []persist.CredentialRecord `json:"records"`
	AuditEvents []audit.Event              `json:"audit_events,omitempty"`
}

// BackupManager produces and restores encrypted vault snapshots.
//
// BACKUP PIPELINE:
// export per type -> JSON serialize -> optional gzip -> AEAD encrypt with
// the current backup key -> SHA-256 checksum of the final artifact ->
// atomic write into the artifact store. The checksum covers the encrypted
// bytes, so restore verifies integrity BEFORE any decryption is attempted;
// a mismatch aborts with IntegrityError without touching key material.
//
// Each backup records the backup key version that encrypted it, so old
// backups stay restorable after the backup key hierarchy rotates forward.
//
// Backups run on a single worker draining a bounded queue; Close drains
// queued backups to completion before stopping.
type BackupManager struct {
	store     persist.CredentialStore
	artifacts persist.ArtifactStore
	keys      *BackupKeyManager
	auditor   *audit.Manager
	config    BackupConfig

	mu       sync.Mutex
	backups  map[string]*BackupMetadata
	restores map[string]*RestoreOperation
	closed   bool

	queue chan string
	done  chan struct{}

	stopSweeper chan struct{}
	sweeperDone chan struct{}
}

// NewBackupManager wires the backup subsystem and starts its worker and
// daily retention sweeper.
func NewBackupManager(store persist.CredentialStore, artifacts persist.ArtifactStore, keys *BackupKeyManager, auditor *audit.Manager, config BackupConfig) *BackupManager {
	m := &BackupManager{
		store:       store,
		artifacts:   artifacts,
		keys:        keys,
		auditor:     auditor,
		config:      config,
		backups:     make(map[string]*BackupMetadata),
		restores:    make(map[string]*RestoreOperation),
		queue:       make(chan string, 8),
		done:        make(chan struct{}),
		stopSweeper: make(chan struct{}),
		sweeperDone: make(chan struct{}),
	}

	go m.process()
	go m.runSweeper()
	return m
}

// CreateBackup records the backup IN_PROGRESS and enqueues the pipeline.
// The returned ID is immediately valid for GetBackupStatus.
func (m *BackupManager) CreateBackup(backupType BackupType, user string, tags []string) (string, error) {
	switch backupType {
	case BackupFull, BackupIncremental, BackupDifferential, BackupMetadataOnly:
	default:
		return "", &ValidationError{Field: "backup_type", Reason: fmt.Sprintf("unknown backup type %q", backupType)}
	}

	meta := &BackupMetadata{
		ID:                  backuputil.GenerateBackupID(),
		Type:                backupType,
		CreatedAt:           time.Now().UTC(),
		CreatedBy:           user,
		Compression:         m.config.Compress,
		EncryptionAlgorithm: backupKeyAlgorithm,
		KeyVersion:          m.keys.CurrentVersion(),
		Status:              BackupPending,
		Tags:                tags,
	}
	if m.config.RetentionDays > 0 {
		until := meta.CreatedAt.AddDate(0, 0, m.config.RetentionDays)
		meta.RetentionUntil = &until
	}

	// The enqueue must happen under the same lock as the closed check:
	// Close sets closed and then closes the queue, so sending after the
	// unlock could hit a closed channel.
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return "", fmt.Errorf("backup manager is shut down")
	}
	m.backups[meta.ID] = meta
	select {
	case m.queue <- meta.ID:
		m.mu.Unlock()
	default:
		meta.Status = BackupFailed
		meta.Error = "backup queue full"
		m.mu.Unlock()
		return "", fmt.Errorf("backup queue full")
	}
	return meta.ID, nil
}

// GetBackupStatus returns a copy of the backup's metadata.
func (m *BackupManager) GetBackupStatus(backupID string) (*BackupMetadata, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	meta, ok := m.backups[backupID]
	if !ok {
		return nil, &ValidationError{Field: "backup_id", Reason: fmt.Sprintf("unknown backup %s", backupID)}
	}
	copied := *meta
	return &copied, nil
}

// ListBackups returns copies of all known backup metadata, newest first.
func (m *BackupManager) ListBackups() []BackupMetadata {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]BackupMetadata, 0, len(m.backups))
	for _, meta := range m.backups {
		out = append(out, *meta)
	}
	for i := 0; i < len(out); i++ {
		for j := i + 1; j < len(out); j++ {
			if out[j].CreatedAt.After(out[i].CreatedAt) {
				out[i], out[j] = out[j], out[i]
			}
		}
	}
	return out
}

// process is the single backup worker.
func (m *BackupManager) process() {
	for backupID := range m.queue {
		m.runBackup(backupID)
	}
	close(m.done)
}

func (m *BackupManager) runBackup(backupID string) {
	m.mu.Lock()
	meta, ok := m.backups[backupID]
	if !ok {
		m.mu.Unlock()
		return
	}
	meta.Status = BackupInProgress
	m.mu.Unlock()

	artifact, payloadSize, count, err := m.buildArtifact(meta)
	if err != nil {
		m.failBackup(meta, err)
		return
	}

	name := backuputil.ArtifactName(meta.ID)
	debug.Print("backup %s: %d records, %d artifact bytes\n", meta.ID, count, len(artifact))
	if err := m.artifacts.SaveArtifact(name, artifact); err != nil {
		m.failBackup(meta, &StorageError{Op: "save backup artifact", Cause: err})
		return
	}

	m.mu.Lock()
	meta.FilePath = name
	meta.FileSize = payloadSize
	meta.CompressedSize = int64(len(artifact))
	meta.Checksum = crypto.CalculateChecksum(artifact)
	meta.CredentialCount = count
	meta.Status = BackupCompleted
	m.mu.Unlock()

	m.persistMetadata(meta)
	m.logEvent(audit.EventBackup, meta.CreatedBy, fmt.Sprintf("backup created (%s)", meta.Type), audit.ResultSuccess, map[string]interface{}{
		"backup_id":        meta.ID,
		"credential_count": count,
	})
}

// buildArtifact runs serialize -> gzip -> encrypt and returns the final
// artifact bytes, the pre-compression payload size, and the record count.
func (m *BackupManager) buildArtifact(meta *BackupMetadata) ([]byte, int64, int, error) {
	records, err := m.exportRecords(meta.Type)
	if err != nil {
		return nil, 0, 0, err
	}

	payload := backupPayload{
		BackupID:  meta.ID,
		Type:      meta.Type,
		CreatedAt: meta.CreatedAt,
		Records:   records,
	}
	if meta.Type == BackupFull && m.auditor != nil {
		if result, err := m.auditor.Query(audit.QueryOptions{}); err == nil {
			payload.AuditEvents = result.Events
		}
	}

	serialized, err := json.Marshal(payload)
	if err != nil {
		return nil, 0, 0, fmt.Errorf("failed to serialize backup payload: %w", err)
	}
	payloadSize := int64(len(serialized))

	if meta.Compression {
		var buf bytes.Buffer
		gz := gzip.NewWriter(&buf)
		if _, err := gz.Write(serialized); err != nil {
			return nil, 0, 0, fmt.Errorf("failed to compress backup: %w", err)
		}
		if err := gz.Close(); err != nil {
			return nil, 0, 0, fmt.Errorf("failed to finalize compression: %w", err)
		}
		serialized = buf.Bytes()
	}

	var artifact []byte
	err = m.keys.WithKey(meta.KeyVersion, func(key []byte) error {
		encrypted, err := crypto.EncryptValue(serialized, key)
		if err != nil {
			return err
		}
		artifact = encrypted
		return nil
	})
	if err != nil {
		return nil, 0, 0, fmt.Errorf("failed to encrypt backup: %w", err)
	}

	return artifact, payloadSize, len(records), nil
}

// exportRecords resolves the record set for a backup type.
func (m *BackupManager) exportRecords(backupType BackupType) ([]persist.CredentialRecord, error) {
	records, err := m.store.List()
	if err != nil {
		return nil, &StorageError{Op: "list credentials", Cause: err}
	}

	switch backupType {
	case BackupFull:
		return records, nil

	case BackupIncremental:
		since := m.lastBackupTime(func(b *BackupMetadata) bool { return b.Status == BackupCompleted })
		return changedSince(records, since), nil

	case BackupDifferential:
		since := m.lastBackupTime(func(b *BackupMetadata) bool {
			return b.Status == BackupCompleted && b.Type == BackupFull
		})
		return changedSince(records, since), nil

	case BackupMetadataOnly:
		stripped := make([]persist.CredentialRecord, len(records))
		for i, record := range records {
			record.Ciphertext = nil
			stripped[i] = record
		}
		return stripped, nil
	}
	return nil, &ValidationError{Field: "backup_type", Reason: "unknown backup type"}
}

func changedSince(records []persist.CredentialRecord, since time.Time) []persist.CredentialRecord {
	if since.IsZero() {
		return records
	}
	var changed []persist.CredentialRecord
	for _, record := range records {
		if record.UpdatedAt.After(since) {
			changed = append(changed, record)
		}
	}
	return changed
}

func (m *BackupManager) lastBackupTime(match func(*BackupMetadata) bool) time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()

	var last time.Time
	for _, meta := range m.backups {
		if match(meta) && meta.CreatedAt.After(last) {
			last = meta.CreatedAt
		}
	}
	return last
}

func (m *BackupManager) failBackup(meta *BackupMetadata, err error) {
	m.mu.Lock()
	meta.Status = BackupFailed
	meta.Error = err.Error()
	m.mu.Unlock()

	m.logEvent(audit.EventBackup, meta.CreatedBy, "backup failed", audit.ResultFailure, map[string]interface{}{
		"backup_id": meta.ID,
		"error":     err.Error(),
	})
}

// RestoreBackup verifies and replays a backup.
//
// RESTORE ORDER:
// The artifact checksum is verified before any decryption is attempted. A
// mismatch marks the backup CORRUPTED and aborts with IntegrityError;
// plaintext and key material are never touched for a corrupt artifact.
// After verification: decrypt -> decompress -> deserialize -> replay
// records one at a time, appending per-record failures to the operation's
// error list while the restore continues.
func (m *BackupManager) RestoreBackup(backupID, user, targetEnv string) (string, error) {
	m.mu.Lock()
	meta, ok := m.backups[backupID]
	if !ok {
		m.mu.Unlock()
		return "", &ValidationError{Field: "backup_id", Reason: fmt.Sprintf("unknown backup %s", backupID)}
	}
	if meta.Status != BackupCompleted && meta.Status != BackupRestored {
		m.mu.Unlock()
		return "", fmt.Errorf("backup %s is %s, not restorable", backupID, meta.Status)
	}
	snapshot := *meta
	m.mu.Unlock()

	op := &RestoreOperation{
		ID:        uuid.NewString(),
		BackupID:  backupID,
		Initiator: user,
		TargetEnv: targetEnv,
		Status:    string(BackupInProgress),
		StartedAt: time.Now().UTC(),
	}
	m.mu.Lock()
	m.restores[op.ID] = op
	m.mu.Unlock()

	err := m.runRestore(op, &snapshot)

	now := time.Now().UTC()
	m.mu.Lock()
	op.CompletedAt = &now
	if err != nil {
		op.Status = string(BackupFailed)
		op.Errors = append(op.Errors, err.Error())
	} else {
		op.Status = string(BackupCompleted)
		meta.Status = BackupRestored
	}
	if IsIntegrityError(err) {
		meta.Status = BackupCorrupted
	}
	m.mu.Unlock()

	result := audit.ResultSuccess
	if err != nil {
		result = audit.ResultFailure
	}
	m.logEvent(audit.EventRestore, user, "backup restore", result, map[string]interface{}{
		"backup_id":      backupID,
		"restore_id":     op.ID,
		"restored_count": op.RestoredCount,
	})

	if err != nil {
		return op.ID, err
	}
	return op.ID, nil
}

func (m *BackupManager) runRestore(op *RestoreOperation, meta *BackupMetadata) error {
	artifact, err := m.artifacts.LoadArtifact(meta.FilePath)
	if err != nil {
		return &StorageError{Op: "load backup artifact", Cause: err}
	}

	// INTEGRITY GATE:
	if actual := crypto.CalculateChecksum(artifact); actual != meta.Checksum {
		return &IntegrityError{Expected: meta.Checksum, Actual: actual}
	}

	var serialized []byte
	err = m.keys.WithKey(meta.KeyVersion, func(key []byte) error {
		plaintext, err := crypto.DecryptValue(artifact, key)
		if err != nil {
			return &DecryptionError{Cause: err}
		}
		serialized = plaintext
		return nil
	})
	if err != nil {
		return err
	}

	if meta.Compression {
		gz, err := gzip.NewReader(bytes.NewReader(serialized))
		if err != nil {
			return fmt.Errorf("failed to open compressed backup: %w", err)
		}
		decompressed, err := io.ReadAll(gz)
		if cerr := gz.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			return fmt.Errorf("failed to decompress backup: %w", err)
		}
		serialized = decompressed
	}

	var payload backupPayload
	if err := json.Unmarshal(serialized, &payload); err != nil {
		return fmt.Errorf("failed to deserialize backup payload: %w", err)
	}

	m.mu.Lock()
	op.TotalCount = len(payload.Records)
	m.mu.Unlock()

	// PER-RECORD REPLAY:
	for _, record := range payload.Records {
		if len(record.Ciphertext) == 0 {
			// Metadata-only entries carry nothing to replay.
			continue
		}
		record.Revision = ""
		if _, err := m.store.Put(record); err != nil {
			m.mu.Lock()
			op.Errors = append(op.Errors, fmt.Sprintf("%s: %v", record.ID, err))
			m.mu.Unlock()
			continue
		}
		m.mu.Lock()
		op.RestoredCount++
		if op.TotalCount > 0 {
			op.ProgressPercent = float64(op.RestoredCount) / float64(op.TotalCount) * 100
		}
		m.mu.Unlock()
	}
	return nil
}

// GetRestoreStatus returns a copy of a restore operation.
func (m *BackupManager) GetRestoreStatus(restoreID string) (*RestoreOperation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	op, ok := m.restores[restoreID]
	if !ok {
		return nil, &ValidationError{Field: "restore_id", Reason: fmt.Sprintf("unknown restore operation %s", restoreID)}
	}
	copied := *op
	copied.Errors = append([]string(nil), op.Errors...)
	return &copied, nil
}

// persistMetadata writes the metadata sidecar next to the artifact so
// backups remain discoverable across process restarts.
func (m *BackupManager) persistMetadata(meta *BackupMetadata) {
	m.mu.Lock()
	snapshot := *meta
	m.mu.Unlock()

	data, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return
	}
	_ = m.artifacts.SaveArtifact(meta.ID+".meta", data)
}

// SweepExpired purges backups past their retention window. Key material for
// still-retained backups is untouched regardless of backup key rotation.
func (m *BackupManager) SweepExpired() int {
	now := time.Now().UTC()

	m.mu.Lock()
	var expired []*BackupMetadata
	for _, meta := range m.backups {
		if meta.RetentionUntil != nil && now.After(*meta.RetentionUntil) {
			expired = append(expired, meta)
		}
	}
	m.mu.Unlock()

	purged := 0
	for _, meta := range expired {
		if meta.FilePath != "" {
			if err := m.artifacts.DeleteArtifact(meta.FilePath); err != nil {
				continue
			}
			_ = m.artifacts.DeleteArtifact(meta.ID + ".meta")
		}
		m.mu.Lock()
		delete(m.backups, meta.ID)
		m.mu.Unlock()
		purged++
	}
	return purged
}

func (m *BackupManager) runSweeper() {
	defer close(m.sweeperDone)

	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.SweepExpired()
		case <-m.stopSweeper:
			return
		}
	}
}

func (m *BackupManager) logEvent(eventType audit.EventType, userID, action string, result audit.Result, metadata map[string]interface{}) {
	if m.auditor == nil {
		return
	}
	_, _ = m.auditor.LogEvent(audit.EventParams{
		Type:     eventType,
		UserID:   userID,
		Action:   action,
		Result:   result,
		Metadata: metadata,
	})
}

// Close drains queued backups to completion and stops the sweeper.
func (m *BackupManager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	close(m.stopSweeper)
	<-m.sweeperDone

	close(m.queue)
	<-m.done
	return nil
}
