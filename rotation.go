package hivevault

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/lancejames221b/hivevault/audit"
	"github.com/lancejames221b/hivevault/internal/debug"
	"github.com/lancejames221b/hivevault/internal/mem"
	"github.com/lancejames221b/hivevault/persist"
)

// RotationTrigger records why a rotation was started.
type RotationTrigger string

const (
	TriggerScheduled  RotationTrigger = "SCHEDULED"
	TriggerManual     RotationTrigger = "MANUAL"
	TriggerCompromise RotationTrigger = "COMPROMISE"
	TriggerPolicy     RotationTrigger = "POLICY"
	TriggerEmergency  RotationTrigger = "EMERGENCY"
)

// RotationStatus is the lifecycle state of one rotation operation.
// PENDING -> IN_PROGRESS -> {COMPLETED | FAILED}. A FAILED operation with
// partial progress spawns a best-effort ROLLBACK operation.
type RotationStatus string

const (
	RotationPending    RotationStatus = "PENDING"
	RotationInProgress RotationStatus = "IN_PROGRESS"
	RotationCompleted  RotationStatus = "COMPLETED"
	RotationFailed     RotationStatus = "FAILED"
	RotationRollback   RotationStatus = "ROLLBACK"
)

// RotationOperation tracks the progress of migrating credentials from one
// key version to another. Callers receive copies; the manager owns the
// originals.
type RotationOperation struct {
	ID              string          `json:"id"`
	OldVersion      int             `json:"old_version"`
	NewVersion      int             `json:"new_version"`
	Trigger         RotationTrigger `json:"trigger"`
	Initiator       string          `json:"initiator"`
	Status          RotationStatus  `json:"status"`
	ProgressPercent float64         `json:"progress_percent"`
	RotatedCount    int             `json:"rotated_count"`
	TotalCount      int             `json:"total_count"`
	Errors          []string        `json:"errors,omitempty"`
	Reason          string          `json:"reason,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	CompletedAt     *time.Time      `json:"completed_at,omitempty"`
}

// RotationPolicy declares the conditions under which a POLICY rotation
// fires. Any satisfied condition triggers a rotation; the scheduler
// evaluates on a fixed interval independent of request traffic.
type RotationPolicy struct {
	RotationIntervalDays   int `json:"rotation_interval_days"`
	MaxKeyAgeDays          int `json:"max_key_age_days"`
	MaxCredentialsPerKey   int `json:"max_credentials_per_key"`
	NotificationDaysBefore int `json:"notification_days_before"`
	CheckIntervalMinutes   int `json:"check_interval_minutes"`

	// CustomConditions are evaluated against the active key version; any
	// returning true triggers rotation.
	CustomConditions []func(KeyVersion) bool `json:"-"`
}

type rotationJob struct {
	operationID string
	targets     []string
}

// KeyRotationManager owns the KeyVersion registry and the global
// current-version pointer, and migrates credential ciphertext between key
// versions.
//
// ROTATION ARCHITECTURE:
// A single consumer goroutine drains a bounded job queue, so batches of one
// operation process strictly sequentially and two operations never
// interleave their batches. Re-encryption happens in fixed-size batches
// (default 50) with a rate limiter pacing batch starts for load shedding.
// Per-item failures append to the operation's error list without aborting
// it; only an empty error list reaches the completion transition.
//
// The completion transition is the sole writer of the current-version
// pointer: it activates the new version, retires the old one, and
// invalidates the engine's derived-key cache, atomically under the registry
// lock. The encryption engine observes the pointer through a read-only
// handle and can never move it.
//
// EMERGENCY rotations mark the active key COMPROMISED first, then enqueue a
// normal rotation. They do not jump the queue: a rotation already queued
// ahead of the emergency runs first.
//
// Shutdown is drain-then-halt: Close stops intake, the consumer finishes
// every queued operation, then the manager stops.
type KeyRotationManager struct {
	registry *keyRegistry
	engine   *EncryptionEngine
	store    persist.CredentialStore
	auditor  *audit.Manager

	mu         sync.Mutex
	operations map[string]*RotationOperation
	closed     bool

	queue chan rotationJob
	done  chan struct{}

	batchSize int
	pace      *rate.Limiter
	algorithm Algorithm

	policy        *RotationPolicy
	notify        func(version int, daysRemaining int)
	stopScheduler chan struct{}
	schedulerDone chan struct{}
}

// NewKeyRotationManager creates the manager, generates the initial key
// version, and activates it. AttachEngine must be called before any
// rotation runs; the constructor cannot take the engine because the engine
// is built from this manager's current-version handle.
func NewKeyRotationManager(store persist.CredentialStore, auditor *audit.Manager, config RotationConfig, initiator string) (*KeyRotationManager, error) {
	batchSize := config.BatchSize
	if batchSize <= 0 {
		batchSize = 50
	}
	queueSize := config.QueueSize
	if queueSize <= 0 {
		queueSize = 16
	}
	pacePerSecond := config.BatchesPerSecond
	if pacePerSecond <= 0 {
		pacePerSecond = 10
	}

	m := &KeyRotationManager{
		registry:   newKeyRegistry(),
		store:      store,
		auditor:    auditor,
		operations: make(map[string]*RotationOperation),
		queue:      make(chan rotationJob, queueSize),
		done:       make(chan struct{}),
		batchSize:  batchSize,
		pace:       rate.NewLimiter(rate.Limit(pacePerSecond), 1),
		algorithm:  AlgorithmAESGCM,
		policy:     config.Policy,
	}

	// INITIAL KEY PROVISIONING:
	// A fresh registry gets version 1 generated and activated immediately so
	// encryption can start without an explicit first rotation.
	initial, err := m.registry.createVersion(initiator, TriggerManual, m.algorithm)
	if err != nil {
		return nil, fmt.Errorf("failed to create initial key version: %w", err)
	}
	if err := m.registry.activateInitial(initial.Version); err != nil {
		return nil, fmt.Errorf("failed to activate initial key version: %w", err)
	}

	go m.process()

	if m.policy != nil {
		m.stopScheduler = make(chan struct{})
		m.schedulerDone = make(chan struct{})
		go m.runScheduler()
	}

	return m, nil
}

// AttachEngine binds the encryption engine used for re-encryption.
func (m *KeyRotationManager) AttachEngine(engine *EncryptionEngine) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.engine = engine
}

// CurrentHandle returns the read-only current-version handle for the
// encryption engine.
func (m *KeyRotationManager) CurrentHandle() *CurrentVersionHandle {
	return &CurrentVersionHandle{registry: m.registry}
}

// SetNotificationCallback registers the callback fired when a policy's
// days-until-rotation drops to the notification threshold.
func (m *KeyRotationManager) SetNotificationCallback(fn func(version int, daysRemaining int)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.notify = fn
}

// CreateKeyVersion generates and registers new key material without
// activating it.
func (m *KeyRotationManager) CreateKeyVersion(initiator string, trigger RotationTrigger) (*KeyVersion, error) {
	return m.registry.createVersion(initiator, trigger, m.algorithm)
}

// GetKeyVersion returns a snapshot of one version's metadata.
func (m *KeyRotationManager) GetKeyVersion(version int) (*KeyVersion, error) {
	return m.registry.get(version)
}

// ListKeyVersions returns snapshots of every registered version.
func (m *KeyRotationManager) ListKeyVersions() []KeyVersion {
	return m.registry.list()
}

// InitiateRotation snapshots the active version, creates a new PENDING
// version, resolves the target credential set, and enqueues the work.
// targets may be nil to rotate every credential under the old version.
func (m *KeyRotationManager) InitiateRotation(trigger RotationTrigger, initiator string, targets []string) (string, error) {
	return m.initiateRotation(trigger, initiator, targets, "")
}

func (m *KeyRotationManager) initiateRotation(trigger RotationTrigger, initiator string, targets []string, reason string) (string, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return "", fmt.Errorf("rotation manager is shut down")
	}
	if m.engine == nil {
		m.mu.Unlock()
		return "", fmt.Errorf("rotation manager has no encryption engine attached")
	}
	m.mu.Unlock()

	// VERSION SNAPSHOT AND NEW KEY GENERATION:
	// The old version is pinned before any work is queued so a concurrent
	// completion cannot change which version this operation migrates from.
	oldVersion := m.registry.currentVersion()
	newKV, err := m.registry.createVersion(initiator, trigger, m.algorithm)
	if err != nil {
		return "", fmt.Errorf("failed to create key version for rotation: %w", err)
	}

	// TARGET RESOLUTION:
	if len(targets) == 0 {
		records, err := m.store.ListByKeyVersion(uint32(oldVersion))
		if err != nil {
			return "", &StorageError{Op: "list credentials", Cause: err}
		}
		for _, record := range records {
			targets = append(targets, record.ID)
		}
	}

	op := &RotationOperation{
		ID:         uuid.NewString(),
		OldVersion: oldVersion,
		NewVersion: newKV.Version,
		Trigger:    trigger,
		Initiator:  initiator,
		Status:     RotationPending,
		TotalCount: len(targets),
		Reason:     reason,
		CreatedAt:  time.Now().UTC(),
	}

	// The enqueue must happen under the same lock as the closed check:
	// Close sets closed and then closes the queue, so sending after the
	// unlock could hit a closed channel.
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return "", fmt.Errorf("rotation manager is shut down")
	}
	m.operations[op.ID] = op
	select {
	case m.queue <- rotationJob{operationID: op.ID, targets: targets}:
		m.mu.Unlock()
	default:
		op.Status = RotationFailed
		op.Errors = append(op.Errors, "rotation queue full")
		m.mu.Unlock()
		return "", &RotationFailure{OperationID: op.ID, Errs: []string{"rotation queue full"}}
	}

	m.logEvent(audit.EventRotate, initiator, fmt.Sprintf("rotation initiated (%s)", trigger), audit.ResultSuccess, map[string]interface{}{
		"operation_id": op.ID,
		"old_version":  oldVersion,
		"new_version":  newKV.Version,
		"target_count": len(targets),
	})
	return op.ID, nil
}

// GetRotationStatus returns a copy of the operation's current state.
func (m *KeyRotationManager) GetRotationStatus(operationID string) (*RotationOperation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	op, ok := m.operations[operationID]
	if !ok {
		return nil, &ValidationError{Field: "operation_id", Reason: fmt.Sprintf("unknown rotation operation %s", operationID)}
	}
	copied := *op
	copied.Errors = append([]string(nil), op.Errors...)
	return &copied, nil
}

// EmergencyKeyRotation marks the active key COMPROMISED and enqueues an
// EMERGENCY rotation. The compromised flag lands immediately even though
// the re-encryption may wait behind queued operations.
func (m *KeyRotationManager) EmergencyKeyRotation(initiator, reason string) (string, error) {
	current := m.registry.currentVersion()
	if err := m.registry.markCompromised(current); err != nil {
		return "", err
	}

	m.logEvent(audit.EventEmergency, initiator, "active key marked compromised: "+reason, audit.ResultSuccess, map[string]interface{}{
		"key_version": current,
	})

	return m.initiateRotation(TriggerEmergency, initiator, nil, reason)
}

// process is the single rotation consumer.
func (m *KeyRotationManager) process() {
	for job := range m.queue {
		m.runOperation(job)
	}
	close(m.done)
}

func (m *KeyRotationManager) runOperation(job rotationJob) {
	m.mu.Lock()
	op, ok := m.operations[job.operationID]
	if !ok {
		m.mu.Unlock()
		return
	}
	op.Status = RotationInProgress
	m.mu.Unlock()

	// BATCHED RE-ENCRYPTION:
	// Records migrate in fixed-size batches. Each batch start waits on the
	// pace limiter so rotation load sheds against foreground traffic.
	for start := 0; start < len(job.targets); start += m.batchSize {
		end := start + m.batchSize
		if end > len(job.targets) {
			end = len(job.targets)
		}
		_ = m.pace.Wait(context.Background())
		m.runBatch(op, job.targets[start:end])

		m.mu.Lock()
		if op.TotalCount > 0 {
			op.ProgressPercent = float64(op.RotatedCount) / float64(op.TotalCount) * 100
		} else {
			op.ProgressPercent = 100
		}
		debug.Print("rotation %s: %d/%d records migrated\n", op.ID, op.RotatedCount, op.TotalCount)
		m.mu.Unlock()
	}

	m.mu.Lock()
	failed := len(op.Errors) > 0
	m.mu.Unlock()

	if failed {
		m.handleFailure(op)
		return
	}
	m.completeRotation(op)
}

// runBatch re-encrypts one batch and applies it transactionally. Decrypt or
// re-encrypt failures drop the item from the batch and record an error;
// a failed transactional apply records an error for the whole batch.
func (m *KeyRotationManager) runBatch(op *RotationOperation, ids []string) {
	var updates []persist.CiphertextUpdate

	for _, id := range ids {
		update, err := m.reencryptRecord(id, op.OldVersion, op.NewVersion)
		if err != nil {
			m.mu.Lock()
			op.Errors = append(op.Errors, fmt.Sprintf("%s: %v", id, err))
			m.mu.Unlock()
			continue
		}
		updates = append(updates, *update)
	}

	if len(updates) == 0 {
		return
	}
	if err := m.store.UpdateCiphertexts(updates); err != nil {
		m.mu.Lock()
		op.Errors = append(op.Errors, fmt.Sprintf("batch apply failed: %v", err))
		m.mu.Unlock()
		return
	}

	m.mu.Lock()
	op.RotatedCount += len(updates)
	m.mu.Unlock()
}

// reencryptRecord decrypts one record under the old version's key and seals
// it under the new version's key. Plaintext lives only inside this frame
// and is wiped before return.
func (m *KeyRotationManager) reencryptRecord(id string, oldVersion, newVersion int) (*persist.CiphertextUpdate, error) {
	record, err := m.store.Get(id)
	if err != nil {
		return nil, err
	}

	blob, err := DecodeBlob(record.Ciphertext)
	if err != nil {
		return nil, err
	}
	if blob.KeyVersion != oldVersion {
		return nil, fmt.Errorf("record is under key version %d, expected %d", blob.KeyVersion, oldVersion)
	}

	var newBlob *EncryptedBlob
	err = m.registry.withKey(oldVersion, func(oldKey []byte) error {
		plaintext, err := m.engine.openWithKey(oldKey, blob)
		if err != nil {
			return err
		}
		defer mem.Overwrite(plaintext, 0x00)

		return m.registry.withKey(newVersion, func(newKey []byte) error {
			sealed, err := m.engine.sealWithKey(newKey, plaintext, newVersion, blob.Algorithm)
			if err != nil {
				return err
			}
			newBlob = sealed
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	encoded, err := newBlob.Encode()
	if err != nil {
		return nil, err
	}
	return &persist.CiphertextUpdate{
		ID:         id,
		Ciphertext: encoded,
		KeyVersion: uint32(newVersion),
		Revision:   record.Revision,
	}, nil
}

// completeRotation is the only path that moves the current-version pointer.
func (m *KeyRotationManager) completeRotation(op *RotationOperation) {
	// ACTIVE KEY TRANSITION:
	// Activate new, retire old, move the pointer, all under the registry
	// lock. Then drop every cached derived key so no caller keeps
	// encrypting against pre-rotation state.
	if err := m.registry.promote(op.OldVersion, op.NewVersion); err != nil {
		m.mu.Lock()
		op.Errors = append(op.Errors, fmt.Sprintf("activation failed: %v", err))
		m.mu.Unlock()
		m.handleFailure(op)
		return
	}
	m.engine.InvalidateKeyCache()

	m.registry.addEncryptedCount(op.NewVersion, op.RotatedCount)
	m.registry.addEncryptedCount(op.OldVersion, -op.RotatedCount)

	now := time.Now().UTC()
	m.mu.Lock()
	op.Status = RotationCompleted
	op.ProgressPercent = 100
	op.CompletedAt = &now
	m.mu.Unlock()

	m.logEvent(audit.EventRotate, op.Initiator, "rotation completed", audit.ResultSuccess, map[string]interface{}{
		"operation_id":  op.ID,
		"new_version":   op.NewVersion,
		"rotated_count": op.RotatedCount,
	})
}

// handleFailure marks the operation FAILED and, when any records already
// migrated, spawns a best-effort ROLLBACK that re-encrypts them back under
// the old version. The ACTIVE version never changed, so rollback failures
// leave individual records ahead of the pointer but never orphaned: their
// blobs still name a registered key version.
func (m *KeyRotationManager) handleFailure(op *RotationOperation) {
	now := time.Now().UTC()
	m.mu.Lock()
	op.Status = RotationFailed
	op.CompletedAt = &now
	rotated := op.RotatedCount
	errCount := len(op.Errors)
	m.mu.Unlock()

	m.logEvent(audit.EventRotate, op.Initiator, "rotation failed", audit.ResultFailure, map[string]interface{}{
		"operation_id": op.ID,
		"error_count":  errCount,
	})

	if rotated == 0 {
		return
	}

	rollback := &RotationOperation{
		ID:         uuid.NewString(),
		OldVersion: op.NewVersion,
		NewVersion: op.OldVersion,
		Trigger:    op.Trigger,
		Initiator:  op.Initiator,
		Status:     RotationRollback,
		CreatedAt:  now,
	}
	m.mu.Lock()
	m.operations[rollback.ID] = rollback
	m.mu.Unlock()

	// Rollback runs inline on the consumer goroutine, preserving the
	// one-batch-at-a-time guarantee.
	records, err := m.store.ListByKeyVersion(uint32(op.NewVersion))
	if err != nil {
		m.mu.Lock()
		rollback.Errors = append(rollback.Errors, fmt.Sprintf("rollback listing failed: %v", err))
		m.mu.Unlock()
		return
	}
	rollback.TotalCount = len(records)
	for _, record := range records {
		update, err := m.reencryptRecord(record.ID, op.NewVersion, op.OldVersion)
		if err != nil {
			m.mu.Lock()
			rollback.Errors = append(rollback.Errors, fmt.Sprintf("%s: %v", record.ID, err))
			m.mu.Unlock()
			continue
		}
		if err := m.store.UpdateCiphertexts([]persist.CiphertextUpdate{*update}); err != nil {
			m.mu.Lock()
			rollback.Errors = append(rollback.Errors, fmt.Sprintf("%s: %v", record.ID, err))
			m.mu.Unlock()
			continue
		}
		m.mu.Lock()
		rollback.RotatedCount++
		m.mu.Unlock()
	}

	m.logEvent(audit.EventRotate, op.Initiator, "rollback finished", audit.ResultPartial, map[string]interface{}{
		"operation_id":   rollback.ID,
		"restored_count": rollback.RotatedCount,
	})
}

// POLICY SCHEDULER

func (m *KeyRotationManager) runScheduler() {
	defer close(m.schedulerDone)

	interval := time.Duration(m.policy.CheckIntervalMinutes) * time.Minute
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.evaluatePolicy()
		case <-m.stopScheduler:
			return
		}
	}
}

// evaluatePolicy checks the active version against every policy condition.
func (m *KeyRotationManager) evaluatePolicy() {
	current, err := m.registry.get(m.registry.currentVersion())
	if err != nil {
		return
	}

	now := time.Now().UTC()
	trigger := false

	if m.policy.RotationIntervalDays > 0 && current.ActivatedAt != nil {
		activeDays := int(now.Sub(*current.ActivatedAt).Hours() / 24)
		remaining := m.policy.RotationIntervalDays - activeDays
		if remaining <= 0 {
			trigger = true
		} else if m.policy.NotificationDaysBefore > 0 && remaining <= m.policy.NotificationDaysBefore {
			m.mu.Lock()
			notify := m.notify
			m.mu.Unlock()
			if notify != nil {
				notify(current.Version, remaining)
			}
		}
	}
	if m.policy.MaxKeyAgeDays > 0 && int(now.Sub(current.CreatedAt).Hours()/24) >= m.policy.MaxKeyAgeDays {
		trigger = true
	}
	if m.policy.MaxCredentialsPerKey > 0 && current.CredentialsEncryptedCount >= m.policy.MaxCredentialsPerKey {
		trigger = true
	}
	for _, condition := range m.policy.CustomConditions {
		if condition(*current) {
			trigger = true
			break
		}
	}

	if trigger {
		_, _ = m.initiateRotation(TriggerPolicy, "policy-scheduler", nil, "rotation policy condition satisfied")
	}
}

func (m *KeyRotationManager) logEvent(eventType audit.EventType, userID, action string, result audit.Result, metadata map[string]interface{}) {
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

// Close stops intake, drains queued rotations to completion, stops the
// policy scheduler, and wipes all key material.
func (m *KeyRotationManager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	if m.stopScheduler != nil {
		close(m.stopScheduler)
		<-m.schedulerDone
	}

	close(m.queue)
	<-m.done

	m.registry.destroy()
	return nil
}
