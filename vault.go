package hivevault

import (
	"fmt"
	"sync"
	"time"

	"golang.org/x/crypto/scrypt"

	"github.com/lancejames221b/hivevault/audit"
	"github.com/lancejames221b/hivevault/internal/crypto"
	"github.com/lancejames221b/hivevault/internal/mem"
	"github.com/lancejames221b/hivevault/internal/misc"
	"github.com/lancejames221b/hivevault/persist"
)

// VaultService is the surface exposed to the REST layer, workflow engine,
// and CLI. A Vault satisfies it; callers should depend on the interface.
type VaultService interface {
	// Credential encryption
	Encrypt(plaintext, password []byte, algorithm Algorithm) (*EncryptedBlob, error)
	Decrypt(blob *EncryptedBlob, password []byte) ([]byte, error)
	StoreCredential(id string, secret []byte, labels map[string]string) error
	RetrieveCredential(id string) ([]byte, error)
	DeleteCredential(id string) error

	// Authentication and authorization
	RegisterUser(userID, password string) error
	AuthenticateUser(userID, password, ip, userAgent string) (bool, string, error)
	AuthorizeOperation(sessionID, op, resourceID string, requiredLevel SessionSecurityLevel) error
	ProvisionMFASecret(userID, secret string) error
	ElevateSessionMFA(sessionID, totpCode string) error

	// Audit
	LogEvent(params audit.EventParams) (string, error)
	GetAuditTrail(options audit.QueryOptions) (audit.QueryResult, error)
	GenerateComplianceReport(framework audit.Framework, start, end time.Time) (*audit.ComplianceReport, error)

	// Rotation
	InitiateRotation(trigger RotationTrigger, initiator string, targets []string) (string, error)
	GetRotationStatus(operationID string) (*RotationOperation, error)
	EmergencyKeyRotation(initiator, reason string) (string, error)

	// Backup
	CreateBackup(backupType BackupType, user string, tags []string) (string, error)
	RestoreBackup(backupID, user, targetEnv string) (string, error)
	GetBackupStatus(backupID string) (*BackupMetadata, error)
	GetRestoreStatus(restoreID string) (*RestoreOperation, error)
	ListBackups() []BackupMetadata

	// Inventory
	ListKeyVersions() []KeyVersion
	CredentialCount() (int, error)
	MemoryProtection() string

	Close() error
}

// userCredential is an enrolled user's password verifier: scrypt hash plus
// per-user salt. The raw password is never stored.
type userCredential struct {
	salt []byte
	hash []byte
}

// Vault wires the crypto core's managers into one service.
//
// COMPONENT WIRING:
// The rotation manager owns the key-version registry; the encryption engine
// receives only its read-only current-version handle. The audit manager
// records every sensitive operation, including the vault's own
// authentication and rotation activity. The backup subsystem runs under its
// own key hierarchy and never touches credential key material.
//
// Shutdown order on Close is drain-then-halt for every background worker:
// rotation queue, backup queue, audit flusher, then secure memory teardown.
type Vault struct {
	options Options

	engine     *EncryptionEngine
	memory     *SecureMemoryManager
	timing     *TimingAttackProtection
	limiter    *RateLimiter
	sessions   *SessionManager
	auditor    *audit.Manager
	rotation   *KeyRotationManager
	backupKeys *BackupKeyManager
	backups    *BackupManager
	store      persist.CredentialStore

	usersMu sync.Mutex
	users   map[string]userCredential

	stopSweep chan struct{}
	sweepDone chan struct{}
	closeOnce sync.Once
	closeErr  error
}

// New creates a Vault over the given stores. artifacts may be nil when the
// deployment takes no backups; geo may be nil to skip location enrichment.
func New(options Options, store persist.CredentialStore, artifacts persist.ArtifactStore, geo audit.GeoIP) (VaultService, error) {
	if err := options.Validate(); err != nil {
		return nil, err
	}
	if store == nil {
		return nil, &ValidationError{Field: "store", Reason: "credential store is required"}
	}

	masterPass, err := options.passphrase()
	if err != nil {
		return nil, err
	}
	if err := ValidatePassphraseStrength(masterPass); err != nil {
		return nil, err
	}

	auditor, err := audit.NewManager(options.Audit, geo)
	if err != nil {
		return nil, err
	}

	timing := NewTimingAttackProtection(options.Timing)
	memory := NewSecureMemoryManager(options.MemoryProtection, options.EnableMemoryLock)

	rotation, err := NewKeyRotationManager(store, auditor, options.Rotation, options.UserID)
	if err != nil {
		_ = auditor.Close()
		return nil, err
	}

	engine, err := NewEncryptionEngine(options.SecurityLevel, timing, rotation.CurrentHandle())
	if err != nil {
		_ = rotation.Close()
		_ = auditor.Close()
		return nil, err
	}
	rotation.AttachEngine(engine)

	v := &Vault{
		options:   options,
		engine:    engine,
		memory:    memory,
		timing:    timing,
		limiter:   NewRateLimiter(options.RateLimit),
		sessions:  NewSessionManager(options.Session),
		auditor:   auditor,
		rotation:  rotation,
		store:     store,
		users:     make(map[string]userCredential),
		stopSweep: make(chan struct{}),
		sweepDone: make(chan struct{}),
	}

	if artifacts != nil {
		// Backup keys live in a hierarchy disjoint from the vault master
		// passphrase; sharing one passphrase would collapse the two.
		if options.Backup.Passphrase != "" && options.Backup.Passphrase == masterPass {
			_ = rotation.Close()
			_ = auditor.Close()
			return nil, &ValidationError{Field: "backup.passphrase", Reason: "backup passphrase must differ from the vault passphrase"}
		}
		backupKeys, err := NewBackupKeyManager(options.Backup)
		if err != nil {
			_ = rotation.Close()
			_ = auditor.Close()
			return nil, err
		}
		v.backupKeys = backupKeys
		v.backups = NewBackupManager(store, artifacts, backupKeys, auditor, options.Backup)
	}

	go v.runSweeper()
	return v, nil
}

// CREDENTIAL ENCRYPTION

// allowCrypto consults the operator's per-user token bucket before any
// expensive key derivation or AEAD work runs.
func (v *Vault) allowCrypto() error {
	if v.sessions.AllowOperation(v.options.UserID) {
		return nil
	}
	retry := time.Second
	if ops := v.options.Session.OperationsPerSecond; ops > 0 {
		retry = time.Duration(float64(time.Second) / ops)
	}
	return &RateLimited{ID: v.options.UserID, LockedUntil: time.Now().Add(retry)}
}

// Encrypt seals plaintext under a password-derived key at the vault's
// security level.
func (v *Vault) Encrypt(plaintext, password []byte, algorithm Algorithm) (*EncryptedBlob, error) {
	if err := v.allowCrypto(); err != nil {
		return nil, err
	}
	return v.engine.Encrypt(plaintext, password, algorithm)
}

// Decrypt opens a password-derived blob.
func (v *Vault) Decrypt(blob *EncryptedBlob, password []byte) ([]byte, error) {
	if err := v.allowCrypto(); err != nil {
		return nil, err
	}
	return v.engine.Decrypt(blob, password)
}

// StoreCredential seals a secret under the current master key version and
// persists it. These records are what key rotation migrates.
func (v *Vault) StoreCredential(id string, secret []byte, labels map[string]string) error {
	if id == "" {
		return &ValidationError{Field: "id", Reason: "credential ID cannot be empty"}
	}
	if err := v.allowCrypto(); err != nil {
		return err
	}

	handle := v.rotation.CurrentHandle()
	version := handle.Version()

	var blob *EncryptedBlob
	err := handle.WithKey(func(key []byte) error {
		sealed, err := v.engine.sealWithKey(key, secret, version, AlgorithmAESGCM)
		if err != nil {
			return err
		}
		blob = sealed
		return nil
	})
	if err != nil {
		return err
	}

	encoded, err := blob.Encode()
	if err != nil {
		return err
	}

	if _, err := v.store.Put(persist.CredentialRecord{
		ID:         id,
		Ciphertext: encoded,
		KeyVersion: uint32(version),
		Labels:     labels,
	}); err != nil {
		return &StorageError{Op: "store credential", Cause: err}
	}
	v.rotation.registry.addEncryptedCount(version, 1)
	return nil
}

// RetrieveCredential decrypts a stored credential under its recorded key
// version, which may lag the current version mid-rotation.
func (v *Vault) RetrieveCredential(id string) ([]byte, error) {
	if err := v.allowCrypto(); err != nil {
		return nil, err
	}
	record, err := v.store.Get(id)
	if err != nil {
		return nil, &StorageError{Op: "get credential", Cause: err}
	}

	blob, err := DecodeBlob(record.Ciphertext)
	if err != nil {
		return nil, err
	}

	var plaintext []byte
	err = v.rotation.registry.withKey(blob.KeyVersion, func(key []byte) error {
		opened, err := v.engine.openWithKey(key, blob)
		if err != nil {
			return err
		}
		plaintext = opened
		return nil
	})
	if err != nil {
		return nil, err
	}
	return plaintext, nil
}

// DeleteCredential removes a stored credential.
func (v *Vault) DeleteCredential(id string) error {
	if err := v.store.Delete(id); err != nil {
		return &StorageError{Op: "delete credential", Cause: err}
	}
	return nil
}

// AUTHENTICATION

// RegisterUser enrols a user with a password verifier. The password must
// meet the strength bar; only its scrypt hash is retained.
func (v *Vault) RegisterUser(userID, password string) error {
	if userID == "" {
		return &ValidationError{Field: "user_id", Reason: "user ID cannot be empty"}
	}
	if err := ValidatePassphraseStrength(password); err != nil {
		return err
	}

	salt, err := crypto.RandomBytes(misc.SaltSizeHigh)
	if err != nil {
		return fmt.Errorf("failed to generate salt: %w", err)
	}
	hash, err := scrypt.Key([]byte(password), salt, misc.ScryptNHigh, misc.ScryptR, misc.ScryptPHigh, misc.KeySize)
	if err != nil {
		return fmt.Errorf("failed to hash password: %w", err)
	}

	v.usersMu.Lock()
	v.users[userID] = userCredential{salt: salt, hash: hash}
	v.usersMu.Unlock()
	return nil
}

// AuthenticateUser verifies a user's password under rate limiting and
// timing protection. Failures are generic and latency-padded; the audit
// log carries full detail. On success a STANDARD-level session is created
// and the rate-limit window clears.
func (v *Vault) AuthenticateUser(userID, password, ip, userAgent string) (bool, string, error) {
	limitKey := userID + "|" + ip

	if allowed, lockedUntil := v.limiter.CheckRateLimit(limitKey); !allowed {
		v.logAuth(userID, ip, userAgent, audit.ResultDenied, "rate limited")
		return false, "", &RateLimited{ID: limitKey, LockedUntil: *lockedUntil}
	}

	// The comparison runs behind timing protection so a wrong user and a
	// wrong password cost the same wall clock.
	verified, err := v.timing.ProtectedOperation(func() ([]byte, error) {
		v.usersMu.Lock()
		cred, ok := v.users[userID]
		v.usersMu.Unlock()

		decoy := userCredential{salt: make([]byte, misc.SaltSizeHigh)}
		if !ok {
			// Hash against a decoy so unknown users cost a full KDF.
			cred = decoy
		}

		hash, err := scrypt.Key([]byte(password), cred.salt, misc.ScryptNHigh, misc.ScryptR, misc.ScryptPHigh, misc.KeySize)
		if err != nil {
			return nil, err
		}
		defer mem.Overwrite(hash, 0x00)

		if ok && ConstantTimeCompare(hash, cred.hash) {
			return []byte{1}, nil
		}
		return []byte{0}, nil
	})
	if err != nil {
		return false, "", fmt.Errorf("authentication error: %w", err)
	}

	if len(verified) != 1 || verified[0] != 1 {
		v.limiter.RecordFailure(limitKey)
		v.logAuth(userID, ip, userAgent, audit.ResultFailure, "password verification failed")
		return false, "", &AuthenticationFailure{}
	}

	v.limiter.RecordSuccess(limitKey)
	sessionID, err := v.sessions.CreateSession(userID, ip, userAgent, false, SessionStandard)
	if err != nil {
		return false, "", err
	}

	v.logAuth(userID, ip, userAgent, audit.ResultSuccess, "authenticated")
	return true, sessionID, nil
}

func (v *Vault) logAuth(userID, ip, userAgent string, result audit.Result, action string) {
	_, _ = v.auditor.LogEvent(audit.EventParams{
		Type:      audit.EventAuth,
		UserID:    userID,
		Action:    action,
		Result:    result,
		IP:        ip,
		UserAgent: userAgent,
	})
}

// AuthorizeOperation checks session authorization and records denials.
func (v *Vault) AuthorizeOperation(sessionID, op, resourceID string, requiredLevel SessionSecurityLevel) error {
	err := v.sessions.Authorize(sessionID, op, requiredLevel)
	if err != nil {
		session := v.sessions.GetSession(sessionID)
		userID := ""
		if session != nil {
			userID = session.UserID
		}
		_, _ = v.auditor.LogEvent(audit.EventParams{
			Type:         audit.EventAccess,
			UserID:       userID,
			CredentialID: resourceID,
			Action:       "authorize " + op,
			Result:       audit.ResultDenied,
			SessionID:    sessionID,
		})
	}
	return err
}

// ProvisionMFASecret enrols a TOTP secret for a user.
func (v *Vault) ProvisionMFASecret(userID, secret string) error {
	return v.sessions.ProvisionMFASecret(userID, secret)
}

// ElevateSessionMFA validates a TOTP code and elevates the session.
func (v *Vault) ElevateSessionMFA(sessionID, totpCode string) error {
	err := v.sessions.ElevateSessionMFA(sessionID, totpCode)

	session := v.sessions.GetSession(sessionID)
	userID := ""
	mfaOK := false
	if session != nil {
		userID = session.UserID
		mfaOK = session.MFAVerified
	}
	result := audit.ResultSuccess
	if err != nil {
		result = audit.ResultFailure
	}
	_, _ = v.auditor.LogEvent(audit.EventParams{
		Type:        audit.EventAuth,
		UserID:      userID,
		Action:      "mfa elevation",
		Result:      result,
		SessionID:   sessionID,
		MFAVerified: mfaOK,
	})
	return err
}

// AUDIT

func (v *Vault) LogEvent(params audit.EventParams) (string, error) {
	return v.auditor.LogEvent(params)
}

func (v *Vault) GetAuditTrail(options audit.QueryOptions) (audit.QueryResult, error) {
	return v.auditor.Query(options)
}

func (v *Vault) GenerateComplianceReport(framework audit.Framework, start, end time.Time) (*audit.ComplianceReport, error) {
	return v.auditor.GenerateComplianceReport(framework, start, end)
}

// ROTATION

func (v *Vault) InitiateRotation(trigger RotationTrigger, initiator string, targets []string) (string, error) {
	return v.rotation.InitiateRotation(trigger, initiator, targets)
}

func (v *Vault) GetRotationStatus(operationID string) (*RotationOperation, error) {
	return v.rotation.GetRotationStatus(operationID)
}

func (v *Vault) EmergencyKeyRotation(initiator, reason string) (string, error) {
	return v.rotation.EmergencyKeyRotation(initiator, reason)
}

// BACKUP

func (v *Vault) CreateBackup(backupType BackupType, user string, tags []string) (string, error) {
	if v.backups == nil {
		return "", &ValidationError{Field: "backup", Reason: "backup subsystem is not configured"}
	}
	return v.backups.CreateBackup(backupType, user, tags)
}

func (v *Vault) RestoreBackup(backupID, user, targetEnv string) (string, error) {
	if v.backups == nil {
		return "", &ValidationError{Field: "backup", Reason: "backup subsystem is not configured"}
	}
	return v.backups.RestoreBackup(backupID, user, targetEnv)
}

func (v *Vault) GetBackupStatus(backupID string) (*BackupMetadata, error) {
	if v.backups == nil {
		return nil, &ValidationError{Field: "backup", Reason: "backup subsystem is not configured"}
	}
	return v.backups.GetBackupStatus(backupID)
}

func (v *Vault) GetRestoreStatus(restoreID string) (*RestoreOperation, error) {
	if v.backups == nil {
		return nil, &ValidationError{Field: "backup", Reason: "backup subsystem is not configured"}
	}
	return v.backups.GetRestoreStatus(restoreID)
}

func (v *Vault) ListBackups() []BackupMetadata {
	if v.backups == nil {
		return nil
	}
	return v.backups.ListBackups()
}

// INVENTORY

// ListKeyVersions returns metadata for every key version, never material.
func (v *Vault) ListKeyVersions() []KeyVersion {
	return v.rotation.ListKeyVersions()
}

func (v *Vault) CredentialCount() (int, error) {
	return v.store.Count()
}

func (v *Vault) MemoryProtection() string {
	return v.memory.ProtectionStatus().String()
}

// runSweeper runs the periodic cleanup of expired sessions and aged
// rate-limit windows, independent of request traffic.
func (v *Vault) runSweeper() {
	defer close(v.sweepDone)

	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			v.sessions.Sweep()
			v.limiter.Sweep()
		case <-v.stopSweep:
			return
		}
	}
}

// Close shuts the vault down gracefully: every queue drains to completion
// before its worker halts, then key material and secure memory are wiped.
func (v *Vault) Close() error {
	v.closeOnce.Do(func() {
		close(v.stopSweep)
		<-v.sweepDone

		var firstErr error
		record := func(err error) {
			if err != nil && firstErr == nil {
				firstErr = err
			}
		}

		record(v.rotation.Close())
		if v.backups != nil {
			record(v.backups.Close())
		}
		record(v.auditor.Close())
		record(v.memory.Close())
		record(v.store.Close())
		v.closeErr = firstErr
	})
	return v.closeErr
}
