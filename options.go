package hivevault

import (
	"fmt"
	"os"

	"github.com/lancejames221b/hivevault/audit"
)

// SecurityLevel selects the KDF, its cost parameters, and the salt and nonce
// lengths used for password-derived encryption.
//
// LEVEL PARAMETERS:
//   - SecurityStandard: PBKDF2-SHA256 with 100,000 iterations, 16-byte salt.
//   - SecurityHigh:     scrypt N=2^15, r=8, p=1, 32-byte salt, 12-byte nonce.
//   - SecurityMaximum:  scrypt N=2^16, r=8, p=2, 32-byte salt.
//
// The level never changes the AEAD: that is chosen per call via Algorithm.
type SecurityLevel int

const (
	SecurityStandard SecurityLevel = iota
	SecurityHigh
	SecurityMaximum
)

func (l SecurityLevel) String() string {
	switch l {
	case SecurityStandard:
		return "STANDARD"
	case SecurityHigh:
		return "HIGH"
	case SecurityMaximum:
		return "MAXIMUM"
	default:
		return fmt.Sprintf("SecurityLevel(%d)", int(l))
	}
}

// MemoryProtectionLevel controls how SecureMemoryManager wipes and locks
// regions. At MemoryProtectionMaximum a freed region is overwritten with
// three distinct patterns before release; at MemoryProtectionAdvanced and
// above the process additionally attempts to lock memory against swapping.
type MemoryProtectionLevel int

const (
	MemoryProtectionBasic MemoryProtectionLevel = iota
	MemoryProtectionAdvanced
	MemoryProtectionMaximum
)

// RateLimitConfig tunes the brute-force defense window.
type RateLimitConfig struct {
	MaxAttempts    int `json:"max_attempts"`
	WindowMinutes  int `json:"window_minutes"`
	LockoutMinutes int `json:"lockout_minutes"`
}

// SessionConfig tunes session lifetime and concurrency.
type SessionConfig struct {
	TimeoutMinutes        int  `json:"timeout_minutes"`
	MaxConcurrentSessions int  `json:"max_concurrent_sessions"`
	RequireMFA            bool `json:"require_mfa"`

	// OperationsPerSecond caps expensive crypto operations per user.
	// Zero disables the per-user limiter.
	OperationsPerSecond float64 `json:"operations_per_second"`
}

// TimingConfig tunes the latency padding applied around authentication and
// decryption so success and failure are indistinguishable by wall clock.
type TimingConfig struct {
	MinDelayMs int  `json:"min_delay_ms"`
	MaxDelayMs int  `json:"max_delay_ms"`
	Randomize  bool `json:"randomize"`
}

// RotationConfig tunes the rotation processor.
type RotationConfig struct {
	BatchSize int `json:"batch_size"`
	QueueSize int `json:"queue_size"`

	// BatchesPerSecond paces re-encryption batches for load shedding.
	BatchesPerSecond float64 `json:"batches_per_second"`

	Policy *RotationPolicy `json:"policy,omitempty"`
}

// BackupConfig tunes the backup subsystem. The backup passphrase feeds the
// KEK that wraps backup keys; it must never equal the vault passphrase since
// the two key hierarchies are kept deliberately disjoint.
type BackupConfig struct {
	KeyDirectory     string `json:"key_directory"`
	Passphrase       string `json:"-"` // never serialized
	EnvPassphraseVar string `json:"env_passphrase_var,omitempty"`
	Compress         bool   `json:"compress"`
	RetentionDays    int    `json:"retention_days"`
}

// Options configures a Vault instance.
//
// SERIALIZATION SECURITY:
// Passphrases carry `json:"-"` so configuration dumps, logs, and audit
// metadata can never leak them. Environment-variable delivery
// (EnvPassphraseVar) is preferred in deployments so the passphrase appears
// in neither flags nor config files.
type Options struct {
	SecurityLevel    SecurityLevel         `json:"security_level"`
	MemoryProtection MemoryProtectionLevel `json:"memory_protection"`

	// DerivationPassphrase is the vault master passphrase. Either this or
	// EnvPassphraseVar must be set.
	DerivationPassphrase string `json:"-"`
	EnvPassphraseVar     string `json:"env_passphrase_var,omitempty"`

	// EnableMemoryLock requests mlockall-style protection for the process.
	EnableMemoryLock bool `json:"enable_memory_lock"`

	RateLimit RateLimitConfig `json:"rate_limit"`
	Session   SessionConfig   `json:"session"`
	Timing    TimingConfig    `json:"timing"`
	Rotation  RotationConfig  `json:"rotation"`
	Backup    BackupConfig    `json:"backup"`
	Audit     audit.Config    `json:"audit"`

	// UserID identifies the operator creating this vault instance; it is
	// recorded as the initiator of implicit key-version creation.
	UserID string `json:"-"`
}

// DefaultOptions returns the configuration the test suite and CLI start
// from: HIGH security, advanced memory protection, and the §8 rate-limit
// defaults (5 attempts / 15-minute window / 30-minute lockout).
func DefaultOptions() Options {
	return Options{
		SecurityLevel:    SecurityHigh,
		MemoryProtection: MemoryProtectionAdvanced,
		RateLimit: RateLimitConfig{
			MaxAttempts:    5,
			WindowMinutes:  15,
			LockoutMinutes: 30,
		},
		Session: SessionConfig{
			TimeoutMinutes:        30,
			MaxConcurrentSessions: 5,
			RequireMFA:            true,
			OperationsPerSecond:   20,
		},
		Timing: TimingConfig{
			MinDelayMs: 100,
			MaxDelayMs: 300,
			Randomize:  true,
		},
		Rotation: RotationConfig{
			BatchSize:        50,
			QueueSize:        16,
			BatchesPerSecond: 10,
		},
		Backup: BackupConfig{
			Compress:      true,
			RetentionDays: 90,
		},
	}
}

// Validate validates the Options configuration
func (o Options) Validate() error {
	// Validate passphrase configuration - at least one should be provided
	if o.DerivationPassphrase == "" && o.EnvPassphraseVar == "" {
		return &ValidationError{Field: "passphrase", Reason: "either DerivationPassphrase or EnvPassphraseVar must be provided"}
	}
	if o.EnvPassphraseVar != "" && o.DerivationPassphrase == "" {
		if os.Getenv(o.EnvPassphraseVar) == "" {
			return &ValidationError{Field: "passphrase", Reason: fmt.Sprintf("environment variable %s is not set", o.EnvPassphraseVar)}
		}
	}
	switch o.SecurityLevel {
	case SecurityStandard, SecurityHigh, SecurityMaximum:
	default:
		return &ValidationError{Field: "security_level", Reason: "unknown security level"}
	}
	if o.RateLimit.MaxAttempts < 0 || o.RateLimit.WindowMinutes < 0 || o.RateLimit.LockoutMinutes < 0 {
		return &ValidationError{Field: "rate_limit", Reason: "negative rate limit parameter"}
	}
	if o.Timing.MinDelayMs > o.Timing.MaxDelayMs {
		return &ValidationError{Field: "timing", Reason: "min delay exceeds max delay"}
	}
	if o.Rotation.BatchSize < 0 || o.Rotation.QueueSize < 0 {
		return &ValidationError{Field: "rotation", Reason: "negative rotation parameter"}
	}
	return nil
}

// passphrase resolves the effective derivation passphrase.
func (o Options) passphrase() (string, error) {
	if o.DerivationPassphrase != "" {
		return o.DerivationPassphrase, nil
	}
	if o.EnvPassphraseVar != "" {
		if v := os.Getenv(o.EnvPassphraseVar); v != "" {
			return v, nil
		}
	}
	return "", &ValidationError{Field: "passphrase", Reason: "no passphrase available"}
}
