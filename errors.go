package hivevault

import (
	"errors"
	"fmt"
	"time"
)

// Error taxonomy for the crypto core. Batch operations collect per-item
// failures into the operation's error list instead of returning these
// directly; single-item operations return them wrapped with %w so callers
// can classify with errors.As.

// ValidationError reports malformed or out-of-range input.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("validation failed: %s", e.Reason)
	}
	return fmt.Sprintf("validation failed on %s: %s", e.Field, e.Reason)
}

// AuthenticationFailure is deliberately generic: it never discloses which
// factor failed. Full detail goes to the audit log only.
type AuthenticationFailure struct{}

func (e *AuthenticationFailure) Error() string { return "invalid credentials" }

// AuthorizationDenied reports a session that lacks MFA or security level
// for the requested operation.
type AuthorizationDenied struct {
	Operation string
	Reason    string
}

func (e *AuthorizationDenied) Error() string {
	return fmt.Sprintf("authorization denied for %s: %s", e.Operation, e.Reason)
}

// DecryptionError reports an AEAD tag mismatch or an unknown key version.
// Wrong password and tampered ciphertext are indistinguishable by design.
type DecryptionError struct {
	Cause error
}

func (e *DecryptionError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("decryption failed: %v", e.Cause)
	}
	return "decryption failed"
}

func (e *DecryptionError) Unwrap() error { return e.Cause }

// IntegrityError reports a backup checksum mismatch detected before any
// decryption was attempted.
type IntegrityError struct {
	Expected string
	Actual   string
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("integrity check failed: expected checksum %s, got %s", e.Expected, e.Actual)
}

// RotationFailure reports a rotation operation that ended FAILED.
type RotationFailure struct {
	OperationID string
	Errs        []string
}

func (e *RotationFailure) Error() string {
	return fmt.Sprintf("rotation %s failed with %d errors", e.OperationID, len(e.Errs))
}

// StorageError wraps failures from the credential or artifact store.
type StorageError struct {
	Op    string
	Cause error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage failure in %s: %v", e.Op, e.Cause)
}

func (e *StorageError) Unwrap() error { return e.Cause }

// RateLimited reports a locked-out identifier and when the lockout lifts.
type RateLimited struct {
	ID          string
	LockedUntil time.Time
}

func (e *RateLimited) Error() string {
	return fmt.Sprintf("rate limited until %s", e.LockedUntil.UTC().Format(time.RFC3339))
}

// IsDecryptionError reports whether err is (or wraps) a DecryptionError.
func IsDecryptionError(err error) bool {
	var de *DecryptionError
	return errors.As(err, &de)
}

// IsIntegrityError reports whether err is (or wraps) an IntegrityError.
func IsIntegrityError(err error) bool {
	var ie *IntegrityError
	return errors.As(err, &ie)
}

// IsRateLimited reports whether err is (or wraps) a RateLimited error.
func IsRateLimited(err error) bool {
	var rl *RateLimited
	return errors.As(err, &rl)
}
