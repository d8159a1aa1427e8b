package hivevault

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/awnumar/memguard"

	"github.com/lancejames221b/hivevault/internal/crypto"
	"github.com/lancejames221b/hivevault/internal/misc"
)

// KeyVersionStatus is the lifecycle state of one key generation.
// PENDING -> ACTIVE -> {RETIRED | COMPROMISED}.
type KeyVersionStatus string

const (
	KeyStatusPending     KeyVersionStatus = "PENDING"
	KeyStatusActive      KeyVersionStatus = "ACTIVE"
	KeyStatusRetired     KeyVersionStatus = "RETIRED"
	KeyStatusCompromised KeyVersionStatus = "COMPROMISED"
)

// KeyVersion is one generation of the credential master key. Key material
// lives in a memguard enclave and never appears in the exported fields;
// KeyHash is a SHA-256 of the material for identification only.
//
// INVARIANTS:
//   - Version numbers increase monotonically and are never reused.
//   - Exactly one version is ACTIVE at any time.
type KeyVersion struct {
	Version                   int              `json:"version"`
	KeyHash                   string           `json:"key_hash"`
	Algorithm                 Algorithm        `json:"algorithm"`
	CreatedAt                 time.Time        `json:"created_at"`
	ActivatedAt               *time.Time       `json:"activated_at,omitempty"`
	RetiredAt                 *time.Time       `json:"retired_at,omitempty"`
	Status                    KeyVersionStatus `json:"status"`
	CreatedBy                 string           `json:"created_by"`
	RotationTrigger           RotationTrigger  `json:"rotation_trigger,omitempty"`
	CredentialsEncryptedCount int              `json:"credentials_encrypted_count"`

	material *memguard.Enclave
}

// keyRegistry owns every KeyVersion and the current-version pointer. The
// pointer moves only through promote, which is called exclusively by the
// rotation-completion transition.
type keyRegistry struct {
	mu       sync.RWMutex
	versions map[int]*KeyVersion
	next     int
	current  int
}

func newKeyRegistry() *keyRegistry {
	return &keyRegistry{
		versions: make(map[int]*KeyVersion),
		next:     1,
	}
}

// createVersion generates fresh key material and registers it PENDING.
func (r *keyRegistry) createVersion(initiator string, trigger RotationTrigger, algorithm Algorithm) (*KeyVersion, error) {
	key, err := crypto.RandomBytes(misc.KeySize)
	if err != nil {
		return nil, fmt.Errorf("failed to generate key material: %w", err)
	}
	if crypto.IsWeakKey(key) {
		return nil, fmt.Errorf("generated key failed entropy check")
	}

	hash := sha256.Sum256(key)

	r.mu.Lock()
	defer r.mu.Unlock()

	version := &KeyVersion{
		Version:         r.next,
		KeyHash:         hex.EncodeToString(hash[:]),
		Algorithm:       algorithm,
		CreatedAt:       time.Now().UTC(),
		Status:          KeyStatusPending,
		CreatedBy:       initiator,
		RotationTrigger: trigger,
		// NewEnclave wipes the source slice.
		material: memguard.NewEnclave(key),
	}
	r.versions[r.next] = version
	r.next++
	return snapshot(version), nil
}

// activateInitial promotes the given PENDING version as the first ACTIVE
// version. Only valid when no version is active yet.
func (r *keyRegistry) activateInitial(version int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.current != 0 {
		return fmt.Errorf("registry already has an active version")
	}
	kv, ok := r.versions[version]
	if !ok {
		return &ValidationError{Field: "key_version", Reason: fmt.Sprintf("unknown key version %d", version)}
	}
	if kv.Status != KeyStatusPending {
		return fmt.Errorf("key version %d is %s, expected PENDING", version, kv.Status)
	}

	now := time.Now().UTC()
	kv.Status = KeyStatusActive
	kv.ActivatedAt = &now
	r.current = version
	return nil
}

// promote atomically activates newVersion and retires oldVersion, moving
// the current pointer. This is the only transition that changes which
// version is ACTIVE after initialization, so the exactly-one-ACTIVE
// invariant holds at every observable instant.
func (r *keyRegistry) promote(oldVersion, newVersion int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	oldKV, ok := r.versions[oldVersion]
	if !ok {
		return &ValidationError{Field: "key_version", Reason: fmt.Sprintf("unknown key version %d", oldVersion)}
	}
	newKV, ok := r.versions[newVersion]
	if !ok {
		return &ValidationError{Field: "key_version", Reason: fmt.Sprintf("unknown key version %d", newVersion)}
	}
	if r.current != oldVersion {
		return fmt.Errorf("key version %d is no longer current", oldVersion)
	}
	if newKV.Status != KeyStatusPending {
		return fmt.Errorf("key version %d is %s, expected PENDING", newVersion, newKV.Status)
	}

	now := time.Now().UTC()
	newKV.Status = KeyStatusActive
	newKV.ActivatedAt = &now
	if oldKV.Status == KeyStatusActive {
		// A COMPROMISED version stays COMPROMISED; only a healthy active
		// version retires.
		oldKV.Status = KeyStatusRetired
	}
	oldKV.RetiredAt = &now
	r.current = newVersion
	return nil
}

// markCompromised flags a version without moving the current pointer. An
// emergency rotation follows to actually replace it.
func (r *keyRegistry) markCompromised(version int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	kv, ok := r.versions[version]
	if !ok {
		return &ValidationError{Field: "key_version", Reason: fmt.Sprintf("unknown key version %d", version)}
	}
	kv.Status = KeyStatusCompromised
	return nil
}

func (r *keyRegistry) currentVersion() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.current
}

func (r *keyRegistry) get(version int) (*KeyVersion, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	kv, ok := r.versions[version]
	if !ok {
		return nil, &ValidationError{Field: "key_version", Reason: fmt.Sprintf("unknown key version %d", version)}
	}
	return snapshot(kv), nil
}

func (r *keyRegistry) list() []KeyVersion {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]KeyVersion, 0, len(r.versions))
	for v := 1; v < r.next; v++ {
		if kv, ok := r.versions[v]; ok {
			out = append(out, *snapshot(kv))
		}
	}
	return out
}

// addEncryptedCount bumps the usage counter for a version.
func (r *keyRegistry) addEncryptedCount(version, delta int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if kv, ok := r.versions[version]; ok {
		kv.CredentialsEncryptedCount += delta
		if kv.CredentialsEncryptedCount < 0 {
			kv.CredentialsEncryptedCount = 0
		}
	}
}

// withKey opens the version's enclave and hands the raw key to fn. The
// decrypted buffer is destroyed before withKey returns, on every path.
func (r *keyRegistry) withKey(version int, fn func(key []byte) error) error {
	r.mu.RLock()
	kv, ok := r.versions[version]
	r.mu.RUnlock()
	if !ok {
		return &ValidationError{Field: "key_version", Reason: fmt.Sprintf("unknown key version %d", version)}
	}

	buffer, err := kv.material.Open()
	if err != nil {
		return fmt.Errorf("failed to open key enclave: %w", err)
	}
	defer buffer.Destroy()

	return fn(buffer.Bytes())
}

// destroy wipes all key material. Called on vault shutdown.
func (r *keyRegistry) destroy() {
	r.mu.Lock()
	defer r.mu.Unlock()
	// Enclaves hold their own ciphertext; dropping the references is
	// sufficient, the canary-protected pages are purged by memguard.
	r.versions = make(map[int]*KeyVersion)
	r.current = 0
}

func snapshot(kv *KeyVersion) *KeyVersion {
	copied := *kv
	return &copied
}

// CurrentVersionHandle is the read-only view of the current key version
// that the rotation manager hands to the encryption engine. The handle
// always reflects the registry's pointer; it can observe transitions but
// never cause them.
type CurrentVersionHandle struct {
	registry *keyRegistry
}

// Version returns the currently active key version number.
func (h *CurrentVersionHandle) Version() int {
	return h.registry.currentVersion()
}

// WithKey runs fn with the raw key bytes of the currently active version.
// The key is wiped before WithKey returns.
func (h *CurrentVersionHandle) WithKey(fn func(key []byte) error) error {
	return h.registry.withKey(h.registry.currentVersion(), fn)
}

// KnownVersion reports whether the registry has a record for version.
func (h *CurrentVersionHandle) KnownVersion(version int) bool {
	_, err := h.registry.get(version)
	return err == nil
}
