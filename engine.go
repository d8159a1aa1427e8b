package hivevault

import (
	"crypto/sha256"
	"fmt"
	"io"
	"sync"
	"time"

	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/pbkdf2"
	"golang.org/x/crypto/scrypt"

	"github.com/lancejames221b/hivevault/internal/crypto"
	"github.com/lancejames221b/hivevault/internal/mem"
	"github.com/lancejames221b/hivevault/internal/misc"
)

// kdfParams carries the cost parameters for one derivation.
type kdfParams struct {
	iterations int // PBKDF2
	n, r, p    int // scrypt
}

// levelParams maps a SecurityLevel onto KDF, cost, and salt length.
func levelParams(level SecurityLevel) (KDF, kdfParams, int, error) {
	switch level {
	case SecurityStandard:
		return KDFPBKDF2, kdfParams{iterations: misc.PBKDF2Iterations}, misc.SaltSizeStandard, nil
	case SecurityHigh:
		return KDFScrypt, kdfParams{n: misc.ScryptNHigh, r: misc.ScryptR, p: misc.ScryptPHigh}, misc.SaltSizeHigh, nil
	case SecurityMaximum:
		return KDFScrypt, kdfParams{n: misc.ScryptNMaximum, r: misc.ScryptR, p: misc.ScryptPMaximum}, misc.SaltSizeHigh, nil
	default:
		return 0, kdfParams{}, 0, &ValidationError{Field: "security_level", Reason: "unknown security level"}
	}
}

// cachedKey is one KDF cache entry. The key slice is wiped on eviction.
type cachedKey struct {
	key       []byte
	expiresAt time.Time
}

// EncryptionEngine performs password-derived authenticated encryption.
//
// SECURITY FEATURES:
//   - Every Encrypt call draws a fresh random salt and nonce; a nonce is
//     never reused for a given derived key.
//   - The security level fixes the KDF and its cost: PBKDF2-SHA256 with
//     100,000 iterations at STANDARD, scrypt N=2^15,r=8,p=1 at HIGH,
//     scrypt N=2^16,r=8,p=2 at MAXIMUM. Salts are 32 bytes at HIGH and
//     above, 16 bytes at STANDARD.
//   - Decrypt re-derives the key from the blob's own salt and KDF and fails
//     with DecryptionError on any tag mismatch. No partial plaintext is
//     ever returned.
//   - Derived keys may be cached for a short TTL to amortize KDF cost on
//     repeated access. Cache keys are SHA-256(password)|salt|kdf|cost; the
//     raw password is never stored. The rotation-completion transition
//     invalidates the cache.
//
// Thread Safety: all methods are safe for concurrent use.
type EncryptionEngine struct {
	level   SecurityLevel
	timing  *TimingAttackProtection
	current *CurrentVersionHandle

	cacheMu  sync.Mutex
	cache    map[string]*cachedKey
	cacheTTL time.Duration

	batchWorkers int
}

const (
	defaultCacheTTL     = 5 * time.Minute
	defaultBatchWorkers = 4

	// maxCacheEntries bounds the KDF cache. Encrypt inserts one entry per
	// fresh salt, so without a cap the map would grow until the next
	// rotation invalidates it.
	maxCacheEntries = 256
)

// NewEncryptionEngine creates an engine at the given level. timing may be
// nil to disable latency padding; current may be nil for engines that only
// serve password-derived encryption outside a vault (version 0 is stamped).
func NewEncryptionEngine(level SecurityLevel, timing *TimingAttackProtection, current *CurrentVersionHandle) (*EncryptionEngine, error) {
	if _, _, _, err := levelParams(level); err != nil {
		return nil, err
	}
	return &EncryptionEngine{
		level:        level,
		timing:       timing,
		current:      current,
		cache:        make(map[string]*cachedKey),
		cacheTTL:     defaultCacheTTL,
		batchWorkers: defaultBatchWorkers,
	}, nil
}

// DeriveKey stretches password into a 32-byte key using the given KDF and
// cost. HKDF is rejected here: it provides no stretching and must never be
// applied to a raw password.
func (e *EncryptionEngine) DeriveKey(password, salt []byte, kdf KDF, params kdfParams) ([]byte, error) {
	if len(password) == 0 {
		return nil, &ValidationError{Field: "password", Reason: "password cannot be empty"}
	}
	if len(salt) == 0 {
		return nil, &ValidationError{Field: "salt", Reason: "salt cannot be empty"}
	}

	if key := e.cacheGet(password, salt, kdf, params); key != nil {
		return key, nil
	}

	var key []byte
	var err error
	switch kdf {
	case KDFScrypt:
		key, err = scrypt.Key(password, salt, params.n, params.r, params.p, misc.KeySize)
		if err != nil {
			return nil, fmt.Errorf("scrypt derivation failed: %w", err)
		}
	case KDFPBKDF2:
		key = pbkdf2.Key(password, salt, params.iterations, misc.KeySize, sha256.New)
	case KDFHKDF:
		return nil, &ValidationError{Field: "kdf", Reason: "HKDF is not a password KDF"}
	default:
		return nil, &ValidationError{Field: "kdf", Reason: fmt.Sprintf("unsupported KDF %d", uint8(kdf))}
	}

	e.cachePut(password, salt, kdf, params, key)
	return key, nil
}

// DeriveSubkey stretches an existing high-entropy secret with HKDF-SHA256.
// Used for per-record keys under a master key, never for passwords.
func DeriveSubkey(secret, salt []byte, info string) ([]byte, error) {
	if len(secret) < misc.KeySize {
		return nil, &ValidationError{Field: "secret", Reason: "secret too short for subkey derivation"}
	}

	key := make([]byte, misc.KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, salt, []byte(info)), key); err != nil {
		return nil, fmt.Errorf("hkdf derivation failed: %w", err)
	}
	return key, nil
}

// Encrypt seals plaintext under a password-derived key. The blob records
// the currently active key version so rotation can find it later.
func (e *EncryptionEngine) Encrypt(plaintext, password []byte, algorithm Algorithm) (*EncryptedBlob, error) {
	kdf, params, saltSize, err := levelParams(e.level)
	if err != nil {
		return nil, err
	}
	nonceSize, err := algorithm.NonceSize()
	if err != nil {
		return nil, err
	}

	salt, err := crypto.RandomBytes(saltSize)
	if err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}
	nonce, err := crypto.RandomBytes(nonceSize)
	if err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	key, err := e.DeriveKey(password, salt, kdf, params)
	if err != nil {
		return nil, err
	}
	defer mem.Overwrite(key, 0x00)

	aead, err := algorithm.aead(key)
	if err != nil {
		return nil, err
	}

	sealed := aead.Seal(nil, nonce, plaintext, nil)

	version := 0
	if e.current != nil {
		version = e.current.Version()
	}

	return &EncryptedBlob{
		Ciphertext: sealed[:len(sealed)-misc.TagSize],
		Algorithm:  algorithm,
		KDF:        kdf,
		Salt:       salt,
		Nonce:      nonce,
		Tag:        sealed[len(sealed)-misc.TagSize:],
		KeyVersion: version,
		CreatedAt:  time.Now().UTC(),
	}, nil
}

// Decrypt re-derives the key from the blob's salt and opens the AEAD.
// Wrong password and tampered ciphertext are indistinguishable: both
// surface as DecryptionError, latency-padded when timing protection is
// configured.
func (e *EncryptionEngine) Decrypt(blob *EncryptedBlob, password []byte) ([]byte, error) {
	if blob == nil {
		return nil, &ValidationError{Field: "blob", Reason: "blob cannot be nil"}
	}

	op := func() ([]byte, error) {
		return e.decrypt(blob, password)
	}
	if e.timing != nil {
		return e.timing.ProtectedOperation(op)
	}
	return op()
}

func (e *EncryptionEngine) decrypt(blob *EncryptedBlob, password []byte) ([]byte, error) {
	if e.current != nil && blob.KeyVersion != 0 {
		if !e.current.KnownVersion(blob.KeyVersion) {
			return nil, &DecryptionError{Cause: fmt.Errorf("unknown key version %d", blob.KeyVersion)}
		}
	}

	params, err := e.paramsForKDF(blob.KDF)
	if err != nil {
		return nil, err
	}
	key, err := e.DeriveKey(password, blob.Salt, blob.KDF, params)
	if err != nil {
		return nil, err
	}
	defer mem.Overwrite(key, 0x00)

	aead, err := blob.Algorithm.aead(key)
	if err != nil {
		return nil, err
	}

	plaintext, err := aead.Open(nil, blob.Nonce, blob.sealed(), nil)
	if err != nil {
		return nil, &DecryptionError{Cause: err}
	}
	return plaintext, nil
}

// paramsForKDF reconstructs cost parameters for decryption. The blob's KDF
// together with the engine level determines the cost the blob was created
// with; STANDARD blobs decrypt on HIGH engines and vice versa because the
// KDF byte in the blob is authoritative.
func (e *EncryptionEngine) paramsForKDF(kdf KDF) (kdfParams, error) {
	switch kdf {
	case KDFPBKDF2:
		return kdfParams{iterations: misc.PBKDF2Iterations}, nil
	case KDFScrypt:
		if e.level >= SecurityMaximum {
			return kdfParams{n: misc.ScryptNMaximum, r: misc.ScryptR, p: misc.ScryptPMaximum}, nil
		}
		return kdfParams{n: misc.ScryptNHigh, r: misc.ScryptR, p: misc.ScryptPHigh}, nil
	case KDFHKDF:
		return kdfParams{}, &ValidationError{Field: "kdf", Reason: "HKDF blobs are key-wrapped, not password-derived"}
	default:
		return kdfParams{}, &ValidationError{Field: "kdf", Reason: fmt.Sprintf("unsupported KDF %d", uint8(kdf))}
	}
}

// BatchItem is one input to a batch operation.
type BatchItem struct {
	ID   string
	Data []byte
}

// BatchEncryptResult pairs one item's outcome with its ID. Err is set when
// the item failed; failed items carry no blob.
type BatchEncryptResult struct {
	ID   string
	Blob *EncryptedBlob
	Err  error
}

// BatchDecryptResult pairs one decrypted item with its ID.
type BatchDecryptResult struct {
	ID        string
	Plaintext []byte
	Err       error
}

// BatchEncrypt seals items concurrently with a bounded worker pool.
// Per-item failures are isolated; the batch itself never aborts.
func (e *EncryptionEngine) BatchEncrypt(items []BatchItem, password []byte, algorithm Algorithm) []BatchEncryptResult {
	results := make([]BatchEncryptResult, len(items))
	e.fanOut(len(items), func(i int) {
		blob, err := e.Encrypt(items[i].Data, password, algorithm)
		results[i] = BatchEncryptResult{ID: items[i].ID, Blob: blob, Err: err}
	})
	return results
}

// BatchDecrypt opens blobs concurrently. Per-item failures are isolated.
func (e *EncryptionEngine) BatchDecrypt(blobs map[string]*EncryptedBlob, password []byte) []BatchDecryptResult {
	ids := make([]string, 0, len(blobs))
	for id := range blobs {
		ids = append(ids, id)
	}

	results := make([]BatchDecryptResult, len(ids))
	e.fanOut(len(ids), func(i int) {
		plaintext, err := e.Decrypt(blobs[ids[i]], password)
		results[i] = BatchDecryptResult{ID: ids[i], Plaintext: plaintext, Err: err}
	})
	return results
}

// fanOut runs fn(i) for i in [0,n) across a bounded worker pool.
func (e *EncryptionEngine) fanOut(n int, fn func(i int)) {
	workers := e.batchWorkers
	if workers > n {
		workers = n
	}
	if workers <= 1 {
		for i := 0; i < n; i++ {
			fn(i)
		}
		return
	}

	indices := make(chan int)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range indices {
				fn(i)
			}
		}()
	}
	for i := 0; i < n; i++ {
		indices <- i
	}
	close(indices)
	wg.Wait()
}

// sealWithKey encrypts a credential record under a master key version. A
// per-record subkey is derived with HKDF and a fresh salt so records never
// share an AEAD key, making random nonces safe at any record count.
func (e *EncryptionEngine) sealWithKey(masterKey, plaintext []byte, version int, algorithm Algorithm) (*EncryptedBlob, error) {
	nonceSize, err := algorithm.NonceSize()
	if err != nil {
		return nil, err
	}

	salt, err := crypto.RandomBytes(misc.SaltSizeHigh)
	if err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}
	nonce, err := crypto.RandomBytes(nonceSize)
	if err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	key, err := DeriveSubkey(masterKey, salt, "credential-record")
	if err != nil {
		return nil, err
	}
	defer mem.Overwrite(key, 0x00)

	aead, err := algorithm.aead(key)
	if err != nil {
		return nil, err
	}
	sealed := aead.Seal(nil, nonce, plaintext, nil)

	return &EncryptedBlob{
		Ciphertext: sealed[:len(sealed)-misc.TagSize],
		Algorithm:  algorithm,
		KDF:        KDFHKDF,
		Salt:       salt,
		Nonce:      nonce,
		Tag:        sealed[len(sealed)-misc.TagSize:],
		KeyVersion: version,
		CreatedAt:  time.Now().UTC(),
	}, nil
}

// openWithKey decrypts a record blob under a master key version.
func (e *EncryptionEngine) openWithKey(masterKey []byte, blob *EncryptedBlob) ([]byte, error) {
	if blob.KDF != KDFHKDF {
		return nil, &ValidationError{Field: "kdf", Reason: "record blob must be HKDF-wrapped"}
	}

	key, err := DeriveSubkey(masterKey, blob.Salt, "credential-record")
	if err != nil {
		return nil, err
	}
	defer mem.Overwrite(key, 0x00)

	aead, err := blob.Algorithm.aead(key)
	if err != nil {
		return nil, err
	}

	plaintext, err := aead.Open(nil, blob.Nonce, blob.sealed(), nil)
	if err != nil {
		return nil, &DecryptionError{Cause: err}
	}
	return plaintext, nil
}

// KDF CACHE

func cacheKey(password, salt []byte, kdf KDF, params kdfParams) string {
	h := sha256.New()
	h.Write(password)
	h.Write([]byte{0})
	h.Write(salt)
	h.Write([]byte{0, byte(kdf)})
	fmt.Fprintf(h, "%d|%d|%d|%d", params.iterations, params.n, params.r, params.p)
	return string(h.Sum(nil))
}

func (e *EncryptionEngine) cacheGet(password, salt []byte, kdf KDF, params kdfParams) []byte {
	e.cacheMu.Lock()
	defer e.cacheMu.Unlock()

	ck := cacheKey(password, salt, kdf, params)
	entry, ok := e.cache[ck]
	if !ok {
		return nil
	}
	if time.Now().After(entry.expiresAt) {
		// Expired entries are dead key material; wipe on discovery
		// rather than leaving them resident until the next rotation.
		mem.Overwrite(entry.key, 0x00)
		delete(e.cache, ck)
		return nil
	}
	out := make([]byte, len(entry.key))
	copy(out, entry.key)
	return out
}

func (e *EncryptionEngine) cachePut(password, salt []byte, kdf KDF, params kdfParams, key []byte) {
	stored := make([]byte, len(key))
	copy(stored, key)

	e.cacheMu.Lock()
	defer e.cacheMu.Unlock()

	ck := cacheKey(password, salt, kdf, params)
	if existing, ok := e.cache[ck]; ok {
		mem.Overwrite(existing.key, 0x00)
	} else if len(e.cache) >= maxCacheEntries {
		e.evictLocked()
	}
	e.cache[ck] = &cachedKey{
		key:       stored,
		expiresAt: time.Now().Add(e.cacheTTL),
	}
}

// evictLocked makes room for one insertion: expired entries first, then the
// entry closest to expiry. Caller holds cacheMu.
func (e *EncryptionEngine) evictLocked() {
	now := time.Now()
	var oldestKey string
	var oldestAt time.Time
	for k, entry := range e.cache {
		if now.After(entry.expiresAt) {
			mem.Overwrite(entry.key, 0x00)
			delete(e.cache, k)
			continue
		}
		if oldestKey == "" || entry.expiresAt.Before(oldestAt) {
			oldestKey, oldestAt = k, entry.expiresAt
		}
	}
	if len(e.cache) >= maxCacheEntries && oldestKey != "" {
		mem.Overwrite(e.cache[oldestKey].key, 0x00)
		delete(e.cache, oldestKey)
	}
}

// InvalidateKeyCache wipes and drops every cached derived key. Called by
// the rotation-completion transition.
func (e *EncryptionEngine) InvalidateKeyCache() {
	e.cacheMu.Lock()
	defer e.cacheMu.Unlock()
	for k, entry := range e.cache {
		mem.Overwrite(entry.key, 0x00)
		delete(e.cache, k)
	}
}
