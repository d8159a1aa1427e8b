package hivevault

import (
	"bytes"
	"fmt"
	"testing"
	"time"
)

func newTestEngine(t *testing.T, level SecurityLevel) *EncryptionEngine {
	t.Helper()
	engine, err := NewEncryptionEngine(level, nil, nil)
	if err != nil {
		t.Fatalf("Failed to create engine: %v", err)
	}
	return engine
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	engine := newTestEngine(t, SecurityStandard)
	password := []byte("correct horse battery staple")

	testCases := [][]byte{
		[]byte("Hello, World!"),
		[]byte("Special chars: !@#$%^&*()_+{}|"),
		[]byte("Unicode: こんにちは"),
		make([]byte, 10241), // Large data > 10KB
	}

	for _, algorithm := range []Algorithm{AlgorithmAESGCM, AlgorithmChaCha20Poly1305} {
		for i, tc := range testCases {
			t.Run(fmt.Sprintf("%s_Case_%d", algorithm, i), func(t *testing.T) {
				blob, err := engine.Encrypt(tc, password, algorithm)
				if err != nil {
					t.Fatalf("Failed to encrypt: %v", err)
				}
				if bytes.Equal(blob.Ciphertext, tc) {
					t.Fatal("Ciphertext equals plaintext")
				}

				plaintext, err := engine.Decrypt(blob, password)
				if err != nil {
					t.Fatalf("Failed to decrypt: %v", err)
				}
				if !bytes.Equal(plaintext, tc) {
					t.Fatal("Round trip mismatch")
				}
			})
		}
	}
}

func TestDecryptWrongPassword(t *testing.T) {
	engine := newTestEngine(t, SecurityStandard)

	blob, err := engine.Encrypt([]byte("secret"), []byte("password-one"), AlgorithmAESGCM)
	if err != nil {
		t.Fatalf("Failed to encrypt: %v", err)
	}

	_, err = engine.Decrypt(blob, []byte("password-two"))
	if err == nil {
		t.Fatal("Expected error for wrong password")
	}
	if !IsDecryptionError(err) {
		t.Fatalf("Expected DecryptionError, got %T: %v", err, err)
	}
}

func TestDecryptTamperedBlob(t *testing.T) {
	engine := newTestEngine(t, SecurityStandard)
	password := []byte("tamper-test-password")

	sections := []struct {
		name   string
		mutate func(*EncryptedBlob)
	}{
		{"Ciphertext", func(b *EncryptedBlob) { b.Ciphertext[0] ^= 0x01 }},
		{"Tag", func(b *EncryptedBlob) { b.Tag[0] ^= 0x01 }},
		{"Nonce", func(b *EncryptedBlob) { b.Nonce[0] ^= 0x01 }},
		{"Salt", func(b *EncryptedBlob) { b.Salt[0] ^= 0x01 }},
	}

	for _, section := range sections {
		t.Run(section.name, func(t *testing.T) {
			blob, err := engine.Encrypt([]byte("integrity matters"), password, AlgorithmAESGCM)
			if err != nil {
				t.Fatalf("Failed to encrypt: %v", err)
			}

			section.mutate(blob)

			plaintext, err := engine.Decrypt(blob, password)
			if err == nil {
				t.Fatal("Expected error for tampered blob")
			}
			if plaintext != nil {
				t.Fatal("Partial plaintext returned for tampered blob")
			}
			if !IsDecryptionError(err) {
				t.Fatalf("Expected DecryptionError, got %T: %v", err, err)
			}
		})
	}
}

func TestHighSecurityLevelParameters(t *testing.T) {
	engine := newTestEngine(t, SecurityHigh)

	blob, err := engine.Encrypt([]byte("sized correctly"), []byte("a password"), AlgorithmAESGCM)
	if err != nil {
		t.Fatalf("Failed to encrypt: %v", err)
	}

	if len(blob.Salt) != 32 {
		t.Errorf("Expected 32-byte salt at HIGH, got %d", len(blob.Salt))
	}
	if len(blob.Nonce) != 12 {
		t.Errorf("Expected 12-byte nonce for AES-GCM, got %d", len(blob.Nonce))
	}
	if len(blob.Tag) != 16 {
		t.Errorf("Expected 16-byte tag, got %d", len(blob.Tag))
	}
	if blob.KDF != KDFScrypt {
		t.Errorf("Expected scrypt at HIGH, got %d", blob.KDF)
	}
}

func TestFreshSaltAndNoncePerCall(t *testing.T) {
	engine := newTestEngine(t, SecurityStandard)
	password := []byte("same password")
	plaintext := []byte("same plaintext")

	first, err := engine.Encrypt(plaintext, password, AlgorithmAESGCM)
	if err != nil {
		t.Fatalf("Failed to encrypt: %v", err)
	}
	second, err := engine.Encrypt(plaintext, password, AlgorithmAESGCM)
	if err != nil {
		t.Fatalf("Failed to encrypt: %v", err)
	}

	if bytes.Equal(first.Salt, second.Salt) {
		t.Error("Salt reused across calls")
	}
	if bytes.Equal(first.Nonce, second.Nonce) {
		t.Error("Nonce reused across calls")
	}
	if bytes.Equal(first.Ciphertext, second.Ciphertext) {
		t.Error("Identical ciphertext across calls")
	}
}

func TestDeriveKeyRejectsHKDF(t *testing.T) {
	engine := newTestEngine(t, SecurityStandard)

	_, err := engine.DeriveKey([]byte("password"), []byte("salt-salt-salt-16"), KDFHKDF, kdfParams{})
	if err == nil {
		t.Fatal("Expected HKDF to be rejected as a password KDF")
	}
}

func TestDeriveKeyEmptyInputs(t *testing.T) {
	engine := newTestEngine(t, SecurityStandard)

	if _, err := engine.DeriveKey(nil, []byte("salt"), KDFPBKDF2, kdfParams{iterations: 1000}); err == nil {
		t.Fatal("Expected error for empty password")
	}
	if _, err := engine.DeriveKey([]byte("password"), nil, KDFPBKDF2, kdfParams{iterations: 1000}); err == nil {
		t.Fatal("Expected error for empty salt")
	}
}

func TestDeriveSubkeyDeterministic(t *testing.T) {
	secret := make([]byte, 32)
	for i := range secret {
		secret[i] = byte(i)
	}
	salt := []byte("subkey-derivation-salt-32-bytes!")

	first, err := DeriveSubkey(secret, salt, "credential-record")
	if err != nil {
		t.Fatalf("Failed to derive subkey: %v", err)
	}
	second, err := DeriveSubkey(secret, salt, "credential-record")
	if err != nil {
		t.Fatalf("Failed to derive subkey: %v", err)
	}
	if !bytes.Equal(first, second) {
		t.Fatal("Subkey derivation is not deterministic")
	}

	other, err := DeriveSubkey(secret, salt, "different-context")
	if err != nil {
		t.Fatalf("Failed to derive subkey: %v", err)
	}
	if bytes.Equal(first, other) {
		t.Fatal("Different info strings produced the same subkey")
	}

	if _, err := DeriveSubkey(secret[:16], salt, "credential-record"); err == nil {
		t.Fatal("Expected error for short secret")
	}
}

func TestKDFCacheRoundTrip(t *testing.T) {
	engine := newTestEngine(t, SecurityStandard)
	password := []byte("cached password")
	salt := []byte("fixed-salt-16byt")
	params := kdfParams{iterations: 1000}

	first, err := engine.DeriveKey(password, salt, KDFPBKDF2, params)
	if err != nil {
		t.Fatalf("Failed to derive: %v", err)
	}
	second, err := engine.DeriveKey(password, salt, KDFPBKDF2, params)
	if err != nil {
		t.Fatalf("Failed to derive: %v", err)
	}
	if !bytes.Equal(first, second) {
		t.Fatal("Cache returned a different key")
	}

	// Mutating a returned key must not poison the cache.
	second[0] ^= 0xFF
	third, err := engine.DeriveKey(password, salt, KDFPBKDF2, params)
	if err != nil {
		t.Fatalf("Failed to derive: %v", err)
	}
	if !bytes.Equal(first, third) {
		t.Fatal("Cache entry was mutated through a returned copy")
	}

	engine.InvalidateKeyCache()
	fourth, err := engine.DeriveKey(password, salt, KDFPBKDF2, params)
	if err != nil {
		t.Fatalf("Failed to derive after invalidation: %v", err)
	}
	if !bytes.Equal(first, fourth) {
		t.Fatal("Re-derivation after invalidation diverged")
	}
}

// An expired entry is dead key material: the lookup that discovers it must
// wipe it and drop it from the map, not just decline the hit.
func TestKDFCacheExpiredEntryWiped(t *testing.T) {
	engine := newTestEngine(t, SecurityStandard)
	engine.cacheTTL = 10 * time.Millisecond
	password := []byte("short lived")
	salt := []byte("fixed-salt-16byt")
	params := kdfParams{iterations: 1000}

	if _, err := engine.DeriveKey(password, salt, KDFPBKDF2, params); err != nil {
		t.Fatalf("Failed to derive: %v", err)
	}

	engine.cacheMu.Lock()
	if len(engine.cache) != 1 {
		engine.cacheMu.Unlock()
		t.Fatalf("Expected 1 cached entry, got %d", len(engine.cache))
	}
	var retained []byte
	for _, entry := range engine.cache {
		retained = entry.key
	}
	engine.cacheMu.Unlock()

	time.Sleep(20 * time.Millisecond)

	if key := engine.cacheGet(password, salt, KDFPBKDF2, params); key != nil {
		t.Fatal("Expired entry served from cache")
	}
	engine.cacheMu.Lock()
	size := len(engine.cache)
	engine.cacheMu.Unlock()
	if size != 0 {
		t.Fatalf("Expired entry retained in cache, size %d", size)
	}
	if !bytes.Equal(retained, make([]byte, len(retained))) {
		t.Fatal("Expired entry's key material was not wiped")
	}
}

// Encrypt inserts one never-hittable entry per fresh salt, so the cache
// must stay bounded without waiting for a rotation to invalidate it.
func TestKDFCacheBounded(t *testing.T) {
	engine := newTestEngine(t, SecurityStandard)
	password := []byte("bounded")
	params := kdfParams{iterations: 1000}
	key := make([]byte, 32)

	for i := 0; i < maxCacheEntries+50; i++ {
		salt := []byte(fmt.Sprintf("salt-%04d-padding", i))
		engine.cachePut(password, salt, KDFPBKDF2, params, key)
	}

	engine.cacheMu.Lock()
	size := len(engine.cache)
	engine.cacheMu.Unlock()
	if size > maxCacheEntries {
		t.Fatalf("Cache grew to %d entries, cap is %d", size, maxCacheEntries)
	}
}

func TestKDFCacheOverwriteWipesDisplacedKey(t *testing.T) {
	engine := newTestEngine(t, SecurityStandard)
	password := []byte("displaced")
	salt := []byte("fixed-salt-16byt")
	params := kdfParams{iterations: 1000}

	engine.cachePut(password, salt, KDFPBKDF2, params, []byte("first-key-material-32-bytes-long"))

	engine.cacheMu.Lock()
	var displaced []byte
	for _, entry := range engine.cache {
		displaced = entry.key
	}
	engine.cacheMu.Unlock()

	engine.cachePut(password, salt, KDFPBKDF2, params, []byte("second-key-material-32-byteslong"))

	if !bytes.Equal(displaced, make([]byte, len(displaced))) {
		t.Fatal("Displaced cache entry's key material was not wiped")
	}
}

func TestBatchEncryptDecrypt(t *testing.T) {
	engine := newTestEngine(t, SecurityStandard)
	password := []byte("batch password")

	items := []BatchItem{
		{ID: "a", Data: []byte("alpha")},
		{ID: "b", Data: []byte("bravo")},
		{ID: "c", Data: []byte("charlie")},
	}

	encrypted := engine.BatchEncrypt(items, password, AlgorithmAESGCM)
	if len(encrypted) != len(items) {
		t.Fatalf("Expected %d results, got %d", len(items), len(encrypted))
	}

	blobs := make(map[string]*EncryptedBlob, len(encrypted))
	for _, result := range encrypted {
		if result.Err != nil {
			t.Fatalf("Item %s failed: %v", result.ID, result.Err)
		}
		blobs[result.ID] = result.Blob
	}

	// Corrupt one item; the others must still decrypt.
	blobs["b"].Tag[0] ^= 0x01

	decrypted := engine.BatchDecrypt(blobs, password)
	byID := make(map[string]BatchDecryptResult, len(decrypted))
	for _, result := range decrypted {
		byID[result.ID] = result
	}

	if byID["b"].Err == nil {
		t.Fatal("Expected corrupted item to fail")
	}
	if byID["a"].Err != nil || byID["c"].Err != nil {
		t.Fatal("Corruption of one item affected others")
	}
	if !bytes.Equal(byID["a"].Plaintext, []byte("alpha")) {
		t.Fatal("Batch decrypt returned wrong plaintext")
	}
}

func TestSealOpenWithKey(t *testing.T) {
	engine := newTestEngine(t, SecurityHigh)
	masterKey := make([]byte, 32)
	for i := range masterKey {
		masterKey[i] = byte(i * 3)
	}

	blob, err := engine.sealWithKey(masterKey, []byte("record payload"), 7, AlgorithmAESGCM)
	if err != nil {
		t.Fatalf("Failed to seal: %v", err)
	}
	if blob.KDF != KDFHKDF {
		t.Fatalf("Record blob should be HKDF-wrapped, got %d", blob.KDF)
	}
	if blob.KeyVersion != 7 {
		t.Fatalf("Expected key version 7, got %d", blob.KeyVersion)
	}

	plaintext, err := engine.openWithKey(masterKey, blob)
	if err != nil {
		t.Fatalf("Failed to open: %v", err)
	}
	if !bytes.Equal(plaintext, []byte("record payload")) {
		t.Fatal("Record round trip mismatch")
	}

	wrongKey := make([]byte, 32)
	if _, err := engine.openWithKey(wrongKey, blob); !IsDecryptionError(err) {
		t.Fatalf("Expected DecryptionError under wrong master key, got %v", err)
	}
}
