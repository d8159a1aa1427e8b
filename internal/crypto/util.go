package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/awnumar/memguard"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/scrypt"

	"github.com/lancejames221b/hivevault/internal/misc"
)

// CalculateChecksum calculates SHA-256 checksum of data
func CalculateChecksum(data []byte) string {
	hash := sha256.Sum256(data)
	return hex.EncodeToString(hash[:])
}

// RandomBytes returns n cryptographically random bytes.
func RandomBytes(n int) ([]byte, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return nil, fmt.Errorf("failed to read random bytes: %w", err)
	}
	return buf, nil
}

// DeriveKEK stretches a passphrase into a 32-byte key-encryption-key using
// scrypt. Used to wrap backup key material before it touches disk; the
// credential key hierarchy never sees this key.
func DeriveKEK(passphrase string, salt []byte) (*memguard.LockedBuffer, error) {
	if len(salt) < misc.SaltSizeStandard {
		return nil, errors.New("KEK salt too short")
	}

	kek, err := scrypt.Key([]byte(passphrase), salt, misc.ScryptNHigh, misc.ScryptR, misc.ScryptPHigh, misc.KeySize)
	if err != nil {
		return nil, fmt.Errorf("failed to derive KEK: %w", err)
	}

	// Protect the derived key immediately
	protected := memguard.NewBufferFromBytes(kek)
	memguard.WipeBytes(kek)

	return protected, nil
}

// EncryptValue encrypts a value with ChaCha20-Poly1305, prefixing the nonce.
func EncryptValue(value, key []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	nonce := make([]byte, aead.NonceSize())
	if _, err = rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	ciphertext := aead.Seal(nil, nonce, value, nil)

	encrypted := make([]byte, len(nonce)+len(ciphertext))
	copy(encrypted[:len(nonce)], nonce)
	copy(encrypted[len(nonce):], ciphertext)

	return encrypted, nil
}

// DecryptValue decrypts a nonce-prefixed ChaCha20-Poly1305 value.
func DecryptValue(encryptedData, key []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	if len(encryptedData) < aead.NonceSize()+aead.Overhead() {
		return nil, errors.New("encrypted data too short")
	}

	nonceSize := aead.NonceSize()
	nonce := encryptedData[:nonceSize]
	ciphertext := encryptedData[nonceSize:]

	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("authentication failed: %w", err)
	}

	return plaintext, nil
}

// IsWeakKey rejects generated key material with obviously deficient entropy:
// short keys, constant keys, and keys with too few distinct byte values.
func IsWeakKey(key []byte) bool {
	if len(key) < misc.KeySize {
		return true
	}

	firstByte := key[0]
	allSame := true
	for _, b := range key[1:] {
		if b != firstByte {
			allSame = false
			break
		}
	}
	if allSame {
		return true
	}

	uniqueBytes := make(map[byte]bool)
	for _, b := range key {
		uniqueBytes[b] = true
	}

	// Should have reasonable variety (at least 16 different byte values)
	return len(uniqueBytes) < 16
}

// Fingerprint returns a short hex digest used for device fingerprints and
// key hashes. Never reversible to the input.
func Fingerprint(parts ...string) string {
	h := sha256.New()
	for _, p := range parts {
		h.Write([]byte(p))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}
