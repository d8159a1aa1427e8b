package hivevault

import (
	"crypto/aes"
	"crypto/cipher"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"golang.org/x/crypto/chacha20poly1305"

	"github.com/lancejames221b/hivevault/internal/misc"
)

// Algorithm identifies the AEAD construction protecting a blob. The set is
// closed: every switch over Algorithm in this package enumerates all three
// values and treats anything else as a ValidationError, so an unknown
// algorithm can never silently select a cipher.
type Algorithm uint8

const (
	// AlgorithmAESGCM is AES-256 in Galois/Counter Mode.
	AlgorithmAESGCM Algorithm = iota + 1

	// AlgorithmChaCha20Poly1305 is ChaCha20-Poly1305 (RFC 8439).
	AlgorithmChaCha20Poly1305

	// AlgorithmXChaCha20Poly1305 is the extended-nonce variant used for
	// Fernet-style token encryption. The 24-byte nonce makes random nonces
	// safe at any volume.
	AlgorithmXChaCha20Poly1305
)

func (a Algorithm) String() string {
	switch a {
	case AlgorithmAESGCM:
		return "AES-256-GCM"
	case AlgorithmChaCha20Poly1305:
		return "ChaCha20-Poly1305"
	case AlgorithmXChaCha20Poly1305:
		return "XChaCha20-Poly1305"
	default:
		return fmt.Sprintf("Algorithm(%d)", uint8(a))
	}
}

// NonceSize returns the nonce length the algorithm requires.
func (a Algorithm) NonceSize() (int, error) {
	switch a {
	case AlgorithmAESGCM, AlgorithmChaCha20Poly1305:
		return misc.NonceSize, nil
	case AlgorithmXChaCha20Poly1305:
		return misc.NonceSizeX, nil
	default:
		return 0, &ValidationError{Field: "algorithm", Reason: fmt.Sprintf("unsupported algorithm %d", uint8(a))}
	}
}

// aead constructs the AEAD for a 32-byte key.
func (a Algorithm) aead(key []byte) (cipher.AEAD, error) {
	if len(key) != misc.KeySize {
		return nil, &ValidationError{Field: "key", Reason: "key must be 32 bytes"}
	}
	switch a {
	case AlgorithmAESGCM:
		block, err := aes.NewCipher(key)
		if err != nil {
			return nil, fmt.Errorf("failed to create cipher: %w", err)
		}
		return cipher.NewGCM(block)
	case AlgorithmChaCha20Poly1305:
		return chacha20poly1305.New(key)
	case AlgorithmXChaCha20Poly1305:
		return chacha20poly1305.NewX(key)
	default:
		return nil, &ValidationError{Field: "algorithm", Reason: fmt.Sprintf("unsupported algorithm %d", uint8(a))}
	}
}

// KDF identifies the key derivation function that stretched the password
// for a blob. Closed set, matched exhaustively like Algorithm.
type KDF uint8

const (
	// KDFScrypt is scrypt, the default for password-derived keys.
	KDFScrypt KDF = iota + 1

	// KDFPBKDF2 is PBKDF2-SHA256.
	KDFPBKDF2

	// KDFHKDF is HKDF-SHA256, for stretching existing high-entropy secrets
	// only. Never used on raw passwords.
	KDFHKDF
)

func (k KDF) String() string {
	switch k {
	case KDFScrypt:
		return "scrypt"
	case KDFPBKDF2:
		return "pbkdf2-sha256"
	case KDFHKDF:
		return "hkdf-sha256"
	default:
		return fmt.Sprintf("KDF(%d)", uint8(k))
	}
}

func (k KDF) valid() bool {
	switch k {
	case KDFScrypt, KDFPBKDF2, KDFHKDF:
		return true
	default:
		return false
	}
}

// EncryptedBlob is the immutable result of one encryption. Re-encrypting a
// credential always produces a new blob; nothing ever mutates one in place.
//
// The KeyVersion field records which credential key version was ACTIVE when
// the blob was created. Decryption validates the version against the key
// registry before touching ciphertext.
//
// WIRE FORMAT (before optional base64):
//
//	[1 byte:  format version (currently 1)]
//	[1 byte:  algorithm]
//	[1 byte:  KDF]
//	[4 bytes: key version (big-endian)]
//	[8 bytes: created-at unix seconds (big-endian)]
//	[2 bytes: salt length][salt]
//	[2 bytes: nonce length][nonce]
//	[4 bytes: ciphertext+tag length][ciphertext][16-byte tag]
//	[4 bytes: metadata length][metadata JSON, may be empty]
type EncryptedBlob struct {
	Ciphertext []byte            `json:"ciphertext"`
	Algorithm  Algorithm         `json:"algorithm"`
	KDF        KDF               `json:"kdf"`
	Salt       []byte            `json:"salt"`
	Nonce      []byte            `json:"nonce"`
	Tag        []byte            `json:"tag"`
	KeyVersion int               `json:"key_version"`
	CreatedAt  time.Time         `json:"created_at"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

const blobFormatVersion = 1

// sealed reassembles ciphertext||tag for AEAD open.
func (b *EncryptedBlob) sealed() []byte {
	out := make([]byte, len(b.Ciphertext)+len(b.Tag))
	copy(out, b.Ciphertext)
	copy(out[len(b.Ciphertext):], b.Tag)
	return out
}

// Encode serializes the blob into the binary wire format.
func (b *EncryptedBlob) Encode() ([]byte, error) {
	if _, err := b.Algorithm.NonceSize(); err != nil {
		return nil, err
	}
	if !b.KDF.valid() {
		return nil, &ValidationError{Field: "kdf", Reason: fmt.Sprintf("unsupported KDF %d", uint8(b.KDF))}
	}
	if len(b.Salt) > 0xFFFF || len(b.Nonce) > 0xFFFF {
		return nil, &ValidationError{Field: "blob", Reason: "salt or nonce too long"}
	}
	if b.KeyVersion < 0 {
		return nil, &ValidationError{Field: "key_version", Reason: "negative key version"}
	}

	var meta []byte
	if len(b.Metadata) > 0 {
		var err error
		meta, err = json.Marshal(b.Metadata)
		if err != nil {
			return nil, fmt.Errorf("failed to serialize blob metadata: %w", err)
		}
	}

	sealed := b.sealed()
	out := make([]byte, 0, 1+1+1+4+8+2+len(b.Salt)+2+len(b.Nonce)+4+len(sealed)+4+len(meta))
	out = append(out, blobFormatVersion, byte(b.Algorithm), byte(b.KDF))
	out = binary.BigEndian.AppendUint32(out, uint32(b.KeyVersion))
	out = binary.BigEndian.AppendUint64(out, uint64(b.CreatedAt.UTC().Unix()))
	out = binary.BigEndian.AppendUint16(out, uint16(len(b.Salt)))
	out = append(out, b.Salt...)
	out = binary.BigEndian.AppendUint16(out, uint16(len(b.Nonce)))
	out = append(out, b.Nonce...)
	out = binary.BigEndian.AppendUint32(out, uint32(len(sealed)))
	out = append(out, sealed...)
	out = binary.BigEndian.AppendUint32(out, uint32(len(meta)))
	out = append(out, meta...)

	return out, nil
}

// EncodeString serializes to base64 for text-safe transmission and storage.
func (b *EncryptedBlob) EncodeString() (string, error) {
	raw, err := b.Encode()
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

// DecodeBlob parses the binary wire format. Strict validation: every length
// prefix is bounds-checked before the slice is taken, so truncated or
// corrupted input fails cleanly rather than panicking.
func DecodeBlob(data []byte) (*EncryptedBlob, error) {
	const minLen = 1 + 1 + 1 + 4 + 8 + 2 + 2 + 4 + misc.TagSize + 4
	if len(data) < minLen {
		return nil, &ValidationError{Field: "blob", Reason: "encrypted data too short"}
	}
	if data[0] != blobFormatVersion {
		return nil, &ValidationError{Field: "blob", Reason: fmt.Sprintf("unsupported format version %d", data[0])}
	}

	blob := &EncryptedBlob{
		Algorithm: Algorithm(data[1]),
		KDF:       KDF(data[2]),
	}
	if _, err := blob.Algorithm.NonceSize(); err != nil {
		return nil, err
	}
	if !blob.KDF.valid() {
		return nil, &ValidationError{Field: "blob", Reason: "unsupported KDF"}
	}

	pos := 3
	blob.KeyVersion = int(binary.BigEndian.Uint32(data[pos:]))
	pos += 4
	blob.CreatedAt = time.Unix(int64(binary.BigEndian.Uint64(data[pos:])), 0).UTC()
	pos += 8

	take16 := func() ([]byte, error) {
		if pos+2 > len(data) {
			return nil, errors.New("truncated length prefix")
		}
		n := int(binary.BigEndian.Uint16(data[pos:]))
		pos += 2
		if pos+n > len(data) {
			return nil, errors.New("truncated field")
		}
		field := make([]byte, n)
		copy(field, data[pos:pos+n])
		pos += n
		return field, nil
	}
	take32 := func() ([]byte, error) {
		if pos+4 > len(data) {
			return nil, errors.New("truncated length prefix")
		}
		n := int(binary.BigEndian.Uint32(data[pos:]))
		pos += 4
		if n < 0 || pos+n > len(data) {
			return nil, errors.New("truncated field")
		}
		field := make([]byte, n)
		copy(field, data[pos:pos+n])
		pos += n
		return field, nil
	}

	salt, err := take16()
	if err != nil {
		return nil, &ValidationError{Field: "blob", Reason: "invalid data format"}
	}
	nonce, err := take16()
	if err != nil {
		return nil, &ValidationError{Field: "blob", Reason: "invalid data format"}
	}
	sealed, err := take32()
	if err != nil || len(sealed) < misc.TagSize {
		return nil, &ValidationError{Field: "blob", Reason: "invalid data format"}
	}
	meta, err := take32()
	if err != nil {
		return nil, &ValidationError{Field: "blob", Reason: "invalid data format"}
	}

	wantNonce, _ := blob.Algorithm.NonceSize()
	if len(nonce) != wantNonce {
		return nil, &ValidationError{Field: "blob", Reason: "invalid nonce length"}
	}

	blob.Salt = salt
	blob.Nonce = nonce
	blob.Ciphertext = sealed[:len(sealed)-misc.TagSize]
	blob.Tag = sealed[len(sealed)-misc.TagSize:]

	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &blob.Metadata); err != nil {
			return nil, &ValidationError{Field: "blob", Reason: "invalid metadata encoding"}
		}
	}

	return blob, nil
}

// DecodeBlobString parses the base64 form produced by EncodeString.
func DecodeBlobString(encoded string) (*EncryptedBlob, error) {
	if encoded == "" {
		return nil, &ValidationError{Field: "blob", Reason: "empty encrypted string"}
	}
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, &ValidationError{Field: "blob", Reason: "invalid base64 encoding"}
	}
	return DecodeBlob(raw)
}
