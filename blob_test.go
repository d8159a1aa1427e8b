package hivevault

import (
	"bytes"
	"testing"
	"time"
)

func sampleBlob() *EncryptedBlob {
	return &EncryptedBlob{
		Ciphertext: []byte("ciphertext-bytes"),
		Algorithm:  AlgorithmAESGCM,
		KDF:        KDFScrypt,
		Salt:       bytes.Repeat([]byte{0xAB}, 32),
		Nonce:      bytes.Repeat([]byte{0xCD}, 12),
		Tag:        bytes.Repeat([]byte{0xEF}, 16),
		KeyVersion: 3,
		CreatedAt:  time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestBlobEncodeDecode(t *testing.T) {
	blob := sampleBlob()

	encoded, err := blob.Encode()
	if err != nil {
		t.Fatalf("Failed to encode: %v", err)
	}

	decoded, err := DecodeBlob(encoded)
	if err != nil {
		t.Fatalf("Failed to decode: %v", err)
	}

	if !bytes.Equal(decoded.Ciphertext, blob.Ciphertext) {
		t.Error("Ciphertext mismatch")
	}
	if decoded.Algorithm != blob.Algorithm {
		t.Error("Algorithm mismatch")
	}
	if decoded.KDF != blob.KDF {
		t.Error("KDF mismatch")
	}
	if !bytes.Equal(decoded.Salt, blob.Salt) {
		t.Error("Salt mismatch")
	}
	if !bytes.Equal(decoded.Nonce, blob.Nonce) {
		t.Error("Nonce mismatch")
	}
	if !bytes.Equal(decoded.Tag, blob.Tag) {
		t.Error("Tag mismatch")
	}
	if decoded.KeyVersion != 3 {
		t.Errorf("Expected key version 3, got %d", decoded.KeyVersion)
	}
	if !decoded.CreatedAt.Equal(blob.CreatedAt) {
		t.Error("CreatedAt mismatch")
	}
}

func TestBlobEncodeStringRoundTrip(t *testing.T) {
	blob := sampleBlob()

	encoded, err := blob.EncodeString()
	if err != nil {
		t.Fatalf("Failed to encode: %v", err)
	}

	decoded, err := DecodeBlobString(encoded)
	if err != nil {
		t.Fatalf("Failed to decode: %v", err)
	}
	if !bytes.Equal(decoded.Ciphertext, blob.Ciphertext) {
		t.Fatal("String round trip mismatch")
	}
}

func TestDecodeBlobTruncated(t *testing.T) {
	encoded, err := sampleBlob().Encode()
	if err != nil {
		t.Fatalf("Failed to encode: %v", err)
	}

	// Every truncation point must fail cleanly, never panic.
	for size := 0; size < len(encoded); size++ {
		if _, err := DecodeBlob(encoded[:size]); err == nil {
			t.Fatalf("Truncation to %d bytes decoded without error", size)
		}
	}
}

func TestDecodeBlobGarbage(t *testing.T) {
	inputs := [][]byte{
		nil,
		{},
		[]byte("not a blob at all"),
		bytes.Repeat([]byte{0xFF}, 64),
	}
	for i, input := range inputs {
		if _, err := DecodeBlob(input); err == nil {
			t.Errorf("Garbage input %d decoded without error", i)
		}
	}
}

func TestDecodeBlobRejectsInvalidEnums(t *testing.T) {
	blob := sampleBlob()
	encoded, err := blob.Encode()
	if err != nil {
		t.Fatalf("Failed to encode: %v", err)
	}

	// Format layout: byte 0 version, byte 1 algorithm, byte 2 KDF.
	t.Run("FormatVersion", func(t *testing.T) {
		bad := append([]byte(nil), encoded...)
		bad[0] = 0xFE
		if _, err := DecodeBlob(bad); err == nil {
			t.Fatal("Unknown format version decoded without error")
		}
	})

	t.Run("Algorithm", func(t *testing.T) {
		bad := append([]byte(nil), encoded...)
		bad[1] = 0xFE
		if _, err := DecodeBlob(bad); err == nil {
			t.Fatal("Unknown algorithm byte decoded without error")
		}
	})

	t.Run("KDF", func(t *testing.T) {
		bad := append([]byte(nil), encoded...)
		bad[2] = 0xFE
		if _, err := DecodeBlob(bad); err == nil {
			t.Fatal("Unknown KDF byte decoded without error")
		}
	})
}
