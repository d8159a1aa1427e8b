package misc

import "os"

const (
	// SaltSizeStandard and SaltSizeHigh are the derivation salt lengths per
	// security level. HIGH and MAXIMUM always use the 32-byte salt.
	SaltSizeStandard = 16
	SaltSizeHigh     = 32

	// NonceSize is the AEAD nonce length for AES-256-GCM and
	// ChaCha20-Poly1305. XChaCha20-Poly1305 uses NonceSizeX.
	NonceSize  = 12
	NonceSizeX = 24

	// KeySize is the symmetric key length used throughout the vault.
	KeySize = 32

	// TagSize is the Poly1305/GCM authentication tag length.
	TagSize = 16

	// PBKDF2Iterations is the default iteration count for PBKDF2-SHA256.
	PBKDF2Iterations = 100_000

	// Scrypt cost parameters per security level.
	ScryptNHigh    = 1 << 15
	ScryptNMaximum = 1 << 16
	ScryptR        = 8
	ScryptPHigh    = 1
	ScryptPMaximum = 2

	FilePermissions os.FileMode = 0600 // user read + write
	DirPermissions  os.FileMode = 0700
)
