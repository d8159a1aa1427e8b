package mem

// ProtectionLevel indicates how well the vault can protect memory
type ProtectionLevel int

const (
	ProtectionNone    ProtectionLevel = iota // No memory protection available
	ProtectionPartial                        // Some protection measures applied
	ProtectionFull                           // Full memory protection (locked memory)
)

func (l ProtectionLevel) String() string {
	switch l {
	case ProtectionNone:
		return "none"
	case ProtectionPartial:
		return "partial"
	case ProtectionFull:
		return "full"
	default:
		return "unknown"
	}
}

// Lock attempts to prevent sensitive data from being swapped to disk
// Returns the protection level achieved and any error encountered
func Lock() (ProtectionLevel, error) {
	// Platform-specific implementation
	return lockMemoryPlatform()
}

// Unlock releases memory locks if they were applied
func Unlock() error {
	// Platform-specific implementation
	return unlockMemoryPlatform()
}

// WipePatterns are the overwrite passes applied to a region before release
// at the maximum protection level. Three distinct patterns, DoD 5220.22-M
// style: zeros, ones, then an alternating bit pattern.
var WipePatterns = [3]byte{0x00, 0xFF, 0x55}

// Overwrite fills buf with the given pattern byte.
func Overwrite(buf []byte, pattern byte) {
	for i := range buf {
		buf[i] = pattern
	}
}

// WipeMultiPass overwrites buf once per pattern in WipePatterns, ending on
// zeros so the region never holds a recognizable pattern after return.
func WipeMultiPass(buf []byte) {
	for _, p := range WipePatterns {
		Overwrite(buf, p)
	}
	Overwrite(buf, 0x00)
}
