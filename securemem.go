package hivevault

import (
	"fmt"
	"sync"

	"github.com/awnumar/memguard"

	"github.com/lancejames221b/hivevault/internal/mem"
)

// SecureMemoryManager hands out guarded memory regions for secret material.
//
// SECURITY FEATURES:
//   - Regions live in memguard locked buffers: guard pages on both sides,
//     canary checks, and kernel-level locking where the platform allows it.
//   - Zeroing is explicit and guaranteed: Zero overwrites the region once at
//     BASIC and ADVANCED protection, or with three distinct patterns at
//     MAXIMUM. Free always zeroes before releasing, on every path.
//   - At ADVANCED and above the manager additionally requests process-wide
//     memory locking so secrets cannot be swapped to disk. The request is
//     best-effort; an unprivileged process degrades without failing.
//
// Thread Safety: all methods are safe for concurrent use.
type SecureMemoryManager struct {
	mu      sync.Mutex
	level   MemoryProtectionLevel
	regions map[uint64]*memguard.LockedBuffer
	nextID  uint64
	locked  mem.ProtectionLevel
}

// MemoryHandle refers to one allocated region. The zero handle is invalid.
type MemoryHandle uint64

// NewSecureMemoryManager creates a manager at the given protection level.
// When lockMemory is true the manager attempts to lock process memory
// against swapping; failure to lock is recorded, not fatal.
func NewSecureMemoryManager(level MemoryProtectionLevel, lockMemory bool) *SecureMemoryManager {
	m := &SecureMemoryManager{
		level:   level,
		regions: make(map[uint64]*memguard.LockedBuffer),
	}

	if lockMemory && level >= MemoryProtectionAdvanced {
		// Best effort. EPERM without CAP_IPC_LOCK leaves partial protection.
		m.locked, _ = mem.Lock()
	}

	return m
}

// Allocate reserves a zeroed region of size bytes.
func (m *SecureMemoryManager) Allocate(size int) (MemoryHandle, error) {
	if size <= 0 {
		return 0, &ValidationError{Field: "size", Reason: "allocation size must be positive"}
	}

	buffer := memguard.NewBuffer(size)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	handle := m.nextID
	m.regions[handle] = buffer
	return MemoryHandle(handle), nil
}

// Write copies data into the region. The data must fit exactly once; writes
// are offset-free and replace the full region prefix.
func (m *SecureMemoryManager) Write(handle MemoryHandle, data []byte) error {
	buffer, err := m.region(handle)
	if err != nil {
		return err
	}
	if len(data) > buffer.Size() {
		return &ValidationError{Field: "data", Reason: "data exceeds region size"}
	}

	buffer.Melt()
	copy(buffer.Bytes(), data)
	buffer.Freeze()
	return nil
}

// Read returns a copy of the region's contents. The caller owns the copy and
// is responsible for wiping it.
func (m *SecureMemoryManager) Read(handle MemoryHandle) ([]byte, error) {
	buffer, err := m.region(handle)
	if err != nil {
		return nil, err
	}

	out := make([]byte, buffer.Size())
	copy(out, buffer.Bytes())
	return out, nil
}

// Zero overwrites the region in place. One pass of zeros below MAXIMUM;
// three passes with distinct patterns at MAXIMUM.
func (m *SecureMemoryManager) Zero(handle MemoryHandle) error {
	buffer, err := m.region(handle)
	if err != nil {
		return err
	}

	buffer.Melt()
	m.wipe(buffer.Bytes())
	buffer.Freeze()
	return nil
}

// Free zeroes and releases the region. Double-free is an error.
func (m *SecureMemoryManager) Free(handle MemoryHandle) error {
	m.mu.Lock()
	buffer, ok := m.regions[uint64(handle)]
	if ok {
		delete(m.regions, uint64(handle))
	}
	m.mu.Unlock()

	if !ok {
		return &ValidationError{Field: "handle", Reason: fmt.Sprintf("unknown memory handle %d", handle)}
	}

	buffer.Melt()
	m.wipe(buffer.Bytes())
	// Destroy wipes again and unmaps the guarded pages.
	buffer.Destroy()
	return nil
}

// WipeBytes applies the manager's wipe policy to a caller-owned slice.
func (m *SecureMemoryManager) WipeBytes(buf []byte) {
	m.wipe(buf)
}

func (m *SecureMemoryManager) wipe(buf []byte) {
	if m.level >= MemoryProtectionMaximum {
		mem.WipeMultiPass(buf)
		return
	}
	mem.Overwrite(buf, 0x00)
}

// ProtectionStatus reports the effective process memory-lock level.
func (m *SecureMemoryManager) ProtectionStatus() mem.ProtectionLevel {
	return m.locked
}

// Close frees every outstanding region and releases the process memory lock.
func (m *SecureMemoryManager) Close() error {
	m.mu.Lock()
	regions := m.regions
	m.regions = make(map[uint64]*memguard.LockedBuffer)
	m.mu.Unlock()

	for _, buffer := range regions {
		buffer.Melt()
		m.wipe(buffer.Bytes())
		buffer.Destroy()
	}

	if m.locked != mem.ProtectionNone {
		return mem.Unlock()
	}
	return nil
}

func (m *SecureMemoryManager) region(handle MemoryHandle) (*memguard.LockedBuffer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	buffer, ok := m.regions[uint64(handle)]
	if !ok {
		return nil, &ValidationError{Field: "handle", Reason: fmt.Sprintf("unknown memory handle %d", handle)}
	}
	return buffer, nil
}
