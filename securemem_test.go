package hivevault

import (
	"bytes"
	"testing"
)

func TestSecureMemoryWriteReadZero(t *testing.T) {
	manager := NewSecureMemoryManager(MemoryProtectionBasic, false)
	defer manager.Close()

	handle, err := manager.Allocate(32)
	if err != nil {
		t.Fatalf("Failed to allocate: %v", err)
	}

	secret := []byte("a thirty-two byte secret value!!")
	if err := manager.Write(handle, secret); err != nil {
		t.Fatalf("Failed to write: %v", err)
	}

	read, err := manager.Read(handle)
	if err != nil {
		t.Fatalf("Failed to read: %v", err)
	}
	if !bytes.Equal(read, secret) {
		t.Fatal("Read back different data")
	}

	if err := manager.Zero(handle); err != nil {
		t.Fatalf("Failed to zero: %v", err)
	}
	zeroed, err := manager.Read(handle)
	if err != nil {
		t.Fatalf("Failed to read after zero: %v", err)
	}
	if !bytes.Equal(zeroed, make([]byte, 32)) {
		t.Fatal("Region not zeroed")
	}
}

func TestSecureMemoryInvalidOperations(t *testing.T) {
	manager := NewSecureMemoryManager(MemoryProtectionBasic, false)
	defer manager.Close()

	if _, err := manager.Allocate(0); err == nil {
		t.Fatal("Expected error for zero-size allocation")
	}
	if _, err := manager.Allocate(-1); err == nil {
		t.Fatal("Expected error for negative allocation")
	}

	if err := manager.Write(MemoryHandle(9999), []byte("x")); err == nil {
		t.Fatal("Expected error for unknown handle")
	}
	if _, err := manager.Read(MemoryHandle(9999)); err == nil {
		t.Fatal("Expected error for unknown handle")
	}

	handle, err := manager.Allocate(4)
	if err != nil {
		t.Fatalf("Failed to allocate: %v", err)
	}
	if err := manager.Write(handle, []byte("too large for region")); err == nil {
		t.Fatal("Expected error for oversized write")
	}
}

func TestSecureMemoryDoubleFree(t *testing.T) {
	manager := NewSecureMemoryManager(MemoryProtectionBasic, false)
	defer manager.Close()

	handle, err := manager.Allocate(16)
	if err != nil {
		t.Fatalf("Failed to allocate: %v", err)
	}

	if err := manager.Free(handle); err != nil {
		t.Fatalf("First free failed: %v", err)
	}
	if err := manager.Free(handle); err == nil {
		t.Fatal("Double free should be an error")
	}
	if _, err := manager.Read(handle); err == nil {
		t.Fatal("Read after free should be an error")
	}
}

func TestSecureMemoryMaximumWipe(t *testing.T) {
	manager := NewSecureMemoryManager(MemoryProtectionMaximum, false)
	defer manager.Close()

	handle, err := manager.Allocate(8)
	if err != nil {
		t.Fatalf("Failed to allocate: %v", err)
	}
	if err := manager.Write(handle, bytes.Repeat([]byte{0xAA}, 8)); err != nil {
		t.Fatalf("Failed to write: %v", err)
	}

	// The multi-pass wipe ends on zeros regardless of the pattern sequence.
	if err := manager.Zero(handle); err != nil {
		t.Fatalf("Failed to zero: %v", err)
	}
	read, err := manager.Read(handle)
	if err != nil {
		t.Fatalf("Failed to read: %v", err)
	}
	if !bytes.Equal(read, make([]byte, 8)) {
		t.Fatal("Multi-pass wipe did not end on zeros")
	}
}

func TestSecureMemoryCloseFreesAll(t *testing.T) {
	manager := NewSecureMemoryManager(MemoryProtectionBasic, false)

	var handles []MemoryHandle
	for i := 0; i < 5; i++ {
		handle, err := manager.Allocate(16)
		if err != nil {
			t.Fatalf("Failed to allocate: %v", err)
		}
		handles = append(handles, handle)
	}

	if err := manager.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	for _, handle := range handles {
		if _, err := manager.Read(handle); err == nil {
			t.Fatal("Region survived Close")
		}
	}
}
