package persist

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is an in-memory CredentialStore. It exists for tests and for
// ephemeral vaults whose lifetime matches the process. All operations are
// safe for concurrent use.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]CredentialRecord
	closed  bool
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[string]CredentialRecord),
	}
}

func (s *MemoryStore) Put(record CredentialRecord) (string, error) {
	if record.ID == "" {
		return "", fmt.Errorf("record ID cannot be empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return "", fmt.Errorf("store is closed")
	}

	now := time.Now().UTC()
	if existing, ok := s.records[record.ID]; ok {
		record.CreatedAt = existing.CreatedAt
	} else {
		record.CreatedAt = now
	}
	record.UpdatedAt = now
	record.Revision = uuid.NewString()
	record.Ciphertext = cloneBytes(record.Ciphertext)

	s.records[record.ID] = record
	return record.Revision, nil
}

func (s *MemoryStore) Get(id string) (*CredentialRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, fmt.Errorf("store is closed")
	}

	record, ok := s.records[id]
	if !ok {
		return nil, fmt.Errorf("credential %s not found", id)
	}
	record.Ciphertext = cloneBytes(record.Ciphertext)
	return &record, nil
}

func (s *MemoryStore) List() ([]CredentialRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, fmt.Errorf("store is closed")
	}

	records := make([]CredentialRecord, 0, len(s.records))
	for _, record := range s.records {
		record.Ciphertext = cloneBytes(record.Ciphertext)
		records = append(records, record)
	}
	sort.Slice(records, func(i, j int) bool { return records[i].ID < records[j].ID })
	return records, nil
}

func (s *MemoryStore) ListByKeyVersion(keyVersion uint32) ([]CredentialRecord, error) {
	records, err := s.List()
	if err != nil {
		return nil, err
	}

	filtered := records[:0]
	for _, record := range records {
		if record.KeyVersion == keyVersion {
			filtered = append(filtered, record)
		}
	}
	return filtered, nil
}

// UpdateCiphertexts applies the batch under one lock acquisition. Revisions
// are validated for the whole batch before any record is touched, which
// gives all-or-nothing semantics without an undo path.
func (s *MemoryStore) UpdateCiphertexts(updates []CiphertextUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("store is closed")
	}

	for _, update := range updates {
		existing, ok := s.records[update.ID]
		if !ok {
			return fmt.Errorf("credential %s not found", update.ID)
		}
		if existing.Revision != update.Revision {
			return ConcurrencyError{
				RecordID:         update.ID,
				ExpectedRevision: update.Revision,
				ActualRevision:   existing.Revision,
				Operation:        "UpdateCiphertexts",
			}
		}
	}

	now := time.Now().UTC()
	for _, update := range updates {
		record := s.records[update.ID]
		record.Ciphertext = cloneBytes(update.Ciphertext)
		record.KeyVersion = update.KeyVersion
		record.UpdatedAt = now
		record.Revision = uuid.NewString()
		s.records[update.ID] = record
	}
	return nil
}

func (s *MemoryStore) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("store is closed")
	}

	if _, ok := s.records[id]; !ok {
		return fmt.Errorf("credential %s not found", id)
	}
	delete(s.records, id)
	return nil
}

func (s *MemoryStore) Count() (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return 0, fmt.Errorf("store is closed")
	}
	return len(s.records), nil
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.records = make(map[string]CredentialRecord)
	return nil
}

func (s *MemoryStore) GetType() string {
	return string(StoreTypeMemory)
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
