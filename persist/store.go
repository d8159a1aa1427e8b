package persist

import (
	"fmt"
	"time"
)

// CredentialRecord is one stored credential. The Ciphertext field holds the
// full encoded blob (header, salt, nonce, ciphertext, tag); the store never
// sees plaintext. Revision supports optimistic concurrency: updates must
// present the revision they read, and a mismatch fails with
// ConcurrencyError.
type CredentialRecord struct {
	// ID uniquely identifies the credential within the store.
	ID string `json:"id"`

	// Ciphertext is the encoded encrypted blob. The store treats it as
	// opaque bytes.
	Ciphertext []byte `json:"ciphertext"`

	// KeyVersion mirrors the key version recorded inside the blob header.
	// It is duplicated here so rotation can select records without decoding
	// every blob.
	KeyVersion uint32 `json:"key_version"`

	// Revision identifies this version of the record. Assigned by the
	// store on every write; callers must not set it on Put.
	Revision string `json:"revision"`

	// CreatedAt and UpdatedAt track record lifecycle. The store maintains
	// both.
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	// Labels carries caller-defined tags, never secret material.
	Labels map[string]string `json:"labels,omitempty"`
}

// CiphertextUpdate is one element of a transactional rotation batch. The
// update applies only if the record's current revision matches Revision.
type CiphertextUpdate struct {
	ID         string
	Ciphertext []byte
	KeyVersion uint32
	Revision   string
}

// CredentialStore persists encrypted credential records. All data passed to
// this interface is already encrypted by the vault layer.
//
// UpdateCiphertexts is the rotation primitive: it applies a batch of
// re-encrypted ciphertexts as a single transaction. Either every update in
// the batch lands or none of them do, so a mid-batch crash can never leave
// a batch half re-keyed.
type CredentialStore interface {

	// Put creates or replaces a record. On create the store assigns
	// CreatedAt; on every write it assigns UpdatedAt and a fresh Revision,
	// which is returned.
	Put(record CredentialRecord) (revision string, err error)

	// Get retrieves one record by ID. Returns a not-found StorageError if
	// the record does not exist.
	Get(id string) (*CredentialRecord, error)

	// List returns all records, ordered by ID. Ciphertexts are included;
	// callers that only need inventory should use Count.
	List() ([]CredentialRecord, error)

	// ListByKeyVersion returns the records whose ciphertext is bound to the
	// given key version. Rotation uses this to find migration candidates.
	ListByKeyVersion(keyVersion uint32) ([]CredentialRecord, error)

	// UpdateCiphertexts applies a batch of updates transactionally. A
	// revision mismatch on any record aborts the whole batch with
	// ConcurrencyError.
	UpdateCiphertexts(updates []CiphertextUpdate) error

	// Delete removes a record. Deleting a missing record is an error.
	Delete(id string) error

	// Count returns the number of stored records.
	Count() (int, error)

	// Close releases any resources the store holds.
	Close() error

	// GetType identifies the backend ("memory", "filesystem").
	GetType() string
}

// ArtifactInfo describes one stored backup artifact without opening it.
type ArtifactInfo struct {
	// Name is the artifact's store-agnostic identifier, typically
	// "<backup-id>.hvb".
	Name string `json:"name"`

	// Size is the artifact size in bytes.
	Size int64 `json:"size"`

	// ModifiedAt is the backend's last-modified timestamp.
	ModifiedAt time.Time `json:"modified_at"`
}

// ArtifactStore persists opaque backup artifacts. Implementations exist for
// the local filesystem and for S3-compatible object storage. Artifacts are
// written whole; there is no partial update.
type ArtifactStore interface {

	// SaveArtifact stores data under name, replacing any existing artifact
	// of that name. The write is atomic: a crash mid-write never leaves a
	// truncated artifact visible.
	SaveArtifact(name string, data []byte) error

	// LoadArtifact retrieves an artifact's bytes. Returns a not-found
	// StorageError if the artifact does not exist.
	LoadArtifact(name string) ([]byte, error)

	// ListArtifacts enumerates stored artifacts, newest first.
	ListArtifacts() ([]ArtifactInfo, error)

	// DeleteArtifact removes an artifact. Deleting a missing artifact is
	// not an error.
	DeleteArtifact(name string) error

	// Ping tests connectivity for remote backends. Local backends return
	// nil.
	Ping() error

	// Close releases any resources the store holds.
	Close() error

	// GetType identifies the backend ("filesystem", "s3").
	GetType() string
}

// StoreConfig selects and configures a storage backend.
//
// Example:
//
//	config := StoreConfig{
//	    Type:   StoreTypeFileSystem,
//	    Config: map[string]interface{}{"path": "/var/lib/hivevault"},
//	}
type StoreConfig struct {
	// Type must be one of the StoreType constants.
	Type StoreType `json:"type"`

	// Config holds backend-specific settings. For the filesystem backend
	// this is "path"; for S3 it includes "endpoint", "bucketName",
	// "accessKey", "secretKey", "useSSL", and optionally "region" and
	// "prefix".
	Config map[string]interface{} `json:"config"`
}

// StoreType represents the supported storage backends.
type StoreType string

const (
	// StoreTypeMemory keeps records in process memory. Intended for tests
	// and ephemeral vaults.
	StoreTypeMemory StoreType = "memory"

	// StoreTypeFileSystem stores records and artifacts under a local
	// directory tree.
	StoreTypeFileSystem StoreType = "filesystem"

	// StoreTypeS3 stores backup artifacts in an S3-compatible bucket.
	StoreTypeS3 StoreType = "s3"
)

// ConcurrencyError reports an optimistic-locking conflict: the record was
// modified between read and write.
type ConcurrencyError struct {
	RecordID         string
	ExpectedRevision string
	ActualRevision   string
	Operation        string
}

func (e ConcurrencyError) Error() string {
	return fmt.Sprintf("revision conflict on %s in %s: expected revision %s, but found %s",
		e.RecordID, e.Operation, e.ExpectedRevision, e.ActualRevision)
}

func (e ConcurrencyError) IsConcurrencyError() bool {
	return true
}
