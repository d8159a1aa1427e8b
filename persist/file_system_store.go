package persist

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/lancejames221b/hivevault/internal/misc"
)

const (
	FilePermissions os.FileMode = 0600
	DirPermissions  os.FileMode = 0700
)

var recordIDPattern = regexp.MustCompile(`^[a-zA-Z0-9._:-]{1,128}$`)

// FileSystemStore implements CredentialStore and ArtifactStore over a local
// directory tree:
//
//	basePath/store.json            - store config and format version
//	basePath/credentials/<id>.json - one CredentialRecord per file
//	basePath/artifacts/<name>      - backup artifacts
//	basePath/temp/                 - staging area for transactional updates
//
// All files are written atomically (temp file, fsync, rename) with 0600
// permissions so a crash never leaves a half-written record visible.
type FileSystemStore struct {
	basePath       string
	credentialsDir string
	artifactsDir   string
	tempDir        string
	configPath     string
}

type storeManifest struct {
	Version   string    `json:"version"`
	Structure string    `json:"structure_version"`
	CreatedAt time.Time `json:"created_at"`
}

// NewFileSystemStore initializes the directory tree under basePath and
// returns a store ready for use.
func NewFileSystemStore(basePath string) (*FileSystemStore, error) {
	if basePath == "" {
		return nil, fmt.Errorf("base path cannot be empty")
	}

	fs := &FileSystemStore{
		basePath:       basePath,
		credentialsDir: filepath.Join(basePath, "credentials"),
		artifactsDir:   filepath.Join(basePath, "artifacts"),
		tempDir:        filepath.Join(basePath, "temp"),
		configPath:     filepath.Join(basePath, "store.json"),
	}

	dirs := []string{
		fs.basePath,
		fs.credentialsDir,
		fs.artifactsDir,
		fs.tempDir,
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, DirPermissions); err != nil {
			return nil, fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	if err := fs.initializeManifest(); err != nil {
		return nil, fmt.Errorf("failed to initialize store manifest: %w", err)
	}

	return fs, nil
}

// NewFileSystemStoreFromConfig creates a FileSystemStore from StoreConfig.
func NewFileSystemStoreFromConfig(config StoreConfig) (*FileSystemStore, error) {
	path, ok := config.Config["path"].(string)
	if !ok || path == "" {
		return nil, fmt.Errorf("path is required for filesystem store")
	}
	return NewFileSystemStore(path)
}

func (fs *FileSystemStore) initializeManifest() error {
	if _, err := os.Stat(fs.configPath); os.IsNotExist(err) {
		manifest := storeManifest{
			Version:   "1.0.0",
			Structure: "v1",
			CreatedAt: time.Now().UTC(),
		}

		data, err := json.MarshalIndent(manifest, "", "  ")
		if err != nil {
			return err
		}
		return writeSecureFile(fs.configPath, data, FilePermissions)
	}
	return nil
}

func validateRecordID(id string) error {
	if id == "" {
		return fmt.Errorf("record ID cannot be empty")
	}
	if !recordIDPattern.MatchString(id) {
		return fmt.Errorf("record ID contains invalid characters")
	}
	// Path traversal guard on top of the character allowlist.
	if strings.Contains(id, "..") {
		return fmt.Errorf("record ID contains invalid characters")
	}
	return nil
}

func (fs *FileSystemStore) recordPath(id string) string {
	return filepath.Join(fs.credentialsDir, id+".json")
}

// Credential store

func (fs *FileSystemStore) Put(record CredentialRecord) (string, error) {
	if err := validateRecordID(record.ID); err != nil {
		return "", err
	}

	now := time.Now().UTC()
	if existing, err := fs.readRecord(record.ID); err == nil {
		record.CreatedAt = existing.CreatedAt
	} else {
		record.CreatedAt = now
	}
	record.UpdatedAt = now
	record.Revision = uuid.NewString()

	if err := fs.writeRecord(record); err != nil {
		return "", err
	}
	return record.Revision, nil
}

func (fs *FileSystemStore) Get(id string) (*CredentialRecord, error) {
	if err := validateRecordID(id); err != nil {
		return nil, err
	}

	record, err := fs.readRecord(id)
	if err != nil {
		return nil, err
	}
	return record, nil
}

func (fs *FileSystemStore) List() ([]CredentialRecord, error) {
	entries, err := os.ReadDir(fs.credentialsDir)
	if err != nil {
		return nil, fmt.Errorf("failed to read credentials directory: %w", err)
	}

	var records []CredentialRecord
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		id := strings.TrimSuffix(entry.Name(), ".json")
		record, err := fs.readRecord(id)
		if err != nil {
			return nil, err
		}
		records = append(records, *record)
	}

	sort.Slice(records, func(i, j int) bool { return records[i].ID < records[j].ID })
	return records, nil
}

func (fs *FileSystemStore) ListByKeyVersion(keyVersion uint32) ([]CredentialRecord, error) {
	records, err := fs.List()
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

// UpdateCiphertexts validates every revision, snapshots the originals, then
// applies the writes. Any write failure restores the snapshots, so the batch
// is all-or-nothing even on a partially failed apply.
func (fs *FileSystemStore) UpdateCiphertexts(updates []CiphertextUpdate) error {
	originals := make(map[string]CredentialRecord, len(updates))
	for _, update := range updates {
		existing, err := fs.readRecord(update.ID)
		if err != nil {
			return err
		}
		if existing.Revision != update.Revision {
			return ConcurrencyError{
				RecordID:         update.ID,
				ExpectedRevision: update.Revision,
				ActualRevision:   existing.Revision,
				Operation:        "UpdateCiphertexts",
			}
		}
		originals[update.ID] = *existing
	}

	now := time.Now().UTC()
	applied := make([]string, 0, len(updates))
	for _, update := range updates {
		record := originals[update.ID]
		record.Ciphertext = update.Ciphertext
		record.KeyVersion = update.KeyVersion
		record.UpdatedAt = now
		record.Revision = uuid.NewString()

		if err := fs.writeRecord(record); err != nil {
			for _, id := range applied {
				original := originals[id]
				_ = fs.writeRecord(original)
			}
			return fmt.Errorf("failed to apply ciphertext batch: %w", err)
		}
		applied = append(applied, update.ID)
	}
	return nil
}

func (fs *FileSystemStore) Delete(id string) error {
	if err := validateRecordID(id); err != nil {
		return err
	}

	path := fs.recordPath(id)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return fmt.Errorf("credential %s not found", id)
	}
	if err := os.Remove(path); err != nil {
		return fmt.Errorf("failed to delete credential %s: %w", id, err)
	}
	return nil
}

func (fs *FileSystemStore) Count() (int, error) {
	entries, err := os.ReadDir(fs.credentialsDir)
	if err != nil {
		return 0, fmt.Errorf("failed to read credentials directory: %w", err)
	}

	count := 0
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasSuffix(entry.Name(), ".json") {
			count++
		}
	}
	return count, nil
}

func (fs *FileSystemStore) readRecord(id string) (*CredentialRecord, error) {
	data, err := os.ReadFile(fs.recordPath(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("credential %s not found", id)
		}
		return nil, fmt.Errorf("failed to read credential %s: %w", id, err)
	}

	var record CredentialRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, fmt.Errorf("failed to parse credential %s: %w", id, err)
	}
	return &record, nil
}

func (fs *FileSystemStore) writeRecord(record CredentialRecord) error {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal credential %s: %w", record.ID, err)
	}
	return writeSecureFile(fs.recordPath(record.ID), data, FilePermissions)
}

// Artifact store

func validateArtifactName(name string) error {
	if name == "" {
		return fmt.Errorf("artifact name cannot be empty")
	}
	if strings.Contains(name, "..") || strings.ContainsAny(name, `/\`) {
		return fmt.Errorf("artifact name contains invalid characters")
	}
	return nil
}

func (fs *FileSystemStore) SaveArtifact(name string, data []byte) error {
	if err := validateArtifactName(name); err != nil {
		return err
	}
	return writeSecureFile(filepath.Join(fs.artifactsDir, name), data, FilePermissions)
}

func (fs *FileSystemStore) LoadArtifact(name string) ([]byte, error) {
	if err := validateArtifactName(name); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(filepath.Join(fs.artifactsDir, name))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("artifact %s not found", name)
		}
		return nil, fmt.Errorf("failed to read artifact %s: %w", name, err)
	}
	return data, nil
}

func (fs *FileSystemStore) ListArtifacts() ([]ArtifactInfo, error) {
	entries, err := os.ReadDir(fs.artifactsDir)
	if err != nil {
		return nil, fmt.Errorf("failed to read artifacts directory: %w", err)
	}

	var artifacts []ArtifactInfo
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		artifacts = append(artifacts, ArtifactInfo{
			Name:       entry.Name(),
			Size:       info.Size(),
			ModifiedAt: info.ModTime(),
		})
	}

	sort.Slice(artifacts, func(i, j int) bool {
		return artifacts[i].ModifiedAt.After(artifacts[j].ModifiedAt)
	})
	return artifacts, nil
}

func (fs *FileSystemStore) DeleteArtifact(name string) error {
	if err := validateArtifactName(name); err != nil {
		return err
	}

	err := os.Remove(filepath.Join(fs.artifactsDir, name))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete artifact %s: %w", name, err)
	}
	return nil
}

func (fs *FileSystemStore) Ping() error {
	return nil
}

func (fs *FileSystemStore) Close() error {
	return nil
}

func (fs *FileSystemStore) GetType() string {
	return string(StoreTypeFileSystem)
}

// IsNotFound reports whether err is a missing-record or missing-artifact
// error from any store backend.
func IsNotFound(err error) bool {
	return misc.IsNotFoundError(err)
}

// writeSecureFile writes data atomically: temp file in the same directory,
// fsync, chmod, rename. Readers never observe a partial file.
func writeSecureFile(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	tmpFile, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmpFile.Name()

	if _, err = tmpFile.Write(data); err != nil {
		_ = tmpFile.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to write to temp file: %w", err)
	}

	if err = tmpFile.Sync(); err != nil {
		_ = tmpFile.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to sync temp file: %w", err)
	}

	if err = tmpFile.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to close temp file: %w", err)
	}

	if err = os.Chmod(tmpPath, perm); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to set permissions: %w", err)
	}

	if err = os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to rename temp file: %w", err)
	}

	return nil
}
