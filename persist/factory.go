package persist

import (
	"fmt"
)

// NewCredentialStore creates a credential store from config. The S3 backend
// holds backup artifacts only, so it is not a valid credential store.
func NewCredentialStore(config StoreConfig) (CredentialStore, error) {
	switch config.Type {
	case StoreTypeMemory:
		return NewMemoryStore(), nil
	case StoreTypeFileSystem:
		return NewFileSystemStoreFromConfig(config)
	case StoreTypeS3:
		return nil, fmt.Errorf("S3 backend stores backup artifacts only, not credentials")
	default:
		return nil, fmt.Errorf("unsupported store type: %s", config.Type)
	}
}

// NewArtifactStore creates a backup artifact store from config.
func NewArtifactStore(config StoreConfig) (ArtifactStore, error) {
	switch config.Type {
	case StoreTypeFileSystem:
		return NewFileSystemStoreFromConfig(config)
	case StoreTypeS3:
		return NewS3StoreFromConfig(config)
	default:
		return nil, fmt.Errorf("unsupported artifact store type: %s", config.Type)
	}
}
