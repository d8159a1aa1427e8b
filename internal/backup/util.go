package backup

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"
)

// GenerateBackupID generates a unique backup ID
func GenerateBackupID() string {
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		return fmt.Sprintf("backup_%d", time.Now().UnixNano())
	}
	return fmt.Sprintf("backup_%d_%s", time.Now().Unix(), hex.EncodeToString(buf))
}

// ArtifactName builds the stored artifact file name for a backup ID.
func ArtifactName(backupID string) string {
	return backupID + ".hvb"
}
