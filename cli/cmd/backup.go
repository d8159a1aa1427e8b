package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	hivevault "github.com/lancejames221b/hivevault"
)

var backupCmd = &cobra.Command{
	Use:   "backup",
	Short: "Backup and restore vault data",
	Long: `Create encrypted backups of stored credentials and audit data, or restore
from them. Backups are sealed under a dedicated backup key hierarchy whose
passphrase must differ from the vault passphrase.`,
}

var backupCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a backup",
	Long:  `Queue a backup of the configured type. The artifact is integrity-checksummed and encrypted under the current backup key before it reaches the artifact store.`,
	RunE:  runBackupCreate,
}

var backupRestoreCmd = &cobra.Command{
	Use:   "restore <backup-id>",
	Short: "Restore from a backup",
	Long:  `Verify a backup's checksum, decrypt it, and replay its credentials into the store. A checksum mismatch aborts the restore before any decryption is attempted.`,
	Args:  cobra.ExactArgs(1),
	RunE:  runBackupRestore,
}

var backupListCmd = &cobra.Command{
	Use:   "list",
	Short: "List backups",
	RunE:  runBackupList,
}

var backupStatusCmd = &cobra.Command{
	Use:   "status <backup-id>",
	Short: "Show backup status",
	Args:  cobra.ExactArgs(1),
	RunE:  runBackupStatus,
}

var (
	backupTypeFlag   string
	backupTags       []string
	backupJSONOutput bool
	restoreTargetEnv string
)

func init() {
	rootCmd.AddCommand(backupCmd)

	backupCmd.AddCommand(backupCreateCmd)
	backupCmd.AddCommand(backupRestoreCmd)
	backupCmd.AddCommand(backupListCmd)
	backupCmd.AddCommand(backupStatusCmd)

	backupCreateCmd.Flags().StringVar(&backupTypeFlag, "type", "full", "backup type (full, incremental, differential, metadata-only)")
	backupCreateCmd.Flags().StringSliceVar(&backupTags, "tag", nil, "tag to attach (repeatable)")
	backupListCmd.Flags().BoolVar(&backupJSONOutput, "json", false, "Output in JSON format")
	backupStatusCmd.Flags().BoolVar(&backupJSONOutput, "json", false, "Output in JSON format")
	backupRestoreCmd.Flags().StringVar(&restoreTargetEnv, "target-env", "", "environment label recorded with the restore")
}

func runBackupCreate(cmd *cobra.Command, args []string) error {
	backupType, err := parseBackupType(backupTypeFlag)
	if err != nil {
		return err
	}

	backupID, err := vaultSvc.CreateBackup(backupType, cliContext.UserID, backupTags)
	if err != nil {
		return fmt.Errorf("failed to create backup: %w", err)
	}
	fmt.Printf("Backup queued: %s\n", backupID)
	return nil
}

func runBackupRestore(cmd *cobra.Command, args []string) error {
	restoreID, err := vaultSvc.RestoreBackup(args[0], cliContext.UserID, restoreTargetEnv)
	if err != nil {
		return fmt.Errorf("restore failed: %w", err)
	}

	op, err := vaultSvc.GetRestoreStatus(restoreID)
	if err != nil {
		return fmt.Errorf("restore finished but status lookup failed: %w", err)
	}
	fmt.Printf("Restore %s: %s (%d/%d credentials)\n", op.ID, op.Status, op.RestoredCount, op.TotalCount)
	for _, e := range op.Errors {
		fmt.Printf("Error: %s\n", e)
	}
	return nil
}

func runBackupList(cmd *cobra.Command, args []string) error {
	backups := vaultSvc.ListBackups()

	if backupJSONOutput {
		return json.NewEncoder(os.Stdout).Encode(backups)
	}

	header := []string{"ID", "TYPE", "STATUS", "CREATED", "CREDENTIALS", "SIZE"}
	rows := make([][]string, 0, len(backups))
	for _, b := range backups {
		rows = append(rows, []string{
			b.ID,
			string(b.Type),
			string(b.Status),
			b.CreatedAt.UTC().Format(time.RFC3339),
			strconv.Itoa(b.CredentialCount),
			strconv.FormatInt(b.FileSize, 10),
		})
	}
	printTable(header, rows)
	return nil
}

func runBackupStatus(cmd *cobra.Command, args []string) error {
	meta, err := vaultSvc.GetBackupStatus(args[0])
	if err != nil {
		return fmt.Errorf("failed to get backup status: %w", err)
	}

	if backupJSONOutput {
		return json.NewEncoder(os.Stdout).Encode(meta)
	}

	fmt.Printf("Backup:       %s\n", meta.ID)
	fmt.Printf("Type:         %s\n", meta.Type)
	fmt.Printf("Status:       %s\n", meta.Status)
	fmt.Printf("Created:      %s by %s\n", meta.CreatedAt.UTC().Format(time.RFC3339), meta.CreatedBy)
	fmt.Printf("Credentials:  %d\n", meta.CredentialCount)
	fmt.Printf("Size:         %d bytes (compressed: %d)\n", meta.FileSize, meta.CompressedSize)
	fmt.Printf("Key Version:  %d\n", meta.KeyVersion)
	fmt.Printf("Checksum:     %s\n", meta.Checksum)
	if meta.RetentionUntil != nil {
		fmt.Printf("Retained To:  %s\n", meta.RetentionUntil.UTC().Format(time.RFC3339))
	}
	if meta.Error != "" {
		fmt.Printf("Error:        %s\n", meta.Error)
	}
	return nil
}

func parseBackupType(name string) (hivevault.BackupType, error) {
	switch strings.ToLower(name) {
	case "", "full":
		return hivevault.BackupFull, nil
	case "incremental":
		return hivevault.BackupIncremental, nil
	case "differential":
		return hivevault.BackupDifferential, nil
	case "metadata-only", "metadata":
		return hivevault.BackupMetadataOnly, nil
	default:
		return "", fmt.Errorf("unknown backup type: %s. Supported: full, incremental, differential, metadata-only", name)
	}
}
