package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	hivevault "github.com/lancejames221b/hivevault"
)

var keysCmd = &cobra.Command{
	Use:   "key",
	Short: "Manage master key versions",
	Long:  `Manage the vault's versioned master keys including listing, rotation, and rotation status.`,
}

var keyListCmd = &cobra.Command{
	Use:   "list",
	Short: "List all key versions",
	Long:  `List every master key version with its status, creation time, and the number of credentials sealed under it. Key material is never shown; versions are identified by a hash of the material.`,
	RunE:  runKeyList,
}

var keyRotateCmd = &cobra.Command{
	Use:   "rotate",
	Short: "Rotate the master key",
	Long:  `Generate a new master key version and re-encrypt all stored credentials under it in paced batches. The operation is queued; use "key status <operation-id>" to follow progress.`,
	RunE:  runKeyRotate,
}

var keyEmergencyCmd = &cobra.Command{
	Use:   "emergency",
	Short: "Emergency key rotation",
	Long:  `Mark the current master key version COMPROMISED and rotate away from it immediately. The compromised version never returns to service.`,
	RunE:  runKeyEmergency,
}

var keyStatusCmd = &cobra.Command{
	Use:   "status <operation-id>",
	Short: "Show rotation operation status",
	Args:  cobra.ExactArgs(1),
	RunE:  runKeyStatus,
}

var (
	jsonOutput      bool
	rotateWait      bool
	emergencyReason string
)

func init() {
	rootCmd.AddCommand(keysCmd)

	keysCmd.AddCommand(keyListCmd)
	keysCmd.AddCommand(keyRotateCmd)
	keysCmd.AddCommand(keyEmergencyCmd)
	keysCmd.AddCommand(keyStatusCmd)

	keyListCmd.Flags().BoolVar(&jsonOutput, "json", false, "Output in JSON format")
	keyStatusCmd.Flags().BoolVar(&jsonOutput, "json", false, "Output in JSON format")
	keyRotateCmd.Flags().BoolVar(&rotateWait, "wait", false, "Block until the rotation completes")
	keyEmergencyCmd.Flags().StringVar(&emergencyReason, "reason", "", "reason recorded in the audit trail")
}

func runKeyList(cmd *cobra.Command, args []string) error {
	versions := vaultSvc.ListKeyVersions()

	if jsonOutput {
		return json.NewEncoder(os.Stdout).Encode(versions)
	}

	header := []string{"VERSION", "STATUS", "CREATED", "CREDENTIALS", "KEY HASH"}
	rows := make([][]string, 0, len(versions))
	for _, kv := range versions {
		hash := kv.KeyHash
		if len(hash) > 16 {
			hash = hash[:16]
		}
		rows = append(rows, []string{
			strconv.Itoa(kv.Version),
			string(kv.Status),
			kv.CreatedAt.UTC().Format(time.RFC3339),
			strconv.Itoa(kv.CredentialsEncryptedCount),
			hash,
		})
	}
	printTable(header, rows)
	return nil
}

func runKeyRotate(cmd *cobra.Command, args []string) error {
	operationID, err := vaultSvc.InitiateRotation(hivevault.TriggerManual, cliContext.UserID, nil)
	if err != nil {
		return fmt.Errorf("failed to initiate rotation: %w", err)
	}
	fmt.Printf("Rotation queued: %s\n", operationID)

	if rotateWait {
		return waitForRotation(operationID)
	}
	return nil
}

func runKeyEmergency(cmd *cobra.Command, args []string) error {
	reason := emergencyReason
	if reason == "" {
		reason = "operator initiated emergency rotation"
	}

	operationID, err := vaultSvc.EmergencyKeyRotation(cliContext.UserID, reason)
	if err != nil {
		return fmt.Errorf("emergency rotation failed: %w", err)
	}
	fmt.Printf("Emergency rotation queued: %s\n", operationID)
	return waitForRotation(operationID)
}

func runKeyStatus(cmd *cobra.Command, args []string) error {
	op, err := vaultSvc.GetRotationStatus(args[0])
	if err != nil {
		return fmt.Errorf("failed to get rotation status: %w", err)
	}

	if jsonOutput {
		return json.NewEncoder(os.Stdout).Encode(op)
	}

	printRotation(op)
	return nil
}

func printRotation(op *hivevault.RotationOperation) {
	fmt.Printf("Operation:  %s\n", op.ID)
	fmt.Printf("Status:     %s\n", op.Status)
	fmt.Printf("Trigger:    %s\n", op.Trigger)
	fmt.Printf("Versions:   %d -> %d\n", op.OldVersion, op.NewVersion)
	fmt.Printf("Progress:   %.1f%% (%d/%d)\n", op.ProgressPercent, op.RotatedCount, op.TotalCount)
	if op.Reason != "" {
		fmt.Printf("Reason:     %s\n", op.Reason)
	}
	for _, e := range op.Errors {
		fmt.Printf("Error:      %s\n", e)
	}
	if op.CompletedAt != nil {
		fmt.Printf("Completed:  %s\n", op.CompletedAt.UTC().Format(time.RFC3339))
	}
}

func waitForRotation(operationID string) error {
	for {
		op, err := vaultSvc.GetRotationStatus(operationID)
		if err != nil {
			return fmt.Errorf("failed to poll rotation status: %w", err)
		}

		switch op.Status {
		case hivevault.RotationCompleted:
			fmt.Printf("Rotation %s completed: %d credentials re-encrypted under version %d\n",
				operationID, op.RotatedCount, op.NewVersion)
			return nil
		case hivevault.RotationFailed, hivevault.RotationRollback:
			printRotation(op)
			return fmt.Errorf("rotation %s finished with status %s", operationID, op.Status)
		}

		time.Sleep(200 * time.Millisecond)
	}
}
