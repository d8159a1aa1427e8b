package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	hivevault "github.com/lancejames221b/hivevault"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show vault status",
	Long:  "Display information about the vault including memory protection level, key versions, and credential count.",
	RunE:  showStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func showStatus(cmd *cobra.Command, args []string) error {
	fmt.Println("Vault Status")
	fmt.Println("============")

	fmt.Printf("Memory Protection: %s\n", vaultSvc.MemoryProtection())

	versions := vaultSvc.ListKeyVersions()
	activeVersion := 0
	retired := 0
	compromised := 0
	for _, kv := range versions {
		switch kv.Status {
		case hivevault.KeyStatusActive:
			activeVersion = kv.Version
		case hivevault.KeyStatusRetired:
			retired++
		case hivevault.KeyStatusCompromised:
			compromised++
		}
	}
	fmt.Printf("Active Key Version: %d\n", activeVersion)
	fmt.Printf("Total Key Versions: %d (Retired: %d, Compromised: %d)\n", len(versions), retired, compromised)

	count, err := vaultSvc.CredentialCount()
	if err != nil {
		fmt.Printf("Total Credentials: ERROR - %v\n", err)
	} else {
		fmt.Printf("Total Credentials: %d\n", count)
	}

	if backups := vaultSvc.ListBackups(); backups != nil {
		fmt.Printf("Backups: %d\n", len(backups))
	}

	fmt.Printf("Data Dir: %s\n", dataDir)
	return nil
}
