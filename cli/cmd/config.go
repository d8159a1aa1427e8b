package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect and bootstrap the vault configuration",
	Long: `Show the effective configuration after merging the config file, environment
variables and command-line flags, or write a starter config file to edit.`,
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration as YAML",
	RunE:  showConfig,
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a starter config file",
	Long:  "Write a commented starter config to $HOME/.hivevault.yaml (or the path given with --config). Refuses to overwrite an existing file.",
	RunE:  initConfigFile,
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configInitCmd)
	rootCmd.AddCommand(configCmd)
}

// sensitiveKeys are settings whose values must never be printed.
var sensitiveKeys = map[string]bool{
	"passphrase":        true,
	"secret_access_key": true,
}

func showConfig(cmd *cobra.Command, args []string) error {
	settings := redactSettings(viper.AllSettings())

	out, err := yaml.Marshal(settings)
	if err != nil {
		return fmt.Errorf("failed to render configuration: %w", err)
	}

	if used := viper.ConfigFileUsed(); used != "" {
		fmt.Printf("# config file: %s\n", used)
	} else {
		fmt.Println("# config file: none (defaults, env vars and flags only)")
	}
	fmt.Print(string(out))
	return nil
}

// redactSettings walks the settings tree and masks secret values so the
// output is safe to paste into a bug report.
func redactSettings(settings map[string]interface{}) map[string]interface{} {
	redacted := make(map[string]interface{}, len(settings))
	for key, value := range settings {
		if nested, ok := value.(map[string]interface{}); ok {
			redacted[key] = redactSettings(nested)
			continue
		}
		if sensitiveKeys[key] {
			if s, ok := value.(string); ok && s != "" {
				redacted[key] = "<redacted>"
				continue
			}
		}
		redacted[key] = value
	}
	return redacted
}

func initConfigFile(cmd *cobra.Command, args []string) error {
	target := cfgFile
	if target == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("cannot determine home directory: %w", err)
		}
		target = filepath.Join(home, ".hivevault.yaml")
	}

	if _, err := os.Stat(target); err == nil {
		return fmt.Errorf("config file already exists: %s", target)
	}

	starter := map[string]interface{}{
		"vault": map[string]interface{}{
			"data_dir":       ".hivevault",
			"store_type":     "filesystem",
			"security_level": "high",
		},
		"audit": map[string]interface{}{
			"enabled": true,
			"type":    "file",
			"options": map[string]interface{}{
				"file_path": "audit.log",
			},
		},
		"backup": map[string]interface{}{
			"enabled":        false,
			"compress":       true,
			"retention_days": 90,
			"artifact_store": "filesystem",
		},
	}

	out, err := yaml.Marshal(starter)
	if err != nil {
		return fmt.Errorf("failed to render starter config: %w", err)
	}

	header := []byte("# HiveVault configuration. Passphrases are read from the\n" +
		"# HIVEVAULT_PASSPHRASE and HIVEVAULT_BACKUP_PASSPHRASE environment\n" +
		"# variables and must not be stored here.\n")

	if err := os.WriteFile(target, append(header, out...), 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	fmt.Printf("Wrote starter config to %s\n", target)
	return nil
}
