package cmd

import (
	"fmt"
	"os"
	"os/user"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	hivevault "github.com/lancejames221b/hivevault"
	"github.com/lancejames221b/hivevault/audit"
	"github.com/lancejames221b/hivevault/persist"
)

var (
	cfgFile    string
	dataDir    string
	passphrase string
	vaultSvc   hivevault.VaultService
	cliContext *CLIContext
)

type CLIContext struct {
	UserID    string
	SessionID string
	Source    string // hostname
	StartTime time.Time
}

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "hivevault",
	Short: "A credential vault with versioned key encryption and audited access",
	Long: `A credential vault that encrypts secrets under versioned master keys with
automatic key rotation, brute-force rate limiting, MFA-gated sessions, and a
tamper-evident audit trail with compliance reporting.`,
	PersistentPreRunE: initializeVault,
	PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
		if vaultSvc != nil {
			return vaultSvc.Close()
		}
		return nil
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.hivevault.yaml)")
	rootCmd.PersistentFlags().StringVarP(&dataDir, "data-dir", "d", "", "path to vault storage")
	rootCmd.PersistentFlags().StringVar(&passphrase, "passphrase", "", "vault passphrase (or use HIVEVAULT_PASSPHRASE env var)")
	rootCmd.PersistentFlags().String("store-type", "", "credential storage backend (memory, filesystem)")
	rootCmd.PersistentFlags().String("security-level", "", "security level (standard, high, maximum)")

	bindFlagOrPanic("vault.data_dir", "data-dir")
	bindFlagOrPanic("vault.passphrase", "passphrase")
	bindFlagOrPanic("vault.store_type", "store-type")
	bindFlagOrPanic("vault.security_level", "security-level")

	// Audit flags
	rootCmd.PersistentFlags().Bool("audit", false, "enable audit logging")
	rootCmd.PersistentFlags().String("audit-type", "", "audit sink type (file, sqlite, syslog)")
	rootCmd.PersistentFlags().String("audit-file", "", "audit sink file path")

	bindFlagOrPanic("audit.enabled", "audit")
	bindFlagOrPanic("audit.type", "audit-type")
	bindFlagOrPanic("audit.options.file_path", "audit-file")

	// S3 flags for backup artifact storage
	rootCmd.PersistentFlags().String("s3-endpoint", "", "S3 endpoint URL for backup artifacts")
	rootCmd.PersistentFlags().String("s3-region", "", "S3 region")
	rootCmd.PersistentFlags().String("s3-bucket", "", "S3 bucket name")
	rootCmd.PersistentFlags().String("s3-prefix", "", "S3 key prefix")
	rootCmd.PersistentFlags().String("s3-access-key", "", "S3 access key ID")
	rootCmd.PersistentFlags().String("s3-secret-key", "", "S3 secret access key")
	rootCmd.PersistentFlags().Bool("s3-use-ssl", true, "Use SSL for S3 connections")

	bindFlagOrPanic("backup.s3.endpoint", "s3-endpoint")
	bindFlagOrPanic("backup.s3.region", "s3-region")
	bindFlagOrPanic("backup.s3.bucket", "s3-bucket")
	bindFlagOrPanic("backup.s3.prefix", "s3-prefix")
	bindFlagOrPanic("backup.s3.access_key_id", "s3-access-key")
	bindFlagOrPanic("backup.s3.secret_access_key", "s3-secret-key")
	bindFlagOrPanic("backup.s3.use_ssl", "s3-use-ssl")
}

func bindFlagOrPanic(configKey, flagName string) {
	if err := viper.BindPFlag(configKey, rootCmd.PersistentFlags().Lookup(flagName)); err != nil {
		panic(fmt.Sprintf("failed to bind %s flag: %v", flagName, err))
	}
}

func initConfig() {
	setDefaults()

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err == nil {
			viper.AddConfigPath(home)
		}
		viper.AddConfigPath(".")
		viper.AddConfigPath("/etc/hivevault")

		viper.SetConfigType("yaml")
		viper.SetConfigName(".hivevault")
	}

	viper.SetEnvPrefix("HIVEVAULT")
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			fmt.Fprintf(os.Stderr, "Error reading config file: %v\n", err)
		}
		// Config file not found is OK, defaults and env vars apply.
	}
}

func setDefaults() {
	viper.SetDefault("vault.data_dir", ".hivevault")
	viper.SetDefault("vault.store_type", "filesystem")
	viper.SetDefault("vault.security_level", "high")

	viper.SetDefault("audit.enabled", false)
	viper.SetDefault("audit.type", "file")
	viper.SetDefault("audit.options.file_path", "audit.log")

	viper.SetDefault("backup.enabled", false)
	viper.SetDefault("backup.compress", true)
	viper.SetDefault("backup.retention_days", 90)
	viper.SetDefault("backup.artifact_store", "filesystem")

	viper.SetDefault("backup.s3.region", "us-east-1")
	viper.SetDefault("backup.s3.prefix", "hivevault/")
	viper.SetDefault("backup.s3.use_ssl", true)
}

func initializeVault(cmd *cobra.Command, args []string) error {
	// Skip initialization for commands that need no vault
	for c := cmd; c != nil; c = c.Parent() {
		if c.Name() == "help" || c.Name() == "completion" || c.Name() == "__complete" || c.Name() == "config" {
			return nil
		}
	}

	dataDir = viper.GetString("vault.data_dir")

	passphrase = viper.GetString("vault.passphrase")
	if passphrase == "" {
		passphrase = os.Getenv("HIVEVAULT_PASSPHRASE")
	}
	if passphrase == "" {
		return fmt.Errorf("vault passphrase is required. Use --passphrase flag or HIVEVAULT_PASSPHRASE environment variable")
	}

	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return fmt.Errorf("failed to create vault directory: %w", err)
	}

	cliContext = &CLIContext{
		UserID:    getCurrentUser(),
		SessionID: uuid.New().String(),
		Source:    getHostname(),
		StartTime: time.Now(),
	}

	options, err := buildOptions()
	if err != nil {
		return err
	}

	store, err := createCredentialStore()
	if err != nil {
		return fmt.Errorf("failed to create credential store: %w", err)
	}

	artifacts, err := createArtifactStore()
	if err != nil {
		return fmt.Errorf("failed to create artifact store: %w", err)
	}

	vaultSvc, err = hivevault.New(options, store, artifacts, nil)
	if err != nil {
		return fmt.Errorf("failed to initialize vault: %w", err)
	}
	return nil
}

func buildOptions() (hivevault.Options, error) {
	options := hivevault.DefaultOptions()
	options.DerivationPassphrase = passphrase
	options.EnvPassphraseVar = "HIVEVAULT_PASSPHRASE"
	options.UserID = cliContext.UserID

	switch strings.ToLower(viper.GetString("vault.security_level")) {
	case "", "high":
		options.SecurityLevel = hivevault.SecurityHigh
	case "standard":
		options.SecurityLevel = hivevault.SecurityStandard
	case "maximum":
		options.SecurityLevel = hivevault.SecurityMaximum
	default:
		return options, fmt.Errorf("unknown security level: %s", viper.GetString("vault.security_level"))
	}

	options.Audit = audit.Config{
		Enabled: viper.GetBool("audit.enabled"),
		Type:    audit.SinkType(viper.GetString("audit.type")),
		Options: map[string]interface{}{
			"file_path": resolveAuditPath(),
		},
	}

	if viper.GetBool("backup.enabled") {
		options.Backup.KeyDirectory = filepath.Join(dataDir, "backup-keys")
		options.Backup.EnvPassphraseVar = "HIVEVAULT_BACKUP_PASSPHRASE"
		options.Backup.Compress = viper.GetBool("backup.compress")
		options.Backup.RetentionDays = viper.GetInt("backup.retention_days")
	}

	return options, nil
}

// resolveAuditPath anchors a relative audit file under the vault data dir.
func resolveAuditPath() string {
	path := viper.GetString("audit.options.file_path")
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(dataDir, path)
}

func createCredentialStore() (persist.CredentialStore, error) {
	storeType := strings.ToLower(viper.GetString("vault.store_type"))
	switch storeType {
	case "memory":
		return persist.NewCredentialStore(persist.StoreConfig{Type: persist.StoreTypeMemory})
	case "", "filesystem", "file":
		return persist.NewCredentialStore(persist.StoreConfig{
			Type:   persist.StoreTypeFileSystem,
			Config: map[string]interface{}{"path": dataDir},
		})
	default:
		return nil, fmt.Errorf("unsupported store type: %s. Supported types: memory, filesystem", storeType)
	}
}

func createArtifactStore() (persist.ArtifactStore, error) {
	if !viper.GetBool("backup.enabled") {
		return nil, nil
	}

	switch strings.ToLower(viper.GetString("backup.artifact_store")) {
	case "", "filesystem", "file":
		return persist.NewArtifactStore(persist.StoreConfig{
			Type:   persist.StoreTypeFileSystem,
			Config: map[string]interface{}{"path": dataDir},
		})

	case "s3":
		s3Config := persist.S3Config{
			Endpoint:        viper.GetString("backup.s3.endpoint"),
			AccessKeyID:     viper.GetString("backup.s3.access_key_id"),
			SecretAccessKey: viper.GetString("backup.s3.secret_access_key"),
			Bucket:          viper.GetString("backup.s3.bucket"),
			KeyPrefix:       viper.GetString("backup.s3.prefix"),
			UseSSL:          viper.GetBool("backup.s3.use_ssl"),
			Region:          viper.GetString("backup.s3.region"),
		}
		if err := validateS3Config(s3Config); err != nil {
			return nil, fmt.Errorf("invalid S3 configuration: %w", err)
		}
		return persist.NewS3Store(s3Config)

	default:
		return nil, fmt.Errorf("unsupported artifact store: %s. Supported types: filesystem, s3", viper.GetString("backup.artifact_store"))
	}
}

func validateS3Config(config persist.S3Config) error {
	var missing []string

	if config.Endpoint == "" {
		missing = append(missing, "backup.s3.endpoint")
	}
	if config.Bucket == "" {
		missing = append(missing, "backup.s3.bucket")
	}

	hasAccessKey := config.AccessKeyID != ""
	hasSecretKey := config.SecretAccessKey != ""

	if hasAccessKey && !hasSecretKey {
		missing = append(missing, "backup.s3.secret_access_key")
	}
	if !hasAccessKey && hasSecretKey {
		missing = append(missing, "backup.s3.access_key_id")
	}

	if len(missing) > 0 {
		return fmt.Errorf("missing required configuration: %s", strings.Join(missing, ", "))
	}
	return nil
}

// getCurrentUser retrieves the username of the currently logged-in user.
// It returns "unknown_user" if the user cannot be determined.
func getCurrentUser() string {
	currentUser, err := user.Current()
	if err != nil {
		// Restricted environments (e.g. scratch containers) may lack
		// /etc/passwd; fall back to the environment.
		if envUser := os.Getenv("USER"); envUser != "" {
			return envUser
		}
		return "unknown_user"
	}
	return currentUser.Username
}

// getHostname retrieves the hostname of the machine.
func getHostname() string {
	hostname, err := os.Hostname()
	if err != nil {
		return "unknown_host"
	}
	return hostname
}
