package cmd

import (
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	hivevault "github.com/lancejames221b/hivevault"
)

var secretCmd = &cobra.Command{
	Use:   "secret",
	Short: "Manage stored credentials",
	Long:  `Store, retrieve, list, and delete credentials sealed under the vault's current master key version.`,
}

var secretPutCmd = &cobra.Command{
	Use:   "put <id> [value]",
	Short: "Store a credential",
	Long: `Store a credential under the given ID. The value is taken from the second
argument, or from stdin when omitted so secrets need not appear in shell history.`,
	Args: cobra.RangeArgs(1, 2),
	RunE: runSecretPut,
}

var secretGetCmd = &cobra.Command{
	Use:   "get <id>",
	Short: "Retrieve a credential",
	Args:  cobra.ExactArgs(1),
	RunE:  runSecretGet,
}

var secretDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete a credential",
	Args:  cobra.ExactArgs(1),
	RunE:  runSecretDelete,
}

var secretListCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored credential IDs",
	RunE:  runSecretList,
}

var encryptCmd = &cobra.Command{
	Use:   "encrypt [plaintext]",
	Short: "Encrypt data under a password-derived key",
	Long: `Encrypt data under a key derived from a password rather than the vault
master key. The output is a self-describing base64 blob carrying the KDF,
its parameters, and the salt needed to decrypt it again.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runEncrypt,
}

var decryptCmd = &cobra.Command{
	Use:   "decrypt <blob>",
	Short: "Decrypt a password-derived blob",
	Args:  cobra.ExactArgs(1),
	RunE:  runDecrypt,
}

var (
	secretLabels    []string
	encryptPassword string
	encryptAlg      string
)

func init() {
	rootCmd.AddCommand(secretCmd)
	rootCmd.AddCommand(encryptCmd)
	rootCmd.AddCommand(decryptCmd)

	secretCmd.AddCommand(secretPutCmd)
	secretCmd.AddCommand(secretGetCmd)
	secretCmd.AddCommand(secretDeleteCmd)
	secretCmd.AddCommand(secretListCmd)

	secretPutCmd.Flags().StringSliceVarP(&secretLabels, "label", "l", nil, "label in key=value form (repeatable)")

	encryptCmd.Flags().StringVar(&encryptPassword, "password", "", "encryption password (or use HIVEVAULT_ENCRYPT_PASSWORD env var)")
	encryptCmd.Flags().StringVar(&encryptAlg, "algorithm", "aes-gcm", "AEAD algorithm (aes-gcm, chacha20-poly1305)")
	decryptCmd.Flags().StringVar(&encryptPassword, "password", "", "decryption password (or use HIVEVAULT_ENCRYPT_PASSWORD env var)")
}

func runSecretPut(cmd *cobra.Command, args []string) error {
	id := args[0]

	var value []byte
	if len(args) == 2 {
		value = []byte(args[1])
	} else {
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			return fmt.Errorf("failed to read value from stdin: %w", err)
		}
		value = []byte(strings.TrimRight(string(data), "\n"))
	}
	if len(value) == 0 {
		return fmt.Errorf("credential value cannot be empty")
	}

	labels, err := parseLabels(secretLabels)
	if err != nil {
		return err
	}

	if err := vaultSvc.StoreCredential(id, value, labels); err != nil {
		return fmt.Errorf("failed to store credential: %w", err)
	}
	fmt.Printf("Stored credential %q\n", id)
	return nil
}

func runSecretGet(cmd *cobra.Command, args []string) error {
	value, err := vaultSvc.RetrieveCredential(args[0])
	if err != nil {
		return fmt.Errorf("failed to retrieve credential: %w", err)
	}
	os.Stdout.Write(value)
	if len(value) > 0 && value[len(value)-1] != '\n' {
		fmt.Println()
	}
	return nil
}

func runSecretDelete(cmd *cobra.Command, args []string) error {
	if err := vaultSvc.DeleteCredential(args[0]); err != nil {
		return fmt.Errorf("failed to delete credential: %w", err)
	}
	fmt.Printf("Deleted credential %q\n", args[0])
	return nil
}

func runSecretList(cmd *cobra.Command, args []string) error {
	count, err := vaultSvc.CredentialCount()
	if err != nil {
		return fmt.Errorf("failed to count credentials: %w", err)
	}
	fmt.Printf("Total Credentials: %d\n", count)
	return nil
}

func runEncrypt(cmd *cobra.Command, args []string) error {
	password, err := resolveEncryptPassword()
	if err != nil {
		return err
	}

	var plaintext []byte
	if len(args) == 1 {
		plaintext = []byte(args[0])
	} else {
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			return fmt.Errorf("failed to read plaintext from stdin: %w", err)
		}
		plaintext = data
	}

	algorithm, err := parseAlgorithm(encryptAlg)
	if err != nil {
		return err
	}

	blob, err := vaultSvc.Encrypt(plaintext, []byte(password), algorithm)
	if err != nil {
		return fmt.Errorf("encryption failed: %w", err)
	}

	encoded, err := blob.EncodeString()
	if err != nil {
		return fmt.Errorf("failed to encode blob: %w", err)
	}
	fmt.Println(encoded)
	return nil
}

func runDecrypt(cmd *cobra.Command, args []string) error {
	password, err := resolveEncryptPassword()
	if err != nil {
		return err
	}

	blob, err := hivevault.DecodeBlobString(args[0])
	if err != nil {
		return fmt.Errorf("failed to decode blob: %w", err)
	}

	plaintext, err := vaultSvc.Decrypt(blob, []byte(password))
	if err != nil {
		return fmt.Errorf("decryption failed: %w", err)
	}
	os.Stdout.Write(plaintext)
	if len(plaintext) > 0 && plaintext[len(plaintext)-1] != '\n' {
		fmt.Println()
	}
	return nil
}

func resolveEncryptPassword() (string, error) {
	if encryptPassword != "" {
		return encryptPassword, nil
	}
	if env := os.Getenv("HIVEVAULT_ENCRYPT_PASSWORD"); env != "" {
		return env, nil
	}
	return "", fmt.Errorf("password is required. Use --password flag or HIVEVAULT_ENCRYPT_PASSWORD environment variable")
}

func parseAlgorithm(name string) (hivevault.Algorithm, error) {
	switch strings.ToLower(name) {
	case "", "aes-gcm", "aesgcm":
		return hivevault.AlgorithmAESGCM, nil
	case "chacha20-poly1305", "chacha20poly1305":
		return hivevault.AlgorithmChaCha20Poly1305, nil
	default:
		return 0, fmt.Errorf("unknown algorithm: %s. Supported: aes-gcm, chacha20-poly1305", name)
	}
}

func parseLabels(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	labels := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		key, value, found := strings.Cut(pair, "=")
		if !found || key == "" {
			return nil, fmt.Errorf("invalid label %q, expected key=value", pair)
		}
		labels[key] = value
	}
	return labels, nil
}

// printTable renders rows with aligned columns.
func printTable(header []string, rows [][]string) {
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, strings.Join(header, "\t"))
	for _, row := range rows {
		fmt.Fprintln(w, strings.Join(row, "\t"))
	}
	w.Flush()
}
