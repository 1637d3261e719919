package cli

import (
	"fmt"
	"os"
	"path/filepath"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/majorcontext/relay/internal/credential"
	"github.com/majorcontext/relay/internal/log"
)

var credentialsCmd = &cobra.Command{
	Use:     "credentials",
	Aliases: []string{"creds"},
	Short:   "Manage stored provider credentials",
}

var credentialsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List configured credentials per provider",
	RunE:  runCredentialsList,
}

var credentialsImportCmd = &cobra.Command{
	Use:   "import <provider> <file>",
	Short: "Copy an existing OAuth credential file into the managed directory",
	Long: `Imports a credential file produced by a provider's own tooling, for
example the Gemini CLI's oauth_creds.json, without modifying the source.`,
	Args: cobra.ExactArgs(2),
	RunE: runCredentialsImport,
}

var credentialsRemoveCmd = &cobra.Command{
	Use:   "remove <id>",
	Short: "Delete a managed credential file",
	Args:  cobra.ExactArgs(1),
	RunE:  runCredentialsRemove,
}

func init() {
	credentialsCmd.AddCommand(credentialsListCmd)
	credentialsCmd.AddCommand(credentialsImportCmd)
	credentialsCmd.AddCommand(credentialsRemoveCmd)
	rootCmd.AddCommand(credentialsCmd)
}

func openStore() (*credential.Store, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	store := credential.NewStore(cfg.CredentialDir())
	if err := store.Load(); err != nil {
		return nil, err
	}
	return store, nil
}

func runCredentialsList(cmd *cobra.Command, _ []string) error {
	store, err := openStore()
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 2, 4, 2, ' ', 0)
	fmt.Fprintln(w, "PROVIDER\tKIND\tID\tACCOUNT\tEXPIRES")
	now := time.Now()
	for _, provider := range store.Providers() {
		for _, id := range store.List(provider) {
			c, ok := store.Get(id)
			if !ok {
				continue
			}
			account := c.Token.Email
			if account == "" {
				account = "-"
			}
			expires := "-"
			if c.Kind == credential.KindOAuth {
				if c.Token.Expired(now) {
					expires = "expired"
				} else {
					expires = time.Until(c.Token.ExpiresAt).Round(time.Minute).String()
				}
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
				provider, c.Kind, log.MaskCredential(id), account, expires)
		}
	}
	return w.Flush()
}

func runCredentialsImport(cmd *cobra.Command, args []string) error {
	provider, srcPath := args[0], args[1]
	store, err := openStore()
	if err != nil {
		return err
	}
	dst, err := store.Import(provider, srcPath)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Imported %s credential to %s\n", provider, dst)
	return nil
}

func runCredentialsRemove(cmd *cobra.Command, args []string) error {
	store, err := openStore()
	if err != nil {
		return err
	}
	if err := store.Delete(args[0]); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Removed %s\n", args[0])
	return nil
}

// writeCredentialFile persists a freshly enrolled OAuth credential under
// the next free name in the managed directory.
func writeCredentialFile(dir string, c *credential.Credential) (string, error) {
	data, err := c.MarshalFile()
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("creating credential dir: %w", err)
	}
	for n := 1; ; n++ {
		path := filepath.Join(dir, fmt.Sprintf("%s_oauth_%d.json", c.Provider, n))
		if _, err := os.Stat(path); err == nil {
			continue
		}
		if err := os.WriteFile(path, data, 0o600); err != nil {
			return "", fmt.Errorf("writing credential: %w", err)
		}
		return path, nil
	}
}
