// Package cli implements the relay command-line interface using Cobra:
// the gateway server, credential management, and OAuth enrollment.
package cli

import (
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/majorcontext/relay/internal/config"
	"github.com/majorcontext/relay/internal/log"
)

var (
	verbose    bool
	jsonOut    bool
	configPath string
)

var rootCmd = &cobra.Command{
	Use:   "relay",
	Short: "Relay - self-hosted multi-provider LLM gateway",
	Long: `Relay is a self-hosted gateway that pools credentials for upstream
LLM providers behind one OpenAI-compatible endpoint. It rotates across
keys and OAuth accounts, tracks per-credential quota, and keeps serving
while individual credentials cool down.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if configPath == "" {
			configPath = os.Getenv("RELAY_CONFIG")
		}
		return log.Init(log.Options{Verbose: verbose, JSONFormat: jsonOut})
	},
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
	rootCmd.PersistentFlags().BoolVar(&jsonOut, "json", false, "output logs in JSON format")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file path (env: RELAY_CONFIG)")
}

// loadConfig reads the configured file, falling back to the default
// location under the data directory.
func loadConfig() (*config.Config, error) {
	path := configPath
	if path == "" {
		if home, err := os.UserHomeDir(); err == nil {
			path = filepath.Join(home, ".relay", "config.yaml")
		}
	}
	return config.Load(path)
}
