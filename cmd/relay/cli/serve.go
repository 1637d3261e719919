package cli

import (
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/majorcontext/relay/internal/engine"
	"github.com/majorcontext/relay/internal/log"
	"github.com/majorcontext/relay/internal/watch"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the gateway server",
	Long: `Starts the HTTP gateway and serves until interrupted. Credentials
added to or removed from the managed directory are picked up without a
restart.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	// Re-init logging with the config's settings layered over the flags.
	if err := log.Init(log.Options{
		Verbose:    verbose || cfg.Log.Level == "debug",
		JSONFormat: jsonOut || cfg.Log.Format == "json",
		DebugDir:   cfg.Log.Dir,
	}); err != nil {
		cmd.PrintErrf("Warning: failed to initialize debug logging: %v\n", err)
	}
	defer log.Close()

	eng, err := engine.New(cfg)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	watcher := watch.New(cfg.CredentialDir(), eng.ReloadCredentials)
	go func() {
		if err := watcher.Run(ctx); err != nil {
			log.Warn("credential watcher stopped", "error", err)
		}
	}()

	log.Info("starting gateway",
		"listen", cfg.Listen,
		"data_dir", cfg.DataDir,
		"config", filepath.Clean(configPath))
	return eng.Run(ctx)
}
