package cli

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/majorcontext/relay/internal/credential"
	"github.com/majorcontext/relay/internal/engine"
	"github.com/majorcontext/relay/internal/oauth"
)

// authTimeout bounds how long the enrollment flow waits for the browser
// round trip.
const authTimeout = 5 * time.Minute

var authCmd = &cobra.Command{
	Use:   "auth <provider>",
	Short: "Enroll an OAuth credential via the browser",
	Long: `Runs the authorization-code flow for a provider and stores the
resulting token set in the managed credential directory. Repeat to enroll
additional accounts; the gateway rotates across all of them.`,
	Args: cobra.ExactArgs(1),
	RunE: runAuth,
}

func init() {
	rootCmd.AddCommand(authCmd)
}

func runAuth(cmd *cobra.Command, args []string) error {
	provider := args[0]
	if provider != "gemini" {
		return fmt.Errorf("provider %s does not use OAuth enrollment; set its API key in the environment instead", provider)
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return fmt.Errorf("starting callback listener: %w", err)
	}
	defer listener.Close()
	redirectURL := fmt.Sprintf("http://%s/oauth/callback", listener.Addr())

	flow := oauth.NewAuthFlow(engine.GeminiOAuthClient, redirectURL)
	state, err := randomState()
	if err != nil {
		return err
	}

	codeCh := make(chan string, 1)
	errCh := make(chan error, 1)
	srv := &http.Server{Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/oauth/callback" {
			http.NotFound(w, r)
			return
		}
		if r.URL.Query().Get("state") != state {
			errCh <- fmt.Errorf("oauth state mismatch")
			http.Error(w, "state mismatch", http.StatusBadRequest)
			return
		}
		if msg := r.URL.Query().Get("error"); msg != "" {
			errCh <- fmt.Errorf("authorization denied: %s", msg)
			http.Error(w, msg, http.StatusBadRequest)
			return
		}
		codeCh <- r.URL.Query().Get("code")
		fmt.Fprintln(w, "Authorization complete. You can close this tab.")
	})}
	go func() { _ = srv.Serve(listener) }()
	defer srv.Close()

	fmt.Fprintf(cmd.OutOrStdout(), "Open this URL in your browser to authorize:\n\n  %s\n\n", flow.AuthCodeURL(state))

	ctx, cancel := context.WithTimeout(cmd.Context(), authTimeout)
	defer cancel()

	var code string
	select {
	case code = <-codeCh:
	case err := <-errCh:
		return err
	case <-ctx.Done():
		return fmt.Errorf("timed out waiting for authorization")
	}

	token, err := flow.Exchange(ctx, code)
	if err != nil {
		return err
	}

	cred := &credential.Credential{
		Provider: provider,
		Kind:     credential.KindOAuth,
		Token:    token,
	}
	path, err := writeCredentialFile(cfg.CredentialDir(), cred)
	if err != nil {
		return err
	}

	account := token.Email
	if account == "" {
		account = "account"
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Enrolled %s for %s (%s)\n", provider, account, path)
	return nil
}

func randomState() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generating state: %w", err)
	}
	return hex.EncodeToString(b), nil
}
