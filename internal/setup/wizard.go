package setup

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/njoerd114/fieldsync/internal/auth"
	"github.com/njoerd114/fieldsync/internal/config"
	"github.com/njoerd114/fieldsync/internal/remote"
)

// PingFunc checks that the backend accepts the given token.
type PingFunc func(ctx context.Context, apiURL, token string) error

// Wizard guides the user through first-run configuration.
type Wizard struct {
	prompt  *Prompter
	logger  *slog.Logger
	w       io.Writer
	cfgPath string
	ping    PingFunc
}

// NewWizard creates a Wizard that writes its result to cfgPath.
func NewWizard(r io.Reader, w io.Writer, cfgPath string, logger *slog.Logger) *Wizard {
	wiz := &Wizard{
		prompt:  NewPrompter(r, w),
		logger:  logger,
		w:       w,
		cfgPath: cfgPath,
	}
	wiz.ping = wiz.pingBackend
	return wiz
}

// Run executes the interactive setup wizard: backend connection, local data
// directory, photo handling, and saving the config file.
func (wiz *Wizard) Run(ctx context.Context) error {
	fmt.Fprintf(wiz.w, "\nWelcome to fieldsync setup!\n")
	fmt.Fprintf(wiz.w, "This wizard writes the configuration used by 'fieldsync sync'.\n\n")

	if _, statErr := os.Stat(wiz.cfgPath); statErr == nil {
		fmt.Fprintf(wiz.w, "  Existing config found at %s\n", wiz.cfgPath)
		if !wiz.prompt.Confirm("Overwrite existing configuration?", false) {
			fmt.Fprintf(wiz.w, "\n  Keeping existing config.\n")
			return nil
		}
		fmt.Fprintf(wiz.w, "\n")
	}

	// Step 1: backend connection.
	fmt.Fprintf(wiz.w, "Step 1/4: Backend Connection\n")

	cfg := &config.Config{}
	cfg.APIURL = wiz.prompt.String("API URL", "https://api.example.com")
	cfg.APIToken = wiz.prompt.Secret("API token (empty to use a token file)", true)
	if cfg.APIToken == "" {
		cfg.TokenFile = wiz.prompt.String("Token file", "")
	}

	token, err := wiz.initialToken(ctx, cfg)
	if err != nil {
		return err
	}
	fmt.Fprintf(wiz.w, "  Connecting to backend...")
	if err := wiz.ping(ctx, cfg.APIURL, token); err != nil {
		fmt.Fprintf(wiz.w, " failed\n")
		return fmt.Errorf("cannot reach backend: %w\n\n  Check the URL and token, then try again", err)
	}
	fmt.Fprintf(wiz.w, " ok\n\n")

	// Step 2: local data.
	fmt.Fprintf(wiz.w, "Step 2/4: Local Data\n")

	defaultDir, err := config.DefaultDataDir()
	if err != nil {
		return err
	}
	cfg.DataDir = wiz.prompt.String("Data directory", defaultDir)

	timeoutStr := wiz.prompt.String("Network timeout per request (1s-5m)", "30s")
	timeout, parseErr := time.ParseDuration(timeoutStr)
	if parseErr != nil {
		timeout = 30 * time.Second
		fmt.Fprintf(wiz.w, "  (invalid duration, using default 30s)\n")
	}
	cfg.RequestTimeout = timeout
	fmt.Fprintf(wiz.w, "\n")

	// Step 3: photos.
	fmt.Fprintf(wiz.w, "Step 3/4: Photos\n")

	if err := wiz.photoSettings(cfg); err != nil {
		return err
	}
	fmt.Fprintf(wiz.w, "\n")

	// Step 4: write config.
	fmt.Fprintf(wiz.w, "Step 4/4: Save Configuration\n")

	if err := cfg.Write(wiz.cfgPath); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}
	fmt.Fprintf(wiz.w, "  Config written to %s\n\n", wiz.cfgPath)
	fmt.Fprintf(wiz.w, "Setup complete! Run 'fieldsync sync' to download your meters.\n\n")
	return nil
}

// photoSettings asks where photos are stored and how large they should be.
func (wiz *Wizard) photoSettings(cfg *config.Config) error {
	idx, err := wiz.prompt.Select("Where should photos be uploaded?", []string{
		"Backend image endpoint",
		"S3-compatible bucket",
	})
	if err != nil {
		return fmt.Errorf("selecting photo storage: %w", err)
	}

	if idx == 1 {
		cfg.ObjectStorage = &config.ObjectStorageConfig{
			Endpoint:  wiz.prompt.String("Endpoint (host:port)", ""),
			AccessKey: wiz.prompt.String("Access key", ""),
			SecretKey: wiz.prompt.Secret("Secret key", false),
			Bucket:    wiz.prompt.String("Bucket", "fieldsync"),
			UseSSL:    wiz.prompt.Confirm("Use TLS?", true),
			PublicURL: wiz.prompt.Secret("Public base URL (empty for presigned links)", true),
		}
	}

	if wiz.prompt.Confirm("Ask the server to resize photos?", false) {
		cfg.Upload.Width = wiz.prompt.Int("Width", 1280)
		cfg.Upload.Height = wiz.prompt.Int("Height", 960)
	}
	return nil
}

func (wiz *Wizard) initialToken(ctx context.Context, cfg *config.Config) (string, error) {
	if cfg.APIToken != "" {
		return cfg.APIToken, nil
	}
	tok, err := auth.FileRefresher{Path: cfg.TokenFile}.Refresh(ctx)
	if err != nil {
		return "", fmt.Errorf("reading token file: %w", err)
	}
	return tok, nil
}

// pingBackend calls the health endpoint with a short timeout.
func (wiz *Wizard) pingBackend(ctx context.Context, apiURL, token string) error {
	client, err := remote.NewClient(apiURL, auth.NewSession(token, nil), wiz.logger, remote.WithTimeout(10*time.Second))
	if err != nil {
		return err
	}
	return client.Ping(ctx)
}
