package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/bdobrica/Hibiki/common/crypto"
	"github.com/bdobrica/Hibiki/common/environment"
	"github.com/bdobrica/Hibiki/common/retry"
	"github.com/bdobrica/Hibiki/common/version"
	"github.com/bdobrica/Hibiki/internal/hibiki/app"
	"github.com/bdobrica/Hibiki/internal/hibiki/observability"
)

func newRootCmd() *cobra.Command {
	s := loadSettings()

	rootCmd := &cobra.Command{
		Use:           "hibiki",
		Short:         "Hibiki: a conversational assistant on a Matrix account",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	rootCmd.PersistentFlags().StringVar(&s.LogLevel, "log-level", s.LogLevel, "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&s.LogFormat, "log-format", s.LogFormat, "log format (text, json)")
	rootCmd.PersistentFlags().StringVar(&s.HTTPAddr, "http-addr", s.HTTPAddr, "health and admin server address; empty disables it")

	rootCmd.AddCommand(
		newRunCmd(&s),
		newPairCmd(&s),
		newVersionCmd(),
	)
	return rootCmd
}

func newRunCmd(s *settings) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Connect to the homeserver and answer messages",
		RunE: func(cmd *cobra.Command, _ []string) error {
			observability.Setup(s.LogLevel, s.LogFormat)
			fmt.Fprintln(cmd.ErrOrStderr(), version.Info())

			if _, err := environment.RequiredString("MATRIX_HOMESERVER"); err != nil {
				return err
			}
			config := loadConfig(*s)
			if raw := environment.StringOr("HIBIKI_MASTER_KEY", ""); raw != "" {
				key, err := crypto.ParseMasterKey(raw)
				if err != nil {
					return fmt.Errorf("HIBIKI_MASTER_KEY: %w", err)
				}
				config.Matrix.MasterKey = key
			}

			hibiki, err := app.New(config)
			if err != nil {
				return fmt.Errorf("failed to initialize Hibiki: %w", err)
			}
			defer hibiki.Stop()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return hibiki.Run(ctx)
		},
	}
	cmd.Flags().StringVar(&s.ProfilePath, "profile", s.ProfilePath, "bot profile YAML; empty uses the built-in profile")
	cmd.Flags().StringVar(&s.DBPath, "db", s.DBPath, "SQLite database path")
	return cmd
}

// errNoPairing marks the 404 a running instance returns before it has a
// pairing artifact.
var errNoPairing = errors.New("no pairing in progress")

func newPairCmd(s *settings) *cobra.Command {
	var (
		server  string
		pngPath string
		connect bool
		wait    time.Duration
	)
	cmd := &cobra.Command{
		Use:   "pair",
		Short: "Show the pairing QR code of a running instance",
		Long: "pair asks a running Hibiki for its pending pairing link and prints it as a QR code. " +
			"Scan it, or open the link, and sign in as the bot account.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if server == "" {
				server = serverURL(s.HTTPAddr)
			}
			server = strings.TrimRight(server, "/")
			token := environment.StringOr("HIBIKI_ADMIN_TOKEN", "")
			client := &http.Client{Timeout: 10 * time.Second}
			ctx := cmd.Context()

			if connect {
				if _, err := fetch(ctx, client, http.MethodPost, server+"/session/connect", token); err != nil {
					return err
				}
			}

			format := "ascii"
			if pngPath != "" {
				format = "png"
			}
			var body []byte
			err := retry.Do(ctx, retry.Config{
				MaxAttempts:  max(1, int(wait/time.Second)),
				InitialDelay: time.Second,
				MaxDelay:     time.Second,
				ShouldRetry:  func(err error) bool { return errors.Is(err, errNoPairing) },
			}, func() error {
				var ferr error
				body, ferr = fetch(ctx, client, http.MethodGet, server+"/pairing?format="+format, token)
				return ferr
			})
			if err != nil {
				return err
			}

			if pngPath != "" {
				if err := os.WriteFile(pngPath, body, 0o600); err != nil {
					return fmt.Errorf("write %s: %w", pngPath, err)
				}
				_, err := fmt.Fprintf(cmd.OutOrStdout(), "QR code written to %s\n", pngPath)
				return err
			}
			_, err = cmd.OutOrStdout().Write(body)
			return err
		},
	}
	cmd.Flags().StringVar(&server, "server", "", "base URL of the running instance (default derived from --http-addr)")
	cmd.Flags().StringVar(&pngPath, "png", "", "write a PNG to this path instead of printing")
	cmd.Flags().BoolVar(&connect, "connect", false, "ask the instance to start connecting first")
	cmd.Flags().DurationVar(&wait, "wait", 30*time.Second, "how long to wait for a pairing link")
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, err := fmt.Fprintln(cmd.OutOrStdout(), version.Info())
			return err
		},
	}
}

// serverURL turns a listen address like ":8080" into a local base URL.
func serverURL(addr string) string {
	if addr == "" {
		addr = ":8080"
	}
	if strings.HasPrefix(addr, ":") {
		addr = "127.0.0.1" + addr
	}
	return "http://" + addr
}

func fetch(ctx context.Context, client *http.Client, method, url, token string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", version.UserAgent())
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("contact %s: %w", url, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", url, err)
	}
	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, errNoPairing
	case resp.StatusCode >= 300:
		return nil, fmt.Errorf("%s %s: %s: %s", method, url, resp.Status, strings.TrimSpace(string(body)))
	}
	return body, nil
}
