package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"printcast/internal/app"
	"printcast/internal/platform/config"
	"printcast/internal/youtube"

	"github.com/spf13/cobra"
)

var authCmd = &cobra.Command{
	Use:   "auth",
	Short: "Run the one-time YouTube authorization flow",
	Long: `auth prints a consent URL, waits for the authorization code from the
consent page, and stores the resulting refresh token in the token
directory. Run it once before using stream, testsrc, or poll mode.`,
	FParseErrWhitelist: cobra.FParseErrWhitelist{UnknownFlags: true},
	SilenceUsage:       true,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgFile, os.Args[1:])
		if err != nil {
			return app.Exit(app.CodeConfig, fmt.Errorf("load config: %w", err))
		}
		if !cfg.YouTube.CredentialsConfigured() {
			return app.Exit(app.CodeConfig,
				fmt.Errorf("YouTube:ClientID and YouTube:ClientSecret are required"))
		}

		cc := youtube.ClientConfig{
			ClientID:     cfg.YouTube.ClientID,
			ClientSecret: cfg.YouTube.ClientSecret,
			TokenDir:     cfg.YouTube.TokenDir,
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Visit the URL below, authorize the application, and paste the code:\n\n%s\n\nCode: ", cc.AuthURL())

		code, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
		if err != nil {
			return fmt.Errorf("read authorization code: %w", err)
		}
		code = strings.TrimSpace(code)
		if code == "" {
			return app.Exit(app.CodeAuth, fmt.Errorf("empty authorization code"))
		}
		if err := cc.ExchangeAndSave(cmd.Context(), code); err != nil {
			return app.Exit(app.CodeAuth, err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Token stored in %s\n", cfg.YouTube.TokenDir)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(authCmd)
}
