package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"printcast/internal/app"
	"printcast/internal/platform/config"
	"printcast/internal/platform/logger"

	"github.com/spf13/cobra"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "printcast",
	Short: "3D printer camera proxy and YouTube Live bridge",
	Long: `printcast serves a 3D printer's MJPEG camera over HTTP, captures
time-lapse sessions, and pushes the stream to YouTube Live with
quota-aware status polling. The mode of operation is selected with
--Mode (serve, stream, read, testsrc, poll).`,
	// Unknown flags are hierarchical config overrides (--Key=Value),
	// consumed by the config loader.
	FParseErrWhitelist: cobra.FParseErrWhitelist{UnknownFlags: true},
	SilenceUsage:       true,
	SilenceErrors:      true,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgFile, os.Args[1:])
		if err != nil {
			return app.Exit(app.CodeConfig, fmt.Errorf("load config: %w", err))
		}

		log := logger.New(cfg.Log.Level, cfg.Log.Format)

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
		go func() {
			<-sigCh
			log.Info("shutdown signal received")
			cancel()
		}()

		return app.New(cfg, log).Run(ctx)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file path (json or yaml)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		slog.Error("fatal", slog.String("error", err.Error()))
		os.Exit(app.CodeOf(err))
	}
}
