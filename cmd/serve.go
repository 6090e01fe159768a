package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/khanhnv2901/urlinspect/internal/admission"
	"github.com/khanhnv2901/urlinspect/internal/api"
	"github.com/khanhnv2901/urlinspect/internal/config"
	"github.com/khanhnv2901/urlinspect/internal/inspector"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the URL inspection REST API service",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(viper.GetViper())
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		applyServeFlags(cmd.Flags(), cfg)

		defer func() {
			if err := logger.Sync(); err != nil {
				fmt.Fprintf(os.Stderr, "failed to sync logger: %v\n", err)
			}
		}()

		store := admission.NewStore(cfg.Admission, logger.Named("admission"))
		defer store.Close()

		service := inspector.NewService(cfg, store, logger.Named("inspector"))

		server := api.NewServer(api.Config{
			Service:     service,
			AuthToken:   cfg.Server.AuthToken,
			Logger:      logger,
			CORSOrigins: cfg.Server.CORSOrigins,
			RateLimit:   cfg.Server.RateLimit,
			RateBurst:   cfg.Server.RateBurst,
			Version:     Version,
		})

		httpServer := &http.Server{
			Addr:         cfg.Server.Addr,
			Handler:      server,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 30 * time.Second,
			IdleTimeout:  120 * time.Second,
		}

		// Channel to listen for errors from the server
		serverErrors := make(chan error, 1)

		// Start server in a goroutine
		go func() {
			fmt.Printf("%s API server listening on %s\n", colorInfo("→"), cfg.Server.Addr)
			fmt.Printf("%s Press Ctrl+C to gracefully shutdown\n", colorInfo("→"))
			serverErrors <- httpServer.ListenAndServe()
		}()

		// Channel to listen for interrupt signals
		shutdown := make(chan os.Signal, 1)
		signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

		// Block until we receive a signal or an error
		select {
		case err := <-serverErrors:
			if !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("server error: %w", err)
			}
		case sig := <-shutdown:
			fmt.Printf("\n%s Received signal %v, initiating graceful shutdown...\n", colorInfo("→"), sig)

			ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
			defer cancel()

			// Attempt graceful shutdown
			if err := httpServer.Shutdown(ctx); err != nil {
				// Force close if graceful shutdown fails
				if closeErr := httpServer.Close(); closeErr != nil {
					return fmt.Errorf("failed to gracefully shutdown server: %w (close error: %v)", err, closeErr)
				}
				return fmt.Errorf("failed to gracefully shutdown server: %w", err)
			}

			fmt.Printf("%s Server shutdown complete\n", colorSuccess("✓"))
		}

		return nil
	},
}

// applyServeFlags overlays explicitly-set command flags onto the loaded
// configuration. Flags win over the config file.
func applyServeFlags(flags *pflag.FlagSet, cfg *config.Config) {
	if flags.Changed("addr") {
		cfg.Server.Addr, _ = flags.GetString("addr")
	}
	if flags.Changed("auth-token") {
		cfg.Server.AuthToken, _ = flags.GetString("auth-token")
	}
	if flags.Changed("shutdown-timeout") {
		cfg.Server.ShutdownTimeout, _ = flags.GetDuration("shutdown-timeout")
	}
	if flags.Changed("cors-origins") {
		cfg.Server.CORSOrigins, _ = flags.GetStringSlice("cors-origins")
	}
	if flags.Changed("rate-limit") {
		cfg.Server.RateLimit, _ = flags.GetInt("rate-limit")
	}
	if flags.Changed("rate-burst") {
		cfg.Server.RateBurst, _ = flags.GetInt("rate-burst")
	}
}

func init() {
	serveCmd.Flags().String("addr", "127.0.0.1:8080", "Address for the API server")
	serveCmd.Flags().String("auth-token", "", "Optional shared secret for API requests")
	serveCmd.Flags().Duration("shutdown-timeout", 30*time.Second, "Graceful shutdown timeout")
	serveCmd.Flags().StringSlice("cors-origins", []string{}, "Allowed CORS origins (empty = allow all)")
	serveCmd.Flags().Int("rate-limit", 10, "Rate limit per IP (requests/second, 0 = disabled)")
	serveCmd.Flags().Int("rate-burst", 20, "Rate limit burst size")
}
