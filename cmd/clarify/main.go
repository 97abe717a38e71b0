// Command clarify runs the goal clarification agent as an HTTP server or as
// an interactive terminal chat.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"goal-clarifier/internal/app"
	"goal-clarifier/internal/config"
	"goal-clarifier/internal/httpapi"
)

func main() {
	var configPath string

	rootCmd := &cobra.Command{
		Use:   "clarify",
		Short: "Research goal clarification agent",
		Long: `clarify talks with a user until their research goal is clear and confirmed.

Examples:
  clarify serve                       # HTTP API on HTTP_ADDR (default :8080)
  clarify chat                        # interactive session in the terminal
  clarify chat --session my-topic     # resume a stored session`,
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "YAML config file (overrides CONFIG_FILE)")

	rootCmd.AddCommand(
		serveCmd(&configPath),
		chatCmd(&configPath),
	)

	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

func setupLogging(level slog.Level, json bool) {
	opts := &slog.HandlerOptions{Level: level}
	if json {
		slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, opts)))
		return
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, opts)))
}

func serveCmd(configPath *string) *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			setupLogging(cfg.SlogLevel(), true)
			if strings.TrimSpace(addr) != "" {
				cfg.HTTPAddr = addr
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := app.New(ctx, cfg)
			if err != nil {
				return err
			}
			defer func() {
				if err := a.Close(); err != nil {
					slog.Warn("close failed", "err", err)
				}
			}()

			h, err := httpapi.NewHandler(a.Service, a.Sessions, httpapi.WithReadiness(a.Ready))
			if err != nil {
				return err
			}
			// SSE replies need long-lived responses, so no WriteTimeout.
			srv := &http.Server{
				Addr:              cfg.HTTPAddr,
				Handler:           httpapi.NewRouter(h),
				ReadHeaderTimeout: 10 * time.Second,
				ReadTimeout:       30 * time.Second,
				IdleTimeout:       120 * time.Second,
			}

			errCh := make(chan error, 1)
			go func() {
				slog.Info("server listening", "addr", srv.Addr)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					errCh <- err
				}
				close(errCh)
			}()

			select {
			case err := <-errCh:
				if err != nil {
					return fmt.Errorf("serve: %w", err)
				}
				return nil
			case <-ctx.Done():
			}
			stop()

			slog.Info("shutting down gracefully")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				return fmt.Errorf("shutdown: %w", err)
			}
			slog.Info("server stopped")
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides HTTP_ADDR)")
	return cmd
}
