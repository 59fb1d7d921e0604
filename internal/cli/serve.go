package cli

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/vyrti/redpill/internal/server"
)

var listenAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the catalogue and terminal tabs over HTTP",
	Long: `Start the HTTP API. Tabs opened through the API live in this process
and are closed on shutdown. Terminal screens stream over
/api/tabs/{tab}/ws.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&listenAddr, "listen", "", "listen address (default from config)")
}

func runServe(cmd *cobra.Command, args []string) error {
	a, err := openApp(cfg, appOptions{})
	if err != nil {
		return err
	}
	defer a.Close()

	addr := cfg.ListenAddr
	if listenAddr != "" {
		addr = listenAddr
	}

	log.Info().
		Str("version", cfg.Version).
		Str("env", cfg.Env).
		Str("catalogue", cfg.CataloguePath).
		Msg("Starting redpill")
	if cfg.APIToken == "" {
		log.Warn().Msg("REDPILL_API_TOKEN is not set; the API is unauthenticated")
	}

	srv := server.New(cfg, a.mgr, a.secrets, a.audit)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case err := <-errCh:
		return err
	}

	log.Info().Msg("Shutting down server...")

	// Graceful shutdown with timeout
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}

	log.Info().Msg("Server exited")
	return nil
}
