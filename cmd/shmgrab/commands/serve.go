package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bryanchriswhite/shmgrab/internal/api"
	"github.com/bryanchriswhite/shmgrab/internal/capture"
	"github.com/bryanchriswhite/shmgrab/internal/logger"
	"github.com/bryanchriswhite/shmgrab/internal/output"
	"github.com/bryanchriswhite/shmgrab/internal/platform"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the capture HTTP server",
	Long: `Start the HTTP API. Single captures are served as raw bytes with
X-Capture-* metadata headers; /api/stream sends frames over a websocket.`,
	Example: `  # Start server on default port (8080)
  shmgrab serve

  # Start server on custom port
  shmgrab serve --port 9090

  # Start with debug logging
  shmgrab serve --log-level debug`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().Int("port", 0, "server port (default is 8080)")
	serveCmd.Flags().Int("fps", 0, "shared stream frame rate (default is 10)")
	viper.BindPFlag("server_port", serveCmd.Flags().Lookup("port"))
	viper.BindPFlag("stream.fps", serveCmd.Flags().Lookup("fps"))
}

func runServe(cmd *cobra.Command, args []string) error {
	log := logger.WithComponent("serve")
	cfg := configMgr.Get()

	session := platform.NewSession(cfg)
	defer session.Stop()

	if err := session.Start(); err != nil {
		return fmt.Errorf("failed to open display: %w", err)
	}
	info, err := session.Info(context.Background())
	if err != nil {
		return fmt.Errorf("failed to query display: %w", err)
	}
	log.Info().
		Str("platform", info.Platform).
		Bool("shared_memory", info.Capability.SharedMemory).
		Int("width", info.Root.Width).
		Int("height", info.Root.Height).
		Msg("Display ready")

	hub := output.NewHub(func(ctx context.Context, emit func(*capture.Buffer) error) error {
		return session.Stream(ctx, capture.RootWindow(), cfg.Stream.FPS, session.Defaults(), emit)
	})
	if err := hub.Start(); err != nil {
		return err
	}
	defer hub.Stop()

	server := api.NewServer(session, configMgr, hub, platform.Native().ListWindows)

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start(cfg.ServerPort)
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	log.Info().
		Int("port", cfg.ServerPort).
		Int("fps", cfg.Stream.FPS).
		Msgf("shmgrab is running: http://localhost:%d/api", cfg.ServerPort)

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	case <-sigChan:
	}

	log.Info().Msg("Shutting down gracefully...")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return server.Shutdown(ctx)
}
