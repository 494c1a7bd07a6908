package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/vanpelt/shellhost/internal/app"
	"github.com/vanpelt/shellhost/internal/config"
	"github.com/vanpelt/shellhost/internal/handlers"
	"github.com/vanpelt/shellhost/internal/logger"
)

const shutdownTimeout = 10 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "🚀 Start the session server",
	Long: `# 🚀 Start the Session Server

**Serve the sessions API and WebSocket attach endpoint.**

## ⚙️ Configuration

Settings come from **SHELLHOST_*** environment variables, for example:

- **SHELLHOST_LISTEN_ADDR** - address to listen on (default :8080)
- **SHELLHOST_DATA_DIR** - where archived sessions are stored
- **SHELLHOST_STORE_BACKEND** - file or sqlite
- **SHELLHOST_TEMPLATES_FILE** - YAML templates, auto-started on boot
- **SHELLHOST_ALIAS_POLICY** - reject or reuse

Flags override the matching variables.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().String("listen", "", "Address to listen on")
	serveCmd.Flags().String("templates", "", "Templates YAML file")
	serveCmd.Flags().Bool("dev", false, "Human-readable debug logging")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	settings, err := config.Load()
	if err != nil {
		return err
	}
	if listen, _ := cmd.Flags().GetString("listen"); listen != "" {
		settings.ListenAddr = listen
	}
	if tpl, _ := cmd.Flags().GetString("templates"); tpl != "" {
		settings.TemplatesFile = tpl
	}
	if dev, _ := cmd.Flags().GetBool("dev"); dev {
		settings.Dev = true
	}
	logger.Configure(logger.GetLogLevelFromEnv(settings.Dev), settings.Dev)

	a, err := app.New(settings, nil)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := a.Start(ctx); err != nil {
		_ = a.Close(context.Background())
		return err
	}

	server := handlers.NewRouter(a.Manager, a.Template, true)
	serveErr := make(chan error, 1)
	go func() {
		logger.Infof("🌐 Listening on %s (data: %s, store: %s)", settings.ListenAddr, settings.DataDir, settings.StoreBackend)
		serveErr <- server.Listen(settings.ListenAddr)
	}()

	select {
	case err = <-serveErr:
		if err != nil {
			err = fmt.Errorf("server stopped: %w", err)
		}
	case <-ctx.Done():
		logger.Infof("🛑 Shutting down...")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if shutdownErr := server.ShutdownWithContext(shutdownCtx); shutdownErr != nil {
		logger.Warnf("⚠️ HTTP shutdown: %v", shutdownErr)
	}
	return errors.Join(err, a.Close(shutdownCtx))
}
