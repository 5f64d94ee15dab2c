package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"propcore/internal/backends"
	"propcore/internal/core"
	"propcore/internal/ctxlog"
	"propcore/internal/storage"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the estimation server",
	Long: `Run the HTTP estimation server. Simulation data storage and the
blob store behind it are configured through PROPCORE_STORAGE_DRIVER and
PROPCORE_BLOB_* environment variables.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().String("addr", ":8998", "listen address")
	serveCmd.Flags().Int("workers", 0, "concurrent workflow tasks (default GOMAXPROCS)")
	serveCmd.Flags().Int("protocol-workers", 0, "concurrent protocols per task (default GOMAXPROCS)")
	serveCmd.Flags().String("working-dir", "working-data", "directory for protocol working files")
	serveCmd.Flags().Float64("submit-rate", 0, "maximum task starts per second (0 = unlimited)")
	viper.BindPFlag("serve.addr", serveCmd.Flags().Lookup("addr"))
	viper.BindPFlag("serve.workers", serveCmd.Flags().Lookup("workers"))
	viper.BindPFlag("serve.protocol-workers", serveCmd.Flags().Lookup("protocol-workers"))
	viper.BindPFlag("serve.working-dir", serveCmd.Flags().Lookup("working-dir"))
	viper.BindPFlag("serve.submit-rate", serveCmd.Flags().Lookup("submit-rate"))
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	logger := newLogger()
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx = ctxlog.WithLogger(ctx, logger)

	store, err := storage.OpenFromEnv(ctx)
	if err != nil {
		return fmt.Errorf("open simulation data storage: %w", err)
	}
	defer store.Close()

	workingDir := viper.GetString("serve.working-dir")
	backend, err := backends.NewLocal(backends.Options{
		Workers:         viper.GetInt("serve.workers"),
		ProtocolWorkers: viper.GetInt("serve.protocol-workers"),
		WorkingDir:      workingDir,
		SubmitRate:      viper.GetFloat64("serve.submit-rate"),
	})
	if err != nil {
		return fmt.Errorf("start compute backend: %w", err)
	}
	defer backend.Shutdown()

	service, err := core.NewService(core.ServiceConfig{
		Backend:    backend,
		Storage:    store,
		WorkingDir: workingDir,
	})
	if err != nil {
		return err
	}

	addr := viper.GetString("serve.addr")
	server := &http.Server{
		Addr:        addr,
		Handler:     core.NewServer(service),
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("estimation server listening", "addr", addr)
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	service.Wait()
	return nil
}
