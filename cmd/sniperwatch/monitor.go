package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/dj-oyu/sniper-watch/internal/config"
	"github.com/dj-oyu/sniper-watch/internal/logger"
	"github.com/dj-oyu/sniper-watch/internal/monitor"
	"github.com/dj-oyu/sniper-watch/internal/webrtc"
)

var (
	monitorAddr      string
	monitorEndpoint  string
	monitorTransport string
	monitorNoConnect bool
)

var monitorCmd = &cobra.Command{
	Use:     "monitor",
	Aliases: []string{"serve"},
	Short:   "Run the live monitor web server",
	RunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Flags().Changed("addr") {
			cfg.Monitor.Addr = monitorAddr
		}
		if cmd.Flags().Changed("endpoint") {
			cfg.Connection.Endpoint = monitorEndpoint
		}
		if cmd.Flags().Changed("transport") {
			cfg.Connection.Transport = monitorTransport
		}
		if cfg.Snapshots.Backend == config.SnapshotsDisk && cfg.Monitor.SnapshotDir == "" {
			cfg.Monitor.SnapshotDir = cfg.Snapshots.Dir
		}
		return runMonitor(cmd.Context(), cfg, !monitorNoConnect)
	},
}

func init() {
	monitorCmd.Flags().StringVar(&monitorAddr, "addr", ":8080", "HTTP server address")
	monitorCmd.Flags().StringVar(&monitorEndpoint, "endpoint", "", "Detection stream endpoint (default: saved setting)")
	monitorCmd.Flags().StringVar(&monitorTransport, "transport", "auto", "Transport (auto, websocket, sse, poll, mqtt, nats, webrtc)")
	monitorCmd.Flags().BoolVar(&monitorNoConnect, "no-connect", false, "Start disconnected")
}

func runMonitor(ctx context.Context, cfg config.Config, connect bool) error {
	if ctx == nil {
		ctx = context.Background()
	}
	a, err := openApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	lv, err := a.openLive(ctx, cfg.Connection.Endpoint)
	if err != nil {
		return err
	}

	rtc := webrtc.NewServer(cfg.Monitor.STUNServers, cfg.Monitor.MaxWebRTCClients)
	server := monitor.NewServer(cfg.Monitor, lv.session, rtc)
	defer server.Close()

	logger.Info("Main", "Sniper watch monitor listening on %s", cfg.Monitor.Addr)
	logger.Info("Main", "Store: %s, snapshots: %s", cfg.Store.Backend, cfg.Snapshots.Backend)
	logger.Info("Main", "Log level: %s", logger.GetLevel())

	if connect {
		if err := lv.session.Start(cfg.Connection.Endpoint); err != nil {
			// Nothing saved yet; the page can connect later.
			logger.Warn("Main", "not connecting: %v", err)
		}
	}

	httpServer := &http.Server{
		Addr:              cfg.Monitor.Addr,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case sig := <-sigChan:
		logger.Info("Main", "Received signal %v, shutting down...", sig)
	case err := <-errCh:
		if err != nil {
			return err
		}
	case <-ctx.Done():
	}

	lv.session.Stop()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Main", "http shutdown: %v", err)
	}
	logger.Info("Main", "Shutdown complete")
	return nil
}
