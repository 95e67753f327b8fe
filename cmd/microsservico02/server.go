package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Start the HTTP server and register with the service registries",
	Long: `Start the HTTP server on the configured port (default :8080, 0 picks a
free port) and register the instance with every configured registry.

The lease is renewed every discovery.heartbeat_interval. On SIGTERM or SIGINT
the instance is deregistered before the server shuts down.`,
	RunE: runServer,
}

func runServer(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	defer app.shutdownTelemetry()

	return serve(ctx)
}

// serve runs the HTTP server and the discovery agent until ctx is done or
// the server fails, then deregisters and shuts the server down.
func serve(ctx context.Context) error {
	// Listen first so the registered port is the real one even when
	// server.port is 0.
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.Server.Port))
	if err != nil {
		return fmt.Errorf("listening on port %d: %w", cfg.Server.Port, err)
	}
	port := ln.Addr().(*net.TCPAddr).Port

	agent, err := app.newAgent(port)
	if err != nil {
		ln.Close()
		return fmt.Errorf("building discovery agent: %w", err)
	}
	defer func() {
		if err := agent.Close(); err != nil {
			slog.Warn("closing registry clients", "err", err)
		}
	}()

	srv := &http.Server{
		Handler:      app.newRouter(agent).Handler(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	// Start the server in a goroutine so we can listen for shutdown signals.
	serverErr := make(chan error, 1)
	go func() {
		slog.Info("server listening", "addr", ln.Addr().String())
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	agentCtx, cancelAgent := context.WithCancel(ctx)
	agentDone := make(chan struct{})
	go func() {
		defer close(agentDone)
		inst := agent.Instance()
		slog.Info("registering instance",
			"service", inst.Service, "instance_id", inst.ID, "uri", inst.URI(),
			"registries", agent.RegistryNames())
		if _, err := agent.Register(agentCtx); err != nil {
			slog.Warn("initial registration skipped", "err", err)
		}
		agent.Run(agentCtx)
	}()

	var runErr error
	select {
	case err := <-serverErr:
		runErr = fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		slog.Info("shutdown signal received")
	}

	cancelAgent()
	<-agentDone

	deregCtx, cancelDereg := context.WithTimeout(context.Background(), cfg.Discovery.DeregisterTimeout)
	defer cancelDereg()
	if err := agent.Deregister(deregCtx); err != nil {
		slog.Warn("deregistration incomplete", "err", err)
	} else {
		slog.Info("instance deregistered")
	}

	shutCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutCtx); err != nil {
		return errors.Join(runErr, fmt.Errorf("graceful shutdown failed: %w", err))
	}
	if runErr != nil {
		return runErr
	}

	slog.Info("server stopped cleanly")
	return nil
}
