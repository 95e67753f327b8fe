package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/isaccanedo/microsservico02/internal/discovery"
)

// oneShotTimeout bounds the commands that talk to the registries and exit.
const oneShotTimeout = 30 * time.Second

var deregisterAfter bool

var registerCmd = &cobra.Command{
	Use:   "register",
	Short: "Register the instance once and exit",
	Long: `Register announces the instance to every configured registry once,
without starting the HTTP server or the heartbeat loop.

The command prints a JSON result to stdout and exits 0 when every registry
accepted the instance, non-zero otherwise. Without --deregister the
registration lapses after discovery.lease_duration.`,
	RunE: runRegister,
}

func init() {
	registerCmd.Flags().BoolVar(&deregisterAfter, "deregister", false, "deregister again after a successful registration")
}

func runRegister(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(context.Background(), oneShotTimeout)
	defer cancel()
	defer app.shutdownTelemetry()

	out := cmd.OutOrStdout()

	agent, err := app.newAgent(cfg.Server.Port)
	if err != nil {
		printResult(out, discovery.ResultError, err.Error())
		return err
	}
	defer agent.Close() //nolint:errcheck

	slog.Info("starting one-shot registration", "registries", agent.RegistryNames())

	result, err := agent.Register(ctx)
	if err != nil {
		printResult(out, discovery.ResultError, err.Error())
		return fmt.Errorf("registration failed: %w", err)
	}

	printJSON(out, result)
	if result.Status == discovery.ResultError {
		return errors.New("registration completed with errors")
	}

	if deregisterAfter {
		if err := agent.Deregister(ctx); err != nil {
			return fmt.Errorf("deregistration failed: %w", err)
		}
	}

	slog.Info("registration completed successfully")
	return nil
}

func printJSON(w io.Writer, v any) {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fmt.Fprintf(w, `{"status":%q}`+"\n", discovery.ResultError)
	}
}

func printResult(w io.Writer, status, errMsg string) {
	result := map[string]string{"status": status}
	if errMsg != "" {
		result["error"] = errMsg
	}
	printJSON(w, result)
}
