package main

import (
	"context"

	"github.com/spf13/cobra"
)

var servicesCmd = &cobra.Command{
	Use:   "services",
	Short: "Print the services known to the configured registries as a JSON array",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), oneShotTimeout)
		defer cancel()

		agent, err := app.newAgent(cfg.Server.Port)
		if err != nil {
			return err
		}
		defer agent.Close() //nolint:errcheck

		names, err := agent.Services(ctx)
		if err != nil {
			return err
		}
		printJSON(cmd.OutOrStdout(), names)
		return nil
	},
}

var instancesCmd = &cobra.Command{
	Use:   "instances <service>",
	Short: "Print the instances of a service",
	Long: `Instances prints a JSON array of every instance of <service> known to
any configured registry, merged by instance id. It exits non-zero when no registry knows the
service.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), oneShotTimeout)
		defer cancel()

		agent, err := app.newAgent(cfg.Server.Port)
		if err != nil {
			return err
		}
		defer agent.Close() //nolint:errcheck

		list, err := agent.Instances(ctx, args[0])
		if err != nil {
			return err
		}
		printJSON(cmd.OutOrStdout(), list)
		return nil
	},
}
