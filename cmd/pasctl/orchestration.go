package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/drfirst/go-pas/internal/infrastructure/redpanda"
	"github.com/drfirst/go-pas/internal/orchestration"
)

func orchestrationCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "orchestration",
		Short: "Render and apply per-environment deployment configuration",
	}
	cmd.PersistentFlags().String("env", "dev", "Environment (dev, test, staging, prod)")
	cmd.PersistentFlags().String("base-domain", "pas.example.org", "Base domain for service endpoints")
	cmd.PersistentFlags().String("file", "", "Load the config from a YAML file instead of building it")

	cmd.AddCommand(&cobra.Command{
		Use:   "render",
		Short: "Print the orchestration config as YAML",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadOrchestration(cmd)
			if err != nil {
				return err
			}
			out, err := cfg.YAML()
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(out)
			return err
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Validate an orchestration config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadOrchestration(cmd)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: ok (%d topics)\n", cfg.Environment, len(cfg.Topics.All()))
			return nil
		},
	})

	ensureCmd := &cobra.Command{
		Use:   "ensure-topics",
		Short: "Create any missing Kafka topics",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadOrchestration(cmd)
			if err != nil {
				return err
			}
			if brokers, _ := cmd.Flags().GetStringSlice("brokers"); len(brokers) > 0 {
				cfg.Brokers = brokers
			}
			timeout, _ := cmd.Flags().GetDuration("timeout")

			admin, err := redpanda.NewAdmin(cfg.Brokers, nil)
			if err != nil {
				return err
			}
			defer admin.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			plan, err := admin.EnsureTopics(ctx, cfg.Topics)
			if err != nil {
				return err
			}
			for _, t := range plan.Create {
				fmt.Fprintf(cmd.OutOrStdout(), "created %s partitions=%d replicas=%d\n", t.Name, t.Partitions, t.ReplicationFactor)
			}
			for name, n := range plan.Grow {
				fmt.Fprintf(cmd.OutOrStdout(), "grew %s to %d partitions\n", name, n)
			}
			if len(plan.Create) == 0 && len(plan.Grow) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "topics up to date")
			}
			return nil
		},
	}
	ensureCmd.Flags().StringSlice("brokers", nil, "Override the config broker list")
	ensureCmd.Flags().Duration("timeout", 30*time.Second, "Admin request timeout")
	cmd.AddCommand(ensureCmd)

	lagCmd := &cobra.Command{
		Use:   "lag GROUP",
		Short: "Show a consumer group's lag per topic",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadOrchestration(cmd)
			if err != nil {
				return err
			}
			if brokers, _ := cmd.Flags().GetStringSlice("brokers"); len(brokers) > 0 {
				cfg.Brokers = brokers
			}
			admin, err := redpanda.NewAdmin(cfg.Brokers, nil)
			if err != nil {
				return err
			}
			defer admin.Close()

			lags, err := admin.GroupLag(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			for _, l := range lags {
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%d\n", l.Topic, l.Lag)
			}
			return nil
		},
	}
	lagCmd.Flags().StringSlice("brokers", nil, "Override the config broker list")
	cmd.AddCommand(lagCmd)

	return cmd
}

func loadOrchestration(cmd *cobra.Command) (orchestration.Config, error) {
	if file, _ := cmd.Flags().GetString("file"); file != "" {
		return orchestration.LoadFile(file)
	}
	envName, _ := cmd.Flags().GetString("env")
	env, err := orchestration.ParseEnvironment(envName)
	if err != nil {
		return orchestration.Config{}, err
	}
	domain, _ := cmd.Flags().GetString("base-domain")
	return orchestration.NewFactory(domain).Build(env)
}
