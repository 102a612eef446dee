package main

import (
	"fmt"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"github.com/drfirst/go-pas/internal/infrastructure/postgres"
)

func dbCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "db",
		Short: "Manage the event store schema",
	}

	migrate := &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending schema migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			url, _ := cmd.Flags().GetString("database-url")
			if url == "" {
				return fmt.Errorf("--database-url or DATABASE_URL is required")
			}
			pool, err := pgxpool.New(cmd.Context(), url)
			if err != nil {
				return err
			}
			defer pool.Close()

			applied, err := postgres.Migrate(cmd.Context(), pool, nil)
			for _, v := range applied {
				fmt.Fprintf(cmd.OutOrStdout(), "applied %s\n", v)
			}
			if err != nil {
				return err
			}
			if len(applied) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "schema up to date")
			}
			return nil
		},
	}
	migrate.Flags().String("database-url", os.Getenv("DATABASE_URL"), "Postgres connection string")

	cmd.AddCommand(migrate, &cobra.Command{
		Use:   "migrations",
		Short: "List the embedded migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			ms, err := postgres.Migrations()
			if err != nil {
				return err
			}
			for _, m := range ms {
				fmt.Fprintln(cmd.OutOrStdout(), m.Version)
			}
			return nil
		},
	})
	return cmd
}
