package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/medflow/pharmanet/internal/pharmacy/repository"
	"github.com/medflow/pharmanet/internal/pharmacy/service"
	"github.com/medflow/pharmanet/migrations"
	"github.com/medflow/pharmanet/pkg/database"
	"github.com/medflow/pharmanet/pkg/lock"
	"github.com/spf13/cobra"
)

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, _, db, err := setup()
			if err != nil {
				return err
			}
			defer db.Close()

			count, err := database.NewMigrator(db, migrations.FS).Up(cmd.Context())
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}

			fmt.Printf("Applied %d migration(s) successfully.\n", count)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, _, db, err := setup()
			if err != nil {
				return err
			}
			defer db.Close()

			statuses, err := database.NewMigrator(db, migrations.FS).Status(cmd.Context())
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "VERSION\tNAME\tAPPLIED AT")
			for _, s := range statuses {
				applied := "pending"
				if s.AppliedAt != nil {
					applied = s.AppliedAt.Format("2006-01-02 15:04:05")
				}
				fmt.Fprintf(w, "%03d\t%s\t%s\n", s.Version, s.Name, applied)
			}
			return w.Flush()
		},
	})

	return cmd
}

func scanExpiryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "scan-expiry",
		Short: "Raise alerts for lots expiring within the configured window, once",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, db, err := setup()
			if err != nil {
				return err
			}
			defer db.Close()

			svcs := service.New(db, repository.NewStores(db), lock.NewLocal(), nil, cfg.Alerts, log)

			raised, err := svcs.Expiry.Scan(cmd.Context())
			if err != nil {
				return fmt.Errorf("expiry scan failed: %w", err)
			}

			fmt.Printf("Raised %d expiry alert(s).\n", raised)
			return nil
		},
	}
}
