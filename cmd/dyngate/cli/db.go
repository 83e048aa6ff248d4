package cli

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dyngate/dyngate/internal/store"
)

func newDBCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "db",
		Aliases: []string{"cache"},
		Short:   "Manage the local metadata cache",
		Long:    "Initialize and inspect the SQLite metadata cache.",
	}

	cmd.AddCommand(newDBInitCmd())
	cmd.AddCommand(newDBStatusCmd())

	return cmd
}

// ---------- db init ----------

func newDBInitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Create the cache database and apply migrations",
		Long: `Create the metadata cache database (if missing) and bring its schema up to
date. Opening the store applies pending migrations, so this is also a dry run
for what serve does at startup.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			st, err := store.NewStore(cfg.Storage.DataDir)
			if err != nil {
				return fmt.Errorf("initializing metadata store: %w", err)
			}
			defer st.Close()

			version, err := st.CurrentVersion(context.Background())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Cache ready at %s (schema v%d)\n", cfg.Storage.DataDir, version)
			return nil
		},
	}
}

// ---------- db status ----------

func newDBStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show cache contents and sync history",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			st, err := store.NewStore(cfg.Storage.DataDir)
			if err != nil {
				return fmt.Errorf("opening metadata store: %w", err)
			}
			defer st.Close()

			ctx := context.Background()
			out := cmd.OutOrStdout()

			version, err := st.CurrentVersion(ctx)
			if err != nil {
				return err
			}
			entities, err := st.CountEntityTypes(ctx)
			if err != nil {
				return err
			}

			fmt.Fprintf(out, "Data dir:       %s\n", cfg.Storage.DataDir)
			fmt.Fprintf(out, "Schema version: %d\n", version)
			fmt.Fprintf(out, "Entity types:   %d\n", entities)

			rec, err := st.LatestSyncRecord(ctx)
			if errors.Is(err, store.ErrNotFound) {
				fmt.Fprintln(out, "Last sync:      never")
				return nil
			}
			if err != nil {
				return err
			}

			outcome := "ok"
			if !rec.Success {
				outcome = "failed"
				if rec.Error != nil {
					outcome += ": " + *rec.Error
				}
			}
			fmt.Fprintf(out, "Last sync:      %s (%s, %dms, %d entities, %d enums)\n",
				rec.CompletedAt.Format("2006-01-02 15:04:05 MST"),
				outcome, rec.DurationMS, rec.EntityCount, rec.EnumCount)
			return nil
		},
	}
}
