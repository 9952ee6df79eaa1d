package cli

import (
	"database/sql"
	"fmt"

	_ "github.com/lib/pq"
	"github.com/spf13/cobra"

	"bridge-agent/internal/db"
)

// NewMigrateCommand creates the migrate command.
func NewMigrateCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the database schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := rootOpts.load()
			if err != nil {
				return err
			}
			gdb, err := db.Open(cfg.Database, log)
			if err != nil {
				return err
			}
			defer db.Close(gdb)
			return db.Migrate(gdb, log)
		},
	}
}

// bridgeTables are checked by check-db.
var bridgeTables = []string{
	"deposits",
	"settlements",
	"execution_states",
	"agent_cursors",
	"branch_registrations",
	"bridge_events",
}

// NewCheckDBCommand creates the check-db command. It talks to postgres
// through database/sql so it works against a schema gorm never touched.
func NewCheckDBCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "check-db",
		Short: "Verify the postgres connection and the bridge tables",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := rootOpts.load()
			if err != nil {
				return err
			}
			if cfg.Database.Driver != "postgres" {
				return fmt.Errorf("check-db supports postgres only, got %q", cfg.Database.Driver)
			}

			sqlDB, err := sql.Open("postgres", cfg.Database.DSN)
			if err != nil {
				return err
			}
			defer sqlDB.Close()

			ctx := cmd.Context()
			var dbName string
			if err := sqlDB.QueryRowContext(ctx, "SELECT current_database()").Scan(&dbName); err != nil {
				return fmt.Errorf("query database name: %w", err)
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "📋 Connected to database: %s\n", dbName)

			missing := 0
			for _, table := range bridgeTables {
				var exists bool
				err := sqlDB.QueryRowContext(ctx, `
					SELECT EXISTS (
						SELECT 1 FROM information_schema.tables
						WHERE table_schema = 'public' AND table_name = $1
					)`, table).Scan(&exists)
				if err != nil {
					return fmt.Errorf("check table %s: %w", table, err)
				}
				if exists {
					fmt.Fprintf(out, "✅ %s\n", table)
				} else {
					missing++
					fmt.Fprintf(out, "❌ %s missing\n", table)
				}
			}
			if missing > 0 {
				return fmt.Errorf("%d tables missing, run migrate", missing)
			}
			return nil
		},
	}
}
