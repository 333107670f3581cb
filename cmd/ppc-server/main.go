package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"

	"github.com/spf13/cobra"

	"github.com/ppc/ppc/internal/config"
	"github.com/ppc/ppc/internal/domain/researchexport"
	"github.com/ppc/ppc/internal/platform/db"
	"github.com/ppc/ppc/migrations"
)

// version is overridden at build time with -ldflags "-X main.version=...".
var version = "dev"

// errAuditFailed is returned once the report has been printed; main exits 1
// without repeating it.
var errAuditFailed = errors.New("export failed audit")

func main() {
	if err := newRootCmd().Execute(); err != nil {
		if !errors.Is(err, errAuditFailed) {
			fmt.Fprintln(os.Stderr, "Error:", err)
		}
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "ppc-server",
		Short:         "De-identified research export service",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(auditExportCmd())
	rootCmd.AddCommand(schemaCmd())
	return rootCmd
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the research export API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

// migrationsFS returns the embedded migrations unless dir points at an
// on-disk override.
func migrationsFS(dir string) fs.FS {
	if dir == "" {
		return migrations.FS
	}
	return os.DirFS(dir)
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	// migrate up
	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, _ := cmd.Flags().GetString("dir")

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if dir == "" {
				dir = cfg.MigrationsDir
			}

			ctx := context.Background()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, "ppc-migrate", cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			count, err := db.NewMigrator(pool, migrationsFS(dir)).Up(ctx)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Applied %d migration(s) successfully.\n", count)
			return nil
		},
	}
	upCmd.Flags().String("dir", "", "Path to a migrations directory (defaults to the embedded set)")
	cmd.AddCommand(upCmd)

	// migrate status
	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, _ := cmd.Flags().GetString("dir")

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if dir == "" {
				dir = cfg.MigrationsDir
			}

			ctx := context.Background()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, "ppc-migrate", cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			statuses, err := db.NewMigrator(pool, migrationsFS(dir)).Status(ctx)
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}
			printStatus(cmd.OutOrStdout(), statuses)
			return nil
		},
	}
	statusCmd.Flags().String("dir", "", "Path to a migrations directory (defaults to the embedded set)")
	cmd.AddCommand(statusCmd)

	return cmd
}

func printStatus(w io.Writer, statuses []db.MigrationStatus) {
	fmt.Fprintf(w, "%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
	fmt.Fprintln(w, "---------- ---------------------------------------- ---------- --------------------")
	for _, s := range statuses {
		status := "pending"
		appliedAt := ""
		if s.Applied {
			status = "applied"
			if s.AppliedAt != nil {
				appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
			}
		}
		fmt.Fprintf(w, "%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
	}
}

// auditExportCmd checks an export file before it leaves the building. It
// needs no database or config, so it can run on the analyst's machine.
func auditExportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "audit-export",
		Short: "Check a research export CSV for identifiers and PHI",
		RunE: func(cmd *cobra.Command, args []string) error {
			path, _ := cmd.Flags().GetString("file")
			dataset, _ := cmd.Flags().GetString("dataset")
			if path == "" {
				return fmt.Errorf("--file is required")
			}
			if dataset == "" {
				return fmt.Errorf("--dataset is required")
			}

			f, err := os.Open(path)
			if err != nil {
				return fmt.Errorf("open export: %w", err)
			}
			defer f.Close()

			report, err := researchexport.AuditCSV(f, researchexport.DatasetType(dataset))
			if err != nil {
				return err
			}
			report.Print(cmd.OutOrStdout())
			if !report.Passed() {
				return errAuditFailed
			}
			return nil
		},
	}
	cmd.Flags().String("file", "", "Path to the exported CSV")
	cmd.Flags().String("dataset", "", "Dataset type the file was exported as (care_targets, outcomes, episodes)")
	return cmd
}

// schemaCmd prints the data dictionary of what each dataset releases, for
// data governance review.
func schemaCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "schema",
		Short: "Print the released columns of each dataset as YAML",
		RunE: func(cmd *cobra.Command, args []string) error {
			names, _ := cmd.Flags().GetStringSlice("dataset")
			datasets := make([]researchexport.DatasetType, len(names))
			for i, n := range names {
				datasets[i] = researchexport.DatasetType(n)
			}
			return researchexport.WriteDictionaryYAML(cmd.OutOrStdout(), datasets...)
		},
	}
	cmd.Flags().StringSlice("dataset", nil, "Limit output to these datasets (default all)")
	return cmd
}
