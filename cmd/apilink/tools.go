package main

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/nerrad567/apilink/internal/history"
	"github.com/nerrad567/apilink/internal/loader"
	"github.com/nerrad567/apilink/internal/openapi"
)

func newImportOpenAPICmd(a *app) *cobra.Command {
	var (
		opts   openapi.Options
		output string
		format string
	)

	cmd := &cobra.Command{
		Use:   "import-openapi FILE",
		Short: "Convert an OpenAPI 3 document into a collection file",
		Long:  "Convert an OpenAPI 3 document into a collection file. FILE may be - for stdin.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var (
				data []byte
				err  error
			)
			if args[0] == "-" {
				data, err = io.ReadAll(cmd.InOrStdin())
			} else {
				data, err = os.ReadFile(args[0])
			}
			if err != nil {
				return fmt.Errorf("reading OpenAPI document: %w", err)
			}

			f, warnings, err := openapi.Import(data, opts)
			if err != nil {
				return err
			}
			for _, w := range warnings {
				fmt.Fprintf(a.stderr, "warning: %s\n", w)
			}

			outFormat := loader.Format(format)
			if outFormat == "" {
				outFormat = loader.FormatYAML
				if output != "" {
					outFormat = loader.FormatFromPath(output)
				}
			}
			out, err := loader.Marshal(f, outFormat)
			if err != nil {
				return err
			}

			if output == "" {
				_, err = a.stdout.Write(out)
				return err
			}
			if err := os.WriteFile(output, out, 0o644); err != nil { //nolint:gosec // collection files are not secret
				return fmt.Errorf("writing collection: %w", err)
			}
			a.log.Info("collection written", "path", output, "name", f.Name, "warnings", len(warnings))
			return nil
		},
	}

	cmd.Flags().StringVar(&opts.Name, "name", "", "collection name (default from info.title)")
	cmd.Flags().StringVar(&opts.BaseURL, "base-url", "", "base URL (default from the first server)")
	cmd.Flags().StringVarP(&output, "output", "o", "", "write to this file instead of stdout")
	cmd.Flags().StringVarP(&format, "format", "f", "", "yaml, json or jsonc (default from --output, else yaml)")
	return cmd
}

func newHistoryCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Inspect recorded operations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}
	cmd.AddCommand(newHistoryListCmd(a), newHistoryStatsCmd(a), newHistoryPruneCmd(a))
	return cmd
}

func newHistoryListCmd(a *app) *cobra.Command {
	var filter history.Filter

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recorded operations, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			rec, err := a.recorder(cmd.Context())
			if err != nil {
				return err
			}
			result, err := rec.List(cmd.Context(), filter)
			if err != nil {
				return err
			}
			return a.printJSON(result)
		},
	}

	f := cmd.Flags()
	f.StringVar(&filter.Collection, "collection-name", "", "only this collection")
	f.StringVar(&filter.Operation, "operation", "", "only this operation")
	f.BoolVar(&filter.ErrorsOnly, "errors", false, "only failed operations")
	f.IntVar(&filter.Limit, "limit", 0, "page size")
	f.IntVar(&filter.Offset, "offset", 0, "entries to skip")
	return cmd
}

func newHistoryStatsCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Summarise recorded operations per collection and operation",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			rec, err := a.recorder(cmd.Context())
			if err != nil {
				return err
			}
			stats, err := rec.Stats(cmd.Context())
			if err != nil {
				return err
			}
			return a.printJSON(stats)
		},
	}
}

func newHistoryPruneCmd(a *app) *cobra.Command {
	var olderThan time.Duration

	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Delete recorded operations older than --older-than",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if olderThan <= 0 {
				return fmt.Errorf("--older-than must be positive")
			}
			rec, err := a.recorder(cmd.Context())
			if err != nil {
				return err
			}
			n, err := rec.Prune(cmd.Context(), olderThan)
			if err != nil {
				return err
			}
			return a.printJSON(map[string]int64{"removed": n})
		},
	}

	cmd.Flags().DurationVar(&olderThan, "older-than", 0, "age threshold, e.g. 720h")
	return cmd
}

func newDBCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "db",
		Short: "Manage the schema of the SQLite database",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "status",
			Short: "List migrations and whether they are applied",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				db, err := a.openRawDB(cmd.Context())
				if err != nil {
					return err
				}
				status, err := db.MigrationStatus(cmd.Context())
				if err != nil {
					return err
				}
				return a.printJSON(status)
			},
		},
		&cobra.Command{
			Use:   "migrate",
			Short: "Apply pending migrations",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				db, err := a.openRawDB(cmd.Context())
				if err != nil {
					return err
				}
				n, err := db.Migrate(cmd.Context())
				if err != nil {
					return err
				}
				return a.printJSON(map[string]int{"applied": n})
			},
		},
		newDBRollbackCmd(a),
	)
	return cmd
}

func newDBRollbackCmd(a *app) *cobra.Command {
	var steps int

	cmd := &cobra.Command{
		Use:   "rollback",
		Short: "Revert the newest applied migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := a.openRawDB(cmd.Context())
			if err != nil {
				return err
			}
			n, err := db.Rollback(cmd.Context(), steps)
			if n > 0 {
				a.log.Info("migrations reverted", "count", n)
			}
			if err != nil {
				return err
			}
			return a.printJSON(map[string]int{"reverted": n})
		},
	}

	cmd.Flags().IntVar(&steps, "steps", 1, "number of migrations to revert")
	return cmd
}
