package main

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/andreyvit/tabdb"
)

func newEnsureCommand(a *app) *cobra.Command {
	var schemaFile string
	cmd := &cobra.Command{
		Use:   "ensure <path> --schema <file.json>",
		Short: "create or upgrade a store to match a schema file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			scm, err := tabdb.LoadSchemaFile(schemaFile)
			if err != nil {
				return err
			}
			db, err := tabdb.EnsureDatabase(args[0], scm, a.options())
			if err != nil {
				return err
			}
			st := db.Stats()
			if err := db.Close(); err != nil {
				return err
			}
			fmt.Fprintf(a.stdout, "%s: %d tables created, %d indexes created\n", args[0], st.TablesCreated, st.IndexesCreated)
			return nil
		},
	}
	cmd.Flags().StringVar(&schemaFile, "schema", "", "JSON schema file")
	cmd.MarkFlagRequired("schema")
	return cmd
}

func newDumpCommand(a *app) *cobra.Command {
	var noRows, noIndexRows bool
	cmd := &cobra.Command{
		Use:   "dump <path>",
		Short: "print every table of a store",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			flags := tabdb.DumpAll
			if noRows {
				flags &^= tabdb.DumpRows
			}
			if noIndexRows {
				flags &^= tabdb.DumpIndexRows
			}
			db, err := tabdb.Open(args[0], nil, a.options())
			if err != nil {
				return err
			}
			defer db.Close()
			out, err := db.Dump(flags)
			fmt.Fprint(a.stdout, out)
			if err != nil {
				return err
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&noRows, "no-rows", false, "skip table rows")
	cmd.Flags().BoolVar(&noIndexRows, "no-index-rows", false, "skip index entries")
	return cmd
}

func newTablesCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "tables <path>",
		Short: "list the tables of a store with their row counts",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := tabdb.Open(args[0], nil, a.options())
			if err != nil {
				return err
			}
			defer db.Close()
			for _, name := range db.TableNames() {
				tbl := db.Schema().TableNamed(name)
				st, err := db.TableStats(tbl)
				if err != nil {
					return err
				}
				fmt.Fprintf(a.stdout, "%s\t%d rows\t%d indexes\t%d bytes\n", name, st.Rows, len(tbl.Indexes()), st.TotalSize())
			}
			return nil
		},
	}
}

func newCheckCommand(a *app) *cobra.Command {
	var parallel int
	cmd := &cobra.Command{
		Use:   "check <path> [path2]...",
		Short: "verify the records and indexes of one or more stores",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			results := make([]error, len(args))
			var g errgroup.Group
			g.SetLimit(parallel)
			for i, path := range args {
				g.Go(func() error {
					results[i] = a.check(path)
					return nil
				})
			}
			g.Wait()

			var failed []string
			for i, path := range args {
				if results[i] != nil {
					fmt.Fprintf(a.stdout, "%s: %v\n", path, results[i])
					failed = append(failed, path)
				} else {
					fmt.Fprintf(a.stdout, "%s: ok\n", path)
				}
			}
			if len(failed) > 0 {
				return fmt.Errorf("check failed: %s", strings.Join(failed, ", "))
			}
			return nil
		},
	}
	cmd.Flags().IntVarP(&parallel, "parallel", "p", 4, "number of stores checked at once")
	return cmd
}

func (a *app) check(path string) error {
	db, err := tabdb.Open(path, nil, a.options())
	if err != nil {
		return err
	}
	var errs []error
	for _, tbl := range db.Schema().Tables() {
		if err := db.Verify(tbl); err != nil {
			errs = append(errs, err)
		}
	}
	errs = append(errs, db.Close())
	if err := errors.Join(errs...); err != nil {
		a.log.Error("tabdb: check failed", "path", path, "err", err)
		return err
	}
	return nil
}
