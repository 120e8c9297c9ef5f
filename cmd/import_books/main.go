package main

import (
	"database/sql"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"bookwise/config"
	"bookwise/library"

	_ "github.com/mattn/go-sqlite3"
	"github.com/spf13/cobra"
)

func main() {
	if err := newImportCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newImportCmd() *cobra.Command {
	var table string
	cmd := &cobra.Command{
		Use:           "import_books <catalogue.db>",
		Short:         "Register every book of a SQLite catalogue in the encrypted library",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			logger := config.NewLogger(cfg.Log, os.Stderr)

			mgr, err := library.Open(library.Options{
				DataPath:   cfg.Storage.DataPath,
				KeyPath:    cfg.Storage.KeyPath,
				LoanPeriod: cfg.Library.LoanPeriod,
				Logger:     logger,
			})
			if err != nil {
				return fmt.Errorf("open library: %w", err)
			}
			defer mgr.Close()

			db, err := openCatalogue(args[0])
			if err != nil {
				return err
			}
			defer db.Close()

			res, err := importCatalogue(db, table, mgr, cmd.OutOrStdout())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "\nImport complete!\n")
			fmt.Fprintf(cmd.OutOrStdout(), "Successfully imported: %d books\n", res.Imported)
			fmt.Fprintf(cmd.OutOrStdout(), "Skipped (already registered): %d\n", res.Skipped)
			fmt.Fprintf(cmd.OutOrStdout(), "Errors: %d\n", res.Failed)
			return nil
		},
	}
	cmd.Flags().StringVar(&table, "table", "books", "catalogue table with title, author, isbn and category columns")
	return cmd
}

// openCatalogue opens an existing SQLite catalogue read-only.
func openCatalogue(path string) (*sql.DB, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("catalogue: %w", err)
	}
	db, err := sql.Open("sqlite3", fmt.Sprintf("file:%s?mode=ro&_busy_timeout=5000", path))
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	return db, nil
}

type importResult struct {
	Imported, Skipped, Failed int
}

type catalogueRow struct {
	title, author, isbn, category string
}

func importCatalogue(db *sql.DB, table string, mgr *library.LibraryManager, out io.Writer) (importResult, error) {
	var res importResult
	if !validIdentifier(table) {
		return res, fmt.Errorf("invalid table name %q", table)
	}

	rows, err := db.Query(fmt.Sprintf(`SELECT title, author, isbn, COALESCE(category, '') FROM %s ORDER BY rowid`, table))
	if err != nil {
		return res, fmt.Errorf("query catalogue: %w", err)
	}
	// Collect first so the catalogue connection is released before the
	// library starts flushing.
	var books []catalogueRow
	for rows.Next() {
		var r catalogueRow
		if err := rows.Scan(&r.title, &r.author, &r.isbn, &r.category); err != nil {
			rows.Close()
			return res, fmt.Errorf("scan catalogue: %w", err)
		}
		books = append(books, r)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return res, fmt.Errorf("read catalogue: %w", err)
	}
	rows.Close()

	for _, b := range books {
		fmt.Fprintf(out, "Importing: %s by %s... ", b.title, b.author)
		err := mgr.RegisterBook(b.title, b.author, b.isbn, b.category)
		switch {
		case err == nil:
			fmt.Fprintf(out, "SUCCESS (ISBN: %s)\n", b.isbn)
			res.Imported++
		case errors.Is(err, library.ErrDuplicateBook):
			fmt.Fprintf(out, "SKIPPED - already registered\n")
			res.Skipped++
		case errors.Is(err, library.ErrValidation):
			fmt.Fprintf(out, "ERROR - %v\n", err)
			res.Failed++
		default:
			// Storage failures stop the import; nothing after this row is written.
			fmt.Fprintf(out, "ERROR - %v\n", err)
			return res, err
		}
	}
	return res, nil
}

func validIdentifier(s string) bool {
	if s == "" {
		return false
	}
	return strings.IndexFunc(s, func(r rune) bool {
		return !(r == '_' || r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9')
	}) < 0
}
