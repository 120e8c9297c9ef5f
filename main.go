package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"strings"
	"time"

	"bookwise/config"
	"bookwise/library"

	"github.com/spf13/cobra"
	"golang.org/x/term"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

type app struct {
	cfg      *config.Config
	log      *slog.Logger
	dataPath string
	keyPath  string
}

func (a *app) open() (*library.LibraryManager, error) {
	return library.Open(library.Options{
		DataPath:   a.dataPath,
		KeyPath:    a.keyPath,
		LoanPeriod: a.cfg.Library.LoanPeriod,
		Logger:     a.log,
	})
}

func newRootCmd() *cobra.Command {
	a := &app{}

	root := &cobra.Command{
		Use:           "bookwise",
		Short:         "Encrypted library catalogue with loans and reservations",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			a.cfg = cfg
			a.log = config.NewLogger(cfg.Log, os.Stderr)
			if !cmd.Flags().Changed("data") {
				a.dataPath = cfg.Storage.DataPath
			}
			if !cmd.Flags().Changed("key") {
				a.keyPath = cfg.Storage.KeyPath
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			mgr, err := a.open()
			if err != nil {
				return fmt.Errorf("open library: %w", err)
			}
			defer mgr.Close()

			sh := newShell(mgr, cmd.InOrStdin(), cmd.OutOrStdout())
			sh.run()
			return nil
		},
	}
	root.PersistentFlags().StringVar(&a.dataPath, "data", "", "encrypted data file (overrides config)")
	root.PersistentFlags().StringVar(&a.keyPath, "key", "", "key file (overrides config)")

	root.AddCommand(newVerifyCmd(a), newBackupCmd(a), newAuditCmd(a))
	return root
}

func newVerifyCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "verify",
		Short: "Check that every user and book has its required fields",
		RunE: func(cmd *cobra.Command, _ []string) error {
			mgr, err := a.open()
			if err != nil {
				return err
			}
			defer mgr.Close()
			if !mgr.ValidateIntegrity() {
				fmt.Fprintln(cmd.OutOrStdout(), "Integrity check FAILED")
				return errors.New("integrity check failed")
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Integrity check passed (%d users, %d books)\n", len(mgr.Users()), len(mgr.Books()))
			return nil
		},
	}
}

func newBackupCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "backup",
		Short: "Record a checkpoint and flush the data file",
		RunE: func(cmd *cobra.Command, _ []string) error {
			mgr, err := a.open()
			if err != nil {
				return err
			}
			defer mgr.Close()
			m, err := mgr.BackupSnapshot()
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Backup %s: %d users, %d books, %d loans at %s\n",
				m.ID, m.Users, m.Books, m.Loans, m.At.Format(time.RFC3339))
			return nil
		},
	}
}

func newAuditCmd(a *app) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Print the audit log, newest last",
		RunE: func(cmd *cobra.Command, _ []string) error {
			mgr, err := a.open()
			if err != nil {
				return err
			}
			defer mgr.Close()
			entries := mgr.AuditLog()
			if limit > 0 && len(entries) > limit {
				entries = entries[len(entries)-limit:]
			}
			for _, e := range entries {
				fmt.Fprintf(cmd.OutOrStdout(), "%s  %s\n", e.At.Format(time.RFC3339), e.Action)
			}
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 0, "show only the last n entries")
	return cmd
}

// ---------------------------------------------------------------------------
// Interactive shell
// ---------------------------------------------------------------------------

type shell struct {
	mgr  *library.LibraryManager
	sc   *bufio.Scanner
	out  io.Writer
	user *library.User

	readSecret func(prompt string) (string, error)
}

func newShell(mgr *library.LibraryManager, in io.Reader, out io.Writer) *shell {
	sh := &shell{mgr: mgr, sc: bufio.NewScanner(in), out: out}
	sh.readSecret = sh.readLine
	if f, ok := in.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		sh.readSecret = func(prompt string) (string, error) {
			fmt.Fprint(out, prompt)
			b, err := term.ReadPassword(int(f.Fd()))
			fmt.Fprintln(out)
			if err != nil {
				return "", err
			}
			return strings.TrimSpace(string(b)), nil
		}
	}
	return sh
}

func (sh *shell) printf(format string, args ...any) { fmt.Fprintf(sh.out, format, args...) }

// readLine prompts and reads one trimmed line; io.EOF once input is exhausted.
func (sh *shell) readLine(prompt string) (string, error) {
	fmt.Fprint(sh.out, prompt)
	if !sh.sc.Scan() {
		if err := sh.sc.Err(); err != nil {
			return "", err
		}
		return "", io.EOF
	}
	return strings.TrimSpace(sh.sc.Text()), nil
}

// prompt reads several answers in order, stopping at the first error.
func (sh *shell) prompt(labels ...string) ([]string, bool) {
	answers := make([]string, 0, len(labels))
	for _, l := range labels {
		v, err := sh.readLine(l + ": ")
		if err != nil {
			return nil, false
		}
		answers = append(answers, v)
	}
	return answers, true
}

func (sh *shell) run() {
	sh.printf("Welcome to BookWise!\n")
	sh.printf("Available commands:\n")
	sh.printf("  Account: register, login, logout\n")
	sh.printf("  Books: add book, list books, search\n")
	sh.printf("  Circulation: loan, return, reserve, cancel reservation, my books, history\n")
	sh.printf("  System: backup, verify, exit\n")

	for {
		cmd, err := sh.readLine("\n> ")
		if err != nil {
			return
		}

		switch cmd {
		case "register":
			sh.handleRegister()
		case "login":
			sh.handleLogin()
		case "logout":
			sh.user = nil
			sh.printf("Logged out.\n")
		case "add book":
			sh.handleAddBook()
		case "list books":
			sh.listBooks(sh.mgr.Books())
		case "search":
			sh.handleSearch()
		case "loan":
			sh.withUser(sh.handleLoan)
		case "return":
			sh.withUser(sh.handleReturn)
		case "reserve":
			sh.withUser(sh.handleReserve)
		case "cancel reservation":
			sh.withUser(sh.handleCancelReservation)
		case "my books":
			sh.withUser(sh.handleMyBooks)
		case "history":
			sh.withUser(sh.handleHistory)
		case "backup":
			sh.handleBackup()
		case "verify":
			if sh.mgr.ValidateIntegrity() {
				sh.printf("Integrity check passed.\n")
			} else {
				sh.printf("Integrity check FAILED: some records are missing required fields.\n")
			}
		case "exit":
			sh.printf("Goodbye!\n")
			return
		case "":
		default:
			sh.printf("Unknown command. Type one of the available commands listed above.\n")
		}
	}
}

func (sh *shell) withUser(fn func(u library.User)) {
	if sh.user == nil {
		sh.printf("Please log in first.\n")
		return
	}
	fn(*sh.user)
}

// describe turns an error into a user-facing message without internals.
func describe(err error) string {
	switch {
	case errors.Is(err, library.ErrPersistence), errors.Is(err, library.ErrCrypto):
		return "could not save changes; nothing was modified"
	default:
		return err.Error()
	}
}

func (sh *shell) handleRegister() {
	in, ok := sh.prompt("Name", "Email")
	if !ok {
		return
	}
	secret, err := sh.readSecret("Password: ")
	if err != nil {
		sh.printf("Error reading password: %v\n", err)
		return
	}
	roleIn, err := sh.readLine("Role (member/admin) [member]: ")
	if err != nil {
		return
	}
	if roleIn == "" {
		roleIn = string(library.RoleMember)
	}
	role, ok := library.ParseRole(roleIn)
	if !ok {
		sh.printf("Error: unknown role %q\n", roleIn)
		return
	}

	if err := sh.mgr.RegisterUser(in[0], in[1], secret, role); err != nil {
		sh.printf("Error: %s\n", describe(err))
		return
	}
	sh.printf("Registered %s.\n", in[1])
}

func (sh *shell) handleLogin() {
	email, err := sh.readLine("Email: ")
	if err != nil {
		return
	}
	secret, err := sh.readSecret("Password: ")
	if err != nil {
		sh.printf("Error reading password: %v\n", err)
		return
	}
	u, err := sh.mgr.Authenticate(email, secret)
	if err != nil {
		sh.printf("Login failed: %s\n", describe(err))
		return
	}
	sh.user = &u
	sh.printf("Welcome, %s (%s)!\n", u.Name, u.Role)
}

func (sh *shell) handleAddBook() {
	in, ok := sh.prompt("Title", "Author", "ISBN", "Category")
	if !ok {
		return
	}
	if err := sh.mgr.RegisterBook(in[0], in[1], in[2], in[3]); err != nil {
		sh.printf("Error adding book: %s\n", describe(err))
		return
	}
	sh.printf("Added '%s' (ISBN %s).\n", in[0], in[2])
}

func (sh *shell) handleSearch() {
	query, err := sh.readLine("Search by title, author, category or ISBN: ")
	if err != nil {
		return
	}
	books := sh.mgr.SearchBooks(query)
	if len(books) == 0 {
		sh.printf("No books found matching '%s'.\n", query)
		return
	}
	sh.printf("Found %d book(s) matching '%s':\n", len(books), query)
	sh.listBooks(books)
}

func (sh *shell) listBooks(books []library.Book) {
	if len(books) == 0 {
		sh.printf("No books in library.\n")
		return
	}
	sh.printf("%-15s %-30s %-25s %-15s %-10s %s\n", "ISBN", "Title", "Author", "Category", "Status", "Queue")
	sh.printf("%s\n", strings.Repeat("-", 110))
	for _, b := range books {
		queue := "None"
		if len(b.Reservations) > 0 {
			queue = fmt.Sprintf("%d waiting", len(b.Reservations))
		}
		sh.printf("%s %s\n", library.PrettyBook(b), queue)
	}
}

func (sh *shell) handleLoan(u library.User) {
	isbn, err := sh.readLine("ISBN: ")
	if err != nil {
		return
	}
	loan, err := sh.mgr.LoanBook(u.Email, isbn)
	if err != nil {
		sh.printf("Error loaning book: %s\n", describe(err))
		return
	}
	sh.printf("Book %s loaned to %s, due %s.\n", isbn, u.Name, loan.DueDate.Local().Format("02/01/2006"))
}

func (sh *shell) handleReturn(u library.User) {
	isbn, err := sh.readLine("ISBN: ")
	if err != nil {
		return
	}
	loans, err := sh.mgr.ActiveLoansFor(u.Email)
	if err != nil {
		sh.printf("Error returning book: %s\n", describe(err))
		return
	}
	if !slices.ContainsFunc(loans, func(l library.ActiveLoan) bool { return l.ISBN == isbn }) {
		sh.printf("You do not have this book on loan.\n")
		return
	}
	receipt, err := sh.mgr.ReturnBook(isbn)
	if err != nil {
		sh.printf("Error returning book: %s\n", describe(err))
		return
	}
	sh.printf("Book '%s' returned by %s.\n", receipt.Title, receipt.ReturnedBy)
	if n := receipt.Notice; n != nil {
		sh.printf("Notice: '%s' is now available for %s.\n", n.Title, n.Email)
	}
}

func (sh *shell) handleReserve(u library.User) {
	isbn, err := sh.readLine("ISBN: ")
	if err != nil {
		return
	}
	if err := sh.mgr.ReserveBook(u.Email, isbn); err != nil {
		sh.printf("Error reserving book: %s\n", describe(err))
		return
	}
	sh.printf("Book %s reserved for %s.\n", isbn, u.Name)
	if queue, err := sh.mgr.Reservations(isbn); err == nil {
		for i, email := range queue {
			if email == u.Email {
				sh.printf("Position in queue: %d\n", i+1)
				break
			}
		}
	}
}

func (sh *shell) handleCancelReservation(u library.User) {
	isbn, err := sh.readLine("ISBN: ")
	if err != nil {
		return
	}
	if err := sh.mgr.CancelReservation(u.Email, isbn); err != nil {
		sh.printf("Error cancelling reservation: %s\n", describe(err))
		return
	}
	sh.printf("Reservation for %s cancelled.\n", isbn)
}

func (sh *shell) handleMyBooks(u library.User) {
	loans, err := sh.mgr.ActiveLoansFor(u.Email)
	if err != nil {
		sh.printf("Error: %s\n", describe(err))
		return
	}
	if len(loans) == 0 {
		sh.printf("You have no books on loan.\n")
		return
	}
	now := time.Now()
	for _, l := range loans {
		sh.printf("%s - %s [%s]\n", l.Book.Title, l.Book.Author, l.ISBN)
		sh.printf("  Due: %s", l.DueDate.Local().Format("02/01/2006"))
		if l.Overdue(now) {
			sh.printf("  OVERDUE\n")
		} else {
			sh.printf("  (%d days left)\n", l.DaysLeft(now))
		}
	}
}

func (sh *shell) handleHistory(u library.User) {
	history, err := sh.mgr.UserHistory(u.Email)
	if err != nil {
		sh.printf("Error: %s\n", describe(err))
		return
	}
	if len(history) == 0 {
		sh.printf("No history yet.\n")
		return
	}
	for _, h := range history {
		sh.printf("%s - %s on %s\n", h.Title, h.Status, h.At.Local().Format("02/01/2006 15:04"))
	}
}

func (sh *shell) handleBackup() {
	m, err := sh.mgr.BackupSnapshot()
	if err != nil {
		sh.printf("Backup failed: %s\n", describe(err))
		return
	}
	sh.printf("Backup %s recorded: %d users, %d books, %d loans.\n", m.ID, m.Users, m.Books, m.Loans)
}
