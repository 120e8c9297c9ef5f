package main

import (
	"bytes"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"

	"bookwise/library"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestLibrary(t *testing.T, dir string) *library.LibraryManager {
	t.Helper()
	mgr, err := library.Open(library.Options{
		DataPath: filepath.Join(dir, "data.txt"),
		KeyPath:  filepath.Join(dir, "key"),
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	require.NoError(t, err)
	return mgr
}

func runShell(t *testing.T, mgr *library.LibraryManager, lines ...string) string {
	t.Helper()
	var out bytes.Buffer
	newShell(mgr, strings.NewReader(strings.Join(lines, "\n")+"\n"), &out).run()
	return out.String()
}

func TestShellCirculation(t *testing.T) {
	mgr := openTestLibrary(t, t.TempDir())
	t.Cleanup(func() { mgr.Close() })

	out := runShell(t, mgr,
		"register", "Alice", "alice@example.com", "pw", "",
		"register", "Bob", "bob@example.com", "pw", "admin",
		"loan",
		"login", "alice@example.com", "pw",
		"add book", "Clean Code", "Robert Martin", "9780132350884", "Software",
		"search", "ROBERT",
		"loan", "9780132350884",
		"my books",
		"logout",
		"login", "bob@example.com", "pw",
		"reserve", "9780132350884",
		"return", "9780132350884",
		"history",
		"logout",
		"login", "alice@example.com", "pw",
		"return", "9780132350884",
		"exit",
	)

	assert.Contains(t, out, "Registered alice@example.com.")
	assert.Contains(t, out, "Please log in first.")
	assert.Contains(t, out, "Welcome, Alice (member)!")
	assert.Contains(t, out, "Found 1 book(s) matching 'ROBERT'")
	assert.Contains(t, out, "Book 9780132350884 loaned to Alice")
	assert.Contains(t, out, "days left)")
	assert.Contains(t, out, "Welcome, Bob (admin)!")
	assert.Contains(t, out, "Position in queue: 1")
	assert.Contains(t, out, "You do not have this book on loan.")
	assert.Contains(t, out, "Book 'Clean Code' returned by alice@example.com.")
	assert.Contains(t, out, "Notice: 'Clean Code' is now available for bob@example.com.")
	assert.Contains(t, out, "No history yet.")
	assert.Contains(t, out, "Goodbye!")
}

func TestShellRefusesReturnOfAnotherUsersLoan(t *testing.T) {
	mgr := openTestLibrary(t, t.TempDir())
	t.Cleanup(func() { mgr.Close() })
	require.NoError(t, mgr.RegisterUser("Alice", "alice@example.com", "pw", library.RoleMember))
	require.NoError(t, mgr.RegisterUser("Bob", "bob@example.com", "pw", library.RoleMember))
	require.NoError(t, mgr.RegisterBook("Dune", "Frank Herbert", "1", "Fiction"))
	_, err := mgr.LoanBook("alice@example.com", "1")
	require.NoError(t, err)

	out := runShell(t, mgr,
		"login", "bob@example.com", "pw",
		"return", "1",
		"return", "2",
		"exit",
	)

	assert.Equal(t, 2, strings.Count(out, "You do not have this book on loan.\n"))
	loans, err := mgr.ActiveLoansFor("alice@example.com")
	require.NoError(t, err)
	require.Len(t, loans, 1)
	assert.Equal(t, "1", loans[0].ISBN)
	bob, err := mgr.UserHistory("bob@example.com")
	require.NoError(t, err)
	assert.Empty(t, bob)
}

func TestShellRendersErrors(t *testing.T) {
	mgr := openTestLibrary(t, t.TempDir())
	t.Cleanup(func() { mgr.Close() })

	out := runShell(t, mgr,
		"register", "Alice", "alice@example.com", "pw", "",
		"register", "Alice", "alice@example.com", "pw", "",
		"login", "alice@example.com", "wrong",
		"login", "nobody@example.com", "pw",
		"register", "Eve", "eve@example.com", "pw", "root",
		"frobnicate",
	)

	assert.Contains(t, out, "Error: user already registered: alice@example.com")
	assert.Equal(t, 2, strings.Count(out, "Login failed: invalid credentials\n"))
	assert.Contains(t, out, `Error: unknown role "root"`)
	assert.Contains(t, out, "Unknown command.")
	assert.NotContains(t, out, "Goodbye!", "EOF ends the shell quietly")
}

func TestVerifyCommand(t *testing.T) {
	t.Setenv("CONFIG_PATH", "")
	dir := t.TempDir()
	mgr := openTestLibrary(t, dir)
	require.NoError(t, mgr.RegisterBook("Dune", "Frank Herbert", "9780441013593", "Fiction"))
	require.NoError(t, mgr.Close())

	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"verify", "--data", filepath.Join(dir, "data.txt"), "--key", filepath.Join(dir, "key")})
	require.NoError(t, cmd.Execute())
	assert.Contains(t, out.String(), "Integrity check passed (0 users, 1 books)")
}

func TestBackupAndAuditCommands(t *testing.T) {
	t.Setenv("CONFIG_PATH", "")
	dir := t.TempDir()
	args := []string{"--data", filepath.Join(dir, "data.txt"), "--key", filepath.Join(dir, "key")}

	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetArgs(append([]string{"backup"}, args...))
	require.NoError(t, cmd.Execute())
	assert.Contains(t, out.String(), "0 users, 0 books, 0 loans")

	out.Reset()
	cmd = newRootCmd()
	cmd.SetOut(&out)
	cmd.SetArgs(append([]string{"audit", "-n", "1"}, args...))
	require.NoError(t, cmd.Execute())
	assert.Contains(t, out.String(), "backup executed")
}
