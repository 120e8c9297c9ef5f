package library

import (
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultLoanPeriod is how long a book stays out before it is due.
const DefaultLoanPeriod = 7 * 24 * time.Hour

// Options configures Open.
type Options struct {
	DataPath   string
	KeyPath    string
	LoanPeriod time.Duration
	Hasher     Hasher
	Logger     *slog.Logger
	Now        func() time.Time
}

// LibraryManager owns all library state. Every mutating call either
// succeeds and is flushed to disk, or fails and leaves state unchanged.
// It is safe for concurrent use: mutations are serialised, reads share a
// read lock.
type LibraryManager struct {
	mu sync.RWMutex

	store      *Store
	hasher     Hasher
	log        *slog.Logger
	now        func() time.Time
	loanPeriod time.Duration

	st     *state
	dirty  bool // audit entries appended since the last flush
	closed bool
}

// Open loads the key (creating it on first run) and the data file. A data
// file that cannot be decrypted or decoded is an error: the library refuses
// to start on top of data it cannot read.
func Open(opts Options) (*LibraryManager, error) {
	if opts.DataPath == "" || opts.KeyPath == "" {
		return nil, fmt.Errorf("%w: data and key paths are required", ErrInvalidInput)
	}
	if opts.LoanPeriod <= 0 {
		opts.LoanPeriod = DefaultLoanPeriod
	}
	if opts.Hasher == nil {
		opts.Hasher = DefaultHasher()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	clock := opts.Now
	if clock == nil {
		clock = time.Now
	}

	key, err := LoadOrCreateKey(opts.KeyPath)
	if err != nil {
		return nil, err
	}
	store, err := NewStore(opts.DataPath, key)
	if err != nil {
		return nil, err
	}

	snap, found, err := store.Load()
	if err != nil {
		opts.Logger.Error("load library data", slog.String("path", opts.DataPath), slog.Any("error", err))
		return nil, err
	}

	st := newState()
	if found {
		st = stateFromSnapshot(snap)
	}
	opts.Logger.Info("library opened",
		slog.String("path", opts.DataPath),
		slog.Bool("fresh", !found),
		slog.Int("users", len(st.users)),
		slog.Int("books", len(st.books)),
		slog.Int("loans", len(st.loans)),
	)

	return &LibraryManager{
		store:      store,
		hasher:     opts.Hasher,
		log:        opts.Logger,
		now:        func() time.Time { return clock().UTC().Round(0) },
		loanPeriod: opts.LoanPeriod,
		st:         st,
	}, nil
}

// Close flushes audit entries that have not been persisted yet and marks the
// manager closed.
func (lm *LibraryManager) Close() error {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	if lm.closed {
		return nil
	}
	lm.closed = true
	if !lm.dirty {
		return nil
	}
	if err := lm.store.Save(lm.st.snapshot()); err != nil {
		lm.log.Error("final flush failed", slog.Any("error", err))
		return err
	}
	lm.dirty = false
	return nil
}

// mutate runs fn against a copy of the state, flushes the copy and only then
// makes it live.
func (lm *LibraryManager) mutate(op string, fn func(st *state, now time.Time) error) error {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	if lm.closed {
		return ErrClosed
	}

	next := lm.st.clone()
	if err := fn(next, lm.now()); err != nil {
		return err
	}
	if err := lm.store.Save(next.snapshot()); err != nil {
		lm.log.Error("flush failed, changes discarded", slog.String("op", op), slog.Any("error", err))
		return err
	}
	lm.st = next
	lm.dirty = false
	return nil
}

// ------------------ Users ------------------

// RegisterUser adds a user, storing only the digest of secret.
func (lm *LibraryManager) RegisterUser(name, email, secret string, role Role) error {
	name, email = strings.TrimSpace(name), strings.TrimSpace(email)
	return lm.mutate("register_user", func(st *state, now time.Time) error {
		if _, ok := st.users[email]; ok {
			return fmt.Errorf("%w: %s", ErrDuplicateUser, email)
		}
		if name == "" || email == "" || secret == "" {
			return fmt.Errorf("%w: name, email and password are required", ErrInvalidInput)
		}
		if role != RoleMember && role != RoleAdmin {
			return fmt.Errorf("%w: unknown role %q", ErrInvalidInput, role)
		}
		st.addUser(&User{
			Name:         name,
			Email:        email,
			PasswordHash: lm.hasher.Hash(secret),
			Role:         role,
			History:      []HistoryEntry{},
		})
		st.audit(now, fmt.Sprintf("user registered: %s (%s)", email, role))
		return nil
	})
}

// Authenticate checks the credentials and records the attempt in the audit
// log. The attempt is persisted with the next flush.
func (lm *LibraryManager) Authenticate(email, secret string) (User, error) {
	email = strings.TrimSpace(email)
	digest := lm.hasher.Hash(secret)

	lm.mu.Lock()
	defer lm.mu.Unlock()
	if lm.closed {
		return User{}, ErrClosed
	}

	u, ok := lm.st.users[email]
	if ok && digestEqual(u.PasswordHash, digest) {
		lm.st.audit(lm.now(), "login succeeded: "+email)
		lm.dirty = true
		return *u.clone(), nil
	}
	lm.st.audit(lm.now(), "login failed: "+email)
	lm.dirty = true
	lm.log.Warn("authentication failed", slog.String("email", email))
	return User{}, ErrInvalidCredentials
}

// ResetPassword replaces a user's stored digest.
func (lm *LibraryManager) ResetPassword(email, secret string) error {
	return lm.mutate("reset_password", func(st *state, now time.Time) error {
		if secret == "" {
			return fmt.Errorf("%w: password cannot be empty", ErrInvalidInput)
		}
		u, ok := st.editUser(email)
		if !ok {
			return fmt.Errorf("%w: %s", ErrUserNotFound, email)
		}
		u.PasswordHash = lm.hasher.Hash(secret)
		st.audit(now, "password reset: "+email)
		return nil
	})
}

func (lm *LibraryManager) User(email string) (User, error) {
	lm.mu.RLock()
	defer lm.mu.RUnlock()
	u, ok := lm.st.users[email]
	if !ok {
		return User{}, fmt.Errorf("%w: %s", ErrUserNotFound, email)
	}
	return *u.clone(), nil
}

// Users returns all users in registration order.
func (lm *LibraryManager) Users() []User {
	lm.mu.RLock()
	defer lm.mu.RUnlock()
	users := make([]User, 0, len(lm.st.userOrder))
	for _, email := range lm.st.userOrder {
		users = append(users, *lm.st.users[email].clone())
	}
	return users
}

// UserHistory returns the user's borrowing history, oldest first.
func (lm *LibraryManager) UserHistory(email string) ([]HistoryEntry, error) {
	lm.mu.RLock()
	defer lm.mu.RUnlock()
	u, ok := lm.st.users[email]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUserNotFound, email)
	}
	return slices.Clone(u.History), nil
}

// ------------------ Books ------------------

// RegisterBook adds a book to the catalogue as available.
func (lm *LibraryManager) RegisterBook(title, author, isbn, category string) error {
	title, author, isbn, category = strings.TrimSpace(title), strings.TrimSpace(author), strings.TrimSpace(isbn), strings.TrimSpace(category)
	return lm.mutate("register_book", func(st *state, now time.Time) error {
		if _, ok := st.books[isbn]; ok {
			return fmt.Errorf("%w: %s", ErrDuplicateBook, isbn)
		}
		if title == "" || author == "" || isbn == "" {
			return fmt.Errorf("%w: title, author and isbn are required", ErrInvalidInput)
		}
		st.addBook(&Book{
			Title:        title,
			Author:       author,
			ISBN:         isbn,
			Category:     category,
			Available:    true,
			Reservations: []string{},
		})
		st.audit(now, fmt.Sprintf("book registered: %s - %s", isbn, title))
		return nil
	})
}

func (lm *LibraryManager) Book(isbn string) (Book, error) {
	lm.mu.RLock()
	defer lm.mu.RUnlock()
	b, ok := lm.st.books[isbn]
	if !ok {
		return Book{}, fmt.Errorf("%w: %s", ErrBookNotFound, isbn)
	}
	return *b.clone(), nil
}

// Books returns the whole catalogue in registration order.
func (lm *LibraryManager) Books() []Book {
	return lm.SearchBooks("")
}

// SearchBooks returns every book whose title, author, category or isbn
// contains term, ignoring case, in registration order. An empty term
// matches everything.
func (lm *LibraryManager) SearchBooks(term string) []Book {
	term = strings.ToLower(term)

	lm.mu.RLock()
	defer lm.mu.RUnlock()
	results := []Book{}
	for _, isbn := range lm.st.bookOrder {
		b := lm.st.books[isbn]
		if strings.Contains(strings.ToLower(b.Title), term) ||
			strings.Contains(strings.ToLower(b.Author), term) ||
			strings.Contains(strings.ToLower(b.Category), term) ||
			strings.Contains(strings.ToLower(b.ISBN), term) {
			results = append(results, *b.clone())
		}
	}
	return results
}

// ------------------ Circulation ------------------

// LoanBook lends an available book to a user for the loan period.
func (lm *LibraryManager) LoanBook(email, isbn string) (Loan, error) {
	var loan Loan
	err := lm.mutate("loan_book", func(st *state, now time.Time) error {
		if _, ok := st.users[email]; !ok {
			return fmt.Errorf("%w: %s", ErrUserNotFound, email)
		}
		if _, ok := st.books[isbn]; !ok {
			return fmt.Errorf("%w: %s", ErrBookNotFound, isbn)
		}
		if !st.books[isbn].Available {
			return fmt.Errorf("%w: %s", ErrBookUnavailable, isbn)
		}

		b, _ := st.editBook(isbn)
		u, _ := st.editUser(email)

		due := now.Add(lm.loanPeriod)
		b.Available = false
		b.DueDate = &due
		// A queued user who picks the book up leaves the queue.
		b.Reservations = slices.DeleteFunc(b.Reservations, func(e string) bool { return e == email })

		loan = Loan{Email: email, DueDate: due}
		st.loans[isbn] = loan
		u.History = append(u.History, HistoryEntry{Title: b.Title, Status: StatusLoaned, At: now})
		st.audit(now, fmt.Sprintf("book loaned: %s to %s", isbn, email))
		return nil
	})
	if err != nil {
		return Loan{}, err
	}
	return loan, nil
}

// ReturnBook ends the active loan of isbn. When the reservation queue is not
// empty its head is released and reported in the receipt's Notice; the book
// is not lent to that user automatically.
func (lm *LibraryManager) ReturnBook(isbn string) (ReturnReceipt, error) {
	var receipt ReturnReceipt
	err := lm.mutate("return_book", func(st *state, now time.Time) error {
		loan, ok := st.loans[isbn]
		if !ok {
			return fmt.Errorf("%w: %s", ErrNotLoaned, isbn)
		}
		b, _ := st.editBook(isbn)

		delete(st.loans, isbn)
		b.Available = true
		b.DueDate = nil
		if u, ok := st.editUser(loan.Email); ok {
			u.History = append(u.History, HistoryEntry{Title: b.Title, Status: StatusReturned, At: now})
		}
		st.audit(now, fmt.Sprintf("book returned: %s by %s", isbn, loan.Email))

		receipt = ReturnReceipt{ISBN: isbn, Title: b.Title, ReturnedBy: loan.Email}
		if len(b.Reservations) > 0 {
			next := b.Reservations[0]
			b.Reservations = slices.Delete(b.Reservations, 0, 1)
			receipt.Notice = &ReservationNotice{ISBN: isbn, Email: next, Title: b.Title}
			st.audit(now, fmt.Sprintf("reservation notice sent to %s - %s", next, isbn))
		}
		return nil
	})
	if err != nil {
		return ReturnReceipt{}, err
	}
	return receipt, nil
}

// ActiveLoansFor lists the user's open loans in catalogue order.
func (lm *LibraryManager) ActiveLoansFor(email string) ([]ActiveLoan, error) {
	lm.mu.RLock()
	defer lm.mu.RUnlock()
	if _, ok := lm.st.users[email]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrUserNotFound, email)
	}
	loans := []ActiveLoan{}
	for _, isbn := range lm.st.bookOrder {
		loan, ok := lm.st.loans[isbn]
		if !ok || loan.Email != email {
			continue
		}
		loans = append(loans, ActiveLoan{Book: *lm.st.books[isbn].clone(), ISBN: isbn, DueDate: loan.DueDate})
	}
	return loans, nil
}

// ------------------ Reservations ------------------

// ReserveBook appends email to the queue of a book that is out on loan.
func (lm *LibraryManager) ReserveBook(email, isbn string) error {
	return lm.mutate("reserve_book", func(st *state, now time.Time) error {
		if _, ok := st.users[email]; !ok {
			return fmt.Errorf("%w: %s", ErrUserNotFound, email)
		}
		b, ok := st.books[isbn]
		if !ok {
			return fmt.Errorf("%w: %s", ErrBookNotFound, isbn)
		}
		if b.Available {
			return fmt.Errorf("%w: %s", ErrBookAvailable, isbn)
		}
		if st.loans[isbn].Email == email {
			return fmt.Errorf("%w: %s", ErrAlreadyBorrowed, isbn)
		}
		if slices.Contains(b.Reservations, email) {
			return fmt.Errorf("%w: %s", ErrAlreadyReserved, isbn)
		}

		b, _ = st.editBook(isbn)
		b.Reservations = append(b.Reservations, email)
		st.audit(now, fmt.Sprintf("reservation placed: %s by %s", isbn, email))
		return nil
	})
}

// CancelReservation removes email from the book's queue.
func (lm *LibraryManager) CancelReservation(email, isbn string) error {
	return lm.mutate("cancel_reservation", func(st *state, now time.Time) error {
		b, ok := st.books[isbn]
		if !ok {
			return fmt.Errorf("%w: %s", ErrBookNotFound, isbn)
		}
		i := slices.Index(b.Reservations, email)
		if i < 0 {
			return fmt.Errorf("%w: %s on %s", ErrNotReserved, email, isbn)
		}

		b, _ = st.editBook(isbn)
		b.Reservations = slices.Delete(b.Reservations, i, i+1)
		st.audit(now, fmt.Sprintf("reservation cancelled: %s by %s", isbn, email))
		return nil
	})
}

// Reservations returns the queue for isbn, head first.
func (lm *LibraryManager) Reservations(isbn string) ([]string, error) {
	lm.mu.RLock()
	defer lm.mu.RUnlock()
	b, ok := lm.st.books[isbn]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrBookNotFound, isbn)
	}
	return slices.Clone(b.Reservations), nil
}

// ------------------ Maintenance ------------------

// BackupSnapshot records a checkpoint manifest and flushes the full state.
// The manifest list lives in memory only; the data file is the backup.
func (lm *LibraryManager) BackupSnapshot() (BackupManifest, error) {
	var m BackupManifest
	err := lm.mutate("backup", func(st *state, now time.Time) error {
		m = BackupManifest{
			ID:    uuid.NewString(),
			Users: len(st.users),
			Books: len(st.books),
			Loans: len(st.loans),
			At:    now,
		}
		st.backups = append(st.backups, m)
		st.audit(now, "backup executed")
		return nil
	})
	if err != nil {
		return BackupManifest{}, err
	}
	return m, nil
}

func (lm *LibraryManager) Backups() []BackupManifest {
	lm.mu.RLock()
	defer lm.mu.RUnlock()
	return slices.Clone(lm.st.backups)
}

func (lm *LibraryManager) AuditLog() []AuditEntry {
	lm.mu.RLock()
	defer lm.mu.RUnlock()
	return slices.Clone(lm.st.logs)
}

// ValidateIntegrity reports whether every user has a name and email and
// every book has a title and author.
func (lm *LibraryManager) ValidateIntegrity() bool {
	lm.mu.RLock()
	defer lm.mu.RUnlock()
	for _, u := range lm.st.users {
		if u.Name == "" || u.Email == "" {
			return false
		}
	}
	for _, b := range lm.st.books {
		if b.Title == "" || b.Author == "" {
			return false
		}
	}
	return true
}

// ------------------ Utilities ------------------

// PrettyBook formats a book for lists.
func PrettyBook(b Book) string {
	status := "available"
	if !b.Available {
		status = "on loan"
	}
	return fmt.Sprintf("%-15s %-30s %-25s %-15s %-10s", b.ISBN, truncate(b.Title, 30), truncate(b.Author, 25), truncate(b.Category, 15), status)
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}
