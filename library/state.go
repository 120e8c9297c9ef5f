package library

import (
	"maps"
	"slices"
	"time"
)

// state is the in-memory aggregate. Mutating operations work on a clone and
// the clone replaces the live state only after it has been flushed.
type state struct {
	users     map[string]*User
	books     map[string]*Book
	loans     map[string]Loan
	userOrder []string
	bookOrder []string
	logs      []AuditEntry
	backups   []BackupManifest
	seq       int64
}

func newState() *state {
	return &state{
		users: make(map[string]*User),
		books: make(map[string]*Book),
		loans: make(map[string]Loan),
	}
}

// clone copies the collections but shares entity pointers; entities are
// copied lazily through editUser/editBook before they are changed.
func (s *state) clone() *state {
	return &state{
		users:     maps.Clone(s.users),
		books:     maps.Clone(s.books),
		loans:     maps.Clone(s.loans),
		userOrder: slices.Clip(s.userOrder),
		bookOrder: slices.Clip(s.bookOrder),
		logs:      slices.Clip(s.logs),
		backups:   slices.Clip(s.backups),
		seq:       s.seq,
	}
}

func (s *state) editUser(email string) (*User, bool) {
	u, ok := s.users[email]
	if !ok {
		return nil, false
	}
	u = u.clone()
	s.users[email] = u
	return u, true
}

func (s *state) editBook(isbn string) (*Book, bool) {
	b, ok := s.books[isbn]
	if !ok {
		return nil, false
	}
	b = b.clone()
	s.books[isbn] = b
	return b, true
}

func (s *state) addUser(u *User) {
	s.seq++
	u.seq = s.seq
	s.users[u.Email] = u
	s.userOrder = append(s.userOrder, u.Email)
}

func (s *state) addBook(b *Book) {
	s.seq++
	b.seq = s.seq
	s.books[b.ISBN] = b
	s.bookOrder = append(s.bookOrder, b.ISBN)
}

func (s *state) audit(at time.Time, action string) {
	s.logs = append(s.logs, AuditEntry{At: at, Action: action})
}

func (s *state) snapshot() *Snapshot {
	return &Snapshot{
		Users: s.users,
		Books: s.books,
		Loans: s.loans,
		Logs:  s.logs,
	}
}

// stateFromSnapshot rebuilds the aggregate, restoring insertion order from
// the registration sequence numbers (ties broken by key).
func stateFromSnapshot(snap *Snapshot) *state {
	s := newState()
	s.users = snap.Users
	s.books = snap.Books
	s.loans = snap.Loans
	s.logs = snap.Logs

	s.userOrder = slices.Collect(maps.Keys(s.users))
	slices.SortFunc(s.userOrder, func(a, b string) int {
		return cmpSeq(s.users[a].seq, s.users[b].seq, a, b)
	})
	s.bookOrder = slices.Collect(maps.Keys(s.books))
	slices.SortFunc(s.bookOrder, func(a, b string) int {
		return cmpSeq(s.books[a].seq, s.books[b].seq, a, b)
	})

	for _, u := range s.users {
		s.seq = max(s.seq, u.seq)
	}
	for _, b := range s.books {
		s.seq = max(s.seq, b.seq)
	}
	return s
}

func cmpSeq(sa, sb int64, ka, kb string) int {
	switch {
	case sa < sb:
		return -1
	case sa > sb:
		return 1
	case ka < kb:
		return -1
	case ka > kb:
		return 1
	}
	return 0
}
