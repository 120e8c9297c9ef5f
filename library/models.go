package library

import (
	"slices"
	"time"
)

// Role is the access level of a registered user.
type Role string

const (
	RoleMember Role = "member"
	RoleAdmin  Role = "admin"
)

// ParseRole accepts the canonical role names plus the legacy ones written by
// earlier data files ("comum", "administrador").
func ParseRole(s string) (Role, bool) {
	switch s {
	case "member", "comum":
		return RoleMember, true
	case "admin", "administrador":
		return RoleAdmin, true
	}
	return "", false
}

// HistoryStatus tags an entry in a user's borrowing history.
type HistoryStatus string

const (
	StatusLoaned   HistoryStatus = "loaned"
	StatusReturned HistoryStatus = "returned"
)

// ParseHistoryStatus accepts the canonical statuses plus the legacy ones
// ("emprestado", "devolvido").
func ParseHistoryStatus(s string) (HistoryStatus, bool) {
	switch s {
	case "loaned", "emprestado":
		return StatusLoaned, true
	case "returned", "devolvido":
		return StatusReturned, true
	}
	return "", false
}

// HistoryEntry is one immutable line of a user's borrowing history.
type HistoryEntry struct {
	Title  string        `json:"title"`
	Status HistoryStatus `json:"status"`
	At     time.Time     `json:"at"`
}

// User represents a registered library user. PasswordHash holds the digest
// produced by the configured Hasher, never the raw secret.
type User struct {
	Name         string         `json:"name"`
	Email        string         `json:"email"`
	PasswordHash string         `json:"-"`
	Role         Role           `json:"role"`
	History      []HistoryEntry `json:"history"`

	seq int64
}

// IsAdmin reports whether the user has administrator rights.
func (u User) IsAdmin() bool { return u.Role == RoleAdmin }

func (u *User) clone() *User {
	c := *u
	c.History = slices.Clone(u.History)
	return &c
}

// Book represents catalogue metadata and current circulation state.
// DueDate is set if and only if the book is on loan.
type Book struct {
	Title        string     `json:"title"`
	Author       string     `json:"author"`
	ISBN         string     `json:"isbn"`
	Category     string     `json:"category"`
	Available    bool       `json:"available"`
	Reservations []string   `json:"reservations"`
	DueDate      *time.Time `json:"due_date,omitempty"`

	seq int64
}

func (b *Book) clone() *Book {
	c := *b
	c.Reservations = slices.Clone(b.Reservations)
	if b.DueDate != nil {
		d := *b.DueDate
		c.DueDate = &d
	}
	return &c
}

// Loan is the active loan of a book, keyed by ISBN in the library.
type Loan struct {
	Email   string    `json:"email"`
	DueDate time.Time `json:"due_date"`
}

// ActiveLoan is a loan joined with the book it refers to.
type ActiveLoan struct {
	Book    Book      `json:"book"`
	ISBN    string    `json:"isbn"`
	DueDate time.Time `json:"due_date"`
}

// Overdue reports whether the loan is past its due date at now.
func (l ActiveLoan) Overdue(now time.Time) bool { return now.After(l.DueDate) }

// DaysLeft is the number of whole days until the due date, zero once overdue.
func (l ActiveLoan) DaysLeft(now time.Time) int {
	if l.Overdue(now) {
		return 0
	}
	return int(l.DueDate.Sub(now) / (24 * time.Hour))
}

// AuditEntry is one line of the append-only audit log.
type AuditEntry struct {
	At     time.Time `json:"at"`
	Action string    `json:"action"`
}

// BackupManifest is the checkpoint marker recorded by BackupSnapshot.
type BackupManifest struct {
	ID    string    `json:"id"`
	Users int       `json:"users"`
	Books int       `json:"books"`
	Loans int       `json:"loans"`
	At    time.Time `json:"at"`
}

// ReservationNotice is emitted by ReturnBook when the head of a book's
// reservation queue is released.
type ReservationNotice struct {
	ISBN  string `json:"isbn"`
	Email string `json:"email"`
	Title string `json:"title"`
}

// ReturnReceipt describes a completed return.
type ReturnReceipt struct {
	ISBN       string
	Title      string
	ReturnedBy string
	Notice     *ReservationNotice
}
