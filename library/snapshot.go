package library

import (
	"errors"
	"fmt"
	"slices"
	"time"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Snapshot is the complete persisted state of the library.
type Snapshot struct {
	Users map[string]*User
	Books map[string]*Book
	Loans map[string]Loan
	Logs  []AuditEntry
}

// Document schema. Field names are part of the data file format; unknown
// fields are ignored on decode.
type snapshotDoc struct {
	Users map[string]userDoc `json:"users"`
	Books map[string]bookDoc `json:"books"`
	Loans map[string]pairDoc `json:"loans"`
	Logs  []pairDoc          `json:"logs"`
}

type userDoc struct {
	Seq          int64        `json:"seq"`
	Name         string       `json:"name"`
	Email        string       `json:"email"`
	PasswordHash string       `json:"password_hash"`
	Role         string       `json:"role"`
	History      []historyDoc `json:"history"`
}

type bookDoc struct {
	Seq          int64      `json:"seq"`
	Title        string     `json:"title"`
	Author       string     `json:"author"`
	ISBN         string     `json:"isbn"`
	Category     string     `json:"category"`
	Available    bool       `json:"available"`
	Reservations []string   `json:"reservations"`
	DueDate      *time.Time `json:"due_date"`
}

// pairDoc is a two-element array: [email, due] for loans, [at, action] for
// log lines.
type pairDoc [2]string

// historyDoc is [title, status, at].
type historyDoc [3]string

func formatTime(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}

func encodeSnapshot(s *Snapshot) ([]byte, error) {
	doc := snapshotDoc{
		Users: make(map[string]userDoc, len(s.Users)),
		Books: make(map[string]bookDoc, len(s.Books)),
		Loans: make(map[string]pairDoc, len(s.Loans)),
		Logs:  make([]pairDoc, 0, len(s.Logs)),
	}
	for email, u := range s.Users {
		history := make([]historyDoc, 0, len(u.History))
		for _, h := range u.History {
			history = append(history, historyDoc{h.Title, string(h.Status), formatTime(h.At)})
		}
		doc.Users[email] = userDoc{
			Seq:          u.seq,
			Name:         u.Name,
			Email:        u.Email,
			PasswordHash: u.PasswordHash,
			Role:         string(u.Role),
			History:      history,
		}
	}
	for isbn, b := range s.Books {
		reservations := b.Reservations
		if reservations == nil {
			reservations = []string{}
		}
		doc.Books[isbn] = bookDoc{
			Seq:          b.seq,
			Title:        b.Title,
			Author:       b.Author,
			ISBN:         b.ISBN,
			Category:     b.Category,
			Available:    b.Available,
			Reservations: reservations,
			DueDate:      b.DueDate,
		}
	}
	for isbn, l := range s.Loans {
		doc.Loans[isbn] = pairDoc{l.Email, formatTime(l.DueDate)}
	}
	for _, e := range s.Logs {
		doc.Logs = append(doc.Logs, pairDoc{formatTime(e.At), e.Action})
	}
	return json.Marshal(doc)
}

func decodeSnapshot(data []byte) (*Snapshot, error) {
	var doc snapshotDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, err
	}

	s := &Snapshot{
		Users: make(map[string]*User, len(doc.Users)),
		Books: make(map[string]*Book, len(doc.Books)),
		Loans: make(map[string]Loan, len(doc.Loans)),
		Logs:  make([]AuditEntry, 0, len(doc.Logs)),
	}

	for email, d := range doc.Users {
		if d.Email != email {
			return nil, fmt.Errorf("user key %q does not match email %q", email, d.Email)
		}
		role, ok := ParseRole(d.Role)
		if !ok {
			return nil, fmt.Errorf("user %q: unknown role %q", email, d.Role)
		}
		u := &User{
			Name:         d.Name,
			Email:        d.Email,
			PasswordHash: d.PasswordHash,
			Role:         role,
			History:      make([]HistoryEntry, 0, len(d.History)),
			seq:          d.Seq,
		}
		for _, h := range d.History {
			at, err := parseTime(h[2])
			if err != nil {
				return nil, fmt.Errorf("user %q history: %w", email, err)
			}
			status, ok := ParseHistoryStatus(h[1])
			if !ok {
				return nil, fmt.Errorf("user %q history: unknown status %q", email, h[1])
			}
			u.History = append(u.History, HistoryEntry{Title: h[0], Status: status, At: at})
		}
		s.Users[email] = u
	}

	for isbn, d := range doc.Books {
		if d.ISBN != isbn {
			return nil, fmt.Errorf("book key %q does not match isbn %q", isbn, d.ISBN)
		}
		b := &Book{
			Title:        d.Title,
			Author:       d.Author,
			ISBN:         d.ISBN,
			Category:     d.Category,
			Available:    d.Available,
			Reservations: d.Reservations,
			seq:          d.Seq,
		}
		if b.Reservations == nil {
			b.Reservations = []string{}
		}
		if d.DueDate != nil {
			due := d.DueDate.UTC()
			b.DueDate = &due
		}
		s.Books[isbn] = b
	}

	for isbn, p := range doc.Loans {
		due, err := parseTime(p[1])
		if err != nil {
			return nil, fmt.Errorf("loan %q: %w", isbn, err)
		}
		s.Loans[isbn] = Loan{Email: p[0], DueDate: due}
	}

	for i, p := range doc.Logs {
		at, err := parseTime(p[0])
		if err != nil {
			return nil, fmt.Errorf("log line %d: %w", i, err)
		}
		s.Logs = append(s.Logs, AuditEntry{At: at, Action: p[1]})
	}

	if err := s.validate(); err != nil {
		return nil, err
	}
	return s, nil
}

// validate checks the cross-entity invariants of a decoded snapshot.
func (s *Snapshot) validate() error {
	var errs []error
	for isbn, b := range s.Books {
		loan, onLoan := s.Loans[isbn]
		switch {
		case b.Available && onLoan:
			errs = append(errs, fmt.Errorf("book %q is available but has a loan", isbn))
		case !b.Available && !onLoan:
			errs = append(errs, fmt.Errorf("book %q is unavailable without a loan", isbn))
		case onLoan && (b.DueDate == nil || !b.DueDate.Equal(loan.DueDate)):
			errs = append(errs, fmt.Errorf("book %q due date does not match its loan", isbn))
		case b.Available && b.DueDate != nil:
			errs = append(errs, fmt.Errorf("book %q is available but has a due date", isbn))
		}
		for i, email := range b.Reservations {
			if slices.Index(b.Reservations, email) != i {
				errs = append(errs, fmt.Errorf("book %q reserves %q twice", isbn, email))
			}
			if _, ok := s.Users[email]; !ok {
				errs = append(errs, fmt.Errorf("book %q reserved by unknown user %q", isbn, email))
			}
		}
	}
	for isbn, loan := range s.Loans {
		if _, ok := s.Books[isbn]; !ok {
			errs = append(errs, fmt.Errorf("loan for unknown book %q", isbn))
		}
		if _, ok := s.Users[loan.Email]; !ok {
			errs = append(errs, fmt.Errorf("loan %q held by unknown user %q", isbn, loan.Email))
		}
	}
	return errors.Join(errs...)
}
