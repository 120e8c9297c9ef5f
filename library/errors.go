package library

import "errors"

// Error categories. Every sentinel below unwraps to exactly one of these, so
// callers can branch on the category with errors.Is.
var (
	ErrValidation    = errors.New("validation error")
	ErrNotFound      = errors.New("not found")
	ErrStateConflict = errors.New("state conflict")
	ErrAuth          = errors.New("authentication error")
	ErrCrypto        = errors.New("crypto error")
	ErrPersistence   = errors.New("persistence error")
)

var (
	ErrInvalidInput  = newKindError(ErrValidation, "invalid input")
	ErrDuplicateUser = newKindError(ErrValidation, "user already registered")
	ErrDuplicateBook = newKindError(ErrValidation, "book already registered")

	ErrUserNotFound = newKindError(ErrNotFound, "user not found")
	ErrBookNotFound = newKindError(ErrNotFound, "book not found")
	ErrNotLoaned    = newKindError(ErrNotFound, "book is not on loan")
	ErrNotReserved  = newKindError(ErrNotFound, "no reservation for this user")

	ErrBookUnavailable = newKindError(ErrStateConflict, "book is not available for loan")
	ErrBookAvailable   = newKindError(ErrStateConflict, "book is available, loan it instead of reserving")
	ErrAlreadyReserved = newKindError(ErrStateConflict, "user is already in the reservation queue")
	ErrAlreadyBorrowed = newKindError(ErrStateConflict, "user already has this book on loan")

	// ErrInvalidCredentials never says whether the email or the secret was wrong.
	ErrInvalidCredentials = newKindError(ErrAuth, "invalid credentials")

	ErrDecryptionFailed = newKindError(ErrCrypto, "decryption failed")

	ErrIOFailure     = newKindError(ErrPersistence, "i/o failure")
	ErrMalformedData = newKindError(ErrPersistence, "malformed data")
	ErrClosed        = newKindError(ErrPersistence, "library is closed")
)

type kindError struct {
	kind error
	msg  string
}

func newKindError(kind error, msg string) error {
	return &kindError{kind: kind, msg: msg}
}

func (e *kindError) Error() string { return e.msg }

func (e *kindError) Unwrap() error { return e.kind }
