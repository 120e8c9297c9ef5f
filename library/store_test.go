package library

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func tempStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(filepath.Join(t.TempDir(), "data", "bookwise_data.txt"), testKey(t))
	require.NoError(t, err)
	return s
}

func sampleSnapshot() *Snapshot {
	at := time.Date(2024, 3, 1, 10, 30, 15, 123456789, time.UTC)
	due := at.Add(DefaultLoanPeriod)
	st := newState()
	st.addUser(&User{
		Name:         "Alice",
		Email:        "alice@example.com",
		PasswordHash: DefaultHasher().Hash("pw"),
		Role:         RoleAdmin,
		History:      []HistoryEntry{{Title: "Clean Code", Status: StatusLoaned, At: at}},
	})
	st.addUser(&User{Name: "Bob", Email: "bob@example.com", PasswordHash: "x", Role: RoleMember, History: []HistoryEntry{}})
	st.addBook(&Book{
		Title:        "Clean Code",
		Author:       "Robert Martin",
		ISBN:         "9780132350884",
		Category:     "Software",
		Available:    false,
		Reservations: []string{"bob@example.com"},
		DueDate:      &due,
	})
	st.addBook(&Book{Title: "Dune", Author: "Frank Herbert", ISBN: "9780441013593", Category: "Fiction", Available: true, Reservations: []string{}})
	st.loans["9780132350884"] = Loan{Email: "alice@example.com", DueDate: due}
	st.audit(at, "book loaned: 9780132350884 to alice@example.com")
	st.audit(at.Add(time.Second), "reservation placed: 9780132350884 by bob@example.com")
	return st.snapshot()
}

func TestStoreLoadMissingFile(t *testing.T) {
	s := tempStore(t)
	snap, found, err := s.Load()
	require.NoError(t, err)
	assert.False(t, found)
	assert.Nil(t, snap)
}

func TestStoreRoundTrip(t *testing.T) {
	s := tempStore(t)
	want := sampleSnapshot()
	require.NoError(t, s.Save(want))

	got, found, err := s.Load()
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, want, got)

	rebuilt := stateFromSnapshot(got)
	assert.Equal(t, []string{"alice@example.com", "bob@example.com"}, rebuilt.userOrder)
	assert.Equal(t, []string{"9780132350884", "9780441013593"}, rebuilt.bookOrder)
	assert.Equal(t, int64(4), rebuilt.seq)
}

func TestStoreFileHoldsNoPlaintext(t *testing.T) {
	s := tempStore(t)
	require.NoError(t, s.Save(sampleSnapshot()))

	raw, err := os.ReadFile(s.Path())
	require.NoError(t, err)
	for _, secret := range []string{"alice@example.com", "Clean Code", DefaultHasher().Hash("pw")} {
		assert.NotContains(t, string(raw), secret)
	}

	info, err := os.Stat(s.Path())
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestStoreTamperedFile(t *testing.T) {
	s := tempStore(t)
	require.NoError(t, s.Save(sampleSnapshot()))
	raw, err := os.ReadFile(s.Path())
	require.NoError(t, err)

	for _, i := range []int{0, 1, len(raw) / 2, len(raw) - 3, len(raw) - 1} {
		tampered := append([]byte(nil), raw...)
		tampered[i] ^= 0x01
		require.NoError(t, os.WriteFile(s.Path(), tampered, 0o600))

		_, _, err := s.Load()
		require.ErrorIs(t, err, ErrDecryptionFailed, "byte %d", i)
	}
}

func TestStoreWrongKey(t *testing.T) {
	s := tempStore(t)
	require.NoError(t, s.Save(sampleSnapshot()))

	other := &Store{path: s.Path(), key: testKey(t)}
	_, found, err := other.Load()
	assert.True(t, found)
	require.ErrorIs(t, err, ErrCrypto)
}

func TestStoreMalformedDocument(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{name: "not json", doc: `{"users": [`},
		{name: "bad timestamp", doc: `{"logs": [["yesterday", "x"]]}`},
		{name: "key mismatch", doc: `{"users": {"a@x.com": {"email": "b@x.com", "role": "member"}}}`},
		{name: "unknown role", doc: `{"users": {"a@x.com": {"email": "a@x.com", "role": "root"}}}`},
		{name: "loan on available book", doc: `{
			"users": {"a@x.com": {"email": "a@x.com", "role": "member"}},
			"books": {"1": {"isbn": "1", "title": "T", "author": "A", "available": true}},
			"loans": {"1": ["a@x.com", "2024-01-01T00:00:00Z"]}}`},
		{name: "unavailable without loan", doc: `{
			"books": {"1": {"isbn": "1", "title": "T", "author": "A", "available": false, "due_date": "2024-01-01T00:00:00Z"}}}`},
		{name: "duplicate reservation", doc: `{
			"users": {"a@x.com": {"email": "a@x.com", "role": "member"}},
			"books": {"1": {"isbn": "1", "title": "T", "author": "A", "available": true, "reservations": ["a@x.com", "a@x.com"]}}}`},
		{name: "reservation by unknown user", doc: `{
			"users": {"a@x.com": {"email": "a@x.com", "role": "member"}},
			"books": {"1": {"isbn": "1", "title": "T", "author": "A", "available": true, "reservations": ["ghost@x.com"]}}}`},
		{name: "unknown history status", doc: `{
			"users": {"a@x.com": {"email": "a@x.com", "role": "member", "history": [["T", "lost", "2024-01-01T00:00:00Z"]]}}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := tempStore(t)
			token, err := Encrypt(s.key, []byte(tt.doc))
			require.NoError(t, err)
			require.NoError(t, os.WriteFile(s.Path(), token, 0o600))

			_, _, err = s.Load()
			require.ErrorIs(t, err, ErrMalformedData)
			require.ErrorIs(t, err, ErrPersistence)
		})
	}
}

func TestStoreLoadsLegacyRoles(t *testing.T) {
	s := tempStore(t)
	doc := `{"users": {"a@x.com": {"nome": "ignored", "name": "A", "email": "a@x.com", "role": "administrador",
			"history": [["T", "emprestado", "2024-01-01T00:00:00Z"], ["T", "devolvido", "2024-01-02T00:00:00Z"]]}},
		"books": {}, "loans": {}, "logs": [], "extra": 42}`
	token, err := Encrypt(s.key, []byte(doc))
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(s.Path(), token, 0o600))

	snap, found, err := s.Load()
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, RoleAdmin, snap.Users["a@x.com"].Role)
	history := snap.Users["a@x.com"].History
	require.Len(t, history, 2)
	assert.Equal(t, StatusLoaned, history[0].Status)
	assert.Equal(t, StatusReturned, history[1].Status)
}

func TestStoreSaveReplacesFile(t *testing.T) {
	s := tempStore(t)
	require.NoError(t, s.Save(sampleSnapshot()))

	empty := newState().snapshot()
	require.NoError(t, s.Save(empty))

	got, found, err := s.Load()
	require.NoError(t, err)
	require.True(t, found)
	assert.Empty(t, got.Users)
	assert.Empty(t, got.Books)

	entries, err := os.ReadDir(filepath.Dir(s.Path()))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "no temp files left behind")
}

func TestStoreFailedSaveLeavesNoTrace(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "data.txt")
	// A non-empty directory at the target makes the final rename fail.
	require.NoError(t, os.MkdirAll(filepath.Join(target, "occupied"), 0o700))

	s := &Store{path: target, key: testKey(t)}
	require.ErrorIs(t, s.Save(sampleSnapshot()), ErrIOFailure)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "data.txt", entries[0].Name())
	assert.True(t, entries[0].IsDir())
}
