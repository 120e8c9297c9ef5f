package library

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
)

// Key is the symmetric key protecting the data file.
type Key [chacha20poly1305.KeySize]byte

const tokenVersion byte = 1

var tokenEncoding = base64.URLEncoding.Strict()

// LoadOrCreateKey returns the key stored at path, generating and persisting a
// fresh one on first run.
func LoadOrCreateKey(path string) (Key, error) {
	var key Key

	raw, err := os.ReadFile(path)
	switch {
	case err == nil:
		if len(raw) != len(key) {
			return key, fmt.Errorf("%w: key file %s has %d bytes, want %d", ErrCrypto, path, len(raw), len(key))
		}
		copy(key[:], raw)
		return key, nil
	case !errors.Is(err, os.ErrNotExist):
		return key, fmt.Errorf("%w: read key: %w", ErrIOFailure, err)
	}

	if _, err := rand.Read(key[:]); err != nil {
		return key, fmt.Errorf("%w: generate key: %w", ErrCrypto, err)
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return key, fmt.Errorf("%w: create key dir: %w", ErrIOFailure, err)
		}
	}
	// O_EXCL: never clobber a key another run wrote in the meantime.
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return key, fmt.Errorf("%w: create key: %w", ErrIOFailure, err)
	}
	if _, err := f.Write(key[:]); err != nil {
		f.Close()
		return key, fmt.Errorf("%w: write key: %w", ErrIOFailure, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return key, fmt.Errorf("%w: sync key: %w", ErrIOFailure, err)
	}
	if err := f.Close(); err != nil {
		return key, fmt.Errorf("%w: close key: %w", ErrIOFailure, err)
	}
	return key, nil
}

// Encrypt seals plaintext into a self-describing text token:
// base64url(version | nonce | ciphertext+tag). A fresh random nonce is drawn
// for every call, so equal inputs give different tokens.
func Encrypt(key Key, plaintext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key[:])
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCrypto, err)
	}

	buf := make([]byte, 1+aead.NonceSize(), 1+aead.NonceSize()+len(plaintext)+aead.Overhead())
	buf[0] = tokenVersion
	if _, err := rand.Read(buf[1:]); err != nil {
		return nil, fmt.Errorf("%w: nonce: %w", ErrCrypto, err)
	}
	nonce := buf[1:]
	sealed := aead.Seal(buf, nonce, plaintext, buf[:1])

	out := make([]byte, tokenEncoding.EncodedLen(len(sealed)))
	tokenEncoding.Encode(out, sealed)
	return out, nil
}

// Decrypt opens a token produced by Encrypt. Any malformed, truncated or
// tampered token, or a token sealed under another key, yields
// ErrDecryptionFailed.
func Decrypt(key Key, token []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key[:])
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCrypto, err)
	}

	raw := make([]byte, tokenEncoding.DecodedLen(len(token)))
	n, err := tokenEncoding.Decode(raw, token)
	if err != nil {
		return nil, fmt.Errorf("%w: bad encoding", ErrDecryptionFailed)
	}
	raw = raw[:n]

	if len(raw) < 1+aead.NonceSize()+aead.Overhead() {
		return nil, fmt.Errorf("%w: token truncated", ErrDecryptionFailed)
	}
	if raw[0] != tokenVersion {
		return nil, fmt.Errorf("%w: unknown token version %d", ErrDecryptionFailed, raw[0])
	}

	nonce := raw[1 : 1+aead.NonceSize()]
	plaintext, err := aead.Open(nil, nonce, raw[1+aead.NonceSize():], raw[:1])
	if err != nil {
		return nil, fmt.Errorf("%w: authentication failed", ErrDecryptionFailed)
	}
	return plaintext, nil
}

// Hasher is the one-way function used for user secrets. Hash must be
// deterministic: the same secret always yields the same digest.
type Hasher interface {
	Hash(secret string) string
}

// Argon2Hasher derives digests with argon2id under a fixed application salt.
type Argon2Hasher struct {
	Salt    []byte
	Time    uint32
	Memory  uint32 // KiB
	Threads uint8
}

// DefaultHasher returns the hasher used when Options.Hasher is nil.
func DefaultHasher() Argon2Hasher {
	return Argon2Hasher{
		Salt:    []byte("bookwise/user-secret/v1"),
		Time:    1,
		Memory:  19 * 1024,
		Threads: 1,
	}
}

func (h Argon2Hasher) Hash(secret string) string {
	return hex.EncodeToString(argon2.IDKey([]byte(secret), h.Salt, h.Time, h.Memory, h.Threads, 32))
}

func digestEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
