package worldstate

import (
	"crypto/rand"
	"crypto/subtle"
	"fmt"

	"golang.org/x/crypto/argon2"
)

// Argon2id parameters for password hashing, the same KDF the teacher uses
// in internal/sync/encrypt.go's DeriveKey (here deriving a login digest
// instead of a sync passphrase key).
const (
	passwordSaltLen = 16
	passwordKeyLen  = 32
	passwordTime    = 1
	passwordMemory  = 64 * 1024
	passwordThreads = 4
)

// HashPassword derives a salted Argon2id digest for plaintext, stored as
// salt||digest in User.PasswordHash.
func HashPassword(plaintext string) ([]byte, error) {
	salt := make([]byte, passwordSaltLen)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("worldstate: generate password salt: %w", err)
	}
	digest := argon2.IDKey([]byte(plaintext), salt, passwordTime, passwordMemory, passwordThreads, passwordKeyLen)
	return append(salt, digest...), nil
}

// CheckPassword reports whether plaintext matches u's stored hash, in
// constant time.
func (u *User) CheckPassword(plaintext string) bool {
	if len(u.PasswordHash) != passwordSaltLen+passwordKeyLen {
		return false
	}
	salt := u.PasswordHash[:passwordSaltLen]
	want := u.PasswordHash[passwordSaltLen:]
	got := argon2.IDKey([]byte(plaintext), salt, passwordTime, passwordMemory, passwordThreads, passwordKeyLen)
	return subtle.ConstantTimeCompare(want, got) == 1
}

// AuthenticateUser verifies a username/password pair against the registered
// user table, returning the matching user's ID, per spec §4.K's
// username+password verification step. Reused for the main connection's
// login frame as well as the resource/photo upload connections, since the
// original server applies the same check to all three. Caller must not
// hold the lock.
func (s *State) AuthenticateUser(username, password string) (uint64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range s.users {
		if u.Name != username {
			continue
		}
		if u.CheckPassword(password) {
			return u.ID, true
		}
		return 0, false
	}
	return 0, false
}

// UserByID returns a registered user by id. Caller must hold the lock.
func (s *State) UserByID(id uint64) (*User, bool) {
	u, ok := s.users[id]
	return u, ok
}
