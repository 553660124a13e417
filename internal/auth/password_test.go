package auth

import (
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"testing"

	"golang.org/x/crypto/pbkdf2"

	"github.com/Bradleyfc/proyecto-cfbc/internal/testutil"
)

func TestHashAndVerifyPassword(t *testing.T) {
	hash, err := HashPassword("correct horse battery staple")
	testutil.NoError(t, err)
	testutil.True(t, isBcryptHash(hash))

	ok, err := VerifyPassword(hash, "correct horse battery staple")
	testutil.NoError(t, err)
	testutil.True(t, ok)

	ok, err = VerifyPassword(hash, "wrong password")
	testutil.NoError(t, err)
	testutil.False(t, ok)
}

func TestVerifyPBKDF2SHA256(t *testing.T) {
	// Build a django-format hash the same way django does.
	salt := "c2FsdHNhbHQ"
	iterations := 260000
	key := pbkdf2.Key([]byte("micontraseña"), []byte(salt), iterations, 32, sha256.New)
	stored := fmt.Sprintf("pbkdf2_sha256$%d$%s$%s",
		iterations, salt, base64.StdEncoding.EncodeToString(key))

	ok, err := VerifyPassword(stored, "micontraseña")
	testutil.NoError(t, err)
	testutil.True(t, ok)

	ok, err = VerifyPassword(stored, "otracontraseña")
	testutil.NoError(t, err)
	testutil.False(t, ok)
}

func TestVerifyPasswordUnsupportedFormat(t *testing.T) {
	_, err := VerifyPassword("sha1$abc$def0123456789", "x")
	testutil.ErrorContains(t, err, "unsupported hash format")

	_, err = VerifyPassword("plaintext-value", "plaintext-value")
	testutil.ErrorContains(t, err, "unsupported hash format")
}

func TestVerifyPBKDF2Malformed(t *testing.T) {
	_, err := VerifyPassword("pbkdf2_sha256$notanumber$salt$aGFzaA==", "x")
	testutil.Error(t, err)

	_, err = VerifyPassword("pbkdf2_sha256$1000$salt", "x")
	testutil.Error(t, err)
}

func TestLooksHashed(t *testing.T) {
	tests := []struct {
		name   string
		secret string
		extra  []string
		want   bool
	}{
		{"bcrypt", "$2b$12$abcdefghijklmnopqrstuv", nil, true},
		{"django pbkdf2", "pbkdf2_sha256$260000$salt$hash", nil, true},
		{"old django sha1", "sha1$salt$0123456789abcdef0123", nil, true},
		{"argon2", "argon2$argon2id$v=19$m=102400", nil, true},
		{"plaintext word", "escuela2019", nil, false},
		{"plaintext with dollar but short", "ab$cd", nil, false},
		{"long opaque with dollar", "unknownalgo$aaaaaaaaaaaaaaaaaaaaaaaa", nil, true},
		{"custom prefix", "scrypt$n=16384$salt$key", []string{"scrypt$"}, true},
		{"empty", "", nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			testutil.Equal(t, LooksHashed(tt.secret, tt.extra), tt.want)
		})
	}
}
