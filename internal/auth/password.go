package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/crypto/bcrypt"
	"golang.org/x/crypto/pbkdf2"
)

// defaultHashPrefixes are the stored-hash markers recognized out of the box.
// Deployments migrating from other systems can extend the list via config.
var defaultHashPrefixes = []string{
	"$2a$", "$2b$", "$2y$", // bcrypt
	"pbkdf2_sha256$", "pbkdf2_sha1$", // django
	"argon2$", "$argon2id$",
	"sha1$", "md5$",
}

// HashPassword hashes a plaintext password with bcrypt.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	return string(hash), nil
}

// LooksHashed reports whether a stored secret is already a password hash
// rather than a plaintext value. Known algorithm prefixes are decisive;
// otherwise a long value with a '$' separator is assumed hashed. Extra
// prefixes extend the known list.
func LooksHashed(secret string, extraPrefixes []string) bool {
	for _, p := range defaultHashPrefixes {
		if strings.HasPrefix(secret, p) {
			return true
		}
	}
	for _, p := range extraPrefixes {
		if p != "" && strings.HasPrefix(secret, p) {
			return true
		}
	}
	return strings.Contains(secret, "$") && len(secret) > 20
}

// VerifyPassword checks a password against a stored hash. Bcrypt and
// django-style pbkdf2_sha256 are supported; anything else fails closed.
func VerifyPassword(stored, password string) (bool, error) {
	switch {
	case isBcryptHash(stored):
		err := bcrypt.CompareHashAndPassword([]byte(stored), []byte(password))
		if errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
			return false, nil
		}
		if err != nil {
			return false, fmt.Errorf("bcrypt verify: %w", err)
		}
		return true, nil
	case strings.HasPrefix(stored, "pbkdf2_sha256$"):
		return verifyPBKDF2SHA256(stored, password)
	default:
		return false, fmt.Errorf("unsupported hash format")
	}
}

func isBcryptHash(hash string) bool {
	return strings.HasPrefix(hash, "$2a$") || strings.HasPrefix(hash, "$2b$") || strings.HasPrefix(hash, "$2y$")
}

// verifyPBKDF2SHA256 checks a django-format hash:
// pbkdf2_sha256$<iterations>$<salt>$<base64 key>.
func verifyPBKDF2SHA256(stored, password string) (bool, error) {
	parts := strings.Split(stored, "$")
	if len(parts) != 4 {
		return false, fmt.Errorf("invalid pbkdf2 hash format")
	}
	iterations, err := strconv.Atoi(parts[1])
	if err != nil || iterations <= 0 {
		return false, fmt.Errorf("invalid pbkdf2 iteration count")
	}
	want, err := base64.StdEncoding.DecodeString(parts[3])
	if err != nil {
		return false, fmt.Errorf("decoding pbkdf2 key: %w", err)
	}
	got := pbkdf2.Key([]byte(password), []byte(parts[2]), iterations, len(want), sha256.New)
	return subtle.ConstantTimeCompare(got, want) == 1, nil
}
