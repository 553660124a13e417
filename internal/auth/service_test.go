package auth

import (
	"testing"

	"github.com/Bradleyfc/proyecto-cfbc/internal/testutil"
)

func TestNormalizeUsername(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"jperez", "jperez"},
		{"JPerez", "jperez"},
		{"ana.perez@cfbc.example", "ana.perez"},
		{"Juan Pérez", "juan.prez"},
		{"  maria_g  ", "maria_g"},
		{"...", "user"},
		{"", "user"},
		{"ñÑ", "user"},
	}
	for _, tt := range tests {
		testutil.Equal(t, normalizeUsername(tt.in), tt.want)
	}
}

func TestGenerateClaimCode(t *testing.T) {
	for i := 0; i < 50; i++ {
		code, err := generateClaimCode()
		testutil.NoError(t, err)
		testutil.Equal(t, len(code), 4)
		for _, r := range code {
			testutil.True(t, r >= '0' && r <= '9')
		}
	}
}

func TestHashClaimCodeStable(t *testing.T) {
	testutil.Equal(t, hashClaimCode("4821"), hashClaimCode("4821"))
	testutil.NotEqual(t, hashClaimCode("4821"), hashClaimCode("4822"))
}

func TestCheckArchivedSecret(t *testing.T) {
	svc := &Service{logger: testutil.DiscardLogger()}

	// Plaintext archived secret: direct comparison.
	testutil.True(t, svc.checkArchivedSecret("escuela2019", "escuela2019"))
	testutil.False(t, svc.checkArchivedSecret("escuela2019", "otra"))

	// Hashed archived secret: verified through the hash.
	hash, err := HashPassword("escuela2019")
	testutil.NoError(t, err)
	testutil.True(t, svc.checkArchivedSecret(hash, "escuela2019"))
	testutil.False(t, svc.checkArchivedSecret(hash, "otra"))

	// Looks hashed but unsupported algorithm: fails closed even when the
	// password matches the raw value.
	unsupported := "unknownalgo$aaaaaaaaaaaaaaaaaaaaaaaa"
	testutil.False(t, svc.checkArchivedSecret(unsupported, unsupported))
}

func TestTokenRoundTrip(t *testing.T) {
	svc := NewService(nil, nil, nil, Config{JWTSecret: "test-secret"}, testutil.DiscardLogger())

	user := &User{ID: 42, Username: "ana.perez", Roles: []string{RoleStudent}}
	token, err := svc.generateToken(user)
	testutil.NoError(t, err)

	claims, err := svc.ValidateToken(token)
	testutil.NoError(t, err)
	testutil.Equal(t, claims.Subject, "42")
	testutil.Equal(t, claims.Username, "ana.perez")
	testutil.SliceLen(t, claims.Roles, 1)
}

func TestValidateTokenWrongSecret(t *testing.T) {
	issuer := NewService(nil, nil, nil, Config{JWTSecret: "secret-a"}, testutil.DiscardLogger())
	verifier := NewService(nil, nil, nil, Config{JWTSecret: "secret-b"}, testutil.DiscardLogger())

	token, err := issuer.generateToken(&User{ID: 1, Username: "x"})
	testutil.NoError(t, err)

	_, err = verifier.ValidateToken(token)
	testutil.Error(t, err)
}
