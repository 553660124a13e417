package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/Bradleyfc/proyecto-cfbc/internal/archive"
	"github.com/Bradleyfc/proyecto-cfbc/internal/mailer"
)

// Claim flow errors.
var (
	ErrNoArchivedAccount = errors.New("no archived account for that email")
	ErrClaimNotFound     = errors.New("no pending claim for that email")
	ErrClaimExpired      = errors.New("verification code has expired")
	ErrInvalidClaimCode  = errors.New("incorrect verification code")
	ErrClaimNotVerified  = errors.New("claim has not been verified")
)

// RequestClaim starts account recovery for an archived identity. It locates
// the archived account by email, issues a fresh 4-digit code (superseding any
// earlier claim for the same email), and mails the code. The chosen password
// is hashed immediately and only its hash is stored.
func (s *Service) RequestClaim(ctx context.Context, email, newPassword string) (uuid.UUID, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" {
		return uuid.Nil, ErrNoArchivedAccount
	}

	username, recordID, legacyID, firstName, err := s.findArchivedIdentity(ctx, email)
	if err != nil {
		return uuid.Nil, err
	}

	code, err := generateClaimCode()
	if err != nil {
		return uuid.Nil, err
	}
	passwordHash, err := HashPassword(newPassword)
	if err != nil {
		return uuid.Nil, err
	}

	id := uuid.New()
	expires := time.Now().UTC().Add(s.claimTTL)

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return uuid.Nil, fmt.Errorf("begin claim: %w", err)
	}
	defer tx.Rollback(ctx)

	// One active claim per email: a new request supersedes earlier ones.
	if _, err := tx.Exec(ctx, `DELETE FROM claim_codes WHERE lower(email) = $1`, email); err != nil {
		return uuid.Nil, fmt.Errorf("supersede claims: %w", err)
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO claim_codes (id, email, username, code_hash, password_hash,
			archived_record_id, archived_user_id, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		id, email, username, hashClaimCode(code), passwordHash, recordID, legacyID, expires)
	if err != nil {
		return uuid.Nil, fmt.Errorf("store claim: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return uuid.Nil, fmt.Errorf("commit claim: %w", err)
	}

	s.sendClaimCode(ctx, email, firstName, code)
	s.logger.Info("claim requested", "claim", id, "email", email)
	return id, nil
}

// VerifyClaim checks the emailed code. Expiry is enforced here: an expired
// claim stays in place so retries keep reporting the expiry until a new
// request supersedes it, and a wrong code leaves the claim pending.
func (s *Service) VerifyClaim(ctx context.Context, email, code string) error {
	email = strings.ToLower(strings.TrimSpace(email))

	var id uuid.UUID
	var codeHash string
	var expires time.Time
	err := s.pool.QueryRow(ctx, `
		SELECT id, code_hash, expires_at FROM claim_codes
		WHERE lower(email) = $1 AND verified_at IS NULL
		ORDER BY created_at DESC LIMIT 1`, email).Scan(&id, &codeHash, &expires)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrClaimNotFound
	}
	if err != nil {
		return fmt.Errorf("load claim: %w", err)
	}

	if time.Now().After(expires) {
		return ErrClaimExpired
	}
	if subtle.ConstantTimeCompare([]byte(hashClaimCode(code)), []byte(codeHash)) != 1 {
		return ErrInvalidClaimCode
	}

	_, err = s.pool.Exec(ctx,
		`UPDATE claim_codes SET verified_at = now() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("mark claim verified: %w", err)
	}
	return nil
}

// CompleteClaim consumes a verified claim, materializes the live account with
// the password chosen at request time, and issues a token. The claim row is
// deleted atomically so it can be completed exactly once.
func (s *Service) CompleteClaim(ctx context.Context, email string) (*User, string, error) {
	email = strings.ToLower(strings.TrimSpace(email))

	var username, passwordHash string
	var recordID, legacyID *int64
	err := s.pool.QueryRow(ctx, `
		DELETE FROM claim_codes
		WHERE lower(email) = $1 AND verified_at IS NOT NULL
		RETURNING username, password_hash, archived_record_id, archived_user_id`,
		email).Scan(&username, &passwordHash, &recordID, &legacyID)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, "", ErrClaimNotVerified
	}
	if err != nil {
		return nil, "", fmt.Errorf("consume claim: %w", err)
	}

	user, err := s.materializeClaim(ctx, email, username, passwordHash, recordID, legacyID)
	if err != nil {
		return nil, "", err
	}
	s.notifyReactivation(ctx, user)

	token, err := s.generateToken(user)
	if err != nil {
		return nil, "", err
	}
	s.logger.Info("claim completed", "user", user.Username)
	return user, token, nil
}

func (s *Service) materializeClaim(ctx context.Context, email, username, passwordHash string, recordID, legacyID *int64) (*User, error) {
	// Already materialized between request and completion.
	if user, err := s.userByLogin(ctx, email); err == nil {
		if err := s.setPassword(ctx, user.ID, passwordHash); err != nil {
			return nil, err
		}
		return user, nil
	} else if !errors.Is(err, ErrUserNotFound) {
		return nil, err
	}

	if legacyID != nil {
		legacy, err := s.archive.FindLegacyUser(ctx, email)
		if err == nil && legacy.ID == *legacyID {
			user, err := s.MaterializeLegacyUser(ctx, legacy, passwordHash)
			if err != nil {
				return nil, err
			}
			return user, nil
		}
	}

	user, err := s.createUser(ctx, &User{
		Username:         username,
		Email:            email,
		IsActive:         true,
		ArchivedRecordID: recordID,
	}, passwordHash)
	if err != nil {
		return nil, err
	}
	if err := s.EnsureUserRole(ctx, user.ID, RoleStudent); err != nil {
		return nil, err
	}
	user.Roles = []string{RoleStudent}
	return user, nil
}

func (s *Service) setPassword(ctx context.Context, userID int64, passwordHash string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE users SET password_hash = $2, must_change_password = FALSE, updated_at = now()
		WHERE id = $1`, userID, passwordHash)
	if err != nil {
		return fmt.Errorf("set password: %w", err)
	}
	return nil
}

// findArchivedIdentity locates the archived account behind an email,
// preferring the typed shadow user over the generic capture.
func (s *Service) findArchivedIdentity(ctx context.Context, email string) (username string, recordID, legacyID *int64, firstName string, err error) {
	legacy, err := s.archive.FindLegacyUser(ctx, email)
	if err == nil {
		return legacy.Username, nil, &legacy.ID, legacy.FirstName, nil
	}
	if !errors.Is(err, archive.ErrNotFound) {
		return "", nil, nil, "", err
	}

	records, err := s.archive.FindByField(ctx, "email", email)
	if err != nil {
		return "", nil, nil, "", err
	}
	for i := range records {
		rec := &records[i]
		username, _ := rec.Payload["username"].(string)
		if username == "" {
			username = email
		}
		first, _ := rec.Payload["first_name"].(string)
		return username, &rec.ID, nil, first, nil
	}
	return "", nil, nil, "", ErrNoArchivedAccount
}

func (s *Service) sendClaimCode(ctx context.Context, email, name, code string) {
	if s.mailer == nil {
		s.logger.Warn("claim code issued but no mailer configured", "email", email)
		return
	}
	html, text, err := mailer.RenderClaimCode(mailer.TemplateData{
		AppName: s.appName,
		Name:    name,
		Code:    code,
		Minutes: int(s.claimTTL.Minutes()),
	})
	if err != nil {
		s.logger.Error("render claim code email", "error", err)
		return
	}
	err = s.mailer.Send(ctx, &mailer.Message{
		To:      email,
		Subject: mailer.DefaultClaimCodeSubject,
		HTML:    html,
		Text:    text,
	})
	if err != nil {
		s.logger.Error("send claim code email", "to", email, "error", err)
	}
}

// generateClaimCode returns a random 4-digit numeric code.
func generateClaimCode() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(10000))
	if err != nil {
		return "", fmt.Errorf("generate claim code: %w", err)
	}
	return fmt.Sprintf("%04d", n.Int64()), nil
}

func hashClaimCode(code string) string {
	sum := sha256.Sum256([]byte(code))
	return hex.EncodeToString(sum[:])
}
