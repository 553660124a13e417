// Package auth handles login against live accounts, with a fallback bridge
// into the archive: users whose accounts only exist as archived snapshots are
// materialized into live accounts on their first successful login.
package auth

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Bradleyfc/proyecto-cfbc/internal/archive"
	"github.com/Bradleyfc/proyecto-cfbc/internal/mailer"
)

// Sentinel errors returned by the auth service.
var (
	ErrInvalidCredentials = errors.New("invalid username or password")
	ErrUserNotFound       = errors.New("user not found")
	ErrInactiveAccount    = errors.New("account is inactive")
)

const (
	// RoleStudent is assigned when an archived account carries no group.
	RoleStudent = "Estudiantes"
	RoleTeacher = "Profesores"
)

// User is a live account.
type User struct {
	ID                 int64     `json:"id"`
	Username           string    `json:"username"`
	Email              string    `json:"email"`
	FirstName          string    `json:"first_name"`
	LastName           string    `json:"last_name"`
	IsActive           bool      `json:"is_active"`
	MustChangePassword bool      `json:"must_change_password"`
	Roles              []string  `json:"roles"`
	ArchivedRecordID   *int64    `json:"archived_record_id,omitempty"`
	ArchivedUserID     *int64    `json:"archived_user_id,omitempty"`
	CreatedAt          time.Time `json:"created_at"`

	passwordHash string
}

// Claims is the JWT payload issued on login.
type Claims struct {
	jwt.RegisteredClaims
	Username string   `json:"username"`
	Roles    []string `json:"roles,omitempty"`
}

// Config tunes the auth service.
type Config struct {
	JWTSecret     string
	TokenDuration time.Duration // default 24h
	ClaimCodeTTL  time.Duration // default 3 min
	AppName       string
	// HashPrefixes extends the stored-hash markers recognized when deciding
	// whether an archived secret is a hash or plaintext.
	HashPrefixes []string
}

// Service handles login, the archive bridge, and the claim flow.
type Service struct {
	pool        *pgxpool.Pool
	archive     *archive.Store
	mailer      mailer.Mailer // nil = notification emails disabled
	logger      *slog.Logger
	jwtSecret   []byte
	jwtSecretMu sync.RWMutex
	tokenDur    time.Duration
	claimTTL    time.Duration
	appName     string
	hashPrefix  []string
}

func NewService(pool *pgxpool.Pool, store *archive.Store, m mailer.Mailer, cfg Config, logger *slog.Logger) *Service {
	if cfg.TokenDuration == 0 {
		cfg.TokenDuration = 24 * time.Hour
	}
	if cfg.ClaimCodeTTL == 0 {
		cfg.ClaimCodeTTL = 3 * time.Minute
	}
	if cfg.AppName == "" {
		cfg.AppName = "CFBC"
	}
	return &Service{
		pool:       pool,
		archive:    store,
		mailer:     m,
		logger:     logger,
		jwtSecret:  []byte(cfg.JWTSecret),
		tokenDur:   cfg.TokenDuration,
		claimTTL:   cfg.ClaimCodeTTL,
		appName:    cfg.AppName,
		hashPrefix: cfg.HashPrefixes,
	}
}

// Login authenticates against live accounts first, then falls back to the
// archive: a typed shadow user, then the generic capture. A successful
// archive login materializes a live account before issuing a token.
func (s *Service) Login(ctx context.Context, login, password string) (*User, string, error) {
	login = strings.TrimSpace(login)

	user, err := s.userByLogin(ctx, login)
	if err == nil {
		return s.finishLogin(ctx, user, password)
	}
	if !errors.Is(err, ErrUserNotFound) {
		return nil, "", err
	}

	// Typed shadow user.
	legacy, err := s.archive.FindLegacyUser(ctx, login)
	if err == nil {
		return s.loginFromLegacy(ctx, legacy, password)
	}
	if !errors.Is(err, archive.ErrNotFound) {
		return nil, "", err
	}

	// Generic capture: archived rows whose payload carries the login as a
	// username or email.
	for _, field := range []string{"username", "email"} {
		records, err := s.archive.FindByField(ctx, field, login)
		if err != nil {
			return nil, "", err
		}
		for i := range records {
			user, token, err := s.loginFromCapture(ctx, &records[i], password)
			if err == nil {
				return user, token, nil
			}
			if !errors.Is(err, ErrInvalidCredentials) {
				return nil, "", err
			}
		}
	}

	return nil, "", ErrInvalidCredentials
}

func (s *Service) finishLogin(ctx context.Context, user *User, password string) (*User, string, error) {
	if !user.IsActive {
		return nil, "", ErrInactiveAccount
	}
	ok, err := VerifyPassword(user.passwordHash, password)
	if err != nil {
		s.logger.Warn("password verification failed", "user", user.Username, "error", err)
		return nil, "", ErrInvalidCredentials
	}
	if !ok {
		return nil, "", ErrInvalidCredentials
	}
	token, err := s.generateToken(user)
	if err != nil {
		return nil, "", err
	}
	return user, token, nil
}

func (s *Service) loginFromLegacy(ctx context.Context, legacy *archive.LegacyUser, password string) (*User, string, error) {
	// A shadow user may already have been materialized.
	if legacy.LiveUserID != nil {
		user, err := s.UserByID(ctx, *legacy.LiveUserID)
		if err != nil {
			return nil, "", err
		}
		return s.finishLogin(ctx, user, password)
	}

	// Shadow rows carry no secret; it lives in the generic capture of the
	// same source row.
	secret, err := s.legacySecret(ctx, legacy)
	if err != nil {
		return nil, "", err
	}
	if secret == "" || !s.checkArchivedSecret(secret, password) {
		return nil, "", ErrInvalidCredentials
	}

	user, err := s.MaterializeLegacyUser(ctx, legacy, secret)
	if err != nil {
		return nil, "", err
	}
	s.notifyReactivation(ctx, user)

	token, err := s.generateToken(user)
	if err != nil {
		return nil, "", err
	}
	return user, token, nil
}

func (s *Service) legacySecret(ctx context.Context, legacy *archive.LegacyUser) (string, error) {
	records, err := s.archive.FindByField(ctx, "username", legacy.Username)
	if err != nil {
		return "", err
	}
	for i := range records {
		if secret, _ := records[i].Payload["password"].(string); secret != "" {
			return secret, nil
		}
	}
	return "", nil
}

func (s *Service) loginFromCapture(ctx context.Context, rec *archive.Record, password string) (*User, string, error) {
	secret, _ := rec.Payload["password"].(string)
	if secret == "" {
		return nil, "", ErrInvalidCredentials
	}
	if !s.checkArchivedSecret(secret, password) {
		return nil, "", ErrInvalidCredentials
	}

	user, err := s.materializeFromCapture(ctx, rec, secret)
	if err != nil {
		return nil, "", err
	}
	s.notifyReactivation(ctx, user)

	token, err := s.generateToken(user)
	if err != nil {
		return nil, "", err
	}
	return user, token, nil
}

// checkArchivedSecret verifies a login password against an archived secret,
// which may be a recognized hash or a stored plaintext value. Values that
// look hashed but use an unsupported algorithm fail closed.
func (s *Service) checkArchivedSecret(secret, password string) bool {
	if LooksHashed(secret, s.hashPrefix) {
		ok, err := VerifyPassword(secret, password)
		if err != nil {
			s.logger.Warn("archived secret uses unsupported hash format")
			return false
		}
		return ok
	}
	return subtle.ConstantTimeCompare([]byte(secret), []byte(password)) == 1
}

// materializeFromCapture creates a live account from a generic captured row.
// The archived secret is preserved when already hashed, otherwise hashed now.
func (s *Service) materializeFromCapture(ctx context.Context, rec *archive.Record, secret string) (*User, error) {
	str := func(key string) string {
		v, _ := rec.Payload[key].(string)
		return v
	}
	username := str("username")
	if username == "" {
		username = str("email")
	}
	if username == "" {
		username = rec.DisplayName
	}

	hash := secret
	if !LooksHashed(secret, s.hashPrefix) {
		var err error
		hash, err = HashPassword(secret)
		if err != nil {
			return nil, err
		}
	}

	user, err := s.createUser(ctx, &User{
		Username:         username,
		Email:            str("email"),
		FirstName:        str("first_name"),
		LastName:         str("last_name"),
		IsActive:         true,
		ArchivedRecordID: &rec.ID,
	}, hash)
	if err != nil {
		return nil, err
	}
	if err := s.EnsureUserRole(ctx, user.ID, RoleStudent); err != nil {
		return nil, err
	}
	user.Roles = []string{RoleStudent}
	s.logger.Info("materialized account from archive", "user", user.Username,
		"source_table", rec.SourceTable, "source_id", rec.SourceID)
	return user, nil
}

// MaterializeLegacyUser creates a live account for a typed shadow user and
// back-links the shadow row. The stored secret is preserved when hashed,
// otherwise hashed before storage.
func (s *Service) MaterializeLegacyUser(ctx context.Context, legacy *archive.LegacyUser, secret string) (*User, error) {
	if legacy.LiveUserID != nil {
		return s.UserByID(ctx, *legacy.LiveUserID)
	}

	hash := secret
	if secret != "" && !LooksHashed(secret, s.hashPrefix) {
		var err error
		hash, err = HashPassword(secret)
		if err != nil {
			return nil, err
		}
	}

	user, err := s.createUser(ctx, &User{
		Username:       legacy.Username,
		Email:          legacy.Email,
		FirstName:      legacy.FirstName,
		LastName:       legacy.LastName,
		IsActive:       legacy.IsActive,
		ArchivedUserID: &legacy.ID,
	}, hash)
	if err != nil {
		return nil, err
	}

	role := legacy.Grupo
	if role == "" {
		role = RoleStudent
	}
	if err := s.EnsureUserRole(ctx, user.ID, role); err != nil {
		return nil, err
	}
	user.Roles = []string{role}

	if err := s.archive.LinkLegacyUser(ctx, legacy.ID, user.ID); err != nil {
		return nil, fmt.Errorf("link legacy user: %w", err)
	}
	s.logger.Info("materialized account from shadow user", "user", user.Username,
		"source_id", legacy.SourceID, "role", role)
	return user, nil
}

// createUser inserts a live account, generating a unique username by
// suffixing on collision. The unique-violation retry loop re-resolves rather
// than failing, so concurrent materializations of distinct people both land.
func (s *Service) createUser(ctx context.Context, u *User, passwordHash string) (*User, error) {
	base := normalizeUsername(u.Username)
	for attempt := 0; attempt < 50; attempt++ {
		candidate := base
		if attempt > 0 {
			candidate = fmt.Sprintf("%s%d", base, attempt)
		}
		var id int64
		var createdAt time.Time
		err := s.pool.QueryRow(ctx, `
			INSERT INTO users (username, email, first_name, last_name, password_hash,
				is_active, must_change_password, archived_record_id, archived_user_id)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			RETURNING id, created_at`,
			candidate, strings.ToLower(u.Email), u.FirstName, u.LastName, passwordHash,
			u.IsActive, u.MustChangePassword, u.ArchivedRecordID, u.ArchivedUserID,
		).Scan(&id, &createdAt)
		if err == nil {
			out := *u
			out.ID = id
			out.Username = candidate
			out.CreatedAt = createdAt
			out.passwordHash = passwordHash
			return &out, nil
		}
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			continue
		}
		return nil, fmt.Errorf("create user %q: %w", candidate, err)
	}
	return nil, fmt.Errorf("create user: could not find a free username for %q", base)
}

// MaterializeSecret prepares an archived secret for storage in a live
// account: recognized hashes pass through untouched, plaintext values are
// hashed. An empty secret stays empty, leaving the account claimable but not
// directly usable.
func (s *Service) MaterializeSecret(secret string) (string, error) {
	if secret == "" || LooksHashed(secret, s.hashPrefix) {
		return secret, nil
	}
	return HashPassword(secret)
}

// UpsertMigratedUser inserts or updates a live account during reconciliation.
// Identity is matched by username, then email. On update every matching
// field is copied except the primary key, username, and stored secret, which
// the live account keeps. A unique-violation race re-resolves by retrying
// the lookup.
func (s *Service) UpsertMigratedUser(ctx context.Context, u *User, passwordHash string) (*User, bool, error) {
	for attempt := 0; attempt < 3; attempt++ {
		existing, err := s.userByLogin(ctx, u.Username)
		if errors.Is(err, ErrUserNotFound) && u.Email != "" {
			existing, err = s.userByLogin(ctx, u.Email)
		}
		if err == nil {
			_, err = s.pool.Exec(ctx, `
				UPDATE users SET email = $2, first_name = $3, last_name = $4,
					is_active = $5, updated_at = now()
				WHERE id = $1`,
				existing.ID, strings.ToLower(u.Email), u.FirstName, u.LastName, u.IsActive)
			if err != nil {
				return nil, false, fmt.Errorf("update migrated user %q: %w", u.Username, err)
			}
			merged, err := s.UserByID(ctx, existing.ID)
			return merged, false, err
		}
		if !errors.Is(err, ErrUserNotFound) {
			return nil, false, err
		}

		created, err := s.insertExactUser(ctx, u, passwordHash)
		if err == nil {
			return created, true, nil
		}
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			// Lost a race with a concurrent insert: re-resolve by lookup.
			continue
		}
		return nil, false, err
	}
	return nil, false, fmt.Errorf("upsert migrated user %q: retries exhausted", u.Username)
}

// insertExactUser inserts without suffixing the username; the caller handles
// unique violations.
func (s *Service) insertExactUser(ctx context.Context, u *User, passwordHash string) (*User, error) {
	var id int64
	var createdAt time.Time
	err := s.pool.QueryRow(ctx, `
		INSERT INTO users (username, email, first_name, last_name, password_hash,
			is_active, must_change_password, archived_record_id, archived_user_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id, created_at`,
		u.Username, strings.ToLower(u.Email), u.FirstName, u.LastName, passwordHash,
		u.IsActive, u.MustChangePassword, u.ArchivedRecordID, u.ArchivedUserID,
	).Scan(&id, &createdAt)
	if err != nil {
		return nil, err
	}
	out := *u
	out.ID = id
	out.CreatedAt = createdAt
	out.passwordHash = passwordHash
	return &out, nil
}

// EnsureRole creates a role if it does not exist and returns its id.
func (s *Service) EnsureRole(ctx context.Context, name string) (int64, error) {
	var id int64
	err := s.pool.QueryRow(ctx, `
		INSERT INTO roles (name) VALUES ($1)
		ON CONFLICT (name) DO UPDATE SET name = EXCLUDED.name
		RETURNING id`, name).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("ensure role %q: %w", name, err)
	}
	return id, nil
}

// EnsureUserRole grants a role to a user, creating the role on demand.
func (s *Service) EnsureUserRole(ctx context.Context, userID int64, role string) error {
	roleID, err := s.EnsureRole(ctx, role)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO user_roles (user_id, role_id) VALUES ($1, $2)
		ON CONFLICT DO NOTHING`, userID, roleID)
	if err != nil {
		return fmt.Errorf("grant role %q to user %d: %w", role, userID, err)
	}
	return nil
}

func (s *Service) notifyReactivation(ctx context.Context, user *User) {
	if s.mailer == nil || user.Email == "" {
		return
	}
	html, text, err := mailer.RenderReactivation(mailer.TemplateData{
		AppName:  s.appName,
		Name:     user.FirstName,
		Username: user.Username,
	})
	if err != nil {
		s.logger.Error("render reactivation email", "error", err)
		return
	}
	err = s.mailer.Send(ctx, &mailer.Message{
		To:      user.Email,
		Subject: mailer.DefaultReactivationSubject,
		HTML:    html,
		Text:    text,
	})
	if err != nil {
		// Notification failure never blocks the login.
		s.logger.Error("send reactivation email", "to", user.Email, "error", err)
	}
}

// UserByID fetches a live account by id.
func (s *Service) UserByID(ctx context.Context, id int64) (*User, error) {
	return s.scanUser(ctx, s.pool.QueryRow(ctx, selectUser+` WHERE u.id = $1`, id))
}

func (s *Service) userByLogin(ctx context.Context, login string) (*User, error) {
	return s.scanUser(ctx, s.pool.QueryRow(ctx,
		selectUser+` WHERE lower(u.username) = lower($1) OR (u.email <> '' AND lower(u.email) = lower($1))`,
		login))
}

const selectUser = `
	SELECT u.id, u.username, u.email, u.first_name, u.last_name, u.password_hash,
		u.is_active, u.must_change_password, u.archived_record_id, u.archived_user_id,
		u.created_at
	FROM users u`

func (s *Service) scanUser(ctx context.Context, row pgx.Row) (*User, error) {
	var u User
	err := row.Scan(&u.ID, &u.Username, &u.Email, &u.FirstName, &u.LastName,
		&u.passwordHash, &u.IsActive, &u.MustChangePassword,
		&u.ArchivedRecordID, &u.ArchivedUserID, &u.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying user: %w", err)
	}

	rows, err := s.pool.Query(ctx, `
		SELECT r.name FROM roles r
		JOIN user_roles ur ON ur.role_id = r.id
		WHERE ur.user_id = $1 ORDER BY r.name`, u.ID)
	if err != nil {
		return nil, fmt.Errorf("querying roles: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		u.Roles = append(u.Roles, name)
	}
	return &u, rows.Err()
}

func (s *Service) generateToken(user *User) (string, error) {
	now := time.Now()
	jti := make([]byte, 16)
	if _, err := rand.Read(jti); err != nil {
		return "", fmt.Errorf("generating jti: %w", err)
	}
	claims := &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   fmt.Sprintf("%d", user.ID),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.tokenDur)),
			ID:        hex.EncodeToString(jti),
		},
		Username: user.Username,
		Roles:    user.Roles,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	s.jwtSecretMu.RLock()
	secret := s.jwtSecret
	s.jwtSecretMu.RUnlock()
	return token.SignedString(secret)
}

// ValidateToken parses and validates a JWT token string.
func (s *Service) ValidateToken(tokenString string) (*Claims, error) {
	s.jwtSecretMu.RLock()
	secret := s.jwtSecret
	s.jwtSecretMu.RUnlock()

	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("invalid token: %w", err)
	}
	if !token.Valid {
		return nil, errors.New("invalid token")
	}
	return claims, nil
}

// normalizeUsername lowercases and strips a proposed username down to a safe
// character set, falling back to "user" when nothing survives.
func normalizeUsername(raw string) string {
	raw = strings.ToLower(strings.TrimSpace(raw))
	if at := strings.IndexByte(raw, '@'); at > 0 {
		raw = raw[:at]
	}
	var b strings.Builder
	for _, r := range raw {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '.', r == '_', r == '-':
			b.WriteRune(r)
		case r == ' ':
			b.WriteByte('.')
		}
	}
	out := strings.Trim(b.String(), ".")
	if out == "" {
		return "user"
	}
	return out
}
