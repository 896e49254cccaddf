package provider

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/guidegenie/guidegenie/internal/email"
	"github.com/guidegenie/guidegenie/internal/model"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

// minProviderPasswordLen is the provider's own floor; callers may demand more.
const minProviderPasswordLen = 6

// Postgres is a self-hosted provider backed by PostgreSQL. Identities,
// sessions and recovery tokens live in auth_* tables; application rows live
// in users and guides. A trigger creates the users row for self-service
// signups (see migrations/001_init.up.sql).
type Postgres struct {
	db     *pgxpool.Pool
	tokens *TokenIssuer
	oauth  *OAuthBroker
	bus    Bus
	mailer email.EmailSender
	logger *zap.Logger
}

// NewPostgres creates a Postgres provider.
func NewPostgres(db *pgxpool.Pool, tokens *TokenIssuer, oauth *OAuthBroker, bus Bus, mailer email.EmailSender, logger *zap.Logger) *Postgres {
	if bus == nil {
		bus = NewMemoryBus()
	}
	return &Postgres{db: db, tokens: tokens, oauth: oauth, bus: bus, mailer: mailer, logger: logger}
}

// Auth returns the credential and session API.
func (p *Postgres) Auth() AuthAPI { return p }

// Admin returns the privileged API.
func (p *Postgres) Admin() AdminAPI { return p }

// Users returns the users table.
func (p *Postgres) Users() UserTable { return &pgUserTable{db: p.db} }

// Guides returns the guides table.
func (p *Postgres) Guides() GuideTable { return &pgGuideTable{db: p.db} }

// ─── Auth ────────────────────────────────────────────────────────────────────

// GetUser resolves the identity behind an access token.
func (p *Postgres) GetUser(ctx context.Context, accessToken string) (*Identity, error) {
	if accessToken == "" {
		return nil, ErrNoSession
	}
	claims, err := p.tokens.Verify(accessToken)
	if err != nil {
		return nil, ErrNoSession
	}

	var identityID uuid.UUID
	q := `
		SELECT identity_id FROM auth_sessions
		WHERE id = $1 AND revoked_at IS NULL AND expires_at > now()`
	if err := p.db.QueryRow(ctx, q, claims.SessionID).Scan(&identityID); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNoSession
		}
		return nil, fmt.Errorf("lookup session: %w", err)
	}
	return p.identityByID(ctx, identityID)
}

// SignInWithPassword verifies credentials and issues a session.
func (p *Postgres) SignInWithPassword(ctx context.Context, emailAddr, password string) (*AuthSession, error) {
	id, hash, err := p.identityByEmail(ctx, emailAddr)
	if err != nil {
		if errors.Is(err, ErrNoRows) {
			return nil, errInvalidLogin()
		}
		return nil, err
	}
	if hash == "" || bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) != nil {
		return nil, errInvalidLogin()
	}
	return p.createSession(ctx, id)
}

// SignUp creates an identity and signs it in. The users row is created by
// the database trigger when the metadata carries a user_type.
func (p *Postgres) SignUp(ctx context.Context, sp SignUpParams) (*AuthSession, error) {
	if sp.Email == "" {
		return nil, &Error{Status: 400, Code: "validation_failed", Message: "Signup requires a valid email"}
	}
	if len(sp.Password) < minProviderPasswordLen {
		return nil, &Error{Status: 400, Code: "weak_password", Message: "Password should be at least 6 characters"}
	}
	id, err := p.insertIdentity(ctx, sp.Email, sp.Password, sp.Metadata, false)
	if err != nil {
		return nil, err
	}

	sess, err := p.createSession(ctx, id)
	if err != nil {
		return nil, err
	}

	if sp.EmailRedirectTo != "" {
		email.SendTemplate(ctx, p.mailer, id.Email, email.TemplateNewUser, email.TemplateData{
			Name: id.Metadata["name"],
			URL:  sp.EmailRedirectTo,
		}, p.logger)
	}
	return sess, nil
}

// SignOut revokes the session behind accessToken.
func (p *Postgres) SignOut(ctx context.Context, accessToken string) error {
	claims, err := p.tokens.Verify(accessToken)
	if err != nil {
		return &Error{Status: 401, Code: "session_not_found", Message: "Auth session missing!"}
	}
	tag, err := p.db.Exec(ctx,
		`UPDATE auth_sessions SET revoked_at = now() WHERE id = $1 AND revoked_at IS NULL`,
		claims.SessionID,
	)
	if err != nil {
		return fmt.Errorf("revoke session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return &Error{Status: 401, Code: "session_not_found", Message: "Auth session missing!"}
	}
	uid, _ := uuid.Parse(claims.Subject)
	p.publish(ctx, Event{Type: EventSignedOut, UserID: uid, SessionID: claims.SessionID})
	return nil
}

// ResetPasswordForEmail emails a recovery link. It returns nil for unknown
// addresses so callers cannot enumerate accounts.
func (p *Postgres) ResetPasswordForEmail(ctx context.Context, emailAddr, redirectTo string) error {
	id, _, err := p.identityByEmail(ctx, emailAddr)
	if err != nil {
		if errors.Is(err, ErrNoRows) {
			return nil
		}
		return err
	}

	token, err := generateSecureToken(32)
	if err != nil {
		return fmt.Errorf("generate recovery token: %w", err)
	}
	q := `
		INSERT INTO auth_recovery_tokens (token, identity_id, expires_at, created_at)
		VALUES ($1, $2, $3, now())`
	if _, err := p.db.Exec(ctx, q, token, id.ID, time.Now().UTC().Add(time.Hour)); err != nil {
		return fmt.Errorf("persist recovery token: %w", err)
	}

	email.SendTemplate(ctx, p.mailer, id.Email, email.TemplateForgotPassword, email.TemplateData{
		Name: id.Metadata["name"],
		URL:  withQuery(redirectTo, "token", token),
	}, p.logger)
	return nil
}

// VerifyRecovery consumes a recovery token and issues a session for its owner.
func (p *Postgres) VerifyRecovery(ctx context.Context, token string) (*AuthSession, error) {
	expired := &Error{Status: 403, Code: "otp_expired", Message: "Token has expired or is invalid"}

	tx, err := p.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	var identityID uuid.UUID
	var expiresAt time.Time
	var usedAt *time.Time
	q := `SELECT identity_id, expires_at, used_at FROM auth_recovery_tokens WHERE token = $1 FOR UPDATE`
	if err := tx.QueryRow(ctx, q, token).Scan(&identityID, &expiresAt, &usedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, expired
		}
		return nil, fmt.Errorf("query recovery token: %w", err)
	}
	if usedAt != nil || time.Now().After(expiresAt) {
		return nil, expired
	}
	if _, err := tx.Exec(ctx, `UPDATE auth_recovery_tokens SET used_at = now() WHERE token = $1`, token); err != nil {
		return nil, fmt.Errorf("mark token used: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}

	id, err := p.identityByID(ctx, identityID)
	if err != nil {
		return nil, err
	}
	return p.createSession(ctx, id)
}

// UpdateUser changes the password and/or metadata of the signed-in identity.
func (p *Postgres) UpdateUser(ctx context.Context, accessToken string, attrs UserAttributes) (*Identity, error) {
	id, err := p.GetUser(ctx, accessToken)
	if err != nil {
		if errors.Is(err, ErrNoSession) {
			return nil, &Error{Status: 401, Code: "session_not_found", Message: "Auth session missing!"}
		}
		return nil, err
	}

	if attrs.Password != nil {
		if len(*attrs.Password) < minProviderPasswordLen {
			return nil, &Error{Status: 400, Code: "weak_password", Message: "Password should be at least 6 characters"}
		}
		hash, err := bcrypt.GenerateFromPassword([]byte(*attrs.Password), bcrypt.DefaultCost)
		if err != nil {
			return nil, fmt.Errorf("hash password: %w", err)
		}
		if _, err := p.db.Exec(ctx,
			`UPDATE auth_identities SET password_hash = $2, updated_at = now() WHERE id = $1`,
			id.ID, string(hash),
		); err != nil {
			return nil, fmt.Errorf("set password: %w", err)
		}
	}
	if len(attrs.Metadata) > 0 {
		meta, err := json.Marshal(attrs.Metadata)
		if err != nil {
			return nil, fmt.Errorf("marshal metadata: %w", err)
		}
		if _, err := p.db.Exec(ctx,
			`UPDATE auth_identities SET metadata = metadata || $2::jsonb, updated_at = now() WHERE id = $1`,
			id.ID, string(meta),
		); err != nil {
			return nil, fmt.Errorf("merge metadata: %w", err)
		}
	}

	p.publish(ctx, Event{Type: EventUserUpdated, UserID: id.ID})
	return p.identityByID(ctx, id.ID)
}

// SignInWithOAuth returns the consent page URL for the third-party provider.
func (p *Postgres) SignInWithOAuth(_ context.Context, op OAuthParams) (string, error) {
	return p.oauth.ConsentURL(op)
}

// ExchangeOAuthCode completes an OAuth login: it finds the identity linked
// to the provider account (or by email), creating one if needed, and
// issues a session. The returned string is the post-login redirect.
func (p *Postgres) ExchangeOAuthCode(ctx context.Context, providerName, state, code string) (*AuthSession, string, error) {
	profile, redirectTo, err := p.oauth.Exchange(ctx, providerName, state, code)
	if err != nil {
		return nil, "", err
	}

	var identityID uuid.UUID
	err = p.db.QueryRow(ctx,
		`SELECT identity_id FROM auth_oauth_links WHERE provider = $1 AND provider_id = $2`,
		profile.Provider, profile.ProviderID,
	).Scan(&identityID)
	switch {
	case err == nil:
	case errors.Is(err, pgx.ErrNoRows):
		id, _, lookupErr := p.identityByEmail(ctx, profile.Email)
		switch {
		case lookupErr == nil && !profile.EmailVerified:
			return nil, "", errUnverifiedOAuthEmail()
		case lookupErr == nil:
			identityID = id.ID
		case errors.Is(lookupErr, ErrNoRows):
			meta := map[string]string{"provider": profile.Provider}
			if profile.Name != "" {
				meta["name"] = profile.Name
			}
			created, createErr := p.insertIdentity(ctx, profile.Email, "", meta, profile.EmailVerified)
			if createErr != nil {
				return nil, "", createErr
			}
			identityID = created.ID
		default:
			return nil, "", lookupErr
		}
		if _, linkErr := p.db.Exec(ctx, `
			INSERT INTO auth_oauth_links (provider, provider_id, identity_id, created_at)
			VALUES ($1, $2, $3, now())
			ON CONFLICT (provider, provider_id) DO NOTHING`,
			profile.Provider, profile.ProviderID, identityID,
		); linkErr != nil {
			p.logger.Warn("link oauth identity", zap.String("identity_id", identityID.String()), zap.Error(linkErr))
		}
	default:
		return nil, "", fmt.Errorf("lookup oauth link: %w", err)
	}

	id, err := p.identityByID(ctx, identityID)
	if err != nil {
		return nil, "", err
	}
	sess, err := p.createSession(ctx, id)
	if err != nil {
		return nil, "", err
	}
	return sess, redirectTo, nil
}

// OnAuthStateChange subscribes fn to auth events.
func (p *Postgres) OnAuthStateChange(fn func(Event)) func() {
	return p.bus.Subscribe(fn)
}

// ─── Admin ───────────────────────────────────────────────────────────────────

// CreateUser creates an identity without signing it in. No users row is
// created for it; the caller inserts one.
func (p *Postgres) CreateUser(ctx context.Context, ap AdminUserParams) (*Identity, error) {
	if ap.Email == "" {
		return nil, &Error{Status: 400, Code: "validation_failed", Message: "Email is required"}
	}
	if ap.Password != "" && len(ap.Password) < minProviderPasswordLen {
		return nil, &Error{Status: 400, Code: "weak_password", Message: "Password should be at least 6 characters"}
	}
	meta := make(map[string]string, len(ap.Metadata))
	for k, v := range ap.Metadata {
		if k == "user_type" {
			// keeps the signup trigger from creating a row for admin-created identities
			continue
		}
		meta[k] = v
	}
	return p.insertIdentity(ctx, ap.Email, ap.Password, meta, ap.EmailConfirm)
}

// DeleteUser removes an identity and, by cascade, its sessions and rows.
func (p *Postgres) DeleteUser(ctx context.Context, id uuid.UUID) error {
	tag, err := p.db.Exec(ctx, `DELETE FROM auth_identities WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete identity: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return &Error{Status: 404, Code: "user_not_found", Message: "User not found"}
	}
	return nil
}

// ─── helpers ─────────────────────────────────────────────────────────────────

func (p *Postgres) insertIdentity(ctx context.Context, emailAddr, password string, meta map[string]string, confirmed bool) (*Identity, error) {
	var hash string
	if password != "" {
		b, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
		if err != nil {
			return nil, fmt.Errorf("hash password: %w", err)
		}
		hash = string(b)
	}
	if meta == nil {
		meta = map[string]string{}
	}
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return nil, fmt.Errorf("marshal metadata: %w", err)
	}

	id := &Identity{
		ID:             uuid.New(),
		Email:          strings.ToLower(strings.TrimSpace(emailAddr)),
		Metadata:       meta,
		EmailConfirmed: confirmed,
		CreatedAt:      time.Now().UTC(),
	}
	var confirmedAt *time.Time
	if confirmed {
		confirmedAt = &id.CreatedAt
	}

	q := `
		INSERT INTO auth_identities (id, email, password_hash, metadata, email_confirmed_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4::jsonb, $5, $6, $6)`
	if _, err := p.db.Exec(ctx, q, id.ID, id.Email, hash, string(metaJSON), confirmedAt, id.CreatedAt); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return nil, errAlreadyRegistered()
		}
		return nil, fmt.Errorf("insert identity: %w", err)
	}
	return id, nil
}

func (p *Postgres) createSession(ctx context.Context, id *Identity) (*AuthSession, error) {
	sessionID := uuid.New()
	token, exp, err := p.tokens.Issue(id.ID, sessionID, id.Email)
	if err != nil {
		return nil, err
	}
	if _, err := p.db.Exec(ctx,
		`INSERT INTO auth_sessions (id, identity_id, created_at, expires_at) VALUES ($1, $2, now(), $3)`,
		sessionID, id.ID, exp,
	); err != nil {
		return nil, fmt.Errorf("insert session: %w", err)
	}
	p.publish(ctx, Event{Type: EventSignedIn, UserID: id.ID, SessionID: sessionID.String()})
	return &AuthSession{AccessToken: token, ExpiresAt: exp, Identity: id}, nil
}

func (p *Postgres) identityByID(ctx context.Context, id uuid.UUID) (*Identity, error) {
	out, _, err := p.scanIdentity(ctx, `
		SELECT id, email, password_hash, metadata, email_confirmed_at, created_at
		FROM auth_identities WHERE id = $1`, id)
	return out, err
}

func (p *Postgres) identityByEmail(ctx context.Context, emailAddr string) (*Identity, string, error) {
	return p.scanIdentity(ctx, `
		SELECT id, email, password_hash, metadata, email_confirmed_at, created_at
		FROM auth_identities WHERE email = $1`, strings.ToLower(strings.TrimSpace(emailAddr)))
}

func (p *Postgres) scanIdentity(ctx context.Context, q string, args ...any) (*Identity, string, error) {
	var (
		id          Identity
		hash        string
		confirmedAt *time.Time
	)
	err := p.db.QueryRow(ctx, q, args...).Scan(&id.ID, &id.Email, &hash, &id.Metadata, &confirmedAt, &id.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, "", ErrNoRows
		}
		return nil, "", fmt.Errorf("scan identity: %w", err)
	}
	id.EmailConfirmed = confirmedAt != nil
	if id.Metadata == nil {
		id.Metadata = map[string]string{}
	}
	return &id, hash, nil
}

func (p *Postgres) publish(ctx context.Context, evt Event) {
	if err := p.bus.Publish(ctx, evt); err != nil {
		p.logger.Warn("publish auth event", zap.String("type", string(evt.Type)), zap.Error(err))
	}
}

// ─── Tables ──────────────────────────────────────────────────────────────────

const userColumns = `id, email, user_type, name, phone, created_at, updated_at`

type pgUserTable struct {
	db *pgxpool.Pool
}

func (t *pgUserTable) Get(ctx context.Context, id uuid.UUID) (*model.User, error) {
	rows, err := t.db.Query(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id)
	if err != nil {
		return nil, fmt.Errorf("select user: %w", err)
	}
	u, err := pgx.CollectOneRow(rows, pgx.RowToAddrOfStructByName[model.User])
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNoRows
		}
		return nil, fmt.Errorf("scan user: %w", err)
	}
	return u, nil
}

func (t *pgUserTable) Insert(ctx context.Context, u *model.User) (*model.User, error) {
	now := time.Now().UTC()
	rows, err := t.db.Query(ctx, `
		INSERT INTO users (id, email, user_type, name, phone, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $6)
		RETURNING `+userColumns,
		u.ID, u.Email, string(u.UserType), u.Name, u.Phone, now,
	)
	if err != nil {
		return nil, fmt.Errorf("insert user: %w", err)
	}
	out, err := pgx.CollectOneRow(rows, pgx.RowToAddrOfStructByName[model.User])
	if err != nil {
		return nil, tableError("insert user", err)
	}
	return out, nil
}

func (t *pgUserTable) Update(ctx context.Context, id uuid.UUID, upd UserUpdate) error {
	var userType *string
	if upd.UserType != nil {
		s := string(*upd.UserType)
		userType = &s
	}
	if upd.UpdatedAt.IsZero() {
		upd.UpdatedAt = time.Now().UTC()
	}
	q := `
		UPDATE users SET
			name       = COALESCE($2, name),
			phone      = CASE WHEN $6 THEN NULLIF($3, '') ELSE phone END,
			user_type  = COALESCE($4, user_type),
			updated_at = $5
		WHERE id = $1`
	if _, err := t.db.Exec(ctx, q, id, upd.Name, upd.Phone, userType, upd.UpdatedAt, upd.Phone != nil); err != nil {
		return tableError("update user", err)
	}
	return nil
}

func (t *pgUserTable) List(ctx context.Context, limit, offset int) ([]*model.User, error) {
	rows, err := t.db.Query(ctx,
		`SELECT `+userColumns+` FROM users ORDER BY created_at DESC LIMIT $1 OFFSET $2`,
		limit, offset,
	)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	out, err := pgx.CollectRows(rows, pgx.RowToAddrOfStructByName[model.User])
	if err != nil {
		return nil, fmt.Errorf("scan users: %w", err)
	}
	return out, nil
}

const guideColumns = `id, user_id, name, city, contact_email, phone, bio, avatar_url, created_at`

type pgGuideTable struct {
	db *pgxpool.Pool
}

func (t *pgGuideTable) GetByUserID(ctx context.Context, userID uuid.UUID) (*model.GuideProfile, error) {
	rows, err := t.db.Query(ctx, `SELECT `+guideColumns+` FROM guides WHERE user_id = $1`, userID)
	if err != nil {
		return nil, fmt.Errorf("select guide: %w", err)
	}
	g, err := pgx.CollectOneRow(rows, pgx.RowToAddrOfStructByName[model.GuideProfile])
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNoRows
		}
		return nil, fmt.Errorf("scan guide: %w", err)
	}
	return g, nil
}

func (t *pgGuideTable) Insert(ctx context.Context, g *model.GuideProfile) (*model.GuideProfile, error) {
	if g.ID == uuid.Nil {
		g.ID = uuid.New()
	}
	rows, err := t.db.Query(ctx, `
		INSERT INTO guides (id, user_id, name, city, contact_email, phone, bio, avatar_url, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, now())
		RETURNING `+guideColumns,
		g.ID, g.UserID, g.Name, g.City, g.ContactEmail, g.Phone, g.Bio, g.AvatarURL,
	)
	if err != nil {
		return nil, fmt.Errorf("insert guide: %w", err)
	}
	out, err := pgx.CollectOneRow(rows, pgx.RowToAddrOfStructByName[model.GuideProfile])
	if err != nil {
		return nil, tableError("insert guide", err)
	}
	return out, nil
}

// tableError maps constraint violations to provider rejections.
func tableError(op string, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505":
			return &Error{Status: 409, Code: pgErr.Code, Message: "duplicate key value violates unique constraint \"" + pgErr.ConstraintName + "\""}
		case "23503", "23514":
			return &Error{Status: 400, Code: pgErr.Code, Message: pgErr.Message}
		}
	}
	return fmt.Errorf("%s: %w", op, err)
}

// generateSecureToken returns a hex-encoded random token of the given byte length.
func generateSecureToken(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

// withQuery appends key=value to rawURL's query string.
func withQuery(rawURL, key, value string) string {
	sep := "?"
	if strings.Contains(rawURL, "?") {
		sep = "&"
	}
	return rawURL + sep + key + "=" + value
}
