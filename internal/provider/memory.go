package provider

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/guidegenie/guidegenie/internal/email"
	"github.com/guidegenie/guidegenie/internal/model"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

// MemoryOptions configures a Memory provider.
type MemoryOptions struct {
	// RowDelay postpones creation of the users row after SignUp, the way the
	// database trigger lags the auth call in production. Zero creates it
	// synchronously.
	RowDelay time.Duration
	// DisableTrigger suppresses users row creation after SignUp entirely.
	DisableTrigger bool
	// TokenTTL is the session lifetime (default 1 hour).
	TokenTTL time.Duration

	Bus    Bus
	OAuth  *OAuthBroker
	Mailer email.EmailSender
	Logger *zap.Logger
}

type memIdentity struct {
	Identity
	hash string
}

type memSession struct {
	identityID uuid.UUID
	expiresAt  time.Time
}

// Memory is an in-process provider for tests and local development.
type Memory struct {
	opts MemoryOptions

	mu         sync.Mutex
	identities map[uuid.UUID]*memIdentity
	byEmail    map[string]uuid.UUID
	sessions   map[string]memSession
	recovery   map[string]uuid.UUID
	oauthLinks map[string]uuid.UUID
	users      map[uuid.UUID]*model.User
	guides     map[uuid.UUID]*model.GuideProfile
	failures   map[string]error
	calls      map[string]int
}

// NewMemory creates an empty Memory provider.
func NewMemory(opts MemoryOptions) *Memory {
	if opts.Bus == nil {
		opts.Bus = NewMemoryBus()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Mailer == nil {
		opts.Mailer = email.NewNoopSender(opts.Logger)
	}
	if opts.TokenTTL == 0 {
		opts.TokenTTL = time.Hour
	}
	return &Memory{
		opts:       opts,
		identities: make(map[uuid.UUID]*memIdentity),
		byEmail:    make(map[string]uuid.UUID),
		sessions:   make(map[string]memSession),
		recovery:   make(map[string]uuid.UUID),
		oauthLinks: make(map[string]uuid.UUID),
		users:      make(map[uuid.UUID]*model.User),
		guides:     make(map[uuid.UUID]*model.GuideProfile),
		failures:   make(map[string]error),
		calls:      make(map[string]int),
	}
}

// Fail makes every subsequent call to op return err. A nil err clears it.
// Op names are the method names, prefixed "users." or "guides." for table
// operations (e.g. "SignOut", "users.Insert").
func (m *Memory) Fail(op string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.failures, op)
		return
	}
	m.failures[op] = err
}

// Calls returns how many times op has been invoked.
func (m *Memory) Calls(op string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[op]
}

// RecoveryToken returns an outstanding recovery token for emailAddr.
func (m *Memory) RecoveryToken(emailAddr string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.byEmail[normalizeEmail(emailAddr)]
	if !ok {
		return "", false
	}
	for tok, owner := range m.recovery {
		if owner == id {
			return tok, true
		}
	}
	return "", false
}

// enter records a call to op and returns its injected failure, if any.
// Callers must hold m.mu.
func (m *Memory) enter(op string) error {
	m.calls[op]++
	return m.failures[op]
}

// Auth returns the credential and session API.
func (m *Memory) Auth() AuthAPI { return m }

// Admin returns the privileged API.
func (m *Memory) Admin() AdminAPI { return m }

// Users returns the users table.
func (m *Memory) Users() UserTable { return &memUserTable{m: m} }

// Guides returns the guides table.
func (m *Memory) Guides() GuideTable { return &memGuideTable{m: m} }

// ─── Auth ────────────────────────────────────────────────────────────────────

func (m *Memory) GetUser(_ context.Context, accessToken string) (*Identity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("GetUser"); err != nil {
		return nil, err
	}
	id, ok := m.sessionIdentity(accessToken)
	if !ok {
		return nil, ErrNoSession
	}
	return copyIdentity(&id.Identity), nil
}

func (m *Memory) SignInWithPassword(ctx context.Context, emailAddr, password string) (*AuthSession, error) {
	m.mu.Lock()
	if err := m.enter("SignInWithPassword"); err != nil {
		m.mu.Unlock()
		return nil, err
	}
	idKey, ok := m.byEmail[normalizeEmail(emailAddr)]
	if !ok {
		m.mu.Unlock()
		return nil, errInvalidLogin()
	}
	id := m.identities[idKey]
	if id.hash == "" || bcrypt.CompareHashAndPassword([]byte(id.hash), []byte(password)) != nil {
		m.mu.Unlock()
		return nil, errInvalidLogin()
	}
	sess := m.newSession(id)
	m.mu.Unlock()

	m.publish(ctx, Event{Type: EventSignedIn, UserID: id.ID})
	return sess, nil
}

func (m *Memory) SignUp(ctx context.Context, sp SignUpParams) (*AuthSession, error) {
	m.mu.Lock()
	if err := m.enter("SignUp"); err != nil {
		m.mu.Unlock()
		return nil, err
	}
	if len(sp.Password) < minProviderPasswordLen {
		m.mu.Unlock()
		return nil, &Error{Status: 400, Code: "weak_password", Message: "Password should be at least 6 characters"}
	}
	id, err := m.insertIdentity(sp.Email, sp.Password, sp.Metadata, false)
	if err != nil {
		m.mu.Unlock()
		return nil, err
	}
	sess := m.newSession(id)
	m.mu.Unlock()

	if userType, ok := sp.Metadata["user_type"]; ok && !m.opts.DisableTrigger {
		create := func() { m.runSignupTrigger(id.ID, id.Email, sp.Metadata["name"], userType) }
		if m.opts.RowDelay > 0 {
			time.AfterFunc(m.opts.RowDelay, create)
		} else {
			create()
		}
	}

	if sp.EmailRedirectTo != "" {
		email.SendTemplate(ctx, m.opts.Mailer, id.Email, email.TemplateNewUser, email.TemplateData{
			Name: sp.Metadata["name"],
			URL:  sp.EmailRedirectTo,
		}, m.opts.Logger)
	}
	m.publish(ctx, Event{Type: EventSignedIn, UserID: id.ID})
	return sess, nil
}

// runSignupTrigger mirrors handle_new_identity.
func (m *Memory) runSignupTrigger(id uuid.UUID, emailAddr, name, userType string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.users[id]; exists {
		return
	}
	if _, exists := m.identities[id]; !exists {
		return
	}
	if name == "" {
		name = strings.SplitN(emailAddr, "@", 2)[0]
	}
	now := time.Now().UTC()
	m.users[id] = &model.User{
		ID:        id,
		Email:     emailAddr,
		UserType:  model.UserType(userType),
		Name:      name,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func (m *Memory) SignOut(ctx context.Context, accessToken string) error {
	m.mu.Lock()
	if err := m.enter("SignOut"); err != nil {
		m.mu.Unlock()
		return err
	}
	sess, ok := m.sessions[accessToken]
	if !ok {
		m.mu.Unlock()
		return &Error{Status: 401, Code: "session_not_found", Message: "Auth session missing!"}
	}
	delete(m.sessions, accessToken)
	m.mu.Unlock()

	m.publish(ctx, Event{Type: EventSignedOut, UserID: sess.identityID})
	return nil
}

func (m *Memory) ResetPasswordForEmail(ctx context.Context, emailAddr, redirectTo string) error {
	m.mu.Lock()
	if err := m.enter("ResetPasswordForEmail"); err != nil {
		m.mu.Unlock()
		return err
	}
	idKey, ok := m.byEmail[normalizeEmail(emailAddr)]
	if !ok {
		m.mu.Unlock()
		return nil
	}
	token := uuid.NewString()
	m.recovery[token] = idKey
	id := m.identities[idKey]
	m.mu.Unlock()

	email.SendTemplate(ctx, m.opts.Mailer, id.Email, email.TemplateForgotPassword, email.TemplateData{
		Name: id.Metadata["name"],
		URL:  withQuery(redirectTo, "token", token),
	}, m.opts.Logger)
	return nil
}

func (m *Memory) VerifyRecovery(ctx context.Context, token string) (*AuthSession, error) {
	m.mu.Lock()
	if err := m.enter("VerifyRecovery"); err != nil {
		m.mu.Unlock()
		return nil, err
	}
	idKey, ok := m.recovery[token]
	if !ok {
		m.mu.Unlock()
		return nil, &Error{Status: 403, Code: "otp_expired", Message: "Token has expired or is invalid"}
	}
	delete(m.recovery, token)
	id := m.identities[idKey]
	sess := m.newSession(id)
	m.mu.Unlock()

	m.publish(ctx, Event{Type: EventSignedIn, UserID: id.ID})
	return sess, nil
}

func (m *Memory) UpdateUser(ctx context.Context, accessToken string, attrs UserAttributes) (*Identity, error) {
	m.mu.Lock()
	if err := m.enter("UpdateUser"); err != nil {
		m.mu.Unlock()
		return nil, err
	}
	id, ok := m.sessionIdentity(accessToken)
	if !ok {
		m.mu.Unlock()
		return nil, &Error{Status: 401, Code: "session_not_found", Message: "Auth session missing!"}
	}
	if attrs.Password != nil {
		if len(*attrs.Password) < minProviderPasswordLen {
			m.mu.Unlock()
			return nil, &Error{Status: 400, Code: "weak_password", Message: "Password should be at least 6 characters"}
		}
		id.hash = mustHash(*attrs.Password)
	}
	for k, v := range attrs.Metadata {
		id.Metadata[k] = v
	}
	out := copyIdentity(&id.Identity)
	m.mu.Unlock()

	m.publish(ctx, Event{Type: EventUserUpdated, UserID: out.ID})
	return out, nil
}

func (m *Memory) SignInWithOAuth(_ context.Context, op OAuthParams) (string, error) {
	m.mu.Lock()
	err := m.enter("SignInWithOAuth")
	m.mu.Unlock()
	if err != nil {
		return "", err
	}
	if m.opts.OAuth == nil {
		return "", &Error{Status: 400, Code: "provider_disabled", Message: "Unsupported provider: provider is not enabled"}
	}
	return m.opts.OAuth.ConsentURL(op)
}

func (m *Memory) ExchangeOAuthCode(ctx context.Context, providerName, state, code string) (*AuthSession, string, error) {
	if m.opts.OAuth == nil {
		return nil, "", &Error{Status: 400, Code: "provider_disabled", Message: "Unsupported provider: provider is not enabled"}
	}
	profile, redirectTo, err := m.opts.OAuth.Exchange(ctx, providerName, state, code)
	if err != nil {
		return nil, "", err
	}

	m.mu.Lock()
	link := profile.Provider + ":" + profile.ProviderID
	id, linked := m.identities[m.oauthLinks[link]]
	if !linked {
		if idKey, ok := m.byEmail[normalizeEmail(profile.Email)]; ok {
			if !profile.EmailVerified {
				m.mu.Unlock()
				return nil, "", errUnverifiedOAuthEmail()
			}
			id = m.identities[idKey]
		} else {
			meta := map[string]string{"provider": profile.Provider}
			if profile.Name != "" {
				meta["name"] = profile.Name
			}
			id, err = m.insertIdentity(profile.Email, "", meta, profile.EmailVerified)
			if err != nil {
				m.mu.Unlock()
				return nil, "", err
			}
		}
		m.oauthLinks[link] = id.ID
	}
	sess := m.newSession(id)
	m.mu.Unlock()

	m.publish(ctx, Event{Type: EventSignedIn, UserID: id.ID})
	return sess, redirectTo, nil
}

func (m *Memory) OnAuthStateChange(fn func(Event)) func() {
	return m.opts.Bus.Subscribe(fn)
}

// ─── Admin ───────────────────────────────────────────────────────────────────

func (m *Memory) CreateUser(_ context.Context, ap AdminUserParams) (*Identity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("CreateUser"); err != nil {
		return nil, err
	}
	if ap.Password != "" && len(ap.Password) < minProviderPasswordLen {
		return nil, &Error{Status: 400, Code: "weak_password", Message: "Password should be at least 6 characters"}
	}
	meta := make(map[string]string, len(ap.Metadata))
	for k, v := range ap.Metadata {
		if k != "user_type" {
			meta[k] = v
		}
	}
	id, err := m.insertIdentity(ap.Email, ap.Password, meta, ap.EmailConfirm)
	if err != nil {
		return nil, err
	}
	return copyIdentity(&id.Identity), nil
}

func (m *Memory) DeleteUser(_ context.Context, idKey uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("DeleteUser"); err != nil {
		return err
	}
	id, ok := m.identities[idKey]
	if !ok {
		return &Error{Status: 404, Code: "user_not_found", Message: "User not found"}
	}
	delete(m.identities, idKey)
	delete(m.byEmail, id.Email)
	delete(m.users, idKey)
	delete(m.guides, idKey)
	for tok, s := range m.sessions {
		if s.identityID == idKey {
			delete(m.sessions, tok)
		}
	}
	return nil
}

// ─── helpers ─────────────────────────────────────────────────────────────────

// insertIdentity must be called with m.mu held.
func (m *Memory) insertIdentity(emailAddr, password string, meta map[string]string, confirmed bool) (*memIdentity, error) {
	addr := normalizeEmail(emailAddr)
	if addr == "" {
		return nil, &Error{Status: 400, Code: "validation_failed", Message: "Signup requires a valid email"}
	}
	if _, exists := m.byEmail[addr]; exists {
		return nil, errAlreadyRegistered()
	}
	md := make(map[string]string, len(meta))
	for k, v := range meta {
		md[k] = v
	}
	id := &memIdentity{
		Identity: Identity{
			ID:             uuid.New(),
			Email:          addr,
			Metadata:       md,
			EmailConfirmed: confirmed,
			CreatedAt:      time.Now().UTC(),
		},
	}
	if password != "" {
		id.hash = mustHash(password)
	}
	m.identities[id.ID] = id
	m.byEmail[addr] = id.ID
	return id, nil
}

// newSession must be called with m.mu held.
func (m *Memory) newSession(id *memIdentity) *AuthSession {
	token := uuid.NewString()
	exp := time.Now().UTC().Add(m.opts.TokenTTL)
	m.sessions[token] = memSession{identityID: id.ID, expiresAt: exp}
	return &AuthSession{AccessToken: token, ExpiresAt: exp, Identity: copyIdentity(&id.Identity)}
}

// sessionIdentity must be called with m.mu held.
func (m *Memory) sessionIdentity(token string) (*memIdentity, bool) {
	sess, ok := m.sessions[token]
	if !ok || time.Now().After(sess.expiresAt) {
		return nil, false
	}
	id, ok := m.identities[sess.identityID]
	return id, ok
}

func (m *Memory) publish(ctx context.Context, evt Event) {
	if err := m.opts.Bus.Publish(ctx, evt); err != nil {
		m.opts.Logger.Warn("publish auth event", zap.String("type", string(evt.Type)), zap.Error(err))
	}
}

func copyIdentity(in *Identity) *Identity {
	out := *in
	out.Metadata = make(map[string]string, len(in.Metadata))
	for k, v := range in.Metadata {
		out.Metadata[k] = v
	}
	return &out
}

func normalizeEmail(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

func mustHash(password string) string {
	b, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	if err != nil {
		// only fails for passwords over 72 bytes
		return ""
	}
	return string(b)
}

// ─── Tables ──────────────────────────────────────────────────────────────────

type memUserTable struct {
	m *Memory
}

func (t *memUserTable) Get(_ context.Context, id uuid.UUID) (*model.User, error) {
	t.m.mu.Lock()
	defer t.m.mu.Unlock()
	if err := t.m.enter("users.Get"); err != nil {
		return nil, err
	}
	u, ok := t.m.users[id]
	if !ok {
		return nil, ErrNoRows
	}
	cp := *u
	return &cp, nil
}

func (t *memUserTable) Insert(_ context.Context, u *model.User) (*model.User, error) {
	t.m.mu.Lock()
	defer t.m.mu.Unlock()
	if err := t.m.enter("users.Insert"); err != nil {
		return nil, err
	}
	if _, ok := t.m.identities[u.ID]; !ok {
		return nil, &Error{Status: 400, Code: "23503", Message: "insert or update on table \"users\" violates foreign key constraint \"users_id_fkey\""}
	}
	if _, ok := t.m.users[u.ID]; ok {
		return nil, &Error{Status: 409, Code: "23505", Message: "duplicate key value violates unique constraint \"users_pkey\""}
	}
	if !u.UserType.Valid() {
		return nil, &Error{Status: 400, Code: "23514", Message: "new row for relation \"users\" violates check constraint \"users_user_type_check\""}
	}
	now := time.Now().UTC()
	cp := *u
	cp.CreatedAt, cp.UpdatedAt = now, now
	t.m.users[u.ID] = &cp
	out := cp
	return &out, nil
}

func (t *memUserTable) Update(_ context.Context, id uuid.UUID, upd UserUpdate) error {
	t.m.mu.Lock()
	defer t.m.mu.Unlock()
	if err := t.m.enter("users.Update"); err != nil {
		return err
	}
	u, ok := t.m.users[id]
	if !ok {
		return nil
	}
	if upd.Name != nil {
		u.Name = *upd.Name
	}
	if upd.Phone != nil {
		u.Phone = nil
		if p := *upd.Phone; p != "" {
			u.Phone = &p
		}
	}
	if upd.UserType != nil {
		if !upd.UserType.Valid() {
			return &Error{Status: 400, Code: "23514", Message: "new row for relation \"users\" violates check constraint \"users_user_type_check\""}
		}
		u.UserType = *upd.UserType
	}
	u.UpdatedAt = upd.UpdatedAt
	if u.UpdatedAt.IsZero() {
		u.UpdatedAt = time.Now().UTC()
	}
	return nil
}

func (t *memUserTable) List(_ context.Context, limit, offset int) ([]*model.User, error) {
	t.m.mu.Lock()
	defer t.m.mu.Unlock()
	if err := t.m.enter("users.List"); err != nil {
		return nil, err
	}
	all := make([]*model.User, 0, len(t.m.users))
	for _, u := range t.m.users {
		cp := *u
		all = append(all, &cp)
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].Email < all[j].Email
		}
		return all[i].CreatedAt.After(all[j].CreatedAt)
	})
	if offset >= len(all) {
		return []*model.User{}, nil
	}
	all = all[offset:]
	if limit > 0 && limit < len(all) {
		all = all[:limit]
	}
	return all, nil
}

type memGuideTable struct {
	m *Memory
}

func (t *memGuideTable) GetByUserID(_ context.Context, userID uuid.UUID) (*model.GuideProfile, error) {
	t.m.mu.Lock()
	defer t.m.mu.Unlock()
	if err := t.m.enter("guides.GetByUserID"); err != nil {
		return nil, err
	}
	g, ok := t.m.guides[userID]
	if !ok {
		return nil, ErrNoRows
	}
	cp := *g
	return &cp, nil
}

func (t *memGuideTable) Insert(_ context.Context, g *model.GuideProfile) (*model.GuideProfile, error) {
	t.m.mu.Lock()
	defer t.m.mu.Unlock()
	if err := t.m.enter("guides.Insert"); err != nil {
		return nil, err
	}
	if _, ok := t.m.users[g.UserID]; !ok {
		return nil, &Error{Status: 400, Code: "23503", Message: "insert or update on table \"guides\" violates foreign key constraint \"guides_user_id_fkey\""}
	}
	if _, ok := t.m.guides[g.UserID]; ok {
		return nil, &Error{Status: 409, Code: "23505", Message: "duplicate key value violates unique constraint \"guides_user_id_key\""}
	}
	cp := *g
	if cp.ID == uuid.Nil {
		cp.ID = uuid.New()
	}
	cp.CreatedAt = time.Now().UTC()
	t.m.guides[g.UserID] = &cp
	out := cp
	return &out, nil
}
