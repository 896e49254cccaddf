// Package provider defines the hosted auth/database provider that acts as the
// system of record for identities, sessions and rows, together with a
// Postgres-backed implementation and an in-memory one for tests and local
// development.
package provider

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/guidegenie/guidegenie/internal/model"
)

// ErrNoRows is returned by single-row table lookups that match nothing.
var ErrNoRows = errors.New("no rows in result set")

// ErrNoSession is returned by GetUser when the access token is missing,
// expired or revoked.
var ErrNoSession = errors.New("auth session missing")

// Error is a rejection reported by the provider. Message is the provider's
// own wording and is safe to surface verbatim.
type Error struct {
	Status  int    `json:"status"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s (status %d)", e.Message, e.Status)
}

// Provider rejection messages that callers remap for end users.
const (
	MsgInvalidLogin      = "Invalid login credentials"
	MsgAlreadyRegistered = "User already registered"
)

func errInvalidLogin() *Error {
	return &Error{Status: 400, Code: "invalid_credentials", Message: MsgInvalidLogin}
}

func errAlreadyRegistered() *Error {
	return &Error{Status: 422, Code: "user_already_exists", Message: MsgAlreadyRegistered}
}

// Identity is the provider-side account. Its ID is shared with the users row.
type Identity struct {
	ID             uuid.UUID         `json:"id"`
	Email          string            `json:"email"`
	Metadata       map[string]string `json:"user_metadata"`
	EmailConfirmed bool              `json:"email_confirmed"`
	CreatedAt      time.Time         `json:"created_at"`
}

// AuthSession is an issued provider session.
type AuthSession struct {
	AccessToken string    `json:"access_token"`
	ExpiresAt   time.Time `json:"expires_at"`
	Identity    *Identity `json:"user"`
}

// SignUpParams are the inputs to AuthAPI.SignUp.
type SignUpParams struct {
	Email           string
	Password        string
	Metadata        map[string]string
	EmailRedirectTo string
}

// UserAttributes lists identity fields to change. Nil fields are untouched.
type UserAttributes struct {
	Password *string
	Metadata map[string]string
}

// OAuthParams are the inputs to AuthAPI.SignInWithOAuth.
type OAuthParams struct {
	Provider    string
	RedirectTo  string
	QueryParams map[string]string
}

// AdminUserParams are the inputs to AdminAPI.CreateUser.
type AdminUserParams struct {
	Email        string
	Password     string
	EmailConfirm bool
	Metadata     map[string]string
}

// AuthAPI covers the credential and session operations available to any client.
type AuthAPI interface {
	GetUser(ctx context.Context, accessToken string) (*Identity, error)
	SignInWithPassword(ctx context.Context, email, password string) (*AuthSession, error)
	SignUp(ctx context.Context, p SignUpParams) (*AuthSession, error)
	SignOut(ctx context.Context, accessToken string) error
	ResetPasswordForEmail(ctx context.Context, email, redirectTo string) error
	VerifyRecovery(ctx context.Context, token string) (*AuthSession, error)
	UpdateUser(ctx context.Context, accessToken string, attrs UserAttributes) (*Identity, error)
	SignInWithOAuth(ctx context.Context, p OAuthParams) (string, error)
	ExchangeOAuthCode(ctx context.Context, provider, state, code string) (*AuthSession, string, error)
	OnAuthStateChange(fn func(Event)) (unsubscribe func())
}

// AdminAPI covers privileged operations that require the service-role key.
type AdminAPI interface {
	CreateUser(ctx context.Context, p AdminUserParams) (*Identity, error)
	DeleteUser(ctx context.Context, id uuid.UUID) error
}

// UserUpdate lists users-row fields to change. Nil fields are untouched;
// a Phone pointing at "" clears the phone number.
type UserUpdate struct {
	Name      *string
	Phone     *string
	UserType  *model.UserType
	UpdatedAt time.Time
}

// UserTable is row access to the users table.
type UserTable interface {
	Get(ctx context.Context, id uuid.UUID) (*model.User, error)
	Insert(ctx context.Context, u *model.User) (*model.User, error)
	Update(ctx context.Context, id uuid.UUID, upd UserUpdate) error
	List(ctx context.Context, limit, offset int) ([]*model.User, error)
}

// GuideTable is row access to the guides table.
type GuideTable interface {
	GetByUserID(ctx context.Context, userID uuid.UUID) (*model.GuideProfile, error)
	Insert(ctx context.Context, g *model.GuideProfile) (*model.GuideProfile, error)
}

// Client is the view of the provider available with the public (anon) key.
type Client interface {
	Auth() AuthAPI
	Users() UserTable
	Guides() GuideTable
}

// ServiceClient additionally exposes privileged admin operations.
type ServiceClient interface {
	Client
	Admin() AdminAPI
}

// IsProviderError reports whether err is a provider rejection and returns it.
func IsProviderError(err error) (*Error, bool) {
	var perr *Error
	if errors.As(err, &perr) {
		return perr, true
	}
	return nil, false
}
