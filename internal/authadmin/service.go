// Package authadmin performs privileged account operations with the
// provider's service-role client. It is used by the RPC admin procedures
// and the ggctl tool, never with a browser session.
package authadmin

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/guidegenie/guidegenie/internal/model"
	"github.com/guidegenie/guidegenie/internal/provider"
	"go.uber.org/zap"
)

// ErrNoUser is returned when a token or id does not resolve to a users row.
var ErrNoUser = errors.New("user not found")

// SignupParams are the inputs to SignupUser.
type SignupParams struct {
	Email    string         `json:"email"     validate:"required,email"`
	Password string         `json:"password"  validate:"required,min=8"`
	Name     string         `json:"name"      validate:"required,min=2"`
	UserType model.UserType `json:"user_type" validate:"omitempty,usertype"`
}

// Service wraps a service-role provider client.
type Service struct {
	client provider.ServiceClient
	logger *zap.Logger
}

// NewService creates a Service.
func NewService(client provider.ServiceClient, logger *zap.Logger) *Service {
	return &Service{client: client, logger: logger}
}

// SignupUser creates a pre-confirmed identity and its users row. The two
// live in systems without a shared transaction, so a failed row insert
// deletes the identity again rather than leaving an account without a row.
func (s *Service) SignupUser(ctx context.Context, p SignupParams) (*model.User, error) {
	p.Email = strings.ToLower(strings.TrimSpace(p.Email))
	p.Name = strings.TrimSpace(p.Name)
	if p.UserType == "" {
		p.UserType = model.UserTypeTourist
	}
	if err := model.Validate(p); err != nil {
		return nil, err
	}

	id, err := s.client.Admin().CreateUser(ctx, provider.AdminUserParams{
		Email:        p.Email,
		Password:     p.Password,
		EmailConfirm: true,
		Metadata:     map[string]string{"name": p.Name},
	})
	if err != nil {
		return nil, fmt.Errorf("create auth user: %w", err)
	}

	u, err := s.client.Users().Insert(ctx, &model.User{
		ID:       id.ID,
		Email:    p.Email,
		UserType: p.UserType,
		Name:     p.Name,
	})
	if err != nil {
		if delErr := s.client.Admin().DeleteUser(ctx, id.ID); delErr != nil {
			s.logger.Error("rollback auth user after failed insert",
				zap.String("user_id", id.ID.String()),
				zap.Error(delErr),
			)
		} else {
			s.logger.Warn("rolled back auth user after failed insert",
				zap.String("user_id", id.ID.String()),
				zap.Error(err),
			)
		}
		return nil, fmt.Errorf("insert user record: %w", err)
	}

	s.logger.Info("user created",
		zap.String("user_id", u.ID.String()),
		zap.String("user_type", string(u.UserType)),
	)
	return u, nil
}

// SigninUser verifies credentials and returns the issued session.
func (s *Service) SigninUser(ctx context.Context, email, password string) (*provider.AuthSession, error) {
	sess, err := s.client.Auth().SignInWithPassword(ctx, email, password)
	if err != nil {
		return nil, fmt.Errorf("sign in: %w", err)
	}
	return sess, nil
}

// SignoutUser revokes the session behind accessToken.
func (s *Service) SignoutUser(ctx context.Context, accessToken string) error {
	if err := s.client.Auth().SignOut(ctx, accessToken); err != nil {
		return fmt.Errorf("sign out: %w", err)
	}
	return nil
}

// CurrentUser returns the users row of the identity behind accessToken.
// Unlike session.FetchUser it never creates a missing row.
func (s *Service) CurrentUser(ctx context.Context, accessToken string) (*model.User, error) {
	id, err := s.client.Auth().GetUser(ctx, accessToken)
	if err != nil {
		if errors.Is(err, provider.ErrNoSession) {
			return nil, ErrNoUser
		}
		return nil, fmt.Errorf("get auth user: %w", err)
	}
	return s.GetUser(ctx, id.ID)
}

// GetUser returns the users row for id.
func (s *Service) GetUser(ctx context.Context, id uuid.UUID) (*model.User, error) {
	u, err := s.client.Users().Get(ctx, id)
	if err != nil {
		if errors.Is(err, provider.ErrNoRows) {
			return nil, ErrNoUser
		}
		return nil, fmt.Errorf("get user: %w", err)
	}
	return u, nil
}

// IsGuide reports whether userID has a guide profile.
func (s *Service) IsGuide(ctx context.Context, userID uuid.UUID) (bool, error) {
	_, err := s.client.Guides().GetByUserID(ctx, userID)
	if err != nil {
		if errors.Is(err, provider.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("get guide: %w", err)
	}
	return true, nil
}

// IsAdmin reports whether userID's row has the admin role.
func (s *Service) IsAdmin(ctx context.Context, userID uuid.UUID) (bool, error) {
	u, err := s.GetUser(ctx, userID)
	if err != nil {
		if errors.Is(err, ErrNoUser) {
			return false, nil
		}
		return false, err
	}
	return u.UserType == model.UserTypeAdmin, nil
}

// ListUsers returns a page of users, newest first. limit defaults to 50
// and is capped at 200.
func (s *Service) ListUsers(ctx context.Context, limit, offset int) ([]*model.User, error) {
	if limit <= 0 {
		limit = 50
	}
	if limit > 200 {
		limit = 200
	}
	if offset < 0 {
		offset = 0
	}
	users, err := s.client.Users().List(ctx, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	return users, nil
}

// SetUserType changes a user's role.
func (s *Service) SetUserType(ctx context.Context, userID uuid.UUID, t model.UserType) (*model.User, error) {
	if !t.Valid() {
		return nil, fmt.Errorf("unknown user type %q", t)
	}
	if _, err := s.GetUser(ctx, userID); err != nil {
		return nil, err
	}
	if err := s.client.Users().Update(ctx, userID, provider.UserUpdate{
		UserType:  &t,
		UpdatedAt: time.Now().UTC(),
	}); err != nil {
		return nil, fmt.Errorf("update user type: %w", err)
	}
	s.logger.Info("user type changed", zap.String("user_id", userID.String()), zap.String("user_type", string(t)))
	return s.GetUser(ctx, userID)
}
