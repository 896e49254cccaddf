package api

import (
	"context"
	"time"

	"github.com/guidegenie/guidegenie/internal/model"
	"github.com/guidegenie/guidegenie/internal/rpc"
	"github.com/guidegenie/guidegenie/internal/session"
	"go.uber.org/zap"
)

// meWait bounds how long auth.me waits for a new session to resolve.
const meWait = 5 * time.Second

type SigninInput struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// SigninOutput carries the access token for API clients that cannot hold
// the session cookie.
type SigninOutput struct {
	User        *model.User `json:"user"`
	AccessToken string      `json:"access_token"`
}

type SignupOutput struct {
	User         *model.User `json:"user"`
	Outcome      string      `json:"outcome"`
	RedirectPath string      `json:"redirect_path"`
	AccessToken  string      `json:"access_token"`
}

type PasswordResetInput struct {
	Email string `json:"email" validate:"required,email"`
}

type UpdatePasswordInput struct {
	Password string `json:"password"`
}

type IsGuideOutput struct {
	IsGuide bool `json:"is_guide"`
}

type OAuthURLInput struct {
	Provider   string `json:"provider" validate:"required"`
	RedirectTo string `json:"redirect_to,omitempty" validate:"omitempty,url"`
}

type OAuthURLOutput struct {
	URL string `json:"url"`
}

func authProcedures(d Deps) []rpc.Entry {
	return []rpc.Entry{
		rpc.Procedure("me", rpc.Public, func(ctx context.Context, s *session.Session, _ rpc.Empty) (session.State, error) {
			s.WaitInitialized(ctx, meWait)
			return s.Snapshot(), nil
		}),

		rpc.Procedure("signup", rpc.Public, func(ctx context.Context, s *session.Session, in session.SignupOptions) (*SignupOutput, error) {
			res, err := s.Signup(ctx, in)
			if err != nil {
				return nil, err
			}
			return &SignupOutput{
				User:         res.User,
				Outcome:      res.Outcome.String(),
				RedirectPath: res.RedirectPath,
				AccessToken:  s.AccessToken(),
			}, nil
		}),

		rpc.Procedure("signin", rpc.Public, func(ctx context.Context, s *session.Session, in SigninInput) (*SigninOutput, error) {
			u, err := s.Signin(ctx, in.Email, in.Password)
			if err != nil {
				return nil, err
			}
			return &SigninOutput{User: u, AccessToken: s.AccessToken()}, nil
		}),

		// Signing out always succeeds for the caller; the local session is
		// cleared even when the provider call fails.
		rpc.Procedure("signout", rpc.Public, func(ctx context.Context, s *session.Session, _ rpc.Empty) (OK, error) {
			if err := s.Signout(ctx); err != nil {
				d.Logger.Warn("provider sign out failed", zap.Error(err))
			}
			return ok, nil
		}),

		rpc.Procedure("requestPasswordReset", rpc.Public, func(ctx context.Context, s *session.Session, in PasswordResetInput) (OK, error) {
			if err := s.RequestPasswordReset(ctx, in.Email); err != nil {
				return OK{}, err
			}
			return ok, nil
		}),

		rpc.Procedure("updatePassword", rpc.Authenticated, func(ctx context.Context, s *session.Session, in UpdatePasswordInput) (OK, error) {
			if err := s.UpdatePassword(ctx, in.Password); err != nil {
				return OK{}, err
			}
			return ok, nil
		}),

		rpc.Procedure("updateProfile", rpc.Authenticated, func(ctx context.Context, s *session.Session, in session.ProfileUpdate) (*model.User, error) {
			if err := s.UpdateProfile(ctx, in); err != nil {
				return nil, err
			}
			return s.User(), nil
		}),

		rpc.Procedure("isGuide", rpc.Authenticated, func(ctx context.Context, s *session.Session, _ rpc.Empty) (IsGuideOutput, error) {
			isGuide, err := s.CheckIsGuide(ctx)
			if err != nil {
				return IsGuideOutput{}, err
			}
			return IsGuideOutput{IsGuide: isGuide}, nil
		}),

		rpc.Procedure("oauthUrl", rpc.Public, func(ctx context.Context, s *session.Session, in OAuthURLInput) (OAuthURLOutput, error) {
			u, err := s.SigninWithOAuth(ctx, in.Provider, in.RedirectTo)
			if err != nil {
				return OAuthURLOutput{}, err
			}
			return OAuthURLOutput{URL: u}, nil
		}),
	}
}
