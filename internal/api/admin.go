package api

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/guidegenie/guidegenie/internal/authadmin"
	"github.com/guidegenie/guidegenie/internal/model"
	"github.com/guidegenie/guidegenie/internal/rpc"
	"github.com/guidegenie/guidegenie/internal/session"
)

type ListUsersInput struct {
	Limit  int `json:"limit,omitempty"  validate:"omitempty,min=1,max=200"`
	Offset int `json:"offset,omitempty" validate:"omitempty,min=0"`
}

type SetUserTypeInput struct {
	UserID   uuid.UUID      `json:"user_id"   validate:"required"`
	UserType model.UserType `json:"user_type" validate:"required,usertype"`
}

type UserIDInput struct {
	UserID uuid.UUID `json:"user_id" validate:"required"`
}

// Roles answers the two role questions the admin tools ask about an account.
type Roles struct {
	IsGuide bool `json:"is_guide"`
	IsAdmin bool `json:"is_admin"`
}

func adminProcedures(d Deps) []rpc.Entry {
	return []rpc.Entry{
		rpc.Procedure("users", rpc.Admin, func(ctx context.Context, _ *session.Session, in ListUsersInput) ([]*model.User, error) {
			return d.Admin.ListUsers(ctx, in.Limit, in.Offset)
		}),

		rpc.Procedure("setUserType", rpc.Admin, func(ctx context.Context, s *session.Session, in SetUserTypeInput) (*model.User, error) {
			if in.UserID == s.UserID() {
				return nil, rpc.Errorf(rpc.CodeBadRequest, "you cannot change your own user type")
			}
			u, err := d.Admin.SetUserType(ctx, in.UserID, in.UserType)
			return u, adminError(err)
		}),

		rpc.Procedure("roles", rpc.Admin, func(ctx context.Context, _ *session.Session, in UserIDInput) (Roles, error) {
			var r Roles
			var err error
			if r.IsGuide, err = d.Admin.IsGuide(ctx, in.UserID); err != nil {
				return r, err
			}
			r.IsAdmin, err = d.Admin.IsAdmin(ctx, in.UserID)
			return r, err
		}),

		rpc.Procedure("createUser", rpc.Admin, func(ctx context.Context, _ *session.Session, in authadmin.SignupParams) (*model.User, error) {
			u, err := d.Admin.SignupUser(ctx, in)
			return u, adminError(err)
		}),
	}
}

func adminError(err error) error {
	if errors.Is(err, authadmin.ErrNoUser) {
		return rpc.Errorf(rpc.CodeNotFound, "user not found")
	}
	return err
}
