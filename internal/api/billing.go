package api

import (
	"context"

	"github.com/guidegenie/guidegenie/internal/model"
	"github.com/guidegenie/guidegenie/internal/rpc"
	"github.com/guidegenie/guidegenie/internal/session"
)

type PlansInput struct {
	Audience model.UserType `json:"audience,omitempty" validate:"omitempty,usertype"`
}

// CurrentPlan is the plan an account is on. Payments are not processed, so
// every account is active on its role's default plan.
type CurrentPlan struct {
	Plan   model.Plan `json:"plan"`
	Status string     `json:"status"`
}

func billingProcedures(d Deps) []rpc.Entry {
	return []rpc.Entry{
		rpc.Procedure("plans", rpc.Public, func(_ context.Context, _ *session.Session, in PlansInput) ([]model.Plan, error) {
			out := make([]model.Plan, 0, len(d.Plans))
			for _, p := range d.Plans {
				if in.Audience == "" || p.Audience == in.Audience {
					out = append(out, p)
				}
			}
			return out, nil
		}),

		rpc.Procedure("currentPlan", rpc.Authenticated, func(_ context.Context, s *session.Session, _ rpc.Empty) (*CurrentPlan, error) {
			u := s.User()
			if u == nil {
				return nil, session.ErrNotAuthenticated
			}
			id, found := d.DefaultPlan[u.UserType]
			if !found {
				return nil, rpc.Errorf(rpc.CodeNotFound, "no plan for this account")
			}
			for _, p := range d.Plans {
				if p.ID == id {
					return &CurrentPlan{Plan: p, Status: "active"}, nil
				}
			}
			return nil, rpc.Errorf(rpc.CodeNotFound, "no plan for this account")
		}),
	}
}
