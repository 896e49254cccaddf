// Package api defines the RPC procedures the web app calls, grouped as
// auth, billing, uploads and admin.
package api

import (
	"context"

	"github.com/google/uuid"
	"github.com/guidegenie/guidegenie/internal/authadmin"
	"github.com/guidegenie/guidegenie/internal/images"
	"github.com/guidegenie/guidegenie/internal/model"
	"github.com/guidegenie/guidegenie/internal/rpc"
	"github.com/guidegenie/guidegenie/internal/uploads"
	"go.uber.org/zap"
)

// AvatarUploader presigns avatar uploads.
type AvatarUploader interface {
	AvatarUploadURL(ctx context.Context, userID uuid.UUID, contentType string) (*uploads.Upload, error)
}

// Deps are the services the procedures call. Uploader may be nil when
// object storage is not configured.
type Deps struct {
	Admin       *authadmin.Service
	Uploader    AvatarUploader
	Images      *images.Client
	Plans       []model.Plan
	DefaultPlan map[model.UserType]string
	Logger      *zap.Logger
}

// Register adds every procedure group to r.
func Register(r *rpc.Router, d Deps) {
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	r.Group("auth", authProcedures(d)...)
	r.Group("billing", billingProcedures(d)...)
	r.Group("uploads", uploadProcedures(d)...)
	r.Group("admin", adminProcedures(d)...)
}

// OK is the output of procedures that only report success.
type OK struct {
	OK bool `json:"ok"`
}

var ok = OK{OK: true}
