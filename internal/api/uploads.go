package api

import (
	"context"
	"errors"

	"github.com/guidegenie/guidegenie/internal/images"
	"github.com/guidegenie/guidegenie/internal/rpc"
	"github.com/guidegenie/guidegenie/internal/session"
	"github.com/guidegenie/guidegenie/internal/uploads"
)

type SignedUploadInput struct {
	ContentType string `json:"content_type" validate:"required,oneof=image/jpeg image/png image/webp"`
}

// SearchImagesInput searches stock photos. Size, when set, adds a resized
// URL to each photo.
type SearchImagesInput struct {
	images.SearchOptions
	Size *images.ImageOptions `json:"size,omitempty"`
}

type RandomImagesInput struct {
	images.RandomOptions
	Size *images.ImageOptions `json:"size,omitempty"`
}

type TrackDownloadInput struct {
	DownloadLocation string `json:"download_location" validate:"required,url"`
}

func uploadProcedures(d Deps) []rpc.Entry {
	return []rpc.Entry{
		rpc.Procedure("signedUploadUrl", rpc.Authenticated, func(ctx context.Context, s *session.Session, in SignedUploadInput) (*uploads.Upload, error) {
			if d.Uploader == nil {
				return nil, rpc.Errorf(rpc.CodeBadRequest, "uploads not configured")
			}
			up, err := d.Uploader.AvatarUploadURL(ctx, s.UserID(), in.ContentType)
			if errors.Is(err, uploads.ErrContentType) {
				return nil, rpc.Errorf(rpc.CodeBadRequest, "unsupported image type")
			}
			return up, err
		}),

		rpc.Procedure("searchImages", rpc.Authenticated, func(ctx context.Context, _ *session.Session, in SearchImagesInput) ([]images.Photo, error) {
			if d.Images == nil {
				return []images.Photo{}, nil
			}
			return sized(d.Images.SearchPhotos(ctx, in.SearchOptions), in.Size), nil
		}),

		rpc.Procedure("randomImages", rpc.Authenticated, func(ctx context.Context, _ *session.Session, in RandomImagesInput) ([]images.Photo, error) {
			if d.Images == nil {
				return []images.Photo{}, nil
			}
			return sized(d.Images.RandomPhotos(ctx, in.RandomOptions), in.Size), nil
		}),

		rpc.Procedure("trackImageDownload", rpc.Authenticated, func(ctx context.Context, _ *session.Session, in TrackDownloadInput) (OK, error) {
			if d.Images != nil {
				d.Images.TrackDownload(ctx, in.DownloadLocation)
			}
			return ok, nil
		}),
	}
}

func sized(photos []images.Photo, size *images.ImageOptions) []images.Photo {
	if size == nil {
		return photos
	}
	return images.Resize(photos, *size)
}
