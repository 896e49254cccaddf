// Package uploads issues presigned S3 URLs that let browsers upload
// avatar images straight to object storage.
package uploads

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
)

// ErrNotConfigured is returned by New when no bucket is set.
var ErrNotConfigured = errors.New("uploads not configured")

// ErrContentType rejects files that are not a supported image type.
var ErrContentType = errors.New("unsupported content type")

// imageExt maps the accepted content types to object key extensions.
var imageExt = map[string]string{
	"image/jpeg": "jpg",
	"image/png":  "png",
	"image/webp": "webp",
}

// Config selects the bucket and credentials. Empty credentials fall back
// to the default AWS chain (env, shared config, instance role).
type Config struct {
	Bucket          string
	Region          string
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	UsePathStyle    bool
	// Expires is the lifetime of a presigned URL (default 15 minutes).
	Expires time.Duration
	// PublicBaseURL is where uploaded objects are served from. Defaults to
	// the bucket's virtual-hosted URL.
	PublicBaseURL string
}

// Upload describes a presigned PUT.
type Upload struct {
	URL       string            `json:"url"`
	Method    string            `json:"method"`
	Headers   map[string]string `json:"headers"`
	Key       string            `json:"key"`
	PublicURL string            `json:"public_url"`
	ExpiresAt time.Time         `json:"expires_at"`
}

// Presigner signs upload requests for one bucket.
type Presigner struct {
	client     *s3.PresignClient
	bucket     string
	expires    time.Duration
	publicBase string
}

// New builds a Presigner from cfg.
func New(ctx context.Context, cfg Config) (*Presigner, error) {
	if cfg.Bucket == "" {
		return nil, ErrNotConfigured
	}
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}
	if cfg.Expires == 0 {
		cfg.Expires = 15 * time.Minute
	}

	opts := []func(*config.LoadOptions) error{config.WithRegion(cfg.Region)}
	if cfg.AccessKeyID != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	})

	publicBase := strings.TrimRight(cfg.PublicBaseURL, "/")
	if publicBase == "" {
		switch {
		case cfg.Endpoint != "":
			publicBase = strings.TrimRight(cfg.Endpoint, "/") + "/" + cfg.Bucket
		default:
			publicBase = fmt.Sprintf("https://%s.s3.%s.amazonaws.com", cfg.Bucket, cfg.Region)
		}
	}

	return &Presigner{
		client:     s3.NewPresignClient(client),
		bucket:     cfg.Bucket,
		expires:    cfg.Expires,
		publicBase: publicBase,
	}, nil
}

// AvatarUploadURL presigns a PUT of a new avatar for userID. The object key
// is unique per call so browsers never see a stale cached avatar.
func (p *Presigner) AvatarUploadURL(ctx context.Context, userID uuid.UUID, contentType string) (*Upload, error) {
	ext, ok := imageExt[contentType]
	if !ok {
		return nil, fmt.Errorf("%w %q", ErrContentType, contentType)
	}
	key := fmt.Sprintf("avatars/%s/%s.%s", userID, uuid.New(), ext)

	req, err := p.client.PresignPutObject(ctx,
		&s3.PutObjectInput{
			Bucket:      aws.String(p.bucket),
			Key:         aws.String(key),
			ContentType: aws.String(contentType),
		},
		func(o *s3.PresignOptions) {
			o.Expires = p.expires
		},
	)
	if err != nil {
		return nil, fmt.Errorf("presign put %s: %w", key, err)
	}

	headers := map[string]string{"Content-Type": contentType}
	return &Upload{
		URL:       req.URL,
		Method:    req.Method,
		Headers:   headers,
		Key:       key,
		PublicURL: p.publicBase + "/" + key,
		ExpiresAt: time.Now().Add(p.expires).UTC(),
	}, nil
}
