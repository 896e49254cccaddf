// Package images searches stock photography on Unsplash for tour and
// profile imagery.
//
// The client never fails a caller: without an access key, or when the API
// is unreachable, searches return no photos. Failures are logged.
package images

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

// DefaultBaseURL is the Unsplash API root.
const DefaultBaseURL = "https://api.unsplash.com"

// Orientation filters photos by aspect.
type Orientation string

const (
	Landscape Orientation = "landscape"
	Portrait  Orientation = "portrait"
	Squarish  Orientation = "squarish"
)

// Photo is the subset of an Unsplash photo the app displays.
type Photo struct {
	ID             string  `json:"id"`
	URLs           URLs    `json:"urls"`
	BlurHash       *string `json:"blur_hash"`
	AltDescription *string `json:"alt_description"`
	Description    *string `json:"description"`
	User           Author  `json:"user"`
	Links          Links   `json:"links"`
}

type URLs struct {
	Raw     string `json:"raw"`
	Full    string `json:"full"`
	Regular string `json:"regular"`
	Small   string `json:"small"`
	Thumb   string `json:"thumb"`
	// Sized is Raw resized by Resize; it is not part of the API response.
	Sized string `json:"sized,omitempty"`
}

// Author is the photographer, who must be credited next to the photo.
type Author struct {
	Name     string `json:"name"`
	Username string `json:"username"`
	Links    struct {
		HTML string `json:"html"`
	} `json:"links"`
}

type Links struct {
	HTML             string `json:"html"`
	DownloadLocation string `json:"download_location"`
}

// SearchOptions are the parameters of SearchPhotos. Page defaults to 1 and
// PerPage to 10.
type SearchOptions struct {
	Query       string      `json:"query" validate:"required"`
	Page        int         `json:"page,omitempty" validate:"omitempty,min=1"`
	PerPage     int         `json:"per_page,omitempty" validate:"omitempty,min=1,max=30"`
	Orientation Orientation `json:"orientation,omitempty" validate:"omitempty,oneof=landscape portrait squarish"`
}

// Values encodes the options as query parameters.
func (o SearchOptions) Values() url.Values {
	v := url.Values{}
	v.Set("query", o.Query)
	page, perPage := o.Page, o.PerPage
	if page <= 0 {
		page = 1
	}
	if perPage <= 0 {
		perPage = 10
	}
	v.Set("page", strconv.Itoa(page))
	v.Set("per_page", strconv.Itoa(perPage))
	if o.Orientation != "" {
		v.Set("orientation", string(o.Orientation))
	}
	return v
}

// RandomOptions are the parameters of RandomPhotos. Unset fields are left
// out of the request.
type RandomOptions struct {
	Query       string      `json:"query,omitempty"`
	Orientation Orientation `json:"orientation,omitempty" validate:"omitempty,oneof=landscape portrait squarish"`
	Count       int         `json:"count,omitempty" validate:"omitempty,min=1,max=30"`
}

// Values encodes the set options as query parameters.
func (o RandomOptions) Values() url.Values {
	v := url.Values{}
	if o.Query != "" {
		v.Set("query", o.Query)
	}
	if o.Orientation != "" {
		v.Set("orientation", string(o.Orientation))
	}
	if o.Count > 0 {
		v.Set("count", strconv.Itoa(o.Count))
	}
	return v
}

// Config configures a Client.
type Config struct {
	AccessKey string
	// BaseURL overrides DefaultBaseURL.
	BaseURL string
	// Timeout bounds each API request (default 10s).
	Timeout time.Duration
	// CacheTTL keeps search results; zero disables the cache.
	CacheTTL time.Duration
}

// Client calls the Unsplash API.
type Client struct {
	accessKey  string
	baseURL    string
	httpClient *http.Client
	cache      *searchCache
	logger     *zap.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// New creates a Client.
func New(cfg Config, logger *zap.Logger, opts ...Option) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	c := &Client{
		accessKey:  cfg.AccessKey,
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		httpClient: &http.Client{Timeout: cfg.Timeout},
		logger:     logger,
	}
	if cfg.CacheTTL > 0 {
		c.cache = newSearchCache(cfg.CacheTTL)
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Enabled reports whether an access key is configured.
func (c *Client) Enabled() bool { return c.accessKey != "" }

// SearchPhotos returns the photos matching opts.
func (c *Client) SearchPhotos(ctx context.Context, opts SearchOptions) []Photo {
	if !c.Enabled() || strings.TrimSpace(opts.Query) == "" {
		return []Photo{}
	}
	query := opts.Values().Encode()
	if c.cache != nil {
		if photos, ok := c.cache.get(query); ok {
			return photos
		}
	}

	var resp struct {
		Results []Photo `json:"results"`
	}
	if err := c.get(ctx, c.baseURL+"/search/photos?"+query, &resp); err != nil {
		c.logger.Warn("unsplash search failed", zap.String("query", opts.Query), zap.Error(err))
		return []Photo{}
	}
	if resp.Results == nil {
		resp.Results = []Photo{}
	}
	if c.cache != nil {
		c.cache.set(query, resp.Results)
	}
	return resp.Results
}

// RandomPhotos returns random photos. The API answers with a single photo
// unless a count is given; both shapes come back as a slice.
func (c *Client) RandomPhotos(ctx context.Context, opts RandomOptions) []Photo {
	if !c.Enabled() {
		return []Photo{}
	}
	endpoint := c.baseURL + "/photos/random"
	if q := opts.Values().Encode(); q != "" {
		endpoint += "?" + q
	}

	if opts.Count > 0 {
		var photos []Photo
		if err := c.get(ctx, endpoint, &photos); err != nil {
			c.logger.Warn("unsplash random photos failed", zap.Error(err))
			return []Photo{}
		}
		return photos
	}
	var photo Photo
	if err := c.get(ctx, endpoint, &photo); err != nil {
		c.logger.Warn("unsplash random photo failed", zap.Error(err))
		return []Photo{}
	}
	return []Photo{photo}
}

// TrackDownload reports a photo use to Unsplash, which its API terms
// require whenever a photo is picked. Only locations on the API host are
// followed since the request carries the access key.
func (c *Client) TrackDownload(ctx context.Context, downloadLocation string) {
	if !c.Enabled() || downloadLocation == "" {
		return
	}
	if !strings.HasPrefix(downloadLocation, c.baseURL+"/") {
		c.logger.Warn("unsplash track download: foreign location", zap.String("location", downloadLocation))
		return
	}
	if err := c.get(ctx, downloadLocation, nil); err != nil {
		c.logger.Warn("unsplash track download failed", zap.Error(err))
	}
}

// StartCacheEviction drops expired search results every interval until ctx
// ends. It does nothing when caching is disabled.
func (c *Client) StartCacheEviction(ctx context.Context, interval time.Duration) {
	if c.cache == nil {
		return
	}
	go func() {
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				if n := c.cache.evict(); n > 0 {
					c.logger.Debug("image cache eviction", zap.Int("evicted", n))
				}
			}
		}
	}()
}

func (c *Client) get(ctx context.Context, endpoint string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Client-ID "+c.accessKey)
	req.Header.Set("Accept-Version", "v1")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// ImageOptions resizes an image served by the Unsplash CDN. Zero fields
// are left out.
type ImageOptions struct {
	Width   int `json:"width,omitempty" validate:"omitempty,min=1,max=4000"`
	Height  int `json:"height,omitempty" validate:"omitempty,min=1,max=4000"`
	Quality int `json:"quality,omitempty" validate:"omitempty,min=1,max=100"`
}

// BuildImageURL adds sizing parameters to a raw photo URL and asks the CDN
// for the best format the browser supports.
func BuildImageURL(rawURL string, opts ImageOptions) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("parse image url: %w", err)
	}
	q := u.Query()
	if opts.Width > 0 {
		q.Set("w", strconv.Itoa(opts.Width))
	}
	if opts.Height > 0 {
		q.Set("h", strconv.Itoa(opts.Height))
	}
	if opts.Quality > 0 {
		q.Set("q", strconv.Itoa(opts.Quality))
	}
	q.Set("auto", "format")
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Resize returns copies of photos with URLs.Sized built from each raw URL.
// Photos whose raw URL does not parse keep an empty Sized.
func Resize(photos []Photo, opts ImageOptions) []Photo {
	out := make([]Photo, len(photos))
	copy(out, photos)
	for i := range out {
		if sized, err := BuildImageURL(out[i].URLs.Raw, opts); err == nil {
			out[i].URLs.Sized = sized
		}
	}
	return out
}
