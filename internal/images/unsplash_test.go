package images

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"
)

const photoJSON = `{"id":"abc","urls":{"raw":"https://images.unsplash.com/photo-1","regular":"https://images.unsplash.com/photo-1?w=1080"},"user":{"name":"Ana","username":"ana"},"links":{"html":"https://unsplash.com/photos/abc","download_location":"%s/photos/abc/download"}}`

func fakeUnsplash(t *testing.T, hits *int32) *httptest.Server {
	t.Helper()
	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits != nil {
			atomic.AddInt32(hits, 1)
		}
		if r.Header.Get("Authorization") != "Client-ID test-key" || r.Header.Get("Accept-Version") != "v1" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		photo := strings.Replace(photoJSON, "%s", srv.URL, 1)
		switch r.URL.Path {
		case "/search/photos":
			if r.URL.Query().Get("query") == "fail" {
				w.WriteHeader(http.StatusInternalServerError)
				return
			}
			w.Write([]byte(`{"results":[` + photo + `]}`)) //nolint:errcheck
		case "/photos/random":
			if r.URL.Query().Get("count") != "" {
				w.Write([]byte(`[` + photo + `,` + photo + `]`)) //nolint:errcheck
				return
			}
			w.Write([]byte(photo)) //nolint:errcheck
		case "/photos/abc/download":
			w.Write([]byte(`{"url":"x"}`)) //nolint:errcheck
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestSearchOptions_Values(t *testing.T) {
	got := SearchOptions{Query: "lisbon"}.Values().Encode()
	if got != "page=1&per_page=10&query=lisbon" {
		t.Errorf("defaults: %s", got)
	}
	got = SearchOptions{Query: "porto", Page: 2, PerPage: 5, Orientation: Landscape}.Values().Encode()
	if got != "orientation=landscape&page=2&per_page=5&query=porto" {
		t.Errorf("all set: %s", got)
	}
}

func TestRandomOptions_ValuesOmitsUnset(t *testing.T) {
	if got := (RandomOptions{}).Values().Encode(); got != "" {
		t.Errorf("empty options encoded as %q", got)
	}
	if got := (RandomOptions{Count: 3}).Values().Encode(); got != "count=3" {
		t.Errorf("count only: %q", got)
	}
}

func TestSearchPhotos(t *testing.T) {
	srv := fakeUnsplash(t, nil)
	c := New(Config{AccessKey: "test-key", BaseURL: srv.URL}, zap.NewNop())

	photos := c.SearchPhotos(context.Background(), SearchOptions{Query: "lisbon"})
	if len(photos) != 1 || photos[0].ID != "abc" || photos[0].User.Name != "Ana" {
		t.Fatalf("photos = %+v", photos)
	}
}

func TestSearchPhotos_degradesToEmpty(t *testing.T) {
	srv := fakeUnsplash(t, nil)

	noKey := New(Config{BaseURL: srv.URL}, zap.NewNop())
	if got := noKey.SearchPhotos(context.Background(), SearchOptions{Query: "lisbon"}); got == nil || len(got) != 0 {
		t.Errorf("without key: %v", got)
	}

	c := New(Config{AccessKey: "test-key", BaseURL: srv.URL}, zap.NewNop())
	if got := c.SearchPhotos(context.Background(), SearchOptions{Query: "fail"}); len(got) != 0 {
		t.Errorf("server error: %v", got)
	}

	down := New(Config{AccessKey: "test-key", BaseURL: "http://127.0.0.1:1", Timeout: time.Second}, zap.NewNop())
	if got := down.SearchPhotos(context.Background(), SearchOptions{Query: "lisbon"}); len(got) != 0 {
		t.Errorf("unreachable: %v", got)
	}
}

func TestSearchPhotos_cachesResults(t *testing.T) {
	var hits int32
	srv := fakeUnsplash(t, &hits)
	c := New(Config{AccessKey: "test-key", BaseURL: srv.URL, CacheTTL: time.Minute}, zap.NewNop())

	c.SearchPhotos(context.Background(), SearchOptions{Query: "sintra"})
	c.SearchPhotos(context.Background(), SearchOptions{Query: "sintra"})
	if n := atomic.LoadInt32(&hits); n != 1 {
		t.Errorf("api hits = %d, want 1", n)
	}
	c.SearchPhotos(context.Background(), SearchOptions{Query: "sintra", Page: 2})
	if n := atomic.LoadInt32(&hits); n != 2 {
		t.Errorf("api hits = %d, want 2 after a different page", n)
	}
}

func TestRandomPhotos(t *testing.T) {
	srv := fakeUnsplash(t, nil)
	c := New(Config{AccessKey: "test-key", BaseURL: srv.URL}, zap.NewNop())

	if got := c.RandomPhotos(context.Background(), RandomOptions{}); len(got) != 1 {
		t.Errorf("single: %d photos", len(got))
	}
	if got := c.RandomPhotos(context.Background(), RandomOptions{Count: 2}); len(got) != 2 {
		t.Errorf("count=2: %d photos", len(got))
	}
}

func TestTrackDownload(t *testing.T) {
	var hits int32
	srv := fakeUnsplash(t, &hits)
	c := New(Config{AccessKey: "test-key", BaseURL: srv.URL}, zap.NewNop())

	c.TrackDownload(context.Background(), srv.URL+"/photos/abc/download")
	c.TrackDownload(context.Background(), "")
	c.TrackDownload(context.Background(), "https://attacker.example/steal")
	if n := atomic.LoadInt32(&hits); n != 1 {
		t.Errorf("api hits = %d, want 1", n)
	}
}

func TestBuildImageURL(t *testing.T) {
	got, err := BuildImageURL("https://images.unsplash.com/photo-1?ixid=x", ImageOptions{Width: 800, Quality: 75})
	if err != nil {
		t.Fatalf("BuildImageURL: %v", err)
	}
	want := "https://images.unsplash.com/photo-1?auto=format&ixid=x&q=75&w=800"
	if got != want {
		t.Errorf("got %s, want %s", got, want)
	}
	if _, err := BuildImageURL("://bad", ImageOptions{}); err == nil {
		t.Error("expected an error for a malformed url")
	}
}

func TestResize(t *testing.T) {
	photos := []Photo{
		{ID: "a", URLs: URLs{Raw: "https://images.unsplash.com/photo-1"}},
		{ID: "b", URLs: URLs{Raw: "://bad"}},
	}
	got := Resize(photos, ImageOptions{Width: 400})
	if got[0].URLs.Sized != "https://images.unsplash.com/photo-1?auto=format&w=400" {
		t.Errorf("sized = %q", got[0].URLs.Sized)
	}
	if got[1].URLs.Sized != "" {
		t.Errorf("malformed raw url should stay unsized, got %q", got[1].URLs.Sized)
	}
	if photos[0].URLs.Sized != "" {
		t.Error("Resize must not modify its input")
	}
}

func TestCache_evict(t *testing.T) {
	c := newSearchCache(10 * time.Millisecond)
	c.set("a", []Photo{{ID: "1"}})
	if _, ok := c.get("a"); !ok {
		t.Fatal("expected a hit before expiry")
	}
	time.Sleep(20 * time.Millisecond)
	if _, ok := c.get("a"); ok {
		t.Error("expected a miss after expiry")
	}
	if n := c.evict(); n != 1 || c.len() != 0 {
		t.Errorf("evicted %d, %d left", n, c.len())
	}
}
