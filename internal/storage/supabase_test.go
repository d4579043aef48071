package storage

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap/zaptest"
)

func newTestStore(t *testing.T, handler http.HandlerFunc) *SupabaseStore {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	s := NewSupabase(srv.URL, "service-key", "media", zaptest.NewLogger(t))
	s.retryBase = time.Millisecond
	return s
}

func TestUploadRetriesAndUpserts(t *testing.T) {
	var calls int32
	var gotBody atomic.Value
	s := newTestStore(t, func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&calls, 1)
		if r.Method != http.MethodPut || r.URL.Path != "/storage/v1/object/media/renders/j/final.mp4" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if r.Header.Get("x-upsert") != "true" || r.Header.Get("Authorization") != "Bearer service-key" {
			t.Errorf("missing headers: %v", r.Header)
		}
		body, _ := io.ReadAll(r.Body)
		gotBody.Store(string(body))
		if n == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})

	src := filepath.Join(t.TempDir(), "final.mp4")
	if err := os.WriteFile(src, []byte("video-bytes"), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := s.Upload(context.Background(), "renders/j/final.mp4", src, "video/mp4"); err != nil {
		t.Fatalf("Upload: %v", err)
	}
	if n := atomic.LoadInt32(&calls); n != 2 {
		t.Errorf("expected 2 calls, got %d", n)
	}
	if body := gotBody.Load(); body != "video-bytes" {
		t.Errorf("body on retry = %q", body)
	}
}

func TestUploadDoesNotRetryClientErrors(t *testing.T) {
	var calls int32
	s := newTestStore(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusForbidden)
	})
	src := filepath.Join(t.TempDir(), "a.mp4")
	os.WriteFile(src, []byte("x"), 0o600)

	if err := s.Upload(context.Background(), "k", src, "video/mp4"); err == nil {
		t.Fatal("expected error")
	}
	if n := atomic.LoadInt32(&calls); n != 1 {
		t.Errorf("expected 1 call, got %d", n)
	}
}

func TestDownload(t *testing.T) {
	s := newTestStore(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/storage/v1/object/media/uploads/j/1.jpg":
			w.Write([]byte("jpeg-bytes"))
		case "/storage/v1/object/media/uploads/j/legacy.jpg":
			w.WriteHeader(http.StatusBadRequest)
			w.Write([]byte(`{"statusCode":"404","error":"not_found","message":"Object not found"}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})
	dir := t.TempDir()

	dst := filepath.Join(dir, "asset_000.jpg")
	if err := s.Download(context.Background(), "uploads/j/1.jpg", dst); err != nil {
		t.Fatalf("Download: %v", err)
	}
	data, _ := os.ReadFile(dst)
	if string(data) != "jpeg-bytes" {
		t.Errorf("downloaded %q", data)
	}

	for _, key := range []string{"uploads/j/missing.jpg", "uploads/j/legacy.jpg"} {
		dst := filepath.Join(dir, "missing")
		err := s.Download(context.Background(), key, dst)
		if !errors.Is(err, ErrObjectNotFound) {
			t.Errorf("%s: expected ErrObjectNotFound, got %v", key, err)
		}
		if _, statErr := os.Stat(dst); !os.IsNotExist(statErr) {
			t.Errorf("%s: partial file left behind", key)
		}
	}
}

func TestExistsAndSignedURL(t *testing.T) {
	s := newTestStore(t, func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/storage/v1/object/info/media/renders/j/final.mp4":
			w.Write([]byte(`{"name":"renders/j/final.mp4","size":11}`))
		case r.Method == http.MethodGet && r.URL.Path == "/storage/v1/object/info/media/renders/old/final.mp4":
			w.WriteHeader(http.StatusBadRequest)
			w.Write([]byte(`{"statusCode":"404","error":"not_found","message":"Object not found"}`))
		case r.Method == http.MethodGet && r.URL.Path == "/storage/v1/object/info/media/renders/broken/final.mp4":
			w.WriteHeader(http.StatusBadRequest)
			w.Write([]byte(`{"statusCode":"400","error":"invalid_key"}`))
		case r.Method == http.MethodGet:
			w.WriteHeader(http.StatusNotFound)
		case r.Method == http.MethodPost && r.URL.Path == "/storage/v1/object/sign/media/renders/j/final.mp4":
			w.Write([]byte(`{"signedURL":"/object/sign/media/renders/j/final.mp4?token=abc"}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})
	ctx := context.Background()

	ok, err := s.Exists(ctx, "renders/j/final.mp4")
	if err != nil || !ok {
		t.Errorf("Exists = %v, %v", ok, err)
	}
	for _, key := range []string{"renders/other/final.mp4", "renders/old/final.mp4"} {
		ok, err = s.Exists(ctx, key)
		if err != nil || ok {
			t.Errorf("Exists(%s) = %v, %v", key, ok, err)
		}
	}
	if _, err := s.Exists(ctx, "renders/broken/final.mp4"); err == nil {
		t.Error("a real 400 must surface as an error")
	}

	url, err := s.SignedURL(ctx, "renders/j/final.mp4", time.Hour)
	if err != nil {
		t.Fatalf("SignedURL: %v", err)
	}
	if want := s.url + "/storage/v1/object/sign/media/renders/j/final.mp4?token=abc"; url != want {
		t.Errorf("SignedURL = %q, want %q", url, want)
	}
}

func TestKeyLayout(t *testing.T) {
	id := uuid.MustParse("5b1c3c1e-8d55-4a8e-9a4c-2f0f7e1d6a10")
	if got := RenderKey(id); got != "renders/5b1c3c1e-8d55-4a8e-9a4c-2f0f7e1d6a10/final.mp4" {
		t.Errorf("RenderKey = %s", got)
	}
	if RenderKey(id) != RenderKey(id) {
		t.Error("RenderKey must be deterministic")
	}
}
