package mjpeg

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestSource_Open(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", `multipart/x-mixed-replace; boundary="camframe"`)
		w.Write([]byte("--camframe\r\n"))
	}))
	defer srv.Close()

	stream, err := (&Source{URL: srv.URL}).Open(context.Background())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer stream.Close()

	if stream.Boundary != "camframe" {
		t.Errorf("boundary = %q, want %q", stream.Boundary, "camframe")
	}
}

func TestSource_Open_non200(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	if _, err := (&Source{URL: srv.URL}).Open(context.Background()); err == nil {
		t.Error("expected an error for a non-200 response")
	}
}

func TestSource_Open_nonMultipart(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		w.Write([]byte("not a camera"))
	}))
	defer srv.Close()

	stream, err := (&Source{URL: srv.URL}).Open(context.Background())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer stream.Close()

	// The raw stream is still usable; only the boundary is unknown.
	if stream.Boundary != "" {
		t.Errorf("boundary = %q, want empty", stream.Boundary)
	}
}
