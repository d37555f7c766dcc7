package mjpeg

import (
	"context"
	"fmt"
	"io"
	"mime"
	"net/http"
)

// Source dials an MJPEG camera endpoint over HTTP.
type Source struct {
	URL    string
	Client *http.Client // nil means http.DefaultClient
}

// Stream is one open connection to the camera. Close it when done.
type Stream struct {
	Body        io.ReadCloser
	ContentType string // verbatim, boundary included
	Boundary    string
}

// Close closes the underlying connection.
func (s *Stream) Close() error {
	return s.Body.Close()
}

// Open connects to the source and returns the raw multipart stream. The
// request is tied to ctx; cancelling it ends the stream with a normal EOF
// for downstream readers.
func (s *Source) Open(ctx context.Context) (*Stream, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("build source request: %w", err)
	}
	client := s.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("open mjpeg source %s: %w", s.URL, err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("mjpeg source %s returned status %d", s.URL, resp.StatusCode)
	}

	ct := resp.Header.Get("Content-Type")
	boundary := ""
	if mediaType, params, err := mime.ParseMediaType(ct); err == nil && mediaType == "multipart/x-mixed-replace" {
		boundary = params["boundary"]
	}
	return &Stream{Body: resp.Body, ContentType: ct, Boundary: boundary}, nil
}
