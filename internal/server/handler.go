package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"printcast/internal/mjpeg"
	"printcast/internal/platform/metrics"
	"printcast/internal/polling"
	"printcast/internal/timelapse"

	"github.com/go-chi/chi/v5"
)

const proxyBufSize = 32 * 1024

// Handler exposes the HTTP surface: camera proxy, polling status, and
// time-lapse lifecycle, using go-chi.
type Handler struct {
	source     *mjpeg.Source
	poll       *polling.Manager
	timelapses *timelapse.Manager
	log        *slog.Logger
	metrics    *metrics.Metrics
}

// NewHandler returns a Handler over the given components. Metrics may be nil
// to disable metric recording (e.g. in tests).
func NewHandler(source *mjpeg.Source, poll *polling.Manager, tl *timelapse.Manager, log *slog.Logger, m *metrics.Metrics) *Handler {
	return &Handler{source: source, poll: poll, timelapses: tl, log: log, metrics: m}
}

// Routes registers every endpoint on r.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/", h.Index)
	r.Get("/stream", h.StreamProxy)
	r.Route("/api", func(r chi.Router) {
		r.Route("/youtube/polling", func(r chi.Router) {
			r.Get("/status", h.PollingStatus)
			r.Post("/clear-cache", h.ClearCache)
		})
		r.Route("/timelapses", func(r chi.Router) {
			r.Get("/", h.ListTimelapses)
			r.Post("/{name}/start", h.StartTimelapse)
			r.Post("/{name}/stop", h.StopTimelapse)
			r.Get("/{name}/frames/{file}", h.ServeTimelapseFile)
		})
	})
}

// Index handles GET / with a minimal viewer page embedding the live proxy.
func (h *Handler) Index(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	io.WriteString(w, `<!DOCTYPE html>
<html>
<head><title>printcast</title></head>
<body>
<h1>Printer Camera</h1>
<img src="/stream" alt="live camera stream">
</body>
</html>
`)
}

// StreamProxy handles GET /stream. It relays the camera's multipart stream
// byte-for-byte, flushing after every chunk so frames reach the browser as
// they arrive. A failed upstream dial yields 502; once the first byte is
// written only disconnects can follow.
func (h *Handler) StreamProxy(w http.ResponseWriter, r *http.Request) {
	stream, err := h.source.Open(r.Context())
	if err != nil {
		h.log.Error("camera proxy dial failed", slog.String("error", err.Error()))
		w.WriteHeader(http.StatusBadGateway)
		return
	}
	defer stream.Close()

	w.Header().Set("Content-Type", stream.ContentType)
	w.Header().Set("Cache-Control", "no-store")
	flusher, _ := w.(http.Flusher)

	buf := make([]byte, proxyBufSize)
	for {
		n, err := stream.Body.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				h.log.Debug("proxy client disconnected", slog.String("remote", r.RemoteAddr))
				return
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && r.Context().Err() == nil {
				h.log.Warn("camera stream ended", slog.String("error", err.Error()))
			}
			return
		}
	}
}

// PollingStatus handles GET /api/youtube/polling/status.
func (h *Handler) PollingStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.poll.Snapshot())
}

// ClearCache handles POST /api/youtube/polling/clear-cache.
func (h *Handler) ClearCache(w http.ResponseWriter, r *http.Request) {
	h.poll.ClearCache()
	h.log.Info("polling cache cleared")
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

// ListTimelapses handles GET /api/timelapses.
func (h *Handler) ListTimelapses(w http.ResponseWriter, r *http.Request) {
	infos, err := h.timelapses.List()
	if err != nil {
		h.log.Error("list time-lapses failed", slog.String("error", err.Error()))
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	if infos == nil {
		infos = []timelapse.SessionInfo{}
	}
	writeJSON(w, http.StatusOK, infos)
}

// StartTimelapse handles POST /api/timelapses/{name}/start.
func (h *Handler) StartTimelapse(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	sessionName, err := h.timelapses.Start(name)
	if err != nil {
		h.log.Info("time-lapse start rejected",
			slog.String("name", name),
			slog.String("error", err.Error()))
		writeJSON(w, http.StatusOK, map[string]any{"success": false, "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "sessionName": sessionName})
}

// StopTimelapse handles POST /api/timelapses/{name}/stop. Assembly runs
// synchronously; the response carries the finished video path. The assembly
// itself is detached from the request context so a client that gives up
// mid-encode does not abort the video.
func (h *Handler) StopTimelapse(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	videoPath, err := h.timelapses.Stop(context.WithoutCancel(r.Context()), name)
	if err != nil {
		h.log.Info("time-lapse stop rejected",
			slog.String("name", name),
			slog.String("error", err.Error()))
		writeJSON(w, http.StatusOK, map[string]any{"success": false, "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "videoPath": videoPath})
}

// ServeTimelapseFile handles GET /api/timelapses/{name}/frames/{file}.
// Anything outside the session's directories is a plain 404.
func (h *Handler) ServeTimelapseFile(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	file := chi.URLParam(r, "file")
	path, err := h.timelapses.ResolvePath(name, file)
	if err != nil {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	http.ServeFile(w, r, path)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
