// Package media is the delivery boundary: it resolves live manifest requests
// to the matching rendition engine, falls back to the durable on-demand
// ledger for finished broadcasts, serves segment and thumbnail files, and
// sweeps expired session directories.
package media

import (
	"errors"
	"log/slog"
	"net/http"
	"path"
	"path/filepath"
	"strconv"
	"strings"

	"hls-media-server/internal/hls"
	"hls-media-server/internal/platform/metrics"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

const playlistContentType = "application/vnd.apple.mpegurl"

// staticCacheControl applies to everything served from disk: segments are
// immutable and finished ledgers never change again.
const staticCacheControl = "public, max-age=63072000"

// LiveSession is the part of a live session controller delivery needs.
type LiveSession interface {
	Engine(rendition string) (*hls.Engine, bool)
}

// SessionLookup resolves a live session id to its controller.
type SessionLookup interface {
	Lookup(id string) (LiveSession, bool)
}

// Handler serves /{app}/{id}/... media requests.
type Handler struct {
	sessions SessionLookup
	root     string
	log      *slog.Logger
	met      *metrics.Metrics
}

// NewHandler returns a delivery handler rooted at the media directory.
// met may be nil to disable metric recording.
func NewHandler(sessions SessionLookup, root string, log *slog.Logger, met *metrics.Metrics) *Handler {
	return &Handler{sessions: sessions, root: root, log: log, met: met}
}

// Routes returns the chi router for media delivery. Compression is restricted
// to manifests; media segments are already compressed.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Compress(5, playlistContentType))
	r.Get("/{app}/{id}/*", h.Serve)
	return r
}

// Serve dispatches one media request. Live rendition manifests go through the
// session's engine (with blocking-reload semantics); manifests of finished
// broadcasts are rewritten to the on-demand ledger; everything else is served
// from disk.
func (h *Handler) Serve(w http.ResponseWriter, r *http.Request) {
	app := chi.URLParam(r, "app")
	id := chi.URLParam(r, "id")
	rest := path.Clean(chi.URLParam(r, "*"))
	if app == "" || id == "" || rest == "" || rest == "." ||
		strings.HasPrefix(rest, "..") || strings.HasPrefix(rest, "/") {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	if name, isPlaylist := renditionPlaylist(rest); isPlaylist {
		if live, ok := h.sessions.Lookup(id); ok {
			if eng, ok := live.Engine(name); ok {
				h.servePlaylist(w, r, eng)
				return
			}
			// Unknown rendition on a live session: fall through to disk
			// (covers files the packager writes that no engine owns).
		} else {
			// Finished broadcast: the ledger is the VOD manifest.
			rest = name + ".vod.m3u8"
		}
	}

	h.serveStatic(w, r, app, id, rest)
}

// renditionPlaylist reports whether rest is a top-level rendition manifest
// request and returns the rendition name. The master manifest and already
// explicit .vod.m3u8 requests are always served from disk.
func renditionPlaylist(rest string) (string, bool) {
	if strings.Contains(rest, "/") || !strings.HasSuffix(rest, ".m3u8") {
		return "", false
	}
	name := strings.TrimSuffix(rest, ".m3u8")
	if name == "master" || strings.HasSuffix(name, ".vod") {
		return "", false
	}
	return name, true
}

func (h *Handler) servePlaylist(w http.ResponseWriter, r *http.Request, eng *hls.Engine) {
	q := r.URL.Query()
	msn, err := strconv.Atoi(q.Get("_HLS_msn"))
	if err != nil || msn < 0 {
		msn = 0
	}
	skip := skipRequested(q.Get("_HLS_skip"))

	m3u8, err := eng.Fetch(r.Context(), msn, skip)
	if err != nil {
		if errors.Is(err, hls.ErrFetchTimeout) {
			h.log.Info("manifest fetch timed out",
				slog.String("rendition", eng.Rendition()),
				slog.Int("msn", msn))
			http.Error(w, "no segment arrived in time", http.StatusGatewayTimeout)
			return
		}
		// Context cancellation: the client went away.
		return
	}

	w.Header().Set("Content-Type", playlistContentType)
	w.Header().Set("Cache-Control", "no-store")
	_, _ = w.Write([]byte(m3u8))
}

// skipRequested interprets the _HLS_skip query parameter; the protocol value
// is "YES" (or "v2"), but truthy variants are tolerated.
func skipRequested(v string) bool {
	switch strings.ToLower(v) {
	case "yes", "v2", "1", "true":
		return true
	}
	return false
}

func (h *Handler) serveStatic(w http.ResponseWriter, r *http.Request, app, id, rest string) {
	full := filepath.Join(h.root, app, id, filepath.FromSlash(rest))
	w.Header().Set("Cache-Control", staticCacheControl)
	if strings.HasSuffix(rest, ".m3u8") {
		w.Header().Set("Content-Type", playlistContentType)
	}
	http.ServeFile(w, r, full)
}
