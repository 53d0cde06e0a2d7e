package ingest

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"

	"github.com/go-chi/chi/v5"
)

// hookPayload is the JSON body the ingest server posts on lifecycle hooks.
// Codec and dimension fields are absent on connect/publish and arrive through
// update hooks as detection progresses.
type hookPayload struct {
	SessionID  string `json:"session_id"`
	App        string `json:"app"`
	StreamPath string `json:"stream_path"`
	RemoteIP   string `json:"remote_ip"`
	VideoCodec string `json:"video_codec"`
	AudioCodec string `json:"audio_codec"`
	Width      int    `json:"width"`
	Height     int    `json:"height"`
}

type hookResponse struct {
	Status string `json:"status"`
	Reason string `json:"reason,omitempty"`
}

// hookSession is a Session view backed by the most recent hook payloads.
type hookSession struct {
	mu         sync.Mutex
	p          hookPayload
	publishing bool
}

func (s *hookSession) ID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.p.SessionID
}

func (s *hookSession) AppName() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.p.App
}

func (s *hookSession) StreamPath() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.p.StreamPath
}

func (s *hookSession) RemoteIP() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.p.RemoteIP
}

func (s *hookSession) VideoCodec() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.p.VideoCodec
}

func (s *hookSession) AudioCodec() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.p.AudioCodec
}

func (s *hookSession) SourceWidth() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.p.Width
}

func (s *hookSession) SourceHeight() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.p.Height
}

func (s *hookSession) IsPublishing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.publishing
}

func (s *hookSession) apply(p hookPayload) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p.VideoCodec != "" {
		s.p.VideoCodec = p.VideoCodec
	}
	if p.AudioCodec != "" {
		s.p.AudioCodec = p.AudioCodec
	}
	if p.Width > 0 {
		s.p.Width = p.Width
	}
	if p.Height > 0 {
		s.p.Height = p.Height
	}
}

func (s *hookSession) stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.publishing = false
}

// Hooks exposes the ingest lifecycle as HTTP callbacks for ingest servers
// that integrate over web hooks (SRS/nginx-rtmp style): connect, publish,
// update (detection progress), unpublish.
type Hooks struct {
	gateway *Gateway
	log     *slog.Logger

	mu       sync.Mutex
	sessions map[string]*hookSession
}

// NewHooks returns the hook handler for the given gateway.
func NewHooks(gateway *Gateway, log *slog.Logger) *Hooks {
	return &Hooks{
		gateway:  gateway,
		log:      log,
		sessions: make(map[string]*hookSession),
	}
}

// Routes returns the chi router for the hook endpoints.
func (h *Hooks) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/connect", h.connect)
	r.Post("/publish", h.publish)
	r.Post("/update", h.update)
	r.Post("/unpublish", h.unpublish)
	return r
}

// connect validates a new ingest connection; a 403 tells the ingest server to
// reject it.
func (h *Hooks) connect(w http.ResponseWriter, r *http.Request) {
	p, ok := h.decode(w, r)
	if !ok {
		return
	}
	if err := h.gateway.Connect(p.App, p.RemoteIP); err != nil {
		writeJSON(w, http.StatusForbidden, hookResponse{Status: "rejected", Reason: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, hookResponse{Status: "ok"})
}

// publish records the session view and starts the live session in the
// background; codec detection can take many seconds, so the hook answers
// immediately and a failed start surfaces only in the logs.
func (h *Hooks) publish(w http.ResponseWriter, r *http.Request) {
	p, ok := h.decode(w, r)
	if !ok {
		return
	}
	if p.SessionID == "" || p.StreamPath == "" {
		writeJSON(w, http.StatusBadRequest, hookResponse{Status: "error", Reason: "session_id and stream_path are required"})
		return
	}

	sess := &hookSession{p: p, publishing: true}

	h.mu.Lock()
	h.sessions[p.SessionID] = sess
	h.mu.Unlock()

	go func() {
		if err := h.gateway.PublishStart(context.Background(), sess); err != nil {
			h.log.Error("publish start failed",
				slog.String("session_id", p.SessionID),
				slog.String("error", err.Error()))
		}
	}()

	writeJSON(w, http.StatusOK, hookResponse{Status: "ok"})
}

// update folds detection progress (codecs, dimensions) into the session view.
func (h *Hooks) update(w http.ResponseWriter, r *http.Request) {
	p, ok := h.decode(w, r)
	if !ok {
		return
	}

	h.mu.Lock()
	sess, exists := h.sessions[p.SessionID]
	h.mu.Unlock()
	if !exists {
		writeJSON(w, http.StatusNotFound, hookResponse{Status: "error", Reason: "unknown session"})
		return
	}

	sess.apply(p)
	writeJSON(w, http.StatusOK, hookResponse{Status: "ok"})
}

// unpublish marks the session stopped and tears down its live session.
func (h *Hooks) unpublish(w http.ResponseWriter, r *http.Request) {
	p, ok := h.decode(w, r)
	if !ok {
		return
	}

	h.mu.Lock()
	sess, exists := h.sessions[p.SessionID]
	delete(h.sessions, p.SessionID)
	h.mu.Unlock()

	if exists {
		sess.stop()
	}
	h.gateway.PublishStop(p.SessionID)
	writeJSON(w, http.StatusOK, hookResponse{Status: "ok"})
}

func (h *Hooks) decode(w http.ResponseWriter, r *http.Request) (hookPayload, bool) {
	var p hookPayload
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		h.log.Debug("invalid hook body", slog.String("error", err.Error()))
		writeJSON(w, http.StatusBadRequest, hookResponse{Status: "error", Reason: "invalid body"})
		return hookPayload{}, false
	}
	return p, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
