package ingest

import (
	"context"
	"errors"
	"log/slog"
)

// Connect rejection reasons.
var (
	// ErrUnknownApp is returned when a connection names an application
	// outside the allow-list.
	ErrUnknownApp = errors.New("application does not exist")

	// ErrBlocked is returned for connections from blocklisted addresses.
	ErrBlocked = errors.New("address is blocked")
)

// LiveAppName is the application whose publishes are repackaged as live HLS.
const LiveAppName = "live"

// DefaultAppNames is the default application allow-list.
var DefaultAppNames = []string{LiveAppName, "livestream", "private", "internal", "test"}

// SessionManager is the part of the session registry the gateway drives.
type SessionManager interface {
	// StartSession creates the live session for a publishing ingest session.
	// It blocks until codec detection succeeds or fails.
	StartSession(ctx context.Context, sess Session) error
	// StopSession tears down the live session with the given id, if any.
	StopSession(id string)
}

// Gateway receives ingest lifecycle events and applies admission policy
// before handing publishes to the session manager.
type Gateway struct {
	sessions  SessionManager
	blocklist *Blocklist
	apps      map[string]struct{}
	log       *slog.Logger
}

// NewGateway builds a gateway. appNames defaults to DefaultAppNames when nil;
// blocklist may be nil to disable address checks.
func NewGateway(sessions SessionManager, blocklist *Blocklist, appNames []string, log *slog.Logger) *Gateway {
	if appNames == nil {
		appNames = DefaultAppNames
	}
	apps := make(map[string]struct{}, len(appNames))
	for _, name := range appNames {
		apps[name] = struct{}{}
	}
	return &Gateway{sessions: sessions, blocklist: blocklist, apps: apps, log: log}
}

// Connect validates a new ingest connection. A non-nil error instructs the
// ingest server to reject the connection synchronously.
func (g *Gateway) Connect(appName, remoteIP string) error {
	if _, ok := g.apps[appName]; !ok {
		g.log.Warn("rejecting connect to unknown app",
			slog.String("app", appName), slog.String("remote_ip", remoteIP))
		return ErrUnknownApp
	}
	if g.blocklist.Blocked(remoteIP) {
		g.log.Warn("rejecting blocked address", slog.String("remote_ip", remoteIP))
		return ErrBlocked
	}
	return nil
}

// PublishStart handles a publish-start event. Only sessions on the live app
// are repackaged; everything else passes through untouched.
func (g *Gateway) PublishStart(ctx context.Context, sess Session) error {
	if sess.AppName() != LiveAppName {
		return nil
	}
	return g.sessions.StartSession(ctx, sess)
}

// PublishStop handles a publish-stop event.
func (g *Gateway) PublishStop(id string) {
	g.sessions.StopSession(id)
}
