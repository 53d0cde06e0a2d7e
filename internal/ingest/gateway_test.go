package ingest

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeManager records StartSession/StopSession calls.
type fakeManager struct {
	mu       sync.Mutex
	started  []string
	stopped  []string
	startErr error
}

func (m *fakeManager) StartSession(_ context.Context, sess Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.started = append(m.started, sess.ID())
	return m.startErr
}

func (m *fakeManager) StopSession(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopped = append(m.stopped, id)
}

func (m *fakeManager) startedIDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.started...)
}

// fakeSession is a static Session for gateway tests.
type fakeSession struct {
	id     string
	app    string
	path   string
	remote string
}

func (s fakeSession) ID() string         { return s.id }
func (s fakeSession) AppName() string    { return s.app }
func (s fakeSession) StreamPath() string { return s.path }
func (s fakeSession) RemoteIP() string   { return s.remote }
func (s fakeSession) VideoCodec() string { return "h264" }
func (s fakeSession) AudioCodec() string { return "aac" }
func (s fakeSession) SourceWidth() int   { return 1280 }
func (s fakeSession) SourceHeight() int  { return 720 }
func (s fakeSession) IsPublishing() bool { return true }

func TestGateway_connectPolicy(t *testing.T) {
	path := filepath.Join(t.TempDir(), "blocklist.txt")
	if err := os.WriteFile(path, []byte("10.0.0.5\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	blocklist, err := LoadBlocklist(path)
	if err != nil {
		t.Fatal(err)
	}

	g := NewGateway(&fakeManager{}, blocklist, nil, testLogger())

	if err := g.Connect("live", "10.0.0.1"); err != nil {
		t.Errorf("allowed connect rejected: %v", err)
	}
	if err := g.Connect("nosuchapp", "10.0.0.1"); !errors.Is(err, ErrUnknownApp) {
		t.Errorf("expected ErrUnknownApp, got %v", err)
	}
	if err := g.Connect("live", "10.0.0.5"); !errors.Is(err, ErrBlocked) {
		t.Errorf("expected ErrBlocked, got %v", err)
	}
}

func TestGateway_customAppNames(t *testing.T) {
	g := NewGateway(&fakeManager{}, nil, []string{"studio"}, testLogger())
	if err := g.Connect("studio", "10.0.0.1"); err != nil {
		t.Errorf("custom app rejected: %v", err)
	}
	if err := g.Connect("live", "10.0.0.1"); !errors.Is(err, ErrUnknownApp) {
		t.Errorf("default app should not be allowed with a custom list, got %v", err)
	}
}

func TestGateway_publishStartOnlyForLiveApp(t *testing.T) {
	mgr := &fakeManager{}
	g := NewGateway(mgr, nil, nil, testLogger())

	err := g.PublishStart(context.Background(), fakeSession{id: "a", app: "private", path: "/private/a"})
	if err != nil {
		t.Fatalf("non-live publish should pass through: %v", err)
	}
	if len(mgr.startedIDs()) != 0 {
		t.Fatalf("non-live publish reached the session manager: %v", mgr.startedIDs())
	}

	err = g.PublishStart(context.Background(), fakeSession{id: "b", app: "live", path: "/live/b"})
	if err != nil {
		t.Fatal(err)
	}
	if got := mgr.startedIDs(); len(got) != 1 || got[0] != "b" {
		t.Fatalf("started sessions = %v, want [b]", got)
	}
}

func TestGateway_publishStartPropagatesError(t *testing.T) {
	want := errors.New("boom")
	g := NewGateway(&fakeManager{startErr: want}, nil, nil, testLogger())
	err := g.PublishStart(context.Background(), fakeSession{id: "a", app: "live", path: "/live/a"})
	if !errors.Is(err, want) {
		t.Fatalf("expected propagated error, got %v", err)
	}
}

func TestGateway_publishStop(t *testing.T) {
	mgr := &fakeManager{}
	g := NewGateway(mgr, nil, nil, testLogger())
	g.PublishStop("a")
	if len(mgr.stopped) != 1 || mgr.stopped[0] != "a" {
		t.Fatalf("stopped sessions = %v, want [a]", mgr.stopped)
	}
}
