package media

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"hls-media-server/internal/hls"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeLive exposes a single real engine as a live session.
type fakeLive struct {
	rendition string
	engine    *hls.Engine
}

func (f *fakeLive) Engine(rendition string) (*hls.Engine, bool) {
	if rendition != f.rendition {
		return nil, false
	}
	return f.engine, true
}

// fakeLookup maps session ids to live sessions.
type fakeLookup map[string]*fakeLive

func (l fakeLookup) Lookup(id string) (LiveSession, bool) {
	live, ok := l[id]
	if !ok {
		return nil, false
	}
	return live, true
}

// liveEngine builds an engine in root/live/{id} fed with the given segments.
func liveEngine(t *testing.T, root, id string, fetchTimeout time.Duration, uris ...string) *hls.Engine {
	t.Helper()
	dir := filepath.Join(root, "live", id)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	eng := hls.NewEngine(hls.EngineConfig{
		Rendition:         "720p",
		Dir:               dir,
		SegmentDuration:   2,
		ListSize:          6,
		MaxWindowDuration: 120,
		FetchTimeout:      fetchTimeout,
	}, testLogger(), nil)

	if len(uris) > 0 {
		var b strings.Builder
		b.WriteString("#EXTM3U\n")
		for _, uri := range uris {
			b.WriteString("#EXTINF:2.000000,\n" + uri + "\n")
		}
		live := filepath.Join(dir, "720p.m3u8")
		if err := os.WriteFile(live, []byte(b.String()), 0o644); err != nil {
			t.Fatal(err)
		}
		future := time.Now().Add(time.Second)
		if err := os.Chtimes(live, future, future); err != nil {
			t.Fatal(err)
		}
		if err := eng.Poll(); err != nil {
			t.Fatal(err)
		}
	}
	return eng
}

func newTestServer(t *testing.T, root string, sessions fakeLookup) *httptest.Server {
	t.Helper()
	h := NewHandler(sessions, root, testLogger(), nil)
	srv := httptest.NewServer(h.Routes())
	t.Cleanup(srv.Close)
	return srv
}

func get(t *testing.T, url string) (*http.Response, string) {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	return resp, string(body)
}

func TestHandler_liveManifest(t *testing.T) {
	root := t.TempDir()
	eng := liveEngine(t, root, "abc", time.Second, "720p0.ts", "720p1.ts")
	srv := newTestServer(t, root, fakeLookup{"abc": {rendition: "720p", engine: eng}})

	resp, body := get(t, srv.URL+"/live/abc/720p.m3u8")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if got := resp.Header.Get("Content-Type"); got != playlistContentType {
		t.Errorf("content type = %q", got)
	}
	if got := resp.Header.Get("Cache-Control"); got != "no-store" {
		t.Errorf("cache control = %q", got)
	}
	if !strings.Contains(body, "720p1.ts") {
		t.Errorf("manifest missing segment: %s", body)
	}
	if !strings.Contains(body, "CAN-BLOCK-RELOAD=YES") {
		t.Errorf("manifest missing server control: %s", body)
	}
}

func TestHandler_blockingFetchTimesOut(t *testing.T) {
	root := t.TempDir()
	eng := liveEngine(t, root, "abc", 150*time.Millisecond, "720p0.ts")
	srv := newTestServer(t, root, fakeLookup{"abc": {rendition: "720p", engine: eng}})

	resp, _ := get(t, srv.URL+"/live/abc/720p.m3u8?_HLS_msn=5")
	if resp.StatusCode != http.StatusGatewayTimeout {
		t.Fatalf("status = %d, want 504", resp.StatusCode)
	}
}

func TestHandler_skipParam(t *testing.T) {
	root := t.TempDir()
	uris := make([]string, 8)
	for i := range uris {
		uris[i] = "720p" + string(rune('0'+i)) + ".ts"
	}
	eng := liveEngine(t, root, "abc", time.Second, uris...)
	srv := newTestServer(t, root, fakeLookup{"abc": {rendition: "720p", engine: eng}})

	resp, body := get(t, srv.URL+"/live/abc/720p.m3u8?_HLS_skip=YES")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if !strings.Contains(body, "#EXT-X-SKIP:SKIPPED-SEGMENTS=") {
		t.Errorf("skip requested but no skip tag: %s", body)
	}
}

func TestHandler_finishedBroadcastServesLedger(t *testing.T) {
	root := t.TempDir()
	dir := filepath.Join(root, "live", "done")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	ledger := "#EXTM3U\n#EXTINF:2.000000,\n720p0.ts\n#EXT-X-ENDLIST\n"
	if err := os.WriteFile(filepath.Join(dir, "720p.vod.m3u8"), []byte(ledger), 0o644); err != nil {
		t.Fatal(err)
	}
	srv := newTestServer(t, root, fakeLookup{})

	resp, body := get(t, srv.URL+"/live/done/720p.m3u8")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if !strings.Contains(body, "#EXT-X-ENDLIST") {
		t.Errorf("vod rewrite did not serve the ledger: %s", body)
	}
	if got := resp.Header.Get("Content-Type"); got != playlistContentType {
		t.Errorf("content type = %q", got)
	}
}

func TestHandler_masterManifestFromDisk(t *testing.T) {
	root := t.TempDir()
	dir := filepath.Join(root, "live", "abc")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	master := "#EXTM3U\n#EXT-X-STREAM-INF:BANDWIDTH=2128000,NAME=\"720p\"\n720p.m3u8\n"
	if err := os.WriteFile(filepath.Join(dir, "master.m3u8"), []byte(master), 0o644); err != nil {
		t.Fatal(err)
	}
	eng := liveEngine(t, root, "abc", time.Second, "720p0.ts")
	srv := newTestServer(t, root, fakeLookup{"abc": {rendition: "720p", engine: eng}})

	resp, body := get(t, srv.URL+"/live/abc/master.m3u8")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if !strings.Contains(body, "#EXT-X-STREAM-INF") {
		t.Errorf("master not served from disk: %s", body)
	}
	if got := resp.Header.Get("Cache-Control"); got != staticCacheControl {
		t.Errorf("cache control = %q", got)
	}
}

func TestHandler_segmentFromDisk(t *testing.T) {
	root := t.TempDir()
	dir := filepath.Join(root, "live", "abc")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "720p0.ts"), []byte("segment-bytes"), 0o644); err != nil {
		t.Fatal(err)
	}
	srv := newTestServer(t, root, fakeLookup{})

	resp, body := get(t, srv.URL+"/live/abc/720p0.ts")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if body != "segment-bytes" {
		t.Errorf("body = %q", body)
	}
	if got := resp.Header.Get("Cache-Control"); got != staticCacheControl {
		t.Errorf("cache control = %q", got)
	}
}

func TestHandler_pathTraversalRejected(t *testing.T) {
	root := t.TempDir()
	srv := newTestServer(t, root, fakeLookup{})

	// The raw dotted path must never reach the filesystem.
	req, err := http.NewRequest(http.MethodGet, srv.URL+"/live/abc/..%2f..%2fsecret", nil)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode == http.StatusOK {
		t.Fatalf("traversal request served: %d", resp.StatusCode)
	}
}

func TestRenditionPlaylist(t *testing.T) {
	tests := []struct {
		rest string
		name string
		ok   bool
	}{
		{"720p.m3u8", "720p", true},
		{"master.m3u8", "", false},
		{"720p.vod.m3u8", "", false},
		{"720p0.ts", "", false},
		{"thumbnails/0.webp", "", false},
	}
	for _, tt := range tests {
		name, ok := renditionPlaylist(tt.rest)
		if name != tt.name || ok != tt.ok {
			t.Errorf("renditionPlaylist(%q) = %q,%v want %q,%v", tt.rest, name, ok, tt.name, tt.ok)
		}
	}
}
