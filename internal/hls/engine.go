package hls

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"hls-media-server/internal/platform/metrics"
)

// ErrFetchTimeout is returned by Fetch when no matching segment arrives
// before the engine's fetch timeout elapses. It affects only the failing
// request; the engine keeps running.
var ErrFetchTimeout = errors.New("manifest fetch timed out")

// Engine defaults; each is overridable through EngineConfig.
const (
	DefaultPollInterval = 500 * time.Millisecond
	DefaultFetchTimeout = 60 * time.Second

	// bitrateWindow bounds the rolling bitrate sample list.
	bitrateWindow = 128

	// skipUntilFactor times the segment duration is the CAN-SKIP-UNTIL
	// threshold advertised in the server-control line.
	skipUntilFactor = 6
)

// EngineConfig describes one rendition's manifest engine.
type EngineConfig struct {
	// Rendition is the rendition name, e.g. "720p". The transcoder's live
	// playlist is expected at {Dir}/{Rendition}.m3u8 and the durable ledger
	// is written to {Dir}/{Rendition}.vod.m3u8.
	Rendition string
	Dir       string

	SegmentDuration float64
	// SegmentExt is the media extension used for synthesized placeholder
	// URIs: "ts" for transport-stream packaging, "m4s" for fragmented MP4.
	SegmentExt string

	// ListSize is the configured minimum number of window entries;
	// MaxWindowDuration (seconds) bounds the window from above.
	ListSize          int
	MaxWindowDuration float64

	PollInterval time.Duration
	FetchTimeout time.Duration
}

// Engine converts the transcoder's ephemeral per-rendition playlist into a
// durable gap-free ledger and serves correctly windowed low-latency manifest
// views, with blocking semantics for clients polling ahead of available data.
//
// An engine moves through three states: empty (no segment accepted yet),
// live (header written, accepting segments), and ended (terminal). All
// mutable state is guarded by mu; Poll and Fetch race on the same list.
type Engine struct {
	cfg EngineConfig
	log *slog.Logger
	met *metrics.Metrics

	livePath   string
	ledgerPath string

	// lastMod is touched only by the poll loop.
	lastMod time.Time

	mu        sync.Mutex
	segments  []Segment
	initURI   string
	bitrates  []float64
	live      bool
	ended     bool
	ledger    *os.File
	updated   chan struct{}
	onSegment func(Segment)
}

// NewEngine returns an engine for one rendition. met may be nil to disable
// metric recording (e.g. in tests).
func NewEngine(cfg EngineConfig, log *slog.Logger, met *metrics.Metrics) *Engine {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = DefaultFetchTimeout
	}
	if cfg.SegmentExt == "" {
		cfg.SegmentExt = "ts"
	}
	return &Engine{
		cfg:        cfg,
		log:        log,
		met:        met,
		livePath:   filepath.Join(cfg.Dir, cfg.Rendition+".m3u8"),
		ledgerPath: filepath.Join(cfg.Dir, cfg.Rendition+".vod.m3u8"),
		updated:    make(chan struct{}),
	}
}

// OnSegment registers a hook invoked after each accepted segment, outside the
// engine lock. Must be called before Run.
func (e *Engine) OnSegment(fn func(Segment)) {
	e.onSegment = fn
}

// Run polls the upstream live playlist at the configured cadence until the
// context is cancelled or the engine ends.
func (e *Engine) Run(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if e.Ended() {
				return
			}
			if err := e.Poll(); err != nil {
				// Non-fatal: retried on the next cycle.
				e.log.Debug("live playlist poll failed", slog.String("error", err.Error()))
			}
		}
	}
}

// Poll checks the upstream playlist's modification time and, when it changed,
// re-parses all current entries and accepts any new segments. A missing file
// (transcoder not producing yet) is not an error.
func (e *Engine) Poll() error {
	info, err := os.Stat(e.livePath)
	if err != nil {
		return nil
	}
	if info.ModTime().Equal(e.lastMod) {
		return nil
	}
	data, err := os.ReadFile(e.livePath)
	if err != nil {
		return fmt.Errorf("read live playlist: %w", err)
	}
	e.lastMod = info.ModTime()

	pl := ParseLivePlaylist(data, e.cfg.Rendition)
	if len(pl.Segments) == 0 {
		return nil
	}

	accepted := e.ingest(pl)
	if e.onSegment != nil {
		for _, s := range accepted {
			e.onSegment(s)
		}
	}
	return nil
}

// ingest folds a parsed upstream playlist into the engine's state and returns
// the segments accepted this cycle, placeholders included.
func (e *Engine) ingest(pl LivePlaylist) []Segment {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.ended {
		return nil
	}

	if !e.live {
		e.live = true
		e.initURI = pl.InitURI
		e.openLedgerLocked()
		e.appendLedgerLocked(e.headerLocked(0))
	}

	var accepted []Segment
	for _, s := range pl.Segments {
		if s.Index < len(e.segments) {
			continue
		}
		// Backfill any indices the transcoder skipped so that list position
		// always equals segment index.
		for s.Index > len(e.segments) {
			ph := e.placeholderLocked()
			e.log.Warn("missing segment, synthesizing placeholder",
				slog.String("rendition", e.cfg.Rendition),
				slog.Int("index", ph.Index))
			e.appendLedgerLocked("#EXT-X-DISCONTINUITY\n")
			e.acceptLocked(ph)
			e.appendLedgerLocked("#EXT-X-DISCONTINUITY\n")
			if e.met != nil {
				e.met.IncGapsBackfilled()
			}
			accepted = append(accepted, ph)
		}
		e.acceptLocked(s)
		accepted = append(accepted, s)
	}

	if len(accepted) > 0 {
		e.wakeLocked()
	}
	return accepted
}

// placeholderLocked synthesizes the record for the next expected index. Its
// duration mirrors the last accepted segment (or the target duration when
// none exists) and its URI follows the transcoder's naming scheme.
func (e *Engine) placeholderLocked() Segment {
	duration := e.cfg.SegmentDuration
	if n := len(e.segments); n > 0 {
		duration = e.segments[n-1].Duration
	}
	index := len(e.segments)
	return Segment{
		Index:    index,
		Duration: duration,
		URI:      fmt.Sprintf("%s%d.%s", e.cfg.Rendition, index, e.cfg.SegmentExt),
	}
}

func (e *Engine) acceptLocked(s Segment) {
	e.segments = append(e.segments, s)

	// Best effort: a placeholder has no media file to stat.
	if info, err := os.Stat(filepath.Join(e.cfg.Dir, s.URI)); err == nil && s.Duration > 0 {
		bitrate := float64(info.Size()) * 8 / s.Duration
		e.bitrates = append(e.bitrates, bitrate)
		if len(e.bitrates) > bitrateWindow {
			e.bitrates = e.bitrates[len(e.bitrates)-bitrateWindow:]
		}
		e.log.Debug("segment accepted",
			slog.String("uri", s.URI),
			slog.Int("kbps", int(bitrate/1024)),
			slog.Int("avg_kbps", int(average(e.bitrates)/1024)))
	}

	e.appendLedgerLocked(fmt.Sprintf("#EXTINF:%.6f,\n%s\n", s.Duration, s.URI))
	if e.met != nil {
		e.met.IncSegmentsAccepted()
	}
}

// wakeLocked releases every blocked Fetch; each re-checks its own predicate.
// Ledger and list updates happen before the wake, so a woken waiter always
// observes the segment it waited for.
func (e *Engine) wakeLocked() {
	close(e.updated)
	e.updated = make(chan struct{})
}

func (e *Engine) openLedgerLocked() {
	if e.ledger != nil {
		return
	}
	f, err := os.OpenFile(e.ledgerPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		e.log.Error("open ledger failed", slog.String("path", e.ledgerPath), slog.String("error", err.Error()))
		return
	}
	e.ledger = f
}

func (e *Engine) appendLedgerLocked(s string) {
	if e.ledger == nil {
		return
	}
	if _, err := e.ledger.WriteString(s); err != nil {
		e.log.Error("ledger append failed", slog.String("error", err.Error()))
	}
}

func (e *Engine) headerLocked(mediaSequence int) string {
	var b strings.Builder
	b.WriteString("#EXTM3U\n")
	b.WriteString("#EXT-X-VERSION:9\n")
	fmt.Fprintf(&b, "#EXT-X-TARGETDURATION:%.6f\n", e.cfg.SegmentDuration)
	fmt.Fprintf(&b, "#EXT-X-MEDIA-SEQUENCE:%d\n", mediaSequence)
	if e.initURI != "" {
		fmt.Fprintf(&b, "#EXT-X-MAP:URI=%q\n", e.initURI)
	}
	return b.String()
}

// Render produces the windowed live manifest view. With skip set, entries the
// client already holds are collapsed into a single EXT-X-SKIP tag.
func (e *Engine) Render(skip bool) string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.renderLocked(skip)
}

func (e *Engine) renderLocked(skip bool) string {
	minSegments := e.cfg.ListSize
	maxSegments := minSegments
	if e.cfg.SegmentDuration > 0 {
		if n := int(math.Ceil(e.cfg.MaxWindowDuration / e.cfg.SegmentDuration)); n > maxSegments {
			maxSegments = n
		}
	}

	end := len(e.segments)
	mediaSequence := end - maxSegments
	if mediaSequence < 0 {
		mediaSequence = 0
	}
	start := mediaSequence

	var b strings.Builder
	b.WriteString(e.headerLocked(mediaSequence))
	fmt.Fprintf(&b, "#EXT-X-SERVER-CONTROL:CAN-BLOCK-RELOAD=YES,PART-HOLD-BACK=1.0,CAN-SKIP-UNTIL=%.1f\n",
		e.cfg.SegmentDuration*skipUntilFactor)

	if skip {
		skipped := clamp(end-minSegments, 0, maxSegments-minSegments)
		start += skipped
		fmt.Fprintf(&b, "#EXT-X-SKIP:SKIPPED-SEGMENTS=%d\n", skipped)
	}

	for _, s := range e.segments[start:end] {
		fmt.Fprintf(&b, "#EXTINF:%.6f,\n%s\n", s.Duration, s.URI)
	}

	if e.ended {
		b.WriteString("#EXT-X-ENDLIST\n")
	}
	return b.String()
}

// Fetch returns the rendered manifest once the segment at index exists or the
// engine has ended, blocking the caller until then. Waiting is bounded by the
// configured fetch timeout (ErrFetchTimeout) and by ctx.
func (e *Engine) Fetch(ctx context.Context, index int, skip bool) (string, error) {
	deadline := time.NewTimer(e.cfg.FetchTimeout)
	defer deadline.Stop()

	for {
		e.mu.Lock()
		if index < len(e.segments) || e.ended {
			out := e.renderLocked(skip)
			e.mu.Unlock()
			return out, nil
		}
		updated := e.updated
		e.mu.Unlock()

		select {
		case <-updated:
		case <-deadline.C:
			if e.met != nil {
				e.met.IncFetchTimeouts()
			}
			return "", ErrFetchTimeout
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
}

// End moves the engine to its terminal state: the end-of-list marker is
// appended to the ledger exactly once and every pending Fetch is released
// with a final render. End is idempotent.
func (e *Engine) End() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.ended {
		return
	}
	e.ended = true
	e.openLedgerLocked()
	e.appendLedgerLocked("#EXT-X-ENDLIST\n")
	if e.ledger != nil {
		if err := e.ledger.Close(); err != nil {
			e.log.Error("ledger close failed", slog.String("error", err.Error()))
		}
		e.ledger = nil
	}
	e.wakeLocked()
}

// Ended reports whether the engine has reached its terminal state.
func (e *Engine) Ended() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ended
}

// State reports the engine's lifecycle state: "empty", "live", or "ended".
func (e *Engine) State() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	switch {
	case e.ended:
		return "ended"
	case e.live:
		return "live"
	default:
		return "empty"
	}
}

// Rendition returns the rendition name this engine serves.
func (e *Engine) Rendition() string {
	return e.cfg.Rendition
}

// InitURI returns the initialization segment URI captured from the upstream
// playlist, or "" for non-fragmented packaging.
func (e *Engine) InitURI() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.initURI
}

// LastSegmentURI returns the URI of the most recently accepted segment.
func (e *Engine) LastSegmentURI() (string, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.segments) == 0 {
		return "", false
	}
	return e.segments[len(e.segments)-1].URI, true
}

// SegmentCount returns the number of accepted segments, placeholders included.
func (e *Engine) SegmentCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.segments)
}

func clamp(n, lo, hi int) int {
	if n < lo {
		return lo
	}
	if n > hi {
		return hi
	}
	return n
}

func average(samples []float64) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		sum += s
	}
	return sum / float64(len(samples))
}
