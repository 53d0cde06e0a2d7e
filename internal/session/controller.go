// Package session owns the per-publish live session: its rendition manifest
// engines, its transcode pipeline, thumbnail capture, and the registry that
// maps session ids to controllers.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"hls-media-server/internal/hls"
	"hls-media-server/internal/ingest"
	"hls-media-server/internal/platform/metrics"
	"hls-media-server/internal/transcode"
)

// Session creation failures.
var (
	// ErrDetectionTimeout means audio and video codecs were not both
	// detected within the bounded wait; the session never starts.
	ErrDetectionTimeout = errors.New("codec detection timed out")

	// ErrNotPublishing means publishing stopped while codec detection was
	// still pending.
	ErrNotPublishing = errors.New("publishing stopped before codec detection")

	// ErrSessionExists means a session with the same id is already live.
	ErrSessionExists = errors.New("session already exists")
)

// Config carries the session-level tunables resolved from the environment.
type Config struct {
	MediaRoot     string
	PublicBaseURL string
	FFmpegPath    string
	// RTMPPort is the local ingest port the transcoder reads from.
	RTMPPort int

	SegmentDuration   float64
	KeyframeInterval  float64
	ListSize          int
	MaxWindowDuration float64

	UseHardware bool
	HWAccel     string
	HWEncoder   string
	UseHEVC     bool

	PollInterval time.Duration
	FetchTimeout time.Duration

	DetectionTimeout  time.Duration
	DetectionPoll     time.Duration
	ThumbnailInterval time.Duration
	HeartbeatInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.FFmpegPath == "" {
		c.FFmpegPath = "ffmpeg"
	}
	if c.SegmentDuration <= 0 {
		c.SegmentDuration = 2
	}
	if c.KeyframeInterval <= 0 {
		c.KeyframeInterval = 2
	}
	if c.ListSize <= 0 {
		c.ListSize = 6
	}
	if c.MaxWindowDuration <= 0 {
		c.MaxWindowDuration = 120
	}
	if c.DetectionTimeout <= 0 {
		c.DetectionTimeout = 20 * time.Second
	}
	if c.DetectionPoll <= 0 {
		c.DetectionPoll = 100 * time.Millisecond
	}
	if c.ThumbnailInterval <= 0 {
		c.ThumbnailInterval = time.Minute
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 10 * time.Second
	}
	return c
}

// Controller owns one live publish end to end: its output directory, one
// manifest engine per selected rendition, the transcode pipeline, thumbnail
// capture from the top rendition, and the index heartbeat file that drives
// retention.
type Controller struct {
	cfg  Config
	log  *slog.Logger
	met  *metrics.Metrics
	sess ingest.Session

	id            string
	appName       string
	dir           string
	thumbnailsDir string

	ctx    context.Context
	cancel context.CancelFunc

	// onEnd deregisters the controller from the owning registry.
	onEnd func(id string)

	mu            sync.Mutex
	renditions    []transcode.Rendition
	engines       map[string]*hls.Engine
	top           *hls.Engine
	pipeline      *transcode.Pipeline
	ended         bool
	thumbnailURL  string
	thumbnailSeq  int
	lastThumbnail time.Time
	capturing     bool
}

func newController(cfg Config, log *slog.Logger, met *metrics.Metrics, sess ingest.Session, onEnd func(string)) *Controller {
	ctx, cancel := context.WithCancel(context.Background())
	return &Controller{
		cfg:           cfg,
		log:           log.With(slog.String("session_id", sess.ID())),
		met:           met,
		sess:          sess,
		id:            sess.ID(),
		appName:       sess.AppName(),
		dir:           filepath.Join(cfg.MediaRoot, sess.AppName(), sess.ID()),
		thumbnailsDir: filepath.Join(cfg.MediaRoot, sess.AppName(), sess.ID(), "thumbnails"),
		ctx:           ctx,
		cancel:        cancel,
		onEnd:         onEnd,
	}
}

// start waits for codec detection, then builds engines and launches the
// pipeline. No artifact is created when detection fails.
func (c *Controller) start(ctx context.Context) error {
	if err := waitForCodecs(ctx, c.sess, c.cfg.DetectionTimeout, c.cfg.DetectionPoll); err != nil {
		return err
	}

	if err := os.MkdirAll(c.thumbnailsDir, 0o755); err != nil {
		return fmt.Errorf("create session directories: %w", err)
	}

	opts := transcode.Options{
		Input:            fmt.Sprintf("rtmp://127.0.0.1:%d%s", c.cfg.RTMPPort, c.sess.StreamPath()),
		SourceHeight:     c.sess.SourceHeight(),
		UseHardware:      c.cfg.UseHardware,
		HWAccel:          c.cfg.HWAccel,
		HWEncoder:        c.cfg.HWEncoder,
		UseHEVC:          c.cfg.UseHEVC,
		SegmentDuration:  c.cfg.SegmentDuration,
		KeyframeInterval: c.cfg.KeyframeInterval,
		ListSize:         c.cfg.ListSize,
	}
	renditions := transcode.SelectRenditions(transcode.StandardLadder(), c.sess.SourceHeight())

	engines := make(map[string]*hls.Engine, len(renditions))
	for _, r := range renditions {
		engines[r.Name] = hls.NewEngine(hls.EngineConfig{
			Rendition:         r.Name,
			Dir:               c.dir,
			SegmentDuration:   c.cfg.SegmentDuration,
			SegmentExt:        opts.SegmentExt(),
			ListSize:          c.cfg.ListSize,
			MaxWindowDuration: c.cfg.MaxWindowDuration,
			PollInterval:      c.cfg.PollInterval,
			FetchTimeout:      c.cfg.FetchTimeout,
		}, c.log.With(slog.String("rendition", r.Name)), c.met)
	}
	top := engines[renditions[len(renditions)-1].Name]
	top.OnSegment(c.onTopSegment)

	pipeline := transcode.NewPipeline(transcode.PipelineConfig{
		Binary:     c.cfg.FFmpegPath,
		Dir:        c.dir,
		Renditions: renditions,
		Options:    opts,
		OnExit:     c.onPipelineExit,
		OnFallback: c.onFallback,
	}, c.log)

	c.mu.Lock()
	c.renditions = renditions
	c.engines = engines
	c.top = top
	c.pipeline = pipeline
	c.mu.Unlock()

	if err := pipeline.Start(); err != nil {
		return err
	}

	c.log.Info("live session started",
		slog.String("app", c.appName),
		slog.Int("renditions", len(renditions)),
		slog.Int("source_height", c.sess.SourceHeight()),
		slog.String("video_codec", c.sess.VideoCodec()),
		slog.String("audio_codec", c.sess.AudioCodec()))

	for _, eng := range engines {
		go eng.Run(c.ctx)
	}
	go c.heartbeat()
	return nil
}

// waitForCodecs polls the ingest session until both codecs are detected,
// failing on timeout or when publishing stops first.
func waitForCodecs(ctx context.Context, sess ingest.Session, timeout, poll time.Duration) error {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	for {
		if !sess.IsPublishing() {
			return ErrNotPublishing
		}
		if sess.VideoCodec() != "" && sess.AudioCodec() != "" {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			return ErrDetectionTimeout
		case <-ticker.C:
		}
	}
}

// onTopSegment runs on each segment accepted by the highest rendition: it
// flushes any pending crop rectangle to the sidecar file and schedules a
// thumbnail capture when enough time has passed.
func (c *Controller) onTopSegment(seg hls.Segment) {
	c.mu.Lock()
	pipeline := c.pipeline
	c.mu.Unlock()

	if pipeline != nil {
		if crop, ok := pipeline.TakeCrop(); ok {
			c.writeCropSidecar(seg.Index, crop)
		}
	}

	c.mu.Lock()
	due := !c.capturing && time.Since(c.lastThumbnail) >= c.cfg.ThumbnailInterval
	if due {
		c.capturing = true
		c.lastThumbnail = time.Now()
	}
	c.mu.Unlock()

	if due {
		go c.captureThumbnail(seg)
	}
}

// writeCropSidecar appends one JSON line associating a crop rectangle with a
// segment index. Consumed by playback-side letterboxing, outside this repo.
func (c *Controller) writeCropSidecar(index int, crop string) {
	f, err := os.OpenFile(filepath.Join(c.dir, "crops.jsonl"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		c.log.Error("open crop sidecar failed", slog.String("error", err.Error()))
		return
	}
	defer f.Close()

	line, _ := json.Marshal(struct {
		Segment int    `json:"segment"`
		Crop    string `json:"crop"`
	}{Segment: index, Crop: crop})
	if _, err := f.Write(append(line, '\n')); err != nil {
		c.log.Error("crop sidecar append failed", slog.String("error", err.Error()))
	}
}

// captureThumbnail extracts one frame from the given segment of the top
// rendition into thumbnails/{n}.webp and advertises the new URL.
func (c *Controller) captureThumbnail(seg hls.Segment) {
	defer func() {
		c.mu.Lock()
		c.capturing = false
		c.mu.Unlock()
	}()

	input := filepath.Join(c.dir, seg.URI)
	c.mu.Lock()
	top := c.top
	seq := c.thumbnailSeq
	c.mu.Unlock()
	if top == nil {
		return
	}
	if init := top.InitURI(); init != "" {
		input = "concat:" + filepath.Join(c.dir, init) + "|" + input
	}

	name := strconv.Itoa(seq) + ".webp"
	out := filepath.Join(c.thumbnailsDir, name)
	cmd := exec.CommandContext(c.ctx, c.cfg.FFmpegPath,
		"-i", input,
		"-quality", "70",
		"-vf", "scale=-1:360",
		"-vframes", "1",
		"-y", out,
	)
	if err := cmd.Run(); err != nil {
		c.log.Debug("thumbnail capture failed", slog.String("error", err.Error()))
		return
	}

	c.mu.Lock()
	c.thumbnailSeq++
	c.thumbnailURL = fmt.Sprintf("%s/media/%s/%s/thumbnails/%s", c.cfg.PublicBaseURL, c.appName, c.id, name)
	c.mu.Unlock()
	if c.met != nil {
		c.met.IncThumbnails()
	}
}

// heartbeat rewrites the session's index file on a fixed interval. The file's
// modification time drives the retention sweep; a stale index marks the whole
// session directory expirable.
func (c *Controller) heartbeat() {
	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()

	n := 0
	write := func() {
		n++
		if err := os.WriteFile(filepath.Join(c.dir, "index"), []byte(strconv.Itoa(n)), 0o644); err != nil {
			c.log.Error("index heartbeat failed", slog.String("error", err.Error()))
		}
	}
	write()
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			write()
		}
	}
}

// onPipelineExit handles an unexpected transcoder exit: segment generation
// has halted for every rendition, so the whole session is torn down.
func (c *Controller) onPipelineExit(err error) {
	c.log.Error("transcoder exited unexpectedly, ending session", slog.Any("error", err))
	c.Stop()
}

func (c *Controller) onFallback() {
	if c.met != nil {
		c.met.IncTranscoderRetries()
	}
}

// Stop tears the session down: every engine is ended (releasing pending
// fetches with a final render), the pipeline is stopped, the heartbeat and
// any in-flight thumbnail capture are cancelled, and the controller is
// removed from the registry. Idempotent.
func (c *Controller) Stop() {
	c.mu.Lock()
	if c.ended {
		c.mu.Unlock()
		return
	}
	c.ended = true
	engines := c.engines
	pipeline := c.pipeline
	c.mu.Unlock()

	for _, eng := range engines {
		eng.End()
	}
	if pipeline != nil {
		pipeline.Stop()
	}
	c.cancel()
	if c.onEnd != nil {
		c.onEnd(c.id)
	}
	c.log.Info("live session ended")
}

// ID returns the session id.
func (c *Controller) ID() string {
	return c.id
}

// AppName returns the session's application namespace.
func (c *Controller) AppName() string {
	return c.appName
}

// Dir returns the session's output directory.
func (c *Controller) Dir() string {
	return c.dir
}

// Engine returns the manifest engine for the named rendition.
func (c *Controller) Engine(rendition string) (*hls.Engine, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	eng, ok := c.engines[rendition]
	return eng, ok
}

// Renditions returns the session's selected rendition set.
func (c *Controller) Renditions() []transcode.Rendition {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.renditions
}

// ThumbnailURL returns the most recently advertised thumbnail URL, or "".
func (c *Controller) ThumbnailURL() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.thumbnailURL
}
