package transcode

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"regexp"
	"strings"
	"sync"
	"time"
)

// ErrProcessStart is returned when the transcoder could not be launched at
// all, after any configured fallback attempt.
var ErrProcessStart = errors.New("transcoder failed to start")

// DefaultStartupWindow bounds how long after launch an exit still counts as a
// startup failure eligible for the hardware→software fallback.
const DefaultStartupWindow = 3 * time.Second

var (
	// hlsOpeningLine matches the per-segment write notices ffmpeg's hls
	// muxer emits at every packaging cycle; they drown out everything else.
	hlsOpeningLine = regexp.MustCompile(`^\[hls @ .+?\] Opening '.+?' for writing$`)

	// cropRect picks crop-rectangle diagnostics out of filter chatter.
	cropRect = regexp.MustCompile(`crop=(\d+:\d+:\d+:\d+)`)
)

// PipelineConfig configures one session's transcode pipeline.
type PipelineConfig struct {
	// Binary is the ffmpeg executable path.
	Binary string
	// Dir is the session output directory; the process runs with it as its
	// working directory so relative playlist/segment paths land there.
	Dir string

	Renditions []Rendition
	Options    Options

	StartupWindow time.Duration

	// OnExit is called once when the process exits unexpectedly (not via
	// Stop and not recovered by the fallback). One process serves all
	// renditions, so the owner is expected to tear the session down.
	OnExit func(err error)
	// OnFallback observes the hardware→software retry, if any.
	OnFallback func()
}

// Pipeline supervises the external encode+package process for one session.
// A single invocation reads the published stream once and writes one live
// playlist plus segments per rendition. On startup failure in hardware mode
// one software fallback attempt is made; there is no retry loop beyond that.
type Pipeline struct {
	cfg PipelineConfig
	log *slog.Logger

	mu        sync.Mutex
	cmd       *exec.Cmd
	startedAt time.Time
	stopped   bool
	retried   bool

	cropMu sync.Mutex
	crop   string
}

// NewPipeline returns an unstarted pipeline.
func NewPipeline(cfg PipelineConfig, log *slog.Logger) *Pipeline {
	if cfg.StartupWindow <= 0 {
		cfg.StartupWindow = DefaultStartupWindow
	}
	return &Pipeline{cfg: cfg, log: log}
}

// Start launches the transcoder. A launch failure in hardware mode triggers
// the single software fallback before giving up with ErrProcessStart.
func (p *Pipeline) Start() error {
	err := p.launch(false)
	if err == nil {
		return nil
	}
	if p.cfg.Options.UseHardware {
		p.mu.Lock()
		p.retried = true
		p.mu.Unlock()
		p.log.Warn("hardware transcode failed to launch, retrying in software", slog.String("error", err.Error()))
		if p.cfg.OnFallback != nil {
			p.cfg.OnFallback()
		}
		if err = p.launch(true); err == nil {
			return nil
		}
	}
	return fmt.Errorf("%w: %v", ErrProcessStart, err)
}

func (p *Pipeline) launch(forceSoftware bool) error {
	args := BuildArgs(p.cfg.Renditions, p.cfg.Options, forceSoftware)
	cmd := exec.Command(p.cfg.Binary, args...)
	cmd.Dir = p.cfg.Dir

	stderr, err := cmd.StderrPipe()
	if err != nil {
		return err
	}

	p.log.Info("starting transcoder",
		slog.String("binary", p.cfg.Binary),
		slog.Bool("hardware", p.cfg.Options.UseHardware && !forceSoftware),
		slog.String("args", strings.Join(args, " ")))

	if err := cmd.Start(); err != nil {
		return err
	}

	p.mu.Lock()
	p.cmd = cmd
	p.startedAt = time.Now()
	p.mu.Unlock()

	go p.scanStderr(stderr)
	go p.wait(cmd, forceSoftware)
	return nil
}

// wait reaps the process. Exits inside the startup window in hardware mode
// get the one software fallback; any other unexpected exit is escalated to
// the owner via OnExit.
func (p *Pipeline) wait(cmd *exec.Cmd, forceSoftware bool) {
	err := cmd.Wait()

	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	fallback := !forceSoftware && p.cfg.Options.UseHardware && !p.retried &&
		time.Since(p.startedAt) < p.cfg.StartupWindow
	if fallback {
		p.retried = true
	}
	p.mu.Unlock()

	if fallback {
		p.log.Warn("transcoder exited during startup, retrying in software", slog.Any("error", err))
		if p.cfg.OnFallback != nil {
			p.cfg.OnFallback()
		}
		lerr := p.launch(true)
		if lerr == nil {
			return
		}
		err = lerr
	}

	p.log.Error("transcoder exited", slog.Any("error", err))
	if p.cfg.OnExit != nil {
		p.cfg.OnExit(err)
	}
}

// scanStderr exposes the process's diagnostic output as a line stream,
// filtering the hls muxer's per-segment notices and capturing crop-rectangle
// diagnostics for the side channel.
func (p *Pipeline) scanStderr(r io.Reader) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := sc.Text()
		if hlsOpeningLine.MatchString(line) {
			continue
		}
		if m := cropRect.FindStringSubmatch(line); m != nil {
			p.cropMu.Lock()
			p.crop = m[1]
			p.cropMu.Unlock()
		}
		p.log.Debug("ffmpeg", slog.String("line", line))
	}
}

// TakeCrop returns the most recent crop rectangle seen on stderr since the
// last call, clearing it. Used to attach crop metadata to the next segment
// boundary.
func (p *Pipeline) TakeCrop() (string, bool) {
	p.cropMu.Lock()
	defer p.cropMu.Unlock()
	crop := p.crop
	p.crop = ""
	return crop, crop != ""
}

// Stop kills the process. Exits caused by Stop are not reported via OnExit.
func (p *Pipeline) Stop() {
	p.mu.Lock()
	p.stopped = true
	cmd := p.cmd
	p.mu.Unlock()

	if cmd != nil && cmd.Process != nil {
		_ = cmd.Process.Kill()
	}
}
