package media

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"time"
)

// Sweeper removes expired session directories. Every live session rewrites
// its index file on a heartbeat; once a directory's index modification time
// falls behind MaxAge the whole session directory is deleted.
type Sweeper struct {
	root     string
	maxAge   time.Duration
	interval time.Duration
	log      *slog.Logger
}

// NewSweeper builds a sweeper over the media root.
func NewSweeper(root string, maxAge, interval time.Duration, log *slog.Logger) *Sweeper {
	return &Sweeper{root: root, maxAge: maxAge, interval: interval, log: log}
}

// Run sweeps immediately and then on the configured interval until the
// context is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	if err := s.Sweep(); err != nil {
		s.log.Error("media sweep failed", slog.String("error", err.Error()))
	}
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.Sweep(); err != nil {
				s.log.Error("media sweep failed", slog.String("error", err.Error()))
			}
		}
	}
}

// Sweep performs one pass over {root}/{app}/{id}/index files.
func (s *Sweeper) Sweep() error {
	matches, err := filepath.Glob(filepath.Join(s.root, "*", "*", "index"))
	if err != nil {
		return err
	}
	now := time.Now()
	for _, index := range matches {
		info, err := os.Stat(index)
		if err != nil {
			continue
		}
		if now.Sub(info.ModTime()) <= s.maxAge {
			continue
		}
		dir := filepath.Dir(index)
		if err := os.RemoveAll(dir); err != nil {
			s.log.Error("remove expired session failed",
				slog.String("dir", dir), slog.String("error", err.Error()))
			continue
		}
		s.log.Info("expired session removed", slog.String("dir", dir))
	}
	return nil
}
