package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"hls-media-server/internal/ingest"
	"hls-media-server/internal/media"
	"hls-media-server/internal/platform/config"
	"hls-media-server/internal/platform/logger"
	"hls-media-server/internal/platform/metrics"
	"hls-media-server/internal/session"

	"github.com/go-chi/chi/v5"
)

const shutdownTimeout = 10 * time.Second

// liveLookup adapts the session registry to the delivery handler.
type liveLookup struct {
	mgr *session.Manager
}

func (l liveLookup) Lookup(id string) (media.LiveSession, bool) {
	c, ok := l.mgr.Lookup(id)
	if !ok {
		return nil, false
	}
	return c, true
}

func main() {
	_ = config.Load()

	port := config.GetEnv("PORT", "8080")
	mediaRoot := config.GetEnv("MEDIA_ROOT", "media")
	logLevel := config.GetEnv("LOG_LEVEL", "info")
	logFormat := config.GetEnv("LOG_FORMAT", "json")

	log := logger.New(logLevel, logFormat)

	if err := os.MkdirAll(mediaRoot, 0o755); err != nil {
		log.Error("create media root", "error", err)
		os.Exit(1)
	}

	sessionCfg := session.Config{
		MediaRoot:         mediaRoot,
		PublicBaseURL:     config.GetEnv("PUBLIC_BASE_URL", "http://localhost:"+port),
		FFmpegPath:        config.GetEnv("FFMPEG_PATH", "ffmpeg"),
		RTMPPort:          config.GetEnvInt("RTMP_PORT", 1935),
		SegmentDuration:   config.GetEnvFloat("HLS_SEGMENT_DURATION", 2),
		KeyframeInterval:  config.GetEnvFloat("KEYFRAME_INTERVAL", 2),
		ListSize:          config.GetEnvInt("HLS_LIST_SIZE", 6),
		MaxWindowDuration: config.GetEnvFloat("HLS_MAX_DURATION", 120),
		UseHardware:       config.GetEnvBool("USE_HARDWARE", false),
		HWAccel:           config.GetEnv("FFMPEG_HWACCEL", "cuda"),
		HWEncoder:         config.GetEnv("FFMPEG_HWENC", "nvenc"),
		UseHEVC:           config.GetEnvBool("USE_HEVC", false),
		PollInterval:      config.GetEnvDuration("PLAYLIST_POLL_INTERVAL", 500*time.Millisecond),
		FetchTimeout:      config.GetEnvDuration("FETCH_TIMEOUT", 60*time.Second),
		DetectionTimeout:  config.GetEnvDuration("DETECTION_TIMEOUT", 20*time.Second),
		ThumbnailInterval: config.GetEnvDuration("THUMBNAIL_INTERVAL", time.Minute),
	}

	met := metrics.New()
	mgr := session.NewManager(sessionCfg, log, met)

	blocklist, err := ingest.LoadBlocklist(config.GetEnv("BLOCKLIST_PATH", "blocklist"))
	if err != nil {
		log.Error("load blocklist", "error", err)
		os.Exit(1)
	}
	gateway := ingest.NewGateway(mgr, blocklist, nil, log)
	hooks := ingest.NewHooks(gateway, log)
	handler := media.NewHandler(liveLookup{mgr: mgr}, mediaRoot, log, met)

	r := chi.NewRouter()
	r.Use(logger.RequestLogger(log))
	r.Use(metrics.RequestMiddleware(met))
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		met.Handler(func() { met.SetActiveSessions(mgr.Count()) }).ServeHTTP(w, r)
	})
	r.Mount("/hooks", hooks.Routes())
	r.Mount("/media", handler.Routes())

	sweepCtx, stopSweep := context.WithCancel(context.Background())
	sweeper := media.NewSweeper(
		mediaRoot,
		config.GetEnvDuration("MEDIA_EXPIRE_TIME", 14*24*time.Hour),
		config.GetEnvDuration("MEDIA_SWEEP_INTERVAL", time.Hour),
		log,
	)
	go sweeper.Run(sweepCtx)

	addr := ":" + port
	srv := &http.Server{Addr: addr, Handler: r}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	log.Info("server starting",
		"port", port,
		"media_root", mediaRoot,
		"segment_duration", sessionCfg.SegmentDuration,
		"hls_list_size", sessionCfg.ListSize,
		"log_level", logLevel,
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	log.Info("shutdown signal received, ending live sessions")

	mgr.StopAll()
	stopSweep()

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Error("shutdown error", "error", err)
		os.Exit(1)
	}

	log.Info("server stopped")
}
