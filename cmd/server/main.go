package main

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"hls-stitcher/internal/platform/config"
	"hls-stitcher/internal/platform/logger"
	"hls-stitcher/internal/platform/metrics"
	"hls-stitcher/internal/stitcher"

	"github.com/go-chi/chi/v5"
)

const shutdownTimeout = 10 * time.Second

func main() {
	_ = config.Load()

	port := config.GetEnv("PORT", "8080")
	logLevel := config.GetEnv("LOG_LEVEL", "info")
	logFormat := config.GetEnv("LOG_FORMAT", "json")
	decisionURL := config.GetEnv("DECISION_URL", "http://localhost:9090/decide")
	channelsFile := config.GetEnv("CHANNELS_FILE", "")

	opts := stitcher.Options{
		WindowSize:          config.GetEnvInt("WINDOW_SIZE", stitcher.DefaultWindowSize),
		RefreshInterval:     config.GetEnvDurationMs("REFRESH_INTERVAL_MS", stitcher.DefaultRefreshInterval),
		SnapTolerance:       config.GetEnvDurationMs("SNAP_TOLERANCE_MS", stitcher.DefaultSnapTolerance),
		MinTrailingSegments: config.GetEnvInt("MIN_TRAILING_SEGMENTS", stitcher.DefaultMinTrailingSegments),
		SnapRetryLimit:      config.GetEnvInt("SNAP_RETRY_LIMIT", stitcher.DefaultSnapRetryLimit),
		DecisionTimeout:     config.GetEnvDurationMs("DECISION_TIMEOUT_MS", stitcher.DefaultDecisionTimeout),
		OriginTimeout:       config.GetEnvDurationMs("ORIGIN_TIMEOUT_MS", stitcher.DefaultOriginTimeout),
	}

	log := logger.New(logLevel, logFormat)

	registry := stitcher.NewInMemoryRegistry()
	origin := stitcher.NewHTTPOriginFetcher(nil)
	decision := stitcher.NewHTTPDecisionClient(decisionURL, nil)
	met := metrics.New()
	svc := stitcher.NewService(registry, origin, decision, opts, log, met)
	defer svc.Close()

	if channelsFile != "" {
		if err := loadChannels(channelsFile, svc); err != nil {
			log.Error("loading channels file failed", "file", channelsFile, "error", err)
			os.Exit(1)
		}
	}

	h := stitcher.NewHandler(svc, log, met)

	r := chi.NewRouter()
	r.Use(logger.RequestLogger(log))
	r.Use(metrics.RequestMiddleware(met))
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		met.Handler(func() { met.SetActiveChannels(svc.ActiveChannelCount()) }).ServeHTTP(w, r)
	})
	r.Route("/channels", func(r chi.Router) {
		r.Post("/", h.RegisterChannel)
		r.Route("/{channel_id}", func(r chi.Router) {
			r.Post("/end", h.EndChannel)
			r.Get("/renditions/{rendition}/playlist.m3u8", h.GetPlaylist)
		})
	})

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
		"decision_url", decisionURL,
		"window_size", opts.WindowSize,
		"log_level", logLevel,
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	log.Info("shutdown signal received, draining connections")

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Error("shutdown error", "error", err)
		os.Exit(1)
	}

	log.Info("server stopped")
}

// loadChannels seeds the registry from a JSON file holding an array of
// channel configurations.
func loadChannels(path string, svc *stitcher.Service) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var cfgs []stitcher.ChannelConfig
	if err := json.Unmarshal(data, &cfgs); err != nil {
		return err
	}
	for _, cfg := range cfgs {
		if err := svc.RegisterChannel(cfg); err != nil {
			return err
		}
	}
	return nil
}
