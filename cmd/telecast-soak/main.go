// SPDX-License-Identifier: MIT

// Package main implements the telecast-soak harness: it drives the playback
// engine through continuous load/fail/recover cycles against a scripted
// media element and reports engine state and metrics over HTTP.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/telecast-tv/telecast/internal/config"
	"github.com/telecast-tv/telecast/internal/engine"
	"github.com/telecast-tv/telecast/internal/log"
	"github.com/telecast-tv/telecast/internal/media/fake"
)

var (
	version   = "v0.2.0"
	commit    = "none"
	buildDate = "unknown"
)

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	configPath := flag.String("config", "", "path to config file (YAML)")
	duration := flag.Duration("duration", 0, "soak duration (0 = until interrupted)")
	failRate := flag.Float64("fail-rate", 0.5, "injected media failures per second")
	items := flag.Int("items", 8, "number of library items to cycle through")
	advance := flag.Duration("advance-every", 20*time.Second, "auto-advance interval between items")
	flag.Parse()

	if *showVersion {
		fmt.Printf("%s (commit: %s, built: %s)\n", version, commit, buildDate)
		os.Exit(0)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Configure(log.Config{Level: "info", Service: "telecast-soak"})
		lg := log.WithComponent("soak")
		lg.Fatal().Err(err).
			Str(log.FieldEvent, "config.load_failed").
			Msg("failed to load configuration")
	}
	log.Configure(log.Config{
		Level:   cfg.Log.Level,
		Service: "telecast-soak",
	})
	logger := log.WithComponent("soak")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if *duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, *duration)
		defer cancel()
	}

	el := fake.New()
	driver := newDriver(el, cfg, driverOptions{
		Items:        *items,
		FailRate:     *failRate,
		AdvanceEvery: *advance,
	})

	eng := engine.New(engine.Options{
		Element:   el,
		Resolver:  driver.resolver,
		Scheduler: driver,
		Config:    cfg,
		OnError: func(ae engine.AppError) {
			logger.Warn().
				Str(log.FieldErrorKind, ae.Code).
				Bool("recoverable", ae.Recoverable).
				Msg(ae.Message)
		},
	})
	if err := eng.Initialize(); err != nil {
		logger.Fatal().Err(err).Msg("engine initialization failed")
	}
	defer eng.Destroy()
	driver.engine = eng

	srv := &http.Server{
		Addr:              cfg.Diag.Addr,
		Handler:           newRouter(eng, driver),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info().Str("addr", cfg.Diag.Addr).Msg("diagnostics listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		return driver.Run(gctx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		logger.Fatal().Err(err).Msg("soak run failed")
	}
	logger.Info().Msg("soak run finished")
}

func newRouter(eng *engine.Engine, d *driver) http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.Recoverer)
	r.Use(httprate.LimitByIP(60, time.Minute))

	r.Handle("/metrics", promhttp.Handler())
	r.Get("/state", func(w http.ResponseWriter, req *http.Request) {
		st := eng.State()
		resp := map[string]any{
			"status":         st.Status,
			"position_ms":    st.Position.Milliseconds(),
			"duration_ms":    st.Duration.Milliseconds(),
			"buffer_percent": st.BufferPercent,
			"audio_track":    st.AudioTrack,
			"subtitle_track": st.SubtitleTrack,
			"item":           d.CurrentItem(),
			"cycles":         d.Cycles(),
			"failures":       d.InjectedFailures(),
		}
		if st.Err != nil {
			resp["error"] = st.Err.Error()
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	})
	return r
}
