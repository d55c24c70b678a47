// Entry point for the storysync service: the offline-first sync core
// exposed over a small chi API. The cache interceptor wraps the outbound
// transport, the reconciler drains the offline queue on reconnect, and
// /status reports connectivity, queue depth and cache generations.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	_ "modernc.org/sqlite"

	"github.com/hazyhaar/storysync/cachelayer"
	"github.com/hazyhaar/storysync/config"
	"github.com/hazyhaar/storysync/connectivity"
	"github.com/hazyhaar/storysync/dbopen"
	"github.com/hazyhaar/storysync/gateway"
	"github.com/hazyhaar/storysync/notify"
	"github.com/hazyhaar/storysync/obs"
	"github.com/hazyhaar/storysync/queue"
	"github.com/hazyhaar/storysync/reconcile"
	"github.com/hazyhaar/storysync/store"
)

func main() {
	port := env("PORT", "8090")
	cfgPath := env("CONFIG", "storysync.yaml")
	logLevel := env("LOG_LEVEL", "info")

	// Logging.
	var lvl slog.Level
	switch logLevel {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
	slog.SetDefault(logger)

	// Signal context.
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	cfg, err := config.LoadFile(cfgPath)
	if err != nil {
		slog.Error("config", "error", err)
		os.Exit(1)
	}

	db, err := dbopen.Open(cfg.DB, dbopen.WithMkdirAll(),
		dbopen.WithSchema(store.Schema),
		dbopen.WithSchema(queue.Schema),
		dbopen.WithSchema(cachelayer.Schema),
		dbopen.WithSchema(obs.Schema),
	)
	if err != nil {
		slog.Error("db", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	metrics := obs.NewRecorder(db, 100, 5*time.Second)
	defer metrics.Close()

	// Cache-interception layer: one generation per purpose, versioned
	// together by cache.version.
	gens := cachelayer.Generations{
		Static:    "static-" + cfg.Cache.Version,
		Tiles:     "tiles-" + cfg.Cache.Version,
		APIImages: "api-images-" + cfg.Cache.Version,
	}
	policy := cachelayer.Policy{
		Origin:   cfg.Origin,
		APIHost:  cfg.API.Host,
		TileHost: cfg.Tiles.Host,
	}
	cacheStore := cachelayer.NewStore(db)
	interceptor := cachelayer.NewInterceptor(cacheStore, policy, gens, cfg.Cache.Manifest,
		cachelayer.WithShell(cfg.Cache.Shell),
		cachelayer.WithPlaceholders(cfg.Cache.Placeholders...),
		cachelayer.WithMetrics(metrics),
	)
	if err := interceptor.Install(ctx); err != nil {
		slog.Error("cache install", "error", err)
		os.Exit(1)
	}
	if err := interceptor.Activate(ctx); err != nil {
		// Stale generations survive until the next activation; not fatal.
		slog.Warn("cache activate", "error", err)
	}

	// Outbound client: everything flows through the interceptor.
	httpClient := &http.Client{Transport: interceptor, Timeout: 60 * time.Second}

	monitor := connectivity.NewMonitor(cfg.Probe.URL)
	go monitor.Watch(ctx, cfg.Probe.Interval.Std())

	breaker := connectivity.NewCircuitBreaker()
	gw := gateway.New(cfg.API.Base,
		gateway.WithHTTPClient(httpClient),
		gateway.WithBreaker(breaker),
	)

	st := store.New(db, store.WithClient(httpClient))
	q := queue.New(db)

	// Token storage is presentation glue; the core reads it from the
	// environment for background replays.
	tokens := func() string { return os.Getenv("API_TOKEN") }

	rec := reconcile.New(q, st, gw, monitor, tokens,
		reconcile.WithBackoff(reconcile.Backoff{
			Base:        cfg.Retry.Base.Std(),
			Cap:         cfg.Retry.Cap.Std(),
			Jitter:      cfg.Retry.Jitter,
			MaxAttempts: cfg.Retry.MaxAttempts,
		}),
		reconcile.WithMetrics(metrics),
	)
	go rec.Run(ctx)

	notifier := notify.NewDispatcher([]notify.Sink{notify.SlogSink{}})

	r := chi.NewRouter()

	r.Get("/status", func(w http.ResponseWriter, req *http.Request) {
		depth, _ := q.Len(req.Context())
		generations, _ := cacheStore.Generations(req.Context())
		writeJSON(w, http.StatusOK, map[string]any{
			"online":      monitor.Online(),
			"cache_state": interceptor.State().String(),
			"queue_depth": depth,
			"generations": generations,
		})
	})

	r.Get("/stories", func(w http.ResponseWriter, req *http.Request) {
		listing, err := rec.Stories(req.Context(), bearerToken(req))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, listing)
	})

	r.Post("/stories", func(w http.ResponseWriter, req *http.Request) {
		ns, err := parseSubmission(req)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": true, "message": err.Error()})
			return
		}
		story, queued, err := rec.Submit(req.Context(), ns, bearerToken(req))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{
			"error":  false,
			"queued": queued,
			"story":  story,
		})
	})

	r.Post("/notify", func(w http.ResponseWriter, req *http.Request) {
		raw, err := io.ReadAll(io.LimitReader(req.Body, 64<<10))
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": true, "message": "unreadable payload"})
			return
		}
		notifier.Dispatch(req.Context(), raw)
		w.WriteHeader(http.StatusAccepted)
	})

	srv := &http.Server{
		Addr:              ":" + port,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		slog.Info("server starting", "port", port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown", "error", err)
	}
	slog.Info("server stopped")
}

// parseSubmission builds a NewStory from a multipart form, mirroring the
// upstream service's own form shape.
func parseSubmission(req *http.Request) (gateway.NewStory, error) {
	if err := req.ParseMultipartForm(12 << 20); err != nil {
		return gateway.NewStory{}, errors.New("expected multipart form")
	}
	ns := gateway.NewStory{
		Name:        req.FormValue("name"),
		Description: req.FormValue("description"),
	}
	if ns.Description == "" {
		return gateway.NewStory{}, errors.New("description is required")
	}
	if v := req.FormValue("lat"); v != "" {
		lat, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return gateway.NewStory{}, errors.New("lat is not a number")
		}
		ns.Lat = &lat
	}
	if v := req.FormValue("lon"); v != "" {
		lon, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return gateway.NewStory{}, errors.New("lon is not a number")
		}
		ns.Lon = &lon
	}
	if file, header, err := req.FormFile("photo"); err == nil {
		defer file.Close()
		photo, err := io.ReadAll(io.LimitReader(file, 10<<20))
		if err != nil {
			return gateway.NewStory{}, errors.New("unreadable photo")
		}
		ns.Photo = photo
		ns.PhotoName = header.Filename
	}
	return ns, nil
}

// writeError maps core errors onto the API's {error, message} shape.
// Remote validation messages pass through verbatim.
func writeError(w http.ResponseWriter, err error) {
	var apiErr *gateway.APIError
	if errors.As(err, &apiErr) {
		status := apiErr.Status
		if status < 400 {
			status = http.StatusBadGateway
		}
		writeJSON(w, status, map[string]any{"error": true, "message": apiErr.Message})
		return
	}
	var open *gateway.ErrCircuitOpen
	if errors.As(err, &open) {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"error": true, "message": "remote service unavailable"})
		return
	}
	writeJSON(w, http.StatusBadGateway, map[string]any{"error": true, "message": err.Error()})
}

func bearerToken(req *http.Request) string {
	h := req.Header.Get("Authorization")
	if strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return ""
}

func env(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
