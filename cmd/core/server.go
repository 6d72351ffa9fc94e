package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/dogtale/companion-core/internal/app"
	"github.com/dogtale/companion-core/internal/logging"
)

// newMux routes the local API: health, a status snapshot, the live event
// stream and, when enabled, prometheus metrics.
func newMux(a *app.App) *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("/api/health", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ok","service":"companion-core"}`))
	})

	mux.HandleFunc("/api/status", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		writeJSON(w, a.Status(r.Context()))
	})

	mux.Handle("/api/events", a.Events)

	if a.Metrics.Enabled() {
		mux.Handle("/metrics", a.Metrics.Handler())
	}
	return mux
}

// serve listens on addr until ctx ends.
func serve(ctx context.Context, addr string, a *app.App) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	srv := &http.Server{Handler: newMux(a), ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	logging.Info("Companion core listening", map[string]interface{}{"addr": ln.Addr().String(), "demo": a.Demo})
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
