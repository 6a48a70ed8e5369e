package web

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// StartWebServer starts the read-only status server in its own goroutines.
// It serves JSON snapshots of engine state plus the Prometheus registry and
// shuts down gracefully when ctx is cancelled.
func StartWebServer(ctx context.Context, controller AppController) {
	addr := controller.GetConfig().Web.ListenAddr

	router := mux.NewRouter()
	router.HandleFunc("/", statusHandler(controller)).Methods(http.MethodGet)
	router.HandleFunc("/positions", positionsHandler(controller)).Methods(http.MethodGet)
	router.HandleFunc("/positions/{symbol}", positionHandler(controller)).Methods(http.MethodGet)
	router.HandleFunc("/healthz", healthHandler).Methods(http.MethodGet)
	router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	server := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		controller.Logger().LogInfo("web: status server listening on %s", addr)
		if err := server.ListenAndServe(); err != http.ErrServerClosed {
			controller.Logger().LogError("web: server failed: %v", err)
		}
	}()

	go func() {
		<-ctx.Done()
		controller.Logger().LogInfo("web: shutting down status server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			controller.Logger().LogError("web: graceful shutdown failed: %v", err)
		}
	}()
}
