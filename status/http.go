package status

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sort"
	"time"

	"github.com/go-chi/chi"
	"github.com/go-chi/chi/middleware"
)

// NewRouter builds the read-only HTTP interface.  metrics may be nil, in
// which case /metrics is not served.
//
//	GET /status     the latest Snapshot as JSON
//	GET /metrics    Prometheus exposition
//	GET /endpoints  list of routes
func NewRouter(rep *Reporter, metrics http.Handler) chi.Router {
	root := chi.NewRouter()
	root.Use(middleware.Recoverer)
	root.Use(middleware.Logger)

	routes := []string{"/status", "/endpoints"}
	root.Get("/status", func(w http.ResponseWriter, r *http.Request) {
		respondJSON(w, rep.Snapshot())
	})
	if metrics != nil {
		root.Method(http.MethodGet, "/metrics", metrics)
		routes = append(routes, "/metrics")
	}
	sort.Strings(routes)
	root.Get("/endpoints", func(w http.ResponseWriter, r *http.Request) {
		respondJSON(w, routes)
	})
	return root
}

func respondJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("error encoding response to json %q", err)
	}
}

// Serve listens on addr until ctx is done.  A failure to listen is logged
// and does not affect the control loop.
func Serve(ctx context.Context, addr string, h http.Handler) {
	srv := &http.Server{Addr: addr, Handler: h, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		srv.Shutdown(shutCtx)
	}()
	log.Println("status interface listening at", addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Printf("status interface stopped: %v", err)
	}
}
