package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
)

// DefaultPort is used for server URLs that do not name a port.
const DefaultPort = "8080"

// Listeners owns one chi router and one http.Server per listen address.
// Several server URLs that share a port share its router.
type Listeners struct {
	logger  zerolog.Logger
	order   []string
	routers map[string]chi.Router
	routes  map[string]bool

	mu      sync.Mutex
	servers map[string]*http.Server
	bound   map[string]string
}

// NewListeners creates an empty set of listeners.
func NewListeners(logger zerolog.Logger) *Listeners {
	return &Listeners{
		logger:  logger,
		routers: make(map[string]chi.Router),
		routes:  make(map[string]bool),
		servers: make(map[string]*http.Server),
		bound:   make(map[string]string),
	}
}

// Router returns the router for addr, creating it on first use.
func (l *Listeners) Router(addr string) chi.Router {
	if r, ok := l.routers[addr]; ok {
		return r
	}
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(accessLog(l.logger))
	l.routers[addr] = r
	l.order = append(l.order, addr)
	return r
}

// Claim reserves method+pattern on addr. It reports false when the route is
// already bound.
func (l *Listeners) Claim(addr, method, pattern string) bool {
	key := addr + " " + method + " " + pattern
	if l.routes[key] {
		return false
	}
	l.routes[key] = true
	return true
}

// Addrs returns the configured listen addresses in creation order.
func (l *Listeners) Addrs() []string {
	return append([]string(nil), l.order...)
}

// Handler returns the router of addr, or nil.
func (l *Listeners) Handler(addr string) http.Handler {
	if r, ok := l.routers[addr]; ok {
		return r
	}
	return nil
}

// Bound returns the actual address each configured address listens on.
// It is filled by Start; ":0" addresses show the chosen port.
func (l *Listeners) Bound() map[string]string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make(map[string]string, len(l.bound))
	for k, v := range l.bound {
		out[k] = v
	}
	return out
}

// Start binds every address and serves in the background. If any address
// fails to bind, the ones already started are closed.
func (l *Listeners) Start(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	var lc net.ListenConfig
	for _, addr := range l.order {
		ln, err := lc.Listen(ctx, "tcp", addr)
		if err != nil {
			for _, srv := range l.servers {
				_ = srv.Close()
			}
			return fmt.Errorf("listen %s: %w", addr, err)
		}

		srv := &http.Server{
			Handler:           l.routers[addr],
			ReadHeaderTimeout: 10 * time.Second,
		}
		l.servers[addr] = srv
		l.bound[addr] = ln.Addr().String()

		l.logger.Info().Str("addr", ln.Addr().String()).Msg("listening")
		go func(addr string) {
			if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				l.logger.Error().Err(err).Str("addr", addr).Msg("server error")
			}
		}(addr)
	}
	return nil
}

// Stop gracefully shuts every server down.
func (l *Listeners) Stop(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	addrs := make([]string, 0, len(l.servers))
	for addr := range l.servers {
		addrs = append(addrs, addr)
	}
	sort.Strings(addrs)

	var errs []error
	for _, addr := range addrs {
		if err := l.servers[addr].Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown %s: %w", addr, err))
		}
		delete(l.servers, addr)
	}
	return errors.Join(errs...)
}

// accessLog writes one zerolog line per request.
func accessLog(logger zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)

			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			event := logger.Debug()
			if status >= http.StatusInternalServerError {
				event = logger.Warn()
			}
			event.
				Str("request_id", middleware.GetReqID(r.Context())).
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", status).
				Int("bytes", ww.BytesWritten()).
				Dur("duration", time.Since(start)).
				Msg("request")
		})
	}
}

// WriteJSON writes v as a JSON response with the given status.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
