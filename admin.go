package rwdns

import (
	"context"
	"encoding/json"
	"errors"
	"expvar"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"
)

// Read/Write timeout in the admin server
const adminServerTimeout = 10 * time.Second

// AdminListener serves metrics and a few maintenance endpoints over plain
// HTTP.
type AdminListener struct {
	id     string
	addr   string
	opt    AdminListenerOptions
	router *chi.Mux
	server *http.Server
}

// AdminListenerOptions contains the components the admin endpoints act on.
// Both are optional, endpoints for missing components respond with 404.
type AdminListenerOptions struct {
	// Rules reported by /rewritedns/rules
	Rules *RuleSet

	// Resolver whose cache is cleared by /rewritedns/cache/flush
	Cache ClearableResolver
}

// NewAdminListener returns an instance of an admin service listener.
func NewAdminListener(id, addr string, opt AdminListenerOptions) *AdminListener {
	l := &AdminListener{
		id:     id,
		addr:   addr,
		opt:    opt,
		router: chi.NewRouter(),
	}
	l.router.Use(middleware.Recoverer)
	l.router.Route("/rewritedns", func(r chi.Router) {
		r.Handle("/vars", expvar.Handler())
		if opt.Rules != nil {
			r.Get("/rules", l.getRules)
		}
		if opt.Cache != nil {
			r.Post("/cache/flush", l.flushCache)
		}
	})
	l.server = &http.Server{
		Addr:         addr,
		Handler:      l.router,
		ReadTimeout:  adminServerTimeout,
		WriteTimeout: adminServerTimeout,
	}
	return l
}

// Start the admin server. Blocks until the server is stopped, which is not
// reported as an error.
func (s *AdminListener) Start() error {
	Log.WithFields(logrus.Fields{"id": s.id, "protocol": "http", "addr": s.addr}).Info("starting listener")
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	defer ln.Close()
	if err := s.server.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop the server.
func (s *AdminListener) Stop(ctx context.Context) error {
	Log.WithFields(logrus.Fields{"id": s.id, "protocol": "http", "addr": s.addr}).Info("stopping listener")
	return s.server.Shutdown(ctx)
}

// Handler returns the HTTP handler with all admin routes.
func (s *AdminListener) Handler() http.Handler {
	return s.router
}

func (s *AdminListener) getRules(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(s.opt.Rules.Rules()); err != nil {
		Log.WithField("id", s.id).WithError(err).Debug("failed to write rules")
	}
}

func (s *AdminListener) flushCache(w http.ResponseWriter, r *http.Request) {
	s.opt.Cache.ClearCache()
	Log.WithFields(logrus.Fields{"id": s.id, "resolver": s.opt.Cache.String()}).Info("cache flushed")
	w.WriteHeader(http.StatusNoContent)
}

func (s *AdminListener) String() string {
	return s.id
}
