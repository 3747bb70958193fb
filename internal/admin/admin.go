// Package admin implements the supervisor control surface (spec §6.5):
// an HTTP API accepting shutdown/isolate/suspend/resume/flush-dlr and
// per-connector stop/restart commands, plus status, metrics and a
// websocket status stream. There is no command that restarts the whole
// process; restart exists only per connector. Grounded on the teacher's own admin HTTP
// surface (cmd/cc-backend/server.go: serverInit/serverStart/serverShutdown)
// — gorilla/mux routing, gorilla/handlers CORS/Recovery/Compress
// middleware, TLS-then-DropPrivileges sequencing, bounded graceful
// shutdown — generalized from a GraphQL/auth frontend to a small JSON
// control API.
package admin

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kannelcore/bearerbox/internal/blog"
	"github.com/kannelcore/bearerbox/internal/runtimeenv"
	"github.com/kannelcore/bearerbox/internal/smsc"
	"github.com/kannelcore/bearerbox/internal/supervisor"
)

// Config configures the admin HTTP surface.
type Config struct {
	Addr         string
	User         string
	Group        string
	TLSCertFile  string
	TLSKeyFile   string
}

// Supervisor is the subset of internal/supervisor.Supervisor this package
// drives; kept as an interface so admin does not force every caller to
// depend on the concrete supervisor type.
type Supervisor interface {
	Isolate() string
	Suspend() string
	Resume() string
	Shutdown() string
	RestartSMSC(id string) string
	StopSMSC(id string) string
	FlushDLR() string
	State() supervisor.State
}

// PoolStatus is the subset of internal/smsc.Pool needed for /admin/status.
type PoolStatus interface {
	Status() []smsc.StatusSnapshot
}

// Server is the admin HTTP API.
type Server struct {
	cfg        Config
	supervisor Supervisor
	pool       PoolStatus

	router *mux.Router
	srv    *http.Server

	metrics *metrics
	upgrader websocket.Upgrader
}

type metrics struct {
	connectorsActive prometheus.Gauge
	smsReceived      prometheus.Counter
}

func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		connectorsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "bearerbox",
			Name:      "smsc_connectors_active",
			Help:      "Number of SMSC connectors currently Active.",
		}),
		smsReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "bearerbox",
			Name:      "sms_received_total",
			Help:      "Total inbound sms accepted across all connectors (sampled at scrape time).",
		}),
	}
	if err := reg.Register(m.connectorsActive); err != nil {
		are, ok := err.(prometheus.AlreadyRegisteredError)
		if !ok {
			panic(err)
		}
		m.connectorsActive = are.ExistingCollector.(prometheus.Gauge)
	}
	if err := reg.Register(m.smsReceived); err != nil {
		are, ok := err.(prometheus.AlreadyRegisteredError)
		if !ok {
			panic(err)
		}
		m.smsReceived = are.ExistingCollector.(prometheus.Counter)
	}
	return m
}

func New(cfg Config, sup Supervisor, pool PoolStatus) *Server {
	s := &Server{
		cfg:        cfg,
		supervisor: sup,
		pool:       pool,
		router:     mux.NewRouter(),
		metrics:    newMetrics(prometheus.DefaultRegisterer),
		upgrader:   websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }},
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	admin := s.router.PathPrefix("/admin").Subrouter()

	admin.HandleFunc("/shutdown", s.command(func() string { return s.supervisor.Shutdown() })).Methods(http.MethodPost)
	admin.HandleFunc("/isolate", s.command(func() string { return s.supervisor.Isolate() })).Methods(http.MethodPost)
	admin.HandleFunc("/suspend", s.command(func() string { return s.supervisor.Suspend() })).Methods(http.MethodPost)
	admin.HandleFunc("/resume", s.command(func() string { return s.supervisor.Resume() })).Methods(http.MethodPost)
	admin.HandleFunc("/flush-dlr", s.command(func() string { return s.supervisor.FlushDLR() })).Methods(http.MethodPost)

	admin.HandleFunc("/smsc/{id}/stop", func(w http.ResponseWriter, r *http.Request) {
		id := mux.Vars(r)["id"]
		s.writeStatus(w, s.supervisor.StopSMSC(id))
	}).Methods(http.MethodPost)
	admin.HandleFunc("/smsc/{id}/restart", func(w http.ResponseWriter, r *http.Request) {
		id := mux.Vars(r)["id"]
		s.writeStatus(w, s.supervisor.RestartSMSC(id))
	}).Methods(http.MethodPost)

	admin.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	admin.HandleFunc("/ws/status", s.handleStatusWS).Methods(http.MethodGet)
	admin.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	s.router.Use(handlers.CompressHandler)
	s.router.Use(handlers.RecoveryHandler(handlers.PrintRecoveryStack(true)))
	s.router.Use(handlers.CORS(
		handlers.AllowedHeaders([]string{"Content-Type"}),
		handlers.AllowedMethods([]string{"GET", "POST"}),
		handlers.AllowedOrigins([]string{"*"})))
}

func (s *Server) command(fn func() string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.writeStatus(w, fn())
	}
}

func (s *Server) writeStatus(w http.ResponseWriter, status string) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": status})
}

type statusResponse struct {
	State      string                `json:"state"`
	Connectors []smsc.StatusSnapshot `json:"connectors"`
}

func (s *Server) snapshot() statusResponse {
	conns := s.pool.Status()
	active := 0
	for _, c := range conns {
		if c.Status == smsc.StatusActive {
			active++
		}
	}
	s.metrics.connectorsActive.Set(float64(active))
	return statusResponse{State: s.supervisor.State().String(), Connectors: conns}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(s.snapshot())
}

// handleStatusWS streams the same status snapshot every second until the
// peer disconnects, for a live admin dashboard.
func (s *Server) handleStatusWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		blog.Warnf("admin: websocket upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for range ticker.C {
		if err := conn.WriteJSON(s.snapshot()); err != nil {
			return
		}
	}
}

// Start binds the listener, optionally wraps it in TLS, drops privileges
// (since admin typically binds a low port), and begins serving — mirroring
// the teacher's serverStart bind-then-drop-then-serve sequencing.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}

	if s.cfg.TLSCertFile != "" && s.cfg.TLSKeyFile != "" {
		cert, err := tls.LoadX509KeyPair(s.cfg.TLSCertFile, s.cfg.TLSKeyFile)
		if err != nil {
			return err
		}
		listener = tls.NewListener(listener, &tls.Config{
			Certificates: []tls.Certificate{cert},
			MinVersion:   tls.VersionTLS12,
		})
	}

	if err := runtimeenv.DropPrivileges(s.cfg.User, s.cfg.Group); err != nil {
		return err
	}

	s.srv = &http.Server{
		Handler:      s.router,
		ReadTimeout:  20 * time.Second,
		WriteTimeout: 20 * time.Second,
	}

	go func() {
		if err := s.srv.Serve(listener); err != nil && err != http.ErrServerClosed {
			blog.Errorf("admin: serve failed: %v", err)
		}
	}()
	blog.Infof("admin: listening on %s", s.cfg.Addr)
	return nil
}

// Shutdown gracefully stops the admin HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}
