// Package diagserver exposes /health, /ready, /live, and /metrics over
// a plain HTTP server, separate from the Nacos-compatible public
// listeners, for use by orchestrators and Prometheus scrapers.
// /health and /ready are backed by pkg/metrics's component health
// registry: this server refreshes the "raft" component from the Raft
// node on every request and marks "config"/"naming" ready as soon as
// it's constructed (those engines are live in memory from process
// start, unlike Raft which depends on leader election).
package diagserver

import (
	"context"
	"net/http"
	"time"

	"github.com/meridian-io/meridian/pkg/cluster"
	"github.com/meridian-io/meridian/pkg/metrics"
)

// Server provides the operational HTTP endpoints for a running node.
type Server struct {
	node *cluster.Node
	mux  *http.ServeMux
	srv  *http.Server
}

// NewServer builds a Server backed by node's Raft status.
func NewServer(node *cluster.Node) *Server {
	mux := http.NewServeMux()
	s := &Server{node: node, mux: mux}

	metrics.RegisterComponent("config", true, "")
	metrics.RegisterComponent("naming", true, "")

	mux.HandleFunc("/health", s.healthHandler)
	mux.HandleFunc("/ready", s.readyHandler)
	mux.Handle("/live", metrics.LivenessHandler())
	mux.Handle("/metrics", metrics.Handler())

	return s
}

// Start begins serving on addr. It blocks until the server stops.
func (s *Server) Start(addr string) error {
	s.srv = &http.Server{
		Addr:         addr,
		Handler:      s.mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Stop gracefully shuts the server down.
func (s *Server) Stop(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.refreshRaftComponent()
	metrics.HealthHandler()(w, r)
}

func (s *Server) readyHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.refreshRaftComponent()
	metrics.ReadyHandler()(w, r)
}

// refreshRaftComponent records this node's current Raft leadership
// state into the shared component registry immediately before serving
// a health or readiness check, since leadership can change between
// requests and there's no standing hashicorp/raft leadership-change
// callback to hook instead.
func (s *Server) refreshRaftComponent() {
	if s.node.IsLeader() {
		metrics.RegisterComponent("raft", true, "leader")
		return
	}
	if leader := s.node.LeaderAddr(); leader != "" {
		metrics.RegisterComponent("raft", true, "follower (leader: "+leader+")")
		return
	}
	metrics.RegisterComponent("raft", false, "no leader elected")
}
