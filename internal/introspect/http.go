// Package introspect exposes a read-only JSON status surface over the
// connection table, the local counterpart to the client-facing protocol
// spec.md's Non-goals explicitly exclude from this daemon.
package introspect

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/veilnet/overlayd/internal/core"
	"github.com/veilnet/overlayd/internal/peer"
)

// ErrMissingIdentifier indicates a peer-detail request with no path
// segment after "/v1/peers/".
var ErrMissingIdentifier = errors.New("peer identifier must follow /v1/peers/")

// manager is the subset of *core.Manager introspect needs, narrowed so
// tests can supply a fake.
type manager interface {
	ForEachPeer(fn func(core.SessionSnapshot))
	LookupPeer(id peer.Identity) (core.SessionSnapshot, bool)
	TrafficStats() []core.TrafficSnapshot
}

// Server is a thin net/http adapter over a Manager's read-only Connection
// capability. Grounded on server/server.go's handler-per-operation shape,
// adapted from ConnectRPC handlers to plain net/http ones because the
// protobuf/ConnectRPC toolchain cannot be code-generated in this task.
type Server struct {
	manager manager
	logger  *slog.Logger
}

// New creates a Server and returns the mux it should be served behind.
func New(mgr manager, logger *slog.Logger) *Server {
	return &Server{
		manager: mgr,
		logger:  logger.With(slog.String("component", "introspect")),
	}
}

// Handler builds the http.Handler for this server's routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/peers", s.listPeers)
	mux.HandleFunc("GET /v1/peers/{id}", s.getPeer)
	mux.HandleFunc("GET /v1/traffic", s.trafficStats)
	return mux
}

// peerView is the JSON projection of a core.SessionSnapshot.
type peerView struct {
	Peer       string    `json:"peer"`
	Status     string    `json:"status"`
	MTU        int       `json:"mtu"`
	LastAlive  time.Time `json:"last_alive"`
	QueueDepth int       `json:"queue_depth"`
	Window     int64     `json:"window_bytes"`
	MaxBpm     int64     `json:"max_bpm"`
	Idealized  int64     `json:"idealized_bpm"`
	Violations int       `json:"violations"`
}

func toPeerView(s core.SessionSnapshot) peerView {
	return peerView{
		Peer:       s.Peer.Hex(),
		Status:     s.Status.String(),
		MTU:        s.MTU,
		LastAlive:  s.LastAlive,
		QueueDepth: s.QueueDepth,
		Window:     s.Window,
		MaxBpm:     s.MaxBpm,
		Idealized:  s.Idealized,
		Violations: s.Violations,
	}
}

// listPeers handles GET /v1/peers: every table entry regardless of FSM
// state, so an operator can see in-progress handshakes too.
func (s *Server) listPeers(w http.ResponseWriter, r *http.Request) {
	var views []peerView
	s.manager.ForEachPeer(func(snap core.SessionSnapshot) {
		views = append(views, toPeerView(snap))
	})
	writeJSON(w, http.StatusOK, views)
}

// getPeer handles GET /v1/peers/{id}, where id is the full 128-character
// hex identity (peer.Identity.Hex()).
func (s *Server) getPeer(w http.ResponseWriter, r *http.Request) {
	raw := r.PathValue("id")
	if raw == "" {
		s.writeError(w, http.StatusBadRequest, ErrMissingIdentifier)
		return
	}

	id, err := parseIdentity(raw)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}

	snap, ok := s.manager.LookupPeer(id)
	if !ok {
		s.writeError(w, http.StatusNotFound, errors.New("no such peer"))
		return
	}

	writeJSON(w, http.StatusOK, toPeerView(snap))
}

// trafficStats handles GET /v1/traffic: the rolling per-part-type
// message/byte/peer-count counters (supplemented from original source
// traffic.c, not a spec.md §6.3 operation).
func (s *Server) trafficStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.manager.TrafficStats())
}

func parseIdentity(raw string) (peer.Identity, error) {
	raw = strings.ToLower(strings.TrimSpace(raw))
	b, err := hex.DecodeString(raw)
	if err != nil {
		return peer.Identity{}, err
	}
	return peer.FromBytes(b)
}

func (s *Server) writeError(w http.ResponseWriter, status int, err error) {
	s.logger.Debug("introspect request failed", slog.Int("status", status), slog.String("error", err.Error()))
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
