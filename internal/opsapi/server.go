// Package opsapi serves the simulator's operational HTTP surface: health,
// Prometheus metrics, constellation snapshots and a live websocket feed of
// status events.
package opsapi

import (
	"context"
	"encoding/json"
	"net/http"
	"slices"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/signalsfoundry/leo-relay-simulator/core"
	"github.com/signalsfoundry/leo-relay-simulator/internal/events"
	"github.com/signalsfoundry/leo-relay-simulator/internal/logging"
	"github.com/signalsfoundry/leo-relay-simulator/model"
)

const writeWait = 5 * time.Second

// Topology is the constellation view the API reports.
type Topology interface {
	Snapshot() []model.SatelliteNode
	Route(src, dst int) (model.Route, bool)
	Geometry() core.Geometry
}

// Registry lists satellite endpoints.
type Registry interface {
	List() []model.Endpoint
}

// Option configures a Server.
type Option func(*Server)

// WithTopology enables the topology and route endpoints.
func WithTopology(t Topology) Option {
	return func(s *Server) { s.topology = t }
}

// WithRegistry enables the registry endpoint.
func WithRegistry(r Registry) Option {
	return func(s *Server) { s.registry = r }
}

// WithEvents enables the websocket event stream.
func WithEvents(h *events.Hub) Option {
	return func(s *Server) { s.hub = h }
}

// WithMetrics mounts a Prometheus handler at /metrics.
func WithMetrics(h http.Handler) Option {
	return func(s *Server) { s.metrics = h }
}

// WithRadio sets the RF parameters used for ISL quality estimates.
func WithRadio(r core.Radio) Option {
	return func(s *Server) { s.radio = r }
}

// WithLogger attaches a logger.
func WithLogger(l logging.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.log = l
		}
	}
}

// Server routes the ops endpoints.
type Server struct {
	router   *mux.Router
	upgrader websocket.Upgrader

	topology Topology
	registry Registry
	hub      *events.Hub
	metrics  http.Handler
	radio    core.Radio
	log      logging.Logger
}

// New builds the router. Endpoints whose backing component was not supplied
// answer 503.
func New(opts ...Option) *Server {
	s := &Server{
		router: mux.NewRouter(),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		log: logging.Noop(),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.router.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	if s.metrics != nil {
		s.router.Handle("/metrics", s.metrics).Methods(http.MethodGet)
	}

	api := s.router.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/topology", s.handleTopology).Methods(http.MethodGet)
	api.HandleFunc("/routes/{src:[0-9]+}/{dst:[0-9]+}", s.handleRoute).Methods(http.MethodGet)
	api.HandleFunc("/registry", s.handleRegistry).Methods(http.MethodGet)
	api.HandleFunc("/events", s.handleEvents)
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// ListenAndServe serves on addr until ctx ends.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s,
		ReadHeaderTimeout: 15 * time.Second,
	}
	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()
	s.log.Info(ctx, "serving ops API", logging.String("addr", addr))

	select {
	case err := <-errc:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

// SatelliteView is one satellite in the topology response.
type SatelliteView struct {
	ID           int               `json:"id"`
	Position     model.GeoPosition `json:"position"`
	Neighbors    []int             `json:"neighbors"`
	RoutingTable map[string]int    `json:"routing_table"`
	LastUpdate   time.Time         `json:"last_update"`
}

// LinkView is one inter-satellite link in the topology response.
type LinkView struct {
	A        int               `json:"a"`
	B        int               `json:"b"`
	Estimate core.LinkEstimate `json:"estimate"`
}

// TopologyView is the /api/v1/topology response body.
type TopologyView struct {
	Satellites []SatelliteView `json:"satellites"`
	Links      []LinkView      `json:"links"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleTopology(w http.ResponseWriter, r *http.Request) {
	if s.topology == nil {
		http.Error(w, "topology unavailable", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, s.topologyView())
}

func (s *Server) topologyView() TopologyView {
	nodes := s.topology.Snapshot()
	g := s.topology.Geometry()
	view := TopologyView{
		Satellites: make([]SatelliteView, 0, len(nodes)),
		Links:      []LinkView{},
	}
	for _, n := range nodes {
		sv := SatelliteView{
			ID:           n.ID,
			Position:     n.Position,
			Neighbors:    []int{},
			RoutingTable: make(map[string]int, len(n.RoutingTable)),
			LastUpdate:   n.LastUpdate,
		}
		for dst, next := range n.RoutingTable {
			sv.RoutingTable[strconv.Itoa(dst)] = next
		}
		for _, nb := range sortedIDs(n.Neighbors) {
			sv.Neighbors = append(sv.Neighbors, nb)
			if nb <= n.ID {
				continue
			}
			d := core.SatelliteToSatelliteKm(n.Position, n.Neighbors[nb], g)
			view.Links = append(view.Links, LinkView{A: n.ID, B: nb, Estimate: core.EstimateLink(s.radio, d)})
		}
		view.Satellites = append(view.Satellites, sv)
	}
	return view
}

func (s *Server) handleRoute(w http.ResponseWriter, r *http.Request) {
	if s.topology == nil {
		http.Error(w, "topology unavailable", http.StatusServiceUnavailable)
		return
	}
	vars := mux.Vars(r)
	src, err := strconv.Atoi(vars["src"])
	if err != nil {
		http.Error(w, "invalid source", http.StatusBadRequest)
		return
	}
	dst, err := strconv.Atoi(vars["dst"])
	if err != nil {
		http.Error(w, "invalid destination", http.StatusBadRequest)
		return
	}
	route, ok := s.topology.Route(src, dst)
	if !ok {
		http.Error(w, "no route", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, route)
}

func (s *Server) handleRegistry(w http.ResponseWriter, r *http.Request) {
	if s.registry == nil {
		http.Error(w, "registry unavailable", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, s.registry.List())
}

// handleEvents upgrades to a websocket, replays recent events and then
// streams new ones until the client goes away.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.hub == nil {
		http.Error(w, "events unavailable", http.StatusServiceUnavailable)
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn(r.Context(), "websocket upgrade failed", logging.Err(err))
		return
	}
	defer conn.Close()

	ch, cancel := s.hub.Subscribe(64)
	defer cancel()

	// The read side only detects the client closing.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	s.log.Debug(r.Context(), "event client connected", logging.String("remote", r.RemoteAddr))
	for _, ev := range s.hub.Recent() {
		if err := writeEvent(conn, ev); err != nil {
			return
		}
	}
	for {
		select {
		case <-closed:
			s.log.Debug(r.Context(), "event client disconnected", logging.String("remote", r.RemoteAddr))
			return
		case <-r.Context().Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if err := writeEvent(conn, ev); err != nil {
				s.log.Debug(r.Context(), "websocket write failed", logging.Err(err))
				return
			}
		}
	}
}

func writeEvent(conn *websocket.Conn, ev events.Event) error {
	if err := conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return conn.WriteJSON(ev)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func sortedIDs(m map[int]model.GeoPosition) []int {
	ids := make([]int, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}
