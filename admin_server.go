package basp

import (
	"context"
	"encoding/json"
	"expvar"
	"log/slog"
	"net"
	"net/http"
	"net/http/pprof"
	"time"
)

// AdminServer exposes operational endpoints for a broker over HTTP.
// All responses are JSON. Intended for admin/internal networks only.
type AdminServer struct {
	broker   *Broker
	system   *ActorSystem
	server   *http.Server
	listener net.Listener
}

// NewAdminServer creates an AdminServer bound to the given address.
// The server is not started until Start() is called. system may be nil.
func NewAdminServer(broker *Broker, system *ActorSystem, addr string) (*AdminServer, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}

	mux := http.NewServeMux()
	as := &AdminServer{
		broker:   broker,
		system:   system,
		listener: ln,
		server: &http.Server{
			Handler:      mux,
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 60 * time.Second,
		},
	}

	mux.HandleFunc("/broker/status", as.handleStatus)
	mux.HandleFunc("/broker/routes", as.handleRoutes)
	mux.HandleFunc("/broker/proxies", as.handleProxies)
	mux.HandleFunc("/broker/connections", as.handleConnections)
	mux.HandleFunc("/broker/published", as.handlePublished)
	mux.HandleFunc("/actors", as.handleActors)
	mux.HandleFunc("/debug/vars", expvar.Handler().ServeHTTP)
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)

	return as, nil
}

// Addr returns the listener's address (useful when binding to ":0").
func (as *AdminServer) Addr() string {
	return as.listener.Addr().String()
}

// Start begins serving HTTP requests. Non-blocking.
func (as *AdminServer) Start() {
	go func() {
		if err := as.server.Serve(as.listener); err != nil && err != http.ErrServerClosed {
			slog.Error("admin server error", "error", err)
		}
	}()
	slog.Info("admin server started", "addr", as.Addr())
}

// Stop gracefully shuts down the admin server.
func (as *AdminServer) Stop() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	as.server.Shutdown(ctx)
}

// --- handlers ---

// statusResponse is the JSON structure for GET /broker/status.
type statusResponse struct {
	Node            string           `json:"node"`
	Connections     int              `json:"connections"`
	Routes          int              `json:"routes"`
	Blacklisted     int              `json:"blacklisted"`
	Proxies         int              `json:"proxies"`
	Published       int              `json:"published"`
	PendingRequests int              `json:"pending_requests"`
	RemoteHolders   int              `json:"remote_holders"`
	Actors          int              `json:"actors"`
	Metrics         map[string]int64 `json:"metrics"`
}

// snapshot fetches broker state, answering 503 when the broker is gone.
func (as *AdminServer) snapshot(w http.ResponseWriter, r *http.Request) (BrokerSnapshot, bool) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return BrokerSnapshot{}, false
	}
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	s, err := as.broker.Snapshot(ctx)
	if err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return BrokerSnapshot{}, false
	}
	return s, true
}

func (as *AdminServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	s, ok := as.snapshot(w, r)
	if !ok {
		return
	}
	resp := statusResponse{
		Node:            s.Node,
		Connections:     len(s.Connections),
		Routes:          len(s.Routes),
		Blacklisted:     s.Blacklisted,
		Proxies:         len(s.Proxies),
		Published:       len(s.Published),
		PendingRequests: s.PendingRequests,
		RemoteHolders:   s.RemoteHolders,
		Metrics:         as.broker.Metrics().Snapshot(),
	}
	if as.system != nil {
		resp.Actors = as.system.registry.Len()
	}
	writeJSON(w, resp)
}

type routesResponse struct {
	Routes      []RouteInfo `json:"routes"`
	Blacklisted int         `json:"blacklisted"`
}

func (as *AdminServer) handleRoutes(w http.ResponseWriter, r *http.Request) {
	s, ok := as.snapshot(w, r)
	if !ok {
		return
	}
	writeJSON(w, routesResponse{Routes: s.Routes, Blacklisted: s.Blacklisted})
}

type proxiesResponse struct {
	Proxies []ProxyInfo `json:"proxies"`
}

func (as *AdminServer) handleProxies(w http.ResponseWriter, r *http.Request) {
	s, ok := as.snapshot(w, r)
	if !ok {
		return
	}
	writeJSON(w, proxiesResponse{Proxies: s.Proxies})
}

type connectionsResponse struct {
	Connections []ConnectionInfo `json:"connections"`
}

func (as *AdminServer) handleConnections(w http.ResponseWriter, r *http.Request) {
	s, ok := as.snapshot(w, r)
	if !ok {
		return
	}
	writeJSON(w, connectionsResponse{Connections: s.Connections})
}

type publishedResponse struct {
	Published []PublishedInfo `json:"published"`
}

func (as *AdminServer) handlePublished(w http.ResponseWriter, r *http.Request) {
	s, ok := as.snapshot(w, r)
	if !ok {
		return
	}
	writeJSON(w, publishedResponse{Published: s.Published})
}

type actorsResponse struct {
	Actors []ActorInfo `json:"actors"`
}

func (as *AdminServer) handleActors(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	resp := actorsResponse{Actors: []ActorInfo{}}
	if as.system != nil {
		resp.Actors = as.system.Actors()
	}
	writeJSON(w, resp)
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("admin: json encode error", "error", err)
	}
}
