// Package api exposes the coordinator's RPC surface: the peering and
// informational services as JSON-over-HTTP endpoints and the stream
// channel as a websocket.
package api

import (
	"context"
	"net/http"
	"time"

	"grimm.is/peerd/internal/addr"
	"grimm.is/peerd/internal/clock"
	"grimm.is/peerd/internal/config"
	"grimm.is/peerd/internal/logging"
	"grimm.is/peerd/internal/metrics"
	"grimm.is/peerd/internal/ratelimit"
	"grimm.is/peerd/internal/registry"
	"grimm.is/peerd/internal/resolver"
	"grimm.is/peerd/internal/store"
	"grimm.is/peerd/internal/wire"
)

// Auth failure limits per source IP.
const (
	authFailureLimit  = 10
	authFailureWindow = time.Minute
)

// Server handles API requests.
type Server struct {
	cfg         *config.Config
	store       *store.Store
	registry    *registry.Registry
	log         *logging.Logger
	authLimiter *ratelimit.Limiter
	mux         *http.ServeMux
	http        *http.Server
}

// NewServer creates the API server and wires up its routes.
func NewServer(cfg *config.Config, st *store.Store, reg *registry.Registry) *Server {
	s := &Server{
		cfg:         cfg,
		store:       st,
		registry:    reg,
		log:         logging.WithComponent("api"),
		authLimiter: ratelimit.New(authFailureLimit, authFailureWindow),
		mux:         http.NewServeMux(),
	}
	reg.OnConnsChanged = metrics.Get().SetConnectedClients

	s.mux.Handle("POST /v1/port-range", s.rpc("SetPortRange", s.handleSetPortRange))
	s.mux.Handle("POST /v1/policies/list", s.rpc("ListPolicies", s.handleListPolicies))
	s.mux.Handle("POST /v1/policies/create", s.rpc("CreatePolicy", s.handleCreatePolicy))
	s.mux.Handle("POST /v1/policies/destroy", s.rpc("DestroyPolicy", s.handleDestroyPolicy))
	s.mux.Handle("POST /v1/policies/set", s.rpc("SetPolicies", s.handleSetPolicies))
	s.mux.Handle("POST /v1/owner/get", s.rpc("GetOwner", s.handleGetOwner))
	s.mux.Handle("POST /v1/owner/search", s.rpc("SearchOwner", s.handleSearchOwner))
	s.mux.Handle("GET /v1/stream", http.HandlerFunc(s.handleStream))

	// No WriteTimeout: the stream endpoint holds its connection open
	// indefinitely.
	s.http = &http.Server{
		Addr:              cfg.Listen,
		Handler:           s.authenticated(s.mux),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
		MaxHeaderBytes:    1 << 16,
	}
	return s
}

// Handler returns the authenticated root handler, for tests.
func (s *Server) Handler() http.Handler {
	return s.http.Handler
}

// ListenAndServe blocks serving requests until Shutdown is called.
func (s *Server) ListenAndServe() error {
	s.log.Info("listening", "addr", s.http.Addr)
	return s.http.ListenAndServe()
}

// Shutdown drains the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

// rpc wraps a handler with status-error mapping and RPC metrics.
func (s *Server) rpc(method string, h func(http.ResponseWriter, *http.Request) error) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := clock.Now()
		err := h(w, r)
		code := wire.CodeOK
		if err != nil {
			code = writeError(w, err)
			s.log.Warn("rpc failed", "method", method, "code", string(code), "err", err)
		}
		metrics.Get().RecordRPC(method, string(code), clock.Now().Sub(start).Seconds())
	})
}

// deliver fans post-commit notifications out to the affected ASes.
func (s *Server) deliver(notifs []resolver.Notification) {
	for _, n := range notifs {
		switch {
		case n.LinkUpdate != nil:
			s.registry.SendLinkUpdate(n.ASN, n.LinkUpdate)
		case n.Error != nil:
			s.registry.SendAsyncError(n.ASN, n.Error)
		}
	}
}

// storeDirectory adapts the store to the registry's Directory.
type storeDirectory struct {
	s *store.Store
}

// StoreDirectory returns a registry directory backed by the store.
func StoreDirectory(s *store.Store) registry.Directory {
	return &storeDirectory{s: s}
}

func (d *storeDirectory) ClientVLANs(ctx context.Context, asn addr.ASN, client string) ([]string, error) {
	var vlans []string
	err := d.s.ReadTx(ctx, func(tx *store.Tx) error {
		if _, err := tx.GetClient(asn, client); err != nil {
			return err
		}
		var err error
		vlans, err = tx.ClientVLANs(asn, client)
		return err
	})
	if err != nil {
		return nil, err
	}
	return vlans, nil
}
