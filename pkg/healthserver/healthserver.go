// Package healthserver is the small ops HTTP surface this repo owns:
// /healthz (build provenance plus per-chain Ingestor state) and
// /chains/{id}/status, read by ethhookctl and by external uptime checks.
// Grounded on cmd/api/main.go's router wiring (gorilla/mux,
// otelhttp-wrapped handlers) and cmd/api/controllers/system.go's
// ServiceError JSON envelope convention.
package healthserver

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
	logger "github.com/rs/zerolog/log"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/ethhook/ethhook/buildinfo"
	"github.com/ethhook/ethhook/internal/ethhook"
	"github.com/ethhook/ethhook/pkg/errors"
)

// Server is the ops HTTP surface: /healthz and /chains/{id}/status. Chain
// states are accepted as fmt.Stringer (ingestor.State already implements
// it) rather than importing pkg/ingestor, keeping the dependency direction
// from ingestor -> healthserver instead of the reverse.
type Server struct {
	chains map[ethhook.ChainID]fmt.Stringer
	log    zerolog.Logger
	srv    *http.Server
}

// New returns a Server reporting the state of each chain in chains.
func New(addr string, chains map[ethhook.ChainID]fmt.Stringer) *Server {
	s := &Server{
		chains: chains,
		log:    logger.With().Str("component", "healthserver").Logger(),
	}

	r := mux.NewRouter()
	r.HandleFunc("/healthz", s.handleHealthz).Methods(http.MethodGet)
	r.HandleFunc("/chains/{id}/status", s.handleChainStatus).Methods(http.MethodGet)

	s.srv = &http.Server{
		Addr:         addr,
		Handler:      otelhttp.NewHandler(r, "healthserver"),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Serve starts the HTTP listener; it blocks until Shutdown is called, at
// which point it returns http.ErrServerClosed.
func (s *Server) Serve() error {
	s.log.Info().Str("addr", s.srv.Addr).Msg("starting ops http server")
	return s.srv.ListenAndServe()
}

// Shutdown gracefully stops the HTTP listener.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

type healthzResponse struct {
	Status string            `json:"status"`
	Build  buildinfo.Summary `json:"build"`
	Chains map[string]string `json:"chains"`
}

func (s *Server) handleHealthz(rw http.ResponseWriter, r *http.Request) {
	rw.Header().Set("Content-Type", "application/json")

	chains := make(map[string]string, len(s.chains))
	for id, state := range s.chains {
		chains[strconv.FormatUint(uint64(id), 10)] = state.String()
	}

	rw.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(rw).Encode(healthzResponse{
		Status: "ok",
		Build:  buildinfo.GetSummary(),
		Chains: chains,
	})
}

func (s *Server) handleChainStatus(rw http.ResponseWriter, r *http.Request) {
	rw.Header().Set("Content-Type", "application/json")
	vars := mux.Vars(r)

	chainIDRaw, err := strconv.ParseUint(vars["id"], 10, 64)
	if err != nil {
		rw.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(rw).Encode(errors.ServiceError{Message: "invalid chain id"})
		return
	}

	state, ok := s.chains[ethhook.ChainID(chainIDRaw)]
	if !ok {
		rw.WriteHeader(http.StatusNotFound)
		_ = json.NewEncoder(rw).Encode(errors.ServiceError{Message: "unknown chain id"})
		return
	}

	rw.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(rw).Encode(map[string]string{"state": state.String()})
}
