// Package api is the caller-facing HTTP surface of a node: who it is, who its
// peers are, which cars it knows about, and issuing new ones.
package api

import (
	"context"
	"net/http"
	"strings"

	"github.com/dbogatov/car-ledger/ledger"
	"github.com/dbogatov/car-ledger/protocol"
	"github.com/dbogatov/car-ledger/vault"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/op/go-logging"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var logger = logging.MustGetLogger("api")

// SetLogger ...
func SetLogger(l *logging.Logger) {
	logger = l
}

// Issuer starts issuance instances.
type Issuer interface {
	Issue(ctx context.Context, fields ledger.CarFields) (protocol.Result, error)
}

// Directory ...
type Directory interface {
	Peers(self ledger.Identity) []ledger.Identity
}

// Config ...
type Config struct {
	Self      ledger.Identity
	Directory Directory
	Store     vault.Store
	Issuer    Issuer
	Gatherer  prometheus.Gatherer

	RateLimitRPS   float64
	RateLimitBurst int
}

// Server ...
type Server struct {
	config  Config
	limiter *clientLimiter
}

// MakeServer ...
func MakeServer(config Config) *Server {
	if config.Gatherer == nil {
		config.Gatherer = prometheus.NewRegistry()
	}
	return &Server{
		config:  config,
		limiter: makeClientLimiter(config.RateLimitRPS, config.RateLimitBurst),
	}
}

// IssueRequest is the body of POST /issue.
type IssueRequest struct {
	VIN                string `json:"vin"`
	LicensePlateNumber string `json:"licensePlateNumber"`
	Make               string `json:"make"`
	Model              string `json:"model"`
	DealershipLocation string `json:"dealershipLocation"`
}

func (request IssueRequest) missing() (fields []string) {
	for _, field := range []struct {
		name  string
		value string
	}{
		{"vin", request.VIN},
		{"licensePlateNumber", request.LicensePlateNumber},
		{"make", request.Make},
		{"model", request.Model},
		{"dealershipLocation", request.DealershipLocation},
	} {
		if strings.TrimSpace(field.value) == "" {
			fields = append(fields, field.name)
		}
	}
	return
}

// Router ...
func (server *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/me", server.me)
	r.Get("/peers", server.peers)
	r.Get("/cars", server.cars)
	r.Get("/query", server.query)
	r.With(server.limiter.middleware).Post("/issue", server.issue)
	r.Handle("/metrics", promhttp.HandlerFor(server.config.Gatherer, promhttp.HandlerOpts{}))

	return r
}

func (server *Server) me(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"me": server.config.Self.Name})
}

func (server *Server) peers(w http.ResponseWriter, r *http.Request) {
	names := make([]string, 0)
	for _, peer := range server.config.Directory.Peers(server.config.Self) {
		names = append(names, peer.Name)
	}
	writeJSON(w, http.StatusOK, map[string]any{"peers": names})
}

func (server *Server) cars(w http.ResponseWriter, r *http.Request) {
	server.respondWithCars(w, r, vault.Criteria{})
}

func (server *Server) query(w http.ResponseWriter, r *http.Request) {
	vin := strings.TrimSpace(r.URL.Query().Get("vin"))
	if vin == "" {
		writeError(w, http.StatusBadRequest, CodeMissingField, "vin is required", "")
		return
	}
	server.respondWithCars(w, r, vault.Criteria{VIN: vin})
}

func (server *Server) respondWithCars(w http.ResponseWriter, r *http.Request, criteria vault.Criteria) {
	states, e := server.config.Store.Query(r.Context(), criteria)
	if e != nil {
		writeLedgerError(w, ledger.PersistenceError(server.config.Self.Name, e))
		return
	}
	writeJSON(w, http.StatusOK, vault.Project(states))
}

func (server *Server) issue(w http.ResponseWriter, r *http.Request) {
	var request IssueRequest
	if e := readJSON(r, &request); e != nil {
		writeError(w, http.StatusBadRequest, CodeBadJSON, e.Error(), "")
		return
	}
	if missing := request.missing(); len(missing) > 0 {
		writeError(w, http.StatusBadRequest, CodeMissingField, "missing "+strings.Join(missing, ", "), "")
		return
	}

	result, e := server.config.Issuer.Issue(r.Context(), ledger.CarFields{
		VIN:                request.VIN,
		LicensePlateNumber: request.LicensePlateNumber,
		Make:               request.Make,
		Model:              request.Model,
		DealershipLocation: request.DealershipLocation,
	})
	if e != nil {
		logger.Warningf("issue of %s failed: %v", request.VIN, e)
		writeLedgerError(w, e)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{"tx_id": result.TxID})
}
