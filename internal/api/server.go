// Package api exposes the HTTP control surface: configuration CRUD, the
// publish trigger, and config pull endpoints for gateway nodes.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/sirupsen/logrus"

	"github.com/yniverz/edgeplane/internal/config"
	"github.com/yniverz/edgeplane/internal/dnssync"
	"github.com/yniverz/edgeplane/internal/job"
	"github.com/yniverz/edgeplane/internal/models"
	"github.com/yniverz/edgeplane/internal/store"
)

// DelegationProber checks whether a zone's name servers point at the
// provider.
type DelegationProber interface {
	Check(ctx context.Context, zone string) (dnssync.Delegation, error)
}

// Server holds routing dependencies.
type Server struct {
	Config *config.Config
	Store  store.Store
	Runner *job.Runner
	Prober DelegationProber
	Log    *logrus.Entry
}

// Routes constructs the HTTP router.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"http://*", "https://*"},
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowedHeaders:   []string{"Accept", "Content-Type", "X-Gateway-Token"},
		AllowCredentials: false,
		MaxAge:           300,
	}))
	r.Use(httprate.LimitByIP(300, time.Minute))

	r.Get("/healthz", s.handleHealthz)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/domains", s.handleListDomains)
		r.Post("/domains", s.handleCreateDomain)
		r.Put("/domains/{id}", s.handleUpdateDomain)
		r.Delete("/domains/{id}", s.handleDeleteDomain)
		r.Get("/domains/{id}/delegation", s.handleDomainDelegation)

		r.Get("/domains/{id}/records", s.handleListRecords)
		r.Post("/domains/{id}/records", s.handleCreateRecord)
		r.Put("/records/{id}", s.handleUpdateRecord)
		r.Delete("/records/{id}", s.handleDeleteRecord)

		r.Get("/domains/{id}/routes", s.handleListRoutes)
		r.Post("/domains/{id}/routes", s.handleCreateRoute)
		r.Put("/routes/{id}", s.handleUpdateRoute)
		r.Delete("/routes/{id}", s.handleDeleteRoute)

		r.Post("/publish", s.handlePublish)
		r.Get("/publish/status", s.handlePublishStatus)

		r.Route("/gateway", func(r chi.Router) {
			r.Get("/server/{name}", s.handleGatewayServerConfig)
			r.Get("/client/{name}", s.handleGatewayClientConfig)
		})
	})

	return r
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeStoreError maps store and validation failures onto HTTP statuses.
func writeStoreError(w http.ResponseWriter, err error) {
	var ev models.ErrValidation
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case errors.As(err, &ev):
		writeError(w, http.StatusBadRequest, ev.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func decodeJSON(r *http.Request, v interface{}) error {
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}
