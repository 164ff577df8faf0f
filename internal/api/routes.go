package api

import (
	"net/http"

	"github.com/yniverz/edgeplane/internal/models"
)

func (s *Server) handleListRoutes(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid id")
		return
	}
	routes, err := s.Store.ListRoutesByDomain(id)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, routes)
}

func (s *Server) handleCreateRoute(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid id")
		return
	}
	if _, err := s.Store.GetDomainByID(id); err != nil {
		writeStoreError(w, err)
		return
	}
	route := models.Route{Active: true}
	if err := decodeJSON(r, &route); err != nil {
		writeError(w, http.StatusBadRequest, "invalid payload")
		return
	}
	route.ID = 0
	route.DomainID = id
	if err := s.Store.CreateRoute(&route); err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, route)
}

func (s *Server) handleUpdateRoute(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid id")
		return
	}
	var route models.Route
	if err := decodeJSON(r, &route); err != nil {
		writeError(w, http.StatusBadRequest, "invalid payload")
		return
	}
	route.ID = id
	if err := s.Store.UpdateRoute(&route); err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, route)
}

func (s *Server) handleDeleteRoute(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid id")
		return
	}
	if err := s.Store.DeleteRoute(id); err != nil {
		writeStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
