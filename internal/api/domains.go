package api

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/yniverz/edgeplane/internal/models"
	"github.com/yniverz/edgeplane/internal/store"
)

func idParam(r *http.Request) (uint, bool) {
	raw := chi.URLParam(r, "id")
	id, err := strconv.ParseUint(raw, 10, 32)
	if err != nil || id == 0 {
		return 0, false
	}
	return uint(id), true
}

func (s *Server) handleListDomains(w http.ResponseWriter, r *http.Request) {
	domains, err := s.Store.ListDomains()
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, domains)
}

func (s *Server) handleCreateDomain(w http.ResponseWriter, r *http.Request) {
	domain := models.Domain{DNSProxyEnabled: true}
	if err := decodeJSON(r, &domain); err != nil {
		writeError(w, http.StatusBadRequest, "invalid payload")
		return
	}
	domain.ID = 0
	if err := s.Store.CreateDomain(&domain); err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, domain)
}

func (s *Server) handleUpdateDomain(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid id")
		return
	}
	existing, err := s.Store.GetDomainByID(id)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	// decode over the stored row so a partial payload keeps the
	// untouched fields
	domain := existing
	if err := decodeJSON(r, &domain); err != nil {
		writeError(w, http.StatusBadRequest, "invalid payload")
		return
	}
	domain.ID = existing.ID
	if err := s.Store.UpdateDomain(&domain); err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, domain)
}

func (s *Server) handleDeleteDomain(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid id")
		return
	}
	if err := s.Store.DeleteDomain(id); err != nil {
		writeStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDomainDelegation(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid id")
		return
	}
	domain, err := s.Store.GetDomainByID(id)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	delegation, err := s.Prober.Check(r.Context(), domain.Name)
	if err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, delegation)
}

func (s *Server) handleListRecords(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid id")
		return
	}
	filter := store.DnsRecordFilter{DomainID: id}
	if raw := r.URL.Query().Get("managed_by"); raw != "" {
		m := models.ManagedBy(raw)
		if !m.Valid() {
			writeError(w, http.StatusBadRequest, "invalid managed_by filter")
			return
		}
		filter.ManagedBy = []models.ManagedBy{m}
	}
	records, err := s.Store.ListDnsRecords(filter)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, records)
}

func (s *Server) handleCreateRecord(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid id")
		return
	}
	if _, err := s.Store.GetDomainByID(id); err != nil {
		writeStoreError(w, err)
		return
	}
	var record models.DnsRecord
	if err := decodeJSON(r, &record); err != nil {
		writeError(w, http.StatusBadRequest, "invalid payload")
		return
	}
	record.ID = 0
	record.DomainID = id
	if record.ManagedBy == "" {
		record.ManagedBy = models.ManagedByUser
	}
	if err := s.Store.CreateDnsRecord(&record); err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, record)
}

func (s *Server) handleUpdateRecord(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid id")
		return
	}
	var record models.DnsRecord
	if err := decodeJSON(r, &record); err != nil {
		writeError(w, http.StatusBadRequest, "invalid payload")
		return
	}
	record.ID = id
	if err := s.Store.UpdateDnsRecord(&record); err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, record)
}

func (s *Server) handleDeleteRecord(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid id")
		return
	}
	if err := s.Store.DeleteDnsRecord(id); err != nil {
		writeStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
