package api

import (
	"context"
	"net/http"
)

// handlePublish triggers a pipeline run. A trigger while a run is active
// answers 202 with the active run's ID instead of queueing another one.
func (s *Server) handlePublish(w http.ResponseWriter, r *http.Request) {
	// The run outlives the request, so it must not inherit its context.
	id, started := s.Runner.TryStart(context.Background())
	if !started {
		if result, ok := s.Runner.Status(); ok {
			writeJSON(w, http.StatusAccepted, map[string]interface{}{"started": false, "run_id": result.ID})
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]interface{}{"started": false})
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]interface{}{"started": true, "run_id": id})
}

func (s *Server) handlePublishStatus(w http.ResponseWriter, r *http.Request) {
	result, ok := s.Runner.Status()
	if !ok {
		writeError(w, http.StatusNotFound, "no run yet")
		return
	}
	writeJSON(w, http.StatusOK, result)
}
