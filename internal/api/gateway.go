package api

import (
	"crypto/subtle"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/yniverz/edgeplane/internal/frp"
	"github.com/yniverz/edgeplane/internal/models"
)

func gatewayAuthorized(r *http.Request, server models.GatewayServer) bool {
	token := r.Header.Get("X-Gateway-Token")
	if token == "" || server.AuthToken == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(server.AuthToken)) == 1
}

// handleGatewayServerConfig serves the frps TOML for a gateway node. The
// node authenticates with its own token and its pull is timestamped so
// stale nodes show up in the server list.
func (s *Server) handleGatewayServerConfig(w http.ResponseWriter, r *http.Request) {
	server, err := s.Store.GetGatewayServerByName(chi.URLParam(r, "name"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if !gatewayAuthorized(r, server) {
		writeError(w, http.StatusUnauthorized, "invalid gateway token")
		return
	}
	conf, err := frp.RenderServerConfig(server)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if err := s.Store.TouchGatewayServerPull(server.ID); err != nil {
		s.Log.WithError(err).Warn("failed to record gateway server pull")
	}
	w.Header().Set("Content-Type", "application/toml")
	_, _ = w.Write([]byte(conf))
}

// handleGatewayClientConfig serves the frpc TOML for a tunnel client,
// authenticated with the token of the server it is attached to.
func (s *Server) handleGatewayClientConfig(w http.ResponseWriter, r *http.Request) {
	client, err := s.Store.GetGatewayClientByName(chi.URLParam(r, "name"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if !gatewayAuthorized(r, client.Server) {
		writeError(w, http.StatusUnauthorized, "invalid gateway token")
		return
	}
	conf, err := frp.RenderClientConfig(s.Store, client)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if err := s.Store.TouchGatewayClientPull(client.ID); err != nil {
		s.Log.WithError(err).Warn("failed to record gateway client pull")
	}
	w.Header().Set("Content-Type", "application/toml")
	_, _ = w.Write([]byte(conf))
}
