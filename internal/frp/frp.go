// Package frp renders tunnel daemon configuration in TOML form. Gateway
// servers and clients pull their config over the API and restart their frp
// process when it changes.
package frp

import (
	"bytes"
	"fmt"
	"text/template"

	"github.com/yniverz/edgeplane/internal/models"
	"github.com/yniverz/edgeplane/internal/store"
)

var serverTemplate = template.Must(template.New("server").Parse(`bindPort = {{.BindPort}}

[auth]
method = "token"
token = "{{.AuthToken}}"
additionalScopes = ["HeartBeats"]
`))

var clientTemplate = template.Must(template.New("client").Parse(`serverAddr = "{{.Server.Host}}"
serverPort = {{.Server.BindPort}}

[auth]
method = "token"
token = "{{.Server.AuthToken}}"
additionalScopes = ["HeartBeats"]
{{range .Connections}}
[[proxies]]
name = "{{.Name}}"
type = "{{.Protocol}}"
localIP = "{{.LocalIP}}"
localPort = {{.LocalPort}}
remotePort = {{.RemotePort}}
{{- range .Flags}}
{{.}}
{{- end}}
{{end}}`))

// RenderServerConfig produces the frps configuration for a gateway server.
func RenderServerConfig(server models.GatewayServer) (string, error) {
	var buf bytes.Buffer
	if err := serverTemplate.Execute(&buf, server); err != nil {
		return "", fmt.Errorf("render server config: %w", err)
	}
	return buf.String(), nil
}

// RenderClientConfig produces the frpc configuration for a gateway client,
// including one proxy section per active connection. Flags are appended
// verbatim as extra TOML lines of the proxy section.
func RenderClientConfig(st store.Store, client models.GatewayClient) (string, error) {
	connections, err := st.ListGatewayConnections(client.ID)
	if err != nil {
		return "", fmt.Errorf("list connections for %s: %w", client.Name, err)
	}
	active := make([]models.GatewayConnection, 0, len(connections))
	for _, c := range connections {
		if c.Active {
			active = append(active, c)
		}
	}
	data := struct {
		Server      models.GatewayServer
		Connections []models.GatewayConnection
	}{Server: client.Server, Connections: active}

	var buf bytes.Buffer
	if err := clientTemplate.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("render client config: %w", err)
	}
	return buf.String(), nil
}
