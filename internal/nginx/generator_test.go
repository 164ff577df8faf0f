package nginx

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/yniverz/edgeplane/internal/config"
	"github.com/yniverz/edgeplane/internal/models"
	"github.com/yniverz/edgeplane/internal/store"
)

type staticRanges []string

func (s staticRanges) Ranges(context.Context) []string { return s }

type fixture struct {
	store store.Store
	dir   string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st, err := store.New(context.Background(), ":memory:", nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	return &fixture{store: st, dir: t.TempDir()}
}

func (f *fixture) generator(mode config.CertMode, ranges IPRangeSource) *Generator {
	return New(f.store, ranges, Options{
		HTTPConfPath:   filepath.Join(f.dir, "edge_http.conf"),
		StreamConfPath: filepath.Join(f.dir, "edge_stream.conf"),
		CertMode:       mode,
		OriginSSLDir:   filepath.Join(f.dir, "ssl"),
		ACMESSLDir:     filepath.Join(f.dir, "letsencrypt"),
		WebrootDir:     filepath.Join(f.dir, "acme"),
	}, nil)
}

func (f *fixture) addDomain(t *testing.T, name string) models.Domain {
	t.Helper()
	d := models.Domain{Name: name}
	if err := f.store.CreateDomain(&d); err != nil {
		t.Fatal(err)
	}
	return d
}

func (f *fixture) addRoute(t *testing.T, r models.Route) {
	t.Helper()
	if err := f.store.CreateRoute(&r); err != nil {
		t.Fatal(err)
	}
}

func host(h string) []models.RouteHost {
	return []models.RouteHost{{Host: h, Active: true}}
}

func TestRenderGroupsRoutesBySubdomain(t *testing.T) {
	f := newFixture(t)
	d := f.addDomain(t, "example.com")
	f.addRoute(t, models.Route{DomainID: d.ID, Subdomain: "api", PathPrefix: "/", Protocol: models.RouteHTTP,
		Active: true, Hosts: host("10.0.0.1:8080")})
	f.addRoute(t, models.Route{DomainID: d.ID, Subdomain: "api", PathPrefix: "/v2", Protocol: models.RouteHTTP,
		Active: true, Hosts: host("10.0.0.2:8080")})

	httpConf, _, err := f.generator(config.CertModeOriginCA, nil).Render(context.Background())
	if err != nil {
		t.Fatalf("render: %v", err)
	}

	if n := strings.Count(httpConf, "server_name api.example.com;"); n != 1 {
		t.Errorf("expected one server block for api.example.com, got %d\n%s", n, httpConf)
	}
	for _, want := range []string{"location / {", "location /v2 {", "rewrite ^/v2(.*)$ /$1 break;"} {
		if !strings.Contains(httpConf, want) {
			t.Errorf("missing %q in rendered config", want)
		}
	}
	if !strings.Contains(httpConf, "proxy_set_header X-Forwarded-Prefix /v2;") {
		t.Error("prefixed location must forward its prefix")
	}
}

func TestRenderRedirectServersAndUpstreamFlags(t *testing.T) {
	f := newFixture(t)
	d := f.addDomain(t, "example.com")
	weight, maxFails := 3, 2
	f.addRoute(t, models.Route{DomainID: d.ID, Subdomain: "@", Protocol: models.RouteHTTP, Active: true,
		Hosts: []models.RouteHost{
			{Host: "10.0.0.1:8080", Weight: &weight, MaxFails: &maxFails, Active: true},
			{Host: "10.0.0.2:8080", IsBackup: true, Active: true},
			{Host: "10.0.0.3:8080", Active: false},
		}})

	httpConf, _, err := f.generator(config.CertModeOriginCA, nil).Render(context.Background())
	if err != nil {
		t.Fatalf("render: %v", err)
	}

	if !strings.Contains(httpConf, "server_name example.com *.example.com;\n    return 301 https://$host$request_uri;") {
		t.Error("missing http to https redirect server")
	}
	if !strings.Contains(httpConf, "server 10.0.0.1:8080 weight=3 max_fails=2;") {
		t.Errorf("weighted upstream entry missing:\n%s", httpConf)
	}
	if !strings.Contains(httpConf, "server 10.0.0.2:8080 backup;") {
		t.Error("backup upstream entry missing")
	}
	if strings.Contains(httpConf, "10.0.0.3") {
		t.Error("inactive host must not be rendered")
	}
}

func TestRenderRedirectRouteProxiesFirstHost(t *testing.T) {
	f := newFixture(t)
	d := f.addDomain(t, "example.com")
	f.addRoute(t, models.Route{DomainID: d.ID, Subdomain: "old", Protocol: models.RouteRedirect, Active: true,
		Hosts: host("https://new.example.org")})

	httpConf, _, err := f.generator(config.CertModeOriginCA, nil).Render(context.Background())
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if !strings.Contains(httpConf, "proxy_pass https://new.example.org;") {
		t.Errorf("redirect route must proxy to its first host:\n%s", httpConf)
	}
	if strings.Contains(httpConf, "upstream upstream_") {
		t.Error("redirect routes must not allocate upstreams")
	}
}

func TestRenderStreamConfigKeyedByPort(t *testing.T) {
	f := newFixture(t)
	d := f.addDomain(t, "example.com")
	f.addRoute(t, models.Route{DomainID: d.ID, Subdomain: "mc", Protocol: models.RouteStream, PathPrefix: "25565",
		Active: true, Hosts: host("10.0.0.4:25565")})
	f.addRoute(t, models.Route{DomainID: d.ID, Subdomain: "bad", Protocol: models.RouteStream, PathPrefix: "not-a-port",
		Active: true, Hosts: host("10.0.0.5:1234")})

	httpConf, streamConf, err := f.generator(config.CertModeOriginCA, nil).Render(context.Background())
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if !strings.Contains(streamConf, "listen 25565;") {
		t.Errorf("stream server missing:\n%s", streamConf)
	}
	if strings.Contains(streamConf, "not-a-port") || strings.Contains(streamConf, "10.0.0.5") {
		t.Error("non numeric stream port must be skipped")
	}
	if strings.Contains(httpConf, "mc.example.com") {
		t.Error("stream routes must not leak into the http config")
	}
}

func TestCertPathSelection(t *testing.T) {
	f := newFixture(t)
	d := f.addDomain(t, "example.com")
	f.addRoute(t, models.Route{DomainID: d.ID, Subdomain: "v2.api", Protocol: models.RouteHTTP, Active: true,
		Hosts: host("10.0.0.1:8080")})

	httpConf, _, err := f.generator(config.CertModeOriginCA, nil).Render(context.Background())
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	want := filepath.Join(f.dir, "ssl", "api.example.com", "fullchain.pem")
	if !strings.Contains(httpConf, want) {
		t.Errorf("multi level subdomain must use the parent wildcard certificate, want %s in:\n%s", want, httpConf)
	}

	httpConf, _, err = f.generator(config.CertModeACME, nil).Render(context.Background())
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	want = filepath.Join(f.dir, "letsencrypt", "live", "example.com", "fullchain.pem")
	if !strings.Contains(httpConf, want) {
		t.Errorf("acme mode must use the live directory, want %s", want)
	}
}

func TestRenderRealIPBlock(t *testing.T) {
	f := newFixture(t)
	httpConf, _, err := f.generator(config.CertModeOriginCA, staticRanges{"173.245.48.0/20", "2400:cb00::/32"}).
		Render(context.Background())
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	for _, want := range []string{"set_real_ip_from 173.245.48.0/20;", "set_real_ip_from 2400:cb00::/32;",
		"real_ip_header CF-Connecting-IP;", "real_ip_recursive on;"} {
		if !strings.Contains(httpConf, want) {
			t.Errorf("missing %q", want)
		}
	}
}

func TestRenderIsDeterministic(t *testing.T) {
	f := newFixture(t)
	d := f.addDomain(t, "example.com")
	other := f.addDomain(t, "other.org")
	f.addRoute(t, models.Route{DomainID: d.ID, Subdomain: "api", Protocol: models.RouteHTTP, Active: true, Hosts: host("10.0.0.1:8080")})
	f.addRoute(t, models.Route{DomainID: other.ID, Subdomain: "@", Protocol: models.RouteHTTP, Active: true, Hosts: host("10.0.0.2:8080")})
	f.addRoute(t, models.Route{DomainID: d.ID, Subdomain: "mc", Protocol: models.RouteStream, PathPrefix: "25565", Active: true, Hosts: host("10.0.0.3:25565")})

	g := f.generator(config.CertModeOriginCA, nil)
	http1, stream1, err := g.Render(context.Background())
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	http2, stream2, err := g.Render(context.Background())
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if http1 != http2 || stream1 != stream2 {
		t.Error("unchanged configuration must render byte identical output")
	}
}

func TestSyncWritesFilesAndPlaceholders(t *testing.T) {
	f := newFixture(t)
	d := f.addDomain(t, "example.com")
	f.addRoute(t, models.Route{DomainID: d.ID, Subdomain: "@", Protocol: models.RouteHTTP, Active: true, Hosts: host("10.0.0.1:8080")})
	g := f.generator(config.CertModeOriginCA, nil)

	if err := g.Sync(context.Background(), true); err != nil {
		t.Fatalf("dry-run sync: %v", err)
	}
	if _, err := os.Stat(g.opts.HTTPConfPath); !os.IsNotExist(err) {
		t.Fatal("dry-run must not write the http config")
	}

	if err := g.Sync(context.Background(), false); err != nil {
		t.Fatalf("sync: %v", err)
	}
	if _, err := os.Stat(g.opts.HTTPConfPath); err != nil {
		t.Fatalf("http config not written: %v", err)
	}
	if _, err := os.Stat(g.opts.StreamConfPath); err != nil {
		t.Fatalf("stream config not written: %v", err)
	}
	certPath := filepath.Join(f.dir, "ssl", "example.com", "fullchain.pem")
	if _, err := os.Stat(certPath); err != nil {
		t.Fatalf("placeholder certificate not written: %v", err)
	}
	info, err := os.Stat(filepath.Join(f.dir, "ssl", "example.com", "privkey.pem"))
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Errorf("placeholder key mode %v, want 0600", info.Mode().Perm())
	}

	before, err := os.ReadFile(certPath)
	if err != nil {
		t.Fatal(err)
	}
	if err := g.Sync(context.Background(), false); err != nil {
		t.Fatalf("second sync: %v", err)
	}
	after, err := os.ReadFile(certPath)
	if err != nil {
		t.Fatal(err)
	}
	if string(before) != string(after) {
		t.Error("existing certificate material must not be replaced")
	}
}
