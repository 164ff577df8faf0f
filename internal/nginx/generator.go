package nginx

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"text/template"

	"github.com/sirupsen/logrus"

	"github.com/yniverz/edgeplane/internal/config"
	"github.com/yniverz/edgeplane/internal/models"
	"github.com/yniverz/edgeplane/internal/store"
)

// IPRangeSource yields the CIDR blocks trusted for real-ip resolution.
type IPRangeSource interface {
	Ranges(ctx context.Context) []string
}

// Options locates the generated files and the certificate directories the
// server blocks reference.
type Options struct {
	HTTPConfPath   string
	StreamConfPath string
	CertMode       config.CertMode
	OriginSSLDir   string
	ACMESSLDir     string
	WebrootDir     string
}

// Generator renders the reverse-proxy configuration from the active routes.
// Rendering is a pure function of the store contents, so an unchanged
// configuration produces byte-identical output.
type Generator struct {
	store  store.Store
	ranges IPRangeSource
	opts   Options
	log    *logrus.Entry
}

// New builds a Generator. ranges may be nil when the provider integration
// is disabled; the real-ip block is omitted then.
func New(st store.Store, ranges IPRangeSource, opts Options, log *logrus.Entry) *Generator {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Generator{store: st, ranges: ranges, opts: opts, log: log}
}

type upstreamBlock struct {
	Name    string
	Servers []string
}

type locationBlock struct {
	Path            string
	Redirect        string
	Rewrite         string
	ProxyPass       string
	ForwardedPrefix string
}

type serverBlock struct {
	ServerName string
	CertPath   string
	KeyPath    string
	Upstreams  []upstreamBlock
	Locations  []locationBlock
}

type streamBlock struct {
	Port     int
	Upstream upstreamBlock
}

type httpData struct {
	RealIPRanges []string
	Redirects    []string
	Servers      []serverBlock
}

var httpTemplate = template.Must(template.New("http").Parse(`map $http_upgrade $connection_upgrade {
    default upgrade;
    '' close;
}
{{- if .RealIPRanges}}

{{range .RealIPRanges}}set_real_ip_from {{.}};
{{end}}
real_ip_header CF-Connecting-IP;
real_ip_recursive on;
{{- end}}
{{range .Redirects}}
server {
    listen 80;
    server_name {{.}} *.{{.}};
    return 301 https://$host$request_uri;
}
{{end}}
{{- range .Servers}}
{{range .Upstreams}}upstream {{.Name}} {
{{- range .Servers}}
    server {{.}};
{{- end}}
}
{{end -}}
server {
    listen 443 ssl;
    server_name {{.ServerName}};
    ssl_certificate     {{.CertPath}};
    ssl_certificate_key {{.KeyPath}};
    ssl_protocols TLSv1.2 TLSv1.3;
    ssl_ciphers HIGH:!aNULL:!MD5;

    location /robots.txt {
        default_type text/plain;
        return 200 "User-agent: *\nDisallow: /";
    }
{{range .Locations}}
    location {{.Path}} {
{{- if .Redirect}}
        proxy_pass {{.Redirect}};
{{- else}}
{{- if .Rewrite}}
        {{.Rewrite}}
{{- end}}
        proxy_pass {{.ProxyPass}};
        proxy_redirect http:// https://;
        proxy_set_header Host $host;
        proxy_set_header X-Real-IP $remote_addr;
        proxy_set_header X-Forwarded-For $proxy_add_x_forwarded_for;
        proxy_set_header X-Forwarded-Proto $scheme;
{{- if .ForwardedPrefix}}
        proxy_set_header X-Forwarded-Prefix {{.ForwardedPrefix}};
{{- end}}
        proxy_http_version 1.1;
        proxy_set_header Upgrade $http_upgrade;
        proxy_set_header Connection $connection_upgrade;
{{- end}}
    }
{{end -}}
}
{{end}}`))

var streamTemplate = template.Must(template.New("stream").Parse(`{{range .}}upstream {{.Upstream.Name}} {
{{- range .Upstream.Servers}}
    server {{.}};
{{- end}}
}
server {
    listen {{.Port}};
    proxy_pass {{.Upstream.Name}};
    proxy_timeout 10s;
    proxy_connect_timeout 10s;
}
{{end}}`))

// Render produces the HTTP and stream configuration texts.
func (g *Generator) Render(ctx context.Context) (string, string, error) {
	domains, err := g.store.ListDomains()
	if err != nil {
		return "", "", fmt.Errorf("list domains: %w", err)
	}
	sort.Slice(domains, func(i, j int) bool { return domains[i].Name < domains[j].Name })

	routes, err := g.store.ListActiveRoutes()
	if err != nil {
		return "", "", fmt.Errorf("list routes: %w", err)
	}

	byDomain := make(map[uint][]models.Route)
	for _, r := range routes {
		byDomain[r.DomainID] = append(byDomain[r.DomainID], r)
	}

	counter := 0
	nextUpstream := func() string {
		counter++
		return fmt.Sprintf("upstream_%d", counter)
	}

	data := httpData{}
	if g.ranges != nil {
		data.RealIPRanges = g.ranges.Ranges(ctx)
	}
	var streams []streamBlock

	for _, domain := range domains {
		domainRoutes := byDomain[domain.ID]

		proxied := false
		bySubdomain := make(map[string][]models.Route)
		var subdomains []string
		for _, r := range domainRoutes {
			if r.Protocol == models.RouteStream {
				continue
			}
			proxied = true
			if _, ok := bySubdomain[r.Subdomain]; !ok {
				subdomains = append(subdomains, r.Subdomain)
			}
			bySubdomain[r.Subdomain] = append(bySubdomain[r.Subdomain], r)
		}
		if proxied {
			data.Redirects = append(data.Redirects, domain.Name)
		}
		sort.Strings(subdomains)

		for _, sub := range subdomains {
			group := bySubdomain[sub]
			sort.Slice(group, func(i, j int) bool { return group[i].PathPrefix < group[j].PathPrefix })

			certPath, keyPath := g.certPaths(domain.Name, sub)
			block := serverBlock{
				ServerName: models.FQDN(domain.Name, sub),
				CertPath:   certPath,
				KeyPath:    keyPath,
			}
			for _, route := range group {
				loc, ups := g.buildLocation(route, nextUpstream)
				if loc == nil {
					continue
				}
				block.Locations = append(block.Locations, *loc)
				if ups != nil {
					block.Upstreams = append(block.Upstreams, *ups)
				}
			}
			if len(block.Locations) == 0 {
				continue
			}
			data.Servers = append(data.Servers, block)
		}

		for _, route := range domainRoutes {
			if route.Protocol != models.RouteStream {
				continue
			}
			port, err := strconv.Atoi(route.PathPrefix)
			if err != nil {
				g.log.WithFields(logrus.Fields{"domain": domain.Name, "subdomain": route.Subdomain, "path_prefix": route.PathPrefix}).
					Warn("stream route has a non numeric port, skipping")
				continue
			}
			servers := upstreamServers(route.ActiveHosts())
			if len(servers) == 0 {
				continue
			}
			streams = append(streams, streamBlock{
				Port:     port,
				Upstream: upstreamBlock{Name: nextUpstream(), Servers: servers},
			})
		}
	}
	sort.Slice(streams, func(i, j int) bool { return streams[i].Port < streams[j].Port })

	var httpBuf, streamBuf bytes.Buffer
	if err := httpTemplate.Execute(&httpBuf, data); err != nil {
		return "", "", fmt.Errorf("render http config: %w", err)
	}
	if err := streamTemplate.Execute(&streamBuf, streams); err != nil {
		return "", "", fmt.Errorf("render stream config: %w", err)
	}
	return httpBuf.String(), streamBuf.String(), nil
}

// Sync renders both files and writes them to their configured paths.
// Dry-run renders but leaves the files untouched.
func (g *Generator) Sync(ctx context.Context, dryRun bool) error {
	httpConf, streamConf, err := g.Render(ctx)
	if err != nil {
		return err
	}
	if dryRun {
		g.log.Info("dry-run: skipping reverse-proxy config write")
		return nil
	}
	if err := g.ensureCertificates(); err != nil {
		return err
	}
	if err := writeFileAtomic(g.opts.HTTPConfPath, []byte(httpConf)); err != nil {
		return fmt.Errorf("write http config: %w", err)
	}
	if err := writeFileAtomic(g.opts.StreamConfPath, []byte(streamConf)); err != nil {
		return fmt.Errorf("write stream config: %w", err)
	}
	g.log.WithFields(logrus.Fields{"http": g.opts.HTTPConfPath, "stream": g.opts.StreamConfPath}).
		Info("reverse-proxy config written")
	return nil
}

func (g *Generator) buildLocation(route models.Route, nextUpstream func() string) (*locationBlock, *upstreamBlock) {
	path := route.PathPrefix
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}

	if route.Protocol == models.RouteRedirect {
		hosts := route.ActiveHosts()
		if len(hosts) == 0 {
			return nil, nil
		}
		return &locationBlock{Path: path, Redirect: hosts[0].Host}, nil
	}

	servers := upstreamServers(route.ActiveHosts())
	if len(servers) == 0 {
		return nil, nil
	}
	name := nextUpstream()
	scheme := "http"
	if route.Protocol == models.RouteHTTPS {
		scheme = "https"
	}
	loc := &locationBlock{
		Path:      path,
		ProxyPass: fmt.Sprintf("%s://%s%s", scheme, name, route.BackendPath),
	}
	if route.PathPrefix != "/" {
		loc.Rewrite = fmt.Sprintf("rewrite ^%s(.*)$ /$1 break;", route.PathPrefix)
		loc.ForwardedPrefix = route.PathPrefix
	}
	return loc, &upstreamBlock{Name: name, Servers: servers}
}

func upstreamServers(hosts []models.RouteHost) []string {
	out := make([]string, 0, len(hosts))
	for _, h := range hosts {
		entry := h.Host
		if h.Weight != nil {
			entry += fmt.Sprintf(" weight=%d", *h.Weight)
		}
		if h.MaxFails != nil {
			entry += fmt.Sprintf(" max_fails=%d", *h.MaxFails)
		}
		if h.FailTimeout != nil {
			entry += fmt.Sprintf(" fail_timeout=%d", *h.FailTimeout)
		}
		if h.IsBackup {
			entry += " backup"
		}
		out = append(out, entry)
	}
	return out
}

// certPaths resolves the certificate pair a server block references. In
// origin CA mode a multi level subdomain shares its parent's wildcard
// certificate, so the leading label is stripped from the directory name.
func (g *Generator) certPaths(domain, subdomain string) (string, string) {
	if g.opts.CertMode == config.CertModeACME {
		dir := filepath.Join(g.opts.ACMESSLDir, "live", domain)
		return filepath.Join(dir, "fullchain.pem"), filepath.Join(dir, "privkey.pem")
	}
	name := domain
	if subdomain != "@" && subdomain != "" && strings.Contains(subdomain, ".") {
		parent := subdomain[strings.Index(subdomain, ".")+1:]
		name = parent + "." + domain
	}
	dir := filepath.Join(g.opts.OriginSSLDir, name)
	return filepath.Join(dir, "fullchain.pem"), filepath.Join(dir, "privkey.pem")
}

// ensureCertificates backfills a self signed pair for every referenced
// certificate directory that has no material yet, so a reload does not fail
// while the real certificate is still being issued.
func (g *Generator) ensureCertificates() error {
	domains, err := g.store.ListDomains()
	if err != nil {
		return err
	}
	routes, err := g.store.ListActiveRoutes()
	if err != nil {
		return err
	}
	byID := make(map[uint]string, len(domains))
	for _, d := range domains {
		byID[d.ID] = d.Name
	}
	seen := make(map[string]bool)
	for _, route := range routes {
		if route.Protocol == models.RouteStream {
			continue
		}
		certPath, keyPath := g.certPaths(byID[route.DomainID], route.Subdomain)
		dir := filepath.Dir(certPath)
		if seen[dir] {
			continue
		}
		seen[dir] = true
		if fileExists(certPath) && fileExists(keyPath) {
			continue
		}
		cn := models.FQDN(byID[route.DomainID], route.Subdomain)
		if err := ensureSelfSigned(dir, cn); err != nil {
			return fmt.Errorf("placeholder certificate for %s: %w", cn, err)
		}
		g.log.WithField("host", cn).Info("wrote self signed placeholder certificate")
	}
	return nil
}

func writeFileAtomic(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
