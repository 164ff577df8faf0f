package nginx

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"text/template"
)

var challengeTemplate = template.Must(template.New("challenge").Parse(`{{$webroot := .Webroot}}
{{- range .Domains}}
server {
    listen 80;
    server_name {{.}} *.{{.}};

    location /.well-known/acme-challenge/ {
        root {{$webroot}};
    }

    location / {
        default_type text/plain;
        return 200 "certificate provisioning in progress";
    }
}
{{end}}`))

// Fallback swaps the HTTP configuration for a plain port 80 variant that
// only serves the ACME webroot, and back. Used while a webroot challenge
// cannot be satisfied through the regular HTTPS setup.
type Fallback struct {
	gen      *Generator
	reloader *Reloader
}

// NewFallback wires a Fallback over the given generator and reloader.
func NewFallback(gen *Generator, reloader *Reloader) *Fallback {
	return &Fallback{gen: gen, reloader: reloader}
}

// EnableChallengeOnly writes the challenge-only HTTP configuration, empties
// the stream configuration and reloads.
func (f *Fallback) EnableChallengeOnly(ctx context.Context) error {
	domains, err := f.gen.store.ListDomains()
	if err != nil {
		return fmt.Errorf("list domains: %w", err)
	}
	names := make([]string, 0, len(domains))
	for _, d := range domains {
		names = append(names, d.Name)
	}
	sort.Strings(names)

	var buf bytes.Buffer
	data := struct {
		Webroot string
		Domains []string
	}{Webroot: f.gen.opts.WebrootDir, Domains: names}
	if err := challengeTemplate.Execute(&buf, data); err != nil {
		return fmt.Errorf("render challenge config: %w", err)
	}
	if err := writeFileAtomic(f.gen.opts.HTTPConfPath, buf.Bytes()); err != nil {
		return fmt.Errorf("write challenge config: %w", err)
	}
	if err := writeFileAtomic(f.gen.opts.StreamConfPath, nil); err != nil {
		return fmt.Errorf("write stream config: %w", err)
	}
	f.gen.log.Info("switched reverse-proxy to challenge-only config")
	return f.reloader.Reload(ctx)
}

// Restore regenerates the regular configuration and reloads.
func (f *Fallback) Restore(ctx context.Context) error {
	if err := f.gen.Sync(ctx, false); err != nil {
		return err
	}
	return f.reloader.Reload(ctx)
}
