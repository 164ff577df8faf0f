package certs

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/yniverz/edgeplane/internal/models"
	"github.com/yniverz/edgeplane/internal/store"
)

// CommandRunner executes one external command. The default implementation
// shells out; tests substitute a fake.
type CommandRunner interface {
	Run(ctx context.Context, name string, args ...string) (stdout, stderr string, err error)
}

// ExecRunner runs commands through the OS.
type ExecRunner struct{}

func (ExecRunner) Run(ctx context.Context, name string, args ...string) (string, string, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	return stdout.String(), stderr.String(), err
}

// ChallengeFallback switches the reverse proxy into a configuration that
// serves only the ACME challenge path over plain HTTP, and back.
type ChallengeFallback interface {
	EnableChallengeOnly(ctx context.Context) error
	Restore(ctx context.Context) error
}

// ACMEConfig carries the external client's settings.
type ACMEConfig struct {
	Email       string
	Production  bool
	WebrootDir  string
	SSLDir      string
	RenewBefore time.Duration
	Timeout     time.Duration
}

// ACMEManager obtains one certificate per domain covering every active
// route's hostname, through the external certbot client with a webroot
// challenge. Wildcard hostnames are excluded; the challenge type cannot
// validate them.
type ACMEManager struct {
	store    store.Store
	runner   CommandRunner
	fallback ChallengeFallback
	cfg      ACMEConfig
	log      *logrus.Entry
	now      func() time.Time
}

// NewACMEManager builds an ACMEManager.
func NewACMEManager(st store.Store, runner CommandRunner, fallback ChallengeFallback, cfg ACMEConfig, log *logrus.Entry) *ACMEManager {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &ACMEManager{store: st, runner: runner, fallback: fallback, cfg: cfg, log: log, now: time.Now}
}

// Sync creates or renews the certificate of every domain whose certificate
// is absent or inside the renewal window.
func (m *ACMEManager) Sync(ctx context.Context, dryRun bool) error {
	if m.cfg.Email == "" {
		m.log.Info("no acme email configured, skipping certificate sync")
		return nil
	}

	domains, err := m.store.ListDomains()
	if err != nil {
		return fmt.Errorf("list domains: %w", err)
	}

	for _, domain := range domains {
		hosts, err := m.wantedHosts(domain)
		if err != nil {
			return err
		}
		if len(hosts) == 0 {
			continue
		}

		info, err := ReadInfo(m.certPath(domain.Name), m.keyPath(domain.Name))
		if err != nil {
			return err
		}
		if info != nil && info.ExpiresAt.Sub(m.now()) >= m.cfg.RenewBefore {
			continue
		}
		if dryRun {
			m.log.WithField("domain", domain.Name).Info("dry-run: would run acme client")
			continue
		}
		if err := m.obtainWithFallback(ctx, domain.Name, hosts); err != nil {
			return err
		}
	}
	return nil
}

// wantedHosts resolves a domain's active routes to the hostnames one
// certificate must cover. The root route maps to the bare domain.
func (m *ACMEManager) wantedHosts(domain models.Domain) ([]string, error) {
	routes, err := m.store.ListRoutesByDomain(domain.ID)
	if err != nil {
		return nil, fmt.Errorf("list routes for %s: %w", domain.Name, err)
	}
	set := make(map[string]bool)
	for _, route := range routes {
		if !route.Active || route.Protocol == models.RouteStream {
			continue
		}
		if strings.Contains(route.Subdomain, "*") {
			continue
		}
		set[route.Hostname(domain.Name)] = true
	}
	hosts := make([]string, 0, len(set))
	for h := range set {
		hosts = append(hosts, h)
	}
	sort.Strings(hosts)
	return hosts, nil
}

// obtainWithFallback runs the client once; on failure it switches the proxy
// to the challenge-only configuration, retries, and restores the original
// configuration whatever the retry's outcome.
func (m *ACMEManager) obtainWithFallback(ctx context.Context, certName string, hosts []string) error {
	err := m.obtain(ctx, certName, hosts)
	if err == nil {
		return nil
	}
	m.log.WithError(err).WithField("domain", certName).Warn("acme client failed, retrying behind challenge-only config")

	if ferr := m.fallback.EnableChallengeOnly(ctx); ferr != nil {
		return fmt.Errorf("enable challenge config: %w", ferr)
	}
	retryErr := func() error {
		defer func() {
			if rerr := m.fallback.Restore(ctx); rerr != nil {
				m.log.WithError(rerr).Error("restore proxy config failed")
			}
		}()
		return m.obtain(ctx, certName, hosts)
	}()
	if retryErr != nil {
		return fmt.Errorf("acme retry for %s: %w", certName, retryErr)
	}
	return nil
}

func (m *ACMEManager) obtain(ctx context.Context, certName string, hosts []string) error {
	ctx, cancel := context.WithTimeout(ctx, m.cfg.Timeout)
	defer cancel()

	args := []string{
		"certonly",
		"--webroot", "-w", m.cfg.WebrootDir,
		"--email", m.cfg.Email,
		"--agree-tos",
		"--non-interactive",
		"--config-dir", m.cfg.SSLDir,
		"--work-dir", filepath.Join(m.cfg.SSLDir, "work"),
		"--logs-dir", filepath.Join(m.cfg.SSLDir, "logs"),
		"--cert-name", certName,
		"--force-renewal",
	}
	if !m.cfg.Production {
		args = append(args, "--staging")
	}
	for _, host := range hosts {
		args = append(args, "-d", host)
	}

	_, stderr, err := m.runner.Run(ctx, "certbot", args...)
	if err != nil {
		return fmt.Errorf("certbot for %s: %w: %s", certName, err, strings.TrimSpace(stderr))
	}
	m.log.WithFields(logrus.Fields{"domain": certName, "hosts": hosts}).Info("acme certificate obtained")
	return nil
}

func (m *ACMEManager) certPath(domain string) string {
	return filepath.Join(m.cfg.SSLDir, "live", domain, fullchainFile)
}

func (m *ACMEManager) keyPath(domain string) string {
	return filepath.Join(m.cfg.SSLDir, "live", domain, privKeyFile)
}
