package certs

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/yniverz/edgeplane/internal/cloudflare"
	"github.com/yniverz/edgeplane/internal/dnssync"
	"github.com/yniverz/edgeplane/internal/models"
)

// OriginAPI is the slice of the certificate authority the origin manager
// talks to.
type OriginAPI interface {
	ListZones(ctx context.Context) ([]cloudflare.Zone, error)
	ListOriginCertificates(ctx context.Context, zoneID string) ([]cloudflare.OriginCertificate, error)
	CreateOriginCertificate(ctx context.Context, req cloudflare.OriginCertificateRequest) (cloudflare.OriginCertificate, error)
	RevokeOriginCertificate(ctx context.Context, certID string) error
}

// OriginManager keeps one CA certificate per wildcard label alive. Labels
// are derived from the proxied SYSTEM records the reconciler saw at the
// provider; each certificate covers {label, *.label}.
type OriginManager struct {
	api          OriginAPI
	sslDir       string
	renewBefore  time.Duration
	validityDays int
	log          *logrus.Entry
	now          func() time.Time
}

// NewOriginManager builds an OriginManager writing bundles under sslDir.
func NewOriginManager(api OriginAPI, sslDir string, renewBefore time.Duration, validityDays int, log *logrus.Entry) *OriginManager {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &OriginManager{
		api:          api,
		sslDir:       sslDir,
		renewBefore:  renewBefore,
		validityDays: validityDays,
		log:          log,
		now:          time.Now,
	}
}

// WantedLabels derives the per-zone label sets from a reconciliation
// snapshot. A label is the FQDN of a proxied SYSTEM A/AAAA entry with any
// leading wildcard stripped, so "*.api.example.com" and "api.example.com"
// both want the "api.example.com" certificate.
func WantedLabels(snap *dnssync.Snapshot) map[string]map[string]bool {
	out := make(map[string]map[string]bool)
	for entry, managed := range snap.Remote {
		if managed != models.ManagedBySystem || !entry.Proxied {
			continue
		}
		if entry.Type != models.RecordA && entry.Type != models.RecordAAAA {
			continue
		}
		label := strings.TrimPrefix(entry.FQDN, "*.")
		if out[entry.Zone] == nil {
			out[entry.Zone] = make(map[string]bool)
		}
		out[entry.Zone][label] = true
	}
	return out
}

// Sync issues, renews and revokes origin CA certificates so that exactly
// the wanted labels are covered. Revocation leaves disk artifacts alone; a
// reload may still be serving them.
func (m *OriginManager) Sync(ctx context.Context, snap *dnssync.Snapshot, dryRun bool) error {
	wanted := WantedLabels(snap)

	zones, err := m.api.ListZones(ctx)
	if err != nil {
		return fmt.Errorf("list zones: %w", err)
	}

	managed := make(map[string]bool, len(snap.Zones))
	for _, name := range snap.Zones {
		managed[strings.ToLower(name)] = true
	}

	for _, zone := range zones {
		name := strings.ToLower(zone.Name)
		if !managed[name] {
			continue
		}
		// an empty label set still runs the revoke pass below
		labels := wanted[name]
		if labels == nil {
			labels = make(map[string]bool)
		}
		if err := m.syncZone(ctx, zone, labels, dryRun); err != nil {
			return err
		}
	}
	return nil
}

func (m *OriginManager) syncZone(ctx context.Context, zone cloudflare.Zone, labels map[string]bool, dryRun bool) error {
	certs, err := m.api.ListOriginCertificates(ctx, zone.ID)
	if err != nil {
		return fmt.Errorf("list origin certificates for %s: %w", zone.Name, err)
	}

	existing := make(map[string]cloudflare.OriginCertificate, len(certs))
	for _, cert := range certs {
		if label := certLabel(cert); label != "" {
			existing[label] = cert
		}
	}

	for label := range labels {
		cert, ok := existing[label]
		if ok && !m.expiring(cert) && BundleOnDisk(m.dir(label)) {
			continue
		}
		if dryRun {
			m.log.WithField("label", label).Info("dry-run: would issue origin certificate")
			continue
		}
		if err := m.issue(ctx, label); err != nil {
			return err
		}
	}

	for label, cert := range existing {
		if labels[label] {
			continue
		}
		if dryRun {
			m.log.WithField("label", label).Info("dry-run: would revoke origin certificate")
			continue
		}
		if err := m.api.RevokeOriginCertificate(ctx, cert.ID); err != nil {
			return fmt.Errorf("revoke origin certificate %s: %w", cert.ID, err)
		}
		m.log.WithFields(logrus.Fields{"label": label, "id": cert.ID}).Info("revoked origin certificate")
	}
	return nil
}

func (m *OriginManager) issue(ctx context.Context, label string) error {
	csrPEM, err := EnsureKeyAndCSR(m.dir(label), label)
	if err != nil {
		return fmt.Errorf("prepare csr for %s: %w", label, err)
	}

	cert, err := m.api.CreateOriginCertificate(ctx, cloudflare.OriginCertificateRequest{
		Hostnames:         []string{label, "*." + label},
		CSR:               string(csrPEM),
		RequestType:       "origin-rsa",
		RequestedValidity: m.validityDays,
	})
	if err != nil {
		return fmt.Errorf("issue origin certificate for %s: %w", label, err)
	}

	if err := WriteFullchain(m.dir(label), []byte(cert.Certificate)); err != nil {
		return fmt.Errorf("store origin certificate for %s: %w", label, err)
	}
	m.log.WithFields(logrus.Fields{"label": label, "id": cert.ID}).Info("issued origin certificate")
	return nil
}

func (m *OriginManager) dir(label string) string {
	return filepath.Join(m.sslDir, label)
}

// expiring treats an unparsable expiry as expiring so the certificate gets
// reissued rather than silently kept.
func (m *OriginManager) expiring(cert cloudflare.OriginCertificate) bool {
	expires, err := cert.ExpiresAt()
	if err != nil {
		return true
	}
	return expires.Sub(m.now()) < m.renewBefore
}

// certLabel recovers the label from a certificate's hostname set: the
// entry without the wildcard prefix.
func certLabel(cert cloudflare.OriginCertificate) string {
	for _, host := range cert.Hostnames {
		if !strings.HasPrefix(host, "*.") {
			return strings.ToLower(host)
		}
	}
	return ""
}
