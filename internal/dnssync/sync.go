package dnssync

import (
	"context"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/yniverz/edgeplane/internal/cloudflare"
	"github.com/yniverz/edgeplane/internal/models"
	"github.com/yniverz/edgeplane/internal/store"
)

// Provider is the slice of the DNS provider API the reconciler needs.
type Provider interface {
	ListZones(ctx context.Context) ([]cloudflare.Zone, error)
	ListRecords(ctx context.Context, zoneID string) ([]cloudflare.Record, error)
	CreateRecord(ctx context.Context, zoneID string, rec cloudflare.Record) (cloudflare.Record, error)
	DeleteRecord(ctx context.Context, zoneID, recordID string) error
}

// Entry is the comparison tuple for one record. Two records are the same
// record exactly when their entries are equal; the proxy flag is part of
// identity, so toggling it is a delete followed by a create.
type Entry struct {
	Zone    string
	FQDN    string
	Type    models.RecordType
	Content string
	Proxied bool
}

// Snapshot carries the provider's records as seen during one run, each with
// its resolved ownership, plus the zone names that were reconciled. It
// seeds the origin CA manager; Zones keeps zones with no proxied entries
// visible so their leftover certificates can still be revoked.
type Snapshot struct {
	Zones  []string
	Remote map[Entry]models.ManagedBy
}

// ProxiedSystemHosts returns the FQDNs of proxied SYSTEM A/AAAA entries.
func (s *Snapshot) ProxiedSystemHosts() []string {
	var out []string
	for entry, managed := range s.Remote {
		if managed != models.ManagedBySystem || !entry.Proxied {
			continue
		}
		if entry.Type != models.RecordA && entry.Type != models.RecordAAAA {
			continue
		}
		out = append(out, entry.FQDN)
	}
	return out
}

// Report summarizes one reconciliation run.
type Report struct {
	DryRun   bool
	Imported int
	Created  int
	Deleted  int
	Purged   int
}

// Reconciler diffs the locally desired records against the provider's zones
// and applies the minimal set of creates and deletes. A provider failure
// aborts the whole pass; it is safer to retry everything than to continue
// from a half-applied diff.
type Reconciler struct {
	store    store.Store
	provider Provider
	log      *logrus.Entry
}

// New builds a Reconciler.
func New(st store.Store, provider Provider, log *logrus.Entry) *Reconciler {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Reconciler{store: st, provider: provider, log: log}
}

// Sync performs one reconciliation pass. With dryRun set the classification
// still runs (including the IMPORTED mirror rebuild) but no provider
// mutation and no archive purge happens; intended actions are logged.
func (r *Reconciler) Sync(ctx context.Context, dryRun bool) (*Snapshot, *Report, error) {
	report := &Report{DryRun: dryRun}
	snapshot := &Snapshot{Remote: make(map[Entry]models.ManagedBy)}

	domains, err := r.store.ListDomains()
	if err != nil {
		return nil, nil, fmt.Errorf("list domains: %w", err)
	}
	zoneByName, err := r.zones(ctx)
	if err != nil {
		return nil, nil, err
	}

	local, err := r.localEntries(domains)
	if err != nil {
		return nil, nil, err
	}
	archivedBefore, err := r.archivedEntries(domains)
	if err != nil {
		return nil, nil, err
	}

	// the IMPORTED mirror is rebuilt from the fresh listing below
	if err := r.store.DeleteDnsRecordsByManagedBy(models.ManagedByImported); err != nil {
		return nil, nil, fmt.Errorf("clear imported records: %w", err)
	}

	remoteIDs := make(map[Entry]string)
	for _, domain := range domains {
		zone, ok := zoneByName[domain.Name]
		if !ok {
			r.log.WithField("domain", domain.Name).Warn("no matching provider zone, skipping")
			continue
		}
		snapshot.Zones = append(snapshot.Zones, domain.Name)
		records, err := r.provider.ListRecords(ctx, zone.ID)
		if err != nil {
			return nil, nil, fmt.Errorf("list records for %s: %w", domain.Name, err)
		}
		for _, rec := range records {
			entry := entryFromProvider(domain.Name, rec)
			remoteIDs[entry] = rec.ID

			if managed, ok := local[entry]; ok {
				snapshot.Remote[entry] = managed
				continue
			}
			if managed, ok := archivedBefore[entry]; ok {
				snapshot.Remote[entry] = managed
				continue
			}

			imported := models.DnsRecord{
				DomainID:  domain.ID,
				Name:      models.RelativeName(domain.Name, rec.Name),
				Type:      models.RecordType(rec.Type),
				Content:   rec.Content,
				TTL:       rec.TTL,
				Priority:  rec.Priority,
				Proxied:   rec.Proxied != nil && *rec.Proxied,
				ManagedBy: models.ManagedByImported,
				Meta:      map[string]string{"provider_id": rec.ID},
			}
			if err := r.store.CreateDnsRecord(&imported); err != nil {
				return nil, nil, fmt.Errorf("import record %s: %w", rec.Name, err)
			}
			snapshot.Remote[entry] = models.ManagedByImported
			report.Imported++
		}
	}

	// archived records still present remotely are deleted there; every
	// archive row is consumed by this pass either way
	domainByID := make(map[uint]models.Domain, len(domains))
	for _, d := range domains {
		domainByID[d.ID] = d
	}
	archivedRows, err := r.store.ListArchivedDnsRecords()
	if err != nil {
		return nil, nil, fmt.Errorf("list archived records: %w", err)
	}
	for _, arch := range archivedRows {
		domain, ok := domainByID[arch.DomainID]
		entry := Entry{}
		if ok {
			entry = Entry{
				Zone:    domain.Name,
				FQDN:    models.FQDN(domain.Name, arch.Name),
				Type:    arch.Type,
				Content: arch.Content,
				Proxied: arch.Proxied && arch.Type.CanProxy(),
			}
		}
		_, present := snapshot.Remote[entry]
		if ok && present && arch.ManagedBy != models.ManagedByImported {
			zone := zoneByName[domain.Name]
			if dryRun {
				r.log.WithField("fqdn", entry.FQDN).Info("dry-run: would delete remote record")
			} else {
				if err := r.provider.DeleteRecord(ctx, zone.ID, remoteIDs[entry]); err != nil {
					return nil, nil, fmt.Errorf("delete remote record %s: %w", entry.FQDN, err)
				}
				delete(snapshot.Remote, entry)
				report.Deleted++
			}
		}
		if !dryRun {
			if err := r.store.DeleteArchivedDnsRecord(arch.ID); err != nil {
				return nil, nil, fmt.Errorf("purge archive row %d: %w", arch.ID, err)
			}
			report.Purged++
		}
	}

	// create whatever the provider is missing
	for entry := range local {
		if _, ok := snapshot.Remote[entry]; ok {
			continue
		}
		zone, ok := zoneByName[entry.Zone]
		if !ok {
			continue
		}
		rec, found, err := r.resolveLocal(domains, entry)
		if err != nil {
			return nil, nil, err
		}
		if !found {
			// transient race, the next pass will settle it
			r.log.WithField("fqdn", entry.FQDN).Warn("desired entry has no local record, skipping")
			continue
		}
		if dryRun {
			r.log.WithField("fqdn", entry.FQDN).Info("dry-run: would create remote record")
			continue
		}
		proxied := entry.Proxied
		created, err := r.provider.CreateRecord(ctx, zone.ID, cloudflare.Record{
			Type:     string(rec.Type),
			Name:     entry.FQDN,
			Content:  rec.Content,
			TTL:      rec.TTL,
			Priority: rec.Priority,
			Proxied:  &proxied,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("create remote record %s: %w", entry.FQDN, err)
		}
		remoteIDs[entry] = created.ID
		snapshot.Remote[entry] = rec.ManagedBy
		report.Created++
	}

	r.log.WithFields(logrus.Fields{
		"imported": report.Imported,
		"created":  report.Created,
		"deleted":  report.Deleted,
		"purged":   report.Purged,
		"dry_run":  report.DryRun,
	}).Info("dns reconciliation finished")

	return snapshot, report, nil
}

func (r *Reconciler) zones(ctx context.Context) (map[string]cloudflare.Zone, error) {
	zones, err := r.provider.ListZones(ctx)
	if err != nil {
		return nil, fmt.Errorf("list zones: %w", err)
	}
	out := make(map[string]cloudflare.Zone, len(zones))
	for _, z := range zones {
		out[strings.ToLower(z.Name)] = z
	}
	return out, nil
}

// localEntries snapshots the desired state: every USER and SYSTEM record as
// a comparison entry with its ownership.
func (r *Reconciler) localEntries(domains []models.Domain) (map[Entry]models.ManagedBy, error) {
	out := make(map[Entry]models.ManagedBy)
	for _, domain := range domains {
		recs, err := r.store.ListDnsRecords(store.DnsRecordFilter{
			DomainID:  domain.ID,
			ManagedBy: []models.ManagedBy{models.ManagedByUser, models.ManagedBySystem},
		})
		if err != nil {
			return nil, fmt.Errorf("list records for %s: %w", domain.Name, err)
		}
		for _, rec := range recs {
			out[entryFromRecord(domain.Name, rec)] = rec.ManagedBy
		}
	}
	return out, nil
}

func (r *Reconciler) archivedEntries(domains []models.Domain) (map[Entry]models.ManagedBy, error) {
	domainByID := make(map[uint]models.Domain, len(domains))
	for _, d := range domains {
		domainByID[d.ID] = d
	}
	rows, err := r.store.ListArchivedDnsRecords()
	if err != nil {
		return nil, fmt.Errorf("list archived records: %w", err)
	}
	out := make(map[Entry]models.ManagedBy)
	for _, arch := range rows {
		if arch.ManagedBy == models.ManagedByImported {
			continue
		}
		domain, ok := domainByID[arch.DomainID]
		if !ok {
			continue
		}
		out[Entry{
			Zone:    domain.Name,
			FQDN:    models.FQDN(domain.Name, arch.Name),
			Type:    arch.Type,
			Content: arch.Content,
			Proxied: arch.Proxied && arch.Type.CanProxy(),
		}] = arch.ManagedBy
	}
	return out, nil
}

// resolveLocal maps a comparison entry back to the concrete record row.
func (r *Reconciler) resolveLocal(domains []models.Domain, entry Entry) (models.DnsRecord, bool, error) {
	for _, domain := range domains {
		if domain.Name != entry.Zone {
			continue
		}
		recs, err := r.store.ListDnsRecords(store.DnsRecordFilter{DomainID: domain.ID})
		if err != nil {
			return models.DnsRecord{}, false, fmt.Errorf("list records for %s: %w", domain.Name, err)
		}
		for _, rec := range recs {
			if entryFromRecord(domain.Name, rec) == entry {
				return rec, true, nil
			}
		}
	}
	return models.DnsRecord{}, false, nil
}

func entryFromRecord(zone string, rec models.DnsRecord) Entry {
	return Entry{
		Zone:    zone,
		FQDN:    rec.FQDN(zone),
		Type:    rec.Type,
		Content: rec.Content,
		Proxied: rec.Proxied && rec.Type.CanProxy(),
	}
}

func entryFromProvider(zone string, rec cloudflare.Record) Entry {
	t := models.RecordType(strings.ToUpper(rec.Type))
	return Entry{
		Zone:    zone,
		FQDN:    strings.ToLower(rec.Name),
		Type:    t,
		Content: rec.Content,
		Proxied: rec.Proxied != nil && *rec.Proxied && t.CanProxy(),
	}
}
