package dnssync

import (
	"context"
	"fmt"
	"testing"

	"github.com/yniverz/edgeplane/internal/cloudflare"
	"github.com/yniverz/edgeplane/internal/models"
	"github.com/yniverz/edgeplane/internal/store"
)

type fakeProvider struct {
	zones   []cloudflare.Zone
	records map[string][]cloudflare.Record
	creates int
	deletes int
	nextID  int
}

func newFakeProvider(zones ...string) *fakeProvider {
	p := &fakeProvider{records: make(map[string][]cloudflare.Record)}
	for i, z := range zones {
		p.zones = append(p.zones, cloudflare.Zone{ID: fmt.Sprintf("zone-%d", i+1), Name: z})
	}
	return p
}

func (p *fakeProvider) zoneID(name string) string {
	for _, z := range p.zones {
		if z.Name == name {
			return z.ID
		}
	}
	return ""
}

func (p *fakeProvider) seed(zone string, rec cloudflare.Record) {
	p.nextID++
	rec.ID = fmt.Sprintf("rec-%d", p.nextID)
	id := p.zoneID(zone)
	p.records[id] = append(p.records[id], rec)
}

func (p *fakeProvider) ListZones(ctx context.Context) ([]cloudflare.Zone, error) {
	return p.zones, nil
}

func (p *fakeProvider) ListRecords(ctx context.Context, zoneID string) ([]cloudflare.Record, error) {
	return append([]cloudflare.Record{}, p.records[zoneID]...), nil
}

func (p *fakeProvider) CreateRecord(ctx context.Context, zoneID string, rec cloudflare.Record) (cloudflare.Record, error) {
	p.creates++
	p.nextID++
	rec.ID = fmt.Sprintf("rec-%d", p.nextID)
	p.records[zoneID] = append(p.records[zoneID], rec)
	return rec, nil
}

func (p *fakeProvider) DeleteRecord(ctx context.Context, zoneID, recordID string) error {
	p.deletes++
	recs := p.records[zoneID]
	for i, r := range recs {
		if r.ID == recordID {
			p.records[zoneID] = append(recs[:i], recs[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("record %s not found", recordID)
}

func newSyncStore(t *testing.T) store.Store {
	t.Helper()
	st, err := store.New(context.Background(), ":memory:", nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	return st
}

func addDomain(t *testing.T, st store.Store, name string) models.Domain {
	t.Helper()
	d := models.Domain{Name: name}
	if err := st.CreateDomain(&d); err != nil {
		t.Fatalf("create domain: %v", err)
	}
	return d
}

func TestSyncCreatesMissingRecord(t *testing.T) {
	st := newSyncStore(t)
	d := addDomain(t, st, "example.com")
	rec := models.DnsRecord{DomainID: d.ID, Name: "@", Type: models.RecordA, Content: "1.2.3.4", Proxied: true, ManagedBy: models.ManagedByUser}
	if err := st.CreateDnsRecord(&rec); err != nil {
		t.Fatalf("create record: %v", err)
	}

	provider := newFakeProvider("example.com")
	_, report, err := New(st, provider, nil).Sync(context.Background(), false)
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if provider.creates != 1 || provider.deletes != 0 {
		t.Fatalf("expected 1 create and 0 deletes, got %d/%d", provider.creates, provider.deletes)
	}
	if report.Created != 1 {
		t.Errorf("unexpected report %+v", report)
	}
	created := provider.records["zone-1"][0]
	if created.Name != "example.com" || created.Proxied == nil || !*created.Proxied {
		t.Errorf("unexpected created record %+v", created)
	}
}

func TestSyncDeletesArchivedRemoteAndPurges(t *testing.T) {
	st := newSyncStore(t)
	d := addDomain(t, st, "example.com")
	rec := models.DnsRecord{DomainID: d.ID, Name: "old", Type: models.RecordA, Content: "1.2.3.4", ManagedBy: models.ManagedByUser}
	if err := st.CreateDnsRecord(&rec); err != nil {
		t.Fatalf("create record: %v", err)
	}
	if err := st.DeleteDnsRecord(rec.ID); err != nil {
		t.Fatalf("delete record: %v", err)
	}

	provider := newFakeProvider("example.com")
	proxied := false
	provider.seed("example.com", cloudflare.Record{Type: "A", Name: "old.example.com", Content: "1.2.3.4", Proxied: &proxied})

	_, report, err := New(st, provider, nil).Sync(context.Background(), false)
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if provider.deletes != 1 || provider.creates != 0 {
		t.Fatalf("expected 1 delete and 0 creates, got %d/%d", provider.deletes, provider.creates)
	}
	arch, _ := st.ListArchivedDnsRecords()
	if len(arch) != 0 {
		t.Fatalf("archive row must be purged, got %v", arch)
	}
	if report.Deleted != 1 || report.Purged != 1 {
		t.Errorf("unexpected report %+v", report)
	}
}

func TestSyncImportsUnknownRemoteRecords(t *testing.T) {
	st := newSyncStore(t)
	d := addDomain(t, st, "example.com")

	provider := newFakeProvider("example.com")
	proxied := true
	provider.seed("example.com", cloudflare.Record{Type: "CNAME", Name: "www.example.com", Content: "example.com", TTL: 300, Proxied: &proxied})

	snapshot, report, err := New(st, provider, nil).Sync(context.Background(), false)
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if report.Imported != 1 || provider.creates != 0 || provider.deletes != 0 {
		t.Fatalf("expected import only, got report %+v creates=%d deletes=%d", report, provider.creates, provider.deletes)
	}

	recs, _ := st.ListDnsRecords(store.DnsRecordFilter{DomainID: d.ID})
	if len(recs) != 1 || recs[0].ManagedBy != models.ManagedByImported || recs[0].Name != "www" {
		t.Fatalf("unexpected imported rows %+v", recs)
	}

	entry := Entry{Zone: "example.com", FQDN: "www.example.com", Type: models.RecordCNAME, Content: "example.com", Proxied: true}
	if snapshot.Remote[entry] != models.ManagedByImported {
		t.Errorf("snapshot ownership wrong: %v", snapshot.Remote)
	}
	if len(snapshot.Zones) != 1 || snapshot.Zones[0] != "example.com" {
		t.Errorf("snapshot must carry the reconciled zones, got %v", snapshot.Zones)
	}
}

func TestSyncIsIdempotent(t *testing.T) {
	st := newSyncStore(t)
	d := addDomain(t, st, "example.com")
	rec := models.DnsRecord{DomainID: d.ID, Name: "api", Type: models.RecordA, Content: "1.2.3.4", Proxied: true, ManagedBy: models.ManagedBySystem}
	if err := st.CreateDnsRecord(&rec); err != nil {
		t.Fatalf("create record: %v", err)
	}

	provider := newFakeProvider("example.com")
	r := New(st, provider, nil)
	if _, _, err := r.Sync(context.Background(), false); err != nil {
		t.Fatalf("first sync: %v", err)
	}
	creates, deletes := provider.creates, provider.deletes

	snapshot, _, err := r.Sync(context.Background(), false)
	if err != nil {
		t.Fatalf("second sync: %v", err)
	}
	if provider.creates != creates || provider.deletes != deletes {
		t.Fatalf("second sync must issue no provider calls, got creates %d->%d deletes %d->%d",
			creates, provider.creates, deletes, provider.deletes)
	}

	// ownership survives the round trip through the provider
	entry := Entry{Zone: "example.com", FQDN: "api.example.com", Type: models.RecordA, Content: "1.2.3.4", Proxied: true}
	if snapshot.Remote[entry] != models.ManagedBySystem {
		t.Errorf("expected SYSTEM ownership, got %v", snapshot.Remote)
	}
	if hosts := snapshot.ProxiedSystemHosts(); len(hosts) != 1 || hosts[0] != "api.example.com" {
		t.Errorf("unexpected proxied system hosts %v", hosts)
	}
}

func TestSyncProxyFlagIsPartOfIdentity(t *testing.T) {
	st := newSyncStore(t)
	d := addDomain(t, st, "example.com")

	// the provider has the record unproxied, locally it is wanted proxied
	provider := newFakeProvider("example.com")
	unproxied := false
	provider.seed("example.com", cloudflare.Record{Type: "A", Name: "api.example.com", Content: "1.2.3.4", Proxied: &unproxied})

	rec := models.DnsRecord{DomainID: d.ID, Name: "api", Type: models.RecordA, Content: "1.2.3.4", Proxied: true, ManagedBy: models.ManagedByUser}
	if err := st.CreateDnsRecord(&rec); err != nil {
		t.Fatalf("create record: %v", err)
	}

	_, _, err := New(st, provider, nil).Sync(context.Background(), false)
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	// the unproxied twin does not match the desired entry: it is imported
	// and the proxied variant is created alongside it
	if provider.creates != 1 {
		t.Fatalf("expected create of proxied variant, got %d", provider.creates)
	}
	recs, _ := st.ListDnsRecords(store.DnsRecordFilter{DomainID: d.ID, ManagedBy: []models.ManagedBy{models.ManagedByImported}})
	if len(recs) != 1 {
		t.Fatalf("expected unproxied twin imported, got %+v", recs)
	}
}

func TestSyncDryRunMutatesNothingRemote(t *testing.T) {
	st := newSyncStore(t)
	d := addDomain(t, st, "example.com")
	rec := models.DnsRecord{DomainID: d.ID, Name: "old", Type: models.RecordA, Content: "1.2.3.4", ManagedBy: models.ManagedByUser}
	if err := st.CreateDnsRecord(&rec); err != nil {
		t.Fatalf("create record: %v", err)
	}
	if err := st.DeleteDnsRecord(rec.ID); err != nil {
		t.Fatalf("delete record: %v", err)
	}
	add := models.DnsRecord{DomainID: d.ID, Name: "new", Type: models.RecordA, Content: "5.6.7.8", ManagedBy: models.ManagedByUser}
	if err := st.CreateDnsRecord(&add); err != nil {
		t.Fatalf("create record: %v", err)
	}

	provider := newFakeProvider("example.com")
	unproxied := false
	provider.seed("example.com", cloudflare.Record{Type: "A", Name: "old.example.com", Content: "1.2.3.4", Proxied: &unproxied})

	_, report, err := New(st, provider, nil).Sync(context.Background(), true)
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if provider.creates != 0 || provider.deletes != 0 {
		t.Fatalf("dry run must not call the provider, got creates=%d deletes=%d", provider.creates, provider.deletes)
	}
	arch, _ := st.ListArchivedDnsRecords()
	if len(arch) != 1 {
		t.Fatalf("dry run must not purge the archive, got %v", arch)
	}
	if !report.DryRun {
		t.Errorf("report not flagged dry-run: %+v", report)
	}
}
