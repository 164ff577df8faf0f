package store

import (
	"context"
	"errors"
	"testing"

	"github.com/yniverz/edgeplane/internal/models"
)

func newTestStore(t *testing.T) Store {
	t.Helper()
	s, err := New(context.Background(), ":memory:", nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	return s
}

func mustDomain(t *testing.T, s Store, name string) models.Domain {
	t.Helper()
	d := models.Domain{Name: name, AutoWildcard: true}
	if err := s.CreateDomain(&d); err != nil {
		t.Fatalf("create domain: %v", err)
	}
	return d
}

func TestGetDomainNotFound(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.GetDomain("missing.example"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestDeleteDnsRecordArchives(t *testing.T) {
	s := newTestStore(t)
	d := mustDomain(t, s, "example.com")

	rec := models.DnsRecord{DomainID: d.ID, Name: "api", Type: models.RecordA, Content: "1.2.3.4", Proxied: true, ManagedBy: models.ManagedByUser}
	if err := s.CreateDnsRecord(&rec); err != nil {
		t.Fatalf("create record: %v", err)
	}
	if err := s.DeleteDnsRecord(rec.ID); err != nil {
		t.Fatalf("delete record: %v", err)
	}

	arch, err := s.ListArchivedDnsRecords()
	if err != nil {
		t.Fatalf("list archived: %v", err)
	}
	if len(arch) != 1 {
		t.Fatalf("expected 1 archive row, got %d", len(arch))
	}
	if arch[0].Name != "api" || arch[0].Content != "1.2.3.4" || !arch[0].Proxied {
		t.Errorf("archive row does not mirror record: %+v", arch[0])
	}
}

func TestCreateConsumesMatchingArchiveRow(t *testing.T) {
	s := newTestStore(t)
	d := mustDomain(t, s, "example.com")

	rec := models.DnsRecord{DomainID: d.ID, Name: "api", Type: models.RecordA, Content: "1.2.3.4", Proxied: true, ManagedBy: models.ManagedBySystem}
	if err := s.CreateDnsRecord(&rec); err != nil {
		t.Fatalf("create record: %v", err)
	}
	if err := s.DeleteDnsRecordsByManagedBy(models.ManagedBySystem); err != nil {
		t.Fatalf("delete by managed_by: %v", err)
	}

	// identical recreate must cancel the archive row out
	again := models.DnsRecord{DomainID: d.ID, Name: "api", Type: models.RecordA, Content: "1.2.3.4", Proxied: true, ManagedBy: models.ManagedBySystem}
	if err := s.CreateDnsRecord(&again); err != nil {
		t.Fatalf("recreate record: %v", err)
	}

	arch, err := s.ListArchivedDnsRecords()
	if err != nil {
		t.Fatalf("list archived: %v", err)
	}
	if len(arch) != 0 {
		t.Fatalf("expected archive to be consumed, got %d rows", len(arch))
	}
}

func TestUpdateDnsRecordArchivesOldIdentity(t *testing.T) {
	s := newTestStore(t)
	d := mustDomain(t, s, "example.com")

	rec := models.DnsRecord{DomainID: d.ID, Name: "api", Type: models.RecordA, Content: "1.2.3.4", ManagedBy: models.ManagedByUser}
	if err := s.CreateDnsRecord(&rec); err != nil {
		t.Fatalf("create record: %v", err)
	}

	rec.Content = "5.6.7.8"
	if err := s.UpdateDnsRecord(&rec); err != nil {
		t.Fatalf("update record: %v", err)
	}
	arch, _ := s.ListArchivedDnsRecords()
	if len(arch) != 1 || arch[0].Content != "1.2.3.4" {
		t.Fatalf("expected archive of old content, got %+v", arch)
	}

	// a no-op update must not archive again
	if err := s.UpdateDnsRecord(&rec); err != nil {
		t.Fatalf("noop update: %v", err)
	}
	arch, _ = s.ListArchivedDnsRecords()
	if len(arch) != 1 {
		t.Fatalf("noop update created archive rows, got %d", len(arch))
	}
}

func TestFindDnsRecord(t *testing.T) {
	s := newTestStore(t)
	d := mustDomain(t, s, "example.com")

	rec := models.DnsRecord{DomainID: d.ID, Name: "gw1.direct", Type: models.RecordA, Content: "9.9.9.9", ManagedBy: models.ManagedBySystem}
	if err := s.CreateDnsRecord(&rec); err != nil {
		t.Fatalf("create record: %v", err)
	}

	got, ok, err := s.FindDnsRecord(d.ID, "gw1.direct", models.RecordA)
	if err != nil || !ok {
		t.Fatalf("find: ok=%v err=%v", ok, err)
	}
	if got.Content != "9.9.9.9" {
		t.Errorf("unexpected record: %+v", got)
	}

	_, ok, err = s.FindDnsRecord(d.ID, "nope", models.RecordA)
	if err != nil || ok {
		t.Fatalf("expected miss, ok=%v err=%v", ok, err)
	}
}

func TestListDnsRecordsFilter(t *testing.T) {
	s := newTestStore(t)
	d := mustDomain(t, s, "example.com")

	for _, r := range []models.DnsRecord{
		{DomainID: d.ID, Name: "@", Type: models.RecordA, Content: "1.1.1.1", ManagedBy: models.ManagedBySystem},
		{DomainID: d.ID, Name: "www", Type: models.RecordCNAME, Content: "example.com", ManagedBy: models.ManagedByUser},
		{DomainID: d.ID, Name: "old", Type: models.RecordA, Content: "2.2.2.2", ManagedBy: models.ManagedByImported},
	} {
		rec := r
		if err := s.CreateDnsRecord(&rec); err != nil {
			t.Fatalf("create: %v", err)
		}
	}

	got, err := s.ListDnsRecords(DnsRecordFilter{ManagedBy: []models.ManagedBy{models.ManagedBySystem, models.ManagedByUser}})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 records, got %d", len(got))
	}
}

func TestRouteHostReplacement(t *testing.T) {
	s := newTestStore(t)
	d := mustDomain(t, s, "example.com")

	w := 3
	rt := models.Route{
		DomainID: d.ID, Subdomain: "api", Protocol: models.RouteHTTP, Active: true,
		Hosts: []models.RouteHost{{Host: "10.0.0.1:8080", Weight: &w, Active: true}},
	}
	if err := s.CreateRoute(&rt); err != nil {
		t.Fatalf("create route: %v", err)
	}

	rt.Hosts = []models.RouteHost{
		{Host: "10.0.0.2:8080", Active: true},
		{Host: "10.0.0.3:8080", IsBackup: true, Active: true},
	}
	if err := s.UpdateRoute(&rt); err != nil {
		t.Fatalf("update route: %v", err)
	}

	routes, err := s.ListActiveRoutes()
	if err != nil {
		t.Fatalf("list routes: %v", err)
	}
	if len(routes) != 1 || len(routes[0].Hosts) != 2 {
		t.Fatalf("expected 1 route with 2 hosts, got %+v", routes)
	}
	if routes[0].Domain.Name != "example.com" {
		t.Errorf("domain not preloaded: %+v", routes[0].Domain)
	}
}

func TestInactiveFlagsPersist(t *testing.T) {
	s := newTestStore(t)
	d := mustDomain(t, s, "example.com")

	rt := models.Route{
		DomainID: d.ID, Subdomain: "paused", Protocol: models.RouteHTTP, Active: false,
		Hosts: []models.RouteHost{{Host: "10.0.0.1:8080", Active: false}},
	}
	if err := s.CreateRoute(&rt); err != nil {
		t.Fatalf("create route: %v", err)
	}

	routes, err := s.ListRoutesByDomain(d.ID)
	if err != nil {
		t.Fatalf("list routes: %v", err)
	}
	if len(routes) != 1 || routes[0].Active {
		t.Fatalf("inactive route came back active: %+v", routes)
	}
	if len(routes[0].Hosts) != 1 || routes[0].Hosts[0].Active {
		t.Fatalf("inactive host came back active: %+v", routes[0].Hosts)
	}

	active, err := s.ListActiveRoutes()
	if err != nil {
		t.Fatalf("list active routes: %v", err)
	}
	if len(active) != 0 {
		t.Fatalf("inactive route must not be listed as active: %+v", active)
	}

	srv := models.GatewayServer{Name: "edge-1", Host: "1.2.3.4", BindPort: 7000}
	if err := s.CreateGatewayServer(&srv); err != nil {
		t.Fatalf("create server: %v", err)
	}
	cl := models.GatewayClient{Name: "client-1", ServerID: srv.ID}
	if err := s.CreateGatewayClient(&cl); err != nil {
		t.Fatalf("create client: %v", err)
	}
	conn := models.GatewayConnection{
		Name: "paused", ClientID: cl.ID, Protocol: models.GatewayTCP,
		LocalIP: "127.0.0.1", LocalPort: 80, RemotePort: 80,
		ManagedBy: models.ManagedByUser, Active: false,
	}
	if err := s.CreateGatewayConnection(&conn); err != nil {
		t.Fatalf("create connection: %v", err)
	}
	conns, err := s.ListGatewayConnections(cl.ID)
	if err != nil {
		t.Fatalf("list connections: %v", err)
	}
	if len(conns) != 1 || conns[0].Active {
		t.Fatalf("inactive connection came back active: %+v", conns)
	}
}

func TestDeleteDomainArchivesRecords(t *testing.T) {
	s := newTestStore(t)
	d := mustDomain(t, s, "example.com")

	rec := models.DnsRecord{DomainID: d.ID, Name: "@", Type: models.RecordA, Content: "1.1.1.1", ManagedBy: models.ManagedByUser}
	if err := s.CreateDnsRecord(&rec); err != nil {
		t.Fatalf("create record: %v", err)
	}
	if err := s.DeleteDomain(d.ID); err != nil {
		t.Fatalf("delete domain: %v", err)
	}
	arch, _ := s.ListArchivedDnsRecords()
	if len(arch) != 1 {
		t.Fatalf("expected domain records archived, got %d rows", len(arch))
	}
}
