package propagate

import (
	"fmt"
	"sort"
	"strconv"

	"github.com/sirupsen/logrus"

	"github.com/yniverz/edgeplane/internal/models"
	"github.com/yniverz/edgeplane/internal/store"
)

// Propagator derives every SYSTEM-owned DNS record and gateway connection
// from the domain, route and gateway configuration. It touches only the
// store, never the network, and a run against unchanged configuration
// produces the identical SYSTEM set.
type Propagator struct {
	store   store.Store
	localIP string
	log     *logrus.Entry
}

// New builds a Propagator forwarding local listeners at localIP.
func New(st store.Store, localIP string, log *logrus.Entry) *Propagator {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Propagator{store: st, localIP: localIP, log: log}
}

// Propagate rebuilds the SYSTEM-tagged slice of the store. SYSTEM rows are
// deleted first; records recreated unchanged cancel their archive rows out,
// so an unchanged configuration leaves no archive trace.
func (p *Propagator) Propagate() error {
	if err := p.store.DeleteGatewayConnectionsByManagedBy(models.ManagedBySystem); err != nil {
		return fmt.Errorf("clear system connections: %w", err)
	}
	if err := p.store.DeleteDnsRecordsByManagedBy(models.ManagedBySystem); err != nil {
		return fmt.Errorf("clear system records: %w", err)
	}

	domains, err := p.store.ListDomains()
	if err != nil {
		return fmt.Errorf("list domains: %w", err)
	}
	routes, err := p.store.ListActiveRoutes()
	if err != nil {
		return fmt.Errorf("list routes: %w", err)
	}
	clients, err := p.store.ListGatewayClients()
	if err != nil {
		return fmt.Errorf("list gateway clients: %w", err)
	}

	forwardPorts := p.forwardPorts(routes)

	originIPs := make([]string, 0, len(clients))
	seenIP := make(map[string]bool)
	for _, client := range clients {
		if !client.IsOrigin {
			continue
		}
		for _, port := range forwardPorts {
			conn := models.GatewayConnection{
				Name:       fmt.Sprintf("origin_%s_%d", client.Server.Name, port),
				ClientID:   client.ID,
				Protocol:   models.GatewayTCP,
				LocalIP:    p.localIP,
				LocalPort:  port,
				RemotePort: port,
				ManagedBy:  models.ManagedBySystem,
				Active:     true,
			}
			if err := p.store.CreateGatewayConnection(&conn); err != nil {
				return fmt.Errorf("create connection %s: %w", conn.Name, err)
			}
		}

		for _, domain := range domains {
			if !domain.UseForDirectPrefix {
				continue
			}
			name := client.Server.Name + ".direct"
			if err := p.upsertDirect(domain, name, client.Server.Host); err != nil {
				return err
			}
		}

		if !seenIP[client.Server.Host] {
			seenIP[client.Server.Host] = true
			originIPs = append(originIPs, client.Server.Host)
		}
	}

	existing, err := p.existingTuples()
	if err != nil {
		return err
	}

	// wildcard records for subdomains that have deeper subdomains below them
	for _, route := range routes {
		if !route.Domain.AutoWildcard || route.Subdomain == "@" {
			continue
		}
		multilevel := false
		for _, other := range routes {
			if other.DomainID == route.DomainID && models.IsDescendantSubdomain(other.Subdomain, route.Subdomain) {
				multilevel = true
				break
			}
		}
		if !multilevel {
			continue
		}
		for _, ip := range originIPs {
			if err := p.ensureSystemA(existing, route.DomainID, "*."+route.Subdomain, ip); err != nil {
				return err
			}
		}
	}

	// apex and root wildcard records, independently gated on route presence
	for _, domain := range domains {
		if !domain.AutoWildcard {
			continue
		}
		hasRoot, hasNonRoot := false, false
		for _, route := range routes {
			if route.DomainID != domain.ID {
				continue
			}
			if route.Subdomain == "@" {
				hasRoot = true
			} else {
				hasNonRoot = true
			}
		}
		for _, ip := range originIPs {
			if hasRoot {
				if err := p.ensureSystemA(existing, domain.ID, "@", ip); err != nil {
					return err
				}
			}
			if hasNonRoot {
				if err := p.ensureSystemA(existing, domain.ID, "*", ip); err != nil {
					return err
				}
			}
		}
	}

	return nil
}

// forwardPorts returns the ports every origin tunnel must forward: the edge
// listeners plus each active STREAM route's port.
func (p *Propagator) forwardPorts(routes []models.Route) []int {
	ports := map[int]bool{80: true, 443: true}
	for _, route := range routes {
		if route.Protocol != models.RouteStream {
			continue
		}
		port, err := strconv.Atoi(route.PathPrefix)
		if err != nil || port <= 0 || port > 65535 {
			p.log.WithField("route", route.ID).Warnf("stream route has non-numeric port %q", route.PathPrefix)
			continue
		}
		ports[port] = true
	}
	out := make([]int, 0, len(ports))
	for port := range ports {
		out = append(out, port)
	}
	sort.Ints(out)
	return out
}

// upsertDirect keeps one non-proxied A record per gateway server name,
// updating in place so a still-correct address causes no archive churn.
func (p *Propagator) upsertDirect(domain models.Domain, name, ip string) error {
	rec, ok, err := p.store.FindDnsRecord(domain.ID, name, models.RecordA)
	if err != nil {
		return fmt.Errorf("lookup direct record %s: %w", name, err)
	}
	if ok {
		rec.Content = ip
		rec.Proxied = false
		rec.ManagedBy = models.ManagedBySystem
		if err := p.store.UpdateDnsRecord(&rec); err != nil {
			return fmt.Errorf("update direct record %s: %w", name, err)
		}
		return nil
	}
	rec = models.DnsRecord{
		DomainID:  domain.ID,
		Name:      name,
		Type:      models.RecordA,
		Content:   ip,
		Proxied:   false,
		ManagedBy: models.ManagedBySystem,
	}
	if err := p.store.CreateDnsRecord(&rec); err != nil {
		return fmt.Errorf("create direct record %s: %w", name, err)
	}
	return nil
}

type tuple struct {
	domainID uint
	name     string
	rtype    models.RecordType
	content  string
}

func (p *Propagator) existingTuples() (map[tuple]bool, error) {
	recs, err := p.store.ListDnsRecords(store.DnsRecordFilter{})
	if err != nil {
		return nil, fmt.Errorf("list records: %w", err)
	}
	out := make(map[tuple]bool, len(recs))
	for _, rec := range recs {
		out[tuple{rec.DomainID, rec.Name, rec.Type, rec.Content}] = true
	}
	return out, nil
}

// ensureSystemA creates a proxied SYSTEM A record unless an identical one
// already exists (from a previous step of this run or a USER entry).
func (p *Propagator) ensureSystemA(existing map[tuple]bool, domainID uint, name, ip string) error {
	key := tuple{domainID, name, models.RecordA, ip}
	if existing[key] {
		return nil
	}
	rec := models.DnsRecord{
		DomainID:  domainID,
		Name:      name,
		Type:      models.RecordA,
		Content:   ip,
		Proxied:   true,
		ManagedBy: models.ManagedBySystem,
	}
	if err := p.store.CreateDnsRecord(&rec); err != nil {
		return fmt.Errorf("create record %s: %w", name, err)
	}
	existing[key] = true
	return nil
}
