package store

import (
	"github.com/yniverz/edgeplane/internal/models"
)

// DnsRecordFilter narrows ListDnsRecords. Zero values match everything.
type DnsRecordFilter struct {
	DomainID  uint
	ManagedBy []models.ManagedBy
}

// Store is the typed repository surface over the configuration database.
// All mutating record operations maintain the archive table: deleting or
// superseding a DnsRecord writes an archive row, and creating a record
// consumes any archive row carrying the same identity, so that a record
// deleted and recreated unchanged leaves no archive trace behind.
type Store interface {
	CreateDomain(d *models.Domain) error
	UpdateDomain(d *models.Domain) error
	DeleteDomain(id uint) error
	GetDomain(name string) (models.Domain, error)
	GetDomainByID(id uint) (models.Domain, error)
	ListDomains() ([]models.Domain, error)

	CreateRoute(r *models.Route) error
	UpdateRoute(r *models.Route) error
	DeleteRoute(id uint) error
	ListRoutes() ([]models.Route, error)
	ListRoutesByDomain(domainID uint) ([]models.Route, error)
	ListActiveRoutes() ([]models.Route, error)

	CreateDnsRecord(r *models.DnsRecord) error
	UpdateDnsRecord(r *models.DnsRecord) error
	DeleteDnsRecord(id uint) error
	DeleteDnsRecordsByManagedBy(m models.ManagedBy) error
	ListDnsRecords(f DnsRecordFilter) ([]models.DnsRecord, error)
	FindDnsRecord(domainID uint, name string, t models.RecordType) (models.DnsRecord, bool, error)

	ListArchivedDnsRecords() ([]models.DnsRecordArchive, error)
	DeleteArchivedDnsRecord(id uint) error

	CreateGatewayServer(s *models.GatewayServer) error
	GetGatewayServerByName(name string) (models.GatewayServer, error)
	ListGatewayServers() ([]models.GatewayServer, error)
	TouchGatewayServerPull(id uint) error

	CreateGatewayClient(c *models.GatewayClient) error
	GetGatewayClientByName(name string) (models.GatewayClient, error)
	ListGatewayClients() ([]models.GatewayClient, error)
	TouchGatewayClientPull(id uint) error

	CreateGatewayConnection(c *models.GatewayConnection) error
	ListGatewayConnections(clientID uint) ([]models.GatewayConnection, error)
	ListAllGatewayConnections() ([]models.GatewayConnection, error)
	DeleteGatewayConnectionsByManagedBy(m models.ManagedBy) error
}
