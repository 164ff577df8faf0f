package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/yniverz/edgeplane/internal/models"
)

// ErrNotFound is returned by Get* lookups when no row matches.
var ErrNotFound = errors.New("not found")

type database struct {
	db *gorm.DB
}

// New opens the sqlite database at dsn, runs migrations and returns the
// Store implementation.
func New(ctx context.Context, dsn string, config *gorm.Config) (Store, error) {
	if config == nil {
		config = &gorm.Config{
			Logger: logger.Default.LogMode(logger.Silent),
		}
	}

	db, err := gorm.Open(sqlite.Open(dsn), config)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.Exec("PRAGMA foreign_keys = ON")
	db = db.WithContext(ctx)

	if err := db.AutoMigrate(
		&models.Domain{},
		&models.Route{},
		&models.RouteHost{},
		&models.DnsRecord{},
		&models.DnsRecordArchive{},
		&models.GatewayServer{},
		&models.GatewayClient{},
		&models.GatewayConnection{},
	); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return &database{db: db}, nil
}

func translate(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return err
}

func (d *database) CreateDomain(dom *models.Domain) error {
	if err := dom.Validate(); err != nil {
		return err
	}
	return d.db.Create(dom).Error
}

func (d *database) UpdateDomain(dom *models.Domain) error {
	if err := dom.Validate(); err != nil {
		return err
	}
	return d.db.Save(dom).Error
}

// DeleteDomain removes a domain together with its routes and records.
// The domain's records are archived first so the next reconciliation pass
// cleans them up at the provider.
func (d *database) DeleteDomain(id uint) error {
	return d.db.Transaction(func(tx *gorm.DB) error {
		var recs []models.DnsRecord
		if err := tx.Where("domain_id = ?", id).Find(&recs).Error; err != nil {
			return err
		}
		for _, rec := range recs {
			arch := models.ArchiveOf(rec)
			if err := tx.Create(&arch).Error; err != nil {
				return err
			}
		}
		if err := tx.Where("domain_id = ?", id).Delete(&models.DnsRecord{}).Error; err != nil {
			return err
		}
		if err := tx.Where("domain_id = ?", id).Delete(&models.Route{}).Error; err != nil {
			return err
		}
		return tx.Delete(&models.Domain{}, id).Error
	})
}

func (d *database) GetDomain(name string) (models.Domain, error) {
	var dom models.Domain
	err := d.db.Where("name = ?", name).First(&dom).Error
	return dom, translate(err)
}

func (d *database) GetDomainByID(id uint) (models.Domain, error) {
	var dom models.Domain
	err := d.db.First(&dom, id).Error
	return dom, translate(err)
}

func (d *database) ListDomains() ([]models.Domain, error) {
	var out []models.Domain
	err := d.db.Order("name").Find(&out).Error
	return out, err
}

func (d *database) CreateRoute(r *models.Route) error {
	if err := r.Validate(); err != nil {
		return err
	}
	return d.db.Create(r).Error
}

// UpdateRoute replaces the route row and its host list wholesale.
func (d *database) UpdateRoute(r *models.Route) error {
	if err := r.Validate(); err != nil {
		return err
	}
	return d.db.Transaction(func(tx *gorm.DB) error {
		if r.DomainID == 0 {
			var old models.Route
			if err := tx.First(&old, r.ID).Error; err != nil {
				return translate(err)
			}
			r.DomainID = old.DomainID
		}
		if err := tx.Where("route_id = ?", r.ID).Delete(&models.RouteHost{}).Error; err != nil {
			return err
		}
		for i := range r.Hosts {
			r.Hosts[i].ID = 0
			r.Hosts[i].RouteID = r.ID
		}
		return tx.Save(r).Error
	})
}

func (d *database) DeleteRoute(id uint) error {
	return d.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("route_id = ?", id).Delete(&models.RouteHost{}).Error; err != nil {
			return err
		}
		return tx.Delete(&models.Route{}, id).Error
	})
}

func (d *database) ListRoutes() ([]models.Route, error) {
	var out []models.Route
	err := d.db.Preload("Hosts").Preload("Domain").Order("id").Find(&out).Error
	return out, err
}

func (d *database) ListRoutesByDomain(domainID uint) ([]models.Route, error) {
	var out []models.Route
	err := d.db.Preload("Hosts").Preload("Domain").Where("domain_id = ?", domainID).Order("id").Find(&out).Error
	return out, err
}

func (d *database) ListActiveRoutes() ([]models.Route, error) {
	var out []models.Route
	err := d.db.Preload("Hosts").Preload("Domain").Where("active = ?", true).Order("id").Find(&out).Error
	return out, err
}

// CreateDnsRecord inserts a record, consuming any archive row with the same
// identity so a delete immediately followed by an identical recreate cancels
// out before the provider ever sees it.
func (d *database) CreateDnsRecord(r *models.DnsRecord) error {
	if err := r.Validate(); err != nil {
		return err
	}
	return d.db.Transaction(func(tx *gorm.DB) error {
		res := tx.Where("domain_id = ? AND name = ? AND type = ? AND content = ? AND proxied = ?",
			r.DomainID, r.Name, r.Type, r.Content, r.Proxied).
			Delete(&models.DnsRecordArchive{})
		if res.Error != nil {
			return res.Error
		}
		return tx.Create(r).Error
	})
}

// UpdateDnsRecord saves a record, archiving its previous identity when any
// identity field changed.
func (d *database) UpdateDnsRecord(r *models.DnsRecord) error {
	return d.db.Transaction(func(tx *gorm.DB) error {
		var old models.DnsRecord
		if err := tx.First(&old, r.ID).Error; err != nil {
			return translate(err)
		}
		if r.DomainID == 0 {
			r.DomainID = old.DomainID
		}
		if r.ManagedBy == "" {
			r.ManagedBy = old.ManagedBy
		}
		if err := r.Validate(); err != nil {
			return err
		}
		changed := old.Name != r.Name || old.Type != r.Type || old.Content != r.Content ||
			old.TTL != r.TTL || old.Proxied != r.Proxied || !intPtrEqual(old.Priority, r.Priority)
		if changed {
			arch := models.ArchiveOf(old)
			if err := tx.Create(&arch).Error; err != nil {
				return err
			}
		}
		return tx.Save(r).Error
	})
}

func (d *database) DeleteDnsRecord(id uint) error {
	return d.db.Transaction(func(tx *gorm.DB) error {
		var rec models.DnsRecord
		if err := tx.First(&rec, id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return nil
			}
			return err
		}
		arch := models.ArchiveOf(rec)
		if err := tx.Create(&arch).Error; err != nil {
			return err
		}
		return tx.Delete(&rec).Error
	})
}

func (d *database) DeleteDnsRecordsByManagedBy(m models.ManagedBy) error {
	return d.db.Transaction(func(tx *gorm.DB) error {
		var recs []models.DnsRecord
		if err := tx.Where("managed_by = ?", m).Find(&recs).Error; err != nil {
			return err
		}
		for _, rec := range recs {
			arch := models.ArchiveOf(rec)
			if err := tx.Create(&arch).Error; err != nil {
				return err
			}
		}
		return tx.Where("managed_by = ?", m).Delete(&models.DnsRecord{}).Error
	})
}

func (d *database) ListDnsRecords(f DnsRecordFilter) ([]models.DnsRecord, error) {
	q := d.db.Model(&models.DnsRecord{}).Order("id")
	if f.DomainID != 0 {
		q = q.Where("domain_id = ?", f.DomainID)
	}
	if len(f.ManagedBy) > 0 {
		q = q.Where("managed_by IN ?", f.ManagedBy)
	}
	var out []models.DnsRecord
	err := q.Find(&out).Error
	return out, err
}

func (d *database) FindDnsRecord(domainID uint, name string, t models.RecordType) (models.DnsRecord, bool, error) {
	var rec models.DnsRecord
	err := d.db.Where("domain_id = ? AND name = ? AND type = ?", domainID, name, t).First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return models.DnsRecord{}, false, nil
	}
	if err != nil {
		return models.DnsRecord{}, false, err
	}
	return rec, true, nil
}

func (d *database) ListArchivedDnsRecords() ([]models.DnsRecordArchive, error) {
	var out []models.DnsRecordArchive
	err := d.db.Order("id").Find(&out).Error
	return out, err
}

func (d *database) DeleteArchivedDnsRecord(id uint) error {
	return d.db.Delete(&models.DnsRecordArchive{}, id).Error
}

func (d *database) CreateGatewayServer(s *models.GatewayServer) error {
	return d.db.Create(s).Error
}

func (d *database) GetGatewayServerByName(name string) (models.GatewayServer, error) {
	var s models.GatewayServer
	err := d.db.Where("name = ?", name).First(&s).Error
	return s, translate(err)
}

func (d *database) ListGatewayServers() ([]models.GatewayServer, error) {
	var out []models.GatewayServer
	err := d.db.Order("name").Find(&out).Error
	return out, err
}

func (d *database) TouchGatewayServerPull(id uint) error {
	now := time.Now().UTC()
	return d.db.Model(&models.GatewayServer{}).Where("id = ?", id).
		Update("last_config_pull_time", now).Error
}

func (d *database) CreateGatewayClient(c *models.GatewayClient) error {
	return d.db.Create(c).Error
}

func (d *database) GetGatewayClientByName(name string) (models.GatewayClient, error) {
	var c models.GatewayClient
	err := d.db.Preload("Server").Where("name = ?", name).First(&c).Error
	return c, translate(err)
}

func (d *database) ListGatewayClients() ([]models.GatewayClient, error) {
	var out []models.GatewayClient
	err := d.db.Preload("Server").Order("name").Find(&out).Error
	return out, err
}

func (d *database) TouchGatewayClientPull(id uint) error {
	now := time.Now().UTC()
	return d.db.Model(&models.GatewayClient{}).Where("id = ?", id).
		Update("last_config_pull_time", now).Error
}

func (d *database) CreateGatewayConnection(c *models.GatewayConnection) error {
	return d.db.Create(c).Error
}

func (d *database) ListGatewayConnections(clientID uint) ([]models.GatewayConnection, error) {
	var out []models.GatewayConnection
	err := d.db.Where("client_id = ?", clientID).Order("id").Find(&out).Error
	return out, err
}

func (d *database) ListAllGatewayConnections() ([]models.GatewayConnection, error) {
	var out []models.GatewayConnection
	err := d.db.Order("id").Find(&out).Error
	return out, err
}

func (d *database) DeleteGatewayConnectionsByManagedBy(m models.ManagedBy) error {
	return d.db.Where("managed_by = ?", m).Delete(&models.GatewayConnection{}).Error
}

func intPtrEqual(a, b *int) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
