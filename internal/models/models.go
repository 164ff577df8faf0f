package models

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// ManagedBy tracks who owns a record and therefore who may mutate it.
type ManagedBy string

const (
	// ManagedBySystem marks records derived from configuration; they are
	// deleted and rebuilt wholesale on every propagation run.
	ManagedBySystem ManagedBy = "SYSTEM"
	// ManagedByUser marks records entered through the API; only explicit
	// user action may change them.
	ManagedByUser ManagedBy = "USER"
	// ManagedByImported marks records mirrored from the DNS provider; they
	// are replaced on every reconciliation pass.
	ManagedByImported ManagedBy = "IMPORTED"
)

// Valid reports whether the tag is one of the closed set.
func (m ManagedBy) Valid() bool {
	switch m {
	case ManagedBySystem, ManagedByUser, ManagedByImported:
		return true
	}
	return false
}

// RecordType is a supported DNS record type.
type RecordType string

const (
	RecordA     RecordType = "A"
	RecordAAAA  RecordType = "AAAA"
	RecordCNAME RecordType = "CNAME"
	RecordTXT   RecordType = "TXT"
	RecordMX    RecordType = "MX"
	RecordNS    RecordType = "NS"
	RecordSRV   RecordType = "SRV"
)

// Valid reports whether the type is supported.
func (t RecordType) Valid() bool {
	switch t {
	case RecordA, RecordAAAA, RecordCNAME, RecordTXT, RecordMX, RecordNS, RecordSRV:
		return true
	}
	return false
}

// CanProxy reports whether the provider accepts a proxy flag for this type.
func (t RecordType) CanProxy() bool {
	switch t {
	case RecordA, RecordAAAA, RecordCNAME:
		return true
	}
	return false
}

// Domain is a zone managed by the system.
type Domain struct {
	ID                 uint   `gorm:"primarykey" json:"id"`
	Name               string `gorm:"uniqueIndex;size:255" json:"name"`
	AutoWildcard       bool   `json:"auto_wildcard"`
	UseForDirectPrefix bool   `json:"use_for_direct_prefix"`
	DNSProxyEnabled    bool   `json:"dns_proxy_enabled"`
}

// Validate performs minimal sanity checks.
func (d *Domain) Validate() error {
	d.Name = strings.ToLower(strings.TrimSuffix(strings.TrimSpace(d.Name), "."))
	if d.Name == "" {
		return ErrValidation("domain name must be provided")
	}
	if strings.Contains(d.Name, "/") || strings.Contains(d.Name, " ") {
		return ErrValidation("domain name contains invalid characters")
	}
	return nil
}

// DnsRecord is a single DNS record belonging to a Domain. Name is relative
// to the zone, "@" meaning the apex.
type DnsRecord struct {
	ID        uint              `gorm:"primarykey" json:"id"`
	DomainID  uint              `gorm:"uniqueIndex:uq_dns_key,priority:1" json:"domain_id"`
	Domain    Domain            `gorm:"constraint:OnDelete:CASCADE" json:"-"`
	Name      string            `gorm:"uniqueIndex:uq_dns_key,priority:2;size:255" json:"name"`
	Type      RecordType        `gorm:"uniqueIndex:uq_dns_key,priority:3;size:16" json:"type"`
	Content   string            `gorm:"uniqueIndex:uq_dns_key,priority:4;size:1024" json:"content"`
	TTL       int               `gorm:"default:1" json:"ttl"`
	Priority  *int              `json:"priority,omitempty"`
	Proxied   bool              `gorm:"uniqueIndex:uq_dns_key,priority:5" json:"proxied"`
	ManagedBy ManagedBy         `gorm:"size:16;default:USER" json:"managed_by"`
	Meta      map[string]string `gorm:"serializer:json" json:"meta,omitempty"`
}

// Validate performs minimal sanity checks.
func (r *DnsRecord) Validate() error {
	r.Name = strings.TrimSpace(r.Name)
	if r.Name == "" {
		r.Name = "@"
	}
	if !r.Type.Valid() {
		return ErrValidation(fmt.Sprintf("unsupported record type %q", r.Type))
	}
	if r.Content == "" {
		return ErrValidation("record content must be provided")
	}
	if !r.ManagedBy.Valid() {
		return ErrValidation(fmt.Sprintf("invalid managed_by %q", r.ManagedBy))
	}
	if r.TTL <= 0 {
		r.TTL = 1 // provider convention for "auto"
	}
	if !r.Type.CanProxy() {
		r.Proxied = false
	}
	return nil
}

// FQDN resolves the record's relative name against the zone name.
func (r DnsRecord) FQDN(zone string) string {
	return FQDN(zone, r.Name)
}

// FQDN joins a relative name with its zone, "@" and "" meaning the apex.
func FQDN(zone, name string) string {
	if name == "@" || name == "" {
		return zone
	}
	return name + "." + zone
}

// RelativeName converts a provider FQDN back into a zone-relative name.
// Names outside the zone are returned unchanged.
func RelativeName(zone, fqdn string) string {
	if fqdn == zone {
		return "@"
	}
	suffix := "." + zone
	if strings.HasSuffix(fqdn, suffix) {
		rel := strings.TrimSuffix(fqdn, suffix)
		if rel == "" {
			return "@"
		}
		return rel
	}
	return fqdn
}

// DnsRecordArchive is an append-only history row for a deleted or superseded
// DNS record. It carries no uniqueness constraint and no foreign key so it
// outlives its domain row.
type DnsRecordArchive struct {
	ID        uint       `gorm:"primarykey" json:"id"`
	DomainID  uint       `json:"domain_id"`
	Name      string     `gorm:"size:255" json:"name"`
	Type      RecordType `gorm:"size:16" json:"type"`
	Content   string     `gorm:"size:1024" json:"content"`
	Proxied   bool       `json:"proxied"`
	ManagedBy ManagedBy  `gorm:"size:16" json:"managed_by"`
	CreatedAt time.Time  `json:"created_at"`
}

// ArchiveOf captures the identity of a record into an archive row.
func ArchiveOf(rec DnsRecord) DnsRecordArchive {
	return DnsRecordArchive{
		DomainID:  rec.DomainID,
		Name:      rec.Name,
		Type:      rec.Type,
		Content:   rec.Content,
		Proxied:   rec.Proxied,
		ManagedBy: rec.ManagedBy,
	}
}

// RouteProtocol describes how a route is served.
type RouteProtocol string

const (
	RouteHTTP     RouteProtocol = "HTTP"
	RouteHTTPS    RouteProtocol = "HTTPS"
	RouteStream   RouteProtocol = "STREAM"
	RouteRedirect RouteProtocol = "REDIRECT"
)

// Valid reports whether the protocol is supported.
func (p RouteProtocol) Valid() bool {
	switch p {
	case RouteHTTP, RouteHTTPS, RouteStream, RouteRedirect:
		return true
	}
	return false
}

// Route maps a (subdomain, path prefix) of a domain onto a set of backend
// hosts. Subdomain is a dot separated label path, "@" meaning the root.
// For STREAM routes the path prefix field carries the listen port instead.
type Route struct {
	ID          uint          `gorm:"primarykey" json:"id"`
	DomainID    uint          `gorm:"uniqueIndex:uq_route_key,priority:1" json:"domain_id"`
	Domain      Domain        `gorm:"constraint:OnDelete:CASCADE" json:"-"`
	Subdomain   string        `gorm:"uniqueIndex:uq_route_key,priority:2;size:255" json:"subdomain"`
	Protocol    RouteProtocol `gorm:"size:16;default:HTTP" json:"protocol"`
	PathPrefix  string        `gorm:"uniqueIndex:uq_route_key,priority:3;size:255;default:/" json:"path_prefix"`
	BackendPath string        `gorm:"size:255" json:"backend_path"`
	Hosts       []RouteHost   `gorm:"constraint:OnDelete:CASCADE" json:"hosts"`
	Active      bool          `json:"active"`
}

// Validate performs minimal sanity checks.
func (r *Route) Validate() error {
	r.Subdomain = strings.TrimSpace(r.Subdomain)
	if r.Subdomain == "" {
		r.Subdomain = "@"
	}
	if !r.Protocol.Valid() {
		return ErrValidation(fmt.Sprintf("unsupported route protocol %q", r.Protocol))
	}
	if r.PathPrefix == "" {
		r.PathPrefix = "/"
	}
	return nil
}

// Hostname resolves the route's subdomain against the zone name.
func (r Route) Hostname(zone string) string {
	return FQDN(zone, r.Subdomain)
}

// ActiveHosts returns the hosts that participate in load balancing.
func (r Route) ActiveHosts() []RouteHost {
	out := make([]RouteHost, 0, len(r.Hosts))
	for _, h := range r.Hosts {
		if h.Active {
			out = append(out, h)
		}
	}
	return out
}

// IsDescendantSubdomain reports whether child sits strictly below parent in
// the label hierarchy ("v2.api" is a descendant of "api", never of itself).
func IsDescendantSubdomain(child, parent string) bool {
	if child == parent || parent == "@" || parent == "" {
		return false
	}
	return strings.HasSuffix(child, "."+parent)
}

// RouteHost is one weighted upstream target of a Route.
type RouteHost struct {
	ID          uint   `gorm:"primarykey" json:"id"`
	RouteID     uint   `json:"route_id"`
	Host        string `gorm:"size:255" json:"host"`
	Weight      *int   `json:"weight,omitempty"`
	MaxFails    *int   `json:"max_fails,omitempty"`
	FailTimeout *int   `json:"fail_timeout,omitempty"`
	IsBackup    bool   `json:"is_backup"`
	Active      bool   `json:"active"`
}

// UnmarshalJSON defaults Active to true so that a host listed without the
// flag participates in load balancing. An explicit false survives.
func (h *RouteHost) UnmarshalJSON(b []byte) error {
	type plain RouteHost
	p := plain(*h)
	p.Active = true
	if err := json.Unmarshal(b, &p); err != nil {
		return err
	}
	*h = RouteHost(p)
	return nil
}

// GatewayProtocol is the transport of a tunnel connection.
type GatewayProtocol string

const (
	GatewayTCP GatewayProtocol = "tcp"
	GatewayUDP GatewayProtocol = "udp"
)

// GatewayServer is a tunnel endpoint reachable from the public internet.
type GatewayServer struct {
	ID                 uint       `gorm:"primarykey" json:"id"`
	Name               string     `gorm:"uniqueIndex;size:64" json:"name"`
	Host               string     `gorm:"size:255" json:"host"`
	BindPort           int        `json:"bind_port"`
	AuthToken          string     `gorm:"size:128" json:"-"`
	LastConfigPullTime *time.Time `json:"last_config_pull_time,omitempty"`
}

// GatewayClient is a tunnel client attached to a GatewayServer. A client
// flagged as origin forwards the local edge listeners through its server.
type GatewayClient struct {
	ID                 uint          `gorm:"primarykey" json:"id"`
	Name               string        `gorm:"uniqueIndex;size:64" json:"name"`
	ServerID           uint          `json:"server_id"`
	Server             GatewayServer `gorm:"constraint:OnDelete:CASCADE" json:"server"`
	IsOrigin           bool          `json:"is_origin"`
	LastConfigPullTime *time.Time    `json:"last_config_pull_time,omitempty"`
}

// GatewayConnection forwards one port through a client's tunnel.
type GatewayConnection struct {
	ID         uint            `gorm:"primarykey" json:"id"`
	Name       string          `gorm:"size:64" json:"name"`
	ClientID   uint            `json:"client_id"`
	Client     GatewayClient   `gorm:"constraint:OnDelete:CASCADE" json:"-"`
	Protocol   GatewayProtocol `gorm:"size:8;default:tcp" json:"protocol"`
	LocalIP    string          `gorm:"size:45" json:"local_ip"`
	LocalPort  int             `json:"local_port"`
	RemotePort int             `json:"remote_port"`
	Flags      []string        `gorm:"serializer:json" json:"flags,omitempty"`
	ManagedBy  ManagedBy       `gorm:"size:16;default:USER" json:"managed_by"`
	Active     bool            `json:"active"`
}

// ErrValidation indicates input validation failure.
type ErrValidation string

func (e ErrValidation) Error() string {
	return string(e)
}
