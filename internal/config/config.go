package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// CertMode selects which certificate manager feeds the reverse-proxy
// configuration.
type CertMode string

const (
	CertModeOriginCA CertMode = "origin_ca"
	CertModeACME     CertMode = "acme"
)

// Config captures runtime configuration for the controller.
type Config struct {
	DataDir    string
	SQLitePath string
	Port       int

	LocalIP string

	EnableNginx      bool
	EnableCloudflare bool

	NginxHTTPConfPath   string
	NginxStreamConfPath string
	NginxReloadCommand  string

	CloudflareAPIToken string
	OriginCAKey        string
	CertMode           CertMode

	OriginCAValidityDays int
	OriginCARenewBefore  time.Duration
	OriginCASSLDir       string

	ACMEEmail       string
	ACMEProduction  bool
	ACMEWebrootDir  string
	ACMESSLDir      string
	ACMERenewBefore time.Duration
	ACMETimeout     time.Duration

	IPRangeCachePath string
	IPRangeTTL       time.Duration
}

// Load reads configuration values from environment variables with sensible defaults.
func Load() (*Config, error) {
	dataDir := getEnvDefault("DATA_DIR", "./data")
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	sqlitePath := getEnvDefault("SQLITE_PATH", filepath.Join(dataDir, "edgeplane.db"))

	port, err := getEnvInt("PORT", 8000)
	if err != nil {
		return nil, fmt.Errorf("invalid PORT: %w", err)
	}

	enableNginx, err := getEnvBool("ENABLE_NGINX", false)
	if err != nil {
		return nil, fmt.Errorf("invalid ENABLE_NGINX: %w", err)
	}
	enableCloudflare, err := getEnvBool("ENABLE_CLOUDFLARE", false)
	if err != nil {
		return nil, fmt.Errorf("invalid ENABLE_CLOUDFLARE: %w", err)
	}

	certMode := CertMode(getEnvDefault("CERT_MODE", string(CertModeOriginCA)))
	switch certMode {
	case CertModeOriginCA, CertModeACME:
	default:
		return nil, fmt.Errorf("invalid CERT_MODE %q", certMode)
	}

	validityDays, err := getEnvInt("CF_CERT_DAYS", 365*15)
	if err != nil {
		return nil, fmt.Errorf("invalid CF_CERT_DAYS: %w", err)
	}
	renewSoonDays, err := getEnvInt("CF_RENEW_SOON_DAYS", 30)
	if err != nil {
		return nil, fmt.Errorf("invalid CF_RENEW_SOON_DAYS: %w", err)
	}

	acmeProduction, err := getEnvBool("LE_PRODUCTION", false)
	if err != nil {
		return nil, fmt.Errorf("invalid LE_PRODUCTION: %w", err)
	}
	acmeRenewDays, err := getEnvInt("LE_RENEW_SOON_DAYS", 30)
	if err != nil {
		return nil, fmt.Errorf("invalid LE_RENEW_SOON_DAYS: %w", err)
	}
	acmeTimeoutSeconds, err := getEnvInt("LE_TIMEOUT_SECONDS", 300)
	if err != nil {
		return nil, fmt.Errorf("invalid LE_TIMEOUT_SECONDS: %w", err)
	}

	ipRangeTTLHours, err := getEnvInt("CF_IP_CACHE_TTL_HOURS", 24)
	if err != nil {
		return nil, fmt.Errorf("invalid CF_IP_CACHE_TTL_HOURS: %w", err)
	}

	cfg := &Config{
		DataDir:    dataDir,
		SQLitePath: sqlitePath,
		Port:       port,

		LocalIP: getEnvDefault("LOCAL_IP", "127.0.0.1"),

		EnableNginx:      enableNginx,
		EnableCloudflare: enableCloudflare,

		NginxHTTPConfPath:   getEnvDefault("NGINX_HTTP_CONF_PATH", "/etc/nginx/conf.d/edge_http.conf"),
		NginxStreamConfPath: getEnvDefault("NGINX_STREAM_CONF_PATH", "/etc/nginx/stream.d/edge_stream.conf"),
		NginxReloadCommand:  getEnvDefault("NGINX_RELOAD_CMD", "nginx -s reload"),

		CloudflareAPIToken: os.Getenv("CLOUDFLARE_API_TOKEN"),
		OriginCAKey:        os.Getenv("CF_ORIGIN_CA_KEY"),
		CertMode:           certMode,

		OriginCAValidityDays: validityDays,
		OriginCARenewBefore:  time.Duration(renewSoonDays) * 24 * time.Hour,
		OriginCASSLDir:       getEnvDefault("CF_SSL_DIR", "/etc/nginx/ssl"),

		ACMEEmail:       os.Getenv("LE_EMAIL"),
		ACMEProduction:  acmeProduction,
		ACMEWebrootDir:  getEnvDefault("LE_ACME_DIR", "/var/www/acme"),
		ACMESSLDir:      getEnvDefault("LE_SSL_DIR", "/etc/letsencrypt"),
		ACMERenewBefore: time.Duration(acmeRenewDays) * 24 * time.Hour,
		ACMETimeout:     time.Duration(acmeTimeoutSeconds) * time.Second,

		IPRangeCachePath: getEnvDefault("CF_IP_CACHE_PATH", filepath.Join(dataDir, "cloudflare_ips.json")),
		IPRangeTTL:       time.Duration(ipRangeTTLHours) * time.Hour,
	}

	if cfg.EnableCloudflare && cfg.CloudflareAPIToken == "" {
		return nil, fmt.Errorf("CLOUDFLARE_API_TOKEN must be provided when ENABLE_CLOUDFLARE is set")
	}

	return cfg, nil
}

func getEnvDefault(key, def string) string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	return v
}

func getEnvInt(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	return strconv.Atoi(v)
}

func getEnvBool(key string, def bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	switch strings.ToLower(v) {
	case "1", "true", "yes", "y", "on":
		return true, nil
	case "0", "false", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("invalid boolean value %q", v)
	}
}
