package config

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DNSBLZone is one blocklist zone with its scoring weight. Order in the
// configured list is priority order.
type DNSBLZone struct {
	Zone   string `yaml:"zone" json:"zone"`
	Weight int    `yaml:"weight" json:"weight"`
}

// Config represents the complete configuration for the diagnostics tools
type Config struct {
	// Providers
	AbuseIPDBKey string `yaml:"abuseipdb_key" json:"abuseipdb_key"`
	IPQSKey      string `yaml:"ipqs_key" json:"ipqs_key"`

	// Probing
	TimeoutSec    int         `yaml:"timeout_sec" json:"timeout_sec"`
	UA            string      `yaml:"ua" json:"ua"`
	DNSBLZones    []DNSBLZone `yaml:"dnsbl_zones" json:"dnsbl_zones"`
	DNSBLResolver string      `yaml:"dnsbl_resolver" json:"dnsbl_resolver"`

	// Scoring geography
	HomeCountry   string   `yaml:"home_country" json:"home_country"`
	GeoHighRisk   []string `yaml:"geo_high_risk" json:"geo_high_risk"`
	GeoMediumRisk []string `yaml:"geo_medium_risk" json:"geo_medium_risk"`

	// Service
	ListenAddr  string `yaml:"listen_addr" json:"listen_addr"`
	Concurrency int    `yaml:"concurrency" json:"concurrency"`
	RatePerMin  int    `yaml:"rate_per_min" json:"rate_per_min"`
	RateBurst   int    `yaml:"rate_burst" json:"rate_burst"`
	CacheTTLSec int    `yaml:"cache_ttl_sec" json:"cache_ttl_sec"`
	CacheSize   int    `yaml:"cache_size" json:"cache_size"`

	// Datasets
	CountryCSV string `yaml:"country_csv" json:"country_csv"`
	NumberCSV  string `yaml:"number_csv" json:"number_csv"`

	// Result feed
	Ingest          string `yaml:"ingest" json:"ingest"`
	SpoolDir        string `yaml:"spool_dir" json:"spool_dir"`
	BatchMaxResults int    `yaml:"batch_max_results" json:"batch_max_results"`
	BatchFlushSec   int    `yaml:"batch_flush_sec" json:"batch_flush_sec"`

	// mTLS for the feed
	MTLSCert string `yaml:"mtls_cert" json:"mtls_cert"`
	MTLSKey  string `yaml:"mtls_key" json:"mtls_key"`
	MTLSCA   string `yaml:"mtls_ca" json:"mtls_ca"`

	// Observability
	MetricsAddr  string `yaml:"metrics_addr" json:"metrics_addr"`
	OTELEndpoint string `yaml:"otel_endpoint" json:"otel_endpoint"`
	OTELInsecure bool   `yaml:"otel_insecure" json:"otel_insecure"`
	OTELService  string `yaml:"otel_service" json:"otel_service"`

	// Redis
	RedisAddr      string `yaml:"redis_addr" json:"redis_addr"`
	RedisQueueAddr string `yaml:"redis_queue_addr" json:"redis_queue_addr"`
	RedisQueueKey  string `yaml:"redis_queue_key" json:"redis_queue_key"`
}

// SetDefaults sets default values for the configuration
func (c *Config) SetDefaults() {
	if c.TimeoutSec == 0 {
		c.TimeoutSec = 6
	}
	if c.UA == "" {
		c.UA = "ScamAdvisoryEmailDiag/1.1 (+https://scamadvisory.co.uk)"
	}
	if len(c.DNSBLZones) == 0 {
		c.DNSBLZones = []DNSBLZone{
			{Zone: "zen.spamhaus.org", Weight: 60},
			{Zone: "bl.spamcop.net", Weight: 40},
		}
	}
	if c.HomeCountry == "" {
		c.HomeCountry = "GB"
	}
	if len(c.GeoHighRisk) == 0 {
		c.GeoHighRisk = []string{"CN", "RU", "BY", "IR", "KP"}
	}
	if len(c.GeoMediumRisk) == 0 {
		c.GeoMediumRisk = []string{"TR", "VN", "ID", "NG", "PK", "BR"}
	}
	if c.ListenAddr == "" {
		c.ListenAddr = ":8080"
	}
	if c.Concurrency == 0 {
		c.Concurrency = 4
	}
	if c.RatePerMin == 0 {
		c.RatePerMin = 60
	}
	if c.RateBurst == 0 {
		c.RateBurst = 10
	}
	if c.CacheTTLSec == 0 {
		c.CacheTTLSec = 300
	}
	if c.CacheSize == 0 {
		c.CacheSize = 1024
	}
	if c.SpoolDir == "" {
		c.SpoolDir = "spool"
	}
	if c.BatchMaxResults == 0 {
		c.BatchMaxResults = 100
	}
	if c.BatchFlushSec == 0 {
		c.BatchFlushSec = 2
	}
	if c.MetricsAddr == "" {
		c.MetricsAddr = ":9090"
	}
	if c.OTELService == "" {
		c.OTELService = "mailrisk"
	}
	if c.RedisQueueKey == "" {
		c.RedisQueueKey = "mailrisk:queue"
	}
}

// Timeout returns the per-probe timeout as a duration.
func (c *Config) Timeout() time.Duration {
	return time.Duration(c.TimeoutSec) * time.Second
}

// CacheTTL returns the result cache TTL as a duration.
func (c *Config) CacheTTL() time.Duration {
	return time.Duration(c.CacheTTLSec) * time.Second
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.TimeoutSec < 1 {
		return fmt.Errorf("timeout_sec must be at least 1")
	}
	for _, z := range c.DNSBLZones {
		if z.Zone == "" {
			return fmt.Errorf("dnsbl zone name must not be empty")
		}
		if z.Weight < 1 {
			return fmt.Errorf("dnsbl zone %s weight must be at least 1", z.Zone)
		}
	}
	if c.Concurrency < 1 {
		return fmt.Errorf("concurrency must be at least 1")
	}
	if c.RatePerMin < 1 {
		return fmt.Errorf("rate_per_min must be at least 1")
	}
	if c.BatchMaxResults < 1 {
		return fmt.Errorf("batch_max_results must be at least 1")
	}
	if c.BatchFlushSec < 1 {
		return fmt.Errorf("batch_flush_sec must be at least 1")
	}
	return nil
}

// LoadFromFile loads configuration from a YAML or JSON file
func LoadFromFile(path string) (*Config, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	ext := strings.ToLower(filepath.Ext(path))

	switch ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &config); err != nil {
			return nil, fmt.Errorf("failed to parse YAML config: %w", err)
		}
	case ".json":
		if err := json.Unmarshal(data, &config); err != nil {
			return nil, fmt.Errorf("failed to parse JSON config: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported config file format: %s (use .yaml, .yml, or .json)", ext)
	}

	config.SetDefaults()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

// LoadFromEnv loads configuration from environment variables
func (c *Config) LoadFromEnv() {
	if v := os.Getenv("ABUSEIPDB_KEY"); v != "" {
		c.AbuseIPDBKey = v
	}
	if v := os.Getenv("IPQS_KEY"); v != "" {
		c.IPQSKey = v
	}
	if v := os.Getenv("COUNTRY_CSV_PATH"); v != "" {
		c.CountryCSV = v
	}
	if v := os.Getenv("NUM_CSV_PATH"); v != "" {
		c.NumberCSV = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		c.RedisAddr = v
	}
	if v := os.Getenv("REDIS_QUEUE_ADDR"); v != "" {
		c.RedisQueueAddr = v
	}
	if v := os.Getenv("REDIS_QUEUE_KEY"); v != "" {
		c.RedisQueueKey = v
	}
}

// MergeWithFlags merges command-line flags with file configuration.
// Command-line flags take precedence over file and environment values.
func (c *Config) MergeWithFlags(flags map[string]interface{}) {
	if v, ok := flags["abuseipdb_key"].(string); ok && v != "" {
		c.AbuseIPDBKey = v
	}
	if v, ok := flags["ipqs_key"].(string); ok && v != "" {
		c.IPQSKey = v
	}
	if v, ok := flags["timeout_sec"].(int); ok && v > 0 {
		c.TimeoutSec = v
	}
	if v, ok := flags["ua"].(string); ok && v != "" {
		c.UA = v
	}
	if v, ok := flags["dnsbl_resolver"].(string); ok && v != "" {
		c.DNSBLResolver = v
	}
	if v, ok := flags["home_country"].(string); ok && v != "" {
		c.HomeCountry = strings.ToUpper(v)
	}
	if v, ok := flags["listen_addr"].(string); ok && v != "" {
		c.ListenAddr = v
	}
	if v, ok := flags["concurrency"].(int); ok && v > 0 {
		c.Concurrency = v
	}
	if v, ok := flags["rate_per_min"].(int); ok && v > 0 {
		c.RatePerMin = v
	}
	if v, ok := flags["cache_ttl_sec"].(int); ok && v > 0 {
		c.CacheTTLSec = v
	}
	if v, ok := flags["country_csv"].(string); ok && v != "" {
		c.CountryCSV = v
	}
	if v, ok := flags["number_csv"].(string); ok && v != "" {
		c.NumberCSV = v
	}
	if v, ok := flags["ingest"].(string); ok && v != "" {
		c.Ingest = v
	}
	if v, ok := flags["spool_dir"].(string); ok && v != "" {
		c.SpoolDir = v
	}
	if v, ok := flags["batch_max_results"].(int); ok && v > 0 {
		c.BatchMaxResults = v
	}
	if v, ok := flags["batch_flush_sec"].(int); ok && v > 0 {
		c.BatchFlushSec = v
	}
	if v, ok := flags["mtls_cert"].(string); ok && v != "" {
		c.MTLSCert = v
	}
	if v, ok := flags["mtls_key"].(string); ok && v != "" {
		c.MTLSKey = v
	}
	if v, ok := flags["mtls_ca"].(string); ok && v != "" {
		c.MTLSCA = v
	}
	if v, ok := flags["metrics_addr"].(string); ok && v != "" {
		c.MetricsAddr = v
	}
	if v, ok := flags["otel_endpoint"].(string); ok && v != "" {
		c.OTELEndpoint = v
	}
	if v, ok := flags["otel_insecure"].(bool); ok {
		c.OTELInsecure = v
	}
	if v, ok := flags["otel_service"].(string); ok && v != "" {
		c.OTELService = v
	}
	if v, ok := flags["redis_addr"].(string); ok && v != "" {
		c.RedisAddr = v
	}
	if v, ok := flags["redis_queue_addr"].(string); ok && v != "" {
		c.RedisQueueAddr = v
	}
	if v, ok := flags["redis_queue_key"].(string); ok && v != "" {
		c.RedisQueueKey = v
	}
}
