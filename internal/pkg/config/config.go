package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all application configuration.
type Config struct {
	LogLevel         string        `env:"LOG_LEVEL" envDefault:"info"`
	OutputRoot       string        `env:"OUTPUT_ROOT,required"`
	WALDir           string        `env:"WAL_DIR"`    // defaults to <OUTPUT_ROOT>/wal
	DigestDir        string        `env:"DIGEST_DIR"` // defaults to <OUTPUT_ROOT>/digests
	ExportDir        string        `env:"EXPORT_DIR"` // defaults to <OUTPUT_ROOT>/exports
	DigestInterval   time.Duration `env:"DIGEST_INTERVAL" envDefault:"30m"`
	ExportInterval   time.Duration `env:"EXPORT_INTERVAL" envDefault:"6h"`
	DigestGroupBy    string        `env:"DIGEST_GROUP_BY" envDefault:"source"`
	DigestMaxSamples int           `env:"DIGEST_MAX_SAMPLES" envDefault:"5"`
	RetentionHorizon time.Duration `env:"RETENTION_HORIZON" envDefault:"720h"`           // 0 disables pruning
	MaxEventSize     int64         `env:"MAX_EVENT_SIZE_BYTES" envDefault:"1048576"`     // 1MB
	WALSegmentSize   int64         `env:"WAL_SEGMENT_SIZE_BYTES" envDefault:"104857600"` // 100MB
	MaxFlushDuration time.Duration `env:"MAX_FLUSH_DURATION" envDefault:"2m"`
	WriteEscalation  int           `env:"WRITE_FAILURE_ESCALATION" envDefault:"3"`
	Compression      string        `env:"COMPRESSION" envDefault:"none"` // none, gzip, zstd
	IngestServerAddr string        `env:"INGEST_SERVER_ADDR" envDefault:":8080"`
	AdminServerAddr  string        `env:"ADMIN_SERVER_ADDR" envDefault:":9090"`
	APIKeys          string        `env:"API_KEYS"` // comma-separated; empty disables auth
	RateLimitRPS     float64       `env:"RATE_LIMIT_RPS" envDefault:"0"` // 0 disables limiting
	RateLimitBurst   int           `env:"RATE_LIMIT_BURST" envDefault:"50"`
	SourcesFile      string        `env:"SOURCES_FILE"`
	ScrubAliasesFile string        `env:"SCRUB_ALIASES_FILE"`
	DefaultSourceTag string        `env:"DEFAULT_SOURCE_TAG" envDefault:"unknown"`
	Timezone         string        `env:"TIMEZONE" envDefault:"America/New_York"`
	S3MirrorBucket   string        `env:"S3_MIRROR_BUCKET"` // empty disables mirroring
	S3MirrorRegion   string        `env:"S3_MIRROR_REGION"`
	S3MirrorEndpoint string        `env:"S3_MIRROR_ENDPOINT"` // for MinIO/LocalStack
	S3MirrorPrefix   string        `env:"S3_MIRROR_PREFIX" envDefault:"chatvault"`
	ShutdownTimeout  time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"10s"`
}

// LockPath is where the exclusive ownership lock lives.
func (c *Config) LockPath() string {
	return filepath.Join(c.OutputRoot, ".chatvault.lock")
}

// APIKeyList splits the comma-separated API_KEYS value. An empty result
// disables ingest authentication.
func (c *Config) APIKeyList() []string {
	var keys []string
	for _, k := range strings.Split(c.APIKeys, ",") {
		if k = strings.TrimSpace(k); k != "" {
			keys = append(keys, k)
		}
	}
	return keys
}

// SourceSpec describes one upstream feed from the sources file. Kind selects
// which of the connection fields apply.
type SourceSpec struct {
	Name    string   `yaml:"name"`
	Kind    string   `yaml:"kind"` // redis, kafka, postgres
	Addr    string   `yaml:"addr"`
	Stream  string   `yaml:"stream"`
	Group   string   `yaml:"group"`
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
	DSN     string   `yaml:"dsn"`
	Channel string   `yaml:"channel"`
}

type sourcesDoc struct {
	Sources []SourceSpec `yaml:"sources"`
}

// ScrubAliases maps raw platform identifiers to readable names, per mention
// class.
type ScrubAliases struct {
	Users    map[string]string `yaml:"users"`
	Channels map[string]string `yaml:"channels"`
	Roles    map[string]string `yaml:"roles"`
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	// Attempt to load .env file for local development.
	_ = godotenv.Load()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, err
	}

	if cfg.WALDir == "" {
		cfg.WALDir = filepath.Join(cfg.OutputRoot, "wal")
	}
	if cfg.DigestDir == "" {
		cfg.DigestDir = filepath.Join(cfg.OutputRoot, "digests")
	}
	if cfg.ExportDir == "" {
		cfg.ExportDir = filepath.Join(cfg.OutputRoot, "exports")
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	switch c.Compression {
	case "none", "gzip", "zstd":
	default:
		return fmt.Errorf("config: unknown COMPRESSION %q", c.Compression)
	}
	switch c.DigestGroupBy {
	case "source", "author":
	default:
		return fmt.Errorf("config: unknown DIGEST_GROUP_BY %q", c.DigestGroupBy)
	}
	if c.DigestInterval <= 0 || c.ExportInterval <= 0 {
		return fmt.Errorf("config: flush intervals must be positive")
	}
	if c.RetentionHorizon < 0 {
		return fmt.Errorf("config: RETENTION_HORIZON must not be negative")
	}
	if c.WriteEscalation < 1 {
		return fmt.Errorf("config: WRITE_FAILURE_ESCALATION must be at least 1")
	}
	return nil
}

// LoadSources parses the YAML sources file. A missing path yields an empty
// list, which leaves the service reachable over HTTP ingest only.
func LoadSources(path string) ([]SourceSpec, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read sources file: %w", err)
	}
	var doc sourcesDoc
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("config: parse sources file: %w", err)
	}
	for i, src := range doc.Sources {
		if src.Name == "" {
			return nil, fmt.Errorf("config: sources[%d]: name is required", i)
		}
		switch src.Kind {
		case "redis", "kafka", "postgres":
		default:
			return nil, fmt.Errorf("config: sources[%d] %q: unknown kind %q", i, src.Name, src.Kind)
		}
	}
	return doc.Sources, nil
}

// LoadScrubAliases parses the YAML alias maps used to rewrite platform
// mentions. A missing path yields empty maps; unknown mentions then fall
// back to generic placeholders.
func LoadScrubAliases(path string) (*ScrubAliases, error) {
	aliases := &ScrubAliases{
		Users:    map[string]string{},
		Channels: map[string]string{},
		Roles:    map[string]string{},
	}
	if path == "" {
		return aliases, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read scrub aliases file: %w", err)
	}
	if err := yaml.Unmarshal(data, aliases); err != nil {
		return nil, fmt.Errorf("config: parse scrub aliases file: %w", err)
	}
	if aliases.Users == nil {
		aliases.Users = map[string]string{}
	}
	if aliases.Channels == nil {
		aliases.Channels = map[string]string{}
	}
	if aliases.Roles == nil {
		aliases.Roles = map[string]string{}
	}
	return aliases, nil
}
