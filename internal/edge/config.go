package edge

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"gomobi-edge/internal/offline"
)

type Config struct {
	Server struct {
		Port   int    `yaml:"port"`
		Origin string `yaml:"origin"`
	} `yaml:"server"`

	Origin struct {
		Timeout string `yaml:"timeout"`
	} `yaml:"origin"`

	Cache struct {
		Generation       string   `yaml:"generation"`
		Manifest         []string `yaml:"manifest"`
		OfflinePage      string   `yaml:"offlinePage"`
		APIMarker        string   `yaml:"apiMarker"`
		StaticMarker     string   `yaml:"staticMarker"`
		StaticExtensions []string `yaml:"staticExtensions"`
		SkipWaiting      *bool    `yaml:"skipWaiting"`
	} `yaml:"cache"`

	Storage struct {
		Driver  string `yaml:"driver"`
		Path    string `yaml:"path"`
		LevelDB struct {
			WriteBuffer string `yaml:"writeBuffer"`
			BlockCache  string `yaml:"blockCache"`
		} `yaml:"leveldb"`
	} `yaml:"storage"`

	Logging struct {
		Level      string `yaml:"level"`
		Format     string `yaml:"format"`
		StatsEvery string `yaml:"statsEvery"`
	} `yaml:"logging"`

	// compiled
	originTimeout  time.Duration
	statsEveryDur  time.Duration
	writeBufferLen int64
	blockCacheLen  int64
}

// envOverrides are applied on top of the YAML file.
type envOverrides struct {
	Origin      string `env:"GOMOBI_ORIGIN"`
	Port        int    `env:"GOMOBI_PORT"`
	Generation  string `env:"GOMOBI_GENERATION"`
	StoragePath string `env:"GOMOBI_STORAGE_PATH"`
	LogLevel    string `env:"GOMOBI_LOG_LEVEL"`
	LogFormat   string `env:"GOMOBI_LOG_FORMAT"`
}

const (
	DriverLevelDB = "leveldb"
	DriverMemory  = "memory"
)

func LoadConfig(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	return ParseConfig(b)
}

// ParseConfig decodes YAML, applies environment overrides and defaults, and
// validates the result.
func ParseConfig(b []byte) (Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}

	var ov envOverrides
	if err := env.Parse(&ov); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	cfg.applyOverrides(ov)
	cfg.applyDefaults()

	if err := cfg.compile(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (cfg *Config) applyOverrides(ov envOverrides) {
	if ov.Origin != "" {
		cfg.Server.Origin = ov.Origin
	}
	if ov.Port != 0 {
		cfg.Server.Port = ov.Port
	}
	if ov.Generation != "" {
		cfg.Cache.Generation = ov.Generation
	}
	if ov.StoragePath != "" {
		cfg.Storage.Path = ov.StoragePath
	}
	if ov.LogLevel != "" {
		cfg.Logging.Level = ov.LogLevel
	}
	if ov.LogFormat != "" {
		cfg.Logging.Format = ov.LogFormat
	}
}

func (cfg *Config) applyDefaults() {
	def := offline.DefaultOptions()

	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	cfg.Server.Origin = strings.TrimRight(cfg.Server.Origin, "/")
	if cfg.Origin.Timeout == "" {
		cfg.Origin.Timeout = "30s"
	}

	c := &cfg.Cache
	if c.Generation == "" {
		c.Generation = def.Generation
	}
	if len(c.Manifest) == 0 {
		c.Manifest = def.Manifest
	}
	if c.OfflinePage == "" {
		c.OfflinePage = def.OfflinePage
	}
	if c.APIMarker == "" {
		c.APIMarker = def.APIMarker
	}
	if c.StaticMarker == "" {
		c.StaticMarker = def.StaticMarker
	}
	if len(c.StaticExtensions) == 0 {
		c.StaticExtensions = def.StaticExtensions
	}
	if c.SkipWaiting == nil {
		v := def.SkipWaiting
		c.SkipWaiting = &v
	}

	if cfg.Storage.Driver == "" {
		cfg.Storage.Driver = DriverLevelDB
	}
	if cfg.Storage.Path == "" {
		cfg.Storage.Path = "./data/leveldb"
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "text"
	}
}

// compile parses durations and sizes and reports every invalid setting at once.
func (cfg *Config) compile() error {
	var result *multierror.Error

	if cfg.Server.Origin == "" {
		result = multierror.Append(result, errors.New("server.origin is required"))
	} else if u, err := url.Parse(cfg.Server.Origin); err != nil {
		result = multierror.Append(result, fmt.Errorf("server.origin: %w", err))
	} else if u.Scheme != "http" && u.Scheme != "https" {
		result = multierror.Append(result, errors.New("server.origin scheme must be either http:// or https://"))
	}

	if d, err := time.ParseDuration(cfg.Origin.Timeout); err != nil {
		result = multierror.Append(result, fmt.Errorf("origin.timeout: %w", err))
	} else {
		cfg.originTimeout = d
	}

	if cfg.Logging.StatsEvery != "" {
		if d, err := time.ParseDuration(cfg.Logging.StatsEvery); err != nil {
			result = multierror.Append(result, fmt.Errorf("logging.statsEvery: %w", err))
		} else {
			cfg.statsEveryDur = d
		}
	}

	if _, err := logrus.ParseLevel(cfg.Logging.Level); err != nil {
		result = multierror.Append(result, fmt.Errorf("logging.level: %w", err))
	}
	switch cfg.Logging.Format {
	case "text", "json":
	default:
		result = multierror.Append(result, fmt.Errorf("logging.format: unsupported format %q", cfg.Logging.Format))
	}

	for i, u := range cfg.Cache.Manifest {
		if !strings.HasPrefix(u, "/") {
			result = multierror.Append(result, fmt.Errorf("cache.manifest[%d]: %q must be an absolute path", i, u))
		}
	}
	if !slices.Contains(cfg.Cache.Manifest, cfg.Cache.OfflinePage) {
		result = multierror.Append(result, fmt.Errorf("cache.offlinePage: %q must be listed in cache.manifest", cfg.Cache.OfflinePage))
	}
	for i, ext := range cfg.Cache.StaticExtensions {
		if !strings.HasPrefix(ext, ".") {
			result = multierror.Append(result, fmt.Errorf("cache.staticExtensions[%d]: %q must start with a dot", i, ext))
		}
	}

	switch cfg.Storage.Driver {
	case DriverLevelDB:
		if cfg.Storage.LevelDB.WriteBuffer != "" {
			n, err := parseBytes(cfg.Storage.LevelDB.WriteBuffer)
			if err != nil {
				result = multierror.Append(result, fmt.Errorf("storage.leveldb.writeBuffer: %w", err))
			}
			cfg.writeBufferLen = n
		}
		if cfg.Storage.LevelDB.BlockCache != "" {
			n, err := parseBytes(cfg.Storage.LevelDB.BlockCache)
			if err != nil {
				result = multierror.Append(result, fmt.Errorf("storage.leveldb.blockCache: %w", err))
			}
			cfg.blockCacheLen = n
		}
	case DriverMemory:
	default:
		result = multierror.Append(result, fmt.Errorf("storage.driver: unsupported driver %q", cfg.Storage.Driver))
	}

	return result.ErrorOrNil()
}

// Options returns the worker options described by the cache section.
func (cfg Config) Options() offline.Options {
	c := cfg.Cache
	opts := offline.Options{
		Generation:       c.Generation,
		Manifest:         append([]string(nil), c.Manifest...),
		OfflinePage:      c.OfflinePage,
		APIMarker:        c.APIMarker,
		StaticMarker:     c.StaticMarker,
		StaticExtensions: append([]string(nil), c.StaticExtensions...),
	}
	if c.SkipWaiting != nil {
		opts.SkipWaiting = *c.SkipWaiting
	}
	return opts
}
