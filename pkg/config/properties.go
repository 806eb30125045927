package config

import (
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/downfa11-org/go-logstore/util"
	"gopkg.in/yaml.v3"
)

// Config holds the storage-core configuration. Values come from an optional
// YAML file (path given by -config or CONFIG_PATH), overridden by any flags
// set on the command line.
type Config struct {
	ClusterName string `yaml:"cluster_name" json:"cluster.name"`

	// Persistence
	Backend     string `yaml:"backend" json:"backend"` // memory | bolt
	DataDir     string `yaml:"data_dir" json:"data.dir"`
	Compression string `yaml:"compression" json:"compression"` // none | gzip | lz4 | snappy

	// Observability
	EnableExporter bool          `yaml:"enable_exporter" json:"enable.exporter"`
	ExporterPort   int           `yaml:"exporter_port" json:"exporter.port"`
	LogLevel       util.LogLevel `yaml:"log_level" json:"log_level"`
}

func defaultConfig() *Config {
	return &Config{
		ClusterName:    "logstore",
		Backend:        "bolt",
		DataDir:        "logstore-data",
		Compression:    "none",
		EnableExporter: true,
		ExporterPort:   9100,
		LogLevel:       util.LogLevelInfo,
	}
}

// LoadConfig parses flags and the optional config file.
func LoadConfig() (*Config, error) {
	cfg := defaultConfig()

	configPath := flag.String("config", "", "Path to YAML config file")
	clusterName := flag.String("cluster", cfg.ClusterName, "Cluster name")
	backend := flag.String("backend", cfg.Backend, "Storage backend (memory, bolt)")
	dataDir := flag.String("data-dir", cfg.DataDir, "Path for persistent data")
	compression := flag.String("compression", cfg.Compression, "Record value compression (none, gzip, lz4, snappy)")
	exporter := flag.Bool("exporter", cfg.EnableExporter, "Enable Prometheus exporter")
	exporterPort := flag.Int("exporter-port", cfg.ExporterPort, "Exporter port")
	logLevel := flag.String("log-level", "info", "Log level (debug, info, warn, error)")

	if envPath := os.Getenv("CONFIG_PATH"); envPath != "" && *configPath == "" {
		*configPath = envPath
	}

	flag.Parse()

	if *configPath != "" {
		data, err := os.ReadFile(*configPath)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", *configPath, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", *configPath, err)
		}
	}

	applyExplicitFlags(cfg, clusterName, backend, dataDir, compression,
		exporter, exporterPort, logLevel)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyExplicitFlags copies flags the user actually set on the command line
// over whatever the file provided, so flags always win.
func applyExplicitFlags(cfg *Config, clusterName, backend, dataDir, compression *string,
	exporter *bool, exporterPort *int, logLevel *string) {

	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "cluster":
			cfg.ClusterName = *clusterName
		case "backend":
			cfg.Backend = *backend
		case "data-dir":
			cfg.DataDir = *dataDir
		case "compression":
			cfg.Compression = *compression
		case "exporter":
			cfg.EnableExporter = *exporter
		case "exporter-port":
			cfg.ExporterPort = *exporterPort
		case "log-level":
			cfg.LogLevel = util.ParseLogLevel(*logLevel)
		}
	})
}

// Validate rejects option values the core does not understand.
func (c *Config) Validate() error {
	switch strings.ToLower(c.Backend) {
	case "memory", "bolt":
	default:
		return fmt.Errorf("unsupported backend: %s", c.Backend)
	}

	switch strings.ToLower(c.Compression) {
	case "", "none", "gzip", "lz4", "snappy":
	default:
		return fmt.Errorf("unsupported compression type: %s", c.Compression)
	}

	if c.ClusterName == "" {
		return fmt.Errorf("cluster_name must not be empty")
	}
	return nil
}
