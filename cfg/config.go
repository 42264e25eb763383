package cfg

import (
	"flag"
	"fmt"
	"net/url"
	"os"

	"github.com/BurntSushi/toml"
	"github.com/rs/zerolog/log"
)

// DatabaseConfiguration holds the PostgreSQL connection settings.
// Password may be supplied via the PGPASSWORD environment variable
// instead of the config file.
type DatabaseConfiguration struct {
	Host     string `toml:"host"`
	Port     int    `toml:"port"`
	Name     string `toml:"name"`
	User     string `toml:"user"`
	Password string `toml:"password"`
	Schema   string `toml:"schema"`
}

// DSN returns a connection string suitable for pgx.
func (d DatabaseConfiguration) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s",
		url.QueryEscape(d.User), url.QueryEscape(d.Password), d.Host, d.Port, d.Name)
}

// ReplicationDSN returns the connection string for the streaming
// replication protocol connection.
func (d DatabaseConfiguration) ReplicationDSN() string {
	return d.DSN() + "?replication=database"
}

// ReplicationConfiguration controls the logical replication objects the
// agent manages and consumes.
type ReplicationConfiguration struct {
	SlotName              string `toml:"slot_name"`
	PublicationName       string `toml:"publication_name"`
	StandbyTimeoutSeconds int    `toml:"standby_timeout_seconds"`
	EventBufferSize       int    `toml:"event_buffer_size"`
}

// ValidatorConfiguration controls the startup configuration validator.
type ValidatorConfiguration struct {
	ConnectAttempts      int `toml:"connect_attempts"`
	ConnectDelaySeconds  int `toml:"connect_delay_seconds"`
	RecheckDelaySeconds  int `toml:"recheck_delay_seconds"`
	SettleTimeoutSeconds int `toml:"settle_timeout_seconds"`
}

// SinkConfiguration controls the HTTP ingestion endpoint and the retry
// policy applied to deliveries. APIKey may be supplied via the
// WALSHIP_API_KEY environment variable.
type SinkConfiguration struct {
	BaseURL          string  `toml:"base_url"`
	APIKey           string  `toml:"api_key"`
	ConnectTimeoutMS int     `toml:"connect_timeout_ms"`
	RequestTimeoutMS int     `toml:"request_timeout_ms"`
	MaxRetries       int     `toml:"max_retries"`
	RetryInitialMS   int     `toml:"retry_initial_ms"`
	RetryMaxMS       int     `toml:"retry_max_ms"`
	RetryMultiplier  float64 `toml:"retry_multiplier"`
}

// FilterConfiguration restricts which tables are forwarded. Glob
// patterns; empty lists match everything.
type FilterConfiguration struct {
	Schemas []string `toml:"schemas"`
	Tables  []string `toml:"tables"`
}

// LoggingConfiguration controls logging behavior
type LoggingConfiguration struct {
	Verbose bool   `toml:"verbose"`
	Format  string `toml:"format"` // "console" or "json"
}

// AdminConfiguration controls the operational HTTP endpoint
// (health, status, metrics).
type AdminConfiguration struct {
	Enabled bool   `toml:"enabled"`
	Address string `toml:"address"`
	Port    int    `toml:"port"`
}

// Configuration is the main configuration structure
type Configuration struct {
	Database    DatabaseConfiguration    `toml:"database"`
	Replication ReplicationConfiguration `toml:"replication"`
	Validator   ValidatorConfiguration   `toml:"validator"`
	Sink        SinkConfiguration        `toml:"sink"`
	Filter      FilterConfiguration      `toml:"filter"`
	Logging     LoggingConfiguration     `toml:"logging"`
	Admin       AdminConfiguration       `toml:"admin"`
}

// Command line flags
var (
	ConfigPathFlag = flag.String("config", "config.toml", "Path to configuration file")
	DBHostFlag     = flag.String("db-host", "", "Database host (overrides config)")
	DBPortFlag     = flag.Int("db-port", 0, "Database port (overrides config)")
	DBNameFlag     = flag.String("db-name", "", "Database name (overrides config)")
	SinkURLFlag    = flag.String("sink-url", "", "Sink base URL (overrides config)")
)

// Default configuration
var Config = &Configuration{
	Database: DatabaseConfiguration{
		Host:   "localhost",
		Port:   5432,
		Schema: "public",
	},

	Replication: ReplicationConfiguration{
		SlotName:              "walship_slot",
		PublicationName:       "walship_pub",
		StandbyTimeoutSeconds: 10,
		EventBufferSize:       256,
	},

	Validator: ValidatorConfiguration{
		ConnectAttempts:      5,
		ConnectDelaySeconds:  3,
		RecheckDelaySeconds:  3,
		SettleTimeoutSeconds: 120,
	},

	Sink: SinkConfiguration{
		ConnectTimeoutMS: 5000,
		RequestTimeoutMS: 30000,
		MaxRetries:       5,
		RetryInitialMS:   1000,
		RetryMaxMS:       60000,
		RetryMultiplier:  2.0,
	},

	Logging: LoggingConfiguration{
		Verbose: false,
		Format:  "console",
	},

	Admin: AdminConfiguration{
		Enabled: true,
		Address: "0.0.0.0",
		Port:    9090,
	},
}

// Load loads configuration from file and applies CLI and environment overrides
func Load(configPath string) error {
	if configPath != "" {
		if _, err := os.Stat(configPath); err == nil {
			log.Info().Str("path", configPath).Msg("Loading configuration")
			if _, err := toml.DecodeFile(configPath, Config); err != nil {
				return fmt.Errorf("failed to decode config: %w", err)
			}
		} else {
			log.Warn().Str("path", configPath).Msg("Config file not found, using defaults")
		}
	}

	// Apply CLI overrides
	if *DBHostFlag != "" {
		Config.Database.Host = *DBHostFlag
	}
	if *DBPortFlag != 0 {
		Config.Database.Port = *DBPortFlag
	}
	if *DBNameFlag != "" {
		Config.Database.Name = *DBNameFlag
	}
	if *SinkURLFlag != "" {
		Config.Sink.BaseURL = *SinkURLFlag
	}

	// Secrets can live in the environment instead of the config file
	if v := os.Getenv("PGPASSWORD"); v != "" {
		Config.Database.Password = v
	}
	if v := os.Getenv("WALSHIP_API_KEY"); v != "" {
		Config.Sink.APIKey = v
	}

	return nil
}

// Validate checks configuration for errors
func Validate() error {
	if Config.Database.Host == "" {
		return fmt.Errorf("database host is required")
	}
	if Config.Database.Port < 1 || Config.Database.Port > 65535 {
		return fmt.Errorf("invalid database port: %d", Config.Database.Port)
	}
	if Config.Database.Name == "" {
		return fmt.Errorf("database name is required")
	}
	if Config.Database.User == "" {
		return fmt.Errorf("database user is required")
	}
	if Config.Database.Password == "" {
		return fmt.Errorf("database password is required (config or PGPASSWORD)")
	}
	if Config.Database.Schema == "" {
		return fmt.Errorf("database schema is required")
	}

	if Config.Replication.SlotName == "" {
		return fmt.Errorf("replication slot name is required")
	}
	if Config.Replication.PublicationName == "" {
		return fmt.Errorf("publication name is required")
	}
	if Config.Replication.EventBufferSize < 1 {
		return fmt.Errorf("event buffer size must be >= 1")
	}

	if Config.Validator.ConnectAttempts < 1 {
		return fmt.Errorf("validator connect attempts must be >= 1")
	}
	if Config.Validator.RecheckDelaySeconds < 1 {
		return fmt.Errorf("validator recheck delay must be >= 1 second")
	}
	if Config.Validator.SettleTimeoutSeconds < 1 {
		return fmt.Errorf("validator settle timeout must be >= 1 second")
	}

	if Config.Sink.BaseURL == "" {
		return fmt.Errorf("sink base URL is required")
	}
	if _, err := url.Parse(Config.Sink.BaseURL); err != nil {
		return fmt.Errorf("invalid sink base URL: %w", err)
	}
	if Config.Sink.APIKey == "" {
		return fmt.Errorf("sink API key is required (config or WALSHIP_API_KEY)")
	}
	if Config.Sink.MaxRetries < 0 {
		return fmt.Errorf("sink max retries must be >= 0")
	}
	if Config.Sink.RetryInitialMS < 1 {
		return fmt.Errorf("sink initial retry delay must be >= 1ms")
	}
	if Config.Sink.RetryMaxMS < Config.Sink.RetryInitialMS {
		return fmt.Errorf("sink max retry delay must be >= initial retry delay")
	}
	if Config.Sink.RetryMultiplier < 1 {
		return fmt.Errorf("sink retry multiplier must be >= 1")
	}

	if Config.Admin.Enabled && (Config.Admin.Port < 1 || Config.Admin.Port > 65535) {
		return fmt.Errorf("invalid admin port: %d", Config.Admin.Port)
	}

	return nil
}
