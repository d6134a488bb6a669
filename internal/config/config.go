// Package config is the manager's environment-driven configuration
// layer. Configuration comes exclusively from environment variables
// (SIMULATOR_MANAGER_ADDR, SIMULATOR_CONNECTOR_ADDR,
// DATABASE_HOST/PORT/USER/PASSWORD, SIMULATION_MANAGER_DB_NAME);
// there is no config file search or hot-reload.
package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// Config is the root configuration for the manager process.
type Config struct {
	LogLevel string `mapstructure:"log_level"`
	LogFile  string `mapstructure:"log_file"`

	// ManagerAddr is where the registrar listens for simulators
	// dialing in to register (SIMULATOR_MANAGER_ADDR).
	ManagerAddr string `mapstructure:"manager_addr"`
	// ConnectorAddr is where the registrar advertises itself if it
	// differs from ManagerAddr, e.g. behind NAT
	// (SIMULATOR_CONNECTOR_ADDR).
	ConnectorAddr string `mapstructure:"connector_addr"`

	// FrontEndBind is the host:port the operator-facing HTTP API
	// listens on.
	FrontEndBind string `mapstructure:"frontend_bind"`

	Database DatabaseConfig `mapstructure:",squash"`

	DBBufferCapacity int `mapstructure:"db_buffer_capacity"`
}

// DatabaseConfig holds the PostgreSQL connection parameters
// (DATABASE_HOST, DATABASE_PORT, DATABASE_USER, DATABASE_PASSWORD,
// SIMULATION_MANAGER_DB_NAME).
type DatabaseConfig struct {
	Host     string `mapstructure:"database_host"`
	Port     int    `mapstructure:"database_port"`
	User     string `mapstructure:"database_user"`
	Password string `mapstructure:"database_password"`
	Name     string `mapstructure:"simulation_manager_db_name"`
}

// Default values applied before environment variables are read.
const (
	DefaultLogLevel         = "info"
	DefaultLogFile          = ""
	DefaultManagerAddr      = "0.0.0.0:7700"
	DefaultFrontEndBind     = "0.0.0.0:7701"
	DefaultDatabaseHost     = "localhost"
	DefaultDatabasePort     = 5432
	DefaultDatabaseUser     = "simfleet"
	DefaultDatabaseName     = "simulation_manager"
	DefaultDBBufferCapacity = 4096
)

// Load reads configuration from environment variables, applying
// defaults for anything unset. It never reads a config file.
func Load() (*Config, error) {
	v := viper.New()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)
	bindEnv(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse configuration; %w", err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log_level", DefaultLogLevel)
	v.SetDefault("log_file", DefaultLogFile)
	v.SetDefault("manager_addr", DefaultManagerAddr)
	v.SetDefault("connector_addr", "")
	v.SetDefault("frontend_bind", DefaultFrontEndBind)
	v.SetDefault("database_host", DefaultDatabaseHost)
	v.SetDefault("database_port", DefaultDatabasePort)
	v.SetDefault("database_user", DefaultDatabaseUser)
	v.SetDefault("database_password", "")
	v.SetDefault("simulation_manager_db_name", DefaultDatabaseName)
	v.SetDefault("db_buffer_capacity", DefaultDBBufferCapacity)
}

// bindEnv wires each field to its exact environment variable name
// (viper's default env key derivation would
// otherwise uppercase the mapstructure tag verbatim, which gives the
// wrong name for manager_addr and connector_addr, whose variables carry
// a SIMULATOR_ prefix; explicit binding also documents the contract and
// survives future field renames).
func bindEnv(v *viper.Viper) {
	_ = v.BindEnv("log_level", "LOG_LEVEL")
	_ = v.BindEnv("log_file", "LOG_FILE")
	_ = v.BindEnv("manager_addr", "SIMULATOR_MANAGER_ADDR")
	_ = v.BindEnv("connector_addr", "SIMULATOR_CONNECTOR_ADDR")
	_ = v.BindEnv("frontend_bind", "FRONTEND_BIND")
	_ = v.BindEnv("database_host", "DATABASE_HOST")
	_ = v.BindEnv("database_port", "DATABASE_PORT")
	_ = v.BindEnv("database_user", "DATABASE_USER")
	_ = v.BindEnv("database_password", "DATABASE_PASSWORD")
	_ = v.BindEnv("simulation_manager_db_name", "SIMULATION_MANAGER_DB_NAME")
	_ = v.BindEnv("db_buffer_capacity", "DB_BUFFER_CAPACITY")
}
