package config

import "fmt"

// Validate checks that the loaded configuration is internally
// consistent before the daemon starts binding anything.
func Validate(cfg *Config) error {
	if cfg.ManagerAddr == "" {
		return fmt.Errorf("SIMULATOR_MANAGER_ADDR must not be empty")
	}
	if cfg.FrontEndBind == "" {
		return fmt.Errorf("FRONTEND_BIND must not be empty")
	}
	if cfg.Database.Host == "" {
		return fmt.Errorf("DATABASE_HOST must not be empty")
	}
	if cfg.Database.Port <= 0 {
		return fmt.Errorf("DATABASE_PORT must be a positive port number")
	}
	if cfg.Database.Name == "" {
		return fmt.Errorf("SIMULATION_MANAGER_DB_NAME must not be empty")
	}
	if cfg.DBBufferCapacity <= 0 {
		return fmt.Errorf("db_buffer_capacity must be positive")
	}
	return nil
}
