package config

import (
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// Load reads configuration from environment variables and an optional
// config file. Environment variables take precedence over values from
// config files. Returns a populated Config struct or an error if
// loading/validation fails.
func Load() (*Config, error) {
	return LoadWithFile("")
}

// LoadWithFile is Load with an explicit config file path. An empty path
// means "look for testenv.yaml in the working directory", matching the
// default Load behavior.
func LoadWithFile(configPath string) (*Config, error) {
	v := viper.New()

	// Set default values
	v.SetDefault("runtime.auto_provision", true)
	v.SetDefault("runtime.colima_profile", "default")
	v.SetDefault("runtime.probe_timeout_seconds", 10)
	v.SetDefault("postgres.image", "postgres:16-alpine")
	v.SetDefault("postgres.user", "sovrium")
	v.SetDefault("postgres.password", "sovrium")
	v.SetDefault("postgres.database", "sovrium")
	v.SetDefault("postgres.template_name", "sovrium_template")
	v.SetDefault("mailpit.image", "axllent/mailpit:v1.20")
	v.SetDefault("mailpit.embedded", false)
	v.SetDefault("log.level", "info")

	// Configure to read from a config file
	v.SetConfigType("yaml")
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("testenv")
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		// A missing config file is fine; everything has env/defaults. Any
		// other error means a file was found but could not be used, and
		// silently proceeding on defaults would drop the developer's
		// config — fail before anything starts.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	// Configure environment variables with SOVRIUM prefix
	v.SetEnvPrefix("SOVRIUM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicitly bind critical environment variables
	bindEnvs := []struct {
		key    string
		envVar string
	}{
		{"runtime.auto_provision", "SOVRIUM_RUNTIME_AUTO_PROVISION"},
		{"runtime.colima_profile", "SOVRIUM_RUNTIME_COLIMA_PROFILE"},
		{"postgres.image", "SOVRIUM_POSTGRES_IMAGE"},
		{"postgres.user", "SOVRIUM_POSTGRES_USER"},
		{"postgres.password", "SOVRIUM_POSTGRES_PASSWORD"},
		{"postgres.database", "SOVRIUM_POSTGRES_DATABASE"},
		{"postgres.template_name", "SOVRIUM_POSTGRES_TEMPLATE_NAME"},
		{"mailpit.image", "SOVRIUM_MAILPIT_IMAGE"},
		{"mailpit.embedded", "SOVRIUM_MAILPIT_EMBEDDED"},
		{"log.level", "SOVRIUM_LOG_LEVEL"},
	}

	for _, env := range bindEnvs {
		if err := v.BindEnv(env.key, env.envVar); err != nil {
			return nil, fmt.Errorf("error binding environment variable %s: %w", env.envVar, err)
		}
	}

	// Unmarshal and validate
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}

	validate := validator.New()
	if err := validate.Struct(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &cfg, nil
}
