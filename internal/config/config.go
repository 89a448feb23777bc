package config

// Config holds all settings for the test environment provisioner.
// It organizes settings into logical groups for better maintainability.
type Config struct {
	Runtime  RuntimeConfig  `mapstructure:"runtime"  validate:"required"`
	Postgres PostgresConfig `mapstructure:"postgres" validate:"required"`
	Mailpit  MailpitConfig  `mapstructure:"mailpit"  validate:"required"`
	Log      LogConfig      `mapstructure:"log"      validate:"required"`
}

// RuntimeConfig controls how the container daemon is located and, when
// missing, provisioned.
type RuntimeConfig struct {
	// AutoProvision enables installing and starting a VM-backed runtime
	// (Colima) when no daemon is reachable. Only honored on darwin.
	AutoProvision bool `mapstructure:"auto_provision"`
	// ColimaProfile is the Colima profile name used when auto-provisioning.
	ColimaProfile string `mapstructure:"colima_profile" validate:"required"`
	// ProbeTimeoutSeconds bounds the daemon reachability probe.
	ProbeTimeoutSeconds int `mapstructure:"probe_timeout_seconds" validate:"required,gt=0,lte=300"`
}

// PostgresConfig contains all database container and template settings.
type PostgresConfig struct {
	Image        string `mapstructure:"image"         validate:"required"`
	User         string `mapstructure:"user"          validate:"required"`
	Password     string `mapstructure:"password"      validate:"required"`
	Database     string `mapstructure:"database"      validate:"required"`
	TemplateName string `mapstructure:"template_name" validate:"required"`
}

// MailpitConfig contains the mail-capture container settings.
type MailpitConfig struct {
	Image string `mapstructure:"image" validate:"required"`
	// Embedded selects the in-process SMTP capture server instead of the
	// Mailpit container. Used on hosts without a container daemon.
	Embedded bool `mapstructure:"embedded"`
}

// LogConfig contains logging settings.
type LogConfig struct {
	Level string `mapstructure:"level" validate:"required,oneof=debug info warn error"`
}
