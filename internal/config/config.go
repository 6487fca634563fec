// Package config loads and validates the pipeline's hierarchical
// configuration (spec §6), binding command-line flags over a
// viper-backed file/env layer in the same Config.Bind/Config.Preflight
// shape the rest of the teacher's codebase uses.
package config

import (
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// SourceConfig is source.* (spec §6).
type SourceConfig struct {
	ServerURL  string `mapstructure:"server_url"`
	Username   string `mapstructure:"username"`
	Password   string `mapstructure:"password"`
	CACertPath string `mapstructure:"ca_cert_path"`
}

// SinkConfig is sink.* (spec §6).
type SinkConfig struct {
	AppID     string `mapstructure:"app_id"`
	AppSecret string `mapstructure:"app_secret"`
}

// GlobalConfig is global.* (spec §6).
type GlobalConfig struct {
	LogLevel            string        `mapstructure:"log_level"`
	DefaultSyncInterval time.Duration `mapstructure:"default_sync_interval"`
	DataDirectory       string        `mapstructure:"data_directory"`
}

// IssueLinkRule is one issue_link_rules.<prefix> entry.
type IssueLinkRule struct {
	DisplayLinkPrefixes []string `mapstructure:"display_link_prefixes"`
}

// FieldMappings is field_mappings.* (spec §6).
type FieldMappings struct {
	TicketFields []string          `mapstructure:"ticket_fields"`
	JiraToLark   map[string]string `mapstructure:"jira_to_lark"`
	SchemaFile   string            `mapstructure:"schema_file"`
}

// TableBinding is one teams.<team>.tables.<name> entry.
type TableBinding struct {
	Enabled          bool            `mapstructure:"enabled"`
	SinkTableID      string          `mapstructure:"sink_table_id"`
	FilterExpression string          `mapstructure:"filter_expression"`
	SyncInterval     time.Duration   `mapstructure:"sync_interval"`
	ExcludedFields   map[string]bool `mapstructure:"excluded_fields"`
	IdentityField    string          `mapstructure:"identity_field"`
}

// TeamConfig is one teams.<team> entry.
type TeamConfig struct {
	Enabled        bool                    `mapstructure:"enabled"`
	SyncInterval   time.Duration           `mapstructure:"sync_interval"`
	WorkspaceToken string                  `mapstructure:"workspace_token"`
	Tables         map[string]TableBinding `mapstructure:"tables"`
}

// Config is the full, unmarshaled configuration tree.
type Config struct {
	Global         GlobalConfig             `mapstructure:"global"`
	Source         SourceConfig             `mapstructure:"source"`
	Sink           SinkConfig               `mapstructure:"sink"`
	FieldMappings  FieldMappings            `mapstructure:"field_mappings"`
	IssueLinkRules map[string]IssueLinkRule `mapstructure:"issue_link_rules"`
	Teams          map[string]TeamConfig    `mapstructure:"teams"`

	// configFilePath records where this Config was loaded from, so
	// Preflight can resolve ca_cert_path relative to it.
	configFilePath string
	// configFile is the flag-bound path; separate from
	// configFilePath so Bind/Preflight stay pflag-idiomatic.
	configFile string
}

// Bind registers the command-line flags this package understands,
// mirroring the teacher's Config.Bind(*pflag.FlagSet) pattern.
func (c *Config) Bind(flags *pflag.FlagSet) {
	flags.StringVar(&c.configFile, "config", "", "path to the configuration file")
	flags.StringVar(&c.Global.LogLevel, "log-level", "info", "log level (trace, debug, info, warn, error)")
	flags.DurationVar(&c.Global.DefaultSyncInterval, "default-sync-interval", 5*time.Minute,
		"fallback sync interval for bindings that don't set their own")
	flags.StringVar(&c.Global.DataDirectory, "data-directory", "./data", "directory for persisted state")
}

// Load reads the configuration file bound via Bind (or the default
// search path) through viper, applying environment variable overrides,
// and unmarshals it into c.
func (c *Config) Load(flags *pflag.FlagSet) error {
	v := viper.New()
	v.SetEnvPrefix("TICKET_SINK")
	v.AutomaticEnv()

	if c.configFile != "" {
		v.SetConfigFile(c.configFile)
	} else {
		v.SetConfigName("ticket-sink")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/ticket-sink")
	}

	if err := v.BindPFlags(flags); err != nil {
		return errors.Wrap(err, "binding flags")
	}
	if err := v.ReadInConfig(); err != nil {
		return errors.Wrap(err, "reading configuration file")
	}
	if err := v.Unmarshal(c); err != nil {
		return errors.Wrap(err, "unmarshaling configuration")
	}
	c.configFilePath = v.ConfigFileUsed()
	return nil
}

// Preflight validates the configuration and resolves relative paths,
// mirroring the teacher's Config.Preflight() error pattern.
func (c *Config) Preflight() error {
	if c.Source.ServerURL == "" {
		return errors.New("source.server_url unset")
	}
	if c.Sink.AppID == "" || c.Sink.AppSecret == "" {
		return errors.New("sink.app_id and sink.app_secret must both be set")
	}
	if len(c.FieldMappings.TicketFields) == 0 {
		return errors.New("field_mappings.ticket_fields must name at least one identity-column candidate")
	}

	if c.Source.CACertPath != "" && !filepath.IsAbs(c.Source.CACertPath) && c.configFilePath != "" {
		c.Source.CACertPath = filepath.Join(filepath.Dir(c.configFilePath), c.Source.CACertPath)
	}

	for teamName, team := range c.Teams {
		if !team.Enabled {
			continue
		}
		if team.WorkspaceToken == "" {
			return errors.Errorf("team %q: workspace_token unset", teamName)
		}
		for tableName, table := range team.Tables {
			if !table.Enabled {
				continue
			}
			if table.SinkTableID == "" {
				return errors.Errorf("team %q table %q: sink_table_id unset", teamName, tableName)
			}
		}
	}
	return nil
}

// EffectiveInterval resolves table.sync_interval ?? team.sync_interval
// ?? global.default_sync_interval (spec §4.9).
func (c *Config) EffectiveInterval(teamName, tableName string) time.Duration {
	team := c.Teams[teamName]
	table := team.Tables[tableName]
	switch {
	case table.SyncInterval > 0:
		return table.SyncInterval
	case team.SyncInterval > 0:
		return team.SyncInterval
	default:
		return c.Global.DefaultSyncInterval
	}
}
