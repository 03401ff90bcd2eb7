package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

const (
	DefaultExecutedScriptsTable  = "dbmaintain_scripts"
	DefaultPostprocessingDir     = "postprocessing"
	DefaultMaxScriptContentChars = 2000
)

type Config struct {
	Databases                            []DatabaseConfig `yaml:"databases"`
	Scripts                              ScriptsConfig    `yaml:"scripts"`
	ExecutedScriptsTable                 string           `yaml:"executed_scripts_table"`
	AutoCreateExecutedScriptsTable       bool             `yaml:"auto_create_executed_scripts_table"`
	FromScratchEnabled                   bool             `yaml:"from_scratch_enabled"`
	UseLastModifiedDates                 bool             `yaml:"use_last_modified_dates"`
	AllowOutOfSequenceExecutionOfPatches bool             `yaml:"allow_out_of_sequence_execution_of_patches"`
	CleanDB                              bool             `yaml:"clean_db"`
	DisableConstraints                   bool             `yaml:"disable_constraints"`
	UpdateSequences                      bool             `yaml:"update_sequences"`
	LowestAcceptableSequenceValue        int64            `yaml:"lowest_acceptable_sequence_value"`
	MaxScriptContentChars                int              `yaml:"max_script_content_chars"`
	Preserve                             PreserveConfig   `yaml:"preserve"`
	LogLevel                             string           `yaml:"log_level"`
	HTTPAddress                          string           `yaml:"http_address"`
}

// DatabaseConfig describes one target database. Schemas defaults to the
// connection's current schema when empty.
type DatabaseConfig struct {
	Name     string   `yaml:"name"`
	Provider string   `yaml:"provider"`
	DSN      string   `yaml:"dsn"`
	Schemas  []string `yaml:"schemas"`
}

type ScriptsConfig struct {
	Location              string   `yaml:"location"`
	Extensions            []string `yaml:"extensions"`
	PostprocessingDir     string   `yaml:"postprocessing_dir"`
	Qualifiers            []string `yaml:"qualifiers"`
	PatchQualifiers       []string `yaml:"patch_qualifiers"`
	IncludedQualifiers    []string `yaml:"included_qualifiers"`
	ExcludedQualifiers    []string `yaml:"excluded_qualifiers"`
	BaselineRevision      string   `yaml:"baseline_revision"`
	IgnoreCarriageReturns *bool    `yaml:"ignore_carriage_returns"`
}

// IgnoreCR reports whether checksums skip carriage returns (default true).
func (s ScriptsConfig) IgnoreCR() bool {
	return s.IgnoreCarriageReturns == nil || *s.IgnoreCarriageReturns
}

// PreserveConfig lists objects the clearer and cleaner must leave alone.
// Entries are "schema.name" or a bare name resolved against the default
// schema of the default database.
type PreserveConfig struct {
	Schemas           []string `yaml:"schemas"`
	Tables            []string `yaml:"tables"`
	Views             []string `yaml:"views"`
	MaterializedViews []string `yaml:"materialized_views"`
	Sequences         []string `yaml:"sequences"`
	Triggers          []string `yaml:"triggers"`
	Types             []string `yaml:"types"`
	Synonyms          []string `yaml:"synonyms"`
	DataOnlyTables    []string `yaml:"data_only_tables"`
}

// Load reads the YAML file at path, applies DBMAINTAIN_* environment
// overrides and defaults, and validates the result.
func Load(path string) (Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	return Parse(raw)
}

func Parse(raw []byte) (Config, error) {
	cfg := Config{AutoCreateExecutedScriptsTable: true}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.applyEnv(); err != nil {
		return Config{}, err
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	c.LogLevel = getEnv("DBMAINTAIN_LOG_LEVEL", c.LogLevel)
	c.HTTPAddress = getEnv("DBMAINTAIN_HTTP_ADDR", c.HTTPAddress)
	c.Scripts.Location = getEnv("DBMAINTAIN_SCRIPTS_LOCATION", c.Scripts.Location)
	c.Scripts.BaselineRevision = getEnv("DBMAINTAIN_BASELINE_REVISION", c.Scripts.BaselineRevision)
	if v := os.Getenv("DBMAINTAIN_PATCH_QUALIFIERS"); v != "" {
		c.Scripts.PatchQualifiers = splitAndTrim(v)
	}
	if v := os.Getenv("DBMAINTAIN_DB_DSN"); v != "" && len(c.Databases) > 0 {
		c.Databases[0].DSN = v
	}

	flags := []struct {
		key string
		dst *bool
	}{
		{"DBMAINTAIN_FROM_SCRATCH_ENABLED", &c.FromScratchEnabled},
		{"DBMAINTAIN_USE_LAST_MODIFIED_DATES", &c.UseLastModifiedDates},
		{"DBMAINTAIN_ALLOW_OUT_OF_SEQUENCE_PATCHES", &c.AllowOutOfSequenceExecutionOfPatches},
		{"DBMAINTAIN_CLEAN_DB", &c.CleanDB},
		{"DBMAINTAIN_DISABLE_CONSTRAINTS", &c.DisableConstraints},
		{"DBMAINTAIN_UPDATE_SEQUENCES", &c.UpdateSequences},
	}
	for _, f := range flags {
		v := os.Getenv(f.key)
		if v == "" {
			continue
		}
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%s must be a boolean", f.key)
		}
		*f.dst = b
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.ExecutedScriptsTable == "" {
		c.ExecutedScriptsTable = DefaultExecutedScriptsTable
	}
	if c.Scripts.PostprocessingDir == "" {
		c.Scripts.PostprocessingDir = DefaultPostprocessingDir
	}
	if len(c.Scripts.Extensions) == 0 {
		c.Scripts.Extensions = []string{"sql", "ddl"}
	}
	if c.MaxScriptContentChars == 0 {
		c.MaxScriptContentChars = DefaultMaxScriptContentChars
	}
	if c.LowestAcceptableSequenceValue == 0 {
		c.LowestAcceptableSequenceValue = 1000
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.HTTPAddress == "" {
		c.HTTPAddress = ":8080"
	}
	for i := range c.Databases {
		if c.Databases[i].Name == "" && i == 0 {
			c.Databases[i].Name = "default"
		}
	}
}

func (c Config) Validate() error {
	if len(c.Databases) == 0 {
		return errors.New("at least one database is required")
	}
	seen := make(map[string]bool)
	for i, d := range c.Databases {
		if d.Name == "" {
			return fmt.Errorf("databases[%d]: name is required", i)
		}
		key := strings.ToLower(d.Name)
		if seen[key] {
			return fmt.Errorf("databases[%d]: duplicate name %q", i, d.Name)
		}
		seen[key] = true
		if d.Provider == "" {
			return fmt.Errorf("database %s: provider is required", d.Name)
		}
		if d.DSN == "" {
			return fmt.Errorf("database %s: dsn is required", d.Name)
		}
	}
	if c.Scripts.Location == "" {
		return errors.New("scripts.location is required")
	}
	if c.MaxScriptContentChars < 0 {
		return errors.New("max_script_content_chars must not be negative")
	}
	return nil
}

// Database returns the database with the given name; an empty name selects
// the default (first) database.
func (c Config) Database(name string) (DatabaseConfig, bool) {
	if name == "" {
		return c.Databases[0], true
	}
	for _, d := range c.Databases {
		if strings.EqualFold(d.Name, name) {
			return d, true
		}
	}
	return DatabaseConfig{}, false
}

func getEnv(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func splitAndTrim(input string) []string {
	if input == "" {
		return nil
	}
	parts := strings.Split(input, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		trimmed := strings.TrimSpace(p)
		if trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
