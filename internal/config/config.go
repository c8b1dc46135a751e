package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"tilesync/internal/domain"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
)

// Config models tilesync.yml.
type Config struct {
	Store struct {
		Driver    string `yaml:"driver"`
		DSN       string `yaml:"dsn"`
		Workspace string `yaml:"workspace"`
	} `yaml:"store"`
	Views       []ViewConfig   `yaml:"views"`
	Backfill    BackfillConfig `yaml:"backfill"`
	ParentsFile string         `yaml:"parents_file"`
	Notify      struct {
		RedisURL string          `yaml:"redis_url"`
		Channel  string          `yaml:"channel"`
		Webhooks []WebhookConfig `yaml:"webhooks"`
	} `yaml:"notify"`
	Log LogConfig `yaml:"log"`
}

// ViewConfig declares one view vocabulary. Labels are keyed by canonical status name.
type ViewConfig struct {
	Name   string            `yaml:"name"`
	Zone   []string          `yaml:"zone"`
	Labels map[string]string `yaml:"labels"`
}

type BackfillConfig struct {
	MinItems   int      `yaml:"min_items"`
	MaxItems   int      `yaml:"max_items"`
	Templates  []string `yaml:"templates"`
	Zones      []string `yaml:"zones"`
	Priorities []string `yaml:"priorities"`
	Materials  []string `yaml:"materials"`
	Machines   []string `yaml:"machines"`
}

type WebhookConfig struct {
	URL   string   `yaml:"url"`
	Views []string `yaml:"views"`
}

type LogConfig struct {
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with tilesync config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure. Vocabulary
// bijection rules are enforced when the views are registered.
func (c *Config) Validate() error {
	switch c.Store.Driver {
	case "", DriverSQLite, DriverMemory:
	case DriverPostgres:
		if c.Store.DSN == "" {
			return fmt.Errorf("config.store.dsn is required for driver postgres")
		}
	default:
		return fmt.Errorf("config.store.driver must be one of sqlite, postgres, memory")
	}
	if len(c.Views) == 0 {
		return fmt.Errorf("config.views is required")
	}
	seen := map[string]bool{}
	for i, v := range c.Views {
		if strings.TrimSpace(v.Name) == "" {
			return fmt.Errorf("config.views[%d].name is required", i)
		}
		if seen[v.Name] {
			return fmt.Errorf("view %s defined twice", v.Name)
		}
		seen[v.Name] = true
		for _, s := range v.Zone {
			if _, err := domain.ParseStatus(s); err != nil {
				return fmt.Errorf("view %s zone: %w", v.Name, err)
			}
		}
		for s := range v.Labels {
			if _, err := domain.ParseStatus(s); err != nil {
				return fmt.Errorf("view %s labels: %w", v.Name, err)
			}
		}
	}
	b := c.Backfill
	if b.MinItems < 1 {
		return fmt.Errorf("config.backfill.min_items must be >= 1")
	}
	if b.MaxItems < b.MinItems {
		return fmt.Errorf("config.backfill.max_items must be >= min_items")
	}
	if b.MaxItems > 999 {
		return fmt.Errorf("config.backfill.max_items must be <= 999")
	}
	if len(b.Templates) == 0 {
		return fmt.Errorf("config.backfill.templates is required")
	}
	for i, w := range c.Notify.Webhooks {
		if w.URL == "" {
			return fmt.Errorf("config.notify.webhooks[%d].url is required", i)
		}
		for _, name := range w.Views {
			if !seen[name] {
				return fmt.Errorf("webhook %s references unknown view %s", w.URL, name)
			}
		}
	}
	if c.Log.MaxSizeMB < 0 || c.Log.MaxBackups < 0 || c.Log.MaxAgeDays < 0 {
		return fmt.Errorf("config.log limits must not be negative")
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "tilesync.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// LoadOptional returns the default config if the file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the built-in production and project views.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	// unset keys keep their defaults; sequences replace the default lists
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

// Marshal renders the config back to YAML.
func (c *Config) Marshal() ([]byte, error) {
	return yaml.Marshal(c)
}

const defaultTemplate = `store:
  driver: sqlite

views:
  - name: production
    zone: [queued, in_progress, ready_for_next_stage]
    labels:
      queued: "W KOLEJCE"
      in_progress: "W TRAKCIE CIĘCIA"
      ready_for_next_stage: "WYCIĘTE"
  - name: project
    zone: [designing, pending_approval, queued, in_progress, ready_for_next_stage, assembling, done]
    labels:
      designing: "Projektowanie"
      pending_approval: "Do akceptacji"
      queued: "W kolejce CNC"
      in_progress: "W produkcji CNC"
      ready_for_next_stage: "Gotowy do montażu"
      assembling: "W montażu"
      done: "Zakończony"

backfill:
  min_items: 3
  max_items: 5
  templates:
    - "Rama konstrukcyjna główna"
    - "Panel sterowania"
    - "System mocowań"
    - "Elementy bezpieczeństwa"
    - "Komponenty elektryczne"
    - "Części mechaniczne"
    - "Obudowa zewnętrzna"
    - "System wentylacji"
  zones: ["Strefa A", "Strefa B", "Strefa C", "Strefa D"]
  priorities: ["Wysoki", "Średni", "Niski"]
  materials: ["Stal S355", "Aluminium 6061", "Płyta HPL", "Blacha ocynkowana"]
  machines: ["CNC-01", "CNC-02", "Laser-01"]

notify:
  channel: tilesync.notifications

log:
  max_size_mb: 50
  max_backups: 3
  max_age_days: 28
`
