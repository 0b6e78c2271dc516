// Package config loads the YAML settings shared by the CLI commands.
//
// Every field has a default; a file only needs the keys it changes. Unknown
// keys are rejected so a typo does not silently fall back to a default.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/roach88/ofrenda/internal/catalog"
	"github.com/roach88/ofrenda/internal/engine"
	"github.com/roach88/ofrenda/internal/grid"
	"github.com/roach88/ofrenda/internal/ir"
	"github.com/roach88/ofrenda/internal/modules"
	"github.com/roach88/ofrenda/internal/ot"
	"github.com/roach88/ofrenda/internal/room"
)

// Config is the full application configuration.
type Config struct {
	Grid     Grid      `yaml:"grid"`
	Catalog  Catalog   `yaml:"catalog"`
	Resolver ot.Config `yaml:"resolver"`
	Engine   Engine    `yaml:"engine"`
	Session  Session   `yaml:"session"`
	Room     Room      `yaml:"room"`
	Steering Steering  `yaml:"steering"`
	Store    Store     `yaml:"store"`
}

// Grid overrides the catalog's grid size. Zero keeps the catalog's value.
type Grid struct {
	Rows            int `yaml:"rows"`
	Cols            int `yaml:"cols"`
	SuggestionLimit int `yaml:"suggestion_limit"`
}

// Catalog selects the element rules. An empty Dir uses the embedded catalog.
type Catalog struct {
	Dir string `yaml:"dir"`
}

// Engine tunes the dispatch engine.
type Engine struct {
	Retry         engine.RetryPolicy           `yaml:"retry"`
	Performance   engine.PerformanceThresholds `yaml:"performance"`
	ActionLogSize int                          `yaml:"action_log_size"`
	Debug         bool                         `yaml:"debug"`
}

// Session tunes the per-peer session.
type Session struct {
	// CursorRate is the cursor broadcasts allowed per second.
	CursorRate  float64 `yaml:"cursor_rate"`
	CursorBurst int     `yaml:"cursor_burst"`
	// SnapshotEvery writes module snapshots after this many committed
	// actions. Zero disables snapshots.
	SnapshotEvery int `yaml:"snapshot_every"`
	// InboxSize bounds each peer's undelivered message queue.
	InboxSize int `yaml:"inbox_size"`
}

// Room tunes the room directory.
type Room struct {
	MaxParticipants int `yaml:"max_participants"`
}

// Steering tunes the steering module.
type Steering struct {
	MaxAgents int `yaml:"max_agents"`
}

// Store locates the journal. An empty Path disables journaling.
type Store struct {
	Path string `yaml:"path"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Grid:     Grid{SuggestionLimit: grid.DefaultSuggestionLimit},
		Resolver: ot.DefaultConfig(),
		Engine: Engine{
			Retry:         engine.DefaultRetryPolicy,
			Performance:   engine.DefaultPerformanceThresholds,
			ActionLogSize: engine.DefaultActionLogSize,
		},
		Session: Session{
			CursorRate:    20,
			CursorBurst:   1,
			SnapshotEvery: 50,
			InboxSize:     256,
		},
		Room:     Room{MaxParticipants: room.DefaultMaxParticipants},
		Steering: Steering{MaxAgents: modules.DefaultMaxAgents},
	}
}

// Load reads path over the defaults and validates the result. An empty path
// returns the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := cfg.decode(data); err != nil {
		return cfg, fmt.Errorf("%s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Parse is Load for an in-memory document.
func Parse(data []byte) (Config, error) {
	cfg := Default()
	if err := cfg.decode(data); err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

func (c *Config) decode(data []byte) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("parse config: %w", err)
	}
	return nil
}

// Validate reports every invalid setting.
func (c Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	check(c.Grid.Rows >= 0, "grid.rows must not be negative, got %d", c.Grid.Rows)
	check(c.Grid.Cols >= 0, "grid.cols must not be negative, got %d", c.Grid.Cols)
	check(c.Grid.SuggestionLimit >= 0, "grid.suggestion_limit must not be negative, got %d", c.Grid.SuggestionLimit)

	check(c.Resolver.Window >= 0, "resolver.window must not be negative, got %d", c.Resolver.Window)
	check(c.Resolver.HistoryCap >= 0, "resolver.history_cap must not be negative, got %d", c.Resolver.HistoryCap)
	check(c.Resolver.SearchRadius >= 0, "resolver.search_radius must not be negative, got %d", c.Resolver.SearchRadius)

	check(c.Engine.Retry.MaxRetries >= 0, "engine.retry.max_retries must not be negative, got %d", c.Engine.Retry.MaxRetries)
	check(c.Engine.Retry.BaseDelay >= 0, "engine.retry.base_delay must not be negative, got %s", c.Engine.Retry.BaseDelay)
	check(c.Engine.ActionLogSize >= 0, "engine.action_log_size must not be negative, got %d", c.Engine.ActionLogSize)
	perf := c.Engine.Performance
	check(perf.Warn >= 0 && perf.Error >= 0, "engine.performance thresholds must not be negative")
	check(perf.Warn == 0 || perf.Error == 0 || perf.Warn <= perf.Error,
		"engine.performance.warn (%s) must not exceed engine.performance.error (%s)", perf.Warn, perf.Error)

	check(c.Session.CursorRate >= 0, "session.cursor_rate must not be negative, got %g", c.Session.CursorRate)
	check(c.Session.CursorRate == 0 || c.Session.CursorBurst >= 1, "session.cursor_burst must be at least 1 when cursor_rate is set")
	check(c.Session.SnapshotEvery >= 0, "session.snapshot_every must not be negative, got %d", c.Session.SnapshotEvery)
	check(c.Session.InboxSize >= 1, "session.inbox_size must be at least 1, got %d", c.Session.InboxSize)

	check(c.Room.MaxParticipants >= 1, "room.max_participants must be at least 1, got %d", c.Room.MaxParticipants)
	check(c.Steering.MaxAgents >= 1, "steering.max_agents must be at least 1, got %d", c.Steering.MaxAgents)

	return errors.Join(errs...)
}

// Layout compiles the configured catalog and applies the grid overrides.
func (c Config) Layout() (*catalog.Catalog, ir.Dimensions, error) {
	var (
		cat *catalog.Catalog
		err error
	)
	if c.Catalog.Dir != "" {
		cat, err = catalog.LoadDir(c.Catalog.Dir)
	} else {
		cat, err = catalog.Default()
	}
	if err != nil {
		return nil, ir.Dimensions{}, err
	}

	dims := cat.Dimensions
	if c.Grid.Rows > 0 {
		dims.Rows = c.Grid.Rows
	}
	if c.Grid.Cols > 0 {
		dims.Cols = c.Grid.Cols
	}
	return cat, dims, nil
}

// Validator builds the placement validator for the configured catalog.
func (c Config) Validator(cat *catalog.Catalog) *grid.Validator {
	return cat.Validator(grid.WithSuggestionLimit(c.Grid.SuggestionLimit))
}

// CursorInterval is the minimum spacing of cursor broadcasts, or zero when
// they are not throttled.
func (s Session) CursorInterval() time.Duration {
	if s.CursorRate <= 0 {
		return 0
	}
	return time.Duration(float64(time.Second) / s.CursorRate)
}
