// Package config provides YAML-based configuration loading for quoroom.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

// Config is the top-level quoroom configuration, loaded from quoroom.yaml.
type Config struct {
	Owner        string          `yaml:"owner"`
	Database     DatabaseConfig  `yaml:"database"`
	Scheduler    SchedulerConfig `yaml:"scheduler"`
	Sweeps       SweepConfig     `yaml:"sweeps"`
	RoomDefaults RoomDefaults    `yaml:"room_defaults"`
	Reasoner     ReasonerConfig  `yaml:"reasoner"`
	Dashboard    DashboardConfig `yaml:"dashboard"`
	Notify       NotifyConfig    `yaml:"notify"`
}

// DatabaseConfig selects and addresses the backing store.
type DatabaseConfig struct {
	Driver   string `yaml:"driver"` // "sqlite" or "mysql"
	Path     string `yaml:"path"`   // sqlite file
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Name     string `yaml:"name"`
}

// SchedulerConfig holds process-wide scheduling limits.
type SchedulerConfig struct {
	PollInterval        time.Duration `yaml:"poll_interval"`
	StopGrace           time.Duration `yaml:"stop_grace"`
	MaxBackoff          time.Duration `yaml:"max_backoff"`
	TurnTimeout         time.Duration `yaml:"turn_timeout"`
	MaxConcurrentCycles int           `yaml:"max_concurrent_cycles"`
	Timezone            string        `yaml:"timezone"`
}

// SweepConfig holds cron expressions for periodic maintenance.
type SweepConfig struct {
	Decisions string `yaml:"decisions"`
	StopGrace string `yaml:"stop_grace"`
}

// RoomDefaults seeds the settings of newly created rooms.
type RoomDefaults struct {
	AutonomyMode         string   `yaml:"autonomy_mode"`
	Threshold            string   `yaml:"threshold"`
	TimeoutMinutes       int      `yaml:"timeout_minutes"`
	TieBreaker           string   `yaml:"tie_breaker"`
	AutoApprove          []string `yaml:"auto_approve"`
	MinVoters            int      `yaml:"min_voters"`
	SealedBallot         bool     `yaml:"sealed_ballot"`
	VoterHealth          bool     `yaml:"voter_health"`
	VoterHealthThreshold float64  `yaml:"voter_health_threshold"`
	KeeperVotes          bool     `yaml:"keeper_votes"`
	MaxConcurrentTasks   int      `yaml:"max_concurrent_tasks"`
	CycleGapMs           int64    `yaml:"cycle_gap_ms"`
	MinCycleGapMs        int64    `yaml:"min_cycle_gap_ms"`
	MaxTurns             int      `yaml:"max_turns"`
	QuietFrom            string   `yaml:"quiet_from"`
	QuietUntil           string   `yaml:"quiet_until"`
}

// ReasonerConfig describes the CLI used as the reasoning capability.
type ReasonerConfig struct {
	Command string   `yaml:"command"`
	Args    []string `yaml:"args"`
	WorkDir string   `yaml:"work_dir"`
}

// DashboardConfig holds the HTTP control surface settings.
type DashboardConfig struct {
	Port int `yaml:"port"`
}

// NotifyConfig holds keeper notification channels. Each is optional.
type NotifyConfig struct {
	Command string        `yaml:"command"`
	Slack   SlackConfig   `yaml:"slack"`
	Discord DiscordConfig `yaml:"discord"`
}

// SlackConfig configures posting keeper notices to Slack.
type SlackConfig struct {
	BotToken  string `yaml:"bot_token"`
	ChannelID string `yaml:"channel_id"`
}

// DiscordConfig configures posting keeper notices to Discord.
type DiscordConfig struct {
	BotToken  string `yaml:"bot_token"`
	ChannelID string `yaml:"channel_id"`
}

// Load reads a YAML config file from path and returns a validated Config.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse unmarshals YAML bytes into a validated Config.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns a validated configuration with every default applied.
func Default(owner string) *Config {
	cfg := &Config{Owner: owner}
	cfg.applyDefaults()
	return cfg
}

// applyDefaults fills in derived and default values.
func (c *Config) applyDefaults() {
	if c.Database.Driver == "" {
		c.Database.Driver = "sqlite"
	}
	if c.Database.Path == "" {
		c.Database.Path = ".quoroom/quoroom.db"
	}
	if c.Database.Host == "" {
		c.Database.Host = "127.0.0.1"
	}
	if c.Database.Port == 0 {
		c.Database.Port = 3306
	}
	if c.Database.User == "" {
		c.Database.User = "root"
	}
	if c.Database.Name == "" && c.Owner != "" {
		c.Database.Name = "quoroom_" + c.Owner
	}

	if c.Scheduler.PollInterval <= 0 {
		c.Scheduler.PollInterval = 5 * time.Second
	}
	if c.Scheduler.StopGrace <= 0 {
		c.Scheduler.StopGrace = 2 * time.Minute
	}
	if c.Scheduler.MaxBackoff <= 0 {
		c.Scheduler.MaxBackoff = 30 * time.Minute
	}
	if c.Scheduler.TurnTimeout <= 0 {
		c.Scheduler.TurnTimeout = 10 * time.Minute
	}
	if c.Scheduler.MaxConcurrentCycles == 0 {
		c.Scheduler.MaxConcurrentCycles = 8
	}

	if c.Sweeps.Decisions == "" {
		c.Sweeps.Decisions = "@every 1m"
	}
	if c.Sweeps.StopGrace == "" {
		c.Sweeps.StopGrace = "@every 30s"
	}

	d := &c.RoomDefaults
	if d.AutonomyMode == "" {
		d.AutonomyMode = "semi"
	}
	if d.Threshold == "" {
		d.Threshold = "majority"
	}
	if d.TimeoutMinutes == 0 {
		d.TimeoutMinutes = 60
	}
	if d.TieBreaker == "" {
		d.TieBreaker = "queen"
	}
	if d.MinVoters == 0 {
		d.MinVoters = 1
	}
	if d.VoterHealthThreshold == 0 {
		d.VoterHealthThreshold = 0.5
	}
	if d.MaxConcurrentTasks == 0 {
		d.MaxConcurrentTasks = 3
	}
	if d.CycleGapMs == 0 {
		d.CycleGapMs = 60_000
	}
	if d.MinCycleGapMs == 0 {
		d.MinCycleGapMs = 1_000
	}
	if d.MaxTurns == 0 {
		d.MaxTurns = 25
	}

	if c.Reasoner.Command == "" {
		c.Reasoner.Command = "claude"
	}
	if c.Dashboard.Port == 0 {
		c.Dashboard.Port = 8080
	}
}

// validate checks that all required fields are present and consistent.
func (c *Config) validate() error {
	var errs []string
	if c.Owner == "" {
		errs = append(errs, "owner is required")
	}
	switch c.Database.Driver {
	case "sqlite", "mysql":
	default:
		errs = append(errs, fmt.Sprintf("database.driver %q must be sqlite or mysql", c.Database.Driver))
	}
	if c.Scheduler.MaxConcurrentCycles < 0 {
		errs = append(errs, "scheduler.max_concurrent_cycles must not be negative")
	}
	if c.Scheduler.Timezone != "" {
		if _, err := time.LoadLocation(c.Scheduler.Timezone); err != nil {
			errs = append(errs, fmt.Sprintf("scheduler.timezone: %v", err))
		}
	}
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	if _, err := parser.Parse(c.Sweeps.Decisions); err != nil {
		errs = append(errs, fmt.Sprintf("sweeps.decisions: %v", err))
	}
	if _, err := parser.Parse(c.Sweeps.StopGrace); err != nil {
		errs = append(errs, fmt.Sprintf("sweeps.stop_grace: %v", err))
	}
	if c.Notify.Slack.BotToken != "" && c.Notify.Slack.ChannelID == "" {
		errs = append(errs, "notify.slack.channel_id is required with a bot token")
	}
	if c.Notify.Discord.BotToken != "" && c.Notify.Discord.ChannelID == "" {
		errs = append(errs, "notify.discord.channel_id is required with a bot token")
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

// Location returns the scheduler timezone, defaulting to local time.
func (c *Config) Location() *time.Location {
	if c.Scheduler.Timezone == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(c.Scheduler.Timezone)
	if err != nil {
		return time.Local
	}
	return loc
}
