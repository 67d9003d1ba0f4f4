package room

import (
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/zulandar/quoroom/internal/config"
)

// Autonomy modes.
const (
	AutonomyManual = "manual"
	AutonomySemi   = "semi"
	AutonomyFull   = "full"
)

// Vote thresholds.
const (
	ThresholdMajority      = "majority"
	ThresholdSupermajority = "supermajority"
	ThresholdUnanimous     = "unanimous"
)

// Tie breakers applied when a decision times out.
const (
	TieBreakQueen  = "queen"
	TieBreakKeeper = "keeper"
	TieBreakNone   = "none"
)

// Settings is the immutable configuration snapshot of a room. It is read
// once per scheduling or voting decision and replaced wholesale on update.
type Settings struct {
	AutonomyMode         string   `json:"autonomy_mode"`
	Threshold            string   `json:"threshold"`
	TimeoutMinutes       int      `json:"timeout_minutes"`
	TieBreaker           string   `json:"tie_breaker"`
	AutoApprove          []string `json:"auto_approve,omitempty"`
	MinVoters            int      `json:"min_voters"`
	SealedBallot         bool     `json:"sealed_ballot"`
	VoterHealth          bool     `json:"voter_health"`
	VoterHealthThreshold float64  `json:"voter_health_threshold"`
	KeeperVotes          bool     `json:"keeper_votes"`
	MaxConcurrentTasks   int      `json:"max_concurrent_tasks"`
	CycleGapMs           int64    `json:"cycle_gap_ms"`
	MinCycleGapMs        int64    `json:"min_cycle_gap_ms"`
	MaxTurns             int      `json:"max_turns"`
	QuietFrom            string   `json:"quiet_from,omitempty"`
	QuietUntil           string   `json:"quiet_until,omitempty"`
}

// SettingsFromConfig converts configured room defaults into Settings.
func SettingsFromConfig(d config.RoomDefaults) Settings {
	return Settings{
		AutonomyMode:         d.AutonomyMode,
		Threshold:            d.Threshold,
		TimeoutMinutes:       d.TimeoutMinutes,
		TieBreaker:           d.TieBreaker,
		AutoApprove:          slices.Clone(d.AutoApprove),
		MinVoters:            d.MinVoters,
		SealedBallot:         d.SealedBallot,
		VoterHealth:          d.VoterHealth,
		VoterHealthThreshold: d.VoterHealthThreshold,
		KeeperVotes:          d.KeeperVotes,
		MaxConcurrentTasks:   d.MaxConcurrentTasks,
		CycleGapMs:           d.CycleGapMs,
		MinCycleGapMs:        d.MinCycleGapMs,
		MaxTurns:             d.MaxTurns,
		QuietFrom:            d.QuietFrom,
		QuietUntil:           d.QuietUntil,
	}
}

// DefaultSettings returns the built-in defaults.
func DefaultSettings() Settings {
	return SettingsFromConfig(config.Default("default").RoomDefaults)
}

// Validate reports every invalid knob at once.
func (s Settings) Validate() error {
	var errs []string
	switch s.AutonomyMode {
	case AutonomyManual, AutonomySemi, AutonomyFull:
	default:
		errs = append(errs, fmt.Sprintf("autonomy_mode %q must be manual, semi or full", s.AutonomyMode))
	}
	if !IsThreshold(s.Threshold) {
		errs = append(errs, fmt.Sprintf("threshold %q must be majority, supermajority or unanimous", s.Threshold))
	}
	switch s.TieBreaker {
	case TieBreakQueen, TieBreakKeeper, TieBreakNone:
	default:
		errs = append(errs, fmt.Sprintf("tie_breaker %q must be queen, keeper or none", s.TieBreaker))
	}
	if s.TimeoutMinutes <= 0 {
		errs = append(errs, "timeout_minutes must be positive")
	}
	if s.MinVoters < 1 {
		errs = append(errs, "min_voters must be at least 1")
	}
	if s.VoterHealthThreshold < 0 || s.VoterHealthThreshold > 1 {
		errs = append(errs, "voter_health_threshold must be within [0,1]")
	}
	if s.MaxConcurrentTasks < 0 {
		errs = append(errs, "max_concurrent_tasks must not be negative")
	}
	if s.CycleGapMs < 0 || s.MinCycleGapMs < 0 {
		errs = append(errs, "cycle gaps must not be negative")
	}
	if s.MaxTurns < 1 {
		errs = append(errs, "max_turns must be at least 1")
	}
	if (s.QuietFrom == "") != (s.QuietUntil == "") {
		errs = append(errs, "quiet_from and quiet_until must be set together")
	}
	if s.QuietFrom != "" {
		if _, err := parseClock(s.QuietFrom); err != nil {
			errs = append(errs, "quiet_from: "+err.Error())
		}
		if _, err := parseClock(s.QuietUntil); err != nil {
			errs = append(errs, "quiet_until: "+err.Error())
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("room: invalid settings: %s", strings.Join(errs, "; "))
	}
	return nil
}

// IsThreshold reports whether name is a known vote threshold.
func IsThreshold(name string) bool {
	switch name {
	case ThresholdMajority, ThresholdSupermajority, ThresholdUnanimous:
		return true
	}
	return false
}

// CycleGap is the enforced minimum pause between a worker's cycles.
func (s Settings) CycleGap() time.Duration {
	gap := max(s.CycleGapMs, s.MinCycleGapMs)
	return time.Duration(gap) * time.Millisecond
}

// AutoApproves reports whether decisions of this type skip the vote.
func (s Settings) AutoApproves(decisionType string) bool {
	return slices.Contains(s.AutoApprove, decisionType)
}

// InQuietHours reports whether t falls within the quiet window. The window
// is [from, until) and wraps midnight when until <= from.
func (s Settings) InQuietHours(t time.Time) bool {
	if s.QuietFrom == "" || s.QuietUntil == "" {
		return false
	}
	from, err := parseClock(s.QuietFrom)
	if err != nil {
		return false
	}
	until, err := parseClock(s.QuietUntil)
	if err != nil {
		return false
	}
	now := t.Hour()*60 + t.Minute()
	if from == until {
		return false
	}
	if from < until {
		return now >= from && now < until
	}
	return now >= from || now < until
}

// parseClock converts HH:MM into minutes after midnight.
func parseClock(s string) (int, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, fmt.Errorf("%q is not HH:MM", s)
	}
	return t.Hour()*60 + t.Minute(), nil
}

func encodeSettings(s Settings) (string, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return "", fmt.Errorf("room: encode settings: %w", err)
	}
	return string(data), nil
}

func decodeSettings(raw string) (Settings, error) {
	s := DefaultSettings()
	if raw == "" {
		return s, nil
	}
	if err := json.Unmarshal([]byte(raw), &s); err != nil {
		return Settings{}, fmt.Errorf("room: decode settings: %w", err)
	}
	return s, nil
}
