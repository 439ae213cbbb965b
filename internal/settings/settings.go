// Package settings holds the game configuration as an immutable snapshot
// that can be swapped at runtime.
package settings

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/maibot/chatpoints/internal/ledger"
)

// Context is one immutable snapshot of the game settings. Never mutate a
// Context obtained from a Holder; load a new one instead.
type Context struct {
	HouseID         string                   `yaml:"house_id"`
	DefaultCooldown time.Duration            `yaml:"default_cooldown"`
	Cooldowns       map[string]time.Duration `yaml:"cooldowns"`
	Discounts       map[string]time.Duration `yaml:"discounts"`
	Ignored         []string                 `yaml:"ignored"`
	Admins          []string                 `yaml:"admins"`

	Roulette Roulette `yaml:"roulette"`
	Showdown Showdown `yaml:"showdown"`
	Levels   Levels   `yaml:"levels"`
	Tips     Tips     `yaml:"tips"`
	Penalty  Penalty  `yaml:"penalty"`
	Activity Activity `yaml:"activity"`
}

type Roulette struct {
	Window       time.Duration `yaml:"window"`
	MaxDuration  time.Duration `yaml:"max_duration"`
	MaxExtension time.Duration `yaml:"max_extension"`
	HouseBase    float64       `yaml:"house_base"`
	HouseDivisor float64       `yaml:"house_divisor"`
	// Rounds with at most this many distinct participants, house included,
	// are voided unless the house wins.
	NoContestMaxParticipants int `yaml:"no_contest_max_participants"`
}

// MaxShowdownSeats is the most players a single deck can deal to.
const MaxShowdownSeats = 52

type Showdown struct {
	Ante         float64       `yaml:"ante"`
	Rounds       int           `yaml:"rounds"`
	RoundTimeout time.Duration `yaml:"round_timeout"`
	MinPlayers   int           `yaml:"min_players"`
	MaxPlayers   int           `yaml:"max_players"`
}

type Levels struct {
	Base   float64 `yaml:"base"`
	Growth float64 `yaml:"growth"`
}

type Tips struct {
	Default float64 `yaml:"default"`
}

type Penalty struct {
	Slap float64 `yaml:"slap"`
	Kick float64 `yaml:"kick"`
}

type Activity struct {
	// Channels whose messages earn personal points. Channel aggregates are
	// always credited.
	Channels []string `yaml:"channels"`
}

// Default returns the built-in settings.
func Default() *Context {
	return &Context{
		HouseID:         "house",
		DefaultCooldown: 5 * time.Second,
		Cooldowns: map[string]time.Duration{
			"chatgames": 10 * time.Second,
			"chattip":   5 * time.Second,
			"chatslap":  30 * time.Second,
			"chatbet":   5 * time.Second,
		},
		Discounts: map[string]time.Duration{},
		Roulette: Roulette{
			Window:                   20 * time.Second,
			MaxDuration:              60 * time.Second,
			MaxExtension:             10 * time.Second,
			HouseBase:                0.5,
			HouseDivisor:             50,
			NoContestMaxParticipants: 2,
		},
		Showdown: Showdown{
			Ante:         5,
			Rounds:       3,
			RoundTimeout: 60 * time.Second,
			MinPlayers:   2,
			MaxPlayers:   8,
		},
		Levels:  Levels{Base: 100, Growth: 1.15},
		Tips:    Tips{Default: 5},
		Penalty: Penalty{Slap: 5, Kick: 100},
	}
}

// Parse decodes YAML over the defaults and validates the result.
func Parse(data []byte) (*Context, error) {
	c := Default()
	if err := yaml.Unmarshal(data, c); err != nil {
		return nil, fmt.Errorf("decode settings: %w", err)
	}
	if err := c.validate(); err != nil {
		return nil, err
	}
	c.normalize()
	return c, nil
}

// LoadFile parses the settings file at path. A missing file yields the defaults.
func LoadFile(path string) (*Context, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return Default(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("read settings: %w", err)
	}
	return Parse(data)
}

func (c *Context) validate() error {
	switch {
	case c.HouseID == "":
		return errors.New("house_id must be set")
	case c.Roulette.Window <= 0 || c.Roulette.MaxDuration < c.Roulette.Window:
		return errors.New("roulette window must be positive and not exceed max_duration")
	case c.Roulette.HouseDivisor <= 0:
		return errors.New("roulette house_divisor must be positive")
	case c.Showdown.Rounds <= 0 || c.Showdown.RoundTimeout <= 0:
		return errors.New("showdown rounds and round_timeout must be positive")
	case c.Showdown.MinPlayers < 2 || c.Showdown.MaxPlayers < c.Showdown.MinPlayers:
		return errors.New("showdown needs at least two players")
	case c.Showdown.MaxPlayers > MaxShowdownSeats:
		return fmt.Errorf("showdown max_players must not exceed %d", MaxShowdownSeats)
	case c.Showdown.Ante <= 0:
		return errors.New("showdown ante must be positive")
	}
	return nil
}

func (c *Context) normalize() {
	c.HouseID = ledger.NormalizeID(c.HouseID)
	for i, id := range c.Ignored {
		c.Ignored[i] = ledger.NormalizeID(id)
	}
	for i, id := range c.Admins {
		c.Admins[i] = ledger.NormalizeID(id)
	}
	discounts := make(map[string]time.Duration, len(c.Discounts))
	for id, d := range c.Discounts {
		if d < 0 {
			d = 0
		}
		discounts[ledger.NormalizeID(id)] = d
	}
	c.Discounts = discounts
}

// CooldownFor returns the cooldown of cmd, falling back to the default.
func (c *Context) CooldownFor(cmd string) time.Duration {
	if d, ok := c.Cooldowns[cmd]; ok {
		return d
	}
	return c.DefaultCooldown
}

// DiscountFor returns the caller's cooldown discount, never negative.
func (c *Context) DiscountFor(caller string) time.Duration {
	return max(c.Discounts[ledger.NormalizeID(caller)], 0)
}

func (c *Context) IsIgnored(id string) bool {
	return contains(c.Ignored, ledger.NormalizeID(id))
}

func (c *Context) IsAdmin(id string) bool {
	return contains(c.Admins, ledger.NormalizeID(id))
}

// EarnsActivity reports whether messages in channel earn personal points.
// An empty list means every channel does.
func (c *Context) EarnsActivity(channel string) bool {
	if len(c.Activity.Channels) == 0 {
		return true
	}
	for _, ch := range c.Activity.Channels {
		if strings.EqualFold(ch, channel) {
			return true
		}
	}
	return false
}

// LevelCurve returns the ledger level curve.
func (c *Context) LevelCurve() ledger.LevelCurve {
	return ledger.LevelCurve{Base: decimal.NewFromFloat(c.Levels.Base), Growth: c.Levels.Growth}
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
