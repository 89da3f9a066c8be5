package config

import (
	"fmt"
	"time"

	"github.com/BurntSushi/toml"
)

// Bootstrap declares the administratively created resources applied at startup.
type Bootstrap struct {
	Channels []ChannelSpec `toml:"channels"`
	Locks    []LockSpec    `toml:"locks"`
	Jobs     []JobSpec     `toml:"jobs"`
}

type ChannelSpec struct {
	Name               string   `toml:"name"`
	EventTypes         []string `toml:"event_types"`
	Retention          Duration `toml:"retention"`
	MaxEventsPerMinute int      `toml:"max_events_per_minute"`
	MaxRetries         int      `toml:"max_retries"`
}

type LockSpec struct {
	Name        string `toml:"name"`
	Description string `toml:"description"`
	Scope       string `toml:"scope"`
}

type JobSpec struct {
	Name        string   `toml:"name"`
	Schedule    string   `toml:"schedule"`
	Operation   string   `toml:"operation"`
	MaxDuration Duration `toml:"max_duration"`
	Active      *bool    `toml:"active"`
}

func (j JobSpec) IsActive() bool {
	return j.Active == nil || *j.Active
}

// Duration decodes TOML strings such as "90s" or "168h".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", text, err)
	}
	d.Duration = v
	return nil
}

func LoadBootstrap(path string) (*Bootstrap, error) {
	var b Bootstrap
	if _, err := toml.DecodeFile(path, &b); err != nil {
		return nil, fmt.Errorf("decode bootstrap %s: %w", path, err)
	}
	if err := b.validate(); err != nil {
		return nil, fmt.Errorf("bootstrap %s: %w", path, err)
	}
	return &b, nil
}

func (b *Bootstrap) validate() error {
	seen := make(map[string]bool)
	for _, c := range b.Channels {
		if c.Name == "" {
			return fmt.Errorf("channel without name")
		}
		if seen["channel:"+c.Name] {
			return fmt.Errorf("duplicate channel %q", c.Name)
		}
		seen["channel:"+c.Name] = true
		if c.MaxEventsPerMinute < 0 || c.MaxRetries < 0 {
			return fmt.Errorf("channel %q: limits must not be negative", c.Name)
		}
	}
	for _, l := range b.Locks {
		if l.Name == "" {
			return fmt.Errorf("lock without name")
		}
		switch l.Scope {
		case "", "session", "transaction", "global":
		default:
			return fmt.Errorf("lock %q: unknown scope %q", l.Name, l.Scope)
		}
	}
	for _, j := range b.Jobs {
		if j.Name == "" || j.Schedule == "" || j.Operation == "" {
			return fmt.Errorf("job %q: name, schedule and operation are required", j.Name)
		}
		if seen["job:"+j.Name] {
			return fmt.Errorf("duplicate job %q", j.Name)
		}
		seen["job:"+j.Name] = true
	}
	return nil
}
