// Package registry loads engine configuration and holds the schema
// registry: the set of tables the engine is willing to sync and the
// conflict-resolution hints (mergeable numeric fields, singleton tables)
// each one carries (spec §4.K).
//
// Configuration loading is grounded on untoldecay-BeadsLog's viper-backed
// config.go: a package-level *viper.Viper singleton, a config file searched
// for up the directory tree plus the user config dir, an env prefix for
// overrides, and typed accessors rather than handing callers the raw
// viper.Viper. This replaces the teacher's hand-rolled
// encoding/json+os.Getenv syncconfig.go with the same precedence (env >
// file > default) using a real config library instead of restating that
// precedence by hand at every accessor.
package registry

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const envPrefix = "RECONCILE"

var v *viper.Viper

func instance() *viper.Viper {
	if v != nil {
		return v
	}
	v = viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if dir, err := os.Getwd(); err == nil {
		for d := dir; ; {
			v.AddConfigPath(d)
			parent := filepath.Dir(d)
			if parent == d {
				break
			}
			d = parent
		}
	}
	if home, err := os.UserConfigDir(); err == nil {
		v.AddConfigPath(filepath.Join(home, "reconcile"))
	}

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	v.SetDefault("remote.url", "http://localhost:8080")
	v.SetDefault("remote.snapshot_threshold", 100)
	v.SetDefault("auto.enabled", true)
	v.SetDefault("auto.on_start", true)
	v.SetDefault("auto.debounce", "2s")
	v.SetDefault("auto.interval", "15m")
	v.SetDefault("auto.pull", true)
	v.SetDefault("push.batch_size", 500)
	v.SetDefault("pull.batch_size", 1000)
	v.SetDefault("pull.max_batch_size", 10000)
	v.SetDefault("lock.stale_after", "60s")
	v.SetDefault("tombstone.max_age_days", 30)
	v.SetDefault("visibility.sync_min_away_ms", int((5 * time.Minute).Milliseconds()))
	v.SetDefault("online.reconnect_cooldown_ms", int((2 * time.Minute).Milliseconds()))

	_ = v.ReadInConfig() // absence of a config file is not an error; defaults apply

	return v
}

// Config is the resolved view of engine settings, read once at startup so
// the rest of the engine doesn't carry a *viper.Viper dependency.
type Config struct {
	RemoteURL         string
	SnapshotThreshold int
	AutoEnabled       bool
	AutoOnStart       bool
	AutoDebounce      time.Duration
	AutoInterval      time.Duration
	AutoPull          bool
	PushBatchSize     int
	PullBatchSize     int
	PullMaxBatchSize  int
	LockStaleAfter    time.Duration

	// TombstoneMaxAge bounds how long a soft-deleted row's tombstone is
	// retained locally before it is eligible for hard removal (spec §4.A).
	TombstoneMaxAge time.Duration
	// VisibilitySyncMinAway is how long the host's tab/window must have
	// been hidden before a visibility-return triggers a sync (spec §4.G).
	VisibilitySyncMinAway time.Duration
	// OnlineReconnectCooldown bounds how often an online-reconnect event
	// can trigger a new sync cycle (spec §4.G).
	OnlineReconnectCooldown time.Duration
}

// Load resolves the engine config from (in ascending priority) built-in
// defaults, a discovered config.yaml, and RECONCILE_* environment
// variables.
func Load() (*Config, error) {
	c := instance()
	cfg := &Config{
		RemoteURL:         c.GetString("remote.url"),
		SnapshotThreshold: c.GetInt("remote.snapshot_threshold"),
		AutoEnabled:       c.GetBool("auto.enabled"),
		AutoOnStart:       c.GetBool("auto.on_start"),
		AutoDebounce:      c.GetDuration("auto.debounce"),
		AutoInterval:      c.GetDuration("auto.interval"),
		AutoPull:          c.GetBool("auto.pull"),
		PushBatchSize:     c.GetInt("push.batch_size"),
		PullBatchSize:     c.GetInt("pull.batch_size"),
		PullMaxBatchSize:  c.GetInt("pull.max_batch_size"),
		LockStaleAfter:    c.GetDuration("lock.stale_after"),

		TombstoneMaxAge:         time.Duration(c.GetInt("tombstone.max_age_days")) * 24 * time.Hour,
		VisibilitySyncMinAway:   time.Duration(c.GetInt("visibility.sync_min_away_ms")) * time.Millisecond,
		OnlineReconnectCooldown: time.Duration(c.GetInt("online.reconnect_cooldown_ms")) * time.Millisecond,
	}
	if cfg.RemoteURL == "" {
		return nil, fmt.Errorf("registry: remote.url must not be empty")
	}
	return cfg, nil
}

// Reset clears the cached viper instance, for tests that need a fresh
// environment between cases.
func Reset() { v = nil }
