package config

import (
	"errors"
	"log"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// RulesConfig holds rule tunables that can change without a restart.
type RulesConfig struct {
	ExemptServiceLevels   []string      `mapstructure:"exemptServiceLevels"`
	UnmappedGuestWindow   time.Duration `mapstructure:"unmappedGuestWindow"`
	AutobindRetryAttempts int           `mapstructure:"autobindRetryAttempts"`
	OrphanGracePeriod     time.Duration `mapstructure:"orphanGracePeriod"`
}

func DefaultRulesConfig() RulesConfig {
	return RulesConfig{
		ExemptServiceLevels:   []string{"Self-Support"},
		UnmappedGuestWindow:   24 * time.Hour,
		AutobindRetryAttempts: 3,
		OrphanGracePeriod:     30 * 24 * time.Hour,
	}
}

// IsExemptServiceLevel compares case-insensitively.
func (c RulesConfig) IsExemptServiceLevel(level string) bool {
	level = strings.TrimSpace(level)
	if level == "" {
		return false
	}
	for _, exempt := range c.ExemptServiceLevels {
		if strings.EqualFold(strings.TrimSpace(exempt), level) {
			return true
		}
	}
	return false
}

type RulesHolder struct {
	current atomic.Value // holds RulesConfig
}

// NewStaticRulesHolder returns a holder that never reloads.
func NewStaticRulesHolder(cfg RulesConfig) *RulesHolder {
	holder := &RulesHolder{}
	holder.current.Store(cfg)
	return holder
}

func NewRulesHolder() (*RulesHolder, error) {
	v := viper.New()

	v.SetConfigName("rules")
	v.SetConfigType("yml")
	v.AddConfigPath("/var/lib/allotment/config")
	v.AddConfigPath("/etc/allotment")
	v.AddConfigPath(".")

	v.SetEnvPrefix("ALLOTMENT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	defaults := DefaultRulesConfig()
	if days := getenvInt("ORPHANED_ENTITY_GRACE_PERIOD", 0); days > 0 {
		defaults.OrphanGracePeriod = time.Duration(days) * 24 * time.Hour
	}
	v.SetDefault("rules.exemptServiceLevels", defaults.ExemptServiceLevels)
	v.SetDefault("rules.unmappedGuestWindow", defaults.UnmappedGuestWindow)
	v.SetDefault("rules.autobindRetryAttempts", defaults.AutobindRetryAttempts)
	v.SetDefault("rules.orphanGracePeriod", defaults.OrphanGracePeriod)

	fileFound := true
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
		fileFound = false
	}

	var cfg RulesConfig
	if err := v.UnmarshalKey("rules", &cfg); err != nil {
		return nil, err
	}
	if err := validateRulesConfig(cfg); err != nil {
		return nil, err
	}

	holder := NewStaticRulesHolder(cfg)
	if !fileFound {
		return holder, nil
	}

	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		var updated RulesConfig
		if err := v.UnmarshalKey("rules", &updated); err != nil {
			log.Printf("[rules-config] reload failed: %v", err)
			return
		}
		if err := validateRulesConfig(updated); err != nil {
			log.Printf("[rules-config] invalid config ignored: %v", err)
			return
		}
		holder.current.Store(updated)
		log.Printf("[rules-config] reloaded from %s", e.Name)
	})

	return holder, nil
}

func (h *RulesHolder) Get() RulesConfig {
	if h == nil {
		return DefaultRulesConfig()
	}
	return h.current.Load().(RulesConfig)
}

func validateRulesConfig(cfg RulesConfig) error {
	if cfg.AutobindRetryAttempts < 1 {
		return errors.New("rules.autobindRetryAttempts must be at least 1")
	}
	if cfg.UnmappedGuestWindow < 0 {
		return errors.New("rules.unmappedGuestWindow cannot be negative")
	}
	if cfg.OrphanGracePeriod < 0 {
		return errors.New("rules.orphanGracePeriod cannot be negative")
	}
	return nil
}
