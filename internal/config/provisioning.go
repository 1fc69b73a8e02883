package config

import (
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

const DefaultProvisioningLimit = 4

// ProvisioningConfig holds operator tunables that may change without a restart.
type ProvisioningConfig struct {
	DefaultLimit        int             `mapstructure:"default_limit"`
	Limits              []OfferingLimit `mapstructure:"limits"`
	StaleOrderThreshold time.Duration   `mapstructure:"stale_order_threshold"`
}

// OfferingLimit caps the number of resources of one offering type that may be
// provisioning at the same time.
type OfferingLimit struct {
	OfferingType string `mapstructure:"offering_type"`
	Limit        int    `mapstructure:"limit"`
}

func DefaultProvisioningConfig() ProvisioningConfig {
	return ProvisioningConfig{
		DefaultLimit: DefaultProvisioningLimit,
	}
}

// LimitFor returns the concurrent provisioning limit for an offering type.
func (c ProvisioningConfig) LimitFor(offeringType string) int {
	for _, l := range c.Limits {
		if strings.EqualFold(l.OfferingType, offeringType) {
			return l.Limit
		}
	}
	if c.DefaultLimit <= 0 {
		return DefaultProvisioningLimit
	}
	return c.DefaultLimit
}

type ProvisioningConfigHolder struct {
	current atomic.Value // holds ProvisioningConfig
}

// NewProvisioningConfigHolder loads provisioning.yml and keeps it fresh on change.
func NewProvisioningConfigHolder(log *zap.Logger) (*ProvisioningConfigHolder, error) {
	v := viper.New()

	v.SetConfigName("provisioning")
	v.SetConfigType("yml")
	v.AddConfigPath("/var/lib/marketplace/config")
	v.AddConfigPath("/etc/marketplace")
	v.AddConfigPath(".")

	return newProvisioningConfigHolder(v, log, true)
}

// NewStaticProvisioningConfigHolder returns a holder that never reloads.
func NewStaticProvisioningConfigHolder(cfg ProvisioningConfig) *ProvisioningConfigHolder {
	holder := &ProvisioningConfigHolder{}
	holder.current.Store(cfg)
	return holder
}

func newProvisioningConfigHolder(v *viper.Viper, log *zap.Logger, watch bool) (*ProvisioningConfigHolder, error) {
	if log == nil {
		log = zap.NewNop()
	}
	log = log.Named("config.provisioning")

	v.SetEnvPrefix("MARKETPLACE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	found := true
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
		found = false
		v.SetDefault("provisioning.default_limit", DefaultProvisioningLimit)
	}

	cfg, err := decodeProvisioningConfig(v)
	if err != nil {
		return nil, err
	}

	holder := &ProvisioningConfigHolder{}
	holder.current.Store(cfg)

	if watch && found {
		v.OnConfigChange(func(e fsnotify.Event) {
			updated, err := decodeProvisioningConfig(v)
			if err != nil {
				log.Warn("config.provisioning.reload_ignored", zap.String("file", e.Name), zap.Error(err))
				return
			}
			holder.current.Store(updated)
			log.Info("config.provisioning.reloaded", zap.String("file", e.Name))
		})
		v.WatchConfig()
	}

	return holder, nil
}

func decodeProvisioningConfig(v *viper.Viper) (ProvisioningConfig, error) {
	cfg := DefaultProvisioningConfig()
	if err := v.UnmarshalKey("provisioning", &cfg); err != nil {
		return ProvisioningConfig{}, err
	}
	if err := validateProvisioningConfig(cfg); err != nil {
		return ProvisioningConfig{}, err
	}
	return cfg, nil
}

func (h *ProvisioningConfigHolder) Get() ProvisioningConfig {
	return h.current.Load().(ProvisioningConfig)
}

func validateProvisioningConfig(cfg ProvisioningConfig) error {
	if cfg.DefaultLimit < 0 {
		return errors.New("provisioning.default_limit cannot be negative")
	}
	if cfg.StaleOrderThreshold < 0 {
		return errors.New("provisioning.stale_order_threshold cannot be negative")
	}
	seen := map[string]struct{}{}
	for _, l := range cfg.Limits {
		key := strings.ToLower(strings.TrimSpace(l.OfferingType))
		if key == "" {
			return errors.New("provisioning.limits: offering_type is required")
		}
		if l.Limit <= 0 {
			return fmt.Errorf("provisioning.limits: limit for %s must be positive", l.OfferingType)
		}
		if _, ok := seen[key]; ok {
			return fmt.Errorf("provisioning.limits: duplicate offering_type %s", l.OfferingType)
		}
		seen[key] = struct{}{}
	}
	return nil
}
