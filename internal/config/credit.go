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

// CreditPolicy controls ledger behavior that operators tune without a
// redeploy: how long a hold lives, the per-customer anti-abuse window and
// the expiry sweeper cadence.
type CreditPolicy struct {
	ReservationTTLSeconds int `mapstructure:"reservationTtlSeconds"`

	CustomerWindowHours int `mapstructure:"customerWindowHours"`
	CustomerWindowLimit int `mapstructure:"customerWindowLimit"`

	SweepIntervalSeconds int `mapstructure:"sweepIntervalSeconds"`
	SweepBatchSize       int `mapstructure:"sweepBatchSize"`
}

func DefaultCreditPolicy() CreditPolicy {
	return CreditPolicy{
		ReservationTTLSeconds: 300,
		CustomerWindowHours:   24,
		CustomerWindowLimit:   10,
		SweepIntervalSeconds:  60,
		SweepBatchSize:        50,
	}
}

func (p CreditPolicy) ReservationTTL() time.Duration {
	return time.Duration(p.ReservationTTLSeconds) * time.Second
}

func (p CreditPolicy) SweepInterval() time.Duration {
	return time.Duration(p.SweepIntervalSeconds) * time.Second
}

// CreditPolicyHolder provides lock-free access to the current policy and
// hot-reloads it when the config file changes.
type CreditPolicyHolder struct {
	current atomic.Value // holds CreditPolicy
}

func NewCreditPolicyHolder() (*CreditPolicyHolder, error) {
	v := viper.New()

	v.SetConfigName("credit")
	v.SetConfigType("yml")
	v.AddConfigPath("/var/lib/creditledger/config") // volume-mounted config
	v.AddConfigPath("/etc/creditledger")            // system config
	v.AddConfigPath(".")                            // current directory (dev mode)

	v.SetEnvPrefix("CREDITLEDGER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	defaults := DefaultCreditPolicy()
	v.SetDefault("credit.reservationTtlSeconds", defaults.ReservationTTLSeconds)
	v.SetDefault("credit.customerWindowHours", defaults.CustomerWindowHours)
	v.SetDefault("credit.customerWindowLimit", defaults.CustomerWindowLimit)
	v.SetDefault("credit.sweepIntervalSeconds", defaults.SweepIntervalSeconds)
	v.SetDefault("credit.sweepBatchSize", defaults.SweepBatchSize)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	var policy CreditPolicy
	if err := v.UnmarshalKey("credit", &policy); err != nil {
		return nil, err
	}
	if err := validateCreditPolicy(policy); err != nil {
		return nil, err
	}

	holder := &CreditPolicyHolder{}
	holder.current.Store(policy)

	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		var updated CreditPolicy
		if err := v.UnmarshalKey("credit", &updated); err != nil {
			log.Printf("[credit-config] reload failed: %v", err)
			return
		}
		if err := validateCreditPolicy(updated); err != nil {
			log.Printf("[credit-config] invalid config ignored: %v", err)
			return
		}
		holder.current.Store(updated)
		log.Printf("[credit-config] reloaded from %s", e.Name)
	})

	return holder, nil
}

// Current returns the active policy.
func (h *CreditPolicyHolder) Current() CreditPolicy {
	if h == nil {
		return DefaultCreditPolicy()
	}
	if policy, ok := h.current.Load().(CreditPolicy); ok {
		return policy
	}
	return DefaultCreditPolicy()
}

func validateCreditPolicy(p CreditPolicy) error {
	if p.ReservationTTLSeconds <= 0 {
		return errors.New("credit policy: reservation TTL must be positive")
	}
	if p.CustomerWindowHours <= 0 {
		return errors.New("credit policy: customer window must be positive")
	}
	if p.SweepIntervalSeconds <= 0 {
		return errors.New("credit policy: sweep interval must be positive")
	}
	if p.SweepBatchSize <= 0 {
		return errors.New("credit policy: sweep batch size must be positive")
	}
	return nil
}
