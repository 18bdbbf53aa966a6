// Package config loads the kernel's configuration surface (spec section 6:
// page_size, page_count, lock timeout_ms, histogram bucket_count) the way
// the teacher repo loads its own config — a viper-backed YAML file unmarshaled
// into a mapstructure-tagged struct.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// KernelConfig is the storage kernel's configuration surface (spec section
// 6, "Configuration surface"). There is deliberately no CLI or environment
// variable surface in the core.
type KernelConfig struct {
	Storage struct {
		Dir       string `mapstructure:"dir"`
		PageSize  int    `mapstructure:"page_size"`
		PageCount int    `mapstructure:"page_count"`
	} `mapstructure:"storage"`

	Lock struct {
		TimeoutMS int `mapstructure:"timeout_ms"`
	} `mapstructure:"lock"`

	Stats struct {
		HistogramBuckets int `mapstructure:"histogram_buckets"`
	} `mapstructure:"stats"`
}

// Default returns the configuration the instructional kernel runs with when
// no file is supplied.
func Default() *KernelConfig {
	cfg := &KernelConfig{}
	cfg.Storage.PageSize = 4096
	cfg.Storage.PageCount = 128
	cfg.Lock.TimeoutMS = 2000
	cfg.Stats.HistogramBuckets = 100
	return cfg
}

// LockTimeout converts the configured millisecond timeout to a
// time.Duration for internal/lockmgr.Manager.Timeout.
func (c *KernelConfig) LockTimeout() time.Duration {
	return time.Duration(c.Lock.TimeoutMS) * time.Millisecond
}

// Load reads a YAML file at path into a KernelConfig, defaulting unset
// fields first so a partial file only overrides what it names.
func Load(path string) (*KernelConfig, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	cfg := Default()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal %s: %w", path, err)
	}
	return cfg, nil
}
