/*
Copyright 2024 Gravitational, Inc.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package config defines the top-level process configuration loaded by
// the hub's composition root (spec §9 "Global state ... model these as
// a composition root built at start-up"). It is loaded from YAML with
// environment variable overrides, then used to build every component's
// own Config before wiring begins.
package config

import (
	"os"
	"strconv"
	"time"

	"github.com/gravitational/trace"
	"gopkg.in/yaml.v2"
)

// StoreConfig configures the Credential Store backend.
type StoreConfig struct {
	// Driver selects the backend: "postgres" or "memory".
	Driver string `yaml:"driver"`
	// DSN is the postgres connection string. Required when Driver is
	// "postgres".
	DSN string `yaml:"dsn"`
}

func (c *StoreConfig) checkAndSetDefaults() error {
	if c.Driver == "" {
		c.Driver = "memory"
	}
	switch c.Driver {
	case "memory":
	case "postgres":
		if c.DSN == "" {
			return trace.BadParameter("config: store.dsn is required when store.driver is postgres")
		}
	default:
		return trace.BadParameter("config: unknown store.driver %q", c.Driver)
	}
	return nil
}

// CacheConfig configures the device/registry cache backend.
type CacheConfig struct {
	// Driver selects the backend: "redis" or "memory".
	Driver string `yaml:"driver"`
	// Addr is the redis server address. Required when Driver is "redis".
	Addr string `yaml:"addr"`
	TTL  time.Duration `yaml:"ttl"`
}

func (c *CacheConfig) checkAndSetDefaults() error {
	if c.Driver == "" {
		c.Driver = "memory"
	}
	switch c.Driver {
	case "memory":
	case "redis":
		if c.Addr == "" {
			return trace.BadParameter("config: cache.addr is required when cache.driver is redis")
		}
	default:
		return trace.BadParameter("config: unknown cache.driver %q", c.Driver)
	}
	if c.TTL <= 0 {
		c.TTL = 5 * time.Minute
	}
	return nil
}

// BusConfig configures the cross-instance Bus Adapter backend.
type BusConfig struct {
	// Driver selects the backend: "redis" or "memory".
	Driver string `yaml:"driver"`
	// Addr is the redis server address. Required when Driver is "redis".
	Addr string `yaml:"addr"`
}

func (c *BusConfig) checkAndSetDefaults() error {
	if c.Driver == "" {
		c.Driver = "memory"
	}
	switch c.Driver {
	case "memory":
	case "redis":
		if c.Addr == "" {
			return trace.BadParameter("config: bus.addr is required when bus.driver is redis")
		}
	default:
		return trace.BadParameter("config: unknown bus.driver %q", c.Driver)
	}
	return nil
}

// RateLimitConfig configures the token-bucket rate limiter.
type RateLimitConfig struct {
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	Burst             int     `yaml:"burst"`
}

func (c *RateLimitConfig) checkAndSetDefaults() error {
	if c.RequestsPerSecond <= 0 {
		c.RequestsPerSecond = 100
	}
	if c.Burst <= 0 {
		c.Burst = 200
	}
	return nil
}

// QueueConfig configures the Priority Queue.
type QueueConfig struct {
	MaxSize       int           `yaml:"max_size"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

func (c *QueueConfig) checkAndSetDefaults() error {
	if c.MaxSize <= 0 {
		c.MaxSize = 10000
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = time.Second
	}
	return nil
}

// QoSConfig configures the QoS Engine's retry and backpressure behavior.
type QoSConfig struct {
	QoS1Attempts          int           `yaml:"qos1_attempts"`
	QoS2Attempts          int           `yaml:"qos2_attempts"`
	BaseBackoff           time.Duration `yaml:"base_backoff"`
	CapBackoff            time.Duration `yaml:"cap_backoff"`
	BackpressureDelay     time.Duration `yaml:"backpressure_delay"`
	BackpressureThreshold time.Duration `yaml:"backpressure_threshold"`
	DedupTTL              time.Duration `yaml:"dedup_ttl"`
}

func (c *QoSConfig) checkAndSetDefaults() error {
	if c.QoS1Attempts <= 0 {
		c.QoS1Attempts = 3
	}
	if c.QoS2Attempts <= 0 {
		c.QoS2Attempts = 5
	}
	if c.BaseBackoff <= 0 {
		c.BaseBackoff = 100 * time.Millisecond
	}
	if c.CapBackoff <= 0 {
		c.CapBackoff = 30 * time.Second
	}
	if c.BackpressureDelay <= 0 {
		c.BackpressureDelay = 50 * time.Millisecond
	}
	if c.BackpressureThreshold <= 0 {
		c.BackpressureThreshold = 10 * time.Second
	}
	if c.DedupTTL <= 0 {
		c.DedupTTL = 5 * time.Minute
	}
	return nil
}

// RouterConfig configures the Router's dispatcher.
type RouterConfig struct {
	DispatchWorkers      int           `yaml:"dispatch_workers"`
	DispatchPollInterval time.Duration `yaml:"dispatch_poll_interval"`
	EnvelopeDedupWindow  time.Duration `yaml:"envelope_dedup_window"`
}

func (c *RouterConfig) checkAndSetDefaults() error {
	if c.DispatchWorkers <= 0 {
		c.DispatchWorkers = 4
	}
	if c.DispatchPollInterval <= 0 {
		c.DispatchPollInterval = 25 * time.Millisecond
	}
	if c.EnvelopeDedupWindow <= 0 {
		c.EnvelopeDedupWindow = 5 * time.Minute
	}
	return nil
}

// TransportConfig configures the session transport's heartbeat
// monitoring.
type TransportConfig struct {
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
}

func (c *TransportConfig) checkAndSetDefaults() error {
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 30 * time.Second
	}
	return nil
}

// ServerConfig configures the process's listening address.
type ServerConfig struct {
	ListenAddr string `yaml:"listen_addr"`
	MetricsAddr string `yaml:"metrics_addr"`
}

func (c *ServerConfig) checkAndSetDefaults() error {
	if c.ListenAddr == "" {
		c.ListenAddr = "0.0.0.0:8443"
	}
	if c.MetricsAddr == "" {
		c.MetricsAddr = "0.0.0.0:9090"
	}
	return nil
}

// PKIConfig locates the CA key pair used to sign JWTs and issue device
// certificates. When unset the composition root generates an ephemeral
// self-signed CA at start-up, which is only appropriate for a
// single-process development deployment.
type PKIConfig struct {
	CAKeyPath  string `yaml:"ca_key_path"`
	CACertPath string `yaml:"ca_cert_path"`
}

func (c *PKIConfig) checkAndSetDefaults() error {
	if (c.CAKeyPath == "") != (c.CACertPath == "") {
		return trace.BadParameter("config: pki.ca_key_path and pki.ca_cert_path must both be set or both be empty")
	}
	return nil
}

// Config is the top-level process configuration for cmd/uaip-hubd.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Store     StoreConfig     `yaml:"store"`
	Cache     CacheConfig     `yaml:"cache"`
	Bus       BusConfig       `yaml:"bus"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Queue     QueueConfig     `yaml:"queue"`
	QoS       QoSConfig       `yaml:"qos"`
	Router    RouterConfig    `yaml:"router"`
	Transport TransportConfig `yaml:"transport"`
	PKI       PKIConfig       `yaml:"pki"`

	// ClusterName identifies this hub cluster in issued JWTs.
	ClusterName string `yaml:"cluster_name"`
}

// CheckAndSetDefaults validates every section and fills in defaults,
// following the same Config convention as every other component in
// this repo (e.g. lib/jwt.Config.CheckAndSetDefaults).
func (c *Config) CheckAndSetDefaults() error {
	if c.ClusterName == "" {
		return trace.BadParameter("config: cluster_name is required")
	}
	for _, check := range []func() error{
		c.Server.checkAndSetDefaults,
		c.Store.checkAndSetDefaults,
		c.Cache.checkAndSetDefaults,
		c.Bus.checkAndSetDefaults,
		c.RateLimit.checkAndSetDefaults,
		c.Queue.checkAndSetDefaults,
		c.QoS.checkAndSetDefaults,
		c.Router.checkAndSetDefaults,
		c.Transport.checkAndSetDefaults,
		c.PKI.checkAndSetDefaults,
	} {
		if err := check(); err != nil {
			return trace.Wrap(err)
		}
	}
	return nil
}

// ReadConfigFile loads a Config from a YAML file at path.
func ReadConfigFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, trace.Wrap(err, "parsing config file %q", path)
	}
	return &cfg, nil
}

// envOverrides maps environment variables to setters applied after the
// YAML file is loaded, so deployment tooling can override individual
// fields without rewriting the file (spec §10 "environment variable
// overrides").
var envOverrides = map[string]func(c *Config, v string) error{
	"UAIP_HUB_CLUSTER_NAME": func(c *Config, v string) error { c.ClusterName = v; return nil },
	"UAIP_HUB_LISTEN_ADDR":  func(c *Config, v string) error { c.Server.ListenAddr = v; return nil },
	"UAIP_HUB_METRICS_ADDR": func(c *Config, v string) error { c.Server.MetricsAddr = v; return nil },
	"UAIP_HUB_STORE_DRIVER": func(c *Config, v string) error { c.Store.Driver = v; return nil },
	"UAIP_HUB_STORE_DSN":    func(c *Config, v string) error { c.Store.DSN = v; return nil },
	"UAIP_HUB_CACHE_DRIVER": func(c *Config, v string) error { c.Cache.Driver = v; return nil },
	"UAIP_HUB_CACHE_ADDR":   func(c *Config, v string) error { c.Cache.Addr = v; return nil },
	"UAIP_HUB_BUS_DRIVER":   func(c *Config, v string) error { c.Bus.Driver = v; return nil },
	"UAIP_HUB_BUS_ADDR":     func(c *Config, v string) error { c.Bus.Addr = v; return nil },
	"UAIP_HUB_DISPATCH_WORKERS": func(c *Config, v string) error {
		n, err := strconv.Atoi(v)
		if err != nil {
			return trace.Wrap(err, "parsing UAIP_HUB_DISPATCH_WORKERS")
		}
		c.Router.DispatchWorkers = n
		return nil
	},
}

// ApplyEnvOverrides applies any recognized UAIP_HUB_* environment
// variables on top of an already-loaded Config.
func ApplyEnvOverrides(c *Config) error {
	for name, apply := range envOverrides {
		v, ok := os.LookupEnv(name)
		if !ok || v == "" {
			continue
		}
		if err := apply(c, v); err != nil {
			return trace.Wrap(err)
		}
	}
	return nil
}

// Load reads a Config from path, applies environment overrides, then
// validates and fills in defaults.
func Load(path string) (*Config, error) {
	cfg, err := ReadConfigFile(path)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if err := ApplyEnvOverrides(cfg); err != nil {
		return nil, trace.Wrap(err)
	}
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return cfg, nil
}
