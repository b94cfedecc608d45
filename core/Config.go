/* Config.go: YAML configuration for the session manager and its BMC inventory
 *
 * This software is open source software available under the BSD-3 license.
 * Copyright (c) 2018-2021, Triad National Security, LLC
 * See LICENSE file for details.
 */

package core

import (
	"io/ioutil"
	"time"

	"github.com/kraken-hpc/ipmisession/lib/types"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v2"
)

// BMCConfig names a BMC and the credentials used to reach it
type BMCConfig struct {
	Name     string `yaml:"name"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Kg       string `yaml:"kg,omitempty"`
}

// Session converts a BMC entry into the parameters of Manager.Session
func (b BMCConfig) Session() SessionConfig {
	sc := SessionConfig{
		Host:     b.Host,
		Port:     b.Port,
		User:     b.User,
		Password: b.Password,
	}
	if b.Kg != "" {
		sc.Kg = []byte(b.Kg)
	}
	return sc
}

// Config holds timing and capacity parameters. Zero values are replaced by defaults.
type Config struct {
	InitialTimeout        time.Duration `yaml:"initial_timeout"`
	TimeoutJitter         time.Duration `yaml:"timeout_jitter"`
	TimeoutStep           time.Duration `yaml:"timeout_step"`
	MaxTimeoutInitial     time.Duration `yaml:"max_timeout_initial"`
	MaxTimeoutEstablished time.Duration `yaml:"max_timeout_established"`
	KeepaliveInterval     time.Duration `yaml:"keepalive_interval"`
	KeepaliveJitter       time.Duration `yaml:"keepalive_jitter"`
	MaxSessionsPerSocket  int           `yaml:"max_sessions_per_socket"`
	ReactorIdle           time.Duration `yaml:"reactor_idle"`
	LogLevel              string        `yaml:"log_level"`
	BMCs                  []BMCConfig   `yaml:"bmcs"`
}

// DefaultConfig returns the standard IPMI LAN timing
func DefaultConfig() *Config {
	return &Config{
		InitialTimeout:        500 * time.Millisecond,
		TimeoutJitter:         500 * time.Millisecond,
		TimeoutStep:           time.Second,
		MaxTimeoutInitial:     3 * time.Second,
		MaxTimeoutEstablished: 6 * time.Second,
		KeepaliveInterval:     25 * time.Second,
		KeepaliveJitter:       4900 * time.Millisecond,
		MaxSessionsPerSocket:  64,
		ReactorIdle:           300 * time.Second,
		LogLevel:              "INFO",
	}
}

func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.InitialTimeout <= 0 {
		c.InitialTimeout = d.InitialTimeout
	}
	if c.TimeoutJitter < 0 {
		c.TimeoutJitter = d.TimeoutJitter
	}
	if c.TimeoutStep <= 0 {
		c.TimeoutStep = d.TimeoutStep
	}
	if c.MaxTimeoutInitial <= 0 {
		c.MaxTimeoutInitial = d.MaxTimeoutInitial
	}
	if c.MaxTimeoutEstablished <= 0 {
		c.MaxTimeoutEstablished = d.MaxTimeoutEstablished
	}
	if c.KeepaliveInterval <= 0 {
		c.KeepaliveInterval = d.KeepaliveInterval
	}
	if c.KeepaliveJitter < 0 {
		c.KeepaliveJitter = d.KeepaliveJitter
	}
	if c.MaxSessionsPerSocket <= 0 {
		c.MaxSessionsPerSocket = d.MaxSessionsPerSocket
	}
	if c.ReactorIdle <= 0 {
		c.ReactorIdle = d.ReactorIdle
	}
	if c.LogLevel == "" {
		c.LogLevel = d.LogLevel
	}
	for i := range c.BMCs {
		if c.BMCs[i].Port == 0 {
			c.BMCs[i].Port = DefaultPort
		}
		if c.BMCs[i].Name == "" {
			c.BMCs[i].Name = c.BMCs[i].Host
		}
	}
}

// Level returns the configured logger level
func (c *Config) Level() (types.LoggerLevel, error) {
	lv, ok := types.ParseLoggerLevel(c.LogLevel)
	if !ok {
		return lv, errors.Errorf("unknown log level: %s", c.LogLevel)
	}
	return lv, nil
}

// BMC finds a BMC entry by name
func (c *Config) BMC(name string) (BMCConfig, bool) {
	for _, b := range c.BMCs {
		if b.Name == name {
			return b, true
		}
	}
	return BMCConfig{}, false
}

// ParseConfig decodes YAML configuration and fills in defaults
func ParseConfig(data []byte) (*Config, error) {
	c := &Config{TimeoutJitter: -1, KeepaliveJitter: -1}
	if err := yaml.Unmarshal(data, c); err != nil {
		return nil, errors.Wrap(err, "could not parse config")
	}
	c.applyDefaults()
	if _, err := c.Level(); err != nil {
		return nil, err
	}
	return c, nil
}

// ReadConfig reads a YAML configuration file
func ReadConfig(file string) (*Config, error) {
	data, err := ioutil.ReadFile(file)
	if err != nil {
		return nil, errors.Wrapf(err, "could not read config file %s", file)
	}
	return ParseConfig(data)
}
