// Package config handles TOML configuration parsing for tapline.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
)

// File is the top-level configuration for tapline. Every field is
// optional; Load fills in package defaults for anything left unset.
type File struct {
	SpoofInterval      string `toml:"spoof_interval"`
	ArpQueryDeadline   string `toml:"arp_query_deadline"`
	DnsCacheCapacity   int    `toml:"dns_cache_capacity"`
	DnsWorkerPoolCount int    `toml:"dns_worker_pool_count"`
	DatabasePath       string `toml:"database_path"`
	MetricsAddr        string `toml:"metrics_addr"`
	LogLevel           string `toml:"log_level"`
}

// Default configuration values, matching the documented built-in
// defaults when no config file is supplied.
const (
	DefaultSpoofInterval      = 10 * time.Second
	DefaultArpQueryDeadline   = 1000 * time.Millisecond
	DefaultDnsCacheCapacity   = 8192
	DefaultDnsWorkerPoolCount = 4
	DefaultDatabasePath       = "./db.sqlite"
	DefaultLogLevel           = "info"
)

// Load reads and parses a TOML config file at path, applying built-in
// defaults to any unset field. An empty path returns the defaults
// without touching the filesystem.
func Load(path string) (File, error) {
	f := File{}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return File{}, fmt.Errorf("reading config file %s: %w", path, err)
		}
		if err := toml.Unmarshal(data, &f); err != nil {
			return File{}, fmt.Errorf("parsing config file %s: %w", path, err)
		}
	}
	applyDefaults(&f)
	if err := validate(f); err != nil {
		return File{}, fmt.Errorf("validating config: %w", err)
	}
	return f, nil
}

func applyDefaults(f *File) {
	if f.SpoofInterval == "" {
		f.SpoofInterval = DefaultSpoofInterval.String()
	}
	if f.ArpQueryDeadline == "" {
		f.ArpQueryDeadline = DefaultArpQueryDeadline.String()
	}
	if f.DnsCacheCapacity == 0 {
		f.DnsCacheCapacity = DefaultDnsCacheCapacity
	}
	if f.DnsWorkerPoolCount == 0 {
		f.DnsWorkerPoolCount = DefaultDnsWorkerPoolCount
	}
	if f.DatabasePath == "" {
		f.DatabasePath = DefaultDatabasePath
	}
	if f.LogLevel == "" {
		f.LogLevel = DefaultLogLevel
	}
}

func validate(f File) error {
	if _, err := time.ParseDuration(f.SpoofInterval); err != nil {
		return fmt.Errorf("spoof_interval: %w", err)
	}
	if _, err := time.ParseDuration(f.ArpQueryDeadline); err != nil {
		return fmt.Errorf("arp_query_deadline: %w", err)
	}
	if f.DnsCacheCapacity <= 0 {
		return fmt.Errorf("dns_cache_capacity must be positive, got %d", f.DnsCacheCapacity)
	}
	if f.DnsWorkerPoolCount <= 0 {
		return fmt.Errorf("dns_worker_pool_count must be positive, got %d", f.DnsWorkerPoolCount)
	}
	return nil
}

// SpoofIntervalDuration parses SpoofInterval, which Load already
// validated as parseable.
func (f File) SpoofIntervalDuration() time.Duration {
	d, _ := time.ParseDuration(f.SpoofInterval)
	return d
}

// ArpQueryDeadlineDuration parses ArpQueryDeadline, which Load already
// validated as parseable.
func (f File) ArpQueryDeadlineDuration() time.Duration {
	d, _ := time.ParseDuration(f.ArpQueryDeadline)
	return d
}
