// Package config resolves the tunnel server's settings from environment
// variables, with an optional YAML file layered underneath as defaults for
// values that aren't set in the environment (spec.md §6: environment
// variables are the primary interface; the file is a lower-precedence
// convenience for static, rarely-changed deploy settings).
package config

import (
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v2"
)

// Server holds the resolved configuration for cmd/tunnelserver.
type Server struct {
	Port              int    `yaml:"port"`
	DomainBase        string `yaml:"domain_base"`
	LogLevel          string `yaml:"log_level"`
	LogAllRequests    bool   `yaml:"log_all_requests"`
	RequestsPerMinute int    `yaml:"requests_per_minute"`
}

// FileConfig mirrors Server's fields as they appear in an optional YAML
// file, all pointers so an absent key doesn't clobber a built-in
// default.
type FileConfig struct {
	Port              *int    `yaml:"port"`
	DomainBase        *string `yaml:"domain_base"`
	LogLevel          *string `yaml:"log_level"`
	LogAllRequests    *bool   `yaml:"log_all_requests"`
	RequestsPerMinute *int    `yaml:"requests_per_minute"`
}

// LoadFile reads a YAML config file. An empty path is not an error here
// and yields an empty FileConfig; callers pass an empty path when no
// --config flag was given. A path that cannot be read is an error.
func LoadFile(path string) (*FileConfig, error) {
	if path == "" {
		return &FileConfig{}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg := &FileConfig{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Resolve builds the effective Server config: environment variables win,
// the YAML file fills in anything unset, and hardcoded defaults fill in
// the rest.
func Resolve(file *FileConfig) Server {
	if file == nil {
		file = &FileConfig{}
	}

	s := Server{
		Port:              3000,
		DomainBase:        "localhost",
		LogLevel:          "info",
		LogAllRequests:    false,
		RequestsPerMinute: 200,
	}

	if file.Port != nil {
		s.Port = *file.Port
	}
	if file.DomainBase != nil {
		s.DomainBase = *file.DomainBase
	}
	if file.LogLevel != nil {
		s.LogLevel = *file.LogLevel
	}
	if file.LogAllRequests != nil {
		s.LogAllRequests = *file.LogAllRequests
	}
	if file.RequestsPerMinute != nil {
		s.RequestsPerMinute = *file.RequestsPerMinute
	}

	if v := os.Getenv("PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			s.Port = n
		}
	}
	if v := os.Getenv("DOMAIN_BASE"); v != "" {
		s.DomainBase = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		s.LogLevel = v
	}
	if v := os.Getenv("LOG_ALL_REQUESTS"); v != "" {
		s.LogAllRequests = isTruthy(v)
	}

	return s
}

func isTruthy(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}
