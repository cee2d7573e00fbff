// Package config loads environment variables and provides a typed Config used across the service.
// It applies sensible defaults so the binary can run locally with minimal setup; the only
// required variable is KEYBASE_TEAM (see Validate).
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Defaults mirror the long-standing behavior of the feed: 50 messages of
// scrollback per channel, a 15s ceiling on each keybase CLI call with up to
// 3 attempts, a 30s member poll, and user data cached for an hour.
const (
	DefaultScrollback       = 50
	DefaultAPITimeout       = 15 * time.Second
	DefaultAPIRetryLimit    = 3
	DefaultMemberPollPeriod = 30 * time.Second
	DefaultUserDataTTL      = time.Hour
	DefaultHTTPAddr         = ":4000"
)

type Config struct {
	// Keybase
	Team          string
	APITimeout    time.Duration
	APIRetryLimit int

	// History
	Scrollback int

	// Pollers
	MemberPollPeriod time.Duration
	UserDataTTL      time.Duration

	// HTTP
	HTTPAddr string
}

// Load reads environment variables and applies defaults. It doesn't fail when
// KEYBASE_TEAM is missing; call Validate before starting the feed loops.
func Load() (*Config, error) {
	cfg := &Config{
		Team:             os.Getenv("KEYBASE_TEAM"),
		APITimeout:       DefaultAPITimeout,
		APIRetryLimit:    DefaultAPIRetryLimit,
		Scrollback:       DefaultScrollback,
		MemberPollPeriod: DefaultMemberPollPeriod,
		UserDataTTL:      DefaultUserDataTTL,
		HTTPAddr:         DefaultHTTPAddr,
	}

	if v := os.Getenv("KEYBASE_API_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			return nil, fmt.Errorf("invalid KEYBASE_API_TIMEOUT %q: want a positive duration", v)
		}
		cfg.APITimeout = d
	}
	if v := os.Getenv("KEYBASE_API_RETRY_LIMIT"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return nil, fmt.Errorf("invalid KEYBASE_API_RETRY_LIMIT %q: want a positive integer", v)
		}
		cfg.APIRetryLimit = n
	}
	if v := os.Getenv("SCROLLBACK_MESSAGES"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return nil, fmt.Errorf("invalid SCROLLBACK_MESSAGES %q: want a positive integer", v)
		}
		cfg.Scrollback = n
	}
	if v := os.Getenv("MEMBER_POLL_INTERVAL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			return nil, fmt.Errorf("invalid MEMBER_POLL_INTERVAL %q: want a positive duration", v)
		}
		cfg.MemberPollPeriod = d
	}
	if v := os.Getenv("USER_DATA_TTL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			return nil, fmt.Errorf("invalid USER_DATA_TTL %q: want a positive duration", v)
		}
		cfg.UserDataTTL = d
	}
	if v := os.Getenv("HTTP_ADDR"); v != "" {
		cfg.HTTPAddr = v
	}

	return cfg, nil
}

// Validate checks the fields required to run the feed.
func (c *Config) Validate() error {
	if c.Team == "" {
		return fmt.Errorf("missing keybase env: require KEYBASE_TEAM")
	}
	return nil
}
