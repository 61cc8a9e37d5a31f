package config

import (
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	envload "github.com/laserkit/Ray5Agent/internal/env"
)

var ensureOnce sync.Once

// lookup returns the trimmed value of key and whether it is set to anything.
// The first call loads the agent's .env file.
func lookup(key string) (string, bool) {
	ensureOnce.Do(func() {
		envload.Ensure()
	})
	val := strings.TrimSpace(os.Getenv(key))
	return val, val != ""
}

// String returns the trimmed environment variable or fallback when unset.
func String(key, fallback string) string {
	if val, ok := lookup(key); ok {
		return val
	}
	return fallback
}

// Duration parses a time duration from environment or returns fallback.
// Malformed values are logged and ignored so a typo in RAY5_KEEPALIVE_INTERVAL
// does not keep the agent from starting.
func Duration(key string, fallback time.Duration) time.Duration {
	val, ok := lookup(key)
	if !ok {
		return fallback
	}
	parsed, err := time.ParseDuration(val)
	if err != nil {
		log.Warn().Str("key", key).Str("value", val).Dur("fallback", fallback).
			Msg("unparseable duration in environment")
		return fallback
	}
	return parsed
}

// Int returns an integer environment variable or fallback when invalid.
func Int(key string, fallback int) int {
	val, ok := lookup(key)
	if !ok {
		return fallback
	}
	parsed, err := strconv.Atoi(val)
	if err != nil {
		log.Warn().Str("key", key).Str("value", val).Int("fallback", fallback).
			Msg("unparseable integer in environment")
		return fallback
	}
	return parsed
}

// Bool parses a boolean environment variable. Accepts 1/true/yes and
// 0/false/no in any case.
func Bool(key string, fallback bool) bool {
	val, ok := lookup(key)
	if !ok {
		return fallback
	}
	switch strings.ToLower(val) {
	case "1", "true", "yes":
		return true
	case "0", "false", "no":
		return false
	}
	log.Warn().Str("key", key).Str("value", val).Bool("fallback", fallback).
		Msg("unparseable boolean in environment")
	return fallback
}
