// Package config loads environment configuration with a fail-open strategy:
// a missing value yields the default silently, an unparsable or invalid value
// yields the default plus a warning, and loading never fails.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// LoadResult is the outcome of loading one environment variable.
//
// Example:
//
//	result := LoadEnvDuration("TASK_VISIBILITY_TIMEOUT", 2*time.Minute, ValidatePositiveDuration)
//	if result.FallbackApplied {
//	    logger.Warn("Configuration fallback applied", slog.String("warning", result.Warning))
//	}
//	timeout := result.Value
type LoadResult[T any] struct {
	Value T

	// Warning explains why the default was used; empty unless FallbackApplied
	Warning string

	// FallbackApplied is true when a set value was rejected in favour of the default
	FallbackApplied bool
}

// LoadEnvString returns the variable's value, or defaultValue when it is unset or empty.
func LoadEnvString(envKey, defaultValue string) string {
	if v := os.Getenv(envKey); v != "" {
		return v
	}
	return defaultValue
}

// LoadEnvWithFallback loads a string and checks it with validator (nil skips validation).
func LoadEnvWithFallback(envKey, defaultValue string, validator func(string) error) LoadResult[string] {
	return load(envKey, defaultValue, func(s string) (string, error) { return s, nil }, validator)
}

// LoadEnvDuration loads a time.ParseDuration string such as "30s" or "1h30m".
func LoadEnvDuration(envKey string, defaultValue time.Duration, validator func(time.Duration) error) LoadResult[time.Duration] {
	return load(envKey, defaultValue, time.ParseDuration, validator)
}

// LoadEnvInt loads a base-10 integer. Surrounding whitespace is ignored.
func LoadEnvInt(envKey string, defaultValue int, validator func(int) error) LoadResult[int] {
	return load(envKey, defaultValue, func(s string) (int, error) {
		n, err := strconv.Atoi(strings.TrimSpace(s))
		if err != nil {
			return 0, fmt.Errorf("invalid integer format")
		}
		return n, nil
	}, validator)
}

// LoadEnvBool loads any value accepted by strconv.ParseBool.
func LoadEnvBool(envKey string, defaultValue bool) LoadResult[bool] {
	return load(envKey, defaultValue, func(s string) (bool, error) {
		b, err := strconv.ParseBool(s)
		if err != nil {
			return false, fmt.Errorf("invalid boolean format, expected 'true' or 'false'")
		}
		return b, nil
	}, nil)
}

func load[T any](envKey string, defaultValue T, parse func(string) (T, error), validator func(T) error) LoadResult[T] {
	raw := os.Getenv(envKey)
	if raw == "" {
		return LoadResult[T]{Value: defaultValue}
	}

	fallback := func(err error) LoadResult[T] {
		return LoadResult[T]{
			Value:           defaultValue,
			Warning:         fmt.Sprintf("Invalid %s='%s': %v, falling back to default '%v'", envKey, raw, err, defaultValue),
			FallbackApplied: true,
		}
	}

	v, err := parse(raw)
	if err != nil {
		return fallback(err)
	}
	if validator != nil {
		if err := validator(v); err != nil {
			return fallback(err)
		}
	}
	return LoadResult[T]{Value: v}
}
