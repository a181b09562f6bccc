package config

import (
	"fmt"
	"regexp"
	"slices"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// ValidateCronSchedule accepts the standard five-field syntax
// ("minute hour day month weekday") and descriptors such as "@hourly" or "@every 5m".
//
// Example:
//
//	err := ValidateCronSchedule("30 5 * * *")
func ValidateCronSchedule(schedule string) error {
	if schedule == "" {
		return fmt.Errorf("invalid cron schedule: cannot be empty")
	}
	if _, err := cron.ParseStandard(schedule); err != nil {
		return fmt.Errorf("invalid cron schedule '%s': %w", schedule, err)
	}
	return nil
}

// ValidateTimezone checks that timezone is an IANA name time.LoadLocation can load.
// A missing tzdata package makes valid names fail too.
func ValidateTimezone(timezone string) error {
	if timezone == "" {
		return fmt.Errorf("invalid timezone: cannot be empty")
	}
	if _, err := time.LoadLocation(timezone); err != nil {
		return fmt.Errorf("invalid timezone '%s': %w", timezone, err)
	}
	return nil
}

// ValidateDuration checks min <= duration <= max.
func ValidateDuration(duration, min, max time.Duration) error {
	if min > max {
		return fmt.Errorf("invalid range: min (%v) cannot be greater than max (%v)", min, max)
	}
	if duration < min {
		return fmt.Errorf("duration %v is below minimum %v", duration, min)
	}
	if duration > max {
		return fmt.Errorf("duration %v exceeds maximum %v", duration, max)
	}
	return nil
}

// ValidateIntRange checks min <= value <= max.
func ValidateIntRange(value, min, max int) error {
	if min > max {
		return fmt.Errorf("invalid range: min (%d) cannot be greater than max (%d)", min, max)
	}
	if value < min {
		return fmt.Errorf("value %d is below minimum %d", value, min)
	}
	if value > max {
		return fmt.Errorf("value %d exceeds maximum %d", value, max)
	}
	return nil
}

// ValidatePositiveDuration rejects zero and negative durations.
func ValidatePositiveDuration(duration time.Duration) error {
	if duration <= 0 {
		return fmt.Errorf("duration must be positive, got %v", duration)
	}
	return nil
}

// DurationBetween returns a validator for LoadEnvDuration.
func DurationBetween(min, max time.Duration) func(time.Duration) error {
	return func(d time.Duration) error { return ValidateDuration(d, min, max) }
}

// IntBetween returns a validator for LoadEnvInt.
func IntBetween(min, max int) func(int) error {
	return func(v int) error { return ValidateIntRange(v, min, max) }
}

// queueNamePattern matches names that are safe as Redis key segments and SQL values.
var queueNamePattern = regexp.MustCompile(`^[A-Za-z0-9_.-]{1,80}$`)

// ValidateQueueName accepts 1-80 characters of letters, digits, '_', '.' and '-'.
// ':' is rejected because the Redis transport separates key segments with it.
func ValidateQueueName(name string) error {
	if name == "" {
		return fmt.Errorf("invalid queue name: cannot be empty")
	}
	if !queueNamePattern.MatchString(name) {
		return fmt.Errorf("invalid queue name '%s': must be 1-80 characters of [A-Za-z0-9_.-]", name)
	}
	return nil
}

// ValidateOneOf returns a validator accepting only the listed values.
//
// Example:
//
//	result := LoadEnvWithFallback("QUEUE_DRIVER", "memory", ValidateOneOf("memory", "redis", "postgres"))
func ValidateOneOf(allowed ...string) func(string) error {
	return func(value string) error {
		if slices.Contains(allowed, value) {
			return nil
		}
		return fmt.Errorf("value '%s' must be one of [%s]", value, strings.Join(allowed, ", "))
	}
}
