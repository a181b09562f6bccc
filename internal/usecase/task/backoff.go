package task

import (
	"fmt"
	"math/rand"
	"strings"
	"time"
)

// Progression controls how the retry wait grows with the attempt number.
type Progression int

const (
	// ProgressionNone waits Wait before every retry.
	ProgressionNone Progression = iota
	// ProgressionArithmetic waits Wait*n before the retry following attempt n.
	ProgressionArithmetic
	// ProgressionGeometric waits Wait*n^2 before the retry following attempt n.
	ProgressionGeometric
	// ProgressionRandom waits between Wait/2 and 2*Wait.
	ProgressionRandom
)

var progressionNames = map[Progression]string{
	ProgressionNone:       "none",
	ProgressionArithmetic: "arithmetic",
	ProgressionGeometric:  "geometric",
	ProgressionRandom:     "random",
}

func (p Progression) String() string {
	if name, ok := progressionNames[p]; ok {
		return name
	}
	return fmt.Sprintf("progression(%d)", int(p))
}

// ParseProgression accepts the names returned by String, case-insensitively.
func ParseProgression(s string) (Progression, error) {
	for p, name := range progressionNames {
		if strings.EqualFold(s, name) {
			return p, nil
		}
	}
	return ProgressionNone, fmt.Errorf("unknown backoff progression %q", s)
}

// Backoff delays redelivery of a failed message by extending its visibility.
// The zero value applies no delay and leaves redelivery to the visibility timeout.
type Backoff struct {
	Wait        time.Duration
	Progression Progression
}

// Delay returns how long to hide a message after its attempt-th failed delivery.
func (b Backoff) Delay(attempt int) time.Duration {
	if b.Wait <= 0 || attempt <= 0 {
		return 0
	}
	n := time.Duration(attempt)
	switch b.Progression {
	case ProgressionArithmetic:
		return b.Wait * n
	case ProgressionGeometric:
		return b.Wait * n * n
	case ProgressionRandom:
		// #nosec G404 -- retry spreading does not need cryptographic randomness
		return time.Duration(float64(b.Wait) * (0.5 + rand.Float64()*1.5))
	default:
		return b.Wait
	}
}

func (b Backoff) validate(field string) error {
	if b.Wait < 0 {
		return &ConfigurationError{Field: field + ".wait", Reason: fmt.Sprintf("must not be negative, got %v", b.Wait)}
	}
	if _, ok := progressionNames[b.Progression]; !ok {
		return &ConfigurationError{Field: field + ".progression", Reason: fmt.Sprintf("unknown progression %d", int(b.Progression))}
	}
	return nil
}
