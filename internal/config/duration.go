package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"
)

// ParseDurationField parses a Go duration. Empty means 0; negatives are rejected.
func ParseDurationField(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0", path)
	}
	return d, nil
}

func ParseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(path, raw)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return def, nil
	}
	return d, nil
}

var reEnvRef = regexp.MustCompile(`^\$\{([A-Za-z_][A-Za-z0-9_]*)\}$`)

// Secret resolves a "${NAME}" reference from the environment.
// Any other value is returned trimmed.
func Secret(raw string) string {
	s := strings.TrimSpace(raw)
	if m := reEnvRef.FindStringSubmatch(s); m != nil {
		return strings.TrimSpace(os.Getenv(m[1]))
	}
	return s
}
