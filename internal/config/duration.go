package config

import (
	"fmt"
	"strings"
	"time"
)

// ParseDurationField parses a Go duration string found at key. Blank means 0;
// negative values are rejected.
func ParseDurationField(key, raw string) (time.Duration, error) {
	v := strings.TrimSpace(raw)
	if v == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(v)
	switch {
	case err != nil:
		return 0, fmt.Errorf("%s: %q is not a duration (e.g. 30s, 5m): %w", key, raw, err)
	case d < 0:
		return 0, fmt.Errorf("%s: %q is negative", key, raw)
	}
	return d, nil
}

// ParseDurationOrDefault is ParseDurationField with def substituted for blank or zero.
func ParseDurationOrDefault(key, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(key, raw)
	if err != nil || d > 0 {
		return d, err
	}
	return def, nil
}

// ParseDurationList parses every entry, reporting the failing index; an empty list yields nil.
func ParseDurationList(key string, raw []string) ([]time.Duration, error) {
	var out []time.Duration
	for i, r := range raw {
		d, err := ParseDurationField(fmt.Sprintf("%s[%d]", key, i), r)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, nil
}
