package converter

import (
	"fmt"
	"strconv"
	"strings"
)

// Int returns the integer value of key, def when absent. Values outside
// [lo, hi] are rejected.
func (p Params) Int(key string, def, lo, hi int) (int, error) {
	raw := strings.TrimSpace(p[key])
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%w: %s must be an integer", ErrInvalidParams, key)
	}
	if v < lo || v > hi {
		return 0, fmt.Errorf("%w: %s must be between %d and %d", ErrInvalidParams, key, lo, hi)
	}
	return v, nil
}

// OneOf returns the value of key, def when absent. Values outside allowed are
// rejected.
func (p Params) OneOf(key, def string, allowed ...string) (string, error) {
	v := strings.ToLower(strings.TrimSpace(p[key]))
	if v == "" {
		return def, nil
	}
	for _, a := range allowed {
		if v == a {
			return v, nil
		}
	}
	return "", fmt.Errorf("%w: %s must be one of %s", ErrInvalidParams, key, strings.Join(allowed, ", "))
}
