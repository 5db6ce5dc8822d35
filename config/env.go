package config

import (
	"fmt"
	"os"
	"strconv"
)

// EnvString reads a string environment variable. The second return value
// reports whether the variable was set and non-empty.
func EnvString(key string) (string, bool) {
	value := os.Getenv(key)
	if value == "" {
		return "", false
	}
	return value, true
}

// EnvInt reads an integer environment variable. Unset or empty variables
// return ok=false; set-but-unparsable variables return an error so callers
// can reject the configuration instead of silently ignoring it.
func EnvInt(key string) (int, bool, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return 0, false, nil
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return 0, false, fmt.Errorf("parse %s=%q: %w", key, raw, err)
	}
	return value, true, nil
}
