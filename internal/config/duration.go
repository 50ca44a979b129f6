package config

import (
	"fmt"
	"strings"
	"time"
)

// Duration interprets a duration-valued config field such as
// sessions.connect_timeout. Blank or zero input falls back to def; errors
// carry the field path so the offending config line is findable.
func Duration(path, raw string, def time.Duration) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return def, nil
	}
	d, err := time.ParseDuration(s)
	switch {
	case err != nil:
		return 0, fmt.Errorf("%s: %q is not a duration (want e.g. %q or %q)", path, raw, "30s", "5m")
	case d < 0:
		return 0, fmt.Errorf("%s: duration %q must not be negative", path, raw)
	case d == 0:
		return def, nil
	}
	return d, nil
}
