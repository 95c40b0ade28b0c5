package submit

import (
	"strings"
	"time"

	"github.com/clarapipe/dicom-adapter/platform"
)

// JobName derives "{algorithm}-{DD-HHMMSS}" in UTC, sanitized to
// [A-Za-z0-9_-] and truncated to platform.MaxJobNameLength, per spec §4.H.
func JobName(algorithm string, t time.Time) string {
	stamp := t.UTC().Format("02-150405")
	name := sanitize(algorithm) + "-" + stamp
	if len(name) > platform.MaxJobNameLength {
		name = name[:platform.MaxJobNameLength]
	}
	return name
}

func sanitize(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'A' && r <= 'Z', r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_', r == '-':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return b.String()
}
