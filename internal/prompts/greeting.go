package prompts

import (
	"strings"
	"time"
	_ "time/tzdata"
)

// DefaultTimezone is the zone used when none is configured.
const DefaultTimezone = "America/Recife"

// Greeting returns the time-of-day salutation for now in the given zone:
// "Bom dia" from 05:00, "Boa tarde" from 12:00, "Boa noite" from 18:00.
func Greeting(now time.Time, timezone string) string {
	hour := now.In(Location(timezone)).Hour()
	switch {
	case hour >= 5 && hour < 12:
		return "Bom dia"
	case hour >= 12 && hour < 18:
		return "Boa tarde"
	default:
		return "Boa noite"
	}
}

// Location resolves a zone name, falling back to DefaultTimezone and then UTC.
func Location(timezone string) *time.Location {
	timezone = strings.TrimSpace(timezone)
	if timezone == "" {
		timezone = DefaultTimezone
	}
	if loc, err := time.LoadLocation(timezone); err == nil {
		return loc
	}
	if loc, err := time.LoadLocation(DefaultTimezone); err == nil {
		return loc
	}
	return time.UTC
}

// NameSalutation renders the opening of the pitch, e.g. "Oi Diego," or "Oi,".
func NameSalutation(name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return "Oi,"
	}
	return "Oi " + name + ","
}
