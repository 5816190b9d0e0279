package ban

import (
	"encoding/json"
	"errors"
	"math"
	"strconv"
	"strings"
	"time"
	"unicode"
)

// Signal is the parsed meaning of a close reason text. It is either [Ban] or
// [Unknown].
type Signal interface {
	isSignal()
}

// Ban carries a cooldown extracted from the close reason.
type Ban struct {
	Duration time.Duration
}

// Unknown keeps a close reason that carried no usable duration.
type Unknown struct {
	RawText string
}

func (Ban) isSignal()     {}
func (Unknown) isSignal() {}

// ParseReason extracts a cooldown from free-form close reason text. It accepts
// a JSON object with a cooldownSeconds field, Go duration tokens ("300s",
// "5m"), or an integer followed by a unit word ("banned for 300 seconds",
// "retry in 5 minutes"). A bare integer is read as seconds. Anything else
// yields [Unknown]; ParseReason never fails.
func ParseReason(text string) Signal {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return Unknown{RawText: text}
	}

	if strings.HasPrefix(trimmed, "{") {
		var obj struct {
			CooldownSeconds json.Number `json:"cooldownSeconds"`
		}
		if err := json.Unmarshal([]byte(trimmed), &obj); err == nil {
			if d, ok := secondsFromNumber(obj.CooldownSeconds); ok {
				return Ban{Duration: d}
			}
		}
		return Unknown{RawText: text}
	}

	tokens := strings.FieldsFunc(trimmed, func(r rune) bool {
		return unicode.IsSpace(r) || r == ',' || r == ';' || r == '=' || r == ':' || r == '(' || r == ')'
	})
	for i, tok := range tokens {
		if d, err := time.ParseDuration(tok); err == nil && d > 0 {
			return Ban{Duration: min(d, MaxCooldown)}
		}
		// An out-of-range integer comes back saturated with ErrRange.
		n, err := strconv.ParseInt(tok, 10, 64)
		if (err != nil && !errors.Is(err, strconv.ErrRange)) || n <= 0 {
			continue
		}
		unit := time.Second
		if i+1 < len(tokens) {
			if u, ok := unitWord(tokens[i+1]); ok {
				unit = u
			}
		}
		return Ban{Duration: scaled(n, unit)}
	}
	return Unknown{RawText: text}
}

// unitWord maps a human unit word to a duration.
func unitWord(w string) (time.Duration, bool) {
	switch strings.ToLower(strings.TrimRight(w, ".")) {
	case "s", "sec", "secs", "second", "seconds":
		return time.Second, true
	case "m", "min", "mins", "minute", "minutes":
		return time.Minute, true
	case "h", "hr", "hrs", "hour", "hours":
		return time.Hour, true
	}
	return 0, false
}

// secondsFromNumber converts a positive JSON number of seconds. Numbers too
// large for a float64 are read as [MaxCooldown].
func secondsFromNumber(n json.Number) (time.Duration, bool) {
	if n == "" {
		return 0, false
	}
	f, err := n.Float64()
	if math.IsInf(f, 1) || f >= MaxCooldown.Seconds() {
		return MaxCooldown, true
	}
	if err != nil || math.IsNaN(f) || f <= 0 {
		return 0, false
	}
	return time.Duration(f * float64(time.Second)), true
}

// scaled returns n units, capped at [MaxCooldown].
func scaled(n int64, unit time.Duration) time.Duration {
	if n > int64(MaxCooldown/unit) {
		return MaxCooldown
	}
	return time.Duration(n) * unit
}
