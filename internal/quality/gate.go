// Package quality decides whether a finished take is eligible for upload.
package quality

import (
	"strings"

	"github.com/cowcowlabs/cowcow/internal/config"
	"github.com/cowcowlabs/cowcow/internal/qc"
)

type Reason string

const (
	LowSnr       Reason = "LowSnr"
	HighClipping Reason = "HighClipping"
	LowVadRatio  Reason = "LowVadRatio"
	TooShort     Reason = "TooShort"
	TooLong      Reason = "TooLong"
)

// Decision is the gate outcome. Reasons lists every failing check.
type Decision struct {
	Accepted bool     `json:"accepted"`
	Forced   bool     `json:"forced,omitempty"`
	Reasons  []Reason `json:"reasons,omitempty"`
}

// Admit evaluates metrics of a take lasting durationSeconds against t.
// force accepts unconditionally.
func Admit(m qc.Metrics, durationSeconds float64, t config.Thresholds, force bool) Decision {
	if force {
		return Decision{Accepted: true, Forced: true}
	}
	var reasons []Reason
	if m.SNRDB < t.MinSNRDB {
		reasons = append(reasons, LowSnr)
	}
	if m.ClippingPct > t.MaxClippingPct {
		reasons = append(reasons, HighClipping)
	}
	if m.VADRatio < t.MinVADRatio {
		reasons = append(reasons, LowVadRatio)
	}
	if durationSeconds < t.MinDuration {
		reasons = append(reasons, TooShort)
	}
	if t.MaxDuration > 0 && durationSeconds > t.MaxDuration {
		reasons = append(reasons, TooLong)
	}
	return Decision{Accepted: len(reasons) == 0, Reasons: reasons}
}

// String joins the reasons for storage and logs.
func (d Decision) String() string {
	if d.Accepted {
		return "accepted"
	}
	parts := make([]string, len(d.Reasons))
	for i, r := range d.Reasons {
		parts[i] = string(r)
	}
	return strings.Join(parts, ",")
}

// ParseReasons is the inverse of Decision.String for rejected takes.
func ParseReasons(s string) []Reason {
	if s == "" || s == "accepted" {
		return nil
	}
	var out []Reason
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, Reason(p))
		}
	}
	return out
}
