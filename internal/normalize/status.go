package normalize

import (
	"strings"

	"skyrelay/telemetry-server/internal/model"
)

// statusSynonyms maps lower-cased inbound vocabulary to canonical statuses.
var statusSynonyms = map[string]model.Status{
	"standby":     model.StatusStandby,
	"idle":        model.StatusStandby,
	"pre-flight":  model.StatusPreFlight,
	"pre_flight":  model.StatusPreFlight,
	"pre flight":  model.StatusPreFlight,
	"preflight":   model.StatusPreFlight,
	"preparing":   model.StatusPreFlight,
	"active":      model.StatusActive,
	"in flight":   model.StatusInFlight,
	"in_flight":   model.StatusInFlight,
	"in-flight":   model.StatusInFlight,
	"inflight":    model.StatusInFlight,
	"flying":      model.StatusInFlight,
	"landing":     model.StatusLanding,
	"delivered":   model.StatusDelivered,
	"delivering":  model.StatusDelivered,
	"returning":   model.StatusReturning,
	"powered off": model.StatusPoweredOff,
	"powered_off": model.StatusPoweredOff,
	"powered-off": model.StatusPoweredOff,
	"poweredoff":  model.StatusPoweredOff,
	"maintenance": model.StatusMaintenance,
	"emergency":   model.StatusEmergency,
}

// Status maps an inbound status string onto the canonical set. Matching is
// case-insensitive; anything that does not resolve to a canonical value
// becomes Standby.
func Status(raw string) model.Status {
	key := strings.ToLower(strings.TrimSpace(raw))
	if mapped, ok := statusSynonyms[key]; ok && mapped.Valid() {
		return mapped
	}
	if s := model.Status(strings.TrimSpace(raw)); s.Valid() {
		return s
	}
	return model.StatusStandby
}
