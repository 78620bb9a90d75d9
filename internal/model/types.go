package model

import "time"

// OfflineThreshold is how long an agent may stay silent before it is reported offline.
const OfflineThreshold = 2 * time.Minute

// Position is a WGS84 coordinate pair.
type Position struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Metrics is the sensor snapshot carried by every reading.
type Metrics struct {
	Battery     float64 `json:"battery"`
	Temperature float64 `json:"temperature"`
	Humidity    float64 `json:"humidity"`
	Speed       float64 `json:"speed"`
	Altitude    float64 `json:"altitude"`
}

// Reading is one immutable telemetry sample. Its JSON form is the canonical
// shape every consumer receives, whatever path produced it.
type Reading struct {
	DroneID     string    `json:"droneId"`
	Timestamp   time.Time `json:"timestamp"`
	Battery     float64   `json:"battery"`
	Temperature float64   `json:"temperature"`
	Humidity    float64   `json:"humidity"`
	Speed       float64   `json:"speed"`
	Altitude    float64   `json:"altitude"`
	Lat         float64   `json:"lat"`
	Lng         float64   `json:"lng"`
	Status      Status    `json:"status"`
}

// Position returns the reading's coordinates.
func (r Reading) Position() Position {
	return Position{Lat: r.Lat, Lng: r.Lng}
}

// Metrics returns the reading's sensor values.
func (r Reading) Metrics() Metrics {
	return Metrics{
		Battery:     r.Battery,
		Temperature: r.Temperature,
		Humidity:    r.Humidity,
		Speed:       r.Speed,
		Altitude:    r.Altitude,
	}
}

// AgentRecord is the persisted current state of an agent. It deliberately has
// no online flag: liveness is derived from LastSeen whenever an Agent is built.
type AgentRecord struct {
	ID       string    `json:"id"`
	Name     string    `json:"name"`
	Status   Status    `json:"status"`
	LastSeen time.Time `json:"lastSeen"`
	Position Position  `json:"position"`
	Metrics  Metrics   `json:"metrics"`
}

// Agent is the read-side view of an agent, including derived liveness.
type Agent struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Status      Status    `json:"status"`
	IsOnline    bool      `json:"isOnline"`
	LastSeen    time.Time `json:"lastSeen"`
	Position    Position  `json:"position"`
	Battery     float64   `json:"battery"`
	Temperature float64   `json:"temperature"`
	Humidity    float64   `json:"humidity"`
	Speed       float64   `json:"speed"`
	Altitude    float64   `json:"altitude"`
}

// IsOnline reports whether an agent last seen at lastSeen counts as online at now.
func IsOnline(lastSeen, now time.Time, threshold time.Duration) bool {
	if lastSeen.IsZero() {
		return false
	}
	return now.Sub(lastSeen) < threshold
}

// View builds the read-side Agent, computing liveness against now.
func (r AgentRecord) View(now time.Time, threshold time.Duration) Agent {
	return Agent{
		ID:          r.ID,
		Name:        r.Name,
		Status:      r.Status,
		IsOnline:    IsOnline(r.LastSeen, now, threshold),
		LastSeen:    r.LastSeen,
		Position:    r.Position,
		Battery:     r.Metrics.Battery,
		Temperature: r.Metrics.Temperature,
		Humidity:    r.Metrics.Humidity,
		Speed:       r.Metrics.Speed,
		Altitude:    r.Metrics.Altitude,
	}
}

// CommandStatus tracks a command through the command log.
type CommandStatus string

const (
	CommandSent         CommandStatus = "sent"
	CommandAcknowledged CommandStatus = "acknowledged"
	CommandFailed       CommandStatus = "failed"
)

// Command is an instruction forwarded to an agent over its command topic.
type Command struct {
	RequestID  string         `json:"requestId"`
	DroneID    string         `json:"droneId"`
	Command    string         `json:"command"`
	Parameters map[string]any `json:"parameters,omitempty"`
	IssuedAt   time.Time      `json:"issuedAt"`
	Status     CommandStatus  `json:"status"`
	Response   string         `json:"response,omitempty"`
}

// IngestionError captures a payload that could not be decoded.
type IngestionError struct {
	Topic     string    `json:"topic"`
	DroneID   string    `json:"droneId"`
	Payload   string    `json:"payload"`
	Error     string    `json:"error"`
	CreatedAt time.Time `json:"createdAt"`
}
