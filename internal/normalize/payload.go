package normalize

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/juju/errors"

	"skyrelay/telemetry-server/internal/model"
)

// Topic kinds under agents/{id}/...
const (
	KindData     = "data"
	KindStatus   = "status"
	KindCommands = "commands"
	KindResponse = "response"
)

// ParseTopic splits agents/{id}/{kind}.
func ParseTopic(topic string) (agentID, kind string, ok bool) {
	parts := strings.Split(topic, "/")
	if len(parts) != 3 || parts[0] != "agents" || parts[1] == "" || parts[2] == "" {
		return "", "", false
	}
	return parts[1], parts[2], true
}

// coordinates is one candidate source of a position. Either naming scheme
// (latitude/longitude or lat/lng) is accepted inside nested objects.
type coordinates struct {
	Latitude  *float64 `json:"latitude"`
	Longitude *float64 `json:"longitude"`
	Lat       *float64 `json:"lat"`
	Lng       *float64 `json:"lng"`
}

func (c *coordinates) resolve() (model.Position, bool) {
	if c == nil {
		return model.Position{}, false
	}
	lat, lng := c.Latitude, c.Longitude
	if lat == nil {
		lat = c.Lat
	}
	if lng == nil {
		lng = c.Lng
	}
	if lat == nil || lng == nil {
		return model.Position{}, false
	}
	return model.Position{Lat: *lat, Lng: *lng}, true
}

type readingPayload struct {
	Battery     *float64        `json:"battery"`
	Temperature *float64        `json:"temperature"`
	Humidity    *float64        `json:"humidity"`
	Speed       *float64        `json:"speed"`
	Altitude    *float64        `json:"altitude"`
	Latitude    *float64        `json:"latitude"`
	Longitude   *float64        `json:"longitude"`
	Location    *coordinates    `json:"location"`
	Position    *coordinates    `json:"position"`
	Status      string          `json:"status"`
	Timestamp   json.RawMessage `json:"timestamp"`
}

// Position resolves the coordinate union: the flat pair first, then a nested
// location object, then a nested position object. Without any the result is 0,0.
func (p readingPayload) position() model.Position {
	flat := coordinates{Latitude: p.Latitude, Longitude: p.Longitude}
	for _, candidate := range []*coordinates{&flat, p.Location, p.Position} {
		if pos, ok := candidate.resolve(); ok {
			return pos
		}
	}
	return model.Position{}
}

// Reading decodes a data-topic payload into the canonical reading for agentID.
// Only undecodable JSON is an error; missing fields are defaulted.
func Reading(agentID string, payload []byte, now time.Time) (model.Reading, error) {
	var p readingPayload
	if err := decode(payload, &p); err != nil {
		return model.Reading{}, errors.Annotate(err, "decode reading")
	}

	pos := p.position()
	return model.Reading{
		DroneID:     agentID,
		Timestamp:   timestamp(p.Timestamp, now),
		Battery:     value(p.Battery),
		Temperature: value(p.Temperature),
		Humidity:    value(p.Humidity),
		Speed:       value(p.Speed),
		Altitude:    value(p.Altitude),
		Lat:         pos.Lat,
		Lng:         pos.Lng,
		Status:      Status(p.Status),
	}, nil
}

// StatusUpdate is a decoded status-topic message.
type StatusUpdate struct {
	DroneID string
	Name    string
	// Status is empty when the message carried none.
	Status   model.Status
	Received time.Time
}

type statusPayload struct {
	Name     string          `json:"name"`
	Status   *string         `json:"status"`
	IsOnline *bool           `json:"isOnline"`
	LastSeen json.RawMessage `json:"lastSeen"`
}

// StatusMessage decodes a status-topic payload. The isOnline and lastSeen
// fields are accepted for compatibility but never trusted: the agent was seen now.
func StatusMessage(agentID string, payload []byte, now time.Time) (StatusUpdate, error) {
	var p statusPayload
	if err := decode(payload, &p); err != nil {
		return StatusUpdate{}, errors.Annotate(err, "decode status")
	}
	update := StatusUpdate{
		DroneID:  agentID,
		Name:     strings.TrimSpace(p.Name),
		Received: now,
	}
	if p.Status != nil {
		update.Status = Status(*p.Status)
	}
	return update, nil
}

// CommandResponse is a decoded acknowledgment from an agent.
type CommandResponse struct {
	DroneID   string `json:"droneId"`
	RequestID string `json:"requestId,omitempty"`
	Command   string `json:"command,omitempty"`
	Success   bool   `json:"success"`
	Message   string `json:"message,omitempty"`
}

type responsePayload struct {
	RequestID string `json:"requestId"`
	Command   string `json:"command"`
	Success   *bool  `json:"success"`
	Status    string `json:"status"`
	Message   string `json:"message"`
}

// Response decodes a response-topic payload. A missing success flag is
// inferred from a status of "ok"/"success".
func Response(agentID string, payload []byte) (CommandResponse, error) {
	var p responsePayload
	if err := decode(payload, &p); err != nil {
		return CommandResponse{}, errors.Annotate(err, "decode response")
	}
	success := false
	if p.Success != nil {
		success = *p.Success
	} else {
		switch strings.ToLower(p.Status) {
		case "ok", "success", "acknowledged":
			success = true
		}
	}
	return CommandResponse{
		DroneID:   agentID,
		RequestID: p.RequestID,
		Command:   p.Command,
		Success:   success,
		Message:   p.Message,
	}, nil
}

func decode(payload []byte, v any) error {
	if len(bytes.TrimSpace(payload)) == 0 {
		return errors.NotValidf("empty payload")
	}
	return json.Unmarshal(payload, v)
}

func value(v *float64) float64 {
	if v == nil {
		return 0
	}
	return *v
}

// timestamp accepts an RFC3339 string or epoch milliseconds and falls back to now.
func timestamp(raw json.RawMessage, now time.Time) time.Time {
	if len(raw) == 0 || string(raw) == "null" {
		return now
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if ts, err := time.Parse(time.RFC3339Nano, s); err == nil {
			return ts.UTC()
		}
		if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
			return time.UnixMilli(ms).UTC()
		}
		return now
	}
	var ms float64
	if err := json.Unmarshal(raw, &ms); err == nil && ms > 0 {
		return time.UnixMilli(int64(ms)).UTC()
	}
	return now
}
