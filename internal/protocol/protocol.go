// Package protocol defines the JSON frames exchanged between the fan-out hub
// and observer sessions.
package protocol

import (
	"encoding/json"
	"time"

	"github.com/juju/errors"

	"skyrelay/telemetry-server/internal/model"
)

// Message types.
const (
	TypeConnection        = "connection"
	TypeDronesUpdate      = "drones_update"
	TypeTelemetryUpdate   = "telemetry_update"
	TypeTelemetryRealtime = "telemetry_realtime"
	TypeDroneStatusUpdate = "drone_status_update"
	TypeDroneHistory      = "drone_history"
	TypeSubscribeDrones   = "subscribe_drones"
	TypeSubscribeTelem    = "subscribe_telemetry"
	TypeGetDroneHistory   = "get_drone_history"
	TypeSendCommand       = "send_command"
	TypeCommandResponse   = "command_response"
	TypeHeartbeat         = "heartbeat"
	TypePing              = "ping"
	TypePong              = "pong"
	TypeError             = "error"
)

// Message is the single envelope used in both directions.
type Message struct {
	Type       string          `json:"type"`
	Timestamp  time.Time       `json:"timestamp"`
	DroneID    string          `json:"droneId,omitempty"`
	TimeRange  string          `json:"timeRange,omitempty"`
	Command    string          `json:"command,omitempty"`
	Parameters map[string]any  `json:"parameters,omitempty"`
	RequestID  string          `json:"requestId,omitempty"`
	Success    *bool           `json:"success,omitempty"`
	Message    string          `json:"message,omitempty"`
	// Request names the request type an error message answers.
	Request    string          `json:"request,omitempty"`
	Data       json.RawMessage `json:"data,omitempty"`
}

// New builds a message of the given type carrying data, stamped at now.
func New(msgType string, now time.Time, data any) (Message, error) {
	msg := Message{Type: msgType, Timestamp: now.UTC()}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return Message{}, errors.Annotatef(err, "encode %s payload", msgType)
		}
		msg.Data = raw
	}
	return msg, nil
}

// Encode serializes a message into a single frame.
func Encode(msg Message) ([]byte, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, errors.Annotatef(err, "encode %s message", msg.Type)
	}
	return data, nil
}

// Decode parses a frame. Frames without a type are rejected.
func Decode(frame []byte) (Message, error) {
	var msg Message
	if err := json.Unmarshal(frame, &msg); err != nil {
		return Message{}, errors.Annotate(err, "decode message")
	}
	if msg.Type == "" {
		return Message{}, errors.NotValidf("message without type")
	}
	return msg, nil
}

// Agents decodes the data of a drones_update message.
func (m Message) Agents() ([]model.Agent, error) {
	var agents []model.Agent
	if err := m.decodeData(&agents); err != nil {
		return nil, err
	}
	return agents, nil
}

// Agent decodes the data of a drone_status_update message.
func (m Message) Agent() (model.Agent, error) {
	var agent model.Agent
	err := m.decodeData(&agent)
	return agent, err
}

// Reading decodes the data of a telemetry_realtime message.
func (m Message) Reading() (model.Reading, error) {
	var r model.Reading
	err := m.decodeData(&r)
	return r, err
}

// Readings decodes the data of telemetry_update and drone_history messages.
func (m Message) Readings() ([]model.Reading, error) {
	var readings []model.Reading
	if err := m.decodeData(&readings); err != nil {
		return nil, err
	}
	return readings, nil
}

func (m Message) decodeData(v any) error {
	if len(m.Data) == 0 {
		return errors.NotValidf("%s message without data", m.Type)
	}
	if err := json.Unmarshal(m.Data, v); err != nil {
		return errors.Annotatef(err, "decode %s data", m.Type)
	}
	return nil
}

// Bool returns a pointer for the optional success flag.
func Bool(v bool) *bool {
	return &v
}
