package hub

import (
	"context"
	"fmt"

	"github.com/juju/errors"

	"skyrelay/telemetry-server/internal/model"
	"skyrelay/telemetry-server/internal/protocol"
	"skyrelay/telemetry-server/internal/store"
)

// handleRequest runs on the session's read goroutine and replies only to
// that session.
func (h *Hub) handleRequest(s *session, frame []byte) {
	req, err := protocol.Decode(frame)
	if err != nil {
		h.replyError(s, "", fmt.Sprintf("invalid message: %v", err))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	switch req.Type {
	case protocol.TypeSubscribeDrones:
		err = h.sendAgents(s)
	case protocol.TypeSubscribeTelem:
		err = h.sendTelemetry(ctx, s, req.DroneID)
	case protocol.TypeGetDroneHistory:
		err = h.sendHistory(ctx, s, req)
	case protocol.TypeSendCommand:
		err = h.sendCommand(ctx, s, req)
	case protocol.TypePing:
		s.ack(h.now())
		err = h.send(s, protocol.Message{Type: protocol.TypePong, Timestamp: h.now()})
	case protocol.TypePong:
		s.ack(h.now())
	default:
		h.replyError(s, req.Type, fmt.Sprintf("unknown message type %q", req.Type))
		return
	}
	if err != nil {
		h.logger.Debug("request failed", "session", s.id, "type", req.Type, "error", err)
	}
}

func (h *Hub) sendAgents(s *session) error {
	msg, err := protocol.New(protocol.TypeDronesUpdate, h.now(), h.cfg.Agents.Agents())
	if err != nil {
		return errors.Trace(err)
	}
	return h.send(s, msg)
}

// sendTelemetry replies with the recent readings of one agent, oldest
// first, or with the newest reading of every agent when agentID is empty.
func (h *Hub) sendTelemetry(ctx context.Context, s *session, agentID string) error {
	var (
		readings []model.Reading
		err      error
	)
	if agentID == "" {
		readings, err = h.cfg.Readings.LatestReadings(ctx)
	} else {
		readings, err = h.cfg.Readings.Readings(ctx, store.ReadingFilter{DroneID: agentID, Limit: recentReadings, Ascending: true})
	}
	if err != nil {
		h.replyError(s, protocol.TypeSubscribeTelem, "telemetry unavailable")
		return errors.Annotate(err, "query telemetry")
	}
	if readings == nil {
		readings = []model.Reading{}
	}

	msg, err := protocol.New(protocol.TypeTelemetryUpdate, h.now(), readings)
	if err != nil {
		return errors.Trace(err)
	}
	msg.DroneID = agentID
	return h.send(s, msg)
}

func (h *Hub) sendHistory(ctx context.Context, s *session, req protocol.Message) error {
	if req.DroneID == "" {
		h.replyError(s, req.Type, "droneId is required")
		return nil
	}
	token := req.TimeRange
	if token == "" {
		token = model.DefaultTimeRange
	}
	since, err := model.TimeRangeStart(token, h.now())
	if err != nil {
		h.replyError(s, req.Type, err.Error())
		return nil
	}

	readings, err := h.cfg.Readings.Readings(ctx, store.ReadingFilter{
		DroneID:   req.DroneID,
		Since:     since,
		Ascending: true,
		Limit:     store.MaxReadingLimit,
	})
	if err != nil {
		h.replyError(s, req.Type, "history unavailable")
		return errors.Annotate(err, "query history")
	}
	if readings == nil {
		readings = []model.Reading{}
	}

	msg, err := protocol.New(protocol.TypeDroneHistory, h.now(), readings)
	if err != nil {
		return errors.Trace(err)
	}
	msg.DroneID = req.DroneID
	msg.TimeRange = token
	return h.send(s, msg)
}

// sendCommand answers with a command_response. A requestId supplied by the
// client is echoed so it can match the reply; otherwise the reply carries
// the command log id.
func (h *Hub) sendCommand(ctx context.Context, s *session, req protocol.Message) error {
	reply := protocol.Message{
		Type:      protocol.TypeCommandResponse,
		Timestamp: h.now(),
		DroneID:   req.DroneID,
		Command:   req.Command,
		RequestID: req.RequestID,
	}
	cmd, err := h.cfg.Commands.Send(ctx, req.DroneID, req.Command, req.Parameters)
	if err != nil {
		reply.Success = protocol.Bool(false)
		reply.Message = err.Error()
	} else {
		reply.Success = protocol.Bool(true)
		if reply.RequestID == "" {
			reply.RequestID = cmd.RequestID
		}
		reply.Message = "command sent"
	}
	return h.send(s, reply)
}

func (h *Hub) replyError(s *session, requestType, text string) {
	msg := protocol.Message{
		Type:      protocol.TypeError,
		Timestamp: h.now(),
		Request:   requestType,
		Message:   text,
	}
	if err := h.send(s, msg); err != nil {
		h.logger.Debug("error reply failed", "session", s.id, "error", err)
	}
}

func (h *Hub) send(s *session, msg protocol.Message) error {
	frame, err := protocol.Encode(msg)
	if err != nil {
		return errors.Trace(err)
	}
	return s.write(frame)
}

