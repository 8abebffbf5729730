package protocol

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"iot-gateway/internal/ingest"
	"iot-gateway/internal/model"
	"iot-gateway/internal/session"
)

// Message types exchanged with devices over the text protocols.
const (
	MsgAuth     = "auth"
	MsgAuthAck  = "auth_ack"
	MsgProperty = "property"
	MsgEvent    = "event"
	MsgPing     = "ping"
	MsgPong     = "pong"
	MsgError    = "error"
)

// Message is the JSON frame used by the WebSocket, TCP and MQTT servers.
type Message struct {
	Type       string         `json:"type"`
	DeviceKey  string         `json:"deviceKey,omitempty"`
	Secret     string         `json:"secret,omitempty"`
	Identifier string         `json:"identifier,omitempty"`
	Params     map[string]any `json:"params,omitempty"`
	Timestamp  int64          `json:"timestamp,omitempty"`
	Error      string         `json:"error,omitempty"`
}

var ErrUnsupportedMessage = errors.New("unsupported message type")

// DecodeMessage parses one device frame.
func DecodeMessage(raw []byte) (Message, error) {
	var msg Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		return msg, fmt.Errorf("decode message: %w", err)
	}
	return msg, nil
}

// Encode marshals msg, ignoring errors since Message always encodes.
func (m Message) Encode() []byte {
	b, _ := json.Marshal(m)
	return b
}

func (m Message) time() time.Time {
	if m.Timestamp > 0 {
		return time.UnixMilli(m.Timestamp)
	}
	return time.Now()
}

// Dispatch forwards a property or event message of device to sink.
func Dispatch(ctx context.Context, sink ingest.Sink, device model.Device, source string, msg Message) error {
	if sink == nil {
		return nil
	}
	switch msg.Type {
	case MsgProperty:
		if len(msg.Params) == 0 {
			return errors.New("property message without params")
		}
		sink.ReportProperties(ctx, ingest.Reading{
			Device:     device,
			Properties: msg.Params,
			Source:     source,
			Timestamp:  msg.time(),
		})
	case MsgEvent:
		if msg.Identifier == "" {
			return errors.New("event message without identifier")
		}
		sink.ReportEvent(ctx, ingest.Event{
			Device:     device,
			Identifier: msg.Identifier,
			Params:     msg.Params,
			Source:     source,
			Timestamp:  msg.time(),
		})
	default:
		return fmt.Errorf("%w: %q", ErrUnsupportedMessage, msg.Type)
	}
	return nil
}

// Notify reports a device status change when deps carry a notifier.
func (d Deps) Notify(ctx context.Context, device model.Device, status model.DeviceStatus) {
	if d.Notifier != nil {
		d.Notifier.NotifyDeviceStatusChange(ctx, device, status)
	}
}

const teardownNotifyTimeout = 5 * time.Second

// NotifyTeardown reports a status change from a connection that is going
// away. ctx may already be cancelled by a stopping server; the notification
// still runs, bounded by its own timeout.
func (d Deps) NotifyTeardown(ctx context.Context, device model.Device, status model.DeviceStatus) {
	nctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), teardownNotifyTimeout)
	defer cancel()
	d.Notify(nctx, device, status)
}

// SessionTable returns the shared session table for protocolType, or a
// private one when deps carry none.
func (d Deps) SessionTable(protocolType string) *session.Table {
	if d.Sessions != nil {
		if t := d.Sessions(protocolType); t != nil {
			return t
		}
	}
	return session.NewTable(protocolType, d.Metrics)
}
