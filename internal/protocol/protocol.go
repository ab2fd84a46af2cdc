// Package protocol defines the JSON text messages exchanged with the display
// device. Outbound and inbound messages are closed sets; Decode drops
// anything it does not recognise.
package protocol

import (
	stdjson "encoding/json"
	"fmt"

	json "github.com/goccy/go-json"
	"github.com/tidwall/gjson"
)

// Message type discriminators.
const (
	TypeGetScheduleData = "get_schedule_data"
	TypeEvent           = "event"
	TypeSchedule        = "schedule"
	TypePCLoad          = "pc_load"
	TypeScheduleDate    = "schedule_date"
)

// Outbound is a message sent from the hub to devices.
type Outbound interface {
	Type() string
	outbound()
}

// GetScheduleData asks a freshly connected device which schedule date it
// holds.
type GetScheduleData struct{}

// EventMessage relays a bus event. Payload is passed through untouched.
type EventMessage struct {
	Name    string
	Payload any
}

// ScheduleMessage delivers the cached schedule document verbatim.
type ScheduleMessage struct {
	Payload stdjson.RawMessage
}

// PCLoad is one live telemetry sample, in percent.
type PCLoad struct {
	CPU float64
	GPU float64
	RAM float64
}

func (GetScheduleData) Type() string { return TypeGetScheduleData }
func (EventMessage) Type() string    { return TypeEvent }
func (ScheduleMessage) Type() string { return TypeSchedule }
func (PCLoad) Type() string          { return TypePCLoad }

func (GetScheduleData) outbound() {}
func (EventMessage) outbound()    {}
func (ScheduleMessage) outbound() {}
func (PCLoad) outbound()          {}

type typeEnvelope struct {
	Type string `json:"type"`
}

type eventEnvelope struct {
	Type    string `json:"type"`
	Name    string `json:"name"`
	Payload any    `json:"payload"`
}

type scheduleEnvelope struct {
	Type    string             `json:"type"`
	Payload stdjson.RawMessage `json:"payload"`
}

type pcLoadEnvelope struct {
	Type string  `json:"type"`
	CPU  float64 `json:"cpu"`
	GPU  float64 `json:"gpu"`
	RAM  float64 `json:"ram"`
}

// Encode renders m in its wire form.
func Encode(m Outbound) ([]byte, error) {
	var v any
	switch msg := m.(type) {
	case GetScheduleData:
		v = typeEnvelope{Type: TypeGetScheduleData}
	case EventMessage:
		v = eventEnvelope{Type: TypeEvent, Name: msg.Name, Payload: msg.Payload}
	case ScheduleMessage:
		payload := msg.Payload
		if len(payload) == 0 {
			payload = stdjson.RawMessage("null")
		}
		v = scheduleEnvelope{Type: TypeSchedule, Payload: payload}
	case PCLoad:
		v = pcLoadEnvelope{Type: TypePCLoad, CPU: msg.CPU, GPU: msg.GPU, RAM: msg.RAM}
	default:
		return nil, fmt.Errorf("protocol: unknown outbound message %T", m)
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("protocol: encode %s: %w", m.Type(), err)
	}
	return data, nil
}

// Inbound is a message received from a device.
type Inbound interface {
	Kind() string
	inbound()
}

// LoadAction toggles live telemetry.
type LoadAction string

const (
	ActionStart LoadAction = "start"
	ActionStop  LoadAction = "stop"
)

// PCLoadCommand starts or stops the telemetry stream.
type PCLoadCommand struct {
	Action LoadAction
}

// ScheduleDate reports the date of the schedule the device holds. Date is
// nil when the field was absent, null or not a string.
type ScheduleDate struct {
	Date *string
}

func (PCLoadCommand) Kind() string { return TypePCLoad }
func (ScheduleDate) Kind() string  { return TypeScheduleDate }

func (PCLoadCommand) inbound() {}
func (ScheduleDate) inbound()  {}

// Decode parses raw device text. ok is false for invalid JSON, unknown types
// and pc_load commands with an unknown action.
func Decode(raw []byte) (msg Inbound, ok bool) {
	if !gjson.ValidBytes(raw) {
		return nil, false
	}
	root := gjson.ParseBytes(raw)
	if !root.IsObject() {
		return nil, false
	}
	typ := root.Get("type")
	if typ.Type != gjson.String {
		return nil, false
	}

	switch typ.Str {
	case TypePCLoad:
		action := root.Get("action")
		if action.Type != gjson.String {
			return nil, false
		}
		switch LoadAction(action.Str) {
		case ActionStart, ActionStop:
			return PCLoadCommand{Action: LoadAction(action.Str)}, true
		}
		return nil, false
	case TypeScheduleDate:
		date := root.Get("date")
		if date.Type != gjson.String {
			return ScheduleDate{}, true
		}
		s := date.Str
		return ScheduleDate{Date: &s}, true
	}
	return nil, false
}
