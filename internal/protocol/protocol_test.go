package protocol_test

import (
	"encoding/json"
	"reflect"
	"testing"

	"github.com/zsprackett/deskhub/internal/events"
	"github.com/zsprackett/deskhub/internal/protocol"
)

func decodeMap(t *testing.T, data []byte) map[string]any {
	t.Helper()
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatalf("unmarshal %s: %v", data, err)
	}
	return m
}

func TestEncode_GetScheduleData(t *testing.T) {
	data, err := protocol.Encode(protocol.GetScheduleData{})
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != `{"type":"get_schedule_data"}` {
		t.Errorf("unexpected wire form: %s", data)
	}
}

func TestEncode_EventKeepsPayloadOrder(t *testing.T) {
	e := events.TrackChanged(events.Track{Title: "Song", Artist: "Band", Album: "LP", App: "spotify"})
	data, err := protocol.Encode(protocol.EventMessage{Name: "music", Payload: e.Payload})
	if err != nil {
		t.Fatal(err)
	}
	want := `{"type":"event","name":"music","payload":{"title":"Song","artist":"Band","album":"LP","app":"spotify"}}`
	if string(data) != want {
		t.Errorf("got %s\nwant %s", data, want)
	}
}

func TestEncode_ScheduleIsVerbatim(t *testing.T) {
	doc := json.RawMessage(`{"date":"2026-10-17","today":[{"name":"Stop","times":["07:05"]}],"tomorrow":[]}`)
	data, err := protocol.Encode(protocol.ScheduleMessage{Payload: doc})
	if err != nil {
		t.Fatal(err)
	}
	m := decodeMap(t, data)
	if m["type"] != "schedule" {
		t.Errorf("type: got %v", m["type"])
	}
	var want any
	json.Unmarshal(doc, &want)
	if !reflect.DeepEqual(m["payload"], want) {
		t.Errorf("payload: got %v want %v", m["payload"], want)
	}
}

func TestEncode_PCLoad(t *testing.T) {
	data, err := protocol.Encode(protocol.PCLoad{CPU: 12.5, GPU: 0, RAM: 48.25})
	if err != nil {
		t.Fatal(err)
	}
	m := decodeMap(t, data)
	if m["type"] != "pc_load" || m["cpu"] != 12.5 || m["gpu"] != 0.0 || m["ram"] != 48.25 {
		t.Errorf("unexpected pc_load: %v", m)
	}
}

func TestDecode(t *testing.T) {
	date := "2026-10-17"
	cases := []struct {
		name string
		raw  string
		want protocol.Inbound
		ok   bool
	}{
		{"start", `{"type":"pc_load","action":"start"}`, protocol.PCLoadCommand{Action: protocol.ActionStart}, true},
		{"stop", `{"type":"pc_load","action":"stop"}`, protocol.PCLoadCommand{Action: protocol.ActionStop}, true},
		{"unknown action", `{"type":"pc_load","action":"pause"}`, nil, false},
		{"missing action", `{"type":"pc_load"}`, nil, false},
		{"schedule date", `{"type":"schedule_date","date":"2026-10-17"}`, protocol.ScheduleDate{Date: &date}, true},
		{"schedule date null", `{"type":"schedule_date","date":null}`, protocol.ScheduleDate{}, true},
		{"schedule date absent", `{"type":"schedule_date"}`, protocol.ScheduleDate{}, true},
		{"schedule date number", `{"type":"schedule_date","date":20261017}`, protocol.ScheduleDate{}, true},
		{"invalid json", `{"type":`, nil, false},
		{"not an object", `["pc_load"]`, nil, false},
		{"unknown type", `{"type":"reboot"}`, nil, false},
		{"no type", `{"action":"start"}`, nil, false},
		{"plain text", `hello`, nil, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, ok := protocol.Decode([]byte(tc.raw))
			if ok != tc.ok {
				t.Fatalf("ok: got %v want %v", ok, tc.ok)
			}
			if !reflect.DeepEqual(got, tc.want) {
				t.Errorf("got %#v want %#v", got, tc.want)
			}
		})
	}
}
