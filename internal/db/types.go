package db

import "time"

// Device journal event types.
const (
	DeviceConnected    = "connected"
	DeviceDisconnected = "disconnected"
)

type DeviceEvent struct {
	ID         int64     `json:"id"`
	DeviceID   string    `json:"device_id"`
	Ts         time.Time `json:"ts"`
	EventType  string    `json:"event_type"`
	RemoteAddr string    `json:"remote_addr"`
	Detail     string    `json:"detail,omitempty"`
}

// MetaTransitUpdated holds the RFC3339 time of the last transit refresh.
const MetaTransitUpdated = "transit_updated_at"
