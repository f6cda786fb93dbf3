// Package events defines the payloads the sync service publishes and consumes over Kafka.
package events

import "time"

// Event types recorded in the outbox.
const (
	TypeDeviceConnected    = "device.connected"
	TypeDeviceDisconnected = "device.disconnected"
	TypeActivitySynced     = "activity.synced"
	TypeIntakeRecorded     = "intake.recorded"
)

// Topics.
const (
	TopicDeviceEvents       = "device_events"
	TopicActivitySyncEvents = "activity_sync_events"
	TopicIntakeEvents       = "intake_events"
)

// DeviceConnected is emitted when a device is connected or reconnected.
type DeviceConnected struct {
	DeviceID    string    `json:"device_id"`
	OwnerID     string    `json:"owner_id"`
	DeviceType  string    `json:"device_type"`
	DeviceName  string    `json:"device_name"`
	IsPrimary   bool      `json:"is_primary"`
	ConnectedAt time.Time `json:"connected_at"`
}

// DeviceDisconnected is emitted when the owner disconnects a device.
type DeviceDisconnected struct {
	DeviceID       string    `json:"device_id"`
	OwnerID        string    `json:"owner_id"`
	DeviceType     string    `json:"device_type"`
	DisconnectedAt time.Time `json:"disconnected_at"`
}

// ActivitySynced is emitted whenever a ledger record is written.
type ActivitySynced struct {
	OwnerID        string    `json:"owner_id"`
	DeviceID       string    `json:"device_id"`
	ActivityDate   string    `json:"activity_date"`
	Steps          int       `json:"steps"`
	CaloriesBurned int       `json:"calories_burned"`
	ActiveMinutes  int       `json:"active_minutes"`
	BMREstimate    int       `json:"bmr_estimate"`
	SourceDevice   string    `json:"source_device,omitempty"`
	SyncedAt       time.Time `json:"synced_at"`
}

// IntakeRecorded is published by the nutrition side for every logged meal.
type IntakeRecorded struct {
	IntakeID   string    `json:"intake_id"`
	OwnerID    string    `json:"owner_id"`
	Calories   int       `json:"calories"`
	ConsumedAt time.Time `json:"consumed_at"`
	Source     string    `json:"source,omitempty"`
}
