package outbox

import "example.com/devicesync/internal/events"

const deviceConnectedSchema = `{
  "type": "object",
  "title": "DeviceConnected",
  "properties": {
    "device_id": {"type": "string"},
    "owner_id": {"type": "string"},
    "device_type": {"type": "string"},
    "device_name": {"type": "string"},
    "is_primary": {"type": "boolean"},
    "connected_at": {"type": "string", "format": "date-time"}
  },
  "required": ["device_id", "owner_id", "device_type", "device_name", "is_primary", "connected_at"],
  "additionalProperties": false
}`

const deviceDisconnectedSchema = `{
  "type": "object",
  "title": "DeviceDisconnected",
  "properties": {
    "device_id": {"type": "string"},
    "owner_id": {"type": "string"},
    "device_type": {"type": "string"},
    "disconnected_at": {"type": "string", "format": "date-time"}
  },
  "required": ["device_id", "owner_id", "device_type", "disconnected_at"],
  "additionalProperties": false
}`

const activitySyncedSchema = `{
  "type": "object",
  "title": "ActivitySynced",
  "properties": {
    "owner_id": {"type": "string"},
    "device_id": {"type": "string"},
    "activity_date": {"type": "string", "format": "date"},
    "steps": {"type": "integer", "minimum": 0},
    "calories_burned": {"type": "integer", "minimum": 0},
    "active_minutes": {"type": "integer", "minimum": 0},
    "bmr_estimate": {"type": "integer", "minimum": 0},
    "source_device": {"type": "string"},
    "synced_at": {"type": "string", "format": "date-time"}
  },
  "required": ["owner_id", "device_id", "activity_date", "steps", "calories_burned", "active_minutes", "bmr_estimate", "synced_at"],
  "additionalProperties": false
}`

// SchemaCatalogEntry maps event type to schema definition.
type SchemaCatalogEntry struct {
	Schema string
}

var schemaCatalog = map[string]SchemaCatalogEntry{
	events.TypeDeviceConnected:    {Schema: deviceConnectedSchema},
	events.TypeDeviceDisconnected: {Schema: deviceDisconnectedSchema},
	events.TypeActivitySynced:     {Schema: activitySyncedSchema},
}
