package models

// Object storage event names that trigger a file ingest.
const (
	EventObjectCreatedPut       = "s3:ObjectCreated:Put"
	EventObjectCreatedMultipart = "s3:ObjectCreated:CompleteMultipartUpload"
)

// StorageEvent is the object storage notification consumed by the file ingest.
// Key is "<bucket>/<object name>".
type StorageEvent struct {
	EventName string `json:"EventName"`
	Key       string `json:"Key"`
}

// DataParsedEvent is published after observations of a thing were stored.
type DataParsedEvent struct {
	ThingUUID string `json:"thing_uuid"`
}

// Journal levels
const (
	JournalInfo    = "INFO"
	JournalWarning = "WARNING"
	JournalError   = "ERROR"
)

// JournalEntry is a user-facing message attached to a thing
type JournalEntry struct {
	Timestamp string `json:"timestamp"`
	Message   string `json:"message"`
	Level     string `json:"level"`
	Origin    string `json:"origin"`
}

// MQTTMessageRecord archives a raw MQTT payload of a thing
type MQTTMessageRecord struct {
	Message   string `json:"message"`
	Timestamp string `json:"timestamp"`
}
