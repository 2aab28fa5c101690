package mcb

import (
	"os"
	"sync"

	"github.com/google/uuid"
)

// EventKind buckets bridge events for filtering by consumers.
type EventKind string

const (
	EventKindPool      EventKind = "pool"
	EventKindProbe     EventKind = "probe"
	EventKindBreaker   EventKind = "breaker"
	EventKindCall      EventKind = "call"
	EventKindLifecycle EventKind = "lifecycle"
)

// Event is one structured record emitted by the bridge. Telemetry consumers receive
// events through a handler or the manager's event channel; export formats are their
// concern, not the bridge's.
type Event struct {
	EventID     uuid.UUID `json:"EventID"`
	Kind        EventKind `json:"Kind"`
	ServerName  string    `json:"ServerName,omitempty"`
	Message     string    `json:"Message"`
	Err         string    `json:"Error,omitempty"`
	UTCDateTime string    `json:"UTCDateTime"`
}

func newEvent(kind EventKind, serverName string, message string) *Event {
	return &Event{
		EventID:     uuid.New(),
		Kind:        kind,
		ServerName:  serverName,
		Message:     message,
		UTCDateTime: JSONUtcTimestamp(),
	}
}

func newEventWithError(kind EventKind, serverName string, message string, err error) *Event {
	event := newEvent(kind, serverName, message)
	if err != nil {
		event.Err = err.Error()
	}
	return event
}

// EventSink persists events somewhere durable.
type EventSink interface {
	Write(event *Event) error
	Close() error
}

// FileEventSink appends one sealed JSON line per event to a file. The event body is
// optionally compressed and encrypted per config, wrapped in a plaintext envelope that
// carries the flags needed to decode it later.
type FileEventSink struct {
	file        *os.File
	writeLock   *sync.Mutex
	compression *CompressionConfig
	encryption  *EncryptionConfig
}

// NewFileEventSink opens (or creates) the sink file in append mode.
func NewFileEventSink(config *EventConfig) (*FileEventSink, error) {

	file, err := os.OpenFile(config.FilePath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}

	return &FileEventSink{
		file:        file,
		writeLock:   &sync.Mutex{},
		compression: config.CompressionConfig,
		encryption:  config.EncryptionConfig,
	}, nil
}

// Write seals the event and appends it as a single line.
func (fes *FileEventSink) Write(event *Event) error {

	data, err := CreateWrappedPayload(event, event.EventID, string(event.Kind), fes.compression, fes.encryption)
	if err != nil {
		return err
	}

	fes.writeLock.Lock()
	defer fes.writeLock.Unlock()

	if _, err = fes.file.Write(data); err != nil {
		return err
	}
	_, err = fes.file.Write([]byte("\n"))
	return err
}

// Close flushes and closes the underlying file.
func (fes *FileEventSink) Close() error {
	fes.writeLock.Lock()
	defer fes.writeLock.Unlock()
	return fes.file.Close()
}

// DecodeEventLine reverses Write: it unwraps the envelope, decrypts and decompresses
// the body as flagged, and unmarshals the original event.
func DecodeEventLine(line []byte, encryption *EncryptionConfig) (*Event, error) {

	wrapped, err := ReadWrappedBodyFromJSONBytes(line)
	if err != nil {
		return nil, err
	}

	data, err := ReadPayload(wrapped, encryption)
	if err != nil {
		return nil, err
	}

	event := &Event{}
	if err = jsonUnmarshal(data, event); err != nil {
		return nil, err
	}

	return event, nil
}
