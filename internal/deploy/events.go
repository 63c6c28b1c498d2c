package deploy

import (
	"encoding/json"

	"github.com/block/shipit/internal/hashes"
	"github.com/block/shipit/internal/sha1"
)

// EventType is the wire name of an Event.
type EventType string

const (
	EventWarning          EventType = "warning"
	EventHashesCalculated EventType = "hashes-calculated"
	EventFileCount        EventType = "file-count"
	EventFileUploaded     EventType = "file-uploaded"
	EventCreated          EventType = "created"
	EventError            EventType = "error"
)

// Event is one step of a deployment.
//
// A sequence of events contains at most one Warning, exactly one
// HashesCalculated unless it fails first, and ends with exactly one Created
// or Error.
//
//sumtype:decl
type Event interface {
	Type() EventType
	event()
}

// Warning is non-fatal.
type Warning struct {
	Message string
}

// HashesCalculated carries the deduplicated content of the deployment before
// any upload starts.
type HashesCalculated struct {
	Files map[sha1.SHA1]hashes.Summary
}

// FileCount reports how much of the deployment the API is missing.
type FileCount struct {
	Total        int
	Missing      int
	MissingBytes int64
}

// FileUploaded is emitted as each missing file finishes uploading.
type FileUploaded struct {
	Digest sha1.SHA1
	Names  []string
	Size   int64
}

// Created is the terminal success event.
type Created struct {
	Deployment Descriptor
}

// Error is the terminal failure event.
type Error struct {
	Err error
}

func (Warning) Type() EventType          { return EventWarning }
func (HashesCalculated) Type() EventType { return EventHashesCalculated }
func (FileCount) Type() EventType        { return EventFileCount }
func (FileUploaded) Type() EventType     { return EventFileUploaded }
func (Created) Type() EventType          { return EventCreated }
func (Error) Type() EventType            { return EventError }

func (Warning) event()          {}
func (HashesCalculated) event() {}
func (FileCount) event()        {}
func (FileUploaded) event()     {}
func (Created) event()          {}
func (Error) event()            {}

func (e Error) Error() string { return e.Err.Error() }
func (e Error) Unwrap() error { return e.Err }

// Descriptor is the deployment as returned by the API.
type Descriptor struct {
	ID         string `json:"id"`
	URL        string `json:"url"`
	Name       string `json:"name"`
	ReadyState string `json:"readyState"`
	CreatedAt  int64  `json:"createdAt"`
	// Raw is the complete response body.
	Raw json.RawMessage `json:"-"`
}
