// Package events defines the behavioral events supplied by collaborators
// (authentication, file service, network telemetry) and their JSON wire form.
package events

import (
	"encoding/json"
	"time"
)

// Kind discriminates the event variants.
type Kind string

const (
	KindLogin      Kind = "login"
	KindFileAccess Kind = "file_access"
	KindNetwork    Kind = "network"
)

// Valid reports whether k is a known event kind.
func (k Kind) Valid() bool {
	switch k {
	case KindLogin, KindFileAccess, KindNetwork:
		return true
	}
	return false
}

// FileAction is the operation recorded by a FileAccessEvent.
type FileAction string

const (
	ActionRead     FileAction = "READ"
	ActionWrite    FileAction = "WRITE"
	ActionDownload FileAction = "DOWNLOAD"
	ActionDelete   FileAction = "DELETE"
	ActionCreate   FileAction = "CREATE"
)

// Event is an immutable observation about an identity. Only the fields of
// its Kind are meaningful.
type Event struct {
	Kind      Kind
	UserID    string
	Timestamp time.Time

	// login
	SourceIP string
	Success  bool

	// file_access
	FileName string
	Action   FileAction

	// network
	RemoteIP string
	External bool
}

// Login builds a LoginEvent.
func Login(userID string, ts time.Time, sourceIP string, success bool) Event {
	return Event{Kind: KindLogin, UserID: userID, Timestamp: ts, SourceIP: sourceIP, Success: success}
}

// FileAccess builds a FileAccessEvent.
func FileAccess(userID string, ts time.Time, fileName string, action FileAction) Event {
	return Event{Kind: KindFileAccess, UserID: userID, Timestamp: ts, FileName: fileName, Action: action}
}

// Network builds a NetworkEvent.
func Network(userID string, ts time.Time, remoteIP string, external bool) Event {
	return Event{Kind: KindNetwork, UserID: userID, Timestamp: ts, RemoteIP: remoteIP, External: external}
}

// HourOfDay returns the event hour in loc (UTC when nil).
func (e Event) HourOfDay(loc *time.Location) int {
	if loc == nil {
		loc = time.UTC
	}
	return e.Timestamp.In(loc).Hour()
}

// Weekday returns the event weekday in loc (UTC when nil).
func (e Event) Weekday(loc *time.Location) time.Weekday {
	if loc == nil {
		loc = time.UTC
	}
	return e.Timestamp.In(loc).Weekday()
}

// Wire is the JSON shape exchanged with collaborators.
type Wire struct {
	Type      Kind   `json:"type,omitempty"`
	UserID    string `json:"user_id"`
	Timestamp string `json:"timestamp"`
	IPAddress string `json:"ip_address,omitempty"`
	Success   *bool  `json:"success,omitempty"`
	FileName  string `json:"file_name,omitempty"`
	Action    string `json:"action,omitempty"`
	RemoteIP  string `json:"remote_ip,omitempty"`
	External  *bool  `json:"external,omitempty"`
}

// ToWire converts an Event to its wire form.
func (e Event) ToWire() Wire {
	w := Wire{
		Type:      e.Kind,
		UserID:    e.UserID,
		Timestamp: e.Timestamp.UTC().Format(time.RFC3339Nano),
	}
	switch e.Kind {
	case KindLogin:
		success := e.Success
		w.IPAddress = e.SourceIP
		w.Success = &success
	case KindFileAccess:
		w.FileName = e.FileName
		w.Action = string(e.Action)
	case KindNetwork:
		external := e.External
		w.RemoteIP = e.RemoteIP
		w.External = &external
	}
	return w
}

// MarshalJSON encodes the wire form.
func (e Event) MarshalJSON() ([]byte, error) {
	return json.Marshal(e.ToWire())
}
