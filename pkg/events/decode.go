package events

import (
	"bufio"
	"bytes"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

var (
	// ErrMalformedEvent is returned for events missing required fields or carrying unparseable values.
	ErrMalformedEvent = errors.New("malformed event")
	// ErrUnknownEventType is returned when the event type cannot be determined.
	ErrUnknownEventType = errors.New("unknown event type")
)

//go:embed schemas/*.schema.json
var schemaFS embed.FS

const schemaBaseURL = "https://ztcore.schemas.local/events/"

// Decoder validates and decodes wire events. It is safe for concurrent use
// once constructed.
type Decoder struct {
	schemas map[Kind]*jsonschema.Schema
	logger  *slog.Logger
}

// DecoderOption configures a Decoder.
type DecoderOption func(*Decoder)

// WithLogger sets the logger used for drop diagnostics.
func WithLogger(l *slog.Logger) DecoderOption {
	return func(d *Decoder) { d.logger = l }
}

// NewDecoder compiles the embedded event schemas.
func NewDecoder(opts ...DecoderOption) (*Decoder, error) {
	d := &Decoder{
		schemas: make(map[Kind]*jsonschema.Schema, 3),
		logger:  slog.Default().With("component", "events"),
	}
	for _, o := range opts {
		o(d)
	}

	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	for _, kind := range []Kind{KindLogin, KindFileAccess, KindNetwork} {
		raw, err := schemaFS.ReadFile("schemas/" + string(kind) + ".schema.json")
		if err != nil {
			return nil, fmt.Errorf("event schema %s: %w", kind, err)
		}
		url := schemaBaseURL + string(kind) + ".schema.json"
		if err := c.AddResource(url, bytes.NewReader(raw)); err != nil {
			return nil, fmt.Errorf("event schema load failed: %w", err)
		}
		compiled, err := c.Compile(url)
		if err != nil {
			return nil, fmt.Errorf("event schema compile failed: %w", err)
		}
		d.schemas[kind] = compiled
	}
	return d, nil
}

// Decode parses one wire object.
func (d *Decoder) Decode(data []byte) (Event, error) {
	var doc map[string]any
	if err := json.Unmarshal(data, &doc); err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	return d.decodeDoc(doc)
}

// DecodeBatch accepts either a single object or an array of objects. Entries
// that fail are reported by index and do not affect the others.
func (d *Decoder) DecodeBatch(data []byte) ([]Event, map[int]error, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, nil, fmt.Errorf("%w: empty body", ErrMalformedEvent)
	}
	if trimmed[0] != '[' {
		ev, err := d.Decode(trimmed)
		if err != nil {
			return nil, map[int]error{0: err}, nil
		}
		return []Event{ev}, nil, nil
	}

	var items []json.RawMessage
	if err := json.Unmarshal(trimmed, &items); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	out := make([]Event, 0, len(items))
	var failed map[int]error
	for i, item := range items {
		ev, err := d.Decode(item)
		if err != nil {
			if failed == nil {
				failed = make(map[int]error)
			}
			failed[i] = err
			d.logger.Warn("dropping malformed event", "index", i, "error", err)
			continue
		}
		out = append(out, ev)
	}
	return out, failed, nil
}

// StreamStats summarizes a DecodeStream run.
type StreamStats struct {
	Accepted int `json:"accepted"`
	Dropped  int `json:"dropped"`
}

// DecodeStream reads newline-delimited JSON events and calls fn for each valid
// one. Malformed lines are logged and skipped; an error from fn stops the scan.
func (d *Decoder) DecodeStream(r io.Reader, fn func(Event) error) (StreamStats, error) {
	var stats StreamStats
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	line := 0
	for sc.Scan() {
		line++
		raw := bytes.TrimSpace(sc.Bytes())
		if len(raw) == 0 {
			continue
		}
		ev, err := d.Decode(raw)
		if err != nil {
			stats.Dropped++
			d.logger.Warn("dropping malformed event", "line", line, "error", err)
			continue
		}
		if err := fn(ev); err != nil {
			return stats, err
		}
		stats.Accepted++
	}
	if err := sc.Err(); err != nil {
		return stats, fmt.Errorf("read events: %w", err)
	}
	return stats, nil
}

func (d *Decoder) decodeDoc(doc map[string]any) (Event, error) {
	if doc == nil {
		return Event{}, fmt.Errorf("%w: not an object", ErrMalformedEvent)
	}
	kind, err := inferKind(doc)
	if err != nil {
		return Event{}, err
	}
	if a, ok := doc["action"].(string); ok {
		doc["action"] = strings.ToUpper(strings.TrimSpace(a))
	}

	if err := d.schemas[kind].Validate(doc); err != nil {
		return Event{}, fmt.Errorf("%w: %s: %v", ErrMalformedEvent, kind, err)
	}

	ts, err := ParseTimestamp(doc["timestamp"].(string))
	if err != nil {
		return Event{}, err
	}
	user := doc["user_id"].(string)

	switch kind {
	case KindLogin:
		return Login(user, ts, doc["ip_address"].(string), doc["success"].(bool)), nil
	case KindFileAccess:
		return FileAccess(user, ts, doc["file_name"].(string), FileAction(doc["action"].(string))), nil
	default:
		return Network(user, ts, doc["remote_ip"].(string), doc["external"].(bool)), nil
	}
}

func inferKind(doc map[string]any) (Kind, error) {
	if raw, ok := doc["type"]; ok {
		s, _ := raw.(string)
		k := Kind(strings.ToLower(s))
		if !k.Valid() {
			return "", fmt.Errorf("%w: %v", ErrUnknownEventType, raw)
		}
		doc["type"] = string(k)
		return k, nil
	}
	switch {
	case doc["ip_address"] != nil:
		return KindLogin, nil
	case doc["file_name"] != nil:
		return KindFileAccess, nil
	case doc["remote_ip"] != nil:
		return KindNetwork, nil
	}
	return "", fmt.Errorf("%w: no distinguishing field", ErrUnknownEventType)
}
