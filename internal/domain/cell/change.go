package cell

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	json "github.com/goccy/go-json"
)

// EventType classifies change-feed records.
type EventType string

const (
	// EventInsert is emitted when a cell row is created (first claim).
	EventInsert EventType = "INSERT"
	// EventUpdate is emitted when a cell row changes.
	EventUpdate EventType = "UPDATE"
	// EventDelete is emitted on administrative deletion.
	EventDelete EventType = "DELETE"
)

// ChangeEvent is a validated change-feed record.
type ChangeEvent struct {
	EventType EventType `json:"eventType"`
	New       Cell      `json:"new"`
}

// Encode renders the event in the wire shape accepted by DecodeChange.
func (e ChangeEvent) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// Decoded is the tagged result of validating an untyped payload. Err is non-nil
// when the payload was rejected; Event is only meaningful when Err is nil.
type Decoded struct {
	Event ChangeEvent
	Err   error
}

// Accepted reports whether the payload passed validation.
func (d Decoded) Accepted() bool {
	return d.Err == nil
}

var (
	errMissingRecord = errors.New("change event: missing new record")
	errBadEventType  = errors.New("change event: unknown eventType")
)

// DecodeChange validates a loosely typed JSON change record against the Cell
// schema and grid bounds before it is allowed near the typed grid.
func DecodeChange(raw []byte) Decoded {
	var envelope map[string]any
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return Decoded{Err: fmt.Errorf("change event: decode: %w", err)}
	}

	typ, _ := envelope["eventType"].(string)
	eventType := EventType(strings.ToUpper(strings.TrimSpace(typ)))
	switch eventType {
	case EventInsert, EventUpdate, EventDelete:
	default:
		return Decoded{Err: fmt.Errorf("%w %q", errBadEventType, typ)}
	}

	record, ok := envelope["new"].(map[string]any)
	if !ok {
		// DELETE events carry the removed row under "old".
		record, ok = envelope["old"].(map[string]any)
	}
	if !ok || record == nil {
		return Decoded{Err: errMissingRecord}
	}

	c, err := cellFromRecord(record)
	if err != nil {
		return Decoded{Err: err}
	}
	return Decoded{Event: ChangeEvent{EventType: eventType, New: c}}
}

func cellFromRecord(record map[string]any) (Cell, error) {
	x, err := intField(record, "x")
	if err != nil {
		return Cell{}, err
	}
	y, err := intField(record, "y")
	if err != nil {
		return Cell{}, err
	}
	if !InBounds(x, y) {
		return Cell{}, fmt.Errorf("change event: coordinates (%d,%d) out of bounds", x, y)
	}

	c := Cell{X: x, Y: y}
	if c.Owner, err = stringField(record, "owner"); err != nil {
		return Cell{}, err
	}
	if c.ImageURL, err = optionalStringField(record, "image_url"); err != nil {
		return Cell{}, err
	}
	if c.NFTURL, err = optionalStringField(record, "nft_url"); err != nil {
		return Cell{}, err
	}
	if c.Title, err = stringField(record, "title"); err != nil {
		return Cell{}, err
	}
	if c.Description, err = stringField(record, "description"); err != nil {
		return Cell{}, err
	}
	if raw, ok := record["updated_at"]; ok && raw != nil {
		text, isString := raw.(string)
		if !isString {
			return Cell{}, fmt.Errorf("change event: updated_at must be a string")
		}
		ts, perr := parseTimestamp(text)
		if perr != nil {
			return Cell{}, fmt.Errorf("change event: updated_at: %w", perr)
		}
		c.UpdatedAt = ts
	}
	if err := c.Validate(); err != nil {
		return Cell{}, fmt.Errorf("change event: %w", err)
	}
	return c, nil
}

func intField(record map[string]any, key string) (int, error) {
	raw, ok := record[key]
	if !ok || raw == nil {
		return 0, fmt.Errorf("change event: %s required", key)
	}
	var f float64
	switch v := raw.(type) {
	case float64:
		f = v
	case int64:
		f = float64(v)
	case uint64:
		f = float64(v)
	case json.Number:
		parsed, err := v.Float64()
		if err != nil {
			return 0, fmt.Errorf("change event: %s: %w", key, err)
		}
		f = parsed
	default:
		return 0, fmt.Errorf("change event: %s must be a number", key)
	}
	if f != math.Trunc(f) || math.IsInf(f, 0) || math.IsNaN(f) {
		return 0, fmt.Errorf("change event: %s must be an integer", key)
	}
	return int(f), nil
}

func stringField(record map[string]any, key string) (string, error) {
	raw, ok := record[key]
	if !ok || raw == nil {
		return "", nil
	}
	s, ok := raw.(string)
	if !ok {
		return "", fmt.Errorf("change event: %s must be a string", key)
	}
	return s, nil
}

func optionalStringField(record map[string]any, key string) (*string, error) {
	raw, ok := record[key]
	if !ok || raw == nil {
		return nil, nil
	}
	s, ok := raw.(string)
	if !ok {
		return nil, fmt.Errorf("change event: %s must be a string or null", key)
	}
	return &s, nil
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999",
	"2006-01-02 15:04:05.999999-07",
	"2006-01-02 15:04:05.999999-07:00",
}

func parseTimestamp(text string) (time.Time, error) {
	trimmed := strings.TrimSpace(text)
	var lastErr error
	for _, layout := range timestampLayouts {
		ts, err := time.Parse(layout, trimmed)
		if err == nil {
			return ts.UTC(), nil
		}
		lastErr = err
	}
	return time.Time{}, lastErr
}
