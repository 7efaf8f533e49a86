package stats

import (
	"bytes"
	"encoding/json"
	"fmt"
	"unicode/utf8"
)

// ActionRecord is a single decoded action event.
type ActionRecord struct {
	Name     string
	Duration float64
}

// DecodeAction parses an event such as {"action":"jump","time":100}.
// Keys match exactly, so "Action" or "TIME" do not count as the required
// fields. Extra fields are ignored. Any other shape, including invalid
// UTF-8, fails with ErrParse.
func DecodeAction(raw []byte) (ActionRecord, error) {
	if !utf8.Valid(raw) {
		return ActionRecord{}, fmt.Errorf("%w: payload is not valid UTF-8", ErrParse)
	}

	var fields map[string]json.RawMessage

	if err := json.Unmarshal(raw, &fields); err != nil {
		return ActionRecord{}, fmt.Errorf("%w: %w", ErrParse, err)
	}

	// A top-level null unmarshals into a nil map without error.
	if fields == nil {
		return ActionRecord{}, fmt.Errorf("%w: payload is not an object", ErrParse)
	}

	var rec ActionRecord

	if err := decodeField(fields, "action", &rec.Name); err != nil {
		return ActionRecord{}, err
	}

	if err := decodeField(fields, "time", &rec.Duration); err != nil {
		return ActionRecord{}, err
	}

	return rec, nil
}

func decodeField(fields map[string]json.RawMessage, key string, dst any) error {
	value, ok := fields[key]
	if !ok {
		return fmt.Errorf("%w: missing %s field", ErrParse, key)
	}

	// Unmarshalling null into a string or float64 is a silent no-op.
	if bytes.Equal(value, []byte("null")) {
		return fmt.Errorf("%w: %s field is null", ErrParse, key)
	}

	if err := json.Unmarshal(value, dst); err != nil {
		return fmt.Errorf("%w: %s field: %w", ErrParse, key, err)
	}

	return nil
}

// ActionAverage is one entry of a snapshot Report.
type ActionAverage struct {
	Name    string  `json:"action"`
	Average float64 `json:"avg"`
	// Count is kept for in-process consumers and is not part of the
	// snapshot wire form.
	Count uint64 `json:"-"`
}

// Report is a point-in-time view of every tracked action, ordered by name.
type Report []ActionAverage

// Encode returns the report as a JSON array. An empty report encodes as [].
func (r Report) Encode() ([]byte, error) {
	if r == nil {
		r = Report{}
	}

	var buf bytes.Buffer

	// Action names are user-defined, keep them byte-for-byte.
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)

	if err := enc.Encode(r); err != nil {
		return nil, fmt.Errorf("encoding report: %w", err)
	}

	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}
