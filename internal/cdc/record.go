// Package cdc decodes row-level change events for the complaints table and
// exposes them as an ordered, resumable sequence.
package cdc

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"
)

// ErrTombstone is returned by Decode for the empty follow-up message Debezium
// emits after a delete. Callers skip it.
var ErrTombstone = errors.New("tombstone record")

type Operation int

const (
	OpInsert Operation = iota + 1
	OpUpdate
	OpDelete
)

func (o Operation) String() string {
	switch o {
	case OpInsert:
		return "insert"
	case OpUpdate:
		return "update"
	case OpDelete:
		return "delete"
	default:
		return "unknown"
	}
}

// ComplaintRow is one row image of the complaints table.
type ComplaintRow struct {
	ComplaintID  int64     `json:"complaint_id"`
	CustomerName string    `json:"customer_name,omitempty"`
	Country      string    `json:"country,omitempty"`
	Description  string    `json:"description"`
	CreatedAt    Timestamp `json:"created_at,omitempty"`
}

// ChangeRecord is a single committed row change. After is nil for deletes.
type ChangeRecord struct {
	Table  string
	Op     Operation
	Before *ComplaintRow
	After  *ComplaintRow
	Offset uint64
	Raw    json.RawMessage
}

// EntityID returns the complaint id the change applies to, taken from the
// after image when present and the before image otherwise.
func (r ChangeRecord) EntityID() (int64, bool) {
	if r.After != nil {
		return r.After.ComplaintID, true
	}
	if r.Before != nil {
		return r.Before.ComplaintID, true
	}
	return 0, false
}

type debeziumPayload struct {
	Op     string        `json:"op"`
	Before *ComplaintRow `json:"before"`
	After  *ComplaintRow `json:"after"`
	Source struct {
		Table string `json:"table"`
	} `json:"source"`
}

// Decode parses a Debezium change event, with or without the schema/payload
// wrapper that the JSON converter adds when schemas are enabled.
func Decode(data []byte, offset uint64) (ChangeRecord, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return ChangeRecord{}, ErrTombstone
	}

	var top map[string]json.RawMessage
	if err := json.Unmarshal(data, &top); err != nil {
		return ChangeRecord{}, fmt.Errorf("decoding change envelope: %w", err)
	}
	body := data
	if payload, ok := top["payload"]; ok {
		body = bytes.TrimSpace(payload)
		if len(body) == 0 || bytes.Equal(body, []byte("null")) {
			return ChangeRecord{}, ErrTombstone
		}
	}

	var p debeziumPayload
	if err := json.Unmarshal(body, &p); err != nil {
		return ChangeRecord{}, fmt.Errorf("decoding change payload: %w", err)
	}

	rec := ChangeRecord{
		Table:  p.Source.Table,
		Before: p.Before,
		After:  p.After,
		Offset: offset,
		Raw:    append(json.RawMessage(nil), data...),
	}
	switch p.Op {
	case "c", "r":
		rec.Op = OpInsert
	case "u":
		rec.Op = OpUpdate
	case "d":
		rec.Op = OpDelete
		rec.After = nil
	default:
		return ChangeRecord{}, fmt.Errorf("unknown change operation %q", p.Op)
	}

	if rec.Op != OpDelete && rec.After == nil {
		return ChangeRecord{}, fmt.Errorf("%s record at offset %d has no after image", rec.Op, offset)
	}
	return rec, nil
}

// Timestamp accepts the encodings Debezium uses for timestamp columns:
// epoch microseconds, epoch milliseconds or an RFC 3339 string. Any other
// encoding is logged and leaves the time zero.
type Timestamp struct {
	time.Time
}

func (t *Timestamp) UnmarshalJSON(b []byte) error {
	parsed, err := parseTimestamp(bytes.TrimSpace(b))
	if err != nil {
		slog.Warn("ignoring unparseable timestamp", "value", string(b), "error", err)
		t.Time = time.Time{}
		return nil
	}
	t.Time = parsed
	return nil
}

func parseTimestamp(b []byte) (time.Time, error) {
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		return time.Time{}, nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return time.Time{}, err
		}
		for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05.999999", "2006-01-02 15:04:05.999999"} {
			if parsed, err := time.Parse(layout, s); err == nil {
				return parsed.UTC(), nil
			}
		}
		return time.Time{}, fmt.Errorf("unrecognised timestamp %q", s)
	}
	n, err := strconv.ParseInt(string(b), 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing timestamp %s: %w", b, err)
	}
	// Anything past year 2286 in milliseconds is treated as microseconds.
	if n > 1e13 || n < -1e13 {
		return time.UnixMicro(n).UTC(), nil
	}
	return time.UnixMilli(n).UTC(), nil
}

func (t Timestamp) MarshalJSON() ([]byte, error) {
	if t.IsZero() {
		return []byte("null"), nil
	}
	return json.Marshal(t.Time.Format(time.RFC3339Nano))
}
