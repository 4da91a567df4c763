// internal/codec/line.go
package codec

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"
	"time"

	"logroller/internal/model"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
)

// UnparsedEventName marks a synthesized event standing in for a log line
// that was not a JSON object.
const UnparsedEventName = "storage.unparsed_row"

// Tier records which decode stage produced an event.
type Tier int

const (
	TierCanonical Tier = iota
	TierLegacy
	TierUnparsed
)

func (t Tier) String() string {
	switch t {
	case TierCanonical:
		return "canonical"
	case TierLegacy:
		return "legacy"
	case TierUnparsed:
		return "unparsed"
	}
	return "unknown"
}

// Source locates a line on disk. RunID and DeviceID are derived from the
// run directory name and the file's base name; Fallback is the instant
// used when the line carries no usable timestamp (the file's mtime).
type Source struct {
	RunID    string
	DeviceID string
	Line     int
	Fallback time.Time
}

// storedWire is the strict form of a persisted line: every non-optional
// field of model.StoredEvent must be present.
type storedWire struct {
	App      json.RawMessage `json:"app"`
	Context  json.RawMessage `json:"context"`
	DeviceID *string         `json:"device_id"`
	Event    *string         `json:"event"`
	ID       *string         `json:"id"`
	Level    *model.Level    `json:"level"`
	Payload  json.RawMessage `json:"payload"`
	RecvTS   *model.Time     `json:"recv_ts"`
	RunID    *string         `json:"run_id"`
	Seq      *int64          `json:"seq"`
	TS       *model.Time     `json:"ts"`
}

// DecodeLine turns one persisted line into a StoredEvent. It never fails:
//
//  1. canonical decode of the current on-disk layout,
//  2. legacy decode of any JSON object, matching keys by CanonicalKey,
//  3. a storage.unparsed_row placeholder for anything else.
//
// Empty run/device ids are patched from src in every tier.
func DecodeLine(line []byte, src Source) (model.StoredEvent, Tier) {
	ev, tier := decodeLine(line, src)
	if strings.TrimSpace(ev.RunID) == "" {
		ev.RunID = src.RunID
	}
	if strings.TrimSpace(ev.DeviceID) == "" {
		ev.DeviceID = src.DeviceID
	}
	return ev, tier
}

func decodeLine(line []byte, src Source) (model.StoredEvent, Tier) {
	if ev, err := DecodeStored(line); err == nil {
		return ev, TierCanonical
	}
	if obj, ok := decodeObject(line); ok {
		return legacyEvent(obj, line, src), TierLegacy
	}
	return unparsedEvent(line, src), TierUnparsed
}

// DecodeStored is the strict canonical decoder.
func DecodeStored(line []byte) (model.StoredEvent, error) {
	var w storedWire
	if err := json.Unmarshal(line, &w); err != nil {
		return model.StoredEvent{}, err
	}
	switch {
	case w.ID == nil || w.RunID == nil || w.DeviceID == nil || w.Event == nil:
		return model.StoredEvent{}, errors.New("missing required field")
	case w.TS == nil || w.RecvTS == nil:
		return model.StoredEvent{}, errors.New("missing timestamp")
	case w.Level == nil || !w.Level.Valid():
		return model.StoredEvent{}, errors.New("missing or unknown level")
	case len(w.Payload) == 0:
		return model.StoredEvent{}, errors.New("missing payload")
	}
	id, err := uuid.Parse(*w.ID)
	if err != nil {
		return model.StoredEvent{}, fmt.Errorf("id: %w", err)
	}
	payload, err := compact(w.Payload)
	if err != nil {
		return model.StoredEvent{}, err
	}
	app, err := compactOptional(w.App)
	if err != nil {
		return model.StoredEvent{}, err
	}
	ctx, err := compactOptional(w.Context)
	if err != nil {
		return model.StoredEvent{}, err
	}
	return model.StoredEvent{
		ID:       id.String(),
		RunID:    *w.RunID,
		DeviceID: *w.DeviceID,
		TS:       *w.TS,
		RecvTS:   *w.RecvTS,
		Level:    *w.Level,
		Event:    *w.Event,
		Seq:      w.Seq,
		Payload:  payload,
		App:      app,
		Context:  ctx,
	}, nil
}

// decodeObject parses line as exactly one JSON object, keeping numbers as
// json.Number so integers survive untouched.
func decodeObject(line []byte) (map[string]any, bool) {
	dec := json.NewDecoder(bytes.NewReader(line))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, false
	}
	var extra any
	if err := dec.Decode(&extra); err != io.EOF {
		return nil, false
	}
	obj, ok := v.(map[string]any)
	return obj, ok
}

func legacyEvent(obj map[string]any, line []byte, src Source) model.StoredEvent {
	ev := model.StoredEvent{
		RunID:    stringField(obj, "runid"),
		DeviceID: stringField(obj, "deviceid"),
		Event:    stringField(obj, "event"),
		Level:    model.Level(stringField(obj, "level")),
		Seq:      intField(obj, "seq"),
		Payload:  rawField(obj, "payload"),
		App:      rawField(obj, "app"),
		Context:  rawField(obj, "context"),
	}
	if ev.Event == "" {
		ev.Event = "unknown"
	}
	if !ev.Level.Valid() {
		ev.Level = model.LevelInfo
	}
	if ev.Payload == nil {
		ev.Payload = json.RawMessage(`{}`)
	}

	ts, ok := timeField(obj, "ts", "timestamp", "time")
	if !ok {
		ts = model.NewTime(src.Fallback)
	}
	ev.TS = ts
	recv, ok := timeField(obj, "recvts", "receivedat", "ingestedat")
	if !ok {
		recv = ts
	}
	ev.RecvTS = recv

	if id, err := uuid.Parse(stringField(obj, "id")); err == nil {
		ev.ID = id.String()
	} else {
		ev.ID = lineID(line, src)
	}
	return ev
}

func unparsedEvent(line []byte, src Source) model.StoredEvent {
	payload, _ := json.Marshal(map[string]any{
		"line_number": src.Line,
		"raw_row":     string(line),
	})
	at := model.NewTime(src.Fallback)
	return model.StoredEvent{
		ID:       lineID(line, src),
		RunID:    src.RunID,
		DeviceID: src.DeviceID,
		TS:       at,
		RecvTS:   at,
		Level:    model.LevelWarn,
		Event:    UnparsedEventName,
		Payload:  payload,
	}
}

// lineID derives a stable id for rows that carry none, so repeated reads
// of the same file agree.
func lineID(line []byte, src Source) string {
	name := fmt.Sprintf("%s/%s:%d:%s", src.RunID, src.DeviceID, src.Line, line)
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(name)).String()
}

func stringField(obj map[string]any, key string) string {
	v, ok := lookup(obj, key)
	if !ok {
		return ""
	}
	s, _ := v.(string)
	return s
}

func intField(obj map[string]any, key string) *int64 {
	v, ok := lookup(obj, key)
	if !ok {
		return nil
	}
	var n int64
	switch x := v.(type) {
	case json.Number:
		if i, err := x.Int64(); err == nil {
			n = i
		} else if f, err := x.Float64(); err == nil && !math.IsInf(f, 0) && !math.IsNaN(f) {
			n = int64(f)
		} else {
			return nil
		}
	case string:
		i, err := strconv.ParseInt(strings.TrimSpace(x), 10, 64)
		if err != nil {
			return nil
		}
		n = i
	default:
		return nil
	}
	return &n
}

func rawField(obj map[string]any, key string) json.RawMessage {
	v, ok := lookup(obj, key)
	if !ok || v == nil {
		return nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return b
}

func timeField(obj map[string]any, keys ...string) (model.Time, bool) {
	for _, k := range keys {
		s := stringField(obj, k)
		if s == "" {
			continue
		}
		if t, err := model.ParseTime(s); err == nil {
			return t, true
		}
	}
	return model.Time{}, false
}
