// internal/codec/wire.go
package codec

import (
	"bytes"
	"errors"
	"fmt"

	"logroller/internal/model"

	json "github.com/goccy/go-json"
)

// ErrInvalidPayload is returned when an ingest body is neither a batch
// nor a single event.
var ErrInvalidPayload = errors.New("invalid json payload")

// wireEvent mirrors model.IncomingEvent with every field optional so
// missing required keys can be told apart from zero values.
type wireEvent struct {
	TS       *model.Time     `json:"ts"`
	Level    *model.Level    `json:"level"`
	Event    *string         `json:"event"`
	RunID    *string         `json:"run_id"`
	DeviceID *string         `json:"device_id"`
	Seq      *int64          `json:"seq"`
	Payload  json.RawMessage `json:"payload"`
	App      json.RawMessage `json:"app"`
	Context  json.RawMessage `json:"context"`
}

type wireBatch struct {
	RunID    *string      `json:"run_id"`
	DeviceID *string      `json:"device_id"`
	Events   *[]wireEvent `json:"events"`
}

// DecodeBatch parses an ingest body. A batch object is tried first, then a
// bare event which becomes a batch of one carrying the event's ids as the
// batch defaults.
func DecodeBatch(body []byte) (model.IngestBatch, error) {
	if batch, err := decodeBatchObject(body); err == nil {
		return batch, nil
	}
	ev, err := decodeEventObject(body)
	if err != nil {
		return model.IngestBatch{}, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return model.IngestBatch{
		RunID:    ev.RunID,
		DeviceID: ev.DeviceID,
		Events:   []model.IncomingEvent{ev},
	}, nil
}

func decodeBatchObject(body []byte) (model.IngestBatch, error) {
	var w wireBatch
	if err := json.Unmarshal(body, &w); err != nil {
		return model.IngestBatch{}, err
	}
	if w.Events == nil {
		return model.IngestBatch{}, errors.New("missing events")
	}
	out := model.IngestBatch{
		RunID:    w.RunID,
		DeviceID: w.DeviceID,
		Events:   make([]model.IncomingEvent, 0, len(*w.Events)),
	}
	for i, we := range *w.Events {
		ev, err := we.toModel()
		if err != nil {
			return model.IngestBatch{}, fmt.Errorf("events[%d]: %w", i, err)
		}
		out.Events = append(out.Events, ev)
	}
	return out, nil
}

func decodeEventObject(body []byte) (model.IncomingEvent, error) {
	var w wireEvent
	if err := json.Unmarshal(body, &w); err != nil {
		return model.IncomingEvent{}, err
	}
	return w.toModel()
}

func (w wireEvent) toModel() (model.IncomingEvent, error) {
	switch {
	case w.TS == nil:
		return model.IncomingEvent{}, errors.New("missing ts")
	case w.Level == nil:
		return model.IncomingEvent{}, errors.New("missing level")
	case !w.Level.Valid():
		return model.IncomingEvent{}, fmt.Errorf("unknown level %q", string(*w.Level))
	case w.Event == nil:
		return model.IncomingEvent{}, errors.New("missing event")
	case len(w.Payload) == 0:
		return model.IncomingEvent{}, errors.New("missing payload")
	}

	payload, err := compact(w.Payload)
	if err != nil {
		return model.IncomingEvent{}, err
	}
	app, err := compactOptional(w.App)
	if err != nil {
		return model.IncomingEvent{}, err
	}
	ctx, err := compactOptional(w.Context)
	if err != nil {
		return model.IncomingEvent{}, err
	}

	return model.IncomingEvent{
		TS:       *w.TS,
		Level:    *w.Level,
		Event:    *w.Event,
		RunID:    w.RunID,
		DeviceID: w.DeviceID,
		Seq:      w.Seq,
		Payload:  payload,
		App:      app,
		Context:  ctx,
	}, nil
}

func compact(raw json.RawMessage) (json.RawMessage, error) {
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return nil, err
	}
	return json.RawMessage(buf.Bytes()), nil
}

// compactOptional treats an explicit JSON null like an absent field.
func compactOptional(raw json.RawMessage) (json.RawMessage, error) {
	if len(raw) == 0 || bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		return nil, nil
	}
	return compact(raw)
}
