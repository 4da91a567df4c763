// internal/store/ingest.go
package store

import (
	"os"
	"path/filepath"
	"time"

	"logroller/internal/codec"
	"logroller/internal/model"
)

// ingest resolves ids, appends each event to its device file and only
// then folds it into the index. A failed append stops the batch; events
// already appended stay on disk and in the index.
func (s *Store) ingest(batch model.IngestBatch, receivedAt time.Time) (model.Receipt, error) {
	recv := model.NewTime(receivedAt)
	runFallback := resolveID(FallbackRunID(recv.Time), batch.RunID)
	deviceFallback := resolveID(UnknownDevice, batch.DeviceID)

	receipt := model.Receipt{OK: true, RunID: runFallback, DeviceID: deviceFallback}

	events := make([]model.StoredEvent, 0, len(batch.Events))
	for _, in := range batch.Events {
		ev := model.StoredEvent{
			ID:       s.newID(),
			RunID:    resolveID(runFallback, in.RunID),
			DeviceID: resolveID(deviceFallback, in.DeviceID),
			TS:       in.TS,
			RecvTS:   recv,
			Level:    in.Level,
			Event:    in.Event,
			Seq:      in.Seq,
			Payload:  in.Payload,
			App:      in.App,
			Context:  in.Context,
		}
		if err := checkID("run_id", ev.RunID); err != nil {
			return model.Receipt{}, err
		}
		if err := checkID("device_id", ev.DeviceID); err != nil {
			return model.Receipt{}, err
		}
		events = append(events, ev)
	}

	for i, ev := range events {
		if err := s.append(ev); err != nil {
			s.metrics.IngestFailed()
			s.log.Error().Err(err).
				Str("run_id", ev.RunID).
				Str("device_id", ev.DeviceID).
				Int("stored", i).
				Int("batch", len(events)).
				Msg("ingest append failed")
			return model.Receipt{}, err
		}
		s.index.apply(ev)
		s.metrics.EventsStored(1)

		if i == 0 {
			receipt.RunID = ev.RunID
			receipt.DeviceID = ev.DeviceID
		}
		receipt.Stored++
	}
	s.metrics.SetIndexedRuns(len(s.index))

	s.log.Debug().
		Int("stored", receipt.Stored).
		Str("run_id", receipt.RunID).
		Str("device_id", receipt.DeviceID).
		Msg("ingested batch")
	return receipt, nil
}

func (s *Store) runDir(runID string) string {
	return filepath.Join(s.root, runID)
}

func (s *Store) deviceFile(runID, deviceID string) string {
	return filepath.Join(s.runDir(runID), deviceID+FileExt)
}

// append opens (or creates) the device file in append mode and writes one
// line.
func (s *Store) append(ev model.StoredEvent) error {
	dir := s.runDir(ev.RunID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return &StorageError{Op: "mkdir", Path: dir, Err: err}
	}

	line, err := codec.EncodeLine(ev)
	if err != nil {
		return &StorageError{Op: "encode", Path: dir, Err: err}
	}

	path := s.deviceFile(ev.RunID, ev.DeviceID)
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0o644)
	if err != nil {
		return &StorageError{Op: "open", Path: path, Err: err}
	}
	if _, err := f.Write(line); err != nil {
		_ = f.Close()
		return &StorageError{Op: "append", Path: path, Err: err}
	}
	if err := f.Close(); err != nil {
		return &StorageError{Op: "close", Path: path, Err: err}
	}
	return nil
}
